package main

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/nugget/emonremote/internal/httpkit"
	"github.com/nugget/emonremote/internal/mqtt"
)

// brokerLink remembers the client a component dialled so the health
// watcher can probe the same connection.
type brokerLink struct {
	dialer *mqtt.Dialer
	client atomic.Pointer[mqtt.Client]
}

func newBrokerLink(d *mqtt.Dialer) *brokerLink {
	return &brokerLink{dialer: d}
}

func (l *brokerLink) dial(ctx context.Context, opts mqtt.ConnectOptions, h mqtt.Handler) (*mqtt.Client, error) {
	c, err := l.dialer.Dial(ctx, opts, h)
	if err != nil {
		return nil, err
	}
	l.client.Store(c)
	return c, nil
}

// probe succeeds once the dialled client holds a live broker connection.
func (l *brokerLink) probe(ctx context.Context) error {
	c := l.client.Load()
	if c == nil {
		return mqtt.ErrNotConnected
	}
	return c.AwaitConnection(ctx)
}

// emoncmsProbe checks that the emoncms web server answers. Any response
// below 500 counts; authentication is the relay's concern.
func emoncmsProbe(baseURL string) func(ctx context.Context) error {
	client := httpkit.NewClient(httpkit.WithTimeout(5 * time.Second))
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("emoncms probe: %w", err)
		}
		defer httpkit.DrainAndClose(resp.Body, 64<<10)

		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("emoncms probe: status %d", resp.StatusCode)
		}
		return nil
	}
}
