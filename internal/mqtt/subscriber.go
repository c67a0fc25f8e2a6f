package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nugget/emonremote/internal/config"
)

// logInbound records a received message at debug level. JSON array
// payloads (feed lists) also log their element count; anything else is
// logged by topic and size only. The full payload is logged at trace.
func logInbound(logger *slog.Logger, msg Message) {
	ctx := context.Background()
	if !logger.Enabled(ctx, slog.LevelDebug) {
		return
	}

	fields := []any{
		"topic", msg.Topic,
		"payload_size", len(msg.Payload),
	}
	if len(msg.CorrelationData) > 0 {
		fields = append(fields, "correlated", true)
	}

	if trimmed := bytes.TrimSpace(msg.Payload); len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err == nil {
			fields = append(fields, "items", len(items))
		}
	}

	logger.Debug("mqtt message received", fields...)
	logger.Log(ctx, config.LevelTrace, "mqtt message payload",
		"topic", msg.Topic, "payload", string(msg.Payload))
}

// messageRateLimiter counts inbound messages per interval and rejects
// those over the limit. Counters are atomic so the hot path takes no
// locks.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counters every interval until ctx is cancelled,
// warning once per interval in which messages were dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			if dropped := r.dropped.Swap(0); dropped > 0 {
				r.logger.Warn("mqtt messages dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow counts one message and reports whether it is within the limit.
func (r *messageRateLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
