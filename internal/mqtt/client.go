package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/emonremote/internal/config"
)

// ErrSubscribeRejected is returned by [Client.Subscribe] when the broker
// refuses a subscription (SUBACK reason code 0x80 or higher).
var ErrSubscribeRejected = errors.New("mqtt subscription rejected")

// ErrNotConnected is returned when a Client is used before Dial.
var ErrNotConnected = errors.New("mqtt client not connected")

// defaultKeepAlive is the keep-alive interval in seconds when the
// configuration leaves it unset.
const defaultKeepAlive = 30

// rateLimitInterval is the window over which inbound messages are
// counted against the configured rate limit.
const rateLimitInterval = time.Second

// Dialer opens broker connections with a shared configuration. It
// satisfies the connector shape the poller and relay expect once
// wrapped by their adapter funcs.
type Dialer struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
}

// NewDialer creates a Dialer. A nil logger uses [slog.Default].
func NewDialer(cfg config.MQTTConfig, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{cfg: cfg, logger: logger}
}

// Client is one live broker session.
type Client struct {
	handler Handler
	limiter *messageRateLimiter
	logger  *slog.Logger
	cm      *autopaho.ConnectionManager
}

// Dial starts a connection in the background and returns immediately.
// The handler's OnUp fires once the broker accepts the connection and
// again after every reconnect. The connection lives until ctx is
// cancelled or [Client.Disconnect] is called.
func (d *Dialer) Dial(ctx context.Context, opts ConnectOptions, h Handler) (*Client, error) {
	brokerURL, err := url.Parse(d.cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	if brokerURL.Scheme == "" || brokerURL.Host == "" {
		return nil, fmt.Errorf("parse mqtt broker URL: %q needs scheme and host", d.cfg.Broker)
	}
	if opts.ClientID == "" {
		return nil, fmt.Errorf("mqtt dial: client ID is required")
	}

	logger := d.logger.With("client_id", opts.ClientID)

	limit := int64(d.cfg.RateLimit)
	if limit <= 0 {
		limit = config.DefaultMQTTRateLimit
	}

	c := &Client{
		handler: h,
		limiter: newMessageRateLimiter(limit, rateLimitInterval, logger),
		logger:  logger,
	}

	keepAlive := uint16(defaultKeepAlive)
	if d.cfg.KeepAliveSec > 0 {
		keepAlive = uint16(d.cfg.KeepAliveSec)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     keepAlive,
		CleanStartOnInitialConnection: true,
		ConnectUsername:               opts.Username,
		ConnectPassword:               []byte(opts.Password),
		TlsCfg:                        tlsConfigFor(brokerURL, d.cfg.InsecureSkipVerify),
		OnConnectionUp: func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
			logger.Info("mqtt connected to broker", "broker", d.cfg.Broker)
			h.OnUp()
		},
		OnConnectError: func(err error) {
			logger.Warn("mqtt connection error", "broker", d.cfg.Broker, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: opts.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				c.onPublishReceived,
			},
			OnClientError: func(err error) {
				logger.Warn("mqtt connection lost", "error", err)
				h.OnDown(err)
			},
			OnServerDisconnect: func(disc *paho.Disconnect) {
				err := fmt.Errorf("server disconnect (reason %d)", disc.ReasonCode)
				logger.Warn("mqtt connection lost", "error", err)
				h.OnDown(err)
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm = cm

	go c.limiter.start(ctx)

	return c, nil
}

// tlsConfigFor returns a TLS configuration for secure schemes and nil
// for plain ones. InsecureSkipVerify is an explicit opt-in for brokers
// with self-signed certificates.
func tlsConfigFor(u *url.URL, insecure bool) *tls.Config {
	switch u.Scheme {
	case "mqtts", "ssl", "tls", "wss":
		return &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ServerName:         u.Hostname(),
			InsecureSkipVerify: insecure, //nolint:gosec // explicit opt-in
		}
	default:
		return nil
	}
}

// Subscribe subscribes to a single topic at QoS 1 and waits for the
// broker's acknowledgement.
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	if c == nil || c.cm == nil {
		return ErrNotConnected
	}
	sa, err := c.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	})
	if err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	if err := checkSuback(sa); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	c.logger.Debug("mqtt subscribed", "topic", topic)
	return nil
}

// checkSuback converts failure reason codes into [ErrSubscribeRejected].
func checkSuback(sa *paho.Suback) error {
	if sa == nil {
		return nil
	}
	for _, reason := range sa.Reasons {
		if reason >= 0x80 {
			return fmt.Errorf("%w (reason 0x%02x)", ErrSubscribeRejected, reason)
		}
	}
	return nil
}

// Publish sends msg. For QoS 0 it returns once the packet is written;
// there is no delivery acknowledgement.
func (c *Client) Publish(ctx context.Context, msg Message) error {
	if c == nil || c.cm == nil {
		return ErrNotConnected
	}
	if _, err := c.cm.Publish(ctx, toPahoPublish(msg)); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", msg.Topic, err)
	}
	c.logger.Log(ctx, config.LevelTrace, "mqtt published",
		"topic", msg.Topic, "payload", string(msg.Payload))
	return nil
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. Used by connwatch health probes.
func (c *Client) AwaitConnection(ctx context.Context) error {
	if c == nil || c.cm == nil {
		return ErrNotConnected
	}
	return c.cm.AwaitConnection(ctx)
}

// Disconnect closes the connection and stops reconnect attempts.
func (c *Client) Disconnect(ctx context.Context) error {
	if c == nil || c.cm == nil {
		return nil
	}
	return c.cm.Disconnect(ctx)
}

func toPahoPublish(msg Message) *paho.Publish {
	p := &paho.Publish{
		Topic:   msg.Topic,
		Payload: msg.Payload,
		QoS:     msg.QoS,
	}
	if len(msg.CorrelationData) > 0 || msg.ResponseTopic != "" {
		p.Properties = &paho.PublishProperties{
			CorrelationData: msg.CorrelationData,
			ResponseTopic:   msg.ResponseTopic,
		}
	}
	return p
}

func fromPahoPublish(p *paho.Publish) Message {
	msg := Message{
		Topic:   p.Topic,
		Payload: p.Payload,
		QoS:     p.QoS,
	}
	if p.Properties != nil {
		msg.CorrelationData = p.Properties.CorrelationData
		msg.ResponseTopic = p.Properties.ResponseTopic
	}
	return msg
}

// onPublishReceived is the Paho receive hook. Messages over the rate
// limit are acknowledged and dropped.
func (c *Client) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	if pr.Packet == nil {
		return false, nil
	}
	if !c.limiter.allow() {
		return true, nil
	}
	msg := fromPahoPublish(pr.Packet)
	logInbound(c.logger, msg)
	c.handler.OnMessage(msg)
	return true, nil
}
