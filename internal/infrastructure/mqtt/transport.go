package mqtt

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/iamslan/fossibot/internal/infrastructure/config"
	"github.com/iamslan/fossibot/internal/orchestrator"
)

// Logger is the logging interface used by this package.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Compile-time interface checks.
var (
	_ orchestrator.Transport = (*Transport)(nil)
	_ orchestrator.Stream    = (*Stream)(nil)
	_ orchestrator.Topics    = Topics{}
)

// Transport dials the Sydpower broker over MQTT-over-WebSocket.
//
// Thread Safety: Transport is safe for concurrent use. Every Dial returns
// an independent Stream.
type Transport struct {
	cfg config.StreamConfig

	mu     sync.RWMutex
	logger Logger

	// probe checks the endpoint is reachable before a client is built.
	probe func(ctx context.Context, hostport string) error

	// newClient builds the paho client. Replaced in tests.
	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client

	now func() time.Time
}

// NewTransport creates a Transport from the stream configuration.
//
// Parameters:
//   - cfg: Stream settings (broker password, QoS, keepalive, timeouts)
//
// Returns:
//   - *Transport: Ready to dial
//   - error: ErrInvalidQoS if the configured QoS is not 0, 1 or 2
func NewTransport(cfg config.StreamConfig) (*Transport, error) {
	if cfg.QoS < 0 || cfg.QoS > maxQoS {
		return nil, ErrInvalidQoS
	}
	return &Transport{
		cfg:       cfg,
		probe:     tcpProbe,
		newClient: pahomqtt.NewClient,
		now:       time.Now,
	}, nil
}

// SetLogger sets the logger used by the transport and the streams it dials.
func (t *Transport) SetLogger(logger Logger) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logger = logger
}

// Dial checks endpoint is reachable and returns an unconnected Stream.
// The MQTT CONNECT happens in Stream.Handshake, once the token is known.
//
// Errors wrap orchestrator.ErrNetworkUnavailable when the broker cannot be
// reached, or ErrInvalidEndpoint when the URL is unusable.
func (t *Transport) Dial(ctx context.Context, endpoint string) (orchestrator.Stream, error) {
	_, hostport, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	if err := t.probe(ctx, hostport); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", orchestrator.ErrNetworkUnavailable, hostport, err)
	}

	t.mu.RLock()
	logger := t.logger
	t.mu.RUnlock()

	return &Stream{
		cfg:       t.cfg,
		endpoint:  endpoint,
		clientID:  newClientID(t.now()),
		logger:    logger,
		newClient: t.newClient,
		msgs:      make(chan orchestrator.Message, messageBuffer),
		done:      make(chan struct{}),
	}, nil
}

// tcpProbe opens and closes a TCP connection to hostport.
func tcpProbe(ctx context.Context, hostport string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return err
	}
	return conn.Close()
}
