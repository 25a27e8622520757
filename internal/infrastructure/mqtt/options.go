package mqtt

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/iamslan/fossibot/internal/infrastructure/config"
)

// Connection constants.
const (
	// protocolVersion selects MQTT 3.1.1.
	protocolVersion = 4

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// clientIDRandomLen is the number of hex characters in a client ID.
	clientIDRandomLen = 24

	// messageBuffer bounds the inbound queue of one stream.
	messageBuffer = 64
)

// newClientID returns a broker client ID of the form
// client_<24 hex characters>_<unix milliseconds>.
func newClientID(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:clientIDRandomLen]
	return fmt.Sprintf("client_%s_%d", random, now.UnixMilli())
}

// parseEndpoint validates a broker URL and returns it with the host:port
// used for the reachability probe.
func parseEndpoint(endpoint string) (*url.URL, string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidEndpoint, err)
	}

	var defaultPort string
	switch u.Scheme {
	case "ws", "tcp", "mqtt":
		defaultPort = "80"
		if u.Scheme != "ws" {
			defaultPort = "1883"
		}
	case "wss", "ssl", "tls", "mqtts":
		defaultPort = "443"
		if u.Scheme != "wss" {
			defaultPort = "8883"
		}
	default:
		return nil, "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, "", fmt.Errorf("%w: missing host in %q", ErrInvalidEndpoint, endpoint)
	}

	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	return u, u.Hostname() + ":" + port, nil
}

// buildClientOptions creates paho MQTT options for one connection attempt.
//
// This configures:
//   - Broker URL exactly as discovered (ws:// or wss://)
//   - A fresh client ID per attempt
//   - The session token as username with the fixed broker password
//   - Clean session with MQTT 3.1.1
//   - No paho auto-reconnect (the orchestrator owns reconnection)
func buildClientOptions(endpoint, clientID, token string, cfg config.StreamConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(endpoint)
	opts.SetClientID(clientID)

	opts.SetUsername(token)
	opts.SetPassword(cfg.Password)

	opts.SetProtocolVersion(protocolVersion)
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	opts.SetConnectTimeout(cfg.GetConnectTimeout())
	opts.SetKeepAlive(cfg.GetKeepAlive())

	return opts
}
