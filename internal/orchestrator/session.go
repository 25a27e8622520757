package orchestrator

import (
	"context"
	"time"
)

// tokenExpirySkew renews a session this long before its token expires.
const tokenExpirySkew = time.Minute

// Credentials are the account credentials used to obtain a session.
type Credentials struct {
	Username string
	Password string
}

// Device is one power station attached to the account.
type Device struct {
	// ID is the device MAC address without separators. Topics are keyed by it.
	ID   string
	Name string

	// ModelKey selects the register map. Empty means the default model.
	ModelKey string

	// ModbusAddress and ModbusCount describe the device's read window as
	// reported by the cloud. Zero values mean the model defaults.
	ModbusAddress uint8
	ModbusCount   uint16
}

// Session is an authenticated grant for the stream and the device list it
// covers.
//
// A Session is never modified after it is built. Re-authentication produces
// a new Session that replaces the old one atomically.
type Session struct {
	// Token is presented to the stream during the handshake.
	Token string

	// APIToken authorises further cloud calls such as endpoint discovery.
	APIToken string

	// ExpiresAt is when Token stops being accepted. Zero means unknown.
	ExpiresAt time.Time

	Devices   []Device
	CreatedAt time.Time
}

// Expired reports whether the session token is expired or about to expire.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt.Add(-tokenExpirySkew))
}

// Device looks up a device by ID.
func (s *Session) Device(id string) (Device, bool) {
	if s == nil {
		return Device{}, false
	}
	for _, d := range s.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}

// ============================================================================
// Collaborators
// ============================================================================

// AuthProvider obtains sessions and discovers the stream endpoint.
type AuthProvider interface {
	// Authenticate exchanges credentials for a session. It returns an error
	// wrapping ErrCredentialsRejected when the account refuses them.
	Authenticate(ctx context.Context, creds Credentials) (*Session, error)

	// ResolveStreamEndpoint returns the URL of the stream broker for a
	// session. Failure is not fatal: the orchestrator falls back to its
	// configured endpoint.
	ResolveStreamEndpoint(ctx context.Context, sess *Session) (string, error)
}

// Transport dials stream endpoints.
type Transport interface {
	Dial(ctx context.Context, endpoint string) (Stream, error)
}

// Stream is one live connection to the broker.
//
// Messages is closed when the connection is lost. Err then reports why.
type Stream interface {
	Handshake(ctx context.Context, token string) error
	Subscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Messages() <-chan Message
	Err() error
	Close() error
}

// Topics maps devices to stream topics.
type Topics interface {
	// DeviceSubscription is the filter covering a device's data responses.
	DeviceSubscription(deviceID string) string

	// AckSubscription is the filter covering write acknowledgements of
	// every device.
	AckSubscription() string

	// Request is the topic commands for a device are published to.
	Request(deviceID string) string

	// DeviceID extracts the device ID from a received topic.
	DeviceID(topic string) (string, bool)

	// IsAck reports whether a received topic carries acknowledgements.
	IsAck(topic string) bool
}

// Message is one inbound stream message.
type Message struct {
	Topic   string
	Payload []byte

	// DeviceID is derived from Topic.
	DeviceID string

	// Seq is a receive sequence number, strictly increasing across all
	// messages handed to the handler.
	Seq uint64

	ReceivedAt time.Time
}

// MessageHandler consumes inbound messages. Calls are serialised on a
// single worker goroutine in receive order.
type MessageHandler func(Message)

// RequestBuilder builds the poll request sent to a device. It is used to
// verify a new connection carries traffic.
type RequestBuilder func(Device) ([]byte, error)
