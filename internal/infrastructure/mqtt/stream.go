package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/iamslan/fossibot/internal/infrastructure/config"
	"github.com/iamslan/fossibot/internal/orchestrator"
)

// subscribeFailure is the SUBACK return code for a refused filter.
const subscribeFailure = 0x80

// Stream is one broker connection.
//
// Inbound messages are queued on Messages(). When the broker drops the
// connection the channel is closed and Err reports the cause. A Stream is
// never reconnected; the orchestrator dials a new one.
//
// Thread Safety: All methods are safe for concurrent use.
type Stream struct {
	cfg      config.StreamConfig
	endpoint string
	clientID string
	logger   Logger

	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client

	mu     sync.RWMutex
	client pahomqtt.Client
	err    error
	closed bool

	msgs      chan orchestrator.Message
	done      chan struct{}
	closeOnce sync.Once
}

// ============================================================================
// Connection
// ============================================================================

// Handshake performs the MQTT CONNECT using token as the username.
//
// Returns:
//   - error: wrapping orchestrator.ErrAuthRejected when the broker refuses
//     the credentials, orchestrator.ErrHandshakeFailed for any other
//     refusal, or ErrTimeout when ctx ends first
func (s *Stream) Handshake(ctx context.Context, token string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.client != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: handshake already performed", orchestrator.ErrHandshakeFailed)
	}
	opts := buildClientOptions(s.endpoint, s.clientID, token, s.cfg)
	opts.SetDefaultPublishHandler(s.onMessage)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	client := s.newClient(opts)
	s.client = client
	s.mu.Unlock()

	tok := client.Connect()
	if err := waitToken(ctx, tok); err != nil {
		client.Disconnect(0)
		return err
	}
	if err := tok.Error(); err != nil {
		return classifyConnectError(tok, err)
	}

	s.logDebug("mqtt connected", "endpoint", s.endpoint, "client_id", s.clientID)
	return nil
}

// classifyConnectError maps a refused CONNECT to an orchestrator error.
func classifyConnectError(tok pahomqtt.Token, err error) error {
	if errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) ||
		errors.Is(err, packets.ErrorRefusedNotAuthorised) {
		return fmt.Errorf("%w: %w", orchestrator.ErrAuthRejected, err)
	}
	if ct, ok := tok.(*pahomqtt.ConnectToken); ok {
		switch ct.ReturnCode() {
		case packets.ErrRefusedBadUsernameOrPassword, packets.ErrRefusedNotAuthorised:
			return fmt.Errorf("%w: %w", orchestrator.ErrAuthRejected, err)
		}
	}
	return fmt.Errorf("%w: %w", orchestrator.ErrHandshakeFailed, err)
}

// Close disconnects from the broker and closes Messages(). It is safe to
// call more than once.
func (s *Stream) Close() error {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(defaultDisconnectQuiesce)
	}
	s.shutdown(ErrNotConnected)
	return nil
}

// Err reports why the stream closed. It is nil while the stream is open.
func (s *Stream) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Messages returns the inbound message queue.
func (s *Stream) Messages() <-chan orchestrator.Message {
	return s.msgs
}

// shutdown records cause and closes the message queue exactly once.
// done is closed first so message handlers blocked on a full queue return
// before the write lock is taken.
func (s *Stream) shutdown(cause error) {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		s.err = cause
		s.closed = true
		close(s.msgs)
		s.mu.Unlock()
	})
}

func (s *Stream) onConnectionLost(_ pahomqtt.Client, err error) {
	s.logWarn("mqtt connection lost", "endpoint", s.endpoint, "error", err)
	if err == nil {
		err = ErrNotConnected
	}
	s.shutdown(fmt.Errorf("%w: %w", orchestrator.ErrNetworkUnavailable, err))
}

func (s *Stream) onMessage(_ pahomqtt.Client, m pahomqtt.Message) {
	payload := make([]byte, len(m.Payload()))
	copy(payload, m.Payload())
	msg := orchestrator.Message{
		Topic:      m.Topic(),
		Payload:    payload,
		ReceivedAt: time.Now(),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.msgs <- msg:
	case <-s.done:
	}
}

// ============================================================================
// Subscribe / Publish
// ============================================================================

// Subscribe subscribes to a topic filter at the configured QoS. Matching
// messages arrive on Messages().
func (s *Stream) Subscribe(ctx context.Context, topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	client, err := s.connected()
	if err != nil {
		return err
	}

	tok := client.Subscribe(topic, byte(s.cfg.QoS), nil)
	if err := waitToken(ctx, tok); err != nil {
		return err
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}
	if st, ok := tok.(*pahomqtt.SubscribeToken); ok {
		for filter, code := range st.Result() {
			if code == subscribeFailure {
				return fmt.Errorf("%w: broker refused %s", ErrSubscribeFailed, filter)
			}
		}
	}
	return nil
}

// Publish sends payload to topic at the configured QoS, not retained.
func (s *Stream) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	client, err := s.connected()
	if err != nil {
		return err
	}

	tok := client.Publish(topic, byte(s.cfg.QoS), false, payload)
	if err := waitToken(ctx, tok); err != nil {
		return err
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}

func (s *Stream) connected() (pahomqtt.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.client == nil || !s.client.IsConnectionOpen() {
		return nil, ErrNotConnected
	}
	return s.client, nil
}

// waitToken blocks until tok completes or ctx ends.
func waitToken(ctx context.Context, tok pahomqtt.Token) error {
	select {
	case <-tok.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}

func (s *Stream) logDebug(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}

func (s *Stream) logWarn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}
