// Package orchestrator owns the connection to the Sydpower cloud stream.
//
// One goroutine drives the lifecycle:
//
//	Disconnected -> EndpointResolving -> Connecting -> Handshaking
//	    -> Subscribing -> Connected -> (Reconnecting | Disconnected)
//
// EndpointResolving acquires a session when none is held or the token has
// expired, then asks the AuthProvider for the stream endpoint. If discovery
// fails or times out the configured fallback endpoint is used. After
// subscribing, a read request is sent to every device and the connection is
// only considered up once traffic arrives within the grace window.
//
// Any failure moves to Reconnecting, which waits out an exponential backoff
// and starts over. Stop moves to Disconnected from any state and never
// reconnects.
//
// Inbound messages are de-duplicated, stamped with a sequence number and
// handed to the MessageHandler on a dedicated worker goroutine, so a slow
// handler never stalls the connection. Outbound messages are published by
// the lifecycle goroutine itself.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Default timings.
const (
	// DefaultFallbackEndpoint is used when endpoint discovery fails.
	DefaultFallbackEndpoint = "ws://mqtt.sydpower.com:8083/mqtt"

	// DefaultResolveTimeout bounds endpoint discovery.
	DefaultResolveTimeout = 10 * time.Second

	// DefaultConnectTimeout bounds dialling, handshake and each subscription.
	DefaultConnectTimeout = 15 * time.Second

	// DefaultGraceWindow is how long a new connection has to show traffic.
	DefaultGraceWindow = 5 * time.Second

	// DefaultHeartbeatTimeout is the longest silence tolerated while connected.
	DefaultHeartbeatTimeout = 2 * time.Minute

	// DefaultSendTimeout bounds a single publish.
	DefaultSendTimeout = 10 * time.Second

	// inboxSize is the buffer between the connection and the handler worker.
	inboxSize = 256
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Config holds orchestrator settings. Zero durations take the defaults.
type Config struct {
	Credentials      Credentials
	FallbackEndpoint string
	ResolveTimeout   time.Duration
	ConnectTimeout   time.Duration
	GraceWindow      time.Duration
	HeartbeatTimeout time.Duration
	SendTimeout      time.Duration
	DedupTTL         time.Duration
	Backoff          BackoffConfig
}

func (c *Config) applyDefaults() {
	if c.FallbackEndpoint == "" {
		c.FallbackEndpoint = DefaultFallbackEndpoint
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = DefaultResolveTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = DefaultGraceWindow
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Auth      AuthProvider
	Transport Transport
	Topics    Topics

	// Handler receives inbound messages. Optional.
	Handler MessageHandler

	// ReadRequest builds the verification request for a device. Without it
	// the grace window waits for unsolicited traffic.
	ReadRequest RequestBuilder
}

// Stats holds connection statistics.
type Stats struct {
	State             string
	Endpoint          string
	MessagesReceived  uint64
	MessagesSent      uint64
	DuplicatesDropped uint64
	MessagesDropped   uint64
	Connects          uint64
	Reconnects        uint64
	LastError         string
	LastMessageAt     time.Time
}

type outbound struct {
	topic   string
	payload []byte
	result  chan error
}

// link is the send path of one verified connection.
type link struct {
	out    chan outbound
	closed chan struct{}
}

// Orchestrator manages the stream connection lifecycle.
type Orchestrator struct {
	cfg       Config
	auth      AuthProvider
	transport Transport
	topics    Topics
	handler   MessageHandler
	readReq   RequestBuilder

	state    atomic.Int32
	session  atomic.Pointer[Session]
	link     atomic.Pointer[link]
	endpoint atomic.Value // string
	lastErr  atomic.Value // string

	backoff *Backoff
	dedup   *dedupCache
	seq     atomic.Uint64
	inbox   chan Message

	callbackMu    sync.RWMutex
	onStateChange []StateChangeFunc

	logger   Logger
	loggerMu sync.RWMutex

	messagesRx   atomic.Uint64
	messagesTx   atomic.Uint64
	duplicates   atomic.Uint64
	dropped      atomic.Uint64
	connects     atomic.Uint64
	reconnects   atomic.Uint64
	lastActivity atomic.Int64

	startOnce sync.Once
	started   atomic.Bool
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// New creates an orchestrator. It does not connect until Start is called.
//
// Parameters:
//   - cfg: Timings, credentials and fallback endpoint
//   - deps: AuthProvider, Transport and Topics are required
//
// Returns:
//   - *Orchestrator: Ready to start
//   - error: If a required dependency is missing
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Auth == nil {
		return nil, errors.New("orchestrator: auth provider is required")
	}
	if deps.Transport == nil {
		return nil, errors.New("orchestrator: transport is required")
	}
	if deps.Topics == nil {
		return nil, errors.New("orchestrator: topics are required")
	}
	cfg.applyDefaults()

	o := &Orchestrator{
		cfg:       cfg,
		auth:      deps.Auth,
		transport: deps.Transport,
		topics:    deps.Topics,
		handler:   deps.Handler,
		readReq:   deps.ReadRequest,
		backoff:   NewBackoff(cfg.Backoff),
		dedup:     newDedupCache(cfg.DedupTTL),
		inbox:     make(chan Message, inboxSize),
		now:       time.Now,
		after:     time.After,
	}
	o.endpoint.Store("")
	o.lastErr.Store("")
	return o, nil
}

// SetLogger sets the logger for this orchestrator.
func (o *Orchestrator) SetLogger(logger Logger) {
	o.loggerMu.Lock()
	o.logger = logger
	o.loggerMu.Unlock()
}

// OnStateChange registers an observer of state transitions. Register
// observers before Start.
func (o *Orchestrator) OnStateChange(fn StateChangeFunc) {
	o.callbackMu.Lock()
	o.onStateChange = append(o.onStateChange, fn)
	o.callbackMu.Unlock()
}

// Start launches the lifecycle goroutine and the handler worker.
// The orchestrator runs until ctx is cancelled or Stop is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	err := ErrAlreadyStarted
	o.startOnce.Do(func() {
		err = nil
		runCtx, cancel := context.WithCancel(ctx)
		o.cancel = cancel
		o.started.Store(true)

		o.wg.Add(2) //nolint:mnd // lifecycle + handler worker
		go o.run(runCtx)
		go o.handlerWorker(runCtx)
	})
	return err
}

// Stop cancels any attempt in progress, closes the connection and waits for
// the goroutines to exit. The orchestrator ends in StateDisconnected and
// does not reconnect. Safe to call more than once.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		if o.cancel != nil {
			o.cancel()
		}
		o.wg.Wait()
		o.setState(StateDisconnected)
	})
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Session returns the current session, or nil.
func (o *Orchestrator) Session() *Session {
	return o.session.Load()
}

// Devices returns the devices of the current session.
func (o *Orchestrator) Devices() []Device {
	sess := o.session.Load()
	if sess == nil {
		return nil
	}
	out := make([]Device, len(sess.Devices))
	copy(out, sess.Devices)
	return out
}

// Send publishes a payload to a device's request topic.
//
// Returns ErrUnavailable without blocking when no verified connection
// exists, so pollers can skip a tick instead of queueing stale requests.
//
// Parameters:
//   - ctx: Bounds the wait for the connection goroutine
//   - deviceID: Target device
//   - payload: Encoded frame
//
// Returns:
//   - error: nil once the broker accepted the message
func (o *Orchestrator) Send(ctx context.Context, deviceID string, payload []byte) error {
	l := o.link.Load()
	if l == nil || o.State() != StateConnected {
		return ErrUnavailable
	}

	req := outbound{
		topic:   o.topics.Request(deviceID),
		payload: payload,
		result:  make(chan error, 1),
	}

	select {
	case l.out <- req:
	case <-l.closed:
		return ErrUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of connection statistics.
func (o *Orchestrator) Stats() Stats {
	s := Stats{
		State:             o.State().String(),
		Endpoint:          o.endpoint.Load().(string),
		MessagesReceived:  o.messagesRx.Load(),
		MessagesSent:      o.messagesTx.Load(),
		DuplicatesDropped: o.duplicates.Load(),
		MessagesDropped:   o.dropped.Load(),
		Connects:          o.connects.Load(),
		Reconnects:        o.reconnects.Load(),
		LastError:         o.lastErr.Load().(string),
	}
	if ns := o.lastActivity.Load(); ns != 0 {
		s.LastMessageAt = time.Unix(0, ns)
	}
	return s
}

// ============================================================================
// Lifecycle
// ============================================================================

func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()
	defer o.setState(StateDisconnected)

	for {
		err := o.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		o.lastErr.Store(err.Error())
		if errors.Is(err, ErrCredentialsRejected) {
			o.logError("account credentials rejected, not reconnecting", err)
			return
		}

		o.setState(StateReconnecting)
		o.reconnects.Add(1)
		delay := o.backoff.Next()
		o.logWarn("connection attempt failed",
			"error", err,
			"attempt", o.backoff.Attempts(),
			"retry_in", delay.String(),
		)

		select {
		case <-ctx.Done():
			return
		case <-o.after(delay):
		}
	}
}

// connectOnce walks one attempt from endpoint resolution to the end of the
// connected phase. It always returns a non-nil error.
func (o *Orchestrator) connectOnce(ctx context.Context) error {
	o.setState(StateEndpointResolving)
	sess, err := o.ensureSession(ctx)
	if err != nil {
		return err
	}
	endpoint := o.resolveEndpoint(ctx, sess)
	o.endpoint.Store(endpoint)

	o.setState(StateConnecting)
	dialCtx, cancel := context.WithTimeout(ctx, o.cfg.ConnectTimeout)
	stream, err := o.transport.Dial(dialCtx, endpoint)
	cancel()
	if err != nil {
		if errors.Is(err, ErrNetworkUnavailable) {
			return err
		}
		return fmt.Errorf("%w: dial %s: %w", ErrNetworkUnavailable, endpoint, err)
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			o.logDebug("stream close failed", "error", cerr)
		}
	}()

	o.setState(StateHandshaking)
	hsCtx, cancel := context.WithTimeout(ctx, o.cfg.ConnectTimeout)
	err = stream.Handshake(hsCtx, sess.Token)
	cancel()
	if err != nil {
		if errors.Is(err, ErrAuthRejected) {
			// Drop the session so the next attempt re-authenticates.
			o.session.CompareAndSwap(sess, nil)
			return err
		}
		if errors.Is(err, ErrHandshakeFailed) || errors.Is(err, ErrNetworkUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	o.setState(StateSubscribing)
	if err := o.subscribe(ctx, stream, sess); err != nil {
		return err
	}
	if err := o.verify(ctx, stream, sess); err != nil {
		return err
	}

	o.backoff.Reset()
	o.connects.Add(1)
	o.logInfo("stream connected", "endpoint", endpoint, "devices", len(sess.Devices))

	return o.serve(ctx, stream)
}

// ensureSession returns the held session or authenticates a new one.
func (o *Orchestrator) ensureSession(ctx context.Context) (*Session, error) {
	sess := o.session.Load()
	if sess != nil && !sess.Expired(o.now()) {
		return sess, nil
	}
	if sess != nil {
		o.logInfo("session token expired, re-authenticating", "expired_at", sess.ExpiresAt)
	}

	fresh, err := o.auth.Authenticate(ctx, o.cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	if fresh == nil {
		return nil, errors.New("authenticate: provider returned no session")
	}
	o.session.Store(fresh)
	return fresh, nil
}

// resolveEndpoint asks the provider for the stream endpoint, falling back
// to the configured endpoint on error, timeout or an empty answer.
func (o *Orchestrator) resolveEndpoint(ctx context.Context, sess *Session) string {
	resolveCtx, cancel := context.WithTimeout(ctx, o.cfg.ResolveTimeout)
	defer cancel()

	endpoint, err := o.auth.ResolveStreamEndpoint(resolveCtx, sess)
	if err != nil || endpoint == "" {
		o.logWarn("endpoint discovery failed, using fallback",
			"error", err,
			"fallback", o.cfg.FallbackEndpoint,
		)
		return o.cfg.FallbackEndpoint
	}
	return endpoint
}

func (o *Orchestrator) subscribe(ctx context.Context, stream Stream, sess *Session) error {
	topics := make([]string, 0, len(sess.Devices)+1)
	for _, d := range sess.Devices {
		topics = append(topics, o.topics.DeviceSubscription(d.ID))
	}
	topics = append(topics, o.topics.AckSubscription())

	for _, topic := range topics {
		subCtx, cancel := context.WithTimeout(ctx, o.cfg.ConnectTimeout)
		err := stream.Subscribe(subCtx, topic)
		cancel()
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrSubscriptionFailed, topic, err)
		}
		o.logDebug("subscribed", "topic", topic)
	}
	return nil
}

// verify requests data from every device and waits for the first inbound
// message. The message is delivered, not discarded.
func (o *Orchestrator) verify(ctx context.Context, stream Stream, sess *Session) error {
	if o.readReq != nil {
		for _, d := range sess.Devices {
			payload, err := o.readReq(d)
			if err != nil {
				o.logError("build verification request failed", err)
				continue
			}
			if err := stream.Publish(ctx, o.topics.Request(d.ID), payload); err != nil {
				return fmt.Errorf("%w: verification request: %w", ErrNetworkUnavailable, err)
			}
			o.messagesTx.Add(1)
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case msg, ok := <-stream.Messages():
		if !ok {
			return fmt.Errorf("%w: stream closed during verification: %v", ErrNetworkUnavailable, stream.Err())
		}
		o.deliver(msg)
		return nil
	case <-o.after(o.cfg.GraceWindow):
		return fmt.Errorf("%w: nothing received within %s of subscribing", ErrHeartbeatMissed, o.cfg.GraceWindow)
	}
}

// serve runs the connected phase until the stream fails or ctx ends.
func (o *Orchestrator) serve(ctx context.Context, stream Stream) error {
	l := &link{out: make(chan outbound), closed: make(chan struct{})}
	o.link.Store(l)
	o.setState(StateConnected)
	defer func() {
		o.link.CompareAndSwap(l, nil)
		close(l.closed)
	}()

	heartbeat := time.NewTimer(o.cfg.HeartbeatTimeout)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-stream.Messages():
			if !ok {
				return fmt.Errorf("%w: %v", ErrNetworkUnavailable, stream.Err())
			}
			if !heartbeat.Stop() {
				select {
				case <-heartbeat.C:
				default:
				}
			}
			heartbeat.Reset(o.cfg.HeartbeatTimeout)
			o.deliver(msg)

		case req := <-l.out:
			sendCtx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
			err := stream.Publish(sendCtx, req.topic, req.payload)
			cancel()
			if err != nil {
				err = fmt.Errorf("%w: publish %s: %w", ErrUnavailable, req.topic, err)
			} else {
				o.messagesTx.Add(1)
			}
			req.result <- err

		case <-heartbeat.C:
			return fmt.Errorf("%w: silent for %s", ErrHeartbeatMissed, o.cfg.HeartbeatTimeout)
		}
	}
}

// deliver de-duplicates, stamps and queues a message for the handler.
func (o *Orchestrator) deliver(msg Message) {
	now := o.now()
	o.lastActivity.Store(now.UnixNano())
	o.messagesRx.Add(1)

	if !o.topics.IsAck(msg.Topic) && o.dedup.Seen(msg.Topic, msg.Payload, now) {
		o.duplicates.Add(1)
		return
	}

	if id, ok := o.topics.DeviceID(msg.Topic); ok {
		msg.DeviceID = id
	}
	msg.Seq = o.seq.Add(1)
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = now
	}

	select {
	case o.inbox <- msg:
	default:
		o.dropped.Add(1)
		o.logWarn("message handler queue full, dropping message", "topic", msg.Topic)
	}
}

// handlerWorker runs the MessageHandler in receive order.
func (o *Orchestrator) handlerWorker(ctx context.Context) {
	defer o.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-o.inbox:
			if o.handler == nil {
				continue
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						o.logError("message handler panic", fmt.Errorf("%v", r))
					}
				}()
				o.handler(msg)
			}()
		}
	}
}

func (o *Orchestrator) setState(to State) {
	from := State(o.state.Swap(int32(to)))
	if from == to {
		return
	}
	o.logDebug("connection state changed", "from", from.String(), "to", to.String())

	o.callbackMu.RLock()
	observers := make([]StateChangeFunc, len(o.onStateChange))
	copy(observers, o.onStateChange)
	o.callbackMu.RUnlock()

	for _, fn := range observers {
		fn(from, to)
	}
}

// ============================================================================
// Logging helpers
// ============================================================================

func (o *Orchestrator) getLogger() Logger {
	o.loggerMu.RLock()
	defer o.loggerMu.RUnlock()
	return o.logger
}

func (o *Orchestrator) logDebug(msg string, keysAndValues ...any) {
	if logger := o.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (o *Orchestrator) logInfo(msg string, keysAndValues ...any) {
	if logger := o.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (o *Orchestrator) logWarn(msg string, keysAndValues ...any) {
	if logger := o.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (o *Orchestrator) logError(msg string, err error) {
	if logger := o.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}
