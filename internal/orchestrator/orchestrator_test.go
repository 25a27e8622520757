package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test doubles
// ============================================================================

type fakeTopics struct{}

func (fakeTopics) DeviceSubscription(id string) string { return id + "/device/response/client/+" }
func (fakeTopics) AckSubscription() string             { return "+/device/response/state" }
func (fakeTopics) Request(id string) string            { return id + "/client/request/data" }
func (fakeTopics) IsAck(topic string) bool             { return strings.HasSuffix(topic, "/device/response/state") }
func (fakeTopics) DeviceID(topic string) (string, bool) {
	id, _, ok := strings.Cut(topic, "/")
	return id, ok && id != ""
}

type fakeAuth struct {
	mu          sync.Mutex
	authCalls   int
	authErr     error
	endpoint    string
	resolveErr  error
	resolveHang bool
	expiresAt   time.Time
}

func (a *fakeAuth) Authenticate(_ context.Context, _ Credentials) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.authCalls++
	if a.authErr != nil {
		return nil, a.authErr
	}
	return &Session{
		Token:     "token",
		ExpiresAt: a.expiresAt,
		Devices:   []Device{{ID: "AABBCCDDEEFF", Name: "F2400"}},
	}, nil
}

func (a *fakeAuth) ResolveStreamEndpoint(ctx context.Context, _ *Session) (string, error) {
	if a.resolveHang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return a.endpoint, a.resolveErr
}

func (a *fakeAuth) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authCalls
}

type published struct {
	topic   string
	payload []byte
}

type fakeStream struct {
	mu           sync.Mutex
	handshakeErr error
	subscribeErr error
	subscribed   []string
	published    []published
	// respond pushes a reply for every publish when set.
	respond bool
	msgs    chan Message
	closed  bool
	err     error
}

func newFakeStream() *fakeStream {
	return &fakeStream{msgs: make(chan Message, 16), respond: true}
}

func (s *fakeStream) Handshake(context.Context, string) error { return s.handshakeErr }

func (s *fakeStream) Subscribe(_ context.Context, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribeErr != nil {
		return s.subscribeErr
	}
	s.subscribed = append(s.subscribed, topic)
	return nil
}

func (s *fakeStream) Publish(_ context.Context, topic string, payload []byte) error {
	s.mu.Lock()
	s.published = append(s.published, published{topic, payload})
	respond := s.respond
	s.mu.Unlock()

	if respond {
		id, _, _ := strings.Cut(topic, "/")
		s.msgs <- Message{Topic: id + "/device/response/client/04", Payload: append([]byte("reply-"), payload...)}
	}
	return nil
}

func (s *fakeStream) Messages() <-chan Message { return s.msgs }
func (s *fakeStream) Err() error               { return s.err }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// drop simulates a lost connection.
func (s *fakeStream) drop(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.msgs)
}

func (s *fakeStream) publishedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.published)
}

type fakeTransport struct {
	mu        sync.Mutex
	endpoints []string
	dialErr   error
	next      func() *fakeStream
	streams   []*fakeStream
}

func (t *fakeTransport) Dial(_ context.Context, endpoint string) (Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endpoints = append(t.endpoints, endpoint)
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	s := newFakeStream()
	if t.next != nil {
		s = t.next()
	}
	t.streams = append(t.streams, s)
	return s, nil
}

func (t *fakeTransport) dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.endpoints)
}

func (t *fakeTransport) stream(i int) *fakeStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streams[i]
}

type messageRecorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *messageRecorder) handle(m Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *messageRecorder) all() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func readRequest(d Device) ([]byte, error) { return []byte("read:" + d.ID), nil }

func testConfig() Config {
	return Config{
		ResolveTimeout:   50 * time.Millisecond,
		ConnectTimeout:   time.Second,
		GraceWindow:      100 * time.Millisecond,
		HeartbeatTimeout: time.Minute,
		Backoff:          BackoffConfig{Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond},
	}
}

func newTestOrchestrator(t *testing.T, auth *fakeAuth, tr *fakeTransport, rec *messageRecorder) *Orchestrator {
	t.Helper()
	deps := Deps{Auth: auth, Transport: tr, Topics: fakeTopics{}, ReadRequest: readRequest}
	if rec != nil {
		deps.Handler = rec.handle
	}
	o, err := New(testConfig(), deps)
	require.NoError(t, err)
	t.Cleanup(o.Stop)
	return o
}

func waitState(t *testing.T, o *Orchestrator, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return o.State() == want }, 2*time.Second, 5*time.Millisecond,
		"state = %s, want %s", o.State(), want)
}

// ============================================================================
// Tests
// ============================================================================

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{Transport: &fakeTransport{}, Topics: fakeTopics{}})
	assert.Error(t, err)
	_, err = New(Config{}, Deps{Auth: &fakeAuth{}, Topics: fakeTopics{}})
	assert.Error(t, err)
	_, err = New(Config{}, Deps{Auth: &fakeAuth{}, Transport: &fakeTransport{}})
	assert.Error(t, err)
}

func TestConnectSubscribesAndVerifies(t *testing.T) {
	auth := &fakeAuth{endpoint: "ws://broker.example:8083/mqtt"}
	tr := &fakeTransport{}
	rec := &messageRecorder{}
	o := newTestOrchestrator(t, auth, tr, rec)

	var mu sync.Mutex
	var transitions []State
	o.OnStateChange(func(_, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	})

	require.NoError(t, o.Start(context.Background()))
	waitState(t, o, StateConnected)

	assert.Equal(t, []string{"ws://broker.example:8083/mqtt"}, tr.endpoints)
	s := tr.stream(0)
	assert.Equal(t, []string{"AABBCCDDEEFF/device/response/client/+", "+/device/response/state"}, s.subscribed)
	require.Equal(t, 1, s.publishedCount())
	assert.Equal(t, "AABBCCDDEEFF/client/request/data", s.published[0].topic)

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	msg := rec.all()[0]
	assert.Equal(t, "AABBCCDDEEFF", msg.DeviceID)
	assert.Equal(t, uint64(1), msg.Seq)

	mu.Lock()
	assert.Equal(t, []State{StateEndpointResolving, StateConnecting, StateHandshaking, StateSubscribing, StateConnected}, transitions)
	mu.Unlock()

	assert.ErrorIs(t, o.Start(context.Background()), ErrAlreadyStarted)
}

func TestResolveFailureUsesFallback(t *testing.T) {
	tests := []struct {
		name string
		auth *fakeAuth
	}{
		{"error", &fakeAuth{resolveErr: errors.New("discovery down")}},
		{"empty answer", &fakeAuth{}},
		{"timeout", &fakeAuth{resolveHang: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{}
			o := newTestOrchestrator(t, tt.auth, tr, nil)
			require.NoError(t, o.Start(context.Background()))
			waitState(t, o, StateConnected)

			assert.Equal(t, DefaultFallbackEndpoint, tr.endpoints[0])
			assert.Equal(t, DefaultFallbackEndpoint, o.Stats().Endpoint)
		})
	}
}

func TestSilentConnectionIsRetried(t *testing.T) {
	auth := &fakeAuth{endpoint: "ws://b"}
	attempt := 0
	tr := &fakeTransport{}
	tr.next = func() *fakeStream {
		attempt++
		s := newFakeStream()
		s.respond = attempt > 1
		return s
	}
	o := newTestOrchestrator(t, auth, tr, nil)

	require.NoError(t, o.Start(context.Background()))
	waitState(t, o, StateConnected)

	assert.Equal(t, 2, tr.dials())
	stats := o.Stats()
	assert.Equal(t, uint64(1), stats.Reconnects)
	assert.Contains(t, stats.LastError, ErrHeartbeatMissed.Error())
	assert.True(t, tr.stream(0).closed, "silent stream closed")
	assert.Equal(t, 1, auth.calls(), "session reused across attempts")
}

func TestStreamAuthRejectionReauthenticates(t *testing.T) {
	auth := &fakeAuth{endpoint: "ws://b"}
	attempt := 0
	tr := &fakeTransport{}
	tr.next = func() *fakeStream {
		attempt++
		s := newFakeStream()
		if attempt == 1 {
			s.handshakeErr = ErrAuthRejected
		}
		return s
	}
	o := newTestOrchestrator(t, auth, tr, nil)

	require.NoError(t, o.Start(context.Background()))
	waitState(t, o, StateConnected)
	assert.Equal(t, 2, auth.calls())
}

func TestHandshakeAndSubscribeFailuresAreWrapped(t *testing.T) {
	tests := []struct {
		name    string
		stream  func() *fakeStream
		wantErr error
	}{
		{"handshake", func() *fakeStream {
			s := newFakeStream()
			s.handshakeErr = errors.New("protocol error")
			return s
		}, ErrHandshakeFailed},
		{"subscribe", func() *fakeStream {
			s := newFakeStream()
			s.subscribeErr = errors.New("suback refused")
			return s
		}, ErrSubscriptionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := New(testConfig(), Deps{
				Auth:        &fakeAuth{endpoint: "ws://b"},
				Transport:   &fakeTransport{next: tt.stream},
				Topics:      fakeTopics{},
				ReadRequest: readRequest,
			})
			require.NoError(t, err)

			err = o.connectOnce(context.Background())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDialFailureIsNetworkUnavailable(t *testing.T) {
	o, err := New(testConfig(), Deps{
		Auth:      &fakeAuth{endpoint: "ws://b"},
		Transport: &fakeTransport{dialErr: errors.New("connection refused")},
		Topics:    fakeTopics{},
	})
	require.NoError(t, err)

	err = o.connectOnce(context.Background())
	assert.ErrorIs(t, err, ErrNetworkUnavailable)
}

func TestCredentialsRejectedStops(t *testing.T) {
	auth := &fakeAuth{authErr: ErrCredentialsRejected}
	tr := &fakeTransport{}
	o := newTestOrchestrator(t, auth, tr, nil)

	require.NoError(t, o.Start(context.Background()))
	require.Eventually(t, func() bool {
		return auth.calls() == 1 && o.State() == StateDisconnected
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateDisconnected, o.State())
	assert.Equal(t, 0, tr.dials())
	assert.Equal(t, 1, auth.calls())
}

func TestStopDuringReconnectDoesNotReconnect(t *testing.T) {
	auth := &fakeAuth{endpoint: "ws://b"}
	tr := &fakeTransport{dialErr: errors.New("unreachable")}
	o, err := New(Config{
		Backoff:        BackoffConfig{Initial: time.Hour, Max: time.Hour},
		ConnectTimeout: time.Second,
	}, Deps{Auth: auth, Transport: tr, Topics: fakeTopics{}})
	require.NoError(t, err)

	require.NoError(t, o.Start(context.Background()))
	waitState(t, o, StateReconnecting)

	o.Stop()
	assert.Equal(t, StateDisconnected, o.State())
	dials := tr.dials()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, dials, tr.dials())
}

func TestConnectionLossReconnects(t *testing.T) {
	auth := &fakeAuth{endpoint: "ws://b"}
	tr := &fakeTransport{}
	o := newTestOrchestrator(t, auth, tr, nil)

	var (
		mu      sync.Mutex
		dropped bool
		path    []State
		once    sync.Once
	)
	reconnected := make(chan struct{})
	o.OnStateChange(func(from, to State) {
		mu.Lock()
		defer mu.Unlock()
		if from == StateConnected && to == StateReconnecting {
			dropped = true
		}
		if !dropped {
			return
		}
		path = append(path, to)
		if to == StateConnected {
			once.Do(func() { close(reconnected) })
		}
	})

	require.NoError(t, o.Start(context.Background()))
	waitState(t, o, StateConnected)

	tr.stream(0).drop(errors.New("eof"))

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not reconnect")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{
		StateReconnecting,
		StateEndpointResolving,
		StateConnecting,
		StateHandshaking,
		StateSubscribing,
		StateConnected,
	}, path)
	assert.Equal(t, 2, tr.dials())
}

func TestSend(t *testing.T) {
	auth := &fakeAuth{endpoint: "ws://b"}
	tr := &fakeTransport{}
	o := newTestOrchestrator(t, auth, tr, nil)

	err := o.Send(context.Background(), "AABBCCDDEEFF", []byte{1})
	assert.ErrorIs(t, err, ErrUnavailable)

	require.NoError(t, o.Start(context.Background()))
	waitState(t, o, StateConnected)

	require.NoError(t, o.Send(context.Background(), "AABBCCDDEEFF", []byte{0x11, 0x06}))
	s := tr.stream(0)
	require.Equal(t, 2, s.publishedCount())
	assert.Equal(t, []byte{0x11, 0x06}, s.published[1].payload)
	assert.Equal(t, uint64(2), o.Stats().MessagesSent)
}

func TestDuplicatesDroppedOnDataTopicsOnly(t *testing.T) {
	auth := &fakeAuth{endpoint: "ws://b"}
	tr := &fakeTransport{}
	rec := &messageRecorder{}
	o := newTestOrchestrator(t, auth, tr, rec)

	require.NoError(t, o.Start(context.Background()))
	waitState(t, o, StateConnected)
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)

	s := tr.stream(0)
	data := Message{Topic: "AABBCCDDEEFF/device/response/client/data", Payload: []byte{9}}
	ack := Message{Topic: "AABBCCDDEEFF/device/response/state", Payload: []byte{7}}
	s.msgs <- data
	s.msgs <- data
	s.msgs <- ack
	s.msgs <- ack

	require.Eventually(t, func() bool { return len(rec.all()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), o.Stats().DuplicatesDropped)

	msgs := rec.all()
	for i := 1; i < len(msgs); i++ {
		assert.Greater(t, msgs[i].Seq, msgs[i-1].Seq)
	}
}

func TestExpiredSessionReauthenticates(t *testing.T) {
	auth := &fakeAuth{endpoint: "ws://b", expiresAt: time.Now().Add(-time.Hour)}
	o, err := New(testConfig(), Deps{Auth: auth, Transport: &fakeTransport{}, Topics: fakeTopics{}})
	require.NoError(t, err)

	_, err = o.ensureSession(context.Background())
	require.NoError(t, err)
	_, err = o.ensureSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, auth.calls())

	auth.expiresAt = time.Now().Add(time.Hour)
	_, err = o.ensureSession(context.Background())
	require.NoError(t, err)
	_, err = o.ensureSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, auth.calls())
}

func TestSessionHelpers(t *testing.T) {
	var nilSession *Session
	assert.True(t, nilSession.Expired(time.Now()))
	_, ok := nilSession.Device("x")
	assert.False(t, ok)

	s := &Session{Devices: []Device{{ID: "a"}}}
	assert.False(t, s.Expired(time.Now()), "unknown expiry never expires")
	d, ok := s.Device("a")
	assert.True(t, ok)
	assert.Equal(t, "a", d.ID)

	s = &Session{ExpiresAt: time.Now().Add(30 * time.Second)}
	assert.True(t, s.Expired(time.Now()), "expiry within skew")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "endpoint_resolving", StateEndpointResolving.String())
	assert.Equal(t, "unknown", State(99).String())
}
