package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/iamslan/fossibot/internal/codec"
	"github.com/iamslan/fossibot/internal/orchestrator"
)

// Default settings.
const (
	// DefaultPollInterval is how often every device is polled.
	DefaultPollInterval = 30 * time.Second

	// DefaultAckTimeout bounds the wait for a write acknowledgement.
	DefaultAckTimeout = 10 * time.Second

	// eventBuffer bounds the owner goroutine's inbox.
	eventBuffer = 64
)

// Logger is the logging interface used by the dispatcher.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Sender delivers a frame to a device. *orchestrator.Orchestrator
// implements it.
type Sender interface {
	Send(ctx context.Context, deviceID string, payload []byte) error
}

// DeviceLister returns the devices of the current session.
type DeviceLister interface {
	Devices() []orchestrator.Device
}

// AckSink receives acknowledged writes so state can be updated before the
// next poll confirms them.
type AckSink interface {
	ApplyAcknowledged(deviceID string, register uint16, values []uint16)
}

// PendingWrite is one write intent owned by the dispatcher until it
// resolves.
type PendingWrite struct {
	DeviceID string
	Frame    codec.Frame

	// IssuedAt and CorrelationID are filled in by Submit when empty.
	IssuedAt      time.Time
	CorrelationID string
}

// Result describes an acknowledged write.
type Result struct {
	CorrelationID string
	DeviceID      string
	Register      uint16

	// Values are the register values echoed by the device.
	Values []uint16

	IssuedAt time.Time
	AckedAt  time.Time
}

// Latency is the time from submission to acknowledgement.
func (r Result) Latency() time.Duration {
	return r.AckedAt.Sub(r.IssuedAt)
}

// Config holds dispatcher settings. Zero values take the defaults.
type Config struct {
	PollInterval time.Duration
	AckTimeout   time.Duration

	// SendTimeout bounds one Send call. Zero means AckTimeout.
	SendTimeout time.Duration
}

// Deps are the dispatcher's collaborators.
type Deps struct {
	Sender  Sender
	Devices DeviceLister

	// ReadRequest builds the poll frame for a device. Nil disables polling.
	ReadRequest orchestrator.RequestBuilder

	// Acks is optional.
	Acks AckSink
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	PollsSent        uint64
	PollErrors       uint64
	WritesSubmitted  uint64
	WritesAcked      uint64
	WritesTimedOut   uint64
	WritesSuperseded uint64
	WritesFailed     uint64
	WritesCancelled  uint64
}

// ============================================================================
// Owner state
// ============================================================================

type outcome struct {
	result Result
	err    error
}

// request is a PendingWrite plus its reply channel.
type request struct {
	write PendingWrite
	reply chan outcome // buffered(1); written exactly once by the owner
	timer *time.Timer
}

// slots is the per-device serialisation state.
type slots struct {
	inflight *request
	queued   *request
}

type eventKind int

const (
	evSubmit eventKind = iota
	evAck
	evSent
	evTimeout
	evCancel
	evPoll
)

type event struct {
	kind          eventKind
	deviceID      string
	correlationID string
	req           *request
	register      uint16
	values        []uint16
	err           error
}

// Dispatcher owns poll scheduling and per-device write serialisation.
//
// Thread Safety: Submit, Ack, PollNow and Stats are safe for concurrent use.
// Queue state is only touched by the owner goroutine started by Start.
type Dispatcher struct {
	cfg    Config
	sender Sender
	lister DeviceLister
	build  orchestrator.RequestBuilder
	acks   AckSink

	events chan event
	done   chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	started   atomic.Bool
	wg        sync.WaitGroup

	loggerMu sync.RWMutex
	logger   Logger

	// Owned by the run goroutine.
	devices map[string]*slots

	// baseCtx is cancelled on stop so in-progress sends end promptly.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	now func() time.Time

	pollsSent, pollErrors                                    atomic.Uint64
	submitted, acked, timedOut, superseded, failed, canceled atomic.Uint64
}

// New creates a Dispatcher. Call Start to run it.
//
// Parameters:
//   - cfg: Poll interval and acknowledgement timeout
//   - deps: Sender and device lister are required
//
// Returns:
//   - *Dispatcher: Ready to start
func New(cfg Config, deps Deps) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = cfg.AckTimeout
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:        cfg,
		sender:     deps.Sender,
		lister:     deps.Devices,
		build:      deps.ReadRequest,
		acks:       deps.Acks,
		events:     make(chan event, eventBuffer),
		done:       make(chan struct{}),
		devices:    make(map[string]*slots),
		baseCtx:    baseCtx,
		baseCancel: cancel,
		now:        time.Now,
	}
}

// SetLogger sets the logger for this dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.loggerMu.Lock()
	d.logger = logger
	d.loggerMu.Unlock()
}

// Start launches the owner goroutine. It polls immediately and then every
// poll interval until ctx is cancelled or Stop is called. Calls after the
// first are ignored.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		d.started.Store(true)
		d.wg.Add(1)
		go d.run(ctx)
	})
}

// Stop ends the owner goroutine and resolves every outstanding write with
// ErrCancelled. Safe to call multiple times.
func (d *Dispatcher) Stop() {
	d.shutdown()
	d.wg.Wait()
}

func (d *Dispatcher) shutdown() {
	d.closeOnce.Do(func() {
		close(d.done)
		d.baseCancel()
	})
}

// ============================================================================
// Public operations
// ============================================================================

// Submit hands a write to the device's serialisation queue and waits for it
// to resolve.
//
// Returns:
//   - Result: the acknowledged write
//   - error: ErrWriteTimedOut, ErrSuperseded, ErrUnavailable, ErrCancelled or
//     ErrInvalidWrite
func (d *Dispatcher) Submit(ctx context.Context, w PendingWrite) (Result, error) {
	if w.DeviceID == "" || !w.Frame.IsWrite() {
		return Result{}, ErrInvalidWrite
	}
	if w.IssuedAt.IsZero() {
		w.IssuedAt = d.now()
	}
	if w.CorrelationID == "" {
		w.CorrelationID = uuid.NewString()
	}
	req := &request{write: w, reply: make(chan outcome, 1)}

	if !d.post(ctx, event{kind: evSubmit, deviceID: w.DeviceID, req: req}) {
		return Result{}, d.cancelledError(ctx)
	}
	d.submitted.Add(1)

	select {
	case out := <-req.reply:
		return out.result, out.err
	case <-ctx.Done():
		// The owner drops the write if it is still queued. An in-flight
		// frame is already on the wire and resolves unobserved.
		d.post(context.Background(), event{kind: evCancel, deviceID: w.DeviceID, correlationID: w.CorrelationID})
		return Result{}, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	case <-d.done:
		// Stop resolves everything; prefer that outcome if it is ready.
		select {
		case out := <-req.reply:
			return out.result, out.err
		case <-time.After(time.Second):
			return Result{}, ErrCancelled
		}
	}
}

// Ack reports a write echo from a device. It never blocks the caller for
// long: the event is dropped if the dispatcher has stopped.
func (d *Dispatcher) Ack(deviceID string, register uint16, values []uint16) {
	vals := append([]uint16(nil), values...)
	d.post(context.Background(), event{kind: evAck, deviceID: deviceID, register: register, values: vals})
}

// PollNow requests an immediate poll of every device.
func (d *Dispatcher) PollNow() {
	select {
	case d.events <- event{kind: evPoll}:
	case <-d.done:
	default:
		// A poll is already pending.
	}
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		PollsSent:        d.pollsSent.Load(),
		PollErrors:       d.pollErrors.Load(),
		WritesSubmitted:  d.submitted.Load(),
		WritesAcked:      d.acked.Load(),
		WritesTimedOut:   d.timedOut.Load(),
		WritesSuperseded: d.superseded.Load(),
		WritesFailed:     d.failed.Load(),
		WritesCancelled:  d.canceled.Load(),
	}
}

// post delivers ev to the owner. It reports false when the dispatcher is
// stopped or not started, or ctx ends first.
func (d *Dispatcher) post(ctx context.Context, ev event) bool {
	if !d.started.Load() {
		return false
	}
	select {
	case <-d.done:
		return false
	default:
	}
	select {
	case d.events <- ev:
		return true
	case <-d.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (d *Dispatcher) cancelledError(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return ErrCancelled
}

// ============================================================================
// Owner goroutine
// ============================================================================

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	defer d.cancelAll()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.poll()

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return
		case <-d.done:
			return
		case <-ticker.C:
			d.poll()
		case ev := <-d.events:
			d.handle(ev)
		}
	}
}

func (d *Dispatcher) handle(ev event) {
	switch ev.kind {
	case evSubmit:
		d.enqueue(ev.req)
	case evAck:
		d.onAck(ev.deviceID, ev.register, ev.values)
	case evSent:
		d.onSent(ev.deviceID, ev.correlationID, ev.err)
	case evTimeout:
		d.onTimeout(ev.deviceID, ev.correlationID)
	case evCancel:
		d.onCancel(ev.deviceID, ev.correlationID)
	case evPoll:
		d.poll()
	}
}

func (d *Dispatcher) slotsFor(deviceID string) *slots {
	s, ok := d.devices[deviceID]
	if !ok {
		s = &slots{}
		d.devices[deviceID] = s
	}
	return s
}

func (d *Dispatcher) enqueue(req *request) {
	s := d.slotsFor(req.write.DeviceID)
	if s.inflight == nil {
		s.inflight = req
		d.dispatch(req)
		return
	}
	if old := s.queued; old != nil {
		d.superseded.Add(1)
		d.logDebug("queued write superseded",
			"device", old.write.DeviceID,
			"correlation_id", old.write.CorrelationID,
			"by", req.write.CorrelationID)
		old.reply <- outcome{err: ErrSuperseded}
	}
	s.queued = req
}

// dispatch sends an in-flight write and arms its acknowledgement timer.
func (d *Dispatcher) dispatch(req *request) {
	deviceID, id := req.write.DeviceID, req.write.CorrelationID
	req.timer = time.AfterFunc(d.cfg.AckTimeout, func() {
		d.post(context.Background(), event{kind: evTimeout, deviceID: deviceID, correlationID: id})
	})

	payload := req.write.Frame.Bytes()
	go func() {
		ctx, cancel := context.WithTimeout(d.baseCtx, d.cfg.SendTimeout)
		err := d.sender.Send(ctx, deviceID, payload)
		cancel()
		d.post(context.Background(), event{kind: evSent, deviceID: deviceID, correlationID: id, err: err})
	}()

	d.logDebug("write dispatched",
		"device", deviceID,
		"correlation_id", id,
		"register", req.write.Frame.Register)
}

// resolve completes the in-flight write and promotes the queued one.
func (d *Dispatcher) resolve(s *slots, out outcome) {
	req := s.inflight
	if req.timer != nil {
		req.timer.Stop()
	}
	req.reply <- out

	s.inflight = s.queued
	s.queued = nil
	if s.inflight != nil {
		d.dispatch(s.inflight)
	}
}

func (d *Dispatcher) onAck(deviceID string, register uint16, values []uint16) {
	s, ok := d.devices[deviceID]
	if !ok || s.inflight == nil || !echoes(s.inflight.write.Frame, register, values) {
		d.logDebug("unmatched acknowledgement", "device", deviceID, "register", register)
		return
	}

	w := s.inflight.write
	result := Result{
		CorrelationID: w.CorrelationID,
		DeviceID:      deviceID,
		Register:      register,
		Values:        values,
		IssuedAt:      w.IssuedAt,
		AckedAt:       d.now(),
	}
	d.acked.Add(1)
	if d.acks != nil {
		d.acks.ApplyAcknowledged(deviceID, register, values)
	}
	d.resolve(s, outcome{result: result})
}

// echoes reports whether an acknowledgement for register with values
// belongs to the write frame f. A single-register echo must repeat the
// written value.
func echoes(f codec.Frame, register uint16, values []uint16) bool {
	if f.Register != register {
		return false
	}
	if f.Function == codec.FuncWriteSingle && len(values) > 0 && len(f.Values) > 0 {
		return values[0] == f.Values[0]
	}
	return true
}

func (d *Dispatcher) onSent(deviceID, correlationID string, err error) {
	if err == nil {
		return
	}
	s, ok := d.devices[deviceID]
	if !ok || s.inflight == nil || s.inflight.write.CorrelationID != correlationID {
		return
	}
	d.failed.Add(1)
	d.logWarn("write send failed", "device", deviceID, "correlation_id", correlationID, "error", err)
	d.resolve(s, outcome{err: fmt.Errorf("%w: %w", ErrUnavailable, err)})
}

func (d *Dispatcher) onTimeout(deviceID, correlationID string) {
	s, ok := d.devices[deviceID]
	if !ok || s.inflight == nil || s.inflight.write.CorrelationID != correlationID {
		return
	}
	d.timedOut.Add(1)
	d.logWarn("write not acknowledged",
		"device", deviceID,
		"correlation_id", correlationID,
		"timeout", d.cfg.AckTimeout)
	d.resolve(s, outcome{err: ErrWriteTimedOut})
}

func (d *Dispatcher) onCancel(deviceID, correlationID string) {
	s, ok := d.devices[deviceID]
	if !ok || s.queued == nil || s.queued.write.CorrelationID != correlationID {
		return
	}
	d.canceled.Add(1)
	s.queued.reply <- outcome{err: ErrCancelled}
	s.queued = nil
}

// cancelAll resolves every outstanding write with ErrCancelled.
func (d *Dispatcher) cancelAll() {
	for id, s := range d.devices {
		for _, req := range []*request{s.inflight, s.queued} {
			if req == nil {
				continue
			}
			if req.timer != nil {
				req.timer.Stop()
			}
			d.canceled.Add(1)
			req.reply <- outcome{err: ErrCancelled}
		}
		delete(d.devices, id)
	}

	// Submissions that reached the inbox but were never handled.
	for {
		select {
		case ev := <-d.events:
			if ev.kind == evSubmit {
				d.canceled.Add(1)
				ev.req.reply <- outcome{err: ErrCancelled}
			}
		default:
			return
		}
	}
}

// poll sends a read request to every device. Sends run concurrently and
// off the owner goroutine.
func (d *Dispatcher) poll() {
	if d.build == nil || d.lister == nil {
		return
	}
	for _, dev := range d.lister.Devices() {
		payload, err := d.build(dev)
		if err != nil {
			d.pollErrors.Add(1)
			d.logWarn("build poll request failed", "device", dev.ID, "error", err)
			continue
		}
		go func(id string) {
			ctx, cancel := context.WithTimeout(d.baseCtx, d.cfg.SendTimeout)
			defer cancel()
			if err := d.sender.Send(ctx, id, payload); err != nil {
				d.pollErrors.Add(1)
				d.logDebug("poll send failed", "device", id, "error", err)
				return
			}
			d.pollsSent.Add(1)
		}(dev.ID)
	}
}

func (d *Dispatcher) getLogger() Logger {
	d.loggerMu.RLock()
	defer d.loggerMu.RUnlock()
	return d.logger
}

func (d *Dispatcher) logDebug(msg string, args ...any) {
	if l := d.getLogger(); l != nil {
		l.Debug(msg, args...)
	}
}

func (d *Dispatcher) logWarn(msg string, args ...any) {
	if l := d.getLogger(); l != nil {
		l.Warn(msg, args...)
	}
}
