package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
	"github.com/google/uuid"

	"github.com/iamslan/fossibot/internal/audit"
	"github.com/iamslan/fossibot/internal/codec"
	"github.com/iamslan/fossibot/internal/dispatcher"
	"github.com/iamslan/fossibot/internal/orchestrator"
	"github.com/iamslan/fossibot/internal/registers"
	"github.com/iamslan/fossibot/internal/safety"
	"github.com/iamslan/fossibot/internal/state"
)

const (
	// shortStateLen is the size below which a message on the
	// acknowledgement topic that is not a frame is ignored quietly.
	shortStateLen = 10

	// auditTimeout bounds one audit insert.
	auditTimeout = 5 * time.Second
)

// Logger is the logging interface used by the controller.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Dispatcher serialises writes and receives acknowledgements.
// *dispatcher.Dispatcher implements it.
type Dispatcher interface {
	Submit(ctx context.Context, w dispatcher.PendingWrite) (dispatcher.Result, error)
	Ack(deviceID string, register uint16, values []uint16)
	PollNow()
}

// StateSink receives decoded device fields. *state.Store implements it.
type StateSink interface {
	Apply(deviceID string, seq uint64, fields map[string]any) error
	ApplyOptimistic(deviceID, field string, value any)
	MarkStale(at time.Time)
	Ensure(deviceID string)
}

// TopicClassifier tells which register bank a topic carries.
// mqtt.Topics implements it.
type TopicClassifier interface {
	Bank(topic string) (registers.Bank, bool)
	IsAck(topic string) bool
}

// DeviceDirectory lists the devices of the current session.
// *orchestrator.Orchestrator implements it.
type DeviceDirectory interface {
	Devices() []orchestrator.Device
}

// AuditRecorder stores write attempts. audit.Repository implements it.
type AuditRecorder interface {
	Create(ctx context.Context, e *audit.Entry) error
}

// Observer is notified of decoded frames and resolved writes. The metrics
// package implements it.
type Observer interface {
	FrameDecoded(kind string)
	FrameRejected(reason string)
	WriteResolved(outcome audit.Outcome, latency time.Duration)
}

// Deps are the controller's collaborators. Validator, Dispatcher, State,
// Topics and Devices are required.
type Deps struct {
	Validator  *safety.Validator
	Dispatcher Dispatcher
	State      StateSink
	Topics     TopicClassifier
	Devices    DeviceDirectory

	// Audit and Observer are optional.
	Audit    AuditRecorder
	Observer Observer
}

// WriteRequest is one field write intent.
type WriteRequest struct {
	DeviceID string
	Field    string

	// Value is a number, bool, enum label or numeric string.
	Value any

	// Source names the origin for the audit log (api, cli).
	Source string
}

// Stats counts inbound message handling.
type Stats struct {
	FramesApplied     uint64
	AcksRouted        uint64
	FramesRejected    uint64
	ShortStateIgnored uint64
	Exceptions        uint64
}

// Controller routes inbound frames and builds outbound writes.
//
// Thread Safety: All methods are safe for concurrent use. HandleMessage is
// expected to be called from a single goroutine in receive order.
type Controller struct {
	validator *safety.Validator
	disp      Dispatcher
	store     StateSink
	topics    TopicClassifier
	devices   DeviceDirectory
	audit     AuditRecorder
	observer  Observer

	loggerMu sync.RWMutex
	logger   Logger

	now func() time.Time

	applied, acks, rejected, short, exceptions atomic.Uint64
}

// New creates a Controller.
//
// Returns:
//   - *Controller: Ready to receive messages
//   - error: ErrMissingDependency naming the nil collaborator
func New(deps Deps) (*Controller, error) {
	switch {
	case deps.Validator == nil:
		return nil, fmt.Errorf("%w: validator", ErrMissingDependency)
	case deps.Dispatcher == nil:
		return nil, fmt.Errorf("%w: dispatcher", ErrMissingDependency)
	case deps.State == nil:
		return nil, fmt.Errorf("%w: state", ErrMissingDependency)
	case deps.Topics == nil:
		return nil, fmt.Errorf("%w: topics", ErrMissingDependency)
	case deps.Devices == nil:
		return nil, fmt.Errorf("%w: devices", ErrMissingDependency)
	}
	return &Controller{
		validator: deps.Validator,
		disp:      deps.Dispatcher,
		store:     deps.State,
		topics:    deps.Topics,
		devices:   deps.Devices,
		audit:     deps.Audit,
		observer:  deps.Observer,
		now:       time.Now,
	}, nil
}

// SetLogger sets the logger for this controller.
func (c *Controller) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// Stats returns inbound message counters.
func (c *Controller) Stats() Stats {
	return Stats{
		FramesApplied:     c.applied.Load(),
		AcksRouted:        c.acks.Load(),
		FramesRejected:    c.rejected.Load(),
		ShortStateIgnored: c.short.Load(),
		Exceptions:        c.exceptions.Load(),
	}
}

// ============================================================================
// Device models
// ============================================================================

// target describes where frames for a device go.
type target struct {
	model   *registers.Model
	address uint8
	count   uint16
}

// targetFor resolves a device's model and read window. Cloud-reported
// Modbus settings override the model defaults.
func (c *Controller) targetFor(dev orchestrator.Device) target {
	model, ok := registers.Lookup(dev.ModelKey)
	if !ok && dev.ModelKey != "" {
		c.logDebug("unknown device model, using default", "device", dev.ID, "model", dev.ModelKey)
	}
	t := target{model: model, address: model.DeviceAddress, count: model.ReadCount}
	if dev.ModbusAddress != 0 {
		t.address = dev.ModbusAddress
	}
	if dev.ModbusCount != 0 && dev.ModbusCount <= codec.MaxReadValues {
		t.count = dev.ModbusCount
	}
	return t
}

func (c *Controller) device(id string) (orchestrator.Device, bool) {
	for _, d := range c.devices.Devices() {
		if d.ID == id {
			return d, true
		}
	}
	return orchestrator.Device{}, false
}

// ReadRequest builds the poll frame for a device. It is used both by the
// dispatcher's poll ticker and by the orchestrator's connection check.
func (c *Controller) ReadRequest(dev orchestrator.Device) ([]byte, error) {
	t := c.targetFor(dev)
	f, err := codec.ReadRequest(t.address, codec.FuncReadHolding, t.model.ReadStart, t.count)
	if err != nil {
		return nil, err
	}
	return f.Bytes(), nil
}

// ============================================================================
// Inbound
// ============================================================================

// HandleMessage decodes one stream message and routes it. Malformed
// frames are counted and logged, never applied.
func (c *Controller) HandleMessage(msg orchestrator.Message) {
	if msg.DeviceID == "" {
		c.reject("no_device", msg, nil)
		return
	}

	frame, err := codec.Decode(msg.Payload)
	if err != nil {
		var mbErr *modbus.ModbusError
		switch {
		case errors.As(err, &mbErr):
			c.exceptions.Add(1)
			c.observe("exception")
			c.logWarn("device returned exception",
				"device", msg.DeviceID, "function", mbErr.FunctionCode, "exception", mbErr.ExceptionCode)
		case c.topics.IsAck(msg.Topic) && len(msg.Payload) < shortStateLen:
			c.short.Add(1)
			c.logDebug("ignoring short state message", "device", msg.DeviceID, "bytes", len(msg.Payload))
		default:
			c.reject("decode", msg, err)
		}
		return
	}

	switch {
	case frame.IsWrite():
		c.acks.Add(1)
		c.observe("ack")
		c.disp.Ack(msg.DeviceID, frame.Register, frame.Values)

	case frame.IsRead():
		c.applyRead(msg, frame)

	default:
		c.reject("function", msg, fmt.Errorf("%w: 0x%02x", codec.ErrUnsupportedFunction, frame.Function))
	}
}

func (c *Controller) applyRead(msg orchestrator.Message, frame codec.Frame) {
	// An 8-byte read frame is a request echo carrying no registers.
	if frame.Len() <= codec.RequestLen {
		c.logDebug("ignoring read request echo", "device", msg.DeviceID)
		return
	}

	bank, ok := c.topics.Bank(msg.Topic)
	if !ok {
		bank = registers.BankHolding
		if frame.Function == codec.FuncReadInput {
			bank = registers.BankInput
		}
	}

	dev, _ := c.device(msg.DeviceID)
	dev.ID = msg.DeviceID
	t := c.targetFor(dev)

	fields := t.model.Interpret(bank, frame.Register, frame.Values)
	if err := c.store.Apply(msg.DeviceID, msg.Seq, fields); err != nil {
		if errors.Is(err, state.ErrStaleFrame) {
			c.logDebug("dropping out-of-order frame", "device", msg.DeviceID, "seq", msg.Seq)
			return
		}
		c.logWarn("applying device state failed", "device", msg.DeviceID, "error", err)
		return
	}
	c.applied.Add(1)
	c.observe(bank.String())
}

func (c *Controller) reject(reason string, msg orchestrator.Message, err error) {
	c.rejected.Add(1)
	if c.observer != nil {
		c.observer.FrameRejected(reason)
	}
	c.logWarn("rejected inbound frame",
		"device", msg.DeviceID, "topic", msg.Topic, "reason", reason, "bytes", len(msg.Payload), "error", err)
}

func (c *Controller) observe(kind string) {
	if c.observer != nil {
		c.observer.FrameDecoded(kind)
	}
}

// ApplyAcknowledged updates state from an acknowledged write before the
// next poll confirms it. It implements dispatcher.AckSink.
func (c *Controller) ApplyAcknowledged(deviceID string, register uint16, values []uint16) {
	if len(values) == 0 {
		return
	}
	dev, _ := c.device(deviceID)
	dev.ID = deviceID
	d, ok := c.targetFor(dev).model.ByAddress(register)
	if !ok {
		c.logDebug("acknowledged register has no field", "device", deviceID, "register", register)
		return
	}
	c.store.ApplyOptimistic(deviceID, d.Field, d.Value(values[0]))
}

// OnStateChange reacts to orchestrator state transitions: leaving the
// connected state marks device state stale; reaching it registers the
// session's devices and polls them at once.
func (c *Controller) OnStateChange(from, to orchestrator.State) {
	switch {
	case to == orchestrator.StateConnected:
		for _, d := range c.devices.Devices() {
			c.store.Ensure(d.ID)
		}
		c.disp.PollNow()
	case from == orchestrator.StateConnected:
		c.store.MarkStale(c.now())
	}
}

// ============================================================================
// Outbound
// ============================================================================

// Write validates and sends one field write, then waits for the device to
// acknowledge it.
//
// Parameters:
//   - ctx: Bounds the wait for the acknowledgement
//   - req: Device, field, value and origin
//
// Returns:
//   - dispatcher.Result: The acknowledged write
//   - error: A rejection (see IsRejection) or a dispatcher outcome such as
//     dispatcher.ErrWriteTimedOut
func (c *Controller) Write(ctx context.Context, req WriteRequest) (dispatcher.Result, error) {
	entry := &audit.Entry{
		CorrelationID: uuid.NewString(),
		DeviceID:      req.DeviceID,
		Field:         req.Field,
		Requested:     fmt.Sprint(req.Value),
		Source:        req.Source,
		CreatedAt:     c.now().UTC(),
	}

	res, err := c.write(ctx, req, entry)

	entry.Outcome = OutcomeOf(err)
	if err != nil {
		entry.Error = err.Error()
	} else {
		entry.Latency = res.Latency()
	}
	c.record(ctx, entry)

	if c.observer != nil {
		c.observer.WriteResolved(entry.Outcome, entry.Latency)
	}
	c.logWrite(entry, err)
	return res, err
}

func (c *Controller) write(ctx context.Context, req WriteRequest, entry *audit.Entry) (dispatcher.Result, error) {
	dev, ok := c.device(req.DeviceID)
	if !ok {
		return dispatcher.Result{}, fmt.Errorf("%w: %s", ErrUnknownDevice, req.DeviceID)
	}
	t := c.targetFor(dev)

	d, ok := t.model.Field(req.Field)
	if !ok {
		return dispatcher.Result{}, fmt.Errorf("%w: %s", registers.ErrUnknownField, req.Field)
	}
	if d.Access != registers.ReadWrite {
		return dispatcher.Result{}, fmt.Errorf("%w: %s", registers.ErrNotWritable, req.Field)
	}

	raw, err := d.Raw(req.Value)
	if err != nil {
		return dispatcher.Result{}, err
	}
	entry.Register, entry.RawValue = &d.Address, &raw

	if err := c.validator.Validate(d.Address, raw); err != nil {
		return dispatcher.Result{}, err
	}

	frame, err := codec.WriteSingle(t.address, d.Address, raw)
	if err != nil {
		return dispatcher.Result{}, err
	}

	return c.disp.Submit(ctx, dispatcher.PendingWrite{
		DeviceID:      req.DeviceID,
		Frame:         frame,
		IssuedAt:      entry.CreatedAt,
		CorrelationID: entry.CorrelationID,
	})
}

func (c *Controller) record(ctx context.Context, e *audit.Entry) {
	if c.audit == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := c.audit.Create(actx, e); err != nil {
		c.logError("recording command audit entry failed", "device", e.DeviceID, "error", err)
	}
}

func (c *Controller) logWrite(e *audit.Entry, err error) {
	args := []any{
		"device", e.DeviceID,
		"field", e.Field,
		"value", e.Requested,
		"source", e.Source,
		"outcome", string(e.Outcome),
		"correlation_id", e.CorrelationID,
	}
	if err != nil {
		c.logWarn("write failed", append(args, "error", err)...)
		return
	}
	c.logInfo("write acknowledged", append(args, "latency", e.Latency)...)
}

func (c *Controller) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Controller) logDebug(msg string, args ...any) {
	if l := c.getLogger(); l != nil {
		l.Debug(msg, args...)
	}
}

func (c *Controller) logInfo(msg string, args ...any) {
	if l := c.getLogger(); l != nil {
		l.Info(msg, args...)
	}
}

func (c *Controller) logWarn(msg string, args ...any) {
	if l := c.getLogger(); l != nil {
		l.Warn(msg, args...)
	}
}

func (c *Controller) logError(msg string, args ...any) {
	if l := c.getLogger(); l != nil {
		l.Error(msg, args...)
	}
}
