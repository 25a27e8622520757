package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iamslan/fossibot/internal/audit"
	"github.com/iamslan/fossibot/internal/codec"
	"github.com/iamslan/fossibot/internal/dispatcher"
	"github.com/iamslan/fossibot/internal/infrastructure/mqtt"
	"github.com/iamslan/fossibot/internal/orchestrator"
	"github.com/iamslan/fossibot/internal/registers"
	"github.com/iamslan/fossibot/internal/safety"
	"github.com/iamslan/fossibot/internal/state"
)

// ============================================================================
// Fakes
// ============================================================================

type ackCall struct {
	deviceID string
	register uint16
	values   []uint16
}

type fakeDispatcher struct {
	mu       sync.Mutex
	submits  []dispatcher.PendingWrite
	acks     []ackCall
	polls    int
	result   dispatcher.Result
	err      error
	onSubmit func(dispatcher.PendingWrite)
}

func (d *fakeDispatcher) Submit(_ context.Context, w dispatcher.PendingWrite) (dispatcher.Result, error) {
	d.mu.Lock()
	d.submits = append(d.submits, w)
	res, err, hook := d.result, d.err, d.onSubmit
	d.mu.Unlock()
	if hook != nil {
		hook(w)
	}
	if err != nil {
		return dispatcher.Result{}, err
	}
	res.CorrelationID = w.CorrelationID
	res.DeviceID = w.DeviceID
	res.Register = w.Frame.Register
	res.IssuedAt = w.IssuedAt
	res.AckedAt = w.IssuedAt.Add(300 * time.Millisecond)
	return res, nil
}

func (d *fakeDispatcher) Ack(deviceID string, register uint16, values []uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acks = append(d.acks, ackCall{deviceID, register, values})
}

func (d *fakeDispatcher) PollNow() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.polls++
}

type fakeDevices struct {
	devices []orchestrator.Device
}

func (f *fakeDevices) Devices() []orchestrator.Device { return f.devices }

type fakeAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
	err     error
}

func (a *fakeAudit) Create(_ context.Context, e *audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, *e)
	return a.err
}

type fakeObserver struct {
	mu       sync.Mutex
	decoded  map[string]int
	rejected map[string]int
	outcomes []audit.Outcome
}

func newFakeObserver() *fakeObserver {
	return &fakeObserver{decoded: map[string]int{}, rejected: map[string]int{}}
}

func (o *fakeObserver) FrameDecoded(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decoded[kind]++
}

func (o *fakeObserver) FrameRejected(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected[reason]++
}

func (o *fakeObserver) WriteResolved(outcome audit.Outcome, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

type harness struct {
	ctrl     *Controller
	disp     *fakeDispatcher
	store    *state.Store
	audit    *fakeAudit
	observer *fakeObserver
	devices  *fakeDevices
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	v, err := safety.NewValidator(safety.DefaultWhitelist())
	require.NoError(t, err)

	h := &harness{
		disp:     &fakeDispatcher{},
		store:    state.NewStore(),
		audit:    &fakeAudit{},
		observer: newFakeObserver(),
		devices:  &fakeDevices{devices: []orchestrator.Device{{ID: "AA", Name: "Garage"}}},
	}
	h.ctrl, err = New(Deps{
		Validator:  v,
		Dispatcher: h.disp,
		State:      h.store,
		Topics:     mqtt.Topics{},
		Devices:    h.devices,
		Audit:      h.audit,
		Observer:   h.observer,
	})
	require.NoError(t, err)
	return h
}

func readResponse(t *testing.T, set map[int]uint16) []byte {
	t.Helper()
	words := make([]uint16, registers.DefaultReadCount)
	for i, v := range set {
		words[i] = v
	}
	f, err := codec.NewReadResponse(registers.DefaultDeviceAddress, codec.FuncReadHolding, 0, words)
	require.NoError(t, err)
	return f.Bytes()
}

func message(topic string, seq uint64, payload []byte) orchestrator.Message {
	return orchestrator.Message{
		Topic:      topic,
		Payload:    payload,
		DeviceID:   "AA",
		Seq:        seq,
		ReceivedAt: time.Now(),
	}
}

// ============================================================================
// Construction and poll requests
// ============================================================================

func TestNew_MissingDependency(t *testing.T) {
	_, err := New(Deps{})
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestReadRequest(t *testing.T) {
	h := newHarness(t)

	got, err := h.ctrl.ReadRequest(orchestrator.Device{ID: "AA"})
	require.NoError(t, err)
	want, err := codec.ReadRequest(0x11, codec.FuncReadHolding, 0, 80)
	require.NoError(t, err)
	assert.Equal(t, want.Bytes(), got)

	got, err = h.ctrl.ReadRequest(orchestrator.Device{ID: "BB", ModbusAddress: 2, ModbusCount: 60, ModelKey: "unknown"})
	require.NoError(t, err)
	want, err = codec.ReadRequest(2, codec.FuncReadHolding, 0, 60)
	require.NoError(t, err)
	assert.Equal(t, want.Bytes(), got)
}

// ============================================================================
// Inbound
// ============================================================================

func TestHandleMessage_Realtime(t *testing.T) {
	h := newHarness(t)

	payload := readResponse(t, map[int]uint16{
		4:  120,          // dcInput
		41: 1<<11 | 1<<9, // ac and usb on
		56: 853,          // soc
		53: 0,            // slave 1 absent
		55: 501,          // slave 2 present
		20: 15,           // holding-bank field, ignored on this topic
	})
	h.ctrl.HandleMessage(message("AA/device/response/client/04", 1, payload))

	st, ok := h.store.Get("AA")
	require.True(t, ok)
	assert.Equal(t, 120.0, st.Fields["dcInput"])
	assert.Equal(t, 85.3, st.Fields["soc"])
	assert.Equal(t, true, st.Fields["acOutput"])
	assert.Equal(t, true, st.Fields["usbOutput"])
	assert.Equal(t, false, st.Fields["dcOutput"])
	assert.Equal(t, 49.1, st.Fields["socSlave2"])
	assert.NotContains(t, st.Fields, "socSlave1")
	assert.NotContains(t, st.Fields, "maximumChargingCurrent")

	assert.Equal(t, uint64(1), h.ctrl.Stats().FramesApplied)
	assert.Equal(t, 1, h.observer.decoded["input"])
}

func TestHandleMessage_Settings(t *testing.T) {
	h := newHarness(t)

	h.ctrl.HandleMessage(message("AA/device/response/client/data", 1, readResponse(t, map[int]uint16{
		20: 15,
		57: 1,
		66: 125,
	})))

	st, ok := h.store.Get("AA")
	require.True(t, ok)
	assert.Equal(t, 15.0, st.Fields["maximumChargingCurrent"])
	assert.Equal(t, true, st.Fields["acSilentCharging"])
	assert.Equal(t, 12.5, st.Fields["dischargeLowerLimit"])
	assert.NotContains(t, st.Fields, "soc")
}

func TestHandleMessage_OutOfOrderDropped(t *testing.T) {
	h := newHarness(t)
	topic := "AA/device/response/client/04"

	h.ctrl.HandleMessage(message(topic, 5, readResponse(t, map[int]uint16{56: 900})))
	h.ctrl.HandleMessage(message(topic, 3, readResponse(t, map[int]uint16{56: 100})))

	st, _ := h.store.Get("AA")
	assert.Equal(t, 90.0, st.Fields["soc"])
	assert.Equal(t, uint64(1), h.ctrl.Stats().FramesApplied)
}

func TestHandleMessage_WriteEchoRoutedAsAck(t *testing.T) {
	h := newHarness(t)

	f, err := codec.WriteSingle(0x11, 26, 1)
	require.NoError(t, err)
	h.ctrl.HandleMessage(message("AA/device/response/state", 1, f.Bytes()))

	require.Len(t, h.disp.acks, 1)
	assert.Equal(t, ackCall{"AA", 26, []uint16{1}}, h.disp.acks[0])
	assert.Equal(t, uint64(1), h.ctrl.Stats().AcksRouted)
}

func TestHandleMessage_Rejected(t *testing.T) {
	corrupt := readResponse(t, map[int]uint16{56: 500})
	corrupt[len(corrupt)-1] ^= 0xFF

	exception := []byte{0x11, 0x86, 0x02}
	crc := codec.Checksum(exception)
	exception = append(exception, byte(crc), byte(crc>>8))

	unknownFC := []byte{0x11, 0x07, 0x00, 0x00, 0x00, 0x01}
	crc = codec.Checksum(unknownFC)
	unknownFC = append(unknownFC, byte(crc), byte(crc>>8))

	tests := []struct {
		name  string
		topic string
		data  []byte
		check func(t *testing.T, s Stats)
	}{
		{"bad checksum", "AA/device/response/client/04", corrupt, func(t *testing.T, s Stats) {
			assert.Equal(t, uint64(1), s.FramesRejected)
		}},
		{"truncated data frame", "AA/device/response/client/04", []byte{0x11, 0x03}, func(t *testing.T, s Stats) {
			assert.Equal(t, uint64(1), s.FramesRejected)
		}},
		{"short state message", "AA/device/response/state", []byte{0x01, 0x02, 0x03}, func(t *testing.T, s Stats) {
			assert.Equal(t, uint64(1), s.ShortStateIgnored)
			assert.Zero(t, s.FramesRejected)
		}},
		{"exception", "AA/device/response/state", exception, func(t *testing.T, s Stats) {
			assert.Equal(t, uint64(1), s.Exceptions)
		}},
		{"unknown function", "AA/device/response/client/04", unknownFC, func(t *testing.T, s Stats) {
			assert.Equal(t, uint64(1), s.FramesRejected)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.ctrl.HandleMessage(message(tt.topic, 1, tt.data))

			tt.check(t, h.ctrl.Stats())
			_, ok := h.store.Get("AA")
			assert.False(t, ok, "nothing applied")
			assert.Empty(t, h.disp.acks)
		})
	}
}

func TestHandleMessage_RequestEchoIgnored(t *testing.T) {
	h := newHarness(t)
	f, err := codec.ReadRequest(0x11, codec.FuncReadHolding, 0, 80)
	require.NoError(t, err)

	h.ctrl.HandleMessage(message("AA/device/response/client/data", 1, f.Bytes()))

	_, ok := h.store.Get("AA")
	assert.False(t, ok)
	assert.Zero(t, h.ctrl.Stats().FramesRejected)
}

func TestHandleMessage_FullStateOnAckTopic(t *testing.T) {
	h := newHarness(t)

	words := make([]uint16, 80)
	words[56] = 770
	f, err := codec.NewReadResponse(0x11, codec.FuncReadInput, 0, words)
	require.NoError(t, err)

	h.ctrl.HandleMessage(message("AA/device/response/state", 1, f.Bytes()))

	st, ok := h.store.Get("AA")
	require.True(t, ok)
	assert.Equal(t, 77.0, st.Fields["soc"])
}

func TestApplyAcknowledged(t *testing.T) {
	h := newHarness(t)

	h.ctrl.ApplyAcknowledged("AA", 26, []uint16{1})
	h.ctrl.ApplyAcknowledged("AA", 66, []uint16{150})
	h.ctrl.ApplyAcknowledged("AA", 999, []uint16{1})
	h.ctrl.ApplyAcknowledged("AA", 26, nil)

	st, ok := h.store.Get("AA")
	require.True(t, ok)
	assert.Equal(t, true, st.Fields["acOutput"])
	assert.Equal(t, 15.0, st.Fields["dischargeLowerLimit"])
	assert.Equal(t, map[string]any{"acOutput": true, "dischargeLowerLimit": 15.0}, st.Pending)
}

func TestOnStateChange(t *testing.T) {
	h := newHarness(t)

	h.ctrl.OnStateChange(orchestrator.StateSubscribing, orchestrator.StateConnected)
	_, ok := h.store.Get("AA")
	assert.True(t, ok, "session devices are listed once connected")
	assert.Equal(t, 1, h.disp.polls)

	h.ctrl.OnStateChange(orchestrator.StateConnected, orchestrator.StateReconnecting)
	st, _ := h.store.Get("AA")
	assert.True(t, st.Stale())

	h.ctrl.OnStateChange(orchestrator.StateReconnecting, orchestrator.StateEndpointResolving)
	st2, _ := h.store.Get("AA")
	assert.Equal(t, st.StaleSince, st2.StaleSince)
}

// ============================================================================
// Outbound
// ============================================================================

func TestWrite_Acknowledged(t *testing.T) {
	h := newHarness(t)

	res, err := h.ctrl.Write(context.Background(), WriteRequest{
		DeviceID: "AA", Field: "acOutput", Value: true, Source: "api",
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(26), res.Register)

	require.Len(t, h.disp.submits, 1)
	w := h.disp.submits[0]
	assert.Equal(t, "AA", w.DeviceID)
	assert.Equal(t, codec.FuncWriteSingle, w.Frame.Function)
	assert.Equal(t, uint8(0x11), w.Frame.Address)
	assert.Equal(t, uint16(26), w.Frame.Register)
	assert.Equal(t, []uint16{1}, w.Frame.Values)
	assert.NotEmpty(t, w.CorrelationID)

	require.Len(t, h.audit.entries, 1)
	e := h.audit.entries[0]
	assert.Equal(t, audit.OutcomeAcknowledged, e.Outcome)
	assert.Equal(t, w.CorrelationID, e.CorrelationID)
	assert.Equal(t, "acOutput", e.Field)
	assert.Equal(t, "true", e.Requested)
	assert.Equal(t, "api", e.Source)
	require.NotNil(t, e.Register)
	assert.Equal(t, uint16(26), *e.Register)
	require.NotNil(t, e.RawValue)
	assert.Equal(t, uint16(1), *e.RawValue)
	assert.Equal(t, 300*time.Millisecond, e.Latency)

	assert.Equal(t, []audit.Outcome{audit.OutcomeAcknowledged}, h.observer.outcomes)
}

func TestWrite_UsesCloudModbusAddress(t *testing.T) {
	h := newHarness(t)
	h.devices.devices = []orchestrator.Device{{ID: "AA", ModbusAddress: 0x22}}

	_, err := h.ctrl.Write(context.Background(), WriteRequest{DeviceID: "AA", Field: "ledMode", Value: "sos"})
	require.NoError(t, err)
	require.Len(t, h.disp.submits, 1)
	assert.Equal(t, uint8(0x22), h.disp.submits[0].Frame.Address)
	assert.Equal(t, []uint16{2}, h.disp.submits[0].Frame.Values)
}

func TestWrite_Rejected(t *testing.T) {
	tests := []struct {
		name    string
		req     WriteRequest
		wantErr error
	}{
		{"unknown device", WriteRequest{DeviceID: "ZZ", Field: "acOutput", Value: 1}, ErrUnknownDevice},
		{"unknown field", WriteRequest{DeviceID: "AA", Field: "turbo", Value: 1}, registers.ErrUnknownField},
		{"read-only field", WriteRequest{DeviceID: "AA", Field: "soc", Value: 50}, registers.ErrNotWritable},
		{"finer than resolution", WriteRequest{DeviceID: "AA", Field: "dischargeLowerLimit", Value: 12.35}, registers.ErrValueNotRepresentable},
		{"not in enum", WriteRequest{DeviceID: "AA", Field: "acOutput", Value: 2}, safety.ErrValueNotInDomain},
		{"not an allowed standby time", WriteRequest{DeviceID: "AA", Field: "acStandbyTime", Value: 15}, safety.ErrValueNotInDomain},
		{"above range", WriteRequest{DeviceID: "AA", Field: "maximumChargingCurrent", Value: 21}, safety.ErrValueOutOfRange},
		{"bad label", WriteRequest{DeviceID: "AA", Field: "ledMode", Value: "disco"}, registers.ErrValueNotRepresentable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			_, err := h.ctrl.Write(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.wantErr)
			assert.True(t, IsRejection(err))

			assert.Empty(t, h.disp.submits, "a rejected value never becomes a frame")
			require.Len(t, h.audit.entries, 1)
			assert.Equal(t, audit.OutcomeRejected, h.audit.entries[0].Outcome)
			assert.NotEmpty(t, h.audit.entries[0].Error)
		})
	}
}

func TestWrite_DispatchFailures(t *testing.T) {
	tests := []struct {
		err  error
		want audit.Outcome
	}{
		{dispatcher.ErrWriteTimedOut, audit.OutcomeTimedOut},
		{dispatcher.ErrSuperseded, audit.OutcomeSuperseded},
		{fmt.Errorf("%w: stream down", dispatcher.ErrUnavailable), audit.OutcomeUnavailable},
		{dispatcher.ErrCancelled, audit.OutcomeCancelled},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			h := newHarness(t)
			h.disp.err = tt.err

			_, err := h.ctrl.Write(context.Background(), WriteRequest{DeviceID: "AA", Field: "dcOutput", Value: "off"})
			require.ErrorIs(t, err, tt.err)
			assert.False(t, IsRejection(err))

			require.Len(t, h.audit.entries, 1)
			assert.Equal(t, tt.want, h.audit.entries[0].Outcome)
			assert.Zero(t, h.audit.entries[0].Latency)
		})
	}
}

func TestWrite_AuditSurvivesCallerCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.disp.onSubmit = func(dispatcher.PendingWrite) { cancel() }
	h.disp.err = dispatcher.ErrCancelled

	_, err := h.ctrl.Write(ctx, WriteRequest{DeviceID: "AA", Field: "usbOutput", Value: 1})
	require.Error(t, err)
	require.Len(t, h.audit.entries, 1)
}

func TestWrite_AuditFailureDoesNotFailWrite(t *testing.T) {
	h := newHarness(t)
	h.audit.err = errors.New("disk full")

	_, err := h.ctrl.Write(context.Background(), WriteRequest{DeviceID: "AA", Field: "usbOutput", Value: 1})
	assert.NoError(t, err)
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, audit.OutcomeAcknowledged, OutcomeOf(nil))
	assert.Equal(t, audit.OutcomeRejected, OutcomeOf(safety.ErrUnknownRegister))
	assert.Equal(t, audit.OutcomeFailed, OutcomeOf(errors.New("boom")))
}
