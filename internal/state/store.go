// Package state keeps the last known state of every device.
//
// Fields arrive from two directions. Poll responses carry authoritative
// values stamped with a receive sequence number. Acknowledged writes apply
// their value optimistically before the next poll confirms it. A frame whose
// sequence number is not newer than the last one applied for its device is
// discarded, so a delayed poll response can never roll state backwards.
//
// When the connection drops every device is marked stale. Values are kept
// and the mark clears on the next applied frame.
package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrStaleFrame is returned when a frame's sequence number is not newer
// than the last one applied for its device.
var ErrStaleFrame = errors.New("state: stale frame")

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// DeviceState is a point-in-time copy of one device's state.
type DeviceState struct {
	DeviceID string         `json:"device_id"`
	Fields   map[string]any `json:"fields"`

	// Pending holds optimistic values applied from write acknowledgements
	// that no poll has confirmed yet.
	Pending map[string]any `json:"pending,omitempty"`

	Seq        uint64     `json:"seq"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StaleSince *time.Time `json:"stale_since,omitempty"`
}

// Stale reports whether the device's values predate a connection loss.
func (d DeviceState) Stale() bool {
	return d.StaleSince != nil
}

func (d *DeviceState) clone() DeviceState {
	out := DeviceState{
		DeviceID:  d.DeviceID,
		Fields:    make(map[string]any, len(d.Fields)),
		Seq:       d.Seq,
		UpdatedAt: d.UpdatedAt,
	}
	for k, v := range d.Fields {
		out.Fields[k] = v
	}
	if len(d.Pending) > 0 {
		out.Pending = make(map[string]any, len(d.Pending))
		for k, v := range d.Pending {
			out.Pending[k] = v
		}
	}
	if d.StaleSince != nil {
		t := *d.StaleSince
		out.StaleSince = &t
	}
	return out
}

// Store is the in-memory device state table. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	devices map[string]*DeviceState

	subMu       sync.RWMutex
	subscribers map[int]func(DeviceState)
	nextSubID   int

	logger   Logger
	loggerMu sync.RWMutex

	now func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		devices:     make(map[string]*DeviceState),
		subscribers: make(map[int]func(DeviceState)),
		now:         time.Now,
	}
}

// SetLogger sets the logger for this store.
func (s *Store) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()
}

// Apply merges fields reported by the device.
//
// Parameters:
//   - deviceID: Device identifier
//   - seq: Receive sequence number of the frame the fields came from
//   - fields: Decoded field values
//
// Returns:
//   - error: ErrStaleFrame when seq is not newer than the last applied frame
func (s *Store) Apply(deviceID string, seq uint64, fields map[string]any) error {
	s.mu.Lock()
	d := s.device(deviceID)
	if d.Seq != 0 && seq <= d.Seq {
		last := d.Seq
		s.mu.Unlock()
		return fmt.Errorf("%w: device %s seq %d, last applied %d", ErrStaleFrame, deviceID, seq, last)
	}

	var mismatches []string
	for k, v := range fields {
		if want, ok := d.Pending[k]; ok {
			if want != v {
				mismatches = append(mismatches, k)
			}
			delete(d.Pending, k)
		}
		d.Fields[k] = v
	}
	d.Seq = seq
	d.UpdatedAt = s.now()
	d.StaleSince = nil
	snap := d.clone()
	s.mu.Unlock()

	if len(mismatches) > 0 {
		sort.Strings(mismatches)
		s.logWarn("device reported values differing from acknowledged writes",
			"device_id", deviceID, "fields", mismatches)
	}
	s.notify(snap)
	return nil
}

// ApplyOptimistic sets a field from an acknowledged write. The value stays
// marked pending until a poll reports the field.
func (s *Store) ApplyOptimistic(deviceID, field string, value any) {
	s.mu.Lock()
	d := s.device(deviceID)
	if d.Pending == nil {
		d.Pending = make(map[string]any)
	}
	d.Fields[field] = value
	d.Pending[field] = value
	d.UpdatedAt = s.now()
	snap := d.clone()
	s.mu.Unlock()

	s.notify(snap)
}

// MarkStale flags every device as stale from the given time. Devices that
// are already stale keep their original timestamp.
func (s *Store) MarkStale(at time.Time) {
	s.mu.Lock()
	var snaps []DeviceState
	for _, d := range s.devices {
		if d.StaleSince != nil {
			continue
		}
		t := at
		d.StaleSince = &t
		snaps = append(snaps, d.clone())
	}
	s.mu.Unlock()

	for _, snap := range snaps {
		s.notify(snap)
	}
}

// Ensure registers a device with no fields so it is listed before its
// first report.
func (s *Store) Ensure(deviceID string) {
	s.mu.Lock()
	s.device(deviceID)
	s.mu.Unlock()
}

// Get returns a copy of one device's state.
func (s *Store) Get(deviceID string) (DeviceState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return DeviceState{}, false
	}
	return d.clone(), true
}

// All returns copies of every device state sorted by device ID.
func (s *Store) All() []DeviceState {
	s.mu.RLock()
	out := make([]DeviceState, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d.clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Subscribe registers fn to receive a copy of a device's state after every
// change. The returned function removes the subscription.
//
// Callbacks run synchronously on the goroutine that applied the change and
// must not block.
func (s *Store) Subscribe(fn func(DeviceState)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

// device returns the entry for id, creating it. Caller holds s.mu.
func (s *Store) device(id string) *DeviceState {
	d, ok := s.devices[id]
	if !ok {
		d = &DeviceState{DeviceID: id, Fields: make(map[string]any)}
		s.devices[id] = d
	}
	return d
}

func (s *Store) notify(snap DeviceState) {
	s.subMu.RLock()
	subs := make([]func(DeviceState), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.subMu.RUnlock()

	for _, fn := range subs {
		fn(snap)
	}
}

func (s *Store) logWarn(msg string, keysAndValues ...any) {
	s.loggerMu.RLock()
	logger := s.logger
	s.loggerMu.RUnlock()

	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}
