package registers

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Bank identifies which register window a descriptor is reported in.
type Bank int

const (
	// BankInput is the realtime window (Modbus input registers).
	BankInput Bank = iota

	// BankHolding is the settings window (Modbus holding registers).
	BankHolding
)

// String returns the bank name used in logs and the API.
func (b Bank) String() string {
	switch b {
	case BankInput:
		return "input"
	case BankHolding:
		return "holding"
	default:
		return "bank(" + strconv.Itoa(int(b)) + ")"
	}
}

// Access describes whether a register may be written.
type Access int

const (
	// ReadOnly registers are reported by the device and never written.
	ReadOnly Access = iota

	// ReadWrite registers may be written, subject to the safety whitelist.
	ReadWrite
)

// String returns "ro" or "rw".
func (a Access) String() string {
	if a == ReadWrite {
		return "rw"
	}
	return "ro"
}

// Kind selects how a raw word is presented.
type Kind int

const (
	// KindNumber is a scaled numeric value (float64).
	KindNumber Kind = iota

	// KindBool is an on/off switch (raw 0 or 1).
	KindBool

	// KindEnum is an enumerated value presented by label.
	KindEnum
)

// Scale is the rational factor applied to a raw word: value = raw*Num/Den.
// The zero value means 1/1.
type Scale struct {
	Num int
	Den int
}

func (s Scale) factor() float64 {
	num, den := s.Num, s.Den
	if num == 0 {
		num = 1
	}
	if den == 0 {
		den = 1
	}
	return float64(num) / float64(den)
}

// BitSource points at a single bit of another register that carries the
// read-back state of a field.
type BitSource struct {
	Address uint16
	Bit     uint
}

// Descriptor describes one named field of a device.
type Descriptor struct {
	// Field is the stable name used by the API, CLI and state store.
	Field string

	// Address is the register written to. For fields without a Source it
	// is also the register read from.
	Address uint16

	// Width is the number of 16-bit words the value spans. Always 1 for
	// the current device family.
	Width int

	Bank   Bank
	Kind   Kind
	Scale  Scale
	Offset float64
	Unit   string
	Access Access

	// Source, when set, reads the field from a bit of another register.
	Source *BitSource

	// AbsentWhenZero hides the field while the raw word is 0 (slave
	// battery packs that are not connected report 0).
	AbsentWhenZero bool

	// WriteOnly fields have no read-back in either window.
	WriteOnly bool

	// Labels names enum values by raw index.
	Labels []string
}

// ReadAddress returns the register the field's value is read from.
func (d Descriptor) ReadAddress() uint16 {
	if d.Source != nil {
		return d.Source.Address
	}
	return d.Address
}

// Decode converts a raw register word into the field's presented value.
//
// Returns:
//   - any: float64 for numbers, bool for switches, string for labelled enums
//   - bool: false when the field is absent for this word
func (d Descriptor) Decode(word uint16) (any, bool) {
	if d.Source != nil {
		return (word>>d.Source.Bit)&1 == 1, true
	}
	if d.AbsentWhenZero && word == 0 {
		return nil, false
	}
	return d.Value(word), true
}

// Value converts a word as written to Address into the presented value. It
// ignores Source, so it also applies to switches whose read-back lives in
// another register.
func (d Descriptor) Value(word uint16) any {
	switch d.Kind {
	case KindBool:
		return word != 0
	case KindEnum:
		if int(word) < len(d.Labels) {
			return d.Labels[word]
		}
		return float64(word)
	default:
		v := float64(word)*d.Scale.factor() + d.Offset
		return roundTo(v, 4)
	}
}

// Encode converts an engineering value into the raw word written to Address.
//
// The inverse scaling must land on an integer: 12.35 % on a 0.1 % register is
// rejected instead of silently rounded.
//
// Parameters:
//   - value: Engineering value (percent, minutes, amps, 0/1 for switches)
//
// Returns:
//   - uint16: Raw register word
//   - error: ErrNotWritable or ErrValueNotRepresentable
func (d Descriptor) Encode(value float64) (uint16, error) {
	if d.Access != ReadWrite {
		return 0, fmt.Errorf("%w: %s", ErrNotWritable, d.Field)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("%w: %s=%v", ErrValueNotRepresentable, d.Field, value)
	}

	raw := (value - d.Offset) / d.Scale.factor()
	rounded := math.Round(raw)
	if math.Abs(raw-rounded) > 1e-6 {
		return 0, fmt.Errorf("%w: %s=%v is finer than the register resolution", ErrValueNotRepresentable, d.Field, value)
	}
	if rounded < 0 || rounded > math.MaxUint16 {
		return 0, fmt.Errorf("%w: %s=%v outside 0..65535 raw", ErrValueNotRepresentable, d.Field, value)
	}
	return uint16(rounded), nil
}

// Raw converts a loosely typed value (as decoded from JSON or a CLI flag)
// into the raw word for this field. Accepts numbers, bools, enum labels and
// numeric strings.
func (d Descriptor) Raw(value any) (uint16, error) {
	switch v := value.(type) {
	case bool:
		if v {
			return d.Encode(1)
		}
		return d.Encode(0)
	case float64:
		return d.Encode(v)
	case float32:
		return d.Encode(float64(v))
	case int:
		return d.Encode(float64(v))
	case int64:
		return d.Encode(float64(v))
	case uint16:
		return d.Encode(float64(v))
	case string:
		return d.rawFromString(v)
	default:
		return 0, fmt.Errorf("%w: %s: unsupported value type %T", ErrValueNotRepresentable, d.Field, value)
	}
}

func (d Descriptor) rawFromString(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	for i, label := range d.Labels {
		if strings.EqualFold(label, s) {
			return d.Encode(float64(i))
		}
	}
	switch strings.ToLower(s) {
	case "on", "true":
		if d.Kind == KindBool {
			return d.Encode(1)
		}
	case "off", "false":
		if d.Kind == KindBool {
			return d.Encode(0)
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrValueNotRepresentable, d.Field, s)
	}
	return d.Encode(f)
}

// ============================================================================
// Model
// ============================================================================

// Model is the register map of one device family.
type Model struct {
	Key  string
	Name string

	// DeviceAddress is the Modbus unit address frames are sent to.
	DeviceAddress uint8

	// ReadStart and ReadCount define the window requested by a poll.
	ReadStart uint16
	ReadCount uint16

	descriptors []Descriptor
	byField     map[string]int
}

// NewModel builds a model and checks the table for duplicate field names
// and duplicate writable addresses.
func NewModel(key, name string, deviceAddress uint8, readStart, readCount uint16, descriptors []Descriptor) (*Model, error) {
	m := &Model{
		Key:           key,
		Name:          name,
		DeviceAddress: deviceAddress,
		ReadStart:     readStart,
		ReadCount:     readCount,
		descriptors:   make([]Descriptor, len(descriptors)),
		byField:       make(map[string]int, len(descriptors)),
	}
	copy(m.descriptors, descriptors)

	writable := make(map[uint16]string)
	for i, d := range m.descriptors {
		if d.Field == "" {
			return nil, fmt.Errorf("%w: descriptor %d has no field name", ErrInvalidModel, i)
		}
		if _, dup := m.byField[d.Field]; dup {
			return nil, fmt.Errorf("%w: duplicate field %q", ErrInvalidModel, d.Field)
		}
		if d.Width == 0 {
			m.descriptors[i].Width = 1
		}
		if d.Access == ReadWrite {
			if other, dup := writable[d.Address]; dup {
				return nil, fmt.Errorf("%w: fields %q and %q both write register %d", ErrInvalidModel, other, d.Field, d.Address)
			}
			writable[d.Address] = d.Field
		}
		m.byField[d.Field] = i
	}
	return m, nil
}

// Descriptors returns a copy of every descriptor, in table order.
func (m *Model) Descriptors() []Descriptor {
	out := make([]Descriptor, len(m.descriptors))
	copy(out, m.descriptors)
	return out
}

// Field looks up a descriptor by field name.
func (m *Model) Field(name string) (Descriptor, bool) {
	i, ok := m.byField[name]
	if !ok {
		return Descriptor{}, false
	}
	return m.descriptors[i], true
}

// ByAddress returns the writable descriptor for a register address.
func (m *Model) ByAddress(addr uint16) (Descriptor, bool) {
	for _, d := range m.descriptors {
		if d.Access == ReadWrite && d.Address == addr {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Writable returns the read-write descriptors sorted by address.
func (m *Model) Writable() []Descriptor {
	var out []Descriptor
	for _, d := range m.descriptors {
		if d.Access == ReadWrite {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Interpret decodes a register window into named fields.
//
// Only descriptors of the given bank whose read address falls inside the
// window are decoded. Fields that are absent for their raw word are left out
// of the result.
//
// Parameters:
//   - bank: Which window the words came from
//   - start: Register address of words[0]
//   - words: Raw register words
//
// Returns:
//   - map[string]any: Field name to presented value
func (m *Model) Interpret(bank Bank, start uint16, words []uint16) map[string]any {
	out := make(map[string]any)
	for _, d := range m.descriptors {
		if d.Bank != bank || d.WriteOnly {
			continue
		}
		addr := d.ReadAddress()
		if addr < start {
			continue
		}
		idx := int(addr - start)
		if idx >= len(words) {
			continue
		}
		if v, ok := d.Decode(words[idx]); ok {
			out[d.Field] = v
		}
	}
	return out
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
