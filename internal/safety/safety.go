// Package safety holds the write whitelist: the hand-audited set of
// registers the controller may write and the raw values each accepts.
//
// Every write passes through Validator.Validate before a frame is encoded.
// The whitelist is compiled in and never derived from device responses. A
// register without an entry is not writable, whatever the register map says.
package safety

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Validation errors.
var (
	// ErrUnknownRegister is returned for an address with no whitelist entry.
	ErrUnknownRegister = errors.New("safety: register not writable")

	// ErrValueNotInDomain is returned when a value is not one of an
	// enumerated register's allowed values.
	ErrValueNotInDomain = errors.New("safety: value not in allowed set")

	// ErrValueOutOfRange is returned when a value falls outside a ranged
	// register's bounds or off its step.
	ErrValueOutOfRange = errors.New("safety: value out of range")

	// ErrInvalidWhitelist is returned by NewValidator for malformed entries.
	ErrInvalidWhitelist = errors.New("safety: invalid whitelist entry")
)

// Domain is the set of raw values a register accepts. Exactly one of Enum
// or Range is set.
type Domain struct {
	Enum  []uint16
	Range *Range
}

// Range accepts Min <= v <= Max with (v-Min) divisible by Step.
type Range struct {
	Min  uint16
	Max  uint16
	Step uint16
}

// Enum returns a Domain of discrete allowed values.
func Enum(values ...uint16) Domain {
	return Domain{Enum: values}
}

// Between returns a Domain of a stepped range.
func Between(lo, hi, step uint16) Domain {
	return Domain{Range: &Range{Min: lo, Max: hi, Step: step}}
}

func (d Domain) check(raw uint16) error {
	if d.Range != nil {
		r := d.Range
		if raw < r.Min || raw > r.Max {
			return fmt.Errorf("%w: %d outside %d..%d", ErrValueOutOfRange, raw, r.Min, r.Max)
		}
		if (raw-r.Min)%r.Step != 0 {
			return fmt.Errorf("%w: %d not on step %d from %d", ErrValueOutOfRange, raw, r.Step, r.Min)
		}
		return nil
	}
	for _, v := range d.Enum {
		if v == raw {
			return nil
		}
	}
	return fmt.Errorf("%w: %d not in %v", ErrValueNotInDomain, raw, d.Enum)
}

// String renders the domain for error messages and the CLI.
func (d Domain) String() string {
	if d.Range != nil {
		return fmt.Sprintf("%d..%d step %d", d.Range.Min, d.Range.Max, d.Range.Step)
	}
	parts := make([]string, len(d.Enum))
	for i, v := range d.Enum {
		parts[i] = fmt.Sprint(v)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Entry binds a register address to its allowed values.
type Entry struct {
	Address uint16
	Name    string
	Domain  Domain
}

// Whitelist maps register address to entry.
type Whitelist map[uint16]Entry

// DefaultWhitelist returns the audited whitelist for the Sydpower family.
// Values are raw register words.
func DefaultWhitelist() Whitelist {
	entries := []Entry{
		{20, "maximumChargingCurrent", Between(1, 20, 1)},
		{24, "usbOutput", Enum(0, 1)},
		{25, "dcOutput", Enum(0, 1)},
		{26, "acOutput", Enum(0, 1)},
		{27, "ledMode", Enum(0, 1, 2, 3)},
		{57, "acSilentCharging", Enum(0, 1)},
		{59, "usbStandbyTime", Enum(0, 3, 5, 10, 30)},
		{60, "acStandbyTime", Enum(0, 480, 960, 1440)},
		{61, "dcStandbyTime", Enum(0, 480, 960, 1440)},
		{62, "screenRestTime", Enum(0, 180, 300, 600, 1800)},
		{63, "stopChargeAfter", Between(0, 1440, 1)},
		{66, "dischargeLowerLimit", Between(0, 1000, 1)},
		{67, "acChargingUpperLimit", Between(0, 1000, 1)},
		{68, "sleepTime", Enum(5, 10, 30, 480)},
	}
	wl := make(Whitelist, len(entries))
	for _, e := range entries {
		wl[e.Address] = e
	}
	return wl
}

// Addresses returns the whitelisted addresses in ascending order.
func (w Whitelist) Addresses() []uint16 {
	out := make([]uint16, 0, len(w))
	for a := range w {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validator checks write intents against a whitelist. It is read-only after
// construction and safe for concurrent use.
type Validator struct {
	entries Whitelist
}

// NewValidator builds a validator, rejecting entries with an empty enum,
// an inverted range or a zero step.
func NewValidator(wl Whitelist) (*Validator, error) {
	copied := make(Whitelist, len(wl))
	for addr, e := range wl {
		if e.Address != addr {
			return nil, fmt.Errorf("%w: entry keyed %d declares address %d", ErrInvalidWhitelist, addr, e.Address)
		}
		switch {
		case e.Domain.Range != nil && len(e.Domain.Enum) > 0:
			return nil, fmt.Errorf("%w: register %d has both enum and range", ErrInvalidWhitelist, addr)
		case e.Domain.Range != nil:
			r := *e.Domain.Range
			if r.Min > r.Max || r.Step == 0 {
				return nil, fmt.Errorf("%w: register %d range %d..%d step %d", ErrInvalidWhitelist, addr, r.Min, r.Max, r.Step)
			}
			e.Domain.Range = &r
		case len(e.Domain.Enum) == 0:
			return nil, fmt.Errorf("%w: register %d has an empty domain", ErrInvalidWhitelist, addr)
		default:
			e.Domain.Enum = append([]uint16(nil), e.Domain.Enum...)
		}
		copied[addr] = e
	}
	return &Validator{entries: copied}, nil
}

// Validate accepts or rejects a raw write.
//
// Parameters:
//   - addr: Register address
//   - raw: Raw register value
//
// Returns:
//   - error: nil when accepted, else ErrUnknownRegister, ErrValueNotInDomain
//     or ErrValueOutOfRange
func (v *Validator) Validate(addr, raw uint16) error {
	e, ok := v.entries[addr]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownRegister, addr)
	}
	if err := e.Domain.check(raw); err != nil {
		return fmt.Errorf("register %d (%s): %w", addr, e.Name, err)
	}
	return nil
}
