package safety

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iamslan/fossibot/internal/registers"
)

func TestEveryWritableRegisterIsWhitelisted(t *testing.T) {
	wl := DefaultWhitelist()
	for _, m := range registers.Models() {
		writable := m.Writable()
		for _, d := range writable {
			e, ok := wl[d.Address]
			if assert.True(t, ok, "model %s field %s (reg %d) has no whitelist entry", m.Key, d.Field, d.Address) {
				assert.Equal(t, d.Field, e.Name, "whitelist name for reg %d", d.Address)
			}
		}
		assert.Len(t, wl, len(writable), "whitelist has entries for registers the map does not write")
	}
}

func TestValidate(t *testing.T) {
	v, err := NewValidator(DefaultWhitelist())
	require.NoError(t, err)

	tests := []struct {
		name    string
		addr    uint16
		raw     uint16
		wantErr error
	}{
		{"charging current low bound", 20, 1, nil},
		{"charging current high bound", 20, 20, nil},
		{"charging current zero", 20, 0, ErrValueOutOfRange},
		{"charging current above", 20, 21, ErrValueOutOfRange},
		{"ac output on", 26, 1, nil},
		{"ac output two", 26, 2, ErrValueNotInDomain},
		{"led sos", 27, 2, nil},
		{"led four", 27, 4, ErrValueNotInDomain},
		{"usb standby 30", 59, 30, nil},
		{"usb standby 15", 59, 15, ErrValueNotInDomain},
		{"ac standby 1440", 60, 1440, nil},
		{"screen rest 600", 62, 600, nil},
		{"stop charge 1440", 63, 1440, nil},
		{"stop charge 1441", 63, 1441, ErrValueOutOfRange},
		{"discharge limit 0", 66, 0, nil},
		{"charge limit 1000", 67, 1000, nil},
		{"charge limit 1001", 67, 1001, ErrValueOutOfRange},
		{"sleep 480", 68, 480, nil},
		{"sleep 0", 68, 0, ErrValueNotInDomain},
		{"soc register", 56, 500, ErrUnknownRegister},
		{"modbus address register", 17, 1, ErrUnknownRegister},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.addr, tt.raw)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate(%d, %d) error = %v, want %v", tt.addr, tt.raw, err, tt.wantErr)
			}
		})
	}
}

func TestRangeStep(t *testing.T) {
	d := Between(10, 100, 5)
	assert.NoError(t, d.check(10))
	assert.NoError(t, d.check(95))
	assert.ErrorIs(t, d.check(96), ErrValueOutOfRange)
	assert.Equal(t, "10..100 step 5", d.String())
	assert.Equal(t, "{0,1}", Enum(0, 1).String())
}

func TestNewValidatorRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		wl   Whitelist
	}{
		{"empty enum", Whitelist{1: {Address: 1, Domain: Enum()}}},
		{"inverted range", Whitelist{1: {Address: 1, Domain: Between(5, 1, 1)}}},
		{"zero step", Whitelist{1: {Address: 1, Domain: Between(0, 5, 0)}}},
		{"key mismatch", Whitelist{1: {Address: 2, Domain: Enum(0)}}},
		{"both", Whitelist{1: {Address: 1, Domain: Domain{Enum: []uint16{1}, Range: &Range{0, 1, 1}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewValidator(tt.wl)
			assert.ErrorIs(t, err, ErrInvalidWhitelist)
		})
	}
}

func TestValidatorCopiesWhitelist(t *testing.T) {
	wl := DefaultWhitelist()
	v, err := NewValidator(wl)
	require.NoError(t, err)

	delete(wl, 26)
	wl[20].Domain.Range.Max = 60000

	assert.NoError(t, v.Validate(26, 1))
	assert.ErrorIs(t, v.Validate(20, 21), ErrValueOutOfRange)
}

func TestAddressesSorted(t *testing.T) {
	addrs := DefaultWhitelist().Addresses()
	require.Len(t, addrs, 14)
	assert.Equal(t, uint16(20), addrs[0])
	assert.Equal(t, uint16(68), addrs[len(addrs)-1])
}
