package registers

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func window(size int, set map[int]uint16) []uint16 {
	w := make([]uint16, size)
	for i, v := range set {
		w[i] = v
	}
	return w
}

func TestInterpretInputBank(t *testing.T) {
	m := Default()
	words := window(80, map[int]uint16{
		4:  120,
		6:  350,
		18: 2301,
		19: 500,
		22: 5000,
		39: 210,
		41: 1<<9 | 1<<11,
		56: 805,
	})

	got := m.Interpret(BankInput, 0, words)

	assert.Equal(t, 120.0, got["dcInput"])
	assert.Equal(t, 350.0, got["totalInput"])
	assert.Equal(t, 230.1, got["acOutputVoltage"])
	assert.Equal(t, 50.0, got["acOutputFrequency"])
	assert.Equal(t, 50.0, got["acInputFrequency"])
	assert.Equal(t, 210.0, got["totalOutput"])
	assert.Equal(t, 80.5, got["soc"])
	assert.Equal(t, true, got["usbOutput"])
	assert.Equal(t, false, got["dcOutput"])
	assert.Equal(t, true, got["acOutput"])
	assert.Equal(t, false, got["ledOutput"])

	assert.NotContains(t, got, "ledMode", "write-only field must not be decoded")
	assert.NotContains(t, got, "maximumChargingCurrent", "holding field decoded from input bank")
}

func TestInterpretSlaveBatteriesAbsentUntilReported(t *testing.T) {
	m := Default()

	got := m.Interpret(BankInput, 0, window(80, nil))
	assert.NotContains(t, got, "socSlave1")
	assert.NotContains(t, got, "socSlave2")

	got = m.Interpret(BankInput, 0, window(80, map[int]uint16{53: 510}))
	assert.Equal(t, 50.0, got["socSlave1"])
	assert.NotContains(t, got, "socSlave2")
}

func TestInterpretHoldingBank(t *testing.T) {
	m := Default()
	words := window(80, map[int]uint16{
		13: 3,
		20: 15,
		57: 1,
		59: 30,
		63: 720,
		66: 100,
		67: 950,
		68: 480,
	})

	got := m.Interpret(BankHolding, 0, words)

	assert.Equal(t, 3.0, got["acChargingRate"])
	assert.Equal(t, 15.0, got["maximumChargingCurrent"])
	assert.Equal(t, true, got["acSilentCharging"])
	assert.Equal(t, 30.0, got["usbStandbyTime"])
	assert.Equal(t, 720.0, got["stopChargeAfter"])
	assert.Equal(t, 10.0, got["dischargeLowerLimit"])
	assert.Equal(t, 95.0, got["acChargingUpperLimit"])
	assert.Equal(t, 480.0, got["sleepTime"])
	assert.NotContains(t, got, "soc")
}

func TestInterpretShortWindow(t *testing.T) {
	got := Default().Interpret(BankInput, 0, window(10, map[int]uint16{4: 7}))
	assert.Equal(t, map[string]any{"dcInput": 7.0}, got)
}

func TestDescriptorEncode(t *testing.T) {
	m := Default()
	tests := []struct {
		field   string
		value   any
		want    uint16
		wantErr error
	}{
		{"dischargeLowerLimit", 10.0, 100, nil},
		{"dischargeLowerLimit", 12.35, 0, ErrValueNotRepresentable},
		{"acChargingUpperLimit", 100, 1000, nil},
		{"acOutput", true, 1, nil},
		{"acOutput", "off", 0, nil},
		{"ledMode", "sos", 2, nil},
		{"ledMode", "FLASH", 3, nil},
		{"maximumChargingCurrent", "12", 12, nil},
		{"maximumChargingCurrent", -1.0, 0, ErrValueNotRepresentable},
		{"maximumChargingCurrent", "fast", 0, ErrValueNotRepresentable},
		{"soc", 50.0, 0, ErrNotWritable},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			d, ok := m.Field(tt.field)
			require.True(t, ok)

			got, err := d.Raw(tt.value)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "Raw(%v) error = %v, want %v", tt.value, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, d := range Default().Writable() {
		if d.Source != nil || d.Kind != KindNumber {
			continue
		}
		raw, err := d.Encode(10)
		require.NoError(t, err, d.Field)
		v, ok := d.Decode(raw)
		require.True(t, ok)
		assert.Equal(t, 10.0, v, d.Field)
	}
}

func TestLookupFallsBackToDefault(t *testing.T) {
	m, ok := Lookup("F9999")
	assert.False(t, ok)
	require.NotNil(t, m)
	assert.Equal(t, DefaultModelKey, m.Key)
	assert.Equal(t, DefaultDeviceAddress, m.DeviceAddress)
	assert.Equal(t, DefaultReadCount, m.ReadCount)
}

func TestNewModelRejectsDuplicates(t *testing.T) {
	_, err := NewModel("x", "x", 1, 0, 10, []Descriptor{
		{Field: "a", Address: 1},
		{Field: "a", Address: 2},
	})
	assert.ErrorIs(t, err, ErrInvalidModel)

	_, err = NewModel("x", "x", 1, 0, 10, []Descriptor{
		{Field: "a", Address: 1, Access: ReadWrite},
		{Field: "b", Address: 1, Access: ReadWrite},
	})
	assert.ErrorIs(t, err, ErrInvalidModel)
}

func TestWritableSortedByAddress(t *testing.T) {
	w := Default().Writable()
	require.NotEmpty(t, w)
	for i := 1; i < len(w); i++ {
		assert.Less(t, w[i-1].Address, w[i].Address)
	}
	d, ok := Default().ByAddress(27)
	require.True(t, ok)
	assert.Equal(t, "ledMode", d.Field)
}

func TestDescriptorValueIgnoresSource(t *testing.T) {
	m := Default()

	ac, ok := m.Field("acOutput")
	require.True(t, ok)
	assert.Equal(t, true, ac.Value(1))
	assert.Equal(t, false, ac.Value(0))

	led, ok := m.Field("ledMode")
	require.True(t, ok)
	assert.Equal(t, "sos", led.Value(2))

	limit, ok := m.Field("dischargeLowerLimit")
	require.True(t, ok)
	assert.Equal(t, 12.5, limit.Value(125))
}
