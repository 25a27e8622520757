package registers

// Sydpower protocol constants shared by every known model.
const (
	// DefaultModelKey is the model used when a device reports an unknown
	// or empty product key.
	DefaultModelKey = "sydpower"

	// DefaultDeviceAddress is the Modbus unit address of the station.
	DefaultDeviceAddress uint8 = 0x11

	// DefaultReadCount is the size of the window requested by a poll.
	DefaultReadCount uint16 = 80
)

// LED light modes written to register 27.
var ledModes = []string{"off", "on", "sos", "flash"}

var (
	tenths     = Scale{Num: 1, Den: 10}
	hundredths = Scale{Num: 1, Den: 100}
)

// sydpowerDescriptors is the register map of the F2400/F3600 family.
var sydpowerDescriptors = []Descriptor{
	// Realtime window.
	{Field: "dcInput", Address: 4, Bank: BankInput, Unit: "W"},
	{Field: "totalInput", Address: 6, Bank: BankInput, Unit: "W"},
	{Field: "acOutputVoltage", Address: 18, Bank: BankInput, Scale: tenths, Unit: "V"},
	{Field: "acOutputFrequency", Address: 19, Bank: BankInput, Scale: tenths, Unit: "Hz"},
	{Field: "acInputVoltage", Address: 21, Bank: BankInput, Scale: tenths, Unit: "V"},
	{Field: "acInputFrequency", Address: 22, Bank: BankInput, Scale: hundredths, Unit: "Hz"},
	{Field: "totalOutput", Address: 39, Bank: BankInput, Unit: "W"},
	{Field: "soc", Address: 56, Bank: BankInput, Scale: tenths, Unit: "%"},
	{Field: "socSlave1", Address: 53, Bank: BankInput, Scale: tenths, Offset: -1, Unit: "%", AbsentWhenZero: true},
	{Field: "socSlave2", Address: 55, Bank: BankInput, Scale: tenths, Offset: -1, Unit: "%", AbsentWhenZero: true},

	// Output switches: commanded through 24..26, reported in register 41.
	{Field: "usbOutput", Address: 24, Bank: BankInput, Kind: KindBool, Access: ReadWrite, Source: &BitSource{Address: 41, Bit: 9}},
	{Field: "dcOutput", Address: 25, Bank: BankInput, Kind: KindBool, Access: ReadWrite, Source: &BitSource{Address: 41, Bit: 10}},
	{Field: "acOutput", Address: 26, Bank: BankInput, Kind: KindBool, Access: ReadWrite, Source: &BitSource{Address: 41, Bit: 11}},
	{Field: "ledOutput", Address: 41, Bank: BankInput, Kind: KindBool, Source: &BitSource{Address: 41, Bit: 12}},
	{Field: "ledMode", Address: 27, Bank: BankInput, Kind: KindEnum, Access: ReadWrite, Labels: ledModes, WriteOnly: true},

	// Settings window.
	{Field: "acChargingRate", Address: 13, Bank: BankHolding},
	{Field: "maximumChargingCurrent", Address: 20, Bank: BankHolding, Unit: "A", Access: ReadWrite},
	{Field: "acSilentCharging", Address: 57, Bank: BankHolding, Kind: KindBool, Access: ReadWrite},
	{Field: "usbStandbyTime", Address: 59, Bank: BankHolding, Unit: "min", Access: ReadWrite},
	{Field: "acStandbyTime", Address: 60, Bank: BankHolding, Unit: "min", Access: ReadWrite},
	{Field: "dcStandbyTime", Address: 61, Bank: BankHolding, Unit: "min", Access: ReadWrite},
	{Field: "screenRestTime", Address: 62, Bank: BankHolding, Unit: "s", Access: ReadWrite},
	{Field: "stopChargeAfter", Address: 63, Bank: BankHolding, Unit: "min", Access: ReadWrite},
	{Field: "dischargeLowerLimit", Address: 66, Bank: BankHolding, Scale: tenths, Unit: "%", Access: ReadWrite},
	{Field: "acChargingUpperLimit", Address: 67, Bank: BankHolding, Scale: tenths, Unit: "%", Access: ReadWrite},
	{Field: "sleepTime", Address: 68, Bank: BankHolding, Unit: "min", Access: ReadWrite},
}

// models is filled once by init and read-only afterwards.
var models = map[string]*Model{}

func init() {
	m, err := NewModel(DefaultModelKey, "Sydpower / Fossibot F2400, F3600", DefaultDeviceAddress, 0, DefaultReadCount, sydpowerDescriptors)
	if err != nil {
		panic(err)
	}
	models[m.Key] = m
}

// Lookup returns the model for a key. Unknown keys resolve to the default
// model with ok=false so callers can log the fallback.
func Lookup(key string) (*Model, bool) {
	if m, ok := models[key]; ok {
		return m, true
	}
	return models[DefaultModelKey], false
}

// Default returns the default model.
func Default() *Model {
	m, _ := Lookup(DefaultModelKey)
	return m
}

// Models returns every registered model.
func Models() []*Model {
	out := make([]*Model, 0, len(models))
	for _, m := range models {
		out = append(out, m)
	}
	return out
}
