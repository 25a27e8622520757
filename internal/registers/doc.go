// Package registers holds the static register map of Sydpower-family power
// stations (Fossibot F2400, F3600 and rebrands).
//
// A Model lists every register the controller understands: its address, the
// bank it is reported in, how to scale the raw 16-bit word into an
// engineering value and whether it may be written. The map is data, not
// logic. It is compiled into the binary and never learned from the device.
//
// Two banks exist on the wire:
//
//   - BankInput: the realtime window (state of charge, power flows, output
//     switches). Devices report it on the ".../client/04" topic.
//   - BankHolding: the settings window (charge limits, standby timers).
//     Devices report it on the ".../client/data" topic.
//
// Some switches are written to one register and read back from a bit of
// another (outputs are commanded through 24..27 and reported as a bitmask in
// register 41). Descriptor.Source captures that.
package registers
