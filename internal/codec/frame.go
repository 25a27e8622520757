// Package codec encodes and decodes the binary command frames exchanged
// with Sydpower power stations.
//
// Frames follow Modbus RTU framing with one deviation: read responses repeat
// the request header instead of carrying a byte count. The layout is
//
//	[addr:1][fc:1][reg:2 BE][count-or-value:2 BE][payload words BE][CRC16:2 LE]
//
// The CRC is CRC-16/MODBUS (reflected polynomial 0xA001, init 0xFFFF) over
// every preceding byte.
//
// The codec is stateless and knows nothing about register meanings or
// scaling. It is safe for concurrent use.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/goburrow/modbus"
	"github.com/sigurn/crc16"
)

// Function codes spoken by the devices.
const (
	FuncReadHolding   uint8 = modbus.FuncCodeReadHoldingRegisters
	FuncReadInput     uint8 = modbus.FuncCodeReadInputRegisters
	FuncWriteSingle   uint8 = modbus.FuncCodeWriteSingleRegister
	FuncWriteMultiple uint8 = modbus.FuncCodeWriteMultipleRegisters

	// exceptionFlag is set on the function code of an error response.
	exceptionFlag uint8 = 0x80
)

// Frame size constraints.
const (
	headerSize    = 6
	checksumSize  = 2
	minFrameSize  = headerSize + checksumSize
	exceptionSize = 5

	// RequestLen is the size of a read request or a write-single frame.
	RequestLen = minFrameSize

	// MaxWriteValues is the largest register count of a write-multiple.
	MaxWriteValues = 123

	// MaxReadValues is the largest register count of a read.
	MaxReadValues = 125
)

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// Checksum returns the CRC-16/MODBUS of data.
func Checksum(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}

// Frame is one encoded command or response.
//
// A Frame is a value: once built by Encode or Decode it is never modified.
// Values holds the register values the frame carries. For reads and
// write-single frames without a payload it is the single header word
// (register count or register value).
type Frame struct {
	Address  uint8
	Function uint8
	Register uint16
	Values   []uint16
	Checksum uint16

	raw []byte
}

// Bytes returns a copy of the frame's wire representation.
func (f Frame) Bytes() []byte {
	out := make([]byte, len(f.raw))
	copy(out, f.raw)
	return out
}

// Len returns the encoded size in bytes.
func (f Frame) Len() int {
	return len(f.raw)
}

// IsRead reports whether the frame is a read request or read response.
func (f Frame) IsRead() bool {
	return f.Function == FuncReadHolding || f.Function == FuncReadInput
}

// IsWrite reports whether the frame is a write request or its echo.
func (f Frame) IsWrite() bool {
	return f.Function == FuncWriteSingle || f.Function == FuncWriteMultiple
}

// String renders the frame for logs.
func (f Frame) String() string {
	return fmt.Sprintf("frame{addr=%d fc=0x%02x reg=%d values=%v crc=0x%04x}",
		f.Address, f.Function, f.Register, f.Values, f.Checksum)
}

// ============================================================================
// Encoding
// ============================================================================

// Encode builds a request frame.
//
// Parameters:
//   - addr: Device (unit) address
//   - fc: Function code (0x03, 0x04, 0x06 or 0x10)
//   - reg: Starting register address
//   - values: For reads, one element holding the register count. For
//     write-single, one element holding the value. For write-multiple,
//     1..123 register values.
//
// Returns:
//   - Frame: Encoded frame, checksum included
//   - error: ErrInvalidValueCount or ErrUnsupportedFunction
func Encode(addr, fc uint8, reg uint16, values []uint16) (Frame, error) {
	switch fc {
	case FuncReadHolding, FuncReadInput:
		if len(values) != 1 {
			return Frame{}, fmt.Errorf("%w: read takes a register count, got %d values", ErrInvalidValueCount, len(values))
		}
		if values[0] == 0 || values[0] > MaxReadValues {
			return Frame{}, fmt.Errorf("%w: read count %d outside 1..%d", ErrInvalidValueCount, values[0], MaxReadValues)
		}
		return build(addr, fc, reg, values[0], nil), nil

	case FuncWriteSingle:
		if len(values) != 1 {
			return Frame{}, fmt.Errorf("%w: write-single takes 1 value, got %d", ErrInvalidValueCount, len(values))
		}
		return build(addr, fc, reg, values[0], nil), nil

	case FuncWriteMultiple:
		if len(values) == 0 || len(values) > MaxWriteValues {
			return Frame{}, fmt.Errorf("%w: write-multiple takes 1..%d values, got %d", ErrInvalidValueCount, MaxWriteValues, len(values))
		}
		return build(addr, fc, reg, uint16(len(values)), values), nil

	default:
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnsupportedFunction, fc)
	}
}

// ReadRequest builds a read of count registers starting at reg.
func ReadRequest(addr, fc uint8, reg, count uint16) (Frame, error) {
	return Encode(addr, fc, reg, []uint16{count})
}

// WriteSingle builds a single-register write.
func WriteSingle(addr uint8, reg, value uint16) (Frame, error) {
	return Encode(addr, FuncWriteSingle, reg, []uint16{value})
}

// NewReadResponse builds a frame shaped like a device's answer to a read:
// the request header followed by the register words. Used by simulated
// devices and tests.
func NewReadResponse(addr, fc uint8, reg uint16, words []uint16) (Frame, error) {
	if fc != FuncReadHolding && fc != FuncReadInput {
		return Frame{}, fmt.Errorf("%w: 0x%02x is not a read", ErrUnsupportedFunction, fc)
	}
	if len(words) == 0 || len(words) > MaxReadValues {
		return Frame{}, fmt.Errorf("%w: read response with %d words", ErrInvalidValueCount, len(words))
	}
	return build(addr, fc, reg, uint16(len(words)), words), nil
}

func build(addr, fc uint8, reg, field uint16, payload []uint16) Frame {
	buf := make([]byte, headerSize+2*len(payload)+checksumSize)
	buf[0] = addr
	buf[1] = fc
	binary.BigEndian.PutUint16(buf[2:4], reg)
	binary.BigEndian.PutUint16(buf[4:6], field)
	for i, w := range payload {
		binary.BigEndian.PutUint16(buf[headerSize+2*i:], w)
	}

	body := len(buf) - checksumSize
	crc := Checksum(buf[:body])
	binary.LittleEndian.PutUint16(buf[body:], crc)

	values := payload
	if len(values) == 0 {
		values = []uint16{field}
	}
	return Frame{
		Address:  addr,
		Function: fc,
		Register: reg,
		Values:   append([]uint16(nil), values...),
		Checksum: crc,
		raw:      buf,
	}
}

// ============================================================================
// Decoding
// ============================================================================

// Decode parses a frame received from a device.
//
// Exception responses ([addr][fc|0x80][code][crc]) are returned as a
// *modbus.ModbusError so callers can use errors.As.
//
// Parameters:
//   - raw: Complete frame bytes including the checksum
//
// Returns:
//   - Frame: Decoded frame
//   - error: ErrTruncatedFrame, ErrChecksumMismatch, ErrInvalidValueCount
//     or *modbus.ModbusError
func Decode(raw []byte) (Frame, error) {
	if len(raw) == exceptionSize && raw[1]&exceptionFlag != 0 {
		if err := verifyChecksum(raw); err != nil {
			return Frame{}, err
		}
		return Frame{}, &modbus.ModbusError{
			FunctionCode:  raw[1],
			ExceptionCode: raw[2],
		}
	}

	if len(raw) < minFrameSize {
		return Frame{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrTruncatedFrame, len(raw), minFrameSize)
	}

	// A frame longer than a bare header carries a payload, and its header
	// word is the register count.
	if len(raw) > minFrameSize {
		count := int(binary.BigEndian.Uint16(raw[4:6]))
		if want := minFrameSize + 2*count; len(raw) < want {
			return Frame{}, fmt.Errorf("%w: header counts %d words, need %d bytes, have %d", ErrTruncatedFrame, count, want, len(raw))
		}
	}

	if err := verifyChecksum(raw); err != nil {
		return Frame{}, err
	}

	body := len(raw) - checksumSize
	want := binary.LittleEndian.Uint16(raw[body:])
	field := binary.BigEndian.Uint16(raw[4:6])
	payload := raw[headerSize:body]

	var values []uint16
	switch {
	case len(payload) == 0:
		values = []uint16{field}
	case len(payload)%2 != 0:
		return Frame{}, fmt.Errorf("%w: odd payload length %d", ErrInvalidValueCount, len(payload))
	case len(payload)/2 != int(field):
		return Frame{}, fmt.Errorf("%w: header count %d, payload carries %d words", ErrInvalidValueCount, field, len(payload)/2)
	default:
		values = make([]uint16, len(payload)/2)
		for i := range values {
			values[i] = binary.BigEndian.Uint16(payload[2*i:])
		}
	}

	buf := make([]byte, len(raw))
	copy(buf, raw)
	return Frame{
		Address:  raw[0],
		Function: raw[1],
		Register: binary.BigEndian.Uint16(raw[2:4]),
		Values:   values,
		Checksum: want,
		raw:      buf,
	}, nil
}

func verifyChecksum(raw []byte) error {
	body := len(raw) - checksumSize
	want := binary.LittleEndian.Uint16(raw[body:])
	if got := Checksum(raw[:body]); got != want {
		return fmt.Errorf("%w: computed 0x%04x, frame carries 0x%04x", ErrChecksumMismatch, got, want)
	}
	return nil
}
