package registers

import "errors"

// Domain errors for the register map.
var (
	// ErrUnknownField is returned when a field name is not part of a model.
	ErrUnknownField = errors.New("registers: unknown field")

	// ErrNotWritable is returned when a value is converted for a read-only field.
	ErrNotWritable = errors.New("registers: field is read-only")

	// ErrValueNotRepresentable is returned when a value cannot be expressed
	// as a raw 16-bit register word at the field's resolution.
	ErrValueNotRepresentable = errors.New("registers: value not representable")

	// ErrInvalidModel is returned when a model table is malformed.
	ErrInvalidModel = errors.New("registers: invalid model")
)
