package dispatcher

import "errors"

// Write outcomes. Use errors.Is to test the error returned by Submit.
var (
	// ErrWriteTimedOut is returned when the device did not acknowledge the
	// write in time. The write is not retried.
	ErrWriteTimedOut = errors.New("dispatcher: no device acknowledgement")

	// ErrCancelled is returned when the dispatcher stops, or the caller's
	// context ends, before the write resolves.
	ErrCancelled = errors.New("dispatcher: write cancelled")

	// ErrSuperseded is returned for a queued write replaced by a newer write
	// to the same device.
	ErrSuperseded = errors.New("dispatcher: write superseded by a newer write")

	// ErrUnavailable is returned when the frame could not be sent.
	ErrUnavailable = errors.New("dispatcher: stream unavailable")

	// ErrInvalidWrite is returned for a PendingWrite without a device or
	// without a write frame.
	ErrInvalidWrite = errors.New("dispatcher: invalid write")
)
