package controller

import (
	"errors"

	"github.com/iamslan/fossibot/internal/audit"
	"github.com/iamslan/fossibot/internal/dispatcher"
	"github.com/iamslan/fossibot/internal/registers"
	"github.com/iamslan/fossibot/internal/safety"
)

// Domain-specific errors for controller operations.
var (
	// ErrUnknownDevice is returned when a write targets a device that is
	// not part of the current session.
	ErrUnknownDevice = errors.New("controller: unknown device")

	// ErrMissingDependency is returned by New when a required collaborator
	// is nil.
	ErrMissingDependency = errors.New("controller: missing dependency")
)

// IsRejection reports whether err means the write was refused before a
// frame was built.
func IsRejection(err error) bool {
	return errors.Is(err, ErrUnknownDevice) ||
		errors.Is(err, registers.ErrUnknownField) ||
		errors.Is(err, registers.ErrNotWritable) ||
		errors.Is(err, registers.ErrValueNotRepresentable) ||
		errors.Is(err, safety.ErrUnknownRegister) ||
		errors.Is(err, safety.ErrValueNotInDomain) ||
		errors.Is(err, safety.ErrValueOutOfRange) ||
		errors.Is(err, dispatcher.ErrInvalidWrite)
}

// OutcomeOf classifies a Write error for the audit log.
func OutcomeOf(err error) audit.Outcome {
	switch {
	case err == nil:
		return audit.OutcomeAcknowledged
	case IsRejection(err):
		return audit.OutcomeRejected
	case errors.Is(err, dispatcher.ErrWriteTimedOut):
		return audit.OutcomeTimedOut
	case errors.Is(err, dispatcher.ErrSuperseded):
		return audit.OutcomeSuperseded
	case errors.Is(err, dispatcher.ErrUnavailable):
		return audit.OutcomeUnavailable
	case errors.Is(err, dispatcher.ErrCancelled):
		return audit.OutcomeCancelled
	default:
		return audit.OutcomeFailed
	}
}
