// Package dispatcher schedules polls and serialises writes per device.
//
// A single owner goroutine holds every pending write. Callers, the poll
// ticker, acknowledgements and timeouts all reach it as events on one
// channel, so no queue state is shared between goroutines.
//
// # Write serialisation
//
// Each device has one in-flight slot and one queued slot. A write submitted
// while another is in flight waits in the queued slot. A newer write for the
// same device replaces the queued one, which resolves with ErrSuperseded.
// The in-flight write is never replaced and never retried:
//
//	submit A  -> A in flight
//	submit B  -> B queued
//	submit C  -> C queued, B resolves ErrSuperseded
//	ack A     -> A resolves, C in flight
//
// A write resolves when the device echoes the register it targeted
// (Ack), when no echo arrives within the acknowledgement timeout
// (ErrWriteTimedOut), when the frame could not be sent (ErrUnavailable), or
// when the dispatcher stops (ErrCancelled).
//
// # Polling
//
// Every poll interval, and once at start, a read request is sent to every
// device of the current session. Poll sends run off the owner goroutine and
// never delay writes.
package dispatcher
