// Package api implements the HTTP REST API and WebSocket server for the
// Fossibot controller.
//
// This package provides:
//   - REST endpoints for devices, their live state and the register map
//   - A write endpoint that routes field changes through the controller
//   - The command audit log
//   - WebSocket hub broadcasting state and connection changes
//   - Prometheus exposition when metrics are enabled
//   - Middleware stack (request ID, logging, recovery, CORS)
//
// # Architecture
//
// The server is a thin outer surface. Reads come from the state store and
// the orchestrator. Writes call Controller.Write, which validates, sends and
// waits for the device's acknowledgement before the HTTP response is
// written. State changes reach WebSocket clients through a store
// subscription.
//
// # Error mapping
//
//	rejected before sending    422 (404 for an unknown device or field)
//	no acknowledgement         504
//	stream unavailable         503
//	replaced by a newer write  409
//
// # Security
//
// There is no authentication. Bind the listener to a trusted interface.
package api
