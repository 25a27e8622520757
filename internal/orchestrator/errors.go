package orchestrator

import "errors"

// Connection errors. Each failed attempt ends with one of these, wrapped
// around the underlying cause.
var (
	// ErrNetworkUnavailable is returned when the stream endpoint cannot be
	// reached or the link drops.
	ErrNetworkUnavailable = errors.New("orchestrator: network unavailable")

	// ErrAuthRejected is returned by a Stream when the broker refuses the
	// session token. The session is discarded and the next attempt
	// re-authenticates.
	ErrAuthRejected = errors.New("orchestrator: stream rejected session token")

	// ErrCredentialsRejected is returned by an AuthProvider when the account
	// credentials are refused. It stops the orchestrator.
	ErrCredentialsRejected = errors.New("orchestrator: credentials rejected")

	// ErrHandshakeFailed is returned when the stream handshake fails for a
	// reason other than token rejection.
	ErrHandshakeFailed = errors.New("orchestrator: handshake failed")

	// ErrSubscriptionFailed is returned when a topic subscription fails.
	ErrSubscriptionFailed = errors.New("orchestrator: subscription failed")

	// ErrHeartbeatMissed is returned when no traffic arrives within the
	// grace window after subscribing, or within the heartbeat timeout
	// while connected.
	ErrHeartbeatMissed = errors.New("orchestrator: no traffic within heartbeat window")

	// ErrUnavailable is returned by Send when no verified connection exists.
	ErrUnavailable = errors.New("orchestrator: connection unavailable")

	// ErrAlreadyStarted is returned by Start on a running orchestrator.
	ErrAlreadyStarted = errors.New("orchestrator: already started")
)
