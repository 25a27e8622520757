package orchestrator

// State is the connection lifecycle state.
type State int32

const (
	// StateDisconnected means no connection and no attempt in progress.
	StateDisconnected State = iota

	// StateEndpointResolving covers session acquisition and endpoint discovery.
	StateEndpointResolving

	// StateConnecting means the transport is being dialled.
	StateConnecting

	// StateHandshaking means the session token is being presented.
	StateHandshaking

	// StateSubscribing covers topic subscriptions and traffic verification.
	StateSubscribing

	// StateConnected means traffic has been verified and commands may be sent.
	StateConnected

	// StateReconnecting means the last attempt failed and a backoff delay
	// is running.
	StateReconnecting
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateEndpointResolving:
		return "endpoint_resolving"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateSubscribing:
		return "subscribing"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateChangeFunc observes state transitions. It runs on the orchestrator's
// goroutine and must not block.
type StateChangeFunc func(from, to State)
