package cloud

import (
	"errors"
	"fmt"

	"github.com/iamslan/fossibot/internal/orchestrator"
)

var (
	// ErrCredentialsRejected is returned when the login call yields no
	// account token. It wraps orchestrator.ErrCredentialsRejected so the
	// orchestrator stops instead of retrying.
	ErrCredentialsRejected = fmt.Errorf("cloud: %w", orchestrator.ErrCredentialsRejected)

	// ErrRequestFailed is returned when the API answers with a non-200
	// status or cannot be reached.
	ErrRequestFailed = errors.New("cloud: request failed")

	// ErrNoData is returned when a response carries no data object.
	ErrNoData = errors.New("cloud: response carries no data")

	// ErrNoBrokerToken is returned when the broker token call yields no token.
	ErrNoBrokerToken = errors.New("cloud: no broker token in response")

	// ErrNoDevices is returned when the account has no usable devices.
	ErrNoDevices = errors.New("cloud: no devices on account")

	// ErrNoEndpoint is returned by ResolveStreamEndpoint when the API does
	// not advertise a broker host.
	ErrNoEndpoint = errors.New("cloud: no broker endpoint advertised")

	// ErrNotAuthenticated is returned when a call needs a session that has
	// not been established.
	ErrNotAuthenticated = errors.New("cloud: not authenticated")

	// ErrInvalidConfig is returned by NewProvider for an unusable configuration.
	ErrInvalidConfig = errors.New("cloud: invalid configuration")
)
