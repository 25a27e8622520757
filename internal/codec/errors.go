package codec

import "errors"

// Domain errors for the frame codec.
var (
	// ErrTruncatedFrame is returned when a buffer is shorter than the
	// smallest valid frame or its header counts more words than the
	// payload holds.
	ErrTruncatedFrame = errors.New("codec: truncated frame")

	// ErrChecksumMismatch is returned when the trailing CRC16 does not
	// match the frame contents.
	ErrChecksumMismatch = errors.New("codec: checksum mismatch")

	// ErrInvalidValueCount is returned when the number of values does not
	// fit the function code, or a payload disagrees with its count field.
	ErrInvalidValueCount = errors.New("codec: invalid value count")

	// ErrUnsupportedFunction is returned for function codes the devices
	// do not speak.
	ErrUnsupportedFunction = errors.New("codec: unsupported function code")
)
