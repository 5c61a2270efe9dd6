package capture

import "errors"

// Error taxonomy. Concrete errors wrap one of these, test with errors.Is.
var (
	// ErrDeviceUnavailable: no input device could be opened at Start. Retry after
	// reconnecting hardware.
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrDeviceStream: the device failed mid-capture. The loop stops and whatever was
	// captured is still finalized; reported as Result.Interrupted.
	ErrDeviceStream = errors.New("device stream error")

	// ErrIO: the WAV file could not be written. The session enters Failed.
	ErrIO = errors.New("i/o error")

	// ErrIllegalState: Start while recording, Stop while idle, or a result query
	// before one exists.
	ErrIllegalState = errors.New("illegal state")
)
