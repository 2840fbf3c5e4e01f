package capture

import "errors"

var (
	// ErrHardwareAcquisition reports that the audio source could not be
	// opened or failed mid-read. It aborts the current chunk only.
	ErrHardwareAcquisition = errors.New("capture: audio source unavailable")

	// ErrPermissionRevoked reports that recording permission is gone. It
	// ends the session.
	ErrPermissionRevoked = errors.New("capture: recording permission revoked")

	// ErrIO reports a temp-file failure. It aborts the current chunk only.
	ErrIO = errors.New("capture: chunk file i/o failure")
)
