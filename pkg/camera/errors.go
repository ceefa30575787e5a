package camera

import (
	"errors"
	"fmt"
)

// Sentinel errors for camera operations.
var (
	// ErrEnumerationFailed is returned when the camera subsystem cannot list devices.
	ErrEnumerationFailed = errors.New("camera: enumeration failed")

	// ErrUnknownDevice is returned when opening an ID the backend does not know.
	ErrUnknownDevice = errors.New("camera: unknown device")

	// ErrNoFrame is returned by ReadFrame when no frame arrived in time.
	ErrNoFrame = errors.New("camera: no frame available")

	// ErrClosed is returned when using a closed handle.
	ErrClosed = errors.New("camera: handle closed")

	// ErrBackendUnavailable is returned when a backend is not built for this platform.
	ErrBackendUnavailable = errors.New("camera: backend unavailable")
)

// DeviceError describes a failure reported by the platform for a device.
type DeviceError struct {
	ID   string
	Code int
	Err  error
}

func (e *DeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("camera %s: %s: %v", e.ID, ErrorCodeString(e.Code), e.Err)
	}
	return fmt.Sprintf("camera %s: %s", e.ID, ErrorCodeString(e.Code))
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}
