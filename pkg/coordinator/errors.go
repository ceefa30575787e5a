package coordinator

import (
	"errors"

	"github.com/teslashibe/picturear/pkg/camera"
	"github.com/teslashibe/picturear/pkg/loader"
	"github.com/teslashibe/picturear/pkg/permission"
	"github.com/teslashibe/picturear/pkg/refimage"
	"github.com/teslashibe/picturear/pkg/session"
)

// Failure kinds reported by the coordinator. Only ErrPermissionDenied is
// terminal; the rest degrade the viewfinder.
var (
	ErrPermissionDenied   = permission.ErrDenied
	ErrLibraryUnavailable = loader.ErrUnavailable
	ErrEnumerationFailed  = camera.ErrEnumerationFailed
	ErrDeviceOpenFailed   = session.ErrOpenFailed
	ErrDeviceError        = session.ErrDeviceError
	ErrResourceLoadFailed = refimage.ErrLoadFailed
)

var (
	// ErrNotReady is returned for camera requests before permission and
	// library readiness are established.
	ErrNotReady = session.ErrNotReady

	// ErrNoCameras is reported when enumeration finds nothing.
	ErrNoCameras = errors.New("coordinator: no cameras available")

	// ErrTerminated is returned for requests after shutdown.
	ErrTerminated = errors.New("coordinator: terminated")

	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("coordinator: already running")
)
