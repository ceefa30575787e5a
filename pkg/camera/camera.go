package camera

import (
	"context"
	"fmt"
	"strings"

	"gocv.io/x/gocv"
)

// Facing is the direction a camera points relative to the display.
type Facing int

const (
	FacingUnknown Facing = iota
	FacingFront
	FacingBack
)

// String returns "Front", "Back" or "Unknown".
func (f Facing) String() string {
	switch f {
	case FacingFront:
		return "Front"
	case FacingBack:
		return "Back"
	default:
		return "Unknown"
	}
}

// MarshalText encodes the facing as its name.
func (f Facing) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText accepts any name ParseFacing understands.
func (f *Facing) UnmarshalText(text []byte) error {
	*f = ParseFacing(string(text))
	return nil
}

// ParseFacing maps backend metadata ("front", "user", "back", "environment", ...)
// onto a Facing. Unrecognised values yield FacingUnknown.
func ParseFacing(s string) Facing {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "front", "user", "selfie":
		return FacingFront
	case "back", "rear", "environment", "world":
		return FacingBack
	default:
		return FacingUnknown
	}
}

// Descriptor identifies an available camera at enumeration time.
// Descriptors are re-derived on each enumeration and never cached.
type Descriptor struct {
	ID     string `json:"id"`
	Facing Facing `json:"facing"`
	Label  string `json:"label"`
}

// DisplayName is the picker label shown to users.
func (d Descriptor) DisplayName(index int) string {
	return fmt.Sprintf("camera index: %d (%s)", index, d.Facing)
}

// Size is a frame size in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Area returns Width*Height.
func (s Size) Area() int { return s.Width * s.Height }

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.Width, s.Height) }

// Error codes reported through StateCallback.OnError.
const (
	ErrorCameraInUse        = 1
	ErrorMaxCamerasInUse    = 2
	ErrorCameraDisabled     = 3
	ErrorCameraDevice       = 4
	ErrorCameraService      = 5
	ErrorCameraDisconnected = 6
)

// ErrorCodeString names an OnError code.
func ErrorCodeString(code int) string {
	switch code {
	case ErrorCameraInUse:
		return "camera in use"
	case ErrorMaxCamerasInUse:
		return "max cameras in use"
	case ErrorCameraDisabled:
		return "camera disabled"
	case ErrorCameraDevice:
		return "camera device error"
	case ErrorCameraService:
		return "camera service error"
	case ErrorCameraDisconnected:
		return "camera disconnected"
	default:
		return fmt.Sprintf("error %d", code)
	}
}

// Backend is a camera subsystem capable of enumerating and opening devices.
//
// Open returns only synchronous submission errors; the outcome of an
// accepted open is reported later on cb, from a backend goroutine.
type Backend interface {
	// Name returns the backend identifier (e.g. "v4l2").
	Name() string

	// Enumerate lists the devices the backend can currently open.
	Enumerate(ctx context.Context) ([]Descriptor, error)

	// Open begins opening the device with the given ID.
	Open(ctx context.Context, id string, cb StateCallback) error
}

// StateCallback receives asynchronous device lifecycle notifications.
// Implementations must not block.
type StateCallback interface {
	OnOpened(h Handle)
	OnClosed(id string)
	OnDisconnected(h Handle)
	OnError(h Handle, code int)
}

// Handle is an open device.
type Handle interface {
	// ID returns the device ID this handle was opened for.
	ID() string

	// Descriptor returns the device descriptor.
	Descriptor() Descriptor

	// SetFrameSize requests a capture size and returns the size in effect,
	// which may differ from the request.
	SetFrameSize(width, height int) (int, int)

	// ReadFrame blocks for the next frame. It returns ErrNoFrame when no
	// frame arrived in time and ErrClosed once the handle is closed.
	ReadFrame(dst *gocv.Mat) error

	// Close releases the device asynchronously; OnClosed fires exactly once.
	Close()
}

// NearestSize picks the supported size closest in area to want, preferring
// sizes that fit within it.
func NearestSize(supported []Size, want Size) Size {
	if len(supported) == 0 {
		return want
	}
	best := supported[0]
	bestScore := sizeScore(best, want)
	for _, s := range supported[1:] {
		if score := sizeScore(s, want); score < bestScore {
			best, bestScore = s, score
		}
	}
	return best
}

func sizeScore(s, want Size) int {
	d := s.Area() - want.Area()
	if d < 0 {
		d = -d
	}
	if s.Width > want.Width || s.Height > want.Height {
		// oversize modes lose to any mode that fits
		d += want.Area() + 1
	}
	return d
}
