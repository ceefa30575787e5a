package coordinator

import (
	"time"

	"github.com/teslashibe/picturear/pkg/camera"
	"github.com/teslashibe/picturear/pkg/loader"
	"github.com/teslashibe/picturear/pkg/session"
)

// Status is a point-in-time view of the viewfinder for dashboards.
type Status struct {
	State             session.State     `json:"state"`
	Device            camera.Descriptor `json:"device"`
	PermissionGranted bool              `json:"permission_granted"`
	LibraryReady      bool              `json:"library_ready"`
	Library           loader.Result     `json:"library"`
	Overlay           bool              `json:"overlay"`
	References        bool              `json:"references"`
	Bound             bool              `json:"bound"`
	Background        bool              `json:"background"`
	Terminated        bool              `json:"terminated"`
	Cameras           int               `json:"cameras"`
	FrameSize         string            `json:"frame_size,omitempty"`
	FPS               float64           `json:"fps"`
	Opens             int64             `json:"opens"`
	Closes            int64             `json:"closes"`
	Degraded          []string          `json:"degraded,omitempty"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Ready reports whether both readiness flags are set.
func (s Status) Ready() bool {
	return s.PermissionGranted && s.LibraryReady
}
