// Package camera defines camera descriptors, the backend capability used to
// enumerate and open capture devices, and runtime-configurable capture settings.
package camera

import (
	"fmt"
	"slices"
)

// Backend names
const (
	BackendAuto   = "auto"   // pick the best backend for the platform
	BackendLegacy = "legacy" // single default device via OpenCV VideoCapture
	BackendV4L2   = "v4l2"   // enumerable devices via pion/mediadevices
	BackendRemote = "remote" // WebRTC producers behind a signalling server
	BackendMock   = "mock"   // synthetic devices for tests
)

// Config holds capture configuration.
// Width/Height form the frame budget handed to the view binder; backends
// choose the nearest supported size.
type Config struct {
	// Backend selects the camera subsystem.
	Backend string `json:"backend" yaml:"backend" toml:"backend"`

	// Device is the preferred camera ID. Empty means first enumerated.
	Device string `json:"device" yaml:"device" toml:"device"`

	// === Frame budget ===
	Width     int `json:"width" yaml:"width" toml:"width"`
	Height    int `json:"height" yaml:"height" toml:"height"`
	Framerate int `json:"framerate" yaml:"framerate" toml:"framerate"`

	// Quality is the JPEG quality used by the preview stream (1-100).
	Quality int `json:"quality" yaml:"quality" toml:"quality"`

	// SignallingURL is the webrtcsink signalling server for the remote backend.
	SignallingURL string `json:"signalling_url" yaml:"signalling_url" toml:"signalling_url"`

	// DeviceDir is watched for hot-plugged video nodes.
	DeviceDir string `json:"device_dir" yaml:"device_dir" toml:"device_dir"`
}

const (
	MaxWidth  = 4096
	MaxHeight = 2160
)

// DefaultConfig returns the viewfinder configuration.
// 640x480 keeps per-frame overlay work bounded on small hosts.
func DefaultConfig() Config {
	return Config{
		Backend:   BackendAuto,
		Width:     640,
		Height:    480,
		Framerate: 30,
		Quality:   80,
		DeviceDir: "/dev",
	}
}

// Validate checks if the config values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (c *Config) Validate() []string {
	var errs []string

	if !slices.Contains(AvailableBackends(), c.Backend) {
		errs = append(errs, fmt.Sprintf("backend must be one of %v", AvailableBackends()))
	}
	if c.Width < 160 || c.Width > MaxWidth {
		errs = append(errs, fmt.Sprintf("width must be between 160 and %d", MaxWidth))
	}
	if c.Height < 120 || c.Height > MaxHeight {
		errs = append(errs, fmt.Sprintf("height must be between 120 and %d", MaxHeight))
	}
	if c.Framerate < 1 || c.Framerate > 120 {
		errs = append(errs, "framerate must be between 1 and 120")
	}
	if c.Quality < 1 || c.Quality > 100 {
		errs = append(errs, "quality must be between 1 and 100")
	}
	if c.Backend == BackendRemote && c.SignallingURL == "" {
		errs = append(errs, "signalling_url is required for the remote backend")
	}

	return errs
}

// Budget returns the configured frame budget.
func (c Config) Budget() Size {
	return Size{Width: c.Width, Height: c.Height}
}
