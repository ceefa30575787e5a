package camera

import (
	"fmt"
	"log/slog"
	"runtime"
)

// NewBackend creates the camera backend named by cfg.Backend.
// If cfg.Backend is BackendAuto, the best available backend is selected.
func NewBackend(cfg Config, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	backend := cfg.Backend
	if backend == "" || backend == BackendAuto {
		backend = detectBestBackend()
	}

	logger.Info("creating camera backend",
		"backend", backend,
		"width", cfg.Width,
		"height", cfg.Height,
		"framerate", cfg.Framerate,
	)

	switch backend {
	case BackendMock:
		return NewMockBackend(logger, WithDevices(
			Descriptor{ID: "0", Facing: FacingBack},
			Descriptor{ID: "1", Facing: FacingFront},
		)), nil
	case BackendLegacy:
		return NewLegacyBackend(cfg, logger), nil
	case BackendV4L2:
		return newV4L2Backend(cfg, logger)
	case BackendRemote:
		if cfg.SignallingURL == "" {
			return nil, fmt.Errorf("camera: remote backend needs a signalling URL")
		}
		return NewRemoteBackend(cfg, logger), nil
	default:
		return nil, fmt.Errorf("camera: unsupported backend: %s", backend)
	}
}

// detectBestBackend returns the best available backend for the current platform.
func detectBestBackend() string {
	switch runtime.GOOS {
	case "linux":
		return BackendV4L2
	default:
		return BackendLegacy
	}
}

// AvailableBackends returns the backend names accepted by NewBackend.
func AvailableBackends() []string {
	backends := []string{BackendAuto, BackendMock, BackendLegacy, BackendRemote}
	if runtime.GOOS == "linux" {
		backends = append(backends, BackendV4L2)
	}
	return backends
}
