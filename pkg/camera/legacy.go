package camera

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"gocv.io/x/gocv"
)

// LegacyDeviceID is the only device the legacy backend exposes.
const LegacyDeviceID = "0"

// readFailureLimit is the number of consecutive failed reads after which a
// legacy device is reported disconnected.
const readFailureLimit = 30

// LegacyBackend opens the default capture device through OpenCV.
// It cannot enumerate; it always reports a single back-facing device.
type LegacyBackend struct {
	cfg    Config
	logger *slog.Logger
}

// NewLegacyBackend creates the single-device backend.
func NewLegacyBackend(cfg Config, logger *slog.Logger) *LegacyBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &LegacyBackend{cfg: cfg, logger: logger}
}

// Name returns "legacy".
func (b *LegacyBackend) Name() string { return BackendLegacy }

// Enumerate returns the default device.
func (b *LegacyBackend) Enumerate(ctx context.Context) ([]Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []Descriptor{{ID: LegacyDeviceID, Facing: FacingBack}}, nil
}

// Open opens the default device on a goroutine and reports through cb.
func (b *LegacyBackend) Open(ctx context.Context, id string, cb StateCallback) error {
	if id != LegacyDeviceID {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}

	h := &legacyHandle{
		handleBase: newHandleBase(Descriptor{ID: id, Facing: FacingBack}, cb),
		logger:     b.logger,
	}

	go func() {
		webcam, err := gocv.OpenVideoCapture(0)
		if err == nil && !webcam.IsOpened() {
			webcam.Close()
			err = fmt.Errorf("device 0 did not open")
		}
		if err != nil {
			b.logger.Warn("legacy camera open failed", "error", err)
			cb.OnError(h, ErrorCameraDevice)
			return
		}
		if b.cfg.Framerate > 0 {
			webcam.Set(gocv.VideoCaptureFPS, float64(b.cfg.Framerate))
		}

		h.mu.Lock()
		h.webcam = webcam
		h.mu.Unlock()

		b.logger.Info("legacy camera opened", "id", id)
		cb.OnOpened(h)
	}()

	return nil
}

type legacyHandle struct {
	handleBase
	logger *slog.Logger

	mu           sync.Mutex
	webcam       *gocv.VideoCapture
	failures     int
	disconnected bool
}

func (h *legacyHandle) SetFrameSize(width, height int) (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.webcam == nil {
		return width, height
	}
	h.webcam.Set(gocv.VideoCaptureFrameWidth, float64(width))
	h.webcam.Set(gocv.VideoCaptureFrameHeight, float64(height))
	return int(h.webcam.Get(gocv.VideoCaptureFrameWidth)), int(h.webcam.Get(gocv.VideoCaptureFrameHeight))
}

func (h *legacyHandle) ReadFrame(dst *gocv.Mat) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.isClosed() || h.webcam == nil {
		return ErrClosed
	}
	if ok := h.webcam.Read(dst); ok && !dst.Empty() {
		h.failures = 0
		return nil
	}

	h.failures++
	if h.failures >= readFailureLimit && !h.disconnected {
		h.disconnected = true
		h.logger.Warn("legacy camera stopped delivering frames", "failures", h.failures)
		go h.cb.OnDisconnected(h)
	}
	return ErrNoFrame
}

func (h *legacyHandle) Close() {
	h.closeAsync(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.webcam != nil {
			if err := h.webcam.Close(); err != nil {
				h.logger.Warn("legacy camera close failed", "error", err)
			}
			h.webcam = nil
		}
	})
}
