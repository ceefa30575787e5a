//go:build linux

package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	driverutils "github.com/pion/mediadevices/pkg/driver"
	mediadevicescamera "github.com/pion/mediadevices/pkg/driver/camera"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"gocv.io/x/gocv"
)

// V4L2Backend enumerates and opens video4linux devices through mediadevices.
type V4L2Backend struct {
	cfg    Config
	logger *slog.Logger

	initOnce sync.Once
}

func newV4L2Backend(cfg Config, logger *slog.Logger) (Backend, error) {
	return &V4L2Backend{cfg: cfg, logger: logger}, nil
}

// Name returns "v4l2".
func (b *V4L2Backend) Name() string { return BackendV4L2 }

func (b *V4L2Backend) drivers() []driverutils.Driver {
	b.initOnce.Do(mediadevicescamera.Initialize)
	return driverutils.GetManager().Query(driverutils.FilterVideoRecorder())
}

// Enumerate lists video recorders in driver manager order.
func (b *V4L2Backend) Enumerate(ctx context.Context) ([]Descriptor, error) {
	var out []Descriptor
	for _, d := range b.drivers() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info := d.Info()
		out = append(out, Descriptor{
			ID:     driverID(info),
			Facing: facingFromName(info.Name + " " + info.Label),
		})
	}
	return out, nil
}

// Open starts the driver for id on a goroutine.
func (b *V4L2Backend) Open(ctx context.Context, id string, cb StateCallback) error {
	var found driverutils.Driver
	for _, d := range b.drivers() {
		if driverID(d.Info()) == id {
			found = d
			break
		}
	}
	if found == nil {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}

	info := found.Info()
	h := &v4l2Handle{
		handleBase: newHandleBase(Descriptor{ID: id, Facing: facingFromName(info.Name + " " + info.Label)}, cb),
		driver:     found,
		logger:     b.logger.With("device", id),
	}

	go func() {
		if found.Status() == driverutils.StateRunning {
			cb.OnError(h, ErrorCameraInUse)
			return
		}
		if err := h.start(b.cfg.Budget()); err != nil {
			h.logger.Warn("v4l2 open failed", "error", err)
			cb.OnError(h, ErrorCameraDevice)
			return
		}
		h.logger.Info("v4l2 camera opened", "size", h.current.String())
		cb.OnOpened(h)
	}()
	return nil
}

type v4l2Handle struct {
	handleBase
	driver driverutils.Driver
	logger *slog.Logger

	mu           sync.Mutex
	reader       video.Reader
	current      Size
	opened       bool
	failures     int
	disconnected bool
}

// start opens the driver and begins recording at the mode nearest want.
func (h *v4l2Handle) start(want Size) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.opened {
		if err := h.driver.Open(); err != nil {
			return err
		}
		h.opened = true
	}
	return h.recordLocked(want)
}

func (h *v4l2Handle) recordLocked(want Size) error {
	recorder, ok := h.driver.(driverutils.VideoRecorder)
	if !ok {
		return fmt.Errorf("driver %s is not a video recorder", h.desc.ID)
	}

	media := pickMedia(h.driver.Properties(), want)
	reader, err := recorder.VideoRecord(media)
	if err != nil {
		return err
	}
	h.reader = reader
	h.current = Size{Width: media.Video.Width, Height: media.Video.Height}
	return nil
}

func (h *v4l2Handle) SetFrameSize(width, height int) (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	want := Size{Width: width, Height: height}
	if !h.opened || h.isClosed() {
		return width, height
	}
	next := Size{}
	if media := pickMedia(h.driver.Properties(), want); media.Video.Width > 0 {
		next = Size{Width: media.Video.Width, Height: media.Video.Height}
	}
	if next == h.current {
		return h.current.Width, h.current.Height
	}

	// mediadevices cannot renegotiate a running stream; restart the driver.
	if err := h.driver.Close(); err != nil {
		h.logger.Warn("v4l2 restart close failed", "error", err)
	}
	if err := h.driver.Open(); err != nil {
		h.logger.Warn("v4l2 restart open failed", "error", err)
		h.opened = false
		return h.current.Width, h.current.Height
	}
	if err := h.recordLocked(want); err != nil {
		h.logger.Warn("v4l2 restart record failed", "error", err)
	}
	return h.current.Width, h.current.Height
}

func (h *v4l2Handle) ReadFrame(dst *gocv.Mat) error {
	h.mu.Lock()
	reader := h.reader
	h.mu.Unlock()

	if h.isClosed() || reader == nil {
		return ErrClosed
	}

	img, release, err := reader.Read()
	if release != nil {
		defer release()
	}
	if err != nil {
		if h.isClosed() {
			return ErrClosed
		}
		h.readFailed(err)
		return ErrNoFrame
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return fmt.Errorf("camera: convert frame: %w", err)
	}
	defer mat.Close()
	mat.CopyTo(dst)

	h.mu.Lock()
	h.failures = 0
	h.mu.Unlock()
	return nil
}

func (h *v4l2Handle) readFailed(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.failures++
	if (errors.Is(err, io.EOF) || h.failures >= readFailureLimit) && !h.disconnected {
		h.disconnected = true
		h.logger.Warn("v4l2 camera stopped delivering frames", "error", err, "failures", h.failures)
		go h.cb.OnDisconnected(h)
	}
}

func (h *v4l2Handle) Close() {
	h.closeAsync(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.opened {
			if err := h.driver.Close(); err != nil {
				h.logger.Warn("v4l2 close failed", "error", err)
			}
			h.opened = false
		}
		h.reader = nil
	})
}

// driverID returns the device node name (e.g. "video0") from a driver label.
func driverID(info driverutils.Info) string {
	labels := strings.Split(info.Label, mediadevicescamera.LabelSeparator)
	if len(labels) == 0 || labels[0] == "" {
		return info.Label
	}
	return filepath.Base(labels[0])
}

// pickMedia chooses the supported mode nearest to want, preferring the
// highest frame rate among equal sizes.
func pickMedia(props []prop.Media, want Size) prop.Media {
	if len(props) == 0 {
		return prop.Media{Video: prop.Video{Width: want.Width, Height: want.Height}}
	}

	sizes := make([]Size, 0, len(props))
	for _, p := range props {
		sizes = append(sizes, Size{Width: p.Video.Width, Height: p.Video.Height})
	}
	best := NearestSize(sizes, want)

	var chosen prop.Media
	for _, p := range props {
		if p.Video.Width == best.Width && p.Video.Height == best.Height &&
			(chosen.Video.Width == 0 || p.Video.FrameRate > chosen.Video.FrameRate) {
			chosen = p
		}
	}
	return chosen
}

func facingFromName(name string) Facing {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "front"), strings.Contains(n, "user"), strings.Contains(n, "facetime"):
		return FacingFront
	case strings.Contains(n, "back"), strings.Contains(n, "rear"), strings.Contains(n, "world"):
		return FacingBack
	default:
		return FacingUnknown
	}
}
