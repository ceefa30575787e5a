package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/teslashibe/picturear/pkg/video"
)

// remoteFrameTimeout is how long ReadFrame waits for a decoded frame.
const remoteFrameTimeout = 500 * time.Millisecond

// RemoteBackend exposes WebRTC producers from a webrtcsink signalling
// server as cameras. Producer meta "facing" sets the descriptor facing.
type RemoteBackend struct {
	cfg    Config
	logger *slog.Logger
}

// NewRemoteBackend creates a backend for cfg.SignallingURL.
func NewRemoteBackend(cfg Config, logger *slog.Logger) *RemoteBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteBackend{cfg: cfg, logger: logger}
}

// Name returns "remote".
func (b *RemoteBackend) Name() string { return BackendRemote }

// Enumerate lists producers in signalling server order.
func (b *RemoteBackend) Enumerate(ctx context.Context) ([]Descriptor, error) {
	producers, err := video.ListProducers(ctx, b.cfg.SignallingURL)
	if err != nil {
		return nil, err
	}
	out := make([]Descriptor, 0, len(producers))
	for _, p := range producers {
		out = append(out, Descriptor{ID: p.ID, Facing: ParseFacing(p.Meta["facing"]), Label: p.Name()})
	}
	return out, nil
}

// Open connects to the producer on a goroutine.
func (b *RemoteBackend) Open(ctx context.Context, id string, cb StateCallback) error {
	if id == "" {
		return fmt.Errorf("%w: empty producer id", ErrUnknownDevice)
	}

	interval := time.Second / 30
	if b.cfg.Framerate > 0 {
		interval = time.Second / time.Duration(b.cfg.Framerate)
	}

	client := video.NewClient(b.cfg.SignallingURL, id, interval, b.logger)
	h := &remoteHandle{
		handleBase: newHandleBase(Descriptor{ID: id}, cb),
		client:     client,
		size:       b.cfg.Budget(),
	}
	client.OnDisconnected = func() { cb.OnDisconnected(h) }

	go func() {
		// The open outlives the caller's request context.
		openCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		if err := client.Connect(openCtx); err != nil {
			b.logger.Warn("remote camera open failed", "producer", id, "error", err)
			code := ErrorCameraService
			if errors.Is(err, video.ErrProducerNotFound) {
				code = ErrorCameraDisconnected
			}
			cb.OnError(h, code)
			return
		}
		cb.OnOpened(h)
	}()
	return nil
}

type remoteHandle struct {
	handleBase
	client *video.Client

	mu   sync.Mutex
	size Size
	seq  uint64
}

// SetFrameSize scales decoded frames to the requested size; the producer
// resolution itself is fixed.
func (h *remoteHandle) SetFrameSize(width, height int) (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.size = Size{Width: width, Height: height}
	return width, height
}

func (h *remoteHandle) ReadFrame(dst *gocv.Mat) error {
	if h.isClosed() {
		return ErrClosed
	}

	h.mu.Lock()
	after, size := h.seq, h.size
	h.mu.Unlock()

	data, seq, err := h.client.NextFrame(after, remoteFrameTimeout)
	switch {
	case errors.Is(err, video.ErrClosed):
		return ErrClosed
	case err != nil:
		return ErrNoFrame
	}

	h.mu.Lock()
	h.seq = seq
	h.mu.Unlock()

	decoded, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return fmt.Errorf("camera: decode remote frame: %w", err)
	}
	defer decoded.Close()
	if decoded.Empty() {
		return ErrNoFrame
	}

	if size.Width > 0 && (decoded.Cols() != size.Width || decoded.Rows() != size.Height) {
		gocv.Resize(decoded, dst, image.Pt(size.Width, size.Height), 0, 0, gocv.InterpolationLinear)
		return nil
	}
	decoded.CopyTo(dst)
	return nil
}

func (h *remoteHandle) Close() {
	h.closeAsync(h.client.Close)
}
