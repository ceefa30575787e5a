package view

import (
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"gocv.io/x/gocv"

	"github.com/teslashibe/picturear/pkg/hub"
)

// Surface displays frames. Render is called from the delivery goroutine
// and must not keep frame after it returns.
type Surface interface {
	Render(frame gocv.Mat)
}

// NopSurface discards frames.
type NopSurface struct{}

func (NopSurface) Render(gocv.Mat) {}

// MultiSurface renders to several surfaces in order.
type MultiSurface []Surface

func (m MultiSurface) Render(frame gocv.Mat) {
	for _, s := range m {
		s.Render(frame)
	}
}

// Broadcaster is the part of a hub the web surface uses.
type Broadcaster interface {
	BroadcastBinary(data []byte) bool
	ClientCount() int
}

var _ Broadcaster = (*hub.Hub)(nil)

// WebSurface encodes frames as JPEG and broadcasts them to preview clients.
type WebSurface struct {
	hub     Broadcaster
	quality int
	logger  *slog.Logger

	sent    atomic.Uint64
	skipped atomic.Uint64
}

// NewWebSurface creates a web surface. quality is the JPEG quality, 1-100.
func NewWebSurface(b Broadcaster, quality int, logger *slog.Logger) *WebSurface {
	if logger == nil {
		logger = slog.Default()
	}
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	return &WebSurface{hub: b, quality: quality, logger: logger.With("component", "web-surface")}
}

// Render encodes and broadcasts frame when anyone is watching.
func (w *WebSurface) Render(frame gocv.Mat) {
	if w.hub.ClientCount() == 0 {
		return
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, frame, []int{gocv.IMWriteJpegQuality, w.quality})
	if err != nil {
		w.logger.Warn("jpeg encode failed", "error", err)
		return
	}
	data := buf.GetBytes()
	buf.Close()

	if w.hub.BroadcastBinary(data) {
		w.sent.Add(1)
	} else {
		w.skipped.Add(1)
	}
}

// Stats returns frames broadcast and frames dropped by a busy hub.
func (w *WebSurface) Stats() (sent, skipped uint64) {
	return w.sent.Load(), w.skipped.Load()
}

// WindowSurface shows frames in a native window. The window lives on its
// own locked OS thread; Render only hands over the newest frame.
type WindowSurface struct {
	title string

	mu      sync.Mutex
	latest  gocv.Mat
	pending bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// NewWindowSurface opens a window titled title.
func NewWindowSurface(title string) *WindowSurface {
	w := &WindowSurface{
		title:  title,
		latest: gocv.NewMat(),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

// Render copies frame for the window thread.
func (w *WindowSurface) Render(frame gocv.Mat) {
	w.mu.Lock()
	frame.CopyTo(&w.latest)
	w.pending = true
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *WindowSurface) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)

	win := gocv.NewWindow(w.title)
	defer win.Close()

	shown := gocv.NewMat()
	defer shown.Close()

	for {
		select {
		case <-w.quit:
			return
		case <-w.wake:
		}

		w.mu.Lock()
		if w.pending {
			w.latest.CopyTo(&shown)
			w.pending = false
		}
		w.mu.Unlock()

		if !shown.Empty() {
			win.IMShow(shown)
		}
		win.WaitKey(1)
	}
}

// Close closes the window.
func (w *WindowSurface) Close() {
	w.once.Do(func() {
		close(w.quit)
		<-w.done
		w.mu.Lock()
		w.latest.Close()
		w.mu.Unlock()
	})
}
