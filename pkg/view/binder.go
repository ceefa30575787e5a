// Package view attaches an open camera handle to a preview surface and
// drives the frame loop between them.
package view

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/teslashibe/picturear/pkg/camera"
	"github.com/teslashibe/picturear/pkg/debug"
	"github.com/teslashibe/picturear/pkg/session"
)

var (
	// ErrNotOpen is returned by Bind for a handle whose session is not Open.
	ErrNotOpen = errors.New("view: session not open")

	// ErrBound is returned by Bind while another handle is attached.
	ErrBound = errors.New("view: already bound")
)

// FrameHandler processes a frame in place. *pipeline.Pipeline implements it.
type FrameHandler interface {
	OnFrame(frame *gocv.Mat) *gocv.Mat
}

// Binder implements session.Binder. While bound, one goroutine reads frames
// from the handle, runs them through the handler and renders the result.
type Binder struct {
	handler FrameHandler
	surface Surface
	logger  *slog.Logger
	fps     *FPSMeter

	mu      sync.Mutex
	budget  camera.Size
	actual  camera.Size
	resize  bool
	handle  camera.Handle
	stop    chan struct{}
	done    chan struct{}
	binds   int
	unbinds int
}

// NewBinder creates a binder delivering frames to surface. A nil surface
// discards frames.
func NewBinder(handler FrameHandler, surface Surface, logger *slog.Logger) *Binder {
	if logger == nil {
		logger = slog.Default()
	}
	if surface == nil {
		surface = NopSurface{}
	}
	return &Binder{
		handler: handler,
		surface: surface,
		logger:  logger.With("component", "view"),
		fps:     NewFPSMeter(time.Second),
	}
}

// SetFrameBudget sets the maximum frame size. It applies on the next bind
// and, when bound, before the next frame is read. The camera may deliver a
// different size; that is accepted.
func (b *Binder) SetFrameBudget(width, height int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.budget = camera.Size{Width: width, Height: height}
	b.resize = b.handle != nil
}

// FrameSize returns the size negotiated with the current handle.
func (b *Binder) FrameSize() camera.Size {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.actual
}

// FPS returns the measured delivery rate.
func (b *Binder) FPS() float64 {
	return b.fps.Rate()
}

// Bound reports whether a handle is attached.
func (b *Binder) Bound() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handle != nil
}

// Counts returns how many times Bind and Unbind took effect.
func (b *Binder) Counts() (binds, unbinds int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.binds, b.unbinds
}

// Bind attaches h and starts frame delivery. state is consulted before
// every frame; frames are only delivered while it reports Open.
func (b *Binder) Bind(h camera.Handle, state func() session.State) error {
	if state() != session.Open {
		return ErrNotOpen
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handle != nil {
		return ErrBound
	}

	b.handle = h
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	b.resize = b.budget.Area() > 0
	b.binds++
	b.fps.Reset()

	b.logger.Info("view bound", "device", h.ID(), "budget", b.budget.String())
	go b.deliver(h, state, b.stop, b.done)
	return nil
}

// Unbind stops delivery and returns once no frame is in flight.
func (b *Binder) Unbind() {
	b.mu.Lock()
	if b.handle == nil {
		b.mu.Unlock()
		return
	}
	id := b.handle.ID()
	stop, done := b.stop, b.done
	b.handle = nil
	b.unbinds++
	close(stop)
	b.mu.Unlock()

	<-done
	b.logger.Info("view unbound", "device", id)
}

// applyBudget negotiates the frame size if the budget changed.
func (b *Binder) applyBudget(h camera.Handle) {
	b.mu.Lock()
	if !b.resize {
		b.mu.Unlock()
		return
	}
	want := b.budget
	b.resize = false
	b.mu.Unlock()

	w, ht := h.SetFrameSize(want.Width, want.Height)
	got := camera.Size{Width: w, Height: ht}

	b.mu.Lock()
	b.actual = got
	b.mu.Unlock()
	if got != want {
		b.logger.Debug("frame size differs from budget", "want", want.String(), "got", got.String())
	}
}

func (b *Binder) deliver(h camera.Handle, state func() session.State, stop, done chan struct{}) {
	defer close(done)

	frame := gocv.NewMat()
	defer frame.Close()

	for {
		select {
		case <-stop:
			return
		default:
		}

		b.applyBudget(h)

		err := h.ReadFrame(&frame)
		switch {
		case errors.Is(err, camera.ErrNoFrame):
			continue
		case errors.Is(err, camera.ErrClosed):
			return
		case err != nil:
			b.logger.Warn("frame read failed", "device", h.ID(), "error", err)
			return
		}

		select {
		case <-stop:
			return
		default:
		}
		if state() != session.Open {
			continue
		}

		out := b.handler.OnFrame(&frame)
		if out != nil && !out.Empty() {
			b.surface.Render(*out)
		}
		b.fps.Tick()
		debug.FrameLog("frame delivered", "device", h.ID(), "cols", frame.Cols(), "rows", frame.Rows())
	}
}
