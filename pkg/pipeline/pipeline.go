// Package pipeline runs the overlay routine on every delivered frame.
package pipeline

import (
	"log/slog"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"github.com/teslashibe/picturear/pkg/debug"
	"github.com/teslashibe/picturear/pkg/overlay"
	"github.com/teslashibe/picturear/pkg/refimage"
)

// Pipeline hands each frame and the reference set to the routine. It is
// called from the view's delivery goroutine only, one frame at a time.
type Pipeline struct {
	refs    *refimage.Set
	routine overlay.Routine
	logger  *slog.Logger

	enabled atomic.Bool
	debug   atomic.Bool

	frames    atomic.Uint64
	annotated atomic.Uint64
}

// New creates a pipeline. A nil routine or an incomplete set makes every
// frame pass through unchanged. The overlay starts disabled.
func New(refs *refimage.Set, routine overlay.Routine, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		refs:    refs,
		routine: routine,
		logger:  logger.With("component", "pipeline"),
	}
	if !refs.Complete() {
		p.logger.Warn("reference images incomplete, frames pass through")
	}
	return p
}

// SetEnabled turns the overlay on or off. It is turned on once the vision
// library is ready.
func (p *Pipeline) SetEnabled(on bool) {
	if p.enabled.Swap(on) != on {
		p.logger.Info("overlay", "enabled", on)
	}
}

// Enabled reports whether frames are annotated.
func (p *Pipeline) Enabled() bool {
	return p.enabled.Load()
}

// SetDebug asks the routine to draw its intermediate results.
func (p *Pipeline) SetDebug(on bool) {
	p.debug.Store(on)
}

// PassThrough reports whether frames are returned untouched regardless of
// the enabled flag.
func (p *Pipeline) PassThrough() bool {
	return p.routine == nil || !p.refs.Complete()
}

// OnFrame annotates frame in place and returns it. The frame must not be
// kept after the call.
func (p *Pipeline) OnFrame(frame *gocv.Mat) *gocv.Mat {
	n := p.frames.Add(1)
	framesTotal.Inc()

	if frame == nil || frame.Empty() || p.PassThrough() || !p.enabled.Load() {
		passthroughTotal.Inc()
		return frame
	}

	start := time.Now()
	p.routine.Apply(p.refs.PictureA, p.refs.PictureB, p.refs.MaskA, p.refs.MaskB, frame, p.debug.Load())
	elapsed := time.Since(start)

	overlaySeconds.Observe(elapsed.Seconds())
	annotatedTotal.Inc()
	p.annotated.Add(1)
	debug.FrameLog("frame annotated", "n", n, "took", elapsed)
	return frame
}

// Counts returns frames seen and frames annotated.
func (p *Pipeline) Counts() (frames, annotated uint64) {
	return p.frames.Load(), p.annotated.Load()
}
