package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/picturear/pkg/camera"
)

// Config wires a Session to its collaborators.
type Config struct {
	Backend camera.Backend
	Binder  Binder

	// Post delivers device events to the goroutine that owns the session,
	// which must hand them back through HandleEvent. Post must not block.
	Post func(Event)

	// Ready gates every open. Nil means always ready.
	Ready func() bool

	// OnTransition observes every state change.
	OnTransition func(Transition)

	// OnReport receives device failures (ErrOpenFailed, ErrDeviceError).
	OnReport func(error)

	Logger *slog.Logger
}

type requestKind int

const (
	reqOpen requestKind = iota
	reqClose
	reqSwitch
)

type request struct {
	kind requestKind
	desc camera.Descriptor
}

// Session is the device session state machine.
//
// All methods except State, Device and Stats must be called from a single
// owner goroutine (the coordinator), which also feeds device callbacks back
// through HandleEvent. Requests made while Opening or Closing are queued in
// FIFO order and applied once the session settles in Open or Closed.
type Session struct {
	cfg    Config
	logger *slog.Logger

	state atomic.Int32

	mu     sync.RWMutex
	device camera.Descriptor

	handle     camera.Handle
	gen        uint64
	queue      []request
	bound      bool
	suspended  bool
	terminated bool

	opens  atomic.Int64
	closes atomic.Int64
}

// New creates a session in the Closed state.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Ready == nil {
		cfg.Ready = func() bool { return true }
	}
	return &Session{cfg: cfg, logger: logger.With("component", "session")}
}

// State returns the current state. Safe from any goroutine.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Device returns the descriptor of the current (or last) device.
// Safe from any goroutine.
func (s *Session) Device() camera.Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.device
}

// Stats returns open attempts and close completions. Safe from any goroutine.
func (s *Session) Stats() (opens, closes int64) {
	return s.opens.Load(), s.closes.Load()
}

// Pending returns the number of queued requests.
func (s *Session) Pending() int {
	return len(s.queue)
}

// Bound reports whether the current handle is attached to the view.
func (s *Session) Bound() bool {
	return s.bound
}

func (s *Session) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	desc := s.Device()
	s.logger.Debug("session transition", "from", from.String(), "to", to.String(), "device", desc.ID)
	transitionsTotal.WithLabelValues(to.String()).Inc()
	if s.cfg.OnTransition != nil {
		s.cfg.OnTransition(Transition{From: from, To: to, Device: desc, At: time.Now()})
	}
}

func (s *Session) setDevice(d camera.Descriptor) {
	s.mu.Lock()
	s.device = d
	s.mu.Unlock()
}

func (s *Session) report(err error) {
	s.logger.Warn("device failure", "error", err)
	if s.cfg.OnReport != nil {
		s.cfg.OnReport(err)
	}
}

// Open opens desc. Valid from Closed; while a transition is in flight the
// request is queued.
func (s *Session) Open(desc camera.Descriptor) error {
	if s.terminated {
		return ErrTerminated
	}
	switch s.State() {
	case Opening, Closing:
		s.enqueue(request{kind: reqOpen, desc: desc})
		return nil
	case Closed:
		return s.doOpen(desc)
	default:
		return fmt.Errorf("%w: open while %s", ErrInvalidState, s.State())
	}
}

// Close closes the current device. Valid from Open, Opening or Error;
// queued while a transition is in flight.
func (s *Session) Close() error {
	if s.terminated {
		return ErrTerminated
	}
	switch s.State() {
	case Opening, Closing:
		s.enqueue(request{kind: reqClose})
	case Open, Error:
		s.doClose()
	}
	return nil
}

// SwitchTo closes the current device (if any) and opens desc, strictly in
// that order. Switching to the device already open is a no-op.
func (s *Session) SwitchTo(desc camera.Descriptor) error {
	if s.terminated {
		return ErrTerminated
	}
	if !s.cfg.Ready() {
		s.logger.Debug("switch ignored, not ready", "device", desc.ID)
		return ErrNotReady
	}
	switch s.State() {
	case Opening, Closing:
		s.enqueue(request{kind: reqSwitch, desc: desc})
		return nil
	}
	return s.apply(request{kind: reqSwitch, desc: desc})
}

func (s *Session) enqueue(r request) {
	s.queue = append(s.queue, r)
	s.logger.Debug("request queued", "kind", int(r.kind), "device", r.desc.ID, "pending", len(s.queue))
}

// apply runs one request against a settled state. It returns the error of
// the transition it starts, if any.
func (s *Session) apply(r request) error {
	st := s.State()
	switch r.kind {
	case reqOpen:
		if st == Closed {
			return s.doOpen(r.desc)
		}
		return fmt.Errorf("%w: open while %s", ErrInvalidState, st)
	case reqClose:
		if st == Open || st == Error {
			s.doClose()
		}
		return nil
	case reqSwitch:
		switch st {
		case Closed:
			return s.doOpen(r.desc)
		case Open:
			if s.Device().ID == r.desc.ID {
				return nil
			}
			s.queue = append([]request{{kind: reqOpen, desc: r.desc}}, s.queue...)
			s.doClose()
			return nil
		}
	}
	return nil
}

// advance applies queued requests until one starts a transition.
func (s *Session) advance() {
	for len(s.queue) > 0 {
		switch s.State() {
		case Open, Closed:
		default:
			return
		}
		r := s.queue[0]
		s.queue = s.queue[1:]
		if err := s.apply(r); err != nil {
			s.logger.Warn("queued request failed", "device", r.desc.ID, "error", err)
		}
	}
}

func (s *Session) doOpen(desc camera.Descriptor) error {
	if !s.cfg.Ready() {
		s.logger.Debug("open ignored, not ready", "device", desc.ID)
		return ErrNotReady
	}

	s.gen++
	s.setDevice(desc)
	s.opens.Add(1)
	opensTotal.Inc()
	s.setState(Opening)
	s.logger.Info("opening camera", "device", desc.ID, "facing", desc.Facing.String())

	cb := &poster{gen: s.gen, post: s.cfg.Post}
	if err := s.cfg.Backend.Open(context.Background(), desc.ID, cb); err != nil {
		err = fmt.Errorf("%w: %w", ErrOpenFailed, &camera.DeviceError{ID: desc.ID, Code: camera.ErrorCameraService, Err: err})
		s.setState(Error)
		s.report(err)
		s.finishClose()
		return err
	}
	return nil
}

// doClose tears down the current handle: unbind first, then close.
func (s *Session) doClose() {
	s.setState(Closing)
	s.unbind()
	if s.handle == nil {
		s.finishClose()
		return
	}
	s.handle.Close()
}

func (s *Session) unbind() {
	if s.bound {
		s.cfg.Binder.Unbind()
		s.bound = false
	}
}

func (s *Session) bind() {
	if s.bound || s.suspended || s.handle == nil || s.State() != Open {
		return
	}
	if err := s.cfg.Binder.Bind(s.handle, s.State); err != nil {
		s.logger.Warn("bind failed", "device", s.handle.ID(), "error", err)
		return
	}
	s.bound = true
}

func (s *Session) finishClose() {
	s.handle = nil
	s.closes.Add(1)
	closesTotal.Inc()
	s.setState(Closed)
	if s.terminated {
		s.queue = nil
		return
	}
	s.advance()
}

// HandleEvent applies one device event. Events from earlier open attempts
// are ignored, except that a stale opened handle is closed at once.
func (s *Session) HandleEvent(ev Event) {
	if ev.Gen != s.gen {
		s.logger.Debug("stale device event", "kind", ev.Kind.String(), "device", ev.ID, "gen", ev.Gen, "current", s.gen)
		if ev.Handle != nil && (ev.Kind == EventOpened || ev.Kind == EventError) {
			ev.Handle.Close()
		}
		return
	}

	switch ev.Kind {
	case EventOpened:
		s.onOpened(ev)
	case EventClosed:
		s.onClosed(ev)
	case EventDisconnected, EventError:
		s.onFailure(ev)
	}
}

func (s *Session) onOpened(ev Event) {
	switch s.State() {
	case Opening:
		s.handle = ev.Handle
		s.setState(Open)
		s.logger.Info("camera opened", "device", ev.ID)
		s.bind()
		s.advance()
	case Closing:
		// aborted by Shutdown while opening
		s.handle = ev.Handle
		ev.Handle.Close()
	default:
		if ev.Handle != s.handle {
			ev.Handle.Close()
		}
	}
}

func (s *Session) onClosed(ev Event) {
	switch s.State() {
	case Closing:
		s.logger.Info("camera closed", "device", ev.ID)
		s.finishClose()
	case Open, Opening:
		// the platform closed the device on its own
		s.setState(Error)
		s.unbind()
		s.report(fmt.Errorf("%w: %w", ErrDeviceError, &camera.DeviceError{ID: ev.ID, Code: camera.ErrorCameraDisconnected}))
		s.finishClose()
	}
}

func (s *Session) onFailure(ev Event) {
	derr := &camera.DeviceError{ID: ev.ID, Code: ev.Code}
	switch s.State() {
	case Opening:
		s.setState(Error)
		s.report(fmt.Errorf("%w: %w", ErrOpenFailed, derr))
		s.handle = ev.Handle
		s.doClose()
	case Open:
		s.setState(Error)
		s.report(fmt.Errorf("%w: %w", ErrDeviceError, derr))
		s.doClose()
	case Closing:
		if s.handle != nil {
			return
		}
		// aborted open that failed
		if ev.Handle == nil {
			s.finishClose()
			return
		}
		s.handle = ev.Handle
		ev.Handle.Close()
	}
}

// Suspend detaches the view without closing the device (host backgrounded).
func (s *Session) Suspend() {
	s.suspended = true
	s.unbind()
}

// Resume re-attaches the view if the device is open.
func (s *Session) Resume() {
	s.suspended = false
	s.bind()
}

// Shutdown drops queued requests and closes the device unconditionally.
// An open in flight is closed as soon as it completes. Later requests
// return ErrTerminated.
func (s *Session) Shutdown() {
	if s.terminated {
		return
	}
	s.terminated = true
	s.queue = nil

	switch s.State() {
	case Open, Error:
		s.doClose()
	case Opening:
		s.setState(Closing)
	}
}

// Terminated reports whether Shutdown was called.
func (s *Session) Terminated() bool {
	return s.terminated
}

// IsFailure reports whether err is a device failure reported by a session.
func IsFailure(err error) bool {
	return errors.Is(err, ErrOpenFailed) || errors.Is(err, ErrDeviceError)
}
