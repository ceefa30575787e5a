// Package coordinator drives the viewfinder through its lifecycle. One
// goroutine owns the device session; permission results, library
// readiness, enumeration results, device callbacks and user requests all
// reach it as events on a single queue.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/picturear/pkg/camera"
	"github.com/teslashibe/picturear/pkg/debug"
	"github.com/teslashibe/picturear/pkg/loader"
	"github.com/teslashibe/picturear/pkg/overlay"
	"github.com/teslashibe/picturear/pkg/permission"
	"github.com/teslashibe/picturear/pkg/pipeline"
	"github.com/teslashibe/picturear/pkg/refimage"
	"github.com/teslashibe/picturear/pkg/session"
	"github.com/teslashibe/picturear/pkg/view"
)

// Background policies.
const (
	// PolicyUnbind detaches the preview and keeps the camera open.
	PolicyUnbind = "unbind"
	// PolicyClose also closes the camera; it is reopened on foreground.
	PolicyClose = "close"
)

const defaultShutdownTimeout = 3 * time.Second

// Requester asks for camera permission. *permission.Gate implements it.
type Requester interface {
	Request(cb func(permission.Result))
}

// Config wires the coordinator.
type Config struct {
	Backend    camera.Backend
	Permission Requester

	Bootstrap  loader.Bootstrap
	VersionTag string

	// References may be incomplete; frames then pass through.
	References *refimage.Set
	Routine    overlay.Routine
	Surface    view.Surface

	// Preferred is the camera id opened first, if present.
	Preferred   string
	FrameBudget camera.Size

	BackgroundPolicy string
	ShutdownTimeout  time.Duration
	OverlayDebug     bool

	// OnStatus observes every status change. It runs on the coordinator
	// goroutine and must not block.
	OnStatus func(Status)

	Logger *slog.Logger
}

type permissionEvent struct{ result permission.Result }

type loaderEvent struct{ result loader.Result }

type listEvent struct {
	devices []camera.Descriptor
	err     error
}

type switchRequest struct {
	desc  camera.Descriptor
	reply chan error
}

type lifecycleRequest struct {
	foreground bool
	reply      chan error
}

type rescanEvent struct{}

// Coordinator is the lifecycle coordinator.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger

	enumerator *camera.Enumerator
	session    *session.Session
	pipeline   *pipeline.Pipeline
	binder     *view.Binder
	loader     *loader.Loader

	events chan any
	done   chan struct{}

	started atomic.Bool
	granted atomic.Bool
	denied  atomic.Bool
	status  atomic.Pointer[Status]

	errMu sync.Mutex
	err   error

	ctx context.Context

	// owned by the Run goroutine
	libraryReady  bool
	library       loader.Result
	listed        bool
	devices       []camera.Descriptor
	initialOpen   bool
	background    bool
	closedForBack bool
	degraded      map[string]string
}

// New creates a coordinator. It does not touch the camera until Run.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BackgroundPolicy == "" {
		cfg.BackgroundPolicy = PolicyUnbind
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.References == nil {
		cfg.References = refimage.Empty()
	}

	c := &Coordinator{
		cfg:        cfg,
		logger:     logger.With("component", "coordinator"),
		events:     make(chan any, 256),
		done:       make(chan struct{}),
		degraded:   make(map[string]string),
		enumerator: camera.NewEnumerator(cfg.Backend, logger),
		ctx:        context.Background(),
	}

	c.pipeline = pipeline.New(cfg.References, cfg.Routine, logger)
	c.pipeline.SetDebug(cfg.OverlayDebug)
	if c.pipeline.PassThrough() {
		c.degrade("references", fmt.Errorf("%w: reference images incomplete", ErrResourceLoadFailed))
	}

	c.binder = view.NewBinder(c.pipeline, cfg.Surface, logger)
	if cfg.FrameBudget.Area() > 0 {
		c.binder.SetFrameBudget(cfg.FrameBudget.Width, cfg.FrameBudget.Height)
	}

	c.loader = loader.New(cfg.Bootstrap, cfg.VersionTag, func(r loader.Result) {
		c.post(loaderEvent{result: r})
	}, logger)

	c.session = session.New(session.Config{
		Backend: cfg.Backend,
		Binder:  c.binder,
		Post:    func(ev session.Event) { c.post(ev) },
		Ready:   c.ready,
		OnTransition: func(session.Transition) {
			c.publish()
		},
		OnReport: func(err error) {
			c.degrade("device", err)
		},
		Logger: logger,
	})

	c.publish()
	return c
}

// ready is the readiness gate: permission granted and the library settled.
// A failed library still counts; the preview then runs without overlay.
func (c *Coordinator) ready() bool {
	return c.granted.Load() && c.libraryReady
}

func (c *Coordinator) post(ev any) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// send posts a request from a caller goroutine.
func (c *Coordinator) send(ctx context.Context, ev any) error {
	select {
	case c.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.terminalErr()
	}
}

func (c *Coordinator) await(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.terminalErr()
	}
}

func (c *Coordinator) terminalErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrTerminated
}

// Err returns the error Run ended with, nil while running or after a clean
// shutdown.
func (c *Coordinator) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Done is closed when Run returns.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Run requests permission and then sequences the camera until ctx is
// cancelled or permission is denied. It returns ErrPermissionDenied in the
// latter case and nil after a clean shutdown.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	c.ctx = ctx

	c.logger.Info("requesting camera permission")
	c.cfg.Permission.Request(func(r permission.Result) {
		c.post(permissionEvent{result: r})
	})

	for {
		select {
		case <-ctx.Done():
			c.terminate()
			return c.finish(nil)
		case ev := <-c.events:
			c.handle(ev)
			if c.denied.Load() {
				c.logger.Warn("camera permission denied")
				c.terminate()
				return c.finish(ErrPermissionDenied)
			}
		}
	}
}

func (c *Coordinator) finish(err error) error {
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
	close(c.done)
	return err
}

func (c *Coordinator) handle(ev any) {
	debug.Log("coordinator event", "event", fmt.Sprintf("%T", ev), "state", c.session.State())
	switch ev := ev.(type) {
	case permissionEvent:
		c.onPermission(ev.result)
	case loaderEvent:
		c.onLibrary(ev.result)
	case listEvent:
		c.onList(ev.devices, ev.err)
	case session.Event:
		c.session.HandleEvent(ev)
		c.publish()
	case switchRequest:
		ev.reply <- c.onSwitch(ev.desc)
	case lifecycleRequest:
		if ev.foreground {
			c.onForeground()
		} else {
			c.onBackground()
		}
		ev.reply <- nil
	case rescanEvent:
		if c.granted.Load() {
			go c.list()
		}
	}
}

func (c *Coordinator) onPermission(r permission.Result) {
	if r != permission.Granted {
		c.denied.Store(true)
		c.publish()
		return
	}
	if c.granted.Swap(true) {
		return
	}
	c.logger.Info("camera permission granted")
	c.publish()

	go c.loader.Start()
	go c.list()
}

// list enumerates off the coordinator goroutine and posts the result.
func (c *Coordinator) list() {
	devices, err := c.enumerator.List(c.ctx)
	c.post(listEvent{devices: devices, err: err})
}

func (c *Coordinator) onLibrary(r loader.Result) {
	if c.libraryReady {
		return
	}
	c.libraryReady = true
	c.library = r
	if r == loader.Ready {
		c.pipeline.SetEnabled(true)
	} else {
		c.degrade("library", ErrLibraryUnavailable)
	}
	c.publish()
	c.tryOpen()
}

func (c *Coordinator) onList(devices []camera.Descriptor, err error) {
	c.listed = true
	c.devices = devices
	switch {
	case err != nil:
		c.degrade("cameras", err)
	case len(devices) == 0:
		c.degrade("cameras", ErrNoCameras)
	default:
		c.clear("cameras")
		c.logger.Info("cameras found", "count", len(devices))
	}
	c.publish()
	c.tryOpen()
}

// tryOpen opens the preferred or first camera once both readiness flags
// are set and a device list is known.
func (c *Coordinator) tryOpen() {
	if c.initialOpen || !c.ready() || !c.listed || len(c.devices) == 0 {
		return
	}
	desc := c.devices[0]
	if i := slices.IndexFunc(c.devices, func(d camera.Descriptor) bool { return d.ID == c.cfg.Preferred }); i >= 0 {
		desc = c.devices[i]
	}
	c.initialOpen = true
	if c.background {
		c.session.Suspend()
	}
	if err := c.session.Open(desc); err != nil {
		c.logger.Warn("initial open failed", "device", desc.ID, "error", err)
	}
	c.publish()
}

func (c *Coordinator) onSwitch(desc camera.Descriptor) error {
	if c.denied.Load() {
		return ErrPermissionDenied
	}
	c.clear("device")
	err := c.session.SwitchTo(desc)
	if err == nil {
		c.initialOpen = true
		c.closedForBack = false
	}
	c.publish()
	return err
}

func (c *Coordinator) onForeground() {
	if !c.background {
		return
	}
	c.background = false
	c.logger.Info("entering foreground")

	if c.granted.Load() {
		go c.loader.Start()
	}
	c.session.Resume()
	if c.closedForBack {
		// Open queues behind a close that is still in flight.
		c.closedForBack = false
		if err := c.session.Open(c.session.Device()); err != nil {
			c.logger.Warn("reopen after background failed", "error", err)
		}
	}
	c.publish()
}

func (c *Coordinator) onBackground() {
	if c.background {
		return
	}
	c.background = true
	c.logger.Info("entering background", "policy", c.cfg.BackgroundPolicy)

	c.session.Suspend()
	if c.cfg.BackgroundPolicy == PolicyClose {
		switch c.session.State() {
		case session.Open, session.Opening:
			c.closedForBack = true
			if err := c.session.Close(); err != nil {
				c.logger.Warn("close for background failed", "error", err)
			}
		}
	}
	c.publish()
}

// terminate closes the session and waits, bounded, for it to reach Closed.
func (c *Coordinator) terminate() {
	c.logger.Info("shutting down")
	c.session.Shutdown()

	timer := time.NewTimer(c.cfg.ShutdownTimeout)
	defer timer.Stop()

wait:
	for c.session.State() != session.Closed {
		select {
		case ev := <-c.events:
			switch ev := ev.(type) {
			case session.Event:
				c.session.HandleEvent(ev)
			case switchRequest:
				ev.reply <- ErrTerminated
			case lifecycleRequest:
				ev.reply <- ErrTerminated
			}
		case <-timer.C:
			c.logger.Warn("camera did not close in time", "state", c.session.State().String())
			break wait
		}
	}

	c.binder.Unbind()
	c.cfg.References.Close()
	c.publish()
}

func (c *Coordinator) degrade(key string, err error) {
	if err == nil {
		return
	}
	c.degraded[key] = err.Error()
}

func (c *Coordinator) clear(key string) {
	delete(c.degraded, key)
}

// publish rebuilds the status snapshot. Called on the coordinator
// goroutine only.
func (c *Coordinator) publish() {
	opens, closes := c.session.Stats()
	st := Status{
		State:             c.session.State(),
		Device:            c.session.Device(),
		PermissionGranted: c.granted.Load(),
		LibraryReady:      c.libraryReady,
		Library:           c.library,
		Overlay:           c.pipeline.Enabled() && !c.pipeline.PassThrough(),
		References:        c.cfg.References.Complete(),
		Bound:             c.binder.Bound(),
		Background:        c.background,
		Terminated:        c.session.Terminated(),
		Cameras:           len(c.devices),
		Opens:             opens,
		Closes:            closes,
		UpdatedAt:         time.Now(),
	}
	if size := c.binder.FrameSize(); size.Area() > 0 {
		st.FrameSize = size.String()
	}
	for _, k := range slices.Sorted(maps.Keys(c.degraded)) {
		st.Degraded = append(st.Degraded, c.degraded[k])
	}

	c.status.Store(&st)
	if c.cfg.OnStatus != nil {
		c.cfg.OnStatus(st)
	}
}

// Status returns the latest snapshot with a live FPS reading. Safe from any
// goroutine.
func (c *Coordinator) Status() Status {
	st := *c.status.Load()
	st.FPS = c.binder.FPS()
	if size := c.binder.FrameSize(); size.Area() > 0 {
		st.FrameSize = size.String()
	}
	return st
}

// Cameras enumerates the cameras afresh.
func (c *Coordinator) Cameras(ctx context.Context) ([]camera.Descriptor, error) {
	switch {
	case c.denied.Load():
		return nil, ErrPermissionDenied
	case !c.granted.Load():
		return nil, ErrNotReady
	}
	return c.enumerator.List(ctx)
}

// SwitchCamera switches to the camera with id, resolved by a fresh
// enumeration. Switching to the open camera is a no-op.
func (c *Coordinator) SwitchCamera(ctx context.Context, id string) error {
	switch {
	case c.denied.Load():
		return ErrPermissionDenied
	case !c.granted.Load():
		return ErrNotReady
	}
	desc, err := c.enumerator.Find(ctx, id)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	if err := c.send(ctx, switchRequest{desc: desc, reply: reply}); err != nil {
		return err
	}
	return c.await(ctx, reply)
}

// Foreground tells the coordinator the host is visible again.
func (c *Coordinator) Foreground(ctx context.Context) error {
	return c.lifecycle(ctx, true)
}

// Background tells the coordinator the host is hidden.
func (c *Coordinator) Background(ctx context.Context) error {
	return c.lifecycle(ctx, false)
}

func (c *Coordinator) lifecycle(ctx context.Context, foreground bool) error {
	if !c.started.Load() {
		return ErrNotReady
	}
	reply := make(chan error, 1)
	if err := c.send(ctx, lifecycleRequest{foreground: foreground, reply: reply}); err != nil {
		return err
	}
	return c.await(ctx, reply)
}

// Rescan refreshes the camera list, e.g. after a device was plugged in.
func (c *Coordinator) Rescan() {
	if !c.started.Load() || c.denied.Load() {
		return
	}
	select {
	case c.events <- rescanEvent{}:
	case <-c.done:
	default:
	}
}

// IsTerminal reports whether err ends the viewfinder.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// SetFrameBudget changes the requested preview size. An open camera picks
// it up before its next frame.
func (c *Coordinator) SetFrameBudget(width, height int) {
	c.binder.SetFrameBudget(width, height)
}

// Pipeline returns the frame pipeline.
func (c *Coordinator) Pipeline() *pipeline.Pipeline {
	return c.pipeline
}
