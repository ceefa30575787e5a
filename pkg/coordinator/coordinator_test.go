package coordinator

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/teslashibe/picturear/pkg/camera"
	"github.com/teslashibe/picturear/pkg/debug"
	"github.com/teslashibe/picturear/pkg/loader"
	"github.com/teslashibe/picturear/pkg/permission"
	"github.com/teslashibe/picturear/pkg/refimage"
	"github.com/teslashibe/picturear/pkg/session"
)

var (
	back  = camera.Descriptor{ID: "0", Facing: camera.FacingBack}
	front = camera.Descriptor{ID: "1", Facing: camera.FacingFront}
)

type localBootstrap struct {
	ok    bool
	local atomic.Int32
}

func (b *localBootstrap) InitLocal() bool {
	b.local.Add(1)
	return b.ok
}

func (b *localBootstrap) InitAsync(_ string, cb loader.AsyncCallback) {
	go cb.OnFailure(errors.New("no fallback in tests"))
}

type countingRoutine struct{ calls atomic.Int32 }

func (r *countingRoutine) Apply(_, _, _, _ gocv.Mat, _ *gocv.Mat, _ bool) {
	r.calls.Add(1)
}

type fixture struct {
	t       *testing.T
	mock    *camera.MockBackend
	routine *countingRoutine
	boot    *localBootstrap
	c       *Coordinator
	cancel  context.CancelFunc
	runErr  chan error

	mu       sync.Mutex
	statuses []Status
}

type option func(*Config)

func newFixture(t *testing.T, allow bool, mockOpts []camera.MockOption, opts ...option) *fixture {
	t.Helper()
	mockOpts = append([]camera.MockOption{camera.WithDevices(back, front)}, mockOpts...)
	f := &fixture{
		t:       t,
		mock:    camera.NewMockBackend(nil, mockOpts...),
		routine: &countingRoutine{},
		boot:    &localBootstrap{ok: true},
		runErr:  make(chan error, 1),
	}

	cfg := Config{
		Backend:         f.mock,
		Permission:      permission.NewGate(permission.Static{Allow: allow}, nil, nil),
		Bootstrap:       f.boot,
		VersionTag:      "4",
		References:      completeRefs(t),
		Routine:         f.routine,
		ShutdownTimeout: time.Second,
		OnStatus: func(s Status) {
			f.mu.Lock()
			f.statuses = append(f.statuses, s)
			f.mu.Unlock()
		},
	}
	for _, o := range opts {
		o(&cfg)
	}
	f.c = New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.runErr <- f.c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-f.c.Done():
		case <-time.After(3 * time.Second):
			t.Error("coordinator did not stop")
		}
	})
	return f
}

func completeRefs(t *testing.T) *refimage.Set {
	t.Helper()
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(128, 128, 128, 0), 16, 16, gocv.MatTypeCV8UC3)
	defer m.Close()
	set, err := refimage.FromMats(m, m, m, m)
	if err != nil {
		t.Fatalf("FromMats: %v", err)
	}
	return set
}

func (f *fixture) waitFor(what string, cond func(Status) bool) Status {
	f.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		st := f.c.Status()
		if cond(st) {
			return st
		}
		if time.Now().After(deadline) {
			f.t.Fatalf("timed out waiting for %s; status %+v; events %v", what, st, f.mock.Events())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func openOn(id string) func(Status) bool {
	return func(s Status) bool { return s.State == session.Open && s.Device.ID == id && s.Bound }
}

func count(events []string, e string) int {
	n := 0
	for _, x := range events {
		if x == e {
			n++
		}
	}
	return n
}

func TestRun_OpensFirstCamera(t *testing.T) {
	f := newFixture(t, true, nil)

	st := f.waitFor("camera 0 open", openOn("0"))
	if !st.PermissionGranted || !st.LibraryReady || st.Library != loader.Ready {
		t.Errorf("readiness: %+v", st)
	}
	if !st.Overlay {
		t.Error("overlay should be enabled with a ready library and complete references")
	}
	if st.Cameras != 2 {
		t.Errorf("cameras: got %d, want 2", st.Cameras)
	}
	if len(st.Degraded) != 0 {
		t.Errorf("unexpected degradation: %v", st.Degraded)
	}
	if f.boot.local.Load() != 1 {
		t.Errorf("InitLocal calls: got %d, want 1", f.boot.local.Load())
	}

	f.waitFor("frames", func(Status) bool { return f.routine.calls.Load() > 0 })
}

func TestRun_OpensPreferredCamera(t *testing.T) {
	f := newFixture(t, true, nil, func(c *Config) { c.Preferred = "1" })
	f.waitFor("camera 1 open", openOn("1"))
	if n := count(f.mock.Events(), "open:0"); n != 0 {
		t.Errorf("camera 0 opened %d times", n)
	}
}

func TestSwitchBeforeFirstFrame(t *testing.T) {
	// frames are slow enough that none is delivered before the switch
	f := newFixture(t, true, []camera.MockOption{camera.WithFrameInterval(300 * time.Millisecond)})
	f.waitFor("camera 0 open", openOn("0"))

	if err := f.c.SwitchCamera(context.Background(), "1"); err != nil {
		t.Fatalf("SwitchCamera: %v", err)
	}
	f.waitFor("camera 1 open", openOn("1"))

	events := f.mock.Events()
	closed0 := slices.Index(events, "closed:0")
	opened1 := slices.Index(events, "opened:1")
	if closed0 < 0 || opened1 < 0 || closed0 > opened1 {
		t.Errorf("want closed:0 before opened:1, events %v", events)
	}
	if count(events, "closed:0") != 1 || count(events, "opened:1") != 1 {
		t.Errorf("want exactly one closed:0 and one opened:1, events %v", events)
	}
	if f.mock.MaxLive() != 1 {
		t.Errorf("max live handles: got %d, want 1", f.mock.MaxLive())
	}
	if n := f.routine.calls.Load(); n != 0 {
		t.Errorf("frames from camera 0 delivered: %d", n)
	}
}

func TestSwitchToOpenCameraIsNoop(t *testing.T) {
	f := newFixture(t, true, nil)
	f.waitFor("camera 0 open", openOn("0"))

	if err := f.c.SwitchCamera(context.Background(), "0"); err != nil {
		t.Fatalf("SwitchCamera: %v", err)
	}
	if n := count(f.mock.Events(), "close:0"); n != 0 {
		t.Errorf("camera closed %d times for a no-op switch", n)
	}
}

func TestSwitchToUnknownCamera(t *testing.T) {
	f := newFixture(t, true, nil)
	f.waitFor("camera 0 open", openOn("0"))

	err := f.c.SwitchCamera(context.Background(), "7")
	if !errors.Is(err, camera.ErrUnknownDevice) {
		t.Errorf("SwitchCamera(7): got %v, want ErrUnknownDevice", err)
	}
}

func TestPermissionDenied(t *testing.T) {
	f := newFixture(t, false, nil)

	select {
	case err := <-f.runErr:
		if !errors.Is(err, ErrPermissionDenied) {
			t.Fatalf("Run: got %v, want ErrPermissionDenied", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not end after denial")
	}

	if err := f.c.SwitchCamera(context.Background(), "0"); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("SwitchCamera after denial: got %v", err)
	}
	if _, err := f.c.Cameras(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Cameras after denial: got %v", err)
	}
	if !errors.Is(f.c.Err(), ErrPermissionDenied) || !IsTerminal(f.c.Err()) {
		t.Errorf("Err(): got %v", f.c.Err())
	}
	if n := f.mock.Enumerations(); n != 0 {
		t.Errorf("enumerations after denial: %d", n)
	}
	for _, e := range f.mock.Events() {
		if strings.HasPrefix(e, "open") {
			t.Errorf("device touched after denial: %v", f.mock.Events())
		}
	}
}

func TestLibraryUnavailableRunsPassThrough(t *testing.T) {
	f := newFixture(t, true, nil, func(c *Config) { c.Bootstrap = &localBootstrap{ok: false} })
	st := f.waitFor("camera 0 open", openOn("0"))
	if st.Library != loader.Failed || !st.LibraryReady {
		t.Errorf("library: got %v ready=%v, want failed and settled", st.Library, st.LibraryReady)
	}
	if st.Overlay {
		t.Error("overlay enabled without the vision library")
	}
	if !slices.ContainsFunc(st.Degraded, func(s string) bool { return strings.Contains(s, "vision library") }) {
		t.Errorf("degraded: %v", st.Degraded)
	}

	f.waitFor("frames", func(Status) bool { return f.mock.FramesRead() > 3 })
	if n := f.routine.calls.Load(); n != 0 {
		t.Errorf("routine ran %d times without the library", n)
	}
}

func TestIncompleteReferencesPassThrough(t *testing.T) {
	f := newFixture(t, true, nil, func(c *Config) { c.References = refimage.Empty() })
	st := f.waitFor("camera 0 open", openOn("0"))
	if st.References || st.Overlay {
		t.Errorf("references=%v overlay=%v, want both false", st.References, st.Overlay)
	}

	f.waitFor("frames", func(Status) bool { return f.mock.FramesRead() > 3 })
	if n := f.routine.calls.Load(); n != 0 {
		t.Errorf("routine ran %d times with incomplete references", n)
	}
}

func TestEnumerationFailure(t *testing.T) {
	f := newFixture(t, true, []camera.MockOption{camera.WithEnumerateError(errors.New("service down"))})
	st := f.waitFor("degraded", func(s Status) bool { return len(s.Degraded) > 0 && s.LibraryReady })
	if st.State != session.Closed {
		t.Errorf("state: got %v, want closed", st.State)
	}
	if !slices.ContainsFunc(st.Degraded, func(s string) bool { return strings.Contains(s, "enumeration") }) {
		t.Errorf("degraded: %v", st.Degraded)
	}
}

func TestBackgroundUnbindKeepsCameraOpen(t *testing.T) {
	f := newFixture(t, true, nil)
	f.waitFor("camera 0 open", openOn("0"))
	ctx := context.Background()

	if err := f.c.Background(ctx); err != nil {
		t.Fatalf("Background: %v", err)
	}
	st := f.c.Status()
	if st.Bound || st.State != session.Open || !st.Background {
		t.Errorf("after background: %+v", st)
	}
	if n := count(f.mock.Events(), "close:0"); n != 0 {
		t.Errorf("camera closed on background")
	}

	if err := f.c.Foreground(ctx); err != nil {
		t.Fatalf("Foreground: %v", err)
	}
	f.waitFor("rebound", openOn("0"))
	if f.boot.local.Load() != 1 {
		t.Errorf("loader re-ran on foreground: %d local inits", f.boot.local.Load())
	}
}

func TestBackgroundClosePolicy(t *testing.T) {
	f := newFixture(t, true, nil, func(c *Config) { c.BackgroundPolicy = PolicyClose })
	f.waitFor("camera 0 open", openOn("0"))
	ctx := context.Background()

	if err := f.c.Background(ctx); err != nil {
		t.Fatalf("Background: %v", err)
	}
	f.waitFor("closed", func(s Status) bool { return s.State == session.Closed })
	if f.mock.Live() != 0 {
		t.Errorf("live handles in background: %d", f.mock.Live())
	}

	if err := f.c.Foreground(ctx); err != nil {
		t.Fatalf("Foreground: %v", err)
	}
	f.waitFor("reopened", openOn("0"))
	if n := count(f.mock.Events(), "open:0"); n != 2 {
		t.Errorf("open:0 count: got %d, want 2", n)
	}
}

func TestBackgroundCloseThenQuickForegroundReopens(t *testing.T) {
	f := newFixture(t, true, []camera.MockOption{camera.WithCloseDelay(200 * time.Millisecond)},
		func(c *Config) { c.BackgroundPolicy = PolicyClose })
	f.waitFor("camera 0 open", openOn("0"))
	ctx := context.Background()

	if err := f.c.Background(ctx); err != nil {
		t.Fatalf("Background: %v", err)
	}
	// Close is still in flight.
	if err := f.c.Foreground(ctx); err != nil {
		t.Fatalf("Foreground: %v", err)
	}
	f.waitFor("reopened", openOn("0"))
	if n := count(f.mock.Events(), "open:0"); n != 2 {
		t.Errorf("open:0 count: got %d, want 2", n)
	}
	if f.mock.Live() != 1 {
		t.Errorf("live handles: got %d, want 1", f.mock.Live())
	}
}

func TestShutdownClosesCamera(t *testing.T) {
	f := newFixture(t, true, nil)
	f.waitFor("camera 0 open", openOn("0"))

	f.cancel()
	select {
	case err := <-f.runErr:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}

	st := f.c.Status()
	if st.State != session.Closed || !st.Terminated {
		t.Errorf("after shutdown: %+v", st)
	}
	if f.mock.Live() != 0 {
		t.Errorf("live handles after shutdown: %d", f.mock.Live())
	}
	events := f.mock.Events()
	if events[len(events)-1] != "closed:0" {
		t.Errorf("last event: %v", events)
	}
	if err := f.c.SwitchCamera(context.Background(), "1"); !errors.Is(err, ErrTerminated) {
		t.Errorf("SwitchCamera after shutdown: got %v", err)
	}
}

func TestUnsolicitedDisconnectDegrades(t *testing.T) {
	f := newFixture(t, true, nil)
	f.waitFor("camera 0 open", openOn("0"))

	f.mock.Disconnect("0")
	st := f.waitFor("closed", func(s Status) bool { return s.State == session.Closed && s.Closes == 1 })
	if !slices.ContainsFunc(st.Degraded, func(s string) bool { return strings.Contains(s, "device error") }) {
		t.Errorf("degraded: %v", st.Degraded)
	}

	// no automatic reopen; a user switch recovers
	time.Sleep(20 * time.Millisecond)
	if n := count(f.mock.Events(), "open:0"); n != 1 {
		t.Errorf("camera reopened automatically")
	}
	if err := f.c.SwitchCamera(context.Background(), "0"); err != nil {
		t.Fatalf("SwitchCamera: %v", err)
	}
	f.waitFor("reopened", openOn("0"))
}

func TestRunTwice(t *testing.T) {
	f := newFixture(t, true, nil)
	f.waitFor("camera 0 open", openOn("0"))
	if err := f.c.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run: got %v", err)
	}
}

func TestStatusObserved(t *testing.T) {
	f := newFixture(t, true, nil)
	f.waitFor("camera 0 open", openOn("0"))

	f.mu.Lock()
	defer f.mu.Unlock()
	var states []session.State
	for _, s := range f.statuses {
		if len(states) == 0 || states[len(states)-1] != s.State {
			states = append(states, s.State)
		}
	}
	want := []session.State{session.Closed, session.Opening, session.Open}
	if !slices.Equal(states, want) {
		t.Errorf("observed states %v, want %v", states, want)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDebugLogsDispatchedEvents(t *testing.T) {
	out := &lockedBuffer{}
	prevLogger, prevEnabled := slog.Default(), debug.Enabled
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug})))
	debug.Enabled = true
	t.Cleanup(func() {
		slog.SetDefault(prevLogger)
		debug.Enabled = prevEnabled
	})

	f := newFixture(t, true, nil)
	f.waitFor("camera 0 open", openOn("0"))

	logs := out.String()
	for _, want := range []string{"event=coordinator.permissionEvent", "event=coordinator.loaderEvent", "event=session.Event"} {
		if !strings.Contains(logs, want) {
			t.Errorf("debug log missing %q", want)
		}
	}
}
