package view

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/teslashibe/picturear/pkg/camera"
	"github.com/teslashibe/picturear/pkg/session"
)

// openedCallback hands the opened handle to the test.
type openedCallback struct {
	opened chan camera.Handle
}

func (c *openedCallback) OnOpened(h camera.Handle)     { c.opened <- h }
func (c *openedCallback) OnClosed(string)              {}
func (c *openedCallback) OnDisconnected(camera.Handle) {}
func (c *openedCallback) OnError(camera.Handle, int)   {}

func openMock(t *testing.T, opts ...camera.MockOption) (*camera.MockBackend, camera.Handle) {
	t.Helper()
	opts = append([]camera.MockOption{camera.WithDevices(camera.Descriptor{ID: "0", Facing: camera.FacingBack})}, opts...)
	mock := camera.NewMockBackend(nil, opts...)
	cb := &openedCallback{opened: make(chan camera.Handle, 1)}
	if err := mock.Open(context.Background(), "0", cb); err != nil {
		t.Fatalf("open: %v", err)
	}
	select {
	case h := <-cb.opened:
		t.Cleanup(h.Close)
		return mock, h
	case <-time.After(time.Second):
		t.Fatal("mock never opened")
	}
	return nil, nil
}

type passThrough struct{ calls atomic.Int32 }

func (p *passThrough) OnFrame(f *gocv.Mat) *gocv.Mat {
	p.calls.Add(1)
	return f
}

type countingSurface struct {
	mu     sync.Mutex
	frames int
	cols   int
}

func (s *countingSurface) Render(f gocv.Mat) {
	s.mu.Lock()
	s.frames++
	s.cols = f.Cols()
	s.mu.Unlock()
}

func (s *countingSurface) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func openState() session.State { return session.Open }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestBind_RefusesUnlessOpen(t *testing.T) {
	_, h := openMock(t)
	b := NewBinder(&passThrough{}, nil, nil)

	for _, st := range []session.State{session.Closed, session.Opening, session.Closing, session.Error} {
		if err := b.Bind(h, func() session.State { return st }); err != ErrNotOpen {
			t.Errorf("Bind in %s: got %v, want ErrNotOpen", st, err)
		}
	}
	if b.Bound() {
		t.Error("binder bound after refusals")
	}
}

func TestBind_DeliversUntilUnbind(t *testing.T) {
	mock, h := openMock(t)
	handler := &passThrough{}
	surface := &countingSurface{}
	b := NewBinder(handler, surface, nil)

	if err := b.Bind(h, openState); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := b.Bind(h, openState); err != ErrBound {
		t.Errorf("second Bind: got %v, want ErrBound", err)
	}
	waitFor(t, "frames", func() bool { return surface.count() >= 3 })

	b.Unbind()
	after := surface.count()
	time.Sleep(30 * time.Millisecond)
	if surface.count() != after {
		t.Errorf("frames rendered after Unbind returned: %d -> %d", after, surface.count())
	}
	if int(handler.calls.Load()) != surface.count() {
		t.Errorf("handler saw %d frames, surface %d", handler.calls.Load(), surface.count())
	}

	// unbind before close: no read is in flight when the handle closes
	h.Close()
	if n := mock.ReadsAtClose(); n != 0 {
		t.Errorf("reads in flight at close: %d", n)
	}
	b.Unbind()

	binds, unbinds := b.Counts()
	if binds != 1 || unbinds != 1 {
		t.Errorf("counts: got %d/%d, want 1/1", binds, unbinds)
	}
}

func TestBind_SkipsFramesWhenNotOpen(t *testing.T) {
	_, h := openMock(t)
	surface := &countingSurface{}
	b := NewBinder(&passThrough{}, surface, nil)

	var st atomic.Int32
	st.Store(int32(session.Open))
	if err := b.Bind(h, func() session.State { return session.State(st.Load()) }); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer b.Unbind()
	waitFor(t, "first frame", func() bool { return surface.count() > 0 })

	st.Store(int32(session.Closing))
	time.Sleep(15 * time.Millisecond)
	n := surface.count()
	time.Sleep(30 * time.Millisecond)
	if surface.count() != n {
		t.Errorf("frames rendered while closing: %d -> %d", n, surface.count())
	}
}

func TestSetFrameBudget(t *testing.T) {
	sizes := camera.WithSupportedSizes(
		camera.Size{Width: 1280, Height: 720},
		camera.Size{Width: 640, Height: 480},
		camera.Size{Width: 320, Height: 240},
	)
	_, h := openMock(t, sizes)
	surface := &countingSurface{}
	b := NewBinder(&passThrough{}, surface, nil)

	b.SetFrameBudget(640, 480)
	if err := b.Bind(h, openState); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer b.Unbind()
	waitFor(t, "frame", func() bool { return surface.count() > 0 })
	if got := b.FrameSize(); got != (camera.Size{Width: 640, Height: 480}) {
		t.Errorf("negotiated: got %v, want 640x480", got)
	}

	// changed while bound: applied before the next read, nearest mode accepted
	b.SetFrameBudget(300, 200)
	waitFor(t, "resize", func() bool { return b.FrameSize() == camera.Size{Width: 320, Height: 240} })
	waitFor(t, "resized frame", func() bool {
		surface.mu.Lock()
		defer surface.mu.Unlock()
		return surface.cols == 320
	})
}

type fakeBroadcaster struct {
	clients int
	frames  [][]byte
}

func (f *fakeBroadcaster) ClientCount() int { return f.clients }
func (f *fakeBroadcaster) BroadcastBinary(data []byte) bool {
	f.frames = append(f.frames, data)
	return true
}

func TestWebSurface(t *testing.T) {
	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(10, 20, 30, 0), 48, 64, gocv.MatTypeCV8UC3)
	defer frame.Close()

	b := &fakeBroadcaster{}
	s := NewWebSurface(b, 70, nil)

	s.Render(frame)
	if len(b.frames) != 0 {
		t.Fatal("encoded a frame with nobody watching")
	}

	b.clients = 1
	s.Render(frame)
	if len(b.frames) != 1 {
		t.Fatalf("frames broadcast: got %d, want 1", len(b.frames))
	}
	if data := b.frames[0]; len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		t.Error("broadcast payload is not a JPEG")
	}
	if sent, _ := s.Stats(); sent != 1 {
		t.Errorf("sent: got %d, want 1", sent)
	}
}

func TestMultiSurface(t *testing.T) {
	a, b := &countingSurface{}, &countingSurface{}
	frame := gocv.NewMatWithSize(2, 2, gocv.MatTypeCV8UC3)
	defer frame.Close()

	MultiSurface{a, NopSurface{}, b}.Render(frame)
	if a.count() != 1 || b.count() != 1 {
		t.Errorf("renders: got %d and %d, want 1 each", a.count(), b.count())
	}
}

func TestFPSMeter(t *testing.T) {
	clock := time.Unix(0, 0)
	m := NewFPSMeter(time.Second)
	m.now = func() time.Time { return clock }

	m.Tick()
	for i := 0; i < 10; i++ {
		clock = clock.Add(100 * time.Millisecond)
		m.Tick()
	}
	// eleven ticks inside the first one-second window
	if got := m.Rate(); got != 11 {
		t.Errorf("rate: got %.2f, want 11", got)
	}

	m.Reset()
	if m.Rate() != 0 {
		t.Error("rate not cleared by Reset")
	}
}
