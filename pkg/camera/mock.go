package camera

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"
)

// MockBackend is a scriptable camera backend for testing.
// It records every platform interaction in an event log ("open:0",
// "opened:0", "close:0", "closed:0", ...) and tracks how many handles are
// alive at once.
type MockBackend struct {
	logger *slog.Logger

	mu         sync.Mutex
	devices    []Descriptor
	sizes      []Size
	enumErr    error
	enumPanic  bool
	openErrs   map[string]int
	openDelay  time.Duration
	closeDelay time.Duration
	interval   time.Duration

	events  []string
	live    int
	maxLive int
	handles map[string]*MockHandle

	// Stats
	enumerations atomic.Int64
	readsAtClose atomic.Int64
	framesRead   atomic.Int64
}

// MockOption configures a MockBackend.
type MockOption func(*MockBackend)

// WithDevices sets the devices the mock enumerates, in order.
func WithDevices(devices ...Descriptor) MockOption {
	return func(m *MockBackend) { m.devices = devices }
}

// WithSupportedSizes sets the capture modes SetFrameSize negotiates against.
func WithSupportedSizes(sizes ...Size) MockOption {
	return func(m *MockBackend) { m.sizes = sizes }
}

// WithEnumerateError makes Enumerate fail with err.
func WithEnumerateError(err error) MockOption {
	return func(m *MockBackend) { m.enumErr = err }
}

// WithEnumeratePanic makes Enumerate panic.
func WithEnumeratePanic() MockOption {
	return func(m *MockBackend) { m.enumPanic = true }
}

// WithOpenError makes opening id report OnError with code.
func WithOpenError(id string, code int) MockOption {
	return func(m *MockBackend) { m.openErrs[id] = code }
}

// WithOpenDelay delays open completion.
func WithOpenDelay(d time.Duration) MockOption {
	return func(m *MockBackend) { m.openDelay = d }
}

// WithCloseDelay delays close completion.
func WithCloseDelay(d time.Duration) MockOption {
	return func(m *MockBackend) { m.closeDelay = d }
}

// WithFrameInterval sets the synthetic frame period.
func WithFrameInterval(d time.Duration) MockOption {
	return func(m *MockBackend) { m.interval = d }
}

// NewMockBackend creates a mock backend.
func NewMockBackend(logger *slog.Logger, opts ...MockOption) *MockBackend {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MockBackend{
		logger:   logger,
		openErrs: make(map[string]int),
		interval: 5 * time.Millisecond,
		handles:  make(map[string]*MockHandle),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ Backend = (*MockBackend)(nil)

// Name returns "mock".
func (m *MockBackend) Name() string { return BackendMock }

// Enumerate returns the configured devices.
func (m *MockBackend) Enumerate(ctx context.Context) ([]Descriptor, error) {
	m.enumerations.Add(1)
	m.Record("enumerate")

	m.mu.Lock()
	devices, err, boom := slices.Clone(m.devices), m.enumErr, m.enumPanic
	m.mu.Unlock()

	if boom {
		panic("mock: camera service crashed")
	}
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// SetDevices replaces the device list (simulates hot-plug).
func (m *MockBackend) SetDevices(devices ...Descriptor) {
	m.mu.Lock()
	m.devices = devices
	m.mu.Unlock()
}

// Open starts opening id and reports through cb after the open delay.
func (m *MockBackend) Open(ctx context.Context, id string, cb StateCallback) error {
	m.mu.Lock()
	idx := slices.IndexFunc(m.devices, func(d Descriptor) bool { return d.ID == id })
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	desc := m.devices[idx]
	code, fail := m.openErrs[id]
	delay := m.openDelay
	m.live++
	m.maxLive = max(m.maxLive, m.live)
	m.events = append(m.events, "open:"+id)

	h := &MockHandle{
		handleBase: newHandleBase(desc, cb),
		backend:    m,
		size:       Size{Width: 640, Height: 480},
	}
	m.handles[id] = h
	m.mu.Unlock()

	go func() {
		time.Sleep(delay)
		if fail {
			m.Record("error:" + id)
			cb.OnError(h, code)
			return
		}
		m.Record("opened:" + id)
		cb.OnOpened(h)
	}()
	return nil
}

// Record appends an entry to the event log. Tests use it to interleave
// their own observations with platform calls.
func (m *MockBackend) Record(event string) {
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
}

// Events returns a copy of the event log.
func (m *MockBackend) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events)
}

// Live returns the number of handles opened (or opening) and not yet closed.
func (m *MockBackend) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// MaxLive returns the highest number of simultaneously live handles.
func (m *MockBackend) MaxLive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxLive
}

// Enumerations returns the number of Enumerate calls.
func (m *MockBackend) Enumerations() int { return int(m.enumerations.Load()) }

// ReadsAtClose returns how often Close was called while a ReadFrame was running.
func (m *MockBackend) ReadsAtClose() int { return int(m.readsAtClose.Load()) }

// FramesRead returns the number of frames delivered.
func (m *MockBackend) FramesRead() int { return int(m.framesRead.Load()) }

// Disconnect simulates an unsolicited disconnect of the latest handle for id.
func (m *MockBackend) Disconnect(id string) bool {
	m.mu.Lock()
	h := m.handles[id]
	m.mu.Unlock()
	if h == nil || h.isClosed() {
		return false
	}
	m.Record("disconnected:" + id)
	go h.cb.OnDisconnected(h)
	return true
}

// Fail simulates an unsolicited device error on the latest handle for id.
func (m *MockBackend) Fail(id string, code int) bool {
	m.mu.Lock()
	h := m.handles[id]
	m.mu.Unlock()
	if h == nil || h.isClosed() {
		return false
	}
	m.Record(fmt.Sprintf("error:%s:%d", id, code))
	go h.cb.OnError(h, code)
	return true
}

// MockHandle is a synthetic open device producing solid-color frames.
type MockHandle struct {
	handleBase
	backend *MockBackend

	mu       sync.Mutex
	size     Size
	inFlight atomic.Int32
}

var _ Handle = (*MockHandle)(nil)

// SetFrameSize negotiates against the backend's supported sizes.
func (h *MockHandle) SetFrameSize(width, height int) (int, int) {
	h.backend.mu.Lock()
	sizes := h.backend.sizes
	h.backend.mu.Unlock()

	got := NearestSize(sizes, Size{Width: width, Height: height})

	h.mu.Lock()
	h.size = got
	h.mu.Unlock()

	h.backend.Record(fmt.Sprintf("size:%s:%s", h.desc.ID, got))
	return got.Width, got.Height
}

// ReadFrame waits one frame interval and fills dst.
func (h *MockHandle) ReadFrame(dst *gocv.Mat) error {
	h.inFlight.Add(1)
	defer h.inFlight.Add(-1)

	h.backend.mu.Lock()
	interval := h.backend.interval
	h.backend.mu.Unlock()

	select {
	case <-h.closed:
		return ErrClosed
	case <-time.After(interval):
	}

	h.mu.Lock()
	size := h.size
	h.mu.Unlock()

	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(40, 80, 120, 0), size.Height, size.Width, gocv.MatTypeCV8UC3)
	defer frame.Close()
	frame.CopyTo(dst)

	h.backend.framesRead.Add(1)
	return nil
}

// Close records the call and completes after the backend's close delay.
func (h *MockHandle) Close() {
	if h.isClosed() {
		return
	}
	if h.inFlight.Load() > 0 {
		h.backend.readsAtClose.Add(1)
	}
	h.backend.Record("close:" + h.desc.ID)

	h.backend.mu.Lock()
	delay := h.backend.closeDelay
	h.backend.mu.Unlock()

	h.closeAsync(func() {
		time.Sleep(delay)
		h.backend.mu.Lock()
		h.backend.live--
		h.backend.events = append(h.backend.events, "closed:"+h.desc.ID)
		h.backend.mu.Unlock()
	})
}
