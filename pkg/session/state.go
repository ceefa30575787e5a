// Package session implements the device session: the state machine that
// owns at most one open camera handle and sequences opens, closes and
// switches between cameras.
package session

import (
	"errors"
	"time"

	"github.com/teslashibe/picturear/pkg/camera"
)

// State is the lifecycle state of a device session.
type State int32

const (
	Closed State = iota
	Opening
	Open
	Closing
	Error
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state as its name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Sentinel errors for session operations.
var (
	// ErrNotReady is returned when an open is attempted before permission
	// and library readiness are both established.
	ErrNotReady = errors.New("session: not ready to open")

	// ErrInvalidState is returned for operations not valid in the current state.
	ErrInvalidState = errors.New("session: invalid state")

	// ErrTerminated is returned after Shutdown.
	ErrTerminated = errors.New("session: terminated")

	// ErrOpenFailed reports a device that could not be opened.
	ErrOpenFailed = errors.New("session: device open failed")

	// ErrDeviceError reports an open device that disconnected or failed.
	ErrDeviceError = errors.New("session: device error")
)

// Binder attaches an open handle to the preview. Unbind must not return
// until no frame callback for the previous handle is running.
type Binder interface {
	Bind(h camera.Handle, state func() State) error
	Unbind()
}

// Transition is reported to observers on every state change.
type Transition struct {
	From   State             `json:"from"`
	To     State             `json:"to"`
	Device camera.Descriptor `json:"device"`
	At     time.Time         `json:"at"`
}

// EventKind identifies a device callback.
type EventKind int

const (
	EventOpened EventKind = iota
	EventClosed
	EventDisconnected
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventClosed:
		return "closed"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a device callback converted into a message for the owner
// goroutine. Gen ties it to the open attempt that produced it.
type Event struct {
	Kind   EventKind
	Gen    uint64
	ID     string
	Handle camera.Handle
	Code   int
}

// poster converts backend callbacks for one open attempt into Events.
type poster struct {
	gen  uint64
	post func(Event)
}

func (p *poster) OnOpened(h camera.Handle) {
	p.post(Event{Kind: EventOpened, Gen: p.gen, ID: h.ID(), Handle: h})
}

func (p *poster) OnClosed(id string) {
	p.post(Event{Kind: EventClosed, Gen: p.gen, ID: id})
}

func (p *poster) OnDisconnected(h camera.Handle) {
	p.post(Event{Kind: EventDisconnected, Gen: p.gen, ID: h.ID(), Handle: h, Code: camera.ErrorCameraDisconnected})
}

func (p *poster) OnError(h camera.Handle, code int) {
	ev := Event{Kind: EventError, Gen: p.gen, Handle: h, Code: code}
	if h != nil {
		ev.ID = h.ID()
	}
	p.post(ev)
}
