package camera

import "sync"

// handleBase carries the bookkeeping shared by backend handles:
// identity and the exactly-once asynchronous close.
type handleBase struct {
	desc Descriptor
	cb   StateCallback

	closeOnce sync.Once
	closed    chan struct{}
}

func newHandleBase(desc Descriptor, cb StateCallback) handleBase {
	return handleBase{desc: desc, cb: cb, closed: make(chan struct{})}
}

func (b *handleBase) ID() string             { return b.desc.ID }
func (b *handleBase) Descriptor() Descriptor { return b.desc }

func (b *handleBase) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

// closeAsync marks the handle closed, runs release on a goroutine and then
// reports OnClosed. Later calls do nothing.
func (b *handleBase) closeAsync(release func()) {
	b.closeOnce.Do(func() {
		close(b.closed)
		go func() {
			if release != nil {
				release()
			}
			b.cb.OnClosed(b.desc.ID)
		}()
	})
}
