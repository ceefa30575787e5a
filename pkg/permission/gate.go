// Package permission obtains the user's consent to use the camera before
// any device is enumerated or opened.
package permission

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrDenied is reported when camera access is refused. It is terminal for
// the viewfinder.
var ErrDenied = errors.New("permission: camera access denied")

// Result is the outcome of a permission cycle.
type Result int

const (
	Denied Result = iota
	Granted
)

func (r Result) String() string {
	if r == Granted {
		return "granted"
	}
	return "denied"
}

// Platform is the host permission subsystem.
type Platform interface {
	// Check reports whether access is already granted.
	Check() bool

	// ShouldShowRationale reports whether the user should be told why the
	// camera is needed before being asked.
	ShouldShowRationale() bool

	// Request asks for access and calls cb exactly once with the answer.
	Request(cb func(granted bool))
}

// Presenter shows the rationale and calls done once it is dismissed.
type Presenter interface {
	ShowRationale(done func())
}

// Gate runs permission cycles. Each cycle yields exactly one Result;
// Requests made while a cycle is running join it.
type Gate struct {
	platform  Platform
	presenter Presenter
	logger    *slog.Logger

	mu      sync.Mutex
	granted bool
	cycle   int
	running bool
	waiters []func(Result)
}

// NewGate creates a gate. presenter may be nil, in which case the
// rationale step is skipped.
func NewGate(platform Platform, presenter Presenter, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{platform: platform, presenter: presenter, logger: logger.With("component", "permission")}
}

// Granted reports whether a cycle has granted access.
func (g *Gate) Granted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.granted
}

// Request starts (or joins) a permission cycle. If access was already
// granted, cb is called synchronously with Granted.
func (g *Gate) Request(cb func(Result)) {
	g.mu.Lock()
	if g.granted {
		g.mu.Unlock()
		cb(Granted)
		return
	}
	g.waiters = append(g.waiters, cb)
	if g.running {
		g.mu.Unlock()
		return
	}
	g.running = true
	g.cycle++
	cycle := g.cycle
	g.mu.Unlock()

	if g.check() {
		g.finish(cycle, true)
		return
	}

	if g.presenter != nil && g.rationale() {
		g.logger.Info("showing camera permission rationale")
		g.presenter.ShowRationale(func() { g.request(cycle) })
		return
	}
	g.request(cycle)
}

func (g *Gate) check() (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("permission check panicked", "panic", r)
			ok = false
		}
	}()
	return g.platform.Check()
}

func (g *Gate) rationale() (show bool) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("permission rationale check panicked", "panic", r)
			show = false
		}
	}()
	return g.platform.ShouldShowRationale()
}

func (g *Gate) request(cycle int) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("permission request panicked", "panic", r)
			g.finish(cycle, false)
		}
	}()
	g.platform.Request(func(granted bool) { g.finish(cycle, granted) })
}

// finish resolves cycle once; late or duplicate answers are dropped.
func (g *Gate) finish(cycle int, granted bool) {
	g.mu.Lock()
	if !g.running || cycle != g.cycle {
		g.mu.Unlock()
		return
	}
	g.running = false
	if granted {
		g.granted = true
	}
	waiters := g.waiters
	g.waiters = nil
	g.mu.Unlock()

	result := Denied
	if granted {
		result = Granted
	}
	g.logger.Info("camera permission resolved", "result", result.String())
	for _, w := range waiters {
		w(result)
	}
}
