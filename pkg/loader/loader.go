// Package loader establishes that the vision library is usable before any
// frame reaches the overlay routine.
package loader

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrUnavailable is reported when the vision library cannot be initialised.
// It is not fatal: the preview keeps running without the overlay.
var ErrUnavailable = errors.New("loader: vision library unavailable")

// Result is the loader outcome.
type Result int

const (
	Pending Result = iota
	Ready
	Failed
)

func (r Result) String() string {
	switch r {
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// MarshalText encodes the result as its name.
func (r Result) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Status codes passed to AsyncCallback.OnSuccess.
const (
	StatusSuccess             = 0
	StatusIncompatibleVersion = 2
	StatusInitFailed          = 3
)

// AsyncCallback receives the outcome of Bootstrap.InitAsync.
type AsyncCallback struct {
	OnSuccess func(status int)
	OnFailure func(err error)
}

// Bootstrap initialises the library.
type Bootstrap interface {
	// InitLocal tries the library linked into the binary.
	InitLocal() bool

	// InitAsync runs the fallback initialisation and reports on cb.
	InitAsync(versionTag string, cb AsyncCallback)
}

// Loader runs the bootstrap once and reports Ready or Failed exactly once
// to the sink given at construction.
type Loader struct {
	bootstrap  Bootstrap
	versionTag string
	onResult   func(Result)
	logger     *slog.Logger

	mu      sync.Mutex
	started bool
	result  Result
}

// New creates a loader. onResult is called exactly once, possibly from
// the bootstrap's goroutine.
func New(bootstrap Bootstrap, versionTag string, onResult func(Result), logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		bootstrap:  bootstrap,
		versionTag: versionTag,
		onResult:   onResult,
		logger:     logger.With("component", "loader"),
	}
}

// Result returns the outcome so far.
func (l *Loader) Result() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.result
}

// Start tries local initialisation and falls back to the asynchronous
// path. Only the first call does anything.
func (l *Loader) Start() {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	if l.initLocal() {
		l.logger.Info("vision library ready", "path", "local")
		l.finish(Ready)
		return
	}

	l.logger.Info("local vision library init failed, trying async", "version", l.versionTag)
	l.initAsync()
}

func (l *Loader) initLocal() (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Warn("local init panicked", "panic", r)
			ok = false
		}
	}()
	return l.bootstrap.InitLocal()
}

func (l *Loader) initAsync() {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Warn("async init panicked", "panic", r)
			l.finish(Failed)
		}
	}()
	l.bootstrap.InitAsync(l.versionTag, AsyncCallback{
		OnSuccess: func(status int) {
			if status == StatusSuccess {
				l.logger.Info("vision library ready", "path", "async")
				l.finish(Ready)
				return
			}
			l.logger.Warn("vision library init returned status", "status", status)
			l.finish(Failed)
		},
		OnFailure: func(err error) {
			l.logger.Warn("vision library unavailable", "error", err)
			l.finish(Failed)
		},
	})
}

func (l *Loader) finish(r Result) {
	l.mu.Lock()
	if l.result != Pending {
		l.mu.Unlock()
		return
	}
	l.result = r
	l.mu.Unlock()

	if l.onResult != nil {
		l.onResult(r)
	}
}
