package camera

import (
	"context"
	"fmt"
	"log/slog"
)

// Enumerator lists available cameras through a Backend.
// Every call queries the backend again; nothing is cached.
type Enumerator struct {
	backend Backend
	logger  *slog.Logger
}

// NewEnumerator creates an enumerator over backend.
func NewEnumerator(backend Backend, logger *slog.Logger) *Enumerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enumerator{backend: backend, logger: logger}
}

// List returns the devices in backend order. Platform failures (including
// panics) are converted into ErrEnumerationFailed with an empty list.
func (e *Enumerator) List(ctx context.Context) (devices []Descriptor, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("camera enumeration panicked", "backend", e.backend.Name(), "panic", r)
			devices, err = []Descriptor{}, fmt.Errorf("%w: %v", ErrEnumerationFailed, r)
		}
	}()

	list, err := e.backend.Enumerate(ctx)
	if err != nil {
		e.logger.Warn("camera enumeration failed", "backend", e.backend.Name(), "error", err)
		return []Descriptor{}, fmt.Errorf("%w: %v", ErrEnumerationFailed, err)
	}

	out := make([]Descriptor, 0, len(list))
	for _, d := range list {
		if d.Label == "" {
			d.Label = d.DisplayName(len(out))
		}
		out = append(out, d)
	}

	e.logger.Debug("cameras enumerated", "backend", e.backend.Name(), "count", len(out))
	return out, nil
}

// Find enumerates and returns the descriptor with the given ID.
func (e *Enumerator) Find(ctx context.Context, id string) (Descriptor, error) {
	list, err := e.List(ctx)
	if err != nil {
		return Descriptor{}, err
	}
	for _, d := range list {
		if d.ID == id {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
}
