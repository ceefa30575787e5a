//go:build !linux

package camera

import (
	"fmt"
	"log/slog"
)

// newV4L2Backend returns an error on non-Linux platforms.
func newV4L2Backend(cfg Config, logger *slog.Logger) (Backend, error) {
	return nil, fmt.Errorf("%w: v4l2 is only available on Linux", ErrBackendUnavailable)
}
