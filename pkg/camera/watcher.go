package camera

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
)

// hotplugSettle groups the burst of node events a single plug produces.
const hotplugSettle = 300 * time.Millisecond

// Watcher reports video device nodes appearing or disappearing under a
// directory (normally /dev). It only notifies; it never opens anything.
type Watcher struct {
	dir      string
	logger   *slog.Logger
	onChange func()
}

// NewWatcher creates a watcher for dir calling onChange after each settled
// burst of video node changes.
func NewWatcher(dir string, onChange func(), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{dir: dir, logger: logger, onChange: onChange}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("camera: watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("camera: watch %s: %w", w.dir, err)
	}

	debounced := debounce.New(hotplugSettle)
	w.logger.Debug("watching for camera hot-plug", "dir", w.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !isVideoNode(ev.Name) || !ev.Has(fsnotify.Create|fsnotify.Remove) {
				continue
			}
			w.logger.Info("camera device changed", "node", ev.Name, "op", ev.Op.String())
			debounced(w.onChange)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("camera watcher error", "error", err)
		}
	}
}

func isVideoNode(path string) bool {
	return strings.HasPrefix(filepath.Base(path), "video")
}
