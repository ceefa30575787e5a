package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/picturear/internal/config"
	"github.com/teslashibe/picturear/internal/log"
	"github.com/teslashibe/picturear/pkg/camera"
	"github.com/teslashibe/picturear/pkg/coordinator"
	"github.com/teslashibe/picturear/pkg/debug"
	"github.com/teslashibe/picturear/pkg/hub"
	"github.com/teslashibe/picturear/pkg/loader"
	"github.com/teslashibe/picturear/pkg/overlay"
	"github.com/teslashibe/picturear/pkg/permission"
	"github.com/teslashibe/picturear/pkg/refimage"
	"github.com/teslashibe/picturear/pkg/view"
	"github.com/teslashibe/picturear/pkg/web"
)

type runFlags struct {
	backend      string
	device       string
	templates    string
	permission   string
	background   string
	port         int
	noWeb        bool
	window       bool
	debugOverlay bool
	debugFrames  bool
}

func newRunCmd(root *rootFlags) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the viewfinder",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			applyRunFlags(cmd, flags, &cfg)
			debug.Frames = flags.debugFrames
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runViewfinder(ctx, cfg)
		},
	}

	bindRunFlags(cmd, flags)
	return cmd
}

func bindRunFlags(cmd *cobra.Command, flags *runFlags) {
	f := cmd.Flags()
	f.StringVar(&flags.backend, "backend", "", "Camera backend: auto, v4l2, legacy, remote, mock")
	f.StringVar(&flags.device, "camera", "", "Preferred camera ID (default: first enumerated)")
	f.StringVar(&flags.templates, "templates", "", "Directory holding img0p, img1p, img0m, img1m")
	f.StringVar(&flags.permission, "permission", "", "Permission mode: prompt, devices, grant, deny")
	f.StringVar(&flags.background, "background-policy", "", "On background: unbind (keep camera open) or close")
	f.IntVar(&flags.port, "port", 0, "Dashboard port")
	f.BoolVar(&flags.noWeb, "no-web", false, "Disable the dashboard")
	f.BoolVar(&flags.window, "window", false, "Show the preview in a local window")
	f.BoolVar(&flags.debugOverlay, "debug-overlay", false, "Outline detected marker candidates")
	f.BoolVar(&flags.debugFrames, "debug-frames", false, "Log every delivered frame (very verbose)")
}

// applyRunFlags overrides cfg with the flags that were set explicitly.
func applyRunFlags(cmd *cobra.Command, flags *runFlags, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("backend") {
		cfg.Camera.Backend = flags.backend
	}
	if changed("camera") {
		cfg.Camera.Device = flags.device
	}
	if changed("templates") {
		cfg.Overlay.Templates = flags.templates
	}
	if changed("permission") {
		cfg.Permission.Mode = flags.permission
	}
	if changed("background-policy") {
		cfg.BackgroundPolicy = flags.background
	}
	if changed("port") {
		cfg.Web.Port = flags.port
	}
	if flags.noWeb {
		cfg.Web.Enabled = false
	}
	if changed("window") {
		cfg.Window = flags.window
	}
	if changed("debug-overlay") {
		cfg.Overlay.Debug = flags.debugOverlay
	}
}

// runViewfinder wires the coordinator, dashboard and hot-plug watcher and
// runs them until ctx is cancelled or permission is denied.
func runViewfinder(ctx context.Context, cfg config.Config) error {
	logger := log.Component("main")

	backend, err := camera.NewBackend(cfg.Camera, log.Component("camera"))
	if err != nil {
		return err
	}

	platform, presenter, err := permission.NewPlatform(cfg.Permission.Mode, cfg.Permission.Glob)
	if err != nil {
		return err
	}
	gate := permission.NewGate(platform, presenter, log.Component("permission"))

	refs, err := refimage.Load(cfg.Overlay.Templates)
	if err != nil {
		logger.Warn("reference images unavailable, frames pass through", "dir", cfg.Overlay.Templates, "error", err)
	}

	preview := hub.New("preview", log.Component("hub"))
	status := hub.New("status", log.Component("hub"))

	var surfaces view.MultiSurface
	if cfg.Web.Enabled {
		surfaces = append(surfaces, view.NewWebSurface(preview, cfg.Camera.Quality, log.Component("preview")))
	}
	if cfg.Window {
		window := view.NewWindowSurface("picturear")
		defer window.Close()
		surfaces = append(surfaces, window)
	}

	coord := coordinator.New(coordinator.Config{
		Backend:          backend,
		Permission:       gate,
		Bootstrap:        loader.GoCV{Major: cfg.Overlay.OpenCVVersion, Logger: log.Component("loader")},
		VersionTag:       cfg.Overlay.OpenCVVersion,
		References:       refs,
		Routine:          overlay.NewMarkerRoutine(log.Component("overlay")),
		Surface:          surfaces,
		Preferred:        cfg.Camera.Device,
		FrameBudget:      cfg.Camera.Budget(),
		BackgroundPolicy: cfg.BackgroundPolicy,
		ShutdownTimeout:  cfg.ShutdownTimeout(),
		OverlayDebug:     cfg.Overlay.Debug,
		OnStatus: func(s coordinator.Status) {
			if err := status.BroadcastJSON(s); err != nil {
				logger.Warn("status broadcast failed", "error", err)
			}
		},
		Logger: log.Component("coordinator"),
	})

	settings := camera.NewSettings(cfg.Camera)
	settings.OnConfigChange = func(c camera.Config) error {
		coord.SetFrameBudget(c.Width, c.Height)
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		preview.Run(gctx)
		return nil
	})
	g.Go(func() error {
		status.Run(gctx)
		return nil
	})

	if cfg.Web.Enabled {
		server := web.NewServer(web.Options{
			Port:       cfg.Web.Port,
			Controller: coord,
			Settings:   settings,
			Preview:    preview,
			Status:     status,
			Logger:     log.Component("web"),
		})
		g.Go(func() error { return server.Run(gctx) })
	}

	if backend.Name() == camera.BackendV4L2 && cfg.Camera.DeviceDir != "" {
		watcher := camera.NewWatcher(cfg.Camera.DeviceDir, coord.Rescan, log.Component("watcher"))
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil {
				logger.Warn("hot-plug watcher stopped", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		err := coord.Run(gctx)
		if errors.Is(err, coordinator.ErrPermissionDenied) {
			logger.Error("camera permission denied, exiting")
		}
		return err
	})

	err = g.Wait()
	logger.Info("viewfinder stopped", "status", coord.Status().State)
	return err
}
