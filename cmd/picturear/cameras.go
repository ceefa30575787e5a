package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/teslashibe/picturear/internal/log"
	"github.com/teslashibe/picturear/pkg/camera"
	"github.com/teslashibe/picturear/pkg/permission"
)

func newCamerasCmd(flags *rootFlags) *cobra.Command {
	var backendName string
	cmd := &cobra.Command{
		Use:   "cameras",
		Short: "List the cameras the backend can open",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("backend") {
				cfg.Camera.Backend = backendName
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			platform, presenter, err := permission.NewPlatform(cfg.Permission.Mode, cfg.Permission.Glob)
			if err != nil {
				return err
			}
			gate := permission.NewGate(platform, presenter, log.Component("permission"))
			if err := awaitPermission(ctx, gate); err != nil {
				return err
			}

			backend, err := camera.NewBackend(cfg.Camera, log.Component("camera"))
			if err != nil {
				return err
			}
			devices, err := camera.NewEnumerator(backend, log.Component("camera")).List(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tFACING\tLABEL\tNAME")
			for i, d := range devices {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ID, d.Facing, d.Label, d.DisplayName(i))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&backendName, "backend", "", "Camera backend: "+fmt.Sprint(camera.AvailableBackends()))
	return cmd
}

// awaitPermission blocks until the gate settles.
func awaitPermission(ctx context.Context, gate *permission.Gate) error {
	result := make(chan permission.Result, 1)
	gate.Request(func(r permission.Result) {
		select {
		case result <- r:
		default:
		}
	})
	select {
	case r := <-result:
		if r != permission.Granted {
			return permission.ErrDenied
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
