package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"corenexus/internal/app"
	"corenexus/internal/shared/logger"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the control plane (web API, core supervisor, observers)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig(false)
			if err != nil {
				return err
			}
			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			appServer, err := app.New(cfg, ctx.configPath)
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() { errCh <- appServer.Run() }()

			select {
			case err := <-errCh:
				appServer.Stop()
				return err
			case <-signalCtx.Done():
				logger.Info().Msg("Received shutdown signal.")
			}
			appServer.Stop()
			if err := <-errCh; err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}
}
