package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/waterwheel-org/waterwheel/internal/config"
	"github.com/waterwheel-org/waterwheel/internal/logger"
	"github.com/waterwheel-org/waterwheel/internal/server"
)

func serverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Start the waterwheel server",
		Long:  "Runs the trigger scheduler, token processor, progress ingester and HTTP API in one process.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var opts []config.Option
			if configFile != "" {
				opts = append(opts, config.WithConfigFile(configFile))
			}
			cfg, err := config.Load(opts...)
			if err != nil {
				return err
			}

			var logOpts []logger.Option
			if cfg.Debug {
				logOpts = append(logOpts, logger.WithDebug())
			}
			logOpts = append(logOpts, logger.WithFormat(cfg.LogFormat))
			ctx = logger.WithLogger(ctx, logger.NewLogger(logOpts...))

			if err := server.New(cfg).Run(ctx); err != nil {
				logger.Error(ctx, "server exited with error", "err", err)
				return err
			}
			return nil
		},
	}
}
