package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/animus-coder/agentstream/internal/config"
	"github.com/animus-coder/agentstream/internal/daemon"
	"github.com/animus-coder/agentstream/internal/logging"
	"github.com/animus-coder/agentstream/internal/version"
)

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:          "agentstreamd",
		Short:        "agentstream daemon: serves the coding agent over live streams",
		Version:      version.Full(),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			logger, err := logging.FromConfig(cfg.Logging, "agentstreamd")
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			server, err := daemon.NewServer(ctx, cfg, logger)
			if err != nil {
				logger.Error("startup failed", zap.Error(err))
				return err
			}
			return server.Run(ctx)
		},
	}

	root.Flags().StringVar(&cfgPath, "config", "", "Path to config file (default: configs/config.yaml)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
