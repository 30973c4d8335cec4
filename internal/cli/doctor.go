package cli

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/animus-coder/agentstream/internal/config"
	"github.com/animus-coder/agentstream/internal/llm/configbuilder"
)

// NewDoctorCmd returns a health-check command validating config and environment.
func NewDoctorCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Validate configuration and environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config OK. Engine: %s, providers: %d, models: %d\n", cfg.Engine.Kind, len(cfg.Providers), len(cfg.Models))
			if cfg.Engine.Kind == config.EngineLLM {
				reg, err := configbuilder.BuildRegistryFromConfig(cfg)
				if err != nil {
					return fmt.Errorf("model registry: %w", err)
				}
				fmt.Fprintf(out, "Models: %s (default %s)\n", strings.Join(reg.Models(), ", "), reg.DefaultModel())
			}
			fmt.Fprintf(out, "Repository: %s\n", cfg.Workspace.RepoURL)
			fmt.Fprintf(out, "Approval policy: %s, sandbox enabled: %v, network: %v\n",
				cfg.Agent.ApprovalPolicy, cfg.Sandbox.Enabled, cfg.Sandbox.AllowNetwork)
			fmt.Fprintf(out, "Stream: %s%s (framing %s, connect %v), metrics: %v\n",
				cfg.Server.Addr, cfg.Server.StreamPath, cfg.Server.Framing, cfg.Server.ConnectEnabled, cfg.Server.MetricsEnabled)

			if path, err := exec.LookPath("git"); err != nil {
				fmt.Fprintln(out, "WARNING: git not found in PATH; the daemon cannot clone or publish")
			} else {
				fmt.Fprintf(out, "git: %s\n", path)
			}
			if cfg.Workspace.Publish && cfg.Workspace.Token == "" {
				fmt.Fprintln(out, "WARNING: workspace.token is empty; pull requests cannot be opened")
			}
			return nil
		},
	}
}
