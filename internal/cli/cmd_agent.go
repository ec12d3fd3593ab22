package cli

import (
	"github.com/spf13/cobra"

	"github.com/koltyakov/connector/internal/agent"
	"github.com/koltyakov/connector/internal/config"
	ilog "github.com/koltyakov/connector/internal/log"
	"github.com/koltyakov/connector/internal/versionutil"
)

func newAgentCmd(opts *rootOptions) *cobra.Command {
	cfg := config.NewAgentConfig()
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the tunnel agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Resolve(cmd.Flags(), opts.configPath()); err != nil {
				return &usageError{err: err}
			}
			if err := cfg.Validate(); err != nil {
				return &usageError{err: err}
			}
			logger := ilog.New(cfg.LogLevel, cfg.LogFormat)
			logger.Info("starting agent", "version", versionutil.Current(), "agent_id", cfg.AgentID, "broker", cfg.BrokerURL, "rules", cfg.RulesFile)
			return agent.New(agent.Options{Config: cfg, Logger: logger}).Run(cmd.Context())
		},
	}
	cfg.BindFlags(cmd.Flags())
	return cmd
}
