package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/koltyakov/connector/internal/auth"
	"github.com/koltyakov/connector/internal/broker"
	"github.com/koltyakov/connector/internal/config"
	ilog "github.com/koltyakov/connector/internal/log"
	"github.com/koltyakov/connector/internal/store/sqlite"
	"github.com/koltyakov/connector/internal/versionutil"
)

func newBrokerCmd(opts *rootOptions) *cobra.Command {
	cfg := config.NewBrokerConfig()
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run the development broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := resolveBroker(cmd, opts, &cfg); err != nil {
				return err
			}
			logger := ilog.New(cfg.LogLevel, cfg.LogFormat)
			store, err := sqlite.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			logger.Info("starting broker", "version", versionutil.Current(), "db", cfg.DBPath)
			b := broker.New(broker.Options{
				Store:          store,
				HealthInterval: cfg.HealthInterval,
				HealthTimeout:  cfg.HealthTimeout,
				Logger:         logger,
			})
			return b.Run(cmd.Context(), cfg)
		},
	}
	// Persistent so the admin subcommands share --db and the log flags.
	cfg.BindFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newAddAgentCmd(opts, &cfg),
		newListAgentsCmd(opts, &cfg),
		newRevokeAgentCmd(opts, &cfg),
	)
	return cmd
}

func resolveBroker(cmd *cobra.Command, opts *rootOptions, cfg *config.BrokerConfig) error {
	if err := config.Resolve(cmd.Flags(), opts.configPath()); err != nil {
		return &usageError{err: err}
	}
	if err := cfg.Validate(); err != nil {
		return &usageError{err: err}
	}
	return nil
}

func openStore(cmd *cobra.Command, opts *rootOptions, cfg *config.BrokerConfig) (*sqlite.Store, error) {
	if err := resolveBroker(cmd, opts, cfg); err != nil {
		return nil, err
	}
	return sqlite.Open(cfg.DBPath)
}

func newAddAgentCmd(opts *rootOptions, cfg *config.BrokerConfig) *cobra.Command {
	var id, user, domainName, password string
	cmd := &cobra.Command{
		Use:   "add-agent",
		Short: "Create agent credentials",
		Long:  "Create agent credentials. Without --password a random one is generated and printed once.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, user, domainName = strings.TrimSpace(id), strings.TrimSpace(user), strings.TrimSpace(domainName)
			if id == "" || user == "" || domainName == "" {
				return &usageError{err: fmt.Errorf("--id, --user and --domain are required")}
			}
			store, err := openStore(cmd, opts, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			generated := password == ""
			if generated {
				if password, err = auth.GeneratePassword(); err != nil {
					return err
				}
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			agent, err := store.CreateAgent(ctx, id, user, domainName, hash)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "agent created")
			fmt.Fprintln(out, "id:", agent.ID)
			fmt.Fprintln(out, "user:", agent.User)
			fmt.Fprintln(out, "domain:", agent.Domain)
			if generated {
				fmt.Fprintln(out, "password:", password)
				fmt.Fprintln(out, "store the password now; it cannot be shown again")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Agent id")
	cmd.Flags().StringVar(&user, "user", "", "Agent user name")
	cmd.Flags().StringVar(&domainName, "domain", "", "Agent domain")
	cmd.Flags().StringVar(&password, "password", "", "Agent password (generated when empty)")
	return cmd
}

func newListAgentsCmd(opts *rootOptions, cfg *config.BrokerConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List agent credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd, opts, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			agents, err := store.ListAgents(cmd.Context())
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no agents")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSER\tDOMAIN\tCREATED\tSTATUS")
			for _, a := range agents {
				status := "active"
				if a.RevokedAt != nil {
					status = "revoked " + a.RevokedAt.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.User, a.Domain, a.CreatedAt.UTC().Format(time.RFC3339), status)
			}
			return w.Flush()
		},
	}
}

func newRevokeAgentCmd(opts *rootOptions, cfg *config.BrokerConfig) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "revoke-agent",
		Short: "Revoke agent credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(id) == "" {
				return &usageError{err: fmt.Errorf("--id is required")}
			}
			store, err := openStore(cmd, opts, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.RevokeAgent(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "agent revoked:", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Agent id")
	return cmd
}
