package cli

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/koltyakov/connector/internal/config"
)

type rootOptions struct {
	configFile string
}

// configPath is the --config value, falling back to CONNECTOR_CONFIG.
func (o *rootOptions) configPath() string {
	if p := strings.TrimSpace(o.configFile); p != "" {
		return p
	}
	return strings.TrimSpace(os.Getenv(config.EnvName("config")))
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "connector",
		Short: "Firewall-traversing tunnel agent",
		Long: `connector runs inside a private network and keeps one outbound tunnel to a
broker. Resource rules decide which internal HTTP endpoints and TCP services
the broker may reach through it.

Every flag can also be set with a CONNECTOR_<FLAG> environment variable or
in the YAML file given by --config. Flags win over the environment, which
wins over the file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "YAML settings file (keys are flag names)")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	root.AddCommand(
		newAgentCmd(opts),
		newBrokerCmd(opts),
		newValidateCmd(),
		newVersionCmd(),
	)
	return root
}
