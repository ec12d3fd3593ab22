package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/koltyakov/connector/internal/versionutil"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "connector", versionutil.Current())
		},
	}
}
