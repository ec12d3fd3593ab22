package cli

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/koltyakov/connector/internal/rules"
)

func newValidateCmd() *cobra.Command {
	var agentID string
	var proxyPortBase, socksPort int
	cmd := &cobra.Command{
		Use:   "validate RULES_FILE",
		Short: "Check a resource rule file",
		Long: `Check a resource rule file. With --agent-id the rules are also compiled for
that agent and printed as JSON, with placeholder secret keys 1, 2, 3, ...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			parsed, err := rules.Parse(data)
			if err != nil {
				return err
			}
			if err := rules.ValidateSet(parsed); err != nil {
				var verr *rules.ValidationError
				if errors.As(err, &verr) {
					for _, p := range verr.Problems() {
						fmt.Fprintln(cmd.ErrOrStderr(), "-", p)
					}
					return fmt.Errorf("%s: %d problem(s)", args[0], len(verr.Problems()))
				}
				return err
			}
			if agentID == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rule(s) ok\n", args[0], len(parsed))
				return nil
			}

			compiled, err := rules.Compile(parsed, rules.CompileOptions{
				OwnerID:       agentID,
				ProxyPortBase: proxyPortBase,
				SocksPort:     socksPort,
				Rand:          &previewKeys{},
			})
			if err != nil {
				return err
			}
			if err := rules.ValidateRuntimeSet(compiled); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(compiled)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent-id", "", "Compile the rules for this agent")
	cmd.Flags().IntVar(&proxyPortBase, "proxy-port-base", 9000, "First HTTP proxy port")
	cmd.Flags().IntVar(&socksPort, "socks-port", 1080, "SOCKS port")
	return cmd
}

// previewKeys hands out 1, 2, 3, ... as secret keys so previews are stable
// and never show real key material.
type previewKeys struct {
	next uint64
}

func (k *previewKeys) Read(p []byte) (int, error) {
	k.next++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], k.next)
	return copy(p, buf[:]), nil
}
