package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tartarus-sandbox/awf/pkg/charon"
	"github.com/tartarus-sandbox/awf/pkg/domain"
	"github.com/tartarus-sandbox/awf/pkg/styx"
	"github.com/tartarus-sandbox/awf/pkg/themis"
)

var (
	renderPolicy policyFlags
	renderWhat   string
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Print the generated proxy config, sandbox entrypoint or host rules",
	Long: `Render builds the configuration a run with the same flags would use and prints
it without touching Docker or the host packet filter.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		policy, err := renderPolicy.policy(cfg.DNSServers)
		if err != nil {
			return err
		}
		rs, err := themis.Classify(policy)
		if err != nil {
			return err
		}
		topo := domain.DefaultTopology(policy.HostAccessEnabled)
		out := cmd.OutOrStdout()

		switch renderWhat {
		case "squid":
			var ca *charon.CertificateAuthority
			if policy.InterceptEnabled {
				if ca, err = charon.NewCertificateAuthority(time.Now()); err != nil {
					return err
				}
			}
			r, err := charon.Render(rs, topo, charon.OptionsFor(policy, ca))
			if err != nil {
				return err
			}
			fmt.Fprint(out, r.SquidConf)
		case "entrypoint":
			script, err := styx.RenderSandboxNAT(topo, policy.Resolvers(), policy.HostAccessEnabled)
			if err != nil {
				return err
			}
			fmt.Fprint(out, script)
		case "iptables":
			dns := policy.Resolvers()
			chain := styx.ChainName(topo, dns)
			fmt.Fprintf(out, "-N %s\n", chain)
			for _, rule := range styx.ChainRules(topo, dns) {
				fmt.Fprintf(out, "-A %s %s\n", chain, shellJoin(rule))
			}
		default:
			return &usageError{err: errors.New("--show must be squid, entrypoint or iptables")}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(renderCmd)
	renderPolicy.register(renderCmd)
	renderCmd.Flags().StringVar(&renderWhat, "show", "squid", "What to print: squid, entrypoint or iptables")
}

// shellJoin quotes arguments the way iptables-save prints them.
func shellJoin(args []string) string {
	out := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			a = strconv.Quote(a)
		}
		out[i] = a
	}
	return strings.Join(out, " ")
}
