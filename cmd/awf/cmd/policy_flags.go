package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/tartarus-sandbox/awf/pkg/domain"
	"github.com/tartarus-sandbox/awf/pkg/themis"
)

// policyFlags are shared by run and render.
type policyFlags struct {
	allow      string
	allowFile  string
	block      string
	blockFile  string
	dns        string
	intercept  bool
	hostAccess bool
}

func (f *policyFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.allow, "allow-domains", "", "Comma-separated domains the command may reach; subdomains included, '=' prefix for exact, '*' wildcards, http:// or https:// to restrict the scheme")
	fs.StringVar(&f.allowFile, "allow-domains-file", "", "File with allowed domains, one or more per line, '#' comments")
	fs.StringVar(&f.block, "block-domains", "", "Comma-separated domains denied even when allowed")
	fs.StringVar(&f.blockFile, "block-domains-file", "", "File with blocked domains")
	fs.StringVar(&f.dns, "dns-servers", "", "Comma-separated IPv4 resolvers (default from config, 8.8.8.8,8.8.4.4)")
	fs.BoolVar(&f.intercept, "ssl-bump", false, "Decrypt allowed HTTPS with an ephemeral CA so URL paths are filtered")
	fs.BoolVar(&f.hostAccess, "enable-host-access", false, "Let the sandbox reach the host via host.docker.internal")
}

// policy turns the flags into a Policy. An empty allow list is valid and
// denies all egress.
func (f *policyFlags) policy(defaultDNS []string) (domain.Policy, error) {
	allow, err := f.list(f.allow, f.allowFile)
	if err != nil {
		return domain.Policy{}, err
	}
	block, err := f.list(f.block, f.blockFile)
	if err != nil {
		return domain.Policy{}, err
	}
	dns := themis.SplitList(f.dns)
	if strings.TrimSpace(f.dns) == "" {
		dns = defaultDNS
	}
	return themis.NewPolicy(allow, block, dns, f.intercept, f.hostAccess)
}

func (f *policyFlags) list(inline, file string) ([]string, error) {
	out := themis.SplitList(inline)
	if file != "" {
		more, err := themis.LoadDomainsFile(file)
		if err != nil {
			return nil, &usageError{err: err}
		}
		out = append(out, more...)
	}
	return out, nil
}
