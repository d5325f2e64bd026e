package styx

import (
	"bytes"
	"fmt"
	"net/netip"
	"text/template"

	"github.com/tartarus-sandbox/awf/pkg/domain"
)

// DockerResolver is the embedded DNS server inside user-defined networks.
const DockerResolver = "127.0.0.11"

// EntrypointPath is where the sandbox entrypoint is mounted.
const EntrypointPath = "/usr/local/bin/awf-entrypoint.sh"

var natScript = template.Must(template.New("nat").Parse(`#!/bin/sh
# awf sandbox entrypoint. Generated; edits are overwritten.
set -eu

# Leave loopback, the proxy and the resolvers alone.
iptables -t nat -A OUTPUT -o lo -j RETURN
iptables -t nat -A OUTPUT -d 127.0.0.0/8 -j RETURN
iptables -t nat -A OUTPUT -d {{.Proxy}} -j RETURN
{{- range .DNS}}
iptables -t nat -A OUTPUT -d {{.}} -j RETURN
{{- end}}
iptables -t nat -A OUTPUT -d {{.DockerResolver}} -j RETURN
{{- if .HostGateway}}

# Host services go through the intercept listener.
iptables -t nat -A OUTPUT -d {{.HostGateway}} -p tcp -j DNAT --to-destination {{.Proxy}}:{{.InterceptPort}}
{{- end}}

# Web traffic that ignores the proxy variables is redirected to the proxy.
iptables -t nat -A OUTPUT -p tcp --dport 80 -j DNAT --to-destination {{.Proxy}}:{{.ProxyPort}}
iptables -t nat -A OUTPUT -p tcp --dport 443 -j DNAT --to-destination {{.Proxy}}:{{.ProxyPort}}

# Nothing leaves except to the proxy and the resolvers. This also keeps the
# host's own addresses, which the host FORWARD rules never see, out of reach.
iptables -A OUTPUT -o lo -j ACCEPT
iptables -A OUTPUT -d {{.Proxy}} -j ACCEPT
iptables -A OUTPUT -m conntrack --ctstate ESTABLISHED,RELATED -j ACCEPT
{{- range .DNS}}
iptables -A OUTPUT -d {{.}} -p udp --dport 53 -j ACCEPT
iptables -A OUTPUT -d {{.}} -p tcp --dport 53 -j ACCEPT
{{- end}}
iptables -A OUTPUT -d {{.DockerResolver}} -p udp --dport 53 -j ACCEPT
iptables -A OUTPUT -d {{.DockerResolver}} -p tcp --dport 53 -j ACCEPT
iptables -A OUTPUT -p udp --dport 53 -j DROP
iptables -A OUTPUT -p tcp --dport 53 -j DROP
iptables -A OUTPUT -j LOG --log-prefix "{{.LogPrefix}}"
iptables -A OUTPUT -j DROP

ip6tables -P OUTPUT DROP 2>/dev/null || true

exec capsh --drop=cap_net_admin -- -c 'exec "$@"' awf "$@"
`))

type natParams struct {
	Proxy          string
	ProxyPort      uint16
	InterceptPort  uint16
	DNS            []string
	DockerResolver string
	HostGateway    string
	LogPrefix      string
}

// RenderSandboxNAT produces the sandbox entrypoint script. It configures the
// container's own NAT table, then drops CAP_NET_ADMIN before running the
// user command, so the command cannot undo the rules.
func RenderSandboxNAT(topo domain.NetworkTopology, dns []netip.Addr, hostAccess bool) (string, error) {
	if err := topo.Validate(); err != nil {
		return "", err
	}
	if len(dns) == 0 {
		dns = domain.DefaultDNSServers
	}

	p := natParams{
		Proxy:          topo.ProxyAddr.String(),
		ProxyPort:      topo.ProxyPort,
		InterceptPort:  topo.InterceptPort,
		DockerResolver: DockerResolver,
		LogPrefix:      LogPrefixBlocked,
	}
	for _, d := range dns {
		if !d.Is4() {
			return "", fmt.Errorf("DNS server %s is not IPv4", d)
		}
		p.DNS = append(p.DNS, d.String())
	}
	if hostAccess {
		if topo.InterceptPort == 0 {
			return "", fmt.Errorf("host access requires an intercept port")
		}
		p.HostGateway = topo.Gateway.String()
	}

	var buf bytes.Buffer
	if err := natScript.Execute(&buf, p); err != nil {
		return "", fmt.Errorf("failed to render entrypoint: %w", err)
	}
	return buf.String(), nil
}
