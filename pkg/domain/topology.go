package domain

import (
	"fmt"
	"net/netip"
)

// Network topology. The values are fixed so the squid ACL, the iptables targets
// and the compose descriptor agree without a discovery step.

type NetworkTopology struct {
	NetworkName    string       `json:"network_name" yaml:"network_name"`
	BridgeName     string       `json:"bridge_name" yaml:"bridge_name"`
	Subnet         netip.Prefix `json:"subnet" yaml:"subnet"`
	Gateway        netip.Addr   `json:"gateway" yaml:"gateway"`
	ProxyAddr      netip.Addr   `json:"proxy_addr" yaml:"proxy_addr"`
	SandboxAddr    netip.Addr   `json:"sandbox_addr" yaml:"sandbox_addr"`
	ProxyPort      uint16       `json:"proxy_port" yaml:"proxy_port"`
	InterceptPort  uint16       `json:"intercept_port,omitempty" yaml:"intercept_port,omitempty"`
	ProxyContainer string       `json:"proxy_container" yaml:"proxy_container"`
	AgentContainer string       `json:"agent_container" yaml:"agent_container"`
}

const (
	DefaultProxyPort     uint16 = 3128
	DefaultInterceptPort uint16 = 3129
)

// DefaultTopology returns the fixed two-node layout. The intercept listener
// only exists when host access is enabled.
func DefaultTopology(hostAccess bool) NetworkTopology {
	t := NetworkTopology{
		NetworkName:    "awf-net",
		BridgeName:     "awf-bridge",
		Subnet:         netip.MustParsePrefix("172.30.0.0/24"),
		Gateway:        netip.MustParseAddr("172.30.0.1"),
		ProxyAddr:      netip.MustParseAddr("172.30.0.10"),
		SandboxAddr:    netip.MustParseAddr("172.30.0.20"),
		ProxyPort:      DefaultProxyPort,
		ProxyContainer: "awf-squid",
		AgentContainer: "awf-agent",
	}
	if hostAccess {
		t.InterceptPort = DefaultInterceptPort
	}
	return t
}

// Validate checks that the addresses are mutually consistent.
func (t NetworkTopology) Validate() error {
	if !t.Subnet.IsValid() || !t.Subnet.Addr().Is4() {
		return fmt.Errorf("topology: subnet %q must be an IPv4 prefix", t.Subnet)
	}
	for name, addr := range map[string]netip.Addr{
		"gateway": t.Gateway,
		"proxy":   t.ProxyAddr,
		"sandbox": t.SandboxAddr,
	} {
		if !t.Subnet.Contains(addr) {
			return fmt.Errorf("topology: %s address %s outside subnet %s", name, addr, t.Subnet)
		}
	}
	if t.ProxyAddr == t.SandboxAddr || t.ProxyAddr == t.Gateway || t.SandboxAddr == t.Gateway {
		return fmt.Errorf("topology: proxy, sandbox and gateway addresses must differ")
	}
	if t.ProxyPort == 0 {
		return fmt.Errorf("topology: proxy port is required")
	}
	if t.InterceptPort == t.ProxyPort {
		return fmt.Errorf("topology: intercept port %d collides with proxy port", t.InterceptPort)
	}
	if t.NetworkName == "" || t.ProxyContainer == "" || t.AgentContainer == "" {
		return fmt.Errorf("topology: network and container names are required")
	}
	return nil
}

// ProxyURL is what the sandbox uses as HTTP_PROXY/HTTPS_PROXY.
func (t NetworkTopology) ProxyURL() string {
	return fmt.Sprintf("http://%s", netip.AddrPortFrom(t.ProxyAddr, t.ProxyPort))
}
