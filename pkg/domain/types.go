package domain

import (
	"net/netip"
	"slices"
)

// IDs

type InvocationID string

// Rules

// Protocol restricts a rule to one URL scheme. The zero value matches both.
type Protocol string

const (
	ProtocolAny   Protocol = ""
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
)

// MatchKind says how a normalized pattern is compared to a hostname.
type MatchKind int

const (
	// Exact matches the literal hostname only.
	Exact MatchKind = iota
	// AllSubdomains matches the domain itself and every name below it.
	AllSubdomains
	// PrefixWildcard has a single '*' inside the leftmost label (api-*.example.com).
	PrefixWildcard
	// SuffixWildcard is "*.example.com": subdomains only, never the bare domain.
	SuffixWildcard
)

func (k MatchKind) String() string {
	switch k {
	case Exact:
		return "exact"
	case AllSubdomains:
		return "all-subdomains"
	case PrefixWildcard:
		return "prefix-wildcard"
	case SuffixWildcard:
		return "suffix-wildcard"
	default:
		return "unknown"
	}
}

type DomainRule struct {
	RawInput string    `json:"raw_input" yaml:"raw_input"`
	Protocol Protocol  `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Kind     MatchKind `json:"kind" yaml:"kind"`
	// Pattern is the normalized form: lower case, no scheme, no '=' marker,
	// no leading "*." for SuffixWildcard.
	Pattern string `json:"pattern" yaml:"pattern"`
}

// Policy is the user intent for one invocation.

type Policy struct {
	AllowPatterns     []DomainRule `json:"allow"`
	BlockPatterns     []DomainRule `json:"block"`
	DNSServers        []netip.Addr `json:"dns_servers"`
	InterceptEnabled  bool         `json:"intercept_enabled"`
	HostAccessEnabled bool         `json:"host_access_enabled"`
}

// DefaultDNSServers are used when a policy names none.
var DefaultDNSServers = []netip.Addr{
	netip.MustParseAddr("8.8.8.8"),
	netip.MustParseAddr("8.8.4.4"),
}

// Clone returns a deep copy so the coordinator can freeze the policy.
func (p Policy) Clone() Policy {
	return Policy{
		AllowPatterns:     slices.Clone(p.AllowPatterns),
		BlockPatterns:     slices.Clone(p.BlockPatterns),
		DNSServers:        slices.Clone(p.DNSServers),
		InterceptEnabled:  p.InterceptEnabled,
		HostAccessEnabled: p.HostAccessEnabled,
	}
}

// Resolvers returns the configured DNS servers or the defaults.
func (p Policy) Resolvers() []netip.Addr {
	if len(p.DNSServers) == 0 {
		return slices.Clone(DefaultDNSServers)
	}
	return slices.Clone(p.DNSServers)
}
