// Package themis turns user supplied domain patterns into a canonical rule
// set and decides whether a hostname may be reached.
//
// Block rules always win over allow rules, and anything not allowed is denied.
package themis

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/tartarus-sandbox/awf/pkg/domain"
)

// RuleSet is the normalized, deduplicated and ordered form of a policy.
type RuleSet struct {
	Allow []domain.DomainRule
	Block []domain.DomainRule
}

// Verdict is the outcome of a match.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictDeny  Verdict = "deny"
)

// Decision explains why a host was allowed or denied.
type Decision struct {
	Verdict Verdict
	Rule    *domain.DomainRule
	Reason  string
}

func (d Decision) Allowed() bool {
	return d.Verdict == VerdictAllow
}

// Conflict is an allow rule that a block rule overrides.
type Conflict struct {
	Allow domain.DomainRule
	Block domain.DomainRule
}

// NewPolicy builds a Policy from raw strings, as supplied by a CLI or config file.
func NewPolicy(allow, block, dnsServers []string, intercept, hostAccess bool) (domain.Policy, error) {
	p := domain.Policy{
		InterceptEnabled:  intercept,
		HostAccessEnabled: hostAccess,
	}
	for _, raw := range allow {
		r, err := ParseRule(raw)
		if err != nil {
			return domain.Policy{}, err
		}
		p.AllowPatterns = append(p.AllowPatterns, r)
	}
	for _, raw := range block {
		r, err := ParseRule(raw)
		if err != nil {
			return domain.Policy{}, err
		}
		p.BlockPatterns = append(p.BlockPatterns, r)
	}
	for _, raw := range dnsServers {
		addr, err := netip.ParseAddr(strings.TrimSpace(raw))
		if err != nil {
			return domain.Policy{}, &domain.PolicyError{Pattern: raw, Reason: "invalid DNS server address", Err: err}
		}
		p.DNSServers = append(p.DNSServers, addr)
	}
	return p, nil
}

// Classify produces the canonical rule set for a policy. It has no side
// effects and fails only on malformed or unsafe input.
func Classify(p domain.Policy) (*RuleSet, error) {
	allow, err := canonical(p.AllowPatterns)
	if err != nil {
		return nil, err
	}
	block, err := canonical(p.BlockPatterns)
	if err != nil {
		return nil, err
	}
	for _, addr := range p.Resolvers() {
		if !addr.Is4() {
			return nil, &domain.PolicyError{Pattern: addr.String(), Reason: "DNS servers must be IPv4; IPv6 egress is blocked"}
		}
		if addr.IsUnspecified() || addr.IsMulticast() {
			return nil, &domain.PolicyError{Pattern: addr.String(), Reason: "not a usable DNS server address"}
		}
	}
	return &RuleSet{Allow: allow, Block: block}, nil
}

func canonical(rules []domain.DomainRule) ([]domain.DomainRule, error) {
	seen := make(map[string]bool, len(rules))
	out := make([]domain.DomainRule, 0, len(rules))
	for _, in := range rules {
		raw := in.RawInput
		if raw == "" {
			raw = in.Pattern
		}
		r, err := ParseRule(raw)
		if err != nil {
			return nil, err
		}
		k := Key(r)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b domain.DomainRule) int {
		return strings.Compare(Key(a), Key(b))
	})
	return out, nil
}

// Decide applies block precedence, then the allow list, then default deny.
func (rs *RuleSet) Decide(host string, scheme domain.Protocol) Decision {
	h := NormalizeHost(host)
	if h == "" {
		return Decision{Verdict: VerdictDeny, Reason: "empty host"}
	}

	if r := rs.blockedBy(h, scheme); r != nil {
		return Decision{Verdict: VerdictDeny, Rule: r, Reason: fmt.Sprintf("blocked by %s", r.RawInput)}
	}
	for i := range rs.Allow {
		if Matches(rs.Allow[i], h, scheme) {
			return Decision{Verdict: VerdictAllow, Rule: &rs.Allow[i], Reason: fmt.Sprintf("allowed by %s", rs.Allow[i].RawInput)}
		}
	}
	return Decision{Verdict: VerdictDeny, Reason: "not in allow list"}
}

// blockedBy checks host and each of its dot suffixes against the block rules.
func (rs *RuleSet) blockedBy(host string, scheme domain.Protocol) *domain.DomainRule {
	for candidate := host; candidate != ""; {
		for i := range rs.Block {
			if Matches(rs.Block[i], candidate, scheme) {
				return &rs.Block[i]
			}
		}
		_, rest, ok := strings.Cut(candidate, ".")
		if !ok {
			break
		}
		candidate = rest
	}
	return nil
}

// Conflicts lists allow rules whose own domain is blocked. They stay in the
// rule set; the proxy config orders deny before allow so they never take effect.
func (rs *RuleSet) Conflicts() []Conflict {
	var out []Conflict
	for _, a := range rs.Allow {
		if b := rs.blockedBy(sample(a), a.Protocol); b != nil {
			out = append(out, Conflict{Allow: a, Block: *b})
		}
	}
	return out
}

// Empty reports whether nothing is allowed.
func (rs *RuleSet) Empty() bool {
	return len(rs.Allow) == 0
}
