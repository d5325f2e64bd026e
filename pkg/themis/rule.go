package themis

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/tartarus-sandbox/awf/pkg/domain"
)

// ParseRule normalizes and classifies a single pattern.
func ParseRule(raw string) (domain.DomainRule, error) {
	n, proto := Normalize(raw)
	rule := domain.DomainRule{RawInput: raw, Protocol: proto}

	exact := strings.HasPrefix(n, exactMarker)
	n = strings.TrimPrefix(n, exactMarker)

	if n == "" {
		return rule, &domain.PolicyError{Pattern: raw, Reason: "empty pattern"}
	}
	if onlyWildcards(n) {
		return rule, &domain.PolicyError{Pattern: raw, Reason: "would allow every hostname", Err: domain.ErrUnsafePattern}
	}
	if strings.Contains(n, ":") {
		return rule, &domain.PolicyError{Pattern: raw, Reason: "ports and IPv6 literals are not supported"}
	}
	for i := 0; i < len(n); i++ {
		if !validPatternChar(n[i]) {
			return rule, &domain.PolicyError{Pattern: raw, Reason: fmt.Sprintf("invalid character %q", n[i])}
		}
	}
	if len(n) > maxNameLength {
		return rule, &domain.PolicyError{Pattern: raw, Reason: "name longer than 253 characters"}
	}

	labels := strings.Split(n, ".")
	for _, l := range labels {
		if l == "" {
			return rule, &domain.PolicyError{Pattern: raw, Reason: "empty label"}
		}
		if len(l) > maxLabelLength {
			return rule, &domain.PolicyError{Pattern: raw, Reason: "label longer than 63 characters"}
		}
	}

	if strings.Contains(n, "*") {
		if exact {
			return rule, &domain.PolicyError{Pattern: raw, Reason: "exact patterns cannot contain wildcards"}
		}
		for _, l := range labels[1:] {
			if strings.Contains(l, "*") {
				return rule, &domain.PolicyError{Pattern: raw, Reason: "wildcard is only allowed in the leftmost label"}
			}
		}
		if strings.Count(labels[0], "*") > 1 {
			return rule, &domain.PolicyError{Pattern: raw, Reason: "at most one wildcard per pattern"}
		}
		if len(labels) < 3 {
			return rule, &domain.PolicyError{Pattern: raw, Reason: "wildcard over a top-level domain is too broad", Err: domain.ErrUnsafePattern}
		}
		if labels[0] == "*" {
			rule.Kind = domain.SuffixWildcard
			rule.Pattern = strings.Join(labels[1:], ".")
		} else {
			rule.Kind = domain.PrefixWildcard
			rule.Pattern = n
		}
		return rule, nil
	}

	rule.Pattern = n
	if _, err := netip.ParseAddr(n); err == nil || exact || len(labels) == 1 {
		rule.Kind = domain.Exact
	} else {
		rule.Kind = domain.AllSubdomains
	}
	return rule, nil
}

// Matches reports whether host (already normalized) and scheme satisfy the rule.
// An empty scheme matches any rule protocol.
func Matches(rule domain.DomainRule, host string, scheme domain.Protocol) bool {
	if rule.Protocol != domain.ProtocolAny && scheme != domain.ProtocolAny && rule.Protocol != scheme {
		return false
	}

	switch rule.Kind {
	case domain.Exact:
		return host == rule.Pattern
	case domain.AllSubdomains:
		return host == rule.Pattern || strings.HasSuffix(host, "."+rule.Pattern)
	case domain.SuffixWildcard:
		return strings.HasSuffix(host, "."+rule.Pattern)
	case domain.PrefixWildcard:
		return matchLabelGlob(rule.Pattern, host)
	default:
		return false
	}
}

// matchLabelGlob matches "pre*suf.rest" against host; '*' covers one or more
// characters inside the first label.
func matchLabelGlob(pattern, host string) bool {
	pFirst, pRest, _ := strings.Cut(pattern, ".")
	hFirst, hRest, ok := strings.Cut(host, ".")
	if !ok || hRest != pRest {
		return false
	}
	pre, suf, _ := strings.Cut(pFirst, "*")
	return len(hFirst) > len(pre)+len(suf) &&
		strings.HasPrefix(hFirst, pre) &&
		strings.HasSuffix(hFirst, suf)
}

// sample returns a hostname the rule is guaranteed to match.
func sample(rule domain.DomainRule) string {
	switch rule.Kind {
	case domain.SuffixWildcard:
		return "x." + rule.Pattern
	case domain.PrefixWildcard:
		return strings.Replace(rule.Pattern, "*", "x", 1)
	default:
		return rule.Pattern
	}
}

// Key is a stable identity for deduplication and ordering.
func Key(rule domain.DomainRule) string {
	return fmt.Sprintf("%s|%d|%s", rule.Pattern, rule.Kind, rule.Protocol)
}
