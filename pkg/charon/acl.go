package charon

import (
	"regexp"
	"slices"
	"strings"

	"github.com/tartarus-sandbox/awf/pkg/domain"
)

// acl is one named squid ACL with its dstdomain entries and an optional
// regex companion for wildcard patterns.
type acl struct {
	name    string
	domains []string
	regexes []string
}

func (a *acl) regexName() string {
	return a.name + "_regex"
}

// names returns the ACL names that have entries, dstdomain first.
func (a *acl) names() []string {
	var out []string
	if len(a.domains) > 0 {
		out = append(out, a.name)
	}
	if len(a.regexes) > 0 {
		out = append(out, a.regexName())
	}
	return out
}

// aclGroup splits rules by protocol restriction.
type aclGroup struct {
	any   *acl
	http  *acl
	https *acl
}

// buildGroup renders rules into squid ACLs. Block rules also cover the
// subdomains of an exact pattern and of a prefix wildcard, matching the
// suffix rule the matcher applies to blocks.
func buildGroup(prefix string, rules []domain.DomainRule, block bool) aclGroup {
	g := aclGroup{
		any:   &acl{name: prefix + "_domains"},
		http:  &acl{name: prefix + "_http_only"},
		https: &acl{name: prefix + "_https_only"},
	}
	for _, r := range rules {
		target := g.any
		switch r.Protocol {
		case domain.ProtocolHTTP:
			target = g.http
		case domain.ProtocolHTTPS:
			target = g.https
		}

		switch r.Kind {
		case domain.Exact:
			if block {
				target.domains = append(target.domains, "."+r.Pattern)
			} else {
				target.domains = append(target.domains, r.Pattern)
			}
		case domain.AllSubdomains:
			target.domains = append(target.domains, "."+r.Pattern)
		case domain.SuffixWildcard:
			target.regexes = append(target.regexes, `^.+\.`+regexp.QuoteMeta(r.Pattern)+`$`)
		case domain.PrefixWildcard:
			target.regexes = append(target.regexes, prefixRegex(r.Pattern, block))
		}
	}
	for _, a := range []*acl{g.any, g.http, g.https} {
		a.domains = collapse(a.domains)
		slices.Sort(a.regexes)
		a.regexes = slices.Compact(a.regexes)
	}
	return g
}

func prefixRegex(pattern string, block bool) string {
	first, rest, _ := strings.Cut(pattern, ".")
	pre, suf, _ := strings.Cut(first, "*")
	anchor := "^"
	if block {
		anchor = `(^|\.)`
	}
	return anchor + regexp.QuoteMeta(pre) + `[^.]+` + regexp.QuoteMeta(suf) + `\.` + regexp.QuoteMeta(rest) + `$`
}

// collapse sorts dstdomain entries and drops any that a ".domain" entry
// already covers. Squid rejects overlapping dstdomain entries.
func collapse(entries []string) []string {
	slices.Sort(entries)
	entries = slices.Compact(entries)

	var wide []string
	for _, e := range entries {
		if strings.HasPrefix(e, ".") {
			wide = append(wide, e)
		}
	}

	out := entries[:0:0]
	for _, e := range entries {
		if coveredBy(e, wide) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func coveredBy(entry string, wide []string) bool {
	bare := strings.TrimPrefix(entry, ".")
	for _, w := range wide {
		if w == entry {
			continue
		}
		d := strings.TrimPrefix(w, ".")
		if bare == d || strings.HasSuffix(bare, "."+d) {
			return true
		}
	}
	return false
}

func (a *acl) lines(kind, regexKind string) []string {
	var out []string
	for _, d := range a.domains {
		out = append(out, "acl "+a.name+" "+kind+" "+d)
	}
	for _, r := range a.regexes {
		out = append(out, "acl "+a.regexName()+" "+regexKind+" -i "+r)
	}
	return out
}
