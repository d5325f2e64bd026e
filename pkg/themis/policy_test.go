package themis

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tartarus-sandbox/awf/pkg/domain"
)

func mustPolicy(t *testing.T, allow, block []string) domain.Policy {
	t.Helper()
	p, err := NewPolicy(allow, block, nil, false, false)
	require.NoError(t, err)
	return p
}

func mustClassify(t *testing.T, allow, block []string) *RuleSet {
	t.Helper()
	rs, err := Classify(mustPolicy(t, allow, block))
	require.NoError(t, err)
	return rs
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"GitHub.com",
		"https://api.github.com/",
		"http://example.com/path/to/thing",
		"  *.Example.COM.  ",
		"=Exact.Example.com",
		"a.com /x",
		"a . ",
		"https://https://x",
		"api-*.example.com",
		"",
	}
	for _, in := range inputs {
		once, _ := Normalize(in)
		twice, proto := Normalize(once)
		assert.Equal(t, once, twice, "input %q", in)
		assert.Equal(t, domain.ProtocolAny, proto, "input %q", in)
	}

	n, proto := Normalize("HTTPS://Only.Example.com/")
	assert.Equal(t, "only.example.com", n)
	assert.Equal(t, domain.ProtocolHTTPS, proto)
}

func TestParseRuleClassification(t *testing.T) {
	tests := []struct {
		raw     string
		kind    domain.MatchKind
		pattern string
		proto   domain.Protocol
	}{
		{"github.com", domain.AllSubdomains, "github.com", domain.ProtocolAny},
		{"*.example.com", domain.SuffixWildcard, "example.com", domain.ProtocolAny},
		{"api-*.example.com", domain.PrefixWildcard, "api-*.example.com", domain.ProtocolAny},
		{"=api.example.com", domain.Exact, "api.example.com", domain.ProtocolAny},
		{"localhost", domain.Exact, "localhost", domain.ProtocolAny},
		{"10.0.0.1", domain.Exact, "10.0.0.1", domain.ProtocolAny},
		{"https://only.example.com", domain.AllSubdomains, "only.example.com", domain.ProtocolHTTPS},
		{"http://plain.example.com/", domain.AllSubdomains, "plain.example.com", domain.ProtocolHTTP},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			r, err := ParseRule(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, r.Kind)
			assert.Equal(t, tt.pattern, r.Pattern)
			assert.Equal(t, tt.proto, r.Protocol)
			assert.Equal(t, tt.raw, r.RawInput)
		})
	}
}

func TestParseRuleRejects(t *testing.T) {
	unsafe := []string{"*", "*.*", "**", ".*.", "https://*", "*.com", "api-*.com"}
	for _, raw := range unsafe {
		_, err := ParseRule(raw)
		require.Error(t, err, raw)
		assert.True(t, errors.Is(err, domain.ErrUnsafePattern), "%s: %v", raw, err)
	}

	malformed := []string{"", "   ", "exa mple.com", "example.com:443", "ex_ample.com", "a..b.com",
		"api.*.example.com", "a*b*.example.com", "=*.example.com", "::1"}
	for _, raw := range malformed {
		_, err := ParseRule(raw)
		var pe *domain.PolicyError
		require.ErrorAs(t, err, &pe, raw)
	}
}

func TestAllSubdomains(t *testing.T) {
	rs := mustClassify(t, []string{"github.com"}, nil)
	assert.True(t, rs.Decide("api.github.com", "").Allowed())
	assert.True(t, rs.Decide("github.com", "").Allowed())
	assert.True(t, rs.Decide("GitHub.com.", "").Allowed())
	assert.True(t, rs.Decide("github.com:443", "").Allowed())
	assert.False(t, rs.Decide("notgithub.com", "").Allowed())
	assert.False(t, rs.Decide("github.com.evil.net", "").Allowed())
}

func TestSuffixWildcard(t *testing.T) {
	rs := mustClassify(t, []string{"*.example.com"}, nil)
	assert.True(t, rs.Decide("a.example.com", "").Allowed())
	assert.True(t, rs.Decide("a.b.example.com", "").Allowed())
	assert.False(t, rs.Decide("example.com", "").Allowed())
	assert.False(t, rs.Decide("badexample.com", "").Allowed())
}

func TestPrefixWildcard(t *testing.T) {
	rs := mustClassify(t, []string{"api-*.example.com"}, nil)
	assert.True(t, rs.Decide("api-v1.example.com", "").Allowed())
	assert.True(t, rs.Decide("api-x.example.com", "").Allowed())
	assert.False(t, rs.Decide("api-.example.com", "").Allowed(), "wildcard needs at least one character")
	assert.False(t, rs.Decide("api-a.b.example.com", "").Allowed(), "wildcard never spans a dot")
	assert.False(t, rs.Decide("xapi-v1.example.com", "").Allowed())
	assert.False(t, rs.Decide("api-v1.example.org", "").Allowed())
}

func TestExactMatch(t *testing.T) {
	rs := mustClassify(t, []string{"=api.example.com"}, nil)
	assert.True(t, rs.Decide("api.example.com", "").Allowed())
	assert.False(t, rs.Decide("v2.api.example.com", "").Allowed())
	assert.False(t, rs.Decide("example.com", "").Allowed())
}

func TestProtocolRestriction(t *testing.T) {
	rs := mustClassify(t, []string{"https://only.example.com"}, nil)
	assert.True(t, rs.Decide("only.example.com", domain.ProtocolHTTPS).Allowed())
	assert.False(t, rs.Decide("only.example.com", domain.ProtocolHTTP).Allowed())
}

func TestBlockPrecedence(t *testing.T) {
	cases := []struct {
		allow, block []string
		host         string
	}{
		{[]string{"github.com"}, []string{"gist.github.com"}, "gist.github.com"},
		{[]string{"github.com"}, []string{"gist.github.com"}, "raw.gist.github.com"},
		{[]string{"*.example.com"}, []string{"=evil.example.com"}, "evil.example.com"},
		{[]string{"*.example.com"}, []string{"=evil.example.com"}, "x.evil.example.com"},
		{[]string{"api-*.example.com"}, []string{"*.example.com"}, "api-v1.example.com"},
		{[]string{"=a.example.com"}, []string{"example.com"}, "a.example.com"},
	}
	for _, c := range cases {
		rs := mustClassify(t, c.allow, c.block)
		d := rs.Decide(c.host, "")
		assert.False(t, d.Allowed(), "%s should be blocked (allow=%v block=%v)", c.host, c.allow, c.block)
		require.NotNil(t, d.Rule)
	}

	rs := mustClassify(t, []string{"github.com"}, []string{"gist.github.com"})
	assert.True(t, rs.Decide("api.github.com", "").Allowed())
}

func TestDefaultDeny(t *testing.T) {
	rs := mustClassify(t, nil, nil)
	assert.True(t, rs.Empty())
	d := rs.Decide("example.com", "")
	assert.Equal(t, VerdictDeny, d.Verdict)
	assert.Nil(t, d.Rule)
	assert.False(t, rs.Decide("", "").Allowed())
}

func TestClassifyDeterministicAndDeduplicated(t *testing.T) {
	a := mustClassify(t, []string{"b.com", "a.com", "A.com", "https://a.com/"}, nil)
	b := mustClassify(t, []string{"https://a.com", "a.com", "b.com"}, nil)
	keys := func(rs *RuleSet) []string {
		var out []string
		for _, r := range rs.Allow {
			out = append(out, Key(r))
		}
		return out
	}
	assert.Equal(t, keys(a), keys(b), "order must not depend on input order")
	require.Len(t, a.Allow, 3)
	assert.Equal(t, "a.com", a.Allow[0].Pattern)
}

func TestClassifyRejectsIPv6Resolver(t *testing.T) {
	p, err := NewPolicy([]string{"github.com"}, nil, []string{"2001:4860:4860::8888"}, false, false)
	require.NoError(t, err)
	_, err = Classify(p)
	var pe *domain.PolicyError
	require.ErrorAs(t, err, &pe)

	_, err = NewPolicy(nil, nil, []string{"not-an-ip"}, false, false)
	require.ErrorAs(t, err, &pe)
}

func TestClassifyReparsesRawInput(t *testing.T) {
	p := domain.Policy{AllowPatterns: []domain.DomainRule{{RawInput: "*"}}}
	_, err := Classify(p)
	assert.ErrorIs(t, err, domain.ErrUnsafePattern)
}

func TestConflicts(t *testing.T) {
	rs := mustClassify(t, []string{"github.com", "gist.github.com", "npmjs.org"}, []string{"gist.github.com"})
	conflicts := rs.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, "gist.github.com", conflicts[0].Allow.Pattern)
}

func TestLoadDomainsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "domains.txt")
	content := "# comment\ngithub.com, api.github.com\n\n  *.npmjs.org # trailing\nhttps://pypi.org\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	got, err := LoadDomainsFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"github.com", "api.github.com", "*.npmjs.org", "https://pypi.org"}, got)

	_, err = LoadDomainsFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a.com", "b.com", "c.com"}, SplitList(" a.com,b.com ,, c.com\n"))
	assert.Empty(t, SplitList(""))
}
