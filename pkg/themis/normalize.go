package themis

import (
	"net/netip"
	"strings"

	"github.com/tartarus-sandbox/awf/pkg/domain"
)

const (
	maxNameLength  = 253
	maxLabelLength = 63
	exactMarker    = "="
)

// Normalize strips surrounding space, the scheme, any path or trailing slash,
// a trailing root dot and case. The returned pattern is stable under a second
// call; the scheme is returned separately.
func Normalize(raw string) (string, domain.Protocol) {
	s := strings.ToLower(strings.TrimSpace(raw))

	proto := domain.ProtocolAny
	switch {
	case strings.HasPrefix(s, "https://"):
		proto = domain.ProtocolHTTPS
		s = strings.TrimPrefix(s, "https://")
	case strings.HasPrefix(s, "http://"):
		proto = domain.ProtocolHTTP
		s = strings.TrimPrefix(s, "http://")
	}

	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	for {
		trimmed := strings.TrimRight(strings.TrimSpace(s), ".")
		if trimmed == s {
			break
		}
		s = trimmed
	}
	return s, proto
}

// NormalizeHost prepares a requested hostname for matching: case, trailing
// dot and an optional ":port" are removed.
func NormalizeHost(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	if ap, err := netip.ParseAddrPort(h); err == nil {
		return ap.Addr().String()
	}
	if i := strings.LastIndexByte(h, ':'); i >= 0 && !strings.Contains(h[:i], ":") {
		h = h[:i]
	}
	return strings.TrimRight(h, ".")
}

func validPatternChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '.' || c == '*'
}

// onlyWildcards reports whether s consists of '*' and '.' alone, which
// would match every hostname.
func onlyWildcards(s string) bool {
	return strings.Trim(s, "*.") == ""
}
