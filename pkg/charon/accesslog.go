package charon

import (
	"bufio"
	"cmp"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tartarus-sandbox/awf/pkg/domain"
	"github.com/tartarus-sandbox/awf/pkg/themis"
)

// firewall_detailed: ts client:port host:port dest:port version method status decision:hierarchy url "ua"
var accessLineRE = regexp.MustCompile(`^(\d+\.\d+) (\S+):(\S+) (\S+?):(\S+) (\S+?):(\S+) (\S+) (\S+) (\d+) ([^:\s]+):(\S+) (\S+) "(.*)"$`)

// AccessEntry is one parsed access log line.
type AccessEntry struct {
	Time       time.Time
	ClientIP   string
	ClientPort string
	Host       string
	HostPort   string
	DestIP     string
	DestPort   string
	Version    string
	Method     string
	Status     int
	Decision   string
	Hierarchy  string
	URL        string
	UserAgent  string
}

// Allowed reports whether squid let the request through.
func (e AccessEntry) Allowed() bool {
	return !strings.Contains(e.Decision, "DENIED")
}

// HTTPS reports whether the request was a CONNECT tunnel.
func (e AccessEntry) HTTPS() bool {
	return e.Method == "CONNECT"
}

func (e AccessEntry) Scheme() domain.Protocol {
	if e.HTTPS() || strings.HasPrefix(e.URL, "https://") {
		return domain.ProtocolHTTPS
	}
	return domain.ProtocolHTTP
}

// Domain is the requested hostname, taken from the URL when squid did not
// record the host header.
func (e AccessEntry) Domain() string {
	if e.Host != "" && e.Host != "-" {
		return themis.NormalizeHost(e.Host)
	}
	u := e.URL
	if i := strings.Index(u, "://"); i >= 0 {
		u = u[i+3:]
	}
	if i := strings.IndexByte(u, '/'); i >= 0 {
		u = u[:i]
	}
	return themis.NormalizeHost(u)
}

// ParseAccessLine parses a single firewall_detailed line.
func ParseAccessLine(line string) (AccessEntry, error) {
	m := accessLineRE.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return AccessEntry{}, fmt.Errorf("%w: %q", ErrMalformedLogLine, line)
	}

	sec, frac, _ := strings.Cut(m[1], ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return AccessEntry{}, fmt.Errorf("%w: timestamp %q", ErrMalformedLogLine, m[1])
	}
	ms, _ := strconv.ParseInt(frac, 10, 64)
	status, err := strconv.Atoi(m[10])
	if err != nil {
		return AccessEntry{}, fmt.Errorf("%w: status %q", ErrMalformedLogLine, m[10])
	}

	return AccessEntry{
		Time:       time.Unix(s, ms*int64(time.Millisecond)).UTC(),
		ClientIP:   m[2],
		ClientPort: m[3],
		Host:       m[4],
		HostPort:   m[5],
		DestIP:     m[6],
		DestPort:   m[7],
		Version:    m[8],
		Method:     m[9],
		Status:     status,
		Decision:   m[11],
		Hierarchy:  m[12],
		URL:        m[13],
		UserAgent:  m[14],
	}, nil
}

// DomainCount is a per-domain request tally.
type DomainCount struct {
	Domain string
	Count  int
}

// Summary aggregates an access log.
type Summary struct {
	Total     int
	Allowed   int
	Denied    int
	Malformed int
	// Blocked and Reached are sorted by count, then name.
	Blocked []DomainCount
	Reached []DomainCount
}

// Summarize reads a firewall_detailed log. Malformed lines are counted and
// skipped.
func Summarize(r io.Reader) (*Summary, []AccessEntry, error) {
	var (
		sum     Summary
		entries []AccessEntry
		blocked = map[string]int{}
		reached = map[string]int{}
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		e, err := ParseAccessLine(sc.Text())
		if err != nil {
			sum.Malformed++
			continue
		}
		entries = append(entries, e)
		sum.Total++
		if e.Allowed() {
			sum.Allowed++
			reached[e.Domain()]++
		} else {
			sum.Denied++
			blocked[e.Domain()]++
		}
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read access log: %w", err)
	}

	sum.Blocked = tally(blocked)
	sum.Reached = tally(reached)
	return &sum, entries, nil
}

func tally(m map[string]int) []DomainCount {
	out := make([]DomainCount, 0, len(m))
	for d, n := range m {
		out = append(out, DomainCount{Domain: d, Count: n})
	}
	slices.SortFunc(out, func(a, b DomainCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return strings.Compare(a.Domain, b.Domain)
	})
	return out
}

// Mismatch is a log entry whose recorded outcome disagrees with the rule set.
type Mismatch struct {
	Entry    AccessEntry
	Decision themis.Decision
}

// Audit replays entries against rs and returns the ones squid decided
// differently, which points at a rendering bug or a stale config.
func Audit(entries []AccessEntry, rs *themis.RuleSet) []Mismatch {
	var out []Mismatch
	for _, e := range entries {
		d := rs.Decide(e.Domain(), e.Scheme())
		if d.Allowed() != e.Allowed() {
			out = append(out, Mismatch{Entry: e, Decision: d})
		}
	}
	return out
}
