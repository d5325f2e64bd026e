// Package charon renders the squid configuration that enforces a rule set,
// and reads back the access log it produces.
package charon

import (
	"bufio"
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/tartarus-sandbox/awf/pkg/domain"
	"github.com/tartarus-sandbox/awf/pkg/themis"
)

// Paths inside the proxy container.
const (
	ConfigPath     = "/etc/squid/squid.conf"
	CertDir        = "/etc/squid/ssl"
	CertPath       = CertDir + "/ca.pem"
	KeyPath        = CertDir + "/ca.key"
	LogDir         = "/var/log/squid"
	AccessLogPath  = LogDir + "/access.log"
	PidPath        = "/var/run/squid/squid.pid"
	CertDBPath     = "/var/lib/squid/ssl_db"
	LogFormatName  = "firewall_detailed"
	LogFormatSpec  = `%ts.%03tu %>a:%>p %>rd:%>rP %<a:%<p %rv %rm %>Hs %Ss:%Sh %ru "%{User-Agent}>h"`
	CertGenProgram = "/usr/lib/squid/security_file_certgen"
)

// Files written to the work dir, relative to it.
const (
	ConfigFile = "squid.conf"
	CertFile   = "ssl/ca.pem"
	KeyFile    = "ssl/ca.key"
)

type Options struct {
	DNSServers []netip.Addr
	Intercept  bool
	HostAccess bool
	// CA is required when Intercept is set. It is generated by the caller so
	// that Render stays deterministic.
	CA *CertificateAuthority
}

// OptionsFor derives render options from a policy.
func OptionsFor(p domain.Policy, ca *CertificateAuthority) Options {
	return Options{
		DNSServers: p.Resolvers(),
		Intercept:  p.InterceptEnabled,
		HostAccess: p.HostAccessEnabled,
		CA:         ca,
	}
}

type Rendered struct {
	SquidConf string
	CA        *CertificateAuthority
	Conflicts []themis.Conflict
}

// Files maps work dir relative paths to their contents.
func (r *Rendered) Files() map[string][]byte {
	files := map[string][]byte{ConfigFile: []byte(r.SquidConf)}
	if r.CA != nil {
		files[CertFile] = r.CA.CertPEM
		files[KeyFile] = r.CA.KeyPEM
	}
	return files
}

// Render produces the squid config for rs. The same inputs always produce
// byte-identical output. All deny rules precede all allow rules.
func Render(rs *themis.RuleSet, topo domain.NetworkTopology, opts Options) (*Rendered, error) {
	if rs == nil {
		return nil, fmt.Errorf("rule set is required")
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	if opts.Intercept && opts.CA == nil {
		return nil, ErrMissingCA
	}
	if opts.HostAccess && topo.InterceptPort == 0 {
		return nil, fmt.Errorf("host access requires an intercept port in the topology")
	}
	dns := opts.DNSServers
	if len(dns) == 0 {
		dns = domain.DefaultDNSServers
	}

	blocked := buildGroup("blocked", rs.Block, true)
	allowed := buildGroup("allowed", rs.Allow, false)
	conflicts := rs.Conflicts()

	w := &confWriter{}
	w.line("# awf egress policy. Generated; edits are overwritten.")
	w.line("")

	w.section("Listeners")
	if opts.Intercept {
		w.linef("http_port %d ssl-bump cert=%s key=%s generate-host-certificates=on dynamic_cert_mem_cache_size=4MB", topo.ProxyPort, CertPath, KeyPath)
		w.linef("sslcrtd_program %s -s %s -M 4MB", CertGenProgram, CertDBPath)
	} else {
		w.linef("http_port %d", topo.ProxyPort)
	}
	if opts.HostAccess {
		w.linef("http_port %d intercept", topo.InterceptPort)
	}
	w.linef("pid_filename %s", PidPath)

	w.section("Resolution and caching")
	addrs := make([]string, 0, len(dns))
	for _, a := range dns {
		addrs = append(addrs, a.String())
	}
	w.linef("dns_nameservers %s", strings.Join(addrs, " "))
	w.line("cache deny all")
	w.line("coredump_dir /var/spool/squid")

	w.section("Logging")
	w.linef("logformat %s %s", LogFormatName, LogFormatSpec)
	w.linef("access_log %s %s", AccessLogPath, LogFormatName)
	w.linef("cache_log %s/cache.log", LogDir)

	w.section("Base ACLs")
	w.linef("acl localnet src %s", topo.Subnet)
	if opts.HostAccess {
		w.line("acl SSL_ports port 1-65535")
		w.line("acl Safe_ports port 1-65535")
	} else {
		w.line("acl SSL_ports port 443")
		w.line("acl Safe_ports port 80")
		w.line("acl Safe_ports port 443")
	}
	w.line("acl CONNECT method CONNECT")
	if opts.Intercept {
		// Decrypted requests inside a bumped tunnel are checked again as
		// plain https requests, not as CONNECT.
		w.line("acl https_req proto HTTPS")
	}

	w.section("Blocked domains")
	for _, a := range []*acl{blocked.any, blocked.http, blocked.https} {
		w.lines(a.lines("dstdomain", "dstdom_regex"))
	}
	if len(rs.Block) == 0 {
		w.line("# none")
	}

	w.section("Allowed domains")
	for _, a := range []*acl{allowed.any, allowed.http, allowed.https} {
		w.lines(a.lines("dstdomain", "dstdom_regex"))
	}
	if rs.Empty() {
		w.line("# none: every destination is denied")
	}
	for _, c := range conflicts {
		w.linef("# allow %q is overridden by block %q", c.Allow.RawInput, c.Block.RawInput)
	}

	w.section("Access rules: deny first")
	w.line("http_access deny !localnet")
	if !opts.HostAccess {
		w.line("http_access deny !Safe_ports")
		w.line("http_access deny CONNECT !SSL_ports")
	}
	for _, name := range blocked.any.names() {
		w.linef("http_access deny %s", name)
	}
	httpOnly, httpsOnly := []string{"!CONNECT"}, [][]string{{"CONNECT"}}
	if opts.Intercept {
		httpOnly = append(httpOnly, "!https_req")
		httpsOnly = append(httpsOnly, []string{"https_req"})
	}
	for _, name := range blocked.http.names() {
		w.linef("http_access deny %s %s", strings.Join(httpOnly, " "), name)
	}
	for _, name := range blocked.https.names() {
		for _, m := range httpsOnly {
			w.linef("http_access deny %s %s", strings.Join(m, " "), name)
		}
	}
	for _, name := range allowed.any.names() {
		w.linef("http_access allow localnet %s", name)
	}
	for _, name := range allowed.http.names() {
		w.linef("http_access allow localnet %s %s", strings.Join(httpOnly, " "), name)
	}
	for _, name := range allowed.https.names() {
		for _, m := range httpsOnly {
			w.linef("http_access allow localnet %s %s", strings.Join(m, " "), name)
		}
	}
	w.line("http_access deny all")

	if opts.Intercept {
		w.section("TLS interception")
		w.line("acl step1 at_step SslBump1")
		blockedSNI := sniACL("blocked_sni", blocked.any, blocked.https)
		allowedSNI := sniACL("allowed_sni", allowed.any, allowed.https)
		w.lines(blockedSNI.lines("ssl::server_name", "ssl::server_name_regex"))
		w.lines(allowedSNI.lines("ssl::server_name", "ssl::server_name_regex"))
		w.line("ssl_bump peek step1")
		for _, name := range blockedSNI.names() {
			w.linef("ssl_bump terminate %s", name)
		}
		for _, name := range allowedSNI.names() {
			w.linef("ssl_bump bump %s", name)
		}
		w.line("ssl_bump terminate all")
		w.line("sslproxy_cert_error deny all")
	}

	conf := w.String()
	if err := verifyOrdering(conf); err != nil {
		return nil, err
	}

	out := &Rendered{SquidConf: conf, Conflicts: conflicts}
	if opts.Intercept {
		out.CA = opts.CA
	}
	return out, nil
}

// sniACL merges the protocol-agnostic and https-only entries; TLS client
// hellos only ever carry https traffic.
func sniACL(name string, groups ...*acl) *acl {
	out := &acl{name: name}
	for _, g := range groups {
		out.domains = append(out.domains, g.domains...)
		out.regexes = append(out.regexes, g.regexes...)
	}
	out.domains = collapse(out.domains)
	slices.Sort(out.regexes)
	out.regexes = slices.Compact(out.regexes)
	return out
}

// verifyOrdering re-reads a rendered config: no http_access deny may follow an
// allow except the closing "deny all", which must be the last access rule, and
// no ssl_bump terminate of a blocked name may follow a bump.
func verifyOrdering(conf string) error {
	var (
		sawAllow    bool
		sawDenyAll  bool
		sawBump     bool
		lineNo      int
		accessRules int
	)
	sc := bufio.NewScanner(strings.NewReader(conf))
	for sc.Scan() {
		lineNo++
		text := strings.TrimSpace(sc.Text())
		fields := strings.Fields(text)
		if len(fields) < 2 {
			continue
		}

		switch fields[0] {
		case "http_access":
			accessRules++
			if sawDenyAll {
				return &OrderingError{Line: lineNo, Text: text, Reason: "access rule after deny all"}
			}
			switch fields[1] {
			case "allow":
				sawAllow = true
			case "deny":
				if text == "http_access deny all" {
					sawDenyAll = true
					continue
				}
				if sawAllow {
					return &OrderingError{Line: lineNo, Text: text, Reason: "deny after allow"}
				}
			}
		case "ssl_bump":
			switch fields[1] {
			case "bump":
				sawBump = true
			case "terminate":
				if sawBump && text != "ssl_bump terminate all" {
					return &OrderingError{Line: lineNo, Text: text, Reason: "terminate after bump"}
				}
			}
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if accessRules > 0 && !sawDenyAll {
		return &OrderingError{Line: lineNo, Reason: "missing final deny all"}
	}
	return nil
}

type confWriter struct {
	b strings.Builder
}

func (w *confWriter) line(s string) {
	w.b.WriteString(s)
	w.b.WriteByte('\n')
}

func (w *confWriter) linef(format string, args ...any) {
	w.line(fmt.Sprintf(format, args...))
}

func (w *confWriter) lines(ls []string) {
	for _, l := range ls {
		w.line(l)
	}
}

func (w *confWriter) section(title string) {
	if w.b.Len() > 0 {
		w.line("")
	}
	w.line("# " + title)
}

func (w *confWriter) String() string {
	return w.b.String()
}
