package styx

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tartarus-sandbox/awf/pkg/domain"
	"github.com/tartarus-sandbox/awf/pkg/hermes"
)

const (
	filterTable     = "filter"
	dockerUserChain = "DOCKER-USER"
	forwardChain    = "FORWARD"
	chainPrefix     = "AWF-"

	LogPrefixBlocked = "[AWF-BLOCKED] "
	LogPrefixDNSDrop = "[AWF-DNS-DROP] "
)

var dropRanges = []string{"224.0.0.0/4", "169.254.0.0/16"}

// Locker serializes packet-filter changes.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock() error
}

type noLock struct{}

func (noLock) Lock(context.Context) error { return nil }
func (noLock) Unlock() error              { return nil }

type Config struct {
	// V6 is nil when ip6tables is unavailable.
	V6      Tables
	Lock    Locker
	Owner   Owner
	Alive   AliveFunc
	Logger  hermes.Logger
	Metrics hermes.Metrics
}

// Manager owns the host rules of one invocation.
type Manager struct {
	v4      Tables
	v6      Tables
	lock    Locker
	owner   Owner
	alive   AliveFunc
	logger  hermes.Logger
	metrics hermes.Metrics
}

func NewManager(v4 Tables, cfg Config) *Manager {
	m := &Manager{
		v4:      v4,
		v6:      cfg.V6,
		lock:    cfg.Lock,
		owner:   cfg.Owner,
		alive:   cfg.Alive,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	if m.lock == nil {
		m.lock = noLock{}
	}
	if m.owner.PID == 0 {
		m.owner.PID = os.Getpid()
	}
	if m.alive == nil {
		m.alive = ProcessAlive
	}
	if m.logger == nil {
		m.logger = hermes.NewNoopLogger()
	}
	if m.metrics == nil {
		m.metrics = hermes.NewNoopMetrics()
	}
	return m
}

// Handle describes what Install put in place. Retract needs nothing else.
type Handle struct {
	Chain  string
	Parent string
	Tag    string
	Bridge string
	Jump   []string
	V6Rule []string
	Body   [][]string
}

// ChainName is stable for a topology and resolver set, so every invocation
// with the same layout shares one chain while its body is unchanged.
func ChainName(topo domain.NetworkTopology, dns []netip.Addr) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|%d", topo.Subnet, topo.BridgeName, topo.ProxyAddr, topo.ProxyPort, topo.InterceptPort)
	for _, d := range dns {
		fmt.Fprintf(h, "|%s", d)
	}
	return chainPrefix + hex.EncodeToString(h.Sum(nil))[:8]
}

// ChainRules is the body of the owned chain, in evaluation order.
func ChainRules(topo domain.NetworkTopology, dns []netip.Addr) [][]string {
	proxy := topo.ProxyAddr.String()
	rules := [][]string{
		{"-s", proxy, "-j", "ACCEPT"},
		{"-d", proxy, "-p", "tcp", "--dport", strconv.Itoa(int(topo.ProxyPort)), "-j", "ACCEPT"},
	}
	if topo.InterceptPort != 0 {
		rules = append(rules, []string{"-d", proxy, "-p", "tcp", "--dport", strconv.Itoa(int(topo.InterceptPort)), "-j", "ACCEPT"})
	}
	rules = append(rules, []string{"-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"})

	for _, d := range dns {
		for _, proto := range []string{"udp", "tcp"} {
			rules = append(rules, []string{"-d", d.String(), "-p", proto, "--dport", "53", "-j", "ACCEPT"})
		}
	}
	for _, proto := range []string{"udp", "tcp"} {
		rules = append(rules,
			[]string{"-p", proto, "--dport", "53", "-j", "LOG", "--log-prefix", LogPrefixDNSDrop},
			[]string{"-p", proto, "--dport", "53", "-j", "DROP"},
		)
	}
	for _, cidr := range dropRanges {
		rules = append(rules,
			[]string{"-d", cidr, "-j", "LOG", "--log-prefix", LogPrefixBlocked},
			[]string{"-d", cidr, "-j", "DROP"},
		)
	}
	rules = append(rules,
		[]string{"-j", "LOG", "--log-prefix", LogPrefixBlocked},
		[]string{"-j", "DROP"},
	)
	return rules
}

func (m *Manager) plan(topo domain.NetworkTopology, dns []netip.Addr) (*Handle, error) {
	parent := dockerUserChain
	ok, err := m.v4.ChainExists(filterTable, dockerUserChain)
	if err != nil {
		return nil, err
	}
	if !ok {
		parent = forwardChain
	}

	chain := ChainName(topo, dns)
	tag := m.owner.Tag()
	return &Handle{
		Chain:  chain,
		Parent: parent,
		Tag:    tag,
		Bridge: topo.BridgeName,
		Jump:   []string{"-s", topo.Subnet.String(), "-m", "comment", "--comment", tag, "-j", chain},
		V6Rule: []string{"-i", topo.BridgeName, "-m", "comment", "--comment", tag, "-j", "DROP"},
		Body:   ChainRules(topo, dns),
	}, nil
}

// Install puts the egress rules in place for topo. Running it again with the
// same inputs leaves one consistent rule set. On any failure everything this
// call added is removed and an InstallError is returned.
func (m *Manager) Install(ctx context.Context, topo domain.NetworkTopology, dns []netip.Addr) (h *Handle, err error) {
	start := time.Now()
	if err := topo.Validate(); err != nil {
		return nil, &domain.InstallError{Step: "validate", Err: err}
	}
	if len(dns) == 0 {
		dns = domain.DefaultDNSServers
	}
	for _, d := range dns {
		if !d.Is4() {
			return nil, &domain.InstallError{Step: "validate", Err: fmt.Errorf("DNS server %s is not IPv4", d)}
		}
	}

	if err := m.lock.Lock(ctx); err != nil {
		return nil, &domain.InstallError{Step: "lock", Err: err}
	}
	defer m.unlock(ctx)

	h, err = m.plan(topo, dns)
	if err != nil {
		return nil, &domain.InstallError{Step: "plan", Err: err}
	}

	defer func() {
		if err == nil {
			return
		}
		m.metrics.IncCounter("packet_filter_install_failures_total", 1)
		if rbErr := m.retract(ctx, h); rbErr != nil {
			m.logger.Error(ctx, "Rollback of packet filter rules failed", map[string]any{
				"chain": h.Chain,
				"error": rbErr.Error(),
			})
		}
	}()

	if err := m.ensureChain(ctx, h); err != nil {
		return h, &domain.InstallError{Step: "chain", Err: err}
	}

	if n, err := m.removeDeadJumps(ctx, m.v4, h.Parent); err != nil {
		return h, &domain.InstallError{Step: "stale_rules", Err: err}
	} else if n > 0 {
		m.logger.Info(ctx, "Removed packet filter rules of dead invocations", map[string]any{"count": n})
	}

	exists, err := m.v4.Exists(filterTable, h.Parent, h.Jump...)
	if err != nil {
		return h, &domain.InstallError{Step: "jump", Err: err}
	}
	if !exists {
		if err := m.v4.Insert(filterTable, h.Parent, 1, h.Jump...); err != nil {
			return h, &domain.InstallError{Step: "jump", Err: err}
		}
	}

	if m.v6 == nil {
		m.logger.Warn(ctx, "ip6tables unavailable; IPv6 is disabled inside the containers only", nil)
	} else {
		if _, err := m.removeDeadJumps(ctx, m.v6, forwardChain); err != nil {
			return h, &domain.InstallError{Step: "ipv6", Err: err}
		}
		exists, err := m.v6.Exists(filterTable, forwardChain, h.V6Rule...)
		if err != nil {
			return h, &domain.InstallError{Step: "ipv6", Err: err}
		}
		if !exists {
			if err := m.v6.Insert(filterTable, forwardChain, 1, h.V6Rule...); err != nil {
				return h, &domain.InstallError{Step: "ipv6", Err: err}
			}
		}
	}

	m.metrics.ObserveHistogram("packet_filter_install_seconds", time.Since(start).Seconds())
	m.logger.Info(ctx, "Packet filter rules installed", map[string]any{
		"chain":  h.Chain,
		"parent": h.Parent,
		"rules":  len(h.Body),
		"owner":  h.Tag,
	})
	return h, nil
}

// ensureChain leaves h.Chain holding exactly h.Body. An existing chain is
// rewritten only when nothing jumps to it. When a live invocation still
// jumps to a chain with a different body, that chain stays as it is and
// the body goes into a chain private to this owner instead.
func (m *Manager) ensureChain(ctx context.Context, h *Handle) error {
	ok, err := m.v4.ChainExists(filterTable, h.Chain)
	if err != nil {
		return err
	}
	if !ok {
		return m.buildChain(h.Chain, h.Body)
	}
	same, err := m.holdsBody(h.Chain, h.Body)
	if err != nil || same {
		return err
	}
	used, err := m.referenced(h.Chain)
	if err != nil {
		return err
	}
	if !used {
		return m.refillChain(h.Chain, h.Body)
	}

	private := privateChainName(h.Chain, h.Tag)
	m.logger.Warn(ctx, "Shared packet filter chain differs and is in use, building a private chain", map[string]any{
		"chain":   h.Chain,
		"private": private,
	})
	h.Chain = private
	h.Jump = append(slices.Clone(h.Jump[:len(h.Jump)-1]), private)

	ok, err = m.v4.ChainExists(filterTable, private)
	if err != nil {
		return err
	}
	if !ok {
		return m.buildChain(private, h.Body)
	}
	if same, err := m.holdsBody(private, h.Body); err != nil || same {
		return err
	}
	return m.refillChain(private, h.Body)
}

func (m *Manager) buildChain(chain string, body [][]string) error {
	if err := m.v4.NewChain(filterTable, chain); err != nil {
		return err
	}
	return m.fillChain(chain, body)
}

func (m *Manager) refillChain(chain string, body [][]string) error {
	if err := m.v4.ClearChain(filterTable, chain); err != nil {
		return err
	}
	return m.fillChain(chain, body)
}

func (m *Manager) fillChain(chain string, body [][]string) error {
	for _, rule := range body {
		if err := m.v4.Append(filterTable, chain, rule...); err != nil {
			return fmt.Errorf("%s: %w", strings.Join(rule, " "), err)
		}
	}
	return nil
}

// holdsBody reports whether chain contains exactly body and ends in body's
// last rule. Rules are compared with Exists so iptables normalization of
// the listed form does not matter.
func (m *Manager) holdsBody(chain string, body [][]string) (bool, error) {
	lines, err := m.v4.List(filterTable, chain)
	if err != nil {
		return false, err
	}
	var listed []listedRule
	for _, l := range lines {
		if r, ok := parseListed(l); ok {
			listed = append(listed, r)
		}
	}
	if len(listed) != len(body) || len(body) == 0 {
		return false, nil
	}
	if last := body[len(body)-1]; listed[len(listed)-1].Target != last[len(last)-1] {
		return false, nil
	}
	for _, rule := range body {
		ok, err := m.v4.Exists(filterTable, chain, rule...)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func privateChainName(shared, tag string) string {
	sum := sha256.Sum256([]byte(tag))
	return shared + "-" + hex.EncodeToString(sum[:])[:6]
}

// Retract removes the rules tagged for this invocation. The shared chain is
// deleted once nothing jumps to it. Retracting twice is a no-op.
func (m *Manager) Retract(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	if err := m.lock.Lock(ctx); err != nil {
		return err
	}
	defer m.unlock(ctx)

	if err := m.retract(ctx, h); err != nil {
		return err
	}
	m.logger.Info(ctx, "Packet filter rules retracted", map[string]any{"chain": h.Chain})
	return nil
}

func (m *Manager) retract(ctx context.Context, h *Handle) error {
	var errs []error
	if err := deleteAll(m.v4, h.Parent, h.Jump); err != nil {
		errs = append(errs, fmt.Errorf("jump: %w", err))
	}
	if m.v6 != nil {
		if err := deleteAll(m.v6, forwardChain, h.V6Rule); err != nil {
			errs = append(errs, fmt.Errorf("ipv6: %w", err))
		}
	}
	if err := m.dropChainIfUnused(h.Chain); err != nil {
		errs = append(errs, fmt.Errorf("chain %s: %w", h.Chain, err))
	}
	return errors.Join(errs...)
}

func deleteAll(t Tables, chain string, spec []string) error {
	for {
		ok, err := t.Exists(filterTable, chain, spec...)
		if err != nil || !ok {
			return err
		}
		if err := t.Delete(filterTable, chain, spec...); err != nil {
			return err
		}
	}
}

func (m *Manager) dropChainIfUnused(chain string) error {
	ok, err := m.v4.ChainExists(filterTable, chain)
	if err != nil || !ok {
		return err
	}
	used, err := m.referenced(chain)
	if err != nil || used {
		return err
	}
	if err := m.v4.ClearChain(filterTable, chain); err != nil {
		return err
	}
	return m.v4.DeleteChain(filterTable, chain)
}

func (m *Manager) referenced(chain string) (bool, error) {
	for _, parent := range []string{dockerUserChain, forwardChain} {
		ok, err := m.v4.ChainExists(filterTable, parent)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		lines, err := m.v4.List(filterTable, parent)
		if err != nil {
			return false, err
		}
		for _, l := range lines {
			if r, ok := parseListed(l); ok && r.Target == chain {
				return true, nil
			}
		}
	}
	return false, nil
}

// removeDeadJumps deletes awf-tagged rules whose owning process is gone.
func (m *Manager) removeDeadJumps(ctx context.Context, t Tables, parent string) (int, error) {
	lines, err := t.List(filterTable, parent)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, l := range lines {
		r, ok := parseListed(l)
		if !ok {
			continue
		}
		owner, ok := ParseOwner(r.Comment)
		if !ok || owner == m.owner {
			continue
		}
		alive, err := m.alive(ctx, owner.PID)
		if err != nil {
			return removed, fmt.Errorf("checking owner pid %d: %w", owner.PID, err)
		}
		if alive {
			continue
		}
		if err := t.Delete(filterTable, parent, r.Spec...); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Verify checks that the rules of h are still present.
func (m *Manager) Verify(ctx context.Context, h *Handle) error {
	if h == nil {
		return errors.New("no rules installed")
	}
	ok, err := m.v4.Exists(filterTable, h.Parent, h.Jump...)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("jump to %s missing from %s", h.Chain, h.Parent)
	}
	lines, err := m.v4.List(filterTable, h.Chain)
	if err != nil {
		return fmt.Errorf("chain %s: %w", h.Chain, err)
	}
	n := 0
	for _, l := range lines {
		if _, ok := parseListed(l); ok {
			n++
		}
	}
	if n != len(h.Body) {
		return fmt.Errorf("chain %s has %d rules, expected %d", h.Chain, n, len(h.Body))
	}
	if m.v6 != nil {
		ok, err := m.v6.Exists(filterTable, forwardChain, h.V6Rule...)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("ipv6 drop rule missing")
		}
	}
	return nil
}

// PurgeStale removes rules left behind by awf processes that no longer
// exist, and owned chains nothing jumps to. It returns how many rules and
// chains were removed.
func (m *Manager) PurgeStale(ctx context.Context) (int, error) {
	if err := m.lock.Lock(ctx); err != nil {
		return 0, err
	}
	defer m.unlock(ctx)

	removed := 0
	for _, parent := range []string{dockerUserChain, forwardChain} {
		ok, err := m.v4.ChainExists(filterTable, parent)
		if err != nil {
			return removed, err
		}
		if !ok {
			continue
		}
		n, err := m.removeDeadJumps(ctx, m.v4, parent)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	if m.v6 != nil {
		n, err := m.removeDeadJumps(ctx, m.v6, forwardChain)
		removed += n
		if err != nil {
			return removed, err
		}
	}

	chains, err := m.v4.ListChains(filterTable)
	if err != nil {
		return removed, err
	}
	slices.Sort(chains)
	for _, c := range chains {
		if !strings.HasPrefix(c, chainPrefix) {
			continue
		}
		used, err := m.referenced(c)
		if err != nil {
			return removed, err
		}
		if used {
			continue
		}
		if err := m.v4.ClearChain(filterTable, c); err != nil {
			return removed, err
		}
		if err := m.v4.DeleteChain(filterTable, c); err != nil {
			return removed, err
		}
		removed++
	}

	if removed > 0 {
		m.metrics.IncCounter("packet_filter_stale_removed_total", float64(removed))
		m.logger.Info(ctx, "Purged stale packet filter state", map[string]any{"removed": removed})
	}
	return removed, nil
}

func (m *Manager) unlock(ctx context.Context) {
	if err := m.lock.Unlock(); err != nil {
		m.logger.Error(ctx, "Failed to release host lock", map[string]any{"error": err.Error()})
	}
}
