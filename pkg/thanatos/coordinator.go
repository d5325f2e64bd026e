// Package thanatos drives one firewalled invocation from policy to exit code
// and guarantees that everything it installed is removed again, whatever way
// the invocation ends.
package thanatos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tartarus-sandbox/awf/pkg/charon"
	"github.com/tartarus-sandbox/awf/pkg/domain"
	"github.com/tartarus-sandbox/awf/pkg/erebus"
	"github.com/tartarus-sandbox/awf/pkg/hermes"
	"github.com/tartarus-sandbox/awf/pkg/kampe"
	"github.com/tartarus-sandbox/awf/pkg/styx"
	"github.com/tartarus-sandbox/awf/pkg/themis"
)

// ComposeFile is the topology descriptor written next to squid.conf.
const ComposeFile = "docker-compose.yml"

const defaultTeardownTimeout = 2 * time.Minute

// Firewall is the host packet filter. *styx.Manager implements it.
type Firewall interface {
	Install(ctx context.Context, topo domain.NetworkTopology, dns []netip.Addr) (*styx.Handle, error)
	Retract(ctx context.Context, h *styx.Handle) error
	Verify(ctx context.Context, h *styx.Handle) error
	Stats(ctx context.Context, h *styx.Handle) (styx.Counters, error)
	PurgeStale(ctx context.Context) (int, error)
}

type Config struct {
	Runtime  kampe.Runtime
	Firewall Firewall
	// Containers carries images, health and stop timing for the orchestrator.
	Containers kampe.Options

	Invocation domain.InvocationID
	PID        int
	Alive      styx.AliveFunc
	// VerifyBridge, when set, checks the network's bridge once it exists.
	VerifyBridge func(name string) error

	WorkDirBase string
	KeepWorkDir bool
	// PreserveBase receives squid-logs-<ts>. Defaults to the OS temp dir.
	PreserveBase string
	// Archive, when set, receives a tarball of the preserved logs.
	Archive erebus.Store

	TeardownTimeout time.Duration
	Stdout          io.Writer
	Stderr          io.Writer

	Logger  hermes.Logger
	Metrics hermes.Metrics
	Now     func() time.Time
}

// Report is what an invocation left behind.
type Report struct {
	State          domain.CleanupState
	ExitCode       int
	WorkDir        string
	PreservedLogs  string
	ArchiveKey     string
	Access         *charon.Summary
	Mismatches     []charon.Mismatch
	Conflicts      []themis.Conflict
	Filter         styx.Counters
	TeardownErrors []*domain.TeardownError
}

// Coordinator runs a single invocation. It is not reusable.
type Coordinator struct {
	cfg     Config
	logger  hermes.Logger
	metrics hermes.Metrics
	now     func() time.Time

	mu      sync.Mutex
	state   domain.CleanupState
	report  Report
	once    sync.Once
	rules   *themis.RuleSet
	wd      *erebus.WorkDir
	orch    *kampe.Orchestrator
	running *kampe.RunningTopology
	handle  *styx.Handle
}

func NewCoordinator(cfg Config) *Coordinator {
	c := &Coordinator{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
	if c.logger == nil {
		c.logger = hermes.NewNoopLogger()
	}
	if c.metrics == nil {
		c.metrics = hermes.NewNoopMetrics()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.cfg.PID == 0 {
		c.cfg.PID = os.Getpid()
	}
	if c.cfg.Alive == nil {
		c.cfg.Alive = styx.ProcessAlive
	}
	if c.cfg.TeardownTimeout <= 0 {
		c.cfg.TeardownTimeout = defaultTeardownTimeout
	}
	if c.cfg.Stdout == nil {
		c.cfg.Stdout = os.Stdout
	}
	if c.cfg.Stderr == nil {
		c.cfg.Stderr = os.Stderr
	}
	return c
}

func (c *Coordinator) State() domain.CleanupState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Report is only complete once Run has returned.
func (c *Coordinator) Report() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.report
	r.State = c.state
	return r
}

func (c *Coordinator) advance(ctx context.Context, next domain.CleanupState) {
	c.mu.Lock()
	prev := c.state
	ok := prev.CanAdvance(next)
	if ok {
		c.state = next
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug(ctx, "Ignoring state transition", map[string]any{"from": prev.String(), "to": next.String()})
		return
	}
	c.logger.Debug(ctx, "State changed", map[string]any{"from": prev.String(), "to": next.String()})
}

// Run enforces policy around command and returns the command's exit code.
// err is non-nil when the firewall itself failed; the exit code is then -1
// and domain.ExitCodeFor(err) gives the process status. Teardown has always
// completed when Run returns.
func (c *Coordinator) Run(ctx context.Context, policy domain.Policy, command []string) (code int, err error) {
	code = -1
	start := c.now()

	defer func() {
		if r := recover(); r != nil {
			c.log(ctx, "error", "Recovered from panic", map[string]any{"panic": fmt.Sprint(r)})
			code, err = -1, fmt.Errorf("internal error: %v", r)
		}
		if err != nil {
			if ctx.Err() != nil && !errors.Is(err, domain.ErrInterrupted) {
				err = fmt.Errorf("%w: %w", domain.ErrInterrupted, err)
			}
			c.advance(ctx, domain.StateFailed)
		}
		c.Teardown(ctx)

		c.mu.Lock()
		c.report.ExitCode = code
		c.mu.Unlock()
		result := "ok"
		if err != nil {
			result = "error"
		}
		c.recordMetric("invocations_total", 1, "result", result)
		c.metrics.ObserveHistogram("invocation_duration_seconds", c.now().Sub(start).Seconds())
	}()

	if len(command) == 0 {
		return -1, errors.New("no command given")
	}
	policy = policy.Clone()

	// Everything up to the work dir is pure, so a bad policy fails here with
	// nothing to undo.
	rs, err := themis.Classify(policy)
	if err != nil {
		return -1, err
	}
	c.rules = rs
	topo := domain.DefaultTopology(policy.HostAccessEnabled)
	dns := policy.Resolvers()

	var ca *charon.CertificateAuthority
	if policy.InterceptEnabled {
		if ca, err = charon.NewCertificateAuthority(c.now()); err != nil {
			return -1, &domain.InstallError{Step: "ca", Err: err}
		}
	}
	rendered, err := charon.Render(rs, topo, charon.OptionsFor(policy, ca))
	if err != nil {
		return -1, &domain.InstallError{Step: "render", Err: err}
	}
	c.mu.Lock()
	c.report.Conflicts = rendered.Conflicts
	c.mu.Unlock()
	for _, cf := range rendered.Conflicts {
		c.log(ctx, "warn", "Allowed domain is also blocked, block wins", map[string]any{
			"allow": cf.Allow.RawInput,
			"block": cf.Block.RawInput,
		})
	}

	script, err := styx.RenderSandboxNAT(topo, dns, policy.HostAccessEnabled)
	if err != nil {
		return -1, &domain.InstallError{Step: "render", Err: err}
	}

	wd, err := erebus.NewWorkDir(c.cfg.WorkDirBase, c.now())
	if err != nil {
		return -1, &domain.InstallError{Step: "workdir", Err: err}
	}
	c.mu.Lock()
	c.wd = wd
	c.report.WorkDir = wd.Path
	c.mu.Unlock()

	orch := kampe.NewOrchestrator(c.cfg.Runtime, kampe.Config{
		Topology:   topo,
		DNSServers: dns,
		Intercept:  policy.InterceptEnabled,
		HostAccess: policy.HostAccessEnabled,
		Invocation: c.cfg.Invocation,
		PID:        c.cfg.PID,
		WorkDir:    wd.Path,
		Options:    c.cfg.Containers,
		Logger:     c.logger,
		Metrics:    c.metrics,
	})
	c.mu.Lock()
	c.orch = orch
	c.mu.Unlock()

	compose, err := orch.RenderCompose(command)
	if err != nil {
		return -1, &domain.InstallError{Step: "render", Err: err}
	}
	files := rendered.Files()
	files[kampe.EntrypointFile] = []byte(script)
	files[ComposeFile] = compose
	if err := wd.WriteAll(files, filePerm); err != nil {
		return -1, &domain.InstallError{Step: "workdir", Err: err}
	}
	c.log(ctx, "info", "Rendered proxy configuration", map[string]any{
		"work_dir":  wd.Path,
		"allow":     len(policy.AllowPatterns),
		"block":     len(policy.BlockPatterns),
		"intercept": policy.InterceptEnabled,
	})

	if err := c.purge(ctx, orch); err != nil {
		return -1, &domain.InstallError{Step: "purge", Err: err}
	}

	h, err := c.cfg.Firewall.Install(ctx, topo, dns)
	if err != nil {
		return -1, err
	}
	c.mu.Lock()
	c.handle = h
	c.mu.Unlock()
	c.advance(ctx, domain.StateRulesInstalled)

	c.advance(ctx, domain.StateContainersStarting)
	running, err := orch.Start(ctx)
	c.mu.Lock()
	c.running = running
	c.mu.Unlock()
	if err != nil {
		return -1, err
	}

	if c.cfg.VerifyBridge != nil {
		if err := c.cfg.VerifyBridge(topo.BridgeName); err != nil {
			c.log(ctx, "warn", "Bridge check failed, interface rules may not apply", map[string]any{"error": err.Error()})
		}
	}
	// Nothing runs in the sandbox unless the host rules are still in place.
	if err := c.cfg.Firewall.Verify(ctx, h); err != nil {
		return -1, &domain.InstallError{Step: "verify", Err: err}
	}

	c.advance(ctx, domain.StateContainersRunning)
	code, err = orch.Execute(ctx, running, command, c.cfg.Stdout, c.cfg.Stderr)
	if err != nil {
		return -1, err
	}
	return code, nil
}

func filePerm(rel string) os.FileMode {
	switch rel {
	case charon.KeyFile:
		return 0o600
	case kampe.EntrypointFile:
		return 0o755
	default:
		return 0o644
	}
}

// purge clears what a crashed earlier invocation left on the host. Work dirs
// are left alone; Cleanup removes those.
func (c *Coordinator) purge(ctx context.Context, orch *kampe.Orchestrator) error {
	rules, err := c.cfg.Firewall.PurgeStale(ctx)
	if err != nil {
		return fmt.Errorf("packet filter: %w", err)
	}
	containers, err := orch.PurgeStale(ctx, c.cfg.Alive)
	if err != nil {
		return fmt.Errorf("containers: %w", err)
	}
	if rules+containers > 0 {
		c.log(ctx, "warn", "Removed leftovers of an earlier invocation", map[string]any{
			"rules":      rules,
			"containers": containers,
		})
	}
	return nil
}

type teardownStep struct {
	name string
	fn   func(ctx context.Context) error
}

// Teardown undoes everything the invocation installed. It runs once; later
// calls return immediately. Each step runs even when an earlier one failed,
// and it is not cut short by cancellation of ctx.
func (c *Coordinator) Teardown(ctx context.Context) {
	c.once.Do(func() {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.TeardownTimeout)
		defer cancel()

		c.advance(tctx, domain.StateTearingDown)
		c.mu.Lock()
		orch, running, handle, wd := c.orch, c.running, c.handle, c.wd
		c.mu.Unlock()

		var preserved bool
		steps := []teardownStep{
			{"collect-stats", func(ctx context.Context) error {
				return c.collectStats(ctx, handle)
			}},
			{"stop-sandbox", func(ctx context.Context) error {
				if orch == nil {
					return nil
				}
				return orch.StopSandbox(ctx, running)
			}},
			{"stop-proxy", func(ctx context.Context) error {
				if orch == nil {
					return nil
				}
				return orch.StopProxy(ctx, running)
			}},
			{"remove-network", func(ctx context.Context) error {
				if orch == nil {
					return nil
				}
				return orch.RemoveNetwork(ctx, running)
			}},
			{"retract-rules", func(ctx context.Context) error {
				if handle == nil {
					return nil
				}
				return c.cfg.Firewall.Retract(ctx, handle)
			}},
			{"preserve-logs", func(ctx context.Context) error {
				err := c.preserveLogs(ctx, wd)
				preserved = err == nil
				return err
			}},
			{"archive-logs", c.archiveLogs},
			{"remove-workdir", func(ctx context.Context) error {
				return c.removeWorkDir(ctx, wd, preserved)
			}},
		}

		for _, s := range steps {
			if err := s.fn(tctx); err != nil {
				te := &domain.TeardownError{Step: s.name, Err: err}
				c.mu.Lock()
				c.report.TeardownErrors = append(c.report.TeardownErrors, te)
				c.mu.Unlock()
				c.log(tctx, "warn", "Teardown step failed", map[string]any{"step": s.name, "error": err.Error()})
				c.recordMetric("teardown_errors_total", 1, "step", s.name)
			}
		}

		c.advance(tctx, domain.StateCleaned)
	})
}

// collectStats runs before the network goes away so the bridge counters are
// still readable.
func (c *Coordinator) collectStats(ctx context.Context, h *styx.Handle) error {
	if h == nil {
		return nil
	}
	counters, err := c.cfg.Firewall.Stats(ctx, h)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.report.Filter = counters
	c.mu.Unlock()
	c.log(ctx, "info", "Host packet filter summary", map[string]any{
		"dropped":     counters.Dropped,
		"dns_dropped": counters.DNSDropped,
		"bridge_rx":   counters.BridgeRx,
		"bridge_tx":   counters.BridgeTx,
	})
	return nil
}

func (c *Coordinator) preserveLogs(ctx context.Context, wd *erebus.WorkDir) error {
	if wd == nil {
		return nil
	}
	dst, err := erebus.PreserveLogs(wd, c.cfg.PreserveBase)
	if err != nil {
		return err
	}
	if dst == "" {
		return nil
	}
	c.mu.Lock()
	c.report.PreservedLogs = dst
	c.mu.Unlock()
	c.log(ctx, "info", "Proxy logs preserved", map[string]any{"path": dst})

	f, err := os.Open(filepath.Join(dst, filepath.Base(charon.AccessLogPath)))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sum, entries, err := charon.Summarize(f)
	if err != nil {
		return err
	}
	var mismatches []charon.Mismatch
	if c.rules != nil {
		mismatches = charon.Audit(entries, c.rules)
	}
	c.mu.Lock()
	c.report.Access = sum
	c.report.Mismatches = mismatches
	c.mu.Unlock()

	c.recordMetric("proxy_requests_total", float64(sum.Allowed), "decision", "allowed")
	c.recordMetric("proxy_requests_total", float64(sum.Denied), "decision", "denied")
	fields := map[string]any{
		"total":   sum.Total,
		"allowed": sum.Allowed,
		"denied":  sum.Denied,
	}
	if len(sum.Blocked) > 0 {
		fields["top_blocked"] = sum.Blocked[0].Domain
	}
	c.log(ctx, "info", "Proxy traffic summary", fields)
	for _, m := range mismatches {
		c.log(ctx, "warn", "Proxy decision disagrees with policy", map[string]any{
			"domain": m.Entry.Domain(),
			"proxy":  m.Entry.Decision,
			"policy": string(m.Decision.Verdict),
		})
	}
	return nil
}

func (c *Coordinator) archiveLogs(ctx context.Context) error {
	c.mu.Lock()
	dir := c.report.PreservedLogs
	wd := c.wd
	c.mu.Unlock()
	if c.cfg.Archive == nil || dir == "" || wd == nil {
		return nil
	}
	key := erebus.ArchiveKey(string(c.cfg.Invocation), wd.Created)
	if err := erebus.Archive(ctx, c.cfg.Archive, key, dir); err != nil {
		return err
	}
	c.mu.Lock()
	c.report.ArchiveKey = key
	c.mu.Unlock()
	c.log(ctx, "info", "Proxy logs archived", map[string]any{"key": key})
	return nil
}

func (c *Coordinator) removeWorkDir(ctx context.Context, wd *erebus.WorkDir, preserved bool) error {
	if wd == nil {
		return nil
	}
	if c.cfg.KeepWorkDir {
		c.log(ctx, "info", "Keeping work dir", map[string]any{"path": wd.Path})
		return nil
	}
	if !preserved {
		// The logs only exist in the work dir now.
		return fmt.Errorf("logs not preserved, keeping %s", wd.Path)
	}
	return wd.Remove()
}

// Cleanup removes rules, containers and work dirs left behind by crashed
// invocations. It does not need a policy.
func (c *Coordinator) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	orch := kampe.NewOrchestrator(c.cfg.Runtime, kampe.Config{
		Topology:   domain.DefaultTopology(false),
		Invocation: c.cfg.Invocation,
		PID:        c.cfg.PID,
		Options:    c.cfg.Containers,
		Logger:     c.logger,
		Metrics:    c.metrics,
	})

	var errs []error
	removed, err := orch.PurgeStale(ctx, c.cfg.Alive)
	if err != nil {
		errs = append(errs, fmt.Errorf("containers: %w", err))
	}
	n, err := c.cfg.Firewall.PurgeStale(ctx)
	removed += n
	if err != nil {
		errs = append(errs, fmt.Errorf("packet filter: %w", err))
	}

	dirs, err := erebus.StaleWorkDirs(c.cfg.WorkDirBase, c.now(), maxAge)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("work dirs: %w", err))
	}
	for _, d := range dirs {
		w := &erebus.WorkDir{Path: d}
		if err := w.Remove(); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	c.log(ctx, "info", "Cleanup finished", map[string]any{"removed": removed})
	return removed, errors.Join(errs...)
}

func (c *Coordinator) recordMetric(name string, value float64, labelKV ...string) {
	labels := make([]hermes.Label, 0, len(labelKV)/2)
	for i := 0; i+1 < len(labelKV); i += 2 {
		labels = append(labels, hermes.Label{Key: labelKV[i], Value: labelKV[i+1]})
	}
	c.metrics.IncCounter(name, value, labels...)
}

func (c *Coordinator) log(ctx context.Context, level, msg string, fields map[string]any) {
	switch level {
	case "error":
		c.logger.Error(ctx, msg, fields)
	case "warn":
		c.logger.Warn(ctx, msg, fields)
	default:
		c.logger.Info(ctx, msg, fields)
	}
}
