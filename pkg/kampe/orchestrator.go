package kampe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tartarus-sandbox/awf/pkg/charon"
	"github.com/tartarus-sandbox/awf/pkg/domain"
	"github.com/tartarus-sandbox/awf/pkg/erebus"
	"github.com/tartarus-sandbox/awf/pkg/hermes"
	"github.com/tartarus-sandbox/awf/pkg/styx"
)

const (
	HealthHealthy = "healthy"

	RoleProxy   = "proxy"
	RoleSandbox = "sandbox"

	// EntrypointFile is the sandbox entrypoint, relative to the work dir.
	EntrypointFile = "awf-entrypoint.sh"

	logDrainTimeout = 5 * time.Second
)

// OneShotTokensEnv names the variable the one-shot token library reads its
// token list from.
const OneShotTokensEnv = "AWF_ONE_SHOT_TOKENS"

type Options struct {
	SquidImage     string
	AgentImage     string
	PullImages     bool
	HealthTimeout  time.Duration
	HealthInterval time.Duration
	HealthRetries  int
	StopTimeout    time.Duration
	// HomeDir is mounted read-write at the same path in the sandbox.
	HomeDir string
	// WorkingDir is the sandbox's working directory.
	WorkingDir string
	// Env is passed to the sandbox after the proxy variables.
	Env []string
	// OneShotTokenLibrary is the path of the one-shot token preload library
	// inside the agent image. Empty leaves tokens readable from the
	// environment for the whole run.
	OneShotTokenLibrary string
	// OneShotTokens are the variables the library removes from the
	// environment after their first read. Empty uses the library's own list.
	OneShotTokens []string
}

type Config struct {
	Topology   domain.NetworkTopology
	DNSServers []netip.Addr
	Intercept  bool
	HostAccess bool
	Invocation domain.InvocationID
	PID        int
	// WorkDir is the host path holding squid.conf, the CA and the logs.
	WorkDir string
	Options Options
	Logger  hermes.Logger
	Metrics hermes.Metrics
}

// RunningTopology records what has been created so far. Start returns it even
// on failure so teardown can remove the partial topology.
type RunningTopology struct {
	NetworkID string
	ProxyID   string
	SandboxID string
}

type Orchestrator struct {
	rt      Runtime
	cfg     Config
	opts    Options
	caps    *Capabilities
	logger  hermes.Logger
	metrics hermes.Metrics

	mu    sync.Mutex
	phase Phase
}

func NewOrchestrator(rt Runtime, cfg Config) *Orchestrator {
	o := &Orchestrator{
		rt:      rt,
		cfg:     cfg,
		opts:    cfg.Options,
		caps:    NewSandboxCapabilities(),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	if o.logger == nil {
		o.logger = hermes.NewNoopLogger()
	}
	if o.metrics == nil {
		o.metrics = hermes.NewNoopMetrics()
	}
	if o.cfg.PID == 0 {
		o.cfg.PID = os.Getpid()
	}
	if len(o.cfg.DNSServers) == 0 {
		o.cfg.DNSServers = domain.DefaultDNSServers
	}
	if o.opts.HealthRetries <= 0 {
		o.opts.HealthRetries = 30
	}
	if o.opts.HealthInterval <= 0 {
		o.opts.HealthInterval = 2 * time.Second
	}
	if o.opts.HealthTimeout <= 0 {
		o.opts.HealthTimeout = 60 * time.Second
	}
	return o
}

func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *Orchestrator) Capabilities() *Capabilities {
	return o.caps
}

func (o *Orchestrator) setPhase(ctx context.Context, p Phase) {
	o.mu.Lock()
	prev := o.phase
	o.phase = p
	o.mu.Unlock()
	o.logger.Debug(ctx, "Container phase changed", map[string]any{"from": prev.String(), "to": p.String()})
	o.metrics.SetGauge("container_phase", float64(p))
}

func (o *Orchestrator) labels(role string) map[string]string {
	return map[string]string{
		LabelManaged:    "true",
		LabelInvocation: string(o.cfg.Invocation),
		LabelRole:       role,
		LabelPID:        strconv.Itoa(o.cfg.PID),
	}
}

func (o *Orchestrator) dns() []string {
	out := make([]string, 0, len(o.cfg.DNSServers))
	for _, d := range o.cfg.DNSServers {
		out = append(out, d.String())
	}
	return out
}

// NetworkSpec is the fixed bridge network both containers join.
func (o *Orchestrator) NetworkSpec() NetworkSpec {
	t := o.cfg.Topology
	return NetworkSpec{
		Name:    t.NetworkName,
		Bridge:  t.BridgeName,
		Subnet:  t.Subnet,
		Gateway: t.Gateway,
		Labels:  map[string]string{LabelManaged: "true", LabelInvocation: string(o.cfg.Invocation)},
	}
}

// ProxySpec describes the squid container.
func (o *Orchestrator) ProxySpec() ContainerSpec {
	t := o.cfg.Topology
	wd := o.cfg.WorkDir
	spec := ContainerSpec{
		Name:    t.ProxyContainer,
		Image:   o.opts.SquidImage,
		Labels:  o.labels(RoleProxy),
		Network: t.NetworkName,
		IPv4:    t.ProxyAddr,
		Binds: []string{
			filepath.Join(wd, charon.ConfigFile) + ":" + charon.ConfigPath + ":ro",
			filepath.Join(wd, erebus.ProxyLogDir) + ":" + charon.LogDir + ":rw",
		},
		DNS:          o.dns(),
		ExposedPorts: []uint16{t.ProxyPort},
		Health: &HealthCheck{
			Test:     []string{"CMD", "squid", "-k", "check"},
			Interval: o.opts.HealthInterval,
			Timeout:  o.opts.HealthInterval,
			Retries:  o.opts.HealthRetries,
		},
	}
	if t.InterceptPort != 0 {
		spec.ExposedPorts = append(spec.ExposedPorts, t.InterceptPort)
	}
	if o.cfg.Intercept {
		spec.Binds = append(spec.Binds, filepath.Join(wd, filepath.Dir(charon.CertFile))+":"+charon.CertDir+":ro")
		spec.Entrypoint = []string{"/bin/sh", "-c"}
		spec.Cmd = []string{fmt.Sprintf("rm -rf %[1]s && %[2]s -c -s %[1]s -M 4MB && exec squid -N -f %[3]s", charon.CertDBPath, charon.CertGenProgram, charon.ConfigPath)}
	}
	return spec
}

// SandboxSpec describes the container that runs command.
func (o *Orchestrator) SandboxSpec(command []string) ContainerSpec {
	t := o.cfg.Topology
	proxy := t.ProxyURL()
	env := []string{
		"HTTP_PROXY=" + proxy,
		"HTTPS_PROXY=" + proxy,
		"http_proxy=" + proxy,
		"https_proxy=" + proxy,
		"NO_PROXY=localhost,127.0.0.1",
		"no_proxy=localhost,127.0.0.1",
	}
	if o.opts.HomeDir != "" {
		env = append(env, "HOME="+o.opts.HomeDir)
	}
	env = append(env, o.opts.Env...)
	if lib := o.opts.OneShotTokenLibrary; lib != "" {
		env = append(env, "LD_PRELOAD="+lib)
		if len(o.opts.OneShotTokens) > 0 {
			env = append(env, OneShotTokensEnv+"="+strings.Join(o.opts.OneShotTokens, ","))
		}
	}

	binds := []string{
		"/:/host:rw",
		filepath.Join(o.cfg.WorkDir, EntrypointFile) + ":" + styx.EntrypointPath + ":ro",
	}
	if o.opts.HomeDir != "" {
		binds = append(binds, o.opts.HomeDir+":"+o.opts.HomeDir+":rw")
	}

	spec := ContainerSpec{
		Name:       t.AgentContainer,
		Image:      o.opts.AgentImage,
		Entrypoint: []string{"/bin/sh", styx.EntrypointPath},
		Cmd:        command,
		Env:        env,
		Labels:     o.labels(RoleSandbox),
		WorkingDir: o.opts.WorkingDir,
		Network:    t.NetworkName,
		IPv4:       t.SandboxAddr,
		Binds:      binds,
		CapAdd:     o.caps.Add(),
		CapDrop:    o.caps.Drop(),
		DNS:        o.dns(),
		Sysctls: map[string]string{
			"net.ipv6.conf.all.disable_ipv6":     "1",
			"net.ipv6.conf.default.disable_ipv6": "1",
		},
	}
	if o.cfg.HostAccess {
		spec.ExtraHosts = []string{"host.docker.internal:" + t.Gateway.String()}
	}
	return spec
}

// Start creates the network and the proxy, and returns once the proxy is
// healthy. The sandbox is never created before that.
func (o *Orchestrator) Start(ctx context.Context) (*RunningTopology, error) {
	rt := &RunningTopology{}
	start := time.Now()

	for _, ref := range []string{o.opts.SquidImage, o.opts.AgentImage} {
		if _, err := ValidateImage(ref); err != nil {
			o.setPhase(ctx, PhaseFailed)
			return rt, &domain.InstallError{Step: "image", Err: err}
		}
		if err := o.rt.EnsureImage(ctx, ref, o.opts.PullImages); err != nil {
			o.setPhase(ctx, PhaseFailed)
			return rt, o.interrupted(ctx, &domain.InstallError{Step: "image", Err: err})
		}
	}

	netID, err := o.rt.CreateNetwork(ctx, o.NetworkSpec())
	if err != nil {
		o.setPhase(ctx, PhaseFailed)
		return rt, o.interrupted(ctx, &domain.InstallError{Step: "network", Err: err})
	}
	rt.NetworkID = netID

	o.setPhase(ctx, PhaseProxyStarting)
	proxyID, err := o.rt.CreateContainer(ctx, o.ProxySpec())
	if err != nil {
		o.setPhase(ctx, PhaseFailed)
		return rt, o.interrupted(ctx, &domain.InstallError{Step: "proxy", Err: err})
	}
	rt.ProxyID = proxyID
	if err := o.rt.StartContainer(ctx, proxyID); err != nil {
		o.setPhase(ctx, PhaseFailed)
		return rt, o.interrupted(ctx, &domain.InstallError{Step: "proxy", Err: err})
	}

	if err := o.waitHealthy(ctx, proxyID); err != nil {
		o.setPhase(ctx, PhaseFailed)
		return rt, err
	}
	o.setPhase(ctx, PhaseProxyHealthy)

	o.metrics.ObserveHistogram("proxy_ready_seconds", time.Since(start).Seconds())
	o.logger.Info(ctx, "Proxy is healthy", map[string]any{
		"container": o.cfg.Topology.ProxyContainer,
		"address":   o.cfg.Topology.ProxyAddr.String(),
	})
	return rt, nil
}

// interrupted reports cancellation as ErrInterrupted rather than as the step
// that happened to observe it.
func (o *Orchestrator) interrupted(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", domain.ErrInterrupted, err)
	}
	return err
}

// waitHealthy polls the proxy until Docker reports it healthy. Probes are
// paced at HealthInterval and bounded by both HealthRetries and HealthTimeout.
func (o *Orchestrator) waitHealthy(ctx context.Context, id string) error {
	hctx, cancel := context.WithTimeout(ctx, o.opts.HealthTimeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(o.opts.HealthInterval), 1)
	attempts := 0
	last := "unknown"
	for attempts < o.opts.HealthRetries {
		if err := limiter.Wait(hctx); err != nil {
			break
		}
		attempts++

		st, err := o.rt.InspectContainer(hctx, id)
		if err != nil {
			if hctx.Err() != nil {
				break
			}
			last = err.Error()
			continue
		}
		if !st.Running {
			return &domain.InstallError{
				Step: "proxy",
				Err:  fmt.Errorf("proxy exited with code %d before becoming healthy", st.ExitCode),
			}
		}
		last = st.Health
		if st.Health == HealthHealthy {
			o.metrics.SetGauge("proxy_health_probes", float64(attempts))
			return nil
		}
	}

	if ctx.Err() != nil {
		return fmt.Errorf("waiting for proxy health: %w", domain.ErrInterrupted)
	}
	return &domain.HealthTimeoutError{
		Container: o.cfg.Topology.ProxyContainer,
		Attempts:  attempts,
		LastState: last,
		Err:       hctx.Err(),
	}
}

// Execute creates and starts the sandbox, streams its output and returns the
// command's exit code unchanged.
func (o *Orchestrator) Execute(ctx context.Context, rt *RunningTopology, command []string, stdout, stderr io.Writer) (int, error) {
	if o.Phase() != PhaseProxyHealthy {
		return -1, fmt.Errorf("sandbox cannot start in phase %s", o.Phase())
	}
	if len(command) == 0 {
		return -1, errors.New("no command to run")
	}
	if !o.caps.Has(CapNetAdmin) {
		return -1, fmt.Errorf("sandbox entrypoint: %w", ErrCapabilityRevoked)
	}

	o.setPhase(ctx, PhaseSandboxStarting)
	id, err := o.rt.CreateContainer(ctx, o.SandboxSpec(command))
	if err != nil {
		o.setPhase(ctx, PhaseFailed)
		return -1, o.interrupted(ctx, &domain.InstallError{Step: "sandbox", Err: err})
	}
	rt.SandboxID = id

	if err := o.rt.StartContainer(ctx, id); err != nil {
		o.setPhase(ctx, PhaseFailed)
		return -1, o.interrupted(ctx, &domain.InstallError{Step: "sandbox", Err: err})
	}
	// The entrypoint gives up NET_ADMIN before exec'ing the command.
	o.caps.Revoke(CapNetAdmin)
	o.setPhase(ctx, PhaseSandboxRunning)
	start := time.Now()

	logCtx, cancelLogs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelLogs()

	var g errgroup.Group
	g.Go(func() error {
		return o.rt.StreamLogs(logCtx, id, stdout, stderr)
	})

	code, waitErr := o.rt.WaitContainer(ctx, id)

	// Output still in flight is drained for a bounded time after exit.
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	var logErr error
	select {
	case logErr = <-done:
	case <-time.After(logDrainTimeout):
		cancelLogs()
		logErr = <-done
	}
	if logErr != nil && !errors.Is(logErr, context.Canceled) {
		o.logger.Warn(ctx, "Sandbox log stream ended with an error", map[string]any{"error": logErr.Error()})
	}

	if waitErr != nil {
		o.setPhase(ctx, PhaseFailed)
		if ctx.Err() != nil {
			return -1, fmt.Errorf("sandbox: %w", domain.ErrInterrupted)
		}
		return -1, fmt.Errorf("waiting for sandbox: %w", waitErr)
	}

	o.setPhase(ctx, PhaseExited)
	o.metrics.ObserveHistogram("command_duration_seconds", time.Since(start).Seconds())
	o.logger.Info(ctx, "Command exited", map[string]any{"exit_code": code})
	return code, nil
}

// Signal forwards a signal to the sandbox command.
func (o *Orchestrator) Signal(ctx context.Context, rt *RunningTopology, sig string) error {
	if rt == nil || rt.SandboxID == "" {
		return nil
	}
	return ignoreNotFound(o.rt.SignalContainer(ctx, rt.SandboxID, sig))
}

// StopSandbox sends SIGTERM, waits up to StopTimeout, then removes the
// container by force.
func (o *Orchestrator) StopSandbox(ctx context.Context, rt *RunningTopology) error {
	if rt == nil || rt.SandboxID == "" {
		return nil
	}
	return o.stopAndRemove(ctx, rt.SandboxID)
}

func (o *Orchestrator) StopProxy(ctx context.Context, rt *RunningTopology) error {
	if rt == nil || rt.ProxyID == "" {
		return nil
	}
	return o.stopAndRemove(ctx, rt.ProxyID)
}

func (o *Orchestrator) RemoveNetwork(ctx context.Context, rt *RunningTopology) error {
	if rt == nil || rt.NetworkID == "" {
		return nil
	}
	return ignoreNotFound(o.rt.RemoveNetwork(ctx, rt.NetworkID))
}

// Stop tears the whole topology down in reverse order.
func (o *Orchestrator) Stop(ctx context.Context, rt *RunningTopology) error {
	return errors.Join(
		o.StopSandbox(ctx, rt),
		o.StopProxy(ctx, rt),
		o.RemoveNetwork(ctx, rt),
	)
}

func (o *Orchestrator) stopAndRemove(ctx context.Context, id string) error {
	var errs []error
	if err := ignoreNotFound(o.rt.StopContainer(ctx, id, o.opts.StopTimeout)); err != nil {
		errs = append(errs, err)
	}
	if err := ignoreNotFound(o.rt.RemoveContainer(ctx, id)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// PurgeStale removes containers and the network left by awf processes that
// no longer exist. A live owner means another invocation is running, which
// the fixed topology cannot accommodate.
func (o *Orchestrator) PurgeStale(ctx context.Context, alive func(ctx context.Context, pid int) (bool, error)) (int, error) {
	list, err := o.rt.ListContainers(ctx, LabelManaged+"=true")
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, c := range list {
		pid, _ := strconv.Atoi(c.Labels[LabelPID])
		if pid > 0 && pid != o.cfg.PID && alive != nil {
			ok, err := alive(ctx, pid)
			if err != nil {
				return removed, err
			}
			if ok {
				return removed, fmt.Errorf("container %s belongs to running awf process %d", c.Name, pid)
			}
		}
		if err := ignoreNotFound(o.rt.RemoveContainer(ctx, c.ID)); err != nil {
			return removed, err
		}
		removed++
	}

	// Containers created outside awf can still hold the fixed names.
	t := o.cfg.Topology
	for _, name := range []string{t.AgentContainer, t.ProxyContainer} {
		if err := o.rt.RemoveContainer(ctx, name); err == nil {
			removed++
		} else if !errors.Is(err, ErrNotFound) {
			return removed, err
		}
	}

	if err := o.rt.RemoveNetwork(ctx, t.NetworkName); err == nil {
		removed++
	} else if !errors.Is(err, ErrNotFound) {
		return removed, fmt.Errorf("network %s: %w", t.NetworkName, err)
	}

	if removed > 0 {
		o.logger.Info(ctx, "Removed stale containers", map[string]any{"removed": removed})
	}
	return removed, nil
}

func ignoreNotFound(err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// ExitDescription names common exit codes of the sandboxed command.
func ExitDescription(code int) string {
	switch {
	case code == 0:
		return "success"
	case code == 126:
		return "command not executable"
	case code == 127:
		return "command not found"
	case code > 128 && code < 160:
		return "killed by signal " + strconv.Itoa(code-128)
	default:
		return "exit status " + strconv.Itoa(code)
	}
}
