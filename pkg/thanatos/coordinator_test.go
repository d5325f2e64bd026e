package thanatos

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tartarus-sandbox/awf/pkg/charon"
	"github.com/tartarus-sandbox/awf/pkg/domain"
	"github.com/tartarus-sandbox/awf/pkg/erebus"
	"github.com/tartarus-sandbox/awf/pkg/kampe"
	"github.com/tartarus-sandbox/awf/pkg/kampe/kampetest"
	"github.com/tartarus-sandbox/awf/pkg/styx"
	"github.com/tartarus-sandbox/awf/pkg/themis"
)

type fakeFirewall struct {
	mu         sync.Mutex
	installed  *styx.Handle
	installs   int
	retracts   int
	purged     int
	installErr error
	retractErr error
	verifyErr  error
}

func (f *fakeFirewall) Install(ctx context.Context, topo domain.NetworkTopology, dns []netip.Addr) (*styx.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installs++
	if f.installErr != nil {
		return nil, f.installErr
	}
	f.installed = &styx.Handle{Chain: styx.ChainName(topo, dns), Parent: "DOCKER-USER"}
	return f.installed, nil
}

func (f *fakeFirewall) Retract(ctx context.Context, h *styx.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retracts++
	if f.retractErr != nil {
		return f.retractErr
	}
	f.installed = nil
	return nil
}

func (f *fakeFirewall) Verify(ctx context.Context, h *styx.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.installed == nil || f.installed != h {
		return errors.New("rules missing")
	}
	return f.verifyErr
}

func (f *fakeFirewall) Stats(ctx context.Context, h *styx.Handle) (styx.Counters, error) {
	return styx.Counters{Dropped: 7, DNSDropped: 2}, nil
}

func (f *fakeFirewall) PurgeStale(ctx context.Context) (int, error) {
	return f.purged, nil
}

func (f *fakeFirewall) active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installed != nil
}

type harness struct {
	rt       *kampetest.Runtime
	fw       *fakeFirewall
	base     string
	preserve string
	cfg      Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		rt:       kampetest.New(),
		fw:       &fakeFirewall{},
		base:     t.TempDir(),
		preserve: t.TempDir(),
	}
	h.cfg = Config{
		Runtime:  h.rt,
		Firewall: h.fw,
		Containers: kampe.Options{
			SquidImage:     "ubuntu/squid:latest",
			AgentImage:     "ubuntu:24.04",
			HealthTimeout:  5 * time.Second,
			HealthInterval: time.Millisecond,
			HealthRetries:  5,
			StopTimeout:    time.Second,
		},
		Invocation:   "inv-test",
		PID:          4242,
		Alive:        func(ctx context.Context, pid int) (bool, error) { return false, nil },
		WorkDirBase:  h.base,
		PreserveBase: h.preserve,
		Stdout:       &strings.Builder{},
		Stderr:       &strings.Builder{},
	}
	return h
}

func mustPolicy(t *testing.T, allow, block []string, intercept bool) domain.Policy {
	t.Helper()
	p, err := themis.NewPolicy(allow, block, nil, intercept, false)
	require.NoError(t, err)
	return p
}

func workDirs(t *testing.T, base string) []string {
	t.Helper()
	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

func assertCleaned(t *testing.T, h *harness, c *Coordinator) {
	t.Helper()
	assert.Equal(t, domain.StateCleaned, c.State())
	assert.False(t, h.fw.active(), "rules still installed")
	assert.Empty(t, h.rt.Containers, "containers left behind")
	assert.Empty(t, h.rt.Networks, "network left behind")
	assert.Empty(t, workDirs(t, h.base), "work dir left behind")
}

func TestRunSuccess(t *testing.T) {
	h := newHarness(t)
	h.rt.Output = "ok\n"

	var seen map[string]bool
	h.rt.OnCreate = func(spec kampe.ContainerSpec) {
		if spec.Name != "awf-squid" {
			return
		}
		seen = map[string]bool{}
		for _, b := range spec.Binds {
			src := strings.SplitN(b, ":", 2)[0]
			_, err := os.Stat(src)
			seen[filepath.Base(src)] = err == nil
		}
	}

	c := NewCoordinator(h.cfg)
	code, err := c.Run(context.Background(), mustPolicy(t, []string{"github.com"}, nil, false), []string{"curl", "https://github.com"})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "ok\n", h.cfg.Stdout.(*strings.Builder).String())

	// The proxy only started once its config existed on disk.
	assert.True(t, seen[charon.ConfigFile])
	assert.True(t, seen[erebus.ProxyLogDir])

	assert.Equal(t, 1, h.fw.installs)
	assert.Equal(t, 1, h.fw.retracts)
	assertCleaned(t, h, c)

	r := c.Report()
	assert.Empty(t, r.TeardownErrors)
	assert.Equal(t, 0, r.ExitCode)
	assert.Equal(t, uint64(7), r.Filter.Dropped)
}

func TestRunPassesCommandExitCode(t *testing.T) {
	h := newHarness(t)
	h.rt.ExitCode = 42
	c := NewCoordinator(h.cfg)

	code, err := c.Run(context.Background(), mustPolicy(t, []string{"github.com"}, nil, false), []string{"sh", "-c", "exit 42"})
	require.NoError(t, err)
	assert.Equal(t, 42, code)
	assertCleaned(t, h, c)
}

func TestRunPolicyErrorTouchesNothing(t *testing.T) {
	h := newHarness(t)
	p := mustPolicy(t, []string{"github.com"}, nil, false)
	p.DNSServers = []netip.Addr{netip.MustParseAddr("2001:4860:4860::8888")}

	c := NewCoordinator(h.cfg)
	_, err := c.Run(context.Background(), p, []string{"true"})
	var pe *domain.PolicyError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, domain.ExitPolicyError, domain.ExitCodeFor(err))

	assert.Zero(t, h.fw.installs)
	assert.Empty(t, h.rt.Calls)
	assert.Empty(t, workDirs(t, h.base))
	assert.Equal(t, domain.StateCleaned, c.State())
}

func TestRunInstallFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.fw.installErr = &domain.InstallError{Step: "iptables", Err: errors.New("permission denied")}
	c := NewCoordinator(h.cfg)

	_, err := c.Run(context.Background(), mustPolicy(t, []string{"github.com"}, nil, false), []string{"true"})
	assert.Equal(t, domain.ExitInstallError, domain.ExitCodeFor(err))
	assert.False(t, h.rt.Called("CreateNetwork", "awf-net"))
	assertCleaned(t, h, c)
}

func TestRunRefusesSandboxWhenRulesVanish(t *testing.T) {
	h := newHarness(t)
	h.fw.verifyErr = errors.New("jump missing from DOCKER-USER")
	var bridge string
	h.cfg.VerifyBridge = func(name string) error {
		bridge = name
		return errors.New("not found")
	}
	c := NewCoordinator(h.cfg)

	_, err := c.Run(context.Background(), mustPolicy(t, []string{"github.com"}, nil, false), []string{"true"})
	var ie *domain.InstallError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "verify", ie.Step)
	assert.Equal(t, "awf-bridge", bridge)
	assert.False(t, h.rt.Called("CreateContainer", "awf-agent"))
	assertCleaned(t, h, c)
}

func TestRunHealthTimeoutTearsDown(t *testing.T) {
	h := newHarness(t)
	h.rt.Health = []string{"starting"}
	h.cfg.Containers.HealthRetries = 2
	c := NewCoordinator(h.cfg)

	_, err := c.Run(context.Background(), mustPolicy(t, []string{"github.com"}, nil, false), []string{"true"})
	assert.Equal(t, domain.ExitHealthTimeout, domain.ExitCodeFor(err))
	assert.False(t, h.rt.Called("CreateContainer", "awf-agent"))
	assert.True(t, h.rt.Called("RemoveContainer", "awf-squid"))
	assertCleaned(t, h, c)
}

func TestRunInterruptedWhileSandboxStarting(t *testing.T) {
	h := newHarness(t)
	h.rt.Block = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.rt.OnCreate = func(spec kampe.ContainerSpec) {
		if spec.Name == "awf-agent" {
			cancel()
		}
	}
	c := NewCoordinator(h.cfg)

	_, err := c.Run(ctx, mustPolicy(t, []string{"github.com"}, nil, false), []string{"sleep", "100"})
	require.ErrorIs(t, err, domain.ErrInterrupted)
	assert.Equal(t, domain.ExitInterrupted, domain.ExitCodeFor(err))

	assert.True(t, h.rt.Called("StopContainer", "awf-agent"))
	assert.Less(t, h.rt.LastIndex("RemoveContainer", "awf-agent"), h.rt.LastIndex("RemoveContainer", "awf-squid"))
	assert.Less(t, h.rt.LastIndex("RemoveContainer", "awf-squid"), h.rt.LastIndex("RemoveNetwork", "awf-net"))
	assertCleaned(t, h, c)
}

func TestTeardownContinuesAfterFailedStep(t *testing.T) {
	h := newHarness(t)
	h.rt.Errors["StopContainer awf-squid"] = errors.New("daemon busy")
	c := NewCoordinator(h.cfg)

	code, err := c.Run(context.Background(), mustPolicy(t, []string{"github.com"}, nil, false), []string{"true"})
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	r := c.Report()
	require.Len(t, r.TeardownErrors, 1)
	assert.Equal(t, "stop-proxy", r.TeardownErrors[0].Step)

	// Later steps still ran.
	assert.True(t, h.rt.Called("RemoveNetwork", "awf-net"))
	assert.False(t, h.fw.active())
	assert.Empty(t, workDirs(t, h.base))
	assert.Equal(t, domain.StateCleaned, c.State())

	// A second teardown is a no-op.
	calls := len(h.rt.Calls)
	c.Teardown(context.Background())
	assert.Len(t, h.rt.Calls, calls)
}

const accessLog = `1700000000.123 172.30.0.20:45678 github.com:443 140.82.112.3:443 1.1 CONNECT 200 TCP_TUNNEL:HIER_DIRECT github.com:443 "curl/8.4.0"
1700000001.456 172.30.0.20:45680 evil.com:443 -:- 1.1 CONNECT 403 TCP_DENIED:HIER_NONE evil.com:443 "curl/8.4.0"
`

func TestRunPreservesAndSummarizesLogs(t *testing.T) {
	h := newHarness(t)
	store, err := erebus.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	h.cfg.Archive = store

	var c *Coordinator
	h.rt.OnCreate = func(spec kampe.ContainerSpec) {
		if spec.Name != "awf-agent" {
			return
		}
		dir := filepath.Join(c.Report().WorkDir, erebus.ProxyLogDir)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "access.log"), []byte(accessLog), 0o644))
	}
	c = NewCoordinator(h.cfg)

	_, err = c.Run(context.Background(), mustPolicy(t, []string{"github.com"}, nil, false), []string{"curl", "https://evil.com"})
	require.NoError(t, err)

	r := c.Report()
	require.NotEmpty(t, r.PreservedLogs)
	assert.Equal(t, h.preserve, filepath.Dir(r.PreservedLogs))
	assert.True(t, strings.HasPrefix(filepath.Base(r.PreservedLogs), "squid-logs-"))
	data, err := os.ReadFile(filepath.Join(r.PreservedLogs, "access.log"))
	require.NoError(t, err)
	assert.Equal(t, accessLog, string(data))

	require.NotNil(t, r.Access)
	assert.Equal(t, 2, r.Access.Total)
	assert.Equal(t, 1, r.Access.Allowed)
	assert.Equal(t, 1, r.Access.Denied)
	assert.Empty(t, r.Mismatches)

	require.NotEmpty(t, r.ArchiveKey)
	assert.FileExists(t, filepath.Join(store.BasePath, r.ArchiveKey))

	assertCleaned(t, h, c)
}

func TestRunKeepWorkDir(t *testing.T) {
	h := newHarness(t)
	h.cfg.KeepWorkDir = true
	c := NewCoordinator(h.cfg)

	_, err := c.Run(context.Background(), mustPolicy(t, []string{"github.com"}, nil, false), []string{"true"})
	require.NoError(t, err)

	wd := c.Report().WorkDir
	for _, f := range []string{charon.ConfigFile, kampe.EntrypointFile, ComposeFile} {
		assert.FileExists(t, filepath.Join(wd, f))
	}
	info, err := os.Stat(filepath.Join(wd, kampe.EntrypointFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestRunInterceptWritesCA(t *testing.T) {
	h := newHarness(t)
	h.cfg.KeepWorkDir = true
	c := NewCoordinator(h.cfg)

	_, err := c.Run(context.Background(), mustPolicy(t, []string{"github.com"}, nil, true), []string{"true"})
	require.NoError(t, err)

	wd := c.Report().WorkDir
	assert.FileExists(t, filepath.Join(wd, charon.CertFile))
	info, err := os.Stat(filepath.Join(wd, charon.KeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	conf, err := os.ReadFile(filepath.Join(wd, charon.ConfigFile))
	require.NoError(t, err)
	assert.Contains(t, string(conf), "ssl_bump")
	assert.Contains(t, h.rt.Specs["awf-squid"].Binds, filepath.Join(wd, "ssl")+":"+charon.CertDir+":ro")
}

func TestCleanup(t *testing.T) {
	h := newHarness(t)
	h.fw.purged = 3
	h.rt.Seed("awf-squid", map[string]string{kampe.LabelManaged: "true", kampe.LabelPID: "999"})

	now := time.Now()
	old := filepath.Join(h.base, "awf-"+strconv.FormatInt(now.Add(-48*time.Hour).UnixMilli(), 10))
	fresh := filepath.Join(h.base, "awf-"+strconv.FormatInt(now.UnixMilli(), 10))
	require.NoError(t, os.MkdirAll(old, 0o755))
	require.NoError(t, os.MkdirAll(fresh, 0o755))

	h.cfg.Now = func() time.Time { return now }
	c := NewCoordinator(h.cfg)
	n, err := c.Cleanup(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.NoDirExists(t, old)
	assert.DirExists(t, fresh)
	assert.Empty(t, h.rt.Containers)
}
