package kampe_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tartarus-sandbox/awf/pkg/domain"
	"github.com/tartarus-sandbox/awf/pkg/kampe"
	"github.com/tartarus-sandbox/awf/pkg/kampe/kampetest"
	"github.com/tartarus-sandbox/awf/pkg/styx"
)

func testConfig(hostAccess, intercept bool) kampe.Config {
	return kampe.Config{
		Topology:   domain.DefaultTopology(hostAccess),
		DNSServers: []netip.Addr{netip.MustParseAddr("1.1.1.1")},
		Intercept:  intercept,
		HostAccess: hostAccess,
		Invocation: "inv-1",
		PID:        100,
		WorkDir:    "/tmp/awf-1",
		Options: kampe.Options{
			SquidImage:     "ubuntu/squid:latest",
			AgentImage:     "ubuntu:24.04",
			HealthTimeout:  5 * time.Second,
			HealthInterval: time.Millisecond,
			HealthRetries:  10,
			StopTimeout:    time.Second,
			HomeDir:        "/home/dev",
			WorkingDir:     "/home/dev/project",
		},
	}
}

func TestStartWaitsForHealthyProxy(t *testing.T) {
	rt := kampetest.New()
	rt.Health = []string{"starting", "starting", "healthy"}
	o := kampe.NewOrchestrator(rt, testConfig(false, false))

	topo, err := o.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, kampe.PhaseProxyHealthy, o.Phase())
	assert.Equal(t, "awf-net", topo.NetworkID)
	assert.Equal(t, "id-awf-squid", topo.ProxyID)
	assert.Empty(t, topo.SandboxID)

	assert.True(t, rt.Called("EnsureImage", "ubuntu/squid:latest"))
	assert.True(t, rt.Called("EnsureImage", "ubuntu:24.04"))
	assert.False(t, rt.Called("CreateContainer", "awf-agent"))
	assert.Less(t, rt.Index("CreateNetwork", "awf-net"), rt.Index("CreateContainer", "awf-squid"))
}

func TestStartHealthTimeout(t *testing.T) {
	rt := kampetest.New()
	rt.Health = []string{"starting"}
	cfg := testConfig(false, false)
	cfg.Options.HealthRetries = 3
	o := kampe.NewOrchestrator(rt, cfg)

	topo, err := o.Start(context.Background())
	require.Error(t, err)

	var he *domain.HealthTimeoutError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, 3, he.Attempts)
	assert.Equal(t, "starting", he.LastState)
	assert.Equal(t, domain.ExitHealthTimeout, domain.ExitCodeFor(err))
	assert.Equal(t, kampe.PhaseFailed, o.Phase())

	// The partial topology is still reported for teardown.
	assert.Equal(t, "id-awf-squid", topo.ProxyID)
	assert.False(t, rt.Called("CreateContainer", "awf-agent"))

	_, err = o.Execute(context.Background(), topo, []string{"true"}, io.Discard, io.Discard)
	require.Error(t, err)
	assert.False(t, rt.Called("CreateContainer", "awf-agent"))
}

func TestStartInvalidImage(t *testing.T) {
	rt := kampetest.New()
	cfg := testConfig(false, false)
	cfg.Options.AgentImage = "UPPER CASE::bad"
	o := kampe.NewOrchestrator(rt, cfg)

	_, err := o.Start(context.Background())
	var ie *domain.InstallError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "image", ie.Step)
	assert.False(t, rt.Called("CreateNetwork", "awf-net"))
}

func TestStartNetworkFailure(t *testing.T) {
	rt := kampetest.New()
	rt.Errors["CreateNetwork awf-net"] = errors.New("pool overlaps")
	o := kampe.NewOrchestrator(rt, testConfig(false, false))

	topo, err := o.Start(context.Background())
	assert.Equal(t, domain.ExitInstallError, domain.ExitCodeFor(err))
	assert.Empty(t, topo.NetworkID)
	assert.False(t, rt.Called("CreateContainer", "awf-squid"))
}

type MockRuntime struct {
	mock.Mock
}

func (m *MockRuntime) EnsureImage(ctx context.Context, ref string, pull bool) error {
	return m.Called(ctx, ref, pull).Error(0)
}
func (m *MockRuntime) CreateNetwork(ctx context.Context, spec kampe.NetworkSpec) (string, error) {
	args := m.Called(ctx, spec)
	return args.String(0), args.Error(1)
}
func (m *MockRuntime) RemoveNetwork(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}
func (m *MockRuntime) CreateContainer(ctx context.Context, spec kampe.ContainerSpec) (string, error) {
	args := m.Called(ctx, spec)
	return args.String(0), args.Error(1)
}
func (m *MockRuntime) StartContainer(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}
func (m *MockRuntime) InspectContainer(ctx context.Context, id string) (kampe.ContainerStatus, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(kampe.ContainerStatus), args.Error(1)
}
func (m *MockRuntime) StreamLogs(ctx context.Context, id string, stdout, stderr io.Writer) error {
	return m.Called(ctx, id, stdout, stderr).Error(0)
}
func (m *MockRuntime) WaitContainer(ctx context.Context, id string) (int, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Error(1)
}
func (m *MockRuntime) SignalContainer(ctx context.Context, id, signal string) error {
	return m.Called(ctx, id, signal).Error(0)
}
func (m *MockRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	return m.Called(ctx, id, timeout).Error(0)
}
func (m *MockRuntime) RemoveContainer(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}
func (m *MockRuntime) ListContainers(ctx context.Context, label string) ([]kampe.ContainerStatus, error) {
	args := m.Called(ctx, label)
	return args.Get(0).([]kampe.ContainerStatus), args.Error(1)
}

func TestStartProxyExitsBeforeHealthy(t *testing.T) {
	m := new(MockRuntime)
	m.On("EnsureImage", mock.Anything, mock.Anything, false).Return(nil)
	m.On("CreateNetwork", mock.Anything, mock.Anything).Return("net-1", nil)
	m.On("CreateContainer", mock.Anything, mock.MatchedBy(func(s kampe.ContainerSpec) bool {
		return s.Name == "awf-squid"
	})).Return("proxy-1", nil)
	m.On("StartContainer", mock.Anything, "proxy-1").Return(nil)
	m.On("InspectContainer", mock.Anything, "proxy-1").Return(kampe.ContainerStatus{
		ID: "proxy-1", Running: false, ExitCode: 1, Health: "unhealthy",
	}, nil)

	o := kampe.NewOrchestrator(m, testConfig(false, false))
	topo, err := o.Start(context.Background())

	var ie *domain.InstallError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "proxy", ie.Step)
	assert.Equal(t, "net-1", topo.NetworkID)
	assert.Equal(t, "proxy-1", topo.ProxyID)
	m.AssertNumberOfCalls(t, "InspectContainer", 1)
	m.AssertExpectations(t)
}

func TestExecutePassesExitCodeThrough(t *testing.T) {
	rt := kampetest.New()
	rt.ExitCode = 42
	rt.Output = "hello from the sandbox\n"
	o := kampe.NewOrchestrator(rt, testConfig(false, false))

	ctx := context.Background()
	topo, err := o.Start(ctx)
	require.NoError(t, err)
	assert.True(t, o.Capabilities().Has(kampe.CapNetAdmin))

	var stdout bytes.Buffer
	code, err := o.Execute(ctx, topo, []string{"sh", "-c", "exit 42"}, &stdout, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 42, code)
	assert.Equal(t, "hello from the sandbox\n", stdout.String())
	assert.Equal(t, kampe.PhaseExited, o.Phase())
	assert.Equal(t, "id-awf-agent", topo.SandboxID)

	// NET_ADMIN is gone once the sandbox runs and cannot come back.
	assert.False(t, o.Capabilities().Has(kampe.CapNetAdmin))
	assert.ErrorIs(t, o.Capabilities().Grant(kampe.CapNetAdmin), kampe.ErrCapabilityRevoked)

	assert.Less(t, rt.Index("InspectContainer", "awf-squid"), rt.Index("CreateContainer", "awf-agent"))
	assert.Equal(t, []string{"sh", "-c", "exit 42"}, rt.Specs["awf-agent"].Cmd)
}

func TestExecuteInterrupted(t *testing.T) {
	rt := kampetest.New()
	rt.Block = true
	o := kampe.NewOrchestrator(rt, testConfig(false, false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	topo, err := o.Start(ctx)
	require.NoError(t, err)

	rt.OnCreate = func(spec kampe.ContainerSpec) {
		if spec.Name == "awf-agent" {
			cancel()
		}
	}
	_, err = o.Execute(ctx, topo, []string{"sleep", "100"}, io.Discard, io.Discard)
	require.ErrorIs(t, err, domain.ErrInterrupted)
	assert.Equal(t, domain.ExitInterrupted, domain.ExitCodeFor(err))

	require.NoError(t, o.Stop(context.Background(), topo))
	assert.True(t, rt.Called("StopContainer", "awf-agent"))
	assert.True(t, rt.Called("RemoveContainer", "awf-agent"))
	assert.Empty(t, rt.Containers)
	assert.Empty(t, rt.Networks)
}

func TestStopOrderAndIdempotence(t *testing.T) {
	rt := kampetest.New()
	o := kampe.NewOrchestrator(rt, testConfig(false, false))
	ctx := context.Background()

	topo, err := o.Start(ctx)
	require.NoError(t, err)
	_, err = o.Execute(ctx, topo, []string{"true"}, io.Discard, io.Discard)
	require.NoError(t, err)

	require.NoError(t, o.Stop(ctx, topo))
	sandbox := rt.Index("RemoveContainer", "awf-agent")
	proxy := rt.Index("RemoveContainer", "awf-squid")
	network := rt.Index("RemoveNetwork", "awf-net")
	assert.Less(t, sandbox, proxy)
	assert.Less(t, proxy, network)

	// A second teardown finds nothing and is not an error.
	require.NoError(t, o.Stop(ctx, topo))
	require.NoError(t, o.Stop(ctx, nil))
}

func TestSignalWithoutSandbox(t *testing.T) {
	rt := kampetest.New()
	o := kampe.NewOrchestrator(rt, testConfig(false, false))
	require.NoError(t, o.Signal(context.Background(), &kampe.RunningTopology{}, "SIGTERM"))
	assert.Empty(t, rt.Calls)
}

func TestSandboxSpec(t *testing.T) {
	o := kampe.NewOrchestrator(kampetest.New(), testConfig(true, false))
	spec := o.SandboxSpec([]string{"curl", "https://github.com"})

	assert.Equal(t, "awf-agent", spec.Name)
	assert.Equal(t, netip.MustParseAddr("172.30.0.20"), spec.IPv4)
	assert.Equal(t, []string{"/bin/sh", styx.EntrypointPath}, spec.Entrypoint)
	assert.Contains(t, spec.Binds, "/:/host:rw")
	assert.Contains(t, spec.Binds, "/home/dev:/home/dev:rw")
	assert.Contains(t, spec.Binds, "/tmp/awf-1/awf-entrypoint.sh:"+styx.EntrypointPath+":ro")
	assert.Equal(t, []string{"NET_ADMIN"}, spec.CapAdd)
	assert.ElementsMatch(t, []string{"NET_RAW", "SYS_PTRACE", "SYS_MODULE"}, spec.CapDrop)
	assert.Equal(t, []string{"1.1.1.1"}, spec.DNS)
	assert.Contains(t, spec.Env, "HTTP_PROXY=http://172.30.0.10:3128")
	assert.Contains(t, spec.Env, "https_proxy=http://172.30.0.10:3128")
	assert.Equal(t, []string{"host.docker.internal:172.30.0.1"}, spec.ExtraHosts)
	assert.Equal(t, "1", spec.Sysctls["net.ipv6.conf.all.disable_ipv6"])
	assert.Equal(t, "sandbox", spec.Labels[kampe.LabelRole])
	assert.Equal(t, "100", spec.Labels[kampe.LabelPID])

	noHost := kampe.NewOrchestrator(kampetest.New(), testConfig(false, false))
	assert.Empty(t, noHost.SandboxSpec([]string{"true"}).ExtraHosts)
}

func TestSandboxSpecOneShotTokens(t *testing.T) {
	cases := []struct {
		name    string
		library string
		tokens  []string
		want    []string
		absent  []string
	}{
		{
			name:   "disabled",
			tokens: []string{"GITHUB_TOKEN"},
			absent: []string{"LD_PRELOAD=", "AWF_ONE_SHOT_TOKENS="},
		},
		{
			name:    "library defaults",
			library: "/usr/local/lib/one-shot-token.so",
			want:    []string{"LD_PRELOAD=/usr/local/lib/one-shot-token.so"},
			absent:  []string{"AWF_ONE_SHOT_TOKENS="},
		},
		{
			name:    "explicit tokens",
			library: "/usr/local/lib/one-shot-token.so",
			tokens:  []string{"GITHUB_TOKEN", "OPENAI_API_KEY"},
			want: []string{
				"LD_PRELOAD=/usr/local/lib/one-shot-token.so",
				"AWF_ONE_SHOT_TOKENS=GITHUB_TOKEN,OPENAI_API_KEY",
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(false, false)
			cfg.Options.Env = []string{"GITHUB_TOKEN=ghp_x"}
			cfg.Options.OneShotTokenLibrary = tc.library
			cfg.Options.OneShotTokens = tc.tokens
			env := kampe.NewOrchestrator(kampetest.New(), cfg).SandboxSpec([]string{"true"}).Env

			assert.Contains(t, env, "GITHUB_TOKEN=ghp_x")
			for _, w := range tc.want {
				assert.Contains(t, env, w)
			}
			for _, prefix := range tc.absent {
				for _, e := range env {
					assert.False(t, strings.HasPrefix(e, prefix), e)
				}
			}
		})
	}
}

func TestProxySpec(t *testing.T) {
	plain := kampe.NewOrchestrator(kampetest.New(), testConfig(false, false)).ProxySpec()
	assert.Equal(t, netip.MustParseAddr("172.30.0.10"), plain.IPv4)
	assert.Equal(t, []uint16{3128}, plain.ExposedPorts)
	assert.Contains(t, plain.Binds, "/tmp/awf-1/squid.conf:/etc/squid/squid.conf:ro")
	assert.Contains(t, plain.Binds, "/tmp/awf-1/squid-logs:/var/log/squid:rw")
	assert.Len(t, plain.Binds, 2)
	assert.Empty(t, plain.Entrypoint)
	require.NotNil(t, plain.Health)
	assert.Equal(t, []string{"CMD", "squid", "-k", "check"}, plain.Health.Test)

	bump := kampe.NewOrchestrator(kampetest.New(), testConfig(true, true)).ProxySpec()
	assert.Equal(t, []uint16{3128, 3129}, bump.ExposedPorts)
	assert.Contains(t, bump.Binds, "/tmp/awf-1/ssl:/etc/squid/ssl:ro")
	assert.Equal(t, []string{"/bin/sh", "-c"}, bump.Entrypoint)
	require.Len(t, bump.Cmd, 1)
	assert.Contains(t, bump.Cmd[0], "security_file_certgen")
}

func TestPurgeStale(t *testing.T) {
	dead := func(ctx context.Context, pid int) (bool, error) { return false, nil }
	live := func(ctx context.Context, pid int) (bool, error) { return pid == 555, nil }

	t.Run("dead owner", func(t *testing.T) {
		rt := kampetest.New()
		rt.Seed("awf-squid", map[string]string{kampe.LabelManaged: "true", kampe.LabelPID: "555"})
		rt.Networks["awf-net"] = kampe.NetworkSpec{Name: "awf-net"}
		o := kampe.NewOrchestrator(rt, testConfig(false, false))

		n, err := o.PurgeStale(context.Background(), dead)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Empty(t, rt.Containers)
		assert.Empty(t, rt.Networks)
	})

	t.Run("live owner", func(t *testing.T) {
		rt := kampetest.New()
		rt.Seed("awf-squid", map[string]string{kampe.LabelManaged: "true", kampe.LabelPID: "555"})
		o := kampe.NewOrchestrator(rt, testConfig(false, false))

		_, err := o.PurgeStale(context.Background(), live)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "running awf process 555")
		assert.Len(t, rt.Containers, 1)
	})

	t.Run("unlabelled name clash", func(t *testing.T) {
		rt := kampetest.New()
		rt.Seed("awf-agent", nil)
		o := kampe.NewOrchestrator(rt, testConfig(false, false))

		n, err := o.PurgeStale(context.Background(), live)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Empty(t, rt.Containers)
	})

	t.Run("nothing to do", func(t *testing.T) {
		o := kampe.NewOrchestrator(kampetest.New(), testConfig(false, false))
		n, err := o.PurgeStale(context.Background(), dead)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestExitDescription(t *testing.T) {
	assert.Equal(t, "success", kampe.ExitDescription(0))
	assert.Equal(t, "command not found", kampe.ExitDescription(127))
	assert.Equal(t, "killed by signal 9", kampe.ExitDescription(137))
	assert.Equal(t, "exit status 3", kampe.ExitDescription(3))
}
