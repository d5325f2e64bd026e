package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tartarus-sandbox/awf/pkg/config"
	"github.com/tartarus-sandbox/awf/pkg/domain"
	"github.com/tartarus-sandbox/awf/pkg/erebus"
	"github.com/tartarus-sandbox/awf/pkg/hermes"
	"github.com/tartarus-sandbox/awf/pkg/kampe"
	"github.com/tartarus-sandbox/awf/pkg/styx"
	"github.com/tartarus-sandbox/awf/pkg/thanatos"
)

var (
	runPolicy   policyFlags
	dockerHost  string
	keepWorkDir bool
	envPass     []string
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- command [args...]",
	Short: "Run a command behind the egress firewall",
	Long: `Run starts a filtering proxy and a sandbox container on a dedicated network,
installs host packet filter rules, runs the command in the sandbox and removes
everything again. The command's exit code becomes awf's exit code.`,
	Example: `  awf run --allow-domains github.com,api.github.com -- curl https://api.github.com
  awf run --allow-domains-file domains.txt --block-domains =gist.github.com -- npm test`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return &usageError{err: errors.New("no command given; put it after --")}
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		policy, err := runPolicy.policy(cfg.DNSServers)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("keep-workdir") {
			cfg.KeepWorkDir = keepWorkDir
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		coord, closeFn, err := newCoordinator(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		code, err := coord.Run(ctx, policy, args)
		report(ctx, coord.Report())
		if err != nil {
			return err
		}
		exitCode = code
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runPolicy.register(runCmd)
	fs := runCmd.Flags()
	fs.StringVar(&dockerHost, "docker-host", "", "Docker daemon address (default from DOCKER_HOST)")
	fs.BoolVar(&keepWorkDir, "keep-workdir", false, "Keep the work dir with squid.conf and logs after the run")
	fs.StringArrayVarP(&envPass, "env", "e", nil, "Set an environment variable in the sandbox (KEY=VALUE)")
}

// newCoordinator wires the Docker runtime, the host packet filter and the
// optional log archive from cfg.
func newCoordinator(ctx context.Context, cfg *config.Config) (*thanatos.Coordinator, func(), error) {
	log := hermes.NewSlogAdapter(logger)
	invocation := domain.InvocationID(uuid.NewString())
	pid := os.Getpid()

	rt, err := kampe.NewDockerRuntime(ctx, dockerHost)
	if err != nil {
		return nil, nil, &domain.InstallError{Step: "docker", Err: err}
	}

	v4, v6, err := styx.NewTables()
	if err != nil {
		rt.Close()
		return nil, nil, &domain.InstallError{Step: "iptables", Err: err}
	}
	var lock styx.Locker
	if cfg.HostLock {
		lock = styx.NewHostLock(cfg.LockPath)
	}
	fw := styx.NewManager(v4, styx.Config{
		V6:      v6,
		Lock:    lock,
		Owner:   styx.Owner{Invocation: invocation, PID: pid},
		Logger:  log,
		Metrics: metrics,
	})

	store, err := archiveStore(ctx, cfg.Archive)
	if err != nil {
		rt.Close()
		return nil, nil, err
	}

	home, _ := os.UserHomeDir()
	wd, _ := os.Getwd()
	coord := thanatos.NewCoordinator(thanatos.Config{
		Runtime:  rt,
		Firewall: fw,
		Containers: kampe.Options{
			SquidImage:     cfg.SquidImage,
			AgentImage:     cfg.AgentImage,
			PullImages:     cfg.PullImages,
			HealthTimeout:  cfg.HealthTimeout,
			HealthInterval: cfg.HealthInterval,
			HealthRetries:  cfg.HealthRetries,
			StopTimeout:    cfg.StopTimeout,
			HomeDir:        home,
			WorkingDir:     wd,
			Env:            envPass,

			OneShotTokenLibrary: cfg.OneShotTokenLibrary,
			OneShotTokens:       cfg.OneShotTokens,
		},
		Invocation:   invocation,
		PID:          pid,
		Alive:        styx.ProcessAlive,
		VerifyBridge: styx.VerifyBridge,
		WorkDirBase:  cfg.WorkDirBase,
		KeepWorkDir:  cfg.KeepWorkDir,
		Archive:      store,
		Stdout:       os.Stdout,
		Stderr:       os.Stderr,
		Logger:       log,
		Metrics:      metrics,
	})
	return coord, func() { rt.Close() }, nil
}

func archiveStore(ctx context.Context, a config.Archive) (erebus.Store, error) {
	switch a.Kind {
	case "":
		return nil, nil
	case "local":
		return erebus.NewLocalStore(a.Dir)
	case "s3":
		return erebus.NewS3Store(ctx, erebus.S3Config{
			Endpoint:  a.Endpoint,
			Region:    a.Region,
			Bucket:    a.Bucket,
			Prefix:    a.Prefix,
			AccessKey: a.AccessKey,
			SecretKey: a.SecretKey,
		})
	default:
		return nil, &usageError{err: fmt.Errorf("unknown archive kind %q", a.Kind)}
	}
}

// report prints what the run left behind to stderr, after the command's own
// output.
func report(ctx context.Context, r thanatos.Report) {
	if r.Access != nil && r.Access.Denied > 0 {
		fmt.Fprintf(os.Stderr, "[awf] %d request(s) blocked:\n", r.Access.Denied)
		for _, d := range r.Access.Blocked {
			fmt.Fprintf(os.Stderr, "[awf]   %s (%d)\n", d.Domain, d.Count)
		}
	}
	if r.Filter.Dropped > 0 {
		fmt.Fprintf(os.Stderr, "[awf] host packet filter dropped %d packet(s), %d of them DNS\n", r.Filter.Dropped, r.Filter.DNSDropped)
	}
	if r.PreservedLogs != "" {
		fmt.Fprintf(os.Stderr, "[awf] proxy logs: %s\n", r.PreservedLogs)
	}
	for _, te := range r.TeardownErrors {
		logger.WarnContext(ctx, "Cleanup incomplete, run 'awf cleanup'", "step", te.Step, "error", te.Err)
	}
}
