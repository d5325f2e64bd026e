package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tartarus-sandbox/awf/pkg/config"
	"github.com/tartarus-sandbox/awf/pkg/domain"
	"github.com/tartarus-sandbox/awf/pkg/hermes"
)

const metricsNamespace = "awf"

var (
	v          = config.New()
	configFile string

	cfg      *config.Config
	logger   *slog.Logger
	closeLog func() error
	metrics  *hermes.PrometheusMetrics

	// exitCode is the status of a command that finished without error. For
	// run it is the sandboxed command's own exit code.
	exitCode int
)

var rootCmd = &cobra.Command{
	Use:   "awf",
	Short: "Agentic workflow firewall",
	Long: `awf runs a command in a container whose network egress is limited to an
allow list of domains, enforced by a filtering proxy and host packet filter rules.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

// Execute runs the CLI and returns the process exit status.
func Execute() int {
	exitCode = 0
	err := rootCmd.Execute()
	if err != nil {
		if logger != nil {
			logger.Error("awf failed", "error", err)
		} else {
			fmt.Fprintln(os.Stderr, "awf:", err)
		}
	}
	shutdown()

	if err == nil {
		return exitCode
	}
	var usage *usageError
	if errors.As(err, &usage) {
		return domain.ExitPolicyError
	}
	return domain.ExitCodeFor(err)
}

// usageError is bad input on the command line or in the config file.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func setup(cmd *cobra.Command, args []string) error {
	c, err := config.Load(v, configFile)
	if err != nil {
		return &usageError{err: err}
	}
	cfg = c

	l, closer, err := hermes.NewLogger(hermes.LogConfig{
		Level:    cfg.LogLevel,
		Format:   cfg.LogFormat,
		FilePath: cfg.LogFile,
	})
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	logger, closeLog = l, closer
	metrics = hermes.NewPrometheusMetrics(metricsNamespace)
	return nil
}

func shutdown() {
	if cfg != nil && cfg.MetricsTextfile != "" && metrics != nil {
		if err := metrics.WriteTextfile(cfg.MetricsTextfile); err != nil && logger != nil {
			logger.Warn("Failed to write metrics", "path", cfg.MetricsTextfile, "error", err)
		}
	}
	if closeLog != nil {
		_ = closeLog()
	}
}

func init() {
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Config file (default: awf.yaml in ., ~/.config/awf or /etc/awf)")
	pf.String("log-level", "info", "Log level: debug, info, warn, error")
	pf.String("log-format", "auto", "Log format: auto, text, json")
	pf.String("log-file", "", "Also write diagnostics to this file, rotated by size")
	pf.String("metrics-textfile", "", "Write run metrics in Prometheus text format to this file on exit")

	mustBind(v.BindPFlag("log_level", pf.Lookup("log-level")))
	mustBind(v.BindPFlag("log_format", pf.Lookup("log-format")))
	mustBind(v.BindPFlag("log_file", pf.Lookup("log-file")))
	mustBind(v.BindPFlag("metrics_textfile", pf.Lookup("metrics-textfile")))
}

func mustBind(err error) {
	if err != nil {
		panic(err)
	}
}
