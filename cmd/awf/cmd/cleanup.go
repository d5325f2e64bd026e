package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var cleanupMaxAge time.Duration

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove rules, containers and work dirs left by crashed runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		coord, closeFn, err := newCoordinator(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		n, err := coord.Cleanup(cmd.Context(), cleanupMaxAge)
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d stale item(s)\n", n)
		return err
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().DurationVar(&cleanupMaxAge, "max-age", time.Hour, "Only remove work dirs older than this")
}
