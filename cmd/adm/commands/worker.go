package commands

import (
	"context"
	"fmt"
	"strings"

	"lingocore/internal/config"
	"lingocore/internal/observability"
	"lingocore/internal/worker"

	"github.com/spf13/cobra"
)

// CycleRunner runs worker cycles in the foreground
type CycleRunner interface {
	RunOnce(ctx context.Context, name string) (worker.RunRecord, error)
	CycleNames() []string
	SetGlobalPause(ctx context.Context, paused bool) error
}

// CycleRunnerProvider builds the runner on first use
type CycleRunnerProvider func(ctx context.Context) (CycleRunner, error)

// WorkerCommands returns the worker cycle commands
func WorkerCommands(provider CycleRunnerProvider, logger *observability.Logger) *cobra.Command {
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Worker cycle commands",
		Long: `Run worker cycles from the command line and control the global pause.

Available commands:
  cycles            - List the registered cycles
  run-cycle <name>  - Run one cycle now, ignoring pause flags
  pause             - Pause every worker instance
  resume            - Resume every worker instance`,
	}

	workerCmd.AddCommand(&cobra.Command{
		Use:   "cycles",
		Short: "List the registered cycles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner, err := provider(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range runner.CycleNames() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	})
	workerCmd.AddCommand(runCycleCmd(provider, logger))
	workerCmd.AddCommand(pauseCmd(provider, logger, true))
	workerCmd.AddCommand(pauseCmd(provider, logger, false))

	return workerCmd
}

// runCycleCmd returns the run-cycle command
func runCycleCmd(provider CycleRunnerProvider, logger *observability.Logger) *cobra.Command {
	timeout := config.CLICycleTimeout

	cmd := &cobra.Command{
		Use:   "run-cycle <name>",
		Short: "Run one cycle now",
		Long: `Run one cycle synchronously and print its result. Pause flags are ignored,
but a cycle already running in a worker on this host still wins.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			runner, err := provider(ctx)
			if err != nil {
				return err
			}

			record, err := runner.RunOnce(ctx, args[0])
			if err != nil && record.Cycle == "" {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cycle:    %s\n", record.Cycle)
			fmt.Fprintf(out, "status:   %s\n", record.Status)
			fmt.Fprintf(out, "items:    %d\n", record.Items)
			fmt.Fprintf(out, "duration: %s\n", record.Duration)
			if details := strings.TrimPrefix(record.Details, config.NoActionPrefix); details != "" {
				fmt.Fprintf(out, "details:  %s\n", strings.TrimSpace(details))
			}

			if err != nil {
				logger.Error(ctx, "Cycle failed", err, map[string]interface{}{"cycle": args[0]})
				return err
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", timeout, "Abort the cycle after this long")
	return cmd
}

// pauseCmd returns the pause or resume command
func pauseCmd(provider CycleRunnerProvider, logger *observability.Logger, paused bool) *cobra.Command {
	use, short := "resume", "Resume every worker instance"
	if paused {
		use, short = "pause", "Pause every worker instance"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			runner, err := provider(ctx)
			if err != nil {
				return err
			}
			if err := runner.SetGlobalPause(ctx, paused); err != nil {
				return err
			}
			logger.Info(ctx, "Global pause updated", map[string]interface{}{"paused": paused})
			fmt.Fprintf(cmd.OutOrStdout(), "global pause: %t\n", paused)
			return nil
		},
	}
}
