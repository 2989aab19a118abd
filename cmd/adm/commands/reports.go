package commands

import (
	"context"
	"fmt"

	"lingocore/internal/models"
	"lingocore/internal/observability"
	"lingocore/internal/services"
	contextutils "lingocore/internal/utils"

	"github.com/spf13/cobra"
)

// ReportRequesterProvider builds the report dispatcher on first use
type ReportRequesterProvider func(ctx context.Context) (services.ReportDispatcherInterface, error)

// ReportCommands returns the report commands
func ReportCommands(provider ReportRequesterProvider, logger *observability.Logger) *cobra.Command {
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Progress report commands",
		Long: `Progress report commands.

Available commands:
  request   - Queue a progress report for a learner`,
	}
	reportCmd.AddCommand(requestReportCmd(provider, logger))
	return reportCmd
}

// requestReportCmd returns the request command
func requestReportCmd(provider ReportRequesterProvider, logger *observability.Logger) *cobra.Command {
	var (
		userID int64
		botID  string
		kind   string
	)

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Queue a progress report for a learner",
		Long: `Create a PENDING report and enqueue its generation. A running worker picks it up,
generates it and schedules delivery.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if userID <= 0 {
				return contextutils.WrapErrorf(contextutils.ErrInvalidInput, "--user must be a positive id")
			}
			reportKind, err := models.ParseReportKind(kind)
			if err != nil {
				return err
			}

			dispatcher, err := provider(ctx)
			if err != nil {
				return err
			}
			reportID, taskID, err := dispatcher.RequestReport(ctx, userID, botID, reportKind)
			if err != nil {
				logger.Error(ctx, "Failed to request report", err, map[string]interface{}{"user_id": userID, "bot_id": botID})
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "report %s queued as task %s\n", reportID, taskID)
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "Learner id")
	cmd.Flags().StringVar(&botID, "bot", "", "Bot id the learner talks to")
	cmd.Flags().StringVar(&kind, "kind", string(models.ReportFull), "Report kind: full or weekly")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("bot")

	return cmd
}
