package cli

import (
	"encoding/json"
	"os/signal"
	"syscall"

	"github.com/biterate/internal/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the post generation workflow once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer shutdown(a)
			a.StartTelegramPoller(ctx)

			result, runErr := a.Pipeline.Run(ctx, service.RunOptions{DryRun: dryRun})
			a.Logger.Info("post generation finished",
				zap.String("run_id", result.RunID),
				zap.String("outcome", result.Outcome),
			)
			if err := printJSON(cmd, result); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "generate and approve without publishing")
	return cmd
}

func newReplyCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "reply",
		Short: "Search Mastodon and reply to food-related statuses once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer shutdown(a)

			summary, runErr := a.ReplyFlow.Run(ctx, service.ReplyRunOptions{DryRun: dryRun})
			a.Logger.Info("reply workflow finished",
				zap.String("run_id", summary.RunID),
				zap.Int("published", summary.Published),
				zap.Int("failed", summary.Failed),
			)
			if err := printJSON(cmd, summary); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "store generated replies as pending without publishing")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
