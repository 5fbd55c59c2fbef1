package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newListenCmd() *cobra.Command {
	var notion bool
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Poll Mastodon notifications and reply to mentions until interrupted",
		Long: "Poll Mastodon notifications and reply to mentions until interrupted.\n" +
			"With --notion, watch notion.page_ids instead and generate a post whenever a page is edited.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer shutdown(a)
			a.StartTelegramPoller(ctx)

			run := a.Listener.Run
			if notion {
				run = a.NotionListener.Run
			}
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&notion, "notion", false, "watch Notion pages for edits instead of Mastodon mentions")
	return cmd
}
