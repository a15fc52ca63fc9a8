package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"feedsync/internal/app"
	"feedsync/pkg/feed"
	"feedsync/pkg/logger"
	"feedsync/pkg/models"
	"feedsync/pkg/notify"
	"feedsync/pkg/shutdown"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Join the room and follow the feed until interrupted",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			eff, err := loadEffective(cmd, false)
			if err != nil {
				shutdown.Abort("failed to load configuration", err, "")
			}
			defer logger.Sync()
			dataDir := eff.Config.Store.Path

			out := cmd.OutOrStdout()
			a, err := app.New(eff, version, commit, buildDate,
				app.WithRenderer(printRenderer(out)),
				app.WithAlerter(notify.AlerterFunc(func(models.FeedItem) { fmt.Fprint(out, "\a") })),
			)
			if err != nil {
				shutdown.Abort("failed to initialize app", err, dataDir)
			}

			ctx, cancel := shutdown.SetupSignalHandler(context.Background())
			defer cancel()

			if err := a.Run(ctx); err != nil {
				shutdown.Abort("app run failed", err, dataDir)
			}

			// bounded so teardown cannot hang forever
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer shutdownCancel()
			if err := a.Shutdown(shutdownCtx); err != nil {
				logger.Error("shutdown_failed", "error", err)
			}
		},
	}
}

// printRenderer writes one line per feed change.
func printRenderer(w io.Writer) feed.Renderer {
	return feed.RendererFunc(func(ev feed.RenderEvent) {
		switch ev.Kind {
		case feed.Inserted:
			if ev.Item.State == models.Pending {
				fmt.Fprintf(w, "… %s\n", formatItem(ev.Item))
				return
			}
			fmt.Fprintln(w, formatItem(ev.Item))
		case feed.Confirmed:
			fmt.Fprintf(w, "✓ %s\n", ev.Item.ID)
		case feed.Removed:
			fmt.Fprintf(w, "✗ %s\n", ev.Item.ID)
		case feed.Updated:
			fmt.Fprintf(w, "~ %s\n", formatItem(ev.Item))
		}
	})
}

func formatItem(it models.FeedItem) string {
	name := it.AuthorName
	if name == "" {
		name = it.AuthorID
	}
	at := time.UnixMilli(it.CreatedAt).Format("15:04:05")
	return fmt.Sprintf("[%s] %s: %s", at, name, it.Body)
}
