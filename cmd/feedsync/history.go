package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"feedsync/internal/app"
	"feedsync/pkg/models"
)

func newHistoryCmd() *cobra.Command {
	var pages int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the newest messages of the room",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eff, err := loadEffective(cmd, true)
			if err != nil {
				return err
			}
			a, err := app.New(eff, version, commit, buildDate)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			defer a.Shutdown(context.Background())

			s := a.Session()
			if err := s.Start(ctx); err != nil {
				return err
			}
			if _, err := s.InitialPage(); err != nil {
				return fmt.Errorf("load history: %w", err)
			}
			for i := 1; i < pages; i++ {
				page, err := s.LoadOlder(ctx)
				if err != nil {
					return fmt.Errorf("load older: %w", err)
				}
				if page.Exhausted {
					break
				}
			}
			printItems(cmd.OutOrStdout(), s.Items())
			return nil
		},
	}
	cmd.Flags().IntVar(&pages, "pages", 1, "number of pages to load")
	return cmd
}

func printItems(w io.Writer, items []models.FeedItem) {
	for _, it := range items {
		fmt.Fprintln(w, formatItem(it))
	}
}
