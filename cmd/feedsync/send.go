package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"feedsync/internal/app"
)

func newSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <text>...",
		Short: "Post one message to the room",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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
			item, err := s.Submit(ctx, strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("send failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), item.ID)
			return nil
		},
	}
}
