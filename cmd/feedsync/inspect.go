package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"feedsync/pkg/models"
	"feedsync/pkg/store"
)

type roomSummary struct {
	Room     string `json:"room"`
	Messages int    `json:"messages"`
	Presence int    `json:"presence"`
	Typing   int    `json:"typing"`
	Audit    int    `json:"audit"`
	// pebble footprint of the whole store, not just this room
	DiskUsage string `json:"disk_usage"`
	DiskFree  string `json:"disk_free,omitempty"`
}

func newInspectCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Summarize what the store holds for a room",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eff, err := loadEffective(cmd, true)
			if err != nil {
				return err
			}
			st, err := store.Open(eff.Config.Store.Path, store.Options{})
			if err != nil {
				return err
			}
			defer st.Close()
			admin, err := st.Admin()
			if err != nil {
				return err
			}

			room := models.Room{Name: eff.Config.Feed.Room}
			sum := roomSummary{Room: room.Name}
			counts := []struct {
				path string
				n    *int
			}{
				{room.Messages(), &sum.Messages},
				{room.Presence(), &sum.Presence},
				{room.Typing(), &sum.Typing},
				{room.Audit(), &sum.Audit},
			}
			for _, c := range counts {
				children, err := admin.RangeQuery(context.Background(), c.path, store.Query{})
				if err != nil {
					return fmt.Errorf("scan %s: %w", c.path, err)
				}
				*c.n = len(children)
			}
			if m := st.Metrics(); m != nil {
				sum.DiskUsage = humanize.IBytes(m.DiskSpaceUsage())
			}
			if avail, total, ok := diskUsage(eff.Config.Store.Path); ok {
				sum.DiskFree = fmt.Sprintf("%s of %s", humanize.IBytes(avail), humanize.IBytes(total))
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(sum)
			}
			fmt.Fprintf(out, "Room: %s\n", sum.Room)
			fmt.Fprintf(out, "  Messages: %d\n", sum.Messages)
			fmt.Fprintf(out, "  Online:   %d\n", sum.Presence)
			fmt.Fprintf(out, "  Typing:   %d\n", sum.Typing)
			fmt.Fprintf(out, "  Audit:    %d\n", sum.Audit)
			fmt.Fprintf(out, "  Disk:     %s\n", sum.DiskUsage)
			if sum.DiskFree != "" {
				fmt.Fprintf(out, "  Free:     %s\n", sum.DiskFree)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
