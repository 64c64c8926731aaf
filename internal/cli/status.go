package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/pagesync/internal/config"
	"github.com/ppiankov/pagesync/internal/report"
	"github.com/ppiankov/pagesync/internal/store"
)

var (
	statusFormat  string
	statusNoColor bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cursors, stored posts and recent runs per page",
	RunE:  statusAction,
}

func init() {
	statusCmd.Flags().StringVar(&statusFormat, "format", "terminal", "output format: terminal, json, markdown")
	statusCmd.Flags().BoolVar(&statusNoColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(statusCmd)
}

func statusAction(cmd *cobra.Command, _ []string) error {
	formatter, err := report.New(statusFormat, useColor(statusNoColor))
	if err != nil {
		return err
	}

	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := cmd.Context()
	st, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	input, err := collectStatus(ctx, st, cfg.PageIDs())
	if err != nil {
		return err
	}
	input.GeneratedAt = time.Now()

	if err := formatter.FormatStatus(os.Stdout, input); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}

// collectStatus joins cursors, post counts and run history for pageIDs, in order.
func collectStatus(ctx context.Context, st store.Store, pageIDs []string) (report.StatusInput, error) {
	cursors, err := st.ListCursors(ctx)
	if err != nil {
		return report.StatusInput{}, fmt.Errorf("list cursors: %w", err)
	}
	byCursor := make(map[string]store.Cursor, len(cursors))
	for _, c := range cursors {
		byCursor[c.PageID] = c
	}

	stats, err := st.PageStats(ctx)
	if err != nil {
		return report.StatusInput{}, fmt.Errorf("page stats: %w", err)
	}
	byStats := make(map[string]store.PageStats, len(stats))
	for _, s := range stats {
		byStats[s.PageID] = s
	}

	pages := make([]report.PageStatus, 0, len(pageIDs))
	for _, id := range pageIDs {
		ps := report.PageStatus{
			PageID:     id,
			Cursor:     byCursor[id].LastSeen,
			Posts:      byStats[id].Posts,
			NewestPost: byStats[id].NewestPost,
		}

		runs, err := st.RecentRuns(ctx, id, streakWindow)
		if err != nil {
			return report.StatusInput{}, fmt.Errorf("recent runs for %s: %w", id, err)
		}
		if len(runs) > 0 {
			last := runs[0]
			ps.LastRun = &last
		}
		ps.Streak = report.FailureStreak(runs)

		pages = append(pages, ps)
	}

	return report.StatusInput{Pages: pages}, nil
}
