package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/pagesync/internal/report"
)

var (
	syncPages   []string
	syncFormat  string
	syncNoColor bool
)

var errPagesFailed = errors.New("some pages failed")

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync every configured page once",
	RunE:  syncAction,
}

func init() {
	syncCmd.Flags().StringSliceVar(&syncPages, "page", nil, "only sync this page id (repeatable)")
	syncCmd.Flags().StringVar(&syncFormat, "format", "terminal", "output format: terminal, json, markdown")
	syncCmd.Flags().BoolVar(&syncNoColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(syncCmd)
}

func syncAction(cmd *cobra.Command, _ []string) error {
	formatter, err := report.New(syncFormat, useColor(syncNoColor))
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	rt, err := loadRuntime(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	targets, err := rt.selectTargets(syncPages)
	if err != nil {
		return err
	}

	eng, err := rt.engine(nil)
	if err != nil {
		return err
	}

	results := eng.SyncAll(ctx, targets)

	failed := make([]string, 0)
	for _, r := range results {
		if !r.OK() {
			failed = append(failed, r.PageID)
		}
	}

	input := report.Input{
		Results:     results,
		Streaks:     rt.failureStreaks(ctx, failed),
		GeneratedAt: time.Now(),
	}
	if err := formatter.Format(os.Stdout, input); err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	if len(failed) > 0 {
		return fmt.Errorf("%w: %d of %d", errPagesFailed, len(failed), len(results))
	}
	return nil
}

// useColor reports whether ANSI colors should be used on stdout.
func useColor(disabled bool) bool {
	if disabled || os.Getenv("NO_COLOR") != "" {
		return false
	}
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
