// Package report renders sync cycles and stored state for humans and scripts.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/ppiankov/pagesync/internal/store"
	"github.com/ppiankov/pagesync/internal/syncer"
)

// Input is one sync cycle.
type Input struct {
	Results     []syncer.Result
	Streaks     map[string]int // consecutive failed runs per page, newest first
	GeneratedAt time.Time
}

// PageStatus is the stored state of one configured page.
type PageStatus struct {
	PageID     string
	Cursor     *time.Time
	Posts      int
	NewestPost time.Time
	LastRun    *store.RunRecord
	Streak     int
}

// StatusInput is the input of the status command.
type StatusInput struct {
	Pages       []PageStatus
	GeneratedAt time.Time
}

// Formatter writes reports to w.
type Formatter interface {
	Format(w io.Writer, input Input) error
	FormatStatus(w io.Writer, input StatusInput) error
}

// New returns the formatter for format: "terminal", "json" or "markdown".
func New(format string, color bool) (Formatter, error) {
	switch format {
	case "", "terminal":
		return NewTerminal(color), nil
	case "json":
		return NewJSON(), nil
	case "markdown":
		return NewMarkdown(), nil
	default:
		return nil, fmt.Errorf("unknown format %q (want terminal, json or markdown)", format)
	}
}

// FailureStreak counts consecutive failed runs from the start of runs,
// which must be ordered newest first. Skipped runs neither count nor
// break the streak.
func FailureStreak(runs []store.RunRecord) int {
	n := 0
	for _, r := range runs {
		if r.Status == store.RunSkipped {
			continue
		}
		if r.Status != store.RunFailed {
			break
		}
		n++
	}
	return n
}

type totals struct {
	Pages    int
	OK       int
	Failed   int
	Fetched  int
	Inserted int
	Existing int
	Skipped  int
}

func summarize(results []syncer.Result) totals {
	var t totals
	for _, r := range results {
		t.Pages++
		if r.OK() {
			t.OK++
		} else {
			t.Failed++
		}
		t.Fetched += r.Fetched
		t.Inserted += r.Inserted
		t.Existing += r.Existing
		t.Skipped += r.Skipped
	}
	return t
}

func formatCursor(ts *time.Time) string {
	if ts == nil {
		return "never"
	}
	return ts.UTC().Format(time.RFC3339)
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(100 * time.Millisecond).String()
	}
}
