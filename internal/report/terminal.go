package report

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ppiankov/pagesync/internal/store"
	"github.com/ppiankov/pagesync/internal/syncer"
)

// TerminalFormatter formats reports for terminal output.
type TerminalFormatter struct {
	color bool
	now   func() time.Time
}

// NewTerminal creates a terminal formatter. Set color=true for ANSI colors.
func NewTerminal(color bool) *TerminalFormatter {
	return &TerminalFormatter{color: color, now: time.Now}
}

// Format writes one line per page followed by totals.
func (f *TerminalFormatter) Format(w io.Writer, input Input) error {
	t := summarize(input.Results)

	header := fmt.Sprintf("pagesync: %d pages, %d ok, %d failed", t.Pages, t.OK, t.Failed)
	if !input.GeneratedAt.IsZero() {
		header += " (" + input.GeneratedAt.UTC().Format("2006-01-02 15:04 MST") + ")"
	}
	fmt.Fprintln(w, f.bold(header))
	fmt.Fprintln(w)

	if len(input.Results) == 0 {
		fmt.Fprintln(w, "No pages synced.")
		return nil
	}

	for _, r := range input.Results {
		f.writeResult(w, r, input.Streaks[r.PageID])
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, f.dim(fmt.Sprintf("Totals: fetched %d, new %d, existing %d, skipped %d",
		t.Fetched, t.Inserted, t.Existing, t.Skipped)))
	return nil
}

func (f *TerminalFormatter) writeResult(w io.Writer, r syncer.Result, streak int) {
	if r.OK() {
		fmt.Fprintf(w, "  %s %s  fetched %d, new %d, existing %d, skipped %d  %s\n",
			f.green("[ OK ]"),
			f.bold(r.PageID),
			r.Fetched, r.Inserted, r.Existing, r.Skipped,
			f.dim(fmt.Sprintf("cursor %s, %s", formatCursor(r.After), formatDuration(r.Duration))),
		)
		return
	}

	fmt.Fprintf(w, "  %s %s  %v\n", f.red("[FAIL]"), f.bold(r.PageID), r.Err)
	if streak > 1 {
		fmt.Fprintf(w, "         %s\n", f.yellow(fmt.Sprintf("failing for %d consecutive runs", streak)))
	}
	if r.Inserted > 0 {
		fmt.Fprintf(w, "         %s\n", f.dim(fmt.Sprintf("%d posts stored before the failure", r.Inserted)))
	}
}

// FormatStatus writes the stored state of every page.
func (f *TerminalFormatter) FormatStatus(w io.Writer, input StatusInput) error {
	fmt.Fprintln(w, f.bold(fmt.Sprintf("pagesync: %d pages", len(input.Pages))))
	fmt.Fprintln(w)

	if len(input.Pages) == 0 {
		fmt.Fprintln(w, "No pages configured.")
		return nil
	}

	for _, p := range input.Pages {
		fmt.Fprintf(w, "  %s\n", f.bold(p.PageID))
		fmt.Fprintf(w, "    posts:     %s\n", humanize.Comma(int64(p.Posts)))
		fmt.Fprintf(w, "    cursor:    %s\n", f.relative(p.Cursor))
		fmt.Fprintf(w, "    last run:  %s\n", f.lastRun(p.LastRun))
		if p.Streak > 1 {
			fmt.Fprintf(w, "    %s\n", f.yellow(fmt.Sprintf("failing for %d consecutive runs", p.Streak)))
		}
		fmt.Fprintln(w)
	}
	return nil
}

func (f *TerminalFormatter) relative(ts *time.Time) string {
	if ts == nil {
		return f.dim("never synced")
	}
	return fmt.Sprintf("%s %s", ts.UTC().Format(time.RFC3339), f.dim("("+humanize.RelTime(*ts, f.now(), "ago", "from now")+")"))
}

func (f *TerminalFormatter) lastRun(run *store.RunRecord) string {
	if run == nil {
		return f.dim("none")
	}
	when := humanize.RelTime(run.FinishedAt, f.now(), "ago", "from now")
	switch run.Status {
	case store.RunFailed:
		return fmt.Sprintf("%s %s: %s", f.red("failed"), when, run.Error)
	case store.RunSkipped:
		return fmt.Sprintf("%s %s: previous sync still running", f.yellow("skipped"), when)
	}
	return fmt.Sprintf("%s %s, %d new of %d fetched", f.green("ok"), when, run.Inserted, run.Fetched)
}

// ANSI helpers, no-op when color=false.

func (f *TerminalFormatter) bold(s string) string {
	return f.ansi("1", s)
}

func (f *TerminalFormatter) green(s string) string {
	return f.ansi("32", s)
}

func (f *TerminalFormatter) yellow(s string) string {
	return f.ansi("33", s)
}

func (f *TerminalFormatter) red(s string) string {
	return f.ansi("31", s)
}

func (f *TerminalFormatter) dim(s string) string {
	return f.ansi("2", s)
}

func (f *TerminalFormatter) ansi(code, s string) string {
	if !f.color {
		return s
	}
	return "\033[" + code + "m" + s + "\033[0m"
}
