package report

import (
	"fmt"
	"io"
	"strings"
)

// MarkdownFormatter formats reports as Markdown, e.g. for a chat webhook or a cron mail.
type MarkdownFormatter struct{}

// NewMarkdown creates a Markdown formatter.
func NewMarkdown() *MarkdownFormatter {
	return &MarkdownFormatter{}
}

// Format writes the sync cycle as a Markdown table.
func (f *MarkdownFormatter) Format(w io.Writer, input Input) error {
	t := summarize(input.Results)

	fmt.Fprintf(w, "# pagesync report\n\n")
	fmt.Fprintf(w, "%d pages, %d ok, %d failed\n\n", t.Pages, t.OK, t.Failed)

	if len(input.Results) == 0 {
		fmt.Fprintln(w, "No pages synced.")
		return nil
	}

	fmt.Fprintln(w, "| Page | Status | Fetched | New | Existing | Skipped | Cursor |")
	fmt.Fprintln(w, "|------|--------|---------|-----|----------|---------|--------|")
	for _, r := range input.Results {
		status := "ok"
		if !r.OK() {
			status = "**failed**"
		}
		fmt.Fprintf(w, "| %s | %s | %d | %d | %d | %d | %s |\n",
			escapeCell(r.PageID), status, r.Fetched, r.Inserted, r.Existing, r.Skipped, formatCursor(r.After))
	}

	var failures []string
	for _, r := range input.Results {
		if r.OK() {
			continue
		}
		line := fmt.Sprintf("- `%s`: %v", r.PageID, r.Err)
		if n := input.Streaks[r.PageID]; n > 1 {
			line += fmt.Sprintf(" (failing for %d consecutive runs)", n)
		}
		failures = append(failures, line)
	}
	if len(failures) > 0 {
		fmt.Fprintf(w, "\n## Failures\n\n%s\n", strings.Join(failures, "\n"))
	}

	fmt.Fprintf(w, "\n*Totals: fetched %d, new %d, existing %d, skipped %d*\n",
		t.Fetched, t.Inserted, t.Existing, t.Skipped)
	return nil
}

// FormatStatus writes the stored state as a Markdown table.
func (f *MarkdownFormatter) FormatStatus(w io.Writer, input StatusInput) error {
	fmt.Fprintf(w, "# pagesync status\n\n")
	if len(input.Pages) == 0 {
		fmt.Fprintln(w, "No pages configured.")
		return nil
	}

	fmt.Fprintln(w, "| Page | Posts | Cursor | Last run | Failure streak |")
	fmt.Fprintln(w, "|------|-------|--------|----------|----------------|")
	for _, p := range input.Pages {
		last := "none"
		if p.LastRun != nil {
			last = p.LastRun.Status
		}
		fmt.Fprintf(w, "| %s | %d | %s | %s | %d |\n",
			escapeCell(p.PageID), p.Posts, formatCursor(p.Cursor), last, p.Streak)
	}
	return nil
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
