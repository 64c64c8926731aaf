package report

import (
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/ppiankov/pagesync/internal/store"
	"github.com/ppiankov/pagesync/internal/syncer"
)

type jsonReport struct {
	Meta  jsonMeta     `json:"meta"`
	Pages []jsonResult `json:"pages"`
}

type jsonMeta struct {
	GeneratedAt string `json:"generated_at,omitempty"`
	Pages       int    `json:"pages"`
	OK          int    `json:"ok"`
	Failed      int    `json:"failed"`
	Fetched     int    `json:"fetched"`
	Inserted    int    `json:"inserted"`
	Existing    int    `json:"existing"`
	Skipped     int    `json:"skipped"`
}

type jsonResult struct {
	Page       string  `json:"page"`
	Status     string  `json:"status"`
	Fetched    int     `json:"fetched"`
	Inserted   int     `json:"inserted"`
	Existing   int     `json:"existing"`
	Skipped    int     `json:"skipped"`
	Before     *string `json:"cursor_before"`
	After      *string `json:"cursor_after"`
	DurationMS int64   `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
	Streak     int     `json:"failure_streak,omitempty"`
}

type jsonStatus struct {
	GeneratedAt string           `json:"generated_at,omitempty"`
	Pages       []jsonPageStatus `json:"pages"`
}

type jsonPageStatus struct {
	Page       string           `json:"page"`
	Cursor     *string          `json:"cursor"`
	Posts      int              `json:"posts"`
	NewestPost string           `json:"newest_post,omitempty"`
	LastRun    *store.RunRecord `json:"last_run,omitempty"`
	Streak     int              `json:"failure_streak"`
}

// JSONFormatter formats reports as JSON.
type JSONFormatter struct{}

// NewJSON creates a JSON formatter.
func NewJSON() *JSONFormatter {
	return &JSONFormatter{}
}

// Format writes the sync cycle as JSON to w.
func (f *JSONFormatter) Format(w io.Writer, input Input) error {
	t := summarize(input.Results)
	out := jsonReport{
		Meta: jsonMeta{
			GeneratedAt: formatTime(input.GeneratedAt),
			Pages:       t.Pages,
			OK:          t.OK,
			Failed:      t.Failed,
			Fetched:     t.Fetched,
			Inserted:    t.Inserted,
			Existing:    t.Existing,
			Skipped:     t.Skipped,
		},
		Pages: make([]jsonResult, 0, len(input.Results)),
	}

	for _, r := range input.Results {
		jr := jsonResult{
			Page:       r.PageID,
			Status:     store.RunSucceeded,
			Fetched:    r.Fetched,
			Inserted:   r.Inserted,
			Existing:   r.Existing,
			Skipped:    r.Skipped,
			Before:     timePtr(r.Before),
			After:      timePtr(r.After),
			DurationMS: r.Duration.Milliseconds(),
		}
		if r.Err != nil {
			jr.Status = store.RunFailed
			if errors.Is(r.Err, syncer.ErrSyncInProgress) {
				jr.Status = store.RunSkipped
			}
			jr.Error = r.Err.Error()
			jr.Streak = input.Streaks[r.PageID]
		}
		out.Pages = append(out.Pages, jr)
	}

	return encode(w, out)
}

// FormatStatus writes the stored state as JSON to w.
func (f *JSONFormatter) FormatStatus(w io.Writer, input StatusInput) error {
	out := jsonStatus{
		GeneratedAt: formatTime(input.GeneratedAt),
		Pages:       make([]jsonPageStatus, 0, len(input.Pages)),
	}
	for _, p := range input.Pages {
		out.Pages = append(out.Pages, jsonPageStatus{
			Page:       p.PageID,
			Cursor:     timePtr(p.Cursor),
			Posts:      p.Posts,
			NewestPost: formatTime(p.NewestPost),
			LastRun:    p.LastRun,
			Streak:     p.Streak,
		})
	}
	return encode(w, out)
}

func encode(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func timePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
