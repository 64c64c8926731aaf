package source

import (
	"context"
	"time"
)

// Item is a single post returned by a data source.
// PostID and CreatedAt may be empty when the upstream record is malformed;
// the caller decides what to do with such items.
type Item struct {
	PostID    string         // source-assigned id, unique per page
	CreatedAt time.Time      // publication timestamp
	Text      string         // message text, if any
	URL       string         // link to the original post
	Content   map[string]any // full raw record
}

// Request asks for the posts of one page. Since is nil on the first sync.
type Request struct {
	PageID string
	Since  *time.Time
}

// Source fetches posts for a page.
type Source interface {
	// Name returns the source identifier (e.g. "apify").
	Name() string

	// Fetch returns posts created strictly after req.Since.
	Fetch(ctx context.Context, req Request) ([]Item, error)
}
