package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ppiankov/pagesync/internal/config"
)

// Cursor is the per-page watermark: the CreatedAt of the newest stored post.
// LastSeen is nil until the first post of the page is stored.
type Cursor struct {
	PageID    string     `bson:"_id"`
	LastSeen  *time.Time `bson:"lastSeen,omitempty"`
	UpdatedAt time.Time  `bson:"updatedAt"`
}

// SourceTag is the provenance metadata attached to every stored post.
type SourceTag struct {
	SourceType string `bson:"sourceType" json:"source_type"`
	PostType   string `bson:"postType" json:"post_type"`
	SourceName string `bson:"sourceName" json:"source_name"`
	Category   string `bson:"category" json:"category"`
	PageID     string `bson:"pageId" json:"page_id"`
}

// PostRecord is a collected post. Identity is (PageID, PostID).
type PostRecord struct {
	PageID      string         `bson:"pageId"`
	PostID      string         `bson:"postId"`
	CreatedAt   time.Time      `bson:"createdAt"`
	CollectedAt time.Time      `bson:"collectedAt"`
	Text        string         `bson:"text,omitempty"`
	URL         string         `bson:"url,omitempty"`
	Content     map[string]any `bson:"content,omitempty"`
	Tag         SourceTag      `bson:"source"`
}

// Run statuses.
const (
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	// RunSkipped is a sync refused because the page was already syncing.
	RunSkipped = "skipped"
)

// RunRecord is the outcome of one sync attempt for one page.
type RunRecord struct {
	ID         string     `bson:"_id" json:"id"`
	PageID     string     `bson:"pageId" json:"page_id"`
	Status     string     `bson:"status" json:"status"`
	Fetched    int        `bson:"fetched" json:"fetched"`
	Inserted   int        `bson:"inserted" json:"inserted"`
	Existing   int        `bson:"existing" json:"existing"`
	Skipped    int        `bson:"skipped" json:"skipped"`
	Cursor     *time.Time `bson:"cursor,omitempty" json:"cursor,omitempty"`
	Error      string     `bson:"error,omitempty" json:"error,omitempty"`
	StartedAt  time.Time  `bson:"startedAt" json:"started_at"`
	FinishedAt time.Time  `bson:"finishedAt" json:"finished_at"`
}

// PageStats summarizes what is stored for one page.
type PageStats struct {
	PageID        string
	Posts         int
	NewestPost    time.Time
	LastCollected time.Time
}

// Store is the persistence surface shared by both backends.
type Store interface {
	Ping(ctx context.Context) error
	GetCursor(ctx context.Context, pageID string) (Cursor, bool, error)
	SetCursor(ctx context.Context, pageID string, lastSeen time.Time) error
	ListCursors(ctx context.Context) ([]Cursor, error)
	UpsertPost(ctx context.Context, rec PostRecord) (bool, error)
	RecordRun(ctx context.Context, run RunRecord) error
	RecentRuns(ctx context.Context, pageID string, limit int) ([]RunRecord, error)
	PageStats(ctx context.Context) ([]PageStats, error)
	Close() error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MongoStore)(nil)
)

// Open opens the backend selected by cfg.Driver and verifies it is reachable.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return OpenSQLite(cfg.Path)
	case "mongo", "":
		return OpenMongo(ctx, MongoOptions{
			URI:             cfg.URI,
			Database:        cfg.Database,
			PostsCollection: cfg.PostsCollection,
			Timeout:         cfg.Timeout.Duration,
		})
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func validateRecord(rec PostRecord) error {
	if strings.TrimSpace(rec.PageID) == "" {
		return errors.New("page_id is required")
	}
	if strings.TrimSpace(rec.PostID) == "" {
		return errors.New("post_id is required")
	}
	if rec.CreatedAt.IsZero() {
		return errors.New("created_at is required")
	}
	if rec.CollectedAt.IsZero() {
		return errors.New("collected_at is required")
	}
	return nil
}

func validateRun(run RunRecord) error {
	if strings.TrimSpace(run.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(run.PageID) == "" {
		return errors.New("page_id is required")
	}
	switch run.Status {
	case RunSucceeded, RunFailed, RunSkipped:
	default:
		return fmt.Errorf("unknown run status %q", run.Status)
	}
	return nil
}

// SourceNameFromURL derives a display name from a facebook page URL,
// e.g. https://www.facebook.com/acme.corp/ -> "Acme Corp".
// Returns "" when pageID is not a facebook URL.
func SourceNameFromURL(pageID string) string {
	if !strings.Contains(pageID, "facebook.com") {
		return ""
	}
	raw := pageID
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	slug := strings.Trim(u.Path, "/")
	if i := strings.Index(slug, "/"); i >= 0 {
		slug = slug[:i]
	}
	if slug == "" {
		return ""
	}
	words := strings.FieldsFunc(slug, func(r rune) bool {
		return r == '.' || r == '-' || r == '_'
	})
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
