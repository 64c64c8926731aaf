// Package syncer implements incremental page sync: read the cursor, fetch
// strictly newer posts, upsert them and advance the cursor.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/pagesync/internal/logging"
	"github.com/ppiankov/pagesync/internal/metrics"
	"github.com/ppiankov/pagesync/internal/source"
	"github.com/ppiankov/pagesync/internal/store"
)

var (
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrInvalidTarget     = errors.New("invalid target")
	ErrSyncInProgress    = errors.New("sync already in progress")
)

// Store is the part of store.Store the engine writes through.
type Store interface {
	GetCursor(ctx context.Context, pageID string) (store.Cursor, bool, error)
	SetCursor(ctx context.Context, pageID string, lastSeen time.Time) error
	UpsertPost(ctx context.Context, rec store.PostRecord) (bool, error)
	RecordRun(ctx context.Context, run store.RunRecord) error
}

// Target is one configured page.
type Target struct {
	PageID       string
	PollInterval time.Duration
	Tag          store.SourceTag
}

// Result summarizes one page sync. Err is nil on success.
type Result struct {
	PageID    string
	Fetched   int
	Inserted  int
	Existing  int
	Skipped   int
	Before    *time.Time
	After     *time.Time
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

func (r Result) OK() bool {
	return r.Err == nil
}

// Options tune an Engine. Zero values are usable.
type Options struct {
	Logger        *logrus.Logger
	Metrics       *metrics.Metrics
	SourceTimeout time.Duration // per Fetch call
	StoreTimeout  time.Duration // per store call
	Concurrency   int           // pages synced in parallel by SyncAll
	Now           func() time.Time
	NewID         func() string
	// Redact scrubs error text before it is logged or recorded.
	Redact func(string) string
}

type Engine struct {
	src  source.Source
	st   Store
	opts Options
	log  *logrus.Logger

	mu      sync.Mutex
	running map[string]struct{}
}

func New(src source.Source, st Store, opts Options) (*Engine, error) {
	if src == nil {
		return nil, errors.New("source is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Redact == nil {
		opts.Redact = func(s string) string { return s }
	}
	return &Engine{
		src:     src,
		st:      st,
		opts:    opts,
		log:     opts.Logger,
		running: make(map[string]struct{}),
	}, nil
}

// SyncAll syncs every target. One failing page never stops the others.
// Results are in input order.
func (e *Engine) SyncAll(ctx context.Context, targets []Target) []Result {
	results := make([]Result, len(targets))

	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)
	for i, t := range targets {
		g.Go(func() error {
			results[i] = e.SyncPage(ctx, t)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// SyncPage loads the cursor for target, runs Sync and persists the advanced cursor.
func (e *Engine) SyncPage(ctx context.Context, target Target) Result {
	started := e.opts.Now()
	res := Result{PageID: target.PageID, StartedAt: started}

	if strings.TrimSpace(target.PageID) == "" {
		res.Err = fmt.Errorf("%w: page id is empty", ErrInvalidTarget)
		return res
	}

	if !e.acquire(target.PageID) {
		res.Err = fmt.Errorf("%w: %s", ErrSyncInProgress, target.PageID)
		e.finish(ctx, res)
		return res
	}
	defer e.release(target.PageID)

	res = e.syncPage(ctx, target, started)
	res.Duration = e.opts.Now().Sub(started)

	e.finish(ctx, res)
	return res
}

func (e *Engine) syncPage(ctx context.Context, target Target, started time.Time) Result {
	sctx, cancel := e.storeContext(ctx)
	cursor, _, err := e.st.GetCursor(sctx, target.PageID)
	cancel()
	if err != nil {
		return Result{
			PageID:    target.PageID,
			StartedAt: started,
			Err:       fmt.Errorf("%w: get cursor: %w", ErrStoreUnavailable, err),
		}
	}
	cursor.PageID = target.PageID

	next, res := e.Sync(ctx, target, cursor)
	res.StartedAt = started
	if res.Err != nil {
		return res
	}

	if moved(cursor.LastSeen, next.LastSeen) {
		sctx, cancel := e.storeContext(ctx)
		err := e.st.SetCursor(sctx, target.PageID, *next.LastSeen)
		cancel()
		if err != nil {
			res.After = res.Before
			res.Err = fmt.Errorf("%w: set cursor: %w", ErrStoreUnavailable, err)
			return res
		}
	}
	return res
}

// Sync fetches items newer than cursor, upserts them and returns the
// advanced cursor. It never persists the cursor. On error the returned
// cursor equals the input.
func (e *Engine) Sync(ctx context.Context, target Target, cursor store.Cursor) (store.Cursor, Result) {
	res := Result{
		PageID:    target.PageID,
		StartedAt: e.opts.Now(),
		Before:    copyTime(cursor.LastSeen),
		After:     copyTime(cursor.LastSeen),
	}
	log := e.log.WithField("page", target.PageID)

	if strings.TrimSpace(target.PageID) == "" {
		res.Err = fmt.Errorf("%w: page id is empty", ErrInvalidTarget)
		return cursor, res
	}

	fctx, cancel := withTimeout(ctx, e.opts.SourceTimeout)
	items, err := e.src.Fetch(fctx, source.Request{PageID: target.PageID, Since: copyTime(cursor.LastSeen)})
	cancel()
	if err != nil {
		res.Err = fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, e.src.Name(), err)
		return cursor, res
	}
	res.Fetched = len(items)

	collectedAt := e.opts.Now().UTC()
	newest := copyTime(cursor.LastSeen)

	for i, item := range items {
		if reason := malformed(item); reason != "" {
			res.Skipped++
			log.WithFields(logrus.Fields{
				"index":   i,
				"post_id": item.PostID,
				"reason":  reason,
			}).Warn("skipping malformed item")
			continue
		}

		tag := target.Tag
		tag.PageID = target.PageID
		rec := store.PostRecord{
			PageID:      target.PageID,
			PostID:      item.PostID,
			CreatedAt:   item.CreatedAt.UTC(),
			CollectedAt: collectedAt,
			Text:        item.Text,
			URL:         item.URL,
			Content:     item.Content,
			Tag:         tag,
		}

		sctx, cancel := e.storeContext(ctx)
		inserted, err := e.st.UpsertPost(sctx, rec)
		cancel()
		if err != nil {
			res.Err = fmt.Errorf("%w: upsert %s: %w", ErrStoreUnavailable, item.PostID, err)
			return cursor, res
		}
		if inserted {
			res.Inserted++
		} else {
			res.Existing++
		}

		if newest == nil || rec.CreatedAt.After(*newest) {
			ts := rec.CreatedAt
			newest = &ts
		}
	}

	res.After = copyTime(newest)
	next := cursor
	next.LastSeen = newest
	return next, res
}

func (e *Engine) finish(ctx context.Context, res Result) {
	status := store.RunSucceeded
	switch {
	case errors.Is(res.Err, ErrSyncInProgress):
		status = store.RunSkipped
	case res.Err != nil:
		status = store.RunFailed
	}

	fields := logrus.Fields{
		"page":     res.PageID,
		"fetched":  res.Fetched,
		"inserted": res.Inserted,
		"existing": res.Existing,
		"skipped":  res.Skipped,
		"duration": res.Duration.Round(time.Millisecond).String(),
	}
	if res.After != nil {
		fields["cursor"] = res.After.Format(time.RFC3339)
	}
	switch status {
	case store.RunSkipped:
		e.log.WithField("page", res.PageID).Warn("sync skipped: previous sync still running")
	case store.RunFailed:
		fields[logrus.ErrorKey] = e.opts.Redact(res.Err.Error())
		e.log.WithFields(fields).Error("page sync failed")
	default:
		e.log.WithFields(fields).Info("page synced")
	}

	e.opts.Metrics.Observe(metrics.Observation{
		PageID:   res.PageID,
		Status:   status,
		Fetched:  res.Fetched,
		Inserted: res.Inserted,
		Skipped:  res.Skipped,
		Duration: res.Duration,
		Cursor:   res.After,
	})

	run := store.RunRecord{
		ID:         e.opts.NewID(),
		PageID:     res.PageID,
		Status:     status,
		Fetched:    res.Fetched,
		Inserted:   res.Inserted,
		Existing:   res.Existing,
		Skipped:    res.Skipped,
		Cursor:     copyTime(res.After),
		StartedAt:  res.StartedAt,
		FinishedAt: res.StartedAt.Add(res.Duration),
	}
	if res.Err != nil {
		run.Error = e.opts.Redact(res.Err.Error())
	}

	// Recorded even when ctx was cancelled mid-sync.
	sctx, cancel := e.storeContext(context.WithoutCancel(ctx))
	defer cancel()
	if err := e.st.RecordRun(sctx, run); err != nil {
		e.log.WithError(err).WithField("page", res.PageID).Warn("record sync run")
	}
}

func (e *Engine) acquire(pageID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.running[pageID]; busy {
		return false
	}
	e.running[pageID] = struct{}{}
	return true
}

func (e *Engine) release(pageID string) {
	e.mu.Lock()
	delete(e.running, pageID)
	e.mu.Unlock()
}

func (e *Engine) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, e.opts.StoreTimeout)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func malformed(item source.Item) string {
	switch {
	case strings.TrimSpace(item.PostID) == "":
		return "missing post id"
	case item.CreatedAt.IsZero():
		return "missing created_at"
	default:
		return ""
	}
}

func moved(before, after *time.Time) bool {
	if after == nil {
		return false
	}
	return before == nil || after.After(*before)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
