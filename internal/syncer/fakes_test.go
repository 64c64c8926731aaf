package syncer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ppiankov/pagesync/internal/source"
	"github.com/ppiankov/pagesync/internal/store"
)

var errBoom = errors.New("boom")

// memStore is an in-memory Store with failure injection.
type memStore struct {
	mu      sync.Mutex
	posts   map[string]store.PostRecord
	cursors map[string]time.Time
	runs    []store.RunRecord

	failGetCursor bool
	failSetCursor bool
	failRecordRun bool
	// failUpsertAt fails the n-th upsert call (1-based). Zero disables.
	failUpsertAt int
	upserts      int
}

func newMemStore() *memStore {
	return &memStore{
		posts:   make(map[string]store.PostRecord),
		cursors: make(map[string]time.Time),
	}
}

func postKey(pageID, postID string) string {
	return pageID + "\x00" + postID
}

func (m *memStore) GetCursor(_ context.Context, pageID string) (store.Cursor, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGetCursor {
		return store.Cursor{}, false, errBoom
	}
	ts, ok := m.cursors[pageID]
	if !ok {
		return store.Cursor{PageID: pageID}, false, nil
	}
	return store.Cursor{PageID: pageID, LastSeen: &ts}, true, nil
}

func (m *memStore) SetCursor(_ context.Context, pageID string, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSetCursor {
		return errBoom
	}
	if cur, ok := m.cursors[pageID]; !ok || lastSeen.After(cur) {
		m.cursors[pageID] = lastSeen
	}
	return nil
}

func (m *memStore) UpsertPost(_ context.Context, rec store.PostRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	if m.failUpsertAt > 0 && m.upserts == m.failUpsertAt {
		return false, errBoom
	}
	k := postKey(rec.PageID, rec.PostID)
	if _, ok := m.posts[k]; ok {
		return false, nil
	}
	m.posts[k] = rec
	return true, nil
}

func (m *memStore) RecordRun(_ context.Context, run store.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRecordRun {
		return errBoom
	}
	m.runs = append(m.runs, run)
	return nil
}

func (m *memStore) cursor(pageID string) *time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.cursors[pageID]
	if !ok {
		return nil
	}
	return &ts
}

func (m *memStore) postIDs(pageID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, rec := range m.posts {
		if rec.PageID == pageID {
			ids = append(ids, rec.PostID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *memStore) snapshot() map[string]store.PostRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]store.PostRecord, len(m.posts))
	for k, v := range m.posts {
		out[k] = v
	}
	return out
}

// fakeSource serves canned items per page and records requests.
type fakeSource struct {
	mu       sync.Mutex
	items    map[string][]source.Item
	errs     map[string]error
	requests []source.Request
	// ignoreSince returns every canned item, like an upstream with a sloppy bound.
	ignoreSince bool
	// block, when set, is waited on inside Fetch.
	block   chan struct{}
	entered chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		items: make(map[string][]source.Item),
		errs:  make(map[string]error),
	}
}

func (f *fakeSource) Name() string { return "fake" }

// Fetch applies the exclusive since bound the way a real source does.
func (f *fakeSource) Fetch(ctx context.Context, req source.Request) ([]source.Item, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	items := f.items[req.PageID]
	err := f.errs[req.PageID]
	block, entered := f.block, f.entered
	ignoreSince := f.ignoreSince
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	var out []source.Item
	for _, it := range items {
		if !ignoreSince && req.Since != nil && !it.CreatedAt.IsZero() && !it.CreatedAt.After(*req.Since) {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

func (f *fakeSource) set(pageID string, items ...source.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[pageID] = items
	delete(f.errs, pageID)
}

func (f *fakeSource) fail(pageID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[pageID] = err
}

func (f *fakeSource) lastRequest() source.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func item(postID string, createdAt time.Time, content string) source.Item {
	return source.Item{
		PostID:    postID,
		CreatedAt: createdAt,
		Text:      content,
		Content:   map[string]any{"postId": postID, "text": content},
	}
}
