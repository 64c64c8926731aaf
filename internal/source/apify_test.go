package source

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestApify(t *testing.T, baseURL string, mutate func(*ApifyOptions)) *ApifySource {
	t.Helper()
	opts := ApifyOptions{
		BaseURL:        baseURL,
		ActorID:        "apify/facebook-posts-scraper",
		Token:          "test-token",
		Timeout:        5 * time.Second,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
		InputTemplate: map[string]any{
			"resultsLimit":       50,
			"onlyPostsNewerThan": LastTimestampPlaceholder,
			"nested":             []any{"since " + LastTimestampPlaceholder, 3},
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	a, err := NewApify(opts)
	if err != nil {
		t.Fatalf("new apify: %v", err)
	}
	return a
}

func TestNewApifyValidation(t *testing.T) {
	tests := []struct {
		name string
		opts ApifyOptions
	}{
		{"missing token", ApifyOptions{ActorID: "a~b"}},
		{"missing actor", ApifyOptions{Token: "t"}},
		{"negative retries", ApifyOptions{Token: "t", ActorID: "a~b", MaxRetries: -1}},
		{"negative rate", ApifyOptions{Token: "t", ActorID: "a~b", RequestsPerMinute: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewApify(tt.opts); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestApifyName(t *testing.T) {
	a := newTestApify(t, "http://localhost", nil)
	if a.Name() != "apify" {
		t.Errorf("name = %q, want apify", a.Name())
	}
}

func TestApifyFetchRequestShape(t *testing.T) {
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var gotInput map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/v2/acts/apify~facebook-posts-scraper/run-sync-get-dataset-items" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("clean") != "true" || r.URL.Query().Get("format") != "json" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("authorization = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotInput); err != nil {
			t.Errorf("decode input: %v", err)
		}
		_, _ = io.WriteString(w, "[]")
	}))
	defer ts.Close()

	a := newTestApify(t, ts.URL, nil)
	items, err := a.Fetch(context.Background(), Request{PageID: "acme", Since: &since})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("items = %d, want 0", len(items))
	}

	if gotInput["onlyPostsNewerThan"] != "2026-03-01T12:00:00Z" {
		t.Errorf("placeholder not replaced: %v", gotInput["onlyPostsNewerThan"])
	}
	nested, _ := gotInput["nested"].([]any)
	if len(nested) != 2 || nested[0] != "since 2026-03-01T12:00:00Z" {
		t.Errorf("nested placeholder not replaced: %v", gotInput["nested"])
	}
	if gotInput["resultsLimit"] != float64(50) {
		t.Errorf("resultsLimit = %v", gotInput["resultsLimit"])
	}
	startURLs, _ := gotInput["startUrls"].([]any)
	if len(startURLs) != 1 {
		t.Fatalf("startUrls = %v", gotInput["startUrls"])
	}
	first, _ := startURLs[0].(map[string]any)
	if first["url"] != "https://www.facebook.com/acme" {
		t.Errorf("start url = %v", first["url"])
	}
}

func TestApifyFetchFirstSyncEmptyCursor(t *testing.T) {
	var gotInput map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotInput)
		_, _ = io.WriteString(w, "[]")
	}))
	defer ts.Close()

	a := newTestApify(t, ts.URL, nil)
	if _, err := a.Fetch(context.Background(), Request{PageID: "https://www.facebook.com/acme"}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotInput["onlyPostsNewerThan"] != "" {
		t.Errorf("expected empty cursor, got %v", gotInput["onlyPostsNewerThan"])
	}
}

func TestApifyTemplateNotMutated(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "[]")
	}))
	defer ts.Close()

	tmpl := map[string]any{"onlyPostsNewerThan": LastTimestampPlaceholder}
	a := newTestApify(t, ts.URL, func(o *ApifyOptions) { o.InputTemplate = tmpl })

	since := time.Now()
	if _, err := a.Fetch(context.Background(), Request{PageID: "acme", Since: &since}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if tmpl["onlyPostsNewerThan"] != LastTimestampPlaceholder {
		t.Fatalf("template mutated: %v", tmpl)
	}
	if _, ok := tmpl["startUrls"]; ok {
		t.Fatal("template gained startUrls")
	}
}

func TestApifyFetchParsesItems(t *testing.T) {
	body := `[
		{"postId": "p1", "timestamp": 1772366400, "text": "hello", "url": "https://fb.com/p1", "likes": 4},
		{"id": 1234567890123456789, "time": "2026-03-01T13:00:00.000Z", "message": "from id", "postUrl": "https://fb.com/p2"},
		{"postId": "p3", "timestamp": 1772373600000, "topLevelUrl": "https://fb.com/p3"},
		{"postId": "p4", "date": "2026-03-01 15:00:00"},
		{"text": "no id", "timestamp": 1772366400},
		{"postId": "p6"}
	]`
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, body)
	}))
	defer ts.Close()

	a := newTestApify(t, ts.URL, nil)
	items, err := a.Fetch(context.Background(), Request{PageID: "acme"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 6 {
		t.Fatalf("items = %d, want 6", len(items))
	}

	want0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if items[0].PostID != "p1" || !items[0].CreatedAt.Equal(want0) || items[0].Text != "hello" || items[0].URL != "https://fb.com/p1" {
		t.Errorf("item 0 = %+v", items[0])
	}
	if items[0].Content["likes"] != int64(4) {
		t.Errorf("content likes = %#v", items[0].Content["likes"])
	}
	if items[1].PostID != "1234567890123456789" {
		t.Errorf("numeric id = %q", items[1].PostID)
	}
	if !items[1].CreatedAt.Equal(want0.Add(time.Hour)) || items[1].Text != "from id" || items[1].URL != "https://fb.com/p2" {
		t.Errorf("item 1 = %+v", items[1])
	}
	if !items[2].CreatedAt.Equal(want0.Add(2*time.Hour)) || items[2].URL != "https://fb.com/p3" {
		t.Errorf("item 2 (ms timestamp) = %+v", items[2])
	}
	if !items[3].CreatedAt.Equal(want0.Add(3 * time.Hour)) {
		t.Errorf("item 3 (date) = %+v", items[3])
	}
	if items[4].PostID != "" {
		t.Errorf("item 4 should have no id: %+v", items[4])
	}
	if !items[5].CreatedAt.IsZero() {
		t.Errorf("item 5 should have no timestamp: %+v", items[5])
	}
}

func TestApifyFetchDataEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data": [{"postId": "p1", "timestamp": 1772366400}]}`)
	}))
	defer ts.Close()

	a := newTestApify(t, ts.URL, nil)
	items, err := a.Fetch(context.Background(), Request{PageID: "acme"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 1 || items[0].PostID != "p1" {
		t.Fatalf("items = %+v", items)
	}
}

func TestApifyFetchExclusiveSince(t *testing.T) {
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[
			{"postId": "old", "timestamp": 1772362800},
			{"postId": "tie", "timestamp": 1772366400},
			{"postId": "new", "timestamp": 1772366401},
			{"postId": "undated"}
		]`)
	}))
	defer ts.Close()

	a := newTestApify(t, ts.URL, nil)
	items, err := a.Fetch(context.Background(), Request{PageID: "acme", Since: &since})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	var ids []string
	for _, it := range items {
		ids = append(ids, it.PostID)
	}
	if strings.Join(ids, ",") != "new,undated" {
		t.Fatalf("ids = %v, want [new undated]", ids)
	}
}

func TestApifyFetchMalformedResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "<html>oops</html>"},
		{"object without data", `{"items": []}`},
		{"scalar", `42`},
		{"non-object item", `[1, 2]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer ts.Close()

			a := newTestApify(t, ts.URL, nil)
			if _, err := a.Fetch(context.Background(), Request{PageID: "acme"}); err == nil {
				t.Fatal("expected error")
			}
			if calls.Load() != 1 {
				t.Fatalf("calls = %d, want 1 (malformed bodies are not retried)", calls.Load())
			}
		})
	}
}

func TestApifyRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `[{"postId": "p1", "timestamp": 1772366400}]`)
	}))
	defer ts.Close()

	a := newTestApify(t, ts.URL, nil)
	items, err := a.Fetch(context.Background(), Request{PageID: "acme"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestApifyRetriesRateLimited(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	a := newTestApify(t, ts.URL, nil)
	if _, err := a.Fetch(context.Background(), Request{PageID: "acme"}); err == nil {
		t.Fatal("expected error after retries")
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3 (1 + 2 retries)", calls.Load())
	}
}

func TestApifyDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"type":"token-not-valid"}}`)
	}))
	defer ts.Close()

	a := newTestApify(t, ts.URL, nil)
	_, err := a.Fetch(context.Background(), Request{PageID: "acme"})
	if err == nil {
		t.Fatal("expected error")
	}
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 StatusError, got %v", err)
	}
	if !strings.Contains(err.Error(), "token-not-valid") {
		t.Fatalf("expected body in error: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestApifyNoRetriesWhenDisabled(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := newTestApify(t, ts.URL, func(o *ApifyOptions) { o.MaxRetries = 0 })
	if _, err := a.Fetch(context.Background(), Request{PageID: "acme"}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestApifyTimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		_, _ = io.WriteString(w, `[]`)
	}))
	defer ts.Close()

	a := newTestApify(t, ts.URL, func(o *ApifyOptions) { o.Timeout = 50 * time.Millisecond })
	if _, err := a.Fetch(context.Background(), Request{PageID: "acme"}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestApifyCancelledContext(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `[]`)
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := newTestApify(t, ts.URL, nil)
	if _, err := a.Fetch(ctx, Request{PageID: "acme"}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if calls.Load() != 0 {
		t.Fatalf("calls = %d, want 0", calls.Load())
	}
}

func TestApifyRateLimiterSpacesRuns(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[]`)
	}))
	defer ts.Close()

	// 600/min: one run every 100ms after the first.
	a := newTestApify(t, ts.URL, func(o *ApifyOptions) { o.RequestsPerMinute = 600 })

	start := time.Now()
	for range 3 {
		if _, err := a.Fetch(context.Background(), Request{PageID: "acme"}); err != nil {
			t.Fatalf("fetch: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("elapsed = %v, expected limiter to space runs", elapsed)
	}
}

func TestApifyArchive(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "archive")
	runAt := time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"postId": "p1", "timestamp": 1772366400}]`)
	}))
	defer ts.Close()

	a := newTestApify(t, ts.URL, func(o *ApifyOptions) {
		o.ArchiveDir = dir
		o.Now = func() time.Time { return runAt }
	})
	if _, err := a.Fetch(context.Background(), Request{PageID: "https://www.facebook.com/acme.corp/"}); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "apify_acme.corp_20260301123045_*.json"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("archive files = %v (err %v), want one", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}

	var got archiveFile
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode archive: %v", err)
	}
	if got.Page != "https://www.facebook.com/acme.corp/" || got.RunAt != "2026-03-01T12:30:45Z" {
		t.Fatalf("archive header = %+v", got)
	}
	if len(got.Data) != 1 || got.Data[0]["postId"] != "p1" {
		t.Fatalf("archive data = %+v", got.Data)
	}
}

func TestApifyArchiveFailureIsNotFatal(t *testing.T) {
	// A file where the archive dir should be makes MkdirAll fail.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"postId": "p1", "timestamp": 1772366400}]`)
	}))
	defer ts.Close()

	a := newTestApify(t, ts.URL, func(o *ApifyOptions) { o.ArchiveDir = filepath.Join(blocker, "sub") })
	items, err := a.Fetch(context.Background(), Request{PageID: "acme"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
}

func TestApifyPing(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v2/users/me" || r.Header.Get("Authorization") != "Bearer test-token" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = io.WriteString(w, `{"data":{"username":"acme"}}`)
		}))
		defer ts.Close()

		a := newTestApify(t, ts.URL, nil)
		if err := a.Ping(context.Background()); err != nil {
			t.Fatalf("ping: %v", err)
		}
	})

	t.Run("unauthorized", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer ts.Close()

		a := newTestApify(t, ts.URL, nil)
		err := a.Ping(context.Background())
		var se *StatusError
		if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %v", err)
		}
	})
}

func TestPageURL(t *testing.T) {
	tests := map[string]string{
		"acme":                           "https://www.facebook.com/acme",
		"/acme":                          "https://www.facebook.com/acme",
		"https://www.facebook.com/acme":  "https://www.facebook.com/acme",
		"www.facebook.com/acme":          "https://www.facebook.com/acme",
		"http://m.facebook.com/acme.org": "http://m.facebook.com/acme.org",
	}
	for in, want := range tests {
		if got := PageURL(in); got != want {
			t.Errorf("PageURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestArchiveSlug(t *testing.T) {
	tests := map[string]string{
		"acme":                                  "acme",
		"acme!!":                                "acme",
		"https://www.facebook.com/acme.corp/":   "acme.corp",
		"https://www.facebook.com/acme/posts/1": "1",
	}
	for in, want := range tests {
		if got := archiveSlug(in); got != want {
			t.Errorf("archiveSlug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUnixTime(t *testing.T) {
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := unixTime(int64(1772366400)); !got.Equal(want) {
		t.Errorf("seconds: %v", got)
	}
	if got := unixTime(float64(1772366400000)); !got.Equal(want) {
		t.Errorf("millis: %v", got)
	}
	if got := unixTime("1772366400"); !got.Equal(want) {
		t.Errorf("string: %v", got)
	}
	if got := unixTime(int64(0)); !got.IsZero() {
		t.Errorf("zero: %v", got)
	}
	if got := unixTime(true); !got.IsZero() {
		t.Errorf("bool: %v", got)
	}
}

func TestArchiveNameSeparatesPagesWithSameSlug(t *testing.T) {
	runAt := time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC)
	a := archiveName("https://www.facebook.com/acme", runAt)
	b := archiveName("https://www.facebook.com/groups/acme", runAt)
	if a == b {
		t.Fatalf("archive names collide: %s", a)
	}
	if a != archiveName("https://www.facebook.com/acme", runAt) {
		t.Fatal("archive name is not stable for a page")
	}
	if !strings.HasPrefix(a, "apify_acme_20260301123045_") || !strings.HasSuffix(a, ".json") {
		t.Fatalf("unexpected archive name %q", a)
	}
}

func TestApifyCreatedAtMillisecondPrecision(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[
			{"postId": "p1", "time": "2026-03-01T12:00:00.123456789Z"},
			{"postId": "p2", "time": "2026-03-01T12:00:01.999999Z"}
		]`)
	}))
	defer ts.Close()

	a := newTestApify(t, ts.URL, nil)
	items, err := a.Fetch(context.Background(), Request{PageID: "acme"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 123_000_000, time.UTC)
	if !items[0].CreatedAt.Equal(want) {
		t.Fatalf("created at = %v, want %v", items[0].CreatedAt, want)
	}

	// A cursor stored at millisecond precision must exclude the same post.
	since := want
	items, err = a.Fetch(context.Background(), Request{PageID: "acme", Since: &since})
	if err != nil {
		t.Fatalf("fetch since: %v", err)
	}
	if len(items) != 1 || items[0].PostID != "p2" {
		t.Fatalf("items after cursor = %+v, want only p2", items)
	}
}
