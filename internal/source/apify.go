package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ppiankov/pagesync/internal/logging"
)

const (
	apifySourceName = "apify"

	// LastTimestampPlaceholder is replaced in the actor input with the page cursor.
	LastTimestampPlaceholder = "__LAST_TIMESTAMP__"

	apifyMaxErrorBody = 512
	facebookBaseURL   = "https://www.facebook.com/"
)

// ApifyOptions configures the Apify actor client.
type ApifyOptions struct {
	BaseURL           string
	ActorID           string
	Token             string
	Timeout           time.Duration // per actor run
	MaxRetries        int
	RequestsPerMinute int // 0 disables the limiter
	ArchiveDir        string
	InputTemplate     map[string]any

	// Backoff bounds between retries. Zero values use 2s and 30s.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	HTTPClient *http.Client
	Logger     *logrus.Logger
	Now        func() time.Time
}

// StatusError is returned when Apify answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("apify: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("apify: HTTP %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// ApifySource runs an Apify actor synchronously and maps its dataset items to Items.
type ApifySource struct {
	baseURL  string
	actorID  string
	token    string
	timeout  time.Duration
	archive  string
	template map[string]any

	client   *http.Client
	limiter  *rate.Limiter
	executor failsafe.Executor[[]byte]
	log      *logrus.Logger
	now      func() time.Time
}

// NewApify validates opts and builds the client.
func NewApify(opts ApifyOptions) (*ApifySource, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errors.New("apify: token is required")
	}
	if strings.TrimSpace(opts.ActorID) == "" {
		return nil, errors.New("apify: actor id is required")
	}
	if opts.MaxRetries < 0 {
		return nil, errors.New("apify: max retries must not be negative")
	}
	if opts.RequestsPerMinute < 0 {
		return nil, errors.New("apify: requests per minute must not be negative")
	}

	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = "https://api.apify.com"
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("apify: parse base url: %w", err)
	}

	a := &ApifySource{
		baseURL:  base,
		actorID:  normalizeActorID(opts.ActorID),
		token:    strings.TrimSpace(opts.Token),
		timeout:  opts.Timeout,
		archive:  opts.ArchiveDir,
		template: opts.InputTemplate,
		client:   opts.HTTPClient,
		log:      opts.Logger,
		now:      opts.Now,
	}
	if a.client == nil {
		a.client = &http.Client{}
	}
	if a.log == nil {
		a.log = logging.Discard()
	}
	if a.now == nil {
		a.now = time.Now
	}
	if opts.RequestsPerMinute > 0 {
		a.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}

	delay, maxDelay := opts.RetryBaseDelay, opts.RetryMaxDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	if maxDelay < delay {
		maxDelay = max(30*time.Second, delay)
	}
	a.executor = failsafe.With(newRetryPolicy(opts.MaxRetries, delay, maxDelay, a.log))

	return a, nil
}

func newRetryPolicy(maxRetries int, base, maxDelay time.Duration, log *logrus.Logger) retrypolicy.RetryPolicy[[]byte] {
	return retrypolicy.NewBuilder[[]byte]().
		WithBackoff(base, maxDelay).
		WithMaxRetries(maxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ []byte, err error) bool {
			return isRetryable(err)
		}).
		OnRetry(func(e failsafe.ExecutionEvent[[]byte]) {
			log.WithFields(logrus.Fields{
				"attempt": e.Attempts(),
				"error":   e.LastError(),
			}).Warn("apify: retrying actor run")
		}).
		Build()
}

// isRetryable covers network errors, per-attempt timeouts, 429 and 5xx.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	var me *malformedError
	return !errors.As(err, &me)
}

type malformedError struct {
	err error
}

func (e *malformedError) Error() string { return "apify: malformed response: " + e.err.Error() }
func (e *malformedError) Unwrap() error { return e.err }

func (a *ApifySource) Name() string {
	return apifySourceName
}

// Fetch runs the actor for one page and returns the items created after req.Since.
func (a *ApifySource) Fetch(ctx context.Context, req Request) ([]Item, error) {
	if strings.TrimSpace(req.PageID) == "" {
		return nil, errors.New("apify: page id is required")
	}

	input, err := json.Marshal(a.buildInput(req))
	if err != nil {
		return nil, fmt.Errorf("apify: encode input: %w", err)
	}

	runAt := a.now()
	endpoint := fmt.Sprintf("%s/v2/acts/%s/run-sync-get-dataset-items?clean=true&format=json", a.baseURL, url.PathEscape(a.actorID))

	body, err := a.executor.WithContext(ctx).Get(func() ([]byte, error) {
		return a.post(ctx, endpoint, input)
	})
	if err != nil {
		return nil, err
	}

	records, err := decodeRecords(body)
	if err != nil {
		return nil, err
	}

	if a.archive != "" {
		if path, err := a.writeArchive(req.PageID, runAt, records); err != nil {
			a.log.WithError(err).WithField("page", req.PageID).Warn("apify: archive response")
		} else {
			a.log.WithField("path", path).Debug("apify: archived response")
		}
	}

	items := make([]Item, 0, len(records))
	for _, rec := range records {
		item := parseItem(rec)
		if req.Since != nil && !item.CreatedAt.IsZero() && !item.CreatedAt.After(*req.Since) {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Ping checks the token against the users/me endpoint.
func (a *ApifySource) Ping(ctx context.Context) error {
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v2/users/me", nil)
	if err != nil {
		return fmt.Errorf("apify: build request: %w", err)
	}
	r.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.client.Do(r)
	if err != nil {
		return fmt.Errorf("apify: ping: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return &StatusError{StatusCode: resp.StatusCode, Body: readErrorBody(resp.Body)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (a *ApifySource) post(ctx context.Context, endpoint string, input []byte) ([]byte, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("apify: rate limit: %w", err)
		}
	}

	attemptCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	r, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpoint, bytes.NewReader(input))
	if err != nil {
		return nil, &malformedError{err: fmt.Errorf("build request: %w", err)}
	}
	r.Header.Set("Authorization", "Bearer "+a.token)
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(r)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("apify: run actor: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: readErrorBody(resp.Body)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("apify: read response: %w", err)
	}
	return body, nil
}

func readErrorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, apifyMaxErrorBody))
	return strings.TrimSpace(string(b))
}

func (a *ApifySource) buildInput(req Request) map[string]any {
	cursor := ""
	if req.Since != nil {
		cursor = req.Since.UTC().Format(time.RFC3339)
	}

	input, _ := replacePlaceholder(a.template, cursor).(map[string]any)
	if input == nil {
		input = map[string]any{}
	}
	input["startUrls"] = []any{map[string]any{"url": PageURL(req.PageID)}}
	return input
}

// replacePlaceholder deep-copies v, substituting the cursor into every string.
func replacePlaceholder(v any, cursor string) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = replacePlaceholder(val, cursor)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = replacePlaceholder(val, cursor)
		}
		return out
	case string:
		return strings.ReplaceAll(t, LastTimestampPlaceholder, cursor)
	default:
		return v
	}
}

// PageURL turns a bare page handle into a facebook URL. URLs pass through.
func PageURL(pageID string) string {
	pageID = strings.TrimSpace(pageID)
	if strings.Contains(pageID, "://") {
		return pageID
	}
	if strings.Contains(pageID, "facebook.com") {
		return "https://" + strings.TrimPrefix(pageID, "//")
	}
	return facebookBaseURL + strings.TrimPrefix(pageID, "/")
}

func normalizeActorID(id string) string {
	return strings.ReplaceAll(strings.TrimSpace(id), "/", "~")
}

// decodeRecords accepts a bare JSON array or an object with a "data" array.
func decodeRecords(body []byte) ([]map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, &malformedError{err: err}
	}

	var list []any
	switch t := raw.(type) {
	case []any:
		list = t
	case map[string]any:
		data, ok := t["data"].([]any)
		if !ok {
			return nil, &malformedError{err: errors.New(`object without "data" array`)}
		}
		list = data
	default:
		return nil, &malformedError{err: fmt.Errorf("unexpected %T", raw)}
	}

	records := make([]map[string]any, 0, len(list))
	for i, el := range list {
		rec, ok := el.(map[string]any)
		if !ok {
			return nil, &malformedError{err: fmt.Errorf("item %d is %T, not an object", i, el)}
		}
		records = append(records, normalizeNumbers(rec).(map[string]any))
	}
	return records, nil
}

// normalizeNumbers converts json.Number to int64 when exact, float64 otherwise.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeNumbers(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = normalizeNumbers(val)
		}
		return t
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}

func parseItem(rec map[string]any) Item {
	item := Item{Content: rec}

	item.PostID = firstID(rec, "postId", "id")
	// Mongo stores datetimes with millisecond precision; truncate so the
	// cursor compares equal on every backend.
	item.CreatedAt = parseCreatedAt(rec).Truncate(time.Millisecond)
	item.Text = firstString(rec, "text", "message")
	item.URL = firstString(rec, "url", "postUrl", "topLevelUrl")
	return item
}

func firstID(rec map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := rec[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case int64:
			return strconv.FormatInt(v, 10)
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func firstString(rec map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := rec[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// parseCreatedAt reads "timestamp" (unix seconds or ms), then "time" and "date".
func parseCreatedAt(rec map[string]any) time.Time {
	if ts := unixTime(rec["timestamp"]); !ts.IsZero() {
		return ts
	}
	for _, k := range []string{"time", "date"} {
		s, ok := rec[k].(string)
		if !ok {
			if ts := unixTime(rec[k]); !ts.IsZero() {
				return ts
			}
			continue
		}
		if ts := parseTimeString(s); !ts.IsZero() {
			return ts
		}
	}
	return time.Time{}
}

func unixTime(v any) time.Time {
	var n float64
	switch t := v.(type) {
	case int64:
		n = float64(t)
	case float64:
		n = t
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return time.Time{}
		}
		n = f
	default:
		return time.Time{}
	}
	if n <= 0 {
		return time.Time{}
	}
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec := int64(n)
	nsec := int64((n - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimeString(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	return unixTime(s)
}

var slugUnsafe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// archiveSlug names archive files after the last path segment of the page URL.
func archiveSlug(pageID string) string {
	u, err := url.Parse(PageURL(pageID))
	slug := pageID
	if err == nil {
		if p := strings.Trim(u.Path, "/"); p != "" {
			parts := strings.Split(p, "/")
			slug = parts[len(parts)-1]
		} else if u.Host != "" {
			slug = u.Host
		}
	}
	slug = strings.Trim(slugUnsafe.ReplaceAllString(slug, "_"), "_")
	if slug == "" {
		return "page"
	}
	return slug
}

// archiveName is apify_<slug>_<yyyymmddhhmmss>_<page hash>.json. The hash
// keeps pages that share a slug apart.
func archiveName(pageID string, runAt time.Time) string {
	hash := uuid.NewSHA1(uuid.NameSpaceURL, []byte(pageID)).String()[:8]
	return fmt.Sprintf("apify_%s_%s_%s.json", archiveSlug(pageID), runAt.UTC().Format("20060102150405"), hash)
}

type archiveFile struct {
	RunAt string           `json:"runAt"`
	Page  string           `json:"page"`
	Data  []map[string]any `json:"data"`
}

func (a *ApifySource) writeArchive(pageID string, runAt time.Time, records []map[string]any) (string, error) {
	if err := os.MkdirAll(a.archive, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	path := filepath.Join(a.archive, archiveName(pageID, runAt))

	data, err := json.MarshalIndent(archiveFile{
		RunAt: runAt.UTC().Format(time.RFC3339),
		Page:  pageID,
		Data:  records,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode archive: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write archive: %w", err)
	}
	return path, nil
}
