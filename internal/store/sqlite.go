package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps sort lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore keeps posts, cursors and run history in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("path is required")
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps the pragmas in effect and serializes writers.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCursor(ctx context.Context, pageID string) (Cursor, bool, error) {
	if s == nil || s.db == nil {
		return Cursor{}, false, errors.New("store is not initialized")
	}

	var (
		lastSeen  sql.NullString
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT last_seen, updated_at FROM cursors WHERE page_id = ?", pageID,
	).Scan(&lastSeen, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{PageID: pageID}, false, nil
	}
	if err != nil {
		return Cursor{}, false, fmt.Errorf("get cursor: %w", err)
	}

	c, err := buildCursor(pageID, lastSeen, updatedAt)
	if err != nil {
		return Cursor{}, false, err
	}
	return c, true, nil
}

// SetCursor stores lastSeen for pageID. The stored value never moves backwards.
func (s *SQLiteStore) SetCursor(ctx context.Context, pageID string, lastSeen time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	if strings.TrimSpace(pageID) == "" {
		return errors.New("page_id is required")
	}
	if lastSeen.IsZero() {
		return errors.New("last_seen is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (page_id, last_seen, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(page_id) DO UPDATE SET
			last_seen = CASE
				WHEN cursors.last_seen IS NULL OR excluded.last_seen > cursors.last_seen
				THEN excluded.last_seen
				ELSE cursors.last_seen
			END,
			updated_at = excluded.updated_at
	`, pageID, formatTime(lastSeen), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListCursors(ctx context.Context) ([]Cursor, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}

	rows, err := s.db.QueryContext(ctx, "SELECT page_id, last_seen, updated_at FROM cursors ORDER BY page_id")
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cursors []Cursor
	for rows.Next() {
		var (
			pageID, updatedAt string
			lastSeen          sql.NullString
		)
		if err := rows.Scan(&pageID, &lastSeen, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		c, err := buildCursor(pageID, lastSeen, updatedAt)
		if err != nil {
			return nil, err
		}
		cursors = append(cursors, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cursors: %w", err)
	}
	return cursors, nil
}

// UpsertPost inserts rec unless (PageID, PostID) is already stored.
// It reports whether a new row was written; existing rows are left untouched.
func (s *SQLiteStore) UpsertPost(ctx context.Context, rec PostRecord) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("store is not initialized")
	}
	if err := validateRecord(rec); err != nil {
		return false, err
	}

	var contentVal sql.NullString
	if len(rec.Content) > 0 {
		b, err := json.Marshal(rec.Content)
		if err != nil {
			return false, fmt.Errorf("encode content: %w", err)
		}
		contentVal = sql.NullString{String: string(b), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO posts (
			page_id, post_id, created_at, collected_at, text, url, content,
			source_type, post_type, source_name, category
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(page_id, post_id) DO NOTHING
	`,
		rec.PageID,
		rec.PostID,
		formatTime(rec.CreatedAt),
		formatTime(rec.CollectedAt),
		nullString(rec.Text),
		nullString(rec.URL),
		contentVal,
		rec.Tag.SourceType,
		rec.Tag.PostType,
		rec.Tag.SourceName,
		rec.Tag.Category,
	)
	if err != nil {
		return false, fmt.Errorf("upsert post: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert post: rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) RecordRun(ctx context.Context, run RunRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	if err := validateRun(run); err != nil {
		return err
	}

	var cursorVal sql.NullString
	if run.Cursor != nil {
		cursorVal = sql.NullString{String: formatTime(*run.Cursor), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (
			id, page_id, status, fetched, inserted, existing, skipped, cursor, error, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.PageID,
		run.Status,
		run.Fetched,
		run.Inserted,
		run.Existing,
		run.Skipped,
		cursorVal,
		nullString(run.Error),
		formatTime(run.StartedAt),
		formatTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// RecentRuns returns up to limit runs for pageID, newest first.
func (s *SQLiteStore) RecentRuns(ctx context.Context, pageID string, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, page_id, status, fetched, inserted, existing, skipped, cursor, error, started_at, finished_at
		FROM sync_runs
		WHERE page_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, pageID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []RunRecord
	for rows.Next() {
		var (
			run                   RunRecord
			cursorVal, errVal     sql.NullString
			startedAt, finishedAt string
		)
		if err := rows.Scan(
			&run.ID,
			&run.PageID,
			&run.Status,
			&run.Fetched,
			&run.Inserted,
			&run.Existing,
			&run.Skipped,
			&cursorVal,
			&errVal,
			&startedAt,
			&finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Error = errVal.String
		if cursorVal.Valid {
			ts, err := parseTime(cursorVal.String)
			if err != nil {
				return nil, fmt.Errorf("parse run cursor: %w", err)
			}
			run.Cursor = &ts
		}
		if run.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if run.FinishedAt, err = parseTime(finishedAt); err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func (s *SQLiteStore) PageStats(ctx context.Context) ([]PageStats, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT page_id, COUNT(*), MAX(created_at), MAX(collected_at)
		FROM posts
		GROUP BY page_id
		ORDER BY page_id
	`)
	if err != nil {
		return nil, fmt.Errorf("page stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats []PageStats
	for rows.Next() {
		var (
			ps                  PageStats
			newest, lastCollect string
		)
		if err := rows.Scan(&ps.PageID, &ps.Posts, &newest, &lastCollect); err != nil {
			return nil, fmt.Errorf("scan page stats: %w", err)
		}
		if ps.NewestPost, err = parseTime(newest); err != nil {
			return nil, fmt.Errorf("parse newest post: %w", err)
		}
		if ps.LastCollected, err = parseTime(lastCollect); err != nil {
			return nil, fmt.Errorf("parse last collected: %w", err)
		}
		stats = append(stats, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page stats: %w", err)
	}
	return stats, nil
}

func buildCursor(pageID string, lastSeen sql.NullString, updatedAt string) (Cursor, error) {
	c := Cursor{PageID: pageID}
	if lastSeen.Valid && lastSeen.String != "" {
		ts, err := parseTime(lastSeen.String)
		if err != nil {
			return Cursor{}, fmt.Errorf("parse last_seen: %w", err)
		}
		c.LastSeen = &ts
	}
	ts, err := parseTime(updatedAt)
	if err != nil {
		return Cursor{}, fmt.Errorf("parse updated_at: %w", err)
	}
	c.UpdatedAt = ts
	return c, nil
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(timeLayout, value); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}
