package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// getPost loads one stored post. The bool is false when it does not exist.
func (s *SQLiteStore) getPost(ctx context.Context, pageID, postID string) (PostRecord, bool, error) {
	if s == nil || s.db == nil {
		return PostRecord{}, false, errors.New("store is not initialized")
	}

	var (
		rec                    PostRecord
		createdAt, collectedAt string
		textVal, urlVal        sql.NullString
		contentVal             sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT page_id, post_id, created_at, collected_at, text, url, content,
			source_type, post_type, source_name, category
		FROM posts
		WHERE page_id = ? AND post_id = ?
	`, pageID, postID).Scan(
		&rec.PageID,
		&rec.PostID,
		&createdAt,
		&collectedAt,
		&textVal,
		&urlVal,
		&contentVal,
		&rec.Tag.SourceType,
		&rec.Tag.PostType,
		&rec.Tag.SourceName,
		&rec.Tag.Category,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return PostRecord{}, false, nil
	}
	if err != nil {
		return PostRecord{}, false, fmt.Errorf("get post: %w", err)
	}

	rec.Tag.PageID = rec.PageID
	rec.Text = textVal.String
	rec.URL = urlVal.String
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return PostRecord{}, false, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.CollectedAt, err = parseTime(collectedAt); err != nil {
		return PostRecord{}, false, fmt.Errorf("parse collected_at: %w", err)
	}
	if contentVal.Valid && contentVal.String != "" {
		if err := json.Unmarshal([]byte(contentVal.String), &rec.Content); err != nil {
			return PostRecord{}, false, fmt.Errorf("decode content: %w", err)
		}
	}
	return rec, true, nil
}

// countPosts returns the number of stored posts for pageID, or all posts when pageID is empty.
func (s *SQLiteStore) countPosts(ctx context.Context, pageID string) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store is not initialized")
	}

	query := "SELECT COUNT(*) FROM posts"
	var args []any
	if pageID != "" {
		query += " WHERE page_id = ?"
		args = append(args, pageID)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count posts: %w", err)
	}
	return n, nil
}
