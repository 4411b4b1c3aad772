package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func (s *Store) SaveContextDoc(ctx context.Context, doc ContextDoc) error {
	tags := doc.Tags
	if tags == "" {
		tags = "[]"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO context_docs (id, title, content, source, source_url, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Title, doc.Content, doc.Source, doc.SourceURL, tags,
		doc.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetContextDoc(ctx context.Context, id string) (ContextDoc, error) {
	var d ContextDoc
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, content, source, source_url, tags, created_at
		FROM context_docs WHERE id = ?`, id,
	).Scan(&d.ID, &d.Title, &d.Content, &d.Source, &d.SourceURL, &d.Tags, &createdAt)
	if err == sql.ErrNoRows {
		return ContextDoc{}, ErrNotFound
	}
	if err != nil {
		return ContextDoc{}, err
	}
	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return ContextDoc{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return d, nil
}

// ListContextDocs returns the most recent documents first.
func (s *Store) ListContextDocs(ctx context.Context, limit int) ([]ContextDoc, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, content, source, source_url, tags, created_at
		FROM context_docs ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ContextDoc
	for rows.Next() {
		var d ContextDoc
		var createdAt string
		if err := rows.Scan(&d.ID, &d.Title, &d.Content, &d.Source, &d.SourceURL, &d.Tags, &createdAt); err != nil {
			return nil, err
		}
		if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

func (s *Store) DeleteContextDoc(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM context_docs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}
