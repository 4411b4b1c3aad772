package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// productFields lists the columns UpdateProductField may touch.
var productFields = map[string]bool{
	"description": true,
	"link":        true,
	"icon":        true,
	"overview":    true,
	"features":    true,
	"benefits":    true,
	"pricing":     true,
}

const productColumns = `key, name, description, link, internal_link, icon, overview, features, benefits, pricing, created_at, updated_at`

// PutProduct inserts p or refreshes the catalog fields of an existing record.
// Generated sections are left untouched on update.
func (s *Store) PutProduct(ctx context.Context, p Product) error {
	if p.Key == "" {
		return fmt.Errorf("product key is required")
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			link = excluded.link,
			internal_link = excluded.internal_link,
			icon = excluded.icon,
			updated_at = excluded.updated_at`,
		p.Key, p.Name, p.Description, p.Link, p.InternalLink, p.Icon,
		p.Overview, p.Features, p.Benefits, p.Pricing,
		p.CreatedAt.UTC().Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) GetProduct(ctx context.Context, key string) (Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE key = ?`, key)
	p, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return Product{}, ErrNotFound
	}
	return p, err
}

// ListProducts returns products in insertion order. limit <= 0 returns all.
func (s *Store) ListProducts(ctx context.Context, limit int) ([]Product, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY rowid ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

// UpdateProductField sets a single column on an existing product. It returns
// ErrNotFound when no product has the given key; it never creates a record.
func (s *Store) UpdateProductField(ctx context.Context, key, field, value string) error {
	if !productFields[field] {
		return fmt.Errorf("unknown product field %q", field)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE products SET `+field+` = ?, updated_at = ? WHERE key = ?`,
		value, time.Now().UTC().Format(time.RFC3339Nano), key,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) DeleteProduct(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(r rowScanner) (Product, error) {
	var p Product
	var createdAt, updatedAt string
	if err := r.Scan(&p.Key, &p.Name, &p.Description, &p.Link, &p.InternalLink, &p.Icon,
		&p.Overview, &p.Features, &p.Benefits, &p.Pricing, &createdAt, &updatedAt); err != nil {
		return Product{}, err
	}
	var err error
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Product{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Product{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return p, nil
}
