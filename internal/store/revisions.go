package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Revision is one committed mutation of a page.
type Revision struct {
	ID        int64     `json:"id"`
	PageType  PageType  `json:"page_type"`
	PageName  string    `json:"page_name"`
	Op        string    `json:"op"`
	Message   string    `json:"message"`
	Content   string    `json:"content,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *PageStore) addRevision(ctx context.Context, tx *sql.Tx, p *Page, op, message string) error {
	content, err := p.Content()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO page_revisions (page_type, page_name, name_key, op, message, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.Type, p.Name, nameKey(p.Name), op, message, content, s.clock().UnixMilli())
	if err != nil {
		return fmt.Errorf("record revision: %w", err)
	}
	return nil
}

// History returns the revisions of a page, newest first, without content.
// An empty type matches the page in every partition.
func (s *PageStore) History(ctx context.Context, name string, typ PageType) ([]Revision, error) {
	q := `SELECT id, page_type, page_name, op, message, created_at
		FROM page_revisions WHERE name_key = ?`
	args := []any{nameKey(name)}
	if typ != "" {
		q += " AND page_type = ?"
		args = append(args, typ)
	}
	q += " ORDER BY id DESC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var out []Revision
	for rows.Next() {
		var r Revision
		var created int64
		if err := rows.Scan(&r.ID, &r.PageType, &r.PageName, &r.Op, &r.Message, &created); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		r.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Revision returns one revision with its full content, or nil if not found.
func (s *PageStore) Revision(ctx context.Context, id int64) (*Revision, error) {
	var r Revision
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, page_type, page_name, op, message, content, created_at
		FROM page_revisions WHERE id = ?
	`, id).Scan(&r.ID, &r.PageType, &r.PageName, &r.Op, &r.Message, &r.Content, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get revision: %w", err)
	}
	r.CreatedAt = time.UnixMilli(created).UTC()
	return &r, nil
}
