package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// VectorRecord holds the embedding of a page.
type VectorRecord struct {
	PageID     int64
	PageType   PageType
	PageName   string
	Embedding  []float64
	Model      string
	Dimensions int
	CreatedAt  int64
}

// encodeEmbedding converts a []float64 to a binary BLOB (8 bytes per float64).
func encodeEmbedding(vec []float64) []byte {
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeEmbedding converts a binary BLOB back to []float64.
func decodeEmbedding(buf []byte) []float64 {
	n := len(buf) / 8
	vec := make([]float64, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}

// SaveVector stores or replaces the embedding for a page.
func (db *DB) SaveVector(ctx context.Context, pageID int64, embedding []float64, model string) error {
	now := time.Now().UnixMilli()
	blob := encodeEmbedding(embedding)

	_, err := db.ExecContext(ctx, `
		INSERT INTO page_vectors (page_id, embedding, model, dimensions, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(page_id) DO UPDATE SET embedding = ?, model = ?, dimensions = ?, created_at = ?
	`, pageID, blob, model, len(embedding), now,
		blob, model, len(embedding), now)
	if err != nil {
		return fmt.Errorf("save vector: %w", err)
	}
	return nil
}

const vectorColumns = `v.page_id, p.page_type, p.name, v.embedding, v.model, v.dimensions, v.created_at`

// GetVector returns the embedding for a page, or nil if not found.
func (db *DB) GetVector(ctx context.Context, pageID int64) (*VectorRecord, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+vectorColumns+`
		FROM page_vectors v JOIN pages p ON p.id = v.page_id
		WHERE v.page_id = ?
	`, pageID)
	v, err := scanVector(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vector: %w", err)
	}
	return v, nil
}

// AllVectors returns every stored vector with its page identity.
func (db *DB) AllVectors(ctx context.Context) ([]VectorRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+vectorColumns+`
		FROM page_vectors v JOIN pages p ON p.id = v.page_id
	`)
	if err != nil {
		return nil, fmt.Errorf("all vectors: %w", err)
	}
	defer rows.Close()

	var records []VectorRecord
	for rows.Next() {
		v, err := scanVector(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		records = append(records, *v)
	}
	return records, rows.Err()
}

// StalePageIDs returns pages with no vector, a vector from another model, or
// a vector older than the page's last modification.
func (db *DB) StalePageIDs(ctx context.Context, model string) ([]int64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT p.id FROM pages p
		LEFT JOIN page_vectors v ON v.page_id = p.id
		WHERE v.page_id IS NULL OR v.model != ? OR v.created_at < p.modified_at
		ORDER BY p.id
	`, model)
	if err != nil {
		return nil, fmt.Errorf("stale vectors: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteVector removes the embedding for a page.
func (db *DB) DeleteVector(ctx context.Context, pageID int64) error {
	_, err := db.ExecContext(ctx, "DELETE FROM page_vectors WHERE page_id = ?", pageID)
	if err != nil {
		return fmt.Errorf("delete vector: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVector(r rowScanner) (*VectorRecord, error) {
	var v VectorRecord
	var blob []byte
	if err := r.Scan(&v.PageID, &v.PageType, &v.PageName, &blob, &v.Model, &v.Dimensions, &v.CreatedAt); err != nil {
		return nil, err
	}
	v.Embedding = decodeEmbedding(blob)
	return &v, nil
}
