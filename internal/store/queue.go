package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lazypower/grove/internal/research"
)

// QueueStorage persists the research queue in SQLite. Each document is a
// JSON row; Save replaces a whole collection in one transaction.
type QueueStorage struct {
	db *DB
}

// NewQueueStorage returns research storage backed by db.
func NewQueueStorage(db *DB) *QueueStorage {
	return &QueueStorage{db: db}
}

func (s *QueueStorage) LoadQueue(ctx context.Context) ([]*research.Task, error) {
	var tasks []*research.Task
	err := s.load(ctx, "SELECT data FROM research_queue ORDER BY position", func(data []byte) error {
		var t research.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		tasks = append(tasks, &t)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load research queue: %w", err)
	}
	return tasks, nil
}

func (s *QueueStorage) SaveQueue(ctx context.Context, tasks []*research.Task) error {
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM research_queue"); err != nil {
			return err
		}
		for i, t := range tasks {
			data, err := json.Marshal(t)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO research_queue (id, position, data) VALUES (?, ?, ?)",
				t.ID, i, string(data)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save research queue: %w", err)
	}
	return nil
}

func (s *QueueStorage) LoadHistory(ctx context.Context) ([]*research.Task, error) {
	var tasks []*research.Task
	err := s.load(ctx, "SELECT data FROM research_history ORDER BY seq", func(data []byte) error {
		var t research.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		tasks = append(tasks, &t)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load research history: %w", err)
	}
	return tasks, nil
}

func (s *QueueStorage) SaveHistory(ctx context.Context, tasks []*research.Task) error {
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM research_history"); err != nil {
			return err
		}
		for i, t := range tasks {
			data, err := json.Marshal(t)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO research_history (seq, id, data) VALUES (?, ?, ?)",
				i+1, t.ID, string(data)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save research history: %w", err)
	}
	return nil
}

func (s *QueueStorage) LoadProposals(ctx context.Context) ([]*research.Proposal, error) {
	var out []*research.Proposal
	err := s.load(ctx, "SELECT data FROM research_proposals ORDER BY position", func(data []byte) error {
		var p research.Proposal
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		out = append(out, &p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load research proposals: %w", err)
	}
	return out, nil
}

func (s *QueueStorage) SaveProposals(ctx context.Context, proposals []*research.Proposal) error {
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM research_proposals"); err != nil {
			return err
		}
		for i, p := range proposals {
			data, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO research_proposals (id, position, data) VALUES (?, ?, ?)",
				p.ID, i, string(data)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save research proposals: %w", err)
	}
	return nil
}

func (s *QueueStorage) load(ctx context.Context, query string, each func(data []byte) error) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return err
		}
		if err := each([]byte(data)); err != nil {
			return err
		}
	}
	return rows.Err()
}
