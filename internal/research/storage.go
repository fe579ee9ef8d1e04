package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Storage persists the live queue, the history log and proposals. Save
// replaces the whole collection.
type Storage interface {
	LoadQueue(ctx context.Context) ([]*Task, error)
	SaveQueue(ctx context.Context, tasks []*Task) error
	LoadHistory(ctx context.Context) ([]*Task, error)
	SaveHistory(ctx context.Context, tasks []*Task) error
	LoadProposals(ctx context.Context) ([]*Proposal, error)
	SaveProposals(ctx context.Context, proposals []*Proposal) error
}

// Object names shared by the file and object-store backends.
const (
	queueObject     = "queue.json"
	historyObject   = "history.json"
	proposalsObject = "proposals.json"
)

// MemoryStorage keeps everything in memory, serialized as JSON so callers
// never share pointers with it.
type MemoryStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemoryStorage returns an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string][]byte)}
}

func (m *MemoryStorage) get(name string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[name]
}

func (m *MemoryStorage) put(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = data
	return nil
}

func (m *MemoryStorage) LoadQueue(context.Context) ([]*Task, error) {
	return decodeTasks(m.get(queueObject))
}

func (m *MemoryStorage) SaveQueue(_ context.Context, tasks []*Task) error {
	return m.put(queueObject, tasks)
}

func (m *MemoryStorage) LoadHistory(context.Context) ([]*Task, error) {
	return decodeTasks(m.get(historyObject))
}

func (m *MemoryStorage) SaveHistory(_ context.Context, tasks []*Task) error {
	return m.put(historyObject, tasks)
}

func (m *MemoryStorage) LoadProposals(context.Context) ([]*Proposal, error) {
	return decodeProposals(m.get(proposalsObject))
}

func (m *MemoryStorage) SaveProposals(_ context.Context, proposals []*Proposal) error {
	return m.put(proposalsObject, proposals)
}

func decodeTasks(data []byte) ([]*Task, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var tasks []*Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	return tasks, nil
}

func decodeProposals(data []byte) ([]*Proposal, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var ps []*Proposal
	if err := json.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("decode proposals: %w", err)
	}
	return ps, nil
}

func encode(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return append(data, '\n'), nil
}

// FileStorage keeps queue.json, history.json and proposals.json in a
// directory. Writes go to a temp file and are renamed into place. It
// assumes a single writing process.
type FileStorage struct {
	dir string
}

// NewFileStorage creates dir if needed.
func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	return &FileStorage{dir: dir}, nil
}

func (f *FileStorage) read(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

func (f *FileStorage) write(name string, v any) error {
	data, err := encode(v)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(f.dir, name)); err != nil {
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}

func (f *FileStorage) LoadQueue(context.Context) ([]*Task, error) {
	data, err := f.read(queueObject)
	if err != nil {
		return nil, err
	}
	return decodeTasks(data)
}

func (f *FileStorage) SaveQueue(_ context.Context, tasks []*Task) error {
	return f.write(queueObject, nonNil(tasks))
}

func (f *FileStorage) LoadHistory(context.Context) ([]*Task, error) {
	data, err := f.read(historyObject)
	if err != nil {
		return nil, err
	}
	return decodeTasks(data)
}

func (f *FileStorage) SaveHistory(_ context.Context, tasks []*Task) error {
	return f.write(historyObject, nonNil(tasks))
}

func (f *FileStorage) LoadProposals(context.Context) ([]*Proposal, error) {
	data, err := f.read(proposalsObject)
	if err != nil {
		return nil, err
	}
	return decodeProposals(data)
}

func (f *FileStorage) SaveProposals(_ context.Context, proposals []*Proposal) error {
	if proposals == nil {
		proposals = []*Proposal{}
	}
	return f.write(proposalsObject, proposals)
}

// nonNil makes empty collections serialize as [] rather than null.
func nonNil(tasks []*Task) []*Task {
	if tasks == nil {
		return []*Task{}
	}
	return tasks
}
