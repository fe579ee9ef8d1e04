package conversation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lazypower/grove/internal/store"
)

// excerptRadius is the number of characters kept on each side of a match.
const excerptRadius = 200

// Snippet is a short passage mentioning a query.
type Snippet struct {
	Source string // log file or journal page name
	Role   string
	Text   string
}

// Searcher returns snippets mentioning a query.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Snippet, error)
}

// LogSource searches JSONL conversation logs in a directory.
type LogSource struct {
	dir string
	log *zap.Logger
}

// NewLogSource creates a source over dir. An empty dir yields no snippets.
func NewLogSource(dir string, log *zap.Logger) *LogSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSource{dir: dir, log: log}
}

// Search scans logs newest file first and returns up to limit snippets
// whose text mentions query, case-insensitively.
func (s *LogSource) Search(ctx context.Context, query string, limit int) ([]Snippet, error) {
	if s.dir == "" || limit <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	files, err := s.files()
	if err != nil {
		return nil, err
	}

	var out []Snippet
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		turns, err := ParseFile(path)
		if err != nil {
			s.log.Warn("skipping unreadable conversation log", zap.String("path", path), zap.Error(err))
			continue
		}
		for i := len(turns) - 1; i >= 0; i-- {
			text, ok := Excerpt(turns[i].Text, query)
			if !ok {
				continue
			}
			out = append(out, Snippet{Source: filepath.Base(path), Role: turns[i].Role, Text: text})
			if len(out) == limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (s *LogSource) files() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read conversation dir: %w", err)
	}
	type file struct {
		path string
		mod  int64
	}
	var files []file
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, file{filepath.Join(s.dir, e.Name()), info.ModTime().UnixNano()})
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].mod > files[j].mod })
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}

// JournalSource searches journal pages.
type JournalSource struct {
	pages *store.PageStore
}

// NewJournalSource creates a source over the journal partition.
func NewJournalSource(pages *store.PageStore) *JournalSource {
	return &JournalSource{pages: pages}
}

// Search returns excerpts from journal pages mentioning query, newest first.
func (j *JournalSource) Search(ctx context.Context, query string, limit int) ([]Snippet, error) {
	if limit <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	pages, err := j.pages.Search(ctx, query, store.TypeJournal)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(pages, func(a, b int) bool { return pages[a].ModifiedAt.After(pages[b].ModifiedAt) })

	var out []Snippet
	for _, p := range pages {
		text, ok := Excerpt(p.Body, query)
		if !ok {
			text, _ = Excerpt(p.Body, "")
		}
		out = append(out, Snippet{Source: p.Name, Role: "journal", Text: text})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Excerpt returns the text around the first case-insensitive occurrence of
// query. An empty query returns the opening of text.
func Excerpt(text, query string) (string, bool) {
	text = strings.TrimSpace(text)
	idx := 0
	if query != "" {
		idx = strings.Index(strings.ToLower(text), strings.ToLower(query))
		if idx < 0 {
			return "", false
		}
		idx = min(idx, len(text))
	}
	start := max(0, idx-excerptRadius)
	end := min(len(text), idx+len(query)+excerptRadius)
	for start > 0 && !isRuneStart(text[start]) {
		start--
	}
	for end < len(text) && !isRuneStart(text[end]) {
		end++
	}
	out := text[start:end]
	if start > 0 {
		out = "..." + out
	}
	if end < len(text) {
		out += "..."
	}
	return out, true
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
