package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/grove/internal/maturity"
	"github.com/lazypower/grove/internal/wikilink"
)

const pageColumns = "id, page_type, name, content, created_at, modified_at"

// typeOrder sorts rows into partition lookup order.
const typeOrder = `CASE page_type
	WHEN 'entity' THEN 0
	WHEN 'concept' THEN 1
	WHEN 'relationship' THEN 2
	WHEN 'journal' THEN 3
	ELSE 4 END`

// PageStore is the versioned page repository. Every mutation runs in one
// transaction that also appends a revision row, so a page change and its
// history entry land together or not at all. Writers are serialized; readers
// see the last committed state.
type PageStore struct {
	db  *DB
	log *zap.Logger
	now func() time.Time

	mu sync.Mutex
}

// NewPageStore wraps db. A nil logger is replaced with a no-op logger.
func NewPageStore(db *DB, log *zap.Logger) *PageStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &PageStore{db: db, log: log, now: time.Now}
}

// SetClock overrides the time source. Used by tests.
func (s *PageStore) SetClock(now func() time.Time) { s.now = now }

// DB exposes the underlying database.
func (s *PageStore) DB() *DB { return s.db }

// Create stores a new page at maturity level 1 with an initial-creation
// synthesis event.
func (s *PageStore) Create(ctx context.Context, name, body string, typ PageType) (*Page, error) {
	return s.CreateWithTrigger(ctx, name, body, typ, maturity.TriggerInitialCreation, "")
}

// CreateWithTrigger is Create with an explicit first synthesis trigger.
func (s *PageStore) CreateWithTrigger(ctx context.Context, name, body string, typ PageType, trigger maturity.Trigger, notes string) (*Page, error) {
	if !validType(typ) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, typ)
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	var created *Page
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.find(ctx, tx, name, typ)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: %s/%s", ErrAlreadyExists, typ, name)
		}

		meta, text := splitBody(body)
		p := &Page{Type: typ, Name: name, Body: text, Meta: meta, CreatedAt: now, ModifiedAt: now}
		content, err := p.Content()
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO pages (page_type, name, name_key, content, created_at, modified_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, typ, name, nameKey(name), content, now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert page: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert page: %w", err)
		}

		all, err := s.loadAll(ctx, tx)
		if err != nil {
			return err
		}
		primary := byID(all, id)
		if primary == nil {
			return fmt.Errorf("insert page: row %d vanished", id)
		}
		changed := recount(all, append([]string{name}, primary.Outgoing()...))
		s.synthesize(primary, all, trigger, notes, now)
		changed[primary.ID] = primary

		if err := s.writeAll(ctx, tx, changed); err != nil {
			return err
		}
		if err := s.addRevision(ctx, tx, primary, "create", fmt.Sprintf("create %s/%s", typ, name)); err != nil {
			return err
		}
		created = primary
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	s.log.Debug("page created", zap.String("type", string(typ)), zap.String("name", name))
	return created, nil
}

// Read returns the page, or nil if it does not exist. An empty type searches
// every partition in lookup order.
func (s *PageStore) Read(ctx context.Context, name string, typ PageType) (*Page, error) {
	p, err := s.find(ctx, s.db, name, typ)
	if err != nil {
		return nil, fmt.Errorf("read page: %w", err)
	}
	return p, nil
}

// Update replaces the body. Returns nil if the page does not exist.
func (s *PageStore) Update(ctx context.Context, name, body string, typ PageType) (*Page, error) {
	p, err := s.mutate(ctx, name, typ, "update", nil, func(p *Page) string {
		meta, text := splitBody(body)
		for k, v := range meta {
			if p.Meta == nil {
				p.Meta = map[string]any{}
			}
			p.Meta[k] = v
		}
		p.setBody(text)
		return fmt.Sprintf("update %s/%s", p.Type, p.Name)
	})
	if err != nil {
		return nil, fmt.Errorf("update page: %w", err)
	}
	return p, nil
}

// RecordDeepening stores a re-synthesized body and appends a synthesis
// event: connection counts are recomputed, the level increments, the depth
// score is recalculated and the growth counter resets. An empty body keeps
// the current one.
func (s *PageStore) RecordDeepening(ctx context.Context, name, body string, typ PageType, trigger maturity.Trigger, notes string) (*Page, error) {
	synth := &synthesis{trigger: trigger, notes: notes}
	p, err := s.mutate(ctx, name, typ, "deepen", synth, func(p *Page) string {
		if strings.TrimSpace(body) != "" {
			_, text := splitBody(body)
			p.setBody(text)
		}
		return fmt.Sprintf("deepen %s/%s (%s)", p.Type, p.Name, trigger)
	})
	if err != nil {
		return nil, fmt.Errorf("record deepening: %w", err)
	}
	return p, nil
}

// SaveMaturity overwrites the maturity block of a page.
func (s *PageStore) SaveMaturity(ctx context.Context, pageType, name string, st maturity.State) error {
	_, err := s.mutate(ctx, name, PageType(pageType), "update", nil, func(p *Page) string {
		p.Maturity = st
		return fmt.Sprintf("update maturity %s/%s", p.Type, p.Name)
	})
	if err != nil {
		return fmt.Errorf("save maturity: %w", err)
	}
	return nil
}

type synthesis struct {
	trigger maturity.Trigger
	notes   string
}

// mutate loads a page, applies edit, recounts connections for the page and
// every page whose incoming count may have moved, optionally records a
// synthesis pass, then commits with a revision. edit returns the revision
// message.
func (s *PageStore) mutate(ctx context.Context, name string, typ PageType, op string, synth *synthesis, edit func(p *Page) string) (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	var out *Page
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		found, err := s.find(ctx, tx, name, typ)
		if err != nil || found == nil {
			return err
		}
		all, err := s.loadAll(ctx, tx)
		if err != nil {
			return err
		}
		p := byID(all, found.ID)
		before := append([]string(nil), p.Outgoing()...)

		msg := edit(p)
		p.ModifiedAt = now

		affected := append([]string{p.Name}, before...)
		affected = append(affected, p.Outgoing()...)
		changed := recount(all, affected)
		if synth != nil {
			s.synthesize(p, all, synth.trigger, synth.notes, now)
		}
		changed[p.ID] = p

		if err := s.writeAll(ctx, tx, changed); err != nil {
			return err
		}
		if err := s.addRevision(ctx, tx, p, op, msg); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a page. Returns false if it did not exist.
func (s *PageStore) Delete(ctx context.Context, name string, typ PageType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := false
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		p, err := s.find(ctx, tx, name, typ)
		if err != nil || p == nil {
			return err
		}
		if err := s.addRevision(ctx, tx, p, "delete", fmt.Sprintf("delete %s/%s", p.Type, p.Name)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM pages WHERE id = ?", p.ID); err != nil {
			return fmt.Errorf("delete row: %w", err)
		}
		all, err := s.loadAll(ctx, tx)
		if err != nil {
			return err
		}
		if err := s.writeAll(ctx, tx, recount(all, p.Outgoing())); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete page: %w", err)
	}
	return deleted, nil
}

// List returns pages of the given type, or all pages when typ is empty,
// ordered by partition then name.
func (s *PageStore) List(ctx context.Context, typ PageType) ([]*Page, error) {
	q := "SELECT " + pageColumns + " FROM pages"
	var args []any
	if typ != "" {
		q += " WHERE page_type = ?"
		args = append(args, typ)
	}
	q += " ORDER BY " + typeOrder + ", name_key"
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	return s.scanPages(rows)
}

// Search returns pages whose name or body contains text, case-insensitively.
func (s *PageStore) Search(ctx context.Context, text string, typ PageType) ([]*Page, error) {
	pages, err := s.List(ctx, typ)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return nil, nil
	}
	var out []*Page
	for _, p := range pages {
		if strings.Contains(strings.ToLower(p.Name), needle) || strings.Contains(strings.ToLower(p.Body), needle) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Backlinks returns the pages whose bodies link to name.
func (s *PageStore) Backlinks(ctx context.Context, name string) ([]*Page, error) {
	pages, err := s.loadAll(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("backlinks: %w", err)
	}
	key := nameKey(name)
	var out []*Page
	for _, p := range pages {
		if nameKey(p.Name) == key {
			continue
		}
		for _, t := range p.Outgoing() {
			if nameKey(t) == key {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}

// LinkGraph maps every page name to the distinct targets it links to.
func (s *PageStore) LinkGraph(ctx context.Context) (map[string][]string, error) {
	pages, err := s.loadAll(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("link graph: %w", err)
	}
	g := make(map[string][]string, len(pages))
	for _, p := range pages {
		g[p.Name] = append(g[p.Name], p.Outgoing()...)
	}
	return g, nil
}

// FindOrphans returns non-meta pages that no other page links to.
func (s *PageStore) FindOrphans(ctx context.Context) ([]*Page, error) {
	pages, err := s.loadAll(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("find orphans: %w", err)
	}
	in := incomingCounts(pages)
	var out []*Page
	for _, p := range pages {
		if p.Type == TypeMeta {
			continue
		}
		if in[nameKey(p.Name)] == 0 {
			out = append(out, p)
		}
	}
	return out, nil
}

// BrokenLink is a link whose target page does not exist.
type BrokenLink struct {
	Source     string   `json:"source"`
	SourceType PageType `json:"source_type"`
	Target     string   `json:"target"`
}

// FindBrokenLinks returns every link whose target exists in no partition.
func (s *PageStore) FindBrokenLinks(ctx context.Context) ([]BrokenLink, error) {
	pages, err := s.loadAll(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("find broken links: %w", err)
	}
	exists := make(map[string]bool, len(pages))
	for _, p := range pages {
		exists[nameKey(p.Name)] = true
	}
	var out []BrokenLink
	for _, p := range pages {
		for _, t := range p.Outgoing() {
			if !exists[nameKey(t)] {
				out = append(out, BrokenLink{Source: p.Name, SourceType: p.Type, Target: t})
			}
		}
	}
	return out, nil
}

// Nodes implements maturity.Graph.
func (s *PageStore) Nodes(ctx context.Context) ([]maturity.Node, error) {
	pages, err := s.loadAll(ctx, s.db)
	if err != nil {
		return nil, err
	}
	out := make([]maturity.Node, 0, len(pages))
	for _, p := range pages {
		out = append(out, toNode(p))
	}
	return out, nil
}

// Node implements maturity.Graph.
func (s *PageStore) Node(ctx context.Context, name string) (*maturity.Node, error) {
	p, err := s.Read(ctx, name, "")
	if err != nil || p == nil {
		return nil, err
	}
	n := toNode(p)
	return &n, nil
}

// BacklinkNames implements maturity.Graph.
func (s *PageStore) BacklinkNames(ctx context.Context, name string) ([]string, error) {
	pages, err := s.Backlinks(ctx, name)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(pages))
	for _, p := range pages {
		out = append(out, p.Name)
	}
	return out, nil
}

func toNode(p *Page) maturity.Node {
	return maturity.Node{
		Type:     string(p.Type),
		Name:     p.Name,
		State:    p.Maturity,
		Outgoing: append([]string(nil), p.Outgoing()...),
	}
}

// synthesize records a synthesis pass on p with a freshly computed depth.
func (s *PageStore) synthesize(p *Page, all []*Page, trigger maturity.Trigger, notes string, now time.Time) {
	probe := p.Maturity
	probe.Level++
	depth := maturity.CalculateDepthScore(probe,
		maturity.ReflectionDepth(p.Body),
		maturity.QuestionSophistication(p.Body),
		crossDomain(p, all))
	maturity.RecordSynthesis(&p.Maturity, trigger, notes, now, depth)
}

// crossDomain counts linked pages, in either direction, of a different type.
func crossDomain(p *Page, all []*Page) int {
	byKey := make(map[string][]*Page, len(all))
	for _, o := range all {
		k := nameKey(o.Name)
		byKey[k] = append(byKey[k], o)
	}
	seen := make(map[int64]bool)
	for _, t := range p.Outgoing() {
		for _, o := range byKey[nameKey(t)] {
			if o.ID != p.ID && o.Type != p.Type {
				seen[o.ID] = true
			}
		}
	}
	self := nameKey(p.Name)
	for _, o := range all {
		if o.ID == p.ID || o.Type == p.Type {
			continue
		}
		for _, t := range o.Outgoing() {
			if nameKey(t) == self {
				seen[o.ID] = true
				break
			}
		}
	}
	return len(seen)
}

// incomingCounts maps a lowercased name to the number of other pages
// linking to it.
func incomingCounts(all []*Page) map[string]int {
	counts := make(map[string]int)
	for _, p := range all {
		self := nameKey(p.Name)
		for _, t := range p.Outgoing() {
			if k := nameKey(t); k != self {
				counts[k]++
			}
		}
	}
	return counts
}

// recount refreshes connection counts for pages named in names and returns
// the pages whose counts moved, keyed by id.
func recount(all []*Page, names []string) map[int64]*Page {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[nameKey(n)] = true
	}
	in := incomingCounts(all)
	changed := make(map[int64]*Page)
	for _, p := range all {
		k := nameKey(p.Name)
		if !want[k] {
			continue
		}
		before := p.Maturity.Connections
		maturity.Recount(&p.Maturity, len(p.Outgoing()), in[k])
		if p.Maturity.Connections != before {
			changed[p.ID] = p
		}
	}
	return changed
}

func byID(all []*Page, id int64) *Page {
	for _, p := range all {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (s *PageStore) clock() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

func (s *PageStore) writeAll(ctx context.Context, tx *sql.Tx, pages map[int64]*Page) error {
	ids := make([]int64, 0, len(pages))
	for id := range pages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		p := pages[id]
		content, err := p.Content()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE pages SET content = ?, modified_at = ? WHERE id = ?",
			content, p.ModifiedAt.UnixMilli(), p.ID,
		); err != nil {
			return fmt.Errorf("write page %s: %w", p.Name, err)
		}
	}
	return nil
}

func (s *PageStore) find(ctx context.Context, q querier, name string, typ PageType) (*Page, error) {
	if typ != "" {
		if !validType(typ) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidType, typ)
		}
		rows, err := q.QueryContext(ctx,
			"SELECT "+pageColumns+" FROM pages WHERE page_type = ? AND name_key = ?",
			typ, nameKey(name))
		if err != nil {
			return nil, fmt.Errorf("find page: %w", err)
		}
		return first(s.scanPages(rows))
	}
	rows, err := q.QueryContext(ctx,
		"SELECT "+pageColumns+" FROM pages WHERE name_key = ? ORDER BY "+typeOrder+" LIMIT 1",
		nameKey(name))
	if err != nil {
		return nil, fmt.Errorf("find page: %w", err)
	}
	return first(s.scanPages(rows))
}

func first(pages []*Page, err error) (*Page, error) {
	if err != nil || len(pages) == 0 {
		return nil, err
	}
	return pages[0], nil
}

func (s *PageStore) loadAll(ctx context.Context, q querier) ([]*Page, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+pageColumns+" FROM pages ORDER BY "+typeOrder+", name_key")
	if err != nil {
		return nil, fmt.Errorf("load pages: %w", err)
	}
	return s.scanPages(rows)
}

func (s *PageStore) scanPages(rows *sql.Rows) ([]*Page, error) {
	defer rows.Close()
	var pages []*Page
	for rows.Next() {
		var (
			p                 Page
			content           string
			created, modified int64
		)
		if err := rows.Scan(&p.ID, &p.Type, &p.Name, &content, &created, &modified); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		p.CreatedAt = time.UnixMilli(created).UTC()
		p.ModifiedAt = time.UnixMilli(modified).UTC()
		s.decode(&p, content)
		pages = append(pages, &p)
	}
	return pages, rows.Err()
}

// decode fills body, metadata and maturity from stored content. Malformed
// front matter yields default maturity instead of an error.
func (s *PageStore) decode(p *Page, content string) {
	var h pageHeader
	body, err := wikilink.DecodeFrontMatter(content, &h)
	p.Body = body
	if err != nil {
		s.log.Warn("malformed page metadata, using defaults",
			zap.String("type", string(p.Type)),
			zap.String("name", p.Name),
			zap.Error(err))
		return
	}
	p.Maturity = h.state()
	if len(h.Extra) > 0 {
		p.Meta = h.Extra
	}
}
