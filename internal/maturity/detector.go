package maturity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Node is the slice of a page the tracker needs.
type Node struct {
	Type     string
	Name     string
	State    State
	Outgoing []string
}

// Graph is the read/write surface the tracker needs from the page store.
type Graph interface {
	Nodes(ctx context.Context) ([]Node, error)
	Node(ctx context.Context, name string) (*Node, error)
	BacklinkNames(ctx context.Context, name string) ([]string, error)
	SaveMaturity(ctx context.Context, pageType, name string, s State) error
}

// UpdateConnectionCounts recomputes outgoing links from the page itself and
// incoming links from its backlinks, then persists the result.
func UpdateConnectionCounts(ctx context.Context, g Graph, name string) (*State, error) {
	n, err := g.Node(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load node: %w", err)
	}
	if n == nil {
		return nil, nil
	}
	back, err := g.BacklinkNames(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("backlinks: %w", err)
	}
	st := n.State
	Recount(&st, len(n.Outgoing), len(back))
	if err := g.SaveMaturity(ctx, n.Type, n.Name, st); err != nil {
		return nil, fmt.Errorf("save maturity: %w", err)
	}
	return &st, nil
}

// Candidate is a page the detector thinks should be deepened.
type Candidate struct {
	Type    string
	Name    string
	Trigger Trigger
	Reason  string
	State   State
	// Shift names the foundational page whose update this candidate
	// carries. Report the hand-off with ShiftHandled.
	Shift   string
}

// shift is a pending foundational update and the neighbors already handed
// off for it.
type shift struct {
	done map[string]bool
}

const recentCapacity = 20

// Detector finds deepening candidates. It remembers a rolling window of
// recently deepened pages to emit related-deepened and foundational-shift
// candidates. Safe for concurrent use.
type Detector struct {
	DaysThreshold int
	Now           func() time.Time

	mu           sync.Mutex
	recent       []string
	pendingShift map[string]*shift
	foundational map[string]bool
}

// NewDetector builds a detector with the given foundational concept names.
func NewDetector(foundational []string, daysThreshold int) *Detector {
	d := &Detector{
		DaysThreshold: daysThreshold,
		Now:           time.Now,
		pendingShift:  make(map[string]*shift),
		foundational:  make(map[string]bool, len(foundational)),
	}
	for _, f := range foundational {
		d.foundational[strings.ToLower(f)] = true
	}
	return d
}

// IsFoundational reports whether name is on the foundational list.
func (d *Detector) IsFoundational(name string) bool {
	return d.foundational[strings.ToLower(name)]
}

// Foundational returns the configured foundational names (lowercased).
func (d *Detector) Foundational() []string {
	out := make([]string, 0, len(d.foundational))
	for f := range d.foundational {
		out = append(out, f)
	}
	return out
}

// MarkDeepened records a completed synthesis.
func (d *Detector) MarkDeepened(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := strings.ToLower(name)
	for i, r := range d.recent {
		if r == key {
			d.recent = append(d.recent[:i], d.recent[i+1:]...)
			break
		}
	}
	d.recent = append(d.recent, key)
	if len(d.recent) > recentCapacity {
		d.recent = d.recent[len(d.recent)-recentCapacity:]
	}
	if d.foundational[key] {
		d.pendingShift[key] = &shift{done: make(map[string]bool)}
	}
}

// RecentlyDeepened reports whether name is in the rolling window.
func (d *Detector) RecentlyDeepened(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := strings.ToLower(name)
	for _, r := range d.recent {
		if r == key {
			return true
		}
	}
	return false
}

// Recent returns the rolling window, oldest first.
func (d *Detector) Recent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.recent...)
}

// ShiftHandled records that neighbor has been queued for the pending update
// of foundational page source. It is not offered for that update again.
func (d *Detector) ShiftHandled(source, neighbor string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sh := d.pendingShift[strings.ToLower(source)]; sh != nil {
		sh.done[strings.ToLower(neighbor)] = true
	}
}

// Candidates scans the graph. Threshold and decay triggers come from
// ShouldDeepen; foundational shifts fan out to every neighbor of an updated
// foundational concept until each has been handed off; related-deepened
// covers grown neighbors of other recently deepened pages. Each page appears
// at most once.
func (d *Detector) Candidates(ctx context.Context, g Graph) ([]Candidate, error) {
	nodes, err := g.Nodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	now := d.now()

	byName := make(map[string]*Node, len(nodes))
	for i := range nodes {
		byName[strings.ToLower(nodes[i].Name)] = &nodes[i]
	}

	var out []Candidate
	seen := make(map[string]int)
	add := func(n *Node, t Trigger, reason string) *Candidate {
		key := strings.ToLower(n.Name)
		if i, ok := seen[key]; ok {
			return &out[i]
		}
		seen[key] = len(out)
		out = append(out, Candidate{Type: n.Type, Name: n.Name, Trigger: t, Reason: reason, State: n.State})
		return &out[len(out)-1]
	}

	for i := range nodes {
		n := &nodes[i]
		if t, ok := ShouldDeepen(n.State, now, d.DaysThreshold); ok {
			add(n, t, describe(t, n.State, now))
		}
	}

	type pending struct {
		source string
		sh     *shift
		done   map[string]bool
	}
	d.mu.Lock()
	shifts := make([]pending, 0, len(d.pendingShift))
	for k, sh := range d.pendingShift {
		done := make(map[string]bool, len(sh.done))
		for nb := range sh.done {
			done[nb] = true
		}
		shifts = append(shifts, pending{source: k, sh: sh, done: done})
	}
	recent := append([]string(nil), d.recent...)
	d.mu.Unlock()
	sort.Slice(shifts, func(i, j int) bool { return shifts[i].source < shifts[j].source })

	recentSet := make(map[string]bool, len(recent))
	for _, r := range recent {
		recentSet[r] = true
	}

	var settled []pending
	for _, f := range shifts {
		src, ok := byName[f.source]
		if !ok {
			settled = append(settled, f)
			continue
		}
		neighbors, err := d.neighbors(ctx, g, src)
		if err != nil {
			return nil, err
		}
		offered := 0
		for _, nb := range neighbors {
			key := strings.ToLower(nb)
			n, ok := byName[key]
			if !ok || recentSet[key] || f.done[key] {
				continue
			}
			c := add(n, TriggerFoundationalShift, fmt.Sprintf("foundational concept %q was updated", src.Name))
			if c.Shift == "" {
				c.Shift = src.Name
			}
			offered++
		}
		if offered == 0 {
			settled = append(settled, f)
		}
	}
	if len(settled) > 0 {
		d.mu.Lock()
		for _, f := range settled {
			// a newer update of the same page replaces sh and stays pending
			if d.pendingShift[f.source] == f.sh {
				delete(d.pendingShift, f.source)
			}
		}
		d.mu.Unlock()
	}

	for _, r := range recent {
		if d.foundational[r] {
			continue
		}
		src, ok := byName[r]
		if !ok {
			continue
		}
		for _, nb := range src.Outgoing {
			key := strings.ToLower(nb)
			n, ok := byName[key]
			if !ok || recentSet[key] || n.State.Connections.AddedSinceLastSynthesis == 0 {
				continue
			}
			add(n, TriggerRelatedDeepened, fmt.Sprintf("related page %q was recently deepened", src.Name))
		}
	}
	return out, nil
}

func (d *Detector) neighbors(ctx context.Context, g Graph, n *Node) ([]string, error) {
	back, err := g.BacklinkNames(ctx, n.Name)
	if err != nil {
		return nil, fmt.Errorf("backlinks for %s: %w", n.Name, err)
	}
	return append(append([]string(nil), n.Outgoing...), back...), nil
}

func (d *Detector) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func describe(t Trigger, s State, now time.Time) string {
	switch t {
	case TriggerConnectionThreshold:
		return fmt.Sprintf("%d connections added since last synthesis", s.Connections.AddedSinceLastSynthesis)
	case TriggerTemporalDecay:
		if days, ok := s.DaysSinceDeepened(now); ok {
			return fmt.Sprintf("%d incoming links, %.0f days since last synthesis", s.Connections.Incoming, days)
		}
		return fmt.Sprintf("%d incoming links, never deepened", s.Connections.Incoming)
	default:
		return string(t)
	}
}
