// Package maturity scores how conceptually deep a page is and decides when a
// page should be re-synthesized.
package maturity

import (
	"fmt"
	"time"
)

// Trigger is the reason a synthesis pass ran.
type Trigger string

const (
	TriggerInitialCreation     Trigger = "initial-creation"
	TriggerInitialResearch     Trigger = "initial-research"
	TriggerConnectionThreshold Trigger = "connection-threshold"
	TriggerRelatedDeepened     Trigger = "related-deepened"
	TriggerTemporalDecay       Trigger = "temporal-decay"
	TriggerExplicitRequest     Trigger = "explicit-request"
	TriggerFoundationalShift   Trigger = "foundational-shift"
)

var validTriggers = map[Trigger]bool{
	TriggerInitialCreation:     true,
	TriggerInitialResearch:     true,
	TriggerConnectionThreshold: true,
	TriggerRelatedDeepened:     true,
	TriggerTemporalDecay:       true,
	TriggerExplicitRequest:     true,
	TriggerFoundationalShift:   true,
}

// ParseTrigger validates a trigger name.
func ParseTrigger(s string) (Trigger, error) {
	t := Trigger(s)
	if !validTriggers[t] {
		return "", fmt.Errorf("unknown synthesis trigger %q", s)
	}
	return t, nil
}

// Connections tracks link counts for a page.
type Connections struct {
	Incoming int `yaml:"incoming" json:"incoming"`
	Outgoing int `yaml:"outgoing" json:"outgoing"`
	// AddedSinceLastSynthesis only resets when a synthesis is recorded.
	AddedSinceLastSynthesis int `yaml:"added_since_last_synthesis" json:"added_since_last_synthesis"`
}

// Total is incoming plus outgoing.
func (c Connections) Total() int { return c.Incoming + c.Outgoing }

// SynthesisEvent is one entry in a page's append-only synthesis history.
type SynthesisEvent struct {
	Timestamp       time.Time `yaml:"date" json:"date"`
	Trigger         Trigger   `yaml:"trigger" json:"trigger"`
	ConnectionCount int       `yaml:"connection_count" json:"connection_count"`
	Notes           string    `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// State is the maturity block embedded in every page.
type State struct {
	Level          int              `json:"level"`
	DepthScore     float64          `json:"depth_score"`
	LastDeepenedAt *time.Time       `json:"last_deepened,omitempty"`
	Connections    Connections      `json:"connections"`
	History        []SynthesisEvent `json:"synthesis_history"`
}

// DaysSinceDeepened returns whole days elapsed since the last synthesis.
// ok is false when the page has never been deepened.
func (s State) DaysSinceDeepened(now time.Time) (days float64, ok bool) {
	if s.LastDeepenedAt == nil {
		return 0, false
	}
	return now.Sub(*s.LastDeepenedAt).Hours() / 24, true
}

// Recount applies freshly computed link counts. Any growth in incoming links
// is added to AddedSinceLastSynthesis; shrinkage never lowers that counter.
func Recount(s *State, outgoing, incoming int) {
	if delta := incoming - s.Connections.Incoming; delta > 0 {
		s.Connections.AddedSinceLastSynthesis += delta
	}
	s.Connections.Incoming = incoming
	s.Connections.Outgoing = outgoing
}

// RecordSynthesis appends an event, bumps the level and resets the growth
// counter. It is the only place AddedSinceLastSynthesis returns to zero.
func RecordSynthesis(s *State, trigger Trigger, notes string, at time.Time, depth float64) {
	s.History = append(s.History, SynthesisEvent{
		Timestamp:       at,
		Trigger:         trigger,
		ConnectionCount: s.Connections.Total(),
		Notes:           notes,
	})
	s.Level++
	s.DepthScore = clamp01(depth)
	t := at
	s.LastDeepenedAt = &t
	s.Connections.AddedSinceLastSynthesis = 0
}

func clamp01(v float64) float64 {
	if v != v || v < 0 { // NaN or negative
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
