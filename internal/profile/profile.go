// Package profile holds the accumulated behavioral assessment for one
// subject. States are immutable: each merge produces a new State linked to
// its parent, so a run builds a forward-only, auditable chain.
package profile

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Named behavioral dimensions. Every analyzer response must assess exactly
// this set.
const (
	TraitFormality          = "formality"
	TraitPositivity         = "positivity"
	TraitEngagement         = "engagement"
	TraitAssertiveness      = "assertiveness"
	TraitHumor              = "humor"
	TraitEmotionalStability = "emotional_stability"
	TraitOpenness           = "openness"
)

// TraitNames is the required trait set, in canonical order.
var TraitNames = []string{
	TraitFormality,
	TraitPositivity,
	TraitEngagement,
	TraitAssertiveness,
	TraitHumor,
	TraitEmotionalStability,
	TraitOpenness,
}

// Merge tuning. Observations within AgreeThreshold of the running value earn
// the consistency bonus; a gap of SharpThreshold or more is a contradiction
// and the combined confidence is cut to SharpPenalty of its value.
const (
	AgreeThreshold = 0.25
	SharpThreshold = 1.0
	SharpPenalty   = 0.6

	// DegradedConfidence is assigned to observations accepted after
	// validation retries exhausted.
	DegradedConfidence = 0.1
)

// Trait is one assessed dimension: value in [-1, 1], confidence in [0, 1].
type Trait struct {
	Value      float64 `json:"value"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Observation is one trait assessment returned by the analysis service for
// a single chunk.
type Observation struct {
	Name       string
	Value      float64
	Confidence float64
	Rationale  string
}

// State is the profile after a given iteration.
type State struct {
	ID        string
	ParentID  string
	Iteration int
	Traits    map[string]Trait
	Summary   string
	CreatedAt time.Time
}

// NewState creates the empty initial state for a run.
func NewState() *State {
	return &State{
		ID:        uuid.NewString(),
		Iteration: -1,
		Traits:    make(map[string]Trait),
		CreatedAt: time.Now().UTC(),
	}
}

// Merge combines the previous state with a chunk's observations into a new
// state. The previous state is not modified.
//
// Values merge confidence-weighted, so the higher-confidence source
// dominates. Confidence combines noisy-or style, with a penalty when the new
// observation disagrees sharply with the running estimate: an agreeing
// observation never lowers a trait's confidence, a contradicting one yields
// a measurable drop.
func (s *State) Merge(iteration int, obs []Observation, summary string) *State {
	next := &State{
		ID:        uuid.NewString(),
		ParentID:  s.ID,
		Iteration: iteration,
		Traits:    make(map[string]Trait, len(s.Traits)),
		Summary:   summary,
		CreatedAt: time.Now().UTC(),
	}
	for name, trait := range s.Traits {
		next.Traits[name] = trait
	}

	for _, o := range obs {
		prev, seen := next.Traits[o.Name]
		if !seen || prev.Confidence <= 0 {
			next.Traits[o.Name] = Trait{
				Value:      clamp(o.Value, -1, 1),
				Confidence: clamp(o.Confidence, 0, 1),
				Rationale:  o.Rationale,
			}
			continue
		}
		next.Traits[o.Name] = mergeTrait(prev, o)
	}

	return next
}

func mergeTrait(prev Trait, o Observation) Trait {
	wPrev := clamp(prev.Confidence, 0, 1)
	wNew := clamp(o.Confidence, 0, 1)
	newValue := clamp(o.Value, -1, 1)

	var value float64
	if wPrev+wNew > 0 {
		value = (prev.Value*wPrev + newValue*wNew) / (wPrev + wNew)
	} else {
		value = (prev.Value + newValue) / 2
	}

	// Noisy-or combination: never below either input, so consistent
	// observations keep confidence non-decreasing.
	combined := 1 - (1-wPrev)*(1-wNew)

	diff := math.Abs(prev.Value - newValue)
	switch {
	case diff <= AgreeThreshold:
		// consistency bonus is the undiminished noisy-or
	case diff >= SharpThreshold:
		combined *= SharpPenalty
	default:
		// Linear ramp between bonus and penalty.
		frac := (diff - AgreeThreshold) / (SharpThreshold - AgreeThreshold)
		combined *= 1 - (1-SharpPenalty)*frac
	}

	rationale := prev.Rationale
	if wNew >= wPrev && o.Rationale != "" {
		rationale = o.Rationale
	}

	return Trait{
		Value:      clamp(value, -1, 1),
		Confidence: clamp(combined, 0, 1),
		Rationale:  rationale,
	}
}

// CompactSummary renders a short profile digest for analysis prompts:
// the carried narrative summary plus one line per assessed trait.
func (s *State) CompactSummary() string {
	var b strings.Builder
	if s.Summary != "" {
		b.WriteString(s.Summary)
		b.WriteString("\n")
	}
	if len(s.Traits) == 0 {
		b.WriteString("(no traits assessed yet)")
		return b.String()
	}

	names := make([]string, 0, len(s.Traits))
	for name := range s.Traits {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := s.Traits[name]
		fmt.Fprintf(&b, "%s: %.2f (confidence %.2f)\n", name, t.Value, t.Confidence)
	}
	return strings.TrimRight(b.String(), "\n")
}

// EncodeTraits serializes the trait map for persistence.
func (s *State) EncodeTraits() (string, error) {
	b, err := json.Marshal(s.Traits)
	if err != nil {
		return "", fmt.Errorf("failed to encode traits: %w", err)
	}
	return string(b), nil
}

// DecodeTraits deserializes a persisted trait map.
func DecodeTraits(raw string) (map[string]Trait, error) {
	traits := make(map[string]Trait)
	if raw == "" {
		return traits, nil
	}
	if err := json.Unmarshal([]byte(raw), &traits); err != nil {
		return nil, fmt.Errorf("failed to decode traits: %w", err)
	}
	return traits, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
