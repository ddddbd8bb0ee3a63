// Package report turns a finished (or aborted) analysis run into the final
// structured artifact: per-trait sections with stability-adjusted
// confidence, the metrics history, and a linear narrative of how the
// profile evolved.
package report

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/pentestfunctions/psychoshit/internal/metrics"
	"github.com/pentestfunctions/psychoshit/internal/profile"
	"github.com/pentestfunctions/psychoshit/internal/store"
)

// TraitSection is one reported dimension. Confidence is the trait's stored
// confidence adjusted by its stability across the last K iterations: a
// settled value gains a bonus, unresolved oscillation is marked down.
type TraitSection struct {
	Value            float64 `json:"value"`
	Confidence       float64 `json:"confidence"`
	StoredConfidence float64 `json:"stored_confidence"`
	Stability        float64 `json:"stability"`
	Rationale        string  `json:"rationale"`
}

// Report is the terminal artifact of one analysis run.
type Report struct {
	RunID     string    `json:"run_id"`
	GuildID   string    `json:"guild_id"`
	SubjectID string    `json:"subject_id"`
	Username  string    `json:"username,omitempty"`
	Partial   bool      `json:"partial"`
	CreatedAt time.Time `json:"created_at"`

	Iterations         int `json:"iterations"`
	DegradedIterations int `json:"degraded_iterations"`

	Traits         map[string]TraitSection `json:"traits"`
	Summary        string                  `json:"summary"`
	Metrics        metrics.Snapshot        `json:"metrics"`
	MetricsHistory []metrics.Snapshot      `json:"metrics_history"`
	Narrative      []string                `json:"narrative"`
}

// Synthesize builds the report from the run's terminal state. The profile
// state chain (ordered by iteration) provides per-iteration trait values for
// stability scoring; records provide the narrative; nothing is re-derived
// that the chain did not capture. window is the number of trailing
// iterations considered for stability.
func Synthesize(run *store.Run, final *profile.State, history []metrics.Snapshot,
	records []store.IterationRecord, chain []store.ProfileStateRow, window int) (*Report, error) {

	if window <= 0 {
		window = 5
	}

	rep := &Report{
		RunID:      run.RunID,
		GuildID:    run.GuildID,
		SubjectID:  run.SubjectID,
		Partial:    run.Status == store.RunStatusAborted,
		CreatedAt:  time.Now().UTC(),
		Iterations: len(records),
		Traits:     make(map[string]TraitSection, len(final.Traits)),
		Summary:    final.Summary,
		Narrative:  narrative(records),
	}

	for _, rec := range records {
		if rec.Status == store.IterationStatusDegraded {
			rep.DegradedIterations++
		}
	}

	if n := len(history); n > 0 {
		rep.Metrics = history[n-1]
		rep.MetricsHistory = history
	}

	series, err := traitSeries(chain)
	if err != nil {
		return nil, err
	}

	for name, trait := range final.Traits {
		stability := stabilityScore(series[name], window)
		rep.Traits[name] = TraitSection{
			Value:            trait.Value,
			StoredConfidence: trait.Confidence,
			Stability:        stability,
			Confidence:       adjustConfidence(trait.Confidence, stability),
			Rationale:        trait.Rationale,
		}
	}

	return rep, nil
}

// traitSeries extracts each trait's value sequence across the state chain.
func traitSeries(chain []store.ProfileStateRow) (map[string][]float64, error) {
	series := make(map[string][]float64)
	for _, row := range chain {
		traits, err := profile.DecodeTraits(row.Traits)
		if err != nil {
			return nil, fmt.Errorf("state %s: %w", row.StateID, err)
		}
		for name, t := range traits {
			series[name] = append(series[name], t.Value)
		}
	}
	return series, nil
}

// stabilityScore maps the standard deviation of a trait's last values onto
// [0, 1]: 1 for a settled value, 0 for a full-range oscillation.
func stabilityScore(values []float64, window int) float64 {
	if len(values) > window {
		values = values[len(values)-window:]
	}
	if len(values) < 2 {
		// A single observation is neither stable nor unstable.
		return 0.5
	}

	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))

	stddev := math.Sqrt(variance)
	return math.Max(0, 1-stddev/0.5)
}

// adjustConfidence blends stored confidence with stability: a fully settled
// trait earns a bonus toward certainty, an oscillating one is discounted.
func adjustConfidence(stored, stability float64) float64 {
	adjusted := stored*(0.75+0.25*stability) + 0.1*stability*(1-stored)
	return math.Min(1, math.Max(0, adjusted))
}

// narrative renders the iteration records as a linear account of how the
// profile evolved.
func narrative(records []store.IterationRecord) []string {
	lines := make([]string, 0, len(records))
	for _, rec := range records {
		line := fmt.Sprintf("iteration %d: %s", rec.ChunkIndex, rec.RequestSummary)
		switch {
		case rec.Status == store.IterationStatusDegraded:
			line += fmt.Sprintf(" - degraded after %d retries", rec.Retries)
		case rec.Retries > 0:
			line += fmt.Sprintf(" - accepted after %d retries", rec.Retries)
		}
		lines = append(lines, line)
	}
	return lines
}

// ToJSON serializes the report artifact.
func (r *Report) ToJSON() (string, error) {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}
	return string(b), nil
}

// RenderText produces the human-readable companion summary.
func (r *Report) RenderText() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Behavioral profile for subject %s (guild %s)\n", r.SubjectID, r.GuildID)
	fmt.Fprintf(&b, "Run %s - %d iterations", r.RunID, r.Iterations)
	if r.DegradedIterations > 0 {
		fmt.Fprintf(&b, " (%d degraded)", r.DegradedIterations)
	}
	if r.Partial {
		b.WriteString(" - PARTIAL: run aborted before completion")
	}
	b.WriteString("\n\n")

	names := make([]string, 0, len(r.Traits))
	for name := range r.Traits {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := r.Traits[name]
		fmt.Fprintf(&b, "%-20s value %+.2f  confidence %.2f  stability %.2f\n",
			name, s.Value, s.Confidence, s.Stability)
		if s.Rationale != "" {
			fmt.Fprintf(&b, "    %s\n", s.Rationale)
		}
	}

	if r.Metrics.MessageCount > 0 {
		fmt.Fprintf(&b, "\nCorpus: %d messages, %d words, %d active days, span %d days\n",
			r.Metrics.MessageCount, r.Metrics.WordCount, len(r.Metrics.ActiveDays), r.Metrics.SpanDays())
		fmt.Fprintf(&b, "Style: profanity %.2f/msg, replies %.0f%%, repeated-char runs %.0f%%, %d channels\n",
			r.Metrics.ProfanityRate(), 100*r.Metrics.ReplyRatio(), 100*r.Metrics.RepeatedCharRatio(), len(r.Metrics.ChannelActivity))
	}

	if r.Summary != "" {
		fmt.Fprintf(&b, "\nAnalyst summary:\n%s\n", r.Summary)
	}

	if len(r.Narrative) > 0 {
		b.WriteString("\nProfile evolution:\n")
		for _, line := range r.Narrative {
			fmt.Fprintf(&b, "  %s\n", line)
		}
	}

	return b.String()
}
