package analyzer

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/pentestfunctions/psychoshit/pkg/errors"

	"github.com/pentestfunctions/psychoshit/internal/profile"
)

// SchemaVersion is the partial-assessment wire schema this build accepts.
const SchemaVersion = 1

// TraitAssessment is one trait's observation in a service response.
type TraitAssessment struct {
	Value      float64 `json:"value"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Assessment is the validated partial assessment for one chunk.
type Assessment struct {
	Version int                        `json:"version"`
	Traits  map[string]TraitAssessment `json:"traits"`
	Summary string                     `json:"summary"`
}

// Observations converts the assessment into profile merge observations.
func (a *Assessment) Observations() []profile.Observation {
	obs := make([]profile.Observation, 0, len(a.Traits))
	for _, name := range profile.TraitNames {
		t, ok := a.Traits[name]
		if !ok {
			continue
		}
		obs = append(obs, profile.Observation{
			Name:       name,
			Value:      t.Value,
			Confidence: t.Confidence,
			Rationale:  t.Rationale,
		})
	}
	return obs
}

// parseAssessment decodes and validates a raw service response. The service
// is an untrusted boundary: unknown traits, missing traits, and out-of-range
// values are all schema violations, never silently ignored.
func parseAssessment(raw string) (*Assessment, error) {
	var a Assessment
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, apperrors.NewSchemaViolation("body", fmt.Sprintf("response is not valid JSON: %v", err))
	}

	if a.Version != SchemaVersion {
		return nil, apperrors.NewSchemaViolation("version",
			fmt.Sprintf("expected schema version %d, got %d", SchemaVersion, a.Version))
	}

	required := make(map[string]bool, len(profile.TraitNames))
	for _, name := range profile.TraitNames {
		required[name] = true
	}

	for name, t := range a.Traits {
		if !required[name] {
			return nil, apperrors.NewSchemaViolation(name, "unknown trait")
		}
		if t.Value < -1 || t.Value > 1 {
			return nil, apperrors.NewSchemaViolation(name, fmt.Sprintf("value %.3f out of range [-1, 1]", t.Value))
		}
		if t.Confidence < 0 || t.Confidence > 1 {
			return nil, apperrors.NewSchemaViolation(name, fmt.Sprintf("confidence %.3f out of range [0, 1]", t.Confidence))
		}
	}

	for _, name := range profile.TraitNames {
		if _, ok := a.Traits[name]; !ok {
			return nil, apperrors.NewSchemaViolation(name, "missing required trait")
		}
	}

	return &a, nil
}
