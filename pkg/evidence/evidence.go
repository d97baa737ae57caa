// Package evidence validates candidate supplements against the
// published research record before the discovery worker admits them to
// the index. Validation asks one question: how many studies mention
// this compound? The study count maps to a letter grade, and compounds
// with no evidence at all are rejected outright so garbage queries
// ("asdfgh", brand slogans) never become records.
package evidence

import (
	"context"
	"errors"
)

// Grading thresholds. Any compound with at least one study is admitted;
// below PreferredStudies it is flagged low-confidence. Being unproven is
// not the same as being invalid.
const (
	GradeAThreshold = 100
	GradeBThreshold = 50
	GradeCThreshold = 10

	// PreferredStudies is the confidence floor. Admitted candidates
	// below it are inserted flagged low-confidence.
	PreferredStudies = 10
)

// ErrNoEvidence is returned when a candidate has zero supporting
// studies. Terminal: the discovery item fails without retries.
var ErrNoEvidence = errors.New("evidence: no supporting studies found")

// Result is the outcome of validating one candidate.
type Result struct {
	// StudyCount is the number of studies matching the candidate.
	StudyCount int `json:"study_count"`

	// Grade is the letter grade derived from StudyCount: A, B, C or D.
	Grade string `json:"grade"`

	// LowConfidence marks admitted candidates with a study count below
	// PreferredStudies.
	LowConfidence bool `json:"low_confidence"`
}

// Validator checks a candidate supplement name against an evidence
// source. Implementations must be safe for concurrent use.
type Validator interface {
	// Validate returns the evidence result for a candidate name, or
	// ErrNoEvidence when the candidate has no supporting studies.
	Validate(ctx context.Context, name string) (*Result, error)
}

// GradeFor maps a study count to a letter grade.
func GradeFor(studyCount int) string {
	switch {
	case studyCount >= GradeAThreshold:
		return "A"
	case studyCount >= GradeBThreshold:
		return "B"
	case studyCount >= GradeCThreshold:
		return "C"
	default:
		return "D"
	}
}

// Evaluate turns a raw study count into a Result. Only a count of zero
// rejects; any supporting evidence admits the candidate, flagged
// low-confidence below the confidence floor.
func Evaluate(studyCount int) (*Result, error) {
	if studyCount <= 0 {
		return nil, ErrNoEvidence
	}
	return &Result{
		StudyCount:    studyCount,
		Grade:         GradeFor(studyCount),
		LowConfidence: studyCount < PreferredStudies,
	}, nil
}

// StaticValidator serves validations from a fixed table. Used in tests
// and for offline operation with a pre-vetted compound list.
type StaticValidator struct {
	// Counts maps lowercase candidate names to study counts. Names
	// absent from the map validate with zero studies.
	Counts map[string]int
}

// Validate looks the candidate up in the static table.
func (v *StaticValidator) Validate(_ context.Context, name string) (*Result, error) {
	return Evaluate(v.Counts[name])
}
