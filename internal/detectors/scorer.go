// internal/detectors/scorer.go
package detectors

// Scorer turns the discrete validations a detector performs into a
// reproducible confidence value.
type Scorer struct {
	passed   int
	total    int
	override *float64
}

// RecordValidation records the outcome of one validation.
func (s *Scorer) RecordValidation(passed bool) {
	s.total++
	if passed {
		s.passed++
	}
}

// OverrideConfidence pins the confidence to v, for a single signal strong
// enough to dominate the tally.
func (s *Scorer) OverrideConfidence(v float64) {
	v = clamp01(v)
	s.override = &v
}

// Confidence is passed/total unless overridden. With no validations it is 0.
func (s *Scorer) Confidence() float64 {
	if s.override != nil {
		return *s.override
	}
	if s.total == 0 {
		return 0
	}
	return float64(s.passed) / float64(s.total)
}

// Counts returns the raw tally for evidence.
func (s *Scorer) Counts() (passed, total int) {
	return s.passed, s.total
}

// Overridden reports whether OverrideConfidence was called.
func (s *Scorer) Overridden() bool {
	return s.override != nil
}

func (s *Scorer) technicalDetails() map[string]any {
	return map[string]any{
		"validations_passed": s.passed,
		"validations_total":  s.total,
		"confidence_pinned":  s.override != nil,
	}
}
