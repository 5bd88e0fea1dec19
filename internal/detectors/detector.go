// internal/detectors/detector.go
package detectors

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
)

// Target is everything a detector may inspect for one scan of one page.
type Target struct {
	Page    schemas.ProductPage
	Mode    schemas.ScanMode
	Session schemas.PageSession
	// Capture is taken once after navigation and shared by all detectors.
	Capture *schemas.ScanCapture
}

// Deep reports whether interaction-based checks should run.
func (t *Target) Deep() bool {
	return t.Mode == schemas.ScanDeep
}

// Detector is the contract every check implements. Detect may return an error
// or even panic; Run turns both into an inconclusive result.
type Detector interface {
	CheckName() string
	Detect(ctx context.Context, target *Target) (schemas.DetectionResult, error)
}

// BaseDetector carries the fields every detector needs. It is meant to be
// embedded.
type BaseDetector struct {
	name   string
	Logger *zap.Logger
}

// NewBaseDetector creates a BaseDetector with a logger named after the check.
func NewBaseDetector(name string, logger *zap.Logger) BaseDetector {
	return BaseDetector{name: name, Logger: logger.Named(name)}
}

// CheckName returns the check identifier.
func (b BaseDetector) CheckName() string {
	return b.name
}

// Run executes d against target. It is the only place where detector errors
// and panics are absorbed, so a broken detector never aborts its siblings.
func Run(ctx context.Context, logger *zap.Logger, d Detector, target *Target) (result schemas.DetectionResult) {
	check := d.CheckName()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Detector panicked.",
				zap.String("check", check),
				zap.Any("panic_value", r),
				zap.String("stack", string(debug.Stack())),
			)
			result = Inconclusive(check, fmt.Sprintf("detector panicked: %v", r))
		}
	}()

	res, err := d.Detect(ctx, target)
	if err != nil {
		logger.Warn("Detector failed.", zap.String("check", check), zap.Error(err))
		return Inconclusive(check, err.Error())
	}
	res.Check = check
	res.Confidence = clamp01(res.Confidence)
	if res.Details.TechnicalDetails == nil {
		res.Details.TechnicalDetails = map[string]any{}
	}
	if res.Details.Evidence == nil {
		res.Details.Evidence = schemas.Evidence{}
	}
	if res.Details.Suggestions == nil {
		res.Details.Suggestions = []string{}
	}
	return res
}

// NewResult builds a result with initialized detail maps.
func NewResult(check string, status schemas.CheckStatus, confidence float64, message string) schemas.DetectionResult {
	return schemas.DetectionResult{
		Check:      check,
		Status:     status,
		Confidence: confidence,
		Details: schemas.ResultDetails{
			Message:          message,
			TechnicalDetails: map[string]any{},
			Suggestions:      []string{},
			Evidence:         schemas.Evidence{},
		},
	}
}

// Inconclusive is the neutral result for a check that could not reach a verdict.
func Inconclusive(check, message string) schemas.DetectionResult {
	return NewResult(check, schemas.StatusInconclusive, 0, message)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
