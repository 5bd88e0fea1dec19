// internal/detectors/suite.go
package detectors

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
	"github.com/xkilldash9x/pdpwatch/internal/config"
)

// Suite runs detectors one after another against the same page. Order is
// fixed and determines the order results are processed in.
type Suite struct {
	logger    *zap.Logger
	detectors []Detector
}

// NewSuite builds the standard detector suite.
func NewSuite(logger *zap.Logger, cfg config.ScanConfig) *Suite {
	return NewSuiteWith(logger,
		NewAddToCartDetector(logger),
		NewJSErrorDetector(logger),
		NewLiquidErrorDetector(logger),
		NewPriceDetector(logger),
		NewImageDetector(logger),
		NewPageLoadDetector(logger, cfg.SlowLoadThreshold),
	)
}

// NewSuiteWith builds a suite from an explicit detector list.
func NewSuiteWith(logger *zap.Logger, detectors ...Detector) *Suite {
	return &Suite{logger: logger.Named("detectors"), detectors: detectors}
}

// Checks returns the check names in run order.
func (s *Suite) Checks() []string {
	out := make([]string, len(s.detectors))
	for i, d := range s.detectors {
		out[i] = d.CheckName()
	}
	return out
}

// Run executes every detector in order. A failing detector yields an
// inconclusive result and the rest still run. Run stops early only when ctx
// is done, returning the results gathered so far with ctx's error.
func (s *Suite) Run(ctx context.Context, target *Target) ([]schemas.DetectionResult, error) {
	results := make([]schemas.DetectionResult, 0, len(s.detectors))
	for _, d := range s.detectors {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		start := time.Now()
		res := Run(ctx, s.logger, d, target)
		s.logger.Debug("Detector finished.",
			zap.String("check", res.Check),
			zap.String("status", string(res.Status)),
			zap.Float64("confidence", res.Confidence),
			zap.Duration("took", time.Since(start)),
		)
		results = append(results, res)
	}
	return results, nil
}
