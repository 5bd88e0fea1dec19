package issues

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
	"github.com/xkilldash9x/pdpwatch/internal/detectors"
	"github.com/xkilldash9x/pdpwatch/internal/store"
)

var testPage = schemas.ProductPage{ID: "page-1", ShopID: "shop-1", URL: "https://shop.test/products/tee"}

type fixture struct {
	engine *Engine
	repo   *store.Memory
	now    time.Time
	seq    int
}

func newFixture(t *testing.T, logger *zap.Logger) *fixture {
	t.Helper()
	f := &fixture{
		repo: store.NewMemory(zap.NewNop()),
		now:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.engine = NewEngine(logger, f.repo,
		WithClock(func() time.Time { return f.now }),
		WithIDGenerator(func() string {
			f.seq++
			return fmt.Sprintf("iss-%d", f.seq)
		}),
	)
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) process(t *testing.T, results ...schemas.DetectionResult) []Outcome {
	t.Helper()
	out, err := f.engine.Process(context.Background(), testPage, results)
	require.NoError(t, err)
	return out
}

func (f *fixture) active(t *testing.T) []schemas.Issue {
	t.Helper()
	issues, err := f.repo.ListActiveIssues(context.Background(), testPage.ID)
	require.NoError(t, err)
	return issues
}

func result(check string, status schemas.CheckStatus, confidence float64) schemas.DetectionResult {
	return detectors.NewResult(check, status, confidence, "test")
}

func TestMissingAddToCartCreatesHighIssue(t *testing.T) {
	f := newFixture(t, zap.NewNop())

	out := f.process(t, result(detectors.CheckAddToCart, schemas.StatusFail, 1.0))
	require.Len(t, out, 1)
	assert.Equal(t, TransitionCreated, out[0].Transition)

	active := f.active(t)
	require.Len(t, active, 1)
	is := active[0]
	assert.Equal(t, detectors.IssueMissingAddToCart, is.IssueType)
	assert.Equal(t, schemas.SeverityHigh, is.Severity)
	assert.Equal(t, 1, is.OccurrenceCount)
	assert.Equal(t, schemas.IssueOpen, is.Status)
	assert.Equal(t, f.now, is.FirstDetectedAt)
	assert.NotEmpty(t, is.Evidence)
}

func TestWarningMapsToMediumSeverity(t *testing.T) {
	f := newFixture(t, zap.NewNop())

	f.process(t, result(detectors.CheckLiquidErrors, schemas.StatusWarning, 0.9))

	active := f.active(t)
	require.Len(t, active, 1)
	assert.Equal(t, detectors.IssueLiquidError, active[0].IssueType)
	assert.Equal(t, schemas.SeverityMedium, active[0].Severity)
}

func TestLowConfidenceIsLoggedNotStored(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	f := newFixture(t, zap.New(core))

	out := f.process(t, result(detectors.CheckJSErrors, schemas.StatusWarning, 0.5))
	require.Len(t, out, 1)
	assert.Equal(t, TransitionIgnored, out[0].Transition)
	assert.False(t, out[0].Changed())
	assert.Empty(t, f.active(t))
	assert.Equal(t, 1, logs.FilterMessage("Low-confidence detection logged without state change.").Len())
}

func TestSlowLoadThenRecovery(t *testing.T) {
	f := newFixture(t, zap.NewNop())

	f.process(t, result(detectors.CheckPageLoad, schemas.StatusWarning, 0.9))
	active := f.active(t)
	require.Len(t, active, 1)
	assert.Equal(t, schemas.SeverityLow, active[0].Severity)
	id := active[0].ID

	f.advance(time.Hour)
	out := f.process(t, result(detectors.CheckPageLoad, schemas.StatusPass, 1.0))
	require.Len(t, out, 1)
	assert.Equal(t, TransitionResolved, out[0].Transition)
	assert.Empty(t, f.active(t))

	resolved, err := f.repo.GetIssue(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, schemas.IssueResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, f.now, *resolved.ResolvedAt)
}

func TestEscalationIsInPlace(t *testing.T) {
	f := newFixture(t, zap.NewNop())

	f.process(t, result(detectors.CheckLiquidErrors, schemas.StatusWarning, 0.9))
	first := f.active(t)[0]

	// A cached verdict on the medium issue must not survive escalation.
	verdictTarget := first
	require.NoError(t, f.engine.RecordVerdict(context.Background(), &verdictTarget, schemas.AIVerdict{Confirmed: false, Confidence: 0.8}))

	f.advance(time.Minute)
	out := f.process(t, result(detectors.CheckLiquidErrors, schemas.StatusFail, 0.95))
	require.Len(t, out, 1)
	assert.Equal(t, TransitionEscalated, out[0].Transition)

	active := f.active(t)
	require.Len(t, active, 1)
	is := active[0]
	assert.Equal(t, first.ID, is.ID)
	assert.Equal(t, schemas.SeverityHigh, is.Severity)
	assert.Equal(t, 2, is.OccurrenceCount)
	assert.Equal(t, first.FirstDetectedAt, is.FirstDetectedAt)
	assert.Equal(t, f.now, is.LastDetectedAt)
	assert.False(t, is.AIVerified())
}

func TestDeescalationReplacesIssue(t *testing.T) {
	f := newFixture(t, zap.NewNop())

	f.process(t, result(detectors.CheckJSErrors, schemas.StatusFail, 0.95))
	f.process(t, result(detectors.CheckJSErrors, schemas.StatusFail, 0.95))
	high := f.active(t)[0]
	require.Equal(t, 2, high.OccurrenceCount)

	f.advance(time.Minute)
	out := f.process(t, result(detectors.CheckJSErrors, schemas.StatusWarning, 0.8))
	require.Len(t, out, 1)
	assert.Equal(t, TransitionDeescalated, out[0].Transition)
	require.NotNil(t, out[0].Previous)
	assert.Equal(t, high.ID, out[0].Previous.ID)

	active := f.active(t)
	require.Len(t, active, 1)
	assert.NotEqual(t, high.ID, active[0].ID)
	assert.Equal(t, schemas.SeverityMedium, active[0].Severity)
	assert.Equal(t, 1, active[0].OccurrenceCount)

	old, err := f.repo.GetIssue(context.Background(), high.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.IssueResolved, old.Status)
}

func TestSameSeverityRefreshes(t *testing.T) {
	f := newFixture(t, zap.NewNop())

	for i := 0; i < 3; i++ {
		f.process(t, result(detectors.CheckPriceVisibility, schemas.StatusFail, 1.0))
		f.advance(time.Minute)
	}
	active := f.active(t)
	require.Len(t, active, 1)
	assert.Equal(t, 3, active[0].OccurrenceCount)
	assert.True(t, active[0].LastDetectedAt.After(active[0].FirstDetectedAt))
}

func TestAtMostOneActiveIssuePerType(t *testing.T) {
	f := newFixture(t, zap.NewNop())
	sequence := []schemas.DetectionResult{
		result(detectors.CheckJSErrors, schemas.StatusWarning, 0.8),
		result(detectors.CheckJSErrors, schemas.StatusFail, 0.9),
		result(detectors.CheckJSErrors, schemas.StatusWarning, 0.8),
		result(detectors.CheckJSErrors, schemas.StatusWarning, 0.8),
		result(detectors.CheckJSErrors, schemas.StatusInconclusive, 0),
		result(detectors.CheckJSErrors, schemas.StatusFail, 0.9),
	}
	for _, r := range sequence {
		f.process(t, r)
		f.advance(time.Minute)
		assert.LessOrEqual(t, len(f.active(t)), 1)
	}
}

func TestInconclusiveNeverResolves(t *testing.T) {
	f := newFixture(t, zap.NewNop())

	f.process(t, result(detectors.CheckPriceVisibility, schemas.StatusFail, 1.0))
	out := f.process(t, detectors.Inconclusive(detectors.CheckPriceVisibility, "Detector failed."))
	require.Len(t, out, 1)
	assert.Equal(t, TransitionIgnored, out[0].Transition)
	assert.Len(t, f.active(t), 1)
}

func TestSiblingTypesAreSuperseded(t *testing.T) {
	f := newFixture(t, zap.NewNop())

	f.process(t, result(detectors.CheckAddToCart, schemas.StatusFail, 1.0))

	broken := result(detectors.CheckAddToCart, schemas.StatusFail, 0.9)
	broken.IssueType = detectors.IssueAddToCartBroken
	out := f.process(t, broken)
	require.Len(t, out, 2)
	assert.Equal(t, TransitionResolved, out[0].Transition)
	assert.Equal(t, detectors.IssueMissingAddToCart, out[0].IssueType)
	assert.Equal(t, TransitionCreated, out[1].Transition)

	active := f.active(t)
	require.Len(t, active, 1)
	assert.Equal(t, detectors.IssueAddToCartBroken, active[0].IssueType)

	// A pass clears every type the check owns.
	f.process(t, result(detectors.CheckAddToCart, schemas.StatusPass, 1.0))
	assert.Empty(t, f.active(t))
}

func TestPassWithNothingActiveIsIgnored(t *testing.T) {
	f := newFixture(t, zap.NewNop())
	out := f.process(t, result(detectors.CheckProductImages, schemas.StatusPass, 1.0))
	require.Len(t, out, 1)
	assert.Equal(t, TransitionIgnored, out[0].Transition)
}

func TestUnknownCheckIgnored(t *testing.T) {
	f := newFixture(t, zap.NewNop())
	out := f.process(t, result("made_up", schemas.StatusFail, 1.0))
	require.Len(t, out, 1)
	assert.Equal(t, TransitionIgnored, out[0].Transition)
	assert.Empty(t, f.active(t))
}

func TestAcknowledgedIssueIsResolvedByPass(t *testing.T) {
	f := newFixture(t, zap.NewNop())
	ctx := context.Background()

	f.process(t, result(detectors.CheckPriceVisibility, schemas.StatusFail, 1.0))
	id := f.active(t)[0].ID

	is, err := f.engine.Acknowledge(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schemas.IssueAcknowledged, is.Status)

	_, err = f.engine.Acknowledge(ctx, id)
	assert.ErrorIs(t, err, schemas.ErrInvalidTransition)

	// Still active: a repeat detection refreshes instead of creating.
	out := f.process(t, result(detectors.CheckPriceVisibility, schemas.StatusFail, 1.0))
	assert.Equal(t, TransitionRefreshed, out[0].Transition)
	assert.Equal(t, schemas.IssueAcknowledged, f.active(t)[0].Status)

	f.process(t, result(detectors.CheckPriceVisibility, schemas.StatusPass, 1.0))
	assert.Empty(t, f.active(t))
}

func TestThresholdOption(t *testing.T) {
	f := newFixture(t, zap.NewNop())
	f.engine = NewEngine(zap.NewNop(), f.repo, WithThreshold(0.4))

	f.process(t, result(detectors.CheckJSErrors, schemas.StatusWarning, 0.5))
	assert.Len(t, f.active(t), 1)
}

func TestProcessAIFindings(t *testing.T) {
	f := newFixture(t, zap.NewNop())
	ctx := context.Background()

	findings := []schemas.AIFinding{
		{Type: "Broken Layout", Severity: "critical", Title: "Layout overlaps buy box", Confidence: 0.85},
		{Type: "faint text", Severity: schemas.SeverityLow, Confidence: 0.4},
	}
	out, err := f.engine.ProcessAIFindings(ctx, testPage, findings, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, TransitionCreated, out[0].Transition)
	assert.Equal(t, TransitionIgnored, out[1].Transition)

	active := f.active(t)
	require.Len(t, active, 1)
	assert.Equal(t, "ai_visual:broken_layout", active[0].IssueType)
	assert.Equal(t, schemas.SeverityHigh, active[0].Severity)
	assert.True(t, active[0].IsAIConfirmed())

	// Programmatic issues are untouched by AI resolution.
	f.process(t, result(detectors.CheckPriceVisibility, schemas.StatusFail, 1.0))

	out, err = f.engine.ProcessAIFindings(ctx, testPage, nil, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, TransitionResolved, out[0].Transition)

	active = f.active(t)
	require.Len(t, active, 1)
	assert.Equal(t, detectors.IssueMissingPrice, active[0].IssueType)
}

func TestProcessAIFindings_LowConfidenceRepeatKeepsIssueOpen(t *testing.T) {
	f := newFixture(t, zap.NewNop())
	ctx := context.Background()

	_, err := f.engine.ProcessAIFindings(ctx, testPage, []schemas.AIFinding{
		{Type: "broken_layout", Severity: schemas.SeverityHigh, Confidence: 0.9},
	}, nil)
	require.NoError(t, err)
	require.Len(t, f.active(t), 1)

	t.Run("reported below threshold", func(t *testing.T) {
		out, err := f.engine.ProcessAIFindings(ctx, testPage, []schemas.AIFinding{
			{Type: "broken_layout", Severity: schemas.SeverityHigh, Confidence: 0.6},
		}, nil)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, TransitionIgnored, out[0].Transition)

		active := f.active(t)
		require.Len(t, active, 1)
		assert.Equal(t, 1, active[0].OccurrenceCount)
	})

	t.Run("withheld upstream", func(t *testing.T) {
		out, err := f.engine.ProcessAIFindings(ctx, testPage, nil, []string{"broken_layout"})
		require.NoError(t, err)
		assert.Empty(t, out)
		require.Len(t, f.active(t), 1)
	})

	t.Run("not reported at all", func(t *testing.T) {
		out, err := f.engine.ProcessAIFindings(ctx, testPage, nil, []string{"faint_text"})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, TransitionResolved, out[0].Transition)
		assert.Empty(t, f.active(t))
	})
}

func TestRecordVerdict(t *testing.T) {
	f := newFixture(t, zap.NewNop())
	ctx := context.Background()

	f.process(t, result(detectors.CheckJSErrors, schemas.StatusFail, 0.95))
	is := f.active(t)[0]

	err := f.engine.RecordVerdict(ctx, &is, schemas.AIVerdict{
		Confirmed:    true,
		Confidence:   0.9,
		Reasoning:    "checkout script throws",
		SuggestedFix: "remove the stale app embed",
	})
	require.NoError(t, err)

	stored, err := f.repo.GetIssue(ctx, is.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsAIConfirmed())
	assert.Equal(t, "remove the stale app embed", stored.AISuggestedFix)
	require.NotNil(t, stored.AIVerifiedAt)
	assert.Equal(t, f.now, *stored.AIVerifiedAt)
}

func TestPageHealth(t *testing.T) {
	open := func(sev schemas.Severity) schemas.Issue {
		return schemas.Issue{Severity: sev, Status: schemas.IssueOpen}
	}
	assert.Equal(t, schemas.PageHealthy, PageHealth(nil))
	assert.Equal(t, schemas.PageWarning, PageHealth([]schemas.Issue{open(schemas.SeverityLow)}))
	assert.Equal(t, schemas.PageCritical, PageHealth([]schemas.Issue{open(schemas.SeverityLow), open(schemas.SeverityHigh)}))
	assert.Equal(t, schemas.PageHealthy, PageHealth([]schemas.Issue{{Severity: schemas.SeverityHigh, Status: schemas.IssueResolved}}))

	counts := CountBySeverity([]schemas.Issue{open(schemas.SeverityHigh), open(schemas.SeverityHigh), open(schemas.SeverityLow)})
	assert.Equal(t, 2, counts[schemas.SeverityHigh])
	assert.Equal(t, 1, counts[schemas.SeverityLow])
}
