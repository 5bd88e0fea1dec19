package issues

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
	"github.com/xkilldash9x/pdpwatch/internal/detectors"
)

var ignoreIssueRefs = cmpopts.IgnoreFields(Outcome{}, "Issue", "Previous", "Reason")

func TestMixedBatchOutcomes(t *testing.T) {
	f := newFixture(t, zap.NewNop())

	got := f.process(t,
		result(detectors.CheckAddToCart, schemas.StatusFail, 1.0),
		result(detectors.CheckPriceVisibility, schemas.StatusPass, 1.0),
		result(detectors.CheckPageLoad, schemas.StatusFail, 0.5),
	)
	want := []Outcome{
		{Check: detectors.CheckAddToCart, IssueType: detectors.IssueMissingAddToCart, Transition: TransitionCreated},
		{Check: detectors.CheckPriceVisibility, IssueType: detectors.IssueMissingPrice, Transition: TransitionIgnored},
		{Check: detectors.CheckPageLoad, IssueType: detectors.IssueSlowPageLoad, Transition: TransitionIgnored},
	}
	if diff := cmp.Diff(want, got, ignoreIssueRefs); diff != "" {
		t.Errorf("first scan outcomes mismatch (-want +got):\n%s", diff)
	}

	f.advance(time.Hour)
	got = f.process(t,
		result(detectors.CheckAddToCart, schemas.StatusPass, 1.0),
		result(detectors.CheckPriceVisibility, schemas.StatusFail, 0.9),
	)
	want = []Outcome{
		{Check: detectors.CheckAddToCart, IssueType: detectors.IssueMissingAddToCart, Transition: TransitionResolved},
		{Check: detectors.CheckPriceVisibility, IssueType: detectors.IssueMissingPrice, Transition: TransitionCreated},
	}
	if diff := cmp.Diff(want, got, ignoreIssueRefs); diff != "" {
		t.Errorf("second scan outcomes mismatch (-want +got):\n%s", diff)
	}

	active := f.active(t)
	wantActive := []schemas.Issue{{
		ProductPageID:   testPage.ID,
		ShopID:          testPage.ShopID,
		IssueType:       detectors.IssueMissingPrice,
		Severity:        schemas.SeverityHigh,
		Status:          schemas.IssueOpen,
		OccurrenceCount: 1,
		FirstDetectedAt: f.now,
		LastDetectedAt:  f.now,
	}}
	opts := cmpopts.IgnoreFields(schemas.Issue{}, "ID", "Title", "Description", "Evidence")
	if diff := cmp.Diff(wantActive, active, opts); diff != "" {
		t.Errorf("active issues mismatch (-want +got):\n%s", diff)
	}
}
