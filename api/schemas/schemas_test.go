package schemas_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
)

var verifiedAt = time.Date(2026, 4, 2, 9, 30, 15, 0, time.UTC)

func TestSeverity(t *testing.T) {
	assert.Greater(t, schemas.SeverityHigh.Rank(), schemas.SeverityMedium.Rank())
	assert.Greater(t, schemas.SeverityMedium.Rank(), schemas.SeverityLow.Rank())
	assert.Equal(t, 0, schemas.Severity("bogus").Rank())

	tests := []struct {
		in   string
		want schemas.Severity
		ok   bool
	}{
		{"high", schemas.SeverityHigh, true},
		{"medium", schemas.SeverityMedium, true},
		{"low", schemas.SeverityLow, true},
		{"critical", schemas.SeverityHigh, true},
		{"HIGH", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := schemas.ParseSeverity(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestIssueStatusActive(t *testing.T) {
	assert.True(t, schemas.IssueOpen.Active())
	assert.True(t, schemas.IssueAcknowledged.Active())
	assert.False(t, schemas.IssueResolved.Active())
}

func TestAIVerdictApplyAndClear(t *testing.T) {
	now := verifiedAt
	var is schemas.Issue
	assert.False(t, is.AIVerified())
	assert.False(t, is.IsAIConfirmed())

	v := schemas.AIVerdict{Confirmed: true, Confidence: 0.82, Reasoning: "price hidden", SuggestedFix: "fix css", VerifiedAt: now}
	v.Apply(&is)
	require.NotNil(t, is.AIConfidence)
	assert.True(t, is.AIVerified())
	assert.True(t, is.IsAIConfirmed())
	assert.Equal(t, 0.82, *is.AIConfidence)
	assert.Equal(t, now, *is.AIVerifiedAt)

	// The issue holds copies, not pointers into the verdict.
	v.Confirmed = false
	assert.True(t, is.IsAIConfirmed())

	is.ClearAI()
	assert.False(t, is.AIVerified())
	assert.Nil(t, is.AIConfidence)
	assert.Empty(t, is.AISuggestedFix)
}

func TestDetectionResultEvidence(t *testing.T) {
	res := schemas.DetectionResult{Check: "price_visibility", Status: schemas.StatusFail, Confidence: 0.9}
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(res.MarshalEvidence(), &decoded))
	assert.Equal(t, "price_visibility", decoded["check"])
	assert.Equal(t, "fail", decoded["status"])
}

func TestCheckStatusProblem(t *testing.T) {
	assert.True(t, schemas.StatusFail.IsProblem())
	assert.True(t, schemas.StatusWarning.IsProblem())
	assert.False(t, schemas.StatusPass.IsProblem())
	assert.False(t, schemas.StatusInconclusive.IsProblem())
}

func TestNavigationError(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := fmt.Errorf("scan: %w", &schemas.NavigationError{Reason: schemas.NavConnection, URL: "https://shop.example", Err: cause})

	navErr, ok := schemas.AsNavigationError(err)
	require.True(t, ok)
	assert.Equal(t, schemas.NavConnection, navErr.Reason)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "(connection)")

	status := &schemas.NavigationError{Reason: schemas.NavHTTPStatus, URL: "https://shop.example", StatusCode: 503}
	assert.Contains(t, status.Error(), "http status 503")

	_, ok = schemas.AsNavigationError(errors.New("other"))
	assert.False(t, ok)
}

func TestCartStateKeys(t *testing.T) {
	c := schemas.CartState{ItemCount: 3, Items: []schemas.CartItem{{Key: "a:1", Quantity: 1}, {Key: "b:2", Quantity: 2}}}
	assert.Equal(t, map[string]int{"a:1": 1, "b:2": 2}, c.Keys())
}
