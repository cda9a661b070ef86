package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/sessiond/internal/session"
)

func cleanMetrics() session.Metrics {
	return session.Metrics{
		QualityScore:  0.95,
		ToolCalls:     200,
		Errors:        2,
		Verifications: 10,
		EpicsTotal:    5,
		EpicsVerified: 5,
	}
}

func TestEvaluate_CleanSessionPasses(t *testing.T) {
	d := Evaluate(cleanMetrics())
	assert.False(t, d.ShouldReview)
	assert.Empty(t, d.Reasons)
}

func TestEvaluate_LowQualityScore(t *testing.T) {
	m := cleanMetrics()
	m.QualityScore = 0.50

	d := Evaluate(m)
	require.True(t, d.ShouldReview)
	assert.Contains(t, d.Reasons[0], "quality score")
}

func TestEvaluate_HighErrorRate(t *testing.T) {
	m := cleanMetrics()
	m.ToolCalls = 20
	m.Errors = 8

	d := Evaluate(m)
	require.True(t, d.ShouldReview)
	assert.Contains(t, d.Reasons[0], "error rate")
}

func TestEvaluate_AbsoluteErrorCount(t *testing.T) {
	m := cleanMetrics()
	m.ToolCalls = 1000
	m.Errors = 30 // 3% rate is fine, the absolute count is not

	d := Evaluate(m)
	require.True(t, d.ShouldReview)
	assert.Contains(t, d.Reasons[0], "absolute threshold")
}

func TestEvaluate_ScoreErrorMismatch(t *testing.T) {
	m := cleanMetrics()
	m.QualityScore = 0.98
	m.ToolCalls = 1000
	m.Errors = 12

	d := Evaluate(m)
	require.True(t, d.ShouldReview)
	assert.Contains(t, d.Reasons[0], "implausible")
}

func TestEvaluate_PolicyViolations(t *testing.T) {
	m := cleanMetrics()
	m.PolicyViolations = 1

	d := Evaluate(m)
	require.True(t, d.ShouldReview)
	assert.Contains(t, d.Reasons[0], "policy violations")
}

func TestEvaluate_UnverifiedEpics(t *testing.T) {
	m := cleanMetrics()
	m.EpicsTotal = 10
	m.EpicsVerified = 6

	d := Evaluate(m)
	require.True(t, d.ShouldReview)
	assert.Contains(t, d.Reasons[0], "verified")
}

func TestEvaluate_NoEpicsSkipsRatioRule(t *testing.T) {
	m := cleanMetrics()
	m.EpicsTotal = 0
	m.EpicsVerified = 0

	d := Evaluate(m)
	assert.False(t, d.ShouldReview)
}

func TestEvaluate_RepeatedErrorMessage(t *testing.T) {
	m := cleanMetrics()
	m.ErrorMessages = map[string]int{
		"connection refused": 3,
		"one-off":            1,
	}

	d := Evaluate(m)
	require.True(t, d.ShouldReview)
	require.Len(t, d.Reasons, 1)
	assert.Contains(t, d.Reasons[0], "connection refused")
	assert.NotContains(t, d.Reasons[0], "one-off")
}

func TestEvaluate_CollectsEveryFiredRule(t *testing.T) {
	d := Evaluate(session.Metrics{
		QualityScore:     0.10,
		ToolCalls:        10,
		Errors:           30,
		PolicyViolations: 2,
		EpicsTotal:       4,
		EpicsVerified:    0,
		ErrorMessages:    map[string]int{"timeout": 5},
	})

	require.True(t, d.ShouldReview)
	assert.Len(t, d.Reasons, 6)
}

func TestEvaluate_ZeroToolCallsSkipsRateRule(t *testing.T) {
	m := cleanMetrics()
	m.ToolCalls = 0
	m.Errors = 0

	d := Evaluate(m)
	assert.False(t, d.ShouldReview)
}
