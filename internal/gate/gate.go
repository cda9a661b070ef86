// Package gate decides whether a completed session's metrics warrant a
// human review. Evaluation is a pure function; acting on the decision is
// the caller's job.
package gate

import (
	"fmt"
	"sort"

	"github.com/fyrsmithlabs/sessiond/internal/session"
)

// Review thresholds. Any single rule firing triggers review.
const (
	// MinQualityScore is the floor below which a session is reviewed.
	MinQualityScore = 0.70

	// MaxErrorRate is the tolerated ratio of errors to tool calls.
	MaxErrorRate = 0.20

	// MaxErrorCount is the absolute error ceiling regardless of rate.
	MaxErrorCount = 25

	// MismatchScoreFloor and MismatchErrorCount catch implausible
	// self-reports: a high score alongside a high error count.
	MismatchScoreFloor = 0.90
	MismatchErrorCount = 10

	// MaxPolicyViolations is the tolerated policy violation count.
	MaxPolicyViolations = 0

	// MinVerifiedRatio is the floor for verified epics out of total.
	MinVerifiedRatio = 0.80

	// RepeatedErrorThreshold flags the same error message recurring this
	// many times within one session.
	RepeatedErrorThreshold = 3
)

// Decision is the outcome of evaluating one session's metrics.
type Decision struct {
	ShouldReview bool     `json:"should_review"`
	Reasons      []string `json:"reasons,omitempty"`
}

// Evaluate applies every review rule to the metrics and collects the
// reasons that fired. It has no side effects.
func Evaluate(m session.Metrics) Decision {
	var reasons []string

	if m.QualityScore < MinQualityScore {
		reasons = append(reasons, fmt.Sprintf(
			"quality score %.2f below floor %.2f", m.QualityScore, MinQualityScore))
	}

	if m.ToolCalls > 0 {
		rate := float64(m.Errors) / float64(m.ToolCalls)
		if rate > MaxErrorRate {
			reasons = append(reasons, fmt.Sprintf(
				"error rate %.0f%% exceeds %.0f%%", rate*100, MaxErrorRate*100))
		}
	}

	if m.Errors > MaxErrorCount {
		reasons = append(reasons, fmt.Sprintf(
			"%d errors exceed absolute threshold %d", m.Errors, MaxErrorCount))
	}

	if m.QualityScore >= MismatchScoreFloor && m.Errors >= MismatchErrorCount {
		reasons = append(reasons, fmt.Sprintf(
			"score %.2f implausible alongside %d errors", m.QualityScore, m.Errors))
	}

	if m.PolicyViolations > MaxPolicyViolations {
		reasons = append(reasons, fmt.Sprintf(
			"%d policy violations", m.PolicyViolations))
	}

	if m.EpicsTotal > 0 {
		ratio := float64(m.EpicsVerified) / float64(m.EpicsTotal)
		if ratio < MinVerifiedRatio {
			reasons = append(reasons, fmt.Sprintf(
				"only %d of %d epics verified (%.0f%% < %.0f%%)",
				m.EpicsVerified, m.EpicsTotal, ratio*100, MinVerifiedRatio*100))
		}
	}

	reasons = append(reasons, repeatedErrors(m.ErrorMessages)...)

	return Decision{
		ShouldReview: len(reasons) > 0,
		Reasons:      reasons,
	}
}

// repeatedErrors reports messages that recurred at or past the threshold,
// in deterministic order for stable output.
func repeatedErrors(messages map[string]int) []string {
	var repeated []string
	for msg, count := range messages {
		if count >= RepeatedErrorThreshold {
			repeated = append(repeated, fmt.Sprintf(
				"error %q repeated %d times", msg, count))
		}
	}
	sort.Strings(repeated)
	return repeated
}
