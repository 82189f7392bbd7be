package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testThresholds = Thresholds{Low: 0.3, Review: 0.7, Critical: 0.9}

func TestDecide(t *testing.T) {
	tests := []struct {
		name         string
		score        float64
		wantLevel    RiskLevel
		wantOutcome  DecisionOutcome
		wantPriority ReviewPriority
	}{
		{"well below low", 0.05, RiskLevelLow, OutcomeCleared, 0},
		{"at low threshold", 0.3, RiskLevelLow, OutcomeCleared, 0},
		{"monitored band", 0.5, RiskLevelMedium, OutcomeCleared, 0},
		{"at review threshold", 0.7, RiskLevelMedium, OutcomeCleared, 0},
		{"just above review threshold", 0.71, RiskLevelHigh, OutcomeEscalated, PriorityHigh},
		{"lower half of review band", 0.75, RiskLevelHigh, OutcomeEscalated, PriorityHigh},
		{"upper half of review band", 0.85, RiskLevelHigh, OutcomeEscalated, PriorityHigh},
		{"at critical threshold", 0.9, RiskLevelHigh, OutcomeEscalated, PriorityHigh},
		{"just above critical", 0.91, RiskLevelCritical, OutcomeEscalated, PriorityCritical},
		{"above critical", 0.95, RiskLevelCritical, OutcomeEscalated, PriorityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.score, testThresholds)
			assert.Equal(t, tt.score, d.Score)
			assert.Equal(t, tt.wantLevel, d.Level)
			assert.Equal(t, tt.wantOutcome, d.Outcome)
			if tt.wantOutcome == OutcomeEscalated {
				assert.Equal(t, tt.wantPriority, d.Priority)
			}
		})
	}
}

func TestDecideUnreachable(t *testing.T) {
	d := DecideUnreachable()
	assert.Equal(t, 1.0, d.Score)
	assert.Equal(t, RiskLevelCritical, d.Level)
	assert.Equal(t, OutcomeEscalated, d.Outcome)
	assert.Equal(t, PriorityCritical, d.Priority)
}

func TestDecideBlacklisted(t *testing.T) {
	d := DecideBlacklisted(0.42, []string{"sanctioned_address"})

	// 黑名单命中无条件拒绝，评分高低不影响结果
	assert.Equal(t, 0.42, d.Score)
	assert.Equal(t, RiskLevelCritical, d.Level)
	assert.Equal(t, OutcomeRejected, d.Outcome)
	assert.Equal(t, []string{"sanctioned_address"}, d.Factors)
	assert.NotEmpty(t, d.Reason)
}

func TestPrioritySLA(t *testing.T) {
	assert.Equal(t, 2*time.Hour, PriorityCritical.SLA())
	assert.Equal(t, 6*time.Hour, PriorityHigh.SLA())
	assert.Equal(t, 24*time.Hour, PriorityMedium.SLA())
	assert.Equal(t, 72*time.Hour, PriorityLow.SLA())
}

func TestPriorityBump(t *testing.T) {
	assert.Equal(t, PriorityMedium, PriorityLow.Bump())
	assert.Equal(t, PriorityHigh, PriorityMedium.Bump())
	assert.Equal(t, PriorityCritical, PriorityHigh.Bump())
	assert.Equal(t, PriorityCritical, PriorityCritical.Bump())
}

func newTestEntry() *ReviewQueueEntry {
	d := Decide(0.8, testThresholds)
	return NewReviewEntry("RV-1", "TX-1", "user-1", decimal.NewFromInt(5000), d)
}

func TestReviewEntryClaimResolve(t *testing.T) {
	entry := newTestEntry()
	require.Equal(t, ReviewStatusPending, entry.Status)

	require.NoError(t, entry.Claim("alice"))
	assert.Equal(t, ReviewStatusClaimed, entry.Status)
	assert.Equal(t, "alice", entry.AssignedTo)
	assert.NotNil(t, entry.ClaimedAt)

	// 重复认领被拒绝
	assert.ErrorIs(t, entry.Claim("bob"), ErrReviewAlreadyClaimed)

	// 非认领人不能裁决
	assert.ErrorIs(t, entry.Approve("bob", "ok"), ErrNotAssignedReviewer)

	require.NoError(t, entry.Approve("alice", "verified with user"))
	assert.Equal(t, ReviewStatusApproved, entry.Status)
	assert.Equal(t, "verified with user", entry.Resolution)
	assert.NotNil(t, entry.ResolvedAt)
	assert.True(t, entry.Status.IsTerminal())

	// 终态后不可再操作
	assert.ErrorIs(t, entry.Claim("bob"), ErrReviewTerminal)
	assert.ErrorIs(t, entry.Reject("alice", "no"), ErrReviewTerminal)
}

func TestReviewEntryResolveRequiresClaim(t *testing.T) {
	entry := newTestEntry()
	assert.ErrorIs(t, entry.Approve("alice", "ok"), ErrReviewNotClaimed)
	assert.ErrorIs(t, entry.Reject("alice", "no"), ErrReviewNotClaimed)
}

func TestReviewEntryReject(t *testing.T) {
	entry := newTestEntry()
	require.NoError(t, entry.Claim("alice"))
	require.NoError(t, entry.Reject("alice", "suspicious pattern"))
	assert.Equal(t, ReviewStatusRejected, entry.Status)
}

func TestReviewEntryEscalate(t *testing.T) {
	entry := newTestEntry()
	require.Equal(t, PriorityHigh, entry.Priority)
	require.NoError(t, entry.Claim("alice"))

	expired := entry.Escalate(3)
	assert.False(t, expired)
	assert.Equal(t, PriorityCritical, entry.Priority)
	assert.Equal(t, ReviewStatusPending, entry.Status)
	assert.Empty(t, entry.AssignedTo)
	assert.Nil(t, entry.ClaimedAt)
	assert.Equal(t, 1, entry.EscalationCount)

	expired = entry.Escalate(3)
	assert.False(t, expired)
	assert.Equal(t, PriorityCritical, entry.Priority)

	expired = entry.Escalate(3)
	assert.False(t, expired)
	assert.Equal(t, PriorityCritical, entry.Priority)

	// 第四次超过上限，条目作废
	expired = entry.Escalate(3)
	assert.True(t, expired)
	assert.Equal(t, ReviewStatusExpired, entry.Status)
	assert.NotNil(t, entry.ResolvedAt)
	assert.True(t, entry.Status.IsTerminal())
}

func TestReviewEntryIsOverdue(t *testing.T) {
	entry := newTestEntry()
	assert.False(t, entry.IsOverdue(time.Now()))
	assert.True(t, entry.IsOverdue(entry.SLADeadline.Add(time.Minute)))

	require.NoError(t, entry.Claim("alice"))
	require.NoError(t, entry.Approve("alice", "ok"))
	assert.False(t, entry.IsOverdue(entry.SLADeadline.Add(time.Minute)))
}
