package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransaction() *Transaction {
	return NewTransaction(
		"TX-1", "user-1", "nonce-1",
		"ethereum", "near", "USDT",
		decimal.NewFromInt(100),
		"0xsource", "near-dest",
		time.Now().Add(30*time.Minute),
	)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from TransactionStatus
		to   TransactionStatus
		want bool
	}{
		{"created to risk assessing", StatusCreated, StatusRiskAssessing, true},
		{"created to expired", StatusCreated, StatusExpired, true},
		{"created skips to cleared", StatusCreated, StatusCleared, false},
		{"assessing to cleared", StatusRiskAssessing, StatusCleared, true},
		{"assessing to rejected", StatusRiskAssessing, StatusRiskRejected, true},
		{"assessing to escalated", StatusRiskAssessing, StatusRiskEscalated, true},
		{"escalated to cleared", StatusRiskEscalated, StatusCleared, true},
		{"escalated to rejected", StatusRiskEscalated, StatusRiskRejected, true},
		{"cleared to key bound", StatusCleared, StatusKeyBound, true},
		{"key bound to locking", StatusKeyBound, StatusSourceLocking, true},
		{"locking to locked", StatusSourceLocking, StatusSourceLocked, true},
		{"locked to releasing", StatusSourceLocked, StatusDestinationReleasing, true},
		{"locked cannot expire", StatusSourceLocked, StatusExpired, false},
		{"releasing to completed", StatusDestinationReleasing, StatusCompleted, true},
		{"releasing to refunding", StatusDestinationReleasing, StatusRefunding, true},
		{"refunding to refunded", StatusRefunding, StatusRefunded, true},
		{"refunding to failed", StatusRefunding, StatusFailed, true},
		{"completed is terminal", StatusCompleted, StatusRefunding, false},
		{"refunded is terminal", StatusRefunded, StatusFailed, false},
		{"backwards not allowed", StatusSourceLocked, StatusCleared, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTransactionHappyPath(t *testing.T) {
	tx := newTestTransaction()
	require.Equal(t, StatusCreated, tx.Status)

	require.NoError(t, tx.StartRiskAssessment())
	require.NoError(t, tx.ClearRisk(0.2))
	assert.Equal(t, 0.2, tx.RiskScore)

	require.NoError(t, tx.BindKey("QK-1"))
	assert.Equal(t, "QK-1", tx.QuantumKeyID)

	require.NoError(t, tx.StartSourceLock())
	require.NoError(t, tx.ConfirmSourceLock("0xlock"))
	assert.Equal(t, "0xlock", tx.LockTxHash)

	require.NoError(t, tx.StartRelease())
	require.NoError(t, tx.Complete("0xrelease"))

	assert.Equal(t, StatusCompleted, tx.Status)
	assert.Equal(t, "0xrelease", tx.ReleaseTxHash)
	assert.NotNil(t, tx.CompletedAt)
	assert.True(t, tx.Status.IsTerminal())

	// 每次迁移追加一条事件
	assert.Len(t, tx.Events, 7)
	assert.Equal(t, "CREATED", tx.Events[0].FromStatus)
	assert.Equal(t, "COMPLETED", tx.Events[len(tx.Events)-1].ToStatus)
}

func TestTransactionRefundPath(t *testing.T) {
	tx := newTestTransaction()
	require.NoError(t, tx.StartRiskAssessment())
	require.NoError(t, tx.ClearRisk(0.1))
	require.NoError(t, tx.BindKey("QK-1"))
	require.NoError(t, tx.StartSourceLock())
	require.NoError(t, tx.ConfirmSourceLock("0xlock"))

	require.NoError(t, tx.StartRefund("destination release failed"))
	assert.Equal(t, "destination release failed", tx.FailReason)

	require.NoError(t, tx.ConfirmRefund("0xrefund"))
	assert.Equal(t, StatusRefunded, tx.Status)
	assert.Equal(t, "0xrefund", tx.RefundTxHash)
}

func TestTransactionRefundFailure(t *testing.T) {
	tx := newTestTransaction()
	tx.Status = StatusRefunding

	require.NoError(t, tx.Fail("refund rejected by chain"))
	assert.Equal(t, StatusFailed, tx.Status)
	assert.Equal(t, "refund rejected by chain", tx.FailReason)
}

func TestTransactionEscalationFlow(t *testing.T) {
	tx := newTestTransaction()
	require.NoError(t, tx.StartRiskAssessment())
	require.NoError(t, tx.EscalateRisk(0.85))
	assert.Equal(t, StatusRiskEscalated, tx.Status)
	assert.False(t, tx.Status.IsTerminal())

	require.NoError(t, tx.ClearRisk(0.85))
	assert.Equal(t, StatusCleared, tx.Status)
}

func TestTransactionRejectAfterEscalation(t *testing.T) {
	tx := newTestTransaction()
	require.NoError(t, tx.StartRiskAssessment())
	require.NoError(t, tx.EscalateRisk(0.95))

	require.NoError(t, tx.RejectRisk(0.95, "rejected by manual review"))
	assert.Equal(t, StatusRiskRejected, tx.Status)
	assert.True(t, tx.Status.IsTerminal())
}

func TestTransactionInvalidTransition(t *testing.T) {
	tx := newTestTransaction()

	err := tx.Complete("0xrelease")
	require.Error(t, err)

	var invalid *InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, StatusCreated, invalid.From)
	assert.Equal(t, StatusCompleted, invalid.To)
	assert.Equal(t, StatusCreated, tx.Status)
	assert.Empty(t, tx.Events)
}

func TestTransactionExpire(t *testing.T) {
	t.Run("before lock", func(t *testing.T) {
		tx := newTestTransaction()
		require.NoError(t, tx.Expire())
		assert.Equal(t, StatusExpired, tx.Status)
	})

	t.Run("funds locked states cannot expire", func(t *testing.T) {
		for _, status := range []TransactionStatus{StatusSourceLocked, StatusDestinationReleasing, StatusRefunding} {
			tx := newTestTransaction()
			tx.Status = status
			err := tx.Expire()
			require.Error(t, err, status.String())
			assert.Equal(t, status, tx.Status)
		}
	})
}

func TestFundsLocked(t *testing.T) {
	assert.False(t, StatusCreated.FundsLocked())
	assert.False(t, StatusSourceLocking.FundsLocked())
	assert.True(t, StatusSourceLocked.FundsLocked())
	assert.True(t, StatusDestinationReleasing.FundsLocked())
	assert.True(t, StatusRefunding.FundsLocked())
	assert.False(t, StatusRefunded.FundsLocked())
}

func TestIsExpired(t *testing.T) {
	tx := newTestTransaction()
	assert.False(t, tx.IsExpired(time.Now()))
	assert.True(t, tx.IsExpired(time.Now().Add(time.Hour)))
}
