// Package domain 跨链转账编排领域模型
package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TransactionStatus 转账状态
type TransactionStatus int8

const (
	StatusCreated              TransactionStatus = 1  // 已创建
	StatusRiskAssessing        TransactionStatus = 2  // 风险评估中
	StatusRiskRejected         TransactionStatus = 3  // 风险拒绝
	StatusRiskEscalated        TransactionStatus = 4  // 等待人工审核
	StatusCleared              TransactionStatus = 5  // 风险放行
	StatusKeyBound             TransactionStatus = 6  // 已绑定量子密钥
	StatusSourceLocking        TransactionStatus = 7  // 源链锁定中
	StatusSourceLocked         TransactionStatus = 8  // 源链已锁定
	StatusDestinationReleasing TransactionStatus = 9  // 目标链释放中
	StatusCompleted            TransactionStatus = 10 // 已完成
	StatusRefunding            TransactionStatus = 11 // 退款中
	StatusRefunded             TransactionStatus = 12 // 已退款
	StatusFailed               TransactionStatus = 13 // 失败（资金滞留，需人工介入）
	StatusExpired              TransactionStatus = 14 // 锁定前超时
)

func (s TransactionStatus) String() string {
	switch s {
	case StatusCreated:
		return "CREATED"
	case StatusRiskAssessing:
		return "RISK_ASSESSING"
	case StatusRiskRejected:
		return "RISK_REJECTED"
	case StatusRiskEscalated:
		return "RISK_ESCALATED"
	case StatusCleared:
		return "CLEARED"
	case StatusKeyBound:
		return "KEY_BOUND"
	case StatusSourceLocking:
		return "SOURCE_LOCKING"
	case StatusSourceLocked:
		return "SOURCE_LOCKED"
	case StatusDestinationReleasing:
		return "DESTINATION_RELEASING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusRefunding:
		return "REFUNDING"
	case StatusRefunded:
		return "REFUNDED"
	case StatusFailed:
		return "FAILED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 是否终态
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case StatusRiskRejected, StatusCompleted, StatusRefunded, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// FundsLocked 该状态下源链资金是否已锁定
func (s TransactionStatus) FundsLocked() bool {
	switch s {
	case StatusSourceLocked, StatusDestinationReleasing, StatusRefunding:
		return true
	}
	return false
}

// transitions 合法状态迁移表。不在表内的迁移一律拒绝。
var transitions = map[TransactionStatus][]TransactionStatus{
	StatusCreated:       {StatusRiskAssessing, StatusExpired},
	StatusRiskAssessing: {StatusCleared, StatusRiskRejected, StatusRiskEscalated, StatusExpired},
	StatusRiskEscalated: {StatusCleared, StatusRiskRejected, StatusExpired},
	StatusCleared:       {StatusKeyBound, StatusExpired},
	StatusKeyBound:      {StatusSourceLocking, StatusExpired},
	// 锁定请求已发出后不允许再超时作废，只能走完或退款
	StatusSourceLocking:        {StatusSourceLocked, StatusFailed, StatusExpired},
	StatusSourceLocked:         {StatusDestinationReleasing, StatusRefunding},
	StatusDestinationReleasing: {StatusCompleted, StatusRefunding},
	StatusRefunding:            {StatusRefunded, StatusFailed},
}

// CanTransition 判断状态迁移是否合法
func CanTransition(from, to TransactionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError 非法状态迁移
type InvalidTransitionError struct {
	From TransactionStatus
	To   TransactionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// Transaction 跨链转账聚合根
type Transaction struct {
	gorm.Model
	TransactionID string            `gorm:"column:transaction_id;type:varchar(64);uniqueIndex;not null" json:"transaction_id"`
	UserID        string            `gorm:"column:user_id;type:varchar(64);index;uniqueIndex:idx_user_nonce;not null" json:"user_id"`
	Nonce         string            `gorm:"column:nonce;type:varchar(64);uniqueIndex:idx_user_nonce;not null" json:"nonce"`
	SourceChain   string            `gorm:"column:source_chain;type:varchar(32);not null" json:"source_chain"`
	DestChain     string            `gorm:"column:dest_chain;type:varchar(32);not null" json:"dest_chain"`
	Asset         string            `gorm:"column:asset;type:varchar(32);not null" json:"asset"`
	Amount        decimal.Decimal   `gorm:"column:amount;type:decimal(36,18);not null" json:"amount"`
	SourceAddress string            `gorm:"column:source_address;type:varchar(128);not null" json:"source_address"`
	DestAddress   string            `gorm:"column:dest_address;type:varchar(128);not null" json:"dest_address"`
	Status        TransactionStatus `gorm:"column:status;type:tinyint;index;not null;default:1" json:"status"`
	RiskScore     float64           `gorm:"column:risk_score;type:double" json:"risk_score"`
	RiskFactors   []string          `gorm:"column:risk_factors;type:json;serializer:json" json:"risk_factors,omitempty"`
	QuantumKeyID  string            `gorm:"column:quantum_key_id;type:varchar(64);index" json:"quantum_key_id,omitempty"`
	LockTxHash    string            `gorm:"column:lock_tx_hash;type:varchar(128)" json:"lock_tx_hash,omitempty"`
	ReleaseTxHash string            `gorm:"column:release_tx_hash;type:varchar(128)" json:"release_tx_hash,omitempty"`
	RefundTxHash  string            `gorm:"column:refund_tx_hash;type:varchar(128)" json:"refund_tx_hash,omitempty"`
	FailReason    string            `gorm:"column:fail_reason;type:varchar(512)" json:"fail_reason,omitempty"`
	Deadline      time.Time         `gorm:"column:deadline;index;not null" json:"deadline"`
	CompletedAt   *time.Time        `gorm:"column:completed_at" json:"completed_at,omitempty"`

	Events []TransactionEvent `gorm:"foreignKey:TransactionID;references:TransactionID" json:"events,omitempty"`
}

// TableName 表名
func (Transaction) TableName() string {
	return "bridge_transactions"
}

// TransactionEvent 转账状态迁移事件
type TransactionEvent struct {
	gorm.Model
	TransactionID string    `gorm:"column:transaction_id;type:varchar(64);index;not null" json:"transaction_id"`
	FromStatus    string    `gorm:"column:from_status;type:varchar(32);not null" json:"from_status"`
	ToStatus      string    `gorm:"column:to_status;type:varchar(32);not null" json:"to_status"`
	Description   string    `gorm:"column:description;type:varchar(255)" json:"description"`
	OccurredAt    time.Time `gorm:"column:occurred_at;not null" json:"occurred_at"`
}

// TableName 表名
func (TransactionEvent) TableName() string {
	return "bridge_transaction_events"
}

// NewTransaction 创建跨链转账
func NewTransaction(transactionID, userID, nonce, sourceChain, destChain, asset string,
	amount decimal.Decimal, sourceAddress, destAddress string, deadline time.Time) *Transaction {
	return &Transaction{
		TransactionID: transactionID,
		UserID:        userID,
		Nonce:         nonce,
		SourceChain:   sourceChain,
		DestChain:     destChain,
		Asset:         asset,
		Amount:        amount,
		SourceAddress: sourceAddress,
		DestAddress:   destAddress,
		Status:        StatusCreated,
		Deadline:      deadline,
		Events:        []TransactionEvent{},
	}
}

// TransitionTo 按迁移表推进状态，非法迁移返回 InvalidTransitionError
func (t *Transaction) TransitionTo(to TransactionStatus, description string) error {
	if !CanTransition(t.Status, to) {
		return &InvalidTransitionError{From: t.Status, To: to}
	}
	from := t.Status
	t.Status = to
	if to == StatusCompleted {
		now := time.Now()
		t.CompletedAt = &now
	}
	t.Events = append(t.Events, TransactionEvent{
		TransactionID: t.TransactionID,
		FromStatus:    from.String(),
		ToStatus:      to.String(),
		Description:   description,
		OccurredAt:    time.Now(),
	})
	return nil
}

// StartRiskAssessment 进入风险评估
func (t *Transaction) StartRiskAssessment() error {
	return t.TransitionTo(StatusRiskAssessing, "risk assessment started")
}

// ClearRisk 风险放行
func (t *Transaction) ClearRisk(score float64) error {
	if err := t.TransitionTo(StatusCleared, "risk cleared"); err != nil {
		return err
	}
	t.RiskScore = score
	return nil
}

// RejectRisk 风险拒绝
func (t *Transaction) RejectRisk(score float64, reason string) error {
	if err := t.TransitionTo(StatusRiskRejected, reason); err != nil {
		return err
	}
	t.RiskScore = score
	t.FailReason = reason
	return nil
}

// EscalateRisk 升级人工审核
func (t *Transaction) EscalateRisk(score float64) error {
	if err := t.TransitionTo(StatusRiskEscalated, "escalated to manual review"); err != nil {
		return err
	}
	t.RiskScore = score
	return nil
}

// BindKey 绑定量子密钥
func (t *Transaction) BindKey(keyID string) error {
	if err := t.TransitionTo(StatusKeyBound, "quantum key bound"); err != nil {
		return err
	}
	t.QuantumKeyID = keyID
	return nil
}

// StartSourceLock 发起源链锁定
func (t *Transaction) StartSourceLock() error {
	return t.TransitionTo(StatusSourceLocking, "source chain lock submitted")
}

// ConfirmSourceLock 源链锁定确认
func (t *Transaction) ConfirmSourceLock(txHash string) error {
	if err := t.TransitionTo(StatusSourceLocked, "source chain lock confirmed"); err != nil {
		return err
	}
	t.LockTxHash = txHash
	return nil
}

// StartRelease 发起目标链释放
func (t *Transaction) StartRelease() error {
	return t.TransitionTo(StatusDestinationReleasing, "destination release submitted")
}

// Complete 完成转账
func (t *Transaction) Complete(releaseTxHash string) error {
	if err := t.TransitionTo(StatusCompleted, "destination release confirmed"); err != nil {
		return err
	}
	t.ReleaseTxHash = releaseTxHash
	return nil
}

// StartRefund 锁定后失败，发起退款
func (t *Transaction) StartRefund(reason string) error {
	if err := t.TransitionTo(StatusRefunding, reason); err != nil {
		return err
	}
	t.FailReason = reason
	return nil
}

// ConfirmRefund 退款确认
func (t *Transaction) ConfirmRefund(refundTxHash string) error {
	if err := t.TransitionTo(StatusRefunded, "refund confirmed"); err != nil {
		return err
	}
	t.RefundTxHash = refundTxHash
	return nil
}

// Fail 不可恢复失败，资金可能滞留，需人工介入
func (t *Transaction) Fail(reason string) error {
	if err := t.TransitionTo(StatusFailed, reason); err != nil {
		return err
	}
	t.FailReason = reason
	return nil
}

// Expire 锁定前超时作废。资金已锁定的状态不允许作废。
func (t *Transaction) Expire() error {
	if t.Status.FundsLocked() {
		return &InvalidTransitionError{From: t.Status, To: StatusExpired}
	}
	return t.TransitionTo(StatusExpired, "deadline exceeded before source lock")
}

// IsExpired 是否已超过截止时间
func (t *Transaction) IsExpired(now time.Time) bool {
	return now.After(t.Deadline)
}

// TransactionRepository 转账仓储接口
type TransactionRepository interface {
	Save(ctx context.Context, tx *Transaction) error
	// Update 条件更新聚合：仅当持久化状态仍为 expected 时写入并追加新事件，
	// 否则返回 ErrConcurrentModification。事件与状态在同一数据库事务内落库。
	Update(ctx context.Context, tx *Transaction, expected TransactionStatus) error
	Get(ctx context.Context, transactionID string) (*Transaction, error)
	// GetByUserNonce 幂等查找：同一用户同一 nonce 的转账
	GetByUserNonce(ctx context.Context, userID, nonce string) (*Transaction, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error)
	// FindExpiredBeforeLock 查找超过截止时间且尚未锁定资金的转账
	FindExpiredBeforeLock(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)
	CountActive(ctx context.Context) (int64, error)
}
