// Package audit 提供审计事件的落库与异步投递
package audit

import (
	"time"

	"gorm.io/gorm"
)

// 审计事件类型
const (
	EventTransferSubmitted  = "TRANSFER_SUBMITTED"
	EventTransferTransition = "TRANSFER_TRANSITION"
	EventTransferCompleted  = "TRANSFER_COMPLETED"
	EventTransferFailed     = "TRANSFER_FAILED"
	EventTransferRefunded   = "TRANSFER_REFUNDED"
	EventRiskAssessed       = "RISK_ASSESSED"
	EventRiskEscalated      = "RISK_ESCALATED"
	EventReviewClaimed      = "REVIEW_CLAIMED"
	EventReviewResolved     = "REVIEW_RESOLVED"
	EventReviewExpired      = "REVIEW_EXPIRED"
	EventKeyIssued          = "KEY_ISSUED"
	EventKeyRotated         = "KEY_ROTATED"
	EventKeyCompromised     = "KEY_COMPROMISED"
	EventKeyExpired         = "KEY_EXPIRED"
	EventRateLimitViolation = "RATE_LIMIT_VIOLATION"
)

// 审计事件严重级别
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Event 审计事件
type Event struct {
	gorm.Model
	EventID    string    `gorm:"column:event_id;type:varchar(64);uniqueIndex;not null" json:"event_id"`
	EventType  string    `gorm:"column:event_type;type:varchar(48);index;not null" json:"event_type"`
	Severity   string    `gorm:"column:severity;type:varchar(16);index;not null;default:info" json:"severity"`
	EntityID   string    `gorm:"column:entity_id;type:varchar(64);index;not null" json:"entity_id"`
	EntityType string    `gorm:"column:entity_type;type:varchar(32);not null" json:"entity_type"`
	Actor      string    `gorm:"column:actor;type:varchar(64)" json:"actor"`
	Detail     string    `gorm:"column:detail;type:text" json:"detail"`
	OccurredAt time.Time `gorm:"column:occurred_at;index;not null" json:"occurred_at"`
}

// TableName 表名
func (Event) TableName() string {
	return "audit_events"
}
