// Package domain 风险评估与人工审核队列领域模型
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RiskLevel 风险等级
type RiskLevel int8

const (
	RiskLevelLow      RiskLevel = 1 // 低风险
	RiskLevelMedium   RiskLevel = 2 // 中风险
	RiskLevelHigh     RiskLevel = 3 // 高风险
	RiskLevelCritical RiskLevel = 4 // 紧急风险
)

func (l RiskLevel) String() string {
	switch l {
	case RiskLevelLow:
		return "LOW"
	case RiskLevelMedium:
		return "MEDIUM"
	case RiskLevelHigh:
		return "HIGH"
	case RiskLevelCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// DecisionOutcome 风险裁决结果
type DecisionOutcome int8

const (
	OutcomeCleared   DecisionOutcome = 1 // 放行
	OutcomeEscalated DecisionOutcome = 2 // 升级人工审核
	OutcomeRejected  DecisionOutcome = 3 // 策略拒绝，不进入人工审核
)

func (o DecisionOutcome) String() string {
	switch o {
	case OutcomeCleared:
		return "CLEARED"
	case OutcomeEscalated:
		return "ESCALATED"
	case OutcomeRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// ReviewPriority 审核优先级，决定 SLA 时限
type ReviewPriority int8

const (
	PriorityLow      ReviewPriority = 1
	PriorityMedium   ReviewPriority = 2
	PriorityHigh     ReviewPriority = 3
	PriorityCritical ReviewPriority = 4
)

func (p ReviewPriority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// SLA 各优先级对应的审核时限
func (p ReviewPriority) SLA() time.Duration {
	switch p {
	case PriorityCritical:
		return 2 * time.Hour
	case PriorityHigh:
		return 6 * time.Hour
	case PriorityMedium:
		return 24 * time.Hour
	default:
		return 72 * time.Hour
	}
}

// Bump 升级一档优先级，Critical 封顶
func (p ReviewPriority) Bump() ReviewPriority {
	if p >= PriorityCritical {
		return PriorityCritical
	}
	return p + 1
}

// Thresholds 风险阈值配置
type Thresholds struct {
	Low      float64 // 低于此值直接放行
	Review   float64 // 高于此值升级人工审核
	Critical float64 // 高于此值按紧急优先级审核
}

// Decision 风险裁决
type Decision struct {
	Score    float64
	Level    RiskLevel
	Outcome  DecisionOutcome
	Priority ReviewPriority
	Factors  []string
	Reason   string
}

// Decide 按阈值对风险评分裁决。
// score <= Low 放行；Low < score <= Review 放行但留痕；
// score > Review 升级人工审核，优先级为 High，score > Critical 为紧急优先级。
func Decide(score float64, t Thresholds) Decision {
	switch {
	case score <= t.Low:
		return Decision{
			Score:   score,
			Level:   RiskLevelLow,
			Outcome: OutcomeCleared,
			Reason:  "score below auto-approve threshold",
		}
	case score <= t.Review:
		return Decision{
			Score:   score,
			Level:   RiskLevelMedium,
			Outcome: OutcomeCleared,
			Reason:  "score in monitored band",
		}
	case score <= t.Critical:
		return Decision{
			Score:    score,
			Level:    RiskLevelHigh,
			Outcome:  OutcomeEscalated,
			Priority: PriorityHigh,
			Reason:   "score above manual review threshold",
		}
	default:
		return Decision{
			Score:    score,
			Level:    RiskLevelCritical,
			Outcome:  OutcomeEscalated,
			Priority: PriorityCritical,
			Reason:   "score above critical threshold",
		}
	}
}

// DecideUnreachable 评分服务不可达时的保守裁决：一律升级为紧急审核
func DecideUnreachable() Decision {
	return Decision{
		Score:    1.0,
		Level:    RiskLevelCritical,
		Outcome:  OutcomeEscalated,
		Priority: PriorityCritical,
		Reason:   "risk scorer unreachable, failing closed",
	}
}

// DecideBlacklisted 命中黑名单信号时直接拒绝，无论评分高低
func DecideBlacklisted(score float64, factors []string) Decision {
	return Decision{
		Score:   score,
		Level:   RiskLevelCritical,
		Outcome: OutcomeRejected,
		Factors: factors,
		Reason:  "blacklist hit",
	}
}

// ReviewStatus 审核条目状态
type ReviewStatus int8

const (
	ReviewStatusPending  ReviewStatus = 1 // 待认领
	ReviewStatusClaimed  ReviewStatus = 2 // 审核中
	ReviewStatusApproved ReviewStatus = 3 // 已批准
	ReviewStatusRejected ReviewStatus = 4 // 已拒绝
	ReviewStatusExpired  ReviewStatus = 5 // 超时作废
)

func (s ReviewStatus) String() string {
	switch s {
	case ReviewStatusPending:
		return "PENDING"
	case ReviewStatusClaimed:
		return "CLAIMED"
	case ReviewStatusApproved:
		return "APPROVED"
	case ReviewStatusRejected:
		return "REJECTED"
	case ReviewStatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 是否终态
func (s ReviewStatus) IsTerminal() bool {
	return s == ReviewStatusApproved || s == ReviewStatusRejected || s == ReviewStatusExpired
}

var (
	// ErrReviewNotFound 审核条目不存在
	ErrReviewNotFound = errors.New("review entry not found")
	// ErrReviewAlreadyClaimed 条目已被其他审核员认领
	ErrReviewAlreadyClaimed = errors.New("review entry already claimed")
	// ErrReviewNotClaimed 条目未处于审核中
	ErrReviewNotClaimed = errors.New("review entry not claimed")
	// ErrReviewTerminal 条目已终态
	ErrReviewTerminal = errors.New("review entry already resolved")
	// ErrNotAssignedReviewer 非认领人不能裁决
	ErrNotAssignedReviewer = errors.New("reviewer does not hold this entry")
)

// ReviewQueueEntry 人工审核队列条目聚合根
type ReviewQueueEntry struct {
	gorm.Model
	EntryID         string          `gorm:"column:entry_id;type:varchar(64);uniqueIndex;not null" json:"entry_id"`
	TransactionID   string          `gorm:"column:transaction_id;type:varchar(64);index;not null" json:"transaction_id"`
	UserID          string          `gorm:"column:user_id;type:varchar(64);index;not null" json:"user_id"`
	Amount          decimal.Decimal `gorm:"column:amount;type:decimal(36,18)" json:"amount"`
	Score           float64         `gorm:"column:score;type:double;not null" json:"score"`
	Priority        ReviewPriority  `gorm:"column:priority;type:tinyint;index;not null" json:"priority"`
	Status          ReviewStatus    `gorm:"column:status;type:tinyint;index;not null;default:1" json:"status"`
	Reason          string          `gorm:"column:reason;type:varchar(255)" json:"reason"`
	AssignedTo      string          `gorm:"column:assigned_to;type:varchar(64);index" json:"assigned_to,omitempty"`
	Resolution      string          `gorm:"column:resolution;type:varchar(512)" json:"resolution,omitempty"`
	EscalationCount int             `gorm:"column:escalation_count;not null;default:0" json:"escalation_count"`
	SLADeadline     time.Time       `gorm:"column:sla_deadline;index;not null" json:"sla_deadline"`
	ClaimedAt       *time.Time      `gorm:"column:claimed_at" json:"claimed_at,omitempty"`
	ResolvedAt      *time.Time      `gorm:"column:resolved_at" json:"resolved_at,omitempty"`
}

// TableName 表名
func (ReviewQueueEntry) TableName() string {
	return "review_queue_entries"
}

// NewReviewEntry 创建审核条目
func NewReviewEntry(entryID, transactionID, userID string, amount decimal.Decimal, d Decision) *ReviewQueueEntry {
	return &ReviewQueueEntry{
		EntryID:       entryID,
		TransactionID: transactionID,
		UserID:        userID,
		Amount:        amount,
		Score:         d.Score,
		Priority:      d.Priority,
		Status:        ReviewStatusPending,
		Reason:        d.Reason,
		SLADeadline:   time.Now().Add(d.Priority.SLA()),
	}
}

// Claim 认领条目。认领互斥由仓储条件更新保证，此处只做状态校验。
func (e *ReviewQueueEntry) Claim(reviewer string) error {
	if e.Status.IsTerminal() {
		return ErrReviewTerminal
	}
	if e.Status == ReviewStatusClaimed {
		return ErrReviewAlreadyClaimed
	}
	now := time.Now()
	e.Status = ReviewStatusClaimed
	e.AssignedTo = reviewer
	e.ClaimedAt = &now
	return nil
}

// Approve 批准
func (e *ReviewQueueEntry) Approve(reviewer, note string) error {
	return e.resolve(reviewer, note, ReviewStatusApproved)
}

// Reject 拒绝
func (e *ReviewQueueEntry) Reject(reviewer, note string) error {
	return e.resolve(reviewer, note, ReviewStatusRejected)
}

func (e *ReviewQueueEntry) resolve(reviewer, note string, status ReviewStatus) error {
	if e.Status.IsTerminal() {
		return ErrReviewTerminal
	}
	if e.Status != ReviewStatusClaimed {
		return ErrReviewNotClaimed
	}
	if e.AssignedTo != reviewer {
		return ErrNotAssignedReviewer
	}
	now := time.Now()
	e.Status = status
	e.Resolution = note
	e.ResolvedAt = &now
	return nil
}

// IsOverdue SLA 是否已超时
func (e *ReviewQueueEntry) IsOverdue(now time.Time) bool {
	return !e.Status.IsTerminal() && now.After(e.SLADeadline)
}

// Escalate SLA 超时后升级：优先级升一档、重置时限、释放认领。
// 超过 maxEscalations 次后条目作废，返回 true 表示已作废。
func (e *ReviewQueueEntry) Escalate(maxEscalations int) (expired bool) {
	e.EscalationCount++
	if e.EscalationCount > maxEscalations {
		now := time.Now()
		e.Status = ReviewStatusExpired
		e.Resolution = "review SLA exhausted"
		e.ResolvedAt = &now
		return true
	}
	e.Priority = e.Priority.Bump()
	e.Status = ReviewStatusPending
	e.AssignedTo = ""
	e.ClaimedAt = nil
	e.SLADeadline = time.Now().Add(e.Priority.SLA())
	return false
}

// RiskScoreHistory 风险评分留痕
type RiskScoreHistory struct {
	gorm.Model
	TransactionID string   `gorm:"column:transaction_id;type:varchar(64);index;not null" json:"transaction_id"`
	UserID        string   `gorm:"column:user_id;type:varchar(64);index;not null" json:"user_id"`
	Score         float64  `gorm:"column:score;type:double;not null" json:"score"`
	Level         string   `gorm:"column:level;type:varchar(16);not null" json:"level"`
	Outcome       string   `gorm:"column:outcome;type:varchar(16);not null" json:"outcome"`
	Factors       []string `gorm:"column:factors;type:json;serializer:json" json:"factors,omitempty"`
	Source        string   `gorm:"column:source;type:varchar(32)" json:"source"`
	Reason        string   `gorm:"column:reason;type:varchar(255)" json:"reason"`
}

// TableName 表名
func (RiskScoreHistory) TableName() string {
	return "risk_score_histories"
}

// ReviewRepository 审核队列仓储接口
type ReviewRepository interface {
	Save(ctx context.Context, entry *ReviewQueueEntry) error
	Update(ctx context.Context, entry *ReviewQueueEntry) error
	Get(ctx context.Context, entryID string) (*ReviewQueueEntry, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*ReviewQueueEntry, error)
	// Claim 条件更新认领，已被认领时返回 ErrReviewAlreadyClaimed
	Claim(ctx context.Context, entryID, reviewer string) (*ReviewQueueEntry, error)
	// ListPending 按优先级降序、创建时间升序列出待审条目
	ListPending(ctx context.Context, limit int) ([]*ReviewQueueEntry, error)
	// FindOverdue 查找 SLA 超时的未终态条目
	FindOverdue(ctx context.Context, now time.Time, limit int) ([]*ReviewQueueEntry, error)
	CountPending(ctx context.Context) (int64, error)
}

// HistoryRepository 风险评分留痕仓储接口
type HistoryRepository interface {
	Save(ctx context.Context, history *RiskScoreHistory) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*RiskScoreHistory, error)
}

// Scorer 外部风险评分服务接口
type Scorer interface {
	// Score 返回 [0,1] 区间的风险评分、风险因子与黑名单命中信号
	Score(ctx context.Context, req ScoreRequest) (ScoreResult, error)
}

// ScoreResult 评分服务返回结果
type ScoreResult struct {
	Score       float64  `json:"score"`
	Factors     []string `json:"factors"`
	Blacklisted bool     `json:"blacklisted"`
}

// ScoreRequest 评分请求
type ScoreRequest struct {
	TransactionID string          `json:"transaction_id"`
	UserID        string          `json:"user_id"`
	SourceChain   string          `json:"source_chain"`
	DestChain     string          `json:"dest_chain"`
	Amount        decimal.Decimal `json:"amount"`
	Asset         string          `json:"asset"`
}
