package application

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/quantumbridge/internal/audit"
	"github.com/wyfcoding/quantumbridge/internal/risk/domain"
	"github.com/wyfcoding/quantumbridge/pkg/idgen"
	"github.com/wyfcoding/quantumbridge/pkg/logger"
	"github.com/wyfcoding/quantumbridge/pkg/metrics"
)

// ResolutionHandler 审核裁决回调，由交易编排方注册。
// approved 为 true 表示放行，false 表示拒绝。
type ResolutionHandler interface {
	OnReviewResolved(ctx context.Context, transactionID string, approved bool) error
}

// RiskService 风险网关服务
type RiskService struct {
	reviews    domain.ReviewRepository
	histories  domain.HistoryRepository
	scorer     domain.Scorer
	auditor    *audit.Recorder
	metrics    *metrics.Metrics
	thresholds domain.Thresholds

	maxEscalations int
	resolution     ResolutionHandler
}

// NewRiskService 创建风险服务
func NewRiskService(
	reviews domain.ReviewRepository,
	histories domain.HistoryRepository,
	scorer domain.Scorer,
	auditor *audit.Recorder,
	m *metrics.Metrics,
	thresholds domain.Thresholds,
	maxEscalations int,
) *RiskService {
	return &RiskService{
		reviews:        reviews,
		histories:      histories,
		scorer:         scorer,
		auditor:        auditor,
		metrics:        m,
		thresholds:     thresholds,
		maxEscalations: maxEscalations,
	}
}

// SetResolutionHandler 注册审核裁决回调
func (s *RiskService) SetResolutionHandler(handler ResolutionHandler) {
	s.resolution = handler
}

// AssessRequest 风险评估请求
type AssessRequest struct {
	TransactionID string
	UserID        string
	SourceChain   string
	DestChain     string
	Amount        decimal.Decimal
	Asset         string
}

// Assess 对交易做风险评估。黑名单命中直接拒绝，评分服务不可达时
// 保守裁决为紧急人工审核。裁决为升级时同步创建审核队列条目。
func (s *RiskService) Assess(ctx context.Context, req AssessRequest) (domain.Decision, error) {
	var decision domain.Decision
	source := "scorer"

	result, err := s.scorer.Score(ctx, domain.ScoreRequest{
		TransactionID: req.TransactionID,
		UserID:        req.UserID,
		SourceChain:   req.SourceChain,
		DestChain:     req.DestChain,
		Amount:        req.Amount,
		Asset:         req.Asset,
	})
	switch {
	case err != nil:
		logger.Warn(ctx, "risk scorer unavailable, failing closed",
			"transaction_id", req.TransactionID, "error", err)
		decision = domain.DecideUnreachable()
		source = "fallback"
	case result.Blacklisted:
		decision = domain.DecideBlacklisted(result.Score, result.Factors)
	default:
		decision = domain.Decide(result.Score, s.thresholds)
		decision.Factors = result.Factors
	}

	history := &domain.RiskScoreHistory{
		TransactionID: req.TransactionID,
		UserID:        req.UserID,
		Score:         decision.Score,
		Level:         decision.Level.String(),
		Outcome:       decision.Outcome.String(),
		Factors:       decision.Factors,
		Source:        source,
		Reason:        decision.Reason,
	}
	if err := s.histories.Save(ctx, history); err != nil {
		logger.Error(ctx, "failed to save risk history", "transaction_id", req.TransactionID, "error", err)
	}

	event := audit.NewEvent(audit.EventRiskAssessed, "transaction", req.TransactionID, "risk-gate", map[string]any{
		"score":   decision.Score,
		"level":   decision.Level.String(),
		"outcome": decision.Outcome.String(),
		"source":  source,
	})
	s.auditor.Record(ctx, event)

	if decision.Outcome == domain.OutcomeEscalated {
		if err := s.enqueueReview(ctx, req, decision); err != nil {
			return decision, err
		}
	}

	return decision, nil
}

func (s *RiskService) enqueueReview(ctx context.Context, req AssessRequest, decision domain.Decision) error {
	entry := domain.NewReviewEntry(idgen.WithPrefix("RV-"), req.TransactionID, req.UserID, req.Amount, decision)
	if err := s.reviews.Save(ctx, entry); err != nil {
		return err
	}

	s.metrics.RiskEscalationsTotal.Inc()
	s.refreshQueueGauge(ctx)

	event := audit.NewEvent(audit.EventRiskEscalated, "review_entry", entry.EntryID, "risk-gate", map[string]any{
		"transaction_id": req.TransactionID,
		"priority":       entry.Priority.String(),
		"sla_deadline":   entry.SLADeadline,
	})
	s.auditor.Record(ctx, event)

	logger.Info(ctx, "transaction escalated to manual review",
		"transaction_id", req.TransactionID, "entry_id", entry.EntryID, "priority", entry.Priority.String())
	return nil
}

// ListPending 列出待审条目
func (s *RiskService) ListPending(ctx context.Context, limit int) ([]*domain.ReviewQueueEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.reviews.ListPending(ctx, limit)
}

// GetReview 查询审核条目
func (s *RiskService) GetReview(ctx context.Context, entryID string) (*domain.ReviewQueueEntry, error) {
	return s.reviews.Get(ctx, entryID)
}

// Claim 认领审核条目
func (s *RiskService) Claim(ctx context.Context, entryID, reviewer string) (*domain.ReviewQueueEntry, error) {
	entry, err := s.reviews.Claim(ctx, entryID, reviewer)
	if err != nil {
		return nil, err
	}

	event := audit.NewEvent(audit.EventReviewClaimed, "review_entry", entry.EntryID, reviewer, nil)
	s.auditor.Record(ctx, event)
	return entry, nil
}

// Approve 批准审核条目并回调放行
func (s *RiskService) Approve(ctx context.Context, entryID, reviewer, note string) (*domain.ReviewQueueEntry, error) {
	return s.resolve(ctx, entryID, reviewer, note, true)
}

// Reject 拒绝审核条目并回调拦截
func (s *RiskService) Reject(ctx context.Context, entryID, reviewer, note string) (*domain.ReviewQueueEntry, error) {
	return s.resolve(ctx, entryID, reviewer, note, false)
}

func (s *RiskService) resolve(ctx context.Context, entryID, reviewer, note string, approved bool) (*domain.ReviewQueueEntry, error) {
	entry, err := s.reviews.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}

	if approved {
		err = entry.Approve(reviewer, note)
	} else {
		err = entry.Reject(reviewer, note)
	}
	if err != nil {
		return nil, err
	}

	if err := s.reviews.Update(ctx, entry); err != nil {
		return nil, err
	}
	s.refreshQueueGauge(ctx)

	event := audit.NewEvent(audit.EventReviewResolved, "review_entry", entry.EntryID, reviewer, map[string]any{
		"transaction_id": entry.TransactionID,
		"approved":       approved,
		"note":           note,
	})
	s.auditor.Record(ctx, event)

	if s.resolution != nil {
		if err := s.resolution.OnReviewResolved(ctx, entry.TransactionID, approved); err != nil {
			logger.Error(ctx, "review resolution callback failed",
				"entry_id", entry.EntryID, "transaction_id", entry.TransactionID, "error", err)
		}
	}

	logger.Info(ctx, "review entry resolved",
		"entry_id", entry.EntryID, "reviewer", reviewer, "approved", approved)
	return entry, nil
}

// SweepOverdue 处理 SLA 超时的条目：升级优先级重新入队，
// 升级次数耗尽后作废并按拒绝回调。
func (s *RiskService) SweepOverdue(ctx context.Context) (int, error) {
	entries, err := s.reviews.FindOverdue(ctx, time.Now(), 100)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, entry := range entries {
		expired := entry.Escalate(s.maxEscalations)
		if err := s.reviews.Update(ctx, entry); err != nil {
			logger.Error(ctx, "failed to escalate overdue review", "entry_id", entry.EntryID, "error", err)
			continue
		}
		swept++

		if expired {
			event := audit.NewEvent(audit.EventReviewExpired, "review_entry", entry.EntryID, "sla-sweeper", map[string]any{
				"transaction_id": entry.TransactionID,
				"escalations":    entry.EscalationCount,
			})
			s.auditor.Record(ctx, event)

			if s.resolution != nil {
				if err := s.resolution.OnReviewResolved(ctx, entry.TransactionID, false); err != nil {
					logger.Error(ctx, "expired review callback failed",
						"entry_id", entry.EntryID, "transaction_id", entry.TransactionID, "error", err)
				}
			}
			logger.Warn(ctx, "review entry expired after exhausting escalations",
				"entry_id", entry.EntryID, "transaction_id", entry.TransactionID)
		} else {
			logger.Info(ctx, "overdue review escalated",
				"entry_id", entry.EntryID, "priority", entry.Priority.String(), "escalations", entry.EscalationCount)
		}
	}

	if swept > 0 {
		s.refreshQueueGauge(ctx)
	}
	return swept, nil
}

// RunSLASweeper 启动 SLA 清扫循环，context 取消后退出
func (s *RiskService) RunSLASweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOverdue(ctx); err != nil {
				logger.Error(ctx, "review sla sweep failed", "error", err)
			}
		}
	}
}

// UserHistory 查询用户风险评分历史
func (s *RiskService) UserHistory(ctx context.Context, userID string, limit int) ([]*domain.RiskScoreHistory, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.histories.ListByUser(ctx, userID, limit)
}

func (s *RiskService) refreshQueueGauge(ctx context.Context) {
	if count, err := s.reviews.CountPending(ctx); err == nil {
		s.metrics.ReviewQueueDepth.Set(float64(count))
	}
}

// IsNotFound 判断是否为条目不存在错误
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrReviewNotFound)
}
