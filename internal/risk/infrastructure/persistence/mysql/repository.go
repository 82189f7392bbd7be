package mysql

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/quantumbridge/internal/risk/domain"
)

// ReviewRepository 审核队列 MySQL 仓储
type ReviewRepository struct {
	db *gorm.DB
}

// NewReviewRepository 创建审核队列仓储
func NewReviewRepository(db *gorm.DB) *ReviewRepository {
	return &ReviewRepository{db: db}
}

// Save 保存审核条目
func (r *ReviewRepository) Save(ctx context.Context, entry *domain.ReviewQueueEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// Update 更新审核条目
func (r *ReviewRepository) Update(ctx context.Context, entry *domain.ReviewQueueEntry) error {
	return r.db.WithContext(ctx).Save(entry).Error
}

// Get 按 entry_id 查询
func (r *ReviewRepository) Get(ctx context.Context, entryID string) (*domain.ReviewQueueEntry, error) {
	var entry domain.ReviewQueueEntry
	err := r.db.WithContext(ctx).Where("entry_id = ?", entryID).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrReviewNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// GetByTransactionID 按交易 ID 查询最新的审核条目
func (r *ReviewRepository) GetByTransactionID(ctx context.Context, transactionID string) (*domain.ReviewQueueEntry, error) {
	var entry domain.ReviewQueueEntry
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("created_at DESC").
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrReviewNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Claim 条件更新认领，保证并发认领只有一个成功
func (r *ReviewRepository) Claim(ctx context.Context, entryID, reviewer string) (*domain.ReviewQueueEntry, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&domain.ReviewQueueEntry{}).
		Where("entry_id = ? AND status = ?", entryID, domain.ReviewStatusPending).
		Updates(map[string]any{
			"status":      domain.ReviewStatusClaimed,
			"assigned_to": reviewer,
			"claimed_at":  now,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		// 区分不存在与已被认领
		if _, err := r.Get(ctx, entryID); err != nil {
			return nil, err
		}
		return nil, domain.ErrReviewAlreadyClaimed
	}
	return r.Get(ctx, entryID)
}

// ListPending 按优先级降序、创建时间升序列出待审条目
func (r *ReviewRepository) ListPending(ctx context.Context, limit int) ([]*domain.ReviewQueueEntry, error) {
	var entries []*domain.ReviewQueueEntry
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.ReviewStatusPending).
		Order("priority DESC, created_at ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// FindOverdue 查找 SLA 超时的未终态条目
func (r *ReviewRepository) FindOverdue(ctx context.Context, now time.Time, limit int) ([]*domain.ReviewQueueEntry, error) {
	var entries []*domain.ReviewQueueEntry
	err := r.db.WithContext(ctx).
		Where("status IN ? AND sla_deadline <= ?",
			[]domain.ReviewStatus{domain.ReviewStatusPending, domain.ReviewStatusClaimed}, now).
		Order("priority DESC, created_at ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// CountPending 统计待审条目数
func (r *ReviewRepository) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.ReviewQueueEntry{}).
		Where("status = ?", domain.ReviewStatusPending).
		Count(&count).Error
	return count, err
}

// HistoryRepository 风险评分留痕 MySQL 仓储
type HistoryRepository struct {
	db *gorm.DB
}

// NewHistoryRepository 创建留痕仓储
func NewHistoryRepository(db *gorm.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Save 保存评分记录
func (r *HistoryRepository) Save(ctx context.Context, history *domain.RiskScoreHistory) error {
	return r.db.WithContext(ctx).Create(history).Error
}

// ListByUser 按用户查询评分历史
func (r *HistoryRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.RiskScoreHistory, error) {
	var histories []*domain.RiskScoreHistory
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&histories).Error
	return histories, err
}
