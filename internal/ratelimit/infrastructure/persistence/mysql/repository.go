package mysql

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wyfcoding/quantumbridge/internal/ratelimit/domain"
)

// ViolationRepository 限流违规 MySQL 仓储
type ViolationRepository struct {
	db *gorm.DB
}

// NewViolationRepository 创建违规仓储
func NewViolationRepository(db *gorm.DB) *ViolationRepository {
	return &ViolationRepository{db: db}
}

// Upsert 记录一次违规，同一调用方同一接口分类累加次数
func (r *ViolationRepository) Upsert(ctx context.Context, v *domain.Violation) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "caller_id"}, {Name: "endpoint_class"}},
		DoUpdates: clause.Assignments(map[string]any{
			"violation_count":   gorm.Expr("violation_count + 1"),
			"last_violated_at":  v.LastViolatedAt,
			"last_request_path": v.LastRequestPath,
			"tier":              v.Tier,
		}),
	}).Create(v).Error
}

// ListRecent 列出近期有违规的调用方
func (r *ViolationRepository) ListRecent(ctx context.Context, since time.Time, limit int) ([]*domain.Violation, error) {
	var violations []*domain.Violation
	err := r.db.WithContext(ctx).
		Where("last_violated_at >= ?", since).
		Order("last_violated_at DESC").
		Limit(limit).
		Find(&violations).Error
	return violations, err
}

// StatRepository 小时统计 MySQL 仓储
type StatRepository struct {
	db *gorm.DB
}

// NewStatRepository 创建统计仓储
func NewStatRepository(db *gorm.DB) *StatRepository {
	return &StatRepository{db: db}
}

// Save 保存统计行，重复窗口覆盖
func (r *StatRepository) Save(ctx context.Context, stat *domain.HourlyStat) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "window_start"}, {Name: "endpoint_class"}, {Name: "tier"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"allowed_count", "rejected_count", "distinct_callers",
		}),
	}).Create(stat).Error
}

// ListSince 列出指定时间之后的统计
func (r *StatRepository) ListSince(ctx context.Context, since time.Time) ([]*domain.HourlyStat, error) {
	var stats []*domain.HourlyStat
	err := r.db.WithContext(ctx).
		Where("window_start >= ?", since).
		Order("window_start DESC").
		Find(&stats).Error
	return stats, err
}
