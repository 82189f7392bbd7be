package mysql

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/quantumbridge/internal/bridge/domain"
)

// TransactionRepository 跨链转账 MySQL 仓储
type TransactionRepository struct {
	db *gorm.DB
}

// NewTransactionRepository 创建转账仓储
func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Save 保存转账，user_id+nonce 唯一索引冲突映射为 ErrDuplicateNonce
func (r *TransactionRepository) Save(ctx context.Context, tx *domain.Transaction) error {
	err := r.db.WithContext(ctx).Create(tx).Error
	if err != nil && isDuplicateKey(err) {
		return domain.ErrDuplicateNonce
	}
	return err
}

// Update 条件更新聚合。WHERE 携带预期状态，0 行命中说明转账已被
// 其他写入方（清扫任务或另一个执行器）推进，返回 ErrConcurrentModification。
// 状态列与新事件在同一数据库事务内写入。
func (r *TransactionRepository) Update(ctx context.Context, tx *domain.Transaction, expected domain.TransactionStatus) error {
	return r.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		result := dbtx.Model(&domain.Transaction{}).
			Where("transaction_id = ? AND status = ?", tx.TransactionID, expected).
			Select("status", "risk_score", "risk_factors", "quantum_key_id",
				"lock_tx_hash", "release_tx_hash", "refund_tx_hash",
				"fail_reason", "completed_at").
			Updates(tx)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrConcurrentModification
		}
		for i := range tx.Events {
			if tx.Events[i].ID == 0 {
				if err := dbtx.Create(&tx.Events[i]).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Get 按 transaction_id 查询，含事件
func (r *TransactionRepository) Get(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := r.db.WithContext(ctx).
		Preload("Events").
		Where("transaction_id = ?", transactionID).
		First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetByUserNonce 幂等查找
func (r *TransactionRepository) GetByUserNonce(ctx context.Context, userID, nonce string) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND nonce = ?", userID, nonce).
		First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// ListByUser 按用户查询转账
func (r *TransactionRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Transaction, error) {
	var txs []*domain.Transaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// FindExpiredBeforeLock 查找超过截止时间且尚未锁定资金的转账
func (r *TransactionRepository) FindExpiredBeforeLock(ctx context.Context, now time.Time, limit int) ([]*domain.Transaction, error) {
	var txs []*domain.Transaction
	preLockStatuses := []domain.TransactionStatus{
		domain.StatusCreated,
		domain.StatusRiskAssessing,
		domain.StatusRiskEscalated,
		domain.StatusCleared,
		domain.StatusKeyBound,
	}
	err := r.db.WithContext(ctx).
		Where("status IN ? AND deadline <= ?", preLockStatuses, now).
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// CountActive 统计未终态转账数
func (r *TransactionRepository) CountActive(ctx context.Context) (int64, error) {
	var count int64
	terminal := []domain.TransactionStatus{
		domain.StatusRiskRejected,
		domain.StatusCompleted,
		domain.StatusRefunded,
		domain.StatusFailed,
		domain.StatusExpired,
	}
	err := r.db.WithContext(ctx).Model(&domain.Transaction{}).
		Where("status NOT IN ?", terminal).
		Count(&count).Error
	return count, err
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "Duplicate entry")
}
