package mysql

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/quantumbridge/internal/quantum/domain"
)

// KeyRepository 量子密钥 MySQL 仓储
type KeyRepository struct {
	db *gorm.DB
}

// NewKeyRepository 创建量子密钥仓储
func NewKeyRepository(db *gorm.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

// Save 保存密钥，活跃唯一索引冲突映射为 ErrDuplicateActiveKey
func (r *KeyRepository) Save(ctx context.Context, key *domain.QuantumKey) error {
	err := r.db.WithContext(ctx).Create(key).Error
	if err != nil && isDuplicateKey(err) {
		return domain.ErrDuplicateActiveKey
	}
	return err
}

// Update 更新密钥
func (r *KeyRepository) Update(ctx context.Context, key *domain.QuantumKey) error {
	return r.db.WithContext(ctx).Save(key).Error
}

// Get 按 key_id 查询密钥
func (r *KeyRepository) Get(ctx context.Context, keyID string) (*domain.QuantumKey, error) {
	var key domain.QuantumKey
	err := r.db.WithContext(ctx).Where("key_id = ?", keyID).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// GetActive 获取某 (owner, algorithm, purpose) 当前活跃的密钥，
// 活跃唯一索引保证同一三元组同一时刻至多一把活跃密钥
func (r *KeyRepository) GetActive(ctx context.Context, ownerID, algorithm, purpose string) (*domain.QuantumKey, error) {
	var key domain.QuantumKey
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND algorithm = ? AND purpose = ? AND status = ?",
			ownerID, algorithm, purpose, domain.KeyStatusActive).
		First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// Rotate 在单个事务中将旧密钥置为已轮换并写入新密钥。
// 条件更新保证并发轮换只有一个成功，新旧交替期间不会出现两把活跃密钥。
func (r *KeyRepository) Rotate(ctx context.Context, oldKeyID, reason string, newKey *domain.QuantumKey) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		result := tx.Model(&domain.QuantumKey{}).
			Where("key_id = ? AND status = ?", oldKeyID, domain.KeyStatusActive).
			Updates(map[string]any{
				"status":          domain.KeyStatusRotated,
				"active_flag":     nil,
				"rotation_reason": reason,
				"rotated_at":      now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrKeyNotActive
		}
		return tx.Create(newKey).Error
	})
}

// FindExpiredActive 查找已过期但仍标记为活跃的密钥
func (r *KeyRepository) FindExpiredActive(ctx context.Context, now time.Time, limit int) ([]*domain.QuantumKey, error) {
	var keys []*domain.QuantumKey
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", domain.KeyStatusActive, now).
		Limit(limit).
		Find(&keys).Error
	return keys, err
}

// Lineage 按 previous_key_id 链从指定密钥回溯全部世代，最新的在前
func (r *KeyRepository) Lineage(ctx context.Context, keyID string) ([]*domain.QuantumKey, error) {
	var lineage []*domain.QuantumKey
	current := keyID
	for current != "" {
		key, err := r.Get(ctx, current)
		if err != nil {
			if errors.Is(err, domain.ErrKeyNotFound) && len(lineage) > 0 {
				break
			}
			return nil, err
		}
		lineage = append(lineage, key)
		current = key.PreviousKeyID
	}
	return lineage, nil
}

// CountActive 统计活跃密钥数
func (r *KeyRepository) CountActive(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.QuantumKey{}).
		Where("status = ?", domain.KeyStatusActive).
		Count(&count).Error
	return count, err
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "Duplicate entry")
}
