package application

import (
	"context"
	"errors"
	"time"

	"github.com/wyfcoding/quantumbridge/internal/audit"
	"github.com/wyfcoding/quantumbridge/internal/quantum/domain"
	"github.com/wyfcoding/quantumbridge/internal/quantum/infrastructure/crypto"
	"github.com/wyfcoding/quantumbridge/pkg/idgen"
	"github.com/wyfcoding/quantumbridge/pkg/logger"
	"github.com/wyfcoding/quantumbridge/pkg/metrics"
)

// KeyService 量子密钥生命周期服务
type KeyService struct {
	repo       domain.KeyRepository
	engine     *crypto.Engine
	auditor    *audit.Recorder
	metrics    *metrics.Metrics
	defaultTTL time.Duration
}

// NewKeyService 创建密钥服务
func NewKeyService(
	repo domain.KeyRepository,
	engine *crypto.Engine,
	auditor *audit.Recorder,
	m *metrics.Metrics,
	defaultTTL time.Duration,
) *KeyService {
	return &KeyService{
		repo:       repo,
		engine:     engine,
		auditor:    auditor,
		metrics:    m,
		defaultTTL: defaultTTL,
	}
}

// Issue 签发密钥。同一 (owner, algorithm, purpose) 已有活跃密钥时
// 按重签原因轮换到下一代，而不是并排创建第二把活跃密钥。
func (s *KeyService) Issue(ctx context.Context, ownerID, algorithm, purpose string, ttl time.Duration) (*domain.QuantumKey, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	existing, err := s.repo.GetActive(ctx, ownerID, algorithm, purpose)
	if err == nil {
		return s.rotate(ctx, existing, domain.RotationReasonReissue)
	}
	if !errors.Is(err, domain.ErrKeyNotFound) {
		return nil, err
	}

	publicKey, encryptedPrivateKey, err := s.engine.GenerateKeyPair(algorithm)
	if err != nil {
		return nil, err
	}

	key, err := domain.NewQuantumKey(idgen.WithPrefix("QK-"), ownerID, algorithm, purpose, publicKey, encryptedPrivateKey, ttl)
	if err != nil {
		return nil, err
	}

	if err := s.repo.Save(ctx, key); err != nil {
		// 并发签发撞上活跃唯一索引，读回赢家写入的密钥
		if errors.Is(err, domain.ErrDuplicateActiveKey) {
			return s.repo.GetActive(ctx, ownerID, algorithm, purpose)
		}
		return nil, err
	}

	event := audit.NewEvent(audit.EventKeyIssued, "quantum_key", key.KeyID, "system", map[string]any{
		"owner_id":   key.OwnerID,
		"algorithm":  key.Algorithm,
		"purpose":    key.Purpose,
		"generation": key.Generation,
		"expires_at": key.ExpiresAt,
	})
	s.auditor.Record(ctx, event)

	s.refreshActiveGauge(ctx)
	logger.Info(ctx, "quantum key issued", "key_id", key.KeyID, "owner_id", ownerID, "algorithm", algorithm, "purpose", purpose)
	return key, nil
}

// Rotate 轮换密钥：生成下一代密钥，原子地替换旧密钥并记录轮换原因
func (s *KeyService) Rotate(ctx context.Context, keyID, reason string) (*domain.QuantumKey, error) {
	oldKey, err := s.repo.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = domain.RotationReasonScheduled
	}
	return s.rotate(ctx, oldKey, reason)
}

func (s *KeyService) rotate(ctx context.Context, oldKey *domain.QuantumKey, reason string) (*domain.QuantumKey, error) {
	publicKey, encryptedPrivateKey, err := s.engine.GenerateKeyPair(oldKey.Algorithm)
	if err != nil {
		return nil, err
	}

	newKey, err := oldKey.NextGeneration(idgen.WithPrefix("QK-"), publicKey, encryptedPrivateKey, s.defaultTTL)
	if err != nil {
		return nil, err
	}

	if err := s.repo.Rotate(ctx, oldKey.KeyID, reason, newKey); err != nil {
		return nil, err
	}

	s.metrics.KeyRotationsTotal.Inc()
	event := audit.NewEvent(audit.EventKeyRotated, "quantum_key", newKey.KeyID, "system", map[string]any{
		"previous_key_id": oldKey.KeyID,
		"generation":      newKey.Generation,
		"reason":          reason,
	})
	if reason == domain.RotationReasonCompromised {
		event.Critical()
	}
	s.auditor.Record(ctx, event)

	logger.Info(ctx, "quantum key rotated",
		"old_key_id", oldKey.KeyID, "new_key_id", newKey.KeyID, "generation", newKey.Generation, "reason", reason)
	return newKey, nil
}

// Validate 校验密钥。已泄露的密钥校验状态保持吊销，返回 ErrKeyCompromised；
// 已过期的密钥直接记为校验失败。可用密钥做长度检查加一次封装解封自检，
// 结果写回校验状态。
func (s *KeyService) Validate(ctx context.Context, keyID string) (*domain.QuantumKey, error) {
	key, err := s.repo.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}

	if key.Status == domain.KeyStatusCompromised {
		return key, domain.ErrKeyCompromised
	}

	if key.IsExpired() {
		key.MarkValidationFailed()
		if err := s.repo.Update(ctx, key); err != nil {
			return nil, err
		}
		logger.Warn(ctx, "quantum key validation failed, key expired", "key_id", keyID, "expires_at", key.ExpiresAt)
		return key, nil
	}

	if err := domain.ValidatePublicKeySize(key.Algorithm, key.PublicKey); err != nil {
		key.MarkValidationFailed()
		_ = s.repo.Update(ctx, key)
		return key, err
	}

	if err := s.engine.SelfTest(key.Algorithm, key.PublicKey, key.EncryptedPrivateKey); err != nil {
		key.MarkValidationFailed()
		if updateErr := s.repo.Update(ctx, key); updateErr != nil {
			return nil, updateErr
		}
		logger.Warn(ctx, "quantum key validation failed", "key_id", keyID, "error", err)
		return key, nil
	}

	key.MarkVerified()
	if err := s.repo.Update(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// MarkCompromised 标记密钥泄露：立即停用并吊销校验状态。
// 泄露事件以紧急级别记录，替换密钥在下一次取活跃密钥时自动签发。
func (s *KeyService) MarkCompromised(ctx context.Context, keyID, actor, reason string) (*domain.QuantumKey, error) {
	key, err := s.repo.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}

	key.MarkCompromised()
	if err := s.repo.Update(ctx, key); err != nil {
		return nil, err
	}

	event := audit.NewEvent(audit.EventKeyCompromised, "quantum_key", key.KeyID, actor, map[string]any{
		"reason": reason,
	}).Critical()
	s.auditor.Record(ctx, event)

	s.refreshActiveGauge(ctx)
	logger.Warn(ctx, "quantum key marked compromised", "key_id", keyID, "actor", actor, "reason", reason)
	return key, nil
}

// Get 查询密钥
func (s *KeyService) Get(ctx context.Context, keyID string) (*domain.QuantumKey, error) {
	return s.repo.Get(ctx, keyID)
}

// Lineage 查询密钥世代链
func (s *KeyService) Lineage(ctx context.Context, keyID string) ([]*domain.QuantumKey, error) {
	return s.repo.Lineage(ctx, keyID)
}

// ActiveKey 获取某 (owner, algorithm, purpose) 的活跃密钥。
// 活跃密钥已过有效期时自动轮换，无活跃密钥时自动签发。
func (s *KeyService) ActiveKey(ctx context.Context, ownerID, algorithm, purpose string) (*domain.QuantumKey, error) {
	key, err := s.repo.GetActive(ctx, ownerID, algorithm, purpose)
	if err == nil {
		if key.IsUsable() {
			return key, nil
		}
		return s.rotate(ctx, key, domain.RotationReasonExpired)
	}
	if !errors.Is(err, domain.ErrKeyNotFound) {
		return nil, err
	}
	return s.Issue(ctx, ownerID, algorithm, purpose, s.defaultTTL)
}

// Encapsulate 用指定密钥封装共享密钥
func (s *KeyService) Encapsulate(ctx context.Context, keyID string) (ciphertext, sharedSecret []byte, err error) {
	key, err := s.repo.Get(ctx, keyID)
	if err != nil {
		return nil, nil, err
	}
	if !key.IsUsable() {
		return nil, nil, domain.ErrKeyNotActive
	}

	ct, ss, err := s.engine.Encapsulate(key.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	key.Touch()
	_ = s.repo.Update(ctx, key)
	return ct, ss, nil
}

// Decapsulate 用指定密钥解封共享密钥。已轮换的密钥仍可解封历史密文，
// 已泄露的密钥不可。
func (s *KeyService) Decapsulate(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	key, err := s.repo.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if key.Status == domain.KeyStatusCompromised {
		return nil, domain.ErrKeyNotActive
	}
	return s.engine.Decapsulate(key.EncryptedPrivateKey, ciphertext)
}

// Sign 用签名密钥签名消息
func (s *KeyService) Sign(ctx context.Context, keyID string, message []byte) ([]byte, error) {
	key, err := s.repo.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if !key.IsUsable() {
		return nil, domain.ErrKeyNotActive
	}
	return s.engine.Sign(key.EncryptedPrivateKey, message)
}

// Verify 校验签名
func (s *KeyService) Verify(ctx context.Context, keyID string, message, signature []byte) (bool, error) {
	key, err := s.repo.Get(ctx, keyID)
	if err != nil {
		return false, err
	}
	return s.engine.Verify(key.PublicKey, message, signature)
}

// SweepExpired 将过期的活跃密钥标记为已过期，由定时任务周期调用
func (s *KeyService) SweepExpired(ctx context.Context) (int, error) {
	keys, err := s.repo.FindExpiredActive(ctx, time.Now(), 100)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, key := range keys {
		if err := key.MarkExpired(); err != nil {
			continue
		}
		if err := s.repo.Update(ctx, key); err != nil {
			logger.Error(ctx, "failed to expire quantum key", "key_id", key.KeyID, "error", err)
			continue
		}
		event := audit.NewEvent(audit.EventKeyExpired, "quantum_key", key.KeyID, "sweeper", nil)
		s.auditor.Record(ctx, event)
		swept++
	}

	if swept > 0 {
		s.refreshActiveGauge(ctx)
		logger.Info(ctx, "expired quantum keys swept", "count", swept)
	}
	return swept, nil
}

// RunSweeper 启动过期密钥清扫循环，context 取消后退出
func (s *KeyService) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil {
				logger.Error(ctx, "quantum key sweep failed", "error", err)
			}
		}
	}
}

func (s *KeyService) refreshActiveGauge(ctx context.Context) {
	if count, err := s.repo.CountActive(ctx); err == nil {
		s.metrics.QuantumKeysActive.Set(float64(count))
	}
}
