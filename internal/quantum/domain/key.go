// Package domain 量子密钥生命周期领域模型
package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// 支持的后量子算法
const (
	AlgorithmMLKEM1024 = "ml-kem-1024"
	AlgorithmMLDSA87   = "ml-dsa-87"
)

// 密钥用途
const (
	PurposeKeyEncapsulation = "key_encapsulation"
	PurposeTransactionSign  = "transaction_signing"
)

// 私钥存储加密算法
const EncryptionAESGCM = "aes-256-gcm"

// 轮换原因
const (
	RotationReasonScheduled   = "scheduled"
	RotationReasonExpired     = "expired"
	RotationReasonReissue     = "reissue"
	RotationReasonCompromised = "compromised"
)

// ML-KEM-1024 密钥与密文长度（字节）
const (
	MLKEMPublicKeySize  = 1568
	MLKEMPrivateKeySize = 3168
	MLKEMCiphertextSize = 1568
	MLKEMSharedKeySize  = 32
)

// ML-DSA-87 密钥长度（字节）
const (
	MLDSAPublicKeySize  = 2592
	MLDSAPrivateKeySize = 4896
)

// KeyStatus 密钥状态
type KeyStatus int8

const (
	KeyStatusActive      KeyStatus = 1 // 活跃
	KeyStatusRotated     KeyStatus = 2 // 已轮换
	KeyStatusCompromised KeyStatus = 3 // 已泄露
	KeyStatusExpired     KeyStatus = 4 // 已过期
)

func (s KeyStatus) String() string {
	switch s {
	case KeyStatusActive:
		return "ACTIVE"
	case KeyStatusRotated:
		return "ROTATED"
	case KeyStatusCompromised:
		return "COMPROMISED"
	case KeyStatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// ValidationStatus 密钥校验状态
type ValidationStatus int8

const (
	ValidationPending  ValidationStatus = 1 // 待校验
	ValidationVerified ValidationStatus = 2 // 校验通过
	ValidationFailed   ValidationStatus = 3 // 校验失败
	ValidationRevoked  ValidationStatus = 4 // 已吊销，不再参与校验
)

func (v ValidationStatus) String() string {
	switch v {
	case ValidationPending:
		return "PENDING"
	case ValidationVerified:
		return "VERIFIED"
	case ValidationFailed:
		return "FAILED"
	case ValidationRevoked:
		return "REVOKED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrKeyNotActive 密钥不是活跃状态
	ErrKeyNotActive = errors.New("key is not active")
	// ErrKeyNotFound 密钥不存在
	ErrKeyNotFound = errors.New("key not found")
	// ErrKeyCompromised 密钥已泄露，不得再参与任何操作
	ErrKeyCompromised = errors.New("key is compromised")
	// ErrInvalidKeySize 密钥长度与算法不匹配
	ErrInvalidKeySize = errors.New("key size does not match algorithm")
	// ErrUnsupportedAlgorithm 不支持的算法
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	// ErrDuplicateActiveKey 同一 (owner, algorithm, purpose) 已存在活跃密钥
	ErrDuplicateActiveKey = errors.New("active key already exists for owner, algorithm and purpose")
)

// QuantumKey 量子密钥聚合根。私钥始终以加密形态存储，明文私钥不落库。
// ActiveFlag 活跃时为 1，其余为 NULL。MySQL 唯一索引忽略 NULL 行，
// 因此 idx_active_key 保证同一 (owner, algorithm, purpose) 至多一把活跃密钥。
type QuantumKey struct {
	gorm.Model
	KeyID               string           `gorm:"column:key_id;type:varchar(64);uniqueIndex;not null" json:"key_id"`
	OwnerID             string           `gorm:"column:owner_id;type:varchar(64);index;uniqueIndex:idx_active_key;not null" json:"owner_id"`
	Algorithm           string           `gorm:"column:algorithm;type:varchar(32);uniqueIndex:idx_active_key;not null" json:"algorithm"`
	Purpose             string           `gorm:"column:purpose;type:varchar(32);index;uniqueIndex:idx_active_key;not null" json:"purpose"`
	ActiveFlag          *int8            `gorm:"column:active_flag;type:tinyint;uniqueIndex:idx_active_key" json:"-"`
	PublicKey           []byte           `gorm:"column:public_key;type:blob;not null" json:"public_key"`
	EncryptedPrivateKey []byte           `gorm:"column:encrypted_private_key;type:blob;not null" json:"-"`
	EncryptionAlgorithm string           `gorm:"column:encryption_algorithm;type:varchar(32);not null" json:"encryption_algorithm"`
	Generation          int              `gorm:"column:generation;not null;default:1" json:"generation"`
	PreviousKeyID       string           `gorm:"column:previous_key_id;type:varchar(64);index" json:"previous_key_id,omitempty"`
	Status              KeyStatus        `gorm:"column:status;type:tinyint;not null;default:1" json:"status"`
	ValidationStatus    ValidationStatus `gorm:"column:validation_status;type:tinyint;not null;default:1" json:"validation_status"`
	RotationReason      string           `gorm:"column:rotation_reason;type:varchar(64)" json:"rotation_reason,omitempty"`
	ExpiresAt           time.Time        `gorm:"column:expires_at;index;not null" json:"expires_at"`
	RotatedAt           *time.Time       `gorm:"column:rotated_at" json:"rotated_at,omitempty"`
	CompromisedAt       *time.Time       `gorm:"column:compromised_at" json:"compromised_at,omitempty"`
	LastUsedAt          *time.Time       `gorm:"column:last_used_at" json:"last_used_at,omitempty"`
}

// TableName 表名
func (QuantumKey) TableName() string {
	return "quantum_keys"
}

func activeFlag() *int8 {
	one := int8(1)
	return &one
}

// NewQuantumKey 创建第一代量子密钥
func NewQuantumKey(keyID, ownerID, algorithm, purpose string, publicKey, encryptedPrivateKey []byte, ttl time.Duration) (*QuantumKey, error) {
	if err := ValidatePublicKeySize(algorithm, publicKey); err != nil {
		return nil, err
	}
	return &QuantumKey{
		KeyID:               keyID,
		OwnerID:             ownerID,
		Algorithm:           algorithm,
		Purpose:             purpose,
		ActiveFlag:          activeFlag(),
		PublicKey:           publicKey,
		EncryptedPrivateKey: encryptedPrivateKey,
		EncryptionAlgorithm: EncryptionAESGCM,
		Generation:          1,
		Status:              KeyStatusActive,
		ValidationStatus:    ValidationPending,
		ExpiresAt:           time.Now().Add(ttl),
	}, nil
}

// NextGeneration 基于当前密钥派生下一代密钥。当前密钥本身不变，
// 轮换的原子性由仓储事务保证。
func (k *QuantumKey) NextGeneration(keyID string, publicKey, encryptedPrivateKey []byte, ttl time.Duration) (*QuantumKey, error) {
	if k.Status != KeyStatusActive {
		return nil, ErrKeyNotActive
	}
	if err := ValidatePublicKeySize(k.Algorithm, publicKey); err != nil {
		return nil, err
	}
	return &QuantumKey{
		KeyID:               keyID,
		OwnerID:             k.OwnerID,
		Algorithm:           k.Algorithm,
		Purpose:             k.Purpose,
		ActiveFlag:          activeFlag(),
		PublicKey:           publicKey,
		EncryptedPrivateKey: encryptedPrivateKey,
		EncryptionAlgorithm: EncryptionAESGCM,
		Generation:          k.Generation + 1,
		PreviousKeyID:       k.KeyID,
		Status:              KeyStatusActive,
		ValidationStatus:    ValidationPending,
		ExpiresAt:           time.Now().Add(ttl),
	}, nil
}

// MarkRotated 标记为已轮换并记录轮换原因
func (k *QuantumKey) MarkRotated(reason string) error {
	if k.Status != KeyStatusActive {
		return ErrKeyNotActive
	}
	now := time.Now()
	k.Status = KeyStatusRotated
	k.ActiveFlag = nil
	k.RotationReason = reason
	k.RotatedAt = &now
	return nil
}

// MarkCompromised 标记为已泄露。任何状态的密钥都可以被标记，
// 校验状态强制吊销，已泄露的密钥不得再参与任何加解密。
func (k *QuantumKey) MarkCompromised() {
	now := time.Now()
	k.Status = KeyStatusCompromised
	k.ActiveFlag = nil
	k.ValidationStatus = ValidationRevoked
	k.CompromisedAt = &now
}

// MarkExpired 标记为已过期
func (k *QuantumKey) MarkExpired() error {
	if k.Status != KeyStatusActive {
		return ErrKeyNotActive
	}
	k.Status = KeyStatusExpired
	k.ActiveFlag = nil
	return nil
}

// MarkVerified 校验通过
func (k *QuantumKey) MarkVerified() {
	k.ValidationStatus = ValidationVerified
}

// MarkValidationFailed 校验失败
func (k *QuantumKey) MarkValidationFailed() {
	k.ValidationStatus = ValidationFailed
}

// IsUsable 密钥是否可用于加解密
func (k *QuantumKey) IsUsable() bool {
	return k.Status == KeyStatusActive && time.Now().Before(k.ExpiresAt)
}

// IsExpired 密钥是否已超过有效期
func (k *QuantumKey) IsExpired() bool {
	return !time.Now().Before(k.ExpiresAt)
}

// Touch 更新最近使用时间
func (k *QuantumKey) Touch() {
	now := time.Now()
	k.LastUsedAt = &now
}

// ValidatePublicKeySize 校验公钥长度与算法匹配
func ValidatePublicKeySize(algorithm string, publicKey []byte) error {
	switch algorithm {
	case AlgorithmMLKEM1024:
		if len(publicKey) != MLKEMPublicKeySize {
			return ErrInvalidKeySize
		}
	case AlgorithmMLDSA87:
		if len(publicKey) != MLDSAPublicKeySize {
			return ErrInvalidKeySize
		}
	default:
		return ErrUnsupportedAlgorithm
	}
	return nil
}

// KeyRepository 量子密钥仓储接口
type KeyRepository interface {
	// Save 保存密钥，活跃唯一索引冲突映射为 ErrDuplicateActiveKey
	Save(ctx context.Context, key *QuantumKey) error
	Update(ctx context.Context, key *QuantumKey) error
	Get(ctx context.Context, keyID string) (*QuantumKey, error)
	// GetActive 获取某 (owner, algorithm, purpose) 当前活跃的密钥
	GetActive(ctx context.Context, ownerID, algorithm, purpose string) (*QuantumKey, error)
	// Rotate 在单个事务中写入新密钥并将旧密钥置为已轮换，记录轮换原因。
	// 旧密钥已非活跃时返回 ErrKeyNotActive。
	Rotate(ctx context.Context, oldKeyID, reason string, newKey *QuantumKey) error
	// FindExpiredActive 查找已过期但仍标记为活跃的密钥
	FindExpiredActive(ctx context.Context, now time.Time, limit int) ([]*QuantumKey, error)
	// Lineage 按 previous_key_id 链从指定密钥回溯全部世代
	Lineage(ctx context.Context, keyID string) ([]*QuantumKey, error)
	CountActive(ctx context.Context) (int64, error)
}
