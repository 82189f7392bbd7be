package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrTransactionNotFound 转账不存在
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrDuplicateNonce 同一用户重复提交 nonce
	ErrDuplicateNonce = errors.New("duplicate nonce for user")
	// ErrChainNotSupported 不支持的链
	ErrChainNotSupported = errors.New("chain not supported")
	// ErrConfirmationTimeout 链上确认超时
	ErrConfirmationTimeout = errors.New("chain confirmation timeout")
	// ErrConcurrentModification 条件更新未命中预期状态，转账已被其他写入方推进
	ErrConcurrentModification = errors.New("transaction modified concurrently")
)

// ChainError 链适配器错误。Retryable 为 true 时上层可按退避策略重试。
type ChainError struct {
	Chain     string
	Op        string
	Retryable bool
	Err       error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chain %s %s: %v", e.Chain, e.Op, e.Err)
}

func (e *ChainError) Unwrap() error {
	return e.Err
}

// NewChainError 构造链错误
func NewChainError(chain, op string, retryable bool, err error) *ChainError {
	return &ChainError{Chain: chain, Op: op, Retryable: retryable, Err: err}
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	var chainErr *ChainError
	if errors.As(err, &chainErr) {
		return chainErr.Retryable
	}
	return false
}

// LockRequest 源链锁定请求
type LockRequest struct {
	TransactionID string
	Asset         string
	Amount        decimal.Decimal
	SourceAddress string
	// KeyCommitment 量子密钥承诺，随锁定一起上链
	KeyCommitment []byte
}

// ReleaseRequest 目标链释放请求
type ReleaseRequest struct {
	TransactionID string
	Asset         string
	Amount        decimal.Decimal
	DestAddress   string
	LockTxHash    string
}

// RefundRequest 源链退款请求
type RefundRequest struct {
	TransactionID string
	Asset         string
	Amount        decimal.Decimal
	SourceAddress string
	LockTxHash    string
}

// TxReceipt 链上交易回执
type TxReceipt struct {
	TxHash    string
	Confirmed bool
}

// ChainAdapter 链适配器接口。所有调用都必须尊重 context 取消。
type ChainAdapter interface {
	// Name 链标识，如 ethereum、near
	Name() string
	// Lock 在源链提交锁定交易
	Lock(ctx context.Context, req LockRequest) (*TxReceipt, error)
	// PollConfirmation 轮询交易确认状态
	PollConfirmation(ctx context.Context, txHash string) (*TxReceipt, error)
	// Release 在目标链提交释放交易
	Release(ctx context.Context, req ReleaseRequest) (*TxReceipt, error)
	// Refund 在源链提交退款交易
	Refund(ctx context.Context, req RefundRequest) (*TxReceipt, error)
}

// ChainRegistry 链适配器注册表
type ChainRegistry struct {
	adapters map[string]ChainAdapter
}

// NewChainRegistry 创建注册表
func NewChainRegistry(adapters ...ChainAdapter) *ChainRegistry {
	registry := &ChainRegistry{adapters: make(map[string]ChainAdapter, len(adapters))}
	for _, adapter := range adapters {
		registry.adapters[adapter.Name()] = adapter
	}
	return registry
}

// Get 按链名获取适配器
func (r *ChainRegistry) Get(chain string) (ChainAdapter, error) {
	adapter, ok := r.adapters[chain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChainNotSupported, chain)
	}
	return adapter, nil
}

// Supported 判断链是否受支持
func (r *ChainRegistry) Supported(chain string) bool {
	_, ok := r.adapters[chain]
	return ok
}
