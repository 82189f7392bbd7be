// Package chain 链适配器实现与重试装饰器
package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/wyfcoding/quantumbridge/internal/bridge/domain"
)

// SimulatedAdapter 模拟链适配器。按固定确认延迟模拟链上交易生命周期，
// 用于开发环境与集成测试。生产部署替换为真实链的 RPC 适配器。
type SimulatedAdapter struct {
	name         string
	confirmAfter time.Duration

	mu        sync.Mutex
	submitted map[string]time.Time
}

// NewSimulatedAdapter 创建模拟适配器
func NewSimulatedAdapter(name string, confirmAfter time.Duration) *SimulatedAdapter {
	return &SimulatedAdapter{
		name:         name,
		confirmAfter: confirmAfter,
		submitted:    make(map[string]time.Time),
	}
}

// Name 链标识
func (a *SimulatedAdapter) Name() string {
	return a.name
}

// Lock 提交锁定交易
func (a *SimulatedAdapter) Lock(ctx context.Context, req domain.LockRequest) (*domain.TxReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewChainError(a.name, "lock", false, err)
	}
	return a.submit(req.TransactionID, "lock"), nil
}

// PollConfirmation 轮询确认状态
func (a *SimulatedAdapter) PollConfirmation(ctx context.Context, txHash string) (*domain.TxReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewChainError(a.name, "poll", false, err)
	}

	a.mu.Lock()
	submittedAt, ok := a.submitted[txHash]
	a.mu.Unlock()
	if !ok {
		return nil, domain.NewChainError(a.name, "poll", false, fmt.Errorf("unknown tx hash %s", txHash))
	}

	return &domain.TxReceipt{
		TxHash:    txHash,
		Confirmed: time.Since(submittedAt) >= a.confirmAfter,
	}, nil
}

// Release 提交释放交易
func (a *SimulatedAdapter) Release(ctx context.Context, req domain.ReleaseRequest) (*domain.TxReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewChainError(a.name, "release", false, err)
	}
	return a.submit(req.TransactionID, "release"), nil
}

// Refund 提交退款交易
func (a *SimulatedAdapter) Refund(ctx context.Context, req domain.RefundRequest) (*domain.TxReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewChainError(a.name, "refund", false, err)
	}
	return a.submit(req.TransactionID, "refund"), nil
}

func (a *SimulatedAdapter) submit(transactionID, op string) *domain.TxReceipt {
	sum := sha256.Sum256([]byte(a.name + ":" + op + ":" + transactionID))
	txHash := "0x" + hex.EncodeToString(sum[:])

	a.mu.Lock()
	if _, ok := a.submitted[txHash]; !ok {
		a.submitted[txHash] = time.Now()
	}
	a.mu.Unlock()

	return &domain.TxReceipt{TxHash: txHash, Confirmed: a.confirmAfter <= 0}
}
