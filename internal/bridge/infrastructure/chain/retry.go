package chain

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/wyfcoding/quantumbridge/internal/bridge/domain"
	"github.com/wyfcoding/quantumbridge/pkg/logger"
	"github.com/wyfcoding/quantumbridge/pkg/metrics"
)

// RetryingAdapter 链适配器重试装饰器。可重试的链错误按指数退避重试，
// 不可重试的错误立即上抛。
type RetryingAdapter struct {
	inner      domain.ChainAdapter
	maxRetries uint
	metrics    *metrics.Metrics
}

// NewRetryingAdapter 包装适配器
func NewRetryingAdapter(inner domain.ChainAdapter, maxRetries int, m *metrics.Metrics) *RetryingAdapter {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &RetryingAdapter{inner: inner, maxRetries: uint(maxRetries), metrics: m}
}

// Name 链标识
func (a *RetryingAdapter) Name() string {
	return a.inner.Name()
}

// Lock 带重试的锁定
func (a *RetryingAdapter) Lock(ctx context.Context, req domain.LockRequest) (*domain.TxReceipt, error) {
	return a.withRetry(ctx, "lock", func() (*domain.TxReceipt, error) {
		return a.inner.Lock(ctx, req)
	})
}

// PollConfirmation 带重试的确认轮询
func (a *RetryingAdapter) PollConfirmation(ctx context.Context, txHash string) (*domain.TxReceipt, error) {
	return a.withRetry(ctx, "poll", func() (*domain.TxReceipt, error) {
		return a.inner.PollConfirmation(ctx, txHash)
	})
}

// Release 带重试的释放
func (a *RetryingAdapter) Release(ctx context.Context, req domain.ReleaseRequest) (*domain.TxReceipt, error) {
	return a.withRetry(ctx, "release", func() (*domain.TxReceipt, error) {
		return a.inner.Release(ctx, req)
	})
}

// Refund 带重试的退款
func (a *RetryingAdapter) Refund(ctx context.Context, req domain.RefundRequest) (*domain.TxReceipt, error) {
	return a.withRetry(ctx, "refund", func() (*domain.TxReceipt, error) {
		return a.inner.Refund(ctx, req)
	})
}

func (a *RetryingAdapter) withRetry(ctx context.Context, op string, call func() (*domain.TxReceipt, error)) (*domain.TxReceipt, error) {
	attempt := 0
	operation := func() (*domain.TxReceipt, error) {
		attempt++
		receipt, err := call()
		if err == nil {
			return receipt, nil
		}
		if !domain.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		a.metrics.ChainRetriesTotal.Inc()
		logger.Warn(ctx, "retryable chain call failed",
			"chain", a.inner.Name(), "op", op, "attempt", attempt, "error", err)
		return nil, err
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.Multiplier = 2
	expo.RandomizationFactor = 0.2
	expo.MaxInterval = 30 * time.Second

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(a.maxRetries),
	)
}
