package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/quantumbridge/internal/audit"
	"github.com/wyfcoding/quantumbridge/internal/bridge/domain"
	quantumdomain "github.com/wyfcoding/quantumbridge/internal/quantum/domain"
	riskapp "github.com/wyfcoding/quantumbridge/internal/risk/application"
	riskdomain "github.com/wyfcoding/quantumbridge/internal/risk/domain"
	"github.com/wyfcoding/quantumbridge/pkg/idgen"
	"github.com/wyfcoding/quantumbridge/pkg/logger"
	"github.com/wyfcoding/quantumbridge/pkg/metrics"
)

// RiskGate 风险评估入口
type RiskGate interface {
	Assess(ctx context.Context, req riskapp.AssessRequest) (riskdomain.Decision, error)
}

// KeyBinder 量子密钥绑定入口
type KeyBinder interface {
	ActiveKey(ctx context.Context, ownerID, algorithm, purpose string) (*quantumdomain.QuantumKey, error)
	Encapsulate(ctx context.Context, keyID string) (ciphertext, sharedSecret []byte, err error)
}

var (
	// ErrInvalidAmount 金额必须为正
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrSameChain 源链与目标链相同
	ErrSameChain = errors.New("source and destination chain must differ")
)

// BridgeService 跨链转账编排服务
type BridgeService struct {
	repo    domain.TransactionRepository
	chains  *domain.ChainRegistry
	risk    RiskGate
	keys    KeyBinder
	auditor *audit.Recorder
	metrics *metrics.Metrics

	defaultDeadline time.Duration
	pollInterval    time.Duration

	// lifecycle 控制所有执行器的协同取消
	lifecycle context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewBridgeService 创建编排服务
func NewBridgeService(
	repo domain.TransactionRepository,
	chains *domain.ChainRegistry,
	risk RiskGate,
	keys KeyBinder,
	auditor *audit.Recorder,
	m *metrics.Metrics,
	defaultDeadline time.Duration,
	pollInterval time.Duration,
) *BridgeService {
	lifecycle, cancel := context.WithCancel(context.Background())
	return &BridgeService{
		repo:            repo,
		chains:          chains,
		risk:            risk,
		keys:            keys,
		auditor:         auditor,
		metrics:         m,
		defaultDeadline: defaultDeadline,
		pollInterval:    pollInterval,
		lifecycle:       lifecycle,
		cancel:          cancel,
	}
}

// Shutdown 取消所有执行器并等待退出。进行中的转账停留在当前已持久化
// 的状态，重启后由清扫任务或人工恢复。
func (s *BridgeService) Shutdown() {
	s.cancel()
	s.wg.Wait()
}

// SubmitCommand 提交转账命令
type SubmitCommand struct {
	UserID        string
	Nonce         string
	SourceChain   string
	DestChain     string
	Asset         string
	Amount        decimal.Decimal
	SourceAddress string
	DestAddress   string
}

// Submit 提交跨链转账。同一用户同一 nonce 幂等：重复提交返回已有转账，
// 不会重复发起链上操作。
func (s *BridgeService) Submit(ctx context.Context, cmd SubmitCommand) (*domain.Transaction, error) {
	if !cmd.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if cmd.SourceChain == cmd.DestChain {
		return nil, ErrSameChain
	}
	if !s.chains.Supported(cmd.SourceChain) {
		return nil, domain.ErrChainNotSupported
	}
	if !s.chains.Supported(cmd.DestChain) {
		return nil, domain.ErrChainNotSupported
	}

	if existing, err := s.repo.GetByUserNonce(ctx, cmd.UserID, cmd.Nonce); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrTransactionNotFound) {
		return nil, err
	}

	tx := domain.NewTransaction(
		idgen.WithPrefix("TX-"),
		cmd.UserID, cmd.Nonce,
		cmd.SourceChain, cmd.DestChain, cmd.Asset,
		cmd.Amount, cmd.SourceAddress, cmd.DestAddress,
		time.Now().Add(s.defaultDeadline),
	)

	if err := s.repo.Save(ctx, tx); err != nil {
		// 并发重复提交落到唯一索引上，回读已有转账
		if errors.Is(err, domain.ErrDuplicateNonce) {
			return s.repo.GetByUserNonce(ctx, cmd.UserID, cmd.Nonce)
		}
		return nil, err
	}

	s.metrics.TransfersTotal.Inc()
	s.refreshActiveGauge(ctx)

	event := audit.NewEvent(audit.EventTransferSubmitted, "transaction", tx.TransactionID, cmd.UserID, map[string]any{
		"source_chain": cmd.SourceChain,
		"dest_chain":   cmd.DestChain,
		"asset":        cmd.Asset,
		"amount":       cmd.Amount.String(),
	})
	s.auditor.Record(ctx, event)

	logger.Info(ctx, "bridge transfer submitted",
		"transaction_id", tx.TransactionID, "user_id", cmd.UserID,
		"source_chain", cmd.SourceChain, "dest_chain", cmd.DestChain)

	s.spawnExecutor(tx.TransactionID)
	return tx, nil
}

// Get 查询转账
func (s *BridgeService) Get(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	return s.repo.Get(ctx, transactionID)
}

// ListByUser 按用户查询转账
func (s *BridgeService) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListByUser(ctx, userID, limit)
}

// OnReviewResolved 人工审核裁决回调。批准则继续执行管线，拒绝则终止。
func (s *BridgeService) OnReviewResolved(ctx context.Context, transactionID string, approved bool) error {
	tx, err := s.repo.Get(ctx, transactionID)
	if err != nil {
		return err
	}
	if tx.Status != domain.StatusRiskEscalated {
		// 已被超时清扫或重复回调，忽略
		logger.Warn(ctx, "review resolution for transaction not awaiting review",
			"transaction_id", transactionID, "status", tx.Status.String())
		return nil
	}

	if !approved {
		from := tx.Status
		if err := tx.RejectRisk(tx.RiskScore, "rejected by manual review"); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, tx, from); err != nil {
			return err
		}
		s.recordTransition(ctx, tx, audit.EventTransferFailed, "manual review rejected")
		s.refreshActiveGauge(ctx)
		return nil
	}

	from := tx.Status
	if err := tx.ClearRisk(tx.RiskScore); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, tx, from); err != nil {
		return err
	}
	s.recordTransition(ctx, tx, audit.EventTransferTransition, "manual review approved")

	s.spawnExecutor(tx.TransactionID)
	return nil
}

// spawnExecutor 为转账启动执行器 goroutine
func (s *BridgeService) spawnExecutor(transactionID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(s.lifecycle, transactionID)
	}()
}

// execute 驱动转账沿状态机前进，直到终态或需要等待外部输入。
// 执行器 context 带转账截止时间，超时的链上等待会被协同取消。
func (s *BridgeService) execute(ctx context.Context, transactionID string) {
	tx, err := s.repo.Get(ctx, transactionID)
	if err != nil {
		logger.Error(ctx, "executor failed to load transaction", "transaction_id", transactionID, "error", err)
		return
	}

	runCtx, cancel := context.WithDeadline(ctx, tx.Deadline)
	defer cancel()

	if tx.Status == domain.StatusCreated {
		if !s.assess(runCtx, tx) {
			return
		}
	}
	if tx.Status == domain.StatusCleared {
		if !s.bindKey(runCtx, tx) {
			return
		}
	}
	if tx.Status == domain.StatusKeyBound {
		if !s.lockSource(runCtx, tx) {
			return
		}
	}
	if tx.Status == domain.StatusSourceLocked {
		s.releaseDestination(runCtx, tx)
	}
}

// persistTransition 条件持久化一次状态迁移。预期状态未命中说明转账
// 已被并发写入方推进，执行器就地停止，不覆盖他方结果。
func (s *BridgeService) persistTransition(ctx context.Context, tx *domain.Transaction, from domain.TransactionStatus) bool {
	if err := s.repo.Update(ctx, tx, from); err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) {
			logger.Warn(ctx, "transition lost to concurrent writer",
				"transaction_id", tx.TransactionID, "from", from.String(), "to", tx.Status.String())
		} else {
			logger.Error(ctx, "failed to persist transition",
				"transaction_id", tx.TransactionID, "to", tx.Status.String(), "error", err)
		}
		return false
	}
	return true
}

// assess 风险评估阶段，返回 false 表示管线停止
func (s *BridgeService) assess(ctx context.Context, tx *domain.Transaction) bool {
	from := tx.Status
	if err := tx.StartRiskAssessment(); err != nil {
		logger.Error(ctx, "cannot start risk assessment", "transaction_id", tx.TransactionID, "error", err)
		return false
	}
	if !s.persistTransition(ctx, tx, from) {
		return false
	}

	decision, err := s.risk.Assess(ctx, riskapp.AssessRequest{
		TransactionID: tx.TransactionID,
		UserID:        tx.UserID,
		SourceChain:   tx.SourceChain,
		DestChain:     tx.DestChain,
		Amount:        tx.Amount,
		Asset:         tx.Asset,
	})
	if err != nil {
		logger.Error(ctx, "risk assessment failed", "transaction_id", tx.TransactionID, "error", err)
		return false
	}

	from = tx.Status
	switch decision.Outcome {
	case riskdomain.OutcomeCleared:
		if err := tx.ClearRisk(decision.Score); err != nil {
			return false
		}
		tx.RiskFactors = decision.Factors
		if !s.persistTransition(ctx, tx, from) {
			return false
		}
		s.recordTransition(ctx, tx, audit.EventTransferTransition, "risk cleared")
		return true
	case riskdomain.OutcomeRejected:
		if err := tx.RejectRisk(decision.Score, "risk policy violation: "+decision.Reason); err != nil {
			return false
		}
		tx.RiskFactors = decision.Factors
		if !s.persistTransition(ctx, tx, from) {
			return false
		}
		s.metrics.TransfersFailed.Inc()
		s.refreshActiveGauge(ctx)
		s.recordTransition(ctx, tx, audit.EventTransferFailed, "risk rejected: "+decision.Reason)
		logger.Warn(ctx, "bridge transfer rejected by risk gate",
			"transaction_id", tx.TransactionID, "score", decision.Score, "reason", decision.Reason)
		return false
	default:
		if err := tx.EscalateRisk(decision.Score); err != nil {
			return false
		}
		tx.RiskFactors = decision.Factors
		if !s.persistTransition(ctx, tx, from) {
			return false
		}
		s.recordTransition(ctx, tx, audit.EventTransferTransition, "awaiting manual review")
		return false
	}
}

// bindKey 绑定量子密钥阶段。密钥按转账发起人维度签发。
func (s *BridgeService) bindKey(ctx context.Context, tx *domain.Transaction) bool {
	key, err := s.keys.ActiveKey(ctx, tx.UserID, quantumdomain.AlgorithmMLKEM1024, quantumdomain.PurposeKeyEncapsulation)
	if err != nil {
		logger.Error(ctx, "failed to acquire quantum key", "transaction_id", tx.TransactionID, "error", err)
		return false
	}
	from := tx.Status
	if err := tx.BindKey(key.KeyID); err != nil {
		return false
	}
	if !s.persistTransition(ctx, tx, from) {
		return false
	}
	s.recordTransition(ctx, tx, audit.EventTransferTransition, "quantum key bound")
	return true
}

// lockSource 源链锁定阶段
func (s *BridgeService) lockSource(ctx context.Context, tx *domain.Transaction) bool {
	adapter, err := s.chains.Get(tx.SourceChain)
	if err != nil {
		s.fail(ctx, tx, err.Error())
		return false
	}

	var commitment []byte
	if tx.QuantumKeyID != "" {
		if ct, _, err := s.keys.Encapsulate(ctx, tx.QuantumKeyID); err == nil {
			commitment = ct
		} else {
			logger.Warn(ctx, "key commitment encapsulation failed",
				"transaction_id", tx.TransactionID, "key_id", tx.QuantumKeyID, "error", err)
		}
	}

	from := tx.Status
	if err := tx.StartSourceLock(); err != nil {
		return false
	}
	if !s.persistTransition(ctx, tx, from) {
		return false
	}

	receipt, err := adapter.Lock(ctx, domain.LockRequest{
		TransactionID: tx.TransactionID,
		Asset:         tx.Asset,
		Amount:        tx.Amount,
		SourceAddress: tx.SourceAddress,
		KeyCommitment: commitment,
	})
	if err != nil {
		// 锁定请求未被链接受，资金未动，可以直接失败
		s.fail(ctx, tx, "source lock failed: "+err.Error())
		return false
	}

	confirmed, err := s.awaitConfirmation(ctx, adapter, receipt)
	if err != nil || !confirmed {
		if errors.Is(err, domain.ErrConfirmationTimeout) {
			// 截止时间先于锁定确认到达，资金尚未确认锁定，作废
			s.expire(ctx, tx, "deadline exceeded awaiting source lock confirmation")
		} else {
			s.fail(ctx, tx, "source lock not confirmed")
		}
		return false
	}

	from = tx.Status
	if err := tx.ConfirmSourceLock(receipt.TxHash); err != nil {
		return false
	}
	if !s.persistTransition(ctx, tx, from) {
		return false
	}
	s.recordTransition(ctx, tx, audit.EventTransferTransition, "source lock confirmed")
	return true
}

// releaseDestination 目标链释放阶段，失败或超时走退款
func (s *BridgeService) releaseDestination(ctx context.Context, tx *domain.Transaction) {
	adapter, err := s.chains.Get(tx.DestChain)
	if err != nil {
		s.refund(ctx, tx, err.Error())
		return
	}

	from := tx.Status
	if err := tx.StartRelease(); err != nil {
		return
	}
	if !s.persistTransition(ctx, tx, from) {
		return
	}

	receipt, err := adapter.Release(ctx, domain.ReleaseRequest{
		TransactionID: tx.TransactionID,
		Asset:         tx.Asset,
		Amount:        tx.Amount,
		DestAddress:   tx.DestAddress,
		LockTxHash:    tx.LockTxHash,
	})
	if err != nil {
		s.refund(ctx, tx, "destination release failed: "+err.Error())
		return
	}

	confirmed, err := s.awaitConfirmation(ctx, adapter, receipt)
	if err != nil || !confirmed {
		if errors.Is(err, domain.ErrConfirmationTimeout) {
			s.refund(ctx, tx, "deadline exceeded awaiting destination release confirmation")
		} else {
			s.refund(ctx, tx, "destination release not confirmed")
		}
		return
	}

	// 释放已确认，收尾落库不再受截止时间约束
	ctx = context.WithoutCancel(ctx)
	from = tx.Status
	if err := tx.Complete(receipt.TxHash); err != nil {
		return
	}
	if !s.persistTransition(ctx, tx, from) {
		return
	}

	s.metrics.TransfersCompleted.Inc()
	s.refreshActiveGauge(ctx)
	s.recordTransition(ctx, tx, audit.EventTransferCompleted, "transfer completed")
	logger.Info(ctx, "bridge transfer completed",
		"transaction_id", tx.TransactionID, "release_tx_hash", receipt.TxHash)
}

// refund 锁定后失败的退款路径，退款也失败则进入 Failed 等待人工介入。
// 退款必须在截止时间之后仍可执行，脱离执行器的超时 context。
func (s *BridgeService) refund(ctx context.Context, tx *domain.Transaction, reason string) {
	ctx = context.WithoutCancel(ctx)

	from := tx.Status
	if err := tx.StartRefund(reason); err != nil {
		logger.Error(ctx, "cannot start refund", "transaction_id", tx.TransactionID, "error", err)
		return
	}
	if !s.persistTransition(ctx, tx, from) {
		return
	}
	s.recordTransition(ctx, tx, audit.EventTransferTransition, "refund started: "+reason)

	adapter, err := s.chains.Get(tx.SourceChain)
	if err != nil {
		s.fail(ctx, tx, "refund adapter unavailable: "+err.Error())
		return
	}

	receipt, err := adapter.Refund(ctx, domain.RefundRequest{
		TransactionID: tx.TransactionID,
		Asset:         tx.Asset,
		Amount:        tx.Amount,
		SourceAddress: tx.SourceAddress,
		LockTxHash:    tx.LockTxHash,
	})
	if err != nil {
		s.fail(ctx, tx, "refund failed: "+err.Error())
		return
	}

	confirmed, err := s.awaitConfirmation(ctx, adapter, receipt)
	if err != nil || !confirmed {
		s.fail(ctx, tx, "refund not confirmed")
		return
	}

	from = tx.Status
	if err := tx.ConfirmRefund(receipt.TxHash); err != nil {
		return
	}
	if !s.persistTransition(ctx, tx, from) {
		return
	}
	s.refreshActiveGauge(ctx)
	s.recordTransition(ctx, tx, audit.EventTransferRefunded, "refund confirmed")
	logger.Warn(ctx, "bridge transfer refunded",
		"transaction_id", tx.TransactionID, "reason", tx.FailReason)
}

// fail 进入不可恢复失败
func (s *BridgeService) fail(ctx context.Context, tx *domain.Transaction, reason string) {
	ctx = context.WithoutCancel(ctx)

	from := tx.Status
	if err := tx.Fail(reason); err != nil {
		logger.Error(ctx, "cannot mark transaction failed",
			"transaction_id", tx.TransactionID, "status", tx.Status.String(), "error", err)
		return
	}
	if !s.persistTransition(ctx, tx, from) {
		return
	}
	s.metrics.TransfersFailed.Inc()
	s.refreshActiveGauge(ctx)
	s.recordTransition(ctx, tx, audit.EventTransferFailed, reason)
	logger.Error(ctx, "bridge transfer failed", "transaction_id", tx.TransactionID, "reason", reason)
}

// expire 截止时间触发的作废，资金未锁定时才允许
func (s *BridgeService) expire(ctx context.Context, tx *domain.Transaction, reason string) {
	ctx = context.WithoutCancel(ctx)

	from := tx.Status
	if err := tx.Expire(); err != nil {
		logger.Error(ctx, "cannot expire transaction",
			"transaction_id", tx.TransactionID, "status", tx.Status.String(), "error", err)
		return
	}
	if !s.persistTransition(ctx, tx, from) {
		return
	}
	s.refreshActiveGauge(ctx)
	s.recordTransition(ctx, tx, audit.EventTransferFailed, reason)
	logger.Warn(ctx, "bridge transfer expired", "transaction_id", tx.TransactionID, "reason", reason)
}

// awaitConfirmation 轮询直到交易确认。截止时间先到时返回
// ErrConfirmationTimeout，由调用方决定作废还是退款。
func (s *BridgeService) awaitConfirmation(ctx context.Context, adapter domain.ChainAdapter, receipt *domain.TxReceipt) (bool, error) {
	if receipt.Confirmed {
		return true, nil
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return false, domain.ErrConfirmationTimeout
			}
			return false, ctx.Err()
		case <-ticker.C:
			polled, err := adapter.PollConfirmation(ctx, receipt.TxHash)
			if err != nil {
				return false, err
			}
			if polled.Confirmed {
				return true, nil
			}
		}
	}
}

// SweepExpired 将超过截止时间且尚未锁定资金的转账作废。条件更新保证
// 与进行中的执行器互斥，清扫与执行只有一方能落下这次迁移。
func (s *BridgeService) SweepExpired(ctx context.Context) (int, error) {
	txs, err := s.repo.FindExpiredBeforeLock(ctx, time.Now(), 100)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, tx := range txs {
		from := tx.Status
		if err := tx.Expire(); err != nil {
			continue
		}
		if err := s.repo.Update(ctx, tx, from); err != nil {
			if !errors.Is(err, domain.ErrConcurrentModification) {
				logger.Error(ctx, "failed to expire transaction", "transaction_id", tx.TransactionID, "error", err)
			}
			continue
		}
		s.recordTransition(ctx, tx, audit.EventTransferFailed, "expired before source lock")
		swept++
	}

	if swept > 0 {
		s.refreshActiveGauge(ctx)
		logger.Info(ctx, "expired transfers swept", "count", swept)
	}
	return swept, nil
}

// RunSweeper 启动超时清扫循环，context 取消后退出
func (s *BridgeService) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil {
				logger.Error(ctx, "transfer sweep failed", "error", err)
			}
		}
	}
}

func (s *BridgeService) recordTransition(ctx context.Context, tx *domain.Transaction, eventType, description string) {
	event := audit.NewEvent(eventType, "transaction", tx.TransactionID, "orchestrator", map[string]any{
		"status":      tx.Status.String(),
		"description": description,
	})
	s.auditor.Record(ctx, event)
}

func (s *BridgeService) refreshActiveGauge(ctx context.Context) {
	if count, err := s.repo.CountActive(ctx); err == nil {
		s.metrics.TransfersActive.Set(float64(count))
	}
}
