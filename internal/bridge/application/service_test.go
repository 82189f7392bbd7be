package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/quantumbridge/internal/audit"
	"github.com/wyfcoding/quantumbridge/internal/bridge/domain"
	quantumdomain "github.com/wyfcoding/quantumbridge/internal/quantum/domain"
	riskapp "github.com/wyfcoding/quantumbridge/internal/risk/application"
	riskdomain "github.com/wyfcoding/quantumbridge/internal/risk/domain"
	"github.com/wyfcoding/quantumbridge/pkg/idgen"
	"github.com/wyfcoding/quantumbridge/pkg/metrics"
)

func init() {
	_ = idgen.Init(1)
}

// fakeTransactionRepo 内存仓储，模拟用户 + nonce 唯一索引
type fakeTransactionRepo struct {
	mu  sync.Mutex
	txs map[string]*domain.Transaction
}

func newFakeTransactionRepo() *fakeTransactionRepo {
	return &fakeTransactionRepo{txs: make(map[string]*domain.Transaction)}
}

func cloneTx(tx *domain.Transaction) *domain.Transaction {
	cp := *tx
	cp.Events = append([]domain.TransactionEvent(nil), tx.Events...)
	return &cp
}

func (r *fakeTransactionRepo) Save(_ context.Context, tx *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.txs {
		if existing.UserID == tx.UserID && existing.Nonce == tx.Nonce {
			return domain.ErrDuplicateNonce
		}
	}
	r.txs[tx.TransactionID] = cloneTx(tx)
	return nil
}

func (r *fakeTransactionRepo) Update(_ context.Context, tx *domain.Transaction, expected domain.TransactionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.txs[tx.TransactionID]
	if !ok || stored.Status != expected {
		return domain.ErrConcurrentModification
	}
	r.txs[tx.TransactionID] = cloneTx(tx)
	return nil
}

func (r *fakeTransactionRepo) Get(_ context.Context, transactionID string) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[transactionID]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return cloneTx(tx), nil
}

func (r *fakeTransactionRepo) GetByUserNonce(_ context.Context, userID, nonce string) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tx := range r.txs {
		if tx.UserID == userID && tx.Nonce == nonce {
			return cloneTx(tx), nil
		}
	}
	return nil, domain.ErrTransactionNotFound
}

func (r *fakeTransactionRepo) ListByUser(_ context.Context, userID string, limit int) ([]*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*domain.Transaction
	for _, tx := range r.txs {
		if tx.UserID == userID && len(result) < limit {
			result = append(result, cloneTx(tx))
		}
	}
	return result, nil
}

func (r *fakeTransactionRepo) FindExpiredBeforeLock(_ context.Context, now time.Time, limit int) ([]*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*domain.Transaction
	for _, tx := range r.txs {
		if !tx.Status.IsTerminal() && !tx.Status.FundsLocked() && now.After(tx.Deadline) && len(result) < limit {
			result = append(result, cloneTx(tx))
		}
	}
	return result, nil
}

func (r *fakeTransactionRepo) CountActive(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, tx := range r.txs {
		if !tx.Status.IsTerminal() {
			count++
		}
	}
	return count, nil
}

// fakeRiskGate 返回预设裁决
type fakeRiskGate struct {
	decision riskdomain.Decision
	err      error
}

func (g *fakeRiskGate) Assess(context.Context, riskapp.AssessRequest) (riskdomain.Decision, error) {
	return g.decision, g.err
}

// fakeKeyBinder 返回预设密钥
type fakeKeyBinder struct {
	key *quantumdomain.QuantumKey
	err error
}

func (b *fakeKeyBinder) ActiveKey(context.Context, string, string, string) (*quantumdomain.QuantumKey, error) {
	return b.key, b.err
}

func (b *fakeKeyBinder) Encapsulate(context.Context, string) ([]byte, []byte, error) {
	return []byte("commitment"), []byte("secret"), nil
}

// fakeAdapter 可注入失败的链适配器。pendingForever 模拟链上交易
// 始终未确认，轮询只能等到截止时间。
type fakeAdapter struct {
	name string

	mu           sync.Mutex
	lockCalls    int
	releaseCalls int
	refundCalls  int

	lockErr        error
	releaseErr     error
	refundErr      error
	pendingForever bool
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Lock(_ context.Context, req domain.LockRequest) (*domain.TxReceipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lockCalls++
	if a.lockErr != nil {
		return nil, a.lockErr
	}
	return &domain.TxReceipt{TxHash: "lock-" + req.TransactionID, Confirmed: !a.pendingForever}, nil
}

func (a *fakeAdapter) PollConfirmation(_ context.Context, txHash string) (*domain.TxReceipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &domain.TxReceipt{TxHash: txHash, Confirmed: !a.pendingForever}, nil
}

func (a *fakeAdapter) Release(_ context.Context, req domain.ReleaseRequest) (*domain.TxReceipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseCalls++
	if a.releaseErr != nil {
		return nil, a.releaseErr
	}
	return &domain.TxReceipt{TxHash: "release-" + req.TransactionID, Confirmed: !a.pendingForever}, nil
}

func (a *fakeAdapter) Refund(_ context.Context, req domain.RefundRequest) (*domain.TxReceipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refundCalls++
	if a.refundErr != nil {
		return nil, a.refundErr
	}
	return &domain.TxReceipt{TxHash: "refund-" + req.TransactionID, Confirmed: true}, nil
}

func (a *fakeAdapter) counts() (lock, release, refund int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lockCalls, a.releaseCalls, a.refundCalls
}

type testFixture struct {
	repo    *fakeTransactionRepo
	source  *fakeAdapter
	dest    *fakeAdapter
	risk    *fakeRiskGate
	service *BridgeService
}

func newTestFixture(t *testing.T) *testFixture {
	return newTestFixtureWithDeadline(t, 30*time.Minute)
}

func newTestFixtureWithDeadline(t *testing.T, deadline time.Duration) *testFixture {
	t.Helper()

	repo := newFakeTransactionRepo()
	source := &fakeAdapter{name: "ethereum"}
	dest := &fakeAdapter{name: "near"}
	risk := &fakeRiskGate{decision: riskdomain.Decision{
		Score: 0.1, Level: riskdomain.RiskLevelLow, Outcome: riskdomain.OutcomeCleared,
	}}
	key, err := quantumdomain.NewQuantumKey("QK-1", "user-1",
		quantumdomain.AlgorithmMLKEM1024, quantumdomain.PurposeKeyEncapsulation,
		make([]byte, quantumdomain.MLKEMPublicKeySize), []byte("sealed"), time.Hour)
	require.NoError(t, err)

	service := NewBridgeService(
		repo,
		domain.NewChainRegistry(source, dest),
		risk,
		&fakeKeyBinder{key: key},
		audit.NewRecorder(nil, nil, ""),
		metrics.New("test"),
		deadline,
		10*time.Millisecond,
	)
	t.Cleanup(service.Shutdown)

	return &testFixture{repo: repo, source: source, dest: dest, risk: risk, service: service}
}

func submitCmd(nonce string) SubmitCommand {
	return SubmitCommand{
		UserID:        "user-1",
		Nonce:         nonce,
		SourceChain:   "ethereum",
		DestChain:     "near",
		Asset:         "USDT",
		Amount:        decimal.NewFromInt(100),
		SourceAddress: "0xsource",
		DestAddress:   "near-dest",
	}
}

func waitForStatus(t *testing.T, f *testFixture, transactionID string, want domain.TransactionStatus) *domain.Transaction {
	t.Helper()
	var got *domain.Transaction
	require.Eventually(t, func() bool {
		tx, err := f.repo.Get(context.Background(), transactionID)
		if err != nil {
			return false
		}
		got = tx
		return tx.Status == want
	}, 3*time.Second, 10*time.Millisecond)
	return got
}

func TestSubmitHappyPath(t *testing.T) {
	f := newTestFixture(t)

	tx, err := f.service.Submit(context.Background(), submitCmd("n-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, tx.Status)

	final := waitForStatus(t, f, tx.TransactionID, domain.StatusCompleted)
	assert.Equal(t, "QK-1", final.QuantumKeyID)
	assert.NotEmpty(t, final.LockTxHash)
	assert.NotEmpty(t, final.ReleaseTxHash)

	lock, release, refund := f.source.counts()
	assert.Equal(t, 1, lock)
	assert.Equal(t, 0, release)
	assert.Equal(t, 0, refund)

	_, release, _ = f.dest.counts()
	assert.Equal(t, 1, release)
}

func TestSubmitValidation(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	cmd := submitCmd("n-1")
	cmd.Amount = decimal.NewFromInt(-5)
	_, err := f.service.Submit(ctx, cmd)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	cmd = submitCmd("n-2")
	cmd.DestChain = cmd.SourceChain
	_, err = f.service.Submit(ctx, cmd)
	assert.ErrorIs(t, err, ErrSameChain)

	cmd = submitCmd("n-3")
	cmd.SourceChain = "solana"
	_, err = f.service.Submit(ctx, cmd)
	assert.ErrorIs(t, err, domain.ErrChainNotSupported)
}

func TestSubmitIdempotency(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	first, err := f.service.Submit(ctx, submitCmd("n-1"))
	require.NoError(t, err)
	waitForStatus(t, f, first.TransactionID, domain.StatusCompleted)

	second, err := f.service.Submit(ctx, submitCmd("n-1"))
	require.NoError(t, err)
	assert.Equal(t, first.TransactionID, second.TransactionID)

	// 重复提交不会重复发起链上锁定
	lock, _, _ := f.source.counts()
	assert.Equal(t, 1, lock)
}

func TestReleaseFailureRefunds(t *testing.T) {
	f := newTestFixture(t)
	f.dest.releaseErr = errors.New("destination chain down")

	tx, err := f.service.Submit(context.Background(), submitCmd("n-1"))
	require.NoError(t, err)

	final := waitForStatus(t, f, tx.TransactionID, domain.StatusRefunded)
	assert.NotEmpty(t, final.RefundTxHash)
	assert.Contains(t, final.FailReason, "destination release failed")

	_, _, refund := f.source.counts()
	assert.Equal(t, 1, refund)
}

func TestRefundFailureGoesFailed(t *testing.T) {
	f := newTestFixture(t)
	f.dest.releaseErr = errors.New("destination chain down")
	f.source.refundErr = errors.New("refund rejected")

	tx, err := f.service.Submit(context.Background(), submitCmd("n-1"))
	require.NoError(t, err)

	final := waitForStatus(t, f, tx.TransactionID, domain.StatusFailed)
	assert.Contains(t, final.FailReason, "refund failed")
}

func TestLockFailureGoesFailed(t *testing.T) {
	f := newTestFixture(t)
	f.source.lockErr = errors.New("lock reverted")

	tx, err := f.service.Submit(context.Background(), submitCmd("n-1"))
	require.NoError(t, err)

	// 资金未动，直接失败不走退款
	final := waitForStatus(t, f, tx.TransactionID, domain.StatusFailed)
	assert.Contains(t, final.FailReason, "source lock failed")

	_, _, refund := f.source.counts()
	assert.Equal(t, 0, refund)
}

func TestEscalationWaitsForReview(t *testing.T) {
	f := newTestFixture(t)
	f.risk.decision = riskdomain.Decision{
		Score: 0.85, Level: riskdomain.RiskLevelHigh,
		Outcome: riskdomain.OutcomeEscalated, Priority: riskdomain.PriorityHigh,
	}

	tx, err := f.service.Submit(context.Background(), submitCmd("n-1"))
	require.NoError(t, err)

	waitForStatus(t, f, tx.TransactionID, domain.StatusRiskEscalated)
	lock, _, _ := f.source.counts()
	assert.Equal(t, 0, lock)
}

func TestReviewApprovedResumesPipeline(t *testing.T) {
	f := newTestFixture(t)
	f.risk.decision = riskdomain.Decision{
		Score: 0.85, Level: riskdomain.RiskLevelHigh,
		Outcome: riskdomain.OutcomeEscalated, Priority: riskdomain.PriorityHigh,
	}

	ctx := context.Background()
	tx, err := f.service.Submit(ctx, submitCmd("n-1"))
	require.NoError(t, err)
	waitForStatus(t, f, tx.TransactionID, domain.StatusRiskEscalated)

	require.NoError(t, f.service.OnReviewResolved(ctx, tx.TransactionID, true))

	waitForStatus(t, f, tx.TransactionID, domain.StatusCompleted)
	lock, _, _ := f.source.counts()
	assert.Equal(t, 1, lock)
}

func TestReviewRejectedTerminates(t *testing.T) {
	f := newTestFixture(t)
	f.risk.decision = riskdomain.Decision{
		Score: 0.95, Level: riskdomain.RiskLevelCritical,
		Outcome: riskdomain.OutcomeEscalated, Priority: riskdomain.PriorityCritical,
	}

	ctx := context.Background()
	tx, err := f.service.Submit(ctx, submitCmd("n-1"))
	require.NoError(t, err)
	waitForStatus(t, f, tx.TransactionID, domain.StatusRiskEscalated)

	require.NoError(t, f.service.OnReviewResolved(ctx, tx.TransactionID, false))

	final := waitForStatus(t, f, tx.TransactionID, domain.StatusRiskRejected)
	assert.True(t, final.Status.IsTerminal())
	lock, _, _ := f.source.counts()
	assert.Equal(t, 0, lock)
}

func TestReviewResolvedIgnoresWrongStatus(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	tx, err := f.service.Submit(ctx, submitCmd("n-1"))
	require.NoError(t, err)
	waitForStatus(t, f, tx.TransactionID, domain.StatusCompleted)

	// 已完成的转账收到裁决回调时不做任何处理
	require.NoError(t, f.service.OnReviewResolved(ctx, tx.TransactionID, false))
	final, err := f.repo.Get(ctx, tx.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, final.Status)
}

func TestSweepExpired(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	stale := domain.NewTransaction("TX-stale", "user-2", "n-9",
		"ethereum", "near", "USDT", decimal.NewFromInt(10),
		"0xsource", "near-dest", time.Now().Add(-time.Minute))
	require.NoError(t, f.repo.Save(ctx, stale))

	locked := domain.NewTransaction("TX-locked", "user-3", "n-10",
		"ethereum", "near", "USDT", decimal.NewFromInt(10),
		"0xsource", "near-dest", time.Now().Add(-time.Minute))
	locked.Status = domain.StatusSourceLocked
	require.NoError(t, f.repo.Save(ctx, locked))

	swept, err := f.service.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	tx, err := f.repo.Get(ctx, "TX-stale")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, tx.Status)

	// 资金已锁定的转账不受清扫影响
	tx, err = f.repo.Get(ctx, "TX-locked")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSourceLocked, tx.Status)
}

func TestRiskRejectedTerminatesWithoutLock(t *testing.T) {
	f := newTestFixture(t)
	f.risk.decision = riskdomain.Decision{
		Score: 0.99, Level: riskdomain.RiskLevelCritical,
		Outcome: riskdomain.OutcomeRejected, Reason: "blacklist hit",
		Factors: []string{"sanctioned_address"},
	}

	tx, err := f.service.Submit(context.Background(), submitCmd("n-1"))
	require.NoError(t, err)

	final := waitForStatus(t, f, tx.TransactionID, domain.StatusRiskRejected)
	assert.True(t, final.Status.IsTerminal())
	assert.Contains(t, final.FailReason, "risk policy violation")
	assert.Contains(t, final.RiskFactors, "sanctioned_address")

	// 拒绝是终态，资金从未被触碰
	lock, release, refund := f.source.counts()
	assert.Equal(t, 0, lock)
	assert.Equal(t, 0, release)
	assert.Equal(t, 0, refund)
}

func TestExpiredTransactionNotResurrected(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	stale := domain.NewTransaction("TX-race", "user-2", "n-9",
		"ethereum", "near", "USDT", decimal.NewFromInt(10),
		"0xsource", "near-dest", time.Now().Add(-time.Minute))
	require.NoError(t, f.repo.Save(ctx, stale))

	// 执行器在清扫前加载了旧快照
	snapshot, err := f.repo.Get(ctx, "TX-race")
	require.NoError(t, err)

	swept, err := f.service.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	// 旧快照上的迁移落库必须失败，作废的转账不能被写回进行中状态
	require.NoError(t, snapshot.StartRiskAssessment())
	err = f.repo.Update(ctx, snapshot, domain.StatusCreated)
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)

	tx, err := f.repo.Get(ctx, "TX-race")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, tx.Status)

	// 执行器重新加载后面对终态无事可做
	f.service.execute(ctx, "TX-race")
	tx, err = f.repo.Get(ctx, "TX-race")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, tx.Status)
	lock, _, _ := f.source.counts()
	assert.Equal(t, 0, lock)
}

func TestLockConfirmationDeadlineExpires(t *testing.T) {
	f := newTestFixtureWithDeadline(t, 150*time.Millisecond)
	f.source.pendingForever = true

	tx, err := f.service.Submit(context.Background(), submitCmd("n-1"))
	require.NoError(t, err)

	// 锁定一直未确认，截止时间到达后资金未动，转账作废而不是退款
	final := waitForStatus(t, f, tx.TransactionID, domain.StatusExpired)
	assert.True(t, final.Status.IsTerminal())

	_, _, refund := f.source.counts()
	assert.Equal(t, 0, refund)
	_, release, _ := f.dest.counts()
	assert.Equal(t, 0, release)
}

func TestReleaseConfirmationDeadlineRefunds(t *testing.T) {
	f := newTestFixtureWithDeadline(t, 200*time.Millisecond)
	f.dest.pendingForever = true

	tx, err := f.service.Submit(context.Background(), submitCmd("n-1"))
	require.NoError(t, err)

	// 资金已锁定，释放确认等到截止时间后必须退款
	final := waitForStatus(t, f, tx.TransactionID, domain.StatusRefunded)
	assert.NotEmpty(t, final.RefundTxHash)
	assert.Contains(t, final.FailReason, "deadline exceeded")

	_, _, refund := f.source.counts()
	assert.Equal(t, 1, refund)
}

func TestGetAndListByUser(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	tx, err := f.service.Submit(ctx, submitCmd("n-1"))
	require.NoError(t, err)

	got, err := f.service.Get(ctx, tx.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, tx.TransactionID, got.TransactionID)

	_, err = f.service.Get(ctx, "TX-missing")
	assert.ErrorIs(t, err, domain.ErrTransactionNotFound)

	list, err := f.service.ListByUser(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
