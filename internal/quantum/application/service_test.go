package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/quantumbridge/internal/audit"
	"github.com/wyfcoding/quantumbridge/internal/quantum/domain"
	"github.com/wyfcoding/quantumbridge/internal/quantum/infrastructure/crypto"
	"github.com/wyfcoding/quantumbridge/pkg/idgen"
	"github.com/wyfcoding/quantumbridge/pkg/metrics"
)

func init() {
	_ = idgen.Init(3)
}

const testMasterKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// fakeKeyRepo 内存密钥仓储，模拟活跃唯一索引与轮换事务
type fakeKeyRepo struct {
	mu   sync.Mutex
	keys map[string]*domain.QuantumKey
}

func newFakeKeyRepo() *fakeKeyRepo {
	return &fakeKeyRepo{keys: make(map[string]*domain.QuantumKey)}
}

func cloneKey(k *domain.QuantumKey) *domain.QuantumKey {
	cp := *k
	if k.ActiveFlag != nil {
		flag := *k.ActiveFlag
		cp.ActiveFlag = &flag
	}
	return &cp
}

func (r *fakeKeyRepo) Save(_ context.Context, key *domain.QuantumKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if key.ActiveFlag != nil {
		for _, existing := range r.keys {
			if existing.ActiveFlag != nil &&
				existing.OwnerID == key.OwnerID &&
				existing.Algorithm == key.Algorithm &&
				existing.Purpose == key.Purpose {
				return domain.ErrDuplicateActiveKey
			}
		}
	}
	r.keys[key.KeyID] = cloneKey(key)
	return nil
}

func (r *fakeKeyRepo) Update(_ context.Context, key *domain.QuantumKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[key.KeyID] = cloneKey(key)
	return nil
}

func (r *fakeKeyRepo) Get(_ context.Context, keyID string) (*domain.QuantumKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.keys[keyID]
	if !ok {
		return nil, domain.ErrKeyNotFound
	}
	return cloneKey(key), nil
}

func (r *fakeKeyRepo) GetActive(_ context.Context, ownerID, algorithm, purpose string) (*domain.QuantumKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range r.keys {
		if key.Status == domain.KeyStatusActive &&
			key.OwnerID == ownerID && key.Algorithm == algorithm && key.Purpose == purpose {
			return cloneKey(key), nil
		}
	}
	return nil, domain.ErrKeyNotFound
}

func (r *fakeKeyRepo) Rotate(_ context.Context, oldKeyID, reason string, newKey *domain.QuantumKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.keys[oldKeyID]
	if !ok || old.Status != domain.KeyStatusActive {
		return domain.ErrKeyNotActive
	}
	if err := old.MarkRotated(reason); err != nil {
		return err
	}
	r.keys[newKey.KeyID] = cloneKey(newKey)
	return nil
}

func (r *fakeKeyRepo) FindExpiredActive(_ context.Context, now time.Time, limit int) ([]*domain.QuantumKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*domain.QuantumKey
	for _, key := range r.keys {
		if key.Status == domain.KeyStatusActive && !now.Before(key.ExpiresAt) && len(result) < limit {
			result = append(result, cloneKey(key))
		}
	}
	return result, nil
}

func (r *fakeKeyRepo) Lineage(_ context.Context, keyID string) ([]*domain.QuantumKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var lineage []*domain.QuantumKey
	current := keyID
	for current != "" {
		key, ok := r.keys[current]
		if !ok {
			if len(lineage) > 0 {
				break
			}
			return nil, domain.ErrKeyNotFound
		}
		lineage = append(lineage, cloneKey(key))
		current = key.PreviousKeyID
	}
	return lineage, nil
}

func (r *fakeKeyRepo) CountActive(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, key := range r.keys {
		if key.Status == domain.KeyStatusActive {
			count++
		}
	}
	return count, nil
}

type keyFixture struct {
	repo    *fakeKeyRepo
	service *KeyService
}

func newKeyFixture(t *testing.T) *keyFixture {
	t.Helper()

	vault, err := crypto.NewVault(testMasterKeyHex)
	require.NoError(t, err)

	repo := newFakeKeyRepo()
	service := NewKeyService(repo, crypto.NewEngine(vault),
		audit.NewRecorder(nil, nil, ""), metrics.New("test"), 24*time.Hour)

	return &keyFixture{repo: repo, service: service}
}

func TestIssueFirstGeneration(t *testing.T) {
	f := newKeyFixture(t)
	ctx := context.Background()

	key, err := f.service.Issue(ctx, "user-1", domain.AlgorithmMLKEM1024, domain.PurposeKeyEncapsulation, 0)
	require.NoError(t, err)

	assert.Equal(t, "user-1", key.OwnerID)
	assert.Equal(t, 1, key.Generation)
	assert.Equal(t, domain.KeyStatusActive, key.Status)
	assert.Len(t, key.PublicKey, domain.MLKEMPublicKeySize)
}

func TestIssueRotatesExistingActive(t *testing.T) {
	f := newKeyFixture(t)
	ctx := context.Background()

	first, err := f.service.Issue(ctx, "user-1", domain.AlgorithmMLKEM1024, domain.PurposeKeyEncapsulation, time.Hour)
	require.NoError(t, err)

	// 重复签发不会并排产生第二把活跃密钥，而是轮换到下一代
	second, err := f.service.Issue(ctx, "user-1", domain.AlgorithmMLKEM1024, domain.PurposeKeyEncapsulation, time.Hour)
	require.NoError(t, err)

	assert.NotEqual(t, first.KeyID, second.KeyID)
	assert.Equal(t, 2, second.Generation)
	assert.Equal(t, first.KeyID, second.PreviousKeyID)

	old, err := f.repo.Get(ctx, first.KeyID)
	require.NoError(t, err)
	assert.Equal(t, domain.KeyStatusRotated, old.Status)
	assert.Equal(t, domain.RotationReasonReissue, old.RotationReason)

	active, err := f.repo.GetActive(ctx, "user-1", domain.AlgorithmMLKEM1024, domain.PurposeKeyEncapsulation)
	require.NoError(t, err)
	assert.Equal(t, second.KeyID, active.KeyID)
}

func TestIssueSeparateOwnersIndependent(t *testing.T) {
	f := newKeyFixture(t)
	ctx := context.Background()

	a, err := f.service.Issue(ctx, "user-a", domain.AlgorithmMLKEM1024, domain.PurposeKeyEncapsulation, time.Hour)
	require.NoError(t, err)
	b, err := f.service.Issue(ctx, "user-b", domain.AlgorithmMLKEM1024, domain.PurposeKeyEncapsulation, time.Hour)
	require.NoError(t, err)

	// 不同属主互不影响，各自保持第一代活跃
	assert.Equal(t, 1, a.Generation)
	assert.Equal(t, 1, b.Generation)
	count, err := f.repo.CountActive(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestRotateReasonPersisted(t *testing.T) {
	f := newKeyFixture(t)
	ctx := context.Background()

	key, err := f.service.Issue(ctx, "user-1", domain.AlgorithmMLKEM1024, domain.PurposeKeyEncapsulation, time.Hour)
	require.NoError(t, err)

	next, err := f.service.Rotate(ctx, key.KeyID, domain.RotationReasonCompromised)
	require.NoError(t, err)
	assert.Equal(t, 2, next.Generation)

	old, err := f.repo.Get(ctx, key.KeyID)
	require.NoError(t, err)
	assert.Equal(t, domain.RotationReasonCompromised, old.RotationReason)

	// 原因缺省按计划轮换处理
	third, err := f.service.Rotate(ctx, next.KeyID, "")
	require.NoError(t, err)
	rotated, err := f.repo.Get(ctx, next.KeyID)
	require.NoError(t, err)
	assert.Equal(t, domain.RotationReasonScheduled, rotated.RotationReason)
	assert.Equal(t, 3, third.Generation)
}

func TestRotateRequiresActive(t *testing.T) {
	f := newKeyFixture(t)
	ctx := context.Background()

	key, err := f.service.Issue(ctx, "user-1", domain.AlgorithmMLKEM1024, domain.PurposeKeyEncapsulation, time.Hour)
	require.NoError(t, err)
	_, err = f.service.Rotate(ctx, key.KeyID, domain.RotationReasonScheduled)
	require.NoError(t, err)

	// 已轮换的密钥不能再次轮换
	_, err = f.service.Rotate(ctx, key.KeyID, domain.RotationReasonScheduled)
	assert.ErrorIs(t, err, domain.ErrKeyNotActive)
}

func TestValidateCompromisedStaysRevoked(t *testing.T) {
	f := newKeyFixture(t)
	ctx := context.Background()

	key, err := f.service.Issue(ctx, "user-1", domain.AlgorithmMLKEM1024, domain.PurposeKeyEncapsulation, time.Hour)
	require.NoError(t, err)

	_, err = f.service.MarkCompromised(ctx, key.KeyID, "secops", "hsm breach suspected")
	require.NoError(t, err)

	// 已泄露的密钥不会被重新校验通过
	validated, err := f.service.Validate(ctx, key.KeyID)
	assert.ErrorIs(t, err, domain.ErrKeyCompromised)
	assert.Equal(t, domain.ValidationRevoked, validated.ValidationStatus)

	stored, err := f.repo.Get(ctx, key.KeyID)
	require.NoError(t, err)
	assert.Equal(t, domain.ValidationRevoked, stored.ValidationStatus)
}

func TestValidateExpiredFails(t *testing.T) {
	f := newKeyFixture(t)
	ctx := context.Background()

	key, err := f.service.Issue(ctx, "user-1", domain.AlgorithmMLKEM1024, domain.PurposeKeyEncapsulation, time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	validated, err := f.service.Validate(ctx, key.KeyID)
	require.NoError(t, err)
	assert.Equal(t, domain.ValidationFailed, validated.ValidationStatus)
}

func TestValidateHealthyKeyVerifies(t *testing.T) {
	f := newKeyFixture(t)
	ctx := context.Background()

	key, err := f.service.Issue(ctx, "user-1", domain.AlgorithmMLDSA87, domain.PurposeTransactionSign, time.Hour)
	require.NoError(t, err)

	validated, err := f.service.Validate(ctx, key.KeyID)
	require.NoError(t, err)
	assert.Equal(t, domain.ValidationVerified, validated.ValidationStatus)
}

func TestMarkCompromisedRevokesAndDeactivates(t *testing.T) {
	f := newKeyFixture(t)
	ctx := context.Background()

	key, err := f.service.Issue(ctx, "user-1", domain.AlgorithmMLKEM1024, domain.PurposeKeyEncapsulation, time.Hour)
	require.NoError(t, err)

	compromised, err := f.service.MarkCompromised(ctx, key.KeyID, "secops", "leaked backup")
	require.NoError(t, err)
	assert.Equal(t, domain.KeyStatusCompromised, compromised.Status)
	assert.Equal(t, domain.ValidationRevoked, compromised.ValidationStatus)
	assert.Nil(t, compromised.ActiveFlag)

	_, err = f.repo.GetActive(ctx, "user-1", domain.AlgorithmMLKEM1024, domain.PurposeKeyEncapsulation)
	assert.ErrorIs(t, err, domain.ErrKeyNotFound)
}

func TestActiveKeyIssuesOnDemand(t *testing.T) {
	f := newKeyFixture(t)
	ctx := context.Background()

	key, err := f.service.ActiveKey(ctx, "user-1", domain.AlgorithmMLKEM1024, domain.PurposeKeyEncapsulation)
	require.NoError(t, err)
	assert.Equal(t, 1, key.Generation)

	// 再次获取返回同一把
	again, err := f.service.ActiveKey(ctx, "user-1", domain.AlgorithmMLKEM1024, domain.PurposeKeyEncapsulation)
	require.NoError(t, err)
	assert.Equal(t, key.KeyID, again.KeyID)
}

func TestActiveKeyRotatesExpired(t *testing.T) {
	f := newKeyFixture(t)
	ctx := context.Background()

	key, err := f.service.Issue(ctx, "user-1", domain.AlgorithmMLKEM1024, domain.PurposeKeyEncapsulation, time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	replacement, err := f.service.ActiveKey(ctx, "user-1", domain.AlgorithmMLKEM1024, domain.PurposeKeyEncapsulation)
	require.NoError(t, err)
	assert.NotEqual(t, key.KeyID, replacement.KeyID)
	assert.Equal(t, 2, replacement.Generation)

	old, err := f.repo.Get(ctx, key.KeyID)
	require.NoError(t, err)
	assert.Equal(t, domain.RotationReasonExpired, old.RotationReason)
}

func TestEncapsulateDecapsulateRoundTrip(t *testing.T) {
	f := newKeyFixture(t)
	ctx := context.Background()

	key, err := f.service.Issue(ctx, "user-1", domain.AlgorithmMLKEM1024, domain.PurposeKeyEncapsulation, time.Hour)
	require.NoError(t, err)

	ct, ss, err := f.service.Encapsulate(ctx, key.KeyID)
	require.NoError(t, err)

	got, err := f.service.Decapsulate(ctx, key.KeyID, ct)
	require.NoError(t, err)
	assert.Equal(t, ss, got)

	// 已泄露的密钥不可解封
	_, err = f.service.MarkCompromised(ctx, key.KeyID, "secops", "test")
	require.NoError(t, err)
	_, err = f.service.Decapsulate(ctx, key.KeyID, ct)
	assert.ErrorIs(t, err, domain.ErrKeyNotActive)
}

func TestSweepExpiredKeys(t *testing.T) {
	f := newKeyFixture(t)
	ctx := context.Background()

	_, err := f.service.Issue(ctx, "user-1", domain.AlgorithmMLKEM1024, domain.PurposeKeyEncapsulation, time.Nanosecond)
	require.NoError(t, err)
	_, err = f.service.Issue(ctx, "user-2", domain.AlgorithmMLKEM1024, domain.PurposeKeyEncapsulation, time.Hour)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	swept, err := f.service.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	count, err := f.repo.CountActive(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}
