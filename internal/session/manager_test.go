package session

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"AgentPay-Chain/internal/chain"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/events"
)

type fakeExecutor struct {
	network chain.Network
	keyed   atomic.Int32
}

func (f *fakeExecutor) Network() chain.Network { return f.network }

func (f *fakeExecutor) GenerateKeypair() (chain.Keypair, error) {
	n := f.keyed.Add(1)
	return chain.Keypair{
		Network: f.network,
		Address: fmt.Sprintf("%s-addr-%d", f.network, n),
		Secret:  fmt.Sprintf("%s-secret-%d", f.network, n),
	}, nil
}

func (f *fakeExecutor) Balance(context.Context, string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeExecutor) EstimateFee(context.Context) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeExecutor) Execute(context.Context, chain.Keypair, chain.Operation) (*chain.SettlementResult, error) {
	return &chain.SettlementResult{Network: f.network, Reference: "ref"}, nil
}

func (f *fakeExecutor) Close() {}

type countingRefunder struct {
	mu       sync.Mutex
	calls    int
	failures []RefundFailure
}

func (r *countingRefunder) Refund(context.Context, *Session) []RefundFailure {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.failures
}

func (r *countingRefunder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func testRegistry(t *testing.T) *chain.Registry {
	t.Helper()
	registry, err := chain.NewRegistry(
		&fakeExecutor{network: chain.NetworkSolana},
		&fakeExecutor{network: chain.NetworkEthereum},
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return registry
}

func testConfig(t *testing.T, duration time.Duration) Config {
	t.Helper()
	return Config{
		MaxSpend: map[chain.Network]*big.Int{
			chain.NetworkSolana:   sol(t, "0.1"),
			chain.NetworkEthereum: big.NewInt(1e16),
		},
		PerTxCap: map[chain.Network]*big.Int{
			chain.NetworkSolana:   sol(t, "0.05"),
			chain.NetworkEthereum: big.NewInt(5e15),
		},
		Duration: duration,
		PrimaryAddresses: map[chain.Network]string{
			chain.NetworkSolana:   "PrimarySol",
			chain.NetworkEthereum: "0xPrimary",
		},
	}
}

func TestManagerCreatePersistsCompleteRecord(t *testing.T) {
	store := NewMemoryStore()
	manager, err := NewManager(testRegistry(t), store)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	sess, err := manager.Create(context.Background(), testConfig(t, time.Hour))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.State() != StateActive {
		t.Fatalf("new session state = %s, want active", sess.State())
	}
	if len(sess.Keys) != 2 {
		t.Fatalf("expected one keypair per network, got %d", len(sess.Keys))
	}

	record, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if !record.Complete() {
		t.Fatalf("persisted record must be complete: %+v", record)
	}
	if record.ID != sess.ID {
		t.Fatalf("record id %s != session id %s", record.ID, sess.ID)
	}
}

func TestManagerCreateRejectsInvalidConfig(t *testing.T) {
	manager, _ := NewManager(testRegistry(t), NewMemoryStore())
	_, err := manager.Create(context.Background(), Config{})
	if xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestManagerCreateRejectsSecondActiveSession(t *testing.T) {
	manager, _ := NewManager(testRegistry(t), NewMemoryStore())
	if _, err := manager.Create(context.Background(), testConfig(t, time.Hour)); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := manager.Create(context.Background(), testConfig(t, time.Hour)); err == nil {
		t.Fatalf("second create must fail while a session is active")
	}
}

func TestManagerRestoreMissingRecord(t *testing.T) {
	manager, _ := NewManager(testRegistry(t), NewMemoryStore())
	sess, err := manager.Restore(context.Background())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if sess != nil {
		t.Fatalf("missing record must restore to no session")
	}
}

func TestManagerRestoreIncompleteRecord(t *testing.T) {
	store := NewMemoryStore()
	record := completeRecord()
	record.Keys = map[string]KeyRecord{"solana": {Address: "Addr"}}
	if err := store.Save(context.Background(), record); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	manager, _ := NewManager(testRegistry(t), store)
	sess, err := manager.Restore(context.Background())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if sess != nil {
		t.Fatalf("partial record must restore to no session")
	}
}

func TestManagerRestoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	manager, _ := NewManager(testRegistry(t), store)

	created, err := manager.Create(context.Background(), testConfig(t, time.Hour))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	created.Ledger.Record(chain.NetworkSolana, sol(t, "0.03"))
	if err := manager.Persist(context.Background()); err != nil {
		t.Fatalf("persist: %v", err)
	}

	// 模拟进程重启：新的管理器从同一个存储恢复。
	restoredManager, _ := NewManager(testRegistry(t), store)
	restored, err := restoredManager.Restore(context.Background())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored == nil {
		t.Fatalf("expected a restored session")
	}
	if restored.ID != created.ID {
		t.Fatalf("restored id %s != %s", restored.ID, created.ID)
	}
	if got := restored.Ledger.Spent(chain.NetworkSolana); got.Cmp(sol(t, "0.03")) != 0 {
		t.Fatalf("restored spent = %s, want 0.03", got)
	}
	key, ok := restored.Key(chain.NetworkSolana)
	if !ok || key.Secret == "" {
		t.Fatalf("restored session must carry usable keys")
	}
}

func TestManagerRevokeExactlyOnce(t *testing.T) {
	store := NewMemoryStore()
	refunder := &countingRefunder{}
	manager, _ := NewManager(testRegistry(t), store, WithRefunder(refunder))

	sess, err := manager.Create(context.Background(), testConfig(t, time.Hour))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// 到期监视器与手工撤销并发触发，退款必须只执行一次。
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(auto bool) {
			defer wg.Done()
			_ = manager.Revoke(context.Background(), auto)
		}(i%2 == 0)
	}
	wg.Wait()

	if got := refunder.count(); got != 1 {
		t.Fatalf("refund ran %d times, want exactly 1", got)
	}
	if sess.State() != StateClosed {
		t.Fatalf("state = %s, want closed", sess.State())
	}
	if manager.Current() != nil {
		t.Fatalf("current session must be cleared after revoke")
	}
	if _, err := store.Load(context.Background()); err != ErrNoSession {
		t.Fatalf("record must be cleared, got %v", err)
	}
	for network, key := range sess.Keys {
		if key.Secret != "" {
			t.Fatalf("secret for %s not erased", network)
		}
	}
}

func TestManagerRevokeKeepsRecoveryOnRefundFailure(t *testing.T) {
	store := NewMemoryStore()
	refunder := &countingRefunder{failures: []RefundFailure{
		{Network: chain.NetworkSolana, Err: errors.New("rpc unreachable")},
	}}
	publisher := events.NewMemoryPublisher()
	manager, _ := NewManager(testRegistry(t), store,
		WithRefunder(refunder),
		WithEvents(publisher),
	)

	sess, err := manager.Create(context.Background(), testConfig(t, time.Hour))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	err = manager.Revoke(context.Background(), true)
	if xerrors.CodeOf(err) != xerrors.CodeRefundFailure {
		t.Fatalf("expected refund failure error, got %v", err)
	}

	recovery := store.Recovery(sess.ID)
	if recovery == nil {
		t.Fatalf("recovery record must be saved on refund failure")
	}
	if recovery.Keys["solana"].Secret == "" {
		t.Fatalf("recovery record must retain key material")
	}
	if len(recovery.FailedNetworks) != 1 || recovery.FailedNetworks[0] != "solana" {
		t.Fatalf("failed networks = %v", recovery.FailedNetworks)
	}
	// 会话记录仍被清除，恢复材料单独保留。
	if _, err := store.Load(context.Background()); err != ErrNoSession {
		t.Fatalf("session record must still be cleared, got %v", err)
	}

	var sawRefundFailed bool
	for _, event := range publisher.Events() {
		if event.Type == events.TypeRefundFailed {
			sawRefundFailed = true
		}
	}
	if !sawRefundFailed {
		t.Fatalf("refund failure must be published")
	}
}

func TestExpiryMonitorTriggersAutoRevoke(t *testing.T) {
	store := NewMemoryStore()
	refunder := &countingRefunder{}
	now := time.Now()
	clock := func() time.Time { return now }
	manager, _ := NewManager(testRegistry(t), store,
		WithRefunder(refunder),
		WithClock(clock),
	)

	if _, err := manager.Create(context.Background(), testConfig(t, time.Millisecond)); err != nil {
		t.Fatalf("create: %v", err)
	}

	monitor := NewExpiryMonitor(manager, time.Second)
	monitor.now = func() time.Time { return now.Add(10 * time.Millisecond) }

	monitor.check(context.Background())
	monitor.check(context.Background())

	if got := refunder.count(); got != 1 {
		t.Fatalf("expiry revoke ran %d times, want 1", got)
	}
	if manager.Current() != nil {
		t.Fatalf("session should be gone after expiry revoke")
	}
}

func TestExpiryMonitorIgnoresLiveSession(t *testing.T) {
	refunder := &countingRefunder{}
	manager, _ := NewManager(testRegistry(t), NewMemoryStore(), WithRefunder(refunder))
	if _, err := manager.Create(context.Background(), testConfig(t, time.Hour)); err != nil {
		t.Fatalf("create: %v", err)
	}

	monitor := NewExpiryMonitor(manager, time.Second)
	monitor.check(context.Background())

	if refunder.count() != 0 {
		t.Fatalf("live session must not be revoked")
	}
	if manager.Current() == nil {
		t.Fatalf("session should remain active")
	}
}
