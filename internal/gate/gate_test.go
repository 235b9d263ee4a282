package gate

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"AgentPay-Chain/internal/chain"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/journal"
	"AgentPay-Chain/internal/session"
	"AgentPay-Chain/internal/swap"
)

type stubExecutor struct {
	network  chain.Network
	execErr  error
	executed atomic.Int32
	lastOp   chain.Operation
}

func (s *stubExecutor) Network() chain.Network { return s.network }

func (s *stubExecutor) GenerateKeypair() (chain.Keypair, error) {
	return chain.Keypair{
		Network: s.network,
		Address: string(s.network) + "-session-addr",
		Secret:  string(s.network) + "-secret",
	}, nil
}

func (s *stubExecutor) Balance(context.Context, string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (s *stubExecutor) EstimateFee(context.Context) (*big.Int, error) {
	return big.NewInt(5000), nil
}

func (s *stubExecutor) Execute(_ context.Context, _ chain.Keypair, op chain.Operation) (*chain.SettlementResult, error) {
	if s.execErr != nil {
		return nil, s.execErr
	}
	s.executed.Add(1)
	s.lastOp = op
	return &chain.SettlementResult{Network: s.network, Reference: "sig-123"}, nil
}

func (s *stubExecutor) Close() {}

type stubAggregator struct {
	quoteErr error
	buildErr error
	out      string

	// onQuote 在报价往返期间触发，用来模拟并发结算。
	onQuote func()
}

func (s *stubAggregator) Resolve(ticker string) (swap.AssetInfo, bool) {
	switch ticker {
	case "SOL":
		return swap.AssetInfo{Ticker: "SOL", Mint: "SolMint", Decimals: 9}, true
	case "USDC":
		return swap.AssetInfo{Ticker: "USDC", Mint: "UsdcMint", Decimals: 6}, true
	}
	return swap.AssetInfo{}, false
}

func (s *stubAggregator) GetQuote(_ context.Context, inputMint, outputMint string, amount *big.Int) (*swap.Quote, error) {
	if s.onQuote != nil {
		s.onQuote()
	}
	if s.quoteErr != nil {
		return nil, s.quoteErr
	}
	out := s.out
	if out == "" {
		out = "2500000"
	}
	return &swap.Quote{
		InputMint:  inputMint,
		OutputMint: outputMint,
		InAmount:   amount.String(),
		OutAmount:  out,
		Raw:        json.RawMessage(`{}`),
	}, nil
}

func (s *stubAggregator) BuildTransaction(context.Context, *swap.Quote, string) (string, error) {
	if s.buildErr != nil {
		return "", s.buildErr
	}
	return "c2lnbmFibGU=", nil
}

type fixture struct {
	gate     *Gate
	manager  *session.Manager
	sess     *session.Session
	solana   *stubExecutor
	ethereum *stubExecutor
	journal  *journal.MemoryStore
}

func lamports(t *testing.T, value string) *big.Int {
	t.Helper()
	amount, err := chain.ParseDecimal(value, 9)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return amount
}

func newFixture(t *testing.T, allowlist *session.Allowlist, opts ...Option) *fixture {
	t.Helper()
	solExec := &stubExecutor{network: chain.NetworkSolana}
	ethExec := &stubExecutor{network: chain.NetworkEthereum}
	registry, err := chain.NewRegistry(solExec, ethExec)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	manager, err := session.NewManager(registry, session.NewMemoryStore())
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	sess, err := manager.Create(context.Background(), session.Config{
		MaxSpend: map[chain.Network]*big.Int{
			chain.NetworkSolana:   lamports(t, "0.1"),
			chain.NetworkEthereum: big.NewInt(1e16),
		},
		PerTxCap: map[chain.Network]*big.Int{
			chain.NetworkSolana:   lamports(t, "0.05"),
			chain.NetworkEthereum: big.NewInt(5e15),
		},
		Duration: time.Hour,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	journalStore := journal.NewMemoryStore()
	if allowlist == nil {
		allowlist = session.NewAllowlist(nil)
	}
	opts = append([]Option{
		WithAggregator(&stubAggregator{}),
		WithJournal(journalStore),
	}, opts...)
	return &fixture{
		gate:     New(manager, allowlist, registry, opts...),
		manager:  manager,
		sess:     sess,
		solana:   solExec,
		ethereum: ethExec,
		journal:  journalStore,
	}
}

func TestGateTransferSettlesAndDebits(t *testing.T) {
	f := newFixture(t, nil)

	outcome, err := f.gate.Evaluate(context.Background(), Request{
		Kind:        chain.OpTransfer,
		Network:     chain.NetworkSolana,
		Destination: "Merchant1",
		Amount:      lamports(t, "0.005"),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if outcome.Denied {
		t.Fatalf("transfer should pass: %s %s", outcome.DenialCode, outcome.DenialReason)
	}
	if outcome.Settlement == nil || outcome.Settlement.Reference != "sig-123" {
		t.Fatalf("missing settlement reference: %+v", outcome)
	}
	if got := f.sess.Ledger.Spent(chain.NetworkSolana); got.Cmp(lamports(t, "0.005")) != 0 {
		t.Fatalf("ledger spent = %s, want 0.005", got)
	}

	entries, err := f.journal.ListBySession(context.Background(), f.sess.ID)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != journal.StatusConfirmed {
		t.Fatalf("expected one confirmed journal entry, got %+v", entries)
	}
}

func TestGateDeniesMerchantNotAllowed(t *testing.T) {
	allowlist := session.NewAllowlist(map[chain.Network][]string{
		chain.NetworkSolana: {"TrustedMerchant"},
	})
	f := newFixture(t, allowlist)

	outcome, err := f.gate.Evaluate(context.Background(), Request{
		Kind:        chain.OpTransfer,
		Network:     chain.NetworkSolana,
		Destination: "Stranger",
		Amount:      lamports(t, "0.005"),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !outcome.Denied || outcome.DenialCode != DenyMerchantNotAllowed {
		t.Fatalf("expected MERCHANT_NOT_ALLOWED, got %+v", outcome)
	}
	if f.solana.executed.Load() != 0 {
		t.Fatalf("denied transfer must not reach the executor")
	}
	if f.sess.Ledger.Spent(chain.NetworkSolana).Sign() != 0 {
		t.Fatalf("denied transfer must not debit the ledger")
	}
}

func TestGateDeniesPerTxCap(t *testing.T) {
	f := newFixture(t, nil)

	// 0.09 在总额度内但超过 0.05 的单笔限额。
	outcome, err := f.gate.Evaluate(context.Background(), Request{
		Kind:        chain.OpTransfer,
		Network:     chain.NetworkSolana,
		Destination: "Merchant1",
		Amount:      lamports(t, "0.09"),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !outcome.Denied || outcome.DenialCode != DenyPerTxCapExceeded {
		t.Fatalf("expected PER_TX_CAP_EXCEEDED, got %+v", outcome)
	}
}

func TestGateDeniesSessionCap(t *testing.T) {
	f := newFixture(t, nil)
	f.sess.Ledger.Record(chain.NetworkSolana, lamports(t, "0.095"))

	outcome, err := f.gate.Evaluate(context.Background(), Request{
		Kind:        chain.OpTransfer,
		Network:     chain.NetworkSolana,
		Destination: "Merchant1",
		Amount:      lamports(t, "0.01"),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !outcome.Denied || outcome.DenialCode != DenySessionCapExceeded {
		t.Fatalf("expected SESSION_CAP_EXCEEDED, got %+v", outcome)
	}
}

func TestGateDeniesExpiredSession(t *testing.T) {
	f := newFixture(t, nil, WithClock(func() time.Time {
		return time.Now().Add(2 * time.Hour)
	}))

	outcome, err := f.gate.Evaluate(context.Background(), Request{
		Kind:        chain.OpTransfer,
		Network:     chain.NetworkSolana,
		Destination: "Merchant1",
		Amount:      lamports(t, "0.005"),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !outcome.Denied || outcome.DenialCode != DenySessionExpired {
		t.Fatalf("expected SESSION_EXPIRED, got %+v", outcome)
	}
}

func TestGateDeniesChainBusy(t *testing.T) {
	f := newFixture(t, nil)

	if !f.sess.TryLockNetwork(chain.NetworkSolana) {
		t.Fatalf("failed to hold the network lock")
	}
	defer f.sess.UnlockNetwork(chain.NetworkSolana)

	outcome, err := f.gate.Evaluate(context.Background(), Request{
		Kind:        chain.OpTransfer,
		Network:     chain.NetworkSolana,
		Destination: "Merchant1",
		Amount:      lamports(t, "0.005"),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !outcome.Denied || outcome.DenialCode != DenyChainBusy {
		t.Fatalf("expected CHAIN_BUSY, got %+v", outcome)
	}
	// 其他网络不受影响。
	outcome, err = f.gate.Evaluate(context.Background(), Request{
		Kind:        chain.OpTransfer,
		Network:     chain.NetworkEthereum,
		Destination: "0xMerchant",
		Amount:      big.NewInt(1e15),
	})
	if err != nil {
		t.Fatalf("evaluate ethereum: %v", err)
	}
	if outcome.Denied {
		t.Fatalf("ethereum transfer should pass while solana is busy: %+v", outcome)
	}
}

func TestGateExecutionFailureLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t, nil)
	f.solana.execErr = errors.New("blockhash expired")

	_, err := f.gate.Evaluate(context.Background(), Request{
		Kind:        chain.OpTransfer,
		Network:     chain.NetworkSolana,
		Destination: "Merchant1",
		Amount:      lamports(t, "0.005"),
	})
	if xerrors.CodeOf(err) != xerrors.CodeExecutionFailure {
		t.Fatalf("expected execution failure, got %v", err)
	}
	if f.sess.Ledger.Spent(chain.NetworkSolana).Sign() != 0 {
		t.Fatalf("failed execution must not debit the ledger")
	}

	entries, _ := f.journal.ListBySession(context.Background(), f.sess.ID)
	if len(entries) != 1 || entries[0].Status != journal.StatusFailed {
		t.Fatalf("failure must be journaled, got %+v", entries)
	}

	// 失败后锁已释放，重试可以进入。
	f.solana.execErr = nil
	outcome, err := f.gate.Evaluate(context.Background(), Request{
		Kind:        chain.OpTransfer,
		Network:     chain.NetworkSolana,
		Destination: "Merchant1",
		Amount:      lamports(t, "0.005"),
	})
	if err != nil || outcome.Denied {
		t.Fatalf("retry after failure should pass: %v %+v", err, outcome)
	}
}

func TestGateSwapDebitsNativeInput(t *testing.T) {
	f := newFixture(t, nil)

	outcome, err := f.gate.Evaluate(context.Background(), Request{
		Kind:         chain.OpSwap,
		Network:      chain.NetworkSolana,
		Amount:       lamports(t, "0.01"),
		InputTicker:  "SOL",
		OutputTicker: "USDC",
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if outcome.Denied {
		t.Fatalf("swap should pass: %+v", outcome)
	}
	if got := f.sess.Ledger.Spent(chain.NetworkSolana); got.Cmp(lamports(t, "0.01")) != 0 {
		t.Fatalf("native swap input must debit the ledger, spent = %s", got)
	}
	if f.solana.lastOp.Kind != chain.OpSwap || f.solana.lastOp.Artifact == "" {
		t.Fatalf("executor must receive the aggregator artifact: %+v", f.solana.lastOp)
	}
	// 2500000 at 6 decimals.
	if outcome.QuoteOut != "2.5" || outcome.OutputTicker != "USDC" {
		t.Fatalf("quote output = %q %q", outcome.QuoteOut, outcome.OutputTicker)
	}
}

func TestGateSwapNonNativeInputDoesNotDebit(t *testing.T) {
	f := newFixture(t, nil)

	outcome, err := f.gate.Evaluate(context.Background(), Request{
		Kind:         chain.OpSwap,
		Network:      chain.NetworkSolana,
		Amount:       big.NewInt(1_000_000), // 1 USDC
		InputTicker:  "USDC",
		OutputTicker: "SOL",
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if outcome.Denied {
		t.Fatalf("swap should pass: %+v", outcome)
	}
	if f.sess.Ledger.Spent(chain.NetworkSolana).Sign() != 0 {
		t.Fatalf("non-native input must not debit the SOL ledger")
	}
}

func TestGateSwapNonNativeRequiresAllowance(t *testing.T) {
	f := newFixture(t, nil)
	f.sess.Ledger.Record(chain.NetworkSolana, lamports(t, "0.1"))

	outcome, err := f.gate.Evaluate(context.Background(), Request{
		Kind:         chain.OpSwap,
		Network:      chain.NetworkSolana,
		Amount:       big.NewInt(1_000_000),
		InputTicker:  "USDC",
		OutputTicker: "SOL",
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !outcome.Denied || outcome.DenialCode != DenySessionCapExceeded {
		t.Fatalf("exhausted allowance must close the swap path, got %+v", outcome)
	}
}

func TestGateSwapPerTxCapOnNativeInput(t *testing.T) {
	f := newFixture(t, nil)

	outcome, err := f.gate.Evaluate(context.Background(), Request{
		Kind:         chain.OpSwap,
		Network:      chain.NetworkSolana,
		Amount:       lamports(t, "0.09"),
		InputTicker:  "SOL",
		OutputTicker: "USDC",
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !outcome.Denied || outcome.DenialCode != DenyPerTxCapExceeded {
		t.Fatalf("expected PER_TX_CAP_EXCEEDED, got %+v", outcome)
	}
}

func TestGateSwapRechecksCapsAfterQuote(t *testing.T) {
	f := newFixture(t, nil)
	aggregator := &stubAggregator{}
	aggregator.onQuote = func() {
		// 报价往返期间两笔并发转账把 0.1 的额度整个耗尽。
		for i := 0; i < 2; i++ {
			outcome, err := f.gate.Evaluate(context.Background(), Request{
				Kind:        chain.OpTransfer,
				Network:     chain.NetworkSolana,
				Destination: "Merchant1",
				Amount:      lamports(t, "0.05"),
			})
			if err != nil || outcome.Denied {
				t.Fatalf("concurrent transfer: %v %+v", err, outcome)
			}
		}
	}
	f.gate.aggregator = aggregator

	outcome, err := f.gate.Evaluate(context.Background(), Request{
		Kind:         chain.OpSwap,
		Network:      chain.NetworkSolana,
		Amount:       lamports(t, "0.01"),
		InputTicker:  "SOL",
		OutputTicker: "USDC",
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !outcome.Denied || outcome.DenialCode != DenySessionCapExceeded {
		t.Fatalf("stale pre-quote snapshot must not authorize the swap, got %+v", outcome)
	}
	// 只有两笔转账上链，兑换从未到达执行器。
	if got := f.solana.executed.Load(); got != 2 {
		t.Fatalf("executor calls = %d, want 2", got)
	}
	if got := f.sess.Ledger.Spent(chain.NetworkSolana); got.Cmp(lamports(t, "0.1")) != 0 {
		t.Fatalf("spent = %s, must stay within the 0.1 cap", got)
	}
}

func TestGateSwapNonNativeRechecksAllowanceAfterQuote(t *testing.T) {
	f := newFixture(t, nil)
	aggregator := &stubAggregator{}
	aggregator.onQuote = func() {
		f.sess.Ledger.Record(chain.NetworkSolana, lamports(t, "0.1"))
	}
	f.gate.aggregator = aggregator

	outcome, err := f.gate.Evaluate(context.Background(), Request{
		Kind:         chain.OpSwap,
		Network:      chain.NetworkSolana,
		Amount:       big.NewInt(1_000_000),
		InputTicker:  "USDC",
		OutputTicker: "SOL",
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !outcome.Denied || outcome.DenialCode != DenySessionCapExceeded {
		t.Fatalf("allowance exhausted mid-quote must deny, got %+v", outcome)
	}
	if f.solana.executed.Load() != 0 {
		t.Fatalf("denied swap must not reach the executor")
	}
}

func TestGateNoSession(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.manager.Revoke(context.Background(), false); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	_, err := f.gate.Evaluate(context.Background(), Request{
		Kind:        chain.OpTransfer,
		Network:     chain.NetworkSolana,
		Destination: "Merchant1",
		Amount:      lamports(t, "0.005"),
	})
	if xerrors.CodeOf(err) != xerrors.CodeSessionNotFound {
		t.Fatalf("expected session not found, got %v", err)
	}
}

