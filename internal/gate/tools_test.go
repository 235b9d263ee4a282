package gate

import (
	"context"
	"testing"

	"AgentPay-Chain/internal/chain"
)

func toolNames(t *testing.T, f *fixture) map[string]bool {
	t.Helper()
	names := make(map[string]bool)
	for _, tool := range AvailableTools(f.sess) {
		names[tool.Name] = true
	}
	return names
}

func TestAvailableToolsFullAllowance(t *testing.T) {
	f := newFixture(t, nil)
	names := toolNames(t, f)
	for _, want := range []string{ToolTransferSOL, ToolTransferETH, ToolSwapTokens, ToolGetBalance} {
		if !names[want] {
			t.Fatalf("tool %s should be visible, got %v", want, names)
		}
	}
}

func TestAvailableToolsHideExhaustedNetwork(t *testing.T) {
	f := newFixture(t, nil)
	f.sess.Ledger.Record(chain.NetworkSolana, lamports(t, "0.1"))

	names := toolNames(t, f)
	if names[ToolTransferSOL] || names[ToolSwapTokens] {
		t.Fatalf("solana tools must disappear when the allowance is exhausted: %v", names)
	}
	if !names[ToolTransferETH] {
		t.Fatalf("ethereum tools must survive: %v", names)
	}
	// 余额查询不消耗额度，始终可见。
	if !names[ToolGetBalance] {
		t.Fatalf("balance tool must survive: %v", names)
	}
}

func TestAvailableToolsNilSession(t *testing.T) {
	if tools := AvailableTools(nil); tools != nil {
		t.Fatalf("nil session yields no tools, got %v", tools)
	}
}

func TestAvailableToolsClosedSession(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.manager.Revoke(context.Background(), false); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if tools := AvailableTools(f.sess); tools != nil {
		t.Fatalf("closed session yields no tools, got %v", tools)
	}
}
