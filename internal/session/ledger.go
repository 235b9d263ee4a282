package session

import (
	"fmt"
	"math/big"
	"sync"

	"AgentPay-Chain/internal/chain"
)

// Ledger 按网络记录累计花费，维护两条不变量：
// 花费单调不减；任意时刻 spent[n] ≤ maxSpend[n]。
// 只有在执行器确认结算之后才允许记账。
type Ledger struct {
	mu       sync.Mutex
	maxSpend map[chain.Network]*big.Int
	perTxCap map[chain.Network]*big.Int
	spent    map[chain.Network]*big.Int
}

// NewLedger 基于会话配置构造零花费的台账。未配置限额的网络视为 0。
func NewLedger(maxSpend, perTxCap map[chain.Network]*big.Int) *Ledger {
	l := &Ledger{
		maxSpend: make(map[chain.Network]*big.Int, len(maxSpend)),
		perTxCap: make(map[chain.Network]*big.Int, len(perTxCap)),
		spent:    make(map[chain.Network]*big.Int),
	}
	for network, cap := range maxSpend {
		l.maxSpend[network] = clone(cap)
	}
	for network, cap := range perTxCap {
		l.perTxCap[network] = clone(cap)
	}
	return l
}

// MaxSpend 返回网络的会话总限额。
func (l *Ledger) MaxSpend(network chain.Network) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return clone(l.maxSpend[network])
}

// PerTxCap 返回网络的单笔限额。
func (l *Ledger) PerTxCap(network chain.Network) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return clone(l.perTxCap[network])
}

// Spent 返回网络的累计花费。
func (l *Ledger) Spent(network chain.Network) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return clone(l.spent[network])
}

// Remaining 返回网络的剩余额度 maxSpend - spent。
func (l *Ledger) Remaining(network chain.Network) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remainingLocked(network)
}

func (l *Ledger) remainingLocked(network chain.Network) *big.Int {
	return new(big.Int).Sub(clone(l.maxSpend[network]), clone(l.spent[network]))
}

// HasAllowance 判断网络是否仍有剩余额度，决定操作是否对模型可见。
func (l *Ledger) HasAllowance(network chain.Network) bool {
	return l.Remaining(network).Sign() > 0
}

// WithinPerTxCap 判断金额是否不超过单笔限额。
func (l *Ledger) WithinPerTxCap(network chain.Network, amount *big.Int) bool {
	if amount == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return amount.Cmp(clone(l.perTxCap[network])) <= 0
}

// CanAfford 判断金额是否同时满足剩余额度与单笔限额。
func (l *Ledger) CanAfford(network chain.Network, amount *big.Int) bool {
	if amount == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount.Cmp(clone(l.perTxCap[network])) > 0 {
		return false
	}
	return amount.Cmp(l.remainingLocked(network)) <= 0
}

// Record 在结算确认后记账。记账导致 spent 超过 maxSpend 属于编程错误，
// 说明上游漏掉了校验，直接 panic 而不是返回用户可见错误。
func (l *Ledger) Record(network chain.Network, amount *big.Int) {
	if amount == nil || amount.Sign() < 0 {
		panic(fmt.Sprintf("ledger: 非法的记账金额 %v (network=%s)", amount, network))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	next := new(big.Int).Add(clone(l.spent[network]), amount)
	if next.Cmp(clone(l.maxSpend[network])) > 0 {
		panic(fmt.Sprintf("ledger: 网络 %s 记账后花费 %s 超过限额 %s", network, next, l.maxSpend[network]))
	}
	l.spent[network] = next
}

// SpentSnapshot 返回各网络累计花费的副本，用于持久化。
func (l *Ledger) SpentSnapshot() map[chain.Network]*big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[chain.Network]*big.Int, len(l.spent))
	for network, value := range l.spent {
		out[network] = new(big.Int).Set(value)
	}
	return out
}

// restoreSpent 恢复持久化的花费记录，仅用于会话重建。
func (l *Ledger) restoreSpent(spent map[chain.Network]*big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for network, value := range spent {
		if value == nil || value.Sign() < 0 {
			return fmt.Errorf("网络 %s 的花费记录非法", network)
		}
		if value.Cmp(clone(l.maxSpend[network])) > 0 {
			return fmt.Errorf("网络 %s 的花费记录 %s 超过限额", network, value)
		}
		l.spent[network] = new(big.Int).Set(value)
	}
	return nil
}

// clone 返回 big.Int 的安全副本，nil 按 0 处理。
func clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
