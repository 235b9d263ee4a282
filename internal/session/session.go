package session

import (
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"AgentPay-Chain/internal/chain"
	xerrors "AgentPay-Chain/internal/errors"
)

// State 表示会话生命周期状态。状态迁移是单向的：
// Unconfigured → Active → Revoking → Closed，不存在回退。
type State int32

const (
	StateUnconfigured State = iota
	StateActive
	StateRevoking
	StateClosed
)

// String 实现 fmt.Stringer。
func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateActive:
		return "active"
	case StateRevoking:
		return "revoking"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Config 描述一次会话的不可变配置。会话启动后不允许修改，
// 调整限额需要撤销当前会话并新建。
type Config struct {
	// MaxSpend 与 PerTxCap 均以各网络的原子单位计价。
	MaxSpend map[chain.Network]*big.Int
	PerTxCap map[chain.Network]*big.Int
	Duration time.Duration

	// PrimaryAddresses 是退款目标，即用户的主钱包地址。
	PrimaryAddresses map[chain.Network]string
}

// Validate 校验会话配置。配置错误会导致会话创建整体失败，不会部分生效。
func (c Config) Validate() error {
	if c.Duration <= 0 {
		return xerrors.New(xerrors.CodeConfiguration, "会话时长必须大于 0")
	}
	for network, cap := range c.MaxSpend {
		if !network.Valid() {
			return xerrors.New(xerrors.CodeConfiguration, "不支持的网络: "+string(network))
		}
		if cap == nil || cap.Sign() < 0 {
			return xerrors.New(xerrors.CodeConfiguration, "网络 "+string(network)+" 的总限额不能为负")
		}
	}
	for network, cap := range c.PerTxCap {
		if !network.Valid() {
			return xerrors.New(xerrors.CodeConfiguration, "不支持的网络: "+string(network))
		}
		if cap == nil || cap.Sign() < 0 {
			return xerrors.New(xerrors.CodeConfiguration, "网络 "+string(network)+" 的单笔限额不能为负")
		}
	}
	for network := range c.PrimaryAddresses {
		if !network.Valid() {
			return xerrors.New(xerrors.CodeConfiguration, "不支持的网络: "+string(network))
		}
	}
	return nil
}

// Session 是核心聚合：每个网络一把独占的会话密钥、绝对过期时间、
// 不可变配置以及花费台账。
type Session struct {
	ID        string
	Keys      map[chain.Network]chain.Keypair
	ExpiresAt time.Time
	Config    Config
	Ledger    *Ledger

	state atomic.Int32

	balanceMu sync.RWMutex
	balances  map[chain.Network]*big.Int

	// netLocks 保证同一网络的会话密钥不会被并发用于签名提交。
	netLocks map[chain.Network]*sync.Mutex
}

// newSession 构造处于指定状态的会话实例。
func newSession(id string, keys map[chain.Network]chain.Keypair, expiresAt time.Time, cfg Config, ledger *Ledger, state State) *Session {
	locks := make(map[chain.Network]*sync.Mutex, len(keys))
	for network := range keys {
		locks[network] = &sync.Mutex{}
	}
	s := &Session{
		ID:        id,
		Keys:      keys,
		ExpiresAt: expiresAt,
		Config:    cfg,
		Ledger:    ledger,
		balances:  make(map[chain.Network]*big.Int),
		netLocks:  locks,
	}
	s.state.Store(int32(state))
	return s
}

// State 返回当前状态。
func (s *Session) State() State {
	return State(s.state.Load())
}

// CompareAndSwapState 以 CAS 方式执行状态迁移，保证并发触发只生效一次。
func (s *Session) CompareAndSwapState(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// Expired 判断会话在给定时刻是否已过期。
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Key 返回指定网络的会话密钥。
func (s *Session) Key(network chain.Network) (chain.Keypair, bool) {
	key, ok := s.Keys[network]
	return key, ok
}

// TryLockNetwork 尝试独占指定网络的签名通道，用于阻止同一网络上的并发提交。
func (s *Session) TryLockNetwork(network chain.Network) bool {
	lock, ok := s.netLocks[network]
	if !ok {
		return false
	}
	return lock.TryLock()
}

// LockNetwork 阻塞式独占指定网络的签名通道，退款流程使用。
func (s *Session) LockNetwork(network chain.Network) bool {
	lock, ok := s.netLocks[network]
	if !ok {
		return false
	}
	lock.Lock()
	return true
}

// UnlockNetwork 释放指定网络的签名通道。
func (s *Session) UnlockNetwork(network chain.Network) {
	if lock, ok := s.netLocks[network]; ok {
		lock.Unlock()
	}
}

// SetBalance 更新指定网络的余额缓存（由余额轮询器调用，只读幂等）。
func (s *Session) SetBalance(network chain.Network, balance *big.Int) {
	s.balanceMu.Lock()
	defer s.balanceMu.Unlock()
	if balance == nil {
		delete(s.balances, network)
		return
	}
	s.balances[network] = new(big.Int).Set(balance)
}

// Balance 返回指定网络最近一次刷新的余额，未刷新时返回 nil。
func (s *Session) Balance(network chain.Network) *big.Int {
	s.balanceMu.RLock()
	defer s.balanceMu.RUnlock()
	balance, ok := s.balances[network]
	if !ok {
		return nil
	}
	return new(big.Int).Set(balance)
}

// eraseSecrets 清除内存中的密钥材料，会话关闭时调用。
func (s *Session) eraseSecrets() {
	for network, key := range s.Keys {
		key.Secret = ""
		s.Keys[network] = key
	}
}
