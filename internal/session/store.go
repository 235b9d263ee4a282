package session

import (
	"context"
	"errors"
	"sync"
)

// RecordVersion 是会话持久化记录的当前版本号。版本不匹配的记录视为不存在。
const RecordVersion = 1

// ErrNoSession 表示存储中没有可用的会话记录。
var ErrNoSession = errors.New("会话记录不存在")

// KeyRecord 是单个网络会话密钥的持久化形式。
type KeyRecord struct {
	Address string `json:"address"`
	Secret  string `json:"secret"`
}

// Record 是会话的持久化形式：一条版本化的完整记录，整体读写，
// 避免逐字段存取造成的部分恢复问题。金额一律以原子单位十进制字符串表示。
type Record struct {
	Version          int                  `json:"version"`
	ID               string               `json:"id"`
	Keys             map[string]KeyRecord `json:"keys"`
	ExpiresAtMs      int64                `json:"expires_at_ms"`
	DurationMs       int64                `json:"duration_ms"`
	MaxSpend         map[string]string    `json:"max_spend"`
	PerTxCap         map[string]string    `json:"per_tx_cap"`
	Spent            map[string]string    `json:"spent"`
	PrimaryAddresses map[string]string    `json:"primary_addresses"`
}

// Complete 校验记录是否包含恢复会话所需的全部字段。
// 任一字段缺失都意味着"没有会话"，绝不允许部分恢复。
func (r *Record) Complete() bool {
	if r == nil || r.Version != RecordVersion {
		return false
	}
	if r.ID == "" || len(r.Keys) == 0 || r.ExpiresAtMs <= 0 || r.DurationMs <= 0 {
		return false
	}
	for _, key := range r.Keys {
		if key.Address == "" || key.Secret == "" {
			return false
		}
	}
	if r.MaxSpend == nil || r.PerTxCap == nil || r.Spent == nil {
		return false
	}
	return true
}

// RecoveryRecord 是退款失败时保留的最小恢复材料：有了密钥和主钱包地址，
// 运营人员仍可手工完成退款，资金不会因会话记录被清除而滞留。
type RecoveryRecord struct {
	SessionID        string               `json:"session_id"`
	Keys             map[string]KeyRecord `json:"keys"`
	PrimaryAddresses map[string]string    `json:"primary_addresses"`
	FailedNetworks   []string             `json:"failed_networks"`
	CreatedAt        int64                `json:"created_at"`
}

// Store 定义会话记录的持久化接口。实现必须保证 Save/Load 操作的原子性：
// 读到的记录要么完整要么不存在。
type Store interface {
	Save(ctx context.Context, record *Record) error
	Load(ctx context.Context) (*Record, error)
	Clear(ctx context.Context) error
	SaveRecovery(ctx context.Context, record *RecoveryRecord) error
	Close() error
}

// MemoryStore 是面向开发与测试的内存实现。
type MemoryStore struct {
	mu       sync.Mutex
	record   *Record
	recovery map[string]*RecoveryRecord
}

// NewMemoryStore 构造空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recovery: make(map[string]*RecoveryRecord)}
}

// Save 实现 Store。
func (s *MemoryStore) Save(_ context.Context, record *Record) error {
	if record == nil {
		return errors.New("record 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cloned := *record
	s.record = &cloned
	return nil
}

// Load 实现 Store。
func (s *MemoryStore) Load(_ context.Context) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil {
		return nil, ErrNoSession
	}
	cloned := *s.record
	return &cloned, nil
}

// Clear 实现 Store。
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = nil
	return nil
}

// SaveRecovery 实现 Store。
func (s *MemoryStore) SaveRecovery(_ context.Context, record *RecoveryRecord) error {
	if record == nil || record.SessionID == "" {
		return errors.New("恢复记录不完整")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cloned := *record
	s.recovery[record.SessionID] = &cloned
	return nil
}

// Recovery 返回指定会话的恢复记录，测试用。
func (s *MemoryStore) Recovery(sessionID string) *RecoveryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recovery[sessionID]
}

// Close 实现 Store。
func (s *MemoryStore) Close() error { return nil }
