// Package journal 记录结算与退款流水，供事后对账与审计。
package journal

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "AgentPay-Chain/internal/errors"
)

// Kind 标识流水类型。
type Kind string

const (
	KindSettlement Kind = "settlement"
	KindRefund     Kind = "refund"
)

// Status 标识流水状态。
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Entry 是一条流水记录。Amount 是该网络原子单位的十进制字符串。
type Entry struct {
	ID          string
	SessionID   string
	Kind        Kind
	Network     string
	Amount      string
	Destination string
	Reference   string
	Status      Status
	Reason      string
	LastError   string
	CreatedAt   int64
}

// Store 定义流水存储接口。Append 只增不改：流水是事实记录。
type Store interface {
	Append(ctx context.Context, entry Entry) error
	ListBySession(ctx context.Context, sessionID string) ([]Entry, error)
	Close() error
}

// MemoryStore 是面向开发与测试的内存实现。
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryStore 创建内存流水存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append 实现 Store。
func (s *MemoryStore) Append(_ context.Context, entry Entry) error {
	if strings.TrimSpace(entry.SessionID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "流水缺少会话 ID")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().Unix()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// ListBySession 实现 Store。
func (s *MemoryStore) ListBySession(_ context.Context, sessionID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		if entry.SessionID == sessionID {
			out = append(out, entry)
		}
	}
	return out, nil
}

// Close 实现 Store。
func (s *MemoryStore) Close() error { return nil }
