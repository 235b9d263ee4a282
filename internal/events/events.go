// Package events 对外广播会话与结算的生命周期事件，
// 供下游对账、监控等系统订阅。
package events

import (
	"context"
	"sync"
	"time"
)

// Type 标识事件类型。
type Type string

const (
	TypeSessionCreated      Type = "session.created"
	TypeSessionRevoking     Type = "session.revoking"
	TypeSessionClosed       Type = "session.closed"
	TypeSettlementConfirmed Type = "settlement.confirmed"
	TypeRefundFailed        Type = "refund.failed"
)

// Event 是一条生命周期事件。Fields 携带事件相关的业务字段，
// 字段值必须可被 JSON 序列化。
type Event struct {
	Type      Type           `json:"type"`
	SessionID string         `json:"session_id"`
	Timestamp int64          `json:"timestamp_ms"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// New 构造带当前时间戳的事件。
func New(eventType Type, sessionID string, fields map[string]any) Event {
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
		Fields:    fields,
	}
}

// Publisher 定义事件发布接口。发布失败不应阻断业务流程，
// 调用方只记录日志不回滚。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// MemoryPublisher 把事件留存在内存中，面向开发与测试。
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryPublisher 构造内存事件发布器。
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish 实现 Publisher。
func (p *MemoryPublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// Events 返回已发布事件的副本，测试用。
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Close 实现 Publisher。
func (p *MemoryPublisher) Close() error { return nil }
