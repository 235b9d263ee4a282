package session

import (
	"context"
	"time"

	"AgentPay-Chain/pkg/logger"
)

// ExpiryMonitor 周期性检查当前会话是否到期，到期时触发自动撤销退款。
// 撤销本身由 Manager 的 CAS 保证只执行一次，监视器可以放心重复触发。
type ExpiryMonitor struct {
	manager  *Manager
	interval time.Duration
	now      func() time.Time
}

// NewExpiryMonitor 创建到期监视器，interval 非正时默认 1 秒。
func NewExpiryMonitor(manager *Manager, interval time.Duration) *ExpiryMonitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &ExpiryMonitor{
		manager:  manager,
		interval: interval,
		now:      time.Now,
	}
}

// Run 启动监视循环，阻塞直到 ctx 取消。
func (m *ExpiryMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *ExpiryMonitor) check(ctx context.Context) {
	sess := m.manager.Current()
	if sess == nil || sess.State() != StateActive {
		return
	}
	if !sess.Expired(m.now()) {
		return
	}
	logger.L().Info("会话已到期，触发自动撤销", "session_id", sess.ID)
	if err := m.manager.Revoke(ctx, true); err != nil {
		logger.L().Error("自动撤销失败", "session_id", sess.ID, "error", err)
	}
}
