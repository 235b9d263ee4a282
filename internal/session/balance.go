package session

import (
	"context"
	"time"

	"AgentPay-Chain/internal/chain"
	"AgentPay-Chain/pkg/logger"
)

// BalancePoller 周期性刷新当前会话各网络密钥的链上余额缓存。
// 刷新失败只影响展示，不影响限额校验，记日志后继续。
type BalancePoller struct {
	manager  *Manager
	registry *chain.Registry
	interval time.Duration
}

// NewBalancePoller 创建余额轮询器，interval 非正时默认 10 秒。
func NewBalancePoller(manager *Manager, registry *chain.Registry, interval time.Duration) *BalancePoller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &BalancePoller{
		manager:  manager,
		registry: registry,
		interval: interval,
	}
}

// Run 启动轮询循环，阻塞直到 ctx 取消。
func (p *BalancePoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *BalancePoller) poll(ctx context.Context) {
	sess := p.manager.Current()
	if sess == nil || sess.State() != StateActive {
		return
	}
	for network, key := range sess.Keys {
		exec, err := p.registry.Executor(network)
		if err != nil {
			continue
		}
		balance, err := exec.Balance(ctx, key.Address)
		if err != nil {
			logger.L().Warn("刷新余额失败", "network", network, "error", err)
			continue
		}
		sess.SetBalance(network, balance)
	}
}
