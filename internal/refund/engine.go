// Package refund 在会话撤销时把各网络会话密钥的剩余资金退回主钱包。
package refund

import (
	"context"
	"math/big"

	"AgentPay-Chain/internal/chain"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/journal"
	"AgentPay-Chain/internal/session"
	"AgentPay-Chain/pkg/logger"
)

// Engine 实现 session.Refunder。退款金额 = 余额 - 预估手续费 - 安全缓冲，
// 缓冲吸收预估与实际提交之间的费率漂移，保证退款交易本身不会因余额不足失败。
type Engine struct {
	registry *chain.Registry
	defs     chain.Definitions
	journal  journal.Store
}

// NewEngine 创建退款引擎。journal 可以为 nil。
func NewEngine(registry *chain.Registry, defs chain.Definitions, journalStore journal.Store) *Engine {
	return &Engine{
		registry: registry,
		defs:     defs,
		journal:  journalStore,
	}
}

// Refund 逐网络执行退款，返回失败明细。单个网络失败不阻断其他网络。
func (e *Engine) Refund(ctx context.Context, sess *session.Session) []session.RefundFailure {
	var failures []session.RefundFailure
	for _, network := range e.registry.Networks() {
		key, ok := sess.Key(network)
		if !ok {
			continue
		}
		destination := sess.Config.PrimaryAddresses[network]
		if destination == "" {
			failures = append(failures, session.RefundFailure{
				Network: network,
				Err:     xerrors.New(xerrors.CodeRefundFailure, "未配置主钱包地址"),
			})
			continue
		}
		if err := e.refundNetwork(ctx, sess, network, key, destination); err != nil {
			failures = append(failures, session.RefundFailure{Network: network, Err: err})
		}
	}
	return failures
}

func (e *Engine) refundNetwork(ctx context.Context, sess *session.Session, network chain.Network, key chain.Keypair, destination string) error {
	// 独占该网络的签名通道：进行中的结算提交完成后才开始退款，
	// 退款期间也不会有新的提交插队。
	if !sess.LockNetwork(network) {
		return xerrors.New(xerrors.CodeRefundFailure, "网络签名通道不存在")
	}
	defer sess.UnlockNetwork(network)

	exec, err := e.registry.Executor(network)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeRefundFailure, err, "获取执行器失败")
	}
	balance, err := exec.Balance(ctx, key.Address)
	if err != nil {
		e.record(ctx, sess.ID, network, nil, destination, "", journal.StatusFailed, err)
		return xerrors.Wrap(xerrors.CodeRefundFailure, err, "查询余额失败")
	}
	fee, err := exec.EstimateFee(ctx)
	if err != nil {
		e.record(ctx, sess.ID, network, nil, destination, "", journal.StatusFailed, err)
		return xerrors.Wrap(xerrors.CodeRefundFailure, err, "预估手续费失败")
	}
	buffer, err := e.defs.SafetyBuffer(network)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeRefundFailure, err, "解析安全缓冲失败")
	}

	refundable := new(big.Int).Sub(balance, fee)
	refundable.Sub(refundable, buffer)
	if refundable.Sign() <= 0 {
		// 余额不足以覆盖手续费时没有可退资金，不算失败。
		logger.L().Info("无可退资金，跳过",
			"session_id", sess.ID,
			"network", network,
			"balance", chain.FormatAtomic(balance, network.Decimals()),
		)
		return nil
	}

	result, err := exec.Execute(ctx, key, chain.Operation{
		Kind:        chain.OpTransfer,
		Network:     network,
		Destination: destination,
		Amount:      refundable,
		Memo:        "session refund",
	})
	if err != nil {
		e.record(ctx, sess.ID, network, refundable, destination, "", journal.StatusFailed, err)
		return xerrors.Wrap(xerrors.CodeRefundFailure, err, "提交退款交易失败")
	}

	logger.L().Info("退款已确认",
		"session_id", sess.ID,
		"network", network,
		"amount", chain.FormatAtomic(refundable, network.Decimals()),
		"reference", result.Reference,
	)
	logger.Audit().Info("refund_confirmed",
		"session_id", sess.ID,
		"network", string(network),
		"amount", refundable.String(),
		"reference", result.Reference,
	)
	e.record(ctx, sess.ID, network, refundable, destination, result.Reference, journal.StatusConfirmed, nil)
	return nil
}

func (e *Engine) record(ctx context.Context, sessionID string, network chain.Network, amount *big.Int, destination, reference string, status journal.Status, cause error) {
	if e.journal == nil {
		return
	}
	entry := journal.Entry{
		SessionID:   sessionID,
		Kind:        journal.KindRefund,
		Network:     string(network),
		Destination: destination,
		Reference:   reference,
		Status:      status,
	}
	if amount != nil {
		entry.Amount = amount.String()
	}
	if cause != nil {
		entry.LastError = cause.Error()
	}
	if err := e.journal.Append(ctx, entry); err != nil {
		logger.L().Warn("写入流水失败", "session_id", sessionID, "network", network, "error", err)
	}
}
