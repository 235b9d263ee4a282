package gate

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"AgentPay-Chain/internal/chain"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/events"
	"AgentPay-Chain/internal/journal"
	"AgentPay-Chain/internal/session"
	"AgentPay-Chain/internal/swap"
	"AgentPay-Chain/pkg/logger"
)

// 拒绝码是闸门对外的稳定契约，模型和下游系统依赖这些字面值。
const (
	DenySessionExpired     = "SESSION_EXPIRED"
	DenyMerchantNotAllowed = "MERCHANT_NOT_ALLOWED"
	DenyPerTxCapExceeded   = "PER_TX_CAP_EXCEEDED"
	DenySessionCapExceeded = "SESSION_CAP_EXCEEDED"
	DenyChainBusy          = "CHAIN_BUSY"
)

// Request 是一次待裁决的链上操作请求。金额一律为输入资产的原子单位。
type Request struct {
	Kind        chain.OperationKind
	Network     chain.Network
	Destination string
	Amount      *big.Int

	// Reason 是模型从对话中推断的操作理由，仅用于流水与审计，
	// 不参与任何校验。
	Reason string

	// 兑换专用字段。
	InputTicker  string
	OutputTicker string
}

// Outcome 是闸门的裁决结果。Denied 为真时 Settlement 必为空，
// DenialCode/DenialReason 描述拒绝原因；否则 Settlement 携带确认凭据。
type Outcome struct {
	Denied       bool
	DenialCode   string
	DenialReason string

	Settlement   *chain.SettlementResult
	QuoteOut     string
	OutputTicker string
}

func deny(code, reason string) *Outcome {
	return &Outcome{Denied: true, DenialCode: code, DenialReason: reason}
}

// Gate 把限额校验与执行提交串成一条不可绕过的通道。
type Gate struct {
	manager    *session.Manager
	allowlist  *session.Allowlist
	registry   *chain.Registry
	aggregator swap.Aggregator
	journal    journal.Store
	events     events.Publisher
	now        func() time.Time
}

// Option 配置 Gate 的可选依赖。
type Option func(*Gate)

// WithAggregator 注入兑换聚合器。
func WithAggregator(a swap.Aggregator) Option {
	return func(g *Gate) { g.aggregator = a }
}

// WithJournal 注入流水存储。
func WithJournal(s journal.Store) Option {
	return func(g *Gate) { g.journal = s }
}

// WithEvents 注入事件发布器。
func WithEvents(p events.Publisher) Option {
	return func(g *Gate) { g.events = p }
}

// WithClock 注入时钟，测试用。
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New 创建花费闸门。
func New(manager *session.Manager, allowlist *session.Allowlist, registry *chain.Registry, opts ...Option) *Gate {
	g := &Gate{
		manager:   manager,
		allowlist: allowlist,
		registry:  registry,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate 对请求做全量校验并在通过后执行。校验顺序固定：
// 会话有效性 → 商户白名单 → 单笔限额 → 会话总限额 → 网络互斥。
func (g *Gate) Evaluate(ctx context.Context, req Request) (*Outcome, error) {
	sess := g.manager.Current()
	if sess == nil {
		return nil, xerrors.New(xerrors.CodeSessionNotFound, "当前没有会话")
	}
	if sess.State() != session.StateActive || sess.Expired(g.now()) {
		return deny(DenySessionExpired, "会话已过期或正在撤销，请重新授权"), nil
	}

	switch req.Kind {
	case chain.OpTransfer:
		return g.evaluateTransfer(ctx, sess, req)
	case chain.OpSwap:
		return g.evaluateSwap(ctx, sess, req)
	}
	return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的操作类型: "+string(req.Kind))
}

func (g *Gate) evaluateTransfer(ctx context.Context, sess *session.Session, req Request) (*Outcome, error) {
	network := req.Network
	if !network.Valid() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的网络: "+string(network))
	}
	if req.Destination == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少收款地址")
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "转账金额必须大于 0")
	}

	if !g.allowlist.IsAllowed(network, req.Destination) {
		return deny(DenyMerchantNotAllowed,
			fmt.Sprintf("收款地址 %s 不在 %s 网络商户白名单中", req.Destination, network)), nil
	}

	// 同一网络同一时刻只允许一笔在途提交，锁不可得直接拒绝而不是排队：
	// 排队会让限额校验基于过期的台账快照。
	if !sess.TryLockNetwork(network) {
		return deny(DenyChainBusy, fmt.Sprintf("%s 网络有交易正在确认，请稍后重试", network)), nil
	}
	defer sess.UnlockNetwork(network)

	// 限额校验必须在锁内进行，与提交和记账构成一个原子区间：
	// 锁外校验的台账快照可能在拿锁前就被并发结算扣减失效。
	if outcome := g.checkCaps(sess, network, req.Amount); outcome != nil {
		return outcome, nil
	}

	key, ok := sess.Key(network)
	if !ok {
		return nil, xerrors.New(xerrors.CodeExecutionFailure, "会话缺少 "+string(network)+" 网络密钥")
	}
	exec, err := g.registry.Executor(network)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutionFailure, err, "获取执行器失败")
	}

	op := chain.Operation{
		Kind:        chain.OpTransfer,
		Network:     network,
		Destination: req.Destination,
		Amount:      req.Amount,
		Memo:        req.Reason,
	}
	result, err := exec.Execute(ctx, key, op)
	if err != nil {
		// 执行失败不记账：限额只在结算确认后扣减。
		g.record(ctx, sess.ID, journal.KindSettlement, network, req.Amount, req.Destination, "", journal.StatusFailed, req.Reason, err)
		return nil, xerrors.Wrap(xerrors.CodeExecutionFailure, err, "链上执行失败")
	}

	g.settle(ctx, sess, network, req.Amount, req.Destination, result, req.Reason)
	return &Outcome{Settlement: result}, nil
}

func (g *Gate) evaluateSwap(ctx context.Context, sess *session.Session, req Request) (*Outcome, error) {
	if g.aggregator == nil {
		return nil, xerrors.New(xerrors.CodeAggregatorFailure, "未配置兑换聚合器")
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "兑换金额必须大于 0")
	}
	input, ok := g.aggregator.Resolve(req.InputTicker)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的输入资产: "+req.InputTicker)
	}
	output, ok := g.aggregator.Resolve(req.OutputTicker)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的输出资产: "+req.OutputTicker)
	}
	if input.Mint == output.Mint {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "输入与输出资产相同")
	}

	// 兑换在 Solana 上执行。原生 SOL 入金走完整限额校验并在确认后记账；
	// 其他资产入金不消耗 SOL 限额，但会话必须仍有 Solana 剩余额度，
	// 剩余额度为零意味着兑换能力整体关闭。
	// 这里的校验只是预筛，省掉注定失败的聚合器往返；真正生效的校验在
	// 拿到网络锁之后再做一次。
	network := chain.NetworkSolana
	nativeInput := input.Ticker == "SOL"
	if nativeInput {
		if outcome := g.checkCaps(sess, network, req.Amount); outcome != nil {
			return outcome, nil
		}
	} else if !sess.Ledger.HasAllowance(network) {
		return deny(DenySessionCapExceeded, "Solana 网络会话额度已用尽"), nil
	}

	key, ok := sess.Key(network)
	if !ok {
		return nil, xerrors.New(xerrors.CodeExecutionFailure, "会话缺少 solana 网络密钥")
	}

	quote, err := g.aggregator.GetQuote(ctx, input.Mint, output.Mint, req.Amount)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAggregatorFailure, err, "获取兑换报价失败")
	}
	artifact, err := g.aggregator.BuildTransaction(ctx, quote, key.Address)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAggregatorFailure, err, "构建兑换交易失败")
	}

	if !sess.TryLockNetwork(network) {
		return deny(DenyChainBusy, "solana 网络有交易正在确认，请稍后重试"), nil
	}
	defer sess.UnlockNetwork(network)

	// 报价与构建耗时可达数秒，期间并发结算可能已扣减额度，
	// 预筛的台账快照不再可信。锁内重新校验，通过后才签名提交。
	if nativeInput {
		if outcome := g.checkCaps(sess, network, req.Amount); outcome != nil {
			return outcome, nil
		}
	} else if !sess.Ledger.HasAllowance(network) {
		return deny(DenySessionCapExceeded, "Solana 网络会话额度已用尽"), nil
	}

	exec, err := g.registry.Executor(network)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutionFailure, err, "获取执行器失败")
	}
	reason := req.Reason
	if reason == "" {
		reason = fmt.Sprintf("swap %s->%s", input.Ticker, output.Ticker)
	}
	op := chain.Operation{
		Kind:     chain.OpSwap,
		Network:  network,
		Amount:   req.Amount,
		Artifact: artifact,
		Memo:     fmt.Sprintf("swap %s->%s", input.Ticker, output.Ticker),
	}
	result, err := exec.Execute(ctx, key, op)
	if err != nil {
		g.record(ctx, sess.ID, journal.KindSettlement, network, req.Amount, "", "", journal.StatusFailed, reason, err)
		return nil, xerrors.Wrap(xerrors.CodeExecutionFailure, err, "链上执行失败")
	}

	debit := req.Amount
	if !nativeInput {
		debit = nil
	}
	g.settle(ctx, sess, network, debit, "", result, reason)

	outAmount := ""
	if parsed, ok := new(big.Int).SetString(quote.OutAmount, 10); ok {
		outAmount = chain.FormatAtomic(parsed, output.Decimals)
	}
	return &Outcome{
		Settlement:   result,
		QuoteOut:     outAmount,
		OutputTicker: output.Ticker,
	}, nil
}

// ResolveAsset 解析可兑换资产的链上标识，未配置聚合器时一律返回 false。
func (g *Gate) ResolveAsset(ticker string) (swap.AssetInfo, bool) {
	if g.aggregator == nil {
		return swap.AssetInfo{}, false
	}
	return g.aggregator.Resolve(ticker)
}

// checkCaps 做单笔限额与会话总限额校验，返回 nil 表示通过。
func (g *Gate) checkCaps(sess *session.Session, network chain.Network, amount *big.Int) *Outcome {
	decimals := network.Decimals()
	if !sess.Ledger.WithinPerTxCap(network, amount) {
		return deny(DenyPerTxCapExceeded,
			fmt.Sprintf("金额 %s 超过 %s 网络单笔限额 %s",
				chain.FormatAtomic(amount, decimals),
				network,
				chain.FormatAtomic(sess.Ledger.PerTxCap(network), decimals)))
	}
	remaining := sess.Ledger.Remaining(network)
	if amount.Cmp(remaining) > 0 {
		return deny(DenySessionCapExceeded,
			fmt.Sprintf("金额 %s 超过 %s 网络剩余额度 %s",
				chain.FormatAtomic(amount, decimals),
				network,
				chain.FormatAtomic(remaining, decimals)))
	}
	return nil
}

// settle 在执行器确认后记账、持久化并落流水。amount 为 nil 表示本次结算
// 不消耗会话额度。
func (g *Gate) settle(ctx context.Context, sess *session.Session, network chain.Network, amount *big.Int, destination string, result *chain.SettlementResult, reason string) {
	if amount != nil {
		sess.Ledger.Record(network, amount)
		if err := g.manager.Persist(ctx); err != nil {
			logger.L().Error("结算后持久化失败", "session_id", sess.ID, "error", err)
		}
	}

	display := ""
	if amount != nil {
		display = chain.FormatAtomic(amount, network.Decimals())
	}
	logger.L().Info("结算已确认",
		"session_id", sess.ID,
		"network", network,
		"amount", display,
		"reference", result.Reference,
	)
	logger.Audit().Info("settlement_confirmed",
		"session_id", sess.ID,
		"network", string(network),
		"amount", display,
		"destination", destination,
		"reference", result.Reference,
		"reason", reason,
	)

	g.record(ctx, sess.ID, journal.KindSettlement, network, amount, destination, result.Reference, journal.StatusConfirmed, reason, nil)
	if g.events != nil {
		event := events.New(events.TypeSettlementConfirmed, sess.ID, map[string]any{
			"network":   string(network),
			"amount":    display,
			"reference": result.Reference,
		})
		if err := g.events.Publish(ctx, event); err != nil {
			logger.L().Warn("事件发布失败", "type", event.Type, "error", err)
		}
	}
}

func (g *Gate) record(ctx context.Context, sessionID string, kind journal.Kind, network chain.Network, amount *big.Int, destination, reference string, status journal.Status, reason string, cause error) {
	if g.journal == nil {
		return
	}
	entry := journal.Entry{
		SessionID:   sessionID,
		Kind:        kind,
		Network:     string(network),
		Destination: destination,
		Reference:   reference,
		Status:      status,
		Reason:      reason,
	}
	if amount != nil {
		entry.Amount = amount.String()
	}
	if cause != nil {
		entry.LastError = cause.Error()
	}
	if err := g.journal.Append(ctx, entry); err != nil {
		logger.L().Warn("写入流水失败", "session_id", sessionID, "error", err)
	}
}
