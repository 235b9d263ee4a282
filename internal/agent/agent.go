package agent

import (
	"context"
	"fmt"
	"time"

	"AgentPay-Chain/internal/chain"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/gate"
	"AgentPay-Chain/internal/llm"
	"AgentPay-Chain/internal/session"
	"AgentPay-Chain/pkg/logger"
)

// Reply 是一轮对话的最终输出。Executed 为真表示本轮发生了链上结算。
type Reply struct {
	Text      string `json:"text"`
	Executed  bool   `json:"executed"`
	Denied    bool   `json:"denied"`
	Reference string `json:"reference,omitempty"`
}

// Orchestrator 协调大模型、花费闸门与会话管理器，是系统的业务核心。
type Orchestrator struct {
	llmClient  llm.Client
	gate       *gate.Gate
	manager    *session.Manager
	llmTimeout time.Duration
}

// Option 定义可选的 Orchestrator 配置。
type Option func(*Orchestrator)

// WithLLMTimeout 设置调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout <= 0 {
			o.llmTimeout = 0
			return
		}
		o.llmTimeout = timeout
	}
}

// New 创建一个 Orchestrator。
func New(llmClient llm.Client, spendGate *gate.Gate, manager *session.Manager, opts ...Option) (*Orchestrator, error) {
	if llmClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "llm client 不能为空")
	}
	if spendGate == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "gate 不能为空")
	}
	if manager == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "manager 不能为空")
	}
	o := &Orchestrator{
		llmClient: llmClient,
		gate:      spendGate,
		manager:   manager,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// HandleMessage 处理用户的一轮消息：重算工具集、调用模型、裁决并执行
// 模型请求的操作，最后组织面向用户的中文回复。
func (o *Orchestrator) HandleMessage(ctx context.Context, message string) (*Reply, error) {
	sess := o.manager.Current()
	if sess == nil || sess.State() != session.StateActive {
		return &Reply{Text: "当前没有有效的支付会话，请先授权创建会话。"}, nil
	}

	tools := gate.AvailableTools(sess)
	req := llm.Request{
		Prompt: o.buildPrompt(sess, message),
		Tools:  tools,
	}

	llmCtx := ctx
	if o.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, o.llmTimeout)
		defer cancel()
	}
	resp, err := o.llmClient.Generate(llmCtx, req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLLMFailure, err, "调用大模型失败")
	}

	if resp.Call == nil {
		text := resp.Text
		if text == "" {
			text = "我没有理解你的意图，请换一种说法。"
		}
		return &Reply{Text: text}, nil
	}

	logger.L().Info("模型请求执行操作",
		"session_id", sess.ID,
		"tool", resp.Call.Name,
	)
	// 余额查询是只读操作，不经过闸门裁决。
	if resp.Call.Name == gate.ToolGetBalance {
		return &Reply{Text: o.describeBalances(sess)}, nil
	}
	gateReq, err := o.gate.ParseCall(*resp.Call)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeInvalidArgument {
			return &Reply{Text: "操作参数无效：" + xerrors.MessageOf(err)}, nil
		}
		return nil, err
	}

	outcome, err := o.gate.Evaluate(ctx, gateReq)
	if err != nil {
		logger.L().Error("操作执行失败", "session_id", sess.ID, "tool", resp.Call.Name, "error", err)
		return &Reply{Text: "操作执行失败：" + xerrors.MessageOf(err)}, nil
	}
	if outcome.Denied {
		return &Reply{
			Text:   fmt.Sprintf("操作被拒绝（%s）：%s", outcome.DenialCode, outcome.DenialReason),
			Denied: true,
		}, nil
	}
	return &Reply{
		Text:      o.describeSettlement(gateReq, outcome),
		Executed:  true,
		Reference: outcome.Settlement.Reference,
	}, nil
}

func (o *Orchestrator) buildPrompt(sess *session.Session, message string) string {
	prompt := "你是一个链上支付助手，只能通过提供的工具发起转账或兑换。\n"
	prompt += "当前会话剩余额度："
	for _, network := range chain.Networks() {
		if _, ok := sess.Key(network); !ok {
			continue
		}
		remaining := sess.Ledger.Remaining(network)
		prompt += fmt.Sprintf("%s %s；", chain.FormatAtomic(remaining, network.Decimals()), network.Symbol())
	}
	prompt += "\n用户消息：" + message
	return prompt
}

// describeBalances 汇报各网络的余额缓存与剩余额度。余额来自轮询器的
// 最近一次刷新，会话刚创建、尚未轮询到时显示为刷新中。
func (o *Orchestrator) describeBalances(sess *session.Session) string {
	text := "当前会话钱包："
	for _, network := range chain.Networks() {
		if _, ok := sess.Key(network); !ok {
			continue
		}
		balance := "刷新中"
		if cached := sess.Balance(network); cached != nil {
			balance = chain.FormatAtomic(cached, network.Decimals()) + " " + network.Symbol()
		}
		remaining := sess.Ledger.Remaining(network)
		text += fmt.Sprintf("%s 余额 %s，剩余额度 %s %s；",
			network, balance,
			chain.FormatAtomic(remaining, network.Decimals()), network.Symbol())
	}
	return text
}

func (o *Orchestrator) describeSettlement(req gate.Request, outcome *gate.Outcome) string {
	switch req.Kind {
	case chain.OpSwap:
		text := fmt.Sprintf("兑换已确认：%s %s → %s",
			chain.FormatAtomic(req.Amount, mustDecimals(o.gate, req.InputTicker)),
			req.InputTicker, outcome.OutputTicker)
		if outcome.QuoteOut != "" {
			text = fmt.Sprintf("%s，预计到账 %s %s", text, outcome.QuoteOut, outcome.OutputTicker)
		}
		return text + "。交易凭据：" + outcome.Settlement.Reference
	default:
		return fmt.Sprintf("转账已确认：%s %s 已支付至 %s。交易凭据：%s",
			chain.FormatAtomic(req.Amount, req.Network.Decimals()),
			req.Network.Symbol(),
			req.Destination,
			outcome.Settlement.Reference)
	}
}

func mustDecimals(g *gate.Gate, ticker string) int {
	if info, ok := g.ResolveAsset(ticker); ok {
		return info.Decimals
	}
	return 9
}
