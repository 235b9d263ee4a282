package gate

import (
	"AgentPay-Chain/internal/chain"
	"AgentPay-Chain/internal/llm"
	"AgentPay-Chain/internal/session"
)

// 工具名是与模型之间的契约，改名等于删工具。
const (
	ToolTransferSOL = "transferSOL"
	ToolTransferETH = "transferETH"
	ToolSwapTokens  = "swapTokens"
	ToolGetBalance  = "getBalance"
)

func transferTool(name, symbol, network string) llm.Tool {
	return llm.Tool{
		Name:        name,
		Description: "在 " + network + " 网络上向指定地址转账 " + symbol + "。金额以 " + symbol + " 为单位，必须附带简短的转账理由。",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"toAddress": map[string]any{
					"type":        "string",
					"description": "收款地址",
				},
				"amount": map[string]any{
					"type":        "number",
					"description": "转账金额，单位 " + symbol,
				},
				"reason": map[string]any{
					"type":        "string",
					"description": "从对话上下文推断的转账理由，不要向用户追问",
				},
			},
			"required": []string{"toAddress", "amount"},
		},
	}
}

func swapTool() llm.Tool {
	return llm.Tool{
		Name:        ToolSwapTokens,
		Description: "在 Solana 网络上将一种代币兑换为另一种代币。金额以输入代币为单位。",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"inputToken": map[string]any{
					"type":        "string",
					"description": "输入代币代码，例如 SOL、USDC",
				},
				"outputToken": map[string]any{
					"type":        "string",
					"description": "输出代币代码，例如 USDC、JUP",
				},
				"amount": map[string]any{
					"type":        "number",
					"description": "兑换金额，单位为输入代币",
				},
				"reason": map[string]any{
					"type":        "string",
					"description": "从对话上下文推断的兑换理由，不要向用户追问",
				},
			},
			"required": []string{"inputToken", "outputToken", "amount"},
		},
	}
}

func balanceTool() llm.Tool {
	return llm.Tool{
		Name:        ToolGetBalance,
		Description: "查询会话钱包在各网络上的当前余额与剩余额度。用户询问余额时使用。",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}
}

// AvailableTools 根据会话的实时额度计算对模型可见的工具集。
// 额度用尽的网络整个从工具集中消失：模型连尝试的机会都没有，
// 而不是调用后被拒绝。必须在每轮对话前重新计算。
func AvailableTools(sess *session.Session) []llm.Tool {
	if sess == nil || sess.State() != session.StateActive {
		return nil
	}
	tools := []llm.Tool{balanceTool()}
	if _, ok := sess.Key(chain.NetworkSolana); ok && sess.Ledger.HasAllowance(chain.NetworkSolana) {
		tools = append(tools, transferTool(ToolTransferSOL, "SOL", "Solana"))
		tools = append(tools, swapTool())
	}
	if _, ok := sess.Key(chain.NetworkEthereum); ok && sess.Ledger.HasAllowance(chain.NetworkEthereum) {
		tools = append(tools, transferTool(ToolTransferETH, "ETH", "Ethereum"))
	}
	return tools
}
