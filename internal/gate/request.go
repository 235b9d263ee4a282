package gate

import (
	"math/big"
	"strconv"
	"strings"

	"AgentPay-Chain/internal/chain"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/llm"
)

// ParseCall 把模型返回的函数调用翻译为闸门请求。
// 金额在这里一次性转成原子单位，后续所有校验都基于整数精确比较。
func (g *Gate) ParseCall(call llm.FunctionCall) (Request, error) {
	switch call.Name {
	case ToolTransferSOL:
		return parseTransfer(call.Args, chain.NetworkSolana)
	case ToolTransferETH:
		return parseTransfer(call.Args, chain.NetworkEthereum)
	case ToolSwapTokens:
		return g.parseSwap(call.Args)
	}
	return Request{}, xerrors.New(xerrors.CodeInvalidArgument, "未知工具: "+call.Name)
}

func parseTransfer(args map[string]any, network chain.Network) (Request, error) {
	destination, err := stringArg(args, "toAddress")
	if err != nil {
		return Request{}, err
	}
	amount, err := amountArg(args, "amount", network.Decimals())
	if err != nil {
		return Request{}, err
	}
	return Request{
		Kind:        chain.OpTransfer,
		Network:     network,
		Destination: destination,
		Amount:      amount,
		Reason:      optionalStringArg(args, "reason"),
	}, nil
}

func (g *Gate) parseSwap(args map[string]any) (Request, error) {
	inputTicker, err := stringArg(args, "inputToken")
	if err != nil {
		return Request{}, err
	}
	outputTicker, err := stringArg(args, "outputToken")
	if err != nil {
		return Request{}, err
	}
	inputTicker = strings.ToUpper(inputTicker)
	outputTicker = strings.ToUpper(outputTicker)

	if g.aggregator == nil {
		return Request{}, xerrors.New(xerrors.CodeAggregatorFailure, "未配置兑换聚合器")
	}
	input, ok := g.aggregator.Resolve(inputTicker)
	if !ok {
		return Request{}, xerrors.New(xerrors.CodeInvalidArgument, "不支持的输入资产: "+inputTicker)
	}
	amount, err := amountArg(args, "amount", input.Decimals)
	if err != nil {
		return Request{}, err
	}
	return Request{
		Kind:         chain.OpSwap,
		Network:      chain.NetworkSolana,
		Amount:       amount,
		InputTicker:  inputTicker,
		OutputTicker: outputTicker,
		Reason:       optionalStringArg(args, "reason"),
	}, nil
}

// optionalStringArg 读取可选参数，缺失或非字符串时回退为空。
func optionalStringArg(args map[string]any, key string) string {
	value, _ := args[key].(string)
	return strings.TrimSpace(value)
}

func stringArg(args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "缺少参数 "+key)
	}
	value, ok := raw.(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "参数 "+key+" 必须是非空字符串")
	}
	return strings.TrimSpace(value), nil
}

// amountArg 接受 JSON number 或十进制字符串两种形式。
// float64 用最短往返表示还原成十进制字符串再精确换算，避免二进制浮点
// 噪声被放大进原子单位。
func amountArg(args map[string]any, key string, decimals int) (*big.Int, error) {
	raw, ok := args[key]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少参数 "+key)
	}
	var text string
	switch value := raw.(type) {
	case float64:
		text = strconv.FormatFloat(value, 'f', -1, 64)
	case string:
		text = strings.TrimSpace(value)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "参数 "+key+" 必须是数字")
	}
	amount, err := chain.ParseDecimal(text, decimals)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "参数 "+key+" 解析失败")
	}
	if amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "参数 "+key+" 必须大于 0")
	}
	return amount, nil
}
