package swap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL     = "https://quote-api.jup.ag/v6"
	defaultTimeout     = 30 * time.Second
	defaultSlippageBps = 50
)

// AssetInfo 描述一个可交换资产的链上标识与精度。
type AssetInfo struct {
	Ticker   string
	Mint     string
	Decimals int
}

// Quote 是聚合器返回的报价。Raw 保留原始报价 JSON，用于后续构建交易；
// OutAmount 仅用于展示，不参与任何限额判断。
type Quote struct {
	InputMint  string
	OutputMint string
	InAmount   string
	OutAmount  string
	Raw        json.RawMessage
}

// Aggregator 定义兑换路由服务的统一接口。
type Aggregator interface {
	// Resolve 将资产代码解析为链上标识；未收录的资产返回 false。
	Resolve(ticker string) (AssetInfo, bool)
	// GetQuote 获取以原子单位计价的兑换报价。
	GetQuote(ctx context.Context, inputMint, outputMint string, amount *big.Int) (*Quote, error)
	// BuildTransaction 基于报价构建待签名交易（base64）。
	BuildTransaction(ctx context.Context, quote *Quote, signerAddress string) (string, error)
}

// assetTable 收录当前支持的资产。未收录的代码一律拒绝。
var assetTable = map[string]AssetInfo{
	"SOL":  {Ticker: "SOL", Mint: "So11111111111111111111111111111111111111112", Decimals: 9},
	"USDC": {Ticker: "USDC", Mint: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Decimals: 6},
	"USDT": {Ticker: "USDT", Mint: "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB", Decimals: 6},
	"JUP":  {Ticker: "JUP", Mint: "JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN", Decimals: 6},
}

// Config 描述聚合器客户端的构造参数。
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	SlippageBps int
}

// Client 通过 HTTP 调用兑换聚合器服务。
type Client struct {
	baseURL     string
	slippageBps int
	httpClient  *http.Client
}

// NewClient 根据配置创建聚合器客户端。
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	slippage := cfg.SlippageBps
	if slippage <= 0 {
		slippage = defaultSlippageBps
	}
	return &Client{
		baseURL:     baseURL,
		slippageBps: slippage,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// Resolve 实现 Aggregator。
func (c *Client) Resolve(ticker string) (AssetInfo, bool) {
	info, ok := assetTable[strings.ToUpper(strings.TrimSpace(ticker))]
	return info, ok
}

// GetQuote 实现 Aggregator。
func (c *Client) GetQuote(ctx context.Context, inputMint, outputMint string, amount *big.Int) (*Quote, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, errors.New("报价金额必须为正数")
	}

	query := url.Values{}
	query.Set("inputMint", inputMint)
	query.Set("outputMint", outputMint)
	query.Set("amount", amount.String())
	query.Set("slippageBps", strconv.Itoa(c.slippageBps))

	endpoint := c.baseURL + "/quote?" + query.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("构建报价请求失败: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求聚合器失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("聚合器返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("读取报价响应失败: %w", err)
	}

	var decoded struct {
		InputMint  string `json:"inputMint"`
		OutputMint string `json:"outputMint"`
		InAmount   string `json:"inAmount"`
		OutAmount  string `json:"outAmount"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("解析报价响应失败: %w", err)
	}
	if decoded.OutAmount == "" {
		return nil, errors.New("聚合器未返回有效报价")
	}

	return &Quote{
		InputMint:  decoded.InputMint,
		OutputMint: decoded.OutputMint,
		InAmount:   decoded.InAmount,
		OutAmount:  decoded.OutAmount,
		Raw:        json.RawMessage(raw),
	}, nil
}

// BuildTransaction 实现 Aggregator。
func (c *Client) BuildTransaction(ctx context.Context, quote *Quote, signerAddress string) (string, error) {
	if quote == nil || len(quote.Raw) == 0 {
		return "", errors.New("缺少有效报价")
	}
	if strings.TrimSpace(signerAddress) == "" {
		return "", errors.New("缺少签名地址")
	}

	payload, err := json.Marshal(map[string]any{
		"quoteResponse":    quote.Raw,
		"userPublicKey":    signerAddress,
		"wrapAndUnwrapSol": true,
	})
	if err != nil {
		return "", fmt.Errorf("序列化构建请求失败: %w", err)
	}

	endpoint := c.baseURL + "/swap"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(payload)))
	if err != nil {
		return "", fmt.Errorf("构建交易请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("请求聚合器失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("聚合器返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		SwapTransaction string `json:"swapTransaction"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("解析构建响应失败: %w", err)
	}
	if decoded.SwapTransaction == "" {
		return "", errors.New("聚合器未返回交易内容")
	}
	return decoded.SwapTransaction, nil
}
