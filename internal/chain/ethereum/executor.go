package ethereum

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"AgentPay-Chain/internal/chain"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	// transferGasLimit is the fixed gas cost of a plain value transfer.
	transferGasLimit = uint64(21000)

	defaultConfirmTimeout = 2 * time.Minute
	receiptPollInterval   = 2 * time.Second
)

// Config describes how to construct the Ethereum executor.
type Config struct {
	RPCURL         string
	ChainID        int64
	ConfirmTimeout time.Duration
}

// Executor implements the chain.Executor contract for Ethereum. It owns the
// EVM fee model (gas price x 21000) and receipt-based confirmation.
type Executor struct {
	eth            *ethclient.Client
	chainID        *big.Int
	confirmTimeout time.Duration

	// testBackend overrides the dialed client in package tests.
	testBackend backend
}

// backend captures the subset of ethclient used by the executor, so tests
// can substitute a fake without a live node.
type backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// NewExecutor dials the configured RPC endpoint and returns a ready executor.
func NewExecutor(ctx context.Context, cfg Config) (*Executor, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = eth.ChainID(ctx)
		if err != nil {
			eth.Close()
			return nil, fmt.Errorf("获取链 ID 失败: %w", err)
		}
	}

	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = defaultConfirmTimeout
	}

	return &Executor{eth: eth, chainID: chainID, confirmTimeout: confirmTimeout}, nil
}

// Network implements chain.Executor.
func (e *Executor) Network() chain.Network {
	return chain.NetworkEthereum
}

// GenerateKeypair mints a fresh secp256k1 session key.
func (e *Executor) GenerateKeypair() (chain.Keypair, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return chain.Keypair{}, fmt.Errorf("生成以太坊会话密钥失败: %w", err)
	}
	return chain.Keypair{
		Network: chain.NetworkEthereum,
		Address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Secret:  hex.EncodeToString(crypto.FromECDSA(key)),
	}, nil
}

// Balance returns the wei balance of an address.
func (e *Executor) Balance(ctx context.Context, address string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("非法的以太坊地址: %s", address)
	}
	balance, err := e.backend().BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// EstimateFee returns gas price x 21000 for a standard transfer.
func (e *Executor) EstimateFee(ctx context.Context) (*big.Int, error) {
	gasPrice, err := e.backend().SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询 gas price 失败: %w", err)
	}
	return new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(transferGasLimit)), nil
}

// Execute signs and submits a value transfer, then waits for the receipt.
// Swap operations are not supported on this network.
func (e *Executor) Execute(ctx context.Context, key chain.Keypair, op chain.Operation) (*chain.SettlementResult, error) {
	if op.Kind != chain.OpTransfer {
		return nil, fmt.Errorf("以太坊执行器不支持 %s 操作", op.Kind)
	}
	if key.Network != chain.NetworkEthereum {
		return nil, fmt.Errorf("会话密钥网络不匹配: %s", key.Network)
	}
	if !common.IsHexAddress(op.Destination) {
		return nil, fmt.Errorf("非法的目标地址: %s", op.Destination)
	}
	if op.Amount == nil || op.Amount.Sign() <= 0 {
		return nil, errors.New("转账金额必须为正数")
	}

	priv, err := crypto.HexToECDSA(strings.TrimPrefix(key.Secret, "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析会话私钥失败: %w", err)
	}
	from := crypto.PubkeyToAddress(priv.PublicKey)
	to := common.HexToAddress(op.Destination)

	client := e.backend()
	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("查询 nonce 失败: %w", err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询 gas price 失败: %w", err)
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    op.Amount,
		Gas:      transferGasLimit,
		GasPrice: gasPrice,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(e.chainID), priv)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("广播交易失败: %w", err)
	}

	if err := e.waitMined(ctx, client, signed.Hash()); err != nil {
		return nil, err
	}

	return &chain.SettlementResult{
		Network:   chain.NetworkEthereum,
		Reference: signed.Hash().Hex(),
	}, nil
}

// waitMined polls for the transaction receipt until confirmation or timeout.
func (e *Executor) waitMined(ctx context.Context, client backend, hash common.Hash) error {
	waitCtx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			if receipt.Status != coretypes.ReceiptStatusSuccessful {
				return fmt.Errorf("交易 %s 执行失败 (status=%d)", hash.Hex(), receipt.Status)
			}
			return nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return fmt.Errorf("查询交易回执失败: %w", err)
		}

		select {
		case <-waitCtx.Done():
			return fmt.Errorf("等待交易 %s 确认超时: %w", hash.Hex(), waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// Close releases the RPC connection.
func (e *Executor) Close() {
	if e.eth != nil {
		e.eth.Close()
	}
}

func (e *Executor) backend() backend {
	if e.testBackend != nil {
		return e.testBackend
	}
	return e.eth
}
