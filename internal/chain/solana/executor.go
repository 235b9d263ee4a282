package solana

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"AgentPay-Chain/internal/chain"

	bin "github.com/gagliardetto/binary"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
)

const (
	// lamportsPerSignature is the flat fee of a single-signature
	// transaction. Solana fees are deterministic, so no estimation RPC is
	// needed for a standard transfer.
	lamportsPerSignature = uint64(5000)

	defaultConfirmTimeout = 90 * time.Second
	statusPollInterval    = time.Second
	sendMaxRetries        = uint(2)
)

// Config describes how to construct the Solana executor.
type Config struct {
	RPCURL         string
	Commitment     string
	ConfirmTimeout time.Duration
}

// Executor implements the chain.Executor contract for Solana: flat fee
// model, signature-status confirmation, and opaque signing of aggregator
// artifacts for the swap leg.
type Executor struct {
	client         rpcClient
	commitment     rpc.CommitmentType
	confirmTimeout time.Duration
}

// rpcClient captures the subset of the Solana RPC client used here so tests
// can substitute a fake.
type rpcClient interface {
	GetBalance(ctx context.Context, account solanago.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solanago.Transaction, opts rpc.TransactionOpts) (solanago.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchHistory bool, sigs ...solanago.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// NewExecutor returns an executor bound to the configured RPC endpoint.
func NewExecutor(cfg Config) (*Executor, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置 Solana RPC 地址")
	}

	commitment := rpc.CommitmentFinalized
	switch strings.ToLower(strings.TrimSpace(cfg.Commitment)) {
	case "", "finalized":
	case "confirmed":
		commitment = rpc.CommitmentConfirmed
	case "processed":
		commitment = rpc.CommitmentProcessed
	default:
		return nil, fmt.Errorf("未知的 commitment 级别: %s", cfg.Commitment)
	}

	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = defaultConfirmTimeout
	}

	return &Executor{
		client:         rpc.New(rpcURL),
		commitment:     commitment,
		confirmTimeout: confirmTimeout,
	}, nil
}

// Network implements chain.Executor.
func (e *Executor) Network() chain.Network {
	return chain.NetworkSolana
}

// GenerateKeypair mints a fresh ed25519 session key.
func (e *Executor) GenerateKeypair() (chain.Keypair, error) {
	wallet := solanago.NewWallet()
	return chain.Keypair{
		Network: chain.NetworkSolana,
		Address: wallet.PublicKey().String(),
		Secret:  wallet.PrivateKey.String(),
	}, nil
}

// Balance returns the lamport balance of an address.
func (e *Executor) Balance(ctx context.Context, address string) (*big.Int, error) {
	pub, err := solanago.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("非法的 Solana 地址 %s: %w", address, err)
	}
	res, err := e.client.GetBalance(ctx, pub, e.commitment)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return new(big.Int).SetUint64(res.Value), nil
}

// EstimateFee returns the flat single-signature fee.
func (e *Executor) EstimateFee(ctx context.Context) (*big.Int, error) {
	return new(big.Int).SetUint64(lamportsPerSignature), nil
}

// Execute signs and submits the operation, then waits for confirmation.
func (e *Executor) Execute(ctx context.Context, key chain.Keypair, op chain.Operation) (*chain.SettlementResult, error) {
	if key.Network != chain.NetworkSolana {
		return nil, fmt.Errorf("会话密钥网络不匹配: %s", key.Network)
	}
	priv, err := solanago.PrivateKeyFromBase58(key.Secret)
	if err != nil {
		return nil, fmt.Errorf("解析会话私钥失败: %w", err)
	}

	var tx *solanago.Transaction
	switch op.Kind {
	case chain.OpTransfer:
		tx, err = e.buildTransfer(ctx, priv, op)
	case chain.OpSwap:
		tx, err = decodeArtifact(op.Artifact)
	default:
		return nil, fmt.Errorf("Solana 执行器不支持 %s 操作", op.Kind)
	}
	if err != nil {
		return nil, err
	}

	if err := signWith(tx, priv); err != nil {
		return nil, err
	}

	maxRetries := sendMaxRetries
	sig, err := e.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight: op.Kind == chain.OpSwap,
		MaxRetries:    &maxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("广播交易失败: %w", err)
	}

	if err := e.waitConfirmed(ctx, sig); err != nil {
		return nil, err
	}

	return &chain.SettlementResult{
		Network:   chain.NetworkSolana,
		Reference: sig.String(),
	}, nil
}

// buildTransfer assembles a system-program transfer from the session key.
func (e *Executor) buildTransfer(ctx context.Context, priv solanago.PrivateKey, op chain.Operation) (*solanago.Transaction, error) {
	if op.Amount == nil || op.Amount.Sign() <= 0 {
		return nil, errors.New("转账金额必须为正数")
	}
	if !op.Amount.IsUint64() {
		return nil, fmt.Errorf("转账金额超出范围: %s", op.Amount)
	}
	dest, err := solanago.PublicKeyFromBase58(op.Destination)
	if err != nil {
		return nil, fmt.Errorf("非法的目标地址 %s: %w", op.Destination, err)
	}

	recent, err := e.client.GetLatestBlockhash(ctx, e.commitment)
	if err != nil {
		return nil, fmt.Errorf("获取最新 blockhash 失败: %w", err)
	}

	from := priv.PublicKey()
	tx, err := solanago.NewTransaction(
		[]solanago.Instruction{
			system.NewTransferInstruction(op.Amount.Uint64(), from, dest).Build(),
		},
		recent.Value.Blockhash,
		solanago.TransactionPayer(from),
	)
	if err != nil {
		return nil, fmt.Errorf("构建转账交易失败: %w", err)
	}
	return tx, nil
}

// decodeArtifact deserializes an aggregator-built transaction. The artifact
// is treated as an opaque signable blob; policy was enforced upstream on the
// input leg.
func decodeArtifact(artifact string) (*solanago.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(artifact))
	if err != nil {
		return nil, fmt.Errorf("解码聚合器交易失败: %w", err)
	}
	tx, err := solanago.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("反序列化聚合器交易失败: %w", err)
	}
	return tx, nil
}

func signWith(tx *solanago.Transaction, priv solanago.PrivateKey) error {
	pub := priv.PublicKey()
	if _, err := tx.Sign(func(key solanago.PublicKey) *solanago.PrivateKey {
		if key.Equals(pub) {
			return &priv
		}
		return nil
	}); err != nil {
		return fmt.Errorf("签名交易失败: %w", err)
	}
	return nil
}

// waitConfirmed polls signature statuses until the target commitment.
func (e *Executor) waitConfirmed(ctx context.Context, sig solanago.Signature) error {
	waitCtx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		statuses, err := e.client.GetSignatureStatuses(waitCtx, true, sig)
		if err == nil && statuses != nil && len(statuses.Value) > 0 && statuses.Value[0] != nil {
			status := statuses.Value[0]
			if status.Err != nil {
				return fmt.Errorf("交易 %s 上链失败: %v", sig, status.Err)
			}
			switch status.ConfirmationStatus {
			case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
				return nil
			}
		}

		select {
		case <-waitCtx.Done():
			return fmt.Errorf("等待交易 %s 确认超时: %w", sig, waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// Close implements chain.Executor. The JSON-RPC client holds no persistent
// connection that needs releasing.
func (e *Executor) Close() {}
