package ethereum

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"AgentPay-Chain/internal/chain"
)

type fakeBackend struct {
	balance  *big.Int
	gasPrice *big.Int
	nonce    uint64

	sent    *coretypes.Transaction
	receipt *coretypes.Receipt
}

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	f.sent = tx
	if f.receipt == nil {
		f.receipt = &coretypes.Receipt{Status: coretypes.ReceiptStatusSuccessful}
	}
	return nil
}

func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*coretypes.Receipt, error) {
	return f.receipt, nil
}

func testExecutor(backend *fakeBackend) *Executor {
	return &Executor{
		chainID:        big.NewInt(11155111),
		confirmTimeout: 5 * time.Second,
		testBackend:    backend,
	}
}

func testKeypair(t *testing.T) chain.Keypair {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return chain.Keypair{
		Network: chain.NetworkEthereum,
		Address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Secret:  hex.EncodeToString(crypto.FromECDSA(key)),
	}
}

func TestGenerateKeypairProducesUsableKey(t *testing.T) {
	exec := testExecutor(&fakeBackend{})
	key, err := exec.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	if !common.IsHexAddress(key.Address) {
		t.Fatalf("address is not hex: %s", key.Address)
	}
	priv, err := crypto.HexToECDSA(key.Secret)
	if err != nil {
		t.Fatalf("secret must decode back to a private key: %v", err)
	}
	if crypto.PubkeyToAddress(priv.PublicKey).Hex() != key.Address {
		t.Fatalf("secret does not match address")
	}
}

func TestBalanceRejectsMalformedAddress(t *testing.T) {
	exec := testExecutor(&fakeBackend{balance: big.NewInt(0)})
	if _, err := exec.Balance(context.Background(), "not-an-address"); err == nil {
		t.Fatalf("expected an error for a malformed address")
	}
}

func TestEstimateFeeUsesTransferGasLimit(t *testing.T) {
	exec := testExecutor(&fakeBackend{gasPrice: big.NewInt(2_000_000_000)})
	fee, err := exec.EstimateFee(context.Background())
	if err != nil {
		t.Fatalf("EstimateFee: %v", err)
	}
	want := new(big.Int).Mul(big.NewInt(2_000_000_000), big.NewInt(21000))
	if fee.Cmp(want) != 0 {
		t.Fatalf("fee = %s, want %s", fee, want)
	}
}

func TestExecuteSignsAndSubmitsTransfer(t *testing.T) {
	backend := &fakeBackend{
		balance:  big.NewInt(1e18),
		gasPrice: big.NewInt(1_000_000_000),
		nonce:    7,
	}
	exec := testExecutor(backend)
	key := testKeypair(t)

	result, err := exec.Execute(context.Background(), key, chain.Operation{
		Kind:        chain.OpTransfer,
		Network:     chain.NetworkEthereum,
		Destination: "0x000000000000000000000000000000000000dEaD",
		Amount:      big.NewInt(1e15),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if backend.sent == nil {
		t.Fatalf("transaction was not submitted")
	}
	if backend.sent.Nonce() != 7 {
		t.Fatalf("nonce = %d, want 7", backend.sent.Nonce())
	}
	if backend.sent.Value().Cmp(big.NewInt(1e15)) != 0 {
		t.Fatalf("value = %s", backend.sent.Value())
	}
	if !strings.EqualFold(backend.sent.To().Hex(), "0x000000000000000000000000000000000000dEaD") {
		t.Fatalf("to = %s", backend.sent.To().Hex())
	}
	if result.Reference != backend.sent.Hash().Hex() {
		t.Fatalf("reference = %s, want tx hash %s", result.Reference, backend.sent.Hash().Hex())
	}

	sender, err := coretypes.Sender(coretypes.LatestSignerForChainID(big.NewInt(11155111)), backend.sent)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender.Hex() != key.Address {
		t.Fatalf("signed by %s, want session key %s", sender.Hex(), key.Address)
	}
}

func TestExecuteFailsOnRevertedReceipt(t *testing.T) {
	backend := &fakeBackend{
		balance:  big.NewInt(1e18),
		gasPrice: big.NewInt(1_000_000_000),
		receipt:  &coretypes.Receipt{Status: coretypes.ReceiptStatusFailed},
	}
	exec := testExecutor(backend)

	_, err := exec.Execute(context.Background(), testKeypair(t), chain.Operation{
		Kind:        chain.OpTransfer,
		Network:     chain.NetworkEthereum,
		Destination: "0x000000000000000000000000000000000000dEaD",
		Amount:      big.NewInt(1e15),
	})
	if err == nil {
		t.Fatalf("reverted receipt must fail the execution")
	}
}

func TestExecuteRejectsSwapOperation(t *testing.T) {
	exec := testExecutor(&fakeBackend{gasPrice: big.NewInt(1)})
	_, err := exec.Execute(context.Background(), testKeypair(t), chain.Operation{
		Kind:    chain.OpSwap,
		Network: chain.NetworkEthereum,
	})
	if err == nil {
		t.Fatalf("swap must be rejected on ethereum")
	}
}
