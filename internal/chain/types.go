package chain

import (
	"context"
	"fmt"
	"math/big"
)

// Network identifies one of the supported blockchain networks.
type Network string

const (
	NetworkSolana   Network = "solana"
	NetworkEthereum Network = "ethereum"
)

// Networks lists every supported network in a stable order.
func Networks() []Network {
	return []Network{NetworkSolana, NetworkEthereum}
}

// Valid reports whether the network is one of the supported identifiers.
func (n Network) Valid() bool {
	switch n {
	case NetworkSolana, NetworkEthereum:
		return true
	}
	return false
}

// Decimals returns the number of decimal places of the network's base unit
// (lamports on Solana, wei on Ethereum).
func (n Network) Decimals() int {
	switch n {
	case NetworkSolana:
		return 9
	case NetworkEthereum:
		return 18
	}
	return 0
}

// Symbol returns the ticker of the network's native asset.
func (n Network) Symbol() string {
	switch n {
	case NetworkSolana:
		return "SOL"
	case NetworkEthereum:
		return "ETH"
	}
	return string(n)
}

// Keypair is the disposable signing material minted for one session on one
// network. Secret carries the encoded private key (hex for Ethereum, base58
// for Solana); it is only ever handed to the owning executor and the session
// store.
type Keypair struct {
	Network Network `json:"network"`
	Address string  `json:"address"`
	Secret  string  `json:"secret"`
}

// OperationKind discriminates the supported chain operations.
type OperationKind string

const (
	OpTransfer OperationKind = "transfer"
	OpSwap     OperationKind = "swap"
)

// Operation is one signed submission against a network. For transfers the
// Destination/Amount pair describes the payment; for swaps Artifact carries
// the aggregator-built transaction (base64) which the executor signs as an
// opaque blob.
type Operation struct {
	Kind        OperationKind
	Network     Network
	Destination string
	Amount      *big.Int
	Artifact    string
	Memo        string
}

// SettlementResult reports a confirmed submission. Reference is the
// network-native transaction identifier (signature or hash).
type SettlementResult struct {
	Network   Network
	Reference string
}

// Executor is the common contract every network variant implements. Callers
// depend only on this interface; encoding, fee model, and confirmation-wait
// semantics stay inside each implementation.
type Executor interface {
	Network() Network

	// GenerateKeypair mints a fresh session keypair for this network.
	GenerateKeypair() (Keypair, error)

	// Balance returns the spendable base-unit balance of an address.
	Balance(ctx context.Context, address string) (*big.Int, error)

	// EstimateFee returns the estimated base-unit fee of one standard
	// transfer.
	EstimateFee(ctx context.Context) (*big.Int, error)

	// Execute signs and submits the operation with the given session key and
	// waits for confirmation.
	Execute(ctx context.Context, key Keypair, op Operation) (*SettlementResult, error)

	Close()
}

// Registry maps each configured network to its executor.
type Registry struct {
	executors map[Network]Executor
}

// NewRegistry builds a registry from the provided executors.
func NewRegistry(executors ...Executor) (*Registry, error) {
	set := make(map[Network]Executor, len(executors))
	for _, exec := range executors {
		if exec == nil {
			continue
		}
		network := exec.Network()
		if !network.Valid() {
			return nil, fmt.Errorf("executor reports unsupported network %q", network)
		}
		if _, dup := set[network]; dup {
			return nil, fmt.Errorf("duplicate executor for network %q", network)
		}
		set[network] = exec
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("no executors configured")
	}
	return &Registry{executors: set}, nil
}

// Executor returns the executor for a network.
func (r *Registry) Executor(network Network) (Executor, error) {
	if r == nil {
		return nil, fmt.Errorf("registry not initialised")
	}
	exec, ok := r.executors[network]
	if !ok {
		return nil, fmt.Errorf("no executor for network %q", network)
	}
	return exec, nil
}

// Networks returns the networks that have an executor, in the canonical
// order.
func (r *Registry) Networks() []Network {
	out := make([]Network, 0, len(r.executors))
	for _, network := range Networks() {
		if _, ok := r.executors[network]; ok {
			out = append(out, network)
		}
	}
	return out
}

// Close releases every executor.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for _, exec := range r.executors {
		exec.Close()
	}
}
