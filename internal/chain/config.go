package chain

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions models the structure of configs/chains.yaml.
type Definitions struct {
	Networks map[string]Definition `yaml:"networks"`
}

// Definition describes a single network endpoint definition.
type Definition struct {
	RPCURL      string `yaml:"rpc_url"`
	WSURL       string `yaml:"ws_url"`
	ChainID     int64  `yaml:"chain_id"`
	Commitment  string `yaml:"commitment"`
	Description string `yaml:"description"`

	// SafetyBuffer is a decimal amount withheld from refunds on top of the
	// estimated fee, absorbing fee estimation drift between the estimate and
	// the actual submission.
	SafetyBuffer string `yaml:"safety_buffer"`
}

// LoadDefinitions parses the YAML file containing network metadata.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Networks: map[string]Definition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("read chain definitions: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("parse chain definitions: %w", err)
	}
	if defs.Networks == nil {
		defs.Networks = map[string]Definition{}
	}
	return defs, nil
}

// For returns the definition of a network, if present.
func (d Definitions) For(network Network) (Definition, bool) {
	def, ok := d.Networks[string(network)]
	return def, ok
}

// SafetyBuffer resolves the configured refund buffer for a network in base
// units, falling back to a conservative per-network default.
func (d Definitions) SafetyBuffer(network Network) (*big.Int, error) {
	raw := ""
	if def, ok := d.For(network); ok {
		raw = strings.TrimSpace(def.SafetyBuffer)
	}
	if raw == "" {
		switch network {
		case NetworkSolana:
			raw = "0.000005"
		case NetworkEthereum:
			raw = "0.00001"
		default:
			return big.NewInt(0), nil
		}
	}
	buffer, err := ParseDecimal(raw, network.Decimals())
	if err != nil {
		return nil, fmt.Errorf("safety buffer for %s: %w", network, err)
	}
	if buffer.Sign() < 0 {
		return nil, fmt.Errorf("safety buffer for %s is negative", network)
	}
	return buffer, nil
}
