// core/genesis/spec.go
package genesis

import (
	"bytes"
	"fmt"
	"math/big"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"lendhelper/crypto"
)

// Spec is the YAML fixture that seeds an empty ledger. Address fields accept
// either a bech32 address or a label from which the address is derived.
type Spec struct {
	Helper    string       `yaml:"helper"`
	Assets    []AssetSpec  `yaml:"assets"`
	Markets   []MarketSpec `yaml:"markets"`
	Delegates []string     `yaml:"delegates"`
}

type AssetSpec struct {
	Address  string            `yaml:"address"`
	Symbol   string            `yaml:"symbol"`
	Name     string            `yaml:"name"`
	Decimals uint8             `yaml:"decimals"`
	Balances map[string]string `yaml:"balances"`
}

type MarketSpec struct {
	Address             string `yaml:"address"`
	Symbol              string `yaml:"symbol"`
	Underlying          string `yaml:"underlying"`
	Admin               string `yaml:"admin"`
	Variant             string `yaml:"variant"`
	ExchangeRate        string `yaml:"exchange_rate"`
	Cash                string `yaml:"cash"`
	Listed              bool   `yaml:"listed"`
	CollateralFactorBps uint64 `yaml:"collateral_factor_bps"`
	Price               string `yaml:"price"`
}

// Load reads and parses the fixture at path.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML fixture. Unknown fields are rejected.
func Parse(data []byte) (*Spec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var spec Spec
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode genesis: %w", err)
	}
	if strings.TrimSpace(spec.Helper) == "" {
		spec.Helper = "helper"
	}
	return &spec, nil
}

// HelperAddress returns the account the helper operates from.
func (s *Spec) HelperAddress() (crypto.Address, error) {
	return ResolveAddress(crypto.AccountPrefix, s.Helper)
}

// ResolveAddress decodes value as a bech32 address with prefix, falling back
// to deriving one from value as a case-insensitive label.
func ResolveAddress(prefix crypto.AddressPrefix, value string) (crypto.Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return crypto.Address{}, fmt.Errorf("address must not be empty")
	}
	if addr, err := crypto.DecodeAddressWithPrefix(trimmed, prefix); err == nil {
		return addr, nil
	}
	return crypto.DeriveAddress(prefix, strings.ToLower(trimmed)), nil
}

func parseAmount(field, value string) (*big.Int, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%s: invalid amount %q", field, value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("%s: amount must not be negative", field)
	}
	return amount, nil
}
