package crypto

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the different types of human-readable address prefixes.
type AddressPrefix string

const (
	// AccountPrefix tags externally owned accounts, including the helper itself.
	AccountPrefix AddressPrefix = "lh"
	// AssetPrefix tags underlying fungible assets.
	AssetPrefix AddressPrefix = "lhasset"
	// MarketPrefix tags lending markets. A market address doubles as the
	// identifier of its share token.
	MarketPrefix AddressPrefix = "lhmkt"
)

// AddressLength is the size of the raw address payload in bytes.
const AddressLength = 20

var errAddressLength = errors.New("address must be 20 bytes long")

// Address represents a 20-byte identifier with a specific prefix. The zero
// value is the empty address.
type Address struct {
	prefix AddressPrefix
	raw    [AddressLength]byte
}

func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != AddressLength {
		panic(errAddressLength.Error())
	}
	addr := Address{prefix: prefix}
	copy(addr.raw[:], b)
	return addr
}

// DeriveAddress deterministically maps a label onto an address by taking the
// trailing 20 bytes of its Keccak256 digest. Fixtures use it so identities are
// stable across restarts.
func DeriveAddress(prefix AddressPrefix, label string) Address {
	digest := crypto.Keccak256([]byte(string(prefix) + ":" + strings.TrimSpace(label)))
	return NewAddress(prefix, digest[len(digest)-AddressLength:])
}

func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	conv, err := bech32.ConvertBits(a.raw[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Bytes returns a copy of the raw address payload.
func (a Address) Bytes() []byte {
	out := make([]byte, AddressLength)
	copy(out, a.raw[:])
	return out
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a.prefix == "" && a.raw == [AddressLength]byte{}
}

// Equal compares both the prefix and the payload.
func (a Address) Equal(other Address) bool {
	return a.prefix == other.prefix && bytes.Equal(a.raw[:], other.raw[:])
}

// Key returns a compact string usable as a map key.
func (a Address) Key() string {
	return string(a.prefix) + ":" + string(a.raw[:])
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	if len(bytes.TrimSpace(text)) == 0 {
		*a = Address{}
		return nil
	}
	decoded, err := DecodeAddress(string(text))
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(strings.TrimSpace(addrStr))
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != AddressLength {
		return Address{}, errAddressLength
	}
	return NewAddress(AddressPrefix(prefix), conv), nil
}

// DecodeAddressWithPrefix decodes addrStr and enforces the expected prefix.
func DecodeAddressWithPrefix(addrStr string, want AddressPrefix) (Address, error) {
	addr, err := DecodeAddress(addrStr)
	if err != nil {
		return Address{}, err
	}
	if addr.Prefix() != want {
		return Address{}, fmt.Errorf("address %s: expected prefix %q, got %q", addrStr, want, addr.Prefix())
	}
	return addr, nil
}
