package ir

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Address is a 20-byte account or contract address.
//
// It marshals to the EIP-55 checksummed form and accepts the empty string
// as the zero address, which records written before the first deployment
// use for DiamondAddress.
type Address common.Address

// ZeroAddress is the address used as facetAddress in Remove operations.
var ZeroAddress Address

// HexToAddress converts a hex string to an Address without validation.
func HexToAddress(s string) Address {
	return Address(common.HexToAddress(s))
}

// ParseAddress validates and converts a hex string to an Address.
func ParseAddress(s string) (Address, error) {
	if !common.IsHexAddress(s) {
		return Address{}, fmt.Errorf("invalid address %q", s)
	}
	return HexToAddress(s), nil
}

// Common returns the go-ethereum representation.
func (a Address) Common() common.Address {
	return common.Address(a)
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool {
	return a == ZeroAddress
}

// Hex returns the EIP-55 checksummed hex form.
func (a Address) Hex() string {
	return common.Address(a).Hex()
}

// String implements fmt.Stringer.
func (a Address) String() string {
	return a.Hex()
}

// Equal compares addresses byte-wise (hex casing never matters).
func (a Address) Equal(b Address) bool {
	return a == b
}

// MarshalText implements encoding.TextMarshaler. The zero address is
// written as the empty string.
func (a Address) MarshalText() ([]byte, error) {
	if a.IsZero() {
		return []byte{}, nil
	}
	return []byte(a.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*a = ZeroAddress
		return nil
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
