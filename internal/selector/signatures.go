package selector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

type abiArgument struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type abiFunction struct {
	Type            string        `json:"type"`
	Name            string        `json:"name"`
	Inputs          []abiArgument `json:"inputs"`
	Outputs         []abiArgument `json:"outputs"`
	StateMutability string        `json:"stateMutability"`
}

// ParseSignatures builds an ABI from canonical function signatures such as
// "transfer(address,uint256)". Tuple parameters are not supported.
func ParseSignatures(sigs []string) (abi.ABI, error) {
	fns := make([]abiFunction, 0, len(sigs))
	for _, raw := range sigs {
		sig := NormalizeSignature(raw)
		open := strings.IndexByte(sig, '(')
		if open <= 0 || !strings.HasSuffix(sig, ")") {
			return abi.ABI{}, fmt.Errorf("invalid function signature %q", raw)
		}
		params := sig[open+1 : len(sig)-1]
		if strings.ContainsAny(params, "()") {
			return abi.ABI{}, fmt.Errorf("invalid function signature %q: tuple parameters are not supported", raw)
		}
		fn := abiFunction{
			Type:            "function",
			Name:            sig[:open],
			Inputs:          []abiArgument{},
			Outputs:         []abiArgument{},
			StateMutability: "nonpayable",
		}
		if params != "" {
			for _, typ := range strings.Split(params, ",") {
				if typ == "" {
					return abi.ABI{}, fmt.Errorf("invalid function signature %q: empty parameter type", raw)
				}
				fn.Inputs = append(fn.Inputs, abiArgument{Type: typ})
			}
		}
		fns = append(fns, fn)
	}

	data, err := json.Marshal(fns)
	if err != nil {
		return abi.ABI{}, err
	}
	parsed, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse signatures: %w", err)
	}
	return parsed, nil
}

// FromSignatures is a convenience that parses signatures and builds a catalog.
func FromSignatures(facet string, sigs []string) (*Catalog, error) {
	parsed, err := ParseSignatures(sigs)
	if err != nil {
		return nil, err
	}
	return New(facet, parsed)
}

// ParseABI parses a JSON ABI document (the "abi" array of a build artifact).
func ParseABI(data []byte) (abi.ABI, error) {
	parsed, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse abi: %w", err)
	}
	return parsed, nil
}
