package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/roach88/diamondcut/internal/ir"
)

// diamondABIJSON covers the IDiamondCut and IDiamondLoupe functions the
// engine calls.
const diamondABIJSON = `[
  {"type":"function","name":"diamondCut","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"_diamondCut","type":"tuple[]","components":[
      {"name":"facetAddress","type":"address"},
      {"name":"action","type":"uint8"},
      {"name":"functionSelectors","type":"bytes4[]"}]},
    {"name":"_init","type":"address"},
    {"name":"_calldata","type":"bytes"}]},
  {"type":"function","name":"facets","stateMutability":"view","inputs":[],"outputs":[
    {"name":"facets_","type":"tuple[]","components":[
      {"name":"facetAddress","type":"address"},
      {"name":"functionSelectors","type":"bytes4[]"}]}]},
  {"type":"event","name":"DiamondCut","anonymous":false,"inputs":[
    {"name":"_diamondCut","type":"tuple[]","indexed":false,"components":[
      {"name":"facetAddress","type":"address"},
      {"name":"action","type":"uint8"},
      {"name":"functionSelectors","type":"bytes4[]"}]},
    {"name":"_init","type":"address","indexed":false},
    {"name":"_calldata","type":"bytes","indexed":false}]}
]`

// DiamondABI is the parsed diamondCut/facets interface.
var DiamondABI = mustParseABI(diamondABIJSON)

// DiamondCutSelector is the selector of diamondCut((address,uint8,bytes4[])[],address,bytes).
var DiamondCutSelector = ir.SelectorFromBytes(DiamondABI.Methods["diamondCut"].ID)

// FacetsSelector is the selector of the loupe facets() function.
var FacetsSelector = ir.SelectorFromBytes(DiamondABI.Methods["facets"].ID)

func mustParseABI(doc string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(doc))
	if err != nil {
		panic(err)
	}
	return parsed
}

// facetCut mirrors the IDiamondCut.FacetCut struct. Field names match the
// ABI component names in CamelCase, which is how abi.Pack binds them.
type facetCut struct {
	FacetAddress      common.Address
	Action            uint8
	FunctionSelectors [][4]byte
}

type loupeFacet struct {
	FacetAddress      common.Address
	FunctionSelectors [][4]byte
}

// EncodeDiamondCut returns the calldata for diamondCut(ops, init, calldata).
func EncodeDiamondCut(ops []ir.CutOperation, initAddress ir.Address, initCalldata []byte) ([]byte, error) {
	cuts := make([]facetCut, len(ops))
	for i, op := range ops {
		sels := make([][4]byte, len(op.Selectors))
		for j, s := range op.Selectors {
			sels[j] = s
		}
		cuts[i] = facetCut{
			FacetAddress:      op.FacetAddress.Common(),
			Action:            uint8(op.Action),
			FunctionSelectors: sels,
		}
	}
	if initCalldata == nil {
		initCalldata = []byte{}
	}
	data, err := DiamondABI.Pack("diamondCut", cuts, initAddress.Common(), initCalldata)
	if err != nil {
		return nil, fmt.Errorf("encode diamondCut: %w", err)
	}
	return data, nil
}

// DecodeDiamondCut parses diamondCut calldata. Facet names are not part of
// the encoding and are left empty.
func DecodeDiamondCut(data []byte) ([]ir.CutOperation, ir.Address, []byte, error) {
	if len(data) < 4 || ir.SelectorFromBytes(data) != DiamondCutSelector {
		return nil, ir.Address{}, nil, fmt.Errorf("decode diamondCut: not a diamondCut call")
	}
	values, err := DiamondABI.Methods["diamondCut"].Inputs.Unpack(data[4:])
	if err != nil {
		return nil, ir.Address{}, nil, fmt.Errorf("decode diamondCut: %w", err)
	}
	if len(values) != 3 {
		return nil, ir.Address{}, nil, fmt.Errorf("decode diamondCut: expected 3 values, got %d", len(values))
	}

	cuts := *abi.ConvertType(values[0], new([]facetCut)).(*[]facetCut)
	initAddr, ok := values[1].(common.Address)
	if !ok {
		return nil, ir.Address{}, nil, fmt.Errorf("decode diamondCut: unexpected _init type %T", values[1])
	}
	calldata, ok := values[2].([]byte)
	if !ok {
		return nil, ir.Address{}, nil, fmt.Errorf("decode diamondCut: unexpected _calldata type %T", values[2])
	}

	ops := make([]ir.CutOperation, len(cuts))
	for i, c := range cuts {
		sels := make([]ir.Selector, len(c.FunctionSelectors))
		for j, s := range c.FunctionSelectors {
			sels[j] = ir.Selector(s)
		}
		ops[i] = ir.CutOperation{
			Action:       ir.CutAction(c.Action),
			FacetAddress: ir.Address(c.FacetAddress),
			Selectors:    sels,
		}
	}
	return ops, ir.Address(initAddr), calldata, nil
}

// EncodeFacetsResult encodes a loupe facets() return value.
func EncodeFacetsResult(facets []LoupeFacet) ([]byte, error) {
	out := make([]loupeFacet, len(facets))
	for i, f := range facets {
		sels := make([][4]byte, len(f.Selectors))
		for j, s := range f.Selectors {
			sels[j] = s
		}
		out[i] = loupeFacet{FacetAddress: f.Address.Common(), FunctionSelectors: sels}
	}
	return DiamondABI.Methods["facets"].Outputs.Pack(out)
}

// DecodeFacetsResult parses the return data of a loupe facets() call.
func DecodeFacetsResult(data []byte) ([]LoupeFacet, error) {
	values, err := DiamondABI.Unpack("facets", data)
	if err != nil {
		return nil, fmt.Errorf("decode facets: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("decode facets: expected 1 value, got %d", len(values))
	}
	raw := *abi.ConvertType(values[0], new([]loupeFacet)).(*[]loupeFacet)

	out := make([]LoupeFacet, len(raw))
	for i, f := range raw {
		sels := make([]ir.Selector, len(f.FunctionSelectors))
		for j, s := range f.FunctionSelectors {
			sels[j] = ir.Selector(s)
		}
		out[i] = LoupeFacet{Address: ir.Address(f.FacetAddress), Selectors: sels}
	}
	return out, nil
}
