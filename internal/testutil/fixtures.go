// Package testutil holds fixtures shared by package tests: example facet
// interfaces, in-memory artifacts, descriptors and deterministic clocks.
package testutil

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/roach88/diamondcut/internal/chain"
	"github.com/roach88/diamondcut/internal/ir"
	"github.com/roach88/diamondcut/internal/selector"
)

// ChainID is the chain id of a local hardhat node.
const ChainID = 31337

// Key is the deployment key most tests run against.
var Key = ir.DeploymentKey{Diamond: "ExampleDiamond", Network: "hardhat", ChainID: ChainID}

// Signer is the account the simulated chain sends from.
var Signer = chain.DefaultSimulatedSigner

// FacetInterfaces are the functions of the example facets.
var FacetInterfaces = map[string][]string{
	"FooFacet":       {"foo()", "init()"},
	"BarFacet":       {"bar()", "baz(uint256)"},
	"ERC20Facet":     {"name()", "symbol()", "decimals()", "initialize()"},
	"OwnershipFacet": {"owner()", "transferOwnership(address)"},
	"MathLib":        {},
}

// Sel returns the selector of a function signature.
func Sel(sig string) ir.Selector {
	return selector.FromSignature(sig)
}

// Sels returns the selectors of signatures in the given order.
func Sels(sigs ...string) []ir.Selector {
	out := make([]ir.Selector, len(sigs))
	for i, s := range sigs {
		out[i] = Sel(s)
	}
	return out
}

// SortedSels returns the selectors of signatures ordered by signature,
// which is the order a catalog lists them in.
func SortedSels(sigs ...string) []ir.Selector {
	sorted := append([]string(nil), sigs...)
	sort.Strings(sorted)
	return Sels(sorted...)
}

// Artifacts builds an artifact source with the diamond contracts and one
// artifact per entry of interfaces. A nil map uses FacetInterfaces.
func Artifacts(interfaces map[string][]string) chain.StaticArtifacts {
	if interfaces == nil {
		interfaces = FacetInterfaces
	}
	out := chain.StaticArtifacts{
		"DiamondCutFacet": {Name: "DiamondCutFacet", ABI: chain.DiamondABI, BytecodeHex: "0x6001"},
		"Diamond":         {Name: "Diamond", ABI: abi.ABI{}, BytecodeHex: "0x6002"},
	}
	for name, sigs := range interfaces {
		out[name] = MustArtifact(name, sigs)
	}
	return out
}

// MustArtifact builds an artifact exposing sigs. It panics on a malformed
// signature.
func MustArtifact(name string, sigs []string) *chain.Artifact {
	parsed, err := selector.ParseSignatures(sigs)
	if err != nil {
		panic(fmt.Sprintf("artifact %s: %v", name, err))
	}
	return &chain.Artifact{Name: name, ABI: parsed, BytecodeHex: "0x6080"}
}

// LinkedArtifact builds an artifact whose bytecode references libs, one
// placeholder each, so it only deploys once they are linked.
func LinkedArtifact(name string, sigs []string, libs ...string) *chain.Artifact {
	a := MustArtifact(name, sigs)
	var code strings.Builder
	code.WriteString("0x60")
	refs := make(map[string][]chain.LinkReference)
	for i, lib := range libs {
		code.WriteString("__$" + strings.Repeat("0", 34) + "$__")
		refs[lib] = []chain.LinkReference{{Start: 1 + 20*i, Length: 20}}
	}
	code.WriteString("00")
	a.BytecodeHex = code.String()
	a.LinkReferences = map[string]map[string][]chain.LinkReference{
		"contracts/" + name + ".sol": refs,
	}
	return a
}

// Facet builds a descriptor.
func Facet(name string, priority int, versions map[ir.Version]ir.VersionSpec) ir.FacetDescriptor {
	return ir.FacetDescriptor{Name: name, Priority: priority, Versions: versions}
}

// V0 is a single version-0 entry with an optional deploy initializer.
func V0(deployInit string) map[ir.Version]ir.VersionSpec {
	return map[ir.Version]ir.VersionSpec{0: {DeployInit: deployInit}}
}

// Config builds a diamond configuration named after Key.
func Config(facets ...ir.FacetDescriptor) *ir.DiamondConfig {
	cfg := &ir.DiamondConfig{Name: Key.Diamond, Facets: make(map[string]ir.FacetDescriptor, len(facets))}
	for _, f := range facets {
		cfg.Facets[f.Name] = f
	}
	return cfg
}
