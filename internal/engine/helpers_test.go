package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/diamondcut/internal/chain"
	"github.com/roach88/diamondcut/internal/ir"
	"github.com/roach88/diamondcut/internal/store"
	"github.com/roach88/diamondcut/internal/testutil"
)

var (
	diamondAddr = ir.HexToAddress("0x00000000000000000000000000000000000000d1")
	addrA       = ir.HexToAddress("0x000000000000000000000000000000000000000a")
	addrB       = ir.HexToAddress("0x000000000000000000000000000000000000000b")
	addrC       = ir.HexToAddress("0x000000000000000000000000000000000000000c")
	addrD       = ir.HexToAddress("0x000000000000000000000000000000000000000d")
	cutAddr     = ir.HexToAddress("0x00000000000000000000000000000000000000cf")

	selFoo      = testutil.Sel("foo()")
	selInit     = testutil.Sel("init()")
	selBar      = testutil.Sel("bar()")
	selBaz      = testutil.Sel("baz(uint256)")
	selOwner    = testutil.Sel("owner()")
	selTransfer = testutil.Sel("transferOwnership(address)")
)

// Addresses a fresh simulated chain assigns to its first CREATE nonces.
var simAddr = []ir.Address{
	ir.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
	ir.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"),
	ir.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0"),
	ir.HexToAddress("0xCf7Ed3AccA5a467e9e704C703E8D87F634fB0Fc9"),
	ir.HexToAddress("0xDc64a140Aa3E981100a9becA4E685f962f0cF6C9"),
	ir.HexToAddress("0x5FC8d32690cc91D4c39d9d3abcBD16989F875707"),
	ir.HexToAddress("0x0165878A594ca255338adfa4d48449f69242Eb8F"),
	ir.HexToAddress("0xa513E6E4b8f2a923D98304ec87F64353C4D5C853"),
}

func noSleep(context.Context, time.Duration) error { return nil }

func selDiamondCut() ir.Selector { return chain.DiamondCutSelector }

func sel(s ir.Selector) *ir.Selector { return &s }

func newReconciler(interfaces map[string][]string) *Reconciler {
	return NewReconciler(NewArtifactCatalogs(testutil.Artifacts(interfaces)))
}

// recordWith builds a record on diamondAddr holding the given facets.
func recordWith(facets map[string]ir.DeployedFacetInfo) *ir.DeploymentRecord {
	r := ir.NewDeploymentRecord()
	r.DiamondAddress = diamondAddr
	r.DeployerAddress = testutil.Signer
	for name, info := range facets {
		r.Facets[name] = info
	}
	return r
}

func deployed(addr ir.Address, v ir.Version, sels ...ir.Selector) ir.DeployedFacetInfo {
	return ir.DeployedFacetInfo{Address: addr, Version: v.Ptr(), Selectors: sels}
}

// pipeline wires an Engine to a fresh simulated chain and memory store.
type pipeline struct {
	sim     *chain.Simulated
	records *store.Memory
	engine  *Engine
}

func newPipeline(t *testing.T, artifacts chain.StaticArtifacts, opts ...EngineOption) *pipeline {
	t.Helper()
	if artifacts == nil {
		artifacts = testutil.Artifacts(nil)
	}
	sim := chain.NewSimulated(testutil.ChainID, ir.ZeroAddress)
	records := store.NewMemory()
	base := []EngineOption{
		WithLoupe(sim),
		WithEngineSleep(noSleep),
		WithExecutorOptions(WithRunIDs(testutil.NewSequentialRunIDs("run"))),
	}
	e := New(sim, artifacts, records, append(base, opts...)...)
	return &pipeline{sim: sim, records: records, engine: e}
}

func (p *pipeline) run(t *testing.T, action Action, cfg *ir.DiamondConfig) *Result {
	t.Helper()
	res, err := p.engine.Run(context.Background(), Request{Key: testutil.Key, Config: cfg, Action: action})
	require.NoError(t, err)
	return res
}

func (p *pipeline) record(t *testing.T) *ir.DeploymentRecord {
	t.Helper()
	r, err := p.records.Load(context.Background(), testutil.Key)
	require.NoError(t, err)
	return r
}

// requireRecordMatchesChain asserts that the record's selector ownership
// equals the diamond's routing table.
func (p *pipeline) requireRecordMatchesChain(t *testing.T) {
	t.Helper()
	record := p.record(t)
	routes := p.sim.Routes(record.DiamondAddress)

	recorded := make(map[ir.Selector]ir.Address)
	for _, name := range record.FacetNames() {
		info := record.Facets[name]
		for _, s := range info.Selectors {
			_, dup := recorded[s]
			require.False(t, dup, "selector %s recorded twice", s)
			recorded[s] = info.Address
		}
	}
	require.Equal(t, routes, recorded)
}
