package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/diamondcut/internal/chain"
	"github.com/roach88/diamondcut/internal/ir"
	"github.com/roach88/diamondcut/internal/testutil"
)

func resyncFixture(t *testing.T, live []chain.LoupeFacet) *chain.Simulated {
	t.Helper()
	sim := chain.NewSimulated(testutil.ChainID, ir.ZeroAddress)
	sim.InstallDiamond(diamondAddr, sim.Signer(), live)
	return sim
}

func baseRecord() *ir.DeploymentRecord {
	return recordWith(map[string]ir.DeployedFacetInfo{
		DiamondCutFacetName: deployed(cutAddr, 0, selDiamondCut()),
		"FooFacet":          deployed(addrA, 1, selFoo, selInit),
		"BarFacet":          deployed(addrB, 0, selBar),
	})
}

func TestResync(t *testing.T) {
	tests := []struct {
		name   string
		live   []chain.LoupeFacet
		facets map[string][]ir.Selector
		drift  DriftReport
	}{
		{
			name: "in sync",
			live: []chain.LoupeFacet{
				{Address: cutAddr, Selectors: []ir.Selector{selDiamondCut()}},
				{Address: addrA, Selectors: []ir.Selector{selFoo, selInit}},
				{Address: addrB, Selectors: []ir.Selector{selBar}},
			},
			facets: map[string][]ir.Selector{
				DiamondCutFacetName: {selDiamondCut()},
				"FooFacet":          {selFoo, selInit},
				"BarFacet":          {selBar},
			},
		},
		{
			name: "selector removed out of band",
			live: []chain.LoupeFacet{
				{Address: cutAddr, Selectors: []ir.Selector{selDiamondCut()}},
				{Address: addrA, Selectors: []ir.Selector{selFoo}},
				{Address: addrB, Selectors: []ir.Selector{selBar}},
			},
			facets: map[string][]ir.Selector{
				DiamondCutFacetName: {selDiamondCut()},
				"FooFacet":          {selFoo},
				"BarFacet":          {selBar},
			},
			drift: DriftReport{Missing: []ir.Selector{selInit}},
		},
		{
			name: "selector moved to another recorded facet",
			live: []chain.LoupeFacet{
				{Address: cutAddr, Selectors: []ir.Selector{selDiamondCut()}},
				{Address: addrA, Selectors: []ir.Selector{selFoo}},
				{Address: addrB, Selectors: []ir.Selector{selBar, selInit}},
			},
			facets: map[string][]ir.Selector{
				DiamondCutFacetName: {selDiamondCut()},
				"FooFacet":          {selFoo},
				"BarFacet":          {selBar, selInit},
			},
			drift: DriftReport{Moved: []ir.Selector{selInit}},
		},
		{
			name: "selector routed to an unknown address",
			live: []chain.LoupeFacet{
				{Address: cutAddr, Selectors: []ir.Selector{selDiamondCut()}},
				{Address: addrA, Selectors: []ir.Selector{selFoo, selInit}},
				{Address: addrB, Selectors: []ir.Selector{selBar}},
				{Address: addrC, Selectors: []ir.Selector{selBaz}},
			},
			facets: map[string][]ir.Selector{
				DiamondCutFacetName:                   {selDiamondCut()},
				"FooFacet":                            {selFoo, selInit},
				"BarFacet":                            {selBar},
				UnattributedFacetPrefix + addrC.Hex(): {selBaz},
			},
			drift: DriftReport{Unattributed: []ir.Selector{selBaz}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := baseRecord()
			before := record.Clone()
			sim := resyncFixture(t, tt.live)

			next, drift, err := Resync(context.Background(), sim, record)
			require.NoError(t, err)

			got := make(map[string][]ir.Selector)
			for name, info := range next.Facets {
				if len(info.Selectors) > 0 {
					got[name] = info.Selectors
				}
			}
			assert.Equal(t, tt.facets, got)
			assert.Equal(t, tt.drift, *drift)
			assert.Equal(t, len(tt.drift.Missing)+len(tt.drift.Moved)+len(tt.drift.Unattributed) > 0, drift.Drifted())
			assert.Equal(t, before, record, "input record is not modified")
		})
	}
}

func TestResync_KeepsAddressesAndVersions(t *testing.T) {
	sim := resyncFixture(t, []chain.LoupeFacet{
		{Address: addrC, Selectors: []ir.Selector{selBaz}},
	})

	next, _, err := Resync(context.Background(), sim, baseRecord())
	require.NoError(t, err)

	foo := next.Facets["FooFacet"]
	assert.Equal(t, addrA, foo.Address)
	require.NotNil(t, foo.Version)
	assert.Equal(t, ir.Version(1), *foo.Version)
	assert.Empty(t, foo.Selectors)

	name := UnattributedFacetPrefix + addrC.Hex()
	assert.True(t, IsUnattributed(name))
	assert.False(t, IsUnattributed("FooFacet"))
	assert.Equal(t, addrC, next.Facets[name].Address)
	assert.Nil(t, next.Facets[name].Version)
}

func TestResync_NoDiamond(t *testing.T) {
	sim := chain.NewSimulated(testutil.ChainID, ir.ZeroAddress)
	next, drift, err := Resync(context.Background(), sim, ir.NewDeploymentRecord())
	require.NoError(t, err)
	assert.False(t, drift.Drifted())
	assert.True(t, next.DiamondAddress.IsZero())
}

func TestResync_LoupeError(t *testing.T) {
	sim := resyncFixture(t, nil)
	sim.FailNext(1)
	_, _, err := Resync(context.Background(), sim, baseRecord())
	require.Error(t, err)
	assert.True(t, ir.IsTransient(err))
}
