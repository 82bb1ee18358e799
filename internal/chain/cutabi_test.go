package chain

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/diamondcut/internal/ir"
)

func TestDiamondSelectors(t *testing.T) {
	assert.Equal(t, "0x1f931c1c", DiamondCutSelector.String())
	assert.Equal(t, "0x7a0ed627", FacetsSelector.String())
}

func TestEncodeDecodeDiamondCut(t *testing.T) {
	initSel := ir.MustParseSelector("0xe1c7392a")
	ops := []ir.CutOperation{
		{Action: ir.Remove, Selectors: []ir.Selector{ir.MustParseSelector("0x11111111")}},
		{
			Action:       ir.Replace,
			FacetAddress: ir.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"),
			Selectors:    []ir.Selector{ir.MustParseSelector("0xaabbccdd")},
		},
		{
			Action:       ir.Add,
			FacetAddress: ir.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0"),
			Selectors:    []ir.Selector{ir.MustParseSelector("0x06fdde03"), initSel},
		},
	}
	diamond := ir.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

	data, err := EncodeDiamondCut(ops, diamond, initSel[:])
	require.NoError(t, err)
	assert.Equal(t, "1f931c1c", hex.EncodeToString(data[:4]))

	gotOps, gotInit, gotCalldata, err := DecodeDiamondCut(data)
	require.NoError(t, err)
	assert.Equal(t, ops, gotOps)
	assert.Equal(t, diamond, gotInit)
	assert.Equal(t, initSel[:], gotCalldata)
}

func TestEncodeDiamondCutWithoutInit(t *testing.T) {
	ops := []ir.CutOperation{{
		Action:       ir.Add,
		FacetAddress: ir.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0"),
		Selectors:    []ir.Selector{ir.MustParseSelector("0x06fdde03")},
	}}
	data, err := EncodeDiamondCut(ops, ir.ZeroAddress, nil)
	require.NoError(t, err)

	_, gotInit, gotCalldata, err := DecodeDiamondCut(data)
	require.NoError(t, err)
	assert.True(t, gotInit.IsZero())
	assert.Empty(t, gotCalldata)
}

func TestDecodeDiamondCutRejectsOtherCalls(t *testing.T) {
	_, _, _, err := DecodeDiamondCut([]byte{0x7a, 0x0e, 0xd6, 0x27})
	assert.Error(t, err)
	_, _, _, err = DecodeDiamondCut(nil)
	assert.Error(t, err)
}

func TestFacetsResultRoundTrip(t *testing.T) {
	facets := []LoupeFacet{
		{Address: ir.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"), Selectors: []ir.Selector{DiamondCutSelector}},
		{Address: ir.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0"), Selectors: []ir.Selector{
			ir.MustParseSelector("0x06fdde03"), ir.MustParseSelector("0x95d89b41"),
		}},
	}
	data, err := EncodeFacetsResult(facets)
	require.NoError(t, err)

	got, err := DecodeFacetsResult(data)
	require.NoError(t, err)
	assert.Equal(t, facets, got)
}
