package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/diamondcut/internal/ir"
)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testKey = ir.DeploymentKey{Diamond: "ExampleDiamond", Network: "hardhat", ChainID: 31337}

// createTestRecord returns a record with one facet at version 1.
func createTestRecord() *ir.DeploymentRecord {
	r := ir.NewDeploymentRecord()
	r.DiamondAddress = ir.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	r.DeployerAddress = ir.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	r.Facets["ExampleFacet"] = ir.DeployedFacetInfo{
		Address: ir.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0"),
		Version: ir.Version(1).Ptr(),
		Selectors: []ir.Selector{
			ir.MustParseSelector("0x06fdde03"),
			ir.MustParseSelector("0x95d89b41"),
		},
	}
	return r
}
