package engine

import (
	"github.com/roach88/diamondcut/internal/ir"
)

// Gas heuristic for diamondCut transactions.
const (
	GasLimitCutBase     = 100000
	GasLimitPerSelector = 60000
)

// CutGasLimit estimates the gas limit of a cut touching n selectors.
// A multiplier below 1 is treated as 1.
func CutGasLimit(selectors int, multiplier float64) uint64 {
	if multiplier < 1 {
		multiplier = 1
	}
	return uint64(float64(GasLimitCutBase+GasLimitPerSelector*selectors) * multiplier)
}

// ApplyPlan returns a copy of record reflecting the routing table after
// plan was confirmed. record itself is not modified.
//
// Removed facets are dropped. Selectors that were removed or moved are
// taken away from their previous facets, and a facet left without
// selectors by this plan is dropped. Every target facet is written with
// its address, version and selectors. protocol, when non-nil, replaces
// the recorded protocol version.
func ApplyPlan(record *ir.DeploymentRecord, plan *ir.CutPlan, protocol *ir.Version) *ir.DeploymentRecord {
	next := record.Clone()
	if next == nil {
		next = ir.NewDeploymentRecord()
	}
	if next.Facets == nil {
		next.Facets = make(map[string]ir.DeployedFacetInfo)
	}
	if next.ExternalLibraries == nil {
		next.ExternalLibraries = make(map[string]ir.Address)
	}
	if plan == nil {
		return next
	}
	if next.DiamondAddress.IsZero() {
		next.DiamondAddress = plan.Diamond
	}

	for _, name := range plan.Removed {
		delete(next.Facets, name)
	}

	gone := ir.NewSelectorSet()
	for _, op := range plan.Operations {
		for _, sel := range op.Selectors {
			gone.Add(sel)
		}
	}
	targets := make(map[string]bool, len(plan.Targets))
	for _, t := range plan.Targets {
		targets[t.Name] = true
		for _, sel := range t.Selectors {
			gone.Add(sel)
		}
	}

	for name, info := range next.Facets {
		if targets[name] || len(info.Selectors) == 0 {
			continue
		}
		kept := make([]ir.Selector, 0, len(info.Selectors))
		for _, sel := range info.Selectors {
			if !gone.Has(sel) {
				kept = append(kept, sel)
			}
		}
		if len(kept) == 0 {
			delete(next.Facets, name)
			continue
		}
		info.Selectors = kept
		next.Facets[name] = info
	}

	for _, t := range plan.Targets {
		next.Facets[t.Name] = ir.DeployedFacetInfo{
			Address:   t.Address,
			TxHash:    t.TxHash,
			Version:   t.Version.Ptr(),
			Selectors: append([]ir.Selector(nil), t.Selectors...),
		}
	}

	if protocol != nil {
		next.ProtocolVersion = protocol.Ptr()
	}
	return next
}
