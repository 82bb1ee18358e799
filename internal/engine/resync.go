package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/diamondcut/internal/chain"
	"github.com/roach88/diamondcut/internal/ir"
)

// UnattributedFacetPrefix names synthetic facets that own selectors routed
// to an address no recorded facet has.
const UnattributedFacetPrefix = "Unattributed_"

// DriftReport describes differences between a record and the chain.
type DriftReport struct {
	// Missing selectors are recorded but not routed on chain.
	Missing []ir.Selector `json:"missing,omitempty"`

	// Moved selectors are routed to a different facet than recorded.
	Moved []ir.Selector `json:"moved,omitempty"`

	// Unattributed selectors are routed to an address no recorded facet has.
	Unattributed []ir.Selector `json:"unattributed,omitempty"`
}

// Drifted reports whether any difference was found.
func (d *DriftReport) Drifted() bool {
	return d != nil && len(d.Missing)+len(d.Moved)+len(d.Unattributed) > 0
}

// Resync rebuilds the selector ownership of record from the diamond's
// loupe, treating the chain as ground truth. Addresses, versions and
// libraries are kept. Selectors routed to an address that no recorded
// facet has are attributed to a synthetic facet named
// UnattributedFacetPrefix + address, which the next plan removes or
// replaces.
//
// The returned record is a copy; record is not modified.
func Resync(ctx context.Context, loupe chain.Loupe, record *ir.DeploymentRecord) (*ir.DeploymentRecord, *DriftReport, error) {
	report := &DriftReport{}
	if record == nil || record.DiamondAddress.IsZero() {
		return record.Clone(), report, nil
	}

	live, err := loupe.Facets(ctx, record.DiamondAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("read diamond facets: %w", err)
	}

	owners, err := record.SelectorOwners()
	if err != nil {
		return nil, nil, err
	}
	byAddress := make(map[ir.Address][]string)
	for _, name := range record.FacetNames() {
		addr := record.Facets[name].Address
		if !addr.IsZero() {
			byAddress[addr] = append(byAddress[addr], name)
		}
	}

	routed := make(map[ir.Selector]string)
	var routeOrder []ir.Selector
	for _, f := range live {
		for _, sel := range f.Selectors {
			name := attribute(sel, f.Address, owners, byAddress)
			routed[sel] = name
			routeOrder = append(routeOrder, sel)
		}
	}

	next := record.Clone()
	for name, info := range next.Facets {
		info.Selectors = nil
		next.Facets[name] = info
	}

	// Keep recorded order for selectors that stayed put, then append the
	// rest in loupe order.
	for _, name := range record.FacetNames() {
		for _, sel := range record.Facets[name].Selectors {
			switch owner, ok := routed[sel]; {
			case !ok:
				report.Missing = append(report.Missing, sel)
			case owner == name:
				info := next.Facets[name]
				info.Selectors = append(info.Selectors, sel)
				next.Facets[name] = info
			}
		}
	}
	for _, sel := range routeOrder {
		name := routed[sel]
		prev, recorded := owners[sel]
		if recorded && prev == name {
			continue
		}
		info := next.Facets[name]
		if _, exists := next.Facets[name]; !exists {
			info.Address = addressOfSynthetic(live, sel)
		}
		info.Selectors = append(info.Selectors, sel)
		next.Facets[name] = info
		if recorded {
			report.Moved = append(report.Moved, sel)
		} else {
			report.Unattributed = append(report.Unattributed, sel)
		}
	}

	sortSelectors(report.Missing)
	sortSelectors(report.Moved)
	sortSelectors(report.Unattributed)
	return next, report, nil
}

func attribute(sel ir.Selector, addr ir.Address, owners map[ir.Selector]string, byAddress map[ir.Address][]string) string {
	names := byAddress[addr]
	if owner, ok := owners[sel]; ok {
		for _, n := range names {
			if n == owner {
				return owner
			}
		}
	}
	if len(names) > 0 {
		return names[0]
	}
	return UnattributedFacetPrefix + addr.Hex()
}

func addressOfSynthetic(live []chain.LoupeFacet, sel ir.Selector) ir.Address {
	for _, f := range live {
		for _, s := range f.Selectors {
			if s == sel {
				return f.Address
			}
		}
	}
	return ir.Address{}
}

// IsUnattributed reports whether name is a synthetic facet created by Resync.
func IsUnattributed(name string) bool {
	return strings.HasPrefix(name, UnattributedFacetPrefix)
}

func sortSelectors(sels []ir.Selector) {
	sort.Slice(sels, func(i, j int) bool { return sels[i].String() < sels[j].String() })
}
