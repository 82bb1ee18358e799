package engine

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/roach88/diamondcut/internal/ir"
	"github.com/roach88/diamondcut/internal/selector"
)

// DiamondCutFacetName is the facet installed by the diamond constructor.
// It is never scheduled for removal unless it is reconfigured.
const DiamondCutFacetName = "DiamondCutFacet"

// StagedFacet is a facet contract deployed for this pass but not yet cut in.
type StagedFacet struct {
	Address ir.Address
	TxHash  common.Hash
}

// ReconcileInput is everything a reconciliation pass reads.
type ReconcileInput struct {
	Key    ir.DeploymentKey
	Facets []ir.FacetDescriptor
	Record *ir.DeploymentRecord

	// Staged holds freshly deployed facet addresses by name. Facets not
	// listed keep their recorded address.
	Staged map[string]StagedFacet
}

// Reconciliation is the result of one planning pass.
type Reconciliation struct {
	Plan *ir.CutPlan

	// Decisions holds one entry per configured facet in priority order.
	Decisions []VersionDecision

	// Warnings lists non-fatal findings such as skipped initializers.
	Warnings []string
}

// Decision returns the decision for a facet.
func (r *Reconciliation) Decision(facet string) (VersionDecision, bool) {
	for _, d := range r.Decisions {
		if d.Facet == facet {
			return d, true
		}
	}
	return VersionDecision{}, false
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcileLogger sets the logger used for planning warnings.
func WithReconcileLogger(l *zap.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		r.logger = l
	}
}

// WithPreservedFacets replaces the set of recorded facets that are kept
// when absent from the configuration.
func WithPreservedFacets(names ...string) ReconcilerOption {
	return func(r *Reconciler) {
		r.preserved = make(map[string]bool, len(names))
		for _, n := range names {
			r.preserved[n] = true
		}
	}
}

// Reconciler computes cut plans. It holds no per-pass state and is safe
// for concurrent use if its CatalogSource is.
type Reconciler struct {
	catalogs  CatalogSource
	logger    *zap.Logger
	preserved map[string]bool
}

// NewReconciler creates a Reconciler reading facet interfaces from catalogs.
func NewReconciler(catalogs CatalogSource, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		catalogs:  catalogs,
		logger:    zap.NewNop(),
		preserved: map[string]bool{DiamondCutFacetName: true},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type facetPlan struct {
	desc      ir.FacetDescriptor
	decision  VersionDecision
	selectors []ir.Selector
	address   ir.Address
	txHash    common.Hash
	init      *ir.PlannedInitializer
	replace   []ir.Selector
	add       []ir.Selector
}

// Reconcile diffs the configured facets against the record and returns
// the ordered plan. It performs no I/O beyond catalog lookups and returns
// on the first configuration error or selector collision.
func (r *Reconciler) Reconcile(in ReconcileInput) (*Reconciliation, error) {
	record := in.Record
	if record == nil {
		record = ir.NewDeploymentRecord()
	}

	facets := append([]ir.FacetDescriptor(nil), in.Facets...)
	ir.SortFacets(facets)

	desired := make(map[string]bool, len(facets))
	for _, f := range facets {
		if desired[f.Name] {
			return nil, ir.ConfigurationError(f.Name, "facet configured more than once")
		}
		desired[f.Name] = true
	}

	owners, err := record.SelectorOwners()
	if err != nil {
		return nil, err
	}

	result := &Reconciliation{Decisions: make([]VersionDecision, 0, len(facets))}
	claimed := make(map[ir.Selector]string)
	plans := make([]*facetPlan, 0, len(facets))

	for _, f := range facets {
		fp, err := r.planFacet(f, record, in.Staged)
		if err != nil {
			return nil, err
		}
		for _, sel := range fp.selectors {
			if other, taken := claimed[sel]; taken {
				return nil, ir.SelectorCollision(sel, f.Name, other)
			}
			claimed[sel] = f.Name
		}
		if fp.decision.InitializerSkipped {
			result.Warnings = append(result.Warnings, skippedWarning(f, fp.decision))
			r.logger.Warn("no eligible initializer for upgrade",
				zap.String("facet", f.Name),
				zap.Stringer("previous", fp.decision.Previous),
				zap.Stringer("target", fp.decision.Target))
		}
		result.Decisions = append(result.Decisions, fp.decision)
		plans = append(plans, fp)
	}

	plan := &ir.CutPlan{
		Key:        in.Key,
		Diamond:    record.DiamondAddress,
		Operations: []ir.CutOperation{},
	}

	// Facets deleted from the configuration go out in one batched Remove.
	var removed []ir.Selector
	for _, name := range record.FacetNames() {
		if desired[name] || r.preserved[name] {
			continue
		}
		plan.Removed = append(plan.Removed, name)
		removed = append(removed, record.Facets[name].Selectors...)
	}
	if len(removed) > 0 {
		plan.Operations = append(plan.Operations, ir.CutOperation{
			Action:    ir.Remove,
			Selectors: removed,
			FacetName: strings.Join(plan.Removed, ","),
		})
	}

	for _, fp := range plans {
		want := ir.NewSelectorSet(fp.selectors...)
		var dropped []ir.Selector
		for _, sel := range record.Facets[fp.desc.Name].Selectors {
			if !want.Has(sel) {
				dropped = append(dropped, sel)
			}
		}
		if len(dropped) > 0 {
			plan.Operations = append(plan.Operations, ir.CutOperation{
				Action:    ir.Remove,
				Selectors: dropped,
				FacetName: fp.desc.Name,
			})
		}

		for _, sel := range fp.selectors {
			owner, owned := owners[sel]
			var ownerAddr ir.Address
			if owned {
				ownerAddr = record.Facets[owner].Address
			}
			switch {
			case !owned || ownerAddr.IsZero():
				fp.add = append(fp.add, sel)
			case ownerAddr != fp.address:
				fp.replace = append(fp.replace, sel)
			}
		}
	}

	// A selector that stays routed must not be removed: it either moves
	// through a Replace or is already routed to its target address.
	plan.Operations = stripClaimedRemovals(plan.Operations, claimed)

	bundled := false
	for _, fp := range plans {
		first := len(plan.Operations)
		if len(fp.replace) > 0 {
			plan.Operations = append(plan.Operations, ir.CutOperation{
				Action:       ir.Replace,
				FacetAddress: fp.address,
				Selectors:    fp.replace,
				FacetName:    fp.desc.Name,
			})
		}
		if len(fp.add) > 0 {
			plan.Operations = append(plan.Operations, ir.CutOperation{
				Action:       ir.Add,
				FacetAddress: fp.address,
				Selectors:    fp.add,
				FacetName:    fp.desc.Name,
			})
		}

		if fp.init != nil {
			if !bundled && first < len(plan.Operations) && claimed[fp.init.Selector] == fp.desc.Name {
				bundled = true
				fp.init.Bundled = true
				sel := fp.init.Selector
				plan.Operations[first].Initializer = &sel
				plan.InitAddress = plan.Diamond
				plan.InitCalldata = append([]byte(nil), sel[:]...)
				plan.InitFacet = fp.desc.Name
			}
			plan.Initializers = append(plan.Initializers, *fp.init)
		}

		recorded := record.Facets[fp.desc.Name]
		plan.Targets = append(plan.Targets, ir.FacetTarget{
			Name:      fp.desc.Name,
			Address:   fp.address,
			TxHash:    fp.txHash,
			Version:   fp.decision.Target,
			Selectors: fp.selectors,
			Changed:   fp.decision.Changed() || recorded.Address != fp.address,
		})
	}

	result.Plan = plan
	return result, nil
}

func (r *Reconciler) planFacet(f ir.FacetDescriptor, record *ir.DeploymentRecord, staged map[string]StagedFacet) (*facetPlan, error) {
	var previous *ir.Version
	if v, ok := record.PreviousVersion(f.Name); ok {
		previous = &v
	}
	decision, err := ResolveVersion(f, previous)
	if err != nil {
		return nil, err
	}

	catalog, err := r.catalogs.Catalog(f.Name)
	if err != nil {
		return nil, err
	}
	spec := f.Versions[decision.Target]
	sels, err := catalog.Selectors(spec.DeployInclude)
	if err != nil {
		return nil, err
	}

	fp := &facetPlan{desc: f, decision: decision, selectors: sels}
	recorded := record.Facets[f.Name]
	if s, ok := staged[f.Name]; ok && !s.Address.IsZero() {
		fp.address, fp.txHash = s.Address, s.TxHash
	} else {
		fp.address, fp.txHash = recorded.Address, recorded.TxHash
	}
	if fp.address.IsZero() && len(sels) > 0 {
		return nil, ir.ConfigurationError(f.Name, "facet has no deployed address")
	}

	if decision.Initializer != "" {
		init, err := resolveInitializer(catalog, f.Name, decision.Initializer)
		if err != nil {
			return nil, err
		}
		fp.init = init
	}
	return fp, nil
}

func resolveInitializer(catalog *selector.Catalog, facet, fn string) (*ir.PlannedInitializer, error) {
	sel, sig, err := catalog.Resolve(fn)
	if err != nil {
		return nil, err
	}
	return &ir.PlannedInitializer{Facet: facet, Function: sig, Selector: sel}, nil
}

func stripClaimedRemovals(ops []ir.CutOperation, claimed map[ir.Selector]string) []ir.CutOperation {
	out := ops[:0]
	for _, op := range ops {
		if op.Action == ir.Remove {
			kept := op.Selectors[:0:0]
			for _, sel := range op.Selectors {
				if _, stays := claimed[sel]; !stays {
					kept = append(kept, sel)
				}
			}
			if len(kept) == 0 {
				continue
			}
			op.Selectors = kept
		}
		out = append(out, op)
	}
	return out
}

func skippedWarning(f ir.FacetDescriptor, d VersionDecision) string {
	from := f.Versions[d.Target].FromVersions
	return fmt.Sprintf("%s: upgrade from version %s to %s runs no initializer (fromVersions %v)",
		f.Name, d.Previous, d.Target, from)
}
