// Package engine plans and applies diamond cuts.
//
// A reconciliation pass runs in four steps, each consuming the previous
// step's output:
//
//  1. ResolveVersion decides per facet whether this is a first deploy, an
//     upgrade or no change, and which initializer applies.
//  2. Reconciler.Reconcile diffs the desired facets against the recorded
//     routing table and produces an ordered ir.CutPlan. Planning is pure:
//     any error aborts before a transaction is built.
//  3. Executor.Execute submits the plan directly or as a relay proposal.
//     The record is written only after the cut is confirmed.
//  4. HookRunner.Run calls follow-up initializers and registered callbacks
//     per changed facet, collecting failures instead of stopping.
//
// Engine wires the steps together with artifact loading, library and
// facet deployment and drift detection. Registry serializes passes per
// deployment key: concurrent callers for the same key share one pass,
// different keys run independently.
//
// Operation ordering within a plan:
//
//   - the batched Remove for facets deleted from the configuration
//   - per-facet Removes of dropped selectors, in priority order
//   - for each facet in priority order, its Replace then its Add
//
// Priority ties are broken by facet name.
package engine
