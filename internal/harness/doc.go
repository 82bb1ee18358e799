// Package harness runs conformance scenarios against the reconciliation
// engine.
//
// A scenario drives one diamond on a fresh simulated chain through a
// sequence of passes, then asserts on the trace of observable effects
// and on the final deployment record.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: upgrade_with_callback
//	description: "Upgrading a facet replaces its selectors and runs its callback"
//	callbacks:
//	  announce: ok
//	steps:
//	  - action: deploy
//	    config: |
//	      facets: FooFacet: versions: "0": deployInit: "init"
//	    expect:
//	      status: confirmed
//	  - action: upgrade
//	    config_file: foo_v1.cue
//	    fault:
//	      transient: 1
//	    expect:
//	      status: confirmed
//	      deployed: [FooFacet]
//	assertions:
//	  - type: trace_contains
//	    event: cut FooFacet
//	    detail: Replace 2
//	  - type: facet_state
//	    facet: FooFacet
//	    expect: { version: 1, routed: true }
//	  - type: final_state
//	    table: cut_runs
//	    where: { seq: 2 }
//	    expect: { status: confirmed }
//
// A step without config or config_file reuses the previous configuration.
// Steps may inject chain faults (transient, revert_cut, revert_on) and
// tamper with the routing table (unroute, route) before the pass runs.
//
// # Trace Events
//
// Every step appends events named "kind subject": fault, tamper, drift,
// deploy (one per created contract), cut (one per operation, detail
// "Action count"), initializer (detail "function bundled|call"), warning,
// status, callback, hook_failed and error (subject is the error kind,
// detail the failed stage).
//
// # Assertion Types
//
//   - trace_contains: an event appears, optionally with a given detail
//   - trace_order: events appear in the given order
//   - trace_count: an event appears exactly N times
//   - final_state: one row of a store table (records, cut_runs) matches
//   - facet_state: present, version, selectors, routed of one facet
//   - record_state: deployed, protocol_version, facets, selectors
//
// # Deterministic Testing
//
// Scenarios run with a step clock, sequential run ids and an in-memory
// SQLite store, and the simulated chain derives addresses from the signer
// nonce, so repeated runs produce identical traces. RunWithGolden compares
// traces against testdata/golden with goldie.
package harness
