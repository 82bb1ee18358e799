package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/diamondcut/internal/ir"
	"github.com/roach88/diamondcut/internal/selector"
)

// Scenario defines a conformance test scenario: a sequence of passes
// against one simulated diamond, followed by assertions on the trace and
// the final record.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Diamond and ChainID form the deployment key together with network
	// "hardhat". Default ExampleDiamond on 31337.
	Diamond string `yaml:"diamond,omitempty"`
	ChainID uint64 `yaml:"chain_id,omitempty"`

	// Contracts maps facet contract names to their function signatures.
	// Empty uses the example facets.
	Contracts map[string][]string `yaml:"contracts,omitempty"`

	// Callbacks registers post-upgrade callbacks by name. A value of
	// "fail" registers a callback that returns an error.
	Callbacks map[string]string `yaml:"callbacks,omitempty"`

	// Steps run in order. Each one is a full pass.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step actions.
const (
	StepDeploy  = "deploy"
	StepUpgrade = "upgrade"
	StepPlan    = "plan"
)

// Step is one pass.
type Step struct {
	// Action is deploy, upgrade or plan (a dry run).
	Action string `yaml:"action"`

	// Config is inline CUE source of the diamond configuration.
	// ConfigFile is a path relative to the scenario file. A step without
	// either reuses the previous step's configuration.
	Config     string `yaml:"config,omitempty"`
	ConfigFile string `yaml:"config_file,omitempty"`

	// Fault is injected into the chain before the pass.
	Fault *Fault `yaml:"fault,omitempty"`

	// Tamper edits the on-chain routing table before the pass.
	Tamper *Tamper `yaml:"tamper,omitempty"`

	// Expect validates the pass outcome. If nil, no validation happens.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// Fault describes injected chain failures.
type Fault struct {
	// Transient fails the next n requests with a network error.
	Transient int `yaml:"transient,omitempty"`

	// LostReceipts fails the next n receipt lookups with a network error
	// after the transaction has been mined.
	LostReceipts int `yaml:"lost_receipts,omitempty"`

	// RevertCut makes the next diamondCut revert with this reason.
	RevertCut string `yaml:"revert_cut,omitempty"`

	// RevertOn makes calls to these functions revert.
	RevertOn []string `yaml:"revert_on,omitempty"`
}

// Tamper describes routing changes made behind the record's back.
type Tamper struct {
	// Unroute drops these functions from the routing table.
	Unroute []string `yaml:"unroute,omitempty"`

	// Route points functions at addresses.
	Route map[string]string `yaml:"route,omitempty"`
}

// ExpectClause specifies the expected outcome of a pass.
type ExpectClause struct {
	// Status is confirmed, no_op, pending_approval, planned or failed.
	Status string `yaml:"status"`

	// Error is the error kind of a failed pass, e.g. CONFIGURATION_ERROR
	// or NOT_DEPLOYED.
	Error string `yaml:"error,omitempty"`

	// Stage is the failed stage, e.g. plan or execute.
	Stage string `yaml:"stage,omitempty"`

	// Deployed lists the contracts created by the pass, in order. Nil
	// skips the check; an empty list expects none.
	Deployed []string `yaml:"deployed,omitempty"`
}

// Step statuses besides the engine's execution statuses.
const (
	StatusPlanned = "planned"
	StatusFailed  = "failed"
)

var stepStatuses = []string{"confirmed", "no_op", "pending_approval", StatusPlanned, StatusFailed}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an event appears in the trace
	// - "trace_order": events appear in order
	// - "trace_count": an event appears exactly N times
	// - "final_state": query a store table and verify expected values
	// - "facet_state": verify a facet in the final record and on chain
	// - "record_state": verify diamond-level fields of the final record
	Type string `yaml:"type"`

	// Event is "kind subject", e.g. "cut FooFacet" (trace_contains,
	// trace_count).
	Event string `yaml:"event,omitempty"`

	// Detail must equal the event detail when set (trace_contains).
	Detail string `yaml:"detail,omitempty"`

	// Events is the expected event order (trace_order).
	Events []string `yaml:"events,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Table and Where select one store row (final_state).
	Table string         `yaml:"table,omitempty"`
	Where map[string]any `yaml:"where,omitempty"`

	// Facet names the facet checked by facet_state.
	Facet string `yaml:"facet,omitempty"`

	// Expect contains expected field values. Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertFacetState    = "facet_state"
	AssertRecordState   = "record_state"
)

// LoadScenario reads and parses a scenario YAML file. Config files are
// resolved relative to the scenario file. Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data, filepath.Dir(path))
}

// ParseScenario parses scenario YAML, resolving config files relative to
// basePath.
func ParseScenario(data []byte, basePath string) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	for i, step := range scenario.Steps {
		if step.ConfigFile != "" && !filepath.IsAbs(step.ConfigFile) && basePath != "" {
			scenario.Steps[i].ConfigFile = filepath.Join(basePath, step.ConfigFile)
		}
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for name, mode := range s.Callbacks {
		if mode != "ok" && mode != "fail" {
			return fmt.Errorf("callbacks.%s: must be ok or fail, got %q", name, mode)
		}
	}
	for name, sigs := range s.Contracts {
		if _, err := selector.ParseSignatures(sigs); err != nil {
			return fmt.Errorf("contracts.%s: %w", name, err)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	if s.Steps[0].Config == "" && s.Steps[0].ConfigFile == "" {
		return fmt.Errorf("steps[0]: config or config_file is required")
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step *Step) error {
	switch step.Action {
	case StepDeploy, StepUpgrade, StepPlan:
	case "":
		return fmt.Errorf("steps[%d]: action is required", i)
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", i, step.Action)
	}

	if step.Config != "" && step.ConfigFile != "" {
		return fmt.Errorf("steps[%d]: config and config_file are mutually exclusive", i)
	}
	if step.ConfigFile != "" {
		if _, err := os.Stat(step.ConfigFile); os.IsNotExist(err) {
			return fmt.Errorf("steps[%d]: config file not found: %s", i, step.ConfigFile)
		}
	}

	if f := step.Fault; f != nil {
		if f.Transient < 0 {
			return fmt.Errorf("steps[%d].fault: transient must be non-negative", i)
		}
		if f.LostReceipts < 0 {
			return fmt.Errorf("steps[%d].fault: lost_receipts must be non-negative", i)
		}
		if _, err := selector.ParseSignatures(f.RevertOn); err != nil {
			return fmt.Errorf("steps[%d].fault.revert_on: %w", i, err)
		}
	}
	if t := step.Tamper; t != nil {
		if _, err := selector.ParseSignatures(t.Unroute); err != nil {
			return fmt.Errorf("steps[%d].tamper.unroute: %w", i, err)
		}
		for sig, addr := range t.Route {
			if _, err := selector.ParseSignatures([]string{sig}); err != nil {
				return fmt.Errorf("steps[%d].tamper.route: %w", i, err)
			}
			if _, err := ir.ParseAddress(addr); err != nil {
				return fmt.Errorf("steps[%d].tamper.route[%s]: %w", i, sig, err)
			}
		}
	}

	if step.Expect != nil && !slices.Contains(stepStatuses, step.Expect.Status) {
		return fmt.Errorf("steps[%d].expect: status must be one of %v, got %q", i, stepStatuses, step.Expect.Status)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertFacetState:
		if a.Facet == "" {
			return fmt.Errorf("assertions[%d]: facet is required for facet_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for facet_state", index)
		}
	case AssertRecordState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for record_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
