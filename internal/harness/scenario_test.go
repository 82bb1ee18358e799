package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: "one deploy"
steps:
  - action: deploy
    config: |
      facets: FooFacet: versions: "0": {}
assertions:
  - type: trace_contains
    event: status confirmed
`

func TestParseScenario(t *testing.T) {
	s, err := ParseScenario([]byte(minimalScenario), "")
	require.NoError(t, err)
	assert.Equal(t, "minimal", s.Name)
	require.Len(t, s.Steps, 1)
	assert.Equal(t, StepDeploy, s.Steps[0].Action)
	assert.Contains(t, s.Steps[0].Config, "FooFacet")
	require.Len(t, s.Assertions, 1)
	assert.Equal(t, AssertTraceContains, s.Assertions[0].Type)
}

func TestLoadScenarioResolvesConfigFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "diamond.cue"), []byte(`facets: FooFacet: versions: "0": {}`), 0o644))
	path := filepath.Join(dir, "s.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: from_file
description: "config file next to the scenario"
steps:
  - action: deploy
    config_file: diamond.cue
assertions:
  - type: record_state
    expect: { deployed: true }
`), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "diamond.cue"), s.Steps[0].ConfigFile)
}

func TestLoadScenarioMissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "failed to read scenario file")
}

func TestParseScenarioRejectsUnknownFields(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario+"assertion: []\n"), "")
	assert.ErrorContains(t, err, "failed to parse YAML")
}

func TestValidateScenario(t *testing.T) {
	valid := func() *Scenario {
		return &Scenario{
			Name:        "v",
			Description: "d",
			Steps:       []Step{{Action: StepDeploy, Config: `facets: FooFacet: versions: "0": {}`}},
			Assertions:  []Assertion{{Type: AssertTraceCount, Event: "status failed"}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Scenario)
		wantErr string
	}{
		{"valid", func(*Scenario) {}, ""},
		{"no_name", func(s *Scenario) { s.Name = "" }, "name is required"},
		{"no_description", func(s *Scenario) { s.Description = "" }, "description is required"},
		{"no_steps", func(s *Scenario) { s.Steps = nil }, "steps list is required"},
		{"no_assertions", func(s *Scenario) { s.Assertions = nil }, "assertions list is required"},
		{"unknown_action", func(s *Scenario) { s.Steps[0].Action = "destroy" }, `unknown action "destroy"`},
		{"missing_action", func(s *Scenario) { s.Steps[0].Action = "" }, "action is required"},
		{"first_step_without_config", func(s *Scenario) { s.Steps[0].Config = "" }, "config or config_file is required"},
		{"both_configs", func(s *Scenario) { s.Steps[0].ConfigFile = "x.cue" }, "mutually exclusive"},
		{"missing_config_file", func(s *Scenario) {
			s.Steps = append(s.Steps, Step{Action: StepUpgrade, ConfigFile: "/does/not/exist.cue"})
		}, "config file not found"},
		{"bad_status", func(s *Scenario) { s.Steps[0].Expect = &ExpectClause{Status: "ok"} }, "status must be one of"},
		{"bad_callback_mode", func(s *Scenario) { s.Callbacks = map[string]string{"announce": "maybe"} }, "must be ok or fail"},
		{"bad_contract", func(s *Scenario) { s.Contracts = map[string][]string{"FooFacet": {"foo("}} }, "contracts.FooFacet"},
		{"negative_transient", func(s *Scenario) { s.Steps[0].Fault = &Fault{Transient: -1} }, "transient must be non-negative"},
		{"negative_lost_receipts", func(s *Scenario) { s.Steps[0].Fault = &Fault{LostReceipts: -1} }, "lost_receipts must be non-negative"},
		{"bad_route_address", func(s *Scenario) {
			s.Steps[0].Tamper = &Tamper{Route: map[string]string{"owner()": "nowhere"}}
		}, "tamper.route[owner()]"},
		{"bad_assertion", func(s *Scenario) { s.Assertions[0] = Assertion{Type: "trace_exists"} }, `unknown assertion type "trace_exists"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			err := validateScenario(s)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidateAssertion(t *testing.T) {
	tests := []struct {
		name      string
		assertion Assertion
		wantErr   string
	}{
		{"missing_type", Assertion{}, "type is required"},
		{"contains_without_event", Assertion{Type: AssertTraceContains}, "event is required for trace_contains"},
		{"order_without_events", Assertion{Type: AssertTraceOrder}, "events list is required"},
		{"count_without_event", Assertion{Type: AssertTraceCount}, "event is required for trace_count"},
		{"negative_count", Assertion{Type: AssertTraceCount, Event: "status confirmed", Count: -1}, "count must be non-negative"},
		{"final_state_without_table", Assertion{Type: AssertFinalState, Expect: map[string]any{"a": 1}}, "table is required"},
		{"final_state_without_expect", Assertion{Type: AssertFinalState, Table: "cut_runs"}, "expect is required for final_state"},
		{"facet_state_without_facet", Assertion{Type: AssertFacetState, Expect: map[string]any{"present": true}}, "facet is required"},
		{"record_state_without_expect", Assertion{Type: AssertRecordState}, "expect is required for record_state"},
		{"valid_order", Assertion{Type: AssertTraceOrder, Events: []string{"deploy Diamond"}}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateAssertion(0, &tt.assertion)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
