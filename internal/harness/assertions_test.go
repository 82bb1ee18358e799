package harness

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/diamondcut/internal/ir"
	"github.com/roach88/diamondcut/internal/store"
	"github.com/roach88/diamondcut/internal/testutil"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Step: 0, Kind: EventDeploy, Subject: "Diamond"},
		{Step: 0, Kind: EventCut, Subject: "FooFacet", Detail: "Add 2"},
		{Step: 0, Kind: EventInitializer, Subject: "FooFacet", Detail: "init() bundled"},
		{Step: 0, Kind: EventStatus, Subject: "confirmed"},
		{Step: 1, Kind: EventStatus, Subject: "no_op"},
	}
}

func TestTraceEventName(t *testing.T) {
	assert.Equal(t, "cut FooFacet", TraceEvent{Kind: EventCut, Subject: "FooFacet"}.Name())
	assert.Equal(t, "error", TraceEvent{Kind: EventError}.Name())
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceContains(trace, Assertion{Event: "cut FooFacet"}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Event: "cut FooFacet", Detail: "Add 2"}))

	err := assertTraceContains(trace, Assertion{Event: "cut FooFacet", Detail: "Replace 2"})
	var aerr *AssertionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, AssertTraceContains, aerr.Type)
	assert.Contains(t, aerr.Expected, `"Replace 2"`)
	assert.Len(t, aerr.Trace, len(trace))

	assert.Error(t, assertTraceContains(trace, Assertion{Event: "cut BarFacet"}))
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	tests := []struct {
		name    string
		events  []string
		wantErr string
	}{
		{"in_order", []string{"deploy Diamond", "cut FooFacet", "status no_op"}, ""},
		{"gaps_allowed", []string{"deploy Diamond", "status confirmed"}, ""},
		{"reversed", []string{"status confirmed", "deploy Diamond"}, "should be before"},
		{"missing", []string{"deploy Diamond", "callback FooFacet"}, "missing event: callback FooFacet"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertTraceOrder(trace, Assertion{Events: tt.events})
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, Assertion{Event: "status confirmed", Count: 1}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Event: "status failed", Count: 0}))
	assert.ErrorContains(t, assertTraceCount(trace, Assertion{Event: "cut FooFacet", Count: 2}), "1 occurrences")
}

func TestAssertionErrorIncludesTrace(t *testing.T) {
	err := &AssertionError{Type: AssertTraceCount, Expected: "1", Actual: "0", Trace: sampleTrace()[:1]}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_count")
	assert.Contains(t, msg, "[1] step 0 deploy Diamond")
}

func testRecord() *ir.DeploymentRecord {
	record := ir.NewDeploymentRecord()
	record.DiamondAddress = ir.HexToAddress("0x00000000000000000000000000000000000d1a00")
	record.ProtocolVersion = ir.Version(1).Ptr()
	record.Facets["DiamondCutFacet"] = ir.DeployedFacetInfo{
		Address:   ir.HexToAddress("0x0000000000000000000000000000000000000c07"),
		Version:   ir.Version(0).Ptr(),
		Selectors: testutil.Sels("diamondCut((address,uint8,bytes4[])[],address,bytes)"),
	}
	record.Facets["FooFacet"] = ir.DeployedFacetInfo{
		Address:   ir.HexToAddress("0x0000000000000000000000000000000000000f00"),
		Version:   ir.Version(1).Ptr(),
		Selectors: testutil.Sels("init()", "foo()"),
	}
	record.Facets["Legacy"] = ir.DeployedFacetInfo{
		Address:   ir.HexToAddress("0x0000000000000000000000000000000000000aaa"),
		Selectors: testutil.Sels("legacy()"),
	}
	return record
}

func TestAssertFacetState(t *testing.T) {
	record := testRecord()
	foo := record.Facets["FooFacet"]
	routes := map[ir.Selector]ir.Address{
		testutil.Sel("foo()"):  foo.Address,
		testutil.Sel("init()"): foo.Address,
	}

	tests := []struct {
		name    string
		facet   string
		expect  map[string]any
		wantErr string
	}{
		{"present_and_version", "FooFacet", map[string]any{"present": true, "version": 1}, ""},
		{"selectors_any_order", "FooFacet", map[string]any{"selectors": []any{"foo()", "init()"}}, ""},
		{"routed", "FooFacet", map[string]any{"routed": true}, ""},
		{"unversioned", "Legacy", map[string]any{"version": "none", "routed": false}, ""},
		{"absent", "BarFacet", map[string]any{"present": false, "routed": false}, ""},
		{"wrong_version", "FooFacet", map[string]any{"version": 0}, "FooFacet version = 1"},
		{"wrong_selectors", "FooFacet", map[string]any{"selectors": []any{"foo()"}}, "selectors differ"},
		{"selectors_not_list", "FooFacet", map[string]any{"selectors": "foo()"}, "expected a list"},
		{"unknown_field", "FooFacet", map[string]any{"address": "0x0"}, `unknown field "address"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertFacetState(record, routes, Assertion{Type: AssertFacetState, Facet: tt.facet, Expect: tt.expect})
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestAssertFacetStateDetectsMovedSelector(t *testing.T) {
	record := testRecord()
	routes := map[ir.Selector]ir.Address{
		testutil.Sel("foo()"):  record.Facets["FooFacet"].Address,
		testutil.Sel("init()"): ir.HexToAddress("0x0000000000000000000000000000000000c0ffee"),
	}
	err := assertFacetState(record, routes, Assertion{Facet: "FooFacet", Expect: map[string]any{"routed": true}})
	assert.ErrorContains(t, err, "routed = false")
}

func TestAssertRecordState(t *testing.T) {
	record := testRecord()

	assert.NoError(t, assertRecordState(record, Assertion{Expect: map[string]any{
		"deployed":         true,
		"protocol_version": 1,
		"facets":           3,
		"selectors":        4,
	}}))
	assert.ErrorContains(t, assertRecordState(record, Assertion{Expect: map[string]any{"facets": 2}}), "facets = 3")
	assert.ErrorContains(t, assertRecordState(record, Assertion{Expect: map[string]any{"owner": "x"}}), "unknown field")

	empty := ir.NewDeploymentRecord()
	assert.NoError(t, assertRecordState(empty, Assertion{Expect: map[string]any{
		"deployed":         false,
		"protocol_version": "none",
		"facets":           0,
	}}))
}

func TestStateValuesEqual(t *testing.T) {
	tests := []struct {
		name     string
		expected any
		actual   any
		want     bool
	}{
		{"both_nil", nil, nil, true},
		{"nil_expected", nil, int64(1), false},
		{"string", "confirmed", "confirmed", true},
		{"string_from_bytes", "confirmed", []byte("confirmed"), true},
		{"string_mismatch", "confirmed", "reverted", false},
		{"int_vs_int64", 2, int64(2), true},
		{"int_mismatch", 2, int64(3), false},
		{"int_vs_string", 2, "2", false},
		{"bool_as_integer", true, int64(1), true},
		{"false_as_zero", false, int64(0), true},
		{"bool_mismatch", true, int64(0), false},
		{"float_fallback", 1.5, 1.5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stateValuesEqual(tt.expected, tt.actual))
		})
	}
}

func TestBuildWhereClause(t *testing.T) {
	sql, args, err := buildWhereClause(map[string]any{"status": "confirmed", "seq": 2})
	require.NoError(t, err)
	assert.Equal(t, "seq = ? AND status = ?", sql)
	assert.Equal(t, []any{2, "confirmed"}, args)

	sql, args, err = buildWhereClause(nil)
	require.NoError(t, err)
	assert.Empty(t, sql)
	assert.Nil(t, args)

	_, _, err = buildWhereClause(map[string]any{"seq; DROP TABLE records": 1})
	assert.ErrorContains(t, err, "invalid column name")
}

func TestFormatWhereClause(t *testing.T) {
	assert.Equal(t, "(no conditions)", formatWhereClause(nil))
	assert.Equal(t, "seq=2 AND status=confirmed", formatWhereClause(map[string]any{"status": "confirmed", "seq": 2}))
}

func TestAssertFinalState(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	for i, status := range []store.RunStatus{store.RunReverted, store.RunConfirmed} {
		require.NoError(t, st.AppendRun(ctx, store.CutRun{
			ID:         "run-" + string(status),
			Key:        testutil.Key,
			Mode:       "direct",
			Status:     status,
			Attempt:    i + 1,
			TxHash:     common.HexToHash("0x01"),
			Operations: 2,
			Selectors:  3,
			CreatedAt:  time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC),
		}))
	}

	tests := []struct {
		name      string
		assertion Assertion
		wantErr   string
	}{
		{"matches", Assertion{Table: "cut_runs", Where: map[string]any{"seq": 2}, Expect: map[string]any{"status": "confirmed", "operations": 2}}, ""},
		{"first_run", Assertion{Table: "cut_runs", Where: map[string]any{"attempt": 1}, Expect: map[string]any{"status": "reverted"}}, ""},
		{"wrong_value", Assertion{Table: "cut_runs", Where: map[string]any{"seq": 1}, Expect: map[string]any{"status": "confirmed"}}, `"status" = confirmed`},
		{"missing_column", Assertion{Table: "cut_runs", Where: map[string]any{"seq": 1}, Expect: map[string]any{"gas": 1}}, `field "gas" to exist`},
		{"no_row", Assertion{Table: "cut_runs", Where: map[string]any{"seq": 9}, Expect: map[string]any{"status": "confirmed"}}, "row not found"},
		{"ambiguous", Assertion{Table: "cut_runs", Expect: map[string]any{"operations": 2}}, "multiple rows matched"},
		{"bad_table", Assertion{Table: "cut_runs; --", Expect: map[string]any{"seq": 1}}, "invalid table name"},
		{"unknown_table", Assertion{Table: "proposals", Expect: map[string]any{"seq": 1}}, "query error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertFinalState(ctx, st, tt.assertion)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestEvaluateAssertionsWithoutContext(t *testing.T) {
	result := NewResult()
	result.AddEvent(0, EventStatus, "confirmed", "")

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceContains, Event: "status confirmed"},
		{Type: AssertFinalState, Table: "cut_runs", Expect: map[string]any{"seq": 1}},
		{Type: AssertRecordState, Expect: map[string]any{"deployed": true}},
		{Type: "bogus"},
	}, nil)

	require.Len(t, errs, 3)
	assert.Contains(t, errs[0], "final_state requires database context")
	assert.Contains(t, errs[1], "record assertions require a store")
	assert.Contains(t, errs[2], `unknown assertion type "bogus"`)
}
