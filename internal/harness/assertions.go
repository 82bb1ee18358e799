package harness

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/roach88/diamondcut/internal/chain"
	"github.com/roach88/diamondcut/internal/ir"
	"github.com/roach88/diamondcut/internal/selector"
	"github.com/roach88/diamondcut/internal/store"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
// This prevents SQL injection via identifier interpolation.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] step %d %s %s\n", i+1, event.Step, event.Name(), event.Detail)
		}
	}

	return buf.String()
}

// assertTraceContains checks that an event with the given name, and
// detail when specified, appears in the trace.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Name() == assertion.Event && (assertion.Detail == "" || event.Detail == assertion.Detail) {
			return nil
		}
	}

	expected := "event " + assertion.Event
	if assertion.Detail != "" {
		expected += fmt.Sprintf(" with detail %q", assertion.Detail)
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: expected,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if events appear in the specified order.
// Events don't need to be consecutive (intervening events are allowed).
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	// First position of each expected event, 1-indexed.
	positions := make(map[string]int)
	for i, event := range trace {
		name := event.Name()
		for _, expected := range assertion.Events {
			if name == expected && positions[expected] == 0 {
				positions[expected] = i + 1
			}
		}
	}

	for _, name := range assertion.Events {
		if positions[name] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all events present: %v", assertion.Events),
				Actual:   fmt.Sprintf("missing event: %s", name),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Events); i++ {
		prev := assertion.Events[i-1]
		curr := assertion.Events[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %v", assertion.Events),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}

	return nil
}

// assertTraceCount checks if the event appears exactly the specified number of times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Name() == assertion.Event {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Event),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}

	return nil
}

// assertFinalState checks that exactly one row of a store table matches
// Where and holds the expected values.
//
// Table and column names are validated against a whitelist pattern since
// identifiers cannot be parameterized.
func assertFinalState(ctx context.Context, st *store.Store, assertion Assertion) error {
	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}

	whereSQL, whereArgs, err := buildWhereClause(assertion.Where)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT * FROM %s", assertion.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := st.Query(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	if !rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "row not found",
		}
	}

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}
	if err := rows.Scan(valuePtrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actualRow := make(map[string]any)
	for i, col := range columns {
		actualRow[col] = values[i]
	}

	for _, key := range sortedKeys(assertion.Expect) {
		expectedValue := assertion.Expect[key]
		actualValue, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}
		if !stateValuesEqual(expectedValue, actualValue) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expectedValue, expectedValue),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actualValue, actualValue),
			}
		}
	}

	return nil
}

// buildWhereClause constructs parameterized WHERE clause from assertion.Where.
// Returns SQL fragment, arguments slice, and error. Keys are sorted for determinism.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := sortedKeys(where)
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))

	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, toSQLValue(where[key]))
	}

	return strings.Join(clauses, " AND "), args, nil
}

// toSQLValue converts a YAML value to a SQL-compatible value.
func toSQLValue(v any) any {
	switch val := v.(type) {
	case string, int, int64, bool:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	keys := sortedKeys(where)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares expected YAML values with SQLite values,
// which come back as int64, string or []byte.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}

	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}

	switch exp := expected.(type) {
	case string:
		s, ok := actual.(string)
		return ok && exp == s
	case int:
		n, ok := actual.(int64)
		return ok && int64(exp) == n
	case int64:
		n, ok := actual.(int64)
		return ok && exp == n
	case bool:
		// SQLite stores booleans as integers
		if b, ok := actual.(bool); ok {
			return exp == b
		}
		n, ok := actual.(int64)
		return ok && exp == (n != 0)
	}

	return cmp.Equal(expected, actual)
}

// assertFacetState checks a facet of the final record. Supported keys:
// present (bool), version (int), selectors (function signatures, any
// order) and routed (bool: every recorded selector routes to the facet
// address on chain).
func assertFacetState(record *ir.DeploymentRecord, routes map[ir.Selector]ir.Address, assertion Assertion) error {
	info, present := record.Facets[assertion.Facet]
	fail := func(key string, expected, actual any) error {
		return &AssertionError{
			Type:     AssertFacetState,
			Expected: fmt.Sprintf("%s %s = %v", assertion.Facet, key, expected),
			Actual:   fmt.Sprintf("%s %s = %v", assertion.Facet, key, actual),
		}
	}

	for _, key := range sortedKeys(assertion.Expect) {
		want := assertion.Expect[key]
		switch key {
		case "present":
			if want != present {
				return fail(key, want, present)
			}
		case "version":
			var got any = "none"
			if info.Version != nil {
				got = int(*info.Version)
			}
			if want != got {
				return fail(key, want, got)
			}
		case "selectors":
			sigs, err := stringList(want)
			if err != nil {
				return fmt.Errorf("facet_state %s: selectors: %w", assertion.Facet, err)
			}
			wantSels := make([]string, len(sigs))
			for i, sig := range sigs {
				wantSels[i] = selector.FromSignature(sig).String()
			}
			gotSels := make([]string, len(info.Selectors))
			for i, sel := range info.Selectors {
				gotSels[i] = sel.String()
			}
			sort.Strings(wantSels)
			sort.Strings(gotSels)
			if diff := cmp.Diff(wantSels, gotSels); diff != "" {
				return fail(key, sigs, fmt.Sprintf("selectors differ (-want +got):\n%s", diff))
			}
		case "routed":
			routed := present && len(info.Selectors) > 0
			for _, sel := range info.Selectors {
				if routes[sel] != info.Address {
					routed = false
				}
			}
			if want != routed {
				return fail(key, want, routed)
			}
		default:
			return fmt.Errorf("facet_state %s: unknown field %q", assertion.Facet, key)
		}
	}
	return nil
}

// assertRecordState checks diamond-level fields of the final record:
// deployed (bool), protocol_version (int), facets (count, including the
// cut facet) and selectors (count).
func assertRecordState(record *ir.DeploymentRecord, assertion Assertion) error {
	for _, key := range sortedKeys(assertion.Expect) {
		want := assertion.Expect[key]
		var got any
		switch key {
		case "deployed":
			got = !record.DiamondAddress.IsZero()
		case "protocol_version":
			got = "none"
			if record.ProtocolVersion != nil {
				got = int(*record.ProtocolVersion)
			}
		case "facets":
			got = len(record.Facets)
		case "selectors":
			got = record.SelectorCount()
		default:
			return fmt.Errorf("record_state: unknown field %q", key)
		}
		if want != got {
			return &AssertionError{
				Type:     AssertRecordState,
				Expected: fmt.Sprintf("%s = %v", key, want),
				Actual:   fmt.Sprintf("%s = %v", key, got),
			}
		}
	}
	return nil
}

func stringList(v any) ([]string, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list, got %T", v)
	}
	out := make([]string, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("item %d: expected a string, got %T", i, item)
		}
		out[i] = s
	}
	return out, nil
}

// AssertionContext provides the state assertions are evaluated against.
type AssertionContext struct {
	Ctx   context.Context
	Store *store.Store
	Chain *chain.Simulated
	Key   ir.DeploymentKey
}

func (a *AssertionContext) record() (*ir.DeploymentRecord, error) {
	if a == nil || a.Store == nil {
		return nil, fmt.Errorf("record assertions require a store")
	}
	return a.Store.Load(a.Ctx, a.Key)
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires database context", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Store, assertion)
			}
		case AssertFacetState, AssertRecordState:
			var record *ir.DeploymentRecord
			record, err = actx.record()
			if err != nil {
				err = fmt.Errorf("assertion[%d]: %w", i, err)
				break
			}
			if assertion.Type == AssertRecordState {
				err = assertRecordState(record, assertion)
				break
			}
			var routes map[ir.Selector]ir.Address
			if actx.Chain != nil {
				routes = actx.Chain.Routes(record.DiamondAddress)
			}
			err = assertFacetState(record, routes, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
