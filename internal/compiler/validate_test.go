package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/diamondcut/internal/ir"
)

func codes(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}

func TestValidateValidConfig(t *testing.T) {
	cfg := &ir.DiamondConfig{
		Name: "D",
		Facets: map[string]ir.FacetDescriptor{
			"Foo": {
				Name:      "Foo",
				Libraries: []string{"LibA"},
				Versions: map[ir.Version]ir.VersionSpec{
					0: {DeployInit: "init()"},
					1: {UpgradeInit: "initV2()", FromVersions: []ir.Version{0}, Callback: "cb"},
				},
			},
		},
	}
	errs := Validate(cfg, func(name string) bool { return name == "cb" })
	assert.Empty(t, errs)
}

func TestValidateNoFacets(t *testing.T) {
	errs := Validate(&ir.DiamondConfig{Name: "D"}, nil)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrNoFacets, errs[0].Code)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := &ir.DiamondConfig{
		Name: "D",
		Facets: map[string]ir.FacetDescriptor{
			"Bad-Name": {Name: "Bad-Name", Priority: 1, Versions: map[ir.Version]ir.VersionSpec{0: {}}},
			"Foo": {
				Name:      "Foo",
				Priority:  2,
				Libraries: []string{"LibA", "LibA", ""},
				Versions: map[ir.Version]ir.VersionSpec{
					1: {
						UpgradeInit:   "initV2()",
						DeployInclude: []string{"a()", "a()"},
						Callback:      "missing",
					},
					2: {FromVersions: []ir.Version{1, 3}},
				},
			},
			"Empty": {Name: "Empty", Priority: 3},
		},
	}

	errs := Validate(cfg, func(string) bool { return false })
	assert.Equal(t, []string{
		ErrInvalidFacetName,
		ErrDuplicateEntry,
		ErrEmptyEntry,
		ErrUpgradeInitUnusable,
		ErrDuplicateEntry,
		ErrUnknownCallback,
		ErrFutureFromVersion,
		ErrNoVersions,
	}, codes(errs))
	assert.Equal(t, "facets.Foo.versions.2.fromVersions", errs[6].Field)
}

func TestValidationErrorFormat(t *testing.T) {
	e := ValidationError{Field: "facets.Foo", Message: "bad", Code: "E203"}
	assert.Equal(t, "[E203] facets.Foo: bad", e.Error())
	e.Line = 4
	assert.Equal(t, "[E203] line 4: facets.Foo: bad", e.Error())
}

func TestLibraries(t *testing.T) {
	cfg := &ir.DiamondConfig{Facets: map[string]ir.FacetDescriptor{
		"A": {Libraries: []string{"LibB", "LibA"}},
		"B": {Libraries: []string{"LibA"}},
	}}
	assert.Equal(t, []string{"LibA", "LibB"}, Libraries(cfg))
}
