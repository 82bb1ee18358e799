package ir

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// CutAction is the diamond cut action. The numeric values match the
// on-chain FacetCutAction enum.
type CutAction uint8

const (
	Add     CutAction = 0
	Replace CutAction = 1
	Remove  CutAction = 2
)

// String implements fmt.Stringer.
func (a CutAction) String() string {
	switch a {
	case Add:
		return "Add"
	case Replace:
		return "Replace"
	case Remove:
		return "Remove"
	default:
		return fmt.Sprintf("CutAction(%d)", uint8(a))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a CutAction) MarshalText() ([]byte, error) {
	if a > Remove {
		return nil, fmt.Errorf("invalid cut action %d", uint8(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *CutAction) UnmarshalText(text []byte) error {
	switch string(text) {
	case "Add":
		*a = Add
	case "Replace":
		*a = Replace
	case "Remove":
		*a = Remove
	default:
		return fmt.Errorf("invalid cut action %q", text)
	}
	return nil
}

// CutOperation is one atomic edit to the routing table.
type CutOperation struct {
	Action       CutAction  `json:"action"`
	FacetAddress Address    `json:"facetAddress"`
	Selectors    []Selector `json:"functionSelectors"`

	// FacetName is the originating facet. Batched removals of deleted
	// facets join the names with ",". Not part of the on-chain encoding.
	FacetName string `json:"name"`

	// Initializer is set on the operation whose facet initializer is
	// bundled with the cut transaction.
	Initializer *Selector `json:"initializer,omitempty"`
}

// PlannedInitializer is a resolved initializer for one changed facet.
type PlannedInitializer struct {
	Facet    string   `json:"facet"`
	Function string   `json:"function"`
	Selector Selector `json:"selector"`

	// Bundled is true when the call is carried by the cut transaction
	// itself rather than run as a follow-up call.
	Bundled bool `json:"bundled,omitempty"`
}

// FacetTarget is the desired post-cut state of one reconciled facet.
type FacetTarget struct {
	Name      string      `json:"name"`
	Address   Address     `json:"address"`
	TxHash    common.Hash `json:"tx_hash,omitzero"`
	Version   Version     `json:"version"`
	Selectors []Selector  `json:"selectors,omitzero"`
	Changed   bool        `json:"changed,omitempty"`
}

// CutPlan is the ordered result of one reconciliation pass.
type CutPlan struct {
	Key        DeploymentKey  `json:"key"`
	Diamond    Address        `json:"diamond,omitzero"`
	Operations []CutOperation `json:"operations"`

	// InitAddress and InitCalldata are passed to diamondCut. InitAddress is
	// zero when no initializer is bundled.
	InitAddress  Address       `json:"initAddress,omitzero"`
	InitCalldata hexutil.Bytes `json:"initCalldata,omitempty"`
	InitFacet    string        `json:"initFacet,omitempty"`

	Initializers []PlannedInitializer `json:"initializers,omitempty"`
	Targets      []FacetTarget        `json:"targets,omitempty"`

	// Removed lists facets deleted from the configuration, sorted by name.
	Removed []string `json:"removed,omitempty"`
}

// IsEmpty reports whether the plan requires no routing-table change.
func (p *CutPlan) IsEmpty() bool {
	return p == nil || len(p.Operations) == 0
}

// SelectorCount returns the number of selectors across all operations.
func (p *CutPlan) SelectorCount() int {
	if p == nil {
		return 0
	}
	n := 0
	for _, op := range p.Operations {
		n += len(op.Selectors)
	}
	return n
}

// Target returns the target entry for a facet.
func (p *CutPlan) Target(name string) (FacetTarget, bool) {
	for _, t := range p.Targets {
		if t.Name == name {
			return t, true
		}
	}
	return FacetTarget{}, false
}

// BundledInitializer returns the initializer carried by the cut, if any.
func (p *CutPlan) BundledInitializer() (PlannedInitializer, bool) {
	for _, init := range p.Initializers {
		if init.Bundled {
			return init, true
		}
	}
	return PlannedInitializer{}, false
}

// ID returns the content-addressed identity of the plan: a domain-separated
// SHA-256 over its canonical JSON. Identical plans always share an ID.
func (p *CutPlan) ID() (string, error) {
	if p == nil {
		p = &CutPlan{}
	}
	normalized := *p
	if normalized.Operations == nil {
		normalized.Operations = []CutOperation{}
	}
	canonical, err := CanonicalOf(&normalized)
	if err != nil {
		return "", fmt.Errorf("plan id: %w", err)
	}
	return hashWithDomain(DomainPlan, canonical), nil
}
