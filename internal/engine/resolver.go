package engine

import (
	"github.com/roach88/diamondcut/internal/ir"
)

// DecisionKind classifies how a facet changes in a pass.
type DecisionKind string

const (
	FirstDeploy DecisionKind = "first_deploy"
	NoChange    DecisionKind = "no_change"
	Upgrade     DecisionKind = "upgrade"
)

// VersionDecision is the resolved version transition of one facet.
type VersionDecision struct {
	Facet    string       `json:"facet"`
	Kind     DecisionKind `json:"kind"`
	Target   ir.Version   `json:"target"`
	Previous *ir.Version  `json:"previous,omitempty"`

	// Initializer is the initializer function to call, empty for none.
	Initializer string `json:"initializer,omitempty"`

	// InitializerSkipped is set when an upgrade came from a version not
	// listed in fromVersions, so no initializer is eligible.
	InitializerSkipped bool `json:"initializerSkipped,omitempty"`

	// Callback is the registered callback name, run when RunCallback is set.
	Callback    string `json:"callback,omitempty"`
	RunCallback bool   `json:"runCallback,omitempty"`
}

// Changed reports whether the facet's effective version changes.
func (d VersionDecision) Changed() bool {
	return d.Kind != NoChange
}

// ResolveVersion decides the transition of facet from previous to its
// highest configured version. previous is nil when the facet was never
// deployed.
//
// A previous version above the target is treated as an upgrade to the
// target, with the same fromVersions rule.
func ResolveVersion(facet ir.FacetDescriptor, previous *ir.Version) (VersionDecision, error) {
	target, ok := facet.LatestVersion()
	if !ok {
		return VersionDecision{}, ir.ConfigurationError(facet.Name, "facet declares no versions")
	}
	spec := facet.Versions[target]

	d := VersionDecision{
		Facet:    facet.Name,
		Target:   target,
		Callback: spec.Callback,
	}
	if previous != nil {
		d.Previous = previous.Ptr()
	}

	switch {
	case previous == nil:
		d.Kind = FirstDeploy
		d.Initializer = spec.DeployInit
	case *previous == target:
		d.Kind = NoChange
	case spec.AcceptsUpgradeFrom(*previous):
		d.Kind = Upgrade
		d.Initializer = spec.UpgradeInit
	default:
		d.Kind = Upgrade
		d.InitializerSkipped = true
	}

	d.RunCallback = d.Kind != NoChange && d.Callback != ""
	return d, nil
}
