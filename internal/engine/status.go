package engine

import (
	"github.com/roach88/diamondcut/internal/ir"
)

// DeploymentStatus summarizes where a deployment key stands.
type DeploymentStatus string

const (
	DeploymentNotStarted       DeploymentStatus = "NOT_STARTED"
	DeploymentInProgress       DeploymentStatus = "IN_PROGRESS"
	DeploymentCompleted        DeploymentStatus = "COMPLETED"
	DeploymentFailed           DeploymentStatus = "FAILED"
	DeploymentUpgradeAvailable DeploymentStatus = "UPGRADE_AVAILABLE"
)

// FacetStatus compares one facet's recorded and configured versions.
type FacetStatus struct {
	Name      string      `json:"name"`
	Deployed  *ir.Version `json:"deployed,omitempty"`
	Target    *ir.Version `json:"target,omitempty"`
	Address   ir.Address  `json:"address,omitzero"`
	Selectors int         `json:"selectors"`
	Pending   bool        `json:"pending,omitempty"`
}

// StatusOf derives the status of a record against a configuration:
// NOT_STARTED without a diamond, UPGRADE_AVAILABLE when any facet would
// change, COMPLETED otherwise. The facet list covers configured and
// recorded facets, ordered by priority and then name, with facets that
// are only recorded last.
func StatusOf(record *ir.DeploymentRecord, cfg *ir.DiamondConfig) (DeploymentStatus, []FacetStatus) {
	if record == nil {
		record = ir.NewDeploymentRecord()
	}
	var facets []FacetStatus
	pending := false

	seen := make(map[string]bool)
	if cfg != nil {
		for _, f := range cfg.SortedFacets() {
			seen[f.Name] = true
			fs := FacetStatus{Name: f.Name}
			if target, ok := f.LatestVersion(); ok {
				fs.Target = target.Ptr()
			}
			info, recorded := record.Facets[f.Name]
			if v, ok := record.PreviousVersion(f.Name); ok {
				fs.Deployed = v.Ptr()
			}
			if recorded {
				fs.Address = info.Address
				fs.Selectors = len(info.Selectors)
			}
			fs.Pending = fs.Deployed == nil || fs.Target == nil || *fs.Deployed != *fs.Target || info.Address.IsZero()
			pending = pending || fs.Pending
			facets = append(facets, fs)
		}
	}
	for _, name := range record.FacetNames() {
		if seen[name] {
			continue
		}
		info := record.Facets[name]
		fs := FacetStatus{Name: name, Address: info.Address, Selectors: len(info.Selectors)}
		if info.Version != nil {
			fs.Deployed = info.Version.Ptr()
		}
		if cfg != nil && name != DiamondCutFacetName {
			fs.Pending = true
			pending = true
		}
		facets = append(facets, fs)
	}

	switch {
	case record.DiamondAddress.IsZero():
		return DeploymentNotStarted, facets
	case pending:
		return DeploymentUpgradeAvailable, facets
	default:
		return DeploymentCompleted, facets
	}
}
