package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Version is a facet or protocol version number.
type Version int64

// String implements fmt.Stringer.
func (v Version) String() string {
	return strconv.FormatInt(int64(v), 10)
}

// Ptr returns a pointer to a copy of v.
func (v Version) Ptr() *Version {
	return &v
}

// UnmarshalJSON accepts integers and integral floating point numbers
// (records written by older tooling store versions like 1.0).
func (v *Version) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if n, err := strconv.ParseInt(string(data), 10, 64); err == nil {
		*v = Version(n)
		return nil
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid version %s", data)
	}
	parsed, err := VersionFromFloat(f)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// VersionFromFloat converts an integral float to a Version.
func VersionFromFloat(f float64) (Version, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("invalid version %v: versions must be integers", f)
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("invalid version %v: out of range", f)
	}
	return Version(f), nil
}

// ParseVersion parses a version key such as "2" or "2.0".
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Version(n), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q", s)
	}
	return VersionFromFloat(f)
}

// DeployedFacetInfo is the persisted state of one facet on one diamond.
type DeployedFacetInfo struct {
	Address   Address     `json:"address,omitzero"`
	TxHash    common.Hash `json:"tx_hash,omitzero"`
	Version   *Version    `json:"version,omitempty"`
	Selectors []Selector  `json:"funcSelectors,omitzero"`
}

// Clone returns a deep copy.
func (f DeployedFacetInfo) Clone() DeployedFacetInfo {
	out := f
	if f.Version != nil {
		out.Version = f.Version.Ptr()
	}
	if f.Selectors != nil {
		out.Selectors = append([]Selector(nil), f.Selectors...)
	}
	return out
}

// DeploymentRecord is the persisted state of one diamond on one network.
//
// The field names follow the JSON layout of deployment files so existing
// records can be read and written without migration.
type DeploymentRecord struct {
	DiamondAddress    Address                      `json:"DiamondAddress"`
	DeployerAddress   Address                      `json:"DeployerAddress"`
	Facets            map[string]DeployedFacetInfo `json:"DeployedFacets,omitzero"`
	ExternalLibraries map[string]Address           `json:"ExternalLibraries,omitzero"`
	ProtocolVersion   *Version                     `json:"protocolVersion,omitempty"`
}

// NewDeploymentRecord returns an empty record ready to be filled in.
func NewDeploymentRecord() *DeploymentRecord {
	return &DeploymentRecord{
		Facets:            make(map[string]DeployedFacetInfo),
		ExternalLibraries: make(map[string]Address),
	}
}

// Clone returns a deep copy. Cloning nil returns nil.
func (r *DeploymentRecord) Clone() *DeploymentRecord {
	if r == nil {
		return nil
	}
	out := &DeploymentRecord{
		DiamondAddress:    r.DiamondAddress,
		DeployerAddress:   r.DeployerAddress,
		Facets:            make(map[string]DeployedFacetInfo, len(r.Facets)),
		ExternalLibraries: make(map[string]Address, len(r.ExternalLibraries)),
	}
	for name, f := range r.Facets {
		out.Facets[name] = f.Clone()
	}
	for name, addr := range r.ExternalLibraries {
		out.ExternalLibraries[name] = addr
	}
	if r.ProtocolVersion != nil {
		out.ProtocolVersion = r.ProtocolVersion.Ptr()
	}
	return out
}

// FacetNames returns the recorded facet names in sorted order.
func (r *DeploymentRecord) FacetNames() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.Facets))
	for name := range r.Facets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PreviousVersion returns the recorded version of a facet.
//
// A facet that was deployed without a version entry counts as version 0.
// ok is false when the facet has never been deployed.
func (r *DeploymentRecord) PreviousVersion(name string) (v Version, ok bool) {
	if r == nil {
		return 0, false
	}
	info, found := r.Facets[name]
	if !found {
		return 0, false
	}
	if info.Version != nil {
		return *info.Version, true
	}
	if info.TxHash != (common.Hash{}) || !info.Address.IsZero() {
		return 0, true
	}
	return 0, false
}

// SelectorOwners maps every recorded selector to the facet that owns it.
// Two facets claiming the same selector is a SelectorCollision.
func (r *DeploymentRecord) SelectorOwners() (map[Selector]string, error) {
	owners := make(map[Selector]string)
	if r == nil {
		return owners, nil
	}
	for _, name := range r.FacetNames() {
		for _, sel := range r.Facets[name].Selectors {
			if other, taken := owners[sel]; taken && other != name {
				return nil, SelectorCollision(sel, other, name)
			}
			owners[sel] = name
		}
	}
	return owners, nil
}

// SelectorCount returns the total number of recorded selectors.
func (r *DeploymentRecord) SelectorCount() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, f := range r.Facets {
		n += len(f.Selectors)
	}
	return n
}

// DeploymentKey identifies one diamond on one network.
type DeploymentKey struct {
	Diamond string `json:"diamond" yaml:"diamond"`
	Network string `json:"network" yaml:"network"`
	ChainID uint64 `json:"chain_id" yaml:"chain_id"`
}

// String returns the lowercase "diamond-network-chainid" form used for
// record file names.
func (k DeploymentKey) String() string {
	return strings.ToLower(fmt.Sprintf("%s-%s-%d", k.Diamond, k.Network, k.ChainID))
}

// FacetDescriptor is the configured description of one facet.
type FacetDescriptor struct {
	Name      string
	Priority  int
	Libraries []string
	Versions  map[Version]VersionSpec
}

// LatestVersion returns the highest configured version.
// ok is false when no versions are configured.
func (d FacetDescriptor) LatestVersion() (v Version, ok bool) {
	for ver := range d.Versions {
		if !ok || ver > v {
			v, ok = ver, true
		}
	}
	return v, ok
}

// SortedVersions returns configured versions in ascending order.
func (d FacetDescriptor) SortedVersions() []Version {
	out := make([]Version, 0, len(d.Versions))
	for v := range d.Versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// VersionSpec is the per-version configuration of a facet.
//
// DeployInit and UpgradeInit name initializer functions by bare name or
// full signature. DeployInclude lists the selectors the facet exposes at
// this version (signatures, bare names or 0x selectors); empty means all.
type VersionSpec struct {
	DeployInit    string    `json:"deployInit,omitempty"`
	UpgradeInit   string    `json:"upgradeInit,omitempty"`
	FromVersions  []Version `json:"fromVersions,omitempty"`
	DeployInclude []string  `json:"deployInclude,omitempty"`
	Callback      string    `json:"callback,omitempty"`
}

// AcceptsUpgradeFrom reports whether prev is listed in FromVersions.
func (s VersionSpec) AcceptsUpgradeFrom(prev Version) bool {
	for _, v := range s.FromVersions {
		if v == prev {
			return true
		}
	}
	return false
}

// DiamondConfig is the compiled configuration of one diamond.
type DiamondConfig struct {
	Name            string
	ProtocolVersion Version
	Facets          map[string]FacetDescriptor
}

// SortedFacets returns facets ordered by (priority, name).
func (c DiamondConfig) SortedFacets() []FacetDescriptor {
	out := make([]FacetDescriptor, 0, len(c.Facets))
	for _, f := range c.Facets {
		out = append(out, f)
	}
	SortFacets(out)
	return out
}

// SortFacets orders facets by ascending priority, ties broken by name.
func SortFacets(facets []FacetDescriptor) {
	sort.SliceStable(facets, func(i, j int) bool {
		if facets[i].Priority != facets[j].Priority {
			return facets[i].Priority < facets[j].Priority
		}
		return facets[i].Name < facets[j].Name
	})
}

// MarshalRecord renders a record as indented JSON with sorted facet keys.
func MarshalRecord(r *DeploymentRecord) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
