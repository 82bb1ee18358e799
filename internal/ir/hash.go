package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix allows the algorithm to change without collisions.
const (
	DomainPlan   = "diamondcut/plan/v1"
	DomainRecord = "diamondcut/record/v1"
	DomainConfig = "diamondcut/config/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// RecordHash returns a content hash of a deployment record, used to detect
// whether a stored record changed between two reads.
func RecordHash(r *DeploymentRecord) (string, error) {
	if r == nil {
		r = NewDeploymentRecord()
	}
	canonical, err := CanonicalOf(r)
	if err != nil {
		return "", err
	}
	return hashWithDomain(DomainRecord, canonical), nil
}

type facetIdentity struct {
	Name      string                  `json:"name"`
	Priority  int                     `json:"priority"`
	Libraries []string                `json:"libraries,omitempty"`
	Versions  map[Version]VersionSpec `json:"versions,omitempty"`
}

type configIdentity struct {
	Name            string          `json:"name"`
	ProtocolVersion Version         `json:"protocolVersion"`
	Facets          []facetIdentity `json:"facets"`
}

// ConfigHash returns a content hash of a diamond configuration. Two
// configurations hash equal exactly when a pass would plan the same way
// from them. A nil config hashes like an empty one.
func ConfigHash(c *DiamondConfig) (string, error) {
	id := configIdentity{Facets: []facetIdentity{}}
	if c != nil {
		id.Name = c.Name
		id.ProtocolVersion = c.ProtocolVersion
		for _, f := range c.SortedFacets() {
			id.Facets = append(id.Facets, facetIdentity{
				Name:      f.Name,
				Priority:  f.Priority,
				Libraries: f.Libraries,
				Versions:  f.Versions,
			})
		}
	}
	canonical, err := CanonicalOf(id)
	if err != nil {
		return "", fmt.Errorf("config hash: %w", err)
	}
	return hashWithDomain(DomainConfig, canonical), nil
}
