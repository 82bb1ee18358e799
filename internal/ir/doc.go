// Package ir holds the data model shared by every diamondcut package.
//
// This package contains type definitions only. All other internal packages
// import ir; ir imports nothing internal. This keeps the model the
// foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Versions are integers (Version is int64). Floating point versions from
//     older configuration files are accepted only when they are integral.
//   - Selectors are serialized as lowercase 0x-prefixed 8-hex-digit strings
//     and parsed strictly, so a persisted record round-trips byte for byte.
//   - DeploymentRecord JSON field names match the files written by the
//     original hardhat tooling (DiamondAddress, DeployedFacets, funcSelectors).
//   - Plans are identified by a domain-separated SHA-256 over RFC 8785
//     canonical JSON (see canonical.go and hash.go).
package ir
