// Package selector derives the function selectors a facet exposes.
//
// A Catalog is built from a go-ethereum ABI. Entries are ordered by their
// canonical signature so the selector arrays of every cut operation are
// reproducible across runs. Include-lists from facet configuration are
// resolved against the catalog; entries may be canonical signatures
// ("transfer(address,uint256)"), bare function names (matching every
// overload) or 0x-prefixed selectors.
package selector
