package engine

import (
	"sync"

	"github.com/roach88/diamondcut/internal/chain"
	"github.com/roach88/diamondcut/internal/ir"
	"github.com/roach88/diamondcut/internal/selector"
)

// CatalogSource provides the selector catalog of a facet by name.
type CatalogSource interface {
	Catalog(facet string) (*selector.Catalog, error)
}

// StaticCatalogs is a fixed CatalogSource.
type StaticCatalogs map[string]*selector.Catalog

// Catalog implements CatalogSource.
func (s StaticCatalogs) Catalog(facet string) (*selector.Catalog, error) {
	c, ok := s[facet]
	if !ok {
		return nil, ir.ConfigurationError(facet, "no interface available for facet")
	}
	return c, nil
}

// ArtifactCatalogs builds catalogs from compiled artifacts and caches them.
//
// Thread-safety: safe for concurrent use.
type ArtifactCatalogs struct {
	artifacts chain.ArtifactSource

	mu    sync.Mutex
	cache map[string]*selector.Catalog
}

// NewArtifactCatalogs wraps an artifact source.
func NewArtifactCatalogs(artifacts chain.ArtifactSource) *ArtifactCatalogs {
	return &ArtifactCatalogs{
		artifacts: artifacts,
		cache:     make(map[string]*selector.Catalog),
	}
}

// Catalog implements CatalogSource.
func (a *ArtifactCatalogs) Catalog(facet string) (*selector.Catalog, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c, ok := a.cache[facet]; ok {
		return c, nil
	}
	art, err := a.artifacts.Load(facet)
	if err != nil {
		return nil, &ir.Error{
			Kind:    ir.KindConfiguration,
			Message: "cannot load facet artifact",
			Facet:   facet,
			Err:     err,
		}
	}
	c, err := selector.New(facet, art.ABI)
	if err != nil {
		return nil, err
	}
	a.cache[facet] = c
	return c, nil
}
