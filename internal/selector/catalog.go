package selector

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/roach88/diamondcut/internal/ir"
)

// Entry is one function of a facet interface.
type Entry struct {
	Name      string
	Signature string
	Selector  ir.Selector
}

// Catalog is the ordered function table of one facet.
type Catalog struct {
	facet   string
	entries []Entry
	bySig   map[string]int
	bySel   map[ir.Selector]int
	byName  map[string][]int
}

// New builds a catalog from the functions of an ABI. Events, errors,
// constructors and fallback entries are ignored.
//
// Two functions hashing to the same selector are reported as a
// SelectorCollision, since the facet could never be attached as a whole.
func New(facet string, contract abi.ABI) (*Catalog, error) {
	entries := make([]Entry, 0, len(contract.Methods))
	for _, m := range contract.Methods {
		entries = append(entries, Entry{
			Name:      m.RawName,
			Signature: m.Sig,
			Selector:  ir.SelectorFromBytes(m.ID),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Signature < entries[j].Signature
	})

	c := &Catalog{
		facet:   facet,
		entries: entries,
		bySig:   make(map[string]int, len(entries)),
		bySel:   make(map[ir.Selector]int, len(entries)),
		byName:  make(map[string][]int),
	}
	for i, e := range entries {
		if prev, ok := c.bySel[e.Selector]; ok {
			return nil, ir.SelectorCollision(e.Selector, facet+"."+entries[prev].Signature, facet+"."+e.Signature)
		}
		c.bySig[e.Signature] = i
		c.bySel[e.Selector] = i
		c.byName[e.Name] = append(c.byName[e.Name], i)
	}
	return c, nil
}

// Facet returns the facet name the catalog was built for.
func (c *Catalog) Facet() string {
	return c.facet
}

// Entries returns all functions ordered by signature.
func (c *Catalog) Entries() []Entry {
	return append([]Entry(nil), c.entries...)
}

// Len returns the number of functions.
func (c *Catalog) Len() int {
	return len(c.entries)
}

// Signature returns the canonical signature for a selector.
func (c *Catalog) Signature(sel ir.Selector) (string, bool) {
	i, ok := c.bySel[sel]
	if !ok {
		return "", false
	}
	return c.entries[i].Signature, true
}

// Selectors returns the selectors the facet exposes, ordered by signature.
//
// An empty include list selects every function. Otherwise only functions
// named by include are returned; an entry that matches nothing is an
// UnknownSelectorName error.
func (c *Catalog) Selectors(include []string) ([]ir.Selector, error) {
	if len(include) == 0 {
		out := make([]ir.Selector, len(c.entries))
		for i, e := range c.entries {
			out[i] = e.Selector
		}
		return out, nil
	}

	picked := make(map[int]bool)
	for _, raw := range include {
		idx, err := c.match(raw)
		if err != nil {
			return nil, err
		}
		for _, i := range idx {
			picked[i] = true
		}
	}

	out := make([]ir.Selector, 0, len(picked))
	for i, e := range c.entries {
		if picked[i] {
			out = append(out, e.Selector)
		}
	}
	return out, nil
}

func (c *Catalog) match(raw string) ([]int, error) {
	entry := NormalizeSignature(raw)
	if entry == "" {
		return nil, ir.UnknownSelectorName(c.facet, raw)
	}
	if strings.HasPrefix(entry, "0x") {
		sel, err := ir.ParseSelector(strings.ToLower(entry))
		if err != nil {
			return nil, ir.UnknownSelectorName(c.facet, raw)
		}
		if i, ok := c.bySel[sel]; ok {
			return []int{i}, nil
		}
		return nil, ir.UnknownSelectorName(c.facet, raw)
	}
	if strings.Contains(entry, "(") {
		if i, ok := c.bySig[entry]; ok {
			return []int{i}, nil
		}
		return nil, ir.UnknownSelectorName(c.facet, raw)
	}
	if idx, ok := c.byName[entry]; ok {
		return idx, nil
	}
	return nil, ir.UnknownSelectorName(c.facet, raw)
}

// Resolve maps an initializer reference to its selector and signature.
//
// A full signature is hashed directly, so initializers do not have to be
// part of the exposed interface. A bare name must match exactly one
// function in the catalog.
func (c *Catalog) Resolve(fn string) (ir.Selector, string, error) {
	entry := NormalizeSignature(fn)
	switch {
	case entry == "":
		return ir.Selector{}, "", ir.ConfigurationError(c.facet, "empty initializer name")
	case strings.Contains(entry, "("):
		return FromSignature(entry), entry, nil
	}

	idx := c.byName[entry]
	switch len(idx) {
	case 0:
		return ir.Selector{}, "", ir.ConfigurationError(c.facet, "initializer %q not found in facet interface", fn)
	case 1:
		e := c.entries[idx[0]]
		return e.Selector, e.Signature, nil
	default:
		sigs := make([]string, len(idx))
		for i, j := range idx {
			sigs[i] = c.entries[j].Signature
		}
		return ir.Selector{}, "", ir.ConfigurationError(c.facet,
			"initializer %q is ambiguous: %s", fn, strings.Join(sigs, ", "))
	}
}

// FromSignature returns the first four bytes of keccak256(sig).
func FromSignature(sig string) ir.Selector {
	return ir.SelectorFromBytes(crypto.Keccak256([]byte(NormalizeSignature(sig))))
}

// NormalizeSignature strips a leading "function " keyword and whitespace.
func NormalizeSignature(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "function ")
	return strings.Join(strings.Fields(s), "")
}

// Describe renders a selector with its signature when known, for logs.
func (c *Catalog) Describe(sel ir.Selector) string {
	if sig, ok := c.Signature(sel); ok {
		return fmt.Sprintf("%s %s", sel, sig)
	}
	return sel.String()
}
