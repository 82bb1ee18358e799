package ir

import (
	"encoding/hex"
	"fmt"
)

// Selector is the 4-byte routing key derived from a function's canonical
// signature (first four bytes of its keccak256 hash).
type Selector [4]byte

// String returns the lowercase 0x-prefixed hex form, e.g. "0xa9059cbb".
func (s Selector) String() string {
	return "0x" + hex.EncodeToString(s[:])
}

// MarshalText implements encoding.TextMarshaler.
func (s Selector) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
// Only the canonical lowercase form is accepted.
func (s *Selector) UnmarshalText(text []byte) error {
	parsed, err := ParseSelector(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSelector parses a selector in canonical form: "0x" followed by
// exactly eight lowercase hex digits.
func ParseSelector(s string) (Selector, error) {
	var sel Selector
	if len(s) != 10 || s[0] != '0' || s[1] != 'x' {
		return sel, fmt.Errorf("invalid selector %q: want 0x followed by 8 hex digits", s)
	}
	for i := 2; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return sel, fmt.Errorf("invalid selector %q: only lowercase hex digits are allowed", s)
		}
	}
	if _, err := hex.Decode(sel[:], []byte(s[2:])); err != nil {
		return sel, fmt.Errorf("invalid selector %q: %w", s, err)
	}
	return sel, nil
}

// MustParseSelector is like ParseSelector but panics on error.
// Intended for tests and package-level tables.
func MustParseSelector(s string) Selector {
	sel, err := ParseSelector(s)
	if err != nil {
		panic(err)
	}
	return sel
}

// SelectorFromBytes copies the first four bytes of b into a Selector.
func SelectorFromBytes(b []byte) Selector {
	var sel Selector
	copy(sel[:], b)
	return sel
}

// SelectorSet is an unordered set of selectors.
type SelectorSet map[Selector]struct{}

// NewSelectorSet builds a set from the given selectors.
func NewSelectorSet(sels ...Selector) SelectorSet {
	set := make(SelectorSet, len(sels))
	for _, s := range sels {
		set[s] = struct{}{}
	}
	return set
}

// Has reports whether s is in the set.
func (set SelectorSet) Has(s Selector) bool {
	_, ok := set[s]
	return ok
}

// Add inserts s into the set.
func (set SelectorSet) Add(s Selector) {
	set[s] = struct{}{}
}
