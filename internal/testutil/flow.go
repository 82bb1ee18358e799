package testutil

import (
	"fmt"
	"sync"
)

// SequentialRunIDs generates "<prefix>-0001", "<prefix>-0002", ...
//
// It never runs out, so scenarios need not declare their pass count.
//
// Thread-safety: safe for concurrent use via internal mutex.
type SequentialRunIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialRunIDs creates a generator. An empty prefix means "run".
func NewSequentialRunIDs(prefix string) *SequentialRunIDs {
	if prefix == "" {
		prefix = "run"
	}
	return &SequentialRunIDs{prefix: prefix}
}

// Generate implements engine.RunIDGenerator.
func (g *SequentialRunIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
