package store

import (
	"context"
	"sync"

	"github.com/roach88/diamondcut/internal/ir"
)

// Memory is an in-process RecordStore and history, used by simulations
// and tests. Records are cloned on the way in and out.
type Memory struct {
	mu      sync.Mutex
	records map[ir.DeploymentKey]*ir.DeploymentRecord
	runs    []CutRun
	saves   int
}

var (
	_ RecordStore   = (*Memory)(nil)
	_ HistoryWriter = (*Memory)(nil)
	_ HistoryReader = (*Memory)(nil)
)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[ir.DeploymentKey]*ir.DeploymentRecord)}
}

// Load returns a copy of the record for key, or an empty record.
func (m *Memory) Load(ctx context.Context, key ir.DeploymentKey) (*ir.DeploymentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[key]; ok {
		return r.Clone(), nil
	}
	return ir.NewDeploymentRecord(), nil
}

// Save stores a copy of record under key.
func (m *Memory) Save(ctx context.Context, key ir.DeploymentKey, record *ir.DeploymentRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if record == nil {
		record = ir.NewDeploymentRecord()
	}
	m.records[key] = record.Clone()
	m.saves++
	return nil
}

// Saves returns how many times Save succeeded.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// AppendRun appends run, ignoring duplicate IDs.
func (m *Memory) AppendRun(ctx context.Context, run CutRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.runs {
		if existing.ID == run.ID {
			return nil
		}
	}
	run.Seq = int64(len(m.runs) + 1)
	m.runs = append(m.runs, run)
	return nil
}

// Runs returns the history for key, oldest first.
func (m *Memory) Runs(ctx context.Context, key ir.DeploymentKey, limit int) ([]CutRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []CutRun{}
	for _, run := range m.runs {
		if run.Key == key {
			out = append(out, run)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
