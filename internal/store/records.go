package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/roach88/diamondcut/internal/ir"
)

// RecordStore loads and saves deployment records by key.
type RecordStore interface {
	// Load returns the record for key, or an empty record if none exists.
	Load(ctx context.Context, key ir.DeploymentKey) (*ir.DeploymentRecord, error)

	// Save replaces the record for key.
	Save(ctx context.Context, key ir.DeploymentKey, record *ir.DeploymentRecord) error
}

// RunStatus is the outcome of one cut attempt.
type RunStatus string

const (
	RunConfirmed       RunStatus = "confirmed"
	RunReverted        RunStatus = "reverted"
	RunFailed          RunStatus = "failed"
	RunPendingApproval RunStatus = "pending_approval"
)

// CutRun is one entry of the append-only cut history.
type CutRun struct {
	ID         string           `json:"id"`
	Key        ir.DeploymentKey `json:"key"`
	PlanID     string           `json:"plan_id"`
	Mode       string           `json:"mode"`
	Status     RunStatus        `json:"status"`
	Attempt    int              `json:"attempt"`
	TxHash     common.Hash      `json:"tx_hash,omitzero"`
	ProposalID string           `json:"proposal_id,omitempty"`
	Operations int              `json:"operations"`
	Selectors  int              `json:"selectors"`
	Error      string           `json:"error,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`

	// Seq is assigned by the store on append.
	Seq int64 `json:"seq"`
}

// HistoryWriter appends cut attempts.
type HistoryWriter interface {
	AppendRun(ctx context.Context, run CutRun) error
}

// HistoryReader lists cut attempts for a key, oldest first.
type HistoryReader interface {
	Runs(ctx context.Context, key ir.DeploymentKey, limit int) ([]CutRun, error)
}

// Load returns the stored record for key.
// Returns an empty record (not an error) if the key was never saved.
func (s *Store) Load(ctx context.Context, key ir.DeploymentKey) (*ir.DeploymentRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT record FROM records
		WHERE diamond = ? AND network = ? AND chain_id = ?
	`, key.Diamond, key.Network, key.ChainID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.NewDeploymentRecord(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("query record %s: %w", key, err)
	}
	return decodeRecord([]byte(data))
}

// Save writes the record for key, replacing any previous version.
// Saving an unchanged record leaves the revision counter untouched.
func (s *Store) Save(ctx context.Context, key ir.DeploymentKey, record *ir.DeploymentRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	hash, err := ir.RecordHash(record)
	if err != nil {
		return fmt.Errorf("hash record: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (diamond, network, chain_id, record, record_hash)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(diamond, network, chain_id) DO UPDATE SET
			record = excluded.record,
			record_hash = excluded.record_hash,
			revision = records.revision + 1
		WHERE records.record_hash != excluded.record_hash
	`, key.Diamond, key.Network, key.ChainID, string(data), hash)
	if err != nil {
		return fmt.Errorf("save record %s: %w", key, err)
	}
	return nil
}

// Revision returns how many distinct records were saved for key.
// Zero means the key was never saved.
func (s *Store) Revision(ctx context.Context, key ir.DeploymentKey) (int64, error) {
	var rev int64
	err := s.db.QueryRowContext(ctx, `
		SELECT revision FROM records
		WHERE diamond = ? AND network = ? AND chain_id = ?
	`, key.Diamond, key.Network, key.ChainID).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query revision %s: %w", key, err)
	}
	return rev, nil
}

// Keys returns every stored deployment key ordered by diamond, network
// and chain id.
func (s *Store) Keys(ctx context.Context) ([]ir.DeploymentKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT diamond, network, chain_id FROM records
		ORDER BY diamond COLLATE BINARY, network COLLATE BINARY, chain_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	keys := []ir.DeploymentKey{}
	for rows.Next() {
		var k ir.DeploymentKey
		if err := rows.Scan(&k.Diamond, &k.Network, &k.ChainID); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

// AppendRun records one cut attempt.
// Idempotent: appending a run with an existing ID is a no-op.
func (s *Store) AppendRun(ctx context.Context, run CutRun) error {
	if run.ID == "" {
		return fmt.Errorf("append run: empty id")
	}
	txHash := ""
	if run.TxHash != (common.Hash{}) {
		txHash = run.TxHash.Hex()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cut_runs (id, diamond, network, chain_id, plan_id, mode, status, attempt,
			tx_hash, proposal_id, operations, selectors, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, run.ID, run.Key.Diamond, run.Key.Network, run.Key.ChainID, run.PlanID, run.Mode,
		string(run.Status), run.Attempt, txHash, run.ProposalID, run.Operations, run.Selectors,
		run.Error, run.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append run %s: %w", run.ID, err)
	}
	return nil
}

// Runs returns the cut history for key ordered by seq ascending.
// A positive limit keeps only the most recent runs.
// Returns an empty slice (not nil) when there is no history.
func (s *Store) Runs(ctx context.Context, key ir.DeploymentKey, limit int) ([]CutRun, error) {
	query := `
		SELECT seq, id, diamond, network, chain_id, plan_id, mode, status, attempt,
			tx_hash, proposal_id, operations, selectors, error, created_at
		FROM cut_runs
		WHERE diamond = ? AND network = ? AND chain_id = ?
		ORDER BY seq ASC
	`
	args := []any{key.Diamond, key.Network, key.ChainID}
	if limit > 0 {
		query = `SELECT * FROM (` + query + `) ORDER BY seq DESC LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []CutRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	if limit > 0 {
		for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
			runs[i], runs[j] = runs[j], runs[i]
		}
	}
	return runs, nil
}

func scanRun(rows *sql.Rows) (CutRun, error) {
	var (
		run       CutRun
		status    string
		txHash    string
		createdAt string
	)
	err := rows.Scan(&run.Seq, &run.ID, &run.Key.Diamond, &run.Key.Network, &run.Key.ChainID,
		&run.PlanID, &run.Mode, &status, &run.Attempt, &txHash, &run.ProposalID,
		&run.Operations, &run.Selectors, &run.Error, &createdAt)
	if err != nil {
		return CutRun{}, fmt.Errorf("scan run: %w", err)
	}
	run.Status = RunStatus(status)
	if txHash != "" {
		run.TxHash = common.HexToHash(txHash)
	}
	run.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return CutRun{}, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	return run, nil
}

// decodeRecord parses a stored record and fills in nil maps.
func decodeRecord(data []byte) (*ir.DeploymentRecord, error) {
	record := ir.NewDeploymentRecord()
	if err := json.Unmarshal(data, record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if record.Facets == nil {
		record.Facets = make(map[string]ir.DeployedFacetInfo)
	}
	if record.ExternalLibraries == nil {
		record.ExternalLibraries = make(map[string]ir.Address)
	}
	return record, nil
}
