package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// OutboxDocument is the file written for each proposal.
type OutboxDocument struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	ChainID   uint64    `json:"chainId"`
	Proposal  Proposal  `json:"proposal"`
}

// Outbox is a Relay that writes each proposal as a JSON document into a
// directory, where a multi-signature service or operator picks it up.
type Outbox struct {
	dir     string
	chainID uint64
	now     func() time.Time
	newID   func() string
}

var _ Relay = (*Outbox)(nil)

// NewOutbox creates an outbox writing to dir.
func NewOutbox(dir string, chainID uint64) *Outbox {
	return &Outbox{
		dir:     dir,
		chainID: chainID,
		now:     time.Now,
		newID:   func() string { return uuid.Must(uuid.NewV7()).String() },
	}
}

// CreateProposal implements Relay.
func (o *Outbox) CreateProposal(ctx context.Context, p Proposal) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.Policy.Threshold < 1 {
		return "", fmt.Errorf("outbox: approval threshold must be at least 1")
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return "", fmt.Errorf("outbox: %w", err)
	}

	doc := OutboxDocument{
		ID:        o.newID(),
		CreatedAt: o.now().UTC(),
		ChainID:   o.chainID,
		Proposal:  p,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("outbox: %w", err)
	}

	path := filepath.Join(o.dir, doc.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("outbox: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("outbox: %w", err)
	}
	return doc.ID, nil
}

// ReadProposal loads a proposal written by CreateProposal.
func (o *Outbox) ReadProposal(id string) (*OutboxDocument, error) {
	data, err := os.ReadFile(filepath.Join(o.dir, id+".json"))
	if err != nil {
		return nil, err
	}
	var doc OutboxDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("outbox: %w", err)
	}
	return &doc, nil
}
