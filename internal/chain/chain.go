package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/roach88/diamondcut/internal/ir"
)

// DeployRequest describes a contract creation.
type DeployRequest struct {
	// Name is the contract name, used for logs and simulated bookkeeping.
	Name string

	// ABI is used to pack constructor arguments.
	ABI abi.ABI

	// Bytecode is the creation code with libraries already linked.
	Bytecode []byte

	// Args are the constructor arguments.
	Args []any

	// Diamond marks the diamond proxy itself. Its constructor is
	// (owner address, diamondCutFacet address).
	Diamond bool

	GasLimit uint64
}

// Deployment is the result of a confirmed contract creation.
type Deployment struct {
	Address ir.Address
	TxHash  common.Hash
}

// Receipt is the confirmed outcome of a transaction.
type Receipt struct {
	TxHash      common.Hash
	Status      uint64
	BlockNumber uint64
	GasUsed     uint64

	// RevertReason is filled in by adapters that can decode it.
	RevertReason string
}

// Succeeded reports whether the transaction executed successfully.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == 1
}

// Client submits transactions from a configured signer.
//
// Sending and waiting are separate steps: once a transaction hash exists,
// callers retry WaitReceipt on that hash and never send again.
//
// Implementations return ir.TransientNetworkError for failures that may
// succeed when retried. A transaction that was mined but failed is
// reported through the receipt status, not as an error.
type Client interface {
	// Deploy creates a contract and waits for confirmation.
	Deploy(ctx context.Context, req DeployRequest) (Deployment, error)

	// SendCut sends diamondCut(ops, initAddress, initCalldata) to the
	// diamond and returns the transaction hash without waiting for it to
	// be mined.
	SendCut(ctx context.Context, diamond ir.Address, ops []ir.CutOperation, initAddress ir.Address, initCalldata []byte, gasLimit uint64) (common.Hash, error)

	// Send sends a transaction with raw calldata and returns its hash
	// without waiting for it to be mined.
	Send(ctx context.Context, to ir.Address, calldata []byte, gasLimit uint64) (common.Hash, error)

	// WaitReceipt blocks until tx is mined and returns its receipt.
	WaitReceipt(ctx context.Context, tx common.Hash) (*Receipt, error)

	// Signer returns the address transactions are sent from.
	Signer() ir.Address

	// ChainID returns the EIP-155 chain id.
	ChainID() uint64
}

// LoupeFacet is one entry of the diamond loupe facets() result.
type LoupeFacet struct {
	Address   ir.Address
	Selectors []ir.Selector
}

// Loupe reads the live routing table of a diamond.
type Loupe interface {
	Facets(ctx context.Context, diamond ir.Address) ([]LoupeFacet, error)
}

// ApprovalPolicy describes who must approve a relayed proposal.
type ApprovalPolicy struct {
	Safe      ir.Address   `json:"safe" yaml:"safe"`
	Threshold int          `json:"threshold" yaml:"threshold"`
	Approvers []ir.Address `json:"approvers,omitempty" yaml:"approvers"`
}

// Proposal is a cut packaged for an external multi-signature service.
type Proposal struct {
	PlanID       string            `json:"planId"`
	Key          ir.DeploymentKey  `json:"key"`
	Diamond      ir.Address        `json:"diamond"`
	Operations   []ir.CutOperation `json:"operations"`
	InitAddress  ir.Address        `json:"initAddress"`
	InitCalldata hexutil.Bytes     `json:"initCalldata"`

	// Calldata is the encoded diamondCut call the relay will execute.
	Calldata hexutil.Bytes  `json:"calldata"`
	Policy   ApprovalPolicy `json:"policy"`
}

// Relay hands a proposal to a multi-signature or relay service.
type Relay interface {
	CreateProposal(ctx context.Context, p Proposal) (string, error)
}

// ArtifactSource provides compiled contracts by name.
type ArtifactSource interface {
	Load(name string) (*Artifact, error)
}

// Submit sends a diamondCut and waits for its receipt. It does not retry.
func Submit(ctx context.Context, c Client, diamond ir.Address, ops []ir.CutOperation, initAddress ir.Address, initCalldata []byte, gasLimit uint64) (*Receipt, error) {
	tx, err := c.SendCut(ctx, diamond, ops, initAddress, initCalldata, gasLimit)
	if err != nil {
		return nil, err
	}
	return c.WaitReceipt(ctx, tx)
}

// Call sends raw calldata and waits for its receipt. It does not retry.
func Call(ctx context.Context, c Client, to ir.Address, calldata []byte, gasLimit uint64) (*Receipt, error) {
	tx, err := c.Send(ctx, to, calldata, gasLimit)
	if err != nil {
		return nil, err
	}
	return c.WaitReceipt(ctx, tx)
}
