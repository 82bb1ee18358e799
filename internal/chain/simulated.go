package chain

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/roach88/diamondcut/internal/ir"
)

// DefaultSimulatedSigner is the first account of a local hardhat node.
var DefaultSimulatedSigner = ir.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

// Revert reasons produced by the simulated diamond, matching LibDiamond.
const (
	ReasonNoSelectors       = "LibDiamondCut: No selectors in facet to cut"
	ReasonAddZeroAddress    = "LibDiamondCut: Add facet can't be address(0)"
	ReasonAddExists         = "LibDiamondCut: Can't add function that already exists"
	ReasonReplaceZero       = "LibDiamondCut: Replace facet can't be address(0)"
	ReasonReplaceSame       = "LibDiamondCut: Can't replace function with same function"
	ReasonReplaceMissing    = "LibDiamondCut: Can't replace function that doesn't exist"
	ReasonRemoveNonZero     = "LibDiamondCut: Remove facet address must be address(0)"
	ReasonRemoveMissing     = "LibDiamondCut: Can't remove function that doesn't exist"
	ReasonNoCode            = "LibDiamondCut: New facet has no code"
	ReasonInitNoCode        = "LibDiamondCut: _init address has no code"
	ReasonInitEmptyCalldata = "LibDiamondCut: _init is address(0) but_calldata is not empty"
	ReasonFunctionMissing   = "Diamond: Function does not exist"
	ReasonNotOwner          = "LibDiamond: Must be contract owner"
	ReasonUnknownAction     = "LibDiamondCut: Incorrect FacetCutAction"
)

// CutTx records a diamondCut transaction seen by the simulated chain.
type CutTx struct {
	Diamond      ir.Address
	Operations   []ir.CutOperation
	InitAddress  ir.Address
	InitCalldata []byte
	Receipt      Receipt
}

type simDiamond struct {
	owner ir.Address
	// facetOrder keeps facet addresses in first-added order, as the loupe
	// reports them.
	facetOrder []ir.Address
	selectors  map[ir.Address][]ir.Selector
	routes     map[ir.Selector]ir.Address
}

func (d *simDiamond) clone() *simDiamond {
	out := &simDiamond{
		owner:      d.owner,
		facetOrder: append([]ir.Address(nil), d.facetOrder...),
		selectors:  make(map[ir.Address][]ir.Selector, len(d.selectors)),
		routes:     make(map[ir.Selector]ir.Address, len(d.routes)),
	}
	for a, s := range d.selectors {
		out.selectors[a] = append([]ir.Selector(nil), s...)
	}
	for s, a := range d.routes {
		out.routes[s] = a
	}
	return out
}

func (d *simDiamond) add(facet ir.Address, sel ir.Selector) {
	if _, ok := d.selectors[facet]; !ok {
		d.facetOrder = append(d.facetOrder, facet)
	}
	d.selectors[facet] = append(d.selectors[facet], sel)
	d.routes[sel] = facet
}

func (d *simDiamond) remove(sel ir.Selector) {
	facet := d.routes[sel]
	delete(d.routes, sel)
	sels := d.selectors[facet]
	for i, s := range sels {
		if s == sel {
			sels = append(sels[:i], sels[i+1:]...)
			break
		}
	}
	if len(sels) > 0 {
		d.selectors[facet] = sels
		return
	}
	delete(d.selectors, facet)
	for i, a := range d.facetOrder {
		if a == facet {
			d.facetOrder = append(d.facetOrder[:i], d.facetOrder[i+1:]...)
			break
		}
	}
}

type revertError string

func (r revertError) Error() string { return string(r) }

// Simulated is an in-memory chain hosting diamonds with EIP-2535 cut
// semantics. Addresses follow the CREATE rule from the signer and nonce,
// so a fresh Simulated yields the same addresses as a fresh hardhat node.
//
// Thread-safety: all methods are safe for concurrent use.
type Simulated struct {
	mu       sync.Mutex
	chainID  uint64
	signer   ir.Address
	nonce    uint64
	block    uint64
	code     map[ir.Address]string
	diamonds map[ir.Address]*simDiamond
	cuts     []CutTx
	calls    []ir.Selector
	receipts map[common.Hash]Receipt

	transientFailures int
	lostReceipts      int
	revertNextSubmit  string
	revertSelectors   map[ir.Selector]string
}

var _ Client = (*Simulated)(nil)
var _ Loupe = (*Simulated)(nil)

// NewSimulated creates an empty simulated chain.
func NewSimulated(chainID uint64, signer ir.Address) *Simulated {
	if signer.IsZero() {
		signer = DefaultSimulatedSigner
	}
	return &Simulated{
		chainID:         chainID,
		signer:          signer,
		code:            make(map[ir.Address]string),
		diamonds:        make(map[ir.Address]*simDiamond),
		receipts:        make(map[common.Hash]Receipt),
		revertSelectors: make(map[ir.Selector]string),
	}
}

// FailNext makes the next n requests fail with a transient network error.
func (s *Simulated) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transientFailures = n
}

// LoseReceipts makes the next n receipt lookups fail with a transient
// network error. The transactions themselves are still mined.
func (s *Simulated) LoseReceipts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lostReceipts = n
}

// RevertNextSubmit makes the next diamondCut revert with reason.
func (s *Simulated) RevertNextSubmit(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revertNextSubmit = reason
}

// RevertOn makes every call routed to sel revert with reason.
func (s *Simulated) RevertOn(sel ir.Selector, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revertSelectors[sel] = reason
}

// Cuts returns every diamondCut transaction mined so far, including reverted ones.
func (s *Simulated) Cuts() []CutTx {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CutTx(nil), s.cuts...)
}

// CalledSelectors returns the selectors of successful Call transactions and
// bundled initializers, in execution order.
func (s *Simulated) CalledSelectors() []ir.Selector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ir.Selector(nil), s.calls...)
}

// Routes returns a copy of a diamond's selector routing table.
func (s *Simulated) Routes(diamond ir.Address) map[ir.Selector]ir.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[ir.Selector]ir.Address)
	if d, ok := s.diamonds[diamond]; ok {
		for sel, a := range d.routes {
			out[sel] = a
		}
	}
	return out
}

// Signer implements Client.
func (s *Simulated) Signer() ir.Address { return s.signer }

// ChainID implements Client.
func (s *Simulated) ChainID() uint64 { return s.chainID }

// consumeFailure must be called with mu held.
func (s *Simulated) consumeFailure() error {
	if s.transientFailures > 0 {
		s.transientFailures--
		return ir.TransientNetworkError(errors.New("simulated: connection reset by peer"))
	}
	return nil
}

// nextTx must be called with mu held.
func (s *Simulated) nextTx(kind string) (common.Hash, uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], s.nonce)
	hash := crypto.Keccak256Hash([]byte(kind), s.signer[:], buf[:])
	s.nonce++
	s.block++
	return hash, s.block
}

// Deploy implements Client.
func (s *Simulated) Deploy(ctx context.Context, req DeployRequest) (Deployment, error) {
	if err := ctx.Err(); err != nil {
		return Deployment{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.consumeFailure(); err != nil {
		return Deployment{}, err
	}

	addr := ir.Address(crypto.CreateAddress(s.signer.Common(), s.nonce))
	tx, _ := s.nextTx("deploy:" + req.Name)
	s.code[addr] = req.Name

	if req.Diamond {
		if len(req.Args) != 2 {
			return Deployment{}, fmt.Errorf("simulated: diamond constructor takes (owner, diamondCutFacet), got %d args", len(req.Args))
		}
		owner, err := toAddress(req.Args[0])
		if err != nil {
			return Deployment{}, err
		}
		cutFacet, err := toAddress(req.Args[1])
		if err != nil {
			return Deployment{}, err
		}
		d := &simDiamond{
			owner:     owner,
			selectors: make(map[ir.Address][]ir.Selector),
			routes:    make(map[ir.Selector]ir.Address),
		}
		d.add(cutFacet, DiamondCutSelector)
		s.diamonds[addr] = d
	}

	return Deployment{Address: addr, TxHash: tx}, nil
}

func toAddress(v any) (ir.Address, error) {
	switch a := v.(type) {
	case ir.Address:
		return a, nil
	case common.Address:
		return ir.Address(a), nil
	default:
		return ir.Address{}, fmt.Errorf("simulated: expected address argument, got %T", v)
	}
}

// SendCut implements Client. The transaction is mined immediately: the cut
// and its initializer are applied to a copy of the diamond and committed
// only if neither reverts.
func (s *Simulated) SendCut(ctx context.Context, diamond ir.Address, ops []ir.CutOperation, initAddress ir.Address, initCalldata []byte, gasLimit uint64) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.consumeFailure(); err != nil {
		return common.Hash{}, err
	}

	d, ok := s.diamonds[diamond]
	if !ok {
		return common.Hash{}, fmt.Errorf("simulated: no diamond at %s", diamond)
	}

	tx, block := s.nextTx("cut")
	receipt := Receipt{TxHash: tx, Status: 1, BlockNumber: block, GasUsed: gasLimit / 2}

	next := d.clone()
	var calls []ir.Selector
	var err error
	if d.owner != s.signer {
		err = revertError(ReasonNotOwner)
	}
	if err == nil {
		err = s.applyCut(next, ops)
	}
	if err == nil {
		calls, err = s.runInit(diamond, next, initAddress, initCalldata)
	}
	if err == nil && s.revertNextSubmit != "" {
		err = revertError(s.revertNextSubmit)
	}
	s.revertNextSubmit = ""

	if err != nil {
		receipt.Status = 0
		receipt.RevertReason = err.Error()
	} else {
		s.diamonds[diamond] = next
		s.calls = append(s.calls, calls...)
	}

	s.cuts = append(s.cuts, CutTx{
		Diamond:      diamond,
		Operations:   cloneOps(ops),
		InitAddress:  initAddress,
		InitCalldata: append([]byte(nil), initCalldata...),
		Receipt:      receipt,
	})
	s.receipts[tx] = receipt
	return tx, nil
}

// Submit sends a diamondCut and waits for its receipt.
func (s *Simulated) Submit(ctx context.Context, diamond ir.Address, ops []ir.CutOperation, initAddress ir.Address, initCalldata []byte, gasLimit uint64) (*Receipt, error) {
	return Submit(ctx, s, diamond, ops, initAddress, initCalldata, gasLimit)
}

// WaitReceipt implements Client.
func (s *Simulated) WaitReceipt(ctx context.Context, tx common.Hash) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lostReceipts > 0 {
		s.lostReceipts--
		return nil, ir.TransientNetworkError(fmt.Errorf("simulated: receipt for %s: connection reset by peer", tx))
	}
	receipt, ok := s.receipts[tx]
	if !ok {
		return nil, fmt.Errorf("simulated: unknown transaction %s", tx)
	}
	return &receipt, nil
}

func cloneOps(ops []ir.CutOperation) []ir.CutOperation {
	out := make([]ir.CutOperation, len(ops))
	for i, op := range ops {
		out[i] = op
		out[i].Selectors = append([]ir.Selector(nil), op.Selectors...)
	}
	return out
}

// applyCut mirrors LibDiamond.diamondCut. Must be called with mu held.
func (s *Simulated) applyCut(d *simDiamond, ops []ir.CutOperation) error {
	for _, op := range ops {
		if len(op.Selectors) == 0 {
			return revertError(ReasonNoSelectors)
		}
		switch op.Action {
		case ir.Add:
			if op.FacetAddress.IsZero() {
				return revertError(ReasonAddZeroAddress)
			}
			if _, ok := s.code[op.FacetAddress]; !ok {
				return revertError(ReasonNoCode)
			}
			for _, sel := range op.Selectors {
				if _, exists := d.routes[sel]; exists {
					return revertError(ReasonAddExists)
				}
				d.add(op.FacetAddress, sel)
			}
		case ir.Replace:
			if op.FacetAddress.IsZero() {
				return revertError(ReasonReplaceZero)
			}
			if _, ok := s.code[op.FacetAddress]; !ok {
				return revertError(ReasonNoCode)
			}
			for _, sel := range op.Selectors {
				old, exists := d.routes[sel]
				if !exists {
					return revertError(ReasonReplaceMissing)
				}
				if old == op.FacetAddress {
					return revertError(ReasonReplaceSame)
				}
				d.remove(sel)
				d.add(op.FacetAddress, sel)
			}
		case ir.Remove:
			if !op.FacetAddress.IsZero() {
				return revertError(ReasonRemoveNonZero)
			}
			for _, sel := range op.Selectors {
				if _, exists := d.routes[sel]; !exists {
					return revertError(ReasonRemoveMissing)
				}
				d.remove(sel)
			}
		default:
			return revertError(ReasonUnknownAction)
		}
	}
	return nil
}

// runInit executes the initializer delegatecall of a cut. Must be called
// with mu held.
func (s *Simulated) runInit(diamondAddr ir.Address, d *simDiamond, initAddress ir.Address, calldata []byte) ([]ir.Selector, error) {
	if initAddress.IsZero() {
		if len(calldata) > 0 {
			return nil, revertError(ReasonInitEmptyCalldata)
		}
		return nil, nil
	}
	if _, ok := s.code[initAddress]; !ok {
		return nil, revertError(ReasonInitNoCode)
	}
	if len(calldata) < 4 {
		return nil, revertError(ReasonFunctionMissing)
	}
	sel := ir.SelectorFromBytes(calldata)
	if initAddress == diamondAddr {
		if _, routed := d.routes[sel]; !routed {
			return nil, revertError(ReasonFunctionMissing)
		}
	}
	if reason, ok := s.revertSelectors[sel]; ok {
		return nil, revertError(reason)
	}
	return []ir.Selector{sel}, nil
}

// Send implements Client. Calls to a diamond are routed by selector.
func (s *Simulated) Send(ctx context.Context, to ir.Address, calldata []byte, gasLimit uint64) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.consumeFailure(); err != nil {
		return common.Hash{}, err
	}

	tx, block := s.nextTx("call")
	receipt := Receipt{TxHash: tx, Status: 1, BlockNumber: block, GasUsed: gasLimit / 2}

	var reason string
	sel := ir.SelectorFromBytes(calldata)
	switch d, isDiamond := s.diamonds[to]; {
	case len(calldata) < 4:
		reason = ReasonFunctionMissing
	case isDiamond && d.routes[sel].IsZero():
		reason = ReasonFunctionMissing
	case s.revertSelectors[sel] != "":
		reason = s.revertSelectors[sel]
	}
	if reason != "" {
		receipt.Status = 0
		receipt.RevertReason = reason
	} else {
		s.calls = append(s.calls, sel)
	}
	s.receipts[tx] = receipt
	return tx, nil
}

// Call sends raw calldata and waits for its receipt.
func (s *Simulated) Call(ctx context.Context, to ir.Address, calldata []byte, gasLimit uint64) (*Receipt, error) {
	return Call(ctx, s, to, calldata, gasLimit)
}

// Facets implements Loupe.
func (s *Simulated) Facets(ctx context.Context, diamond ir.Address) ([]LoupeFacet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.consumeFailure(); err != nil {
		return nil, err
	}
	d, ok := s.diamonds[diamond]
	if !ok {
		return nil, fmt.Errorf("simulated: no diamond at %s", diamond)
	}
	out := make([]LoupeFacet, 0, len(d.facetOrder))
	for _, a := range d.facetOrder {
		out = append(out, LoupeFacet{Address: a, Selectors: append([]ir.Selector(nil), d.selectors[a]...)})
	}
	return out, nil
}

// SetRoutes overwrites a diamond's routing table, for drift tests.
func (s *Simulated) SetRoutes(diamond ir.Address, facets []LoupeFacet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.diamonds[diamond]
	if !ok {
		return
	}
	fresh := &simDiamond{
		owner:     d.owner,
		selectors: make(map[ir.Address][]ir.Selector),
		routes:    make(map[ir.Selector]ir.Address),
	}
	for _, f := range facets {
		if _, ok := s.code[f.Address]; !ok {
			s.code[f.Address] = "external"
		}
		for _, sel := range f.Selectors {
			fresh.add(f.Address, sel)
		}
	}
	s.diamonds[diamond] = fresh
}

// InstallDiamond places a diamond owned by owner at addr with the given
// routing table, as if it had been deployed earlier. Used to preview cuts
// against a copy of a recorded deployment.
func (s *Simulated) InstallDiamond(addr, owner ir.Address, facets []LoupeFacet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := &simDiamond{
		owner:     owner,
		selectors: make(map[ir.Address][]ir.Selector),
		routes:    make(map[ir.Selector]ir.Address),
	}
	s.code[addr] = "Diamond"
	for _, f := range facets {
		if _, ok := s.code[f.Address]; !ok {
			s.code[f.Address] = "external"
		}
		for _, sel := range f.Selectors {
			d.add(f.Address, sel)
		}
	}
	s.diamonds[addr] = d
}

// ForkRecord returns a simulated chain holding the diamond described by
// record, with the record's facets and libraries marked as deployed.
// The signer is the recorded deployer so the fork accepts cuts.
func ForkRecord(chainID uint64, record *ir.DeploymentRecord) *Simulated {
	signer := DefaultSimulatedSigner
	if record != nil && !record.DeployerAddress.IsZero() {
		signer = record.DeployerAddress
	}
	s := NewSimulated(chainID, signer)
	if record == nil || record.DiamondAddress.IsZero() {
		return s
	}
	var facets []LoupeFacet
	for _, name := range record.FacetNames() {
		info := record.Facets[name]
		if info.Address.IsZero() {
			continue
		}
		facets = append(facets, LoupeFacet{Address: info.Address, Selectors: info.Selectors})
	}
	s.InstallDiamond(record.DiamondAddress, signer, facets)
	s.mu.Lock()
	for name, addr := range record.ExternalLibraries {
		s.code[addr] = name
	}
	// Start past any nonce the recorded addresses could have used.
	s.nonce = 1 << 20
	s.mu.Unlock()
	return s
}
