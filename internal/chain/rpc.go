package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/roach88/diamondcut/internal/ir"
)

// RPCConfig configures a JSON-RPC client.
type RPCConfig struct {
	URL        string
	PrivateKey string

	// ChainID is checked against the node when non-zero.
	ChainID uint64
}

// RPCClient submits transactions through a JSON-RPC node with a local key.
type RPCClient struct {
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	signer  ir.Address
	chainID *big.Int
	logger  *zap.Logger
}

var _ Client = (*RPCClient)(nil)
var _ Loupe = (*RPCClient)(nil)

// DialRPC connects to the node and verifies its chain id.
func DialRPC(ctx context.Context, cfg RPCConfig, logger *zap.Logger) (*RPCClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, ir.ConfigurationError("", "invalid private key: %v", err)
	}

	client, err := ethclient.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, classify(fmt.Errorf("dial %s: %w", cfg.URL, err))
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, classify(fmt.Errorf("query chain id: %w", err))
	}
	if cfg.ChainID != 0 && chainID.Uint64() != cfg.ChainID {
		client.Close()
		return nil, ir.ConfigurationError("", "node at %s reports chain id %d, configured %d", cfg.URL, chainID, cfg.ChainID)
	}

	signer := ir.Address(crypto.PubkeyToAddress(key.PublicKey))
	logger.Debug("connected to node",
		zap.String("url", cfg.URL),
		zap.Uint64("chain_id", chainID.Uint64()),
		zap.Stringer("signer", signer),
	)
	return &RPCClient{client: client, key: key, signer: signer, chainID: chainID, logger: logger}, nil
}

// Close releases the underlying connection.
func (c *RPCClient) Close() {
	c.client.Close()
}

// Signer implements Client.
func (c *RPCClient) Signer() ir.Address { return c.signer }

// ChainID implements Client.
func (c *RPCClient) ChainID() uint64 { return c.chainID.Uint64() }

func (c *RPCClient) transactOpts(ctx context.Context, gasLimit uint64) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, err
	}
	opts.Context = ctx
	opts.GasLimit = gasLimit
	return opts, nil
}

// Deploy implements Client.
func (c *RPCClient) Deploy(ctx context.Context, req DeployRequest) (Deployment, error) {
	opts, err := c.transactOpts(ctx, req.GasLimit)
	if err != nil {
		return Deployment{}, err
	}
	addr, tx, _, err := bind.DeployContract(opts, req.ABI, req.Bytecode, c.client, normalizeArgs(req.Args)...)
	if err != nil {
		return Deployment{}, classify(fmt.Errorf("deploy %s: %w", req.Name, err))
	}
	c.logger.Debug("deployment sent", zap.String("contract", req.Name), zap.Stringer("tx", tx.Hash()))

	receipt, err := bind.WaitMined(ctx, c.client, tx)
	if err != nil {
		return Deployment{}, classify(fmt.Errorf("wait for %s deployment: %w", req.Name, err))
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Deployment{}, ir.ExecutionReverted(tx.Hash(), fmt.Errorf("deploy %s", req.Name))
	}
	return Deployment{Address: ir.Address(addr), TxHash: tx.Hash()}, nil
}

// SendCut implements Client.
func (c *RPCClient) SendCut(ctx context.Context, diamond ir.Address, ops []ir.CutOperation, initAddress ir.Address, initCalldata []byte, gasLimit uint64) (common.Hash, error) {
	data, err := EncodeDiamondCut(ops, initAddress, initCalldata)
	if err != nil {
		return common.Hash{}, err
	}
	return c.Send(ctx, diamond, data, gasLimit)
}

// Send implements Client.
func (c *RPCClient) Send(ctx context.Context, to ir.Address, data []byte, gasLimit uint64) (common.Hash, error) {
	opts, err := c.transactOpts(ctx, gasLimit)
	if err != nil {
		return common.Hash{}, err
	}
	contract := bind.NewBoundContract(to.Common(), DiamondABI, c.client, c.client, c.client)
	tx, err := contract.RawTransact(opts, data)
	if err != nil {
		return common.Hash{}, classify(err)
	}
	c.logger.Debug("transaction sent",
		zap.Stringer("to", to),
		zap.Stringer("tx", tx.Hash()),
		zap.Uint64("gas_limit", tx.Gas()),
	)
	return tx.Hash(), nil
}

// receiptPollInterval matches the interval bind.WaitMined uses.
const receiptPollInterval = time.Second

// WaitReceipt implements Client by polling eth_getTransactionReceipt until
// the node reports the transaction mined.
func (c *RPCClient) WaitReceipt(ctx context.Context, tx common.Hash) (*Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.client.TransactionReceipt(ctx, tx)
		switch {
		case err == nil:
			out := &Receipt{
				TxHash:  receipt.TxHash,
				Status:  receipt.Status,
				GasUsed: receipt.GasUsed,
			}
			if receipt.BlockNumber != nil {
				out.BlockNumber = receipt.BlockNumber.Uint64()
			}
			return out, nil
		case errors.Is(err, ethereum.NotFound):
			c.logger.Debug("transaction not yet mined", zap.Stringer("tx", tx))
		default:
			return nil, classify(fmt.Errorf("receipt for %s: %w", tx, err))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Facets implements Loupe by calling facets() on the diamond.
func (c *RPCClient) Facets(ctx context.Context, diamond ir.Address) ([]LoupeFacet, error) {
	to := diamond.Common()
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: FacetsSelector[:]}, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("facets(): %w", err))
	}
	return DecodeFacetsResult(out)
}

func normalizeArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if addr, ok := a.(ir.Address); ok {
			out[i] = addr.Common()
			continue
		}
		out[i] = a
	}
	return out
}

var transientMessages = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"timed out",
	"too many requests",
	"rate limit",
	"header not found",
	"nonce too low",
	"replacement transaction underpriced",
	"service unavailable",
	"bad gateway",
}

// classify maps provider errors onto the ir taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if _, ok := ir.KindOf(err); ok {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return ir.TransientNetworkError(err)
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && (httpErr.StatusCode == 429 || httpErr.StatusCode >= 500) {
		return ir.TransientNetworkError(err)
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "execution reverted") {
		return ir.ExecutionReverted(common.Hash{}, err)
	}
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return ir.TransientNetworkError(err)
		}
	}
	return err
}
