package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"

	"github.com/roach88/diamondcut/internal/ir"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ir.ErrorKind
	}{
		{"eof", fmt.Errorf("read: %w", io.EOF), ir.KindTransientNetwork},
		{"rate limited", rpc.HTTPError{StatusCode: 429, Status: "429 Too Many Requests"}, ir.KindTransientNetwork},
		{"bad gateway", rpc.HTTPError{StatusCode: 502, Status: "502 Bad Gateway"}, ir.KindTransientNetwork},
		{"timeout message", errors.New("i/o timeout"), ir.KindTransientNetwork},
		{"nonce race", errors.New("nonce too low"), ir.KindTransientNetwork},
		{"revert", errors.New("execution reverted: LibDiamond: Must be contract owner"), ir.KindExecutionReverted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, ir.IsKind(classify(tt.err), tt.kind))
		})
	}
}

func TestClassifyPassthrough(t *testing.T) {
	assert.Nil(t, classify(nil))
	assert.ErrorIs(t, classify(context.Canceled), context.Canceled)

	_, ok := ir.KindOf(classify(rpc.HTTPError{StatusCode: 400, Status: "400 Bad Request"}))
	assert.False(t, ok, "client errors are not retried")

	orig := ir.ConfigurationError("", "x")
	assert.Same(t, orig, classify(orig))
}

func TestNormalizeArgs(t *testing.T) {
	addr := ir.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	out := normalizeArgs([]any{addr, uint64(1)})
	assert.Equal(t, addr.Common(), out[0])
	assert.Equal(t, uint64(1), out[1])
}
