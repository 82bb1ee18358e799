package ir

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func TestIsKindThroughWrapping(t *testing.T) {
	err := fmt.Errorf("planning: %w", SelectorCollision(MustParseSelector("0xaabbccdd"), "A", "B"))

	assert.True(t, IsKind(err, KindSelectorCollision))
	assert.False(t, IsKind(err, KindConfiguration))

	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindSelectorCollision, kind)

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestUnknownSelectorNameIsConfiguration(t *testing.T) {
	err := UnknownSelectorName("Foo", "missing()")
	assert.True(t, IsKind(err, KindConfiguration))
	assert.True(t, IsKind(err, KindUnknownSelectorName))
	assert.Contains(t, err.Error(), "facet=Foo")
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := TransientNetworkError(cause)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "TRANSIENT_NETWORK_ERROR: network request failed: connection reset", err.Error())

	tx := common.HexToHash("0x01")
	reverted := ExecutionReverted(tx, nil)
	assert.Contains(t, reverted.Error(), tx.Hex())
	assert.True(t, KindExecutionReverted.Fatal())
	assert.False(t, KindHookFailure.Fatal())
}

func TestSelectorCollisionCarriesSelector(t *testing.T) {
	sel := MustParseSelector("0xaabbccdd")
	err := SelectorCollision(sel, "A", "B")
	if assert.NotNil(t, err.Selector) {
		assert.Equal(t, sel, *err.Selector)
	}
	assert.Equal(t, "B", err.Other)
}
