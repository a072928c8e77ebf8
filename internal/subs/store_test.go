package subs

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/schema"
)

func storeSub(strategy common.Address, payload string) schema.Subscription {
	return schema.Subscription{
		Strategy:    strategy,
		Type:        schema.SubOHLC,
		Payload:     []byte(payload),
		PayloadHash: crypto.Keccak256Hash([]byte(payload)),
	}
}

func TestMemoryStoreAddRemove(t *testing.T) {
	ctx := t.Context()
	store := NewMemoryStore()
	a := common.HexToAddress("0x01")
	sub := storeSub(a, "BTCUSDT.1m")

	require.NoError(t, store.Add(ctx, sub))
	ok, err := store.Exists(ctx, a, sub.Type, sub.PayloadHash)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Remove(ctx, a, sub.Type, sub.PayloadHash))
	ok, err = store.Exists(ctx, a, sub.Type, sub.PayloadHash)
	require.NoError(t, err)
	assert.False(t, ok)

	err = store.Remove(ctx, a, sub.Type, sub.PayloadHash)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestMemoryStoreSubscribers(t *testing.T) {
	ctx := t.Context()
	store := NewMemoryStore()
	a := common.HexToAddress("0x01")
	b := common.HexToAddress("0x02")
	subA := storeSub(a, "ETHUSDT.5m")
	subB := storeSub(b, "ETHUSDT.5m")
	other := storeSub(b, "BTCUSDT.5m")

	require.NoError(t, store.Add(ctx, subA))
	require.NoError(t, store.Add(ctx, subB))
	require.NoError(t, store.Add(ctx, other))

	got, err := store.Subscribers(ctx, schema.SubOHLC, subA.PayloadHash)
	require.NoError(t, err)
	assert.ElementsMatch(t, []common.Address{a, b}, got)

	byB, err := store.ByStrategy(ctx, b)
	require.NoError(t, err)
	assert.Len(t, byB, 2)
}

func TestMemoryStoreStatusFiltersActive(t *testing.T) {
	ctx := t.Context()
	store := NewMemoryStore()
	a := common.HexToAddress("0x01")
	sub := storeSub(a, "SOLUSDT.1h")
	require.NoError(t, store.Add(ctx, sub))

	require.NoError(t, store.SetStatus(ctx, a, sub.Type, sub.PayloadHash, schema.SubStatusDisabled))

	subscribers, err := store.Subscribers(ctx, sub.Type, sub.PayloadHash)
	require.NoError(t, err)
	assert.Empty(t, subscribers)

	active, err := store.AllActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	// Re-adding reactivates regardless of prior status.
	require.NoError(t, store.Add(ctx, sub))
	active, err = store.AllActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	err = store.SetStatus(ctx, common.HexToAddress("0x99"), sub.Type, sub.PayloadHash, schema.SubStatusActive)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}
