package token

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyfence/skyfence/pkg/detect"
)

func testRecord(original string) Record {
	return Record{
		ConversationID: "conv-1",
		Entries: map[string]Entry{
			"«token:EMAIL:deadbeef»": {
				Original: original,
				Type:     "EMAIL",
				Category: detect.CategoryPII,
			},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestNewHandle(t *testing.T) {
	first, err := NewHandle()
	require.NoError(t, err)
	second, err := NewHandle()
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	// 128 bits of unpadded base32 is 26 characters.
	assert.Len(t, first, 26)
	assert.Regexp(t, `^[A-Z2-7]+$`, first)
}

func TestMemoryStorePutGet(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "h1", testRecord("alice@example.com"), time.Minute))

	record, err := store.Get(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", record.ConversationID)
	assert.Equal(t, "alice@example.com", record.Entries["«token:EMAIL:deadbeef»"].Original)
}

func TestMemoryStoreMissingHandle(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	defer store.Close()

	_, err := store.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrHandleMissing)
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "h1", testRecord("x"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, err := store.Get(ctx, "h1")
	assert.ErrorIs(t, err, ErrHandleMissing)
}

func TestMemoryStoreExtendTTL(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "h1", testRecord("x"), 50*time.Millisecond))
	require.NoError(t, store.ExtendTTL(ctx, "h1", time.Hour))
	time.Sleep(60 * time.Millisecond)

	_, err := store.Get(ctx, "h1")
	assert.NoError(t, err)

	assert.ErrorIs(t, store.ExtendTTL(ctx, "absent", time.Hour), ErrHandleMissing)
}

func TestMemoryStoreSweepEvicts(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "short", testRecord("x"), time.Millisecond))
	require.NoError(t, store.Put(ctx, "long", testRecord("y"), time.Hour))
	require.Equal(t, 2, store.Len())

	store.sweep(time.Now().Add(time.Second))
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStorePutRefreshesTTL(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "h1", testRecord("x"), time.Millisecond))
	require.NoError(t, store.Put(ctx, "h1", testRecord("x"), time.Hour))
	time.Sleep(5 * time.Millisecond)

	_, err := store.Get(ctx, "h1")
	assert.NoError(t, err)
}

func TestMemoryStoreCloseIsIdempotent(t *testing.T) {
	store := NewMemoryStore(time.Millisecond)
	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())
}
