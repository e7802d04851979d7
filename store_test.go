package cobase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahamid/cobase/cctx"
	"github.com/ahamid/cobase/clock"
	"github.com/ahamid/cobase/cobase_errors"
	"github.com/ahamid/cobase/kv"
	"github.com/ahamid/cobase/logging"
)

type widget struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	// A real clock: registration waits for its metadata batch, which only
	// the batcher's commit timer flushes, and these tests never advance a
	// fake clock.
	return NewRegistry(kv.NewMemoryEngine(), clock.NewSystem(), logging.Nop{}, Options{})
}

func TestStoreSetValueThenValueOf(t *testing.T) {
	reg := newTestRegistry(t)
	store, err := NewStore[widget](reg, "widgets", SourceInfo{Version: "1"}, StrongValues)
	require.NoError(t, err)

	id := IntID(1)
	require.NoError(t, store.ForID(id).SetValue(widget{Name: "gizmo", Count: 3}))

	v, err := store.ForID(id).ValueOf(cctx.Background())
	require.NoError(t, err)
	assert.Equal(t, "gizmo", v.Name)
	assert.Equal(t, 3, v.Count)
}

func TestStoreValueOfMissingReturnsNoLocalData(t *testing.T) {
	reg := newTestRegistry(t)
	store, err := NewStore[widget](reg, "widgets", SourceInfo{Version: "1"}, StrongValues)
	require.NoError(t, err)

	_, err = store.ForID(IntID(99)).ValueOf(cctx.Background())
	assert.ErrorIs(t, err, cobase_errors.ErrNoLocalData)
}

func TestStoreForIDIsIdentityMapped(t *testing.T) {
	reg := newTestRegistry(t)
	store, err := NewStore[widget](reg, "widgets", SourceInfo{Version: "1"}, StrongValues)
	require.NoError(t, err)

	a := store.ForID(IntID(1))
	b := store.ForID(IntID(1))
	assert.Same(t, a, b)
}

func TestStoreValueOfHonorsIfModifiedSince(t *testing.T) {
	reg := newTestRegistry(t)
	store, err := NewStore[widget](reg, "widgets", SourceInfo{Version: "1"}, StrongValues)
	require.NoError(t, err)

	id := IntID(1)
	require.NoError(t, store.ForID(id).SetValue(widget{Name: "gizmo"}))
	version := store.ForID(id).Version()

	ctx := cctx.Background()
	ctx.SetIfModifiedSince(version)
	_, err = store.ForID(id).ValueOf(ctx)
	assert.ErrorIs(t, err, cobase_errors.ErrNotModified)
}

func TestStoreRemoveDropsEntity(t *testing.T) {
	reg := newTestRegistry(t)
	store, err := NewStore[widget](reg, "widgets", SourceInfo{Version: "1"}, StrongValues)
	require.NoError(t, err)

	id := IntID(1)
	require.NoError(t, store.ForID(id).SetValue(widget{Name: "gizmo"}))
	require.NoError(t, store.ForID(id).Remove())

	_, err = store.ForID(id).ValueOf(cctx.Background())
	assert.ErrorIs(t, err, cobase_errors.ErrNoLocalData)
}

func TestStoreGetByIDsPreservesOrder(t *testing.T) {
	reg := newTestRegistry(t)
	store, err := NewStore[widget](reg, "widgets", SourceInfo{Version: "1"}, StrongValues)
	require.NoError(t, err)

	ids := []ID{IntID(3), IntID(1), IntID(2)}
	for i, id := range ids {
		require.NoError(t, store.ForID(id).SetValue(widget{Count: i}))
	}

	entities, err := store.GetByIDs(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, entities, 3)
	for i, e := range entities {
		assert.Equal(t, ids[i], e.ID())
	}
}

func TestStoreAllIDsIteratesEveryEntity(t *testing.T) {
	reg := newTestRegistry(t)
	store, err := NewStore[widget](reg, "widgets", SourceInfo{Version: "1"}, StrongValues)
	require.NoError(t, err)

	want := map[string]bool{"a": false, "b": false, "c": false}
	for k := range want {
		id, err := StringID(k)
		require.NoError(t, err)
		require.NoError(t, store.ForID(id).SetValue(widget{Name: k}))
	}
	waitDurable() // AllIDs scans the table, not pending batches

	seen := map[string]bool{}
	for id, err := range store.AllIDs() {
		require.NoError(t, err)
		seen[id.String()] = true
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, seen)
}

// waitDurable gives the batcher's commit timer (real clock, default 20ms
// delay) a chance to flush before a second registry instance reads the
// same underlying engine — the two registries don't share a batcher, so a
// write is only visible cross-registry once it's durably written, not
// merely pending.
func waitDurable() { time.Sleep(75 * time.Millisecond) }

func TestStoreDbVersionChangeResetsTable(t *testing.T) {
	engine := kv.NewMemoryEngine()
	reg := NewRegistry(engine, clock.NewSystem(), logging.Nop{}, Options{})

	store, err := NewStore[widget](reg, "widgets", SourceInfo{Version: "1"}, StrongValues)
	require.NoError(t, err)
	require.NoError(t, store.ForID(IntID(1)).SetValue(widget{Name: "gizmo"}))
	waitDurable()

	// A fresh registry against the same engine but a bumped dbVersion
	// must see an empty table (spec 4.F: dbVersion mismatch clears and
	// resets), not the value written under the old version.
	reg2 := NewRegistry(engine, clock.NewSystem(), logging.Nop{}, Options{})
	store2, err := NewStore[widget](reg2, "widgets", SourceInfo{Version: "2"}, StrongValues)
	require.NoError(t, err)

	_, err = store2.ForID(IntID(1)).ValueOf(cctx.Background())
	assert.ErrorIs(t, err, cobase_errors.ErrNoLocalData)
}

func TestStoreSameDbVersionPreservesData(t *testing.T) {
	engine := kv.NewMemoryEngine()
	reg := NewRegistry(engine, clock.NewSystem(), logging.Nop{}, Options{})

	store, err := NewStore[widget](reg, "widgets", SourceInfo{Version: "1"}, StrongValues)
	require.NoError(t, err)
	require.NoError(t, store.ForID(IntID(1)).SetValue(widget{Name: "gizmo"}))
	waitDurable()

	reg2 := NewRegistry(engine, clock.NewSystem(), logging.Nop{}, Options{})
	store2, err := NewStore[widget](reg2, "widgets", SourceInfo{Version: "1"}, StrongValues)
	require.NoError(t, err)

	v, err := store2.ForID(IntID(1)).ValueOf(cctx.Background())
	require.NoError(t, err)
	assert.Equal(t, "gizmo", v.Name)
}
