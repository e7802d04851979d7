package index

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahamid/cobase"
	"github.com/ahamid/cobase/cctx"
	"github.com/ahamid/cobase/clock"
	"github.com/ahamid/cobase/kv"
	"github.com/ahamid/cobase/logging"
)

type widget struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// byColor projects a widget onto its color, the simplest possible indexBy:
// one entry per non-empty color, no entry for a deleted (nil) value.
func byColor(v *widget) []Entry {
	if v == nil || v.Color == "" {
		return nil
	}
	return []Entry{{Key: v.Color, Value: []byte(v.Name)}}
}

func newTestSetup(t *testing.T) (*cobase.Registry, *cobase.Store[widget]) {
	t.Helper()
	reg := cobase.NewRegistry(kv.NewMemoryEngine(), clock.NewSystem(), logging.Nop{}, cobase.Options{
		IndexNiceness:     time.Millisecond,
		IndexEnqueueDelay: time.Millisecond,
	})
	store, err := cobase.NewStore[widget](reg, "widgets", cobase.SourceInfo{Version: "1"}, cobase.StrongValues)
	require.NoError(t, err)
	return reg, store
}

func newTestIndex(t *testing.T, reg *cobase.Registry, store *cobase.Store[widget]) *Index[widget] {
	t.Helper()
	handle, ok := reg.Get("widgets")
	require.True(t, ok)
	idx, err := New[widget](reg, "widgets-by-color", handle, func(ctx *cctx.Context, id cobase.ID) (*widget, error) {
		return store.ValueOf(ctx, id)
	}, byColor)
	require.NoError(t, err)
	return idx
}

func colorsFor(t *testing.T, idx *Index[widget], color string) []string {
	t.Helper()
	var out []string
	for v, err := range idx.Transform(color) {
		require.NoError(t, err)
		out = append(out, string(v))
	}
	sort.Strings(out)
	return out
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition never became true within %s", timeout)
}

// waitSourceDurable lets the source's batch commit timer (default 20ms)
// flush, since an index bootstraps from the source's durable rows only.
func waitSourceDurable() { time.Sleep(75 * time.Millisecond) }

func TestIndexRebuildsFromExistingSourceData(t *testing.T) {
	reg, store := newTestSetup(t)

	require.NoError(t, store.ForID(cobase.IntID(1)).SetValue(widget{Name: "apple", Color: "red"}))
	require.NoError(t, store.ForID(cobase.IntID(2)).SetValue(widget{Name: "cherry", Color: "red"}))
	require.NoError(t, store.ForID(cobase.IntID(3)).SetValue(widget{Name: "leaf", Color: "green"}))
	waitSourceDurable()

	idx := newTestIndex(t, reg, store)
	defer idx.Close()

	waitUntil(t, time.Second, func() bool { return idx.State() == Ready })

	assert.Equal(t, []string{"apple", "cherry"}, colorsFor(t, idx, "red"))
	assert.Equal(t, []string{"leaf"}, colorsFor(t, idx, "green"))
}

func TestIndexIncrementallyTracksSourceUpdates(t *testing.T) {
	reg, store := newTestSetup(t)
	idx := newTestIndex(t, reg, store)
	defer idx.Close()
	waitUntil(t, time.Second, func() bool { return idx.State() == Ready })

	id := cobase.IntID(1)
	require.NoError(t, store.ForID(id).SetValue(widget{Name: "apple", Color: "red"}))

	waitUntil(t, time.Second, func() bool { return len(colorsFor(t, idx, "red")) == 1 })
	assert.Equal(t, []string{"apple"}, colorsFor(t, idx, "red"))
	assert.Empty(t, colorsFor(t, idx, "green"))

	// Changing an entity's indexed key must remove the old row, not just
	// add the new one (indexOne's toRemove/newEntries diff).
	require.NoError(t, store.ForID(id).SetValue(widget{Name: "apple", Color: "green"}))
	waitUntil(t, time.Second, func() bool { return len(colorsFor(t, idx, "green")) == 1 })
	assert.Empty(t, colorsFor(t, idx, "red"))
	assert.Equal(t, []string{"apple"}, colorsFor(t, idx, "green"))
}

func TestIndexRemovesRowsOnSourceDeletion(t *testing.T) {
	reg, store := newTestSetup(t)
	idx := newTestIndex(t, reg, store)
	defer idx.Close()
	waitUntil(t, time.Second, func() bool { return idx.State() == Ready })

	id := cobase.IntID(1)
	require.NoError(t, store.ForID(id).SetValue(widget{Name: "apple", Color: "red"}))
	waitUntil(t, time.Second, func() bool { return len(colorsFor(t, idx, "red")) == 1 })

	require.NoError(t, store.ForID(id).Remove())
	waitUntil(t, time.Second, func() bool { return len(colorsFor(t, idx, "red")) == 0 })
	assert.Empty(t, colorsFor(t, idx, "red"))
}

func TestIndexGetInstanceIDsDeduplicatesAdjacentKeys(t *testing.T) {
	reg, store := newTestSetup(t)

	require.NoError(t, store.ForID(cobase.IntID(1)).SetValue(widget{Name: "apple", Color: "red"}))
	require.NoError(t, store.ForID(cobase.IntID(2)).SetValue(widget{Name: "cherry", Color: "red"}))
	require.NoError(t, store.ForID(cobase.IntID(3)).SetValue(widget{Name: "leaf", Color: "green"}))
	waitSourceDurable()

	idx := newTestIndex(t, reg, store)
	defer idx.Close()
	waitUntil(t, time.Second, func() bool { return idx.State() == Ready })

	// "green" < "red"	lexically (TestEncodeOrderedPreservesStringOrder),
	// so the start of green's prefix range through the end of red's
	// brackets every row in the table regardless of color.
	greenGte, _, err := cobase.IndexKeyPrefixRange("green")
	require.NoError(t, err)
	_, redLt, err := cobase.IndexKeyPrefixRange("red")
	require.NoError(t, err)

	keys, err := idx.GetInstanceIDs(greenGte, redLt)
	require.NoError(t, err)
	assert.Equal(t, []any{"green", "red"}, keys)
}

func TestIndexResumeAfterRestartKeepsIndexedRows(t *testing.T) {
	reg, store := newTestSetup(t)
	idx := newTestIndex(t, reg, store)
	waitUntil(t, time.Second, func() bool { return idx.State() == Ready })

	require.NoError(t, store.ForID(cobase.IntID(1)).SetValue(widget{Name: "apple", Color: "red"}))
	waitUntil(t, time.Second, func() bool { return len(colorsFor(t, idx, "red")) == 1 })
	idx.Close()

	// A fresh Index instance over the same table and source resumes from
	// the persisted watermark rather than rebuilding from scratch, and
	// still reflects everything indexed before the restart.
	idx2, err := New[widget](reg, "widgets-by-color", mustHandle(t, reg), func(ctx *cctx.Context, id cobase.ID) (*widget, error) {
		return store.ValueOf(ctx, id)
	}, byColor)
	require.NoError(t, err)
	defer idx2.Close()

	waitUntil(t, time.Second, func() bool { return idx2.State() == Ready })
	assert.Equal(t, []string{"apple"}, colorsFor(t, idx2, "red"))
}

func TestIndexRebuildClearsAndReindexes(t *testing.T) {
	reg, store := newTestSetup(t)
	require.NoError(t, store.ForID(cobase.IntID(1)).SetValue(widget{Name: "apple", Color: "red"}))
	waitSourceDurable()

	idx := newTestIndex(t, reg, store)
	defer idx.Close()
	waitUntil(t, time.Second, func() bool { return idx.State() == Ready })
	assert.Equal(t, []string{"apple"}, colorsFor(t, idx, "red"))

	require.NoError(t, idx.Rebuild())
	waitUntil(t, time.Second, func() bool { return idx.State() == Ready })
	assert.Equal(t, []string{"apple"}, colorsFor(t, idx, "red"))
}

func mustHandle(t *testing.T, reg *cobase.Registry) cobase.ClassHandle {
	t.Helper()
	h, ok := reg.Get("widgets")
	require.True(t, ok)
	return h
}
