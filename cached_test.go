package cobase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahamid/cobase/cctx"
	"github.com/ahamid/cobase/clock"
	"github.com/ahamid/cobase/kv"
	"github.com/ahamid/cobase/logging"
)

type foo struct {
	N int `json:"n"`
}

type doubled struct {
	N int `json:"n"`
}

func newDoubledTransform(source *Store[foo]) TransformFunc[doubled] {
	return func(ctx *cctx.Context, id ID) (doubled, error) {
		v, err := source.ValueOf(ctx, id)
		if err != nil {
			return doubled{}, err
		}
		return doubled{N: v.N * 2}, nil
	}
}

func TestCachedRecomputesOnInvalidation(t *testing.T) {
	reg := NewRegistry(kv.NewMemoryEngine(), clock.NewSystem(), logging.Nop{}, Options{})

	fooStore, err := NewStore[foo](reg, "foo", SourceInfo{Version: "1"}, StrongValues)
	require.NoError(t, err)

	cached, err := NewCached[doubled](reg, "doubled", []string{"foo"}, SourceInfo{Version: "1"}, StrongValues, newDoubledTransform(fooStore))
	require.NoError(t, err)

	id := IntID(5)
	require.NoError(t, fooStore.ForID(id).SetValue(foo{N: 5}))

	v, err := cached.ValueOf(cctx.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 10, v.N)

	require.NoError(t, fooStore.ForID(id).SetValue(foo{N: 7}))
	v, err = cached.ValueOf(cctx.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 14, v.N)
}

func TestCachedVersionTracksSourceVersion(t *testing.T) {
	reg := NewRegistry(kv.NewMemoryEngine(), clock.NewSystem(), logging.Nop{}, Options{})

	fooStore, err := NewStore[foo](reg, "foo", SourceInfo{Version: "1"}, StrongValues)
	require.NoError(t, err)

	cached, err := NewCached[doubled](reg, "doubled", []string{"foo"}, SourceInfo{Version: "1"}, StrongValues, newDoubledTransform(fooStore))
	require.NoError(t, err)

	id := IntID(5)
	require.NoError(t, fooStore.ForID(id).SetValue(foo{N: 5}))
	_, err = cached.ValueOf(cctx.Background(), id)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, cached.LastVersion(), fooStore.ForID(id).Version())
}

func TestCachedCatchesUpOnRegisterAfterSourceHasData(t *testing.T) {
	reg := NewRegistry(kv.NewMemoryEngine(), clock.NewSystem(), logging.Nop{}, Options{})

	fooStore, err := NewStore[foo](reg, "foo", SourceInfo{Version: "1"}, StrongValues)
	require.NoError(t, err)

	id := IntID(1)
	require.NoError(t, fooStore.ForID(id).SetValue(foo{N: 3}))

	// Register the Cached transform only after the source already has
	// data: the register-time catch-up loop (spec 4.G) invalidates every
	// existing source id, and the first read recomputes from the source.
	cached, err := NewCached[doubled](reg, "doubled", []string{"foo"}, SourceInfo{Version: "1"}, StrongValues, newDoubledTransform(fooStore))
	require.NoError(t, err)

	v, err := cached.ValueOf(cctx.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 6, v.N)
}

func TestCachedChainComposesTransforms(t *testing.T) {
	reg := NewRegistry(kv.NewMemoryEngine(), clock.NewSystem(), logging.Nop{}, Options{})

	fooStore, err := NewStore[foo](reg, "foo", SourceInfo{Version: "1"}, StrongValues)
	require.NoError(t, err)

	c1, err := NewCached[doubled](reg, "c1", []string{"foo"}, SourceInfo{Version: "1"}, StrongValues, newDoubledTransform(fooStore))
	require.NoError(t, err)

	c2Transform := func(ctx *cctx.Context, id ID) (doubled, error) {
		v, err := c1.ValueOf(ctx, id)
		if err != nil {
			return doubled{}, err
		}
		return doubled{N: v.N + 1}, nil
	}
	c2, err := NewCached[doubled](reg, "c2", []string{"c1"}, SourceInfo{Version: "1"}, StrongValues, c2Transform)
	require.NoError(t, err)

	id := IntID(5)
	require.NoError(t, fooStore.ForID(id).SetValue(foo{N: 5}))

	v, err := c2.ValueOf(cctx.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 11, v.N) // (5*2)+1

	assert.GreaterOrEqual(t, c2.LastVersion(), c1.LastVersion())
	assert.GreaterOrEqual(t, c1.LastVersion(), fooStore.ForID(id).Version())
}
