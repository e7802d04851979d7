package permission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahamid/cobase"
	"github.com/ahamid/cobase/bus"
	"github.com/ahamid/cobase/cctx"
	"github.com/ahamid/cobase/clock"
	"github.com/ahamid/cobase/cobase_errors"
	"github.com/ahamid/cobase/kv"
	"github.com/ahamid/cobase/logging"
)

type account struct {
	Balance int `json:"balance"`
}

func newTestStore(t *testing.T) *cobase.Store[account] {
	t.Helper()
	reg := cobase.NewRegistry(kv.NewMemoryEngine(), clock.NewSystem(), logging.Nop{}, cobase.Options{})
	store, err := cobase.NewStore[account](reg, "accounts", cobase.SourceInfo{Version: "1"}, cobase.StrongValues)
	require.NoError(t, err)
	return store
}

func allowAll(ctx *cctx.Context, op string, id cobase.ID) (bool, string) { return true, "" }

func denyAll(reason string) Callback {
	return func(ctx *cctx.Context, op string, id cobase.ID) (bool, string) { return false, reason }
}

func TestProxyAllowsWhenEveryCheckPasses(t *testing.T) {
	store := newTestStore(t)
	proxy := New[account](store, allowAll)

	id := cobase.IntID(1)
	require.NoError(t, proxy.SetValue(cctx.Background(), id, account{Balance: 100}))

	v, err := proxy.ValueOf(cctx.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 100, v.Balance)
}

func TestProxyDeniesWhenACheckFails(t *testing.T) {
	store := newTestStore(t)
	proxy := New[account](store, allowAll, denyAll("not in this account's ACL"))

	id := cobase.IntID(1)
	err := proxy.SetValue(cctx.Background(), id, account{Balance: 100})
	require.Error(t, err)

	var accessErr *cobase_errors.AccessError
	require.ErrorAs(t, err, &accessErr)
	assert.Equal(t, "set-value", accessErr.Callback)
	assert.Equal(t, "not in this account's ACL", accessErr.Reason)
	assert.ErrorIs(t, err, cobase_errors.ErrAccessDenied)
}

func TestProxyRemoveIsAlsoAuthorized(t *testing.T) {
	store := newTestStore(t)
	proxy := New[account](store, allowAll)

	id := cobase.IntID(1)
	require.NoError(t, proxy.SetValue(cctx.Background(), id, account{Balance: 1}))
	require.NoError(t, proxy.Remove(cctx.Background(), id))

	_, err := proxy.ValueOf(cctx.Background(), id)
	assert.ErrorIs(t, err, cobase_errors.ErrNoLocalData)
}

func TestProxyChecksRunInOrderAndShortCircuit(t *testing.T) {
	store := newTestStore(t)
	var secondCalled bool
	second := func(ctx *cctx.Context, op string, id cobase.ID) (bool, string) {
		secondCalled = true
		return true, ""
	}
	proxy := New[account](store, denyAll("blocked by first check"), second)

	err := proxy.SetValue(cctx.Background(), cobase.IntID(1), account{Balance: 1})
	require.Error(t, err)
	assert.False(t, secondCalled, "later checks must not run once an earlier one denies")
}

// recordingListener is a pointer-identity bus.Listener, used instead of a
// bare bus.ListenerFunc so StopNotifies' by-identity removal (bus.go
// compares listeners with ==) has something comparable to compare.
type recordingListener struct{ received chan struct{} }

func (l *recordingListener) OnEvent(ctx context.Context, ev bus.Event) {
	l.received <- struct{}{}
}

// TestProxyNotifiesDelegatesToTarget proves Notifies/StopNotifies delegate
// straight to the wrapped target instead of recursing on the proxy itself
// (the stopNotifies self-recursion bug the redesign note calls out).
func TestProxyNotifiesDelegatesToTarget(t *testing.T) {
	store := newTestStore(t)
	proxy := New[account](store, allowAll)

	listener := &recordingListener{received: make(chan struct{}, 1)}
	proxy.Notifies(listener)

	require.NoError(t, proxy.SetValue(cctx.Background(), cobase.IntID(1), account{Balance: 1}))

	select {
	case <-listener.received:
	case <-time.After(time.Second):
		t.Fatal("expected the store's update to reach a listener registered via the proxy")
	}

	proxy.StopNotifies(listener)
	require.NoError(t, proxy.SetValue(cctx.Background(), cobase.IntID(2), account{Balance: 2}))
	select {
	case <-listener.received:
		t.Fatal("expected no further events after StopNotifies")
	case <-time.After(50 * time.Millisecond):
	}
}
