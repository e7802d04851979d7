package cobase

import (
	"encoding/json"
	"sync"

	"github.com/ahamid/cobase/cctx"
	"github.com/ahamid/cobase/cobase_errors"
	"github.com/ahamid/cobase/future"
	"github.com/ahamid/cobase/kv"
)

// ReadyState tracks how far an Entity's in-memory state has progressed
// relative to its persisted row (spec 4.D).
type ReadyState int

const (
	Unloaded ReadyState = iota
	UpToDate
	Invalidated
	NoLocalData
)

// Entity is the canonical, identity-mapped in-memory handle for one row of
// a Store[T]: exactly one live instance exists per (class, id) at a time,
// enforced by the owning Store's IdentityMap. Grounded on the teacher's
// Object/ORM handle (obj.go, orm.go) generalized from RDT-field objects to
// a single opaque JSON value.
type Entity[T any] struct {
	store *Store[T]
	id    ID

	mu          sync.Mutex
	version     int64
	asJSON      []byte
	haveJSON    bool
	cachedValue *T
	readyState  ReadyState
	canonical   bool
}

// ClearCache satisfies expiry.Entry: it drops in-memory deserialized state
// without touching the persisted row (spec 4.B/4.D clearCache). Only the
// expiration strategy calls this method (internal cache drops go through
// clearCacheLocked directly), so every call here is a real LRU eviction.
func (e *Entity[T]) ClearCache() {
	CacheEvictions.WithLabelValues(e.store.name).Inc()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearCacheLocked()
}

func (e *Entity[T]) clearCacheLocked() {
	e.asJSON = nil
	e.haveJSON = false
	e.cachedValue = nil
	if e.readyState == UpToDate || e.readyState == Invalidated {
		e.readyState = Unloaded
	}
}

// loadLatestLocalData reads the persisted row for e.id, if e hasn't
// already loaded or been invalidated since. Safe to call repeatedly.
func (e *Entity[T]) loadLatestLocalData() error {
	e.mu.Lock()
	if e.readyState != Unloaded {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	raw, err := e.store.dbGet(e.id.Key())

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.readyState != Unloaded {
		return nil // lost the race to a concurrent loader
	}
	if err != nil {
		if err == kv.ErrNotFound {
			e.readyState = NoLocalData
			e.version = e.store.reg.Clock.NextVersion()
			return nil
		}
		LoadFailures.WithLabelValues(e.store.name).Inc()
		return err
	}
	version, payload, hasPayload, decErr := decodeRow(raw)
	if decErr != nil {
		LoadFailures.WithLabelValues(e.store.name).Inc()
		return decErr
	}
	e.version = version
	if hasPayload {
		e.asJSON = payload
		e.haveJSON = true
		e.readyState = UpToDate
		e.store.reg.Expiry.Use(e, int64(len(payload)))
	} else {
		e.readyState = Invalidated
	}
	return nil
}

// valueLocked deserializes asJSON into cachedValue, memoizing the result.
// Caller must hold e.mu and have already ensured asJSON is current.
func (e *Entity[T]) valueLocked() (*T, error) {
	if e.cachedValue != nil {
		return e.cachedValue, nil
	}
	var v T
	if err := json.Unmarshal(e.asJSON, &v); err != nil {
		return nil, err
	}
	e.cachedValue = &v
	return e.cachedValue, nil
}

// ValueOf resolves the entity's current value, loading from disk if
// necessary and honoring ctx's ifModifiedSince hint (spec 4.D value-of). It
// returns cobase_errors.ErrNotModified when the hint matches the entity's
// current version.
func (e *Entity[T]) ValueOf(ctx *cctx.Context) (*T, error) {
	if err := e.loadLatestLocalData(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if ims, ok := ctx.IfModifiedSince(); ok && ims == e.version {
		return nil, cobase_errors.ErrNotModified
	}
	switch e.readyState {
	case UpToDate:
		return e.valueLocked()
	default:
		return nil, cobase_errors.ErrNoLocalData
	}
}

// Version returns the entity's current version, loading it from disk first
// if it hasn't been resolved in memory yet.
func (e *Entity[T]) Version() int64 {
	_ = e.loadLatestLocalData()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// ID returns the entity's identifier.
func (e *Entity[T]) ID() ID { return e.id }

// SetValue writes v through to the store (spec 4.D set-value): it
// serializes v, enqueues the row via the batcher, and runs the update
// protocol (4.D steps 1-5). A write from a non-canonical, stale instance is
// dropped with a warning rather than applied.
func (e *Entity[T]) SetValue(v T) error {
	_ = e.loadLatestLocalData()

	e.mu.Lock()
	if !e.canonical {
		e.mu.Unlock()
		e.store.reg.Logger.Warn("set-value on non-canonical instance dropped", "class", e.store.name, "id", e.id.String())
		return cobase_errors.ErrNotCanonical
	}
	wasAbsent := e.readyState == Unloaded || e.readyState == NoLocalData || e.readyState == Invalidated
	e.mu.Unlock()

	asJSON, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return e.store.updated(e, updateRequest{
		added: wasAbsent,
		mutate: func(version int64) {
			e.mu.Lock()
			e.version = version
			e.asJSON = asJSON
			e.haveJSON = true
			cv := v
			e.cachedValue = &cv
			e.readyState = UpToDate
			e.mu.Unlock()
			e.store.reg.Expiry.Use(e, int64(len(asJSON)))
		},
		write: func(version int64) *future.Future[struct{}] {
			return e.store.batcher.Put(e.id.Key(), encodeRow(version, asJSON), version)
		},
	})
}

// invalidate resets the entity to Invalidated and writes a version-only
// row (spec 4.D step 4 / 4.G resetCache): the version bump is durable and
// visible to downstream listeners, but the payload is dropped so the next
// ValueOf call recomputes it lazily.
func (e *Entity[T]) invalidate(sources map[any]struct{}) error {
	return e.store.updated(e, updateRequest{
		sources: sources,
		mutate: func(version int64) {
			e.mu.Lock()
			e.version = version
			e.clearCacheLocked()
			e.readyState = Invalidated
			e.mu.Unlock()
		},
		write: func(version int64) *future.Future[struct{}] {
			return e.store.batcher.Put(e.id.Key(), encodeInvalidationRow(version), version)
		},
	})
}

// Remove deletes the entity outright (spec 4.D remove): enqueues a delete,
// drops it from the identity map and expiration tracking, and fires a
// deleted event.
func (e *Entity[T]) Remove() error {
	e.store.reg.Expiry.Delete(e)
	e.store.identity.Delete(e.id.String())

	return e.store.updated(e, updateRequest{
		deleted: true,
		mutate: func(version int64) {
			e.mu.Lock()
			e.version = version
			e.canonical = false
			e.clearCacheLocked()
			e.mu.Unlock()
		},
		write: func(version int64) *future.Future[struct{}] {
			return e.store.batcher.Del(e.id.Key(), version)
		},
	})
}
