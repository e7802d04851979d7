package cobase

import (
	"context"

	"github.com/ahamid/cobase/bus"
	"github.com/ahamid/cobase/cctx"
)

// TransformFunc computes a Cached entity's value for id. Implementations
// typically close over the upstream Store(s) they read from and call
// ValueOf on the relevant source entity; cobase_errors.ErrNoLocalData (or
// any error) is propagated to the caller of Cached.ValueOf without writing
// a value through.
type TransformFunc[T any] func(ctx *cctx.Context, id ID) (T, error)

// Cached is the Cached-transform component (4.G): a Store[T] whose rows
// are derived from one or more upstream Sources rather than written
// directly by callers. A source update invalidates the corresponding
// entity (a version-only row, spec 4.D resetCache) instead of eagerly
// recomputing it; recomputation happens lazily on the next ValueOf.
// Grounded on the teacher's derived-view machinery (indexes/index_manager.go's
// SeekClass + field-projection pattern), generalized from RDT field
// projection to an arbitrary user transform function.
type Cached[T any] struct {
	*Store[T]
	sources   []ClassHandle
	transform TransformFunc[T]
	// reseedAll is set by resetAll so the register-time catch-up asks each
	// source for every id rather than only those newer than our watermark.
	reseedAll bool
}

// NewCached registers a Cached class named name, derived from the classes
// named in sourceNames (which must already be registered). info.Sources
// is overwritten with sourceNames.
func NewCached[T any](reg *Registry, name string, sourceNames []string, info SourceInfo, policy IdentityPolicy, transform TransformFunc[T]) (*Cached[T], error) {
	core, err := newClassCore(reg, name)
	if err != nil {
		return nil, err
	}
	store := &Store[T]{classCore: core, identity: NewIdentityMap[Entity[T]](policy)}
	c := &Cached[T]{Store: store, transform: transform}
	core.dispatch = c.onSourceEvent

	info.Sources = sourceNames
	if err := reg.register(name, core, info, c); err != nil {
		return nil, err
	}

	for _, sn := range sourceNames {
		h, ok := reg.Get(sn)
		if !ok {
			continue
		}
		h.EnableTrackPreviousValues()
		c.sources = append(c.sources, h)
	}

	// Register-time catch-up (spec 4.G): ask each source for every id
	// updated since our own last-known version and fire a synthetic
	// invalidation tagged as an initialization source, so a downstream
	// index catches up without a full table scan.
	since := c.classCore.LastVersion()
	if c.reseedAll {
		since = 0
	}
	for _, src := range c.sources {
		ivs, err := src.GetInstanceIDsAndVersionsSince(since)
		if err != nil {
			return nil, err
		}
		for _, iv := range ivs {
			e := c.ForID(iv.ID)
			if err := e.invalidate(map[any]struct{}{bus.InitializationSource: {}}); err != nil {
				return nil, err
			}
		}
	}

	return c, nil
}

// resetAll shadows Store[T]'s no-op virtual hook. The registry calls it for
// a fresh table or a dbVersion change (after clearing the table); it marks
// the class so the register-time catch-up loop above reseeds an
// invalidation row for every current source id, not only the ids updated
// since this class's watermark.
func (c *Cached[T]) resetAll(clearDb bool) error {
	c.reseedAll = true
	return nil
}

// LastVersion overrides classCore's to report the effective version (spec
// 4.G): max(ownVersion, max(Source.version)).
func (c *Cached[T]) LastVersion() int64 {
	v := c.classCore.LastVersion()
	for _, s := range c.sources {
		if sv := s.LastVersion(); sv > v {
			v = sv
		}
	}
	return v
}

// onSourceEvent reacts to a source update by invalidating the
// correspondingly-id'd entity in this class. It assumes a 1:1 id mapping
// between a Cached class and its source(s), the common case the teacher's
// derived views use; a transform that changes the id space needs a
// bespoke dispatch, not this default.
func (c *Cached[T]) onSourceEvent(ctx context.Context, ev bus.Event) {
	if ev.Kind == bus.Reset {
		return
	}
	id := ParseID(ev.ID)
	e := c.ForID(id)
	if err := e.invalidate(ev.Sources); err != nil {
		c.reg.Logger.ErrorCtx(ctx, "cached: invalidate failed", "class", c.name, "id", ev.ID, "error", err)
	}
}

// ValueOf resolves id's value, recomputing it via transform if the entity
// is currently invalidated or has no local data, and writing the result
// through so subsequent reads are served from the persisted row.
func (c *Cached[T]) ValueOf(ctx *cctx.Context, id ID) (*T, error) {
	e := c.ForID(id)
	if err := e.loadLatestLocalData(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	state := e.readyState
	e.mu.Unlock()
	if state == UpToDate {
		return e.ValueOf(ctx)
	}

	v, err := c.transform(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.SetValue(v); err != nil {
		return nil, err
	}
	return &v, nil
}
