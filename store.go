package cobase

import (
	"context"
	"fmt"
	"iter"

	"golang.org/x/sync/errgroup"

	"github.com/ahamid/cobase/bus"
	"github.com/ahamid/cobase/cctx"
	"github.com/ahamid/cobase/future"
	"github.com/ahamid/cobase/kv"
)

// Store[T] is the entity store / KeyValued component (4.D): the identity
// map, load/store logic and update protocol for one class of persisted
// entities whose value type is T. Grounded on the teacher's per-class ORM
// surface (orm.go, objects.go) generalized from RDT field objects to one
// opaque JSON value per entity.
type Store[T any] struct {
	*classCore
	identity *IdentityMap[Entity[T]]
}

// NewStore opens (or attaches to) a persisted class named name and
// registers it with reg. info.Sources, if any, are wired so this store's
// entities receive updated() calls whenever a source publishes — used by
// classes that mirror or derive from another class without the full
// Cached transform machinery.
func NewStore[T any](reg *Registry, name string, info SourceInfo, policy IdentityPolicy) (*Store[T], error) {
	core, err := newClassCore(reg, name)
	if err != nil {
		return nil, err
	}
	s := &Store[T]{
		classCore: core,
		identity:  NewIdentityMap[Entity[T]](policy),
	}
	core.dispatch = s.onSourceEvent
	if err := reg.register(name, core, info, s); err != nil {
		return nil, err
	}
	return s, nil
}

// resetAll implements ClassHandle's virtual reset hook. A raw persisted
// store has no derived state to reseed: a dbVersion change simply starts a
// fresh table (already cleared by the registry) with nothing to replay.
func (s *Store[T]) resetAll(clearDb bool) error { return nil }

// onSourceEvent reacts to an update published by a class this store
// mirrors (info.Sources), applying the same value by re-running set-value
// with the source's payload. Plain stores with no configured sources never
// receive this callback.
func (s *Store[T]) onSourceEvent(ctx context.Context, ev bus.Event) {
	// A plain mirrored store has no transform to apply here; components
	// built for derivation (Cached[T]) override dispatch entirely instead
	// of relying on this default, so this is intentionally a no-op.
}

// ValueOf is a convenience wrapper around ForID(id).ValueOf(ctx), the
// shape an Index needs to read a typed source value without depending on
// Store[T] directly (Cached[T] shadows this with its own recompute-on-read
// ValueOf of the same signature).
func (s *Store[T]) ValueOf(ctx *cctx.Context, id ID) (*T, error) {
	return s.ForID(id).ValueOf(ctx)
}

func (s *Store[T]) newEntity(id ID) *Entity[T] {
	return &Entity[T]{store: s, id: id, canonical: true}
}

// ForID returns the canonical live instance for id (spec 4.D get-by-id).
func (s *Store[T]) ForID(id ID) *Entity[T] {
	return s.identity.ForID(id.String(), func() *Entity[T] { return s.newEntity(id) })
}

// GetByIDs performs a bounded-concurrency batched fetch, returning results
// in input order (spec 4.D get-by-ids). Each entity is loaded before it is
// returned so callers can call ValueOf without blocking again.
func (s *Store[T]) GetByIDs(ctx context.Context, ids []ID) ([]*Entity[T], error) {
	out := make([]*Entity[T], len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.reg.Opts.MaxInFlightLoads)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			e := s.ForID(id)
			if err := e.loadLatestLocalData(); err != nil {
				return err
			}
			out[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// AllIDs iterates every entity id currently in the table, in key order.
func (s *Store[T]) AllIDs() iter.Seq2[ID, error] {
	return func(yield func(ID, error) bool) {
		for k, _ := range s.table.Iterable(kv.Range{Gte: EntityKeyFrom, Values: false}) {
			scalar, _, err := DecodeOrdered(k)
			if err != nil {
				yield(ID{}, err)
				return
			}
			candidate, convErr := idFromScalar(scalar)
			if convErr != nil {
				yield(ID{}, convErr)
				return
			}
			if !yield(candidate, nil) {
				return
			}
		}
	}
}

// GetInstanceIDsAndVersionsSince implements ClassHandle: a full range scan
// returning every id whose row version exceeds since, used by a Cached
// register's catch-up replay and by an index's resume-on-startup.
func (s *Store[T]) GetInstanceIDsAndVersionsSince(since int64) ([]IDVersion, error) {
	var out []IDVersion
	for k, v := range s.table.Iterable(kv.Range{Gte: EntityKeyFrom, Values: true}) {
		scalar, _, err := DecodeOrdered(k)
		if err != nil {
			return nil, err
		}
		id, err := idFromScalar(scalar)
		if err != nil {
			return nil, err
		}
		version, _, _, err := decodeRow(v)
		if err != nil {
			return nil, err
		}
		if version > since {
			out = append(out, IDVersion{ID: id, Version: version})
		}
	}
	return out, nil
}

func idFromScalar(v any) (ID, error) {
	switch t := v.(type) {
	case int64:
		return IntID(t), nil
	case string:
		return StringID(t)
	default:
		return ID{}, fmt.Errorf("cobase: unexpected key scalar type %T", v)
	}
}

// updateRequest carries the pieces of the 4.D update protocol that vary
// between set-value, remove and a Cached entity's lazy invalidation.
type updateRequest struct {
	added   bool
	deleted bool
	// sources tags the resulting event's origin (e.g. bus.InitializationSource
	// for a Cached register's catch-up replay).
	sources map[any]struct{}
	mutate  func(version int64)
	write   func(version int64) *future.Future[struct{}]
}

// updated runs the entity update protocol (spec 4.D steps 1-5) for e:
// capture previous value if tracked, assign a version, apply the
// in-memory mutation, enqueue the durable write, publish to listeners,
// and (unless suppressed) reset any dependent cache. It is also the entry
// point Cached[T] drives when reacting to a source event, so the protocol
// runs identically for locally-originated and source-triggered updates.
func (s *Store[T]) updated(e *Entity[T], req updateRequest) error {
	ev := bus.Event{ID: e.id.String(), Sources: req.sources}
	switch {
	case req.deleted:
		ev.Kind = bus.Deleted
	case req.added:
		ev.Kind = bus.Added
	default:
		ev.Kind = bus.Replaced
	}

	if s.trackPreviousValues {
		e.mu.Lock()
		if e.haveJSON {
			ev.PreviousValues = map[string][]byte{e.id.String(): e.asJSON}
		}
		e.mu.Unlock()
	}

	version := s.reg.Clock.NextVersion()
	ev.Version = version

	req.mutate(version)

	completion := req.write(version)
	ev.WhenWritten = completion

	s.publish(context.Background(), ev)
	return nil
}
