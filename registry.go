package cobase

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"

	"github.com/ahamid/cobase/bus"
	"github.com/ahamid/cobase/clock"
	"github.com/ahamid/cobase/cobase_errors"
	"github.com/ahamid/cobase/expiry"
	"github.com/ahamid/cobase/future"
	"github.com/ahamid/cobase/kv"
	"github.com/ahamid/cobase/logging"
)

// IDVersion pairs an entity id with the version it last carried; returned
// by GetInstanceIDsAndVersionsSince, the primitive Cached.register and the
// indexer's resume-on-startup use to catch up on missed updates.
type IDVersion struct {
	ID      ID
	Version int64
}

// ClassHandle is the registry's untyped view of a class: everything the
// class registry, a Cached transform, and an index need to know about a
// class without depending on its value type parameter.
type ClassHandle interface {
	Name() string
	DBVersion() string
	LastVersion() int64
	Ready() *future.Future[struct{}]
	Notifies(l bus.Listener)
	StopNotifies(l bus.Listener)
	EnableTrackPreviousValues()
	GetInstanceIDsAndVersionsSince(since int64) ([]IDVersion, error)
	// resetAll is virtual (spec 4.F): raw persisted classes are no-ops,
	// Cached classes reseed one version-only invalidation row per source id.
	resetAll(clearDb bool) error
}

// SourceInfo tells the registry how to compute a class's dbVersion (spec
// 4.F step 2): either an explicit numeric version, or a transform source
// file to hash.
type SourceInfo struct {
	// Version, if non-empty, is used verbatim as dbVersion.
	Version string
	// TransformFile, if set, is hashed with HMAC-SHA256(key="portal", ...)
	// to derive dbVersion, and its mtime becomes TransformVersion.
	TransformFile string
	// Sources names the classes this class is derived from.
	Sources []string
}

// portalHMACKey is the fixed HMAC key the teacher's dbVersion derivation
// uses for transform-source hashing.
var portalHMACKey = []byte("portal")

func computeDBVersion(info SourceInfo) (dbVersion string, transformVersion int64, err error) {
	if info.Version != "" {
		return info.Version, 0, nil
	}
	if info.TransformFile == "" {
		return "", 0, nil
	}
	contents, err := os.ReadFile(info.TransformFile)
	if err != nil {
		return "", 0, err
	}
	mac := hmac.New(sha256.New, portalHMACKey)
	mac.Write(contents)
	dbVersion = hex.EncodeToString(mac.Sum(nil))
	fi, err := os.Stat(info.TransformFile)
	if err != nil {
		return "", 0, err
	}
	transformVersion = fi.ModTime().UnixNano()
	return dbVersion, transformVersion, nil
}

// Registry is the process-wide class registry & versioning component
// (4.F): it owns the shared bus, expiration strategy, clock, engine and
// logger that every registered class is built against, and enforces the
// no-duplicate-name and dbVersion-triggers-reset invariants.
type Registry struct {
	mu      sync.Mutex
	classes map[string]ClassHandle

	Engine kv.Engine
	Bus    *bus.Bus
	Clock  clock.Clock
	Logger logging.Logger
	Expiry *expiry.Strategy
	Opts   Options
}

func NewRegistry(engine kv.Engine, clk clock.Clock, logger logging.Logger, opts Options) *Registry {
	opts.SetDefaults()
	return &Registry{
		classes: make(map[string]ClassHandle),
		Engine:  engine,
		Bus:     bus.New(),
		Clock:   clk,
		Logger:  logger,
		Expiry:  expiry.New(opts.CacheCapacityBytes),
		Opts:    opts,
	}
}

func (r *Registry) Get(name string) (ClassHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.classes[name]
	return c, ok
}

// register performs spec 4.F's four steps for one class. It is called by
// Store.Register and Cached.Register once the concrete class has built
// its classCore; core.resetAll must already be wired to the concrete
// class's virtual behavior.
func (r *Registry) register(name string, core *classCore, info SourceInfo, handle ClassHandle) error {
	r.mu.Lock()
	if _, exists := r.classes[name]; exists {
		r.mu.Unlock()
		return cobase_errors.ErrAlreadyRegistered
	}
	r.classes[name] = handle
	r.mu.Unlock()

	dbVersion, _, err := computeDBVersion(info)
	if err != nil {
		return err
	}
	core.dbVersion = dbVersion

	raw, err := core.table.Get(ClassMetaKey)
	var stored *classMetaRecord
	if err == nil {
		m, decErr := decodeClassMeta(raw)
		if decErr == nil {
			stored = &m
		}
	} else if err != kv.ErrNotFound {
		return err
	}

	if stored != nil && stored.DBVersion == dbVersion {
		core.startVersion = stored.StartVersion
	} else {
		core.startVersion = r.Clock.NextVersion()
		clearDb := stored != nil
		if clearDb {
			if err := core.table.Clear(); err != nil {
				return err
			}
		}
		if err := handle.resetAll(clearDb); err != nil {
			return err
		}
		meta := encodeClassMeta(classMetaRecord{StartVersion: core.startVersion, DBVersion: dbVersion})
		completion := core.batcher.Put(ClassMetaKey, meta, core.startVersion)
		if _, err := completion.Wait(); err != nil {
			return err
		}
	}

	for _, src := range info.Sources {
		if srcHandle, ok := r.Get(src); ok {
			srcHandle.Notifies(bus.ListenerFunc(func(ctx context.Context, ev bus.Event) {
				core.dispatch(ctx, ev)
			}))
		} else {
			r.Logger.Warn("register: source class not yet registered", "class", name, "source", src)
		}
	}

	core.ready.Resolve(struct{}{}, nil)
	return nil
}

// classCore is the shared, untyped state every concrete class (Store[T],
// Cached[T]) embeds — everything the batcher, the bus and the registry
// need that doesn't depend on the value type parameter T.
type classCore struct {
	name    string
	reg     *Registry
	table   kv.Table
	batcher *Batcher

	dbVersion    string
	startVersion int64

	trackPreviousValues bool

	ready *future.Future[struct{}]

	// dispatch is invoked for every event this class receives from a
	// source it Notifies-subscribed to (Cached rebuild, index enqueue).
	// nil for raw persisted classes with no Sources.
	dispatch func(ctx context.Context, ev bus.Event)
}

func newClassCore(reg *Registry, name string) (*classCore, error) {
	table, err := reg.Engine.Open(name)
	if err != nil {
		return nil, err
	}
	core := &classCore{
		name:  name,
		reg:   reg,
		table: table,
		ready: future.New[struct{}](),
	}
	core.batcher = NewBatcher(name, table, reg.Clock, reg.Logger, &reg.Opts, func(err error) {
		reg.Logger.Error("class db failure", "class", name, "error", err)
	})

	// Restore the persisted watermark (mirrors index.Index's own
	// resumeOnStartup): without this, LastVersion() reports 0 after every
	// restart, forcing Cached.register's catch-up loop to re-invalidate
	// every entity instead of only what changed since the real watermark.
	raw, err := table.Get(WatermarkKey)
	if err == nil {
		watermark, decErr := decodeWatermark(raw)
		if decErr != nil {
			return nil, decErr
		}
		core.batcher.seedLastVersion(watermark)
	} else if err != kv.ErrNotFound {
		return nil, err
	}

	return core, nil
}

func (c *classCore) Name() string                   { return c.name }
func (c *classCore) DBVersion() string               { return c.dbVersion }
func (c *classCore) LastVersion() int64              { return c.batcher.LastVersion() }
func (c *classCore) Ready() *future.Future[struct{}] { return c.ready }
func (c *classCore) Notifies(l bus.Listener)         { c.reg.Bus.Notifies(c.name, l) }
func (c *classCore) StopNotifies(l bus.Listener)     { c.reg.Bus.StopNotifies(c.name, l) }
func (c *classCore) EnableTrackPreviousValues()      { c.trackPreviousValues = true }

func (c *classCore) publish(ctx context.Context, ev bus.Event) {
	ev.Class = c.name
	c.reg.Bus.Publish(ctx, c.name, ev)
}

func (c *classCore) dbGet(key []byte) ([]byte, error) {
	if v, found := c.batcher.DbGet(key); found {
		if v == nil {
			return nil, kv.ErrNotFound
		}
		return v, nil
	}
	return c.table.Get(key)
}
