// Package index implements the incremental indexer (component H): a class
// bound to exactly one source class, maintaining rows of
// (index_key, source_id) -> value incrementally as the source changes.
// Grounded on the teacher's index_manager.go (ReindexTask state machine,
// CheckReindexTasks sweep, prometheus vectors) generalized from per-field
// RDT reindexing to an arbitrary user indexBy function over a JSON value.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"iter"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ahamid/cobase"
	"github.com/ahamid/cobase/bus"
	"github.com/ahamid/cobase/cctx"
	"github.com/ahamid/cobase/clock"
	"github.com/ahamid/cobase/kv"
	"github.com/ahamid/cobase/logging"
)

// decodedKey memoizes one DecodeIndexEntryKey result, keyed by the raw
// composite key bytes.
type decodedKey struct {
	indexKey any
	sourceID any
}

// decodeKeyCacheSize bounds the composite-key decode cache shared by
// deleteRowsForSource and GetInstanceIDs. A resume after downtime calls
// deleteRowsForSource once per source id touched since the watermark, and
// each call does a full table scan — rows untouched by any of those ids get
// decoded identically on every one of those scans, so memoizing the decode
// by raw key bytes turns O(affected ids * table size) decodes into
// O(table size) for the common case of a table that changes slowly between
// resumes.
const decodeKeyCacheSize = 4096

// Entry is one {key, value} pair an indexBy function produces for a
// source value. Value is pre-serialized JSON, matching the row format
// stored under the composite index key.
type Entry struct {
	Key   any
	Value []byte
}

// By is a pure, referentially transparent projection from a source value
// to zero or more index entries; used symmetrically for insertion and
// removal (spec glossary "indexBy"). A nil value (the source id was
// deleted) must return no entries.
type By[S any] func(value *S) []Entry

// State is an index's coarse lifecycle (spec 4.H).
type State int

const (
	Pending State = iota
	Processing
	Processed
	Ready
)

type request struct {
	version       int64
	deleted       bool
	sources       map[any]struct{}
	previousState any // *S, boxed
	havePrevious  bool
}

type keyUpdate struct {
	scalar  any
	sources map[any]struct{}
}

// Index is one incremental index over a source class whose values have Go
// type S.
type Index[S any] struct {
	name   string
	table  kv.Table
	reg    *cobase.Registry
	source cobase.ClassHandle
	load   func(ctx *cctx.Context, id cobase.ID) (*S, error)
	by     By[S]
	clock  clock.Clock
	logger logging.Logger
	opts   cobase.Options

	mu                    sync.Mutex
	queue                 []string
	requests              map[string]*request
	lastIndexedVersion    int64
	queuedIndexedProgress int64
	haveQueuedProgress    bool
	state                 State
	cancelIndexing        bool

	wake chan struct{}
	stop chan struct{}

	decodeCache *lru.Cache[string, decodedKey]
}

// New builds and starts an index named name over source, using load to
// fetch the source's current typed value and by to project it. source
// must already be registered; New enables source's previous-value
// tracking as a side effect (spec 4.H: "the source is reconfigured to
// emit previous values with each update").
func New[S any](reg *cobase.Registry, name string, source cobase.ClassHandle, load func(ctx *cctx.Context, id cobase.ID) (*S, error), by By[S]) (*Index[S], error) {
	table, err := reg.Engine.Open(name)
	if err != nil {
		return nil, err
	}
	decodeCache, err := lru.New[string, decodedKey](decodeKeyCacheSize)
	if err != nil {
		return nil, err
	}
	idx := &Index[S]{
		name:        name,
		table:       table,
		reg:         reg,
		source:      source,
		load:        load,
		by:          by,
		clock:       reg.Clock,
		logger:      reg.Logger,
		opts:        reg.Opts,
		requests:    make(map[string]*request),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		decodeCache: decodeCache,
	}

	source.EnableTrackPreviousValues()
	source.Notifies(bus.ListenerFunc(idx.onSourceEvent))

	if err := idx.resumeOnStartup(); err != nil {
		return nil, err
	}
	idx.readyIfNothingQueued()

	go idx.loop()
	go idx.repairLoop()

	return idx, nil
}

func (idx *Index[S]) Name() string  { return idx.name }
func (idx *Index[S]) State() State  { idx.mu.Lock(); defer idx.mu.Unlock(); return idx.state }
func (idx *Index[S]) LastIndexedVersion() int64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.lastIndexedVersion
}

func (idx *Index[S]) setState(s State) {
	idx.mu.Lock()
	idx.state = s
	idx.mu.Unlock()
}

// onSourceEvent is the enqueue step (spec 4.H "Enqueue (from source
// update)"): look up or create the request for id, move it to the tail so
// queue order reflects the latest event version, fold in sources and
// deleted, and capture previousState on first enqueue only.
func (idx *Index[S]) onSourceEvent(ctx context.Context, ev bus.Event) {
	if ev.Kind == bus.Reset {
		return
	}
	idx.mu.Lock()
	req, exists := idx.requests[ev.ID]
	if exists {
		idx.removeFromQueueLocked(ev.ID)
	} else {
		req = &request{}
		idx.requests[ev.ID] = req
	}
	idx.queue = append(idx.queue, ev.ID)
	req.version = ev.Version
	if ev.Kind == bus.Deleted {
		req.deleted = true
	}
	if req.sources == nil {
		req.sources = make(map[any]struct{})
	}
	for s := range ev.Sources {
		req.sources[s] = struct{}{}
	}
	if !req.havePrevious {
		if raw, ok := ev.PreviousValues[ev.ID]; ok {
			var v S
			if err := json.Unmarshal(raw, &v); err == nil {
				req.previousState = &v
			}
		}
		req.havePrevious = true
	}
	queueDepth := len(idx.queue)
	idx.mu.Unlock()
	cobase.IndexQueueDepth.WithLabelValues(idx.name).Set(float64(queueDepth))

	if !exists {
		go func() {
			idx.clock.Sleep(idx.opts.IndexEnqueueDelay)
			idx.signalWork()
		}()
	} else {
		idx.signalWork()
	}
}

func (idx *Index[S]) removeFromQueueLocked(id string) {
	for i, q := range idx.queue {
		if q == id {
			idx.queue = append(idx.queue[:i], idx.queue[i+1:]...)
			return
		}
	}
}

func (idx *Index[S]) signalWork() {
	select {
	case idx.wake <- struct{}{}:
	default:
	}
}

func (idx *Index[S]) queueLen() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.queue)
}

// loop drives queue processing: it blocks until there is work, runs one
// full pass to drain the queue, then waits again.
func (idx *Index[S]) loop() {
	for {
		select {
		case <-idx.stop:
			return
		case <-idx.wake:
		}
		if idx.queueLen() > 0 {
			idx.processQueue(context.Background())
		}
	}
}

// Close stops the index's background loops. Any in-flight pass finishes.
func (idx *Index[S]) Close() { close(idx.stop) }

// processQueue implements spec 4.H's "Queue processing": pull requests in
// insertion order, index up to IndexConcurrency in flight, commit and
// yield every 2*IndexConcurrency entries, and on drain commit once more
// and persist lastIndexedVersion.
func (idx *Index[S]) processQueue(ctx context.Context) {
	idx.setState(Processing)
	concurrency := idx.opts.IndexConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var (
		opsMu   sync.Mutex
		ops     []kv.Op
		updated = make(map[string]keyUpdate)
		wg      sync.WaitGroup
		sem     = make(chan struct{}, concurrency)
	)
	processedSincePass := 0

	flushPass := func() {
		wg.Wait()
		opsMu.Lock()
		batchOps := ops
		batchUpdated := updated
		ops = nil
		updated = make(map[string]keyUpdate)
		opsMu.Unlock()
		idx.commitOperations(ctx, batchOps, batchUpdated)
	}

	for {
		if idx.isCancelled() {
			wg.Wait()
			return
		}
		idx.mu.Lock()
		if len(idx.queue) == 0 {
			idx.mu.Unlock()
			break
		}
		id := idx.queue[0]
		idx.queue = idx.queue[1:]
		req := idx.requests[id]
		delete(idx.requests, id)
		queueDepth := len(idx.queue)
		idx.mu.Unlock()
		cobase.IndexQueueDepth.WithLabelValues(idx.name).Set(float64(queueDepth))

		sem <- struct{}{}
		wg.Add(1)
		go func(id string, req *request) {
			defer wg.Done()
			defer func() { <-sem }()
			start := time.Now()
			entryOps, entryUpdated, err := idx.indexOne(ctx, id, req)
			cobase.IndexOneDuration.WithLabelValues(idx.name).Observe(time.Since(start).Seconds())
			if err != nil {
				cobase.IndexOneFailures.WithLabelValues(idx.name, "index-one").Inc()
				idx.logger.Error("index: indexing one entry failed", "index", idx.name, "id", id, "error", err)
				return
			}
			opsMu.Lock()
			ops = append(ops, entryOps...)
			for k, u := range entryUpdated {
				existing := updated[k]
				existing.scalar = u.scalar
				if existing.sources == nil {
					existing.sources = make(map[any]struct{})
				}
				for s := range u.sources {
					existing.sources[s] = struct{}{}
				}
				updated[k] = existing
			}
			opsMu.Unlock()
		}(id, req)

		processedSincePass++
		if processedSincePass >= 2*concurrency {
			flushPass()
			processedSincePass = 0
			if idx.isCancelled() {
				return
			}
			idx.clock.Sleep(idx.opts.IndexNiceness)
		}
	}

	flushPass()
	idx.setState(Processed)

	idx.mu.Lock()
	final := idx.lastIndexedVersion
	idx.mu.Unlock()
	if err := idx.table.Put(cobase.WatermarkKey, encodeVersion(final)); err != nil {
		idx.logger.Error("index: failed to persist watermark", "index", idx.name, "error", err)
	}
	idx.setState(Ready)
}

func (idx *Index[S]) isCancelled() bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.cancelIndexing
}

// indexOne implements spec 4.H "Index one entry".
func (idx *Index[S]) indexOne(ctx context.Context, idStr string, req *request) ([]kv.Op, map[string]keyUpdate, error) {
	id := cobase.ParseID(idStr)

	toRemove := make(map[string][]byte)
	keyScalars := make(map[string]any)
	if req.havePrevious && req.previousState != nil {
		if prev, ok := req.previousState.(*S); ok && prev != nil {
			for _, e := range idx.by(prev) {
				k, err := cobase.EncodeOrdered(e.Key)
				if err != nil {
					continue
				}
				toRemove[string(k)] = e.Value
				keyScalars[string(k)] = e.Key
			}
		}
	}

	var ops []kv.Op
	updated := make(map[string]keyUpdate)

	if !req.deleted {
		value, err := idx.loadWithRetry(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		for _, e := range idx.by(value) {
			k, err := cobase.EncodeOrdered(e.Key)
			if err != nil {
				continue
			}
			ks := string(k)
			if existing, ok := toRemove[ks]; ok && bytes.Equal(existing, e.Value) {
				delete(toRemove, ks)
				continue
			}
			compKey, err := cobase.EncodeIndexEntryKey(e.Key, id.Scalar())
			if err != nil {
				continue
			}
			ops = append(ops, kv.Op{Type: kv.OpPut, Key: compKey, Value: e.Value})
			delete(toRemove, ks)
			updated[ks] = keyUpdate{scalar: e.Key, sources: req.sources}
		}
	}

	for ks, scalar := range keyScalars {
		if _, stillPresent := toRemove[ks]; !stillPresent {
			continue
		}
		compKey, err := cobase.EncodeIndexEntryKey(scalar, id.Scalar())
		if err != nil {
			continue
		}
		ops = append(ops, kv.Op{Type: kv.OpDel, Key: compKey})
		updated[ks] = keyUpdate{scalar: scalar, sources: req.sources}
	}

	idx.mu.Lock()
	if req.version > idx.lastIndexedVersion {
		idx.lastIndexedVersion = req.version
	}
	idx.mu.Unlock()

	return ops, updated, nil
}

func (idx *Index[S]) loadWithRetry(ctx context.Context, id cobase.ID) (*S, error) {
	v, err := idx.load(cctx.Background(), id)
	if err != nil {
		v, err = idx.load(cctx.Background(), id)
	}
	return v, err
}

// commitOperations implements spec 4.H "commitOperations": records
// indexedProgress bounded by the still-queued work, batches ops with the
// previous commit's queued progress folded in, and fans out replaced
// events per touched index key once the batch is durable.
func (idx *Index[S]) commitOperations(ctx context.Context, ops []kv.Op, updated map[string]keyUpdate) {
	idx.mu.Lock()
	var indexedProgress int64
	if len(idx.queue) > 0 {
		next := idx.requests[idx.queue[0]]
		indexedProgress = idx.lastIndexedVersion
		if next != nil && next.version-1 < indexedProgress {
			indexedProgress = next.version - 1
		}
	} else {
		indexedProgress = idx.lastIndexedVersion
	}
	idx.mu.Unlock()

	if len(ops) == 0 {
		idx.mu.Lock()
		idx.queuedIndexedProgress = indexedProgress
		idx.haveQueuedProgress = true
		idx.mu.Unlock()
		return
	}

	idx.mu.Lock()
	batch := append([]kv.Op(nil), ops...)
	if idx.haveQueuedProgress {
		batch = append(batch, kv.Op{Type: kv.OpPut, Key: cobase.WatermarkKey, Value: encodeVersion(idx.queuedIndexedProgress)})
	}
	idx.mu.Unlock()

	if _, err := idx.table.Batch(batch).Wait(); err != nil {
		idx.logger.Error("index: commit failed", "index", idx.name, "error", err)
		return
	}
	cobase.IndexCommits.WithLabelValues(idx.name).Inc()

	for ks, u := range updated {
		idx.reg.Bus.Publish(ctx, idx.name, bus.Event{Kind: bus.Replaced, ID: ks, Sources: u.sources})
	}

	idx.mu.Lock()
	idx.queuedIndexedProgress = indexedProgress
	idx.haveQueuedProgress = true
	idx.mu.Unlock()
}

// resumeOnStartup implements spec 4.H "Resume on startup": if the
// persisted watermark is zero the table is cleared and a full rebuild is
// enqueued; otherwise only ids touched since the watermark are re-queued,
// after deleting any of their existing rows first.
func (idx *Index[S]) resumeOnStartup() error {
	raw, err := idx.table.Get(cobase.WatermarkKey)
	var last int64
	if err == nil {
		last, err = decodeVersion(raw)
		if err != nil {
			return err
		}
	} else if err != kv.ErrNotFound {
		return err
	}

	if last == 0 {
		if err := idx.table.Clear(); err != nil {
			return err
		}
	}

	ivs, err := idx.source.GetInstanceIDsAndVersionsSince(last)
	if err != nil {
		return err
	}
	for _, iv := range ivs {
		if last != 0 {
			if err := idx.deleteRowsForSource(iv.ID); err != nil {
				return err
			}
		}
		idx.enqueueSynthetic(iv.ID, iv.Version)
	}
	return nil
}

// Rebuild implements spec 4.H "Rebuild": clear the table, zero the
// watermark, then resume — which becomes a full build since the watermark
// is now zero.
func (idx *Index[S]) Rebuild() error {
	idx.mu.Lock()
	idx.cancelIndexing = true
	idx.state = Pending
	idx.mu.Unlock()

	if err := idx.table.Clear(); err != nil {
		return err
	}
	if err := idx.table.Put(cobase.WatermarkKey, encodeVersion(0)); err != nil {
		return err
	}

	idx.mu.Lock()
	idx.cancelIndexing = false
	idx.mu.Unlock()

	if err := idx.resumeOnStartup(); err != nil {
		return err
	}
	idx.readyIfNothingQueued()
	idx.signalWork()
	return nil
}

// readyIfNothingQueued moves a Pending index straight to Ready when a
// resume enqueued no work, since no processing pass will run to do it.
func (idx *Index[S]) readyIfNothingQueued() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if len(idx.queue) == 0 && idx.state == Pending {
		idx.state = Ready
	}
}

func (idx *Index[S]) enqueueSynthetic(id cobase.ID, version int64) {
	idx.mu.Lock()
	idStr := id.String()
	req, exists := idx.requests[idStr]
	if exists {
		idx.removeFromQueueLocked(idStr)
	} else {
		req = &request{}
		idx.requests[idStr] = req
	}
	idx.queue = append(idx.queue, idStr)
	req.version = version
	if req.sources == nil {
		req.sources = make(map[any]struct{})
	}
	req.sources[bus.InitializationSource] = struct{}{}
	req.havePrevious = true // no previous state known across a resume; treat as absent
	queueDepth := len(idx.queue)
	idx.mu.Unlock()
	cobase.IndexQueueDepth.WithLabelValues(idx.name).Set(float64(queueDepth))
	idx.signalWork()
}

// deleteRowsForSource removes every existing index row whose decoded
// source id equals id, via a full range scan — the index has no secondary
// structure keyed by source id, so a resume after downtime pays this cost
// once per affected id.
func (idx *Index[S]) deleteRowsForSource(id cobase.ID) error {
	target := id.Scalar()
	var toDelete [][]byte
	for k, _ := range idx.table.Iterable(kv.Range{Gte: []byte{0x00}, Values: false}) {
		if len(k) == 2 && k[0] == 0x01 {
			continue // reserved keys
		}
		dk, err := idx.decodeKeyCached(k)
		if err != nil {
			continue
		}
		if dk.sourceID == target {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
	}
	for _, k := range toDelete {
		if err := idx.table.RemoveSync(k); err != nil {
			return err
		}
	}
	return nil
}

// repairLoop is the supplemented periodic repair sweep (SPEC_FULL §6),
// grounded on the teacher's CheckReindexTasks (index_manager.go): it
// periodically compares the source's last version against this index's
// watermark and re-triggers a catch-up if they've drifted, guarding
// against a missed or dropped bus event.
func (idx *Index[S]) repairLoop() {
	for {
		select {
		case <-idx.stop:
			return
		case <-idx.clock.After(idx.opts.IndexRepairInterval):
		}
		sourceVersion := idx.source.LastVersion()
		if sourceVersion > idx.LastIndexedVersion() && idx.queueLen() == 0 {
			if err := idx.resumeOnStartup(); err != nil {
				cobase.IndexRepairResults.WithLabelValues(idx.name, "error").Inc()
				idx.logger.Error("index: repair sweep failed", "index", idx.name, "error", err)
				continue
			}
			cobase.IndexRepairResults.WithLabelValues(idx.name, "caught-up").Inc()
		} else {
			cobase.IndexRepairResults.WithLabelValues(idx.name, "clean").Inc()
		}
	}
}

// Transform performs a range scan over the composite-key prefix for
// indexKey, yielding each row's value in source-id order (spec 4.H Reads
// "transform()"). It waits for all pending writes to be durable first so a
// caller sees its own writes.
func (idx *Index[S]) Transform(indexKey any) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if err := idx.table.WaitForAllWrites(); err != nil {
			yield(nil, err)
			return
		}
		gte, lt, err := cobase.IndexKeyPrefixRange(indexKey)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, v := range idx.table.Iterable(kv.Range{Gte: gte, Lt: lt, Values: true}) {
			if !yield(v, nil) {
				return
			}
		}
	}
}

// GetInstanceIDs returns distinct index keys in order, deduplicating
// adjacent equal decoded keys, over the half-open range [gte, lt) of raw
// encoded index keys (spec 4.H Reads "getInstanceIds").
func (idx *Index[S]) GetInstanceIDs(gte, lt []byte) ([]any, error) {
	if err := idx.table.WaitForAllWrites(); err != nil {
		return nil, err
	}
	var out []any
	var lastEncoded string
	haveLast := false
	for k, _ := range idx.table.Iterable(kv.Range{Gte: gte, Lt: lt, Values: false}) {
		dk, err := idx.decodeKeyCached(k)
		if err != nil {
			continue
		}
		enc, err := cobase.EncodeOrdered(dk.indexKey)
		if err != nil {
			continue
		}
		if haveLast && string(enc) == lastEncoded {
			continue
		}
		out = append(out, dk.indexKey)
		lastEncoded = string(enc)
		haveLast = true
	}
	return out, nil
}

// decodeKeyCached decodes a composite index key, memoizing the result by
// raw key bytes so repeated scans over an unchanged table (successive
// deleteRowsForSource calls during a resume, or repeated GetInstanceIDs
// reads) don't pay for the same decode more than once.
func (idx *Index[S]) decodeKeyCached(k []byte) (decodedKey, error) {
	ks := string(k)
	if dk, ok := idx.decodeCache.Get(ks); ok {
		return dk, nil
	}
	indexKey, sourceID, err := cobase.DecodeIndexEntryKey(k)
	if err != nil {
		return decodedKey{}, err
	}
	dk := decodedKey{indexKey: indexKey, sourceID: sourceID}
	idx.decodeCache.Add(ks, dk)
	return dk, nil
}

func encodeVersion(v int64) []byte { return strconv.AppendInt(nil, v, 10) }

func decodeVersion(raw []byte) (int64, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	return strconv.ParseInt(string(raw), 10, 64)
}
