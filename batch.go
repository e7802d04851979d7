package cobase

import (
	"context"
	"sync"

	"github.com/ahamid/cobase/clock"
	"github.com/ahamid/cobase/future"
	"github.com/ahamid/cobase/kv"
	"github.com/ahamid/cobase/logging"
)

// Batcher is the write-batching layer (component E): it coalesces puts and
// deletes into time- and size-bounded atomic batches, maintains the
// persisted last-version watermark, and exposes a completion handle per
// write. Grounded on the teacher's Drain/CommitPacket flow (chotki.go),
// generalized from one global replica log into one batch queue per class
// and fixing the true-maximum-over-batch bug noted in spec §9 (the
// source takes Math.max of a single op's version instead of folding over
// every op in the batch).
type Batcher struct {
	table     kv.Table
	className string
	clock     clock.Clock
	logger    logging.Logger
	opts      *Options

	onDbFailure func(error)

	mu          sync.Mutex
	lastVersion int64
	current     *openBatch
	pending     []*openBatch // oldest first; not-yet-durable batches, newest last
}

type openBatch struct {
	ops       map[string]kv.Op // last write per key wins within a batch
	keyOrder  []string         // insertion order, for deterministic op lists
	byteCount int
	maxVer    int64

	completion *future.Future[struct{}]
	prior      *future.Future[struct{}] // previous batch's completion; flushes chain on this

	timerFired chan struct{}
	flushOnce  sync.Once
}

func NewBatcher(className string, table kv.Table, clk clock.Clock, logger logging.Logger, opts *Options, onDbFailure func(error)) *Batcher {
	return &Batcher{
		table:       table,
		className:   className,
		clock:       clk,
		logger:      logger,
		opts:        opts,
		onDbFailure: onDbFailure,
	}
}

func (b *Batcher) LastVersion() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastVersion
}

// seedLastVersion restores lastVersion from a persisted watermark read back
// at open time, before any write has passed through enqueue.
func (b *Batcher) seedLastVersion(v int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v > b.lastVersion {
		b.lastVersion = v
	}
}

// Put enqueues a put for key at version, returning the completion handle
// of the batch it landed in.
func (b *Batcher) Put(key, value []byte, version int64) *future.Future[struct{}] {
	return b.enqueue(kv.Op{Type: kv.OpPut, Key: key, Value: value}, len(value), version)
}

// Del enqueues a delete for key at version.
func (b *Batcher) Del(key []byte, version int64) *future.Future[struct{}] {
	return b.enqueue(kv.Op{Type: kv.OpDel, Key: key}, 0, version)
}

func (b *Batcher) enqueue(op kv.Op, valueBytes int, version int64) *future.Future[struct{}] {
	b.mu.Lock()
	if b.current == nil {
		b.openBatchLocked()
	}
	batch := b.current
	k := string(op.Key)
	if _, exists := batch.ops[k]; !exists {
		batch.keyOrder = append(batch.keyOrder, k)
	}
	batch.ops[k] = op
	batch.byteCount += valueBytes
	if version > batch.maxVer {
		batch.maxVer = version
	}
	if version > b.lastVersion {
		b.lastVersion = version
	}
	full := len(batch.ops) > b.opts.BatchMaxOps || batch.byteCount > b.opts.BatchMaxBytes
	completion := batch.completion
	b.mu.Unlock()

	if full {
		b.flush(batch, "size")
	}
	return completion
}

// openBatchLocked starts a new current batch and arms its commit timer.
// Caller must hold b.mu.
func (b *Batcher) openBatchLocked() {
	var prior *future.Future[struct{}]
	if n := len(b.pending); n > 0 {
		prior = b.pending[n-1].completion
	} else {
		prior = future.Resolved(struct{}{}, nil)
	}
	batch := &openBatch{
		ops:        make(map[string]kv.Op),
		completion: future.New[struct{}](),
		prior:      prior,
		timerFired: make(chan struct{}),
	}
	b.pending = append(b.pending, batch)
	b.current = batch
	go func() {
		select {
		case <-b.clock.After(b.opts.BatchCommitDelay):
			b.flush(batch, "timer")
		case <-batch.timerFired:
		}
	}()
}

// flush durably writes batch, chained on the completion of the batch
// opened before it so that batches serialize in submission order (spec
// §5 ordering guarantees). Safe to call more than once for the same
// batch (timer race against a size-triggered flush); only the first call
// does anything.
func (b *Batcher) flush(batch *openBatch, reason string) {
	batch.flushOnce.Do(func() {
		close(batch.timerFired)
		b.mu.Lock()
		if b.current == batch {
			b.current = nil
		}
		b.mu.Unlock()

		go func() {
			batch.prior.Wait() // previous batch fully durable before this one starts

			b.mu.Lock()
			ops := make([]kv.Op, 0, len(batch.keyOrder)+1)
			for _, k := range batch.keyOrder {
				ops = append(ops, batch.ops[k])
			}
			watermark := b.lastVersion
			b.mu.Unlock()

			ops = append(ops, kv.Op{Type: kv.OpPut, Key: WatermarkKey, Value: encodeWatermark(watermark)})

			BatchFlushCount.WithLabelValues(b.className, reason).Inc()
			BatchOpsPerFlush.WithLabelValues(b.className).Observe(float64(len(ops)))

			_, err := b.table.Batch(ops).Wait()
			if err != nil {
				BatchFailures.WithLabelValues(b.className).Inc()
				b.logger.ErrorCtx(context.Background(), "batch write failed, durability lost for this batch", "class", b.className, "error", err)
				if b.onDbFailure != nil {
					b.onDbFailure(err)
				}
			}

			b.mu.Lock()
			if len(b.pending) > 0 && b.pending[0] == batch {
				b.pending = b.pending[1:]
			}
			b.mu.Unlock()

			// The completion always resolves, error or not, so callers are
			// never wedged waiting on a batch that failed to write (spec §7
			// write-failure handling).
			batch.completion.Resolve(struct{}{}, nil)
		}()
	})
}

// DbGet consults pending, not-yet-durable batches from newest to oldest
// before falling through to the table, so a read sees its own unflushed
// writes (spec 4.E "read with pending").
func (b *Batcher) DbGet(key []byte) ([]byte, bool) {
	b.mu.Lock()
	k := string(key)
	for i := len(b.pending) - 1; i >= 0; i-- {
		if op, ok := b.pending[i].ops[k]; ok {
			b.mu.Unlock()
			if op.Type == kv.OpDel {
				return nil, true
			}
			return op.Value, true
		}
	}
	b.mu.Unlock()
	return nil, false
}
