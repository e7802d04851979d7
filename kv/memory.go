package kv

import (
	"iter"
	"sort"
	"sync"

	"github.com/ahamid/cobase/future"
)

// MemoryEngine is an in-process Engine backed by plain maps, used by this
// module's own tests instead of standing up Pebble — the doc comment above
// package kv's Table/Engine interfaces calls this out directly ("so the
// store can be pointed at a fake engine in tests").
type MemoryEngine struct {
	mu     sync.Mutex
	tables map[string]*MemoryTable
}

func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{tables: make(map[string]*MemoryTable)}
}

func (e *MemoryEngine) Open(name string) (Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tables[name]; ok {
		return t, nil
	}
	t := &MemoryTable{name: name, rows: make(map[string][]byte)}
	e.tables[name] = t
	return t, nil
}

func (e *MemoryEngine) Close() error { return nil }

// MemoryTable is one table's worth of MemoryEngine state.
type MemoryTable struct {
	name string

	mu   sync.Mutex
	rows map[string][]byte
}

func (t *MemoryTable) Name() string { return t.name }

func (t *MemoryTable) Get(key []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.rows[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (t *MemoryTable) Put(key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows[string(key)] = append([]byte(nil), value...)
	return nil
}

func (t *MemoryTable) RemoveSync(key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rows, string(key))
	return nil
}

func (t *MemoryTable) Batch(ops []Op) *future.Future[struct{}] {
	t.mu.Lock()
	for _, op := range ops {
		switch op.Type {
		case OpPut:
			t.rows[string(op.Key)] = append([]byte(nil), op.Value...)
		case OpDel:
			delete(t.rows, string(op.Key))
		}
	}
	t.mu.Unlock()
	return future.Resolved(struct{}{}, nil)
}

func (t *MemoryTable) Iterable(r Range) iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		t.mu.Lock()
		keys := make([]string, 0, len(t.rows))
		for k := range t.rows {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		snapshot := make(map[string][]byte, len(t.rows))
		for k, v := range t.rows {
			snapshot[k] = v
		}
		t.mu.Unlock()

		for _, k := range keys {
			if r.Gte != nil && k < string(r.Gte) {
				continue
			}
			if r.Gt != nil && k <= string(r.Gt) {
				continue
			}
			if r.Lte != nil && k > string(r.Lte) {
				continue
			}
			if r.Lt != nil && k >= string(r.Lt) {
				break
			}
			var value []byte
			if r.Values {
				value = snapshot[k]
			}
			if !yield([]byte(k), value) {
				return
			}
		}
	}
}

func (t *MemoryTable) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = make(map[string][]byte)
	return nil
}

func (t *MemoryTable) WaitForAllWrites() error { return nil }
