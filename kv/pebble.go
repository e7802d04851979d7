package kv

import (
	"iter"
	"path/filepath"

	"github.com/cockroachdb/pebble"

	"github.com/ahamid/cobase/future"
)

// PebbleEngine opens one pebble database per table directory beneath a
// common root, mirroring the teacher's one-replica-one-database layout
// (chotki.Open) generalized to one-table-one-database.
type PebbleEngine struct {
	root string
}

func NewPebbleEngine(root string) *PebbleEngine {
	return &PebbleEngine{root: root}
}

func (e *PebbleEngine) Open(name string) (Table, error) {
	db, err := pebble.Open(filepath.Join(e.root, name), &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &pebbleTable{name: name, db: db}, nil
}

func (e *PebbleEngine) Close() error { return nil }

var writeOptions = &pebble.WriteOptions{Sync: false}

type pebbleTable struct {
	name string
	db   *pebble.DB
}

func (t *pebbleTable) Name() string { return t.name }

func (t *pebbleTable) Get(key []byte) ([]byte, error) {
	val, closer, err := t.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), val...)
	_ = closer.Close()
	return out, nil
}

func (t *pebbleTable) Put(key, value []byte) error {
	return t.db.Set(key, value, writeOptions)
}

func (t *pebbleTable) RemoveSync(key []byte) error {
	return t.db.Delete(key, &pebble.WriteOptions{Sync: true})
}

func (t *pebbleTable) Batch(ops []Op) *future.Future[struct{}] {
	b := t.db.NewBatch()
	for _, op := range ops {
		var err error
		switch op.Type {
		case OpPut:
			err = b.Set(op.Key, op.Value, nil)
		case OpDel:
			err = b.Delete(op.Key, nil)
		}
		if err != nil {
			return future.Resolved(struct{}{}, err)
		}
	}
	err := t.db.Apply(b, writeOptions)
	return future.Resolved(struct{}{}, err)
}

func (t *pebbleTable) Iterable(r Range) iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		opts := &pebble.IterOptions{}
		switch {
		case r.Gte != nil:
			opts.LowerBound = r.Gte
		case r.Gt != nil:
			opts.LowerBound = r.Gt
		}
		switch {
		case r.Lte != nil:
			opts.UpperBound = r.Lte
		case r.Lt != nil:
			opts.UpperBound = r.Lt
		}
		it, err := t.db.NewIter(opts)
		if err != nil {
			return
		}
		defer it.Close()

		var valid bool
		if r.Gt != nil && r.Gte == nil {
			valid = it.SeekGE(r.Gt)
			if valid && string(it.Key()) == string(r.Gt) {
				valid = it.Next()
			}
		} else if opts.LowerBound != nil {
			valid = it.SeekGE(opts.LowerBound)
		} else {
			valid = it.First()
		}
		for ; valid; valid = it.Next() {
			if r.Lt != nil && r.Lte == nil && string(it.Key()) >= string(r.Lt) {
				break
			}
			key := append([]byte(nil), it.Key()...)
			var value []byte
			if r.Values {
				value = append([]byte(nil), it.Value()...)
			}
			if !yield(key, value) {
				return
			}
		}
	}
}

func (t *pebbleTable) Clear() error {
	return t.db.DeleteRange([]byte{0x00}, []byte{0xff, 0xff, 0xff, 0xff}, writeOptions)
}

func (t *pebbleTable) WaitForAllWrites() error {
	return t.db.Flush()
}
