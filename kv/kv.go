// Package kv states the ordered KV engine contract from spec §6: the
// external collaborator the entity store, batcher and indexer are built
// against. This package never assumes Pebble directly — see pebble.go for
// the concrete adaptor — so the store can be pointed at a fake engine in
// tests.
package kv

import (
	"iter"

	"github.com/ahamid/cobase/future"
)

// OpType distinguishes the two kinds of mutation a batch may contain.
type OpType byte

const (
	OpPut OpType = 'P'
	OpDel OpType = 'D'
)

// Op is one operation inside an atomic batch.
type Op struct {
	Type  OpType
	Key   []byte
	Value []byte // unused for OpDel
}

// Range bounds a key-order iteration. Gt/Gte and Lt/Lte are mutually
// exclusive pairs; at most one of each side should be set.
type Range struct {
	Gt, Gte []byte
	Lt, Lte []byte
	// Values controls whether values are read off disk; set false for
	// key-only scans like getInstanceIds.
	Values bool
}

// Pair is one row yielded by a range iteration.
type Pair struct {
	Key   []byte
	Value []byte
}

// Table is one named, ordered key-value table: one entity class, one
// index, or one piece of process-global state.
type Table interface {
	Name() string
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	RemoveSync(key []byte) error
	// Batch applies every op atomically and reports completion via the
	// returned future; the future resolves (possibly with an error) once
	// the batch is durable or has failed durably.
	Batch(ops []Op) *future.Future[struct{}]
	Iterable(r Range) iter.Seq2[[]byte, []byte]
	Clear() error
	WaitForAllWrites() error
}

// Engine opens named tables against one underlying store.
type Engine interface {
	Open(name string) (Table, error)
	Close() error
}

// ErrNotFound is returned by Get when the key is absent. Adaptors must
// translate their backend's not-found error to this sentinel so callers
// never import a backend package directly.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "cobase/kv: key not found" }
