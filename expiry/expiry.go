// Package expiry implements the process-wide expiration strategy
// (component B): a size-weighted LRU that evicts in-memory cached values
// while leaving persisted data intact. hashicorp/golang-lru/v2 (already a
// teacher dependency, used for the indexer's classCache/hashIndexCache in
// index_manager.go) is entry-counted rather than byte-weighted, so it
// cannot directly serve a size cap; this package keeps the teacher's
// doubly-linked-list-plus-map LRU shape but tracks a running byte weight
// per entry, evicting oldest-first until the cap is satisfied.
package expiry

import (
	"container/list"
	"sync"
)

// Entry is anything the expiration strategy can track and evict. Evicting
// an entry must only drop in-memory deserialized state — it must never
// touch the underlying KV store.
type Entry interface {
	ClearCache()
}

type record struct {
	entry  Entry
	weight int64
}

// Strategy is a process-wide singleton LRU capped by total weight, not
// entry count. It is safe for concurrent use from many owner classes.
type Strategy struct {
	mu       sync.Mutex
	cap      int64
	total    int64
	order    *list.List // front = most recently used
	elements map[Entry]*list.Element
}

func New(capacityBytes int64) *Strategy {
	return &Strategy{
		cap:      capacityBytes,
		order:    list.New(),
		elements: make(map[Entry]*list.Element),
	}
}

// Use inserts or refreshes entry with the given weight, moving it to the
// most-recently-used position. If the new total weight exceeds the cap,
// least-recently-used entries are evicted (via ClearCache) until it no
// longer does, skipping entry itself so a use never evicts its own insert.
func (s *Strategy) Use(entry Entry, weight int64) {
	s.mu.Lock()
	if el, ok := s.elements[entry]; ok {
		rec := el.Value.(*record)
		s.total += weight - rec.weight
		rec.weight = weight
		s.order.MoveToFront(el)
	} else {
		el := s.order.PushFront(&record{entry: entry, weight: weight})
		s.elements[entry] = el
		s.total += weight
	}
	var evicted []Entry
	for s.total > s.cap && s.order.Len() > 1 {
		back := s.order.Back()
		rec := back.Value.(*record)
		if rec.entry == entry {
			break // never evict the entry that was just touched
		}
		s.order.Remove(back)
		delete(s.elements, rec.entry)
		s.total -= rec.weight
		evicted = append(evicted, rec.entry)
	}
	s.mu.Unlock()
	for _, e := range evicted {
		e.ClearCache()
	}
}

// Delete removes entry from tracking without calling ClearCache — used
// when the entry is being deleted outright (spec 4.D remove), not merely
// evicted from cache.
func (s *Strategy) Delete(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.elements[entry]; ok {
		rec := el.Value.(*record)
		s.order.Remove(el)
		delete(s.elements, entry)
		s.total -= rec.weight
	}
}

// Len reports how many entries are currently tracked.
func (s *Strategy) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// TotalWeight reports the current sum of tracked weights.
func (s *Strategy) TotalWeight() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}
