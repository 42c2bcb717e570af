package tunnel

import (
	"errors"
	"math"
	"sync"
)

var errIDsExhausted = errors.New("session ids exhausted")

// table maps ids to live entries. Ids are handed out in increasing order and
// come around again only after the counter wraps, skipping any id still live
// or reserved; id 0 is never used. A reserved id is removed from lookups but
// withheld from reuse until released.
type table[T comparable] struct {
	mu       sync.Mutex
	entries  map[uint32]T
	reserved map[uint32]struct{}
	last     uint32
}

func newTable[T comparable]() *table[T] {
	return &table[T]{
		entries:  make(map[uint32]T),
		reserved: make(map[uint32]struct{}),
	}
}

// add allocates an id, builds the entry with newEntry and registers it.
func (t *table[T]) add(newEntry func(id uint32) T) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries)+len(t.reserved) >= math.MaxUint32 {
		var zero T
		return zero, errIDsExhausted
	}
	id := t.last
	for {
		id++
		if id == 0 {
			continue
		}
		if _, ok := t.entries[id]; ok {
			continue
		}
		if _, ok := t.reserved[id]; ok {
			continue
		}
		break
	}
	t.last = id

	v := newEntry(id)
	t.entries[id] = v
	return v, nil
}

func (t *table[T]) get(id uint32) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.entries[id]
	return v, ok
}

// remove unregisters v under id. It reports false if id is no longer mapped
// to v.
func (t *table[T]) remove(id uint32, v T) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.entries[id]; !ok || cur != v {
		return false
	}
	delete(t.entries, id)
	return true
}

// reserve unregisters v like remove but keeps id out of circulation.
func (t *table[T]) reserve(id uint32, v T) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.entries[id]; !ok || cur != v {
		return false
	}
	delete(t.entries, id)
	t.reserved[id] = struct{}{}
	return true
}

func (t *table[T]) isReserved(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.reserved[id]
	return ok
}

// release returns a reserved id to circulation.
func (t *table[T]) release(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.reserved[id]; !ok {
		return false
	}
	delete(t.reserved, id)
	return true
}

// drain unregisters every entry and returns them.
func (t *table[T]) drain() []T {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]T, 0, len(t.entries))
	for id, v := range t.entries {
		out = append(out, v)
		delete(t.entries, id)
	}
	clear(t.reserved)
	return out
}

func (t *table[T]) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
