// Package keylock provides per-key mutexes for sharded locking.
//
// A Map hands out one *sync.Mutex per distinct key. The mutex for a key is
// created atomically on first use and never removed, so two callers asking for
// an equal key always synchronise on the same mutex while callers with
// unrelated keys never contend. Keys are spread over a fixed number of shards
// to keep the bookkeeping lock itself uncontended.
package keylock

import (
	"errors"
	"fmt"
	"hash/maphash"
	"sync"
)

// ErrNotComparable is returned by Check for keys that cannot be hashed.
var ErrNotComparable = errors.New("key is not comparable")

const shardCount = 32

type shard[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*sync.Mutex
}

// Map is a sharded map from key to mutex. The zero value is not usable; call New.
type Map[K comparable] struct {
	seed   maphash.Seed
	shards [shardCount]shard[K]
}

// New creates an empty Map.
func New[K comparable]() *Map[K] {
	m := &Map[K]{seed: maphash.MakeSeed()}
	for i := range m.shards {
		m.shards[i].locks = make(map[K]*sync.Mutex)
	}
	return m
}

// Check reports whether key can be used as a map key. A key whose type is
// comparable may still hold a slice, map or func inside an interface field;
// hashing such a key panics at run time, so Check recovers and returns
// ErrNotComparable instead.
func Check(key any) (err error) {
	defer func() {
		if recover() != nil {
			err = fmt.Errorf("%w: %T", ErrNotComparable, key)
		}
	}()
	_ = map[any]struct{}{key: {}}
	return nil
}

// Get returns the mutex for key, creating it if absent.
func (m *Map[K]) Get(key K) *sync.Mutex {
	s := &m.shards[maphash.Comparable(m.seed, key)%shardCount]
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = new(sync.Mutex)
		s.locks[key] = l
	}
	return l
}

// Lock locks the mutex for key and returns its unlock function.
func (m *Map[K]) Lock(key K) (unlock func()) {
	l := m.Get(key)
	l.Lock()
	return l.Unlock
}

// Len reports how many keys have a mutex.
func (m *Map[K]) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}
