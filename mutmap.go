package celltalk

import (
	"sync"
)

// Mutexmap is a generic map protected by a sync.RWMutex.
// Lookups take only the read lock.
type Mutexmap[K comparable, V any] struct {
	mut sync.RWMutex
	m   map[K]V
}

func NewMutexmap[K comparable, V any]() *Mutexmap[K, V] {
	return &Mutexmap[K, V]{
		m: make(map[K]V),
	}
}

func (m *Mutexmap[K, V]) Get(key K) (val V, ok bool) {
	m.mut.RLock()
	val, ok = m.m[key]
	m.mut.RUnlock()
	return
}

func (m *Mutexmap[K, V]) Len() (n int) {
	m.mut.RLock()
	n = len(m.m)
	m.mut.RUnlock()
	return
}

// GetValSlice returns a snapshot of the values.
func (m *Mutexmap[K, V]) GetValSlice() (slc []V) {
	m.mut.RLock()
	slc = make([]V, 0, len(m.m))
	for _, v := range m.m {
		slc = append(slc, v)
	}
	m.mut.RUnlock()
	return
}

// GetKeySlice returns a snapshot of the keys.
func (m *Mutexmap[K, V]) GetKeySlice() (slc []K) {
	m.mut.RLock()
	slc = make([]K, 0, len(m.m))
	for k := range m.m {
		slc = append(slc, k)
	}
	m.mut.RUnlock()
	return
}

func (m *Mutexmap[K, V]) Set(key K, val V) {
	m.mut.Lock()
	m.m[key] = val
	m.mut.Unlock()
}

// GetOrSet returns the existing value for key, or stores
// and returns mk() if there was none.
func (m *Mutexmap[K, V]) GetOrSet(key K, mk func() V) (val V, loaded bool) {
	m.mut.RLock()
	val, loaded = m.m[key]
	m.mut.RUnlock()
	if loaded {
		return
	}
	m.mut.Lock()
	defer m.mut.Unlock()
	val, loaded = m.m[key]
	if loaded {
		return
	}
	val = mk()
	m.m[key] = val
	return
}

// Del reports whether key was present.
func (m *Mutexmap[K, V]) Del(key K) (found bool) {
	m.mut.Lock()
	_, found = m.m[key]
	delete(m.m, key)
	m.mut.Unlock()
	return
}

// DelIf removes key only when pred approves its current value.
func (m *Mutexmap[K, V]) DelIf(key K, pred func(V) bool) (deleted bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	v, ok := m.m[key]
	if ok && pred(v) {
		delete(m.m, key)
		return true
	}
	return false
}

// Clear removes everything and returns what was there.
func (m *Mutexmap[K, V]) Clear() (was []V) {
	m.mut.Lock()
	for k, v := range m.m {
		was = append(was, v)
		delete(m.m, k)
	}
	m.mut.Unlock()
	return
}
