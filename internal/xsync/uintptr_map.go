package xsync

import (
	"iter"
	"sync"

	"github.com/dolthub/maphash"
)

// uintptrShards is the number of independent sync.Map shards a UintptrMap
// spreads its keys across. internal/bk.Bookkeeper consults its live-
// allocation map on every Alloc/Free/Realloc; sharding spreads that
// contention across several independently-locked maps instead of
// funneling every goroutine through one.
const uintptrShards = 16

// UintptrMap is a concurrent map keyed by uintptr, sharded by
// maphash.Hasher instead of relying on sync.Map's own per-bucket
// hashing of the boxed key. A single sync.Map keyed by uintptr would
// also work correctly; UintptrMap exists specifically for internal/bk's
// always-on, hot live-allocation tracker, where the sharding needs a
// cheap, stable hash of the address up front to pick a shard.
type UintptrMap struct {
	hash   maphash.Hasher[uintptr]
	shards [uintptrShards]sync.Map
}

// NewUintptrMap returns an empty UintptrMap.
func NewUintptrMap() *UintptrMap {
	return &UintptrMap{hash: maphash.NewHasher[uintptr]()}
}

func (m *UintptrMap) shard(k uintptr) *sync.Map {
	return &m.shards[m.hash.Hash(k)%uintptrShards]
}

// Load forwards to the owning shard's [sync.Map.Load].
func (m *UintptrMap) Load(k uintptr) (uintptr, bool) {
	v, ok := m.shard(k).Load(k)
	if !ok {
		return 0, false
	}

	return v.(uintptr), true //nolint:errcheck
}

// Store forwards to the owning shard's [sync.Map.Store].
func (m *UintptrMap) Store(k, v uintptr) {
	m.shard(k).Store(k, v)
}

// Delete forwards to the owning shard's [sync.Map.Delete].
func (m *UintptrMap) Delete(k uintptr) {
	m.shard(k).Delete(k)
}

// LoadAndDelete forwards to the owning shard's [sync.Map.LoadAndDelete].
func (m *UintptrMap) LoadAndDelete(k uintptr) (uintptr, bool) {
	v, loaded := m.shard(k).LoadAndDelete(k)
	if !loaded {
		return 0, false
	}

	return v.(uintptr), true //nolint:errcheck
}

// All returns an iterator over every key/value pair, across every shard,
// using [sync.Map.Range]. Order is unspecified; used only by
// Bookkeeper.Leaked, a diagnostic call outside the Alloc/Free paths
// (it still holds the Bookkeeper's lock while iterating).
func (m *UintptrMap) All() iter.Seq2[uintptr, uintptr] {
	return func(yield func(uintptr, uintptr) bool) {
		for i := range m.shards {
			stop := false

			m.shards[i].Range(func(k, v any) bool {
				if !yield(k.(uintptr), v.(uintptr)) { //nolint:errcheck
					stop = true
					return false
				}

				return true
			})

			if stop {
				return
			}
		}
	}
}
