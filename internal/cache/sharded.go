package cache

// Sharded 將鍵分散到多個 LRU 分片，每個分片各自持鎖。
//
// 高併發下單一鎖會成為瓶頸；分片後不同鍵的操作大多落在不同分片，互不阻塞。
// 淘汰以分片為單位進行，因此整體只是近似 LRU。
type Sharded[K comparable, V any] struct {
	shards []*LRU[K, V]
	hash   func(K) uint64
}

// NewSharded 建立分片快取。
//
// capacity 是總容量，平均分配到各分片（向上取整）。
func NewSharded[K comparable, V any](capacity, shards int, hash func(K) uint64, opts Options[K, V]) *Sharded[K, V] {
	if shards <= 0 {
		shards = 1
	}
	perShard := (capacity + shards - 1) / shards

	s := &Sharded[K, V]{
		shards: make([]*LRU[K, V], shards),
		hash:   hash,
	}
	for i := range s.shards {
		s.shards[i] = NewLRU(perShard, opts)
	}
	return s
}

func (s *Sharded[K, V]) shard(key K) *LRU[K, V] {
	return s.shards[s.hash(key)%uint64(len(s.shards))]
}

// Get 取得快取值。
func (s *Sharded[K, V]) Get(key K) (V, bool) {
	return s.shard(key).Get(key)
}

// Set 設定快取值。
func (s *Sharded[K, V]) Set(key K, value V) {
	s.shard(key).Set(key, value)
}

// Update 在所屬分片的鎖內讀取並更新項目。
func (s *Sharded[K, V]) Update(key K, fn func(current V, exists bool) V) V {
	return s.shard(key).Update(key, fn)
}

// Modify 只在項目存在時更新。
func (s *Sharded[K, V]) Modify(key K, fn func(current V) V) bool {
	return s.shard(key).Modify(key, fn)
}

// Delete 刪除快取項目。
func (s *Sharded[K, V]) Delete(key K) {
	s.shard(key).Delete(key)
}

// Len 返回所有分片的項目總數。
func (s *Sharded[K, V]) Len() int {
	n := 0
	for _, shard := range s.shards {
		n += shard.Len()
	}
	return n
}
