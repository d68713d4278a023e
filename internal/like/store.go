package like

import (
	"context"
	"hash/maphash"
	"sync/atomic"

	"github.com/koopa0/system-design/like-service/internal/cache"
)

// Store 快速路徑的狀態存放處
//
// 實作必須能承受多個 goroutine 同時呼叫；
// 同一個 CountKey 的增減必須是原子操作，不可遺失更新。
type Store interface {
	// GetLikeState 讀取目前狀態；沒有紀錄時返回 {false, true}
	GetLikeState(ctx context.Context, key LikeKey) (LikeState, error)

	// UpdateLikeInfo 寫入最新狀態；已存在的 LikedAt 不會被覆蓋
	UpdateLikeInfo(ctx context.Context, key LikeKey, record LikeRecord) error

	// UpdateLikeCount 按讚時加一、取消時減一，返回新值；計數器不存在時從 0 開始
	UpdateLikeCount(ctx context.Context, key CountKey, liked bool) (int64, error)

	// AdjustLikeCount 同 UpdateLikeCount，但不會從 0 建立計數器
	//
	// 計數器不存在時：base 非 nil 以 *base 為初始值再加減，
	// 否則不做任何事並返回 ok=false。建立與加減在同一個原子操作內完成。
	AdjustLikeCount(ctx context.Context, key CountKey, liked bool, base *int64) (n int64, ok bool, err error)

	// GetLikeCount 讀取計數，不存在時為 0
	GetLikeCount(ctx context.Context, key CountKey) (int64, error)

	// HasLikeCount 回報計數器是否已在快取中
	HasLikeCount(ctx context.Context, key CountKey) (bool, error)

	// SeedLikeCount 只在計數器不存在時設定初始值
	SeedLikeCount(ctx context.Context, key CountKey, value int64) error
}

// Settler 由排程器在寫回（或放棄）後呼叫，釋放快取項目的釘選
type Settler interface {
	// Settle 按讚關係的資料列已寫入
	Settle(key LikeKey, toggles int)

	// SettleCount 資源的計數差值已寫入 like_count
	SettleCount(key CountKey, toggles int)
}

// likeEntry 快取中的按讚紀錄
//
// pending 是尚未寫回的切換次數，大於 0 時項目被釘選。
type likeEntry struct {
	record  LikeRecord
	pending int
}

// countEntry 計數器本身是原子值，讀取不需要分片鎖
type countEntry struct {
	value   atomic.Int64
	pending atomic.Int64
}

// MemoryStore 以分片 LRU 實作的 Store
//
// 淘汰只會移除沒有待同步切換的項目；被淘汰的按讚紀錄
// 下次存取時會被當成新關係，由同步時的衝突處理和回填修正。
type MemoryStore struct {
	likes  *cache.Sharded[LikeKey, likeEntry]
	counts *cache.Sharded[CountKey, *countEntry]

	pressure  atomic.Pointer[func()]
	evictions atomic.Int64
}

// NewMemoryStore 建立記憶體 Store
//
// capacity 同時作為按讚紀錄與計數器的上限。
func NewMemoryStore(capacity, shards int) *MemoryStore {
	s := &MemoryStore{}
	seed := maphash.MakeSeed()

	s.likes = cache.NewSharded(capacity, shards,
		func(k LikeKey) uint64 { return maphash.Comparable(seed, k) },
		cache.Options[LikeKey, likeEntry]{
			Pinned:     func(_ LikeKey, e likeEntry) bool { return e.pending > 0 },
			OnEvict:    func(LikeKey, likeEntry) { s.evictions.Add(1) },
			OnPressure: s.notifyPressure,
		})

	s.counts = cache.NewSharded(capacity, shards,
		func(k CountKey) uint64 { return maphash.Comparable(seed, k) },
		cache.Options[CountKey, *countEntry]{
			Pinned:     func(_ CountKey, e *countEntry) bool { return e.pending.Load() > 0 },
			OnEvict:    func(CountKey, *countEntry) { s.evictions.Add(1) },
			OnPressure: s.notifyPressure,
		})

	return s
}

// OnPressure 設定容量壓力回呼，通常是排程器的 RequestFlush
//
// 回呼在分片鎖內執行，必須是非阻塞的。
func (s *MemoryStore) OnPressure(fn func()) {
	s.pressure.Store(&fn)
}

func (s *MemoryStore) notifyPressure() {
	if fn := s.pressure.Load(); fn != nil {
		(*fn)()
	}
}

// Evictions 返回累計淘汰數量
func (s *MemoryStore) Evictions() int64 {
	return s.evictions.Load()
}

// Len 返回按讚紀錄數量
func (s *MemoryStore) Len() int {
	return s.likes.Len()
}

func (s *MemoryStore) GetLikeState(_ context.Context, key LikeKey) (LikeState, error) {
	e, ok := s.likes.Get(key)
	if !ok {
		return LikeState{CurrentlyLiked: false, IsNewLike: true}, nil
	}
	return LikeState{CurrentlyLiked: e.record.Liked, IsNewLike: false}, nil
}

func (s *MemoryStore) UpdateLikeInfo(_ context.Context, key LikeKey, record LikeRecord) error {
	s.likes.Update(key, func(cur likeEntry, exists bool) likeEntry {
		if exists && cur.record.LikedAt != nil {
			record.LikedAt = cur.record.LikedAt
		}
		cur.record = record
		cur.pending++
		return cur
	})
	return nil
}

func (s *MemoryStore) UpdateLikeCount(_ context.Context, key CountKey, liked bool) (int64, error) {
	// 在分片鎖內先增加 pending，確保拿到指標後項目不會被淘汰
	e := s.counts.Update(key, func(cur *countEntry, exists bool) *countEntry {
		if !exists {
			cur = &countEntry{}
		}
		cur.pending.Add(1)
		return cur
	})
	return e.add(liked), nil
}

func (s *MemoryStore) AdjustLikeCount(_ context.Context, key CountKey, liked bool, base *int64) (int64, bool, error) {
	var e *countEntry
	if base == nil {
		found := s.counts.Modify(key, func(cur *countEntry) *countEntry {
			cur.pending.Add(1)
			e = cur
			return cur
		})
		if !found {
			return 0, false, nil
		}
		return e.add(liked), true, nil
	}

	e = s.counts.Update(key, func(cur *countEntry, exists bool) *countEntry {
		if !exists {
			cur = &countEntry{}
			cur.value.Store(*base)
		}
		cur.pending.Add(1)
		return cur
	})
	return e.add(liked), true, nil
}

func (e *countEntry) add(liked bool) int64 {
	if liked {
		return e.value.Add(1)
	}
	return e.value.Add(-1)
}

func (s *MemoryStore) GetLikeCount(_ context.Context, key CountKey) (int64, error) {
	e, ok := s.counts.Get(key)
	if !ok {
		return 0, nil
	}
	return e.value.Load(), nil
}

func (s *MemoryStore) HasLikeCount(_ context.Context, key CountKey) (bool, error) {
	_, ok := s.counts.Get(key)
	return ok, nil
}

func (s *MemoryStore) SeedLikeCount(_ context.Context, key CountKey, value int64) error {
	s.counts.Update(key, func(cur *countEntry, exists bool) *countEntry {
		if exists {
			return cur
		}
		e := &countEntry{}
		e.value.Store(value)
		return e
	})
	return nil
}

// Settle 扣除按讚紀錄已寫回的切換次數
func (s *MemoryStore) Settle(key LikeKey, toggles int) {
	if toggles <= 0 {
		return
	}

	s.likes.Modify(key, func(cur likeEntry) likeEntry {
		cur.pending = max(cur.pending-toggles, 0)
		return cur
	})
}

// SettleCount 扣除計數器已寫入 like_count 的切換次數
func (s *MemoryStore) SettleCount(key CountKey, toggles int) {
	if toggles <= 0 {
		return
	}

	s.counts.Modify(key, func(cur *countEntry) *countEntry {
		if cur.pending.Add(-int64(toggles)) < 0 {
			cur.pending.Store(0)
		}
		return cur
	})
}
