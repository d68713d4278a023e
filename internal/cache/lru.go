// Package cache 實作有容量上限的記憶體快取。
package cache

import (
	"container/list"
	"sync"
)

// LRU 實作 Least Recently Used 快取淘汰演算法。
//
// 資料結構：
//   - 雙向鏈結串列：維護存取順序（頭部為最近使用）
//   - HashMap：快速查找（O(1) 時間複雜度）
//
// 與一般 LRU 的差異：
//   - 釘選（Pinned）：尚未同步到資料庫的項目不可被淘汰
//   - 全部項目都被釘選時允許暫時超過容量，並透過 OnPressure 通知呼叫端盡快同步
type LRU[K comparable, V any] struct {
	capacity int
	cache    map[K]*list.Element
	list     *list.List
	mu       sync.Mutex
	opts     Options[K, V]
}

// Options LRU 的回呼設定，皆為可選。
//
// 回呼在持有鎖的情況下執行，不可回頭呼叫同一個 LRU。
type Options[K comparable, V any] struct {
	// Pinned 返回 true 的項目不會被淘汰
	Pinned func(key K, value V) bool

	// OnEvict 項目被淘汰後呼叫
	OnEvict func(key K, value V)

	// OnPressure 容量已滿但找不到可淘汰項目時呼叫
	OnPressure func()
}

// entry 是鏈表節點儲存的資料。
type entry[K comparable, V any] struct {
	key   K
	value V
}

// NewLRU 建立新的 LRU 快取。
func NewLRU[K comparable, V any](capacity int, opts Options[K, V]) *LRU[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRU[K, V]{
		capacity: capacity,
		cache:    make(map[K]*list.Element),
		list:     list.New(),
		opts:     opts,
	}
}

// Get 取得快取值，命中時標記為最近使用。
func (lru *LRU[K, V]) Get(key K) (V, bool) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if elem, ok := lru.cache[key]; ok {
		lru.list.MoveToFront(elem)
		return elem.Value.(*entry[K, V]).value, true
	}

	var zero V
	return zero, false
}

// Set 設定快取值。
func (lru *LRU[K, V]) Set(key K, value V) {
	lru.Update(key, func(V, bool) V { return value })
}

// Update 在鎖內讀取並更新項目。
//
// fn 收到目前的值與是否存在，返回新值。
// 讀取與寫入之間不會有其他呼叫插入，可作為 get-or-create 使用。
func (lru *LRU[K, V]) Update(key K, fn func(current V, exists bool) V) V {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if elem, ok := lru.cache[key]; ok {
		e := elem.Value.(*entry[K, V])
		e.value = fn(e.value, true)
		lru.list.MoveToFront(elem)
		return e.value
	}

	var zero V
	value := fn(zero, false)
	elem := lru.list.PushFront(&entry[K, V]{key: key, value: value})
	lru.cache[key] = elem

	if lru.list.Len() > lru.capacity {
		lru.evict()
	}
	return value
}

// Modify 只在項目存在時於鎖內更新，不建立新項目也不改變存取順序。
func (lru *LRU[K, V]) Modify(key K, fn func(current V) V) bool {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	elem, ok := lru.cache[key]
	if !ok {
		return false
	}
	e := elem.Value.(*entry[K, V])
	e.value = fn(e.value)
	return true
}

// evict 從尾端開始淘汰未釘選的項目，直到回到容量以內。
//
// 先前因釘選而超出容量的部分也會在這裡收回。
func (lru *LRU[K, V]) evict() {
	elem := lru.list.Back()
	for lru.list.Len() > lru.capacity && elem != nil {
		prev := elem.Prev()
		e := elem.Value.(*entry[K, V])
		if lru.opts.Pinned == nil || !lru.opts.Pinned(e.key, e.value) {
			lru.list.Remove(elem)
			delete(lru.cache, e.key)
			if lru.opts.OnEvict != nil {
				lru.opts.OnEvict(e.key, e.value)
			}
		}
		elem = prev
	}

	if lru.list.Len() > lru.capacity && lru.opts.OnPressure != nil {
		lru.opts.OnPressure()
	}
}

// Delete 刪除快取項目。
func (lru *LRU[K, V]) Delete(key K) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	if elem, ok := lru.cache[key]; ok {
		lru.list.Remove(elem)
		delete(lru.cache, key)
	}
}

// Len 返回當前快取項目數量。
func (lru *LRU[K, V]) Len() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.list.Len()
}

// Keys 返回所有快取鍵（從最近到最久）。
func (lru *LRU[K, V]) Keys() []K {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	keys := make([]K, 0, lru.list.Len())
	for elem := lru.list.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*entry[K, V]).key)
	}
	return keys
}
