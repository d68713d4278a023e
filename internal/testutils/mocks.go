package testutils

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/koopa0/system-design/like-service/internal/like"
	apperrors "github.com/koopa0/system-design/like-service/pkg/errors"
)

// MockDirectory 實作 MemberFinder 與 ResourceFinder 的 mock
type MockDirectory struct {
	mu       sync.RWMutex
	members  map[int64]like.Member
	posts    map[int64]like.Resource
	comments map[int64]like.Resource

	// 記錄呼叫次數
	MemberCalls   atomic.Int32
	ResourceCalls atomic.Int32
}

// NewMockDirectory 創建新的 MockDirectory
func NewMockDirectory() *MockDirectory {
	return &MockDirectory{
		members:  make(map[int64]like.Member),
		posts:    make(map[int64]like.Resource),
		comments: make(map[int64]like.Resource),
	}
}

// AddMember 新增成員
func (d *MockDirectory) AddMember(id int64, username string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[id] = like.Member{ID: id, Username: username}
}

// AddPost 新增貼文
func (d *MockDirectory) AddPost(id, authorID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.posts[id] = like.Resource{Type: like.ResourcePost, ID: id, AuthorID: authorID}
}

// AddComment 新增留言
func (d *MockDirectory) AddComment(id, authorID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.comments[id] = like.Resource{Type: like.ResourceComment, ID: id, AuthorID: authorID}
}

func (d *MockDirectory) FindMember(_ context.Context, id int64) (like.Member, error) {
	d.MemberCalls.Add(1)

	d.mu.RLock()
	defer d.mu.RUnlock()

	m, ok := d.members[id]
	if !ok {
		return like.Member{}, apperrors.ErrMemberNotFound
	}
	return m, nil
}

func (d *MockDirectory) FindPost(_ context.Context, id int64) (like.Resource, error) {
	d.ResourceCalls.Add(1)

	d.mu.RLock()
	defer d.mu.RUnlock()

	r, ok := d.posts[id]
	if !ok {
		return like.Resource{}, apperrors.ErrResourceNotFound
	}
	return r, nil
}

func (d *MockDirectory) FindComment(_ context.Context, id int64) (like.Resource, error) {
	d.ResourceCalls.Add(1)

	d.mu.RLock()
	defer d.mu.RUnlock()

	r, ok := d.comments[id]
	if !ok {
		return like.Resource{}, apperrors.ErrResourceNotFound
	}
	return r, nil
}

// MockLikeRepository 以 map 模擬 likes 表與 like_count 欄位
type MockLikeRepository struct {
	mu     sync.Mutex
	rows   map[like.LikeKey]bool
	counts map[like.CountKey]int64

	// 記錄呼叫次數
	InsertCalls atomic.Int32
	UpdateCalls atomic.Int32
	DeltaCalls  atomic.Int32

	// 寫入紀錄（依呼叫順序）
	Writes []like.PendingSyncTask

	// 錯誤注入：接下來 N 次寫入失敗
	failWrites atomic.Int32
	failDeltas atomic.Int32
	FailError  error
}

// NewMockLikeRepository 創建新的 MockLikeRepository
func NewMockLikeRepository() *MockLikeRepository {
	return &MockLikeRepository{
		rows:      make(map[like.LikeKey]bool),
		counts:    make(map[like.CountKey]int64),
		FailError: apperrors.ErrDatabaseUnavailable,
	}
}

// FailNextWrites 接下來 n 次 InsertLike/UpdateLike 返回錯誤
func (r *MockLikeRepository) FailNextWrites(n int) {
	r.failWrites.Store(int32(n))
}

// FailNextDeltas 接下來 n 次 ApplyLikeCountDelta 返回錯誤
func (r *MockLikeRepository) FailNextDeltas(n int) {
	r.failDeltas.Store(int32(n))
}

// SeedRow 預先放入一筆按讚關係
func (r *MockLikeRepository) SeedRow(key like.LikeKey, liked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[key] = liked
}

// SeedCount 預先設定 like_count
func (r *MockLikeRepository) SeedCount(key like.CountKey, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[key] = n
}

// Row 讀取按讚關係
func (r *MockLikeRepository) Row(key like.LikeKey) (liked, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	liked, found = r.rows[key]
	return liked, found
}

// Count 讀取 like_count
func (r *MockLikeRepository) Count(key like.CountKey) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[key]
}

// WriteLog 返回寫入紀錄副本
func (r *MockLikeRepository) WriteLog() []like.PendingSyncTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]like.PendingSyncTask(nil), r.Writes...)
}

func (r *MockLikeRepository) shouldFail(counter *atomic.Int32) bool {
	for {
		n := counter.Load()
		if n <= 0 {
			return false
		}
		if counter.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (r *MockLikeRepository) InsertLike(_ context.Context, task like.PendingSyncTask) (bool, error) {
	r.InsertCalls.Add(1)
	if r.shouldFail(&r.failWrites) {
		return false, r.FailError
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := task.Key()
	if _, exists := r.rows[key]; exists {
		return false, nil
	}
	r.rows[key] = task.Liked
	r.Writes = append(r.Writes, task)
	return true, nil
}

func (r *MockLikeRepository) UpdateLike(_ context.Context, task like.PendingSyncTask) (bool, bool, error) {
	r.UpdateCalls.Add(1)
	if r.shouldFail(&r.failWrites) {
		return false, false, r.FailError
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := task.Key()
	previous, exists := r.rows[key]
	if !exists {
		return false, false, nil
	}
	r.rows[key] = task.Liked
	r.Writes = append(r.Writes, task)
	return previous, true, nil
}

func (r *MockLikeRepository) ApplyLikeCountDelta(_ context.Context, key like.CountKey, delta int64) error {
	r.DeltaCalls.Add(1)
	if r.shouldFail(&r.failDeltas) {
		return r.FailError
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[key] = max(r.counts[key]+delta, 0)
	return nil
}

func (r *MockLikeRepository) LoadLike(_ context.Context, key like.LikeKey) (bool, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	liked, found := r.rows[key]
	return liked, found, nil
}

func (r *MockLikeRepository) LoadLikeCount(_ context.Context, key like.CountKey) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[key], nil
}

// ReconcileLikeCounts 以 rows 重算 counts
func (r *MockLikeRepository) ReconcileLikeCounts(_ context.Context) (map[like.ResourceType]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	actual := make(map[like.CountKey]int64)
	for key, liked := range r.rows {
		if liked {
			actual[key.CountKey()]++
		}
	}

	fixed := make(map[like.ResourceType]int64)
	for key, n := range actual {
		if r.counts[key] != n {
			r.counts[key] = n
			fixed[key.ResourceType]++
		}
	}
	for key, n := range r.counts {
		if _, ok := actual[key]; !ok && n != 0 {
			r.counts[key] = 0
			fixed[key.ResourceType]++
		}
	}
	return fixed, nil
}

// MockNotifier 記錄收到的通知
type MockNotifier struct {
	mu            sync.Mutex
	notifications []like.LikeNotification

	// 錯誤注入
	Err error

	// Block 不為 nil 時，Notify 會等待它關閉
	Block chan struct{}
}

// NewMockNotifier 創建新的 MockNotifier
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

func (n *MockNotifier) Notify(ctx context.Context, notification like.LikeNotification) error {
	if n.Block != nil {
		select {
		case <-n.Block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if n.Err != nil {
		return n.Err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification)
	return nil
}

// Notifications 返回收到的通知副本
func (n *MockNotifier) Notifications() []like.LikeNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]like.LikeNotification(nil), n.notifications...)
}

// SpyStore 包裝 Store 並記錄寫入次數
type SpyStore struct {
	like.Store

	Reads     atomic.Int32
	Mutations atomic.Int32
}

// NewSpyStore 創建新的 SpyStore
func NewSpyStore(inner like.Store) *SpyStore {
	return &SpyStore{Store: inner}
}

func (s *SpyStore) GetLikeState(ctx context.Context, key like.LikeKey) (like.LikeState, error) {
	s.Reads.Add(1)
	return s.Store.GetLikeState(ctx, key)
}

func (s *SpyStore) UpdateLikeInfo(ctx context.Context, key like.LikeKey, record like.LikeRecord) error {
	s.Mutations.Add(1)
	return s.Store.UpdateLikeInfo(ctx, key, record)
}

func (s *SpyStore) UpdateLikeCount(ctx context.Context, key like.CountKey, liked bool) (int64, error) {
	s.Mutations.Add(1)
	return s.Store.UpdateLikeCount(ctx, key, liked)
}

func (s *SpyStore) AdjustLikeCount(ctx context.Context, key like.CountKey, liked bool, base *int64) (int64, bool, error) {
	s.Mutations.Add(1)
	return s.Store.AdjustLikeCount(ctx, key, liked, base)
}

func (s *SpyStore) SeedLikeCount(ctx context.Context, key like.CountKey, value int64) error {
	s.Mutations.Add(1)
	return s.Store.SeedLikeCount(ctx, key, value)
}
