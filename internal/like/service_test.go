package like_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/like-service/internal/like"
	"github.com/koopa0/system-design/like-service/internal/testutils"
	apperrors "github.com/koopa0/system-design/like-service/pkg/errors"
)

const (
	alice  = int64(5) // 按讚者
	bob    = int64(7) // 貼文 42 的作者
	post42 = int64(42)
	// alice 自己的留言
	aliceComment = int64(9)
)

// harness 組裝完整的切換管線，資料庫與通知皆為 mock
type harness struct {
	dir       *testutils.MockDirectory
	repo      *testutils.MockLikeRepository
	notifier  *testutils.MockNotifier
	store     *like.MemoryStore
	spy       *testutils.SpyStore
	scheduler *like.SyncScheduler
	publisher *like.EventPublisher
	svc       *like.Service
}

func newHarness(t *testing.T, opts ...like.Option) *harness {
	t.Helper()

	cfg := testutils.DefaultTestConfig()
	logger := testutils.NewTestLogger()

	h := &harness{
		dir:      testutils.NewMockDirectory(),
		repo:     testutils.NewMockLikeRepository(),
		notifier: testutils.NewMockNotifier(),
		store:    like.NewMemoryStore(cfg.Like.CacheCapacity, cfg.Like.CacheShards),
	}
	h.dir.AddMember(alice, "alice")
	h.dir.AddMember(bob, "bob")
	h.dir.AddPost(post42, bob)
	h.dir.AddComment(aliceComment, alice)

	h.spy = testutils.NewSpyStore(h.store)
	h.scheduler = like.NewSyncScheduler(h.repo, like.SyncConfig{
		FlushInterval: cfg.Like.FlushInterval,
		BatchSize:     cfg.Like.BatchSize,
		MaxRetries:    cfg.Like.MaxRetries,
		WriteTimeout:  cfg.Like.WriteTimeout,
	}, logger, like.WithSettler(h.store))
	h.publisher = like.NewEventPublisher(h.notifier, like.PublisherConfig{
		Workers:   cfg.Notify.Workers,
		QueueSize: cfg.Notify.QueueSize,
		Timeout:   cfg.Notify.Timeout,
	}, logger, nil)

	h.svc = like.NewService(h.dir, like.NewResolver(h.dir), h.spy, h.scheduler, h.publisher, logger, opts...)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.publisher.Shutdown(ctx)
		_ = h.scheduler.Shutdown(ctx)
	})
	return h
}

// TestToggleLike_Scenario 成員 5 對貼文 42 按讚後再取消
func TestToggleLike_Scenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.svc.ToggleLike(ctx, alice, "post", post42)
	require.NoError(t, err)
	assert.True(t, result.Liked)
	assert.Equal(t, int64(1), result.LikeCount)
	assert.Equal(t, alice, result.MemberID)
	assert.Equal(t, post42, result.ResourceID)
	assert.Equal(t, like.ResourcePost, result.ResourceType)
	assert.False(t, result.Timestamp.IsZero())

	result, err = h.svc.ToggleLike(ctx, alice, "post", post42)
	require.NoError(t, err)
	assert.False(t, result.Liked)
	assert.Equal(t, int64(0), result.LikeCount)

	// 兩次切換合併為一筆待同步任務
	task, ok := h.scheduler.PendingTask(like.NewLikeKey(like.ResourcePost, post42, alice))
	require.True(t, ok)
	assert.False(t, task.Liked)
	assert.True(t, task.IsNewRelation)
	assert.Equal(t, 2, task.Toggles)
}

// TestToggleLike_DoubleReadIsIdempotent 沒有切換時連續讀取結果相同
func TestToggleLike_DoubleReadIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := like.NewLikeKey(like.ResourcePost, post42, alice)

	_, err := h.svc.ToggleLike(ctx, alice, "post", post42)
	require.NoError(t, err)

	first, err := h.store.GetLikeState(ctx, key)
	require.NoError(t, err)
	second, err := h.store.GetLikeState(ctx, key)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, like.LikeState{CurrentlyLiked: true, IsNewLike: false}, first)
}

// TestToggleLike_Parity 偶數次切換回到未按讚，奇數次為按讚
func TestToggleLike_Parity(t *testing.T) {
	for _, n := range []int{1, 2, 5, 8} {
		t.Run(fmt.Sprintf("%d toggles", n), func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()

			var last *like.ToggleResult
			for i := 0; i < n; i++ {
				var err error
				last, err = h.svc.ToggleLike(ctx, alice, "POST", post42)
				require.NoError(t, err)
			}

			wantLiked := n%2 == 1
			assert.Equal(t, wantLiked, last.Liked, "after %d toggles", n)
			if wantLiked {
				assert.Equal(t, int64(1), last.LikeCount)
			} else {
				assert.Equal(t, int64(0), last.LikeCount)
			}
		})
	}
}

// TestToggleLike_ConcurrentCounterConsistency N 個成員並發按讚，再有 M 個取消
//
// 不同成員的切換互不影響，關閉 per-key 序列化也一樣。
func TestToggleLike_ConcurrentCounterConsistency(t *testing.T) {
	for _, serialized := range []bool{true, false} {
		t.Run(fmt.Sprintf("serialize_per_key=%t", serialized), func(t *testing.T) {
			h := newHarness(t, like.WithPerKeyLock(serialized))
			ctx := context.Background()

			const likers = 200
			const unlikers = 60
			for i := int64(0); i < likers; i++ {
				h.dir.AddMember(1000+i, "member")
			}

			testutils.RunConcurrently(t, likers, 1, func(workerID, _ int) {
				_, err := h.svc.ToggleLike(ctx, 1000+int64(workerID), "post", post42)
				assert.NoError(t, err)
			})

			testutils.RunConcurrently(t, unlikers, 1, func(workerID, _ int) {
				_, err := h.svc.ToggleLike(ctx, 1000+int64(workerID), "post", post42)
				assert.NoError(t, err)
			})

			count, err := h.svc.LikeCount(ctx, "post", post42)
			require.NoError(t, err)
			assert.Equal(t, int64(likers-unlikers), count)

			// 寫回資料庫後計數一致
			stats := h.scheduler.Flush(ctx)
			assert.Equal(t, likers, stats.Inserted)
			assert.Equal(t, 1, stats.Corrections, "one aggregate correction per resource")
			assert.Equal(t, int64(likers-unlikers), h.repo.Count(like.CountKey{ResourceType: like.ResourcePost, ResourceID: post42}))
		})
	}
}

// TestToggleLike_SameKeySerialized 同一成員並發切換同一資源
func TestToggleLike_SameKeySerialized(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const toggles = 100

	var mu sync.Mutex
	likedResults := 0

	testutils.RunConcurrently(t, toggles, 1, func(_, _ int) {
		result, err := h.svc.ToggleLike(ctx, alice, "post", post42)
		if !assert.NoError(t, err) {
			return
		}
		if result.Liked {
			mu.Lock()
			likedResults++
			mu.Unlock()
		}
	})

	// 序列化後，每次切換都看到前一次的結果
	assert.Equal(t, toggles/2, likedResults)

	state, err := h.store.GetLikeState(ctx, like.NewLikeKey(like.ResourcePost, post42, alice))
	require.NoError(t, err)
	assert.False(t, state.CurrentlyLiked)

	count, err := h.svc.LikeCount(ctx, "post", post42)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

// TestToggleLike_SelfLikeRejected 對自己的留言按讚不會改動任何狀態
func TestToggleLike_SelfLikeRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.ToggleLike(ctx, alice, "comment", aliceComment)
	require.Error(t, err)
	assert.True(t, apperrors.IsSelfAction(err))

	assert.Equal(t, int32(0), h.spy.Reads.Load())
	assert.Equal(t, int32(0), h.spy.Mutations.Load())
	assert.Equal(t, 0, h.scheduler.Pending())

	count, err := h.svc.LikeCount(ctx, "comment", aliceComment)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

// TestToggleLike_InvalidResourceType 無效類型在任何查詢之前被拒絕
func TestToggleLike_InvalidResourceType(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.ToggleLike(context.Background(), alice, "story", post42)
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidResourceType(err))

	assert.Equal(t, int32(0), h.dir.MemberCalls.Load())
	assert.Equal(t, int32(0), h.dir.ResourceCalls.Load())
	assert.Equal(t, int32(0), h.spy.Reads.Load())
	assert.Equal(t, int32(0), h.spy.Mutations.Load())
}

func TestToggleLike_NotFound(t *testing.T) {
	tests := []struct {
		name         string
		memberID     int64
		resourceType string
		resourceID   int64
	}{
		{name: "unknown member", memberID: 999, resourceType: "post", resourceID: post42},
		{name: "unknown post", memberID: alice, resourceType: "post", resourceID: 404},
		{name: "unknown comment", memberID: alice, resourceType: "comment", resourceID: 404},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			_, err := h.svc.ToggleLike(context.Background(), tt.memberID, tt.resourceType, tt.resourceID)
			require.Error(t, err)
			assert.True(t, apperrors.IsNotFound(err))
			assert.Equal(t, int32(0), h.spy.Mutations.Load())
		})
	}
}

// TestToggleLike_ReplyIsComment 回覆以留言處理
func TestToggleLike_ReplyIsComment(t *testing.T) {
	h := newHarness(t)
	h.dir.AddComment(77, bob)

	result, err := h.svc.ToggleLike(context.Background(), alice, "reply", 77)
	require.NoError(t, err)
	assert.Equal(t, like.ResourceComment, result.ResourceType)
	assert.True(t, result.Liked)
}

// TestToggleLike_NotifiesOnlyOnLike 取消按讚不發通知
func TestToggleLike_NotifiesOnlyOnLike(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.ToggleLike(ctx, alice, "post", post42)
	require.NoError(t, err)
	_, err = h.svc.ToggleLike(ctx, alice, "post", post42)
	require.NoError(t, err)

	testutils.WaitForCondition(t, func() bool {
		return len(h.notifier.Notifications()) == 1
	}, time.Second, "like notification delivered")

	// 等待佇列清空，確認取消按讚沒有產生第二則
	require.NoError(t, h.publisher.Shutdown(ctx))

	notifications := h.notifier.Notifications()
	require.Len(t, notifications, 1)
	assert.Equal(t, bob, notifications[0].TargetOwnerID)
	assert.Equal(t, "alice liked your post", notifications[0].Message)
}

// TestToggleLike_NotifierFailureDoesNotAffectResult 通知失敗不影響切換
func TestToggleLike_NotifierFailureDoesNotAffectResult(t *testing.T) {
	h := newHarness(t)
	h.notifier.Err = apperrors.New(apperrors.ErrCodeUnavailable, "broker down")

	result, err := h.svc.ToggleLike(context.Background(), alice, "post", post42)
	require.NoError(t, err)
	assert.True(t, result.Liked)
	assert.Equal(t, int64(1), result.LikeCount)
}

// TestToggleLike_BackfillFromDatabase 快取未命中時以資料庫狀態為準
func TestToggleLike_BackfillFromDatabase(t *testing.T) {
	h := newHarness(t)
	h.svc = like.NewService(h.dir, like.NewResolver(h.dir), h.spy, h.scheduler, h.publisher,
		testutils.NewTestLogger(), like.WithStateLoader(h.repo, time.Second))

	key := like.NewLikeKey(like.ResourcePost, post42, alice)
	h.repo.SeedRow(key, true)
	h.repo.SeedCount(key.CountKey(), 10)

	ctx := context.Background()
	result, err := h.svc.ToggleLike(ctx, alice, "post", post42)
	require.NoError(t, err)
	assert.False(t, result.Liked, "already liked in the database")
	assert.Equal(t, int64(9), result.LikeCount)

	task, ok := h.scheduler.PendingTask(key)
	require.True(t, ok)
	assert.False(t, task.IsNewRelation)

	stats := h.scheduler.Flush(ctx)
	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, int64(9), h.repo.Count(key.CountKey()))
}

// TestToggleLike_FlushPersists 切換後 flush 寫入資料庫並釋放釘選
func TestToggleLike_FlushPersists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.ToggleLike(ctx, alice, "post", post42)
	require.NoError(t, err)

	stats := h.scheduler.Flush(ctx)
	assert.Equal(t, 1, stats.Inserted)
	assert.Equal(t, 0, h.scheduler.Pending())

	liked, found := h.repo.Row(like.NewLikeKey(like.ResourcePost, post42, alice))
	assert.True(t, found)
	assert.True(t, liked)
	assert.Equal(t, int64(1), h.repo.Count(like.CountKey{ResourceType: like.ResourcePost, ResourceID: post42}))
}

func TestToggleLike_UsesClock(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, like.WithClock(func() time.Time { return fixed }))

	result, err := h.svc.ToggleLike(context.Background(), alice, "post", post42)
	require.NoError(t, err)
	assert.Equal(t, fixed, result.Timestamp)
}

// flakyLoader 可讓 LoadLikeCount 失敗的 StateLoader
type flakyLoader struct {
	*testutils.MockLikeRepository
	failCounts atomic.Bool
}

func (l *flakyLoader) LoadLikeCount(ctx context.Context, key like.CountKey) (int64, error) {
	if l.failCounts.Load() {
		return 0, apperrors.ErrDatabaseUnavailable
	}
	return l.MockLikeRepository.LoadLikeCount(ctx, key)
}

// newBackfillService 小容量快取加上資料庫回填的切換管線
func newBackfillService(t *testing.T, capacity int, loader like.StateLoader, repo like.LikeRepository, dir *testutils.MockDirectory) (*like.Service, *like.MemoryStore, *like.SyncScheduler) {
	t.Helper()

	logger := testutils.NewTestLogger()
	store := like.NewMemoryStore(capacity, 1)
	sched := newScheduler(t, repo, like.SyncConfig{MaxRetries: 3}, like.WithSettler(store))
	pub := like.NewEventPublisher(testutils.NewMockNotifier(), like.PublisherConfig{Workers: 1, QueueSize: 64}, logger, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pub.Shutdown(ctx)
	})

	svc := like.NewService(dir, like.NewResolver(dir), store, sched, pub, logger,
		like.WithStateLoader(loader, time.Second))
	return svc, store, sched
}

// TestToggleLike_CounterSurvivesFailedCorrection 計數修正失敗、計數器承受容量壓力時，讀到的計數仍然正確
func TestToggleLike_CounterSurvivesFailedCorrection(t *testing.T) {
	dir := testutils.NewMockDirectory()
	dir.AddMember(alice, "alice")
	dir.AddMember(bob, "bob")
	for post := post42; post <= post42+4; post++ {
		dir.AddPost(post, bob)
	}

	repo := testutils.NewMockLikeRepository()
	svc, store, sched := newBackfillService(t, 2, repo, repo, dir)
	ctx := context.Background()
	countKey := like.CountKey{ResourceType: like.ResourcePost, ResourceID: post42}

	result, err := svc.ToggleLike(ctx, alice, "post", post42)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.LikeCount)

	repo.FailNextDeltas(1)
	stats := sched.Flush(ctx)
	require.Equal(t, 1, stats.Inserted)
	require.Equal(t, int64(0), repo.Count(countKey), "correction failed")

	// 其他資源的計數器擠壓容量
	for _, post := range []int64{post42 + 1, post42 + 2} {
		_, err := svc.ToggleLike(ctx, alice, "post", post)
		require.NoError(t, err)
	}

	has, err := store.HasLikeCount(ctx, countKey)
	require.NoError(t, err)
	assert.True(t, has, "counter with a carried correction is not evicted")

	repo.FailNextDeltas(3)
	sched.Flush(ctx)

	count, err := svc.LikeCount(ctx, "post", post42)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	sched.Flush(ctx)
	require.Equal(t, int64(1), repo.Count(countKey))

	// like_count 已修正，計數器被淘汰後重新回填
	for _, post := range []int64{post42 + 3, post42 + 4} {
		_, err := svc.ToggleLike(ctx, alice, "post", post)
		require.NoError(t, err)
	}
	has, err = store.HasLikeCount(ctx, countKey)
	require.NoError(t, err)
	require.False(t, has)

	count, err = svc.LikeCount(ctx, "post", post42)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	sched.Flush(ctx)
	count, err = svc.LikeCount(ctx, "post", post42)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

// TestToggleLike_FailedBackfillDoesNotStartFromZero 回填失敗時不建立從 0 開始的計數器
func TestToggleLike_FailedBackfillDoesNotStartFromZero(t *testing.T) {
	const carol = int64(8)

	dir := testutils.NewMockDirectory()
	dir.AddMember(alice, "alice")
	dir.AddMember(bob, "bob")
	dir.AddMember(carol, "carol")
	dir.AddPost(post42, bob)

	repo := testutils.NewMockLikeRepository()
	countKey := like.CountKey{ResourceType: like.ResourcePost, ResourceID: post42}
	repo.SeedCount(countKey, 10)

	loader := &flakyLoader{MockLikeRepository: repo}
	loader.failCounts.Store(true)

	svc, store, sched := newBackfillService(t, 100, loader, repo, dir)
	ctx := context.Background()

	result, err := svc.ToggleLike(ctx, alice, "post", post42)
	require.NoError(t, err)
	assert.True(t, result.Liked)

	has, err := store.HasLikeCount(ctx, countKey)
	require.NoError(t, err)
	assert.False(t, has, "no counter without a base")

	_, err = svc.LikeCount(ctx, "post", post42)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeUnavailable, apperrors.CodeOf(err))

	// 資料庫恢復，但切換還沒寫入 like_count：返回資料庫的值且不回填
	loader.failCounts.Store(false)
	count, err := svc.LikeCount(ctx, "post", post42)
	require.NoError(t, err)
	assert.Equal(t, int64(10), count)

	has, err = store.HasLikeCount(ctx, countKey)
	require.NoError(t, err)
	assert.False(t, has)

	sched.Flush(ctx)
	require.Equal(t, int64(11), repo.Count(countKey))

	count, err = svc.LikeCount(ctx, "post", post42)
	require.NoError(t, err)
	assert.Equal(t, int64(11), count)

	has, err = store.HasLikeCount(ctx, countKey)
	require.NoError(t, err)
	assert.True(t, has)

	result, err = svc.ToggleLike(ctx, carol, "post", post42)
	require.NoError(t, err)
	assert.Equal(t, int64(12), result.LikeCount)

	sched.Flush(ctx)
	assert.Equal(t, int64(12), repo.Count(countKey))
}
