package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/like-service/internal/like"
	"github.com/koopa0/system-design/like-service/internal/postgres"
	"github.com/koopa0/system-design/like-service/internal/testutils"
	apperrors "github.com/koopa0/system-design/like-service/pkg/errors"
)

func task(memberID, resourceID int64, rt like.ResourceType, liked bool) like.PendingSyncTask {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return like.PendingSyncTask{
		MemberID:     memberID,
		ResourceID:   resourceID,
		ResourceType: rt,
		Liked:        liked,
		LikedAt:      now,
		UpdatedAt:    now,
	}
}

func TestRepository_Lookups(t *testing.T) {
	env := testutils.SetupPostgres(t)
	repo := postgres.NewRepository(env.PostgresPool, env.Logger)
	ctx := context.Background()

	author := env.SeedMember(t, "bob")
	post := env.SeedPost(t, author)
	comment := env.SeedComment(t, post, author)

	m, err := repo.FindMember(ctx, author)
	require.NoError(t, err)
	assert.Equal(t, "bob", m.Username)

	_, err = repo.FindMember(ctx, 999_999)
	assert.True(t, apperrors.IsNotFound(err))

	res, err := repo.FindPost(ctx, post)
	require.NoError(t, err)
	assert.Equal(t, like.Resource{Type: like.ResourcePost, ID: post, AuthorID: author}, res)

	res, err = repo.FindComment(ctx, comment)
	require.NoError(t, err)
	assert.Equal(t, like.ResourceComment, res.Type)

	_, err = env.PostgresPool.Exec(ctx, `UPDATE posts SET is_deleted = TRUE WHERE id = $1`, post)
	require.NoError(t, err)
	_, err = repo.FindPost(ctx, post)
	assert.True(t, apperrors.IsNotFound(err), "deleted posts are not found")

	require.NoError(t, repo.Ping(ctx))
}

func TestRepository_InsertAndUpdate(t *testing.T) {
	env := testutils.SetupPostgres(t)
	repo := postgres.NewRepository(env.PostgresPool, env.Logger)
	ctx := context.Background()

	liker := env.SeedMember(t, "alice")
	author := env.SeedMember(t, "bob")
	post := env.SeedPost(t, author)
	key := like.NewLikeKey(like.ResourcePost, post, liker)

	// 資料列不存在時 UpdateLike 回報 not found
	_, found, err := repo.UpdateLike(ctx, task(liker, post, like.ResourcePost, true))
	require.NoError(t, err)
	assert.False(t, found)

	inserted, err := repo.InsertLike(ctx, task(liker, post, like.ResourcePost, true))
	require.NoError(t, err)
	assert.True(t, inserted)

	// 重複新增不報錯
	inserted, err = repo.InsertLike(ctx, task(liker, post, like.ResourcePost, true))
	require.NoError(t, err)
	assert.False(t, inserted)

	previous, found, err := repo.UpdateLike(ctx, task(liker, post, like.ResourcePost, false))
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, previous)

	liked, found, err := repo.LoadLike(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, liked)

	var rows int
	require.NoError(t, env.PostgresPool.QueryRow(ctx, `SELECT COUNT(*) FROM likes`).Scan(&rows))
	assert.Equal(t, 1, rows, "one row per member and resource")
}

func TestRepository_LikeCountNeverNegative(t *testing.T) {
	env := testutils.SetupPostgres(t)
	repo := postgres.NewRepository(env.PostgresPool, env.Logger)
	ctx := context.Background()

	post := env.SeedPost(t, env.SeedMember(t, "bob"))
	key := like.CountKey{ResourceType: like.ResourcePost, ResourceID: post}

	require.NoError(t, repo.ApplyLikeCountDelta(ctx, key, 3))
	require.NoError(t, repo.ApplyLikeCountDelta(ctx, key, -5))

	n, err := repo.LoadLikeCount(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// 不存在的資源只記錄警告
	require.NoError(t, repo.ApplyLikeCountDelta(ctx, like.CountKey{ResourceType: like.ResourcePost, ResourceID: 999_999}, 1))
}

func TestRepository_ReconcileLikeCounts(t *testing.T) {
	env := testutils.SetupPostgres(t)
	repo := postgres.NewRepository(env.PostgresPool, env.Logger)
	ctx := context.Background()

	author := env.SeedMember(t, "bob")
	post := env.SeedPost(t, author)
	comment := env.SeedComment(t, post, author)

	for i, liked := range []bool{true, true, false} {
		member := env.SeedMember(t, "m"+string(rune('a'+i)))
		_, err := repo.InsertLike(ctx, task(member, post, like.ResourcePost, liked))
		require.NoError(t, err)
	}
	_, err := env.PostgresPool.Exec(ctx, `UPDATE posts SET like_count = 10 WHERE id = $1`, post)
	require.NoError(t, err)
	_, err = env.PostgresPool.Exec(ctx, `UPDATE comments SET like_count = 3 WHERE id = $1`, comment)
	require.NoError(t, err)

	fixed, err := repo.ReconcileLikeCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fixed[like.ResourcePost])
	assert.Equal(t, int64(1), fixed[like.ResourceComment])

	n, err := repo.LoadLikeCount(ctx, like.CountKey{ResourceType: like.ResourcePost, ResourceID: post})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// 第二次沒有需要修正的資料列
	fixed, err = repo.ReconcileLikeCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, fixed[like.ResourcePost])
	assert.Zero(t, fixed[like.ResourceComment])
}

// TestPipeline_RedisToPostgres 切換經 Redis 快取後由排程器寫入資料庫
func TestPipeline_RedisToPostgres(t *testing.T) {
	env := testutils.SetupTestEnvironment(t)
	logger := env.Logger
	ctx := context.Background()

	repo := postgres.NewRepository(env.PostgresPool, logger)
	liker := env.SeedMember(t, "alice")
	author := env.SeedMember(t, "bob")
	post := env.SeedPost(t, author)

	memory := like.NewMemoryStore(1000, 4)
	store := like.NewFallbackStore(like.NewRedisStore(env.RedisClient, time.Hour), memory, 3, logger, nil)
	defer store.Close()

	sched := like.NewSyncScheduler(repo, like.SyncConfig{
		FlushInterval: time.Hour,
		BatchSize:     1000,
		MaxRetries:    2,
		WriteTimeout:  5 * time.Second,
	}, logger, like.WithSettler(store))
	notifier := testutils.NewMockNotifier()
	pub := like.NewEventPublisher(notifier, like.PublisherConfig{Workers: 1, QueueSize: 8}, logger, nil)

	svc := like.NewService(repo, like.NewResolver(repo), store, sched, pub, logger,
		like.WithStateLoader(repo, time.Second))

	result, err := svc.ToggleLike(ctx, liker, "post", post)
	require.NoError(t, err)
	assert.True(t, result.Liked)
	assert.Equal(t, int64(1), result.LikeCount)

	stats := sched.Flush(ctx)
	assert.Equal(t, 1, stats.Inserted)

	liked, found, err := repo.LoadLike(ctx, like.NewLikeKey(like.ResourcePost, post, liker))
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, liked)

	n, err := repo.LoadLikeCount(ctx, like.CountKey{ResourceType: like.ResourcePost, ResourceID: post})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Redis 清空後狀態由資料庫回填
	env.FlushRedis(t)

	result, err = svc.ToggleLike(ctx, liker, "post", post)
	require.NoError(t, err)
	assert.False(t, result.Liked)
	assert.Equal(t, int64(0), result.LikeCount)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, pub.Shutdown(shutdownCtx))
	require.NoError(t, sched.Shutdown(shutdownCtx))

	n, err = repo.LoadLikeCount(ctx, like.CountKey{ResourceType: like.ResourcePost, ResourceID: post})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.Len(t, notifier.Notifications(), 1)
}
