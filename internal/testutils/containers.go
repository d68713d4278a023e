// Package testutils 提供測試用的共用工具和輔助函數
//
// 本套件實作了測試容器（testcontainers）的管理，包括：
//   - Redis 測試容器
//   - PostgreSQL 測試容器（含嵌入式遷移）
//   - NATS 測試容器
//
// 所有測試容器都會在測試結束時自動清理；-short 模式下直接略過。
package testutils

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/koopa0/system-design/like-service/internal/migrations"
)

// TestEnvironment 封裝測試環境
type TestEnvironment struct {
	RedisClient    *redis.Client
	PostgresPool   *pgxpool.Pool
	RedisContainer tc.Container
	PgContainer    tc.Container
	RedisAddr      string
	PostgresDSN    string
	Logger         *slog.Logger
}

// SetupTestEnvironment 設置完整的測試環境
//
// 使用範例：
//
//	func TestSomething(t *testing.T) {
//	    env := testutils.SetupTestEnvironment(t)
//	    // 使用 env.RedisClient 和 env.PostgresPool
//	}
func SetupTestEnvironment(t testing.TB) *TestEnvironment {
	t.Helper()
	SkipIfShort(t)

	env := &TestEnvironment{Logger: NewTestLogger()}

	t.Cleanup(env.Cleanup)

	env.setupRedis(t)
	env.setupPostgreSQL(t)

	return env
}

// SetupRedis 只啟動 Redis
func SetupRedis(t testing.TB) *TestEnvironment {
	t.Helper()
	SkipIfShort(t)

	env := &TestEnvironment{Logger: NewTestLogger()}
	t.Cleanup(env.Cleanup)
	env.setupRedis(t)
	return env
}

// SetupPostgres 只啟動 PostgreSQL
func SetupPostgres(t testing.TB) *TestEnvironment {
	t.Helper()
	SkipIfShort(t)

	env := &TestEnvironment{Logger: NewTestLogger()}
	t.Cleanup(env.Cleanup)
	env.setupPostgreSQL(t)
	return env
}

// SkipIfShort -short 模式下略過需要容器的測試
func SkipIfShort(t testing.TB) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
}

// NewTestLogger 丟棄輸出的 logger
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// setupRedis 啟動 Redis 測試容器
func (env *TestEnvironment) setupRedis(t testing.TB) {
	t.Helper()

	ctx := context.Background()

	redisContainer, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	env.RedisContainer = redisContainer

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}
	env.RedisAddr = endpoint

	env.RedisClient = redis.NewClient(&redis.Options{
		Addr:         endpoint,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := env.RedisClient.Ping(pingCtx).Err(); err != nil {
		t.Fatalf("failed to ping redis: %v", err)
	}
}

// setupPostgreSQL 啟動 PostgreSQL 測試容器並執行遷移
func (env *TestEnvironment) setupPostgreSQL(t testing.TB) {
	t.Helper()

	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpass"),
		tc.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	env.PgContainer = pgContainer

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}
	env.PostgresDSN = dsn

	if err := migrations.Run(dsn, env.Logger); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	env.PostgresPool, err = pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to create postgres pool: %v", err)
	}
	if err := env.PostgresPool.Ping(ctx); err != nil {
		t.Fatalf("failed to ping postgres: %v", err)
	}
}

// Cleanup 清理測試環境
func (env *TestEnvironment) Cleanup() {
	ctx := context.Background()

	if env.RedisClient != nil {
		_ = env.RedisClient.Close()
	}
	if env.PostgresPool != nil {
		env.PostgresPool.Close()
	}
	if env.RedisContainer != nil {
		_ = env.RedisContainer.Terminate(ctx)
	}
	if env.PgContainer != nil {
		_ = env.PgContainer.Terminate(ctx)
	}
}

// FlushRedis 清空 Redis 資料
func (env *TestEnvironment) FlushRedis(t testing.TB) {
	t.Helper()

	if err := env.RedisClient.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
}

// TruncatePostgresTables 清空所有資料表
func (env *TestEnvironment) TruncatePostgresTables(t testing.TB) {
	t.Helper()

	const query = `TRUNCATE TABLE likes, comments, posts, members RESTART IDENTITY CASCADE`
	if _, err := env.PostgresPool.Exec(context.Background(), query); err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}
}

// SeedMember 新增成員並返回 id
func (env *TestEnvironment) SeedMember(t testing.TB, username string) int64 {
	t.Helper()

	var id int64
	err := env.PostgresPool.QueryRow(context.Background(),
		`INSERT INTO members (username) VALUES ($1) RETURNING id`, username).Scan(&id)
	if err != nil {
		t.Fatalf("failed to seed member: %v", err)
	}
	return id
}

// SeedPost 新增貼文並返回 id
func (env *TestEnvironment) SeedPost(t testing.TB, authorID int64) int64 {
	t.Helper()

	var id int64
	err := env.PostgresPool.QueryRow(context.Background(),
		`INSERT INTO posts (author_id, content) VALUES ($1, 'hello') RETURNING id`, authorID).Scan(&id)
	if err != nil {
		t.Fatalf("failed to seed post: %v", err)
	}
	return id
}

// SeedComment 新增留言並返回 id
func (env *TestEnvironment) SeedComment(t testing.TB, postID, authorID int64) int64 {
	t.Helper()

	var id int64
	err := env.PostgresPool.QueryRow(context.Background(),
		`INSERT INTO comments (post_id, author_id, content) VALUES ($1, $2, 'nice') RETURNING id`,
		postID, authorID).Scan(&id)
	if err != nil {
		t.Fatalf("failed to seed comment: %v", err)
	}
	return id
}

// NATSContainer NATS 測試容器
type NATSContainer struct {
	Container tc.Container
	URL       string
}

// SetupNATS 啟動 NATS 測試容器
func SetupNATS(t testing.TB) *NATSContainer {
	t.Helper()
	SkipIfShort(t)

	ctx := context.Background()

	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start nats container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get nats host: %v", err)
	}
	port, err := container.MappedPort(ctx, "4222/tcp")
	if err != nil {
		t.Fatalf("failed to get nats port: %v", err)
	}

	return &NATSContainer{
		Container: container,
		URL:       fmt.Sprintf("nats://%s:%s", host, port.Port()),
	}
}
