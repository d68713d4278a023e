// Package postgres 以 pgx 實作按讚服務的資料庫存取
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/system-design/like-service/internal/like"
	apperrors "github.com/koopa0/system-design/like-service/pkg/errors"
)

// Repository 成員、貼文、留言與按讚關係的存取
//
// 同時實作 like.MemberFinder、like.ResourceFinder、like.LikeRepository、
// like.StateLoader 與 like.CountReconciler。
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository 建立 Repository
func NewRepository(pool *pgxpool.Pool, logger *slog.Logger) *Repository {
	return &Repository{pool: pool, logger: logger}
}

// Ping 檢查連線
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// resourceTable 資源類型對應的資料表，只會返回固定字串
func resourceTable(rt like.ResourceType) (string, error) {
	switch rt {
	case like.ResourcePost:
		return "posts", nil
	case like.ResourceComment:
		return "comments", nil
	default:
		return "", apperrors.ErrInvalidResourceType
	}
}

func (r *Repository) FindMember(ctx context.Context, id int64) (like.Member, error) {
	const query = `SELECT id, username FROM members WHERE id = $1`

	var m like.Member
	err := r.pool.QueryRow(ctx, query, id).Scan(&m.ID, &m.Username)
	if errors.Is(err, pgx.ErrNoRows) {
		return like.Member{}, apperrors.ErrMemberNotFound
	}
	if err != nil {
		return like.Member{}, fmt.Errorf("find member: %w", err)
	}
	return m, nil
}

func (r *Repository) FindPost(ctx context.Context, id int64) (like.Resource, error) {
	return r.findResource(ctx, like.ResourcePost, id)
}

func (r *Repository) FindComment(ctx context.Context, id int64) (like.Resource, error) {
	return r.findResource(ctx, like.ResourceComment, id)
}

// findResource 已刪除的資源視為不存在
func (r *Repository) findResource(ctx context.Context, rt like.ResourceType, id int64) (like.Resource, error) {
	table, err := resourceTable(rt)
	if err != nil {
		return like.Resource{}, err
	}
	query := fmt.Sprintf(`SELECT id, author_id FROM %s WHERE id = $1 AND NOT is_deleted`, table)

	res := like.Resource{Type: rt}
	err = r.pool.QueryRow(ctx, query, id).Scan(&res.ID, &res.AuthorID)
	if errors.Is(err, pgx.ErrNoRows) {
		return like.Resource{}, apperrors.ErrResourceNotFound
	}
	if err != nil {
		return like.Resource{}, fmt.Errorf("find %s: %w", table, err)
	}
	return res, nil
}

// InsertLike 新增按讚關係
//
// 唯一鍵衝突時不報錯，返回 inserted=false，由呼叫端改走 UpdateLike。
func (r *Repository) InsertLike(ctx context.Context, task like.PendingSyncTask) (bool, error) {
	const query = `
		INSERT INTO likes (member_id, resource_id, resource_type, is_liked, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (member_id, resource_id, resource_type) DO NOTHING`

	tag, err := r.pool.Exec(ctx, query,
		task.MemberID, task.ResourceID, string(task.ResourceType),
		task.Liked, task.LikedAt, task.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert like: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateLike 更新按讚狀態，返回更新前的 is_liked
//
// 子查詢以 FOR UPDATE 鎖住資料列，舊值與新值在同一個語句內完成。
func (r *Repository) UpdateLike(ctx context.Context, task like.PendingSyncTask) (bool, bool, error) {
	const query = `
		UPDATE likes AS l
		SET is_liked = $4, updated_at = $5
		FROM (
			SELECT id, is_liked FROM likes
			WHERE member_id = $1 AND resource_id = $2 AND resource_type = $3
			FOR UPDATE
		) AS old
		WHERE l.id = old.id
		RETURNING old.is_liked`

	var previous bool
	err := r.pool.QueryRow(ctx, query,
		task.MemberID, task.ResourceID, string(task.ResourceType),
		task.Liked, task.UpdatedAt).Scan(&previous)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("update like: %w", err)
	}
	return previous, true, nil
}

// ApplyLikeCountDelta like_count 不會低於 0
func (r *Repository) ApplyLikeCountDelta(ctx context.Context, key like.CountKey, delta int64) error {
	table, err := resourceTable(key.ResourceType)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET like_count = GREATEST(like_count + $2, 0), updated_at = NOW()
		WHERE id = $1`, table)

	tag, err := r.pool.Exec(ctx, query, key.ResourceID, delta)
	if err != nil {
		return fmt.Errorf("apply like count delta: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// 資源已被硬刪除，差值沒有地方可以寫
		r.logger.Warn("like count target not found",
			"key", key.String(),
			"delta", delta)
	}
	return nil
}

func (r *Repository) LoadLike(ctx context.Context, key like.LikeKey) (bool, bool, error) {
	const query = `
		SELECT is_liked FROM likes
		WHERE member_id = $1 AND resource_id = $2 AND resource_type = $3`

	var liked bool
	err := r.pool.QueryRow(ctx, query, key.MemberID, key.ResourceID, string(key.ResourceType)).Scan(&liked)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("load like: %w", err)
	}
	return liked, true, nil
}

func (r *Repository) LoadLikeCount(ctx context.Context, key like.CountKey) (int64, error) {
	table, err := resourceTable(key.ResourceType)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`SELECT like_count FROM %s WHERE id = $1`, table)

	var count int64
	err = r.pool.QueryRow(ctx, query, key.ResourceID).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load like count: %w", err)
	}
	return count, nil
}

// ReconcileLikeCounts 以 likes 表重算 like_count，只更新不一致的資料列
func (r *Repository) ReconcileLikeCounts(ctx context.Context) (map[like.ResourceType]int64, error) {
	fixed := make(map[like.ResourceType]int64, 2)

	for _, rt := range []like.ResourceType{like.ResourcePost, like.ResourceComment} {
		table, _ := resourceTable(rt)
		query := fmt.Sprintf(`
			UPDATE %[1]s AS t
			SET like_count = c.actual, updated_at = NOW()
			FROM (
				SELECT r.id, COALESCE(l.cnt, 0) AS actual
				FROM %[1]s AS r
				LEFT JOIN (
					SELECT resource_id, COUNT(*) AS cnt
					FROM likes
					WHERE resource_type = $1 AND is_liked
					GROUP BY resource_id
				) AS l ON l.resource_id = r.id
			) AS c
			WHERE t.id = c.id AND t.like_count <> c.actual`, table)

		tag, err := r.pool.Exec(ctx, query, string(rt))
		if err != nil {
			return fixed, fmt.Errorf("reconcile %s like counts: %w", table, err)
		}
		fixed[rt] = tag.RowsAffected()
	}

	return fixed, nil
}
