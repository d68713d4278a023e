package like

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldLiked     = "liked"
	fieldLikedAt   = "liked_at"
	fieldUpdatedAt = "updated_at"
)

// adjustCountScript 計數器不存在時，只有提供初始值才建立
//
// ARGV: 差值、TTL 秒數、初始值（空字串表示不建立）
var adjustCountScript = redis.NewScript(`
	local key = KEYS[1]
	if redis.call('EXISTS', key) == 0 then
		if ARGV[3] == '' then
			return false
		end
		redis.call('SET', key, ARGV[3])
	end
	local n = redis.call('INCRBY', key, ARGV[1])
	redis.call('EXPIRE', key, ARGV[2])
	return n
`)

// RedisStore 以 Redis 實作的 Store
//
// 資料結構：
//   - like:{type}:{resourceId}:{memberId}  Hash {liked, liked_at, updated_at}
//   - likeCount:{type}:{resourceId}         String（INCR/DECR）
//
// 所有 key 每次寫入都刷新 TTL，長期沒人碰的資源自然過期。
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore 建立 Redis Store
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

// Ping 檢查連線
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) GetLikeState(ctx context.Context, key LikeKey) (LikeState, error) {
	val, err := s.client.HGet(ctx, key.String(), fieldLiked).Result()
	if errors.Is(err, redis.Nil) {
		return LikeState{CurrentlyLiked: false, IsNewLike: true}, nil
	}
	if err != nil {
		return LikeState{}, err
	}
	return LikeState{CurrentlyLiked: val == "1", IsNewLike: false}, nil
}

func (s *RedisStore) UpdateLikeInfo(ctx context.Context, key LikeKey, record LikeRecord) error {
	k := key.String()
	liked := "0"
	if record.Liked {
		liked = "1"
	}

	// MULTI/EXEC 確保狀態與 TTL 一起生效
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k, fieldLiked, liked, fieldUpdatedAt, record.UpdatedAt.UnixMilli())
		if record.LikedAt != nil {
			// HSETNX 保留第一次按讚的時間
			pipe.HSetNX(ctx, k, fieldLikedAt, record.LikedAt.UnixMilli())
		}
		pipe.Expire(ctx, k, s.ttl)
		return nil
	})
	return err
}

// GetLikeRecord 讀取完整紀錄，主要用於測試與除錯
func (s *RedisStore) GetLikeRecord(ctx context.Context, key LikeKey) (LikeRecord, bool, error) {
	fields, err := s.client.HGetAll(ctx, key.String()).Result()
	if err != nil {
		return LikeRecord{}, false, err
	}
	if len(fields) == 0 {
		return LikeRecord{}, false, nil
	}

	rec := LikeRecord{Liked: fields[fieldLiked] == "1"}
	if ms, err := strconv.ParseInt(fields[fieldUpdatedAt], 10, 64); err == nil {
		rec.UpdatedAt = time.UnixMilli(ms)
	}
	if v, ok := fields[fieldLikedAt]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.UnixMilli(ms)
			rec.LikedAt = &t
		}
	}
	return rec, true, nil
}

func (s *RedisStore) UpdateLikeCount(ctx context.Context, key CountKey, liked bool) (int64, error) {
	k := key.String()

	var cmd *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if liked {
			cmd = pipe.Incr(ctx, k)
		} else {
			cmd = pipe.Decr(ctx, k)
		}
		pipe.Expire(ctx, k, s.ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cmd.Val(), nil
}

func (s *RedisStore) AdjustLikeCount(ctx context.Context, key CountKey, liked bool, base *int64) (int64, bool, error) {
	delta := int64(-1)
	if liked {
		delta = 1
	}
	seed := ""
	if base != nil {
		seed = strconv.FormatInt(*base, 10)
	}
	ttl := max(int64(s.ttl/time.Second), 1)

	n, err := adjustCountScript.Run(ctx, s.client, []string{key.String()}, delta, ttl, seed).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func (s *RedisStore) GetLikeCount(ctx context.Context, key CountKey) (int64, error) {
	val, err := s.client.Get(ctx, key.String()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

func (s *RedisStore) HasLikeCount(ctx context.Context, key CountKey) (bool, error) {
	n, err := s.client.Exists(ctx, key.String()).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) SeedLikeCount(ctx context.Context, key CountKey, value int64) error {
	return s.client.SetNX(ctx, key.String(), value, s.ttl).Err()
}
