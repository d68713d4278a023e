package like

import (
	"context"
	"hash/maphash"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/koopa0/system-design/like-service/pkg/errors"
	"github.com/koopa0/system-design/like-service/pkg/logger"
)

// SyncQueue 接收待同步任務
type SyncQueue interface {
	ScheduleSyncToDatabase(memberID, resourceID int64, resourceType ResourceType, liked, isNewRelation bool)

	// CountSyncState 返回資源還沒反映到 like_count 的切換次數與釋放序號
	CountSyncState(key CountKey) (unsettled int, epoch uint64)
}

// EventSink 接收按讚事件
type EventSink interface {
	PublishLikeEvent(member Member, resource Resource)
}

// StateLoader 快取未命中時回查資料庫
type StateLoader interface {
	// LoadLike 返回資料庫中的按讚狀態；沒有資料列時 found=false
	LoadLike(ctx context.Context, key LikeKey) (liked bool, found bool, err error)

	// LoadLikeCount 返回資源目前的 like_count
	LoadLikeCount(ctx context.Context, key CountKey) (int64, error)
}

// Service 按讚切換引擎
type Service struct {
	members   MemberFinder
	resolver  *Resolver
	store     Store
	queue     SyncQueue
	publisher EventSink
	logger    *slog.Logger
	metrics   *Metrics

	loader          StateLoader
	backfillTimeout time.Duration

	locks *keyLocks
	now   func() time.Time
}

// Option 可選設定
type Option func(*Service)

// WithStateLoader 啟用快取未命中時的資料庫回填
func WithStateLoader(loader StateLoader, timeout time.Duration) Option {
	return func(s *Service) {
		s.loader = loader
		s.backfillTimeout = timeout
	}
}

// WithPerKeyLock 同一 (member, resource) 的切換序列化
//
// 關閉時同一成員對同一資源的並發切換可能讀到相同的舊狀態。
func WithPerKeyLock(enabled bool) Option {
	return func(s *Service) {
		if enabled {
			s.locks = newKeyLocks(256)
		} else {
			s.locks = nil
		}
	}
}

// WithMetrics 設定指標
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock 替換時間來源
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService 建立切換引擎，預設啟用 per-key 序列化
func NewService(members MemberFinder, resolver *Resolver, store Store, queue SyncQueue, publisher EventSink, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		members:   members,
		resolver:  resolver,
		store:     store,
		queue:     queue,
		publisher: publisher,
		logger:    logger,
		locks:     newKeyLocks(256),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	if s.backfillTimeout <= 0 {
		s.backfillTimeout = 200 * time.Millisecond
	}
	return s
}

// ToggleLike 切換成員對資源的按讚狀態
//
// 執行順序：
//  1. 驗證資源類型（無效時不做任何查詢）
//  2. 查詢成員與資源，拒絕對自己的內容按讚
//  3. 讀取快取狀態並翻轉，更新紀錄與計數
//  4. 排入待同步任務；按讚時發送通知
//  5. 讀取最新計數返回
//
// 快取寫入成功後的錯誤不會回滾，切換仍視為成功。
// 計數器無法回填時不建立計數器，切換只經由同步寫入 like_count，
// 返回的計數是資料庫目前的值。
func (s *Service) ToggleLike(ctx context.Context, memberID int64, resourceType string, resourceID int64) (*ToggleResult, error) {
	start := time.Now()

	result, err := s.toggle(ctx, memberID, resourceType, resourceID)
	if err != nil {
		s.metrics.ToggleErrors.WithLabelValues(apperrors.CodeOf(err)).Inc()
		return nil, err
	}

	action := "unlike"
	if result.Liked {
		action = "like"
	}
	s.metrics.Toggles.WithLabelValues(string(result.ResourceType), action).Inc()
	s.metrics.ToggleLatency.Observe(time.Since(start).Seconds())
	logger.Metrics(ctx, "toggle_like", time.Since(start),
		slog.String("key", NewLikeKey(result.ResourceType, resourceID, memberID).String()),
		slog.Bool("liked", result.Liked))

	return result, nil
}

func (s *Service) toggle(ctx context.Context, memberID int64, resourceType string, resourceID int64) (*ToggleResult, error) {
	rt, err := s.resolver.NormalizeResourceType(resourceType)
	if err != nil {
		return nil, err
	}

	member, err := s.members.FindMember(ctx, memberID)
	if err != nil {
		return nil, err
	}

	resource, err := s.resolver.ResolveResource(ctx, string(rt), resourceID)
	if err != nil {
		return nil, err
	}

	if s.resolver.IsOwner(member, resource) {
		return nil, apperrors.ErrSelfAction
	}

	key := NewLikeKey(rt, resourceID, memberID)
	countKey := key.CountKey()

	if s.locks != nil {
		unlock := s.locks.lock(key)
		defer unlock()
	}

	state, err := s.loadState(ctx, key)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "read like state")
	}

	liked := !state.CurrentlyLiked
	now := s.now()

	record := LikeRecord{UpdatedAt: now, Liked: liked}
	if state.IsNewLike {
		record.LikedAt = &now
	}
	if err := s.store.UpdateLikeInfo(ctx, key, record); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "write like state")
	}

	// 以下步驟失敗不回滾
	count, cached := s.adjustCount(ctx, countKey, liked)

	s.queue.ScheduleSyncToDatabase(memberID, resourceID, rt, liked, state.IsNewLike)

	if liked {
		s.publisher.PublishLikeEvent(member, resource)
	}

	if cached {
		if count, err = s.store.GetLikeCount(ctx, countKey); err != nil {
			s.logger.WarnContext(ctx, "failed to read like count",
				"key", countKey.String(),
				"error", err)
		}
	}

	return &ToggleResult{
		MemberID:     memberID,
		ResourceID:   resourceID,
		ResourceType: rt,
		Liked:        liked,
		LikeCount:    count,
		Timestamp:    now,
	}, nil
}

// LikeCount 讀取資源目前的按讚數
func (s *Service) LikeCount(ctx context.Context, resourceType string, resourceID int64) (int64, error) {
	rt, err := NormalizeResourceType(resourceType)
	if err != nil {
		return 0, err
	}

	key := CountKey{ResourceType: rt, ResourceID: resourceID}

	if s.loader != nil {
		has, err := s.store.HasLikeCount(ctx, key)
		if err != nil {
			return 0, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "read like count")
		}
		if !has {
			return s.seedCount(ctx, key)
		}
	}

	count, err := s.store.GetLikeCount(ctx, key)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "read like count")
	}
	return count, nil
}

// loadState 讀取快取；未命中且有 StateLoader 時回查資料庫
//
// 回查失敗或逾時就當成新關係，重複的 INSERT 由同步端的衝突處理吸收。
func (s *Service) loadState(ctx context.Context, key LikeKey) (LikeState, error) {
	state, err := s.store.GetLikeState(ctx, key)
	if err != nil || !state.IsNewLike || s.loader == nil {
		return state, err
	}

	lctx, cancel := context.WithTimeout(ctx, s.backfillTimeout)
	defer cancel()

	liked, found, err := s.loader.LoadLike(lctx, key)
	if err != nil {
		s.logger.WarnContext(ctx, "like state backfill failed",
			"key", key.String(),
			"error", err)
		return state, nil
	}
	if !found {
		return state, nil
	}
	return LikeState{CurrentlyLiked: liked, IsNewLike: false}, nil
}

// adjustCount 更新計數器，cached=false 表示計數器不在快取中
//
// 沒有 StateLoader 時計數器從 0 開始。有 StateLoader 時不會從 0 建立：
// 計數器不存在就以資料庫的 like_count 為初始值，無法回填時只交給同步
// 寫入 like_count，count 是資料庫目前的值。
func (s *Service) adjustCount(ctx context.Context, key CountKey, liked bool) (count int64, cached bool) {
	if s.loader == nil {
		n, err := s.store.UpdateLikeCount(ctx, key, liked)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to update like count",
				"key", key.String(),
				"error", err)
		}
		return n, true
	}

	n, ok, err := s.store.AdjustLikeCount(ctx, key, liked, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to update like count",
			"key", key.String(),
			"error", err)
		return 0, true
	}
	if ok {
		return n, true
	}

	base, seedable, err := s.countBase(ctx, key)
	if err != nil {
		s.logger.WarnContext(ctx, "like count backfill failed",
			"key", key.String(),
			"error", err)
		return 0, false
	}
	if !seedable {
		return base, false
	}

	n, ok, err = s.store.AdjustLikeCount(ctx, key, liked, &base)
	if err != nil || !ok {
		s.logger.ErrorContext(ctx, "failed to seed like count",
			"key", key.String(),
			"error", err)
		return base, false
	}
	return n, true
}

// seedCount 計數器不在快取時讀取資料庫，可以的話順便回填
func (s *Service) seedCount(ctx context.Context, key CountKey) (int64, error) {
	base, seedable, err := s.countBase(ctx, key)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "read like count")
	}
	if seedable {
		if err := s.store.SeedLikeCount(ctx, key, base); err != nil {
			s.logger.WarnContext(ctx, "failed to seed like count",
				"key", key.String(),
				"error", err)
		}
	}
	return base, nil
}

// countBase 讀取資料庫的 like_count，並判斷能否作為計數器的初始值
//
// 資源還有沒反映到 like_count 的切換，或讀取期間有差值寫入時，
// 資料庫的值不完整，seedable=false。
func (s *Service) countBase(ctx context.Context, key CountKey) (base int64, seedable bool, err error) {
	unsettled, epoch := s.queue.CountSyncState(key)

	lctx, cancel := context.WithTimeout(ctx, s.backfillTimeout)
	defer cancel()

	base, err = s.loader.LoadLikeCount(lctx, key)
	if err != nil {
		return 0, false, err
	}

	after, epochAfter := s.queue.CountSyncState(key)
	if unsettled > 0 || after > 0 || epochAfter != epoch {
		s.logger.DebugContext(ctx, "like count seed deferred until sync",
			"key", key.String(),
			"unsettled", after)
		return base, false, nil
	}
	return base, true, nil
}

// keyLocks 條紋鎖：固定數量的 mutex，以 key 的雜湊選擇
//
// 不同 key 可能共用同一把鎖，只影響並行度不影響正確性。
type keyLocks struct {
	seed  maphash.Seed
	locks []sync.Mutex
}

func newKeyLocks(n int) *keyLocks {
	return &keyLocks{seed: maphash.MakeSeed(), locks: make([]sync.Mutex, n)}
}

func (l *keyLocks) lock(key LikeKey) (unlock func()) {
	m := &l.locks[maphash.Comparable(l.seed, key)%uint64(len(l.locks))]
	m.Lock()
	return m.Unlock
}
