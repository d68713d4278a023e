package like

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// PingStore 可檢查健康狀態的 Store
type PingStore interface {
	Store
	Ping(ctx context.Context) error
}

// FallbackStore Redis 失敗時降級到記憶體 Store
//
// 降級策略：
//  1. 連續錯誤達到閾值後進入降級模式，之後所有操作直接走記憶體
//  2. 降級期間每 10 秒 ping 一次 Redis，恢復後切回
//  3. 降級前的單次失敗也會改走記憶體，請求本身不失敗
//
// 注意：切換期間兩邊的狀態不會互相同步，計數可能暫時偏差，
// 由資料庫端的 Reconciler 修正。
type FallbackStore struct {
	primary   PingStore
	secondary *MemoryStore
	threshold int32
	logger    *slog.Logger
	metrics   *Metrics

	healthInterval time.Duration

	// 降級控制
	fallbackMode atomic.Bool
	errCount     atomic.Int32

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewFallbackStore 建立帶降級的 Store
func NewFallbackStore(primary PingStore, secondary *MemoryStore, threshold int, logger *slog.Logger, metrics *Metrics) *FallbackStore {
	if threshold <= 0 {
		threshold = 1
	}
	if threshold > 1<<30 {
		threshold = 1 << 30
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &FallbackStore{
		primary:        primary,
		secondary:      secondary,
		threshold:      int32(threshold),
		logger:         logger,
		metrics:        metrics,
		healthInterval: 10 * time.Second,
		stopCh:         make(chan struct{}),
	}
}

// InFallback 是否處於降級模式
func (s *FallbackStore) InFallback() bool {
	return s.fallbackMode.Load()
}

// Ping 降級期間回報記憶體可用
func (s *FallbackStore) Ping(ctx context.Context) error {
	if s.fallbackMode.Load() {
		return nil
	}
	return s.primary.Ping(ctx)
}

// Close 停止健康檢查
func (s *FallbackStore) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Settle 記憶體端的釘選在兩種模式下都需要釋放
func (s *FallbackStore) Settle(key LikeKey, toggles int) {
	s.secondary.Settle(key, toggles)
}

// SettleCount 同 Settle
func (s *FallbackStore) SettleCount(key CountKey, toggles int) {
	s.secondary.SettleCount(key, toggles)
}

func (s *FallbackStore) GetLikeState(ctx context.Context, key LikeKey) (LikeState, error) {
	return do(s, func(st Store) (LikeState, error) { return st.GetLikeState(ctx, key) })
}

func (s *FallbackStore) UpdateLikeInfo(ctx context.Context, key LikeKey, record LikeRecord) error {
	_, err := do(s, func(st Store) (struct{}, error) { return struct{}{}, st.UpdateLikeInfo(ctx, key, record) })
	return err
}

func (s *FallbackStore) UpdateLikeCount(ctx context.Context, key CountKey, liked bool) (int64, error) {
	return do(s, func(st Store) (int64, error) { return st.UpdateLikeCount(ctx, key, liked) })
}

func (s *FallbackStore) AdjustLikeCount(ctx context.Context, key CountKey, liked bool, base *int64) (int64, bool, error) {
	type adjusted struct {
		n  int64
		ok bool
	}
	r, err := do(s, func(st Store) (adjusted, error) {
		n, ok, err := st.AdjustLikeCount(ctx, key, liked, base)
		return adjusted{n, ok}, err
	})
	return r.n, r.ok, err
}

func (s *FallbackStore) GetLikeCount(ctx context.Context, key CountKey) (int64, error) {
	return do(s, func(st Store) (int64, error) { return st.GetLikeCount(ctx, key) })
}

func (s *FallbackStore) HasLikeCount(ctx context.Context, key CountKey) (bool, error) {
	return do(s, func(st Store) (bool, error) { return st.HasLikeCount(ctx, key) })
}

func (s *FallbackStore) SeedLikeCount(ctx context.Context, key CountKey, value int64) error {
	_, err := do(s, func(st Store) (struct{}, error) { return struct{}{}, st.SeedLikeCount(ctx, key, value) })
	return err
}

// do 優先走 Redis，失敗時改走記憶體
func do[T any](s *FallbackStore, op func(Store) (T, error)) (T, error) {
	if s.fallbackMode.Load() {
		return op(s.secondary)
	}

	v, err := op(s.primary)
	if err == nil {
		// 重置錯誤計數
		s.errCount.Store(0)
		return v, nil
	}

	s.handleError(err)
	return op(s.secondary)
}

// handleError 累計錯誤，達到閾值進入降級模式
func (s *FallbackStore) handleError(err error) {
	s.logger.Error("redis error", "error", err)

	errors := s.errCount.Add(1)
	if errors < s.threshold {
		return
	}

	if s.fallbackMode.CompareAndSwap(false, true) {
		s.metrics.FallbackActive.Set(1)
		s.logger.Warn("entering fallback mode due to redis errors", "errors", errors)

		// 啟動恢復檢查；每次進入降級只會有一個
		s.wg.Add(1)
		go s.checkHealth()
	}
}

// checkHealth 降級期間定期檢查 Redis
func (s *FallbackStore) checkHealth() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			err := s.primary.Ping(ctx)
			cancel()

			if err == nil {
				// Redis 恢復
				s.errCount.Store(0)
				s.fallbackMode.Store(false)
				s.metrics.FallbackActive.Set(0)
				s.logger.Info("redis recovered, exiting fallback mode")
				return
			}
		}
	}
}
