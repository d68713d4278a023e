package like

import (
	"context"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/koopa0/system-design/like-service/pkg/errors"
	"github.com/koopa0/system-design/like-service/pkg/logger"
)

// LikeRepository 同步排程器需要的資料庫操作
type LikeRepository interface {
	// InsertLike 新增按讚關係；資料列已存在時返回 inserted=false 且不報錯
	InsertLike(ctx context.Context, task PendingSyncTask) (inserted bool, err error)

	// UpdateLike 更新按讚狀態並返回更新前的值；資料列不存在時 found=false
	UpdateLike(ctx context.Context, task PendingSyncTask) (previous bool, found bool, err error)

	// ApplyLikeCountDelta 將差值加到資源的 like_count
	ApplyLikeCountDelta(ctx context.Context, key CountKey, delta int64) error
}

// SyncConfig 同步排程設定
type SyncConfig struct {
	FlushInterval time.Duration
	BatchSize     int
	MaxRetries    int
	WriteTimeout  time.Duration
}

// FlushStats 單次 flush 的結果
type FlushStats struct {
	Inserted    int
	Updated     int
	Failed      int
	Dropped     int
	Corrections int
}

// SyncScheduler 將合併後的待同步任務批量寫回資料庫
//
// 合併規則：
//   - 同一個 LikeKey 只保留最後的目標狀態
//   - IsNewRelation 以 OR 合併，確保資料列一定會被建立
//
// flush 流程：
//  1. 在鎖內把整個 pending map 換成新的空 map（交換後立即釋放鎖）
//  2. 逐筆寫入按讚關係，從資料庫返回的舊值計算計數差值
//  3. 每個資源只執行一次 like_count 修正
//  4. 失敗的任務重新排入，超過重試上限則記錄後放棄
//
// 按讚紀錄的釘選在資料列寫入後釋放；計數器的釘選要等到該資源的
// 差值寫入 like_count（或放棄）後才釋放，否則被淘汰的計數器
// 會以尚未修正的 like_count 重新回填。
type SyncScheduler struct {
	repo    LikeRepository
	settler Settler
	cfg     SyncConfig
	logger  *slog.Logger
	metrics *Metrics

	mu          sync.Mutex
	pending     map[LikeKey]*PendingSyncTask
	corrections map[CountKey]correction

	// 每個資源還沒反映到 like_count 的切換次數，釋放時 epoch 遞增
	unsettled map[CountKey]int
	epoch     uint64

	// 同一時間只有一個 flush 在寫資料庫
	flushMu sync.Mutex

	flushCh  chan struct{}
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	now func() time.Time
}

// correction 一個資源待寫入的計數差值
//
// toggles 是差值涵蓋的切換次數，寫入成功或放棄後才釋放。
type correction struct {
	delta    int64
	toggles  int
	attempts int
}

// SyncOption 可選設定
type SyncOption func(*SyncScheduler)

// WithSettler 寫回後通知快取釋放釘選
func WithSettler(settler Settler) SyncOption {
	return func(s *SyncScheduler) { s.settler = settler }
}

// WithSyncMetrics 設定指標
func WithSyncMetrics(m *Metrics) SyncOption {
	return func(s *SyncScheduler) { s.metrics = m }
}

// WithSyncClock 替換時間來源
func WithSyncClock(now func() time.Time) SyncOption {
	return func(s *SyncScheduler) { s.now = now }
}

// NewSyncScheduler 建立並啟動同步排程器
func NewSyncScheduler(repo LikeRepository, cfg SyncConfig, logger *slog.Logger, opts ...SyncOption) *SyncScheduler {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 3 * time.Second
	}

	s := &SyncScheduler{
		repo:        repo,
		cfg:         cfg,
		logger:      logger,
		pending:     make(map[LikeKey]*PendingSyncTask),
		corrections: make(map[CountKey]correction),
		unsettled:   make(map[CountKey]int),
		flushCh:     make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}

	// 啟動 flush worker
	go s.run()

	return s
}

// ScheduleSyncToDatabase 排入待同步任務，不阻塞、不做 IO
func (s *SyncScheduler) ScheduleSyncToDatabase(memberID, resourceID int64, resourceType ResourceType, liked, isNewRelation bool) {
	now := s.now()
	key := NewLikeKey(resourceType, resourceID, memberID)

	s.mu.Lock()
	if task, ok := s.pending[key]; ok {
		task.Liked = liked
		task.IsNewRelation = task.IsNewRelation || isNewRelation
		if isNewRelation && task.LikedAt.IsZero() {
			task.LikedAt = now
		}
		task.UpdatedAt = now
		task.Toggles++
	} else {
		task := &PendingSyncTask{
			MemberID:      memberID,
			ResourceID:    resourceID,
			ResourceType:  resourceType,
			Liked:         liked,
			IsNewRelation: isNewRelation,
			UpdatedAt:     now,
			Toggles:       1,
		}
		if isNewRelation {
			task.LikedAt = now
		}
		s.pending[key] = task
	}
	s.unsettled[key.CountKey()]++
	n := len(s.pending)
	s.mu.Unlock()

	s.metrics.SyncPending.Set(float64(n))

	// 達到批次大小提前 flush
	if n >= s.cfg.BatchSize {
		s.RequestFlush()
	}
}

// RequestFlush 要求盡快 flush，不阻塞
func (s *SyncScheduler) RequestFlush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

// Pending 返回待同步任務數量
func (s *SyncScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// PendingTask 返回指定 key 的待同步任務副本
func (s *SyncScheduler) PendingTask(key LikeKey) (PendingSyncTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.pending[key]
	if !ok {
		return PendingSyncTask{}, false
	}
	return *task, true
}

// CountSyncState 返回資源還沒反映到 like_count 的切換次數，以及目前的釋放序號
//
// unsettled 為 0 且讀取資料庫前後 epoch 相同時，資料庫的 like_count 包含所有已發生的切換。
func (s *SyncScheduler) CountSyncState(key CountKey) (unsettled int, epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsettled[key], s.epoch
}

// FlushLock 持有期間不會有 flush 執行
//
// 重算 like_count 時必須持有，避免與計數差值交錯。
func (s *SyncScheduler) FlushLock() sync.Locker {
	return &s.flushMu
}

// Shutdown 停止排程器並執行最後一次 flush
func (s *SyncScheduler) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if n := s.Pending(); n > 0 {
		s.logger.Warn("sync scheduler stopped with pending tasks", "pending", n)
	}
	return nil
}

// run flush worker
func (s *SyncScheduler) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Flush(context.Background())
		case <-s.flushCh:
			s.Flush(context.Background())
		case <-s.stopCh:
			// 最後一次 flush
			s.Flush(context.Background())
			return
		}
	}
}

// Flush 執行一次同步
func (s *SyncScheduler) Flush(ctx context.Context) FlushStats {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	var stats FlushStats
	start := time.Now()

	// 交換 pending map，之後的排入進入新的 map
	s.mu.Lock()
	batch := s.pending
	carried := s.corrections
	s.pending = make(map[LikeKey]*PendingSyncTask, len(batch))
	s.corrections = make(map[CountKey]correction)
	s.mu.Unlock()

	if len(batch) == 0 && len(carried) == 0 {
		return stats
	}

	// 每個資源的計數差值
	counts := make(map[CountKey]correction)

	for _, task := range batch {
		delta, inserted, err := s.apply(ctx, task)
		if err != nil {
			stats.Failed++
			if s.retry(task, err) {
				stats.Dropped++
			}
			continue
		}

		if inserted {
			stats.Inserted++
			s.metrics.SyncWrites.WithLabelValues("insert").Inc()
		} else {
			stats.Updated++
			s.metrics.SyncWrites.WithLabelValues("update").Inc()
		}

		countKey := task.Key().CountKey()
		c := counts[countKey]
		c.delta += delta
		c.toggles += task.Toggles
		counts[countKey] = c
		s.settle(task)
	}

	for key, prev := range carried {
		c := counts[key]
		c.delta += prev.delta
		c.toggles += prev.toggles
		c.attempts = prev.attempts
		counts[key] = c
	}

	for key, c := range counts {
		if c.delta != 0 {
			if err := s.applyDelta(ctx, key, c.delta); err != nil {
				s.retryCorrection(key, c, err)
				continue
			}
			stats.Corrections++
		}
		s.settleCount(key, c.toggles)
	}

	s.metrics.SyncPending.Set(float64(s.Pending()))
	s.metrics.FlushDuration.Observe(time.Since(start).Seconds())
	logger.Metrics(ctx, "like_sync_flush", time.Since(start),
		slog.Int("batch", len(batch)),
		slog.Int("inserted", stats.Inserted),
		slog.Int("updated", stats.Updated),
		slog.Int("failed", stats.Failed),
		slog.Int("corrections", stats.Corrections),
	)

	return stats
}

// apply 寫入單筆按讚關係，返回對 like_count 的影響
//
// 差值以資料庫中的舊值計算，因此重複執行或快取遺失都不會讓計數偏移。
func (s *SyncScheduler) apply(ctx context.Context, task *PendingSyncTask) (delta int64, inserted bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	if task.IsNewRelation {
		ok, err := s.repo.InsertLike(ctx, task.snapshot())
		if err != nil {
			return 0, false, apperrors.Wrap(err, apperrors.ErrCodeDurableWrite, "insert like")
		}
		if ok {
			return boolDelta(task.Liked), true, nil
		}
		// 資料列已存在（快取遺失或並發），改為更新
	}

	previous, found, err := s.repo.UpdateLike(ctx, task.snapshot())
	if err != nil {
		return 0, false, apperrors.Wrap(err, apperrors.ErrCodeDurableWrite, "update like")
	}
	if found {
		return boolDelta(task.Liked) - boolDelta(previous), false, nil
	}

	// 快取認為存在但資料庫沒有，補建資料列
	ok, err := s.repo.InsertLike(ctx, task.snapshot())
	if err != nil {
		return 0, false, apperrors.Wrap(err, apperrors.ErrCodeDurableWrite, "insert like")
	}
	if !ok {
		return 0, false, apperrors.New(apperrors.ErrCodeDurableWrite, "like row appeared during update, retrying")
	}
	return boolDelta(task.Liked), true, nil
}

func (s *SyncScheduler) applyDelta(ctx context.Context, key CountKey, delta int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	if err := s.repo.ApplyLikeCountDelta(ctx, key, delta); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDurableWrite, "apply like count delta")
	}
	return nil
}

// retry 重新排入失敗的任務，返回是否已放棄
func (s *SyncScheduler) retry(task *PendingSyncTask, err error) (dropped bool) {
	s.metrics.SyncFailures.Inc()
	task.Attempts++

	if task.Attempts > s.cfg.MaxRetries {
		s.metrics.SyncDropped.Inc()
		s.logger.Error("dropping like sync task after retries",
			"key", task.Key().String(),
			"liked", task.Liked,
			"attempts", task.Attempts,
			"error", err)
		s.settle(task)
		s.settleCount(task.Key().CountKey(), task.Toggles)
		return true
	}

	key := task.Key()

	s.mu.Lock()
	if newer, ok := s.pending[key]; ok {
		// flush 期間有新的切換：保留新的目標狀態
		newer.IsNewRelation = newer.IsNewRelation || task.IsNewRelation
		if newer.LikedAt.IsZero() {
			newer.LikedAt = task.LikedAt
		}
		newer.Toggles += task.Toggles
		newer.Attempts = max(newer.Attempts, task.Attempts)
	} else {
		s.pending[key] = task
	}
	s.mu.Unlock()

	s.logger.Warn("like sync failed, requeued",
		"key", key.String(),
		"attempts", task.Attempts,
		"error", err)
	return false
}

// retryCorrection 計數差值寫入失敗時保留到下一輪，計數器維持釘選
//
// 放棄後 like_count 的偏差由 Reconciler 修正。
func (s *SyncScheduler) retryCorrection(key CountKey, failed correction, err error) {
	s.metrics.SyncFailures.Inc()
	failed.attempts++

	if failed.attempts > s.cfg.MaxRetries {
		s.metrics.SyncDropped.Inc()
		s.logger.Error("dropping like count correction after retries",
			"key", key.String(),
			"delta", failed.delta,
			"attempts", failed.attempts,
			"error", err)
		s.settleCount(key, failed.toggles)
		return
	}

	s.mu.Lock()
	c := s.corrections[key]
	c.delta += failed.delta
	c.toggles += failed.toggles
	c.attempts = max(c.attempts, failed.attempts)
	s.corrections[key] = c
	s.mu.Unlock()

	s.logger.Warn("like count correction failed, requeued",
		"key", key.String(),
		"delta", failed.delta,
		"error", err)
}

// settle 資料列已寫入，釋放按讚紀錄
func (s *SyncScheduler) settle(task *PendingSyncTask) {
	if s.settler != nil {
		s.settler.Settle(task.Key(), task.Toggles)
	}
}

// settleCount 差值已寫入 like_count（或已放棄），釋放計數器
func (s *SyncScheduler) settleCount(key CountKey, toggles int) {
	if toggles <= 0 {
		return
	}

	s.mu.Lock()
	if n := s.unsettled[key] - toggles; n > 0 {
		s.unsettled[key] = n
	} else {
		delete(s.unsettled, key)
	}
	s.epoch++
	s.mu.Unlock()

	if s.settler != nil {
		s.settler.SettleCount(key, toggles)
	}
}

// snapshot 返回寫入用的副本；LikedAt 為零值時以 UpdatedAt 代替
func (t *PendingSyncTask) snapshot() PendingSyncTask {
	cp := *t
	if cp.LikedAt.IsZero() {
		cp.LikedAt = cp.UpdatedAt
	}
	return cp
}

func boolDelta(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
