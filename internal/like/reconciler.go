package like

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CountReconciler 以 likes 表重算 like_count
type CountReconciler interface {
	// ReconcileLikeCounts 返回每種資源被修正的資料列數
	ReconcileLikeCounts(ctx context.Context) (map[ResourceType]int64, error)
}

// Reconciler 定期修正資料庫中的 like_count
//
// 正常情況下計數差值已經足夠；這裡處理的是放棄的修正、
// 降級切換期間的偏差，以及手動修改資料庫造成的不一致。
type Reconciler struct {
	repo     CountReconciler
	guard    sync.Locker
	interval time.Duration
	logger   *slog.Logger
	metrics  *Metrics

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewReconciler 建立 Reconciler
//
// guard 通常是 SyncScheduler.FlushLock()，重算期間暫停 flush。
func NewReconciler(repo CountReconciler, guard sync.Locker, interval time.Duration, logger *slog.Logger, metrics *Metrics) *Reconciler {
	if guard == nil {
		guard = &sync.Mutex{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Reconciler{
		repo:     repo,
		guard:    guard,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start 啟動排程；interval 為 0 時不執行
func (r *Reconciler) Start() {
	if r.interval <= 0 {
		close(r.done)
		return
	}
	go r.run()
}

// Stop 停止排程
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Reconciler) run() {
	defer close(r.done)

	r.logger.Info("like count reconciler started", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.Reconcile(context.Background()); err != nil {
				r.logger.Error("like count reconcile failed", "error", err)
			}
		case <-r.stop:
			r.logger.Info("like count reconciler stopped")
			return
		}
	}
}

// Reconcile 執行一次重算
func (r *Reconciler) Reconcile(ctx context.Context) (map[ResourceType]int64, error) {
	r.guard.Lock()
	defer r.guard.Unlock()

	start := time.Now()

	fixed, err := r.repo.ReconcileLikeCounts(ctx)
	if err != nil {
		return nil, err
	}

	for rt, n := range fixed {
		r.metrics.Reconciled.WithLabelValues(string(rt)).Add(float64(n))
	}

	r.logger.Info("like count reconcile completed",
		"posts", fixed[ResourcePost],
		"comments", fixed[ResourceComment],
		"duration", time.Since(start))

	return fixed, nil
}
