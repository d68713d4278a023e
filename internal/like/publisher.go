package like

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/koopa0/system-design/like-service/pkg/errors"
)

// Notifier 將通知送到通知子系統
type Notifier interface {
	Notify(ctx context.Context, n LikeNotification) error
}

// PublisherConfig 事件發布設定
type PublisherConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

// EventPublisher 以有界佇列非同步發送按讚通知
//
// 盡力而為：佇列滿或已關閉時直接丟棄，發送失敗只記錄不重試，
// 任何情況都不會影響切換結果。
type EventPublisher struct {
	notifier Notifier
	cfg      PublisherConfig
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time

	// mu 保護 queue 的關閉與送出不會交錯
	mu     sync.RWMutex
	closed bool
	queue  chan LikeNotification
	wg     sync.WaitGroup
}

// NewEventPublisher 建立並啟動 worker
func NewEventPublisher(notifier Notifier, cfg PublisherConfig, logger *slog.Logger, metrics *Metrics) *EventPublisher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	p := &EventPublisher{
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		queue:    make(chan LikeNotification, cfg.QueueSize),
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// PublishLikeEvent 排入一則「某人按讚了你的內容」通知，不阻塞
func (p *EventPublisher) PublishLikeEvent(member Member, resource Resource) {
	n := LikeNotification{
		ID:            uuid.NewString(),
		ActorID:       member.ID,
		ActorName:     member.Username,
		TargetOwnerID: resource.AuthorID,
		ResourceID:    resource.ID,
		ResourceType:  resource.Type,
		Message:       fmt.Sprintf("%s liked your %s", member.Username, resource.Type.noun()),
		CreatedAt:     p.now(),
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.metrics.NotifyDropped.Inc()
		return
	}

	select {
	case p.queue <- n:
	default:
		p.metrics.NotifyDropped.Inc()
		p.logger.Warn("notification queue full, dropping like event",
			"resource_type", resource.Type,
			"resource_id", resource.ID)
	}
}

// Shutdown 停止接收並等待佇列送完
func (p *EventPublisher) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *EventPublisher) worker() {
	defer p.wg.Done()

	for n := range p.queue {
		p.send(n)
	}
}

// send 單則發送；notifier panic 也不能讓 worker 結束
func (p *EventPublisher) send(n LikeNotification) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.NotifyFailed.Inc()
			p.logger.Error("notifier panicked", "panic", r, "notification_id", n.ID)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()

	if err := p.notifier.Notify(ctx, n); err != nil {
		p.metrics.NotifyFailed.Inc()
		p.logger.Error("failed to send like notification",
			"notification_id", n.ID,
			"target_owner_id", n.TargetOwnerID,
			"error", apperrors.Wrap(err, apperrors.ErrCodeNotification, "notify"))
		return
	}
	p.metrics.NotifySent.Inc()
}
