// Package notify 將按讚通知送到通知子系統
//
// 支援三種傳輸：
//   - log：只寫日誌，本機開發用
//   - nats：發布到 NATS subject，通知服務訂閱後推播
//   - kafka：寫入 Kafka topic，以被通知者 id 作為分區鍵
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"

	"github.com/koopa0/system-design/like-service/internal/like"
)

// Config 通知傳輸設定
type Config struct {
	Driver       string
	NATSURL      string
	NATSSubject  string
	KafkaBrokers string
	KafkaTopic   string
}

// Notifier 可關閉的 like.Notifier
type Notifier interface {
	like.Notifier
	io.Closer
}

// New 依 Driver 建立 Notifier
func New(cfg Config, logger *slog.Logger) (Notifier, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "log":
		return NewLogNotifier(logger), nil
	case "nats":
		return NewNATSNotifier(cfg.NATSURL, cfg.NATSSubject, logger)
	case "kafka":
		return NewKafkaNotifier(splitBrokers(cfg.KafkaBrokers), cfg.KafkaTopic), nil
	default:
		return nil, fmt.Errorf("unknown notify driver %q", cfg.Driver)
	}
}

func splitBrokers(s string) []string {
	var brokers []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// LogNotifier 只記錄通知
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier 建立 LogNotifier
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, notification like.LikeNotification) error {
	n.logger.InfoContext(ctx, "like notification",
		"id", notification.ID,
		"target_owner_id", notification.TargetOwnerID,
		"message", notification.Message)
	return nil
}

func (n *LogNotifier) Close() error { return nil }

// flushTimeout 呼叫端沒有給 deadline 時等待 NATS 確認的上限
const flushTimeout = 2 * time.Second

// NATSNotifier 以 NATS core publish 送出通知
//
// 通知是盡力而為，不需要 JetStream 的持久化保證。
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
}

// NewNATSNotifier 連接 NATS
func NewNATSNotifier(url, subject string, logger *slog.Logger) (*NATSNotifier, error) {
	conn, err := nats.Connect(
		url,
		nats.Name("like-service"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSNotifier{conn: conn, subject: subject}, nil
}

// Notify 發布後等待伺服器確認
//
// ctx 沒有 deadline 時最多等待 flushTimeout。
func (n *NATSNotifier) Notify(ctx context.Context, notification like.LikeNotification) error {
	data, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	msg := nats.NewMsg(n.subject)
	msg.Data = data
	msg.Header.Set("Notification-Id", notification.ID)

	if err := n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	if _, ok := ctx.Deadline(); ok {
		err = n.conn.FlushWithContext(ctx)
	} else {
		err = n.conn.FlushTimeout(flushTimeout)
	}
	if err != nil {
		return fmt.Errorf("flush notification: %w", err)
	}
	return nil
}

// Close 送出緩衝中的訊息後關閉連線
func (n *NATSNotifier) Close() error {
	return n.conn.Drain()
}

// messageWriter kafka.Writer 中用到的方法
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier 寫入 Kafka topic
type KafkaNotifier struct {
	writer messageWriter
}

// NewKafkaNotifier 建立 KafkaNotifier
//
// 以被通知者 id 作為 key，同一個人的通知落在同一分區並保持順序。
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}
}

func (n *KafkaNotifier) Notify(ctx context.Context, notification like.LikeNotification) error {
	msg, err := kafkaMessage(notification)
	if err != nil {
		return err
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

func kafkaMessage(notification like.LikeNotification) (kafka.Message, error) {
	data, err := json.Marshal(notification)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal notification: %w", err)
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatInt(notification.TargetOwnerID, 10)),
		Value: data,
		Time:  notification.CreatedAt,
		Headers: []kafka.Header{
			{Key: "notification-id", Value: []byte(notification.ID)},
			{Key: "resource-type", Value: []byte(notification.ResourceType)},
		},
	}, nil
}
