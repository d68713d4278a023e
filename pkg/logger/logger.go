// Package logger 提供結構化日誌功能
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// contextKey 用於上下文的鍵類型
type contextKey string

const (
	// RequestIDKey 請求 ID 的上下文鍵
	RequestIDKey contextKey = "request_id"
	// MemberIDKey 成員 ID 的上下文鍵
	MemberIDKey contextKey = "member_id"
)

// defaultLogger 預設日誌記錄器
var defaultLogger *slog.Logger

// Init 初始化日誌系統並設為 slog 預設記錄器
func Init(level, format, outputPath string, addSource bool) (*slog.Logger, error) {
	var output io.Writer
	switch outputPath {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		// #nosec G304 - outputPath 是從配置來的，非使用者直接輸入
		file, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, err
		}
		output = file
	}

	defaultLogger = New(output, level, format, addSource)
	slog.SetDefault(defaultLogger)

	return defaultLogger, nil
}

// New 建立帶上下文處理器的記錄器（不改變預設記錄器）
func New(w io.Writer, level, format string, addSource bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(level),
		AddSource: addSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// 自定義時間格式（台北時區）
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					if loc, err := time.LoadLocation("Asia/Taipei"); err == nil {
						t = t.In(loc)
					}
					a.Value = slog.StringValue(t.Format("2006-01-02 15:04:05.000"))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(&contextHandler{Handler: handler})
}

// ParseLevel 解析日誌級別
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// contextHandler 從上下文中提取資訊的處理器
type contextHandler struct {
	slog.Handler
}

// Handle 處理日誌記錄
func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		r.AddAttrs(slog.String("request_id", requestID))
	}

	if memberID, ok := ctx.Value(MemberIDKey).(int64); ok && memberID != 0 {
		r.AddAttrs(slog.String("member_id", strconv.FormatInt(memberID, 10)))
	}

	return h.Handler.Handle(ctx, r)
}

// WithAttrs 與 WithGroup 必須保留包裝，否則 logger.With(...) 會失去上下文欄位
func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}

// WithContext 返回預設記錄器
func WithContext(ctx context.Context) *slog.Logger {
	if defaultLogger == nil {
		return slog.Default()
	}
	return defaultLogger
}

// WithRequestID 添加請求 ID 到上下文
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithMemberID 添加成員 ID 到上下文
func WithMemberID(ctx context.Context, memberID int64) context.Context {
	return context.WithValue(ctx, MemberIDKey, memberID)
}

// MemberIDFrom 從上下文取出成員 ID
func MemberIDFrom(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(MemberIDKey).(int64)
	return id, ok && id != 0
}

// RequestIDFrom 從上下文取出請求 ID
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// Metrics 記錄指標日誌
func Metrics(ctx context.Context, operation string, duration time.Duration, attrs ...slog.Attr) {
	logger := WithContext(ctx)

	baseAttrs := []any{
		slog.String("operation", operation),
		slog.Duration("duration", duration),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	}

	for _, attr := range attrs {
		baseAttrs = append(baseAttrs, attr)
	}

	logger.DebugContext(ctx, "metrics", baseAttrs...)
}
