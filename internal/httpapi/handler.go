// Package httpapi 按讚服務的 HTTP 入口
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/koopa0/system-design/like-service/internal/like"
	apperrors "github.com/koopa0/system-design/like-service/pkg/errors"
	"github.com/koopa0/system-design/like-service/pkg/logger"
)

// LikeService Handler 依賴的服務操作
type LikeService interface {
	ToggleLike(ctx context.Context, memberID int64, resourceType string, resourceID int64) (*like.ToggleResult, error)
	LikeCount(ctx context.Context, resourceType string, resourceID int64) (int64, error)
}

// Pinger 就緒檢查的依賴
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options Handler 設定
type Options struct {
	JWTSecret string
	// Issuer 非空時驗證 token 的 iss
	Issuer string
	// Gatherer 非 nil 時掛上 /metrics
	Gatherer prometheus.Gatherer
	// Checks 依名稱列出 /ready 要檢查的依賴
	Checks map[string]Pinger
}

// Handler HTTP 請求處理器
type Handler struct {
	service LikeService
	opts    Options
	logger  *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(service LikeService, opts Options, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		opts:    opts,
		logger:  logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈：請求 ID -> 日誌 -> 恢復 -> 業務處理
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.requestID(h.loggerMiddleware(h.recoverer(handler)))
	}
	authed := func(handler http.HandlerFunc) http.HandlerFunc {
		return wrap(h.authenticate(handler))
	}

	mux.HandleFunc("POST /api/v1/like/{id}", authed(h.toggle))
	mux.HandleFunc("GET /api/v1/like/{id}/count", wrap(h.count))

	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /ready", wrap(h.ready))

	if h.opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

type countResponse struct {
	ResourceID   int64             `json:"resource_id"`
	ResourceType like.ResourceType `json:"resource_type"`
	LikeCount    int64             `json:"like_count"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// toggle 切換按讚狀態
func (h *Handler) toggle(w http.ResponseWriter, r *http.Request) {
	resourceID, ok := h.resourceID(w, r)
	if !ok {
		return
	}

	memberID, _ := logger.MemberIDFrom(r.Context())

	result, err := h.service.ToggleLike(r.Context(), memberID, r.URL.Query().Get("resourceType"), resourceID)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

// count 讀取按讚數
func (h *Handler) count(w http.ResponseWriter, r *http.Request) {
	resourceID, ok := h.resourceID(w, r)
	if !ok {
		return
	}

	resourceType, err := like.NormalizeResourceType(r.URL.Query().Get("resourceType"))
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}

	n, err := h.service.LikeCount(r.Context(), string(resourceType), resourceID)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusOK, countResponse{
		ResourceID:   resourceID,
		ResourceType: resourceType,
		LikeCount:    n,
	})
}

func (h *Handler) resourceID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.respondAppError(w, r, apperrors.ErrInvalidInput.WithDetails("resource id must be a positive integer"))
		return 0, false
	}
	return id, true
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// ready 就緒檢查
func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	for name, dep := range h.opts.Checks {
		if err := dep.Ping(ctx); err != nil {
			h.logger.WarnContext(ctx, "dependency not ready", "dependency", name, "error", err)
			h.respondError(w, http.StatusServiceUnavailable, apperrors.ErrCodeUnavailable, name+" not ready", "")
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "Ready")
}

// statusOf 錯誤碼對應 HTTP 狀態碼
func statusOf(code string) int {
	switch code {
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeInvalidResourceType, apperrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case apperrors.ErrCodeSelfAction:
		return http.StatusForbidden
	case apperrors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case apperrors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondAppError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	status := statusOf(code)

	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		// 不外洩內部錯誤細節
		h.respondError(w, status, code, http.StatusText(status), "")
		return
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		h.respondError(w, status, code, appErr.Message, appErr.Details)
		return
	}
	h.respondError(w, status, code, err.Error(), "")
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, code, message, details string) {
	h.respondJSON(w, status, errorResponse{
		Success: false,
		Code:    code,
		Error:   message,
		Details: details,
	})
}
