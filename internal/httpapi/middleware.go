package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apperrors "github.com/koopa0/system-design/like-service/pkg/errors"
	"github.com/koopa0/system-design/like-service/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

// requestID 沿用上游的請求 ID，沒有時產生一個
func (h *Handler) requestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		next(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	}
}

// loggerMiddleware 記錄請求日誌
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以捕獲狀態碼
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next(ww, r)

		h.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	}
}

// recoverer 恢復 panic
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.ErrorContext(r.Context(), "panic recovered", "error", err)
				h.respondError(w, http.StatusInternalServerError, apperrors.ErrCodeInternal, "internal server error", "")
			}
		}()
		next(w, r)
	}
}

// authenticate 驗證 bearer token，subject 即成員 id
func (h *Handler) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		memberID, err := h.parseToken(r.Header.Get("Authorization"))
		if err != nil {
			h.logger.DebugContext(r.Context(), "authentication failed", "error", err)
			h.respondAppError(w, r, apperrors.ErrUnauthorized)
			return
		}

		next(w, r.WithContext(logger.WithMemberID(r.Context(), memberID)))
	}
}

func (h *Handler) parseToken(header string) (int64, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return 0, apperrors.ErrUnauthorized.WithDetails("missing bearer token")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if h.opts.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(h.opts.Issuer))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(h.opts.JWTSecret), nil
	}, opts...)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeUnauthorized, "invalid token")
	}

	memberID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || memberID <= 0 {
		return 0, apperrors.ErrUnauthorized.WithDetails("token subject is not a member id")
	}
	return memberID, nil
}

// responseWriter 包裝以捕獲狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}
