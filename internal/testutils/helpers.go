package testutils

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/like-service/internal/config"
)

// TestJWTSecret 測試用簽章金鑰
const TestJWTSecret = "test-secret"

// DefaultTestConfig 返回測試用的預設配置
func DefaultTestConfig() *config.Config {
	cfg := config.Default()

	cfg.Like.CacheCapacity = 10_000
	cfg.Like.CacheShards = 8
	// 測試中手動呼叫 Flush，避免計時器干擾
	cfg.Like.FlushInterval = time.Hour
	cfg.Like.BatchSize = 1_000
	cfg.Like.MaxRetries = 2
	cfg.Like.WriteTimeout = time.Second
	cfg.Like.ReconcileInterval = 0

	cfg.Notify.Workers = 2
	cfg.Notify.QueueSize = 64
	cfg.Notify.Timeout = time.Second

	cfg.Auth.JWTSecret = TestJWTSecret
	cfg.Log.Level = "warn"

	return cfg
}

// WaitForCondition 等待條件滿足
func WaitForCondition(t testing.TB, condition func() bool, timeout time.Duration, message string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("timeout waiting for condition: %s", message)
		case <-ticker.C:
		}
	}
}

// RunConcurrently 並發執行測試函數
func RunConcurrently(t testing.TB, concurrency, iterations int, fn func(workerID, iteration int)) {
	t.Helper()

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				fn(workerID, j)
			}
		}(i)
	}
	wg.Wait()
}

// SignToken 產生測試用的 bearer token，subject 為成員 id
func SignToken(t testing.TB, secret string, memberID int64) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(memberID, 10),
		Issuer:    "social-backend",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

// MakeHTTPRequest 執行 HTTP 請求的輔助函數
//
// token 為空時不帶 Authorization。
func MakeHTTPRequest(t testing.TB, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var bodyReader io.Reader
	if body != nil {
		if str, ok := body.(string); ok {
			bodyReader = strings.NewReader(str)
		} else {
			jsonBytes, err := json.Marshal(body)
			require.NoError(t, err)
			bodyReader = strings.NewReader(string(jsonBytes))
		}
	}

	req := httptest.NewRequest(method, path, bodyReader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	return recorder
}

// ParseJSONResponse 解析 JSON 響應
func ParseJSONResponse(t testing.TB, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()

	err := json.NewDecoder(recorder.Body).Decode(target)
	require.NoError(t, err, "failed to parse JSON response")
}
