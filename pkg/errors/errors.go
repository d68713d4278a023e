// Package errors 提供應用程式錯誤處理
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeNotFound 成員或資源不存在
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeInvalidResourceType 無法識別的資源類型
	ErrCodeInvalidResourceType = "INVALID_RESOURCE_TYPE"
	// ErrCodeSelfAction 對自己的內容執行操作
	ErrCodeSelfAction = "SELF_ACTION"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeUnauthorized 未驗證
	ErrCodeUnauthorized = "UNAUTHORIZED"
	// ErrCodeDurableWrite 同步寫入資料庫失敗（僅限同步排程器內部）
	ErrCodeDurableWrite = "DURABLE_WRITE"
	// ErrCodeNotification 通知發送失敗（僅限事件發布器內部）
	ErrCodeNotification = "NOTIFICATION_FAILED"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
	// ErrCodeUnavailable 服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is，以錯誤碼比對
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 返回帶有詳細資訊的副本
//
// 注意：預定義錯誤是共用的，不能原地修改
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrMemberNotFound 成員不存在
	ErrMemberNotFound = New(ErrCodeNotFound, "member not found")

	// ErrResourceNotFound 貼文或留言不存在
	ErrResourceNotFound = New(ErrCodeNotFound, "resource not found")

	// ErrInvalidResourceType 資源類型不是 post 或 comment
	ErrInvalidResourceType = New(ErrCodeInvalidResourceType, "invalid resource type")

	// ErrSelfAction 不能對自己的內容按讚
	ErrSelfAction = New(ErrCodeSelfAction, "cannot like your own content")

	// ErrInvalidInput 無效輸入
	ErrInvalidInput = New(ErrCodeInvalidInput, "invalid input")

	// ErrUnauthorized 未驗證
	ErrUnauthorized = New(ErrCodeUnauthorized, "authentication required")

	// ErrDatabaseUnavailable 資料庫不可用
	ErrDatabaseUnavailable = New(ErrCodeUnavailable, "database service unavailable")
)

// hasCode 檢查錯誤鏈中是否有指定錯誤碼
func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsInvalidResourceType 檢查是否為資源類型錯誤
func IsInvalidResourceType(err error) bool {
	return hasCode(err, ErrCodeInvalidResourceType)
}

// IsSelfAction 檢查是否為自我操作錯誤
func IsSelfAction(err error) bool {
	return hasCode(err, ErrCodeSelfAction)
}

// IsInvalidInput 檢查是否為無效輸入錯誤
func IsInvalidInput(err error) bool {
	return hasCode(err, ErrCodeInvalidInput)
}

// IsUnauthorized 檢查是否為未驗證錯誤
func IsUnauthorized(err error) bool {
	return hasCode(err, ErrCodeUnauthorized)
}

// IsDurableWrite 檢查是否為資料庫同步錯誤
func IsDurableWrite(err error) bool {
	return hasCode(err, ErrCodeDurableWrite)
}

// IsClientError 是否為應回報給呼叫端的客戶端錯誤
func IsClientError(err error) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	switch appErr.Code {
	case ErrCodeNotFound, ErrCodeInvalidResourceType, ErrCodeSelfAction, ErrCodeInvalidInput, ErrCodeUnauthorized:
		return true
	}
	return false
}

// CodeOf 返回錯誤鏈中的錯誤碼，非 AppError 時為 INTERNAL_ERROR
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}
