package speechkit

import (
	"fmt"
	"time"
)

// AuthError はAPIキーが無効な場合（HTTP 401）のエラーです。
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("speechkit auth error: %s", e.Message)
}

// PermissionError はフォルダーIDや権限が不正な場合（HTTP 403）のエラーです。
type PermissionError struct {
	Message string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("speechkit permission error: %s", e.Message)
}

// RateLimitError はレート制限超過（HTTP 429）のエラーです。リトライ可能です。
type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("speechkit rate limit: %s", e.Message)
}

// APIError は上記以外のAPIエラーです。5xxはリトライ可能として扱われます。
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("speechkit api error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Retryable はサーバー側起因で再試行の価値があるかを返します。
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500
}

// OperationTimeoutError は非同期オペレーションが待機予算内に完了しなかったエラーです。
type OperationTimeoutError struct {
	OperationID string
	Budget      time.Duration
}

func (e *OperationTimeoutError) Error() string {
	return fmt.Sprintf("operation %s timed out after %s", e.OperationID, e.Budget)
}

// classifyStatus はHTTPステータスをエラー型へ振り分けます。
func classifyStatus(status int, message string) error {
	switch status {
	case 401:
		return &AuthError{Message: message}
	case 403:
		return &PermissionError{Message: message}
	case 429:
		return &RateLimitError{Message: message}
	default:
		return &APIError{StatusCode: status, Message: message}
	}
}
