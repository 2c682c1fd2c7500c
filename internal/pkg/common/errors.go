package common

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorResponse 定義 API 錯誤響應結構
type ErrorResponse struct {
	Error   string `json:"error"`             // 錯誤信息
	Code    string `json:"code"`              // 錯誤代碼
	Details string `json:"details,omitempty"` // 詳細信息（僅在 debug 模式顯示）
}

// CustomError 定義自定義錯誤類型
type CustomError struct {
	Code    string // 錯誤代碼
	Message string // 錯誤信息
	Err     error  // 原始錯誤
	Status  int    // HTTP 狀態碼
}

func (e *CustomError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *CustomError) Unwrap() error {
	return e.Err
}

// NewError 創建新的自定義錯誤
func NewError(code string, message string, status int, err error) *CustomError {
	return &CustomError{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

// ValidationError 表示驗證錯誤
type ValidationError struct {
	message string
}

// Error 實現 error 介面
func (e *ValidationError) Error() string {
	return e.message
}

// NewValidationError 創建新的驗證錯誤
func NewValidationError(message string) error {
	return &ValidationError{
		message: message,
	}
}

// IsValidationError 檢查是否為驗證錯誤
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// DatasetTooSmallError 語料庫不足以訓練
type DatasetTooSmallError struct {
	Have int
	Need int
}

func (e *DatasetTooSmallError) Error() string {
	return fmt.Sprintf("dataset too small: %d recipes, need at least %d", e.Have, e.Need)
}

// IsDatasetTooSmall 檢查是否為語料庫不足錯誤
func IsDatasetTooSmall(err error) bool {
	var target *DatasetTooSmallError
	return errors.As(err, &target)
}

// ModelNotFoundError 找不到對應的模型
type ModelNotFoundError struct {
	Name    string
	Version string
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("model %s (%s) not found", e.Name, e.Version)
}

// IsModelNotFound 檢查是否為模型不存在錯誤
func IsModelNotFound(err error) bool {
	var target *ModelNotFoundError
	return errors.As(err, &target)
}

// IncompatibleModelError 模型與目前語料庫不相容
type IncompatibleModelError struct {
	Field string
	Want  int
	Got   int

	// 摘要比對失敗時使用，Want/Got 不適用
	WantDigest string
	GotDigest  string
}

func (e *IncompatibleModelError) Error() string {
	if e.WantDigest != "" || e.GotDigest != "" {
		return fmt.Sprintf("incompatible model: %s is %q, live corpus has %q", e.Field, e.WantDigest, e.GotDigest)
	}
	return fmt.Sprintf("incompatible model: %s is %d, live corpus requires %d", e.Field, e.Got, e.Want)
}

// IsIncompatibleModel 檢查是否為模型不相容錯誤
func IsIncompatibleModel(err error) bool {
	var target *IncompatibleModelError
	return errors.As(err, &target)
}

// StoreIOError 文件存儲讀寫失敗
type StoreIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreIOError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreIOError) Unwrap() error {
	return e.Err
}

// IsStoreIOError 檢查是否為存儲錯誤
func IsStoreIOError(err error) bool {
	var target *StoreIOError
	return errors.As(err, &target)
}

// 預定義錯誤代碼
const (
	// 客戶端錯誤 (4xx)
	ErrCodeInvalidRequest   = "INVALID_REQUEST"    // 400
	ErrCodeNotFound         = "NOT_FOUND"          // 404
	ErrCodeRequestTimeout   = "REQUEST_TIMEOUT"    // 408
	ErrCodeConflict         = "CONFLICT"           // 409
	ErrCodeDatasetTooSmall  = "DATASET_TOO_SMALL"  // 422
	ErrCodeTooManyRequests  = "TOO_MANY_REQUESTS"  // 429
	ErrCodeModelNotFound    = "MODEL_NOT_FOUND"    // 404
	ErrCodeModelIncompat    = "MODEL_INCOMPATIBLE" // 409
	ErrCodeMethodNotAllowed = "METHOD_NOT_ALLOWED" // 405

	// 服務器錯誤 (5xx)
	ErrCodeInternalError      = "INTERNAL_ERROR"      // 500
	ErrCodeStoreError         = "STORE_ERROR"         // 500
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE" // 503
)

// 預定義錯誤
var (
	ErrInvalidRequest     = NewError(ErrCodeInvalidRequest, "無效的請求", http.StatusBadRequest, nil)
	ErrNotFound           = NewError(ErrCodeNotFound, "資源不存在", http.StatusNotFound, nil)
	ErrRequestTimeout     = NewError(ErrCodeRequestTimeout, "請求超時", http.StatusRequestTimeout, nil)
	ErrConflict           = NewError(ErrCodeConflict, "資源衝突", http.StatusConflict, nil)
	ErrTooManyRequests    = NewError(ErrCodeTooManyRequests, "請求過於頻繁", http.StatusTooManyRequests, nil)
	ErrInternalError      = NewError(ErrCodeInternalError, "服務器內部錯誤", http.StatusInternalServerError, nil)
	ErrServiceUnavailable = NewError(ErrCodeServiceUnavailable, "服務暫時不可用", http.StatusServiceUnavailable, nil)

	// 業務錯誤
	ErrQueueFull     = NewError("QUEUE_FULL", "訓練佇列已滿", http.StatusServiceUnavailable, nil)
	ErrJobNotFound   = NewError("JOB_NOT_FOUND", "訓練任務不存在", http.StatusNotFound, nil)
	ErrManagerClosed = NewError("MANAGER_CLOSED", "訓練任務管理器已關閉", http.StatusServiceUnavailable, nil)
)

// ToCustomError 將領域錯誤轉換為帶 HTTP 狀態的 CustomError
func ToCustomError(err error) *CustomError {
	var ce *CustomError
	if errors.As(err, &ce) {
		return ce
	}
	switch {
	case IsValidationError(err):
		return NewError(ErrCodeInvalidRequest, err.Error(), http.StatusBadRequest, err)
	case IsDatasetTooSmall(err):
		return NewError(ErrCodeDatasetTooSmall, err.Error(), http.StatusUnprocessableEntity, err)
	case IsModelNotFound(err):
		return NewError(ErrCodeModelNotFound, err.Error(), http.StatusNotFound, err)
	case IsIncompatibleModel(err):
		return NewError(ErrCodeModelIncompat, err.Error(), http.StatusConflict, err)
	case IsStoreIOError(err):
		return NewError(ErrCodeStoreError, "存儲讀寫失敗", http.StatusInternalServerError, err)
	default:
		return NewError(ErrCodeInternalError, "服務器內部錯誤", http.StatusInternalServerError, err)
	}
}
