package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode 错误码类型
type ErrorCode string

// 预定义错误码
const (
	// 通用错误
	ErrCodeInternalServer ErrorCode = "INTERNAL_SERVER_ERROR"
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrCodeConflict       ErrorCode = "CONFLICT"

	// 验证错误
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"

	// 业务逻辑错误
	ErrCodeResourceNotFound ErrorCode = "RESOURCE_NOT_FOUND"
	ErrCodeInvalidState     ErrorCode = "INVALID_STATE"

	// 流水线错误
	ErrCodeEngineCallFailed     ErrorCode = "ENGINE_CALL_FAILED"
	ErrCodePartialEmbedding     ErrorCode = "PARTIAL_EMBEDDING_FAILURE"
	ErrCodeAllEmbeddingFailed   ErrorCode = "ALL_EMBEDDING_FAILED"
	ErrCodeConcurrentExtraction ErrorCode = "CONCURRENT_EXTRACTION_IN_PROGRESS"

	// 数据库错误
	ErrCodeDatabaseError ErrorCode = "DATABASE_ERROR"

	// 外部服务错误
	ErrCodeExternalService ErrorCode = "EXTERNAL_SERVICE_ERROR"
	ErrCodeTimeout         ErrorCode = "TIMEOUT"

	// 文件处理错误
	ErrCodeFileTooLarge      ErrorCode = "FILE_TOO_LARGE"
	ErrCodeInvalidFileFormat ErrorCode = "INVALID_FILE_FORMAT"
	ErrCodeUploadFailed      ErrorCode = "UPLOAD_FAILED"
)

// ErrorType 错误类型
type ErrorType int

const (
	ErrorTypeSystem ErrorType = iota
	ErrorTypeBusiness
	ErrorTypeValidation
	ErrorTypeExternal
)

// AppError 应用错误结构体
type AppError struct {
	Code     ErrorCode   `json:"code"`
	Message  string      `json:"message"`
	Type     ErrorType   `json:"type"`
	HTTPCode int         `json:"-"`
	Details  interface{} `json:"details,omitempty"`
	Cause    error       `json:"-"`
}

// EngineFailure 引擎返回的错误码与原始信息
type EngineFailure struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap 返回底层错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails 添加错误详情
func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

// WithCause 添加错误原因
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// 错误构造函数

// NewSystemError 创建系统错误
func NewSystemError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:     code,
		Message:  message,
		Type:     ErrorTypeSystem,
		HTTPCode: http.StatusInternalServerError,
	}
}

// NewBusinessError 创建业务错误
func NewBusinessError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:     code,
		Message:  message,
		Type:     ErrorTypeBusiness,
		HTTPCode: getHTTPCodeForError(code),
	}
}

// NewValidationError 创建验证错误
func NewValidationError(message string) *AppError {
	return &AppError{
		Code:     ErrCodeValidationFailed,
		Message:  message,
		Type:     ErrorTypeValidation,
		HTTPCode: http.StatusBadRequest,
	}
}

// NewInvalidInputError 创建输入无效错误
func NewInvalidInputError(field, reason string) *AppError {
	return &AppError{
		Code:     ErrCodeInvalidInput,
		Message:  fmt.Sprintf("Invalid input for field '%s': %s", field, reason),
		Type:     ErrorTypeValidation,
		HTTPCode: http.StatusBadRequest,
	}
}

// NewNotFoundError 创建资源未找到错误
func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Code:     ErrCodeResourceNotFound,
		Message:  fmt.Sprintf("%s not found", resource),
		Type:     ErrorTypeBusiness,
		HTTPCode: http.StatusNotFound,
	}
}

// NewEngineCallFailed 创建引擎调用失败错误，code为0表示传输层错误
func NewEngineCallFailed(code int, message string) *AppError {
	return &AppError{
		Code:     ErrCodeEngineCallFailed,
		Message:  message,
		Type:     ErrorTypeExternal,
		HTTPCode: http.StatusBadGateway,
		Details:  EngineFailure{Code: code, Message: message},
	}
}

// NewAllEmbeddingFailed 所有知识点向量化失败
func NewAllEmbeddingFailed(total int) *AppError {
	return &AppError{
		Code:     ErrCodeAllEmbeddingFailed,
		Message:  fmt.Sprintf("All %d knowledge chunks failed to embed", total),
		Type:     ErrorTypeExternal,
		HTTPCode: http.StatusBadGateway,
	}
}

// NewConcurrentExtraction 文件正在切分中
func NewConcurrentExtraction(fileID uint64) *AppError {
	return &AppError{
		Code:     ErrCodeConcurrentExtraction,
		Message:  fmt.Sprintf("File %d is currently splitting, please try again later", fileID),
		Type:     ErrorTypeBusiness,
		HTTPCode: http.StatusConflict,
	}
}

// getHTTPCodeForError 根据错误码获取HTTP状态码
func getHTTPCodeForError(code ErrorCode) int {
	switch code {
	case ErrCodeResourceNotFound, ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict, ErrCodeConcurrentExtraction, ErrCodeInvalidState:
		return http.StatusConflict
	case ErrCodeValidationFailed, ErrCodeInvalidInput, ErrCodeFileTooLarge, ErrCodeInvalidFileFormat:
		return http.StatusBadRequest
	case ErrCodeEngineCallFailed, ErrCodeAllEmbeddingFailed, ErrCodeExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// IsAppError 检查是否为AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// IsCode 判断错误链中是否包含指定错误码
func IsCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetAppError 获取AppError，如果不是则包装为系统错误
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return NewSystemError(ErrCodeInternalServer, "Internal server error").WithCause(err)
}
