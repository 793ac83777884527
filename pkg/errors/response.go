package errors

import (
	"net/http"
	"time"

	"github.com/go-kratos/kratos/v2/errors"
)

// ErrorBody 统一错误体
type ErrorBody struct {
	Kind     string            `json:"kind"`               // 错误类型
	Detail   string            `json:"detail"`             // 错误描述（用户可读）
	Metadata map[string]string `json:"metadata,omitempty"` // 附加信息（task_id 等）
}

// ErrorResponse 统一错误响应格式
type ErrorResponse struct {
	Error     ErrorBody `json:"error"`
	Timestamp string    `json:"timestamp"`            // ISO8601
	RequestID string    `json:"request_id,omitempty"` // 请求ID（用于追踪）
}

// kindStatus 错误类型到HTTP状态码的映射
var kindStatus = map[string]int{
	ReasonTaskNotFound:   http.StatusNotFound,
	ReasonTaskClosed:     http.StatusConflict,
	ReasonAuthExpired:    http.StatusUnauthorized,
	ReasonAuthFailed:     http.StatusUnauthorized,
	ReasonInvalidRequest: http.StatusBadRequest,
	ReasonInternal:       http.StatusInternalServerError,
}

// NewErrorResponse 将错误转换为HTTP状态码和响应体
// 非协议错误不透出原始错误文本
func NewErrorResponse(err error) (int, *ErrorResponse) {
	kind := Kind(err)
	body := ErrorBody{Kind: kind, Detail: "internal error"}

	if e := errors.FromError(err); e != nil && e.Reason == kind {
		body.Detail = e.Message
		body.Metadata = e.Metadata
	}

	return HTTPStatus(kind), &ErrorResponse{
		Error:     body,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// WithRequestID 添加请求ID
func (r *ErrorResponse) WithRequestID(requestID string) *ErrorResponse {
	r.RequestID = requestID
	return r
}

// Err 将响应体还原为协议错误
func (r *ErrorResponse) Err() *errors.Error {
	kind := r.Error.Kind
	if _, ok := kindStatus[kind]; !ok {
		kind = ReasonInternal
	}
	e := errors.New(HTTPStatus(kind), kind, r.Error.Detail)
	if len(r.Error.Metadata) > 0 {
		e = e.WithMetadata(r.Error.Metadata)
	}
	return e
}

// HTTPStatus 获取错误类型对应的HTTP状态码
func HTTPStatus(kind string) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}
