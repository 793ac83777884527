package errors

import (
	"fmt"

	"github.com/go-kratos/kratos/v2/errors"
)

// 协议错误类型（跨服务边界传输的 kind）
const (
	ReasonTaskNotFound   = "TaskNotFound"
	ReasonTaskClosed     = "TaskClosed"
	ReasonAuthExpired    = "AuthExpired"
	ReasonAuthFailed     = "AuthFailed"
	ReasonInvalidRequest = "InvalidRequest"
	ReasonInternal       = "Internal"
)

// TaskNotFound 调用方提供了未知的任务ID
func TaskNotFound(taskID string) *errors.Error {
	return errors.NotFound(ReasonTaskNotFound, fmt.Sprintf("task %s does not exist", taskID)).
		WithMetadata(map[string]string{"task_id": taskID})
}

// TaskClosed 任务已处于终态
func TaskClosed(taskID, state string) *errors.Error {
	return errors.Conflict(ReasonTaskClosed, fmt.Sprintf("task %s is %s and accepts no further messages", taskID, state)).
		WithMetadata(map[string]string{"task_id": taskID, "task_state": state})
}

// AuthExpired 凭证过期，需要重新登录
func AuthExpired(detail string) *errors.Error {
	return errors.Unauthorized(ReasonAuthExpired, detail)
}

// AuthFailed 凭证无效
func AuthFailed(detail string) *errors.Error {
	return errors.Unauthorized(ReasonAuthFailed, detail)
}

// InvalidRequest 请求格式错误
func InvalidRequest(detail string) *errors.Error {
	return errors.BadRequest(ReasonInvalidRequest, detail)
}

// Internal 内部错误，detail 不应包含内部实现细节
func Internal(detail string, metadata map[string]string) *errors.Error {
	e := errors.InternalServer(ReasonInternal, detail)
	if len(metadata) > 0 {
		e = e.WithMetadata(metadata)
	}
	return e
}

// Kind 返回错误的协议类型，非协议错误一律视为 Internal
func Kind(err error) string {
	if err == nil {
		return ""
	}
	switch reason := errors.Reason(err); reason {
	case ReasonTaskNotFound, ReasonTaskClosed, ReasonAuthExpired, ReasonAuthFailed, ReasonInvalidRequest:
		return reason
	default:
		return ReasonInternal
	}
}

// Metadata 返回协议错误携带的元数据
func Metadata(err error) map[string]string {
	if e := errors.FromError(err); e != nil {
		return e.Metadata
	}
	return nil
}

// IsTaskNotFound reports whether err is a TaskNotFound protocol error.
func IsTaskNotFound(err error) bool { return errors.Reason(err) == ReasonTaskNotFound }

// IsTaskClosed reports whether err is a TaskClosed protocol error.
func IsTaskClosed(err error) bool { return errors.Reason(err) == ReasonTaskClosed }

// IsAuthExpired reports whether err asks the caller to re-authenticate.
func IsAuthExpired(err error) bool { return errors.Reason(err) == ReasonAuthExpired }

// IsAuthFailed reports whether err is an AuthFailed protocol error.
func IsAuthFailed(err error) bool { return errors.Reason(err) == ReasonAuthFailed }
