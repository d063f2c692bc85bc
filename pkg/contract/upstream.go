package contract

import (
	"fmt"
	"net/http"
)

// UpstreamError 用于承载 HTTP 上游错误的最小诊断信息。
// 实现方应提供状态码与简短消息，便于记录结构化日志字段。
type UpstreamError interface {
	error
	UpstreamStatus() int
	UpstreamMessage() string
}

// StatusError 是 UpstreamError 的通用实现，供各 provider 复用。
// 429 归入 ErrRateLimited，其余非 2xx 归入 ErrUpstream。
type StatusError struct {
	Provider string
	Status   int
	Msg      string
}

func (e *StatusError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s upstream %d", e.Provider, e.Status)
	}
	return fmt.Sprintf("%s upstream %d: %s", e.Provider, e.Status, e.Msg)
}

func (e *StatusError) UpstreamStatus() int     { return e.Status }
func (e *StatusError) UpstreamMessage() string { return e.Msg }

// Unwrap 让 errors.Is 能识别限流与通用上游错误。
func (e *StatusError) Unwrap() error {
	if e.Status == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	return ErrUpstream
}

var _ UpstreamError = (*StatusError)(nil)
