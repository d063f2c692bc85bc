package diag

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"aidispatch/pkg/contract"
)

// Code 是最小错误分类代码。
// 仅用于日志/指标汇总与结果打印，与退出码解耦。
type Code string

const (
	CodeUnknown      Code = "unknown"
	CodePrecondition Code = "precondition"
	CodeNetwork      Code = "network"
	CodeTimeout      Code = "timeout"
	CodeUpstream     Code = "upstream"
	CodeProtocol     Code = "protocol"
	CodeInvariant    Code = "invariant"
	CodeBudget       Code = "budget"
	CodeCancel       Code = "cancel"
	CodeIO           Code = "io"
)

// Classify 将错误归为最小分类。
// 说明：仅依赖哨兵错误与标准库错误类型，不做字符串匹配。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	// 前置条件：从未触网
	if errors.Is(err, contract.ErrPrecondition) {
		return CodePrecondition
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancel
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return CodeTimeout
	}
	// 配额（429）
	if errors.Is(err, contract.ErrRateLimited) {
		return CodeBudget
	}
	// 其他非 2xx
	if errors.Is(err, contract.ErrUpstream) {
		return CodeUpstream
	}
	// 协议/解码
	if errors.Is(err, contract.ErrResponseInvalid) {
		return CodeProtocol
	}
	if errors.Is(err, contract.ErrInvalidInput) {
		return CodeInvariant
	}
	// 网络（连接/超时等）；net.OpError 同时满足 net.Error，需先于 PathError 判定超时
	var nerr net.Error
	if errors.As(err, &nerr) {
		if nerr.Timeout() {
			return CodeTimeout
		}
		return CodeNetwork
	}
	// I/O
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	return CodeUnknown
}

// NowUTC 返回 RFC3339 UTC 时间字符串（用于结构化日志字段 ts）。
func NowUTC() string { return time.Now().UTC().Format(time.RFC3339) }
