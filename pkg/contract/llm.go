package contract

import (
	"context"
	"errors"
	"net/http"
)

// Raw: 供应商返回的已解码文本。
// 约束：原样返回，不做清洗/截断/归一化。
type Raw struct {
	Text string
}

// LLMClient: 以 Prompt 为单位与大模型交互，返回解码后的 Raw。
// 单次调用、同步返回；应尊重 ctx 取消/超时并及时释放资源。
type LLMClient interface {
	Invoke(ctx context.Context, p Prompt) (Raw, error)
}

// RequestCodec: 供应商的线路形状（请求编码 + 响应解码），不持有传输。
// 并发分发器自行管理 http.Client，仅借用 codec 构造请求与解析响应。
type RequestCodec interface {
	// NewRequest 构造完整的 HTTP 请求（含鉴权头/查询参数）。
	NewRequest(ctx context.Context, p Prompt) (*http.Request, error)
	// DecodeResponse 将状态码与响应体解码为文本；非 2xx 返回 UpstreamError。
	DecodeResponse(status int, body []byte) (Raw, error)
}

// 最小错误分类（用于上层策略判定）。
var (
	// ErrPrecondition: 启动前置条件不满足（缺少凭据、空 prompt）；不得发起任何网络请求。
	ErrPrecondition    = errors.New("precondition failed")
	ErrRateLimited     = errors.New("rate limited")
	ErrResponseInvalid = errors.New("response invalid")
	ErrInvalidInput    = errors.New("invalid input")
	// ErrUpstream: 上游返回非 2xx（429 除外）。
	ErrUpstream = errors.New("upstream status")
)
