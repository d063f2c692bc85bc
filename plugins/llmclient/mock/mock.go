package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"aidispatch/pkg/contract"
)

// Options: 最小调试配置（可选）。
type Options struct {
	Prefix string `json:"prefix"` // 输出前缀，默认 "MOCK"
	// ResponseMode: 可选的响应模式（用于集成测试与无网络联调）。
	//  - "" / "echo": 回显最后一条 user 消息（TextPrompt 直接回显），形如 "MOCK: <text>"。
	//  - "summary": 回显 Prompt 摘要（消息条数 + 首条角色）。
	//  - "empty": 返回 ErrResponseInvalid，模拟上游形状异常。
	ResponseMode string `json:"response_mode,omitempty"`
}

type Client struct {
	prefix string
	mode   string
}

func New(raw json.RawMessage) (*Client, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock options: %w", err)
		}
	}
	if o.Prefix == "" {
		o.Prefix = "MOCK"
	}
	mode := strings.TrimSpace(o.ResponseMode)
	if mode == "" {
		mode = "echo"
	}
	return &Client{prefix: o.Prefix, mode: mode}, nil
}

// Invoke 仅用于流程调试：不触网，把 Prompt 原样或简化回显为 Raw。
func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	select {
	case <-ctx.Done():
		return contract.Raw{}, ctx.Err()
	default:
	}
	switch c.mode {
	case "empty":
		return contract.Raw{}, fmt.Errorf("mock: %w: empty candidate", contract.ErrResponseInvalid)
	case "summary":
		switch v := p.(type) {
		case contract.TextPrompt:
			return contract.Raw{Text: fmt.Sprintf("%s(text:%d)", c.prefix, len(v))}, nil
		case contract.ChatPrompt:
			if len(v) == 0 {
				return contract.Raw{Text: fmt.Sprintf("%s(chat): <empty>", c.prefix)}, nil
			}
			return contract.Raw{Text: fmt.Sprintf("%s(chat:%d:%s)", c.prefix, len(v), v[0].Role)}, nil
		}
	}

	switch v := p.(type) {
	case contract.TextPrompt:
		return contract.Raw{Text: fmt.Sprintf("%s: %s", c.prefix, string(v))}, nil
	case contract.ChatPrompt:
		for i := len(v) - 1; i >= 0; i-- {
			if strings.EqualFold(v[i].Role, "user") {
				return contract.Raw{Text: fmt.Sprintf("%s: %s", c.prefix, v[i].Content)}, nil
			}
		}
		return contract.Raw{Text: fmt.Sprintf("%s(chat): <no user message>", c.prefix)}, nil
	default:
		return contract.Raw{}, contract.ErrInvalidInput
	}
}

var _ contract.LLMClient = (*Client)(nil)
