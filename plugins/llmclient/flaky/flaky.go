package flaky

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"aidispatch/pkg/contract"
)

// Options 定义可选项。
type Options struct {
	Prefix string `json:"prefix"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// Client 是带状态的 LLM 实现：
// 第一次 Invoke 返回 ErrRateLimited；
// 第二次返回 ErrResponseInvalid（形状异常）；
// 之后回显 TextPrompt / 最后一条消息。
type Client struct {
	prefix  string
	logPath string
	count   atomic.Int32
}

// New 构造 Client。
func New(raw json.RawMessage) (*Client, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, err
		}
	}
	if o.Prefix == "" {
		o.Prefix = "FLAKY"
	}
	return &Client{prefix: o.Prefix, logPath: o.LogPath}, nil
}

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	// 追加写入，忽略错误。
	_ = appendFile(c.logPath, s+"\n")
}

// appendFile 以追加方式写入。
func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

// Invoke 实现 contract.LLMClient。
func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	switch c.count.Add(1) {
	case 1:
		c.log("rate_limited")
		return contract.Raw{}, &contract.StatusError{Provider: "flaky", Status: 429, Msg: "slow down"}
	case 2:
		c.log("invalid_shape")
		return contract.Raw{}, fmt.Errorf("flaky: %w", contract.ErrResponseInvalid)
	default:
		c.log("ok")
		text := ""
		switch v := p.(type) {
		case contract.TextPrompt:
			text = string(v)
		case contract.ChatPrompt:
			if len(v) > 0 {
				text = v[len(v)-1].Content
			}
		}
		return contract.Raw{Text: c.prefix + ": " + text}, nil
	}
}

var _ contract.LLMClient = (*Client)(nil)
