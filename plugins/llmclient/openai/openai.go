package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"aidispatch/pkg/contract"
)

// Options: 最小必需配置。
type Options struct {
	BaseURL        string   `json:"base_url"`        // 例如 https://api.openai.com/v1
	Model          string   `json:"model"`           // 为空则使用默认 gpt-4
	APIKeyEnv      string   `json:"api_key_env"`     // 优先从环境变量读取，默认 OPENAI_API_KEY
	APIKey         string   `json:"api_key"`         // 明文传入（不推荐，按需用于测试）
	TimeoutSeconds int      `json:"timeout_seconds"` // 可选 client 级超时（秒），默认 30
	Temperature    *float64 `json:"temperature,omitempty"`
	// 第三方兼容（最小）：
	EndpointPath       string            `json:"endpoint_path"`        // 覆盖默认 /chat/completions；可为完整 URL（以 http 开头）
	DisableDefaultAuth bool              `json:"disable_default_auth"` // 关闭默认 Authorization: Bearer 注入
	ExtraHeaders       map[string]string `json:"extra_headers"`        // 追加/覆盖请求头（用于 OpenAI 兼容服务，如 Azure/OpenRouter 等）
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	if o.Model == "" {
		o.Model = "gpt-4"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/chat/completions"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 30
	}
}

type Client struct {
	hc          *http.Client
	url         string
	apiKey      string
	temp        *float64
	model       string
	extraH      map[string]string
	disableAuth bool
	do          func(*http.Request) (*http.Response, error)
}

// New 从原样 JSON 选项构造客户端；缺少 key 时返回前置条件错误（不触网）。
func New(raw json.RawMessage) (*Client, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("openai options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" && !opts.DisableDefaultAuth {
		return nil, contract.MissingCredential("openai", opts.APIKeyEnv)
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	// 解析 URL：允许 endpoint_path 为完整 URL
	fullURL := opts.EndpointPath
	if !(strings.HasPrefix(fullURL, "http://") || strings.HasPrefix(fullURL, "https://")) {
		// 健壮拼接，确保恰好一个斜杠
		base := strings.TrimRight(opts.BaseURL, "/")
		path := strings.TrimLeft(opts.EndpointPath, "/")
		fullURL = base + "/" + path
	}
	return &Client{
		hc:          hc,
		url:         fullURL,
		apiKey:      key,
		temp:        opts.Temperature,
		model:       opts.Model,
		extraH:      opts.ExtraHeaders,
		disableAuth: opts.DisableDefaultAuth,
		do:          hc.Do,
	}, nil
}

type oaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
type oaReq struct {
	Model       string      `json:"model"`
	Messages    []oaMessage `json:"messages"`
	Temperature *float64    `json:"temperature,omitempty"`
}
type oaResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) encodePrompt(p contract.Prompt) ([]byte, error) {
	req := oaReq{Model: c.model, Temperature: c.temp}
	switch v := p.(type) {
	case contract.TextPrompt:
		req.Messages = []oaMessage{{Role: "user", Content: string(v)}}
	case contract.ChatPrompt:
		req.Messages = make([]oaMessage, 0, len(v))
		for _, m := range v {
			role := strings.ToLower(strings.TrimSpace(m.Role))
			if role == "" {
				role = "user"
			}
			req.Messages = append(req.Messages, oaMessage{Role: role, Content: m.Content})
		}
	default:
		return nil, contract.ErrInvalidInput
	}
	if len(req.Messages) == 0 {
		return nil, contract.ErrInvalidInput
	}
	return json.Marshal(&req)
}

// NewRequest 实现 contract.RequestCodec。
func (c *Client) NewRequest(ctx context.Context, p contract.Prompt) (*http.Request, error) {
	body, err := c.encodePrompt(p)
	if err != nil {
		if errors.Is(err, contract.ErrInvalidInput) {
			return nil, err
		}
		return nil, fmt.Errorf("encode: %v: %w", err, contract.ErrInvalidInput)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	if !c.disableAuth {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.extraH {
		if k == "" {
			continue
		}
		req.Header.Set(k, v)
	}
	return req, nil
}

// DecodeResponse 实现 contract.RequestCodec。
func (c *Client) DecodeResponse(status int, body []byte) (contract.Raw, error) {
	if status/100 != 2 {
		// 保留少量响应体辅助定位
		msg := strings.TrimSpace(string(body))
		if len(msg) > 4<<10 {
			msg = msg[:4<<10]
		}
		return contract.Raw{}, &contract.StatusError{Provider: "openai", Status: status, Msg: msg}
	}
	var or oaResp
	if err := json.Unmarshal(body, &or); err != nil {
		return contract.Raw{}, fmt.Errorf("openai decode: %w", contract.ErrResponseInvalid)
	}
	if len(or.Choices) == 0 || or.Choices[0].Message.Content == "" {
		return contract.Raw{}, fmt.Errorf("openai: %w: no choices", contract.ErrResponseInvalid)
	}
	return contract.Raw{Text: or.Choices[0].Message.Content}, nil
}

// Invoke: 单次调用，同步返回。
func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	req, err := c.NewRequest(ctx, p)
	if err != nil {
		return contract.Raw{}, err
	}
	resp, err := c.do(req)
	if err != nil {
		if ctx.Err() != nil {
			return contract.Raw{}, ctx.Err()
		}
		return contract.Raw{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return contract.Raw{}, err
	}
	return c.DecodeResponse(resp.StatusCode, body)
}

var (
	_ contract.LLMClient    = (*Client)(nil)
	_ contract.RequestCodec = (*Client)(nil)
)
