package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"aidispatch/pkg/contract"
)

// Options: Google Generative Language API (Gemini) 最小必需。
type Options struct {
	BaseURL   string `json:"base_url"`    // https://generativelanguage.googleapis.com
	Model     string `json:"model"`       // 默认 gemini-2.0-flash-001
	APIKeyEnv string `json:"api_key_env"` // 默认 GEMINI_API_KEY
	APIKey    string `json:"api_key"`
	// 客户端超时（秒）。未设置或 <=0 时采用默认 30 秒。
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	// 第三方兼容（最小）
	EndpointPath  string            `json:"endpoint_path"`    // 可覆盖默认 /v1beta/models/{model}:generateContent；支持 {model} 占位
	APIKeyInQuery *bool             `json:"api_key_in_query"` // 默认 true；为 false 时使用 x-goog-api-key 头
	ExtraHeaders  map[string]string `json:"extra_headers"`
	ExtraQuery    map[string]string `json:"extra_query"`
	// Layout: ChatPrompt 的编码方式。
	//  - "parts"（默认）：system 消息各自成为独立 content；相邻 user 消息合并为同一 content 的多个 part。
	//  - "joined"：system 消息进入 systemInstruction；相邻 user 消息以空行拼接为单个 part。
	Layout string `json:"layout,omitempty"`
}

const (
	LayoutParts  = "parts"
	LayoutJoined = "joined"
)

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if o.Model == "" {
		o.Model = "gemini-2.0-flash-001"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GEMINI_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/v1beta/models/{model}:generateContent"
	}
	// 默认把 key 放在 query（与官方 API 对齐）
	if o.APIKeyInQuery == nil {
		t := true
		o.APIKeyInQuery = &t
	}
	if strings.TrimSpace(o.Layout) == "" {
		o.Layout = LayoutParts
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 30
	}
}

type Client struct {
	hc      *http.Client
	url     string // 完整路径（包含模型路径或占位展开）
	apiKey  string
	inQuery bool
	extraH  map[string]string
	extraQ  map[string]string
	layout  string
	do      func(*http.Request) (*http.Response, error)
}

// New 从原样 JSON 选项构造客户端；缺少 key 时返回前置条件错误（不触网）。
func New(raw json.RawMessage) (*Client, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("gemini options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, contract.MissingCredential("gemini", opts.APIKeyEnv)
	}
	switch opts.Layout {
	case LayoutParts, LayoutJoined:
	default:
		return nil, fmt.Errorf("gemini: %w: unknown layout %q", contract.ErrInvalidInput, opts.Layout)
	}
	path := strings.ReplaceAll(opts.EndpointPath, "{model}", url.PathEscape(opts.Model))
	if !(strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")) {
		base := strings.TrimRight(opts.BaseURL, "/")
		p := strings.TrimLeft(path, "/")
		path = base + "/" + p
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	return &Client{
		hc:      hc,
		url:     path,
		apiKey:  key,
		inQuery: *opts.APIKeyInQuery,
		extraH:  opts.ExtraHeaders,
		extraQ:  opts.ExtraQuery,
		layout:  opts.Layout,
		do:      hc.Do,
	}, nil
}

// 请求/响应（最小字段）。
type gmPart struct {
	Text string `json:"text"`
}
type gmContent struct {
	Role  string   `json:"role,omitempty"`
	Parts []gmPart `json:"parts"`
}
type gmReq struct {
	Contents          []gmContent `json:"contents"`
	SystemInstruction *gmContent  `json:"systemInstruction,omitempty"`
}
type gmResp struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func encodePrompt(p contract.Prompt, layout string) ([]byte, error) {
	var req gmReq
	switch v := p.(type) {
	case contract.TextPrompt:
		req.Contents = []gmContent{{Parts: []gmPart{{Text: string(v)}}}}
	case contract.ChatPrompt:
		if len(v) == 0 {
			return nil, contract.ErrInvalidInput
		}
		req = encodeChat(v, layout)
	default:
		return nil, contract.ErrInvalidInput
	}
	if len(req.Contents) == 0 {
		return nil, contract.ErrInvalidInput
	}
	return json.Marshal(&req)
}

func encodeChat(msgs contract.ChatPrompt, layout string) gmReq {
	var req gmReq
	var sys []string
	for _, m := range msgs {
		role := normalizeGeminiRole(m.Role)
		if role == "system" {
			if layout == LayoutJoined {
				sys = append(sys, m.Content)
				continue
			}
			// REST 直发：system 作为独立 content，不带 role
			req.Contents = append(req.Contents, gmContent{Parts: []gmPart{{Text: m.Content}}})
			continue
		}
		n := len(req.Contents)
		if n > 0 && req.Contents[n-1].Role == role {
			last := &req.Contents[n-1]
			if layout == LayoutJoined {
				last.Parts[0].Text += "\n\n" + m.Content
			} else {
				last.Parts = append(last.Parts, gmPart{Text: m.Content})
			}
			continue
		}
		req.Contents = append(req.Contents, gmContent{Role: role, Parts: []gmPart{{Text: m.Content}}})
	}
	if len(sys) > 0 {
		req.SystemInstruction = &gmContent{Parts: []gmPart{{Text: strings.Join(sys, "\n\n")}}}
	}
	return req
}

// normalizeGeminiRole 将通用 Chat 角色映射为 Gemini 支持的集合：user|model，system 单独处理。
// 规则：assistant→model，其余未知→user；大小写不敏感。
func normalizeGeminiRole(r string) string {
	switch strings.ToLower(strings.TrimSpace(r)) {
	case "model", "assistant":
		return "model"
	case "system":
		return "system"
	default:
		return "user"
	}
}

// NewRequest 实现 contract.RequestCodec。
func (c *Client) NewRequest(ctx context.Context, p contract.Prompt) (*http.Request, error) {
	body, err := encodePrompt(p, c.layout)
	if err != nil {
		if errors.Is(err, contract.ErrInvalidInput) {
			return nil, err
		}
		return nil, fmt.Errorf("encode: %v: %w", err, contract.ErrInvalidInput)
	}
	// 构造 URL 并安全追加 query 参数
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %v: %w", err, contract.ErrInvalidInput)
	}
	q := u.Query()
	if c.inQuery {
		q.Set("key", c.apiKey)
	}
	for k, v := range c.extraQ {
		if k == "" {
			continue
		}
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if !c.inQuery {
		req.Header.Set("x-goog-api-key", c.apiKey)
	}
	for k, v := range c.extraH {
		if k != "" {
			req.Header.Set(k, v)
		}
	}
	return req, nil
}

// DecodeResponse 实现 contract.RequestCodec。
func (c *Client) DecodeResponse(status int, body []byte) (contract.Raw, error) {
	if status/100 != 2 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 4<<10 {
			msg = msg[:4<<10]
		}
		return contract.Raw{}, &contract.StatusError{Provider: "gemini", Status: status, Msg: msg}
	}
	var gr gmResp
	if err := json.Unmarshal(body, &gr); err != nil {
		return contract.Raw{}, fmt.Errorf("gemini decode: %w", contract.ErrResponseInvalid)
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 || gr.Candidates[0].Content.Parts[0].Text == "" {
		return contract.Raw{}, fmt.Errorf("gemini: %w: no candidate text", contract.ErrResponseInvalid)
	}
	return contract.Raw{Text: gr.Candidates[0].Content.Parts[0].Text}, nil
}

// Invoke 实现 contract.LLMClient：单次调用，同步返回。
func (c *Client) Invoke(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	req, err := c.NewRequest(ctx, p)
	if err != nil {
		return contract.Raw{}, err
	}
	resp, err := c.do(req)
	if err != nil {
		// 调用方取消优先；客户端超时保持原始 net 错误以便分类
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
