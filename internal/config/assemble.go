package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"aidispatch/internal/dispatch"
	"aidispatch/internal/echo"
	"aidispatch/internal/journal"
	"aidispatch/internal/prompt"
	"aidispatch/pkg/contract"
	"aidispatch/pkg/registry"
)

// Validate 对最小必要边界做静态校验（不触网、不读凭据）。
func Validate(cfg Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level %q invalid", cfg.Logging.Level)
	}
	if cfg.LLM == "" {
		return errors.New("config: llm not set")
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return fmt.Errorf("config: provider %q not found", cfg.LLM)
	}
	if prov.Client == "" {
		return fmt.Errorf("config: provider %q missing client", cfg.LLM)
	}
	if registry.LLMClient[prov.Client] == nil {
		return fmt.Errorf("config: llm client %q not registered", prov.Client)
	}
	for name, p := range cfg.Provider {
		if len(p.Options) > 0 && !json.Valid(p.Options) {
			return fmt.Errorf("config: provider %q options not valid json", name)
		}
	}

	switch prompt.Style(cfg.Prompt.Style) {
	case "", prompt.StyleParts, prompt.StyleJoined, prompt.StyleChat:
	default:
		return fmt.Errorf("config: prompt.style %q invalid", cfg.Prompt.Style)
	}
	if cfg.Prompt.MaxTokens < 0 {
		return errors.New("config: prompt.max_tokens must be >= 0")
	}
	if cfg.Prompt.BytesPerToken < 0 {
		return errors.New("config: prompt.bytes_per_token must be >= 0")
	}

	d := cfg.Dispatch
	st, err := dispatch.ParseStrategy(d.Strategy)
	if err != nil {
		return fmt.Errorf("config: dispatch.strategy: %v", err)
	}
	if st != dispatch.StrategyChunked {
		name := codecProvider(cfg)
		p, ok := cfg.Provider[name]
		if !ok {
			return fmt.Errorf("config: dispatch provider %q not found", name)
		}
		if registry.Codec[p.Client] == nil {
			return fmt.Errorf("config: client %q cannot drive strategy %s (want gemini|openai)", p.Client, st)
		}
	}
	for i, s := range d.Prompts {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("config: %w: dispatch.prompts[%d] empty", contract.ErrPrecondition, i)
		}
	}
	if d.TimeoutSeconds <= 0 {
		return errors.New("config: dispatch.timeout_seconds must be > 0")
	}
	if d.Size <= 0 && len(d.Prompts) == 0 {
		return errors.New("config: dispatch.size must be > 0")
	}
	if d.Port <= 0 || d.Port > 65535 {
		return fmt.Errorf("config: dispatch.port %d out of range", d.Port)
	}
	if strings.TrimSpace(d.Host) == "" {
		return errors.New("config: dispatch.host empty")
	}
	if d.ChunkSize <= 0 {
		return errors.New("config: dispatch.chunk_size must be > 0")
	}
	if d.ReadTimeoutMS <= 0 || d.ReadSize <= 0 {
		return errors.New("config: dispatch.read_timeout_ms and read_size must be > 0")
	}

	if cfg.Journal.DSN != "" {
		if _, err := journal.ParseDSN(cfg.Journal.DSN); err != nil {
			return fmt.Errorf("config: journal.dsn: %w", err)
		}
	}
	if cfg.Journal.MaxBody < 0 {
		return errors.New("config: journal.max_body must be >= 0")
	}

	switch cfg.Echo.Mode {
	case "", echo.ModeRaw, echo.ModeGemini, echo.ModeOpenAI:
	default:
		return fmt.Errorf("config: echo.mode %q invalid", cfg.Echo.Mode)
	}
	return nil
}

// codecProvider 返回 thread/task 策略使用的 provider 名称。
func codecProvider(cfg Config) string {
	if s := strings.TrimSpace(cfg.Dispatch.Provider); s != "" {
		return s
	}
	return cfg.LLM
}

// AssembleLLM 按 cfg.LLM 构造 ask/chat 使用的客户端；缺少凭据时返回前置条件错误。
func AssembleLLM(cfg Config) (contract.LLMClient, error) {
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return nil, fmt.Errorf("provider %q not found", cfg.LLM)
	}
	f := registry.LLMClient[prov.Client]
	if f == nil {
		return nil, fmt.Errorf("llm client %q not registered", prov.Client)
	}
	return f(prov.Options)
}

// AssembleDispatch 生成调度器设置；thread/task 额外返回 HTTP 编解码器，chunked 返回 nil。
// 任何策略在缺少凭据时都返回前置条件错误，此时尚未建立任何连接。
func AssembleDispatch(cfg Config) (dispatch.Settings, contract.RequestCodec, error) {
	d := cfg.Dispatch
	st, err := dispatch.ParseStrategy(d.Strategy)
	if err != nil {
		return dispatch.Settings{}, nil, fmt.Errorf("%w: %v", contract.ErrPrecondition, err)
	}
	set := dispatch.Settings{
		Strategy:    st,
		Decode:      d.Decode != nil && *d.Decode,
		Timeout:     time.Duration(d.TimeoutSeconds) * time.Second,
		Addr:        net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		PlainTCP:    d.PlainTCP != nil && *d.PlainTCP,
		ChunkSize:   d.ChunkSize,
		ChunkDelay:  chunkDelay(d.ChunkDelayMS),
		ReadTimeout: time.Duration(d.ReadTimeoutMS) * time.Millisecond,
		ReadSize:    d.ReadSize,
	}
	name := codecProvider(cfg)
	prov, ok := cfg.Provider[name]
	if !ok {
		return set, nil, fmt.Errorf("provider %q not found", name)
	}
	if st == dispatch.StrategyChunked {
		// 仅做凭据解析，客户端本身不使用
		nf := registry.LLMClient[prov.Client]
		if nf == nil {
			return set, nil, fmt.Errorf("llm client %q not registered", prov.Client)
		}
		if _, err := nf(prov.Options); err != nil {
			return set, nil, err
		}
		return set, nil, nil
	}
	f := registry.Codec[prov.Client]
	if f == nil {
		return set, nil, fmt.Errorf("client %q has no http codec", prov.Client)
	}
	codec, err := f(prov.Options)
	if err != nil {
		return set, nil, err
	}
	return set, codec, nil
}

// chunkDelay 将配置的毫秒数映射为调度器设置：未设置沿用默认节奏，<=0 关闭等待。
func chunkDelay(ms *int) time.Duration {
	switch {
	case ms == nil:
		return 0
	case *ms <= 0:
		return -1
	default:
		return time.Duration(*ms) * time.Millisecond
	}
}

// Payloads 返回本批次负载：显式 prompts 优先；否则为两段重复字符
// （thread/task 为 A/B，chunked 为 J/T）。
func Payloads(cfg Config) []dispatch.Payload {
	d := cfg.Dispatch
	st, _ := dispatch.ParseStrategy(d.Strategy)
	label := "Task"
	fill := [2]string{"A", "B"}
	if st == dispatch.StrategyChunked {
		label = "Writer"
		fill = [2]string{"J", "T"}
	}
	if len(d.Prompts) > 0 {
		return dispatch.NewPayloads(label, d.Prompts...)
	}
	return dispatch.NewPayloads(label, strings.Repeat(fill[0], d.Size), strings.Repeat(fill[1], d.Size))
}

// PromptOptions 生成 ask 的提示词装配选项；Style 为空时按 provider 推导。
func PromptOptions(cfg Config) prompt.Options {
	p := cfg.Prompt
	style := prompt.Style(p.Style)
	if style == "" {
		style = prompt.StyleParts
		if prov, ok := cfg.Provider[cfg.LLM]; ok && prov.Client == "openai" {
			style = prompt.StyleChat
		}
	}
	return prompt.Options{
		ContextFile:           p.ContextFile,
		SystemInstruction:     p.SystemInstruction,
		SystemInstructionFile: p.SystemInstructionFile,
		Vars:                  p.Vars,
		Style:                 style,
	}
}

// JournalOptions 透传结果日志选项；DSN 为空表示不启用。
func JournalOptions(cfg Config) journal.Options {
	return journal.Options{DSN: cfg.Journal.DSN, Table: cfg.Journal.Table, MaxBody: cfg.Journal.MaxBody}
}

// EchoOptions 生成模拟端点选项。
func EchoOptions(cfg Config) echo.Options {
	e := cfg.Echo
	return echo.Options{
		HTTPAddr: e.HTTPAddr,
		RawAddr:  e.RawAddr,
		Mode:     e.Mode,
		FailOn:   e.FailOn,
		Delay:    time.Duration(e.DelayMS) * time.Millisecond,
		RawIdle:  time.Duration(e.RawIdleMS) * time.Millisecond,
	}
}

// SetProviderOption 在 provider 的 options 对象上设置单个键（用于 CLI 开关），返回新的 Config。
func SetProviderOption(cfg Config, name, key string, value any) (Config, error) {
	prov, ok := cfg.Provider[name]
	if !ok {
		return cfg, fmt.Errorf("provider %q not found", name)
	}
	obj := map[string]any{}
	if len(prov.Options) > 0 {
		if err := json.Unmarshal(prov.Options, &obj); err != nil {
			return cfg, fmt.Errorf("provider %q options: %w", name, err)
		}
	}
	obj[key] = value
	raw, err := json.Marshal(obj)
	if err != nil {
		return cfg, err
	}
	prov.Options = raw
	out := cfg
	out.Provider = make(map[string]Provider, len(cfg.Provider))
	for k, v := range cfg.Provider {
		out.Provider[k] = v
	}
	out.Provider[name] = prov
	return out, nil
}
