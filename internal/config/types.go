package config

import "encoding/json"

// Config 为进程启动时构建一次、此后只读的有效配置。
type Config struct {
	// LLM 为 ask/chat 使用的 provider 名称（指向 Provider 表）。
	LLM      string              `json:"llm"`
	Logging  Logging             `json:"logging"`
	Provider map[string]Provider `json:"provider"`
	Prompt   Prompt              `json:"prompt"`
	Dispatch Dispatch            `json:"dispatch"`
	Journal  Journal             `json:"journal"`
	Echo     Echo                `json:"echo"`
}

type Logging struct {
	Level string `json:"level"`
}

// Provider: client 为注册表中的实现名；options 原样透传给实现（严格解码）。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options,omitempty"`
}

// Prompt 配置 ask 子命令的提示词装配。
type Prompt struct {
	ContextFile           string            `json:"context_file,omitempty"`
	SystemInstruction     string            `json:"system_instruction,omitempty"`
	SystemInstructionFile string            `json:"system_instruction_file,omitempty"`
	Vars                  map[string]string `json:"vars,omitempty"`
	// Style: parts | joined | chat；为空时按 provider 推导。
	Style string `json:"style,omitempty"`
	// MaxTokens 为单次提示词的估算上限；0 表示不限制。
	MaxTokens     int `json:"max_tokens,omitempty"`
	BytesPerToken int `json:"bytes_per_token,omitempty"`
}

// Dispatch 配置并发调度批次。
type Dispatch struct {
	Strategy string `json:"strategy"`
	// Provider 为 thread/task 使用的 HTTP 编解码器来源；为空时沿用 LLM。
	Provider       string `json:"provider,omitempty"`
	Decode         *bool  `json:"decode,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	// Size 为默认负载的重复字符数。
	Size    int      `json:"size"`
	Prompts []string `json:"prompts,omitempty"`
	// chunked 策略
	Host          string `json:"host"`
	Port          int    `json:"port"`
	PlainTCP      *bool  `json:"plain_tcp,omitempty"`
	ChunkSize     int    `json:"chunk_size"`
	// ChunkDelayMS 为片间等待；0 或负数表示不等待。
	ChunkDelayMS  *int   `json:"chunk_delay_ms,omitempty"`
	ReadTimeoutMS int    `json:"read_timeout_ms"`
	ReadSize      int    `json:"read_size"`
	// SaveDir 非空时每个终态结果另存为 <save_dir>/<batch_id>/<id>.txt。
	SaveDir string `json:"save_dir,omitempty"`
}

// Journal 非空 DSN 时启用 MySQL 结果日志。
type Journal struct {
	DSN     string `json:"dsn,omitempty"`
	Table   string `json:"table,omitempty"`
	MaxBody int    `json:"max_body,omitempty"`
}

// Echo 配置本地模拟端点（cmd/echoserver）。
type Echo struct {
	HTTPAddr  string `json:"http_addr"`
	RawAddr   string `json:"raw_addr"`
	Mode      string `json:"mode"`
	FailOn    string `json:"fail_on,omitempty"`
	DelayMS   int    `json:"delay_ms,omitempty"`
	RawIdleMS int    `json:"raw_idle_ms,omitempty"`
}
