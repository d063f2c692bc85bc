package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix 为所有覆盖型环境变量的前缀。
const EnvPrefix = "AIDISPATCH_"

// Defaults 返回带有安全默认值的 Config 雏形。
func Defaults() Config {
	return Config{
		LLM:     "gemini",
		Logging: Logging{Level: "info"},
		Provider: map[string]Provider{
			"gemini": {Client: "gemini"},
			"openai": {Client: "openai"},
			"mock":   {Client: "mock"},
		},
		Prompt: Prompt{ContextFile: "context.txt", BytesPerToken: 4},
		Dispatch: Dispatch{
			Strategy:       "thread",
			TimeoutSeconds: 60,
			Size:           5000,
			Host:           "127.0.0.1",
			Port:           443,
			ChunkSize:      1000,
			ChunkDelayMS:   intPtr(50),
			ReadTimeoutMS:  2000,
			ReadSize:       4096,
		},
		Echo: Echo{HTTPAddr: ":8080", RawAddr: ":9443", Mode: "raw"},
	}
}

// Load 按扩展名选择解析器：.yaml/.yml 走 YAML，其余走 JSON。
func Load(path string) (Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(path, nil)
	default:
		return LoadJSON(path, nil)
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
func LoadJSON(path string, raw []byte) (Config, error) {
	var cfg Config
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadYAML 将 YAML 文档转为 JSON 后按 LoadJSON 的同一套严格规则解码，
// 因此 provider.options 可以直接写成嵌套映射。
func LoadYAML(path string, raw []byte) (Config, error) {
	if len(raw) == 0 {
		if path == "" {
			return Config{}, errors.New("no config source provided")
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		raw = b
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{}, fmt.Errorf("yaml: %w", err)
	}
	if doc == nil {
		return Config{}, nil
	}
	js, err := json.Marshal(doc)
	if err != nil {
		return Config{}, fmt.Errorf("yaml to json: %w", err)
	}
	return LoadJSON("", js)
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if s := strings.TrimSpace(over.LLM); s != "" {
		out.LLM = s
	}
	if s := strings.TrimSpace(over.Logging.Level); s != "" {
		out.Logging.Level = s
	}

	// Provider（完整替换对应键）
	if len(over.Provider) > 0 {
		prov := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			prov[k] = v
		}
		for k, v := range over.Provider {
			// 仅有 options 的覆盖保留原 client
			if v.Client == "" {
				v.Client = prov[k].Client
			}
			v.Options = cloneRaw(v.Options)
			if len(v.Options) == 0 {
				v.Options = prov[k].Options
			}
			prov[k] = v
		}
		out.Provider = prov
	}

	// Prompt
	p, op := &out.Prompt, over.Prompt
	setStr(&p.ContextFile, op.ContextFile)
	setStr(&p.SystemInstruction, op.SystemInstruction)
	setStr(&p.SystemInstructionFile, op.SystemInstructionFile)
	setStr(&p.Style, op.Style)
	setInt(&p.MaxTokens, op.MaxTokens)
	setInt(&p.BytesPerToken, op.BytesPerToken)
	if len(op.Vars) > 0 {
		vars := make(map[string]string, len(p.Vars)+len(op.Vars))
		for k, v := range p.Vars {
			vars[k] = v
		}
		for k, v := range op.Vars {
			vars[k] = v
		}
		p.Vars = vars
	}

	// Dispatch
	d, od := &out.Dispatch, over.Dispatch
	setStr(&d.Strategy, od.Strategy)
	setStr(&d.Provider, od.Provider)
	setStr(&d.Host, od.Host)
	setStr(&d.SaveDir, od.SaveDir)
	setInt(&d.TimeoutSeconds, od.TimeoutSeconds)
	setInt(&d.Size, od.Size)
	setInt(&d.Port, od.Port)
	setInt(&d.ChunkSize, od.ChunkSize)
	if od.ChunkDelayMS != nil {
		d.ChunkDelayMS = intPtr(*od.ChunkDelayMS)
	}
	setInt(&d.ReadTimeoutMS, od.ReadTimeoutMS)
	setInt(&d.ReadSize, od.ReadSize)
	if od.Decode != nil {
		d.Decode = boolPtr(*od.Decode)
	}
	if od.PlainTCP != nil {
		d.PlainTCP = boolPtr(*od.PlainTCP)
	}
	if len(od.Prompts) > 0 {
		d.Prompts = cloneStrings(od.Prompts)
	}

	// Journal
	setStr(&out.Journal.DSN, over.Journal.DSN)
	setStr(&out.Journal.Table, over.Journal.Table)
	setInt(&out.Journal.MaxBody, over.Journal.MaxBody)

	// Echo
	e, oe := &out.Echo, over.Echo
	setStr(&e.HTTPAddr, oe.HTTPAddr)
	setStr(&e.RawAddr, oe.RawAddr)
	setStr(&e.Mode, oe.Mode)
	setStr(&e.FailOn, oe.FailOn)
	setInt(&e.DelayMS, oe.DelayMS)
	setInt(&e.RawIdleMS, oe.RawIdleMS)
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 AIDISPATCH_；集合之外的键忽略；无法解析的数值返回错误。
// 另支持 PROVIDER__<name>__CLIENT / PROVIDER__<name>__OPTIONS_JSON。
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	prov := map[string]Provider{}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key := kv[len(EnvPrefix):eq]
		val := strings.TrimSpace(kv[eq+1:])
		if val == "" {
			// 空值视为未设置，避免清空配置文件中的值
			continue
		}
		var err error
		switch key {
		case "LLM":
			over.LLM = val
		case "LOGGING_LEVEL":
			over.Logging.Level = val
		case "PROMPT_CONTEXT_FILE":
			over.Prompt.ContextFile = val
		case "PROMPT_SYSTEM_INSTRUCTION":
			over.Prompt.SystemInstruction = val
		case "PROMPT_SYSTEM_INSTRUCTION_FILE":
			over.Prompt.SystemInstructionFile = val
		case "PROMPT_STYLE":
			over.Prompt.Style = val
		case "PROMPT_MAX_TOKENS":
			over.Prompt.MaxTokens, err = atoi(val)
		case "DISPATCH_STRATEGY":
			over.Dispatch.Strategy = val
		case "DISPATCH_PROVIDER":
			over.Dispatch.Provider = val
		case "DISPATCH_DECODE":
			over.Dispatch.Decode, err = parseBool(val)
		case "DISPATCH_TIMEOUT_SECONDS":
			over.Dispatch.TimeoutSeconds, err = atoi(val)
		case "DISPATCH_SIZE":
			over.Dispatch.Size, err = atoi(val)
		case "DISPATCH_PROMPTS":
			over.Dispatch.Prompts = splitComma(val)
		case "DISPATCH_HOST":
			over.Dispatch.Host = val
		case "DISPATCH_PORT":
			over.Dispatch.Port, err = atoi(val)
		case "DISPATCH_PLAIN_TCP":
			over.Dispatch.PlainTCP, err = parseBool(val)
		case "DISPATCH_CHUNK_SIZE":
			over.Dispatch.ChunkSize, err = atoi(val)
		case "DISPATCH_CHUNK_DELAY_MS":
			var n int
			n, err = atoi(val)
			over.Dispatch.ChunkDelayMS = intPtr(n)
		case "DISPATCH_READ_TIMEOUT_MS":
			over.Dispatch.ReadTimeoutMS, err = atoi(val)
		case "DISPATCH_SAVE_DIR":
			over.Dispatch.SaveDir = val
		case "JOURNAL_DSN":
			over.Journal.DSN = val
		case "JOURNAL_TABLE":
			over.Journal.Table = val
		case "ECHO_HTTP_ADDR":
			over.Echo.HTTPAddr = val
		case "ECHO_RAW_ADDR":
			over.Echo.RawAddr = val
		case "ECHO_MODE":
			over.Echo.Mode = val
		case "ECHO_FAIL_ON":
			over.Echo.FailOn = val
		default:
			// provider.* 路径：PROVIDER__name__FIELD
			if !strings.HasPrefix(key, "PROVIDER__") {
				continue
			}
			parts := strings.Split(key, "__")
			if len(parts) != 3 || strings.TrimSpace(parts[1]) == "" {
				continue
			}
			name := strings.TrimSpace(parts[1])
			p := prov[name]
			switch parts[2] {
			case "CLIENT":
				p.Client = val
			case "OPTIONS_JSON":
				if !json.Valid([]byte(val)) {
					return over, fmt.Errorf("env %s%s: invalid json", EnvPrefix, key)
				}
				p.Options = json.RawMessage(val)
			default:
				continue
			}
			prov[name] = p
		}
		if err != nil {
			return over, fmt.Errorf("env %s%s: %w", EnvPrefix, key, err)
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

func setStr(dst *string, v string) {
	if s := strings.TrimSpace(v); s != "" {
		*dst = s
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func boolPtr(b bool) *bool { return &b }

func intPtr(n int) *int { return &n }

func parseBool(s string) (*bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return boolPtr(true), nil
	case "0", "false", "no", "off":
		return boolPtr(false), nil
	default:
		return nil, fmt.Errorf("invalid bool %q", s)
	}
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &n)
	if err != nil {
		return 0, err
	}
	return n, nil
}
