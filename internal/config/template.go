package config

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - ask/chat 默认走 gemini，dispatch 默认 thread 策略、原样模式；
// - 指向本地 echoserver 的 "local" provider 便于离线演练；
// - 选项给出全部键与中性默认值。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := d
	cfg.Provider = map[string]Provider{
		"gemini": {
			Client: "gemini",
			Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "GEMINI_API_KEY",
  "api_key": "",
  "timeout_seconds": 60,
  "endpoint_path": "",
  "api_key_in_query": true,
  "extra_headers": {},
  "extra_query": {},
  "layout": "parts"
}`),
		},
		"openai": {
			Client: "openai",
			Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "OPENAI_API_KEY",
  "api_key": "",
  "timeout_seconds": 60,
  "temperature": null,
  "endpoint_path": "",
  "disable_default_auth": false,
  "extra_headers": {}
}`),
		},
		"local": {
			Client: "gemini",
			Options: json.RawMessage(`{
  "base_url": "http://127.0.0.1:8080",
  "api_key": "local"
}`),
		},
		"mock": {
			Client:  "mock",
			Options: json.RawMessage(`{"prefix":"","response_mode":"echo"}`),
		},
	}
	cfg.Prompt.Vars = map[string]string{}
	cfg.Prompt.MaxTokens = 0
	cfg.Dispatch.Decode = boolPtr(false)
	cfg.Dispatch.PlainTCP = boolPtr(false)
	cfg.Journal = Journal{Table: "dispatch_results", MaxBody: 1024}
	cfg.Echo.RawIdleMS = 500
	return cfg
}

// Marshal 按路径扩展名编码配置：.yaml/.yml 输出 YAML，其余输出缩进 JSON。
func Marshal(c Config, path string) ([]byte, error) {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		// 经通用结构中转，使 provider.options 成为嵌套映射
		var doc any
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, err
		}
		return yaml.Marshal(doc)
	default:
		return append(b, '\n'), nil
	}
}
