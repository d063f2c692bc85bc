package registry

import (
	"bytes"
	"encoding/json"

	"aidispatch/pkg/contract"
	flaky "aidispatch/plugins/llmclient/flaky"
	gmi "aidispatch/plugins/llmclient/gemini"
	mock "aidispatch/plugins/llmclient/mock"
	oai "aidispatch/plugins/llmclient/openai"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// strictCheck 先做一次严格解码，再把原样 JSON 交给插件构造函数。
func strictCheck[T any](raw json.RawMessage) error {
	var opts T
	return strictUnmarshal(raw, &opts)
}

// NewLLMClient 工厂签名：接收原样 JSON Options。
type NewLLMClient func(raw json.RawMessage) (contract.LLMClient, error)

// NewCodec 工厂签名：接收原样 JSON Options，返回可由调度器直接驱动的 HTTP 编解码器。
type NewCodec func(raw json.RawMessage) (contract.RequestCodec, error)

// LLMClient 工厂注册表（显式、零反射）。
var LLMClient = map[string]NewLLMClient{
	"openai": func(raw json.RawMessage) (contract.LLMClient, error) {
		if err := strictCheck[oai.Options](raw); err != nil {
			return nil, err
		}
		return oai.New(raw)
	},
	"gemini": func(raw json.RawMessage) (contract.LLMClient, error) {
		if err := strictCheck[gmi.Options](raw); err != nil {
			return nil, err
		}
		return gmi.New(raw)
	},
	"mock": func(raw json.RawMessage) (contract.LLMClient, error) {
		if err := strictCheck[mock.Options](raw); err != nil {
			return nil, err
		}
		return mock.New(raw)
	},
	"flaky": func(raw json.RawMessage) (contract.LLMClient, error) {
		if err := strictCheck[flaky.Options](raw); err != nil {
			return nil, err
		}
		return flaky.New(raw)
	},
}

// Codec 工厂注册表：仅包含走 HTTP 的 provider。
var Codec = map[string]NewCodec{
	"openai": func(raw json.RawMessage) (contract.RequestCodec, error) {
		if err := strictCheck[oai.Options](raw); err != nil {
			return nil, err
		}
		return oai.New(raw)
	},
	"gemini": func(raw json.RawMessage) (contract.RequestCodec, error) {
		if err := strictCheck[gmi.Options](raw); err != nil {
			return nil, err
		}
		return gmi.New(raw)
	},
}
