package contract

// Prompt: 不透明载荷，由具体 LLMClient/RequestCodec 解释。
type Prompt any

// Message: 最小会话消息形状（可用于 ChatPrompt）。
type Message struct {
	Role    string
	Content string
}

// TextPrompt: 文本型提示词载荷。
type TextPrompt string

// ChatPrompt: 会话型提示词载荷（最小集合）。
// 约定角色：system | user | assistant。
type ChatPrompt []Message

// TokenEstimator: 文本→token 的近似估算函数。
// 典型实现：ceil(len(utf8_bytes)/BytesPerToken)。
type TokenEstimator func(s string) int

// PromptText 返回 Prompt 中全部文本的拼接（仅用于估算与日志，不用于请求编码）。
func PromptText(p Prompt) string {
	switch v := p.(type) {
	case TextPrompt:
		return string(v)
	case ChatPrompt:
		n := 0
		for _, m := range v {
			n += len(m.Content)
		}
		b := make([]byte, 0, n)
		for _, m := range v {
			b = append(b, m.Content...)
		}
		return string(b)
	default:
		return ""
	}
}
