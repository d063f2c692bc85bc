package prompt

import (
	"fmt"

	"aidispatch/pkg/contract"
)

// MakeEstimator 返回一个近似 token 估算器：tokens ≈ ceil(len(utf8_bytes)/bytesPerToken)。
// 当 bytesPerToken<=0 时采用默认 4。
func MakeEstimator(bytesPerToken int) contract.TokenEstimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	return func(s string) int {
		n := len(s)
		if n == 0 {
			return 0
		}
		return (n + bpt - 1) / bpt
	}
}

// EstimateTokens 估算整个 Prompt 的 token 数（仅用于日志与上限检查）。
func EstimateTokens(p contract.Prompt, bytesPerToken int) int {
	est := MakeEstimator(bytesPerToken)
	if chat, ok := p.(contract.ChatPrompt); ok {
		n := 0
		for _, m := range chat {
			n += est(m.Content)
		}
		return n
	}
	return est(contract.PromptText(p))
}

// CheckLimit 在发出请求前拒绝超出上限的 Prompt；maxTokens<=0 表示不限制。
func CheckLimit(p contract.Prompt, bytesPerToken, maxTokens int) (int, error) {
	n := EstimateTokens(p, bytesPerToken)
	if maxTokens > 0 && n > maxTokens {
		return n, fmt.Errorf("%w: prompt ~%d tokens exceeds limit %d", contract.ErrPrecondition, n, maxTokens)
	}
	return n, nil
}
