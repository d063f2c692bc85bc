package prompt

import (
	"errors"
	"testing"

	"aidispatch/pkg/contract"
)

// 默认估算器
func TestMakeEstimatorDefault(t *testing.T) {
	est := MakeEstimator(0)
	if est("abcdef") != 2 { // 6 字节 -> 2 token
		t.Fatalf("估算错误")
	}
	if est("") != 0 {
		t.Fatalf("空串应为 0")
	}
	if MakeEstimator(3)("abcdefg") != 3 {
		t.Fatalf("自定义 bpt 估算错误")
	}
}

// Chat 按消息分别向上取整后求和
func TestEstimateTokensChat(t *testing.T) {
	p := contract.ChatPrompt{{Role: "system", Content: "abcde"}, {Role: "user", Content: "a"}}
	if got := EstimateTokens(p, 4); got != 3 {
		t.Fatalf("预期 3 得到 %d", got)
	}
	if got := EstimateTokens(contract.TextPrompt("abcdefgh"), 4); got != 2 {
		t.Fatalf("预期 2 得到 %d", got)
	}
}

func TestCheckLimit(t *testing.T) {
	p := contract.TextPrompt(string(make([]byte, 5000)))
	if n, err := CheckLimit(p, 4, 0); err != nil || n != 1250 {
		t.Fatalf("不限制时应通过: %d %v", n, err)
	}
	if _, err := CheckLimit(p, 4, 1000); !errors.Is(err, contract.ErrPrecondition) {
		t.Fatalf("超限应为前置条件错误: %v", err)
	}
}
