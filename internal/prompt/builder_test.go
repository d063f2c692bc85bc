package prompt

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"aidispatch/pkg/contract"
)

func writeContext(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "context.txt")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

// 内联 prompt 优先，去除首尾空白
func TestBuildInline(t *testing.T) {
	p, err := NewBuilder(Options{Prompt: "  hello  "}).Build(strings.NewReader("ignored"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if p != contract.TextPrompt("hello") {
		t.Fatalf("unexpected prompt %#v", p)
	}
}

// 无内联 prompt 时读取 stdin
func TestBuildStdin(t *testing.T) {
	p, err := NewBuilder(Options{}).Build(strings.NewReader("from stdin\n"))
	if err != nil || p != contract.TextPrompt("from stdin") {
		t.Fatalf("stdin prompt: %#v %v", p, err)
	}
}

// 空 prompt 为前置条件错误
func TestBuildEmpty(t *testing.T) {
	for _, in := range []string{"", "   \n\t"} {
		if _, err := NewBuilder(Options{}).Build(strings.NewReader(in)); !errors.Is(err, contract.ErrPrecondition) {
			t.Fatalf("应为前置条件错误: %v", err)
		}
	}
	if _, err := NewBuilder(Options{}).Build(nil); !errors.Is(err, contract.ErrPrecondition) {
		t.Fatalf("nil stdin 应为前置条件错误")
	}
}

// 上下文模式：三种组装风格
func TestBuildContextStyles(t *testing.T) {
	ctxFile := writeContext(t, "alice did X\n")
	cases := []struct {
		style Style
		want  contract.ChatPrompt
	}{
		{StyleParts, contract.ChatPrompt{
			{Role: "system", Content: "SYS"},
			{Role: "user", Content: "alice did X"},
			{Role: "user", Content: "summarize"},
		}},
		{StyleJoined, contract.ChatPrompt{
			{Role: "system", Content: "SYS"},
			{Role: "user", Content: "Context:\nalice did X"},
			{Role: "user", Content: "summarize"},
		}},
		{StyleChat, contract.ChatPrompt{
			{Role: "system", Content: "alice did X"},
			{Role: "user", Content: "summarize"},
		}},
	}
	for _, c := range cases {
		t.Run(string(c.style), func(t *testing.T) {
			b := NewBuilder(Options{Prompt: "summarize", UseContext: true, ContextFile: ctxFile, SystemInstruction: "SYS", Style: c.style})
			p, err := b.Build(nil)
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			got, ok := p.(contract.ChatPrompt)
			if !ok || len(got) != len(c.want) {
				t.Fatalf("unexpected prompt %#v", p)
			}
			for i := range got {
				if got[i] != c.want[i] {
					t.Fatalf("消息 %d 不符: %+v", i, got[i])
				}
			}
		})
	}
}

// 上下文模式下无 prompt 也可发送；不读 stdin
func TestBuildContextWithoutPrompt(t *testing.T) {
	ctxFile := writeContext(t, "notes")
	p, err := NewBuilder(Options{UseContext: true, ContextFile: ctxFile}).Build(strings.NewReader("never read"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	chat := p.(contract.ChatPrompt)
	if len(chat) != 2 || chat[0].Content != DefaultSystemInstruction || chat[1].Content != "notes" {
		t.Fatalf("unexpected prompt %#v", chat)
	}
}

func TestBuildContextMissingOrEmpty(t *testing.T) {
	if _, err := NewBuilder(Options{UseContext: true, ContextFile: filepath.Join(t.TempDir(), "none.txt")}).Build(nil); !errors.Is(err, contract.ErrPrecondition) {
		t.Fatalf("缺失上下文应为前置条件错误: %v", err)
	}
	if _, err := NewBuilder(Options{UseContext: true, ContextFile: writeContext(t, "  ")}).Build(nil); !errors.Is(err, contract.ErrPrecondition) {
		t.Fatalf("空上下文应为前置条件错误: %v", err)
	}
}

// 系统指令模板：变量替换、文件覆盖、缺失变量报错
func TestSystemInstructionTemplate(t *testing.T) {
	b := NewBuilder(Options{SystemInstruction: "Answer in {{.lang}}.", Vars: map[string]string{"lang": "Japanese"}})
	s, err := b.SystemInstruction()
	if err != nil || s != "Answer in Japanese." {
		t.Fatalf("模板渲染: %q %v", s, err)
	}
	f := filepath.Join(t.TempDir(), "sys.tmpl")
	_ = os.WriteFile(f, []byte("from file"), 0o644)
	s, err = NewBuilder(Options{SystemInstruction: "inline", SystemInstructionFile: f}).SystemInstruction()
	if err != nil || s != "from file" {
		t.Fatalf("文件优先: %q %v", s, err)
	}
	if _, err := NewBuilder(Options{SystemInstruction: "{{.missing}}", Vars: map[string]string{}}).SystemInstruction(); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("缺失变量应报错: %v", err)
	}
	if _, err := NewBuilder(Options{SystemInstruction: "{{"}).SystemInstruction(); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("非法模板应报错: %v", err)
	}
}
