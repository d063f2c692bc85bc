package prompt

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"text/template"

	"aidispatch/pkg/contract"
)

// DefaultSystemInstruction 为 --use-context 模式的默认系统指令（text/template，可引用 Vars）。
const DefaultSystemInstruction = "You are an experienced psychologist, helping businesses understand their employees' behavior in terms of work and productivity. " +
	"You are also an experienced project manager in the software development field for a long time, providing consultations on how to make software teams more productive. " +
	"Also, you have a knack on word puzzles, text pattern analysis, and forensic level of information extraction from seemingly difficult to understand texts from different sources. " +
	"You can speak and understand both English and Japanese, but you prefer to use English for your responses. " +
	"For each team member, summarize their activities in a narrative, paragraph-style format. Do not use bullet points or lists for activities; instead, aggregate and describe each member's activities as a short story or paragraph. " +
	"Keep the breakdown by team member, but make each activity summary flow naturally. Do not mention anything about your expertise, just provide the summary based on the context provided. " +
	"Respond in a neutral tone, without any personal opinions or biases. Do not use any emojis in your response. " +
	"Do not address your response to the user themselves, but to someone else generic. The generated report must be in HTML do not use markdown or plain text formatting. Don't include a header."

// Style 决定上下文与提示词如何组装成 Prompt。
type Style string

const (
	// StyleParts：REST 直发。系统指令与上下文各自成为独立消息（由 gemini parts 布局编码为独立 content）。
	StyleParts Style = "parts"
	// StyleJoined：SDK 风格。上下文加 "Context:\n" 标签，与提示词以空行拼接；系统指令单独下发。
	StyleJoined Style = "joined"
	// StyleChat：Chat Completions。上下文作为 system 消息，提示词作为 user 消息。
	StyleChat Style = "chat"
)

// Options 组装所需输入。
type Options struct {
	Prompt     string
	UseContext bool
	// ContextFile 默认 context.txt。
	ContextFile string
	// SystemInstruction 覆盖默认系统指令（text/template）；SystemInstructionFile 优先。
	SystemInstruction     string
	SystemInstructionFile string
	Vars                  map[string]string
	Style                 Style
}

func (o *Options) defaults() {
	if o.ContextFile == "" {
		o.ContextFile = "context.txt"
	}
	if o.Style == "" {
		o.Style = StyleParts
	}
}

// Builder 将 CLI 输入组装为 contract.Prompt。
type Builder struct {
	opts     Options
	readFile func(string) ([]byte, error)
}

// NewBuilder 构造组装器。
func NewBuilder(opts Options) *Builder {
	opts.defaults()
	return &Builder{opts: opts, readFile: os.ReadFile}
}

// Build 组装 Prompt：上下文模式读取上下文文件并附带系统指令；否则取内联 prompt，缺省时读 stdin。
// 空 prompt、上下文不可读或为空均返回 ErrPrecondition。
func (b *Builder) Build(stdin io.Reader) (contract.Prompt, error) {
	o := b.opts
	text := strings.TrimSpace(o.Prompt)
	if !o.UseContext {
		if text == "" && stdin != nil {
			raw, err := io.ReadAll(stdin)
			if err != nil {
				return nil, fmt.Errorf("%w: read stdin: %v", contract.ErrPrecondition, err)
			}
			text = strings.TrimSpace(string(raw))
		}
		if text == "" {
			return nil, contract.EmptyPrompt()
		}
		return b.assemble("", "", text), nil
	}

	ctxRaw, err := b.readFile(o.ContextFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found or unreadable: %v", contract.ErrPrecondition, o.ContextFile, err)
	}
	context := strings.TrimSpace(string(ctxRaw))
	if context == "" {
		return nil, fmt.Errorf("%w: %s is empty", contract.ErrPrecondition, o.ContextFile)
	}
	sys, err := b.SystemInstruction()
	if err != nil {
		return nil, err
	}
	return b.assemble(sys, context, text), nil
}

// SystemInstruction 渲染系统指令模板。
func (b *Builder) SystemInstruction() (string, error) {
	src := b.opts.SystemInstruction
	if b.opts.SystemInstructionFile != "" {
		raw, err := b.readFile(b.opts.SystemInstructionFile)
		if err != nil {
			return "", fmt.Errorf("%w: system instruction file: %v", contract.ErrPrecondition, err)
		}
		src = string(raw)
	}
	if strings.TrimSpace(src) == "" {
		src = DefaultSystemInstruction
	}
	tpl, err := template.New("system").Option("missingkey=error").Parse(src)
	if err != nil {
		return "", fmt.Errorf("system instruction template: %v: %w", err, contract.ErrInvalidInput)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, b.opts.Vars); err != nil {
		return "", fmt.Errorf("system instruction template: %v: %w", err, contract.ErrInvalidInput)
	}
	return strings.TrimSpace(buf.String()), nil
}

func (b *Builder) assemble(sys, context, text string) contract.Prompt {
	if sys == "" && context == "" {
		return contract.TextPrompt(text)
	}
	var msgs contract.ChatPrompt
	switch b.opts.Style {
	case StyleChat:
		msgs = append(msgs, contract.Message{Role: "system", Content: context})
		if text != "" {
			msgs = append(msgs, contract.Message{Role: "user", Content: text})
		}
	case StyleJoined:
		msgs = append(msgs, contract.Message{Role: "system", Content: sys})
		msgs = append(msgs, contract.Message{Role: "user", Content: "Context:\n" + context})
		if text != "" {
			msgs = append(msgs, contract.Message{Role: "user", Content: text})
		}
	default:
		msgs = append(msgs, contract.Message{Role: "system", Content: sys})
		msgs = append(msgs, contract.Message{Role: "user", Content: context})
		if text != "" {
			msgs = append(msgs, contract.Message{Role: "user", Content: text})
		}
	}
	return msgs
}
