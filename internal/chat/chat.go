// Package chat 实现交互式多轮对话：逐行读取输入，保留会话历史。
package chat

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"aidispatch/internal/diag"
	"aidispatch/pkg/contract"
)

// Session 一次交互会话。历史仅在内存中保留。
type Session struct {
	Client contract.LLMClient
	// Name 回复前缀，例如 "Gemini" / "ChatGPT"。
	Name    string
	In      io.Reader
	Out     io.Writer
	Logger  *diag.Logger
	Timeout time.Duration // 单轮超时，默认 30s

	history contract.ChatPrompt
}

// History 返回当前会话历史副本。
func (s *Session) History() contract.ChatPrompt {
	return append(contract.ChatPrompt(nil), s.history...)
}

// Run 循环读取输入直到 exit/quit 或输入结束。单轮失败打印 [No response] 后继续；
// 仅读取输入失败时返回错误。
func (s *Session) Run(ctx context.Context) error {
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	name := s.Name
	if name == "" {
		name = "AI"
	}
	fmt.Fprintln(s.Out, "Welcome to aidispatch chat! Type 'exit' or 'quit' to end the session.")
	fmt.Fprintln(s.Out)
	sc := bufio.NewScanner(s.In)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for {
		fmt.Fprint(s.Out, "You: ")
		if !sc.Scan() {
			fmt.Fprintln(s.Out)
			fmt.Fprintln(s.Out, "Goodbye!")
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch strings.ToLower(line) {
		case "exit", "quit":
			fmt.Fprintln(s.Out, "Goodbye!")
			return nil
		case "":
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.history = append(s.history, contract.Message{Role: "user", Content: line})
		fmt.Fprintf(s.Out, "%s: ...\r", name)
		reply, err := s.turn(ctx)
		if err != nil || strings.TrimSpace(reply) == "" {
			fmt.Fprintf(s.Out, "%s: [No response]\n", name)
			continue
		}
		fmt.Fprintf(s.Out, "%s: %s\n", name, reply)
		s.history = append(s.history, contract.Message{Role: "assistant", Content: reply})
	}
}

func (s *Session) turn(ctx context.Context) (string, error) {
	tctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	timer := s.Logger.StartWithKV("chat", "turn", "", "", map[string]string{"messages": fmt.Sprint(len(s.history))})
	raw, err := s.Client.Invoke(tctx, s.History())
	if err != nil {
		code := diag.Classify(err)
		s.Logger.ErrorWithKV("chat", code, err.Error(), timer.Since(), "", "", nil)
		diag.IncOp("chat", "turn", "error")
		diag.IncError("chat", string(code))
		return "", err
	}
	timer.Finish("turn", int64(len(raw.Text)))
	diag.IncOp("chat", "turn", "success")
	return raw.Text, nil
}
