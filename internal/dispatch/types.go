package dispatch

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"aidispatch/internal/diag"
)

// Payload 一个待发送的提示词载荷（创建后只读）。
type Payload struct {
	ID    int
	Label string
	Text  string
}

// NewPayloads 按提交顺序编号（从 1 开始），标签形如 "Task 1"。
func NewPayloads(label string, texts ...string) []Payload {
	if label == "" {
		label = "Task"
	}
	out := make([]Payload, len(texts))
	for i, t := range texts {
		out[i] = Payload{ID: i + 1, Label: fmt.Sprintf("%s %d", label, i+1), Text: t}
	}
	return out
}

// State 单个请求的生命周期状态。
type State int

const (
	StateCreated State = iota
	StateInFlight
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateInFlight:
		return "IN_FLIGHT"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal 报告是否为终态（此后不再迁移）。
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

var ErrTransition = errors.New("invalid state transition")

// Next 校验迁移：CREATED→IN_FLIGHT→{COMPLETED|FAILED}；
// 尚未发出即失败（例如批次开始前已取消）允许 CREATED→FAILED。
func (s State) Next(to State) (State, error) {
	ok := false
	switch s {
	case StateCreated:
		ok = to == StateInFlight || to == StateFailed
	case StateInFlight:
		ok = to == StateCompleted || to == StateFailed
	}
	if !ok {
		return s, fmt.Errorf("%w: %s -> %s", ErrTransition, s, to)
	}
	return to, nil
}

// Result 单个请求的终态结果：成功（Body/Text）或失败（Kind + Err）二选一。
type Result struct {
	ID    int
	Label string
	State State
	// Status 为 HTTP 状态码；未收到响应时为 0。
	Status int
	// Body 为原始响应体；Text 为 decode 模式下解码出的文本。
	Body []byte
	Text string
	// Bytes/Chunks 仅 chunked 策略：已写出的字节数与片数。
	Bytes  int
	Chunks int
	Kind   diag.Code
	Err    error
	Dur    time.Duration
}

// OK 报告是否成功完成。
func (r Result) OK() bool { return r.State == StateCompleted }

// Line 渲染单行输出：
//
//	[Task 1] 200 <body>
//	[Task 2] Error(network): <detail>
//	[Writer 1] sent 5000 bytes in 5 chunks
func (r Result) Line() string {
	tag := "[" + r.Label + "]"
	if !r.OK() {
		detail := "unknown error"
		if r.Err != nil {
			detail = r.Err.Error()
		}
		return fmt.Sprintf("%s Error(%s): %s", tag, r.Kind, detail)
	}
	if r.Status == 0 {
		return fmt.Sprintf("%s sent %d bytes in %d chunks", tag, r.Bytes, r.Chunks)
	}
	out := r.Text
	if out == "" {
		out = string(r.Body)
	}
	return fmt.Sprintf("%s %d %s", tag, r.Status, out)
}

// Reply chunked 策略在全部写出后的一次尽力读取。
type Reply struct {
	Data     []byte
	TimedOut bool
	Err      error
}

// Line 渲染读取结果；无数据（超时、对端关闭）统一报告为无响应。
func (r Reply) Line() string {
	if len(r.Data) == 0 {
		return "No response or read timeout."
	}
	return fmt.Sprintf("Response: %q", r.Data)
}

// Batch 一次 Run 的汇总：每个载荷恰好一个终态结果，按提交顺序排列。
type Batch struct {
	ID       string
	Strategy Strategy
	Results  []Result
	Reply    *Reply
}

// Failed 返回失败结果数。
func (b *Batch) Failed() int {
	n := 0
	for _, r := range b.Results {
		if !r.OK() {
			n++
		}
	}
	return n
}

// Strategy 并发策略。
type Strategy string

const (
	// StrategyThread 每个请求独立 goroutine，且各自持有独立的 http.Client。
	StrategyThread Strategy = "thread"
	// StrategyTask 每个请求独立 goroutine，共享同一个批次级连接池（可协商 HTTP/2）。
	StrategyTask Strategy = "task"
	// StrategyChunked 共享单条连接，多个写协程无锁分片写出。
	StrategyChunked Strategy = "chunked"
)

// ParseStrategy 解析策略名（大小写不敏感）。
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyThread, StrategyTask, StrategyChunked:
		return st, nil
	case "":
		return StrategyThread, nil
	default:
		return "", fmt.Errorf("unknown strategy %q (want thread|task|chunked)", s)
	}
}
