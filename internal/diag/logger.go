package diag

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level 日志级别。
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// lineSink 是日志落盘目标（RotatingFile 或测试替身）。
type lineSink interface {
	WriteLine(b []byte) error
}

// Logger 为最小结构化日志器：单行 JSON，默认写入 logs/aidispatch-current.txt（10 MiB 轮转）。
type Logger struct {
	corrID string
	level  Level
	sink   lineSink
	mu     sync.Mutex
}

// NewLogger 通过配置的 level 初始化，日志写入 logs 目录。
func NewLogger(corrID, level string) *Logger {
	return &Logger{corrID: corrID, level: parseLevel(level), sink: NewRotatingFile("logs", 10*1024*1024)}
}

// NewLoggerNamed 同 NewLogger，但写入 logs/<prefix>-current.txt。
func NewLoggerNamed(prefix, corrID, level string) *Logger {
	return &Logger{corrID: corrID, level: parseLevel(level), sink: NewRotatingFileNamed("logs", prefix, 10*1024*1024)}
}

// NewLoggerTo 将日志写入任意 io.Writer（每事件一行）。
func NewLoggerTo(w io.Writer, corrID, level string) *Logger {
	return &Logger{corrID: corrID, level: parseLevel(level), sink: writerSink{w}}
}

type writerSink struct{ w io.Writer }

func (s writerSink) WriteLine(b []byte) error {
	_, err := s.w.Write(append(b, '\n'))
	return err
}

func parseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug
	case "warn":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// CorrID 返回本次运行的关联 ID。
func (l *Logger) CorrID() string {
	if l == nil {
		return ""
	}
	return l.corrID
}

// Event 为标准事件结构。
type Event struct {
	Level  string            `json:"level"`
	TS     string            `json:"ts"`
	CorrID string            `json:"corr_id"`
	Comp   string            `json:"comp"`
	Stage  string            `json:"stage"` // start|finish|error
	Code   string            `json:"code,omitempty"`
	DurMS  int64             `json:"dur_ms,omitempty"`
	Count  int64             `json:"count,omitempty"`
	Batch  string            `json:"batch_id,omitempty"`
	ReqID  string            `json:"req_id,omitempty"`
	Msg    string            `json:"msg"`
	KV     map[string]string `json:"kv,omitempty"`
}

func (l *Logger) log(lv Level, ev Event) {
	if l == nil || lv < l.level {
		return
	}
	ev.Level = lv.String()
	ev.TS = NowUTC()
	ev.CorrID = l.corrID
	b, _ := json.Marshal(ev)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sink == nil {
		_, _ = os.Stderr.Write(append(b, '\n'))
		return
	}
	if err := l.sink.WriteLine(b); err != nil {
		fmt.Fprintf(os.Stderr, "logger sink error: %v\n", err)
		_, _ = os.Stderr.Write(append(b, '\n'))
	}
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	return l.StartWithKV(comp, msg, "", "", nil)
}

// StartWith 记录带 batch_id/req_id 的 start。
func (l *Logger) StartWith(comp, msg, batch, req string) *Timer {
	return l.StartWithKV(comp, msg, batch, req, nil)
}

// StartWithKV 记录带 batch_id/req_id 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, batch, req string, kv map[string]string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Batch: batch, ReqID: req, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, batch: batch, req: req, t0: time.Now()}
}

// Debug 输出调试事件（仅在 level=debug 时生效）。
func (l *Logger) Debug(comp, msg string, kv map[string]string) {
	l.log(Debug, Event{Comp: comp, Stage: "debug", Msg: msg, KV: kv})
}

// Warn 记录 warn 事件。
func (l *Logger) Warn(comp, msg string, kv map[string]string) {
	l.log(Warn, Event{Comp: comp, Stage: "warn", Msg: msg, KV: kv})
}

// Error 记录 error 事件（不采样）。
func (l *Logger) Error(comp string, code Code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", "", nil)
}

// ErrorWithKV 支持 batch_id/req_id 与附带键值（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp string, code Code, msg string, durSince *time.Time, batch, req string, kv map[string]string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(Error, Event{Comp: comp, Stage: "error", Code: string(code), DurMS: dur, Batch: batch, ReqID: req, Msg: msg, KV: kv})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l     *Logger
	comp  string
	batch string
	req   string
	t0    time.Time
}

// Since 返回起点时间（供 Error 计算耗时）。
func (t *Timer) Since() *time.Time {
	if t == nil {
		return nil
	}
	return &t.t0
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	t.FinishKV(msg, count, nil)
}

// FinishKV 记录带键值的 finish。
func (t *Timer) FinishKV(msg string, count int64, kv map[string]string) {
	if t == nil || t.l == nil {
		return
	}
	t.l.log(Info, Event{Comp: t.comp, Stage: "finish", DurMS: time.Since(t.t0).Milliseconds(), Count: count, Batch: t.batch, ReqID: t.req, Msg: msg, KV: kv})
}
