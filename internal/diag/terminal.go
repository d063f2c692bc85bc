package diag

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Terminal: 终端信息提示（非日志，非结果输出）。
// - 输出到提供的 io.Writer（默认 stderr）。
// - TTY: 单行 \r 覆盖；非 TTY: 关键节点分行打印。
// - 并发安全；写失败后进入禁用态为 no-op。
type Terminal struct {
	w       io.Writer
	enabled bool
	isTTY   bool

	strategy string
	target   string
	total    int
	done     int
	errCount int
	runStart time.Time

	lastLen   int
	lastFlush time.Time

	mu sync.Mutex
}

// NewTerminal 构造终端提示器。enabled=false 时总是 no-op。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{w: w, enabled: enabled}
	// CI 环境视为非 TTY
	if os.Getenv("CI") != "" {
		t.isTTY = false
	} else if f, ok := w.(*os.File); ok {
		if fi, err := f.Stat(); err == nil {
			t.isTTY = fi.Mode()&os.ModeCharDevice != 0
		}
	}
	return t
}

// RunStart 记录批次上下文（策略、目标、请求数）。
func (t *Terminal) RunStart(strategy, target string, total int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.strategy = strategy
	t.target = target
	t.total = total
	t.done = 0
	t.errCount = 0
	t.runStart = time.Now()
	t.println(fmt.Sprintf("[run] 策略=%s | 目标=%s | 请求=%d", safe(strategy), safe(target), total))
}

// RequestDone 单个请求终态；TTY 下以 ≥100ms 节流刷新进度行。
func (t *Terminal) RequestDone(ok bool) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.done++
	if !ok {
		t.errCount++
	}
	if !t.isTTY {
		return
	}
	now := time.Now()
	if t.done < t.total && now.Sub(t.lastFlush) < 100*time.Millisecond {
		return
	}
	t.lastFlush = now
	t.printInline(fmt.Sprintf("[run] %s | 进度 %d/%d | 错误 %d | 用时 %s",
		t.strategy, t.done, t.total, t.errCount, formatDur(time.Since(t.runStart))))
}

// RunFinish 结束总览。
func (t *Terminal) RunFinish(ok bool, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	tag := "ok"
	if !ok {
		tag = "fail"
	}
	if t.isTTY && t.lastLen > 0 {
		t.printInline("")
	}
	t.println(fmt.Sprintf("[%s] 完成 %d/%d | 错误 %d | 总用时 %s", tag, t.done, t.total, t.errCount, formatDur(dur)))
}

func (t *Terminal) println(s string) {
	if _, err := io.WriteString(t.w, s+"\n"); err != nil {
		t.enabled = false
	}
	t.lastLen = 0
}

func (t *Terminal) printInline(s string) {
	// 新行比旧行短时以空格覆盖尾部
	pad := 0
	if l := visLen(s); t.lastLen > l {
		pad = t.lastLen - l
	}
	var b strings.Builder
	b.WriteByte('\r')
	b.WriteString(s)
	b.WriteString(strings.Repeat(" ", pad))
	if _, err := io.WriteString(t.w, b.String()); err != nil {
		t.enabled = false
		return
	}
	t.lastLen = visLen(s)
}

func visLen(s string) int { return len([]rune(s)) }

func safe(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return s
}

func formatDur(d time.Duration) string {
	if d < time.Second {
		ms := d.Milliseconds()
		if ms < 0 {
			ms = 0
		}
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(d.Milliseconds())/1000.0)
}
