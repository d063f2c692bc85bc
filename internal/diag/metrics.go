package diag

import (
	"sort"
	"strings"
	"sync"
)

// 进程内最小指标（无导出器）：
// - op_total{comp,stage,result}
// - error_total{comp,code}
// - op_duration_ms{comp,stage}（累计值）

var (
	metricsMu sync.Mutex
	counters  = map[string]int64{}
)

func bump(key string, v int64) {
	metricsMu.Lock()
	counters[key] += v
	metricsMu.Unlock()
}

func key(name string, labels ...string) string {
	return name + "{" + strings.Join(labels, ",") + "}"
}

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) { bump(key("op_total", comp, stage, result), 1) }

// IncError 按分类累加错误计数。
func IncError(comp, code string) { bump(key("error_total", comp, code), 1) }

// ObserveDuration 记录阶段耗时（毫秒，累计）。
func ObserveDuration(comp, stage string, durMS int64) {
	bump(key("op_duration_ms", comp, stage), durMS)
}

// Metric 为快照中的单项。
type Metric struct {
	Key   string
	Value int64
}

// Snapshot 返回按 key 排序的当前计数副本。
func Snapshot() []Metric {
	metricsMu.Lock()
	out := make([]Metric, 0, len(counters))
	for k, v := range counters {
		out = append(out, Metric{Key: k, Value: v})
	}
	metricsMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ResetMetrics 清空计数（测试用）。
func ResetMetrics() {
	metricsMu.Lock()
	counters = map[string]int64{}
	metricsMu.Unlock()
}
