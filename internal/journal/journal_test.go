package journal

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"aidispatch/internal/diag"
	"aidispatch/internal/dispatch"
	"aidispatch/pkg/contract"
)

func TestParseDSN(t *testing.T) {
	cfg, err := ParseDSN("user:pw@tcp(db:3306)/aidispatch")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Addr != "db:3306" || cfg.DBName != "aidispatch" || !cfg.ParseTime || cfg.Loc != time.UTC || cfg.Timeout != defaultTimeout {
		t.Fatalf("配置不符: %+v", cfg)
	}
	if _, err := ParseDSN("user:pw@tcp(db:3306"); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("非法 DSN 应报错: %v", err)
	}
}

func TestOpenRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	if _, err := Open(ctx, Options{DSN: "u@tcp(h:1)/d", Table: "x; DROP TABLE y"}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("非法表名应报错: %v", err)
	}
	if _, err := Open(ctx, Options{DSN: "u@tcp(h:1"}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("非法 DSN 应报错: %v", err)
	}
}

func TestToRow(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	ok := dispatch.Entry{BatchID: "b", Strategy: dispatch.StrategyTask, Result: dispatch.Result{
		ID: 1, Label: "Task 1", State: dispatch.StateCompleted, Status: 200, Body: []byte(strings.Repeat("A", 5000)), Dur: 1500 * time.Millisecond,
	}}
	r := toRow(ok, 1024, now)
	if r.BatchID != "b" || r.RequestID != 1 || r.Strategy != "task" || r.State != "COMPLETED" || r.Kind != "" || r.Status != 200 {
		t.Fatalf("成功行不符: %+v", r)
	}
	if len(r.Body) != 1024 || r.DurMS != 1500 || !r.CreatedAt.Equal(now) {
		t.Fatalf("摘录/耗时不符: len=%d dur=%d", len(r.Body), r.DurMS)
	}

	failed := dispatch.Entry{BatchID: "b", Strategy: dispatch.StrategyThread, Result: dispatch.Result{
		ID: 2, Label: "Task 2", State: dispatch.StateFailed, Kind: diag.CodeNetwork, Err: errors.New("refused"),
	}}
	r = toRow(failed, 1024, now)
	if r.State != "FAILED" || r.Kind != "network" || r.Error != "refused" || r.Body != "" {
		t.Fatalf("失败行不符: %+v", r)
	}

	decoded := dispatch.Entry{Result: dispatch.Result{State: dispatch.StateCompleted, Body: []byte("{...}"), Text: "hello"}}
	if r := toRow(decoded, 1024, now); r.Body != "hello" {
		t.Fatalf("decode 模式应记录文本: %q", r.Body)
	}
}

func TestTruncateRuneSafe(t *testing.T) {
	s := "ab日本"
	if got := truncate(s, 3); got != "ab" {
		t.Fatalf("应在字符边界截断: %q", got)
	}
	if got := truncate(s, 100); got != s {
		t.Fatalf("未超限不应截断")
	}
}

func TestCloseNil(t *testing.T) {
	var j *Journal
	if err := j.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}
