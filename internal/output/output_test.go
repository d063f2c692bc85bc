package output

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"aidispatch/internal/dispatch"
	"aidispatch/pkg/contract"
)

func noTmpLeft(t *testing.T, dir string) {
	t.Helper()
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Fatalf("tmp file not cleaned: %s", e.Name())
		}
	}
}

// 原子写：目标已存在时替换为新内容，且不残留临时文件
func TestWriteAtomicReplaceExisting(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Options{Dir: dir})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, v := range []string{"v1", "v2"} {
		if err := w.Write(context.Background(), "out.txt", bytes.NewBufferString(v)); err != nil {
			t.Fatalf("write %s: %v", v, err)
		}
	}
	b, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil || string(b) != "v2" {
		t.Fatalf("expect v2, got %q %v", b, err)
	}
	noTmpLeft(t, dir)
}

func TestWriteNonAtomicSubdir(t *testing.T) {
	dir := t.TempDir()
	a := false
	w, _ := New(Options{Dir: dir, Atomic: &a})
	if err := w.Write(context.Background(), "sub/out.txt", bytes.NewBufferString("v")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "sub", "out.txt")); err != nil {
		t.Fatalf("file not created")
	}
}

func TestWritePathInvalid(t *testing.T) {
	w, _ := New(Options{Dir: t.TempDir()})
	for _, name := range []string{"../bad", "..", ".", ""} {
		err := w.Write(context.Background(), name, bytes.NewBufferString("x"))
		if !errors.Is(err, ErrPathInvalid) || !errors.Is(err, contract.ErrInvalidInput) {
			t.Fatalf("%q expect path invalid, got %v", name, err)
		}
	}
}

func TestWriteCtxCancel(t *testing.T) {
	w, _ := New(Options{Dir: t.TempDir()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Write(ctx, "a.txt", strings.NewReader("data")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expect ctx error, got %v", err)
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestWriteAtomicCopyError(t *testing.T) {
	dir := t.TempDir()
	w, _ := New(Options{Dir: dir})
	if err := w.Write(context.Background(), "a.txt", errReader{}); err == nil {
		t.Fatalf("expect copy error")
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Fatalf("temp files left %v", entries)
	}
}

func TestNewInvalid(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("expect invalid input, got %v", err)
	}
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.html")
	if err := WriteFile(context.Background(), path, []byte("<p>ok</p>")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if b, _ := os.ReadFile(path); string(b) != "<p>ok</p>" {
		t.Fatalf("内容错误: %q", b)
	}
}

// Record：成功写回复（无解码文本时写响应体），失败写结果行
func TestRecord(t *testing.T) {
	dir := t.TempDir()
	w, _ := New(Options{Dir: dir})
	entries := []dispatch.Entry{
		{BatchID: "b1", Result: dispatch.Result{ID: 1, Label: "Task 1", State: dispatch.StateCompleted, Status: 200, Body: []byte("raw body")}},
		{BatchID: "b1", Result: dispatch.Result{ID: 2, Label: "Task 2", State: dispatch.StateCompleted, Status: 200, Body: []byte("{}"), Text: "decoded"}},
		{BatchID: "b1", Result: dispatch.Result{ID: 3, Label: "Task 3", State: dispatch.StateFailed, Kind: "network", Err: errors.New("refused")}},
	}
	for _, e := range entries {
		if err := w.Record(context.Background(), e); err != nil {
			t.Fatalf("record %d: %v", e.Result.ID, err)
		}
	}
	want := map[string]string{
		"1.txt": "raw body",
		"2.txt": "decoded",
		"3.txt": "[Task 3] Error(network): refused\n",
	}
	for name, v := range want {
		b, err := os.ReadFile(filepath.Join(dir, "b1", name))
		if err != nil || string(b) != v {
			t.Fatalf("%s: %q %v", name, b, err)
		}
	}
	noTmpLeft(t, filepath.Join(dir, "b1"))
}

func TestReaderWithCtxCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := readerWithCtx(ctx, strings.NewReader("data"))
	cancel()
	if _, err := r.Read(make([]byte, 1)); err == nil {
		t.Fatalf("expect ctx error")
	}
}
