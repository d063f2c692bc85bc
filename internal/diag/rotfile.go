package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RotatingFile 将日志行写入指定目录，并按文件大小轮转。
// - 当前文件固定名：<prefix>-current.txt
// - 轮转：当 size+len(line) 超过 maxBytes 时，将当前文件重命名为 <prefix>-<时间戳>.txt，再重新创建当前文件。
type RotatingFile struct {
	dir      string
	prefix   string
	maxBytes int64
	mu       sync.Mutex
	f        *os.File
	curSize  int64
}

// NewRotatingFile 使用默认前缀 aidispatch。
func NewRotatingFile(dir string, maxBytes int64) *RotatingFile {
	return NewRotatingFileNamed(dir, "aidispatch", maxBytes)
}

// NewRotatingFileNamed 允许自定义文件前缀（例如 echoserver 独立日志）。
func NewRotatingFileNamed(dir, prefix string, maxBytes int64) *RotatingFile {
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024 // 10 MiB
	}
	if prefix == "" {
		prefix = "aidispatch"
	}
	return &RotatingFile{dir: dir, prefix: prefix, maxBytes: maxBytes}
}

// CurrentPath 返回当前写入文件的路径。
func (w *RotatingFile) CurrentPath() string {
	return filepath.Join(w.dir, w.prefix+"-current.txt")
}

// WriteLine 追加一行（自动补换行）。
func (w *RotatingFile) WriteLine(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ensureOpen(); err != nil {
		return err
	}
	lineLen := int64(len(b) + 1)
	if w.curSize > 0 && w.curSize+lineLen > w.maxBytes {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	n, err := w.f.Write(append(b, '\n'))
	w.curSize += int64(n)
	return err
}

func (w *RotatingFile) ensureOpen() error {
	if w.f != nil {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.CurrentPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	w.curSize = 0
	if st, err := f.Stat(); err == nil {
		w.curSize = st.Size()
	}
	return nil
}

func (w *RotatingFile) rotate() error {
	if w.f == nil {
		return w.ensureOpen()
	}
	_ = w.f.Close()
	w.f = nil
	// 纳秒时间戳，避免同秒覆盖
	ts := time.Now().UTC().Format("20060102-150405.000000000")
	rotated := filepath.Join(w.dir, fmt.Sprintf("%s-%s.txt", w.prefix, ts))
	if err := os.Rename(w.CurrentPath(), rotated); err != nil {
		return fmt.Errorf("rename rotated file: %w", err)
	}
	return w.ensureOpen()
}

// Close 关闭当前打开的文件句柄。
func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
