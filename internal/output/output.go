// Package output 将回复与调度结果落盘：同目录临时文件 + rename 的原子写。
package output

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"aidispatch/internal/dispatch"
	"aidispatch/pkg/contract"
)

// ErrPathInvalid 目标名越出输出目录。
var ErrPathInvalid = fmt.Errorf("%w: path escapes output dir", contract.ErrInvalidInput)

// Options: 最小必要选项。
type Options struct {
	// Dir: 输出根目录（必需）。
	Dir string
	// Atomic: 是否使用原子替换。默认 true；显式 false 时直接覆盖写。
	Atomic *bool
	// PermFile/PermDir: 为 0 时使用 0644/0755。
	PermFile os.FileMode
	PermDir  os.FileMode
	// BufSize: 写缓冲区大小；<=0 使用 64KiB。
	BufSize int
}

// Writer 以 Dir 为根写文件；同时实现 dispatch.Recorder。
type Writer struct {
	root    string
	atomic  bool
	permF   os.FileMode
	permD   os.FileMode
	bufSize int
}

// New 创建 Writer；Dir 为空返回 ErrInvalidInput。
func New(opts Options) (*Writer, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, fmt.Errorf("output: %w: dir required", contract.ErrInvalidInput)
	}
	w := &Writer{root: opts.Dir, atomic: true, permF: 0o644, permD: 0o755, bufSize: 64 * 1024}
	if opts.Atomic != nil {
		w.atomic = *opts.Atomic
	}
	if opts.PermFile != 0 {
		w.permF = opts.PermFile
	}
	if opts.PermDir != 0 {
		w.permD = opts.PermDir
	}
	if opts.BufSize > 0 {
		w.bufSize = opts.BufSize
	}
	return w, nil
}

// WriteFile 原子写单个文件（ask --output）。
func WriteFile(ctx context.Context, path string, data []byte) error {
	w, err := New(Options{Dir: filepath.Dir(path)})
	if err != nil {
		return err
	}
	return w.Write(ctx, filepath.Base(path), bytes.NewReader(data))
}

// Write 将 r 的全部字节写入 Dir 下的相对路径 name。
func (w *Writer) Write(ctx context.Context, name string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest, err := w.mapPath(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), w.permD); err != nil {
		return err
	}
	if w.atomic {
		return w.writeAtomic(ctx, dest, r)
	}
	return w.writeOverwrite(ctx, dest, r)
}

// Record 把一个终态结果写为 <batch_id>/<id>.txt：成功写回复文本（无文本时写原始响应体），失败写结果行。
func (w *Writer) Record(ctx context.Context, e dispatch.Entry) error {
	r := e.Result
	var data []byte
	switch {
	case r.OK() && r.Text != "":
		data = []byte(r.Text)
	case r.OK() && r.Status != 0:
		data = r.Body
	default:
		data = []byte(r.Line() + "\n")
	}
	name := filepath.Join(e.BatchID, strconv.Itoa(r.ID)+".txt")
	return w.Write(ctx, name, bytes.NewReader(data))
}

// mapPath: Clean + Join + 越界校验。
func (w *Writer) mapPath(name string) (string, error) {
	rel := filepath.Clean(name)
	if rel == "." || rel == "" || filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", ErrPathInvalid
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathInvalid
	}
	return filepath.Join(w.root, rel), nil
}

func (w *Writer) writeOverwrite(ctx context.Context, dest string, r io.Reader) error {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, w.permF)
	if err != nil {
		return err
	}
	defer f.Close()
	bw := bufio.NewWriterSize(f, w.bufSize)
	if _, err := io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		return err
	}
	return bw.Flush()
}

func (w *Writer) writeAtomic(ctx context.Context, dest string, r io.Reader) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	_ = os.Chmod(tmpPath, w.permF)
	abort := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	bw := bufio.NewWriterSize(tmp, w.bufSize)
	if _, err := io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		return abort(err)
	}
	if err := bw.Flush(); err != nil {
		return abort(err)
	}
	if err := tmp.Sync(); err != nil {
		return abort(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := osReplace(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	// 最佳努力：同步父目录
	_ = syncDir(dir)
	return nil
}

// readerWithCtx: 在每次 Read 前检查 ctx 是否已取消。
func readerWithCtx(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

var _ dispatch.Recorder = (*Writer)(nil)
