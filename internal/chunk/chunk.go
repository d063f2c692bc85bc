// Package chunk 提供定长切片、节奏写出与长度前缀分帧。
package chunk

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// DefaultSize 与 DefaultDelay 为共享连接写出的默认节奏。
const (
	DefaultSize  = 1000
	DefaultDelay = 50 * time.Millisecond
)

// MaxFrame 单帧载荷上限（16 MiB）。
const MaxFrame = 16 << 20

var ErrFrameTooLarge = errors.New("frame too large")

// Split 将 b 切为长度为 size 的片段（最后一片可更短）。
// 片段与 b 共享底层数组；size<=0 时按 DefaultSize；空输入返回 nil。
func Split(b []byte, size int) [][]byte {
	if size <= 0 {
		size = DefaultSize
	}
	if len(b) == 0 {
		return nil
	}
	out := make([][]byte, 0, (len(b)+size-1)/size)
	for start := 0; start < len(b); start += size {
		end := start + size
		if end > len(b) {
			end = len(b)
		}
		out = append(out, b[start:end:end])
	}
	return out
}

// Join 按顺序拼接片段；Join(Split(b, n)) == b。
func Join(chunks [][]byte) []byte {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	out := make([]byte, 0, n)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// Writer 以固定片长与片间延迟将载荷写入底层 io.Writer。
// 自身不加锁：多个 Writer 共享同一底层连接时，片段交错顺序不确定。
type Writer struct {
	W     io.Writer
	Size  int
	Delay time.Duration
	// OnChunk 每成功写出一片后回调（可选，用于日志/测试）。
	OnChunk func(n int)
}

// WriteAll 逐片写出 b；返回已写字节数。片间等待可被 ctx 打断，片内写出不可打断。
func (w *Writer) WriteAll(ctx context.Context, b []byte) (int, error) {
	if w.W == nil {
		return 0, fmt.Errorf("chunk: nil writer")
	}
	chunks := Split(b, w.Size)
	written := 0
	for i, c := range chunks {
		n, err := w.W.Write(c)
		written += n
		if err != nil {
			return written, err
		}
		if n != len(c) {
			return written, io.ErrShortWrite
		}
		if w.OnChunk != nil {
			w.OnChunk(n)
		}
		if i == len(chunks)-1 || w.Delay <= 0 {
			continue
		}
		t := time.NewTimer(w.Delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return written, ctx.Err()
		case <-t.C:
		}
	}
	return written, nil
}

// Frame 为载荷加上 4 字节大端长度前缀，使共享连接上的消息可被无歧义地还原。
func Frame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

// ReadFrame 读取一个由 Frame 编码的消息；干净的流结束返回 io.EOF。
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("frame header: %w", err)
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrame {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("frame body: %w", err)
	}
	return buf, nil
}
