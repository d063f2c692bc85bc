package chunk

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestSplitJoin(t *testing.T) {
	cases := []struct {
		name  string
		in    []byte
		size  int
		count int
	}{
		{"5000 by 1000", bytes.Repeat([]byte("A"), 5000), 1000, 5},
		{"ragged tail", []byte("abcdefg"), 3, 3},
		{"smaller than size", []byte("ab"), 10, 1},
		{"default size", bytes.Repeat([]byte("x"), 2500), 0, 3},
		{"empty", nil, 4, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			parts := Split(c.in, c.size)
			if len(parts) != c.count {
				t.Fatalf("片数不符: got %d want %d", len(parts), c.count)
			}
			if !bytes.Equal(Join(parts), c.in) {
				t.Fatalf("Join(Split(b)) != b")
			}
		})
	}
}

// 片段不应通过 append 越界改写相邻片
func TestSplitCapped(t *testing.T) {
	b := []byte("aaabbb")
	parts := Split(b, 3)
	_ = append(parts[0], 'X')
	if string(parts[1]) != "bbb" {
		t.Fatalf("相邻片被改写: %q", parts[1])
	}
}

func TestWriterPacing(t *testing.T) {
	var buf bytes.Buffer
	var sizes []int
	w := &Writer{W: &buf, Size: 1000, Delay: 5 * time.Millisecond, OnChunk: func(n int) { sizes = append(sizes, n) }}
	start := time.Now()
	n, err := w.WriteAll(context.Background(), bytes.Repeat([]byte("J"), 5000))
	if err != nil || n != 5000 {
		t.Fatalf("写出失败: n=%d err=%v", n, err)
	}
	if len(sizes) != 5 {
		t.Fatalf("应写出 5 片: %v", sizes)
	}
	// 4 次片间延迟
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("片间延迟未生效")
	}
	if buf.String() != strings.Repeat("J", 5000) {
		t.Fatalf("内容不符")
	}
}

func TestWriterCanceledBetweenChunks(t *testing.T) {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{W: &buf, Size: 2, Delay: time.Hour, OnChunk: func(int) { cancel() }}
	n, err := w.WriteAll(ctx, []byte("abcdef"))
	if !errors.Is(err, context.Canceled) || n != 2 {
		t.Fatalf("应在首片后取消: n=%d err=%v", n, err)
	}
}

type errWriter struct{}

func (errWriter) Write(p []byte) (int, error) { return 0, io.ErrClosedPipe }

func TestWriterError(t *testing.T) {
	w := &Writer{W: errWriter{}, Size: 4}
	if _, err := w.WriteAll(context.Background(), []byte("abcdef")); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("应返回底层错误: %v", err)
	}
	if _, err := (&Writer{}).WriteAll(context.Background(), []byte("a")); err == nil {
		t.Fatalf("nil writer 应报错")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(Frame([]byte(strings.Repeat("J", 5000))))
	stream.Write(Frame([]byte(strings.Repeat("T", 5000))))
	stream.Write(Frame(nil))
	for _, want := range []string{strings.Repeat("J", 5000), strings.Repeat("T", 5000), ""} {
		got, err := ReadFrame(&stream)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if string(got) != want {
			t.Fatalf("帧内容不符: len=%d", len(got))
		}
	}
	if _, err := ReadFrame(&stream); !errors.Is(err, io.EOF) {
		t.Fatalf("流结束应返回 EOF: %v", err)
	}
}

func TestReadFrameErrors(t *testing.T) {
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0})); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("截断头: %v", err)
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 5, 'a'})); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("截断体: %v", err)
	}
	if _, err := ReadFrame(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("超长帧: %v", err)
	}
}
