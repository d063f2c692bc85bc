package echo

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"aidispatch/internal/diag"
	"aidispatch/internal/dispatch"
	"aidispatch/pkg/contract"
	gmi "aidispatch/plugins/llmclient/gemini"
)

func init() { gin.SetMode(gin.TestMode) }

func quiet() *diag.Logger { return diag.NewLoggerTo(io.Discard, "test", "debug") }

func TestRouterEchoAndHealth(t *testing.T) {
	r := NewRouter(Options{}, quiet())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Fatalf("healthz: %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/x:generateContent?key=k", strings.NewReader("payload"))
	req.Header.Set("Content-Type", "text/plain")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "payload" {
		t.Fatalf("echo: %d %q", w.Code, w.Body.String())
	}
}

func TestRouterFailOn(t *testing.T) {
	r := NewRouter(Options{FailOn: "B"}, quiet())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("BBB")))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("应返回 500: %d", w.Code)
	}
}

// gemini 模式产出可被 gemini 解码器识别的响应。
func TestRouterGeminiMode(t *testing.T) {
	srv := httptest.NewServer(NewRouter(Options{Mode: ModeGemini}, quiet()))
	defer srv.Close()
	c, err := gmi.New(json.RawMessage(`{"base_url":"` + srv.URL + `","api_key":"k"}`))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	raw, err := c.Invoke(context.Background(), contract.TextPrompt("ping"))
	if err != nil || raw.Text != "ping" {
		t.Fatalf("invoke: %q %v", raw.Text, err)
	}
}

func TestExtractText(t *testing.T) {
	cases := map[string]string{
		`{"contents":[{"parts":[{"text":"a"},{"text":"b"}]}]}`: "a\n\nb",
		`{"messages":[{"role":"user","content":"hi"}]}`:         "hi",
		`not json`: "not json",
		`{}`:       "{}",
	}
	for in, want := range cases {
		if got := extractText([]byte(in)); got != want {
			t.Fatalf("extractText(%s)=%q want %q", in, got, want)
		}
	}
}

// 两个载荷经 thread 策略发往 gin 回显端点：各自得到 200 与回显内容。
func TestDispatchAgainstEcho(t *testing.T) {
	srv := httptest.NewServer(NewRouter(Options{}, quiet()))
	defer srv.Close()
	c, _ := gmi.New(json.RawMessage(`{"base_url":"` + srv.URL + `","api_key":"k"}`))
	d, err := dispatch.New(dispatch.Components{Codec: c}, dispatch.Settings{Strategy: dispatch.StrategyThread}, quiet())
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	a, b := strings.Repeat("A", 5000), strings.Repeat("B", 5000)
	batch, _ := d.Run(context.Background(), dispatch.NewPayloads("Task", a, b))
	for i, want := range []string{a, b} {
		r := batch.Results[i]
		if !r.OK() || r.Status != 200 || !strings.Contains(string(r.Body), want) {
			t.Fatalf("结果 %d 不符: %.60s", i, r.Line())
		}
	}
}

func TestServeRawCountsBytes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeRaw(ctx, ln, 50*time.Millisecond, quiet()) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_, _ = conn.Write([]byte(strings.Repeat("J", 3000)))
	_, _ = conn.Write([]byte(strings.Repeat("T", 2000)))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, _ := io.ReadAll(conn)
	conn.Close()
	if string(reply) != "received 5000 bytes" {
		t.Fatalf("回复不符: %q", reply)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}
}

// 共享连接策略对原始端点：读取到计数回复。
func TestChunkedAgainstServeRaw(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ServeRaw(ctx, ln, 200*time.Millisecond, quiet())

	d, err := dispatch.New(dispatch.Components{}, dispatch.Settings{
		Strategy:    dispatch.StrategyChunked,
		Addr:        ln.Addr().String(),
		PlainTCP:    true,
		ChunkDelay:  time.Millisecond,
		ReadTimeout: 2 * time.Second,
	}, quiet())
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	b, _ := d.Run(context.Background(), dispatch.NewPayloads("Writer", strings.Repeat("J", 5000), strings.Repeat("T", 5000)))
	if b.Failed() != 0 || b.Reply == nil || string(b.Reply.Data) != "received 10000 bytes" {
		t.Fatalf("结果不符: failed=%d reply=%+v", b.Failed(), b.Reply)
	}
}

func TestRunRequiresAddress(t *testing.T) {
	if err := Run(context.Background(), Options{}, quiet()); err == nil {
		t.Fatalf("无地址应报错")
	}
}
