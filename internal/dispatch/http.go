package dispatch

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/net/http2"

	"aidispatch/pkg/contract"
)

// maxBody 单个响应体读取上限。
const maxBody = 8 << 20

// runHTTP 实现 thread 与 task 策略：每个载荷一个 goroutine，join-all 后返回。
// thread：每个 goroutine 自建 http.Client（独立连接）。
// task：所有 goroutine 共享同一个批次级 http.Client，批次结束即释放空闲连接。
func (d *Dispatcher) runHTTP(ctx context.Context, b *Batch, payloads []Payload) []Result {
	results := make([]Result, len(payloads))
	var shared *http.Client
	if d.set.Strategy == StrategyTask {
		shared = d.newClient(len(payloads))
		defer shared.CloseIdleConnections()
	}
	var wg sync.WaitGroup
	for i, p := range payloads {
		wg.Add(1)
		go func(i int, p Payload) {
			defer wg.Done()
			hc := shared
			if hc == nil {
				hc = d.newClient(1)
				defer hc.CloseIdleConnections()
			}
			results[i] = d.send(ctx, hc, p)
			d.finish(ctx, b, results[i])
		}(i, p)
	}
	wg.Wait()
	return results
}

// newClient 构造带整体超时的客户端；task 策略的传输层额外启用 x/net/http2。
func (d *Dispatcher) newClient(conns int) *http.Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   d.set.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:     d.set.TLSConfig.Clone(),
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConnsPerHost: conns,
		IdleConnTimeout:     90 * time.Second,
	}
	if d.set.Strategy == StrategyTask {
		// 失败时退回 HTTP/1.1 连接池
		if err := http2.ConfigureTransport(tr); err != nil {
			d.logger.Warn("dispatch", "http2 unavailable: "+err.Error(), nil)
		}
	}
	return &http.Client{Transport: tr, Timeout: d.set.Timeout}
}

// send 执行单个请求，总是返回终态结果。
func (d *Dispatcher) send(ctx context.Context, hc *http.Client, p Payload) Result {
	t := newTracker(p)
	if err := ctx.Err(); err != nil {
		return t.fail(err)
	}
	// 发出后不随父 ctx 取消，仅受 client 超时约束
	req, err := d.comp.Codec.NewRequest(context.WithoutCancel(ctx), contract.TextPrompt(p.Text))
	if err != nil {
		return t.fail(err)
	}
	t.move(StateInFlight)
	resp, err := hc.Do(req)
	if err != nil {
		return t.fail(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	t.res.Status = resp.StatusCode
	t.res.Body = body
	if err != nil {
		return t.fail(err)
	}
	if d.set.Decode {
		raw, err := d.comp.Codec.DecodeResponse(resp.StatusCode, body)
		if err != nil {
			return t.fail(err)
		}
		t.res.Text = raw.Text
		return t.complete()
	}
	if resp.StatusCode/100 != 2 {
		return t.fail(&contract.StatusError{Provider: "endpoint", Status: resp.StatusCode, Msg: excerpt(body)})
	}
	return t.complete()
}

// excerpt 截取响应体前 512 字节用于错误信息，截断点退回到 rune 起始处。
func excerpt(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= 512 {
		return s
	}
	cut := 512
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
