// Package echo 提供本地联调用的模拟端点：HTTP 回显与原始 TCP 计数。
package echo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"aidispatch/internal/diag"
)

// 回显模式。
const (
	ModeRaw    = "raw"    // 原样回显请求体
	ModeGemini = "gemini" // 包装为 generateContent 响应形状
	ModeOpenAI = "openai" // 包装为 chat/completions 响应形状
)

const maxBody = 16 << 20

// Options 模拟端点配置。
type Options struct {
	HTTPAddr string
	RawAddr  string
	Mode     string
	// FailOn 非空时，请求体包含该子串则返回 500。
	FailOn string
	// Delay 每个 HTTP 请求回复前的等待。
	Delay time.Duration
	// RawIdle 原始连接在无数据多久后回复计数。
	RawIdle time.Duration
}

func (o *Options) defaults() {
	if o.Mode == "" {
		o.Mode = ModeRaw
	}
	if o.RawIdle <= 0 {
		o.RawIdle = 500 * time.Millisecond
	}
}

// NewRouter 构造 gin 路由：POST /*path 回显，GET /healthz 探活。
func NewRouter(opts Options, logger *diag.Logger) *gin.Engine {
	opts.defaults()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(accessLog(logger))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": opts.Mode})
	})
	r.POST("/*path", func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if opts.FailOn != "" && strings.Contains(string(body), opts.FailOn) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "simulated failure"})
			return
		}
		if opts.Delay > 0 {
			select {
			case <-time.After(opts.Delay):
			case <-c.Request.Context().Done():
				return
			}
		}
		switch opts.Mode {
		case ModeGemini:
			c.JSON(http.StatusOK, gin.H{"candidates": []gin.H{{"content": gin.H{"parts": []gin.H{{"text": extractText(body)}}}}}})
		case ModeOpenAI:
			c.JSON(http.StatusOK, gin.H{"choices": []gin.H{{"message": gin.H{"role": "assistant", "content": extractText(body)}}}})
		default:
			ct := c.ContentType()
			if ct == "" {
				ct = "application/octet-stream"
			}
			c.Data(http.StatusOK, ct, body)
		}
	})
	return r
}

// extractText 从 Gemini/OpenAI 请求体中取出全部文本；非 JSON 原样返回。
func extractText(body []byte) string {
	var req struct {
		Contents []struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"contents"`
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return string(body)
	}
	var parts []string
	for _, c := range req.Contents {
		for _, p := range c.Parts {
			parts = append(parts, p.Text)
		}
	}
	for _, m := range req.Messages {
		parts = append(parts, m.Content)
	}
	if len(parts) == 0 {
		return string(body)
	}
	return strings.Join(parts, "\n\n")
}

func accessLog(logger *diag.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("echo", "request", map[string]string{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": strconv.Itoa(c.Writer.Status()),
			"bytes":  strconv.FormatInt(c.Request.ContentLength, 10),
			"dur_ms": strconv.FormatInt(time.Since(start).Milliseconds(), 10),
		})
		diag.IncOp("echo", "request", strconv.Itoa(c.Writer.Status()))
	}
}

// ServeRaw 接受原始 TCP 连接：持续读取直到空闲 idle，回复 "received N bytes" 后关闭。
// ctx 取消时关闭监听并等待在途连接结束。
func ServeRaw(ctx context.Context, ln net.Listener, idle time.Duration, logger *diag.Logger) error {
	if idle <= 0 {
		idle = 500 * time.Millisecond
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("raw accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			n := drain(conn, idle)
			logger.Debug("echo", "raw connection", map[string]string{"remote": conn.RemoteAddr().String(), "bytes": strconv.FormatInt(n, 10)})
			diag.IncOp("echo", "raw", "success")
			_ = conn.SetWriteDeadline(time.Now().Add(idle))
			_, _ = fmt.Fprintf(conn, "received %d bytes", n)
		}()
	}
}

// drain 读到空闲超时或对端关闭为止，返回总字节数。
func drain(conn net.Conn, idle time.Duration) int64 {
	buf := make([]byte, 32<<10)
	var total int64
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		n, err := conn.Read(buf)
		total += int64(n)
		if err != nil {
			return total
		}
	}
}

// Run 同时启动 HTTP 与原始端点（地址为空则跳过）。任一端点出错或 ctx 取消后整体优雅退出。
func Run(ctx context.Context, opts Options, logger *diag.Logger) error {
	opts.defaults()
	if opts.HTTPAddr == "" && opts.RawAddr == "" {
		return errors.New("echo: no address to listen on")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 2)
	var srv *http.Server
	if opts.RawAddr != "" {
		ln, err := net.Listen("tcp", opts.RawAddr)
		if err != nil {
			return fmt.Errorf("raw listen: %w", err)
		}
		go func() { errc <- ServeRaw(ctx, ln, opts.RawIdle, logger) }()
	}
	if opts.HTTPAddr != "" {
		srv = &http.Server{Addr: opts.HTTPAddr, Handler: NewRouter(opts, logger), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("http: %w", err)
				return
			}
			errc <- nil
		}()
	}
	var first error
	select {
	case <-ctx.Done():
	case first = <-errc:
	}
	cancel()
	if srv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = srv.Shutdown(sctx)
	}
	return first
}
