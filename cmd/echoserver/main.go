// Command echoserver 启动本地模拟端点：HTTP 回显（gin）与原始 TCP 计数回复，供 dispatch 离线演练。
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"

	cfgpkg "aidispatch/internal/config"
	"aidispatch/internal/diag"
	"aidispatch/internal/echo"
)

var (
	echoRun           = echo.Run
	stderr  io.Writer = os.Stderr
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	start := time.Now()
	fs := flag.NewFlagSet("echoserver", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		flagConfig string
		flagHTTP   string
		flagRaw    string
		flagMode   string
		flagFailOn string
		flagDelay  int
	)
	fs.StringVar(&flagConfig, "config", "", "配置文件路径（.json 或 .yaml），读取 echo 段")
	fs.StringVar(&flagHTTP, "http", "", "HTTP 监听地址（覆盖 echo.http_addr）")
	fs.StringVar(&flagRaw, "raw", "", "原始 TCP 监听地址（覆盖 echo.raw_addr）")
	fs.StringVar(&flagMode, "mode", "", "回显模式 raw|gemini|openai")
	fs.StringVar(&flagFailOn, "fail-on", "", "请求体包含该子串时返回 500")
	fs.IntVar(&flagDelay, "delay-ms", 0, "每个 HTTP 回复前的等待（毫秒）")
	if err := fs.Parse(args); err != nil {
		return 3
	}

	cfg := cfgpkg.Defaults()
	if flagConfig != "" {
		base, err := cfgpkg.Load(flagConfig)
		if err != nil {
			fmt.Fprintf(stderr, "配置解析失败: %v\n", err)
			return 3
		}
		cfg = cfgpkg.Merge(cfg, base)
	}
	over, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		fmt.Fprintf(stderr, "环境变量解析失败: %v\n", err)
		return 3
	}
	cfg = cfgpkg.Merge(cfg, over)
	cfg = cfgpkg.Merge(cfg, cfgpkg.Config{Echo: cfgpkg.Echo{
		HTTPAddr: flagHTTP, RawAddr: flagRaw, Mode: flagMode, FailOn: flagFailOn, DelayMS: flagDelay,
	}})
	if err := cfgpkg.Validate(cfg); err != nil {
		fmt.Fprintf(stderr, "配置校验失败: %v\n", err)
		return 3
	}

	logger := diag.NewLoggerNamed("echoserver", uuid.NewString(), cfg.Logging.Level)
	opts := cfgpkg.EchoOptions(cfg)
	fmt.Fprintf(stderr, "[echo] http=%s raw=%s mode=%s\n", opts.HTTPAddr, opts.RawAddr, opts.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	t := logger.Start("echo", "serve")
	if err := echoRun(ctx, opts, logger); err != nil {
		logger.Error("echo", diag.Classify(err), err.Error(), &start)
		fmt.Fprintf(stderr, "运行失败: %v\n", err)
		return 1
	}
	t.Finish("serve", 0)
	return 0
}
