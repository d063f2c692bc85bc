package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"aidispatch/internal/chat"
	cfgpkg "aidispatch/internal/config"
	"aidispatch/internal/diag"
	"aidispatch/internal/dispatch"
	"aidispatch/internal/journal"
	"aidispatch/internal/output"
	"aidispatch/internal/prompt"
)

// 测试替换点。
var (
	dispatchRun = func(ctx context.Context, comp dispatch.Components, set dispatch.Settings, logger *diag.Logger, payloads []dispatch.Payload) (*dispatch.Batch, error) {
		d, err := dispatch.New(comp, set, logger)
		if err != nil {
			return nil, err
		}
		return d.Run(ctx, payloads)
	}
	openJournal = func(ctx context.Context, o journal.Options) (recorder, error) {
		return journal.Open(ctx, o)
	}

	stdin  io.Reader = os.Stdin
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// recorder 为可关闭的结果日志。
type recorder interface {
	dispatch.Recorder
	Close() error
}

// 退出码
const (
	exitOK     = 0
	exitFail   = 1 // 前置条件或请求失败
	exitConfig = 3 // 配置解析/校验失败
)

const usage = `用法: aidispatch [ask|dispatch|chat|check-env] [flags]

  ask        发送单个提示词并打印回复（默认子命令）
  dispatch   以 thread|task|chunked 策略并发发送一批负载
  chat       交互式对话（exit/quit 退出）
  check-env  检查 provider 凭据环境变量
`

func main() {
	os.Exit(run(os.Args[1:]))
}

// cliFlags 汇总全部子命令的旗标；各子命令只注册自己用到的部分。
type cliFlags struct {
	config  string
	llm     string
	initDir string
	status  bool

	// ask
	prompt      string
	useContext  bool
	contextFile string
	useChatGPT  bool
	useGenAI    bool
	maxTokens   int
	output      string

	// dispatch
	strategy string
	decode   bool
	size     int
	host     string
	port     int
	plain    bool
	saveDir  string

	// chat
	name string
}

func (f *cliFlags) register(fs *flag.FlagSet, cmd string) {
	fs.StringVar(&f.config, "config", "", "配置文件路径（.json 或 .yaml）；缺省读取 ./config.json 或 ./config.yaml（若存在）")
	fs.StringVar(&f.initDir, "init-config", "", "在指定目录生成默认配置 config.json 和 .env 模板（若已存在则跳过，不覆盖）；不带值时默认当前目录")
	switch cmd {
	case "ask":
		fs.StringVar(&f.llm, "llm", "", "provider 名称（覆盖配置）")
		fs.StringVar(&f.prompt, "prompt", "", "提示词；缺省时从 STDIN 读取")
		fs.BoolVar(&f.useContext, "use-context", false, "读取上下文文件并附带默认系统指令")
		fs.StringVar(&f.contextFile, "context-file", "", "上下文文件路径（默认 context.txt）")
		fs.BoolVar(&f.useChatGPT, "use-chatgpt", false, "使用 openai provider")
		fs.BoolVar(&f.useGenAI, "use-genai", false, "gemini 使用 SDK 风格布局（systemInstruction + 拼接内容）")
		fs.IntVar(&f.maxTokens, "max-tokens", 0, "提示词估算 token 上限（覆盖配置）")
		fs.StringVar(&f.output, "output", "", "另将回复原子写入该文件")
	case "dispatch":
		fs.StringVar(&f.llm, "llm", "", "thread/task 使用的 provider 名称（覆盖 dispatch.provider）")
		fs.StringVar(&f.strategy, "strategy", "", "并发策略 thread|task|chunked（覆盖配置）")
		fs.BoolVar(&f.decode, "decode", false, "按 provider 协议解码响应文本（默认打印原始状态与响应体）")
		fs.IntVar(&f.size, "size", 0, "默认负载的重复字符数（覆盖配置）")
		fs.StringVar(&f.host, "host", "", "chunked 策略目标主机（覆盖配置）")
		fs.IntVar(&f.port, "port", 0, "chunked 策略目标端口（覆盖配置）")
		fs.BoolVar(&f.plain, "plain", false, "chunked 策略使用明文 TCP（不做 TLS 包装）")
		fs.StringVar(&f.saveDir, "save-dir", "", "将每个结果另存为 <dir>/<batch_id>/<id>.txt（覆盖配置）")
		fs.BoolVar(&f.status, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
	case "chat":
		fs.StringVar(&f.llm, "llm", "", "provider 名称（覆盖配置）")
		fs.BoolVar(&f.useChatGPT, "use-chatgpt", false, "使用 openai provider")
		fs.StringVar(&f.name, "name", "", "回复前缀名称（默认按 provider 推导）")
	case "check-env":
		fs.StringVar(&f.llm, "llm", "", "provider 名称（覆盖配置）")
	}
}

func run(args []string) int {
	start := time.Now()
	corrID := uuid.NewString()
	// 在任何 ENV 读取前，尝试加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = loadDotEnv(".env")
	// 先用默认级别占位，合并配置后按最终 level 重建
	logger := diag.NewLogger(corrID, "info")

	cmd, rest := splitCommand(args)
	if cmd == "help" {
		fprintf(stdout, "%s", usage)
		return exitOK
	}
	var f cliFlags
	fs := flag.NewFlagSet("aidispatch "+cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	f.register(fs, cmd)
	if err := fs.Parse(normalizeInitArg(rest)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitConfig
	}

	if dir := strings.TrimSpace(f.initDir); dir != "" {
		if err := initConfig(dir); err != nil {
			fprintf(stderr, "生成默认配置失败: %v\n", err)
			logger.Error("config", diag.Classify(err), "init-config failed", &start)
			return exitConfig
		}
		return exitOK
	}

	cfg, err := loadConfig(f.config)
	if err != nil {
		fprintf(stderr, "配置解析失败: %v\n", err)
		logger.Error("config", diag.Classify(err), "first error", &start)
		return exitConfig
	}
	cfg, err = applyFlags(cfg, cmd, &f, fs)
	if err != nil {
		fprintf(stderr, "配置解析失败: %v\n", err)
		logger.Error("config", diag.Classify(err), "first error", &start)
		return exitConfig
	}
	if err := cfgpkg.Validate(cfg); err != nil {
		fprintf(stderr, "配置校验失败: %v\n", err)
		_ = dumpConfig(cfg)
		logger.Error("config", diag.Classify(err), "first error", &start)
		return exitConfig
	}
	logger = diag.NewLogger(corrID, cfg.Logging.Level)
	logEffective(logger, cmd, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch cmd {
	case "dispatch":
		return runDispatch(ctx, cfg, &f, logger, start)
	case "chat":
		return runChat(ctx, cfg, &f, logger, start)
	case "check-env":
		return runCheckEnv(cfg)
	default:
		return runAsk(ctx, cfg, &f, logger, start)
	}
}

// splitCommand 取出子命令；首个参数不是已知子命令时默认 ask。
func splitCommand(args []string) (string, []string) {
	if len(args) > 0 {
		switch args[0] {
		case "ask", "dispatch", "chat", "check-env", "help":
			return args[0], args[1:]
		}
	}
	return "ask", args
}

// loadConfig 依次叠加：默认值 < 配置文件/AIDISPATCH_CONFIG_JSON < AIDISPATCH_* 环境变量。
func loadConfig(path string) (cfgpkg.Config, error) {
	cfg := cfgpkg.Defaults()
	if path == "" {
		path = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if path == "" {
		for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
			if _, err := os.Stat(name); err == nil {
				path = name
				break
			}
		}
	}
	var (
		base cfgpkg.Config
		err  error
	)
	if raw := os.Getenv(cfgpkg.EnvPrefix + "CONFIG_JSON"); raw != "" {
		base, err = cfgpkg.LoadJSON("", []byte(raw))
	} else if path != "" {
		base, err = cfgpkg.Load(path)
	}
	if err != nil {
		return cfg, err
	}
	cfg = cfgpkg.Merge(cfg, base)
	over, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, err
	}
	return cfgpkg.Merge(cfg, over), nil
}

// applyFlags 将显式设置过的旗标叠加到配置之上（CLI 优先级最高）。
func applyFlags(cfg cfgpkg.Config, cmd string, f *cliFlags, fs *flag.FlagSet) (cfgpkg.Config, error) {
	set := map[string]bool{}
	fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })

	var over cfgpkg.Config
	if f.useChatGPT {
		over.LLM = "openai"
	}
	switch cmd {
	case "ask", "chat", "check-env":
		if f.llm != "" {
			over.LLM = f.llm
		}
	case "dispatch":
		over.Dispatch.Provider = f.llm
		over.Dispatch.Strategy = f.strategy
		over.Dispatch.Size = f.size
		over.Dispatch.Host = f.host
		over.Dispatch.Port = f.port
		over.Dispatch.SaveDir = f.saveDir
		if set["decode"] {
			over.Dispatch.Decode = &f.decode
		}
		if set["plain"] {
			over.Dispatch.PlainTCP = &f.plain
		}
	}
	over.Prompt.ContextFile = f.contextFile
	over.Prompt.MaxTokens = f.maxTokens
	cfg = cfgpkg.Merge(cfg, over)

	if cmd != "ask" || !(f.useGenAI || f.useContext) {
		return cfg, nil
	}
	// gemini 的上下文模式与 --use-genai 采用 SDK 风格：系统指令单独下发，上下文与提示词拼接。
	if p, ok := cfg.Provider[cfg.LLM]; !ok || p.Client != "gemini" {
		return cfg, nil
	}
	if cfg.Prompt.Style == "" {
		cfg.Prompt.Style = string(prompt.StyleJoined)
	}
	return cfgpkg.SetProviderOption(cfg, cfg.LLM, "layout", "joined")
}

func runAsk(ctx context.Context, cfg cfgpkg.Config, f *cliFlags, logger *diag.Logger, start time.Time) int {
	client, err := cfgpkg.AssembleLLM(cfg)
	if err != nil {
		return fail(logger, "ask", err, start, "Error: %v\n", err)
	}
	opts := cfgpkg.PromptOptions(cfg)
	opts.Prompt = f.prompt
	opts.UseContext = f.useContext
	p, err := prompt.NewBuilder(opts).Build(stdin)
	if err != nil {
		return fail(logger, "ask", err, start, "Error: %v\n", err)
	}
	n, err := prompt.CheckLimit(p, cfg.Prompt.BytesPerToken, cfg.Prompt.MaxTokens)
	if err != nil {
		return fail(logger, "ask", err, start, "Error: %v\n", err)
	}
	logger.Debug("ask", "prompt built", map[string]string{"est_tokens": fmt.Sprint(n), "llm": cfg.LLM})

	fprintf(stderr, "Sending prompt to AI...\n")
	t := logger.StartWith("ask", "invoke", "", "")
	raw, err := client.Invoke(ctx, p)
	if err != nil {
		diag.IncOp("ask", "invoke", "error")
		return fail(logger, "ask", err, start, "Failed to get response from AI: %v\n", err)
	}
	t.Finish("invoke", 1)
	diag.IncOp("ask", "invoke", "success")
	diag.ObserveDuration("ask", "invoke", time.Since(start).Milliseconds())

	bar := strings.Repeat("=", 50)
	fprintf(stdout, "\n%s\nAI Response:\n%s\n%s\n", bar, bar, raw.Text)
	if f.output != "" {
		if err := output.WriteFile(ctx, f.output, []byte(raw.Text)); err != nil {
			return fail(logger, "ask", err, start, "Error: 写入 %s 失败: %v\n", f.output, err)
		}
		logger.Debug("ask", "reply saved", map[string]string{"path": f.output})
	}
	return exitOK
}

func runDispatch(ctx context.Context, cfg cfgpkg.Config, f *cliFlags, logger *diag.Logger, start time.Time) int {
	set, codec, err := cfgpkg.AssembleDispatch(cfg)
	if err != nil {
		return fail(logger, "dispatch", err, start, "装配失败: %v\n", err)
	}
	comp := dispatch.Components{
		Codec:    codec,
		Printer:  &dispatch.LinePrinter{W: stdout},
		Terminal: diag.NewTerminal(stderr, f.status),
	}
	var recs dispatch.Recorders
	if cfg.Dispatch.SaveDir != "" {
		w, err := output.New(output.Options{Dir: cfg.Dispatch.SaveDir})
		if err != nil {
			return fail(logger, "dispatch", err, start, "装配失败: %v\n", err)
		}
		recs = append(recs, w)
	}
	if jo := cfgpkg.JournalOptions(cfg); jo.DSN != "" {
		jctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		j, err := openJournal(jctx, jo)
		cancel()
		if err != nil {
			// 结果日志为可选项：不可用时继续调度，仅提示
			fprintf(stderr, "提示：结果日志不可用（已跳过）：%v\n", err)
			logger.Warn("journal", "open failed", map[string]string{"error": err.Error()})
		} else {
			defer j.Close()
			recs = append(recs, j)
		}
	}
	if len(recs) > 0 {
		comp.Recorder = recs
	}

	batch, err := dispatchRun(ctx, comp, set, logger, cfgpkg.Payloads(cfg))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			fprintf(stderr, "调度失败: %v\n", err)
		}
		logger.Error("dispatch", diag.Classify(err), "first error", &start)
		return exitFail
	}
	// 单个请求失败仅作提示，批次完成即返回 0
	logger.Debug("dispatch", "batch done", map[string]string{
		"batch_id": batch.ID,
		"results":  fmt.Sprint(len(batch.Results)),
		"failed":   fmt.Sprint(batch.Failed()),
	})
	return exitOK
}

func runChat(ctx context.Context, cfg cfgpkg.Config, f *cliFlags, logger *diag.Logger, start time.Time) int {
	client, err := cfgpkg.AssembleLLM(cfg)
	if err != nil {
		return fail(logger, "chat", err, start, "Error: %v\n", err)
	}
	name := f.name
	if name == "" {
		name = displayName(cfg.Provider[cfg.LLM].Client)
	}
	s := &chat.Session{Client: client, Name: name, In: stdin, Out: stdout, Logger: logger}
	if err := s.Run(ctx); err != nil {
		return fail(logger, "chat", err, start, "Error: %v\n", err)
	}
	return exitOK
}

func displayName(client string) string {
	switch client {
	case "openai":
		return "ChatGPT"
	case "gemini":
		return "Gemini"
	default:
		return "AI"
	}
}

// runCheckEnv 报告各 provider 的凭据环境变量；当前 LLM 缺失凭据时返回 1。
func runCheckEnv(cfg cfgpkg.Config) int {
	fprintf(stdout, "Testing environment setup...\n")
	names := make([]string, 0, len(cfg.Provider))
	for n := range cfg.Provider {
		names = append(names, n)
	}
	sort.Strings(names)
	code := exitOK
	for _, n := range names {
		env := credentialEnv(cfg.Provider[n])
		if env == "" {
			continue
		}
		key := os.Getenv(env)
		if key == "" {
			fprintf(stdout, "[%s] %s is not set\n", n, env)
			if n == cfg.LLM {
				code = exitFail
			}
			continue
		}
		fprintf(stdout, "[%s] %s is set\n  Key length: %d characters\n  Starts with: %s...\n", n, env, len(key), maskKey(key))
	}
	if code == exitOK {
		fprintf(stdout, "\nEnvironment is ready!\n")
	} else {
		fprintf(stdout, "\nCredential for %q missing.\n", cfg.LLM)
	}
	return code
}

// credentialEnv 返回 provider 读取密钥的环境变量名；内联 api_key 或无需密钥时返回空。
func credentialEnv(p cfgpkg.Provider) string {
	var o struct {
		APIKey    string `json:"api_key"`
		APIKeyEnv string `json:"api_key_env"`
	}
	if len(p.Options) > 0 {
		_ = json.Unmarshal(p.Options, &o)
	}
	if o.APIKey != "" {
		return ""
	}
	if o.APIKeyEnv != "" {
		return o.APIKeyEnv
	}
	switch p.Client {
	case "gemini":
		return "GEMINI_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	default:
		return ""
	}
}

func maskKey(k string) string {
	if len(k) <= 4 {
		return strings.Repeat("*", len(k))
	}
	return k[:4]
}

// fail 统一输出错误、记录日志并映射退出码。
func fail(logger *diag.Logger, comp string, err error, start time.Time, format string, a ...any) int {
	code := diag.Classify(err)
	logger.Error(comp, code, "first error", &start)
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
	if !errors.Is(err, context.Canceled) {
		fprintf(stderr, format, a...)
	}
	return exitFail
}

func logEffective(logger *diag.Logger, cmd string, cfg cfgpkg.Config) {
	kv := map[string]string{
		"cmd":      cmd,
		"llm":      cfg.LLM,
		"strategy": cfg.Dispatch.Strategy,
		"journal":  fmt.Sprint(cfg.Journal.DSN != ""),
	}
	// 提取 Provider 关键信息（不含密钥）
	if p, ok := cfg.Provider[cfg.LLM]; ok {
		kv["provider_client"] = p.Client
		var s struct {
			BaseURL string `json:"base_url"`
			Model   string `json:"model"`
		}
		_ = json.Unmarshal(p.Options, &s)
		if s.BaseURL != "" {
			kv["base_url"] = s.BaseURL
		}
		if s.Model != "" {
			kv["model"] = s.Model
		}
	}
	logger.Debug("config", "effective", kv)
}

func fprintf(w io.Writer, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

func dumpConfig(c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	fprintf(stderr, "有效配置:\n%s\n", b)
	return nil
}

// initConfig 在目录下生成 config.json 与 .env 模板；config.json 已存在时报错。
func initConfig(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeConfig(filepath.Join(dir, "config.json"), cfgpkg.DefaultTemplateConfig()); err != nil {
		return err
	}
	if err := writeDotEnv(filepath.Join(dir, ".env")); err != nil {
		fprintf(stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
	}
	return nil
}

func writeConfig(path string, c cfgpkg.Config) error {
	b, err := cfgpkg.Marshal(c, path)
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = stdout.Write(b)
		return err
	}
	// 不覆盖已存在文件
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(b)
	return err
}
