package main

import (
	"bufio"
	"os"
	"strings"
)

// loadDotEnv 读取简单的 .env 文件格式并注入进程环境。
// 规则：
// - 忽略不存在的文件；无法读取时返回错误（但调用处可忽略）。
// - 跳过空行与以 # 开头的行；支持可选的前缀 "export ".
// - 仅按首个 '=' 分割；key 为左侧去空白；value 去首尾空白；
// - 若 value 被成对的单/双引号包裹，则去除外层引号；双引号内常见转义 \n/\t/\\/\" 作最小处理。
// - 不覆盖已存在的环境变量（保持系统/调用者优先）。
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		val = unquote(strings.TrimSpace(val))
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

func unquote(val string) string {
	if len(val) < 2 {
		return val
	}
	q := val[0]
	if (q != '\'' && q != '"') || val[len(val)-1] != q {
		return val
	}
	val = val[1 : len(val)-1]
	if q == '"' {
		val = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r", `\"`, `"`, `\\`, `\`).Replace(val)
	}
	return val
}

// normalizeInitArg: 允许 --init-config 在未提供路径值时采用默认值当前目录 "."。
//
//	--init-config                => 等价于 --init-config .
//	--init-config=out
//	--init-config out
func normalizeInitArg(args []string) []string {
	out := make([]string, 0, len(args)+1)
	for i, a := range args {
		out = append(out, a)
		if a != "--init-config" && a != "-init-config" {
			continue
		}
		if i == len(args)-1 || strings.HasPrefix(args[i+1], "-") {
			out = append(out, ".")
		}
	}
	return out
}

// dotEnvTemplate 为 --init-config 生成的 .env 内容。
const dotEnvTemplate = `# aidispatch .env 模板（由 --init-config 生成）
# 优先级：CLI > ENV(.env) > 配置文件
# 空值表示未设置。

# 配置来源（可二选一）
AIDISPATCH_CONFIG_FILE=
AIDISPATCH_CONFIG_JSON=

# 通用
AIDISPATCH_LLM=
AIDISPATCH_LOGGING_LEVEL=

# 提示词
AIDISPATCH_PROMPT_CONTEXT_FILE=
AIDISPATCH_PROMPT_SYSTEM_INSTRUCTION_FILE=
AIDISPATCH_PROMPT_MAX_TOKENS=

# 并发调度
AIDISPATCH_DISPATCH_STRATEGY=
AIDISPATCH_DISPATCH_PROVIDER=
AIDISPATCH_DISPATCH_DECODE=
AIDISPATCH_DISPATCH_TIMEOUT_SECONDS=
AIDISPATCH_DISPATCH_SIZE=
AIDISPATCH_DISPATCH_HOST=
AIDISPATCH_DISPATCH_PORT=
AIDISPATCH_DISPATCH_PLAIN_TCP=
# 片间等待毫秒数；0 表示不等待
AIDISPATCH_DISPATCH_CHUNK_DELAY_MS=
AIDISPATCH_DISPATCH_SAVE_DIR=

# 结果日志（MySQL DSN，例如 user:pass@tcp(127.0.0.1:3306)/aidispatch）
AIDISPATCH_JOURNAL_DSN=

# Provider 覆盖
AIDISPATCH_PROVIDER__gemini__CLIENT=
AIDISPATCH_PROVIDER__gemini__OPTIONS_JSON=
AIDISPATCH_PROVIDER__openai__CLIENT=
AIDISPATCH_PROVIDER__openai__OPTIONS_JSON=

# 供应商 API Key（由 provider 客户端读取，不经 AIDISPATCH_ 前缀）
GEMINI_API_KEY=
OPENAI_API_KEY=
`

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
func writeDotEnv(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(dotEnvTemplate)
	return err
}
