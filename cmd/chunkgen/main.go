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
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	cfgpkg "chunkgen/internal/config"
	"chunkgen/internal/diag"
	"chunkgen/internal/pipeline"
	"chunkgen/internal/server"
	"chunkgen/pkg/contract"
	fsstore "chunkgen/plugins/store/filesystem"
)

var (
	pipelineRun = pipeline.Run
	serve       = func(ctx context.Context, s *server.Server) error { return s.ListenAndServe(ctx) }
	stdout      io.Writer = os.Stdout
)

// 默认子命令：读取输入 → 分块生成 → 输出拼接结果。
// --serve 时改为启动 HTTP 表单/JSON 前端。
func main() {
	os.Exit(run())
}

func run() int {
	start := time.Now()
	corrID := uuid.NewString()
	// .env 不覆盖已有 ENV
	_ = godotenv.Load(".env")
	logger := diag.NewLogger(corrID, "info")
	defer func() { _ = logger.Sync() }()

	var (
		flagConfig     string
		flagPrompt     string
		flagPromptFile string
		flagSeparator  string
		flagParallel   int
		flagChunkSize  int
		flagRPM        int
		flagMode       string
		flagLLM        string
		flagStore      string
		flagOut        string
		flagServe      bool
		flagAddr       string
		flagInitDir    string
		flagLogLevel   string
		flagHashKey    string
		flagStatus     bool
	)
	flag.StringVar(&flagConfig, "config", "", "配置文件路径（.json/.yaml）；缺省读取 ./config.json 或 ./config.yaml（若存在）")
	flag.StringVar(&flagPrompt, "prompt", "", "提示文本（覆盖配置）")
	flag.StringVar(&flagPromptFile, "prompt-file", "", "从文件读取提示文本")
	flag.StringVar(&flagSeparator, "separator", "", `分隔符，支持转义（如 "\n\n"）`)
	flag.IntVar(&flagParallel, "parallel", 0, "并发请求数（覆盖配置）")
	flag.IntVar(&flagChunkSize, "chunk-size", 0, "分块尺寸（字符，含提示开销）")
	flag.IntVar(&flagRPM, "rpm", 0, "每分钟最大请求数（覆盖配置）")
	flag.StringVar(&flagMode, "mode", "", "调度模式 batch|pool")
	flag.StringVar(&flagLLM, "llm", "", "provider 名称（覆盖配置）")
	flag.StringVar(&flagStore, "store", "", "工件存储 fs|redis|postgres（覆盖配置）")
	flag.StringVar(&flagOut, "out", "", `输出文件；缺省或 "-" 写 STDOUT`)
	flag.BoolVar(&flagServe, "serve", false, "启动 HTTP 服务")
	flag.StringVar(&flagAddr, "addr", "", "HTTP 监听地址（覆盖配置）")
	flag.StringVar(&flagInitDir, "init-config", "", "在指定目录生成 config.json 与 .env 模板（不覆盖）；不带值时为当前目录")
	flag.StringVar(&flagLogLevel, "log-level", "", "日志级别 debug|info|warn|error")
	flag.StringVar(&flagHashKey, "hash-api-key", "", "输出 API Key 的 bcrypt 哈希（用于 server.api_key_hash）后退出")
	flag.BoolVar(&flagStatus, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
	normalizeInitArg()
	flag.Parse()

	if flagHashKey != "" {
		h, err := server.HashAPIKey(flagHashKey)
		if err != nil {
			fprintf(os.Stderr, "生成哈希失败: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, h)
		return 0
	}

	if dir := strings.TrimSpace(flagInitDir); dir != "" {
		if err := initConfig(dir); err != nil {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			logger.Error("config", string(diag.Classify(err)), "init failed", &start)
			return 3
		}
		return 0
	}

	if flagConfig == "" {
		flagConfig = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if flagConfig == "" {
		flagConfig = defaultConfigPath()
	}

	cfg := cfgpkg.Defaults()
	if flagConfig != "" {
		base, err := cfgpkg.Load(flagConfig)
		if err != nil {
			fprintf(os.Stderr, "配置解析失败: %v\n", err)
			logger.Error("config", string(diag.Classify(err)), "load failed", &start)
			return 3
		}
		cfg = cfgpkg.Merge(cfg, base)
	}
	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		fprintf(os.Stderr, "环境变量解析失败: %v\n", err)
		logger.Error("config", string(diag.Classify(err)), "env overlay failed", &start)
		return 3
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	var overCLI cfgpkg.Config
	if set["prompt"] {
		overCLI.Prompt = flagPrompt
	}
	if set["prompt-file"] {
		overCLI.PromptFile = flagPromptFile
	}
	if set["separator"] {
		sep := cfgpkg.UnescapeSeparator(flagSeparator)
		overCLI.Separator = &sep
	}
	overCLI.ParallelRequests = flagParallel
	overCLI.ChunkSize = flagChunkSize
	overCLI.MaxRequestsPerMinute = flagRPM
	overCLI.DispatchMode = flagMode
	overCLI.LLM = flagLLM
	overCLI.Store.Name = flagStore
	overCLI.Logging.Level = flagLogLevel
	overCLI.Server.Addr = flagAddr
	if args := flag.Args(); len(args) > 0 {
		overCLI.Input = args[0]
	}
	cfg = cfgpkg.Merge(cfg, overCLI)
	if set["prompt"] {
		// 显式 prompt 优先于配置中的 prompt_file
		cfg.PromptFile = ""
	}
	if set["parallel"] && flagParallel < 1 {
		cfg.ParallelRequests = flagParallel
	}

	if err := cfgpkg.Validate(cfg); err != nil {
		fprintf(os.Stderr, "配置校验失败: %v\n", err)
		_ = dumpConfig(cfg)
		logger.Error("config", string(diag.Classify(err)), "validate failed", &start)
		return 3
	}

	level := strings.TrimSpace(cfg.Logging.Level)
	_ = logger.Sync()
	if flagServe {
		logger = diag.NewLogger("", level)
	} else {
		logger = diag.NewLogger(corrID, level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := cfgpkg.Assemble(ctx, cfg)
	if err != nil {
		fprintf(os.Stderr, "装配失败: %v\n", err)
		logger.Error("config", string(diag.Classify(err)), "assemble failed", &start)
		return 3
	}
	defer func() { _ = rt.Close() }()
	logger.DebugStart("config", "effective", "", "", effectiveKV(cfg))

	if flagServe {
		return runServer(ctx, cfg, rt, logger)
	}

	term := diag.NewTerminal(os.Stderr, flagStatus)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)

	text, err := rt.Reader.Load(ctx, cfg.Input)
	if err != nil {
		fprintf(os.Stderr, "读取输入失败: %v\n", err)
		logger.Error("reader", string(diag.Classify(err)), "load failed", &start)
		return 1
	}
	req := rt.Request
	req.Text = text

	t := logger.Start("pipeline", "run")
	rep, err := pipelineRun(ctx, rt.Components, req, rt.Settings, logger)
	if err != nil {
		code := diag.Classify(err)
		logger.Error("pipeline", string(code), "first error", &start)
		if code != diag.CodeUnknown {
			diag.IncError("pipeline", string(code))
		}
		if errors.Is(err, contract.ErrConfig) {
			fprintf(os.Stderr, "Error: %v\n", err)
			return 3
		}
		if !errors.Is(err, context.Canceled) {
			fprintf(os.Stderr, "运行失败: %v\n", err)
		}
		return 1
	}
	t.Finish("run", int64(len(rep.Results)))

	if err := writeOutput(ctx, flagOut, rep.Output); err != nil {
		fprintf(os.Stderr, "写出结果失败: %v\n", err)
		logger.Error("output", string(diag.Classify(err)), "write failed", &start)
		return 1
	}
	diag.IncOp("pipeline", "finish", "success")
	diag.ObserveDuration("pipeline", "finish", time.Since(start).Milliseconds())
	return 0
}

func runServer(ctx context.Context, cfg cfgpkg.Config, rt cfgpkg.Runtime, logger *diag.Logger) int {
	// 服务模式下终端不输出单次运行进度
	diag.SetTerminal(nil)
	s := server.New(rt.Components, rt.Settings, rt.Request, server.Options{
		Addr:           cfg.Server.Addr,
		RateRPS:        cfg.Server.RateRPS,
		RateBurst:      cfg.Server.RateBurst,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
		APIKeyHash:     cfg.Server.APIKeyHash,
		NewLogger:      logger.Child,
	})
	logger.StartWithKV("server", "listen", "", "", map[string]string{"addr": cfg.Server.Addr})
	fprintf(os.Stderr, "[serve] 监听 %s\n", cfg.Server.Addr)
	if err := serve(ctx, s); err != nil {
		fprintf(os.Stderr, "服务异常退出: %v\n", err)
		logger.Error("server", string(diag.Classify(err)), "serve failed", nil)
		return 1
	}
	return 0
}

// writeOutput: 文件输出走原子写（同目录临时文件 + rename）。
func writeOutput(ctx context.Context, path, text string) error {
	if path == "" || path == "-" {
		// 原样输出聚合结果，不追加行尾
		_, err := io.WriteString(stdout, text)
		return err
	}
	st, err := fsstore.New(&fsstore.Options{OutputDir: filepath.Dir(path)})
	if err != nil {
		return err
	}
	return st.WriteNamed(ctx, filepath.Base(path), strings.NewReader(text))
}

func defaultConfigPath() string {
	for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// effectiveKV: 运行时配置摘要（不含密钥）。
func effectiveKV(cfg cfgpkg.Config) map[string]string {
	kv := map[string]string{
		"input":          cfg.Input,
		"chunk_size":     fmt.Sprintf("%d", cfg.ChunkSize),
		"parallel":       fmt.Sprintf("%d", cfg.ParallelRequests),
		"rpm":            fmt.Sprintf("%d", cfg.MaxRequestsPerMinute),
		"mode":           cfg.DispatchMode,
		"llm":            cfg.LLM,
		"splitter":       cfg.Components.Splitter,
		"prompt_builder": cfg.Components.PromptBuilder,
		"assembler":      cfg.Components.Assembler,
		"store":          cfg.Store.Name,
	}
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
	return kv
}

func fprintf(w *os.File, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

func dumpConfig(c cfgpkg.Config) error {
	c.Server.APIKeyHash = ""
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, _ = os.Stderr.Write(append([]byte("有效配置:\n"), b...))
	_, _ = os.Stderr.Write([]byte("\n"))
	return nil
}

func initConfig(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeConfig(filepath.Join(dir, "config.json"), cfgpkg.DefaultTemplateConfig()); err != nil && !os.IsExist(err) {
		return err
	}
	if err := writeExclusive(filepath.Join(dir, ".env"), []byte(cfgpkg.EnvTemplate)); err != nil && !os.IsExist(err) {
		fprintf(os.Stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
	}
	return nil
}

func writeConfig(path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if path == "-" {
		_, err = stdout.Write(b)
		return err
	}
	return writeExclusive(path, b)
}

// writeExclusive 不覆盖已存在文件。
func writeExclusive(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(b)
	return err
}

// normalizeInitArg: 裸 --init-config（末尾或后随其他开关）补默认值 "."。
func normalizeInitArg() {
	args := os.Args
	if len(args) <= 1 {
		return
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args[0])
	for i := 1; i < len(args); i++ {
		a := args[i]
		out = append(out, a)
		if a == "--init-config" || a == "-init-config" {
			if i == len(args)-1 || strings.HasPrefix(args[i+1], "-") {
				out = append(out, ".")
			}
		}
	}
	os.Args = out
}
