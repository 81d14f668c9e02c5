package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	cfgpkg "chunkgen/internal/config"
	"chunkgen/internal/diag"
	"chunkgen/internal/pipeline"
	"chunkgen/internal/server"
)

func resetFlag(args []string) {
	flag.CommandLine = flag.NewFlagSet(args[0], flag.ContinueOnError)
	os.Args = args
}

// inTempDir 切换到临时目录（日志与工件落在其中）。
func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(cwd) })
	return dir
}

func writeTemplateConfig(t *testing.T, dir string, mutate func(*cfgpkg.Config)) string {
	t.Helper()
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Store.Name = ""
	cfg.Store.Options = nil
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(dir, "cfg.json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRunInitConfig(t *testing.T) {
	dir := inTempDir(t)
	outDir := filepath.Join(dir, "out")
	resetFlag([]string{"chunkgen", "--init-config", outDir})
	if code := run(); code != 0 {
		t.Fatalf("run return %d", code)
	}
	b, err := os.ReadFile(filepath.Join(outDir, "config.json"))
	if err != nil {
		t.Fatalf("config not generated: %v", err)
	}
	if _, err := cfgpkg.LoadJSON("", b); err != nil {
		t.Fatalf("生成的配置应可严格解析: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outDir, ".env")); err != nil {
		t.Fatalf(".env not generated: %v", err)
	}
	// 再次执行不覆盖且不报错
	resetFlag([]string{"chunkgen", "--init-config", outDir})
	if code := run(); code != 0 {
		t.Fatalf("重复生成应返回 0, got %d", code)
	}
}

func TestRunEndToEndWritesOut(t *testing.T) {
	dir := inTempDir(t)
	cfgPath := writeTemplateConfig(t, dir, nil)
	in := filepath.Join(dir, "in.txt")
	if err := os.WriteFile(in, []byte("hello world"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	out := filepath.Join(dir, "result", "out.txt")
	resetFlag([]string{"chunkgen", "--config", cfgPath, "--out", out, "--status=false", in})
	if code := run(); code != 0 {
		t.Fatalf("run return %d", code)
	}
	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read out: %v", err)
	}
	if string(b) != "MOCK: hello world" {
		t.Fatalf("输出不符: %q", b)
	}
}

func TestRunFlagsOverrideConfig(t *testing.T) {
	dir := inTempDir(t)
	cfgPath := writeTemplateConfig(t, dir, nil)
	in := filepath.Join(dir, "in.txt")
	_ = os.WriteFile(in, []byte("a\nb"), 0o644)

	var got pipeline.Request
	var gotSet pipeline.Settings
	orig := pipelineRun
	pipelineRun = func(ctx context.Context, comp pipeline.Components, req pipeline.Request, set pipeline.Settings, logger *diag.Logger) (pipeline.Report, error) {
		got, gotSet = req, set
		return pipeline.Report{Output: "done"}, nil
	}
	defer func() { pipelineRun = orig }()
	var buf bytes.Buffer
	origOut := stdout
	stdout = &buf
	defer func() { stdout = origOut }()

	resetFlag([]string{"chunkgen", "--config", cfgPath, "--separator", `\n`, "--parallel", "4", "--rpm", "10",
		"--chunk-size", "500", "--prompt", "Translate", "--mode", "pool", "--status=false", in})
	if code := run(); code != 0 {
		t.Fatalf("run return %d", code)
	}
	if got.Separator != "\n" || got.Parallel != 4 || got.RPM != 10 || got.ChunkSize != 500 || got.Prompt != "Translate" || got.Text != "a\nb" {
		t.Fatalf("请求参数不符: %+v", got)
	}
	if gotSet.Mode != pipeline.ModePool || gotSet.LLM != "mock" {
		t.Fatalf("运行设置不符: %+v", gotSet)
	}
	if buf.String() != "done" {
		t.Fatalf("STDOUT 不符: %q", buf.String())
	}
}

// --separator "" 应关闭边界搜索，且不被默认分隔符覆盖
func TestRunEmptySeparatorFlag(t *testing.T) {
	dir := inTempDir(t)
	cfgPath := writeTemplateConfig(t, dir, nil)
	in := filepath.Join(dir, "in.txt")
	_ = os.WriteFile(in, []byte("a\n\nb"), 0o644)

	var got pipeline.Request
	orig := pipelineRun
	pipelineRun = func(ctx context.Context, comp pipeline.Components, req pipeline.Request, set pipeline.Settings, logger *diag.Logger) (pipeline.Report, error) {
		got = req
		return pipeline.Report{Output: "ok"}, nil
	}
	defer func() { pipelineRun = orig }()
	origOut := stdout
	stdout = io.Discard
	defer func() { stdout = origOut }()

	resetFlag([]string{"chunkgen", "--config", cfgPath, "--separator", "", "--status=false", in})
	if code := run(); code != 0 {
		t.Fatalf("run return %d", code)
	}
	if got.Separator != "" {
		t.Fatalf("空分隔符被覆盖为 %q", got.Separator)
	}
}

func TestRunConfigErrorsExit3(t *testing.T) {
	dir := inTempDir(t)
	in := filepath.Join(dir, "in.txt")
	_ = os.WriteFile(in, []byte("text"), 0o644)
	cfgPath := writeTemplateConfig(t, dir, nil)

	bad := filepath.Join(dir, "bad.json")
	_ = os.WriteFile(bad, []byte(`{"llm":"mock","bogus":true}`), 0o644)

	cases := [][]string{
		{"chunkgen", "--config", bad, in},
		{"chunkgen", "--config", cfgPath, "--parallel", "0", in},
		{"chunkgen", "--config", cfgPath, "--llm", "nope", in},
		// 提示过长：有效分块尺寸 <= 0
		{"chunkgen", "--config", cfgPath, "--chunk-size", "60", "--prompt", strings.Repeat("p", 20), "--status=false", in},
	}
	for _, args := range cases {
		resetFlag(args)
		if code := run(); code != 3 {
			t.Fatalf("%v: 期望退出码 3, got %d", args[1:], code)
		}
	}
}

func TestRunMissingInputExit1(t *testing.T) {
	dir := inTempDir(t)
	cfgPath := writeTemplateConfig(t, dir, nil)
	resetFlag([]string{"chunkgen", "--config", cfgPath, "--status=false", filepath.Join(dir, "missing.txt")})
	if code := run(); code != 1 {
		t.Fatalf("期望退出码 1, got %d", code)
	}
}

func TestRunServe(t *testing.T) {
	dir := inTempDir(t)
	cfgPath := writeTemplateConfig(t, dir, nil)
	called := false
	orig := serve
	serve = func(ctx context.Context, s *server.Server) error {
		called = s != nil && s.Handler() != nil
		return nil
	}
	defer func() { serve = orig }()
	resetFlag([]string{"chunkgen", "--config", cfgPath, "--serve", "--addr", "127.0.0.1:0"})
	if code := run(); code != 0 {
		t.Fatalf("run return %d", code)
	}
	if !called {
		t.Fatalf("serve 未被调用")
	}
}

func TestRunHashAPIKey(t *testing.T) {
	inTempDir(t)
	var buf bytes.Buffer
	origOut := stdout
	stdout = &buf
	defer func() { stdout = origOut }()
	resetFlag([]string{"chunkgen", "--hash-api-key", "k3y"})
	if code := run(); code != 0 {
		t.Fatalf("run return %d", code)
	}
	h := strings.TrimSpace(buf.String())
	if err := bcrypt.CompareHashAndPassword([]byte(h), []byte("k3y")); err != nil {
		t.Fatalf("哈希校验失败: %v", err)
	}
}

func TestNormalizeInitArg(t *testing.T) {
	cases := []struct {
		in   []string
		want []string
	}{
		{[]string{"x", "--init-config"}, []string{"x", "--init-config", "."}},
		{[]string{"x", "--init-config", "--llm", "mock"}, []string{"x", "--init-config", ".", "--llm", "mock"}},
		{[]string{"x", "--init-config", "dir"}, []string{"x", "--init-config", "dir"}},
	}
	for _, tc := range cases {
		os.Args = tc.in
		normalizeInitArg()
		if strings.Join(os.Args, " ") != strings.Join(tc.want, " ") {
			t.Fatalf("got %v want %v", os.Args, tc.want)
		}
	}
}

func TestWriteOutput(t *testing.T) {
	var buf bytes.Buffer
	origOut := stdout
	stdout = &buf
	defer func() { stdout = origOut }()
	if err := writeOutput(context.Background(), "-", "x\n"); err != nil || buf.String() != "x\n" {
		t.Fatalf("stdout 输出不符: %q %v", buf.String(), err)
	}
	buf.Reset()
	if err := writeOutput(context.Background(), "-", "no newline"); err != nil || buf.String() != "no newline" {
		t.Fatalf("stdout 应与聚合结果逐字节一致: %q %v", buf.String(), err)
	}
	dir := t.TempDir()
	p := filepath.Join(dir, "o.txt")
	if err := writeOutput(context.Background(), p, "abc"); err != nil {
		t.Fatalf("写文件失败: %v", err)
	}
	if b, _ := os.ReadFile(p); string(b) != "abc" {
		t.Fatalf("文件内容不符: %q", b)
	}
}
