package diag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chunkgen/pkg/contract"
)

func TestFileSinkRotates(t *testing.T) {
	dir := t.TempDir()
	w := newFileSink(dir)
	if w.MaxSize != maxLogSizeMB || w.Filename != filepath.Join(dir, currentLogName) {
		t.Fatalf("sink 配置不符: %+v", w)
	}
	if _, err := w.Write([]byte("first\n")); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if err := w.Rotate(); err != nil {
		t.Fatalf("轮转失败: %v", err)
	}
	if _, err := w.Write([]byte("second\n")); err != nil {
		t.Fatalf("第二次写入失败: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("读取目录失败: %v", err)
	}
	rotated := ""
	for _, e := range ents {
		if e.Name() != currentLogName && strings.HasPrefix(e.Name(), "chunkgen-current-") && strings.HasSuffix(e.Name(), ".txt") {
			rotated = e.Name()
		}
	}
	if rotated == "" {
		t.Fatalf("缺少轮转文件: %v", ents)
	}
	if b, _ := os.ReadFile(filepath.Join(dir, rotated)); string(b) != "first\n" {
		t.Fatalf("轮转文件内容不符: %q", b)
	}
	if b, _ := os.ReadFile(w.Filename); string(b) != "second\n" {
		t.Fatalf("当前文件内容不符: %q", b)
	}
}

type brokenWriter struct{}

func (brokenWriter) Write(p []byte) (int, error) { return 0, errors.New("disk full") }

func TestFallbackWriterSwallowsSinkError(t *testing.T) {
	n, err := fallbackWriter{w: brokenWriter{}}.Write([]byte("line\n"))
	if err != nil || n != 5 {
		t.Fatalf("sink 失败时应退回 stderr 且不报错: n=%d err=%v", n, err)
	}
}

func TestMetricsHooks(t *testing.T) {
	// 默认 no-op
	IncOp("comp", "stage", "success")
	IncError("comp", "code")
	ObserveDuration("comp", "stage", 1)

	var mu sync.Mutex
	var ops, errs []string
	var durs int64
	old := SetHooks(Hooks{
		IncOp: func(comp, stage, result string) {
			mu.Lock()
			ops = append(ops, comp+"/"+stage+"/"+result)
			mu.Unlock()
		},
		IncError: func(comp, code string) {
			mu.Lock()
			errs = append(errs, comp+"/"+code)
			mu.Unlock()
		},
		ObserveDuration: func(comp, stage string, d int64) { durs += d },
	})
	defer SetHooks(old)
	IncOp("pipeline", "generate", "success")
	IncError("llm", "budget")
	ObserveDuration("llm", "generate", 7)
	if len(ops) != 1 || ops[0] != "pipeline/generate/success" {
		t.Fatalf("op 钩子未生效: %v", ops)
	}
	if len(errs) != 1 || errs[0] != "llm/budget" {
		t.Fatalf("error 钩子未生效: %v", errs)
	}
	if durs != 7 {
		t.Fatalf("duration 钩子未生效: %d", durs)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, CodeUnknown},
		{"cancel", context.Canceled, CodeCancel},
		{"deadline", fmt.Errorf("x: %w", context.DeadlineExceeded), CodeCancel},
		{"config", contract.ConfigError("chunk size %d too small", 1), CodeConfig},
		{"rate", fmt.Errorf("up 429: %w", contract.ErrRateLimited), CodeBudget},
		{"service wraps rate", contract.NewServiceError(contract.ErrRateLimited), CodeBudget},
		{"protocol", contract.ErrResponseInvalid, CodeProtocol},
		{"invariant", contract.ErrSeqInvalid, CodeInvariant},
		{"io", &fs.PathError{Op: "open", Path: "/", Err: errors.New("x")}, CodeIO},
		{"network", &net.DNSError{Err: "x"}, CodeNetwork},
		{"service", contract.NewServiceError(errors.New("boom")), CodeService},
		{"other", errors.New("other"), CodeUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("%s: 分类错误 got=%s want=%s", tc.name, got, tc.want)
		}
	}
}

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ln := range bytes.Split(bytes.TrimSpace(b), []byte("\n")) {
		if len(ln) == 0 {
			continue
		}
		m := map[string]any{}
		if err := json.Unmarshal(ln, &m); err != nil {
			t.Fatalf("非 JSON 日志行 %q: %v", ln, err)
		}
		out = append(out, m)
	}
	return out
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo("corr-1", "debug", &buf)
	tm := l.StartWithKV("llm", "generate", "3", "1", map[string]string{"k": "v"})
	tm.Finish("ok", 2)
	start := time.Now().Add(-5 * time.Millisecond)
	l.ErrorWithKV("llm", "budget", "rate limited", &start, "3", "1", map[string]string{"http_status": "429"})
	l.Warn("store", "io", "put failed", nil)
	l.DebugStart("splitter", "split", "", "", nil)

	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 5 {
		t.Fatalf("期望 5 行, got %d: %s", len(lines), buf.String())
	}
	first := lines[0]
	if first["corr_id"] != "corr-1" || first["comp"] != "llm" || first["stage"] != "start" || first["chunk"] != "3" || first["batch"] != "1" {
		t.Fatalf("start 字段不符: %v", first)
	}
	if kv, _ := first["kv"].(map[string]any); kv["k"] != "v" {
		t.Fatalf("kv 缺失: %v", first)
	}
	if lines[1]["stage"] != "finish" || lines[1]["count"] != float64(2) {
		t.Fatalf("finish 字段不符: %v", lines[1])
	}
	errLine := lines[2]
	if errLine["level"] != "error" || errLine["code"] != "budget" {
		t.Fatalf("error 字段不符: %v", errLine)
	}
	if d, _ := errLine["dur_ms"].(float64); d < 5 {
		t.Fatalf("dur_ms 应 >=5: %v", errLine["dur_ms"])
	}
	if lines[3]["level"] != "warn" || lines[3]["stage"] != "warn" {
		t.Fatalf("warn 字段不符: %v", lines[3])
	}
	if lines[4]["level"] != "debug" {
		t.Fatalf("debug 字段不符: %v", lines[4])
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo("c", "warn", &buf)
	l.Start("comp", "msg").Finish("ok", 1)
	l.DebugStart("comp", "msg", "", "", nil)
	l.InfoFinish("comp", "msg", time.Now(), 1)
	if buf.Len() != 0 {
		t.Fatalf("warn 级别应过滤 info/debug: %q", buf.String())
	}
	l.Error("comp", "code", "msg", nil)
	if !strings.Contains(buf.String(), `"stage":"error"`) {
		t.Fatalf("error 应输出: %q", buf.String())
	}
	if ParseLevel("bogus").String() != "info" {
		t.Fatalf("未知级别应回退 info")
	}
}

func TestLoggerChild(t *testing.T) {
	var buf bytes.Buffer
	base := NewLoggerTo("", "info", &buf)
	base.Start("server", "listen")
	base.Child("req-7").Start("server", "generate")
	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 2 {
		t.Fatalf("期望 2 行, got %d", len(lines))
	}
	if _, ok := lines[0]["corr_id"]; ok {
		t.Fatalf("空 corrID 不应输出字段: %v", lines[0])
	}
	if lines[1]["corr_id"] != "req-7" {
		t.Fatalf("child corr_id 不符: %v", lines[1])
	}
	var nilLogger *Logger
	if nilLogger.Child("x") != nil {
		t.Fatalf("nil Child 应返回 nil")
	}
}

func TestLoggerNilSafe(t *testing.T) {
	var l *Logger
	l.Start("c", "m").Finish("x", 0)
	l.Error("c", "code", "m", nil)
	l.Warn("c", "code", "m", nil)
	if err := l.Sync(); err != nil {
		t.Fatalf("nil Sync: %v", err)
	}
	var tnil *Timer
	tnil.Finish("x", 0)
	(&Timer{}).Finish("x", 0)
	NewNop().Start("c", "m").Finish("ok", 1)
}

func TestLoggerWithSink(t *testing.T) {
	wd, _ := os.Getwd()
	dir := t.TempDir()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer func() { _ = os.Chdir(wd) }()
	l := NewLogger("corr", "info")
	l.Start("comp", "msg").Finish("ok", 1)
	if err := l.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, DefaultLogDir, "chunkgen-current.txt"))
	if err != nil {
		t.Fatalf("日志文件不存在: %v", err)
	}
	if len(decodeLines(t, b)) != 2 {
		t.Fatalf("日志行数不符: %q", b)
	}
}

func TestTerminalNonTTYFlow(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	if term.isTTY {
		t.Fatalf("expect non-tty")
	}
	term.RunStart(4, "gemini")
	term.Plan(12, 3)
	term.ChunkProgress(6, 12, 0) // 非 TTY 不输出进度
	term.RunFinish(true, 1, 41300*time.Millisecond)

	out := sb.String()
	if strings.Contains(out, "\r") {
		t.Fatalf("non-tty should not contain carriage returns: %q", out)
	}
	for _, want := range []string{
		"[run] 并发=4 | llm=gemini",
		"[plan] 分片=12 | 批次=3",
		"[ok] 分片 12 | 失败 1 | 批次 3 | 总用时 41.3s",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}

func TestTerminalTTYProgressThrottleAndClear(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	term.isTTY = true
	term.RunStart(2, "mock")
	term.Plan(3, 2)
	term.ChunkProgress(1, 3, 0)
	first := sb.String()
	if !strings.Contains(first, "\r[gen]") {
		t.Fatalf("first progress should be inline with CR: %q", first)
	}
	term.ChunkProgress(2, 3, 1)
	if sb.String() != first {
		t.Fatalf("second progress should be throttled")
	}
	time.Sleep(120 * time.Millisecond)
	term.ChunkProgress(2, 3, 1)
	if len(sb.String()) <= len(first) {
		t.Fatalf("third progress should append output")
	}
	term.RunFinish(false, 1, 2200*time.Millisecond)
	final := sb.String()
	idx := strings.LastIndex(final, "[fail]")
	if idx < 0 {
		t.Fatalf("finish should include fail line: %q", final)
	}
	seg := final[:idx]
	cr := strings.LastIndex(seg, "\r")
	if cr < 0 || !strings.Contains(seg[cr+1:], " ") {
		t.Fatalf("clear tail should write spaces after CR: %q", seg)
	}
}

type flakyWriter struct{ fail bool }

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.fail {
		w.fail = false
		return 0, fmt.Errorf("boom")
	}
	return len(p), nil
}

func TestTerminalDisableOnWriteError(t *testing.T) {
	term := NewTerminal(&flakyWriter{fail: true}, true)
	term.isTTY = false
	term.RunStart(1, "x")
	if term.enabled {
		t.Fatalf("terminal should be disabled after write error")
	}
	term.Plan(1, 1)
	term.ChunkProgress(0, 0, 0)
	term.RunFinish(true, 0, 0)

	var tn *Terminal
	tn.RunStart(1, "x")
	tn.Plan(1, 1)
	tn.ChunkProgress(0, 0, 0)
	tn.RunFinish(true, 0, 0)
}

func TestTerminalGlobalAndHelpers(t *testing.T) {
	SetTerminal(nil)
	if GetTerminal() != nil {
		t.Fatalf("expected nil terminal")
	}
	SetTerminal(NewTerminal(os.Stderr, false))
	if GetTerminal() == nil {
		t.Fatalf("expected non-nil terminal")
	}
	SetTerminal(nil)
	if safe("a\nb\rc") != "a b c" {
		t.Fatalf("safe replace failed")
	}
	if formatDur(0) != "0ms" || formatDur(1500*time.Millisecond) != "1.5s" {
		t.Fatalf("formatDur failed")
	}
	t.Setenv("CI", "true")
	if NewTerminal(os.Stderr, true).isTTY {
		t.Fatalf("CI env should force non-tty")
	}
}
