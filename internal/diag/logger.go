package diag

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultLogDir: 默认日志目录。
const DefaultLogDir = "logs"

// 当前日志文件名与轮转上限（MiB）。轮转后的文件为 chunkgen-current-<时间戳>.txt。
const (
	currentLogName = "chunkgen-current.txt"
	maxLogSizeMB   = 10
)

// Logger 为流水线事件日志器：zap JSON 单行输出；字段固定为
// corr_id/comp/stage/code/dur_ms/count/chunk/batch/msg/kv。
// nil *Logger 上的所有方法均为 no-op。
type Logger struct {
	z    *zap.Logger
	sink io.Closer
}

// NewLogger 通过配置的 level 初始化，并将日志写入 logs/，10MiB 轮转。
func NewLogger(corrID, level string) *Logger {
	sink := newFileSink(DefaultLogDir)
	l := NewLoggerTo(corrID, level, fallbackWriter{w: sink})
	l.sink = sink
	return l
}

// newFileSink 返回 dir 下按大小轮转的日志文件；目录在首次写入时创建。
func newFileSink(dir string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename: filepath.Join(dir, currentLogName),
		MaxSize:  maxLogSizeMB,
	}
}

// NewLoggerTo 将日志写入任意 io.Writer（测试或 stderr）。
func NewLoggerTo(corrID, level string, w io.Writer) *Logger {
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(w), ParseLevel(level))
	z := zap.New(core)
	if corrID != "" {
		z = z.With(zap.String("corr_id", corrID))
	}
	return &Logger{z: z}
}

// Child 派生共享同一输出的日志器，附加 corr_id；Child 的 Sync 不关闭文件。
// 约束：父日志器应以空 corrID 创建，否则字段重复。
func (l *Logger) Child(corrID string) *Logger {
	if l == nil || l.z == nil {
		return l
	}
	return &Logger{z: l.z.With(zap.String("corr_id", corrID))}
}

// NewNop 返回丢弃一切输出的日志器。
func NewNop() *Logger { return &Logger{z: zap.NewNop()} }

// ParseLevel: debug|info|warn|error，未知值按 info。
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		LevelKey:       "level",
		TimeKey:        "ts",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     func(t time.Time, enc zapcore.PrimitiveArrayEncoder) { enc.AppendString(t.UTC().Format(time.RFC3339)) },
		EncodeDuration: zapcore.MillisDurationEncoder,
	}
}

// fallbackWriter: 写日志文件失败时退回 stderr。
type fallbackWriter struct{ w io.Writer }

func (w fallbackWriter) Write(p []byte) (int, error) {
	if _, err := w.w.Write(p); err != nil {
		fmt.Fprintf(os.Stderr, "logger sink error: %v\n", err)
		_, _ = os.Stderr.Write(p)
	}
	return len(p), nil
}

// Event 为标准事件字段。
type Event struct {
	Comp  string
	Stage string // start|finish|error|warn
	Code  string
	DurMS int64
	Count int64
	Chunk string
	Batch string
	Msg   string
	KV    map[string]string
}

func (l *Logger) log(lv zapcore.Level, ev Event) {
	if l == nil || l.z == nil {
		return
	}
	ce := l.z.Check(lv, ev.Msg)
	if ce == nil {
		return
	}
	fields := make([]zap.Field, 0, 8)
	fields = append(fields, zap.String("comp", ev.Comp), zap.String("stage", ev.Stage))
	if ev.Code != "" {
		fields = append(fields, zap.String("code", ev.Code))
	}
	if ev.DurMS != 0 {
		fields = append(fields, zap.Int64("dur_ms", ev.DurMS))
	}
	if ev.Count != 0 {
		fields = append(fields, zap.Int64("count", ev.Count))
	}
	if ev.Chunk != "" {
		fields = append(fields, zap.String("chunk", ev.Chunk))
	}
	if ev.Batch != "" {
		fields = append(fields, zap.String("batch", ev.Batch))
	}
	if len(ev.KV) > 0 {
		fields = append(fields, zap.Any("kv", ev.KV))
	}
	ce.Write(fields...)
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.log(zapcore.InfoLevel, Event{Comp: comp, Stage: "start", Msg: msg})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 chunk/batch 的 start。
func (l *Logger) StartWith(comp, msg, chunk, batch string) *Timer {
	l.log(zapcore.InfoLevel, Event{Comp: comp, Stage: "start", Chunk: chunk, Batch: batch, Msg: msg})
	return &Timer{l: l, comp: comp, chunk: chunk, batch: batch, t0: time.Now()}
}

// StartWithKV 记录带 chunk/batch 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, chunk, batch string, kv map[string]string) *Timer {
	l.log(zapcore.InfoLevel, Event{Comp: comp, Stage: "start", Chunk: chunk, Batch: batch, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, chunk: chunk, batch: batch, t0: time.Now()}
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", "", nil)
}

// ErrorWith 支持 chunk/batch。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, chunk, batch string) {
	l.ErrorWithKV(comp, code, msg, durSince, chunk, batch, nil)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, chunk, batch string, kv map[string]string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(zapcore.ErrorLevel, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg, Chunk: chunk, Batch: batch, KV: kv})
}

// Warn 记录非致命异常（例如工件旁路写入失败）。
func (l *Logger) Warn(comp, code, msg string, kv map[string]string) {
	l.log(zapcore.WarnLevel, Event{Comp: comp, Stage: "warn", Code: code, Msg: msg, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(zapcore.InfoLevel, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// DebugStart 输出调试级别的 start 类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, chunk, batch string, kv map[string]string) {
	l.log(zapcore.DebugLevel, Event{Comp: comp, Stage: "start", Chunk: chunk, Batch: batch, Msg: msg, KV: kv})
}

// Sync 刷新缓冲并关闭日志文件。
func (l *Logger) Sync() error {
	if l == nil || l.z == nil {
		return nil
	}
	_ = l.z.Sync()
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l     *Logger
	comp  string
	chunk string
	batch string
	t0    time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	t.l.log(zapcore.InfoLevel, Event{Comp: t.comp, Stage: "finish", DurMS: time.Since(t.t0).Milliseconds(), Count: count, Chunk: t.chunk, Batch: t.batch, Msg: msg})
}

// Since 返回计时起点。
func (t *Timer) Since() time.Time {
	if t == nil {
		return time.Now()
	}
	return t.t0
}
