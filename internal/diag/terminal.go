package diag

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Terminal: 终端进度提示（非日志）。
// - TTY: 单行 \r 覆盖；非 TTY: 关键节点分行打印。
// - 并发安全；写失败后进入禁用态为 no-op。
type Terminal struct {
	w       io.Writer
	enabled bool
	isTTY   bool

	parallel int
	llm      string
	runStart time.Time

	chunksTotal  int
	batchesTotal int
	done         int
	errCount     int

	lastLen   int
	lastFlush time.Time

	mu sync.Mutex
}

var (
	termMu sync.RWMutex
	term   *Terminal
)

// SetTerminal 设置全局终端指针（nil 可清除）。
func SetTerminal(t *Terminal) { termMu.Lock(); term = t; termMu.Unlock() }

// GetTerminal 返回全局终端（可能为 nil）。
func GetTerminal() *Terminal { termMu.RLock(); defer termMu.RUnlock(); return term }

// NewTerminal 构造终端提示器；enabled=false 时总是 no-op。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{w: w, enabled: enabled}
	if os.Getenv("CI") != "" {
		return t
	}
	if f, ok := w.(*os.File); ok {
		if fi, err := f.Stat(); err == nil {
			t.isTTY = fi.Mode()&os.ModeCharDevice != 0
		}
	}
	return t
}

// RunStart: 记录运行上下文（有效并行度、生成后端）。
func (t *Terminal) RunStart(parallel int, llm string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.parallel = parallel
	t.llm = llm
	t.done, t.errCount = 0, 0
	t.runStart = time.Now()
	t.println(fmt.Sprintf("[run] 并发=%d | llm=%s", parallel, safe(llm)))
}

// Plan: 切分完成后的计划规模。
func (t *Terminal) Plan(chunks, batches int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.chunksTotal = chunks
	t.batchesTotal = batches
	if !t.isTTY {
		t.println(fmt.Sprintf("[plan] 分片=%d | 批次=%d", chunks, batches))
	}
}

// ChunkProgress: 周期性进度（100ms 节流，仅 TTY）。
func (t *Terminal) ChunkProgress(done, total, errs int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || !t.isTTY {
		return
	}
	t.done, t.chunksTotal, t.errCount = done, total, errs
	now := time.Now()
	if now.Sub(t.lastFlush) < 100*time.Millisecond {
		return
	}
	t.lastFlush = now
	t.printInline(fmt.Sprintf("[gen] 进度 %d/%d | 错误 %d | 并发 %d | 用时 %s",
		t.done, t.chunksTotal, t.errCount, t.parallel, formatDur(time.Since(t.runStart))))
}

// RunFinish: 结束总览（立即刷新并换行）。
func (t *Terminal) RunFinish(ok bool, failed int, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	if t.isTTY && t.lastLen > 0 {
		t.printInline("")
	}
	tag := "ok"
	if !ok {
		tag = "fail"
	}
	t.println(fmt.Sprintf("[%s] 分片 %d | 失败 %d | 批次 %d | 总用时 %s",
		tag, t.chunksTotal, failed, t.batchesTotal, formatDur(dur)))
}

func (t *Terminal) println(s string) {
	if _, err := io.WriteString(t.w, s+"\n"); err != nil {
		t.enabled = false
	}
	t.lastLen = 0
}

func (t *Terminal) printInline(s string) {
	pad := 0
	if l := visLen(s); t.lastLen > l {
		pad = t.lastLen - l
	}
	var b strings.Builder
	b.WriteByte('\r')
	b.WriteString(s)
	b.WriteString(strings.Repeat(" ", pad))
	if _, err := io.WriteString(t.w, b.String()); err != nil {
		t.enabled = false
		return
	}
	t.lastLen = visLen(s)
}

func visLen(s string) int { return len([]rune(s)) }

func safe(s string) string {
	return strings.NewReplacer("\n", " ", "\r", " ").Replace(s)
}

func formatDur(d time.Duration) string {
	if d < time.Second {
		ms := d.Milliseconds()
		if ms < 0 {
			ms = 0
		}
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(d.Milliseconds())/1000.0)
}
