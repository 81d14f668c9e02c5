package rate

import (
	"context"
	"sync"
	"time"

	"chunkgen/pkg/contract"
)

// DefaultWindow: 滑动窗口长度。
const DefaultWindow = 60 * time.Second

// Limiter: 请求启动闸门（并发安全）。
// 约束：Acquire 只延迟不拒绝；ctx 取消时返回 ctx.Err() 且不记录占位。
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Sleeper: 可注入的等待实现（测试中配合假时钟推进时间）。
type Sleeper func(ctx context.Context, d time.Duration) error

// Option: Window 构造选项。
type Option func(*Window)

// WithClock 注入时钟；nil 忽略。
func WithClock(clk func() time.Time) Option {
	return func(w *Window) {
		if clk != nil {
			w.clk = clk
		}
	}
}

// WithSleeper 注入等待实现；nil 忽略。
func WithSleeper(s Sleeper) Option {
	return func(w *Window) {
		if s != nil {
			w.sleep = s
		}
	}
}

// Window: 滑动窗口限流器。
// 约束：
// - 任意时刻 ts 仅含距 now 小于 window 的启动时刻，且 len(ts) <= max；
// - 锁只在裁剪/追加期间持有，等待期间不持锁；
// - 同一次检查内只读取一次 now。
type Window struct {
	max    int
	window time.Duration
	clk    func() time.Time
	sleep  Sleeper

	mu sync.Mutex
	ts []time.Time
}

// NewWindow 构造限流器；max < 1 或 window <= 0 返回 ErrConfig。
func NewWindow(max int, window time.Duration, opts ...Option) (*Window, error) {
	if max < 1 {
		return nil, contract.ConfigError("max requests per minute must be >= 1, got %d", max)
	}
	if window <= 0 {
		return nil, contract.ConfigError("rate window must be positive, got %s", window)
	}
	w := &Window{
		max:    max,
		window: window,
		clk:    time.Now,
		sleep:  sleepCtx,
		ts:     make([]time.Time, 0, max),
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Max 返回窗口内允许的最大启动数。
func (w *Window) Max() int { return w.max }

// Acquire 阻塞直到窗口内有空位，并记录本次启动时刻。
func (w *Window) Acquire(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		w.mu.Lock()
		now := w.clk()
		w.prune(now)
		if len(w.ts) < w.max {
			w.ts = append(w.ts, now)
			w.mu.Unlock()
			return nil
		}
		wait := w.window - now.Sub(w.ts[0])
		w.mu.Unlock()

		if wait <= 0 {
			continue
		}
		if err := w.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// InWindow 返回当前窗口内已记录的启动数（仅诊断）。
func (w *Window) InWindow() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.clk())
	return len(w.ts)
}

// prune 丢弃已滑出窗口的时刻；调用方持锁。
func (w *Window) prune(now time.Time) {
	i := 0
	for i < len(w.ts) && now.Sub(w.ts[i]) >= w.window {
		i++
	}
	if i > 0 {
		n := copy(w.ts, w.ts[i:])
		w.ts = w.ts[:n]
	}
}

// Unlimited: 未配置限流时的恒等实现。
type Unlimited struct{}

func (Unlimited) Acquire(ctx context.Context) error { return nil }

func sleepCtx(ctx context.Context, d time.Duration) error {
	// 分片为最多 200ms 的步长，及时响应取消
	const step = 200 * time.Millisecond
	for d > 0 {
		s := d
		if s > step {
			s = step
		}
		t := time.NewTimer(s)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return ctx.Err()
		case <-t.C:
		}
		d -= s
	}
	return nil
}

var (
	_ Limiter = (*Window)(nil)
	_ Limiter = Unlimited{}
)
