package server

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiters: 按客户端地址的入站令牌桶，闲置条目定期清理。
type clientLimiters struct {
	mu      sync.Mutex
	entries map[string]*clientEntry
	rps     rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time
}

type clientEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newClientLimiters(rps float64, burst int) *clientLimiters {
	if burst < 1 {
		burst = 1
	}
	return &clientLimiters{
		entries: make(map[string]*clientEntry),
		rps:     rate.Limit(rps),
		burst:   burst,
		idleTTL: 15 * time.Minute,
		now:     time.Now,
	}
}

func (c *clientLimiters) get(key string) *rate.Limiter {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if ent, ok := c.entries[key]; ok {
		ent.lastSeen = now
		return ent.lim
	}
	lim := rate.NewLimiter(c.rps, c.burst)
	c.entries[key] = &clientEntry{lim: lim, lastSeen: now}
	return lim
}

// cleanup 删除闲置超过 idleTTL 的条目，返回删除数。
func (c *clientLimiters) cleanup() int {
	cutoff := c.now().Add(-c.idleTTL)
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, ent := range c.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *clientLimiters) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// janitor 周期清理，ctx 结束即退出。
func (c *clientLimiters) janitor(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.cleanup()
		}
	}
}

// middleware: 超出配额返回 429 + Retry-After（秒，向上取整）。
func (c *clientLimiters) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := c.get(clientKey(r)).ReserveN(c.now(), 1)
		if !res.OK() {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many requests"})
			return
		}
		if d := res.DelayFrom(c.now()); d > 0 {
			res.CancelAt(c.now())
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey: RealIP 中间件已改写 RemoteAddr；去掉端口。
func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
