package flaky

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"chunkgen/pkg/contract"
	"chunkgen/plugins/llmclient/mock"
)

// Options 定义可选项。
type Options struct {
	Prefix string `json:"prefix"`
	// FailContains: 完整提示包含该子串时总是失败。
	FailContains string `json:"fail_contains,omitempty"`
	// FailEvery: 每第 N 次调用失败（返回限流）；0 表示不启用。
	FailEvery int `json:"fail_every,omitempty"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// Client 是带状态的故障注入实现：
// 命中 FailContains 的调用总是失败；
// FailEvery>0 时每第 N 次调用返回 ErrRateLimited；
// 两者均未配置时仅第一次调用返回 ErrRateLimited。
// 其余调用返回 "<Prefix>: <chunk>"。
type Client struct {
	prefix   string
	contains string
	every    int32
	logPath  string
	count    atomic.Int32
}

// New 构造 Client。
func New(raw json.RawMessage) (contract.Generator, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, err
		}
	}
	if o.Prefix == "" {
		o.Prefix = "FLAKY"
	}
	if o.FailEvery < 0 {
		return nil, fmt.Errorf("flaky: %w: fail_every must be >= 0", contract.ErrInvalidInput)
	}
	return &Client{prefix: o.Prefix, contains: o.FailContains, every: int32(o.FailEvery), logPath: o.LogPath}, nil
}

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	// 追加写入，忽略错误。
	_ = appendFile(c.logPath, s+"\n")
}

// appendFile 以追加方式写入。
func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

// Calls 返回累计调用次数。
func (c *Client) Calls() int { return int(c.count.Load()) }

// Generate 实现 contract.Generator。
func (c *Client) Generate(ctx context.Context, fullPrompt string) (string, error) {
	n := c.count.Add(1)
	if c.contains != "" && strings.Contains(fullPrompt, c.contains) {
		c.log("injected")
		return "", fmt.Errorf("flaky: injected failure (call %d)", n)
	}
	fail := false
	switch {
	case c.every > 0:
		fail = n%c.every == 0
	case c.contains == "":
		fail = n == 1
	}
	if fail {
		c.log("rate_limited")
		return "", fmt.Errorf("flaky: call %d: %w", n, contract.ErrRateLimited)
	}
	c.log("ok")
	return c.prefix + ": " + mock.ChunkOf(fullPrompt, mock.DefaultMarker), nil
}

var _ contract.Generator = (*Client)(nil)
