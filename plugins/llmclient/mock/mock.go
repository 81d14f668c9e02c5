package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chunkgen/pkg/contract"
)

// DefaultMarker: 完整提示中分块正文之前的标记。
const DefaultMarker = "Text chunk to process:\n"

// Options: 最小调试配置（可选）。
type Options struct {
	Prefix string `json:"prefix"` // 输出前缀，默认 "MOCK"
	// ResponseMode: 响应模式（用于集成测试与无网络联调）。
	//  - "" / "chunk": 回显标记之后的分块正文，形如 "<Prefix>: <chunk>"；
	//  - "echo": 回显完整提示，形如 "<Prefix>(prompt): <fullPrompt>"；
	//  - "passthrough": 原样返回分块正文（不加前缀）；
	//  - "upper": 分块正文转大写。
	ResponseMode string `json:"response_mode,omitempty"`
	// Marker: 分块正文定位标记；为空使用默认。
	Marker string `json:"marker,omitempty"`
	// DelayMS: 每次调用的模拟延迟（毫秒），遵循 ctx 取消。
	DelayMS int `json:"delay_ms,omitempty"`
}

type Client struct {
	prefix string
	mode   string
	marker string
	delay  time.Duration
}

func New(raw json.RawMessage) (contract.Generator, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock options: %w", err)
		}
	}
	if o.Prefix == "" {
		o.Prefix = "MOCK"
	}
	if o.Marker == "" {
		o.Marker = DefaultMarker
	}
	mode := strings.TrimSpace(o.ResponseMode)
	switch mode {
	case "":
		mode = "chunk"
	case "chunk", "echo", "passthrough", "upper":
	default:
		return nil, fmt.Errorf("mock: %w: unknown response_mode %q", contract.ErrInvalidInput, mode)
	}
	if o.DelayMS < 0 {
		o.DelayMS = 0
	}
	return &Client{prefix: o.Prefix, mode: mode, marker: o.Marker, delay: time.Duration(o.DelayMS) * time.Millisecond}, nil
}

// Generate 仅用于模块/流程调试：不做任何网络请求。
func (c *Client) Generate(ctx context.Context, fullPrompt string) (string, error) {
	if c.delay > 0 {
		t := time.NewTimer(c.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}
	body := ChunkOf(fullPrompt, c.marker)
	switch c.mode {
	case "echo":
		return fmt.Sprintf("%s(prompt): %s", c.prefix, fullPrompt), nil
	case "passthrough":
		return body, nil
	case "upper":
		return strings.ToUpper(body), nil
	default:
		return c.prefix + ": " + body, nil
	}
}

// ChunkOf 返回 marker 首次出现之后的正文；找不到时返回完整提示。
func ChunkOf(fullPrompt, marker string) string {
	if marker == "" {
		return fullPrompt
	}
	if i := strings.Index(fullPrompt, marker); i >= 0 {
		return fullPrompt[i+len(marker):]
	}
	return fullPrompt
}

var _ contract.Generator = (*Client)(nil)
