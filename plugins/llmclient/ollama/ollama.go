package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"chunkgen/pkg/contract"
	"chunkgen/plugins/llmclient/internal/upstream"
)

// Options: 本地 Ollama /api/generate。
type Options struct {
	BaseURL        string         `json:"base_url"` // 缺省取 OLLAMA_BASE_URL，再缺省 http://127.0.0.1:11434
	Model          string         `json:"model"`    // 缺省取 OLLAMA_MODEL，再缺省 llama3:8b
	TimeoutSeconds int            `json:"timeout_seconds"`
	Params         map[string]any `json:"params,omitempty"` // 原样作为 options 发送
}

func envOr(v, key, def string) string {
	if v != "" {
		return v
	}
	if e := os.Getenv(key); e != "" {
		return e
	}
	return def
}

type Client struct {
	url    string
	model  string
	params map[string]any
	do     upstream.Doer
}

// New 构造客户端；本地服务不需要密钥。
func New(raw json.RawMessage) (contract.Generator, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("ollama options: %w", err)
		}
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 120
	}
	// 本地推理慢，连接复用
	hc := &http.Client{
		Timeout: time.Duration(o.TimeoutSeconds) * time.Second,
		Transport: &http.Transport{
			DialContext:         (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: time.Minute}).DialContext,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
	return &Client{
		url:    upstream.JoinURL(envOr(o.BaseURL, "OLLAMA_BASE_URL", "http://127.0.0.1:11434"), "/api/generate"),
		model:  envOr(o.Model, "OLLAMA_MODEL", "llama3:8b"),
		params: o.Params,
		do:     hc.Do,
	}, nil
}

type genReq struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type genResp struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Generate 非流式调用。
func (c *Client) Generate(ctx context.Context, fullPrompt string) (string, error) {
	var resp genResp
	call := upstream.Call{Provider: "ollama", URL: c.url, Body: &genReq{Model: c.model, Prompt: fullPrompt, Options: c.params}}
	if err := upstream.PostJSON(ctx, c.do, call, &resp); err != nil {
		return "", err
	}
	switch {
	case resp.Error != "":
		return "", fmt.Errorf("ollama: %s: %w", resp.Error, contract.ErrResponseInvalid)
	case resp.Response == "":
		return "", fmt.Errorf("ollama: empty response: %w", contract.ErrResponseInvalid)
	}
	return resp.Response, nil
}

var _ contract.Generator = (*Client)(nil)
