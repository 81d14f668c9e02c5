package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"chunkgen/pkg/contract"
	"chunkgen/plugins/llmclient/internal/upstream"
)

// Options: OpenAI 兼容 /chat/completions。
type Options struct {
	BaseURL        string   `json:"base_url"` // 默认 https://api.openai.com/v1
	Model          string   `json:"model"`
	APIKeyEnv      string   `json:"api_key_env"` // 默认 OPENAI_API_KEY
	APIKey         string   `json:"api_key"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	Temperature    *float64 `json:"temperature,omitempty"`
	// System: 可选 system 消息。
	System string `json:"system"`
	// EndpointPath 可为完整 URL。
	EndpointPath string `json:"endpoint_path"`
	// DisableDefaultAuth: 不注入 Authorization（自托管兼容服务）。
	DisableDefaultAuth bool              `json:"disable_default_auth"`
	ExtraHeaders       map[string]string `json:"extra_headers"`
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	if o.Model == "" {
		o.Model = "gpt-4.1-mini"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/chat/completions"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
}

// Client 每次 Generate 发送一条 user 消息（可带 system）。
type Client struct {
	url    string
	model  string
	system string
	temp   *float64
	header http.Header
	do     upstream.Doer
}

func New(raw json.RawMessage) (contract.Generator, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("openai options: %w", err)
		}
	}
	o.defaults()
	key := o.APIKey
	if key == "" {
		key = os.Getenv(o.APIKeyEnv)
	}
	header := upstream.Headers(o.ExtraHeaders)
	if !o.DisableDefaultAuth {
		if key == "" {
			return nil, fmt.Errorf("openai: %w: missing api key (set %s)", contract.ErrInvalidInput, o.APIKeyEnv)
		}
		if header.Get("Authorization") == "" {
			header.Set("Authorization", "Bearer "+key)
		}
	}
	hc := &http.Client{Timeout: time.Duration(o.TimeoutSeconds) * time.Second}
	return &Client{
		url:    upstream.JoinURL(o.BaseURL, o.EndpointPath),
		model:  o.Model,
		system: o.System,
		temp:   o.Temperature,
		header: header,
		do:     hc.Do,
	}, nil
}

type oaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaReq struct {
	Model       string      `json:"model"`
	Messages    []oaMessage `json:"messages"`
	Temperature *float64    `json:"temperature,omitempty"`
}

type oaResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (c *Client) Generate(ctx context.Context, fullPrompt string) (string, error) {
	req := oaReq{Model: c.model, Temperature: c.temp}
	if c.system != "" {
		req.Messages = append(req.Messages, oaMessage{Role: "system", Content: c.system})
	}
	req.Messages = append(req.Messages, oaMessage{Role: "user", Content: fullPrompt})
	var resp oaResp
	if err := upstream.PostJSON(ctx, c.do, upstream.Call{Provider: "openai", URL: c.url, Header: c.header, Body: &req}, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("openai: empty choices: %w", contract.ErrResponseInvalid)
	}
	return resp.Choices[0].Message.Content, nil
}

var _ contract.Generator = (*Client)(nil)
