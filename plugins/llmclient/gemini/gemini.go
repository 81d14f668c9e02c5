package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"chunkgen/pkg/contract"
	"chunkgen/plugins/llmclient/internal/upstream"
)

// Options: Google Generative Language API (Gemini) 最小必需。
type Options struct {
	BaseURL   string `json:"base_url"`    // https://generativelanguage.googleapis.com
	Model     string `json:"model"`       // 默认 gemini-1.5-flash
	APIKeyEnv string `json:"api_key_env"` // 默认 API_KEY，缺失时回退 GOOGLE_API_KEY
	APIKey    string `json:"api_key"`
	// 客户端超时（秒）。未设置或 <=0 时采用默认 60 秒。
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	// 第三方兼容（最小）
	EndpointPath  string            `json:"endpoint_path"`    // 可覆盖默认 /v1beta/models/{model}:generateContent；支持 {model} 占位
	APIKeyInQuery *bool             `json:"api_key_in_query"` // 默认 false，使用 x-goog-api-key 头；为 true 时改用 ?key=
	ExtraHeaders  map[string]string `json:"extra_headers"`
	ExtraQuery    map[string]string `json:"extra_query"`
	// 采样参数（可选）
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
}

const fallbackKeyEnv = "GOOGLE_API_KEY"

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if o.Model == "" {
		o.Model = "gemini-1.5-flash"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/v1beta/models/{model}:generateContent"
	}
	if o.APIKeyInQuery == nil {
		f := false
		o.APIKeyInQuery = &f
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
}

// Client: URL（含 key 查询参数时已编码）与请求头在构造期固定。
type Client struct {
	url    string
	apiKey string
	header http.Header
	gen    *gmGenerationConfig
	do     upstream.Doer
}

func New(raw json.RawMessage) (contract.Generator, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("gemini options: %w", err)
		}
	}
	o.defaults()
	key := o.APIKey
	for _, env := range []string{o.APIKeyEnv, fallbackKeyEnv} {
		if key == "" {
			key = os.Getenv(env)
		}
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: missing api key (set %s)", contract.ErrInvalidInput, o.APIKeyEnv)
	}
	u, err := url.Parse(upstream.JoinURL(o.BaseURL, strings.ReplaceAll(o.EndpointPath, "{model}", url.PathEscape(o.Model))))
	if err != nil {
		return nil, fmt.Errorf("gemini: endpoint: %v: %w", err, contract.ErrInvalidInput)
	}
	q := u.Query()
	for k, v := range o.ExtraQuery {
		if k != "" {
			q.Set(k, v)
		}
	}
	header := upstream.Headers(o.ExtraHeaders)
	if *o.APIKeyInQuery {
		q.Set("key", key)
	} else {
		header.Set("x-goog-api-key", key)
	}
	u.RawQuery = q.Encode()

	var gen *gmGenerationConfig
	if o.Temperature != nil || o.MaxOutputTokens > 0 {
		gen = &gmGenerationConfig{Temperature: o.Temperature, MaxOutputTokens: o.MaxOutputTokens}
	}
	hc := &http.Client{Timeout: time.Duration(o.TimeoutSeconds) * time.Second}
	return &Client{url: u.String(), apiKey: key, header: header, gen: gen, do: hc.Do}, nil
}

type gmPart struct {
	Text string `json:"text"`
}

type gmContent struct {
	Role  string   `json:"role,omitempty"`
	Parts []gmPart `json:"parts"`
}

type gmGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type gmReq struct {
	Contents         []gmContent         `json:"contents"`
	GenerationConfig *gmGenerationConfig `json:"generationConfig,omitempty"`
}

type gmResp struct {
	Candidates []struct {
		Content struct {
			Parts []gmPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

// Generate 以单条 user 消息调用 generateContent，拼接首个候选的全部文本片段。
func (c *Client) Generate(ctx context.Context, fullPrompt string) (string, error) {
	req := gmReq{
		Contents:         []gmContent{{Role: "user", Parts: []gmPart{{Text: fullPrompt}}}},
		GenerationConfig: c.gen,
	}
	var resp gmResp
	if err := upstream.PostJSON(ctx, c.do, upstream.Call{Provider: "gemini", URL: c.url, Header: c.header, Body: &req}, &resp); err != nil {
		return "", err
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" {
		return "", fmt.Errorf("gemini: prompt blocked (%s): %w", fb.BlockReason, contract.ErrResponseInvalid)
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("gemini: no candidates: %w", contract.ErrResponseInvalid)
	}
	cand := resp.Candidates[0]
	var sb strings.Builder
	for _, p := range cand.Content.Parts {
		sb.WriteString(p.Text)
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("gemini: empty text (finish=%s): %w", cand.FinishReason, contract.ErrResponseInvalid)
	}
	return sb.String(), nil
}

var _ contract.Generator = (*Client)(nil)
