package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// 键使用 snake_case；未知字段在解析期失败（JSON 与 YAML 一致）。
type Config struct {
	// Input: CLI 输入路径；"-" 或空表示 STDIN。
	Input      string  `json:"input,omitempty"`
	Prompt     string  `json:"prompt,omitempty"`
	PromptFile string  `json:"prompt_file,omitempty"`
	// Separator: 非 nil 时生效；显式空串表示不做边界搜索、按 chunk_size 硬切。
	Separator  *string `json:"separator,omitempty"`
	ChunkSize  int     `json:"chunk_size,omitempty"`

	ParallelRequests int `json:"parallel_requests,omitempty"`
	// MaxRequestsPerMinute: 0 表示不限流。
	MaxRequestsPerMinute int `json:"max_requests_per_minute,omitempty"`
	// SplitThreshold/PromptOverhead: 非 nil 时覆盖 splitter.threshold 与 prompt_builder.reserve。
	SplitThreshold *int `json:"split_threshold,omitempty"`
	PromptOverhead *int `json:"prompt_overhead,omitempty"`
	// DispatchMode: batch（默认）| pool。
	DispatchMode string `json:"dispatch_mode,omitempty"`

	Logging Logging `json:"logging"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`

	// 生成后端选择与定义。
	LLM      string              `json:"llm"`
	Provider map[string]Provider `json:"provider,omitempty"`

	// Store: 可选工件旁路；Name 为空表示不落工件。
	Store Store `json:"store"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`

	Server Server `json:"server"`
}

// Logging: 仅保留日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level,omitempty"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Reader        string `json:"reader,omitempty"`
	Splitter      string `json:"splitter,omitempty"`
	Batcher       string `json:"batcher,omitempty"`
	PromptBuilder string `json:"prompt_builder,omitempty"`
	Assembler     string `json:"assembler,omitempty"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Reader        json.RawMessage `json:"reader,omitempty"`
	Splitter      json.RawMessage `json:"splitter,omitempty"`
	Batcher       json.RawMessage `json:"batcher,omitempty"`
	PromptBuilder json.RawMessage `json:"prompt_builder,omitempty"`
	Assembler     json.RawMessage `json:"assembler,omitempty"`
}

// Provider: 命名 provider 定义（client 实现 + options）。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options,omitempty"`
}

// Store: 工件存储实现名与原样 Options。
type Store struct {
	Name    string          `json:"name,omitempty"`
	Options json.RawMessage `json:"options,omitempty"`
}

// Server: HTTP 模式配置。
type Server struct {
	Addr string `json:"addr,omitempty"`
	// RateRPS/RateBurst: 按客户端的入站令牌桶；RateRPS<=0 关闭。
	RateRPS   float64 `json:"rate_rps,omitempty"`
	RateBurst int     `json:"rate_burst,omitempty"`
	// MaxBodyBytes: 请求体上限（含上传文件）。
	MaxBodyBytes int64 `json:"max_body_bytes,omitempty"`
	// RequestTimeoutSeconds: 单请求处理超时。
	RequestTimeoutSeconds int `json:"request_timeout_seconds,omitempty"`
	// APIKeyHash: 非空时 /api/v1 需携带 X-API-Key，按 bcrypt 校验。
	APIKeyHash string `json:"api_key_hash,omitempty"`
}
