package config

import "encoding/json"

// DefaultTemplateConfig 返回一个可直接运行的默认配置模板：
// - 使用 mock 生成后端（离线调试友好），另列出 gemini/openai/ollama 供切换；
// - 默认输入为 STDIN（"-"），工件写入 ./responses；
// - 选项给出全部键与中性默认值。
func DefaultTemplateConfig() Config {
	d := Defaults()
	th, reserve := 100, 50
	sep := d.SeparatorValue()
	cfg := Config{
		Input:            d.Input,
		Prompt:           "Summarize the following text.",
		Separator:        &sep,
		ChunkSize:        d.ChunkSize,
		ParallelRequests: 2,
		SplitThreshold:   &th,
		PromptOverhead:   &reserve,
		DispatchMode:     d.DispatchMode,
		Logging:          d.Logging,
		Components:       d.Components,
		LLM:              "mock",
		Provider: map[string]Provider{
			"mock": {
				Client:  "mock",
				Options: json.RawMessage(`{"prefix":"MOCK","response_mode":"chunk"}`),
			},
			"gemini": {
				Client: "gemini",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "gemini-1.5-flash",
  "api_key_env": "API_KEY",
  "api_key": "",
  "endpoint_path": "",
  "timeout_seconds": 60,
  "api_key_in_query": false,
  "extra_headers": {},
  "extra_query": {}
}`),
			},
			"openai": {
				Client: "openai",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "OPENAI_API_KEY",
  "api_key": "",
  "timeout_seconds": 60,
  "temperature": null,
  "endpoint_path": "",
  "disable_default_auth": false,
  "extra_headers": {}
}`),
			},
			"ollama": {
				Client:  "ollama",
				Options: json.RawMessage(`{"base_url":"","model":"","timeout_seconds":120}`),
			},
		},
		Store: Store{
			Name:    "fs",
			Options: json.RawMessage(`{"output_dir":"responses","run_subdir":false,"atomic":true}`),
		},
		Server: d.Server,
	}
	cfg.Options.Reader = json.RawMessage(`{"buf_size":65536,"max_bytes":0,"allow_invalid_utf8":false}`)
	cfg.Options.Splitter = json.RawMessage(`{}`)
	cfg.Options.Batcher = json.RawMessage(`{}`)
	cfg.Options.PromptBuilder = json.RawMessage(`{"label":"Text chunk to process:"}`)
	cfg.Options.Assembler = json.RawMessage(`{}`)
	return cfg
}

// EnvTemplate: --init-config 写出的 .env 模板。
const EnvTemplate = `# chunkgen 环境变量（.env 不会覆盖已存在的环境变量）
# Gemini
API_KEY=
# OpenAI 兼容
OPENAI_API_KEY=
# Ollama
OLLAMA_BASE_URL=http://127.0.0.1:11434
OLLAMA_MODEL=llama3:8b
# 工件存储（redis/postgres）
PG_URL=
# 覆盖示例
# CHUNKGEN_LLM=gemini
# CHUNKGEN_MAX_REQUESTS_PER_MINUTE=15
# CHUNKGEN_SEPARATOR=\n\n
`
