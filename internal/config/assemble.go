package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"chunkgen/internal/pipeline"
	"chunkgen/pkg/contract"
	"chunkgen/pkg/registry"
)

// Validate 对最小必要边界做静态校验；失败均包装 ErrConfig。
func Validate(cfg Config) error {
	if cfg.ChunkSize < 1 {
		return contract.ConfigError("chunk_size must be >= 1, got %d", cfg.ChunkSize)
	}
	if cfg.ParallelRequests < 1 {
		return contract.ConfigError("parallel_requests must be >= 1, got %d", cfg.ParallelRequests)
	}
	if cfg.MaxRequestsPerMinute < 0 {
		return contract.ConfigError("max_requests_per_minute must be >= 1 when set, got %d", cfg.MaxRequestsPerMinute)
	}
	if cfg.SplitThreshold != nil && *cfg.SplitThreshold < 0 {
		return contract.ConfigError("split_threshold must be >= 0, got %d", *cfg.SplitThreshold)
	}
	if cfg.PromptOverhead != nil && *cfg.PromptOverhead < 0 {
		return contract.ConfigError("prompt_overhead must be >= 0, got %d", *cfg.PromptOverhead)
	}
	switch pipeline.Mode(cfg.DispatchMode) {
	case "", pipeline.ModeBatch, pipeline.ModePool:
	default:
		return contract.ConfigError("dispatch_mode %q not supported (batch|pool)", cfg.DispatchMode)
	}
	if cfg.LLM == "" {
		return contract.ConfigError("llm not set")
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return contract.ConfigError("provider %q not found", cfg.LLM)
	}
	if prov.Client == "" {
		return contract.ConfigError("provider %q missing client", cfg.LLM)
	}
	if registry.Generator[prov.Client] == nil {
		return contract.ConfigError("llm client %q not registered", prov.Client)
	}
	d := Defaults().Components
	if name := effName(cfg.Components.Reader, d.Reader); registry.Reader[name] == nil {
		return contract.ConfigError("reader %q not registered", name)
	}
	if name := effName(cfg.Components.Splitter, d.Splitter); registry.Splitter[name] == nil {
		return contract.ConfigError("splitter %q not registered", name)
	}
	if name := effName(cfg.Components.Batcher, d.Batcher); registry.Batcher[name] == nil {
		return contract.ConfigError("batcher %q not registered", name)
	}
	if name := effName(cfg.Components.PromptBuilder, d.PromptBuilder); registry.PromptBuilder[name] == nil {
		return contract.ConfigError("prompt_builder %q not registered", name)
	}
	if name := effName(cfg.Components.Assembler, d.Assembler); registry.Assembler[name] == nil {
		return contract.ConfigError("assembler %q not registered", name)
	}
	if cfg.Store.Name != "" && registry.Store[cfg.Store.Name] == nil {
		return contract.ConfigError("store %q not registered", cfg.Store.Name)
	}
	if cfg.Server.RateBurst < 0 || cfg.Server.MaxBodyBytes < 0 || cfg.Server.RequestTimeoutSeconds < 0 {
		return contract.ConfigError("server limits must be >= 0")
	}
	return nil
}

// Runtime: Assemble 的产物。
type Runtime struct {
	Components pipeline.Components
	Settings   pipeline.Settings
	Reader     contract.Reader
	// Request: 由配置给出的默认调用参数（Text 留空）。
	Request pipeline.Request
}

// Close 释放 Store 持有的连接（若有）。
func (rt Runtime) Close() error {
	if c, ok := rt.Components.Store.(contract.Closer); ok {
		return c.Close()
	}
	return nil
}

// Assemble 构造 Components、Settings 与默认 Request。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
func Assemble(ctx context.Context, cfg Config) (Runtime, error) {
	if err := Validate(cfg); err != nil {
		return Runtime{}, err
	}
	d := Defaults().Components
	rn := effName(cfg.Components.Reader, d.Reader)
	sn := effName(cfg.Components.Splitter, d.Splitter)
	bn := effName(cfg.Components.Batcher, d.Batcher)
	pn := effName(cfg.Components.PromptBuilder, d.PromptBuilder)
	an := effName(cfg.Components.Assembler, d.Assembler)

	splitOpts := cfg.Options.Splitter
	if cfg.SplitThreshold != nil && sn == "separator" {
		var err error
		if splitOpts, err = overlayKey(splitOpts, "threshold", *cfg.SplitThreshold); err != nil {
			return Runtime{}, contract.ConfigError("options.splitter: %v", err)
		}
	}
	pbOpts := cfg.Options.PromptBuilder
	if cfg.PromptOverhead != nil && pn == "chunk" {
		var err error
		if pbOpts, err = overlayKey(pbOpts, "reserve", *cfg.PromptOverhead); err != nil {
			return Runtime{}, contract.ConfigError("options.prompt_builder: %v", err)
		}
	}

	r, err := registry.Reader[rn](cfg.Options.Reader)
	if err != nil {
		return Runtime{}, wrapConfig("reader", err)
	}
	s, err := registry.Splitter[sn](splitOpts)
	if err != nil {
		return Runtime{}, wrapConfig("splitter", err)
	}
	b, err := registry.Batcher[bn](cfg.Options.Batcher)
	if err != nil {
		return Runtime{}, wrapConfig("batcher", err)
	}
	pb, err := registry.PromptBuilder[pn](pbOpts)
	if err != nil {
		return Runtime{}, wrapConfig("prompt_builder", err)
	}
	asm, err := registry.Assembler[an](cfg.Options.Assembler)
	if err != nil {
		return Runtime{}, wrapConfig("assembler", err)
	}
	prov := cfg.Provider[cfg.LLM]
	gen, err := registry.Generator[prov.Client](prov.Options)
	if err != nil {
		return Runtime{}, wrapConfig("llm "+cfg.LLM, err)
	}
	var st contract.Store
	if cfg.Store.Name != "" {
		st, err = registry.Store[cfg.Store.Name](ctx, cfg.Store.Options)
		if err != nil {
			return Runtime{}, wrapConfig("store "+cfg.Store.Name, err)
		}
	}

	promptText := cfg.Prompt
	if promptText == "" && cfg.PromptFile != "" {
		bs, err := os.ReadFile(cfg.PromptFile)
		if err != nil {
			return Runtime{}, wrapConfig("prompt_file", err)
		}
		promptText = strings.TrimRight(string(bs), "\r\n")
	}

	mode := pipeline.Mode(cfg.DispatchMode)
	if mode == "" {
		mode = pipeline.ModeBatch
	}
	return Runtime{
		Components: pipeline.Components{
			Splitter:      s,
			Batcher:       b,
			PromptBuilder: pb,
			Generator:     gen,
			Assembler:     asm,
			Store:         st,
		},
		Settings: pipeline.Settings{Mode: mode, LLM: cfg.LLM},
		Reader:   r,
		Request: pipeline.Request{
			Prompt:    promptText,
			Separator: cfg.SeparatorValue(),
			ChunkSize: cfg.ChunkSize,
			Parallel:  cfg.ParallelRequests,
			RPM:       cfg.MaxRequestsPerMinute,
		},
	}, nil
}

// wrapConfig: 组件构造失败统一视为配置错误（保留原始链）。
func wrapConfig(what string, err error) error {
	if errors.Is(err, contract.ErrConfig) {
		return fmt.Errorf("%s: %w", what, err)
	}
	return fmt.Errorf("%w: %s: %w", contract.ErrConfig, what, err)
}

// overlayKey 在原样 JSON 对象上设置顶层键（raw 为空视为 {}）。
func overlayKey(raw json.RawMessage, key string, v any) (json.RawMessage, error) {
	m := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(raw)) > 0 && string(bytes.TrimSpace(raw)) != "null" {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	m[key] = b
	return json.Marshal(m)
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
