package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix: 环境变量覆盖的统一前缀。
const EnvPrefix = "CHUNKGEN_"

// DefaultSeparator: 未配置分隔符时使用。
const DefaultSeparator = "\n\n"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：LLM 不设默认（必须由文件/ENV/CLI 提供）。
func Defaults() Config {
	sep := DefaultSeparator
	return Config{
		Input:            "-",
		Separator:        &sep,
		ChunkSize:        1000,
		ParallelRequests: 1,
		DispatchMode:     "batch",
		Logging:          Logging{Level: "info"},
		Components: Components{
			Reader:        "fs",
			Splitter:      "separator",
			Batcher:       "fixed",
			PromptBuilder: "chunk",
			Assembler:     "linear",
		},
		Server: Server{
			Addr:                  ":8080",
			RateRPS:               2,
			RateBurst:             5,
			MaxBodyBytes:          10 << 20,
			RequestTimeoutSeconds: 300,
		},
	}
}

// Load 按扩展名选择解析器：.yaml/.yml 走 YAML，其余按 JSON。
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(b)
	default:
		return LoadJSON("", b)
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
func LoadJSON(path string, raw []byte) (Config, error) {
	var cfg Config
	switch {
	case len(raw) > 0:
	case path != "":
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		raw = b
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config json: %w", err)
	}
	return cfg, nil
}

// LoadYAML 将 YAML 转成等价 JSON 后按 LoadJSON 严格解析；
// 组件 Options 子树因此保持原样 JSON 语义。
func LoadYAML(raw []byte) (Config, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{}, fmt.Errorf("config yaml: %w", err)
	}
	if doc == nil {
		return Config{}, errors.New("config yaml: empty document")
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return Config{}, fmt.Errorf("config yaml: %w", err)
	}
	return LoadJSON("", b)
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	setStr(&out.Input, over.Input)
	if over.Prompt != "" {
		out.Prompt = over.Prompt
	}
	setStr(&out.PromptFile, over.PromptFile)
	// 分隔符允许空白字符与空串，不做 Trim
	if over.Separator != nil {
		v := *over.Separator
		out.Separator = &v
	}
	if over.ChunkSize != 0 {
		out.ChunkSize = over.ChunkSize
	}
	if over.ParallelRequests != 0 {
		out.ParallelRequests = over.ParallelRequests
	}
	if over.MaxRequestsPerMinute != 0 {
		out.MaxRequestsPerMinute = over.MaxRequestsPerMinute
	}
	if over.SplitThreshold != nil {
		v := *over.SplitThreshold
		out.SplitThreshold = &v
	}
	if over.PromptOverhead != nil {
		v := *over.PromptOverhead
		out.PromptOverhead = &v
	}
	setStr(&out.DispatchMode, over.DispatchMode)
	setStr(&out.Logging.Level, over.Logging.Level)

	setStr(&out.Components.Reader, over.Components.Reader)
	setStr(&out.Components.Splitter, over.Components.Splitter)
	setStr(&out.Components.Batcher, over.Components.Batcher)
	setStr(&out.Components.PromptBuilder, over.Components.PromptBuilder)
	setStr(&out.Components.Assembler, over.Components.Assembler)

	// Provider（完整替换对应键）
	if len(over.Provider) > 0 {
		merged := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			merged[k] = v
		}
		for k, v := range over.Provider {
			merged[k] = v
		}
		out.Provider = merged
	}
	setStr(&out.LLM, over.LLM)

	if strings.TrimSpace(over.Store.Name) != "" {
		out.Store.Name = strings.TrimSpace(over.Store.Name)
	}
	if len(over.Store.Options) > 0 {
		out.Store.Options = cloneRaw(over.Store.Options)
	}

	if len(over.Options.Reader) > 0 {
		out.Options.Reader = cloneRaw(over.Options.Reader)
	}
	if len(over.Options.Splitter) > 0 {
		out.Options.Splitter = cloneRaw(over.Options.Splitter)
	}
	if len(over.Options.Batcher) > 0 {
		out.Options.Batcher = cloneRaw(over.Options.Batcher)
	}
	if len(over.Options.PromptBuilder) > 0 {
		out.Options.PromptBuilder = cloneRaw(over.Options.PromptBuilder)
	}
	if len(over.Options.Assembler) > 0 {
		out.Options.Assembler = cloneRaw(over.Options.Assembler)
	}

	setStr(&out.Server.Addr, over.Server.Addr)
	if over.Server.RateRPS != 0 {
		out.Server.RateRPS = over.Server.RateRPS
	}
	if over.Server.RateBurst != 0 {
		out.Server.RateBurst = over.Server.RateBurst
	}
	if over.Server.MaxBodyBytes != 0 {
		out.Server.MaxBodyBytes = over.Server.MaxBodyBytes
	}
	if over.Server.RequestTimeoutSeconds != 0 {
		out.Server.RequestTimeoutSeconds = over.Server.RequestTimeoutSeconds
	}
	setStr(&out.Server.APIKeyHash, over.Server.APIKeyHash)
	return out
}

// SeparatorValue 返回生效的分隔符；未设置时为 DefaultSeparator。
func (c Config) SeparatorValue() string {
	if c.Separator == nil {
		return DefaultSeparator
	}
	return *c.Separator
}

func setStr(dst *string, v string) {
	if t := strings.TrimSpace(v); t != "" {
		*dst = t
	}
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 前缀 CHUNKGEN_；未知键忽略。数值非法时返回错误。
// 另支持 PROVIDER__<name>__CLIENT / PROVIDER__<name>__OPTIONS_JSON。
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	prov := map[string]Provider{}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key := kv[len(EnvPrefix):eq]
		val := kv[eq+1:]
		var err error
		switch key {
		case "INPUT":
			over.Input = strings.TrimSpace(val)
		case "PROMPT":
			over.Prompt = val
		case "PROMPT_FILE":
			over.PromptFile = strings.TrimSpace(val)
		case "SEPARATOR":
			v := UnescapeSeparator(val)
			over.Separator = &v
		case "CHUNK_SIZE":
			over.ChunkSize, err = atoi(val)
		case "PARALLEL_REQUESTS":
			over.ParallelRequests, err = atoi(val)
		case "MAX_REQUESTS_PER_MINUTE":
			over.MaxRequestsPerMinute, err = atoi(val)
		case "SPLIT_THRESHOLD":
			var v int
			if v, err = atoi(val); err == nil {
				over.SplitThreshold = &v
			}
		case "PROMPT_OVERHEAD":
			var v int
			if v, err = atoi(val); err == nil {
				over.PromptOverhead = &v
			}
		case "DISPATCH_MODE":
			over.DispatchMode = strings.TrimSpace(val)
		case "LOG_LEVEL":
			over.Logging.Level = strings.TrimSpace(val)
		case "LLM":
			over.LLM = strings.TrimSpace(val)
		case "COMPONENTS_READER":
			over.Components.Reader = strings.TrimSpace(val)
		case "COMPONENTS_SPLITTER":
			over.Components.Splitter = strings.TrimSpace(val)
		case "COMPONENTS_BATCHER":
			over.Components.Batcher = strings.TrimSpace(val)
		case "COMPONENTS_PROMPT_BUILDER":
			over.Components.PromptBuilder = strings.TrimSpace(val)
		case "COMPONENTS_ASSEMBLER":
			over.Components.Assembler = strings.TrimSpace(val)
		case "STORE":
			over.Store.Name = strings.TrimSpace(val)
		case "STORE_OPTIONS_JSON":
			if strings.TrimSpace(val) != "" {
				over.Store.Options = json.RawMessage(val)
			}
		case "SERVER_ADDR":
			over.Server.Addr = strings.TrimSpace(val)
		case "SERVER_RATE_RPS":
			over.Server.RateRPS, err = strconv.ParseFloat(strings.TrimSpace(val), 64)
		case "SERVER_RATE_BURST":
			over.Server.RateBurst, err = atoi(val)
		case "SERVER_API_KEY_HASH":
			over.Server.APIKeyHash = strings.TrimSpace(val)
		default:
			if strings.HasPrefix(key, "PROVIDER__") {
				parseProviderKey(prov, key, val)
			}
		}
		if err != nil {
			return Config{}, fmt.Errorf("env %s%s: %w", EnvPrefix, key, err)
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

// parseProviderKey: PROVIDER__<name>__CLIENT|OPTIONS_JSON；空值不覆盖文件配置。
func parseProviderKey(prov map[string]Provider, key, val string) {
	parts := strings.Split(key, "__")
	if len(parts) != 3 || strings.TrimSpace(parts[1]) == "" {
		return
	}
	name := strings.TrimSpace(parts[1])
	p := prov[name]
	switch parts[2] {
	case "CLIENT":
		if tv := strings.TrimSpace(val); tv != "" {
			p.Client = tv
			prov[name] = p
		}
	case "OPTIONS_JSON":
		if strings.TrimSpace(val) != "" {
			p.Options = json.RawMessage(val)
			prov[name] = p
		}
	}
}

// UnescapeSeparator 将 `\n\n`、`\t` 等转义序列还原为实际字符；非法转义原样返回。
func UnescapeSeparator(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	if u, err := strconv.Unquote(`"` + strings.ReplaceAll(s, `"`, `\"`) + `"`); err == nil {
		return u
	}
	return s
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
