package registry

import (
	"bytes"
	"context"
	"encoding/json"

	"chunkgen/pkg/contract"
	linear "chunkgen/plugins/assembler/linear"
	bfixed "chunkgen/plugins/batcher/fixed"
	flaky "chunkgen/plugins/llmclient/flaky"
	gmi "chunkgen/plugins/llmclient/gemini"
	mock "chunkgen/plugins/llmclient/mock"
	oll "chunkgen/plugins/llmclient/ollama"
	oai "chunkgen/plugins/llmclient/openai"
	pchunk "chunkgen/plugins/prompt/chunk"
	rfs "chunkgen/plugins/reader/filesystem"
	ssep "chunkgen/plugins/splitter/separator"
	stfs "chunkgen/plugins/store/filesystem"
	stpg "chunkgen/plugins/store/postgres"
	strd "chunkgen/plugins/store/redis"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// 工厂签名：统一接收原样 JSON Options。
type (
	NewReader        func(raw json.RawMessage) (contract.Reader, error)
	NewSplitter      func(raw json.RawMessage) (contract.Splitter, error)
	NewBatcher       func(raw json.RawMessage) (contract.Batcher, error)
	NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)
	NewGenerator     func(raw json.RawMessage) (contract.Generator, error)
	NewAssembler     func(raw json.RawMessage) (contract.Assembler, error)
	// NewStore 可能建立连接池，需要 ctx。
	NewStore func(ctx context.Context, raw json.RawMessage) (contract.Store, error)
)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 文件/STDIN
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// Splitter 工厂注册表。
var Splitter = map[string]NewSplitter{
	// separator: 尺寸上限附近按分隔符切分
	"separator": func(raw json.RawMessage) (contract.Splitter, error) {
		var opts ssep.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return ssep.New(&opts)
	},
}

// Batcher 工厂注册表。
var Batcher = map[string]NewBatcher{
	"fixed": func(raw json.RawMessage) (contract.Batcher, error) {
		var opts struct{}
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return bfixed.New(), nil
	},
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	// chunk: prompt + 标签行 + 分块正文
	"chunk": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts pchunk.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return pchunk.New(&opts)
	},
}

// Generator 工厂注册表；各客户端自行解码 Options。
var Generator = map[string]NewGenerator{
	"gemini": gmi.New,
	"openai": oai.New,
	"ollama": oll.New,
	"mock":   mock.New,
	"flaky":  flaky.New,
}

// Assembler 工厂注册表。
var Assembler = map[string]NewAssembler{
	"linear": func(raw json.RawMessage) (contract.Assembler, error) {
		var opts linear.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return linear.New(&opts)
	},
}

// Store 工厂注册表。
var Store = map[string]NewStore{
	// fs: responses/chunk_<i>_<ts>[_error].txt
	"fs": func(ctx context.Context, raw json.RawMessage) (contract.Store, error) {
		var opts stfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return stfs.New(&opts)
	},
	"redis": func(ctx context.Context, raw json.RawMessage) (contract.Store, error) {
		var opts strd.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return strd.New(&opts)
	},
	"postgres": func(ctx context.Context, raw json.RawMessage) (contract.Store, error) {
		var opts stpg.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return stpg.New(ctx, &opts)
	},
}
