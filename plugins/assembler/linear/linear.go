package linear

import (
	"context"
	"strings"

	"chunkgen/pkg/contract"
)

// Options: 预留占位，线性装配无需配置。
type Options struct{}

type assembler struct{}

// New 创建线性装配器；Options 无字段，未知键由注册表的严格解码拒绝。
func New(opts *Options) (contract.Assembler, error) {
	return &assembler{}, nil
}

// Assemble 按 Index 严格 0..n-1 升序，用 separator 拼接每个结果的文本；
// 失败结果的消息原样嵌入。发现缺号、逆序或重复即返回 ErrSeqInvalid。
func (a *assembler) Assemble(ctx context.Context, results []contract.JobResult, separator string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	if len(results) == 0 {
		return "", nil
	}

	size := len(separator) * (len(results) - 1)
	for i, r := range results {
		if int(r.Index) != i {
			return "", contract.ErrSeqInvalid
		}
		size += len(r.Outcome.Text)
	}

	var sb strings.Builder
	sb.Grow(size)
	for i, r := range results {
		if i > 0 {
			sb.WriteString(separator)
		}
		// 不裁剪、不去重
		sb.WriteString(r.Outcome.Text)
	}
	return sb.String(), nil
}

var _ contract.Assembler = (*assembler)(nil)
