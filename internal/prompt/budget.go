package prompt

import (
	"fmt"
	"unicode/utf8"

	"chunkgen/pkg/contract"
)

// DefaultReserve: 为格式包装预留的固定字符数。
const DefaultReserve = 50

// Len 返回文本长度（按字符计，与分块尺寸单位一致）。
func Len(s string) int { return utf8.RuneCountInString(s) }

// EffectiveChunkSize 计算扣除固定提示开销后的分块尺寸。
// 返回 (effective, overhead)；effective <= 0 时返回 ErrConfig 与 ErrChunkTooSmall，调用方须在任何分块/生成调用之前失败。
func EffectiveChunkSize(pb contract.PromptBuilder, prompt string, chunkSize int) (int, int, error) {
	if chunkSize < 1 {
		return 0, 0, contract.ConfigError("chunk size must be >= 1, got %d", chunkSize)
	}
	overhead := Len(prompt) + DefaultReserve
	if pb != nil {
		overhead = pb.Overhead(prompt)
	}
	eff := chunkSize - overhead
	if eff <= 0 {
		return 0, overhead, fmt.Errorf("%w: %w (chunk_size=%d, overhead=%d)", contract.ErrConfig, contract.ErrChunkTooSmall, chunkSize, overhead)
	}
	return eff, overhead, nil
}
