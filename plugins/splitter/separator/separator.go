package separator

import (
	"context"

	"chunkgen/pkg/contract"
)

// DefaultThreshold: 分隔符搜索窗口半径（字符）。
const DefaultThreshold = 100

// Options 为分隔符 Splitter 的可选配置。
type Options struct {
	// Threshold: 在 [chunkSize-Threshold, chunkSize+Threshold] 内寻找分隔符。
	// nil 采用默认 100；0 表示总在 chunkSize 处硬切。
	Threshold *int `json:"threshold"`
}

// Splitter 在尺寸上限附近优先按分隔符切分。
// 长度单位为字符（rune），保证不会切断多字节字符。
type Splitter struct {
	threshold int
}

// New 创建 Splitter；Threshold < 0 返回 ErrConfig。
func New(opts *Options) (*Splitter, error) {
	th := DefaultThreshold
	if opts != nil && opts.Threshold != nil {
		th = *opts.Threshold
	}
	if th < 0 {
		return nil, contract.ConfigError("split threshold must be >= 0, got %d", th)
	}
	return &Splitter{threshold: th}, nil
}

// Threshold 返回生效的搜索半径。
func (s *Splitter) Threshold() int { return s.threshold }

// Split 反复在剩余后缀上计算切分点并切片，直至耗尽。
func (s *Splitter) Split(ctx context.Context, text string, chunkSize int, separator string) ([]contract.Chunk, error) {
	if chunkSize < 1 {
		return nil, contract.ConfigError("chunk size must be >= 1, got %d", chunkSize)
	}
	if text == "" {
		return nil, nil
	}
	rs := []rune(text)
	sep := []rune(separator)
	var out []contract.Chunk
	var idx contract.Index
	for pos := 0; pos < len(rs); {
		if err := ctxErr(ctx); err != nil {
			return nil, err
		}
		n := FindSplitPosition(rs[pos:], chunkSize, sep, s.threshold)
		if n <= 0 {
			// 不应发生：切分点必须推进
			return nil, contract.ErrInvariantViolation
		}
		out = append(out, contract.Chunk{Index: idx, Content: string(rs[pos : pos+n])})
		idx++
		pos += n
	}
	return out, nil
}

// FindSplitPosition 返回 remaining 上的切分长度：
//  1. 剩余不超过 chunkSize 时整体作为最后一块；
//  2. 在 [chunkSize-threshold, chunkSize+threshold]∩[0,len] 内寻找最后一个完整分隔符，
//     找到则切在分隔符之后（分隔符归前一块）；
//  3. 否则恰好切在 chunkSize。
func FindSplitPosition(remaining []rune, chunkSize int, sep []rune, threshold int) int {
	if len(remaining) <= chunkSize {
		return len(remaining)
	}
	if len(sep) > 0 {
		start := chunkSize - threshold
		if start < 0 {
			start = 0
		}
		end := chunkSize + threshold
		if end > len(remaining) {
			end = len(remaining)
		}
		if start < end {
			if off := lastIndex(remaining[start:end], sep); off >= 0 {
				return start + off + len(sep)
			}
		}
	}
	return chunkSize
}

// lastIndex 返回 sep 在 s 中最后一次完整出现的位置；不存在返回 -1。
func lastIndex(s, sep []rune) int {
	for i := len(s) - len(sep); i >= 0; i-- {
		match := true
		for j := range sep {
			if s[i+j] != sep[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

var _ contract.Splitter = (*Splitter)(nil)
