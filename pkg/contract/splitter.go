package contract

import "context"

// Splitter: 将文本按尺寸上限拆分为有序 Chunk 序列。
// 约束：
// 1) 纯计算，无 I/O、无内部并发；
// 2) Index 自 0 严格递增；
// 3) 按序拼接 Content 精确还原 text（不丢失、不重复）；
// 4) 空 text 返回零个分块。
type Splitter interface {
	Split(ctx context.Context, text string, chunkSize int, separator string) ([]Chunk, error)
}
