package contract

import "context"

// BatchLimit: 批划分参数。
type BatchLimit struct {
	// Size: 每批最多分块数（即并发度）。必须为正数。
	Size int
}

// Batch: 一组连续分块，作为一个单元并发派发；下一批须等待本批全部完成。
type Batch struct {
	// Index: 批序（0..n-1，严格递增）。
	Index  int
	Chunks []Chunk
}

// Batcher: 将有序分块划分为连续批。
// 约束：不重排、不丢失；batch[k] = chunks[k*size : (k+1)*size]。
type Batcher interface {
	Make(ctx context.Context, chunks []Chunk, limit BatchLimit) ([]Batch, error)
}
