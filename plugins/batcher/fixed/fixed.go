package fixed

import (
	"context"
	"fmt"

	"chunkgen/pkg/contract"
)

// Batcher 将分块按固定个数划分为连续批：batch[k] = chunks[k*p : (k+1)*p]。
type Batcher struct{}

// New 创建固定大小 Batcher。
func New() *Batcher { return &Batcher{} }

// Make 校验 Index 自 0 连续后按 limit.Size 切片；批内顺序与分块顺序一致。
func (b *Batcher) Make(ctx context.Context, chunks []contract.Chunk, limit contract.BatchLimit) ([]contract.Batch, error) {
	if limit.Size < 1 {
		return nil, contract.ConfigError("parallel requests must be >= 1, got %d", limit.Size)
	}
	n := len(chunks)
	if n == 0 {
		return nil, nil
	}
	for i, c := range chunks {
		if int(c.Index) != i {
			return nil, fmt.Errorf("batcher: chunk index must be contiguous from 0, got %d at %d: %w", c.Index, i, contract.ErrSeqInvalid)
		}
	}
	batches := make([]contract.Batch, 0, (n+limit.Size-1)/limit.Size)
	for lo := 0; lo < n; lo += limit.Size {
		if err := ctxErr(ctx); err != nil {
			return nil, err
		}
		hi := lo + limit.Size
		if hi > n {
			hi = n
		}
		batches = append(batches, contract.Batch{Index: len(batches), Chunks: chunks[lo:hi:hi]})
	}
	return batches, nil
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

var _ contract.Batcher = (*Batcher)(nil)
