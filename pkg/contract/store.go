package contract

import (
	"context"
	"fmt"
	"time"
)

// Artifact: 单块结果的持久化记录。
type Artifact struct {
	RunID  string
	Result JobResult
}

// Store: 可选的单块结果持久化旁路。
// 约束：
//  1. 失败只影响旁路工件，调用方吞掉错误，不影响返回的聚合结果；
//  2. ctx 取消/超时需尽快返回；
//  3. 不做重试。
type Store interface {
	Put(ctx context.Context, a Artifact) error
}

// Closer: Store 可选实现，释放连接等资源。
type Closer interface {
	Close() error
}

// ArtifactName 返回工件名：chunk_<index>_<YYYYmmdd_HHMMSS>[_error].txt。
func ArtifactName(idx Index, kind OutcomeKind, at time.Time) string {
	suffix := ""
	if kind == OutcomeFailure {
		suffix = "_error"
	}
	return fmt.Sprintf("chunk_%d_%s%s.txt", idx, at.Format("20060102_150405"), suffix)
}
