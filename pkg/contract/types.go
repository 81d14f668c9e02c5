package contract

import "time"

// Index: 分块在原文中的位置（0..n-1）。
type Index int

// Chunk: 原文的一段连续切片。
// 约束：
// - 创建后不可变；
// - Index 自 0 严格递增，按原文顺序分配；
// - 按 Index 顺序拼接所有 Content 必须精确还原原文。
type Chunk struct {
	Index   Index
	Content string
}

// Job: 调度单元（分块 + 固定提示词）。仅由 Dispatcher 持有，结果记录后即丢弃。
type Job struct {
	Chunk  Chunk
	Prompt string
}

// OutcomeKind: 单块处理结果种类。
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
)

// Outcome: Success(text) | Failure(message)。
// Failure 是合法终态而非传播的故障：聚合结果中该位置仍有条目。
type Outcome struct {
	Kind OutcomeKind
	Text string
}

// Succeeded 构造成功结果。
func Succeeded(text string) Outcome { return Outcome{Kind: OutcomeSuccess, Text: text} }

// Failed 构造失败结果；message 为最终可见文本。
func Failed(message string) Outcome { return Outcome{Kind: OutcomeFailure, Text: message} }

// JobResult: 带原始分块序号的单块结果。
type JobResult struct {
	Index   Index
	Outcome Outcome
	// At: 结果产生时刻（用于工件命名）。
	At time.Time
}

// OK 报告该结果是否为成功。
func (r JobResult) OK() bool { return r.Outcome.Kind == OutcomeSuccess }
