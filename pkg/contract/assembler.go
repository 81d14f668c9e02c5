package contract

import "context"

// Assembler: 将有序结果按分隔符拼接为最终文本。
// 约束：
//  1. 结果必须按 Index 0..n-1 严格连续；
//  2. 失败消息原样嵌入输出，不丢弃；
//  3. 不重排、不去重、不裁剪；
//  4. 序列违规返回 ErrSeqInvalid。
type Assembler interface {
	Assemble(ctx context.Context, results []JobResult, separator string) (string, error)
}
