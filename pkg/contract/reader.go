package contract

import "context"

// Reader: 输入源抽象（文件或 STDIN）。
// 约束：一次读入完整文本；不做解码/业务解析；不在内部起并发。
type Reader interface {
	Load(ctx context.Context, source string) (string, error)
}
