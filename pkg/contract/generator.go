package contract

import "context"

// Generator: 外部文本生成能力。
// 单次调用、同步返回；应尊重 ctx 取消/超时并及时释放资源。
// 不做重试：一次失败即对应该块的一个 Failure。
type Generator interface {
	Generate(ctx context.Context, fullPrompt string) (string, error)
}

// GeneratorFunc 适配普通函数为 Generator。
type GeneratorFunc func(ctx context.Context, fullPrompt string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, fullPrompt string) (string, error) {
	return f(ctx, fullPrompt)
}
