package contract

// PromptBuilder: 基于固定提示词与分块构造最终请求文本。
// 约束：
//   - 纯计算，不做 I/O；
//   - 不修改分块内容；
//   - Overhead 仅包含与分块无关的固定开销（提示词 + 格式包装），单位为字符。
type PromptBuilder interface {
	Build(prompt string, c Chunk) string
	Overhead(prompt string) int
}
