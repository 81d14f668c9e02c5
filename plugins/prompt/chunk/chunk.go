package chunk

import (
	"strings"
	"unicode/utf8"

	"chunkgen/pkg/contract"
)

// DefaultLabel: 提示词与分块之间的标签行。
const DefaultLabel = "Text chunk to process:"

// DefaultReserve: 为格式包装预留的固定字符数。
const DefaultReserve = 50

// Options 为分块 PromptBuilder 的可选配置。
type Options struct {
	// Label: 分块前的标签行；为空使用默认值。
	Label string `json:"label"`
	// Reserve: 计算有效分块尺寸时为格式包装预留的字符数；nil 采用默认 50。
	Reserve *int `json:"reserve"`
}

// Builder 构造 prompt + "\n\n" + label + "\n" + content。
// 运行期纯计算；不修改分块内容。
type Builder struct {
	label   string
	reserve int
}

// New 创建 Builder；Reserve < 0 返回 ErrConfig。
func New(opts *Options) (*Builder, error) {
	b := &Builder{label: DefaultLabel, reserve: DefaultReserve}
	if opts != nil {
		if opts.Label != "" {
			b.label = opts.Label
		}
		if opts.Reserve != nil {
			if *opts.Reserve < 0 {
				return nil, contract.ConfigError("prompt reserve must be >= 0, got %d", *opts.Reserve)
			}
			b.reserve = *opts.Reserve
		}
	}
	return b, nil
}

// Build 返回发送给生成服务的完整文本。
func (b *Builder) Build(prompt string, c contract.Chunk) string {
	var sb strings.Builder
	sb.Grow(len(prompt) + len(b.label) + len(c.Content) + 3)
	sb.WriteString(prompt)
	sb.WriteString("\n\n")
	sb.WriteString(b.label)
	sb.WriteByte('\n')
	sb.WriteString(c.Content)
	return sb.String()
}

// Overhead 返回与分块无关的固定开销：len(prompt) + reserve（按字符计）。
func (b *Builder) Overhead(prompt string) int {
	return utf8.RuneCountInString(prompt) + b.reserve
}

var _ contract.PromptBuilder = (*Builder)(nil)
