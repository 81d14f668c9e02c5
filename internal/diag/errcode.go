package diag

import (
	"context"
	"errors"
	"net"
	"os"

	"chunkgen/pkg/contract"
)

// Code 是最小错误分类代码。
// 仅用于日志/指标汇总，与退出码解耦。
type Code string

const (
	CodeUnknown   Code = "unknown"
	CodeConfig    Code = "config"
	CodeService   Code = "service"
	CodeNetwork   Code = "network"
	CodeProtocol  Code = "protocol"
	CodeInvariant Code = "invariant"
	CodeBudget    Code = "budget"
	CodeCancel    Code = "cancel"
	CodeIO        Code = "io"
)

// Classify 将错误归为最小分类。
// 只依赖哨兵错误与标准库错误类型，不做字符串匹配；具体原因优先于 ErrService 外层。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancel
	}
	if errors.Is(err, contract.ErrConfig) {
		return CodeConfig
	}
	if errors.Is(err, contract.ErrRateLimited) {
		return CodeBudget
	}
	if errors.Is(err, contract.ErrResponseInvalid) {
		return CodeProtocol
	}
	if errors.Is(err, contract.ErrInvariantViolation) ||
		errors.Is(err, contract.ErrInvalidInput) ||
		errors.Is(err, contract.ErrSeqInvalid) ||
		errors.Is(err, contract.ErrPathInvalid) {
		return CodeInvariant
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return CodeNetwork
	}
	if errors.Is(err, contract.ErrService) {
		return CodeService
	}
	return CodeUnknown
}
