package contract

import (
	"errors"
	"fmt"
)

// 最小错误分类（用于上层策略判定与日志归类）。
var (
	// ErrConfig: 派生参数非法（如有效分块尺寸 <= 0、并发度 < 1）。对整次调用致命。
	ErrConfig = errors.New("config error")
	// ErrChunkTooSmall: 有效分块尺寸 <= 0；总与 ErrConfig 一同出现。
	ErrChunkTooSmall = errors.New("chunk size must be larger than prompt size")
	// ErrService: 单块调用生成服务失败。仅隔离在该块内，转为 Failure 结果。
	ErrService = errors.New("service error")
	// ErrRateLimited: 上游返回限流（HTTP 429）。
	ErrRateLimited = errors.New("rate limited")
	// ErrResponseInvalid: 上游响应无法解析或为空。
	ErrResponseInvalid = errors.New("response invalid")
	// ErrInvalidInput: 调用方输入非法。
	ErrInvalidInput = errors.New("invalid input")
	// ErrSeqInvalid: 结果序列不连续或乱序。
	ErrSeqInvalid = errors.New("sequence invalid")
	// ErrPathInvalid: 工件标识映射为无效/越界路径。
	ErrPathInvalid = errors.New("path invalid")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
)

// FailurePrefix: 失败结果在最终输出中的固定前缀。
const FailurePrefix = "Error processing chunk: "

// FormatFailure 将生成失败转换为嵌入输出的文本。
// 取底层原因文本；若 err 仅为 ErrService 包装，剥离外层前缀。
func FormatFailure(err error) string {
	if err == nil {
		return FailurePrefix
	}
	var se *ServiceError
	if errors.As(err, &se) && se.Cause != nil {
		return FailurePrefix + se.Cause.Error()
	}
	return FailurePrefix + err.Error()
}

// ServiceError: 生成服务失败的载体，errors.Is(err, ErrService) 为真。
type ServiceError struct {
	Cause error
}

func (e *ServiceError) Error() string {
	if e.Cause == nil {
		return ErrService.Error()
	}
	return fmt.Sprintf("%s: %v", ErrService, e.Cause)
}

func (e *ServiceError) Unwrap() []error { return []error{ErrService, e.Cause} }

// NewServiceError 包装生成服务错误；nil 返回 nil。
func NewServiceError(cause error) error {
	if cause == nil {
		return nil
	}
	var se *ServiceError
	if errors.As(cause, &se) {
		return cause
	}
	return &ServiceError{Cause: cause}
}

// ConfigError 以 ErrConfig 包装格式化信息。
func ConfigError(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, a...))
}
