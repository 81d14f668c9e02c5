package diag

import "sync"

// 指标钩子（默认 no-op），名称约定：
// - op_total{comp,stage,result}
// - error_total{comp,code}
// - op_duration_ms{comp,stage}
// 导出适配层通过 SetHooks 替换实现。
type Hooks struct {
	IncOp           func(comp, stage, result string)
	IncError        func(comp, code string)
	ObserveDuration func(comp, stage string, durMS int64)
}

var (
	hooksMu sync.RWMutex
	hooks   Hooks
)

// SetHooks 替换指标钩子；零值字段保持 no-op。返回旧值便于恢复。
func SetHooks(h Hooks) Hooks {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	old := hooks
	hooks = h
	return old
}

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) {
	hooksMu.RLock()
	f := hooks.IncOp
	hooksMu.RUnlock()
	if f != nil {
		f(comp, stage, result)
	}
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	hooksMu.RLock()
	f := hooks.IncError
	hooksMu.RUnlock()
	if f != nil {
		f(comp, code)
	}
}

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	hooksMu.RLock()
	f := hooks.ObserveDuration
	hooksMu.RUnlock()
	if f != nil {
		f(comp, stage, durMS)
	}
}
