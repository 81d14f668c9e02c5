package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"chunkgen/internal/diag"
	"chunkgen/internal/prompt"
	"chunkgen/internal/rate"
	"chunkgen/pkg/contract"
)

// - 单点并发：仅此层管理并发；原子组件均为同步、无内部并发。
// - 结果按分块 Index 定位写入，与完成顺序无关。
// - 失败隔离：单块生成失败转为 Failure 结果，不取消兄弟任务，不跨批传播。
// - 取消：不再调度新批/新任务；在途任务在脱离取消的 ctx 上跑完。

// Mode: 调度方式。
type Mode string

const (
	// ModeBatch: 顺序批，批内并发，整批完成后才开始下一批。
	ModeBatch Mode = "batch"
	// ModePool: 信号量限流的任务池，无批边界，峰值并发同样不超过 parallel。
	ModePool Mode = "pool"
)

// DefaultStoreTimeout: 单个工件写入的超时。
const DefaultStoreTimeout = 10 * time.Second

// Components 聚合运行所需的原子组件。Store 可为 nil（不落工件）。
type Components struct {
	Splitter      contract.Splitter
	Batcher       contract.Batcher
	PromptBuilder contract.PromptBuilder
	Generator     contract.Generator
	Assembler     contract.Assembler
	Store         contract.Store
}

// Settings 运行期配置（与单次调用参数无关的部分）。
type Settings struct {
	Mode Mode
	// LLM: 生成后端名称，仅用于日志与终端提示。
	LLM string
	// Window: 限流窗口，<=0 取 rate.DefaultWindow。
	Window time.Duration
	// LimiterOptions 透传给每次调用新建的 rate.Window（测试注入时钟）。
	LimiterOptions []rate.Option
	// StoreTimeout: 工件写入超时，<=0 取 DefaultStoreTimeout。
	StoreTimeout time.Duration
	// Now: 结果时间戳来源，nil 取 time.Now。
	Now func() time.Time
}

func (s Settings) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Settings) window() time.Duration {
	if s.Window > 0 {
		return s.Window
	}
	return rate.DefaultWindow
}

// Request: 单次调用参数。
type Request struct {
	Prompt    string
	Text      string
	Separator string
	ChunkSize int
	Parallel  int
	// RPM: 每分钟最大请求数；0 表示不限流，负数非法。
	RPM int
}

// Report: 单次调用的完整结果。
type Report struct {
	RunID    string
	Output   string
	Results  []contract.JobResult
	Parallel int
	Failed   int
}

// Generate 执行 Splitter → Dispatcher(+限流) → Assembler，返回拼接后的文本。
func Generate(ctx context.Context, comp Components, req Request, set Settings, logger *diag.Logger) (string, error) {
	rep, err := Run(ctx, comp, req, set, logger)
	if err != nil {
		return "", err
	}
	return rep.Output, nil
}

// Run 同 Generate，但返回逐块结果与统计。
// 约束：配置错误在任何分块产生、任何外部调用之前返回。
func Run(ctx context.Context, comp Components, req Request, set Settings, logger *diag.Logger) (Report, error) {
	rep := Report{RunID: uuid.NewString()}
	if err := sanity(comp, req); err != nil {
		logFailure(logger, "pipeline", "sanity failed", err, "", "")
		return rep, fmt.Errorf("sanity: %w", err)
	}
	eff, overhead, err := prompt.EffectiveChunkSize(comp.PromptBuilder, req.Prompt, req.ChunkSize)
	if err != nil {
		logFailure(logger, "prompt_builder", "effective chunk size", err, "", "")
		return rep, err
	}
	logger.DebugStart("prompt_builder", "budget", "", "", map[string]string{
		"chunk_size": strconv.Itoa(req.ChunkSize),
		"overhead":   strconv.Itoa(overhead),
		"effective":  strconv.Itoa(eff),
	})

	stimer := logger.Start("splitter", "split")
	chunks, err := comp.Splitter.Split(ctx, req.Text, eff, req.Separator)
	if err != nil {
		logFailure(logger, "splitter", "split failed", err, "", "")
		return rep, fmt.Errorf("splitter split: %w", err)
	}
	stimer.Finish("split", int64(len(chunks)))
	diag.IncOp("splitter", "finish", "success")

	var lim rate.Limiter
	if req.RPM > 0 {
		// 每次调用新建，不跨调用共享窗口状态
		w, err := rate.NewWindow(req.RPM, set.window(), set.LimiterOptions...)
		if err != nil {
			return rep, err
		}
		lim = w
	}

	term := diag.GetTerminal()
	rep.Parallel = EffectiveParallel(req.Parallel, lim)
	term.RunStart(rep.Parallel, set.LLM)
	start := time.Now()

	results, derr := dispatch(ctx, comp, set, chunks, req.Prompt, req.Parallel, lim, rep.RunID, logger)
	rep.Results = results
	for _, r := range results {
		if !r.OK() {
			rep.Failed++
		}
	}
	if derr != nil {
		term.RunFinish(false, rep.Failed, time.Since(start))
		logFailure(logger, "pipeline", "dispatch stopped", derr, "", "")
		return rep, fmt.Errorf("dispatch: %w", derr)
	}

	atimer := logger.Start("assembler", "assemble")
	out, err := comp.Assembler.Assemble(ctx, results, req.Separator)
	if err != nil {
		term.RunFinish(false, rep.Failed, time.Since(start))
		logFailure(logger, "assembler", "assemble failed", err, "", "")
		return rep, fmt.Errorf("assembler assemble: %w", err)
	}
	atimer.Finish("assemble", int64(len(results)))
	diag.IncOp("assembler", "finish", "success")
	diag.ObserveDuration("pipeline", "generate", time.Since(start).Milliseconds())
	term.RunFinish(true, rep.Failed, time.Since(start))
	logger.InfoFinish("pipeline", "generate", start, int64(len(results)))
	rep.Output = out
	return rep, nil
}

// Dispatch 并发执行分块任务，返回按 Index 排列的结果。
// lim 为 nil 时不限流；为 *rate.Window 时 parallel 被压到其上限。
// lim.Acquire 返回错误时该块记为 Failure，不调用生成服务。
// ctx 取消后返回已完成前缀与包装后的 ctx.Err()。
func Dispatch(ctx context.Context, comp Components, set Settings, chunks []contract.Chunk, promptText string, parallel int, lim rate.Limiter, logger *diag.Logger) ([]contract.JobResult, error) {
	if comp.PromptBuilder == nil || comp.Generator == nil {
		return nil, contract.ConfigError("pipeline: missing components")
	}
	if parallel < 1 {
		return nil, contract.ConfigError("parallel requests must be >= 1, got %d", parallel)
	}
	return dispatch(ctx, comp, set, chunks, promptText, parallel, lim, uuid.NewString(), logger)
}

// EffectiveParallel: 限流启用且 parallel 超过每窗口上限时，压到上限。
func EffectiveParallel(parallel int, lim rate.Limiter) int {
	if w, ok := lim.(interface{ Max() int }); ok && parallel > w.Max() {
		return w.Max()
	}
	return parallel
}

func dispatch(ctx context.Context, comp Components, set Settings, chunks []contract.Chunk, promptText string, parallel int, lim rate.Limiter, runID string, logger *diag.Logger) ([]contract.JobResult, error) {
	p := EffectiveParallel(parallel, lim)
	if lim == nil {
		lim = rate.Unlimited{}
	}
	d := &dispatcher{
		comp:   comp,
		set:    set,
		prompt: promptText,
		lim:    lim,
		runID:  runID,
		logger: logger,
		total:  len(chunks),
		term:   diag.GetTerminal(),
	}
	if set.Mode == ModePool {
		return d.runPool(ctx, chunks, p)
	}
	return d.runBatches(ctx, chunks, p)
}

type dispatcher struct {
	comp   Components
	set    Settings
	prompt string
	lim    rate.Limiter
	runID  string
	logger *diag.Logger
	term   *diag.Terminal

	total int
	done  atomic.Int64
	errs  atomic.Int64
}

func (d *dispatcher) runBatches(ctx context.Context, chunks []contract.Chunk, p int) ([]contract.JobResult, error) {
	batcher := d.comp.Batcher
	if batcher == nil {
		return nil, contract.ConfigError("pipeline: missing batcher")
	}
	btimer := d.logger.Start("batcher", "make")
	batches, err := batcher.Make(ctx, chunks, contract.BatchLimit{Size: p})
	if err != nil {
		logFailure(d.logger, "batcher", "make failed", err, "", "")
		return nil, fmt.Errorf("batcher make: %w", err)
	}
	btimer.Finish("make", int64(len(batches)))
	d.term.Plan(len(chunks), len(batches))

	// 在途任务不受取消影响
	runCtx := context.WithoutCancel(ctx)
	results := make([]contract.JobResult, len(chunks))
	completed := 0
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return results[:completed], err
		}
		batchID := strconv.Itoa(b.Index)
		timer := d.logger.StartWith("dispatcher", "batch", "", batchID)
		var g errgroup.Group
		g.SetLimit(p)
		for _, c := range b.Chunks {
			g.Go(func() error {
				results[c.Index] = d.runJob(runCtx, c, batchID)
				return nil
			})
		}
		_ = g.Wait()
		completed += len(b.Chunks)
		timer.Finish("batch", int64(len(b.Chunks)))
	}
	return results, nil
}

func (d *dispatcher) runPool(ctx context.Context, chunks []contract.Chunk, p int) ([]contract.JobResult, error) {
	d.term.Plan(len(chunks), 0)
	runCtx := context.WithoutCancel(ctx)
	sem := semaphore.NewWeighted(int64(p))
	results := make([]contract.JobResult, len(chunks))
	var wg sync.WaitGroup
	scheduled := 0
	var stopErr error
	for i, c := range chunks {
		if int(c.Index) != i {
			stopErr = fmt.Errorf("dispatcher: chunk index must be contiguous from 0, got %d at %d: %w", c.Index, i, contract.ErrSeqInvalid)
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			stopErr = err
			break
		}
		// Acquire 与取消同时就绪时可能仍拿到名额
		if err := ctx.Err(); err != nil {
			sem.Release(1)
			stopErr = err
			break
		}
		scheduled++
		wg.Add(1)
		go func(c contract.Chunk) {
			defer wg.Done()
			defer sem.Release(1)
			results[c.Index] = d.runJob(runCtx, c, "")
		}(c)
	}
	wg.Wait()
	if stopErr != nil {
		return results[:scheduled], stopErr
	}
	return results, nil
}

// runJob: 限流 → 构建 Prompt → 生成 → 结果（失败转为 Failure）→ 旁路落工件。
func (d *dispatcher) runJob(ctx context.Context, c contract.Chunk, batchID string) contract.JobResult {
	chunkID := strconv.Itoa(int(c.Index))
	job := contract.Job{Chunk: c, Prompt: d.prompt}
	res := contract.JobResult{Index: c.Index}

	// 内置 Window 在不可取消的 ctx 下不会失败；调用方经 Dispatch 传入的外部限流器（如共享配额后端）可能返回错误
	if err := d.lim.Acquire(ctx); err != nil {
		logFailure(d.logger, "rate", "acquire failed", err, chunkID, batchID)
		res.Outcome = contract.Failed(contract.FormatFailure(err))
		return d.finish(ctx, res)
	}

	full := d.comp.PromptBuilder.Build(job.Prompt, job.Chunk)
	timer := d.logger.StartWithKV("llm_client", "generate", chunkID, batchID, map[string]string{
		"chars": strconv.Itoa(prompt.Len(full)),
	})
	out, err := d.comp.Generator.Generate(ctx, full)
	if err != nil {
		serr := contract.NewServiceError(err)
		logGenerateFailure(d.logger, serr, chunkID, batchID, timer.Since())
		res.Outcome = contract.Failed(contract.FormatFailure(serr))
		return d.finish(ctx, res)
	}
	timer.Finish("generate", int64(prompt.Len(out)))
	diag.IncOp("llm_client", "finish", "success")
	diag.ObserveDuration("llm_client", "generate", time.Since(timer.Since()).Milliseconds())
	res.Outcome = contract.Succeeded(out)
	return d.finish(ctx, res)
}

func (d *dispatcher) finish(ctx context.Context, res contract.JobResult) contract.JobResult {
	res.At = d.set.now()
	done := d.done.Add(1)
	errs := d.errs.Load()
	if !res.OK() {
		errs = d.errs.Add(1)
	}
	d.term.ChunkProgress(int(done), d.total, int(errs))
	d.persist(ctx, res)
	return res
}

// persist: 旁路写入工件；失败只记日志。
func (d *dispatcher) persist(ctx context.Context, res contract.JobResult) {
	if d.comp.Store == nil {
		return
	}
	timeout := d.set.StoreTimeout
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	chunkID := strconv.Itoa(int(res.Index))
	if err := d.comp.Store.Put(sctx, contract.Artifact{RunID: d.runID, Result: res}); err != nil {
		code := diag.Classify(err)
		d.logger.Warn("store", string(code), "put failed", map[string]string{"chunk": chunkID, "err": err.Error()})
		diag.IncOp("store", "error", "error")
		diag.IncError("store", string(code))
		return
	}
	diag.IncOp("store", "finish", "success")
}

func sanity(c Components, req Request) error {
	if c.Splitter == nil || c.PromptBuilder == nil || c.Generator == nil || c.Assembler == nil {
		return contract.ConfigError("pipeline: missing components")
	}
	if req.Parallel < 1 {
		return contract.ConfigError("parallel requests must be >= 1, got %d", req.Parallel)
	}
	if req.RPM < 0 {
		return contract.ConfigError("max requests per minute must be >= 1 when set, got %d", req.RPM)
	}
	return nil
}

func logFailure(logger *diag.Logger, comp, msg string, err error, chunk, batch string) {
	code := diag.Classify(err)
	logger.ErrorWithKV(comp, string(code), msg, nil, chunk, batch, map[string]string{"err": err.Error()})
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
}

// logGenerateFailure: 若为上游 HTTP 错误，附带状态码与截断后的消息。
func logGenerateFailure(logger *diag.Logger, err error, chunk, batch string, since time.Time) {
	code := diag.Classify(err)
	kv := map[string]string{"err": err.Error()}
	var ue contract.UpstreamError
	if errors.As(err, &ue) {
		kv["http_status"] = strconv.Itoa(ue.UpstreamStatus())
		if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
			if len(m) > 200 {
				m = m[:200]
			}
			kv["upstream_msg"] = m
		}
	}
	logger.ErrorWithKV("llm_client", string(code), "generate failed", &since, chunk, batch, kv)
	diag.IncOp("llm_client", "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError("llm_client", string(code))
	}
}
