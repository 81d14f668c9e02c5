package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"chunkgen/internal/diag"
	"chunkgen/internal/pipeline"
	"chunkgen/pkg/contract"
)

// CorrelationHeader: 响应中回显的关联 ID。
const CorrelationHeader = "X-Correlation-ID"

// Options: HTTP 前端配置。
type Options struct {
	Addr           string
	RateRPS        float64 // <=0 关闭入站限流
	RateBurst      int
	MaxBodyBytes   int64
	RequestTimeout time.Duration
	APIKeyHash     string
	// NewLogger 为每个请求创建日志器；nil 使用 NoOp。
	NewLogger func(corrID string) *diag.Logger
}

func (o *Options) defaults() {
	if o.Addr == "" {
		o.Addr = ":8080"
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 10 << 20
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Minute
	}
	if o.NewLogger == nil {
		o.NewLogger = func(string) *diag.Logger { return diag.NewNop() }
	}
}

// Server 将表单/JSON 请求映射为一次 pipeline.Run。
type Server struct {
	comp     pipeline.Components
	set      pipeline.Settings
	defaults pipeline.Request
	opts     Options
	limiters *clientLimiters
	router   chi.Router
}

// New 构造 Server；defaults 提供表单缺省值（prompt/separator/chunk_size/parallel）。
func New(comp pipeline.Components, set pipeline.Settings, defaults pipeline.Request, opts Options) *Server {
	opts.defaults()
	s := &Server{comp: comp, set: set, defaults: defaults, opts: opts}
	if opts.RateRPS > 0 {
		s.limiters = newClientLimiters(opts.RateRPS, opts.RateBurst)
	}
	s.router = s.routes()
	return s
}

// Handler 返回根路由。
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	r.Get("/", s.handleForm)

	r.Group(func(r chi.Router) {
		if s.limiters != nil {
			r.Use(s.limiters.middleware)
		}
		r.Post("/generate", s.handleFormGenerate)
		r.With(requireAPIKey(s.opts.APIKeyHash)).Post("/api/v1/generate", s.handleAPIGenerate)
	})
	return r
}

// ListenAndServe 阻塞直到 ctx 结束，然后优雅关闭。
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if s.limiters != nil {
		jctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go s.limiters.janitor(jctx, 2*time.Minute)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleForm(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fd := formData{
		Prompt:           q.Get("prompt"),
		Text:             q.Get("text"),
		Separator:        q.Get("separator"),
		ParallelRequests: firstNonEmpty(q.Get("parallel_requests"), "1"),
		ChunkSize:        firstNonEmpty(q.Get("chunk_size"), "1000"),
		MaxRPM:           q.Get("max_requests_per_minute"),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := formTmpl.Execute(w, fd); err != nil {
		http.Error(w, "render failed", http.StatusInternalServerError)
	}
}

// chunkTooSmallResult: 表单端点对有效分块尺寸 <= 0 的固定回复。
const chunkTooSmallResult = "Error: Chunk size must be larger than prompt size"

// handleFormGenerate: 表单端点；配置错误以 {"result":"Error: ..."} 返回。
func (s *Server) handleFormGenerate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	req, err := s.parseForm(r)
	if err == nil {
		var rep pipeline.Report
		if rep, err = s.run(r.Context(), w, req); err == nil {
			writeJSON(w, http.StatusOK, map[string]string{"result": rep.Output})
			return
		}
	}
	switch {
	case errors.Is(err, contract.ErrChunkTooSmall):
		writeJSON(w, http.StatusOK, map[string]string{"result": chunkTooSmallResult})
		return
	case errors.Is(err, contract.ErrConfig):
		writeJSON(w, http.StatusOK, map[string]string{"result": "Error: " + err.Error()})
		return
	}
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

// apiRequest: JSON API 请求体；数值缺省取服务端默认。
type apiRequest struct {
	Prompt               *string `json:"prompt"`
	Text                 string  `json:"text"`
	Separator            *string `json:"separator"`
	ParallelRequests     *int    `json:"parallel_requests"`
	ChunkSize            *int    `json:"chunk_size"`
	MaxRequestsPerMinute *int    `json:"max_requests_per_minute"`
}

type apiResponse struct {
	Result   string `json:"result"`
	RunID    string `json:"run_id"`
	Chunks   int    `json:"chunks"`
	Failed   int    `json:"failed"`
	Parallel int    `json:"parallel"`
}

func (s *Server) handleAPIGenerate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var in apiRequest
	if err := dec.Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid body: %v", err)})
		return
	}
	req := s.defaults
	req.Text = in.Text
	if in.Prompt != nil {
		req.Prompt = *in.Prompt
	}
	if in.Separator != nil {
		req.Separator = *in.Separator
	}
	if in.ParallelRequests != nil {
		req.Parallel = *in.ParallelRequests
	}
	if in.ChunkSize != nil {
		req.ChunkSize = *in.ChunkSize
	}
	if in.MaxRequestsPerMinute != nil {
		if *in.MaxRequestsPerMinute < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": contract.ConfigError("max_requests_per_minute must be >= 1, got %d", *in.MaxRequestsPerMinute).Error()})
			return
		}
		req.RPM = *in.MaxRequestsPerMinute
	}
	rep, err := s.run(r.Context(), w, req)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{
		Result:   rep.Output,
		RunID:    rep.RunID,
		Chunks:   len(rep.Results),
		Failed:   rep.Failed,
		Parallel: rep.Parallel,
	})
}

func (s *Server) run(ctx context.Context, w http.ResponseWriter, req pipeline.Request) (pipeline.Report, error) {
	corrID := uuid.NewString()
	w.Header().Set(CorrelationHeader, corrID)
	logger := s.opts.NewLogger(corrID)
	defer func() { _ = logger.Sync() }()
	logger.StartWithKV("server", "generate", "", "", map[string]string{
		"request_id": middleware.GetReqID(ctx),
		"chars":      strconv.Itoa(utf8.RuneCountInString(req.Text)),
	})
	return pipeline.Run(ctx, s.comp, req, s.set, logger)
}

// parseForm 读取 multipart 或 urlencoded 表单；上传文件优先于 text 字段。
func (s *Server) parseForm(r *http.Request) (pipeline.Request, error) {
	req := s.defaults
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		if err := r.ParseMultipartForm(s.opts.MaxBodyBytes); err != nil {
			return req, fmt.Errorf("%w: parse form: %v", contract.ErrInvalidInput, err)
		}
	} else if err := r.ParseForm(); err != nil {
		return req, fmt.Errorf("%w: parse form: %v", contract.ErrInvalidInput, err)
	}
	if v, ok := formValue(r, "prompt"); ok {
		req.Prompt = v
	}
	if v, ok := formValue(r, "separator"); ok {
		req.Separator = v
	}
	req.Text = r.FormValue("text")
	if text, ok, err := uploadedText(r); err != nil {
		return req, err
	} else if ok {
		req.Text = text
	}
	var err error
	if req.Parallel, err = intField(r, "parallel_requests", req.Parallel); err != nil {
		return req, err
	}
	if req.ChunkSize, err = intField(r, "chunk_size", req.ChunkSize); err != nil {
		return req, err
	}
	if v, ok := formValue(r, "max_requests_per_minute"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return req, fmt.Errorf("%w: max_requests_per_minute: %v", contract.ErrInvalidInput, err)
		}
		if n < 1 {
			return req, contract.ConfigError("max_requests_per_minute must be >= 1, got %d", n)
		}
		req.RPM = n
	}
	return req, nil
}

func formValue(r *http.Request, key string) (string, bool) {
	if vs, ok := r.Form[key]; ok && len(vs) > 0 {
		return vs[0], true
	}
	return "", false
}

func intField(r *http.Request, key string, def int) (int, error) {
	v, ok := formValue(r, key)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", contract.ErrInvalidInput, key, err)
	}
	return n, nil
}

func uploadedText(r *http.Request) (string, bool, error) {
	if r.MultipartForm == nil || len(r.MultipartForm.File["file"]) == 0 {
		return "", false, nil
	}
	f, err := r.MultipartForm.File["file"][0].Open()
	if err != nil {
		return "", false, fmt.Errorf("%w: open upload: %v", contract.ErrInvalidInput, err)
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return "", false, fmt.Errorf("%w: read upload: %v", contract.ErrInvalidInput, err)
	}
	if !utf8.Valid(b) {
		return "", false, fmt.Errorf("%w: upload is not valid UTF-8", contract.ErrInvalidInput)
	}
	return string(b), true, nil
}

// statusFor 将错误分类映射为 HTTP 状态码。
func statusFor(err error) int {
	switch diag.Classify(err) {
	case diag.CodeConfig, diag.CodeInvariant:
		return http.StatusBadRequest
	case diag.CodeCancel:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func firstNonEmpty(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
