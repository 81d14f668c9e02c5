// Package upstream 封装生成后端共用的 JSON-over-HTTP 调用与错误分类。
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"chunkgen/pkg/contract"
)

// Doer 与 (*http.Client).Do 同签名，测试可替换。
type Doer func(*http.Request) (*http.Response, error)

// Error: 上游 408/5xx。实现 net.Error（归为网络类）与 contract.UpstreamError。
type Error struct {
	Provider string
	Status   int
	Msg      string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s upstream %d: %s", e.Provider, e.Status, e.Msg)
}
func (e *Error) Timeout() bool           { return e.Status == http.StatusRequestTimeout }
func (e *Error) Temporary() bool         { return e.Status/100 == 5 }
func (e *Error) UpstreamStatus() int     { return e.Status }
func (e *Error) UpstreamMessage() string { return e.Msg }

// Call 描述一次 POST JSON 调用。
type Call struct {
	Provider string
	URL      string
	Header   http.Header
	Body     any
}

// maxErrBody: 非 2xx 时读取的响应体上限。
const maxErrBody = 4 << 10

// PostJSON 发送 c.Body 并将 2xx 响应解码到 out。
// 约束：429 → ErrRateLimited；408/5xx → *Error；其余非 2xx → ErrInvalidInput；
// 解码失败 → ErrResponseInvalid；ctx 结束时返回 ctx.Err()。
// 约束：传输错误中的 URL 不含查询串（可能携带密钥）。
func PostJSON(ctx context.Context, do Doer, c Call, out any) error {
	body, err := json.Marshal(c.Body)
	if err != nil {
		return fmt.Errorf("%s encode: %v: %w", c.Provider, err, contract.ErrInvalidInput)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s new request: %v: %w", c.Provider, err, contract.ErrInvalidInput)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, vs := range c.Header {
		if k == "" || len(vs) == 0 {
			continue
		}
		req.Header.Set(k, vs[0])
	}
	resp, err := do(req)
	if err != nil {
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return ctx.Err()
		}
		return redactQuery(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return classify(c.Provider, resp.StatusCode, strings.TrimSpace(string(slurp)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s decode: %v: %w", c.Provider, err, contract.ErrResponseInvalid)
	}
	return nil
}

// redactQuery 去掉 *url.Error 中 URL 的查询串，保留 Op 与底层错误。
func redactQuery(err error) error {
	var ue *url.Error
	if !errors.As(err, &ue) {
		return err
	}
	u, perr := url.Parse(ue.URL)
	if perr != nil {
		return &url.Error{Op: ue.Op, URL: "<redacted>", Err: ue.Err}
	}
	u.RawQuery = ""
	u.User = nil
	return &url.Error{Op: ue.Op, URL: u.String(), Err: ue.Err}
}

func classify(provider string, status int, msg string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%s upstream 429: %s: %w", provider, msg, contract.ErrRateLimited)
	case status == http.StatusRequestTimeout || status/100 == 5:
		return &Error{Provider: provider, Status: status, Msg: msg}
	default:
		return fmt.Errorf("%s upstream %d: %s: %w", provider, status, msg, contract.ErrInvalidInput)
	}
}

// JoinURL: path 为完整 URL 时原样返回，否则拼到 base 之后。
func JoinURL(base, path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// Headers 将 map 形式的附加头转为 http.Header（空键忽略）。
func Headers(m map[string]string) http.Header {
	h := make(http.Header, len(m))
	for k, v := range m {
		if k != "" {
			h.Set(k, v)
		}
	}
	return h
}

var _ contract.UpstreamError = (*Error)(nil)
