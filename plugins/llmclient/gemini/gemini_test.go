package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chunkgen/pkg/contract"
)

func newTestClient(t *testing.T, h http.HandlerFunc, extra string) contract.Generator {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	raw := `{"base_url":"` + srv.URL + `","api_key":"k"` + extra + `}`
	c, err := New(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return c
}

// TestGenerateSuccess 请求编码与响应解析
func TestGenerateSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-1.5-flash:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "k" || r.URL.Query().Get("key") != "" {
			t.Errorf("默认应使用请求头传 key")
		}
		var req gmReq
		b, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(b, &req); err != nil || req.Contents[0].Parts[0].Text != "hello" {
			t.Errorf("unexpected body %s", b)
		}
		io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"foo "},{"text":"bar"}]}}]}`)
	}, "")
	out, err := c.Generate(context.Background(), "hello")
	if err != nil || out != "foo bar" {
		t.Fatalf("unexpected %q %v", out, err)
	}
}

// TestGenerateQueryKey api_key_in_query=true 时使用 ?key=
func TestGenerateQueryKey(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "k" || r.Header.Get("x-goog-api-key") != "" {
			t.Errorf("key placement wrong")
		}
		io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`)
	}, `,"api_key_in_query":true`)
	if _, err := c.Generate(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
}

// TestGenerateTransportErrorHidesKey 连接失败时失败文本不含 key
func TestGenerateTransportErrorHidesKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close()
	for _, inQuery := range []string{"true", "false"} {
		raw := `{"base_url":"` + base + `","api_key":"SECRET-KEY-123","api_key_in_query":` + inQuery + `}`
		c, err := New(json.RawMessage(raw))
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		_, err = c.Generate(context.Background(), "x")
		if err == nil {
			t.Fatalf("in_query=%s: 已关闭的服务应失败", inQuery)
		}
		msg := contract.FormatFailure(contract.NewServiceError(err))
		if strings.Contains(err.Error(), "SECRET-KEY-123") || strings.Contains(msg, "SECRET-KEY-123") {
			t.Fatalf("in_query=%s: key 泄露: %s", inQuery, msg)
		}
	}
}

// TestGenerateErrors 上游错误分类
func TestGenerateErrors(t *testing.T) {
	tests := []struct {
		status int
		body   string
		check  func(error) bool
	}{
		{429, "quota", func(err error) bool { return errors.Is(err, contract.ErrRateLimited) && strings.Contains(err.Error(), "quota") }},
		{503, "down", func(err error) bool {
			var ue contract.UpstreamError
			return errors.As(err, &ue) && ue.UpstreamStatus() == 503 && ue.UpstreamMessage() == "down"
		}},
		{400, "bad", func(err error) bool { return errors.Is(err, contract.ErrInvalidInput) }},
		{200, "not json", func(err error) bool { return errors.Is(err, contract.ErrResponseInvalid) }},
		{200, `{"candidates":[]}`, func(err error) bool { return errors.Is(err, contract.ErrResponseInvalid) }},
		{200, `{"promptFeedback":{"blockReason":"SAFETY"}}`, func(err error) bool {
			return errors.Is(err, contract.ErrResponseInvalid) && strings.Contains(err.Error(), "SAFETY")
		}},
	}
	for _, tt := range tests {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			io.WriteString(w, tt.body)
		}, "")
		_, err := c.Generate(context.Background(), "x")
		if err == nil || !tt.check(err) {
			t.Fatalf("status %d: unexpected err %v", tt.status, err)
		}
	}
}

// TestNewKeyFallback API_KEY 缺失时回退 GOOGLE_API_KEY
func TestNewKeyFallback(t *testing.T) {
	t.Setenv("API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	if _, err := New(nil); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("缺少 key 应失败: %v", err)
	}
	t.Setenv("GOOGLE_API_KEY", "g")
	c, err := New(nil)
	if err != nil || c.(*Client).apiKey != "g" {
		t.Fatalf("应回退 GOOGLE_API_KEY: %v", err)
	}
	t.Setenv("API_KEY", "a")
	c, _ = New(nil)
	if c.(*Client).apiKey != "a" {
		t.Fatalf("API_KEY 应优先")
	}
}

// TestGenerateCanceled ctx 取消
func TestGenerateCanceled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Generate(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expect canceled, got %v", err)
	}
}
