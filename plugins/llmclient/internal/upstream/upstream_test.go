package upstream

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chunkgen/pkg/contract"
)

type echo struct {
	Text string `json:"text"`
}

func TestPostJSONSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" || r.Header.Get("X-K") != "v" {
			t.Errorf("headers wrong: %v", r.Header)
		}
		b, _ := io.ReadAll(r.Body)
		w.Write(b)
	}))
	defer srv.Close()
	var out echo
	err := PostJSON(context.Background(), srv.Client().Do, Call{Provider: "p", URL: srv.URL, Header: Headers(map[string]string{"X-K": "v", "": "skip"}), Body: echo{Text: "hi"}}, &out)
	if err != nil || out.Text != "hi" {
		t.Fatalf("unexpected %+v %v", out, err)
	}
}

func TestPostJSONClassify(t *testing.T) {
	cases := []struct {
		status int
		body   string
		check  func(error) bool
	}{
		{429, "slow down", func(err error) bool { return errors.Is(err, contract.ErrRateLimited) }},
		{408, "", func(err error) bool {
			var ne net.Error
			return errors.As(err, &ne) && ne.Timeout()
		}},
		{502, "gw", func(err error) bool {
			var ue contract.UpstreamError
			return errors.As(err, &ue) && ue.UpstreamStatus() == 502 && ue.UpstreamMessage() == "gw"
		}},
		{403, "no", func(err error) bool { return errors.Is(err, contract.ErrInvalidInput) }},
		{200, "{", func(err error) bool { return errors.Is(err, contract.ErrResponseInvalid) }},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			io.WriteString(w, tc.body)
		}))
		var out echo
		err := PostJSON(context.Background(), srv.Client().Do, Call{Provider: "p", URL: srv.URL, Body: echo{}}, &out)
		srv.Close()
		if err == nil || !tc.check(err) {
			t.Fatalf("status %d: unexpected err %v", tc.status, err)
		}
	}
}

func TestPostJSONCanceled(t *testing.T) {
	do := func(r *http.Request) (*http.Response, error) { return nil, r.Context().Err() }
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out echo
	if err := PostJSON(ctx, do, Call{Provider: "p", URL: "http://x", Body: echo{}}, &out); !errors.Is(err, context.Canceled) {
		t.Fatalf("expect canceled, got %v", err)
	}
}

// 传输失败时错误文本不含查询串
func TestPostJSONTransportErrorOmitsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	u := srv.URL + "/v1/gen?key=SECRET-KEY-123"
	srv.Close()
	var out echo
	err := PostJSON(context.Background(), http.DefaultClient.Do, Call{Provider: "p", URL: u, Body: echo{}}, &out)
	if err == nil {
		t.Fatal("已关闭的服务应失败")
	}
	if strings.Contains(err.Error(), "SECRET-KEY-123") || strings.Contains(err.Error(), "key=") {
		t.Fatalf("错误文本泄露查询串: %v", err)
	}
	if !strings.Contains(err.Error(), "/v1/gen") {
		t.Fatalf("应保留路径: %v", err)
	}
	var ne net.Error
	if !errors.As(err, &ne) {
		t.Fatalf("应仍可归类为网络错误: %T", err)
	}
}

func TestJoinURL(t *testing.T) {
	if got := JoinURL("http://h/v1/", "/chat"); got != "http://h/v1/chat" {
		t.Fatalf("got %s", got)
	}
	if got := JoinURL("http://h", "https://other/x"); got != "https://other/x" {
		t.Fatalf("got %s", got)
	}
}
