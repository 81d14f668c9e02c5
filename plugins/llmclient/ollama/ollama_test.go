package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"chunkgen/pkg/contract"
)

func TestGenerateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req genReq
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "tiny" || req.Prompt != "hello" || req.Stream || req.Options["temperature"] != 0.2 {
			t.Errorf("unexpected req %+v", req)
		}
		io.WriteString(w, `{"response":"world","done":true}`)
	}))
	defer srv.Close()
	raw, _ := json.Marshal(Options{BaseURL: srv.URL, Model: "tiny", Params: map[string]any{"temperature": 0.2}})
	c, err := New(raw)
	if err != nil {
		t.Fatal(err)
	}
	out, err := c.Generate(context.Background(), "hello")
	if err != nil || out != "world" {
		t.Fatalf("unexpected %q %v", out, err)
	}
}

func TestGenerateErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
		io.WriteString(w, "model not loaded")
	}))
	defer srv.Close()
	c, _ := New(json.RawMessage(`{"base_url":"` + srv.URL + `"}`))
	_, err := c.Generate(context.Background(), "x")
	var ue contract.UpstreamError
	if !errors.As(err, &ue) || ue.UpstreamMessage() != "model not loaded" {
		t.Fatalf("expect upstream error, got %v", err)
	}

	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"error":"model 'x' not found"}`)
	}))
	defer srv2.Close()
	c, _ = New(json.RawMessage(`{"base_url":"` + srv2.URL + `"}`))
	if _, err := c.Generate(context.Background(), "x"); !errors.Is(err, contract.ErrResponseInvalid) {
		t.Fatalf("expect ErrResponseInvalid, got %v", err)
	}
}

func TestDefaultsFromEnv(t *testing.T) {
	t.Setenv("OLLAMA_BASE_URL", "http://ollama:11434/")
	t.Setenv("OLLAMA_MODEL", "m")
	c, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	cl := c.(*Client)
	if cl.url != "http://ollama:11434/api/generate" || cl.model != "m" {
		t.Fatalf("unexpected %+v", cl)
	}
}
