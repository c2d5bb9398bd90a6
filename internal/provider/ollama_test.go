package provider_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kotaroba/toolloop/internal/errorsx"
	"github.com/kotaroba/toolloop/internal/protocol"
	"github.com/kotaroba/toolloop/internal/provider"
)

func TestOllama_Chat_RequestShape(t *testing.T) {
	var captured []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		captured, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message": {"role": "assistant", "content": "ok"}, "done": true}`))
	}))
	defer srv.Close()

	seed := int64(42)
	client := provider.NewOllama(srv.URL, "qwen2.5:7b")
	history := []protocol.Message{
		protocol.SystemMessage("be helpful"),
		protocol.UserMessage("hello"),
		{Role: protocol.RoleTool, Content: `{"ok":true}`, ToolName: "echo"},
	}
	out, err := client.Chat(context.Background(), history, provider.ChatOptions{
		Schema:      json.RawMessage(protocol.CallSchemaJSON),
		Temperature: 0,
		Seed:        &seed,
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out != "ok" {
		t.Fatalf("content = %q", out)
	}

	var req struct {
		Model    string `json:"model"`
		Stream   bool   `json:"stream"`
		Format   any    `json:"format"`
		Messages []struct {
			Role     string `json:"role"`
			Content  string `json:"content"`
			ToolName string `json:"tool_name"`
		} `json:"messages"`
		Options struct {
			Temperature float64 `json:"temperature"`
			NumCtx      int     `json:"num_ctx"`
			Seed        *int64  `json:"seed"`
		} `json:"options"`
	}
	if err := json.Unmarshal(captured, &req); err != nil {
		t.Fatalf("unmarshal request: %v\nbody=%s", err, captured)
	}
	if req.Model != "qwen2.5:7b" {
		t.Fatalf("model = %q", req.Model)
	}
	if req.Stream {
		t.Fatal("stream must be false")
	}
	if req.Format == nil {
		t.Fatal("format constraint missing from request")
	}
	if len(req.Messages) != 3 || req.Messages[2].Role != "tool" || req.Messages[2].ToolName != "echo" {
		t.Fatalf("messages = %+v", req.Messages)
	}
	if req.Options.Temperature != 0 || req.Options.NumCtx == 0 {
		t.Fatalf("options = %+v", req.Options)
	}
	if req.Options.Seed == nil || *req.Options.Seed != 42 {
		t.Fatalf("seed = %v", req.Options.Seed)
	}
}

func TestOllama_Chat_OmitsFormatWhenUnconstrained(t *testing.T) {
	var captured []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"message": {"role": "assistant", "content": "hi"}, "done": true}`))
	}))
	defer srv.Close()

	client := provider.NewOllama(srv.URL, "m")
	if _, err := client.Chat(context.Background(), []protocol.Message{protocol.UserMessage("q")}, provider.ChatOptions{}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	var req map[string]any
	_ = json.Unmarshal(captured, &req)
	if _, present := req["format"]; present {
		t.Fatal("format should be omitted when no schema is set")
	}
	if opts, ok := req["options"].(map[string]any); !ok {
		t.Fatal("options missing")
	} else if _, present := opts["seed"]; present {
		t.Fatal("seed should be omitted when unset")
	}
}

func TestOllama_Chat_ConnectErrorClass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := provider.NewOllama(srv.URL, "m")
	_, err := client.Chat(context.Background(), nil, provider.ChatOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errorsx.HasReason(err, errorsx.ReasonModelConnect) {
		t.Fatalf("reason = %q", errorsx.Reason(err))
	}
}

func TestOllama_Chat_APIErrorClass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": "model not found"}`))
	}))
	defer srv.Close()

	client := provider.NewOllama(srv.URL, "m")
	_, err := client.Chat(context.Background(), nil, provider.ChatOptions{})
	if !errorsx.HasReason(err, errorsx.ReasonModelAPI) {
		t.Fatalf("reason = %q (err=%v)", errorsx.Reason(err), err)
	}
}

func TestOllama_HealthyAndListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"models": [{"name": "qwen2.5:7b"}, {"name": "gemma3:4b"}]}`))
	}))
	defer srv.Close()

	client := provider.NewOllama(srv.URL, "qwen2.5:7b")
	if !client.Healthy(context.Background()) {
		t.Fatal("expected healthy")
	}
	models, err := client.ListModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(models) != 2 || models[0] != "qwen2.5:7b" {
		t.Fatalf("models = %v", models)
	}

	srv.Close()
	if client.Healthy(context.Background()) {
		t.Fatal("expected unhealthy after close")
	}
}
