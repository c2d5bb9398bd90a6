package testharness

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/tidwall/sjson"
)

// ScriptedModel is a model server that replays a fixed sequence of assistant
// turns, one per chat call, regardless of the request content. It also
// answers /api/tags so health checks pass.
type ScriptedModel struct {
	server  *httptest.Server
	replies []string

	mu       sync.Mutex
	next     int
	requests []string
}

// NewScriptedModel starts a server that returns the given replies in order.
// A call past the end of the script answers 500; a test that trips this has
// made more model calls than it claimed.
func NewScriptedModel(replies ...string) *ScriptedModel {
	m := &ScriptedModel{replies: replies}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", m.handleChat)
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{{"name": "scripted"}},
		})
	})

	m.server = httptest.NewServer(mux)
	return m
}

func (m *ScriptedModel) URL() string { return m.server.URL }
func (m *ScriptedModel) Close()      { m.server.Close() }

// Calls reports how many chat requests the server has received.
func (m *ScriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Request returns the raw body of the i-th chat request.
func (m *ScriptedModel) Request(i int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.requests) {
		return ""
	}
	return m.requests[i]
}

func (m *ScriptedModel) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	m.requests = append(m.requests, string(body))
	i := m.next
	m.next++
	m.mu.Unlock()

	if i >= len(m.replies) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": fmt.Sprintf("script exhausted after %d replies", len(m.replies)),
		})
		return
	}

	resp, _ := sjson.Set(`{"done":true}`, "message.role", "assistant")
	resp, _ = sjson.Set(resp, "message.content", m.replies[i])
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(resp))
}

// ToolCallTurn renders a canned tool_call reply.
func ToolCallTurn(tool string, args map[string]any) string {
	out, _ := sjson.Set(`{"kind":"tool_call"}`, "tool", tool)
	if args == nil {
		args = map[string]any{}
	}
	out, _ = sjson.Set(out, "arguments", args)
	return out
}

// FinalAnswerTurn renders a canned final_answer reply.
func FinalAnswerTurn(content string) string {
	out, _ := sjson.Set(`{"kind":"final_answer"}`, "content", content)
	return out
}

// ClarifyTurn renders a canned clarify reply.
func ClarifyTurn(question string, missing ...string) string {
	out, _ := sjson.Set(`{"kind":"clarify"}`, "question", question)
	if len(missing) > 0 {
		out, _ = sjson.Set(out, "missing_params", missing)
	}
	return out
}

// MustJSON marshals v for tests that need a literal JSON string.
func MustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
