package orchestrator_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kotaroba/toolloop/internal/backoff"
	"github.com/kotaroba/toolloop/internal/errorsx"
	"github.com/kotaroba/toolloop/internal/orchestrator"
	"github.com/kotaroba/toolloop/internal/protocol"
	"github.com/kotaroba/toolloop/internal/provider"
	"github.com/kotaroba/toolloop/internal/testharness"
	"github.com/kotaroba/toolloop/internal/toolclient"
)

// newLoop wires a loop against the harness servers with fast retry settings.
func newLoop(host *testharness.ToolHost, model *testharness.ScriptedModel, opts ...orchestrator.Option) *orchestrator.Loop {
	catalog := host.Catalog()
	tools := toolclient.New(host.URL(), catalog,
		toolclient.WithRetry(1, backoff.Policy{InitialMs: 1, MaxMs: 1, Factor: 1}))
	return orchestrator.New(provider.NewOllama(model.URL(), "scripted"), tools, catalog, opts...)
}

func TestLoop_EndToEnd_WeatherQuery(t *testing.T) {
	host := testharness.NewToolHost()
	defer host.Close()
	model := testharness.NewScriptedModel(
		`{"kind":"tool_call","tool":"get_weather","arguments":{"city":"Tokyo","unit":"metric"}}`,
		`{"kind":"final_answer","content":"Tokyo is 15.5°C and cloudy."}`,
	)
	defer model.Close()

	loop := newLoop(host, model)
	session := loop.NewSession()
	outcome, err := session.Ask(context.Background(), "What is the weather in Tokyo?")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if outcome.Kind != orchestrator.OutcomeFinalAnswer {
		t.Fatalf("kind = %q", outcome.Kind)
	}
	if outcome.Content != "Tokyo is 15.5°C and cloudy." {
		t.Fatalf("content = %q", outcome.Content)
	}
	if outcome.Diagnostic != "" {
		t.Fatalf("unexpected diagnostic: %q", outcome.Diagnostic)
	}
	if model.Calls() != 2 {
		t.Fatalf("model calls = %d, want 2", model.Calls())
	}
	if host.Calls("get_weather") != 1 {
		t.Fatalf("tool calls = %d, want 1", host.Calls("get_weather"))
	}
	if outcome.ModelCalls != 2 || outcome.ToolCalls != 1 {
		t.Fatalf("counters = %d model / %d tool", outcome.ModelCalls, outcome.ToolCalls)
	}

	// Exactly one tool-role message, preceded by the assistant's tool call.
	history := session.History()
	toolIdx := -1
	for i, m := range history {
		if m.Role == protocol.RoleTool {
			if toolIdx != -1 {
				t.Fatal("more than one tool-role message")
			}
			toolIdx = i
		}
	}
	if toolIdx == -1 {
		t.Fatal("no tool-role message in history")
	}
	if history[toolIdx].ToolName != "get_weather" {
		t.Fatalf("tool message names %q", history[toolIdx].ToolName)
	}
	prev := history[toolIdx-1]
	if prev.Role != protocol.RoleAssistant || !strings.Contains(prev.Content, `"tool_call"`) {
		t.Fatalf("message before tool result is %q: %q", prev.Role, prev.Content)
	}
	if !strings.Contains(history[toolIdx].Content, "15.5") {
		t.Fatalf("tool result content = %q", history[toolIdx].Content)
	}
}

func TestLoop_Determinism_IdenticalHistories(t *testing.T) {
	script := []string{
		`{"kind":"tool_call","tool":"get_weather","arguments":{"city":"Tokyo","unit":"metric"}}`,
		`{"kind":"final_answer","content":"Tokyo is 15.5°C and cloudy."}`,
	}
	run := func() []protocol.Message {
		host := testharness.NewToolHost()
		defer host.Close()
		model := testharness.NewScriptedModel(script...)
		defer model.Close()
		session := newLoop(host, model).NewSession()
		if _, err := session.Ask(context.Background(), "What is the weather in Tokyo?"); err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
		return session.History()
	}

	first, second := run(), run()
	if len(first) != len(second) {
		t.Fatalf("history lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("histories diverge at %d:\n%+v\n%+v", i, first[i], second[i])
		}
	}
}

func TestLoop_Exhausted_AfterMaxIterations(t *testing.T) {
	host := testharness.NewToolHost()
	defer host.Close()
	// The model always wants another tool call; the budget must stop it.
	model := testharness.NewScriptedModel(
		`{"kind":"tool_call","tool":"calculate","arguments":{"expression":"2 + 2"}}`,
	)
	defer model.Close()

	loop := newLoop(host, model, orchestrator.WithMaxIterations(1))
	outcome, err := loop.Run(context.Background(), "keep calculating")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if outcome.Kind != orchestrator.OutcomeExhausted {
		t.Fatalf("kind = %q", outcome.Kind)
	}
	if outcome.Iterations != 1 {
		t.Fatalf("iterations = %d, want 1", outcome.Iterations)
	}
	if model.Calls() != 1 {
		t.Fatalf("model calls = %d, want 1", model.Calls())
	}
	if outcome.LastPartial == "" {
		t.Fatal("exhausted outcome carries no partial text")
	}
}

func TestLoop_UnknownTool_NoNetworkCall(t *testing.T) {
	host := testharness.NewToolHost()
	defer host.Close()
	model := testharness.NewScriptedModel(
		`{"kind":"tool_call","tool":"get_stock_price","arguments":{"symbol":"ACME"}}`,
		`{"kind":"final_answer","content":"I cannot look up stock prices."}`,
	)
	defer model.Close()

	loop := newLoop(host, model)
	session := loop.NewSession()
	outcome, err := session.Ask(context.Background(), "ACME stock price?")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if outcome.Kind != orchestrator.OutcomeFinalAnswer {
		t.Fatalf("kind = %q", outcome.Kind)
	}
	if host.Calls("get_stock_price") != 0 {
		t.Fatalf("tool host was reached %d times for an unknown tool", host.Calls("get_stock_price"))
	}
	if outcome.ToolCalls != 0 {
		t.Fatalf("tool calls = %d, want 0", outcome.ToolCalls)
	}

	var toolMsg protocol.Message
	for _, m := range session.History() {
		if m.Role == protocol.RoleTool {
			toolMsg = m
		}
	}
	if !strings.Contains(toolMsg.Content, "unknown tool") {
		t.Fatalf("tool result = %q, want unknown tool error", toolMsg.Content)
	}
}

func TestLoop_ToolFailureIsolation(t *testing.T) {
	host := testharness.NewToolHost()
	model := testharness.NewScriptedModel(
		`{"kind":"tool_call","tool":"get_weather","arguments":{"city":"Tokyo"}}`,
		`{"kind":"final_answer","content":"The weather service is down."}`,
	)
	defer model.Close()

	// Build against a live host, then kill it so the dispatch hits a
	// transport error.
	catalog := host.Catalog()
	base := host.URL()
	host.Close()
	tools := toolclient.New(base, catalog,
		toolclient.WithRetry(1, backoff.Policy{InitialMs: 1, MaxMs: 1, Factor: 1}))
	loop := orchestrator.New(provider.NewOllama(model.URL(), "scripted"), tools, catalog)

	session := loop.NewSession()
	outcome, err := session.Ask(context.Background(), "What is the weather in Tokyo?")
	if err != nil {
		t.Fatalf("tool failure aborted the loop: %v", err)
	}
	if outcome.Kind != orchestrator.OutcomeFinalAnswer {
		t.Fatalf("kind = %q", outcome.Kind)
	}
	if model.Calls() != 2 {
		t.Fatalf("model calls = %d, want 2 (loop must continue past the failure)", model.Calls())
	}

	var toolMsg protocol.Message
	for _, m := range session.History() {
		if m.Role == protocol.RoleTool {
			toolMsg = m
		}
	}
	if !strings.Contains(toolMsg.Content, `"ok":false`) {
		t.Fatalf("tool result = %q, want ok:false", toolMsg.Content)
	}
	if !strings.Contains(toolMsg.Content, `"error"`) {
		t.Fatalf("tool result = %q, want non-empty error", toolMsg.Content)
	}
}

func TestLoop_MalformedThreshold_Fatal(t *testing.T) {
	host := testharness.NewToolHost()
	defer host.Close()
	model := testharness.NewScriptedModel(
		"the weather is probably fine",
		"sorry, here it comes:",
		"still no json",
	)
	defer model.Close()

	loop := newLoop(host, model, orchestrator.WithMalformedLimit(3))
	_, err := loop.Run(context.Background(), "weather?")
	if err == nil {
		t.Fatal("expected fatal error after repeated malformed replies")
	}
	if !errorsx.HasReason(err, errorsx.ReasonMalformedOutput) {
		t.Fatalf("reason = %q", errorsx.Reason(err))
	}
	if model.Calls() != 3 {
		t.Fatalf("model calls = %d, want 3", model.Calls())
	}
}

func TestLoop_MalformedRetry_DoesNotConsumeIteration(t *testing.T) {
	host := testharness.NewToolHost()
	defer host.Close()
	model := testharness.NewScriptedModel(
		"not json at all",
		`{"kind":"final_answer","content":"recovered"}`,
	)
	defer model.Close()

	// With a budget of one iteration, the malformed retry must still leave
	// room for the recovered answer.
	loop := newLoop(host, model, orchestrator.WithMaxIterations(1))
	session := loop.NewSession()
	outcome, err := session.Ask(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if outcome.Kind != orchestrator.OutcomeFinalAnswer {
		t.Fatalf("kind = %q", outcome.Kind)
	}
	if outcome.Content != "recovered" {
		t.Fatalf("content = %q", outcome.Content)
	}

	// The corrective user message was fed back into the conversation.
	corrected := false
	for _, m := range session.History() {
		if m.Role == protocol.RoleUser && strings.Contains(m.Content, "not a valid response") {
			corrected = true
		}
	}
	if !corrected {
		t.Fatal("no corrective user message in history")
	}
}

func TestLoop_Clarify_IsTerminal(t *testing.T) {
	host := testharness.NewToolHost()
	defer host.Close()
	model := testharness.NewScriptedModel(
		`{"kind":"clarify","question":"Which city do you mean?","missing_params":["city"]}`,
	)
	defer model.Close()

	outcome, err := newLoop(host, model).Run(context.Background(), "weather please")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if outcome.Kind != orchestrator.OutcomeClarification {
		t.Fatalf("kind = %q", outcome.Kind)
	}
	if outcome.Question != "Which city do you mean?" {
		t.Fatalf("question = %q", outcome.Question)
	}
	if len(outcome.MissingParams) != 1 || outcome.MissingParams[0] != "city" {
		t.Fatalf("missing_params = %v", outcome.MissingParams)
	}
	if model.Calls() != 1 {
		t.Fatalf("model calls = %d, want 1", model.Calls())
	}
}

func TestLoop_FinalAnswerConfirmation_OnLooseOutput(t *testing.T) {
	host := testharness.NewToolHost()
	defer host.Close()
	// First reply carries an extra field the strict final schema rejects;
	// the confirmation call restates it cleanly.
	model := testharness.NewScriptedModel(
		`{"kind":"final_answer","content":"It is sunny.","thought":"done here"}`,
		`{"kind":"final_answer","content":"It is sunny."}`,
	)
	defer model.Close()

	outcome, err := newLoop(host, model).Run(context.Background(), "weather?")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if outcome.Kind != orchestrator.OutcomeFinalAnswer {
		t.Fatalf("kind = %q", outcome.Kind)
	}
	if outcome.Content != "It is sunny." {
		t.Fatalf("content = %q", outcome.Content)
	}
	if outcome.Diagnostic != "" {
		t.Fatalf("unexpected diagnostic: %q", outcome.Diagnostic)
	}
	if model.Calls() != 2 {
		t.Fatalf("model calls = %d, want 2 (answer + confirmation)", model.Calls())
	}
}

func TestLoop_FinalAnswerConfirmation_FallbackOnFailure(t *testing.T) {
	host := testharness.NewToolHost()
	defer host.Close()
	// The confirmation attempt never validates either; the loop must still
	// return the original content with a diagnostic, not fail.
	model := testharness.NewScriptedModel(
		`{"kind":"final_answer","content":"It is sunny.","thought":"done here"}`,
		"nope",
	)
	defer model.Close()

	outcome, err := newLoop(host, model).Run(context.Background(), "weather?")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if outcome.Content != "It is sunny." {
		t.Fatalf("content = %q", outcome.Content)
	}
	if outcome.Diagnostic == "" {
		t.Fatal("expected a diagnostic on confirmation failure")
	}
}

func TestLoop_ModelConnectivity_IsFatal(t *testing.T) {
	host := testharness.NewToolHost()
	defer host.Close()
	model := testharness.NewScriptedModel()
	model.Close() // unreachable from the start

	_, err := newLoop(host, model).Run(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected fatal error when the model server is unreachable")
	}
	if !errorsx.HasReason(err, errorsx.ReasonModelConnect) {
		t.Fatalf("reason = %q", errorsx.Reason(err))
	}
}

func TestLoop_CancellationBetweenIterations(t *testing.T) {
	host := testharness.NewToolHost()
	defer host.Close()
	model := testharness.NewScriptedModel(
		`{"kind":"tool_call","tool":"calculate","arguments":{"expression":"1 + 1"}}`,
	)
	defer model.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newLoop(host, model).Run(ctx, "count")
	if err == nil {
		t.Fatal("expected context error")
	}
	if model.Calls() != 0 {
		t.Fatalf("model calls = %d, want 0 after pre-cancelled context", model.Calls())
	}
}

func TestLoop_SessionCarriesHistoryAcrossAsks(t *testing.T) {
	host := testharness.NewToolHost()
	defer host.Close()
	model := testharness.NewScriptedModel(
		`{"kind":"clarify","question":"Which city?"}`,
		`{"kind":"final_answer","content":"Paris it is."}`,
	)
	defer model.Close()

	session := newLoop(host, model).NewSession()
	first, err := session.Ask(context.Background(), "weather please")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if first.Kind != orchestrator.OutcomeClarification {
		t.Fatalf("first kind = %q", first.Kind)
	}

	second, err := session.Ask(context.Background(), "Paris")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if second.Kind != orchestrator.OutcomeFinalAnswer {
		t.Fatalf("second kind = %q", second.Kind)
	}

	history := session.History()
	// system, user, assistant(clarify), user, assistant(final)
	if len(history) != 5 {
		t.Fatalf("history length = %d, want 5", len(history))
	}
	if history[0].Role != protocol.RoleSystem {
		t.Fatalf("history[0].Role = %q", history[0].Role)
	}
}

func TestLoop_ToolTimeout_BecomesFailedResult(t *testing.T) {
	host := testharness.NewToolHost()
	defer host.Close()
	model := testharness.NewScriptedModel(
		`{"kind":"tool_call","tool":"get_weather","arguments":{"city":"Tokyo"}}`,
		`{"kind":"final_answer","content":"Could not check in time."}`,
	)
	defer model.Close()

	catalog := host.Catalog()
	tools := toolclient.New(host.URL(), catalog,
		toolclient.WithRetry(1, backoff.Policy{InitialMs: 1, MaxMs: 1, Factor: 1}))
	loop := orchestrator.New(provider.NewOllama(model.URL(), "scripted"), tools, catalog,
		orchestrator.WithToolTimeout(time.Nanosecond))

	outcome, err := loop.Run(context.Background(), "weather?")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if outcome.Kind != orchestrator.OutcomeFinalAnswer {
		t.Fatalf("kind = %q", outcome.Kind)
	}
}
