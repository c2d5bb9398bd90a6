package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kotaroba/toolloop/internal/errorsx"
	"github.com/kotaroba/toolloop/internal/interpret"
	"github.com/kotaroba/toolloop/internal/prompt"
	"github.com/kotaroba/toolloop/internal/protocol"
	"github.com/kotaroba/toolloop/internal/provider"
	"github.com/kotaroba/toolloop/internal/registry"
	"github.com/kotaroba/toolloop/internal/telemetry"
)

// Defaults for the loop budgets.
const (
	DefaultMaxIterations  = 10
	DefaultMalformedLimit = 3
	DefaultToolTimeout    = 15 * time.Second
)

// correctiveMessage is appended as a user turn after a malformed model reply.
// Recoverable errors are fed back into the conversation on the premise that
// the model can self-correct.
const correctiveMessage = `Your previous reply was not a valid response. Reply again with exactly one JSON object and nothing else, using one of the kinds "tool_call", "final_answer" or "clarify" in the documented shape.`

// confirmMessage asks for the strict final-answer restatement.
const confirmMessage = `Restate your final answer as a single JSON object with exactly the fields "kind" (the string "final_answer") and "content" (your answer text). No other fields, no surrounding text.`

// Kind discriminates the terminal outcomes of a run. A fatal failure is not
// an outcome: Run reports it as a non-nil error instead.
type Kind string

const (
	OutcomeFinalAnswer   Kind = "final_answer"
	OutcomeClarification Kind = "clarification"
	OutcomeExhausted     Kind = "exhausted"
)

// Outcome is the terminal result of one run. Which fields are set depends on
// Kind: Content and Diagnostic for a final answer, Question and MissingParams
// for a clarification, LastPartial for an exhausted budget. The counters are
// always set.
type Outcome struct {
	Kind Kind

	Content    string
	Diagnostic string // non-empty when the answer could not be validated

	Question      string
	MissingParams []string

	LastPartial string

	Iterations int
	ModelCalls int
	ToolCalls  int
}

// ToolInvoker executes one tool call. It returns a result envelope in every
// case; failures are carried inside the envelope, never as an error.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args map[string]any, timeout time.Duration) protocol.ToolResult
}

// Loop drives the conversation between the model and the tool host. A Loop is
// immutable after New and may be shared; per-conversation state lives in the
// Session.
type Loop struct {
	model   provider.ChatClient
	tools   ToolInvoker
	catalog *registry.Catalog
	prompts *prompt.Builder
	log     *slog.Logger

	maxIterations  int
	malformedLimit int
	toolTimeout    time.Duration
	temperature    float64
	seed           *int64
}

// Option configures a Loop.
type Option func(*Loop)

// WithMaxIterations caps the number of model-call rounds per run.
func WithMaxIterations(n int) Option {
	return func(l *Loop) { l.maxIterations = n }
}

// WithMalformedLimit caps consecutive undecodable model replies before the
// run fails. Malformed retries do not consume iteration budget.
func WithMalformedLimit(n int) Option {
	return func(l *Loop) { l.malformedLimit = n }
}

// WithToolTimeout bounds each tool dispatch including its retries.
func WithToolTimeout(d time.Duration) Option {
	return func(l *Loop) { l.toolTimeout = d }
}

// WithSampling sets the temperature and optional seed passed on every model
// call. Temperature zero with a fixed seed makes runs reproducible on
// backends that support it.
func WithSampling(temperature float64, seed *int64) Option {
	return func(l *Loop) {
		l.temperature = temperature
		l.seed = seed
	}
}

func WithPromptBuilder(b *prompt.Builder) Option {
	return func(l *Loop) { l.prompts = b }
}

func WithLogger(log *slog.Logger) Option {
	return func(l *Loop) { l.log = log }
}

// New builds a loop over the given model backend, tool invoker and session
// catalog.
func New(model provider.ChatClient, tools ToolInvoker, catalog *registry.Catalog, opts ...Option) *Loop {
	l := &Loop{
		model:          model,
		tools:          tools,
		catalog:        catalog,
		prompts:        prompt.NewBuilder(),
		log:            slog.Default(),
		maxIterations:  DefaultMaxIterations,
		malformedLimit: DefaultMalformedLimit,
		toolTimeout:    DefaultToolTimeout,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Session holds the append-only conversation history across runs. The
// history is never truncated or reordered; every appended message stays.
type Session struct {
	loop    *Loop
	id      string
	history []protocol.Message
}

// NewSession starts a conversation seeded with the system prompt built from
// the catalog.
func (l *Loop) NewSession() *Session {
	return &Session{
		loop:    l,
		id:      telemetry.NewID(),
		history: []protocol.Message{protocol.SystemMessage(l.prompts.System(l.catalog))},
	}
}

// History returns a copy of the conversation so far.
func (s *Session) History() []protocol.Message {
	out := make([]protocol.Message, len(s.history))
	copy(out, s.history)
	return out
}

// Run answers a single query on a fresh session.
func (l *Loop) Run(ctx context.Context, query string) (Outcome, error) {
	return l.NewSession().Ask(ctx, query)
}

// Ask appends the query to the session and drives the loop until a terminal
// outcome or a fatal error. Model-connectivity failures abort immediately;
// tool failures never do.
func (s *Session) Ask(ctx context.Context, query string) (Outcome, error) {
	l := s.loop
	ctx = telemetry.WithSessionID(ctx, s.id)
	s.history = append(s.history, protocol.UserMessage(query))

	var (
		iterations  int
		modelCalls  int
		toolCalls   int
		malformed   int
		lastPartial string
	)

	counters := func(o Outcome) Outcome {
		o.Iterations = iterations
		o.ModelCalls = modelCalls
		o.ToolCalls = toolCalls
		return o
	}

	for iterations < l.maxIterations {
		// Caller cancellation is honored between iterations.
		if err := ctx.Err(); err != nil {
			return counters(Outcome{}), err
		}

		turnCtx := telemetry.WithTurnID(ctx, telemetry.NewID())
		raw, err := l.model.Chat(turnCtx, s.history, provider.ChatOptions{
			Schema:      json.RawMessage(protocol.CallSchemaJSON),
			Temperature: l.temperature,
			Seed:        l.seed,
		})
		if err != nil {
			return counters(Outcome{}), err
		}
		modelCalls++
		lastPartial = raw

		res := interpret.Parse(raw)
		s.emitIntent(turnCtx, res, iterations)

		switch intent := res.Intent.(type) {
		case protocol.Malformed:
			malformed++
			l.log.Warn("malformed model reply", "reason", intent.Reason, "attempt", malformed)
			if malformed >= l.malformedLimit {
				return counters(Outcome{}), errorsx.Wrap(
					fmt.Errorf("model produced %d consecutive malformed replies (last: %s)", malformed, intent.Reason),
					errorsx.ReasonMalformedOutput)
			}
			// Retry in place with corrective context; no iteration tick.
			s.history = append(s.history,
				protocol.AssistantMessage(intent.Raw),
				protocol.UserMessage(correctiveMessage))
			continue

		case protocol.Clarification:
			malformed = 0
			s.history = append(s.history, protocol.AssistantMessage(raw))
			l.log.Info("model asked for clarification", "question", intent.Question)
			return counters(Outcome{
				Kind:          OutcomeClarification,
				Question:      intent.Question,
				MissingParams: intent.MissingParams,
			}), nil

		case protocol.FinalAnswer:
			malformed = 0
			s.history = append(s.history, protocol.AssistantMessage(intent.JSON()))
			content, diagnostic := s.confirmFinal(turnCtx, raw, intent, &modelCalls)
			l.log.Info("final answer", "validated", diagnostic == "", "chars", len(content))
			return counters(Outcome{
				Kind:       OutcomeFinalAnswer,
				Content:    content,
				Diagnostic: diagnostic,
			}), nil

		case protocol.ToolCall:
			malformed = 0
			s.history = append(s.history, protocol.AssistantMessage(intent.JSON()))

			var result protocol.ToolResult
			if _, known := l.catalog.Lookup(intent.Tool); !known {
				// Never touch the network for a tool the catalog does not
				// list; its endpoint cannot be resolved.
				l.log.Warn("model requested unknown tool", "tool", intent.Tool)
				result = protocol.NewToolError(intent.Tool, fmt.Sprintf("unknown tool %q", intent.Tool))
			} else {
				result = l.tools.Invoke(turnCtx, intent.Tool, intent.Arguments, l.toolTimeout)
				toolCalls++
			}
			s.history = append(s.history, result.Message())
			iterations++
		}
	}

	l.log.Warn("iteration budget exhausted", "iterations", iterations)
	telemetry.Emit("budget_exhausted", map[string]any{
		"session_id": s.id,
		"iterations": iterations,
	})
	return counters(Outcome{
		Kind:        OutcomeExhausted,
		LastPartial: lastPartial,
	}), nil
}

// confirmFinal coerces a final answer into its strict validated form. The
// raw model output is first checked locally against the strict schema; when
// it already conforms, no extra model call is spent. Otherwise one
// confirmation call is issued under the strict schema constraint. If that
// fails too, in any way, the original content is returned wrapped with a
// diagnostic note rather than failing the whole run.
func (s *Session) confirmFinal(ctx context.Context, raw string, fa protocol.FinalAnswer, modelCalls *int) (content, diagnostic string) {
	if confirmed, ok := interpret.ParseFinal(raw); ok {
		return confirmed.Content, ""
	}

	l := s.loop
	l.log.Debug("final answer failed local validation, confirming with model")
	s.history = append(s.history, protocol.UserMessage(confirmMessage))
	confirmRaw, err := l.model.Chat(ctx, s.history, provider.ChatOptions{
		Schema:      json.RawMessage(protocol.FinalSchemaJSON),
		Temperature: l.temperature,
		Seed:        l.seed,
	})
	if err != nil {
		l.log.Warn("final answer confirmation call failed", "error", err)
		return fa.Content, "answer could not be validated: confirmation call failed: " + err.Error()
	}
	*modelCalls++

	confirmed, ok := interpret.ParseFinal(confirmRaw)
	if !ok {
		l.log.Warn("final answer confirmation did not validate")
		return fa.Content, "answer could not be validated against the final answer format"
	}
	s.history = append(s.history, protocol.AssistantMessage(confirmed.JSON()))
	return confirmed.Content, ""
}

func (s *Session) emitIntent(ctx context.Context, res interpret.Result, iteration int) {
	kind := "malformed"
	switch res.Intent.(type) {
	case protocol.ToolCall:
		kind = protocol.KindToolCall
	case protocol.FinalAnswer:
		kind = protocol.KindFinalAnswer
	case protocol.Clarification:
		kind = protocol.KindClarify
	}
	turnID, _ := telemetry.TurnIDFromContext(ctx)
	telemetry.Emit("intent_decoded", map[string]any{
		"session_id": s.id,
		"turn_id":    turnID,
		"iteration":  iteration,
		"kind":       kind,
		"repaired":   res.Repaired,
	})
}
