package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/kotaroba/toolloop/internal/errorsx"
	"github.com/kotaroba/toolloop/internal/protocol"
)

// DefaultAnthropicModel is used when the backend settings omit a model.
const DefaultAnthropicModel = string(anthropic.ModelClaude3_7SonnetLatest)

const defaultMaxTokens = 1024

// Anthropic adapts the Anthropic Messages API to ChatClient. The API has no
// server-side schema constraint, so the schema travels as a system prompt
// suffix instead; the interpreter's repair and validation path handles the
// rest.
type Anthropic struct {
	client    *anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// AnthropicSettings is the provider-specific settings block decoded from
// configuration.
type AnthropicSettings struct {
	Model     string `mapstructure:"model"`
	MaxTokens int64  `mapstructure:"max_tokens"`
}

// NewAnthropic builds a client using the API key from the environment.
func NewAnthropic(settings AnthropicSettings) *Anthropic {
	c := anthropic.NewClient()
	return newAnthropic(&c, settings)
}

// NewAnthropicWithClient allows injecting a preconfigured SDK client.
func NewAnthropicWithClient(client *anthropic.Client, settings AnthropicSettings) *Anthropic {
	return newAnthropic(client, settings)
}

func newAnthropic(client *anthropic.Client, settings AnthropicSettings) *Anthropic {
	model := anthropic.Model(settings.Model)
	if settings.Model == "" {
		model = anthropic.ModelClaude3_7SonnetLatest
	}
	maxTokens := settings.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Anthropic{client: client, model: model, maxTokens: maxTokens}
}

func (a *Anthropic) Name() string { return "anthropic" }

// Chat converts the neutral history into Messages API params and returns the
// concatenated text blocks of the reply. Tool-role messages become user
// messages tagged with the tool name, which keeps the transcript meaningful
// to a model that never saw our wire roles.
func (a *Anthropic) Chat(ctx context.Context, history []protocol.Message, opts ChatOptions) (string, error) {
	var system string
	conv := make([]anthropic.MessageParam, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case protocol.RoleSystem:
			system = m.Content
		case protocol.RoleAssistant:
			conv = append(conv, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case protocol.RoleTool:
			text := fmt.Sprintf("[tool result: %s]\n%s", m.ToolName, m.Content)
			conv = append(conv, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
		default:
			conv = append(conv, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if opts.Schema != nil {
		system += "\n\nRespond with a single JSON object matching this JSON Schema, and nothing else:\n" + string(opts.Schema)
	}

	params := anthropic.MessageNewParams{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		Messages:    conv,
		Temperature: anthropic.Float(opts.Temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", errorsx.Wrap(err, errorsx.ReasonModelTimeout)
		}
		return "", errorsx.Wrap(err, errorsx.ReasonModelAPI)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	return sb.String(), nil
}
