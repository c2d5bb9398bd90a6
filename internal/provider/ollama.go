package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kotaroba/toolloop/internal/errorsx"
	"github.com/kotaroba/toolloop/internal/protocol"
)

// defaultNumCtx is the context window requested from the server. Matches the
// window the target models are served with.
const defaultNumCtx = 4096

// Ollama is the primary ChatClient: a thin wrapper over the Ollama chat API,
// which supports schema-constrained decoding natively via the format field.
type Ollama struct {
	host  string
	model string
	http  *http.Client
	log   *slog.Logger
}

// OllamaOption configures the client.
type OllamaOption func(*Ollama)

func WithOllamaHTTPClient(hc *http.Client) OllamaOption {
	return func(o *Ollama) { o.http = hc }
}

func WithOllamaLogger(l *slog.Logger) OllamaOption {
	return func(o *Ollama) { o.log = l }
}

// NewOllama builds a client for the server at host generating with model.
func NewOllama(host, model string, opts ...OllamaOption) *Ollama {
	o := &Ollama{
		host:  strings.TrimRight(host, "/"),
		model: model,
		http:  &http.Client{Timeout: 60 * time.Second},
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Ollama) Name() string { return "ollama" }

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumCtx      int     `json:"num_ctx"`
	Seed        *int64  `json:"seed,omitempty"`
}

type ollamaChatRequest struct {
	Model    string             `json:"model"`
	Messages []protocol.Message `json:"messages"`
	Stream   bool               `json:"stream"`
	Format   json.RawMessage    `json:"format,omitempty"`
	Options  ollamaOptions      `json:"options"`
}

type ollamaChatResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

// Chat posts the history to /api/chat and returns the assistant content.
// Connectivity failures and timeouts are fatal-class: there is no tool to
// blame and no recovery context to offer the model.
func (o *Ollama) Chat(ctx context.Context, history []protocol.Message, opts ChatOptions) (string, error) {
	reqBody := ollamaChatRequest{
		Model:    o.model,
		Messages: history,
		Stream:   false,
		Format:   opts.Schema,
		Options: ollamaOptions{
			Temperature: opts.Temperature,
			NumCtx:      defaultNumCtx,
			Seed:        opts.Seed,
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonModelAPI)
	}

	endpoint := o.host + "/api/chat"
	o.log.Debug("model request", "endpoint", endpoint, "model", o.model, "messages", len(history), "constrained", opts.Schema != nil)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonModelAPI)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return "", errorsx.Wrap(fmt.Errorf("model call timed out: %w", err), errorsx.ReasonModelTimeout)
		}
		return "", errorsx.Wrap(fmt.Errorf("model server unreachable at %s: %w", o.host, err), errorsx.ReasonModelConnect)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonModelAPI)
	}
	if resp.StatusCode != http.StatusOK {
		return "", errorsx.Wrap(fmt.Errorf("model API error: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), errorsx.ReasonModelAPI)
	}

	var decoded ollamaChatResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", errorsx.Wrap(fmt.Errorf("model response is not valid JSON: %w", err), errorsx.ReasonModelAPI)
	}

	o.log.Debug("model response", "chars", len(decoded.Message.Content), "done", decoded.Done)
	return decoded.Message.Content, nil
}

// Healthy probes /api/tags with a short timeout.
func (o *Ollama) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// ListModels returns the model names installed on the server.
func (o *Ollama) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.host+"/api/tags", nil)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonModelAPI)
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("model server unreachable at %s: %w", o.host, err), errorsx.ReasonModelConnect)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonModelAPI)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errorsx.Wrap(fmt.Errorf("model API error: status %d", resp.StatusCode), errorsx.ReasonModelAPI)
	}

	var decoded struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonModelAPI)
	}
	names := make([]string, 0, len(decoded.Models))
	for _, m := range decoded.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Timeout()
	}
	return false
}
