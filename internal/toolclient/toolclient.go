// Package toolclient dispatches tool calls against the tool host.
//
// Invoke never lets a failure escape as an error: every outcome, including
// transport faults and timeouts, is folded into a ToolResult so the loop can
// hand it back to the model as recoverable context.
package toolclient

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
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kotaroba/toolloop/internal/backoff"
	"github.com/kotaroba/toolloop/internal/errorsx"
	"github.com/kotaroba/toolloop/internal/protocol"
	"github.com/kotaroba/toolloop/internal/registry"
	"github.com/kotaroba/toolloop/internal/telemetry"
)

// Client invokes tools resolved through the session catalog.
type Client struct {
	base    string
	catalog *registry.Catalog
	http    *http.Client
	policy  backoff.Policy
	retries int
	log     *slog.Logger

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport (tests use this).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetry sets the attempt budget and backoff for transient failures.
// Validation and not-found responses are never retried.
func WithRetry(attempts int, policy backoff.Policy) Option {
	return func(c *Client) {
		c.retries = attempts
		c.policy = policy
	}
}

// WithLogger attaches a logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New builds a tool client for the host at base using the session catalog
// for endpoint resolution.
func New(base string, catalog *registry.Catalog, opts ...Option) *Client {
	c := &Client{
		base:    strings.TrimRight(base, "/"),
		catalog: catalog,
		http:    &http.Client{},
		policy:  backoff.Default(),
		retries: 3,
		log:     slog.Default(),
		schemas: make(map[string]*jsonschema.Schema),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Invoke executes one tool call and returns its result envelope. timeout
// bounds the whole dispatch including retries.
func (c *Client) Invoke(ctx context.Context, name string, args map[string]any, timeout time.Duration) protocol.ToolResult {
	start := time.Now()
	res := c.invoke(ctx, name, args, timeout)
	telemetry.Emit("tool_exec", map[string]any{
		"tool":        name,
		"ok":          res.OK,
		"duration_ms": time.Since(start).Milliseconds(),
		"error":       nonEmpty(res.Error),
	})
	if res.OK {
		c.log.Info("tool call succeeded", "tool", name)
	} else {
		c.log.Warn("tool call failed", "tool", name, "error", res.Error)
	}
	return res
}

func (c *Client) invoke(ctx context.Context, name string, args map[string]any, timeout time.Duration) protocol.ToolResult {
	desc, ok := c.catalog.Lookup(name)
	if !ok {
		return protocol.NewToolError(name, fmt.Sprintf("unknown tool %q", name))
	}
	if args == nil {
		args = map[string]any{}
	}

	// Validate arguments before touching the network; the host would answer
	// 400 anyway, and resending identical arguments cannot succeed.
	if err := c.checkInput(desc, args); err != nil {
		return protocol.NewToolError(name, fmt.Sprintf("invalid arguments: %v", err))
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var content string
	err := backoff.Retry(ctx, c.policy, c.retries, errorsx.Retryable, func(attempt int) error {
		if attempt > 1 {
			c.log.Debug("retrying tool call", "tool", name, "attempt", attempt)
		}
		body, err := c.post(ctx, desc, args)
		if err != nil {
			return err
		}
		content = body
		return nil
	})
	if err != nil {
		return protocol.NewToolError(name, err.Error())
	}

	if err := c.checkOutput(desc, content); err != nil {
		return protocol.NewToolError(name, fmt.Sprintf("response schema violation: %v", err))
	}
	return protocol.NewToolResult(name, content)
}

// post performs a single dispatch and maps the response onto the error
// taxonomy: 2xx returns the compacted body, 400/404/500 become their
// non-retryable classes, transport faults stay retryable.
func (c *Client) post(ctx context.Context, desc registry.Descriptor, args map[string]any) (string, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonToolInvalidArgs)
	}

	endpoint := c.base + "/" + strings.TrimLeft(desc.Path, "/")
	method := strings.ToUpper(desc.HTTPMethod)
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonToolCall)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return "", errorsx.Wrap(fmt.Errorf("tool %q timed out: %w", desc.Name, err), errorsx.ReasonToolTimeout)
		}
		return "", errorsx.Wrap(fmt.Errorf("tool host unreachable: %w", err), errorsx.ReasonToolCall)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonToolCall)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var compact bytes.Buffer
		if err := json.Compact(&compact, body); err != nil {
			return "", errorsx.Wrap(fmt.Errorf("tool %q returned a non-JSON body", desc.Name), errorsx.ReasonToolCall)
		}
		return compact.String(), nil
	case resp.StatusCode == http.StatusBadRequest:
		return "", errorsx.Wrap(fmt.Errorf("tool %q rejected arguments: %s", desc.Name, errorDetail(body)), errorsx.ReasonToolInvalidArgs)
	case resp.StatusCode == http.StatusNotFound:
		return "", errorsx.Wrap(fmt.Errorf("tool %q not found on host: %s", desc.Name, errorDetail(body)), errorsx.ReasonToolNotFound)
	case resp.StatusCode >= 500:
		return "", errorsx.Wrap(fmt.Errorf("tool %q server fault: %s", desc.Name, errorDetail(body)), errorsx.ReasonToolServer)
	default:
		return "", errorsx.Wrap(fmt.Errorf("tool %q unexpected status %d: %s", desc.Name, resp.StatusCode, errorDetail(body)), errorsx.ReasonToolCall)
	}
}

// checkInput validates args against the descriptor's input schema, if one
// was published. Compiled schemas are cached per tool for the session.
func (c *Client) checkInput(desc registry.Descriptor, args map[string]any) error {
	schema, err := c.compiled(desc.Name+"/input", desc.InputSchema)
	if err != nil || schema == nil {
		return err
	}
	// Round-trip through encoding/json so numeric types match what the
	// validator expects.
	var doc any
	b, _ := json.Marshal(args)
	_ = json.Unmarshal(b, &doc)
	return schema.Validate(doc)
}

// checkOutput validates the 2xx body against the descriptor's output schema,
// if one was published.
func (c *Client) checkOutput(desc registry.Descriptor, body string) error {
	schema, err := c.compiled(desc.Name+"/output", desc.OutputSchema)
	if err != nil || schema == nil {
		return err
	}
	var doc any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

func (c *Client) compiled(key string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	c.schemaMu.Lock()
	defer c.schemaMu.Unlock()
	if s, ok := c.schemas[key]; ok {
		return s, nil
	}
	s, err := jsonschema.CompileString(key+".schema.json", string(raw))
	if err != nil {
		// A broken published schema should not block dispatch; the host
		// still validates server-side.
		c.log.Warn("ignoring uncompilable tool schema", "key", key, "error", err)
		c.schemas[key] = nil
		return nil, nil
	}
	c.schemas[key] = s
	return s, nil
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

// errorDetail pulls a human-readable message from an error body, trying the
// host's known error shapes first.
func errorDetail(body []byte) string {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err == nil {
		for _, key := range []string{"error", "message", "detail", "title"} {
			if v, ok := doc[key].(string); ok && v != "" {
				return v
			}
		}
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return s
	}
	return "no detail"
}

func nonEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
