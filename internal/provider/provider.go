// Package provider encapsulates the model-serving backends.
//
// The loop talks to a ChatClient and nothing else. A backend only needs to
// honor an optional JSON-schema output constraint (best-effort) and a
// deterministic low-temperature mode; its conformance to the schema is always
// re-validated by the interpreter.
package provider

import (
	"context"
	"encoding/json"

	"github.com/kotaroba/toolloop/internal/protocol"
)

// ChatOptions carries the per-call generation knobs.
type ChatOptions struct {
	// Schema, when non-nil, asks the backend to constrain its output to the
	// given JSON Schema. Backends without native support embed it as a hint.
	Schema json.RawMessage
	// Temperature is passed through; the loop runs at 0 for reproducibility.
	Temperature float64
	// Seed, when non-nil, fixes the sampling seed on backends that support
	// one so retries and tests are reproducible.
	Seed *int64
}

// ChatClient sends a message history to a completion backend and returns the
// raw assistant text of the next turn.
type ChatClient interface {
	Chat(ctx context.Context, history []protocol.Message, opts ChatOptions) (string, error)
	Name() string
}
