package protocol

import (
	"encoding/json"

	gen "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CallSchemaJSON constrains model output during the tool-call phase: a single
// object whose kind selects one of the three intent forms, with the fields
// that kind requires. Passed to the model backend as the format constraint
// and re-validated locally on every turn.
const CallSchemaJSON = `{
  "type": "object",
  "properties": {
    "kind": {
      "type": "string",
      "enum": ["tool_call", "final_answer", "clarify"],
      "description": "Response kind."
    },
    "tool": {
      "type": "string",
      "description": "Name of the tool to invoke (required when kind=tool_call)."
    },
    "arguments": {
      "type": "object",
      "description": "Arguments passed to the tool (required when kind=tool_call)."
    },
    "content": {
      "type": "string",
      "description": "Final answer body (required when kind=final_answer); otherwise an optional note."
    },
    "thought": {
      "type": "string",
      "description": "Optional reasoning trace."
    },
    "question": {
      "type": "string",
      "description": "Question for the user (required when kind=clarify)."
    },
    "missing_params": {
      "type": "array",
      "items": {"type": "string"},
      "description": "Parameters the user still needs to provide."
    }
  },
  "required": ["kind"],
  "allOf": [
    {
      "if": {"properties": {"kind": {"const": "tool_call"}}},
      "then": {"required": ["tool", "arguments"]}
    },
    {
      "if": {"properties": {"kind": {"const": "final_answer"}}},
      "then": {"required": ["content"]}
    },
    {
      "if": {"properties": {"kind": {"const": "clarify"}}},
      "then": {"required": ["question"]}
    }
  ]
}`

// finalAnswerDoc is the document shape the final-answer phase accepts: the
// final_answer form alone, with non-empty content and nothing else.
type finalAnswerDoc struct {
	Kind    string `json:"kind" jsonschema:"enum=final_answer"`
	Content string `json:"content" jsonschema:"minLength=1"`
}

// FinalSchemaJSON is the stricter schema used by the confirmation call. It is
// derived from finalAnswerDoc rather than hand-written so the Go type and the
// wire contract cannot drift.
var FinalSchemaJSON = string(GenerateSchema[finalAnswerDoc]())

// GenerateSchema derives a JSON Schema document from a Go struct. Extra
// properties are rejected and definitions are inlined so the result can be
// handed to a model backend as a self-contained constraint.
func GenerateSchema[T any]() json.RawMessage {
	reflector := gen.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	schema := reflector.Reflect(v)
	b, err := json.Marshal(schema)
	if err != nil {
		panic(err) // reflection over a known struct; cannot fail at runtime
	}
	return b
}

// Compiled validators for the two phases. Compilation happens once at
// process start; a malformed built-in schema is a programming error.
var (
	CallSchema  = jsonschema.MustCompileString("call.schema.json", CallSchemaJSON)
	FinalSchema = jsonschema.MustCompileString("final.schema.json", FinalSchemaJSON)
)
