package protocol

import "encoding/json"

// Intent kind discriminators as they appear on the wire.
const (
	KindToolCall    = "tool_call"
	KindFinalAnswer = "final_answer"
	KindClarify     = "clarify"
)

// Intent is the decoded meaning of one model turn. The set of implementations
// is closed: ToolCall, FinalAnswer, Clarification and Malformed. Callers
// switch over the concrete types; the unexported marker keeps outside
// packages from adding cases.
type Intent interface {
	intent()
}

// ToolCall asks the loop to dispatch one tool with the given arguments.
type ToolCall struct {
	Kind      string         `json:"kind"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	Content   string         `json:"content,omitempty"` // optional user-facing note
	Thought   string         `json:"thought,omitempty"` // optional reasoning trace
}

// FinalAnswer ends the session with user-facing content.
type FinalAnswer struct {
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

// Clarification asks the user for missing information. It is a terminal
// intent: the loop has no mechanism to resume with a follow-up answer.
type Clarification struct {
	Kind          string   `json:"kind"`
	Question      string   `json:"question"`
	MissingParams []string `json:"missing_params,omitempty"`
}

// Malformed records a model turn that could not be decoded into any of the
// other intents, after repair was attempted. Raw preserves the original text
// for diagnostics and for the Exhausted outcome's partial answer.
type Malformed struct {
	Raw    string
	Reason string
}

func (ToolCall) intent()      {}
func (FinalAnswer) intent()   {}
func (Clarification) intent() {}
func (Malformed) intent()     {}

// JSON renders the intent back to its canonical wire form. Used when the loop
// appends the assistant's tool call to the history.
func (c ToolCall) JSON() string {
	c.Kind = KindToolCall
	b, _ := json.Marshal(c)
	return string(b)
}

func (a FinalAnswer) JSON() string {
	a.Kind = KindFinalAnswer
	b, _ := json.Marshal(a)
	return string(b)
}
