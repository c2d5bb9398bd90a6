package protocol

import "encoding/json"

// Conversation roles. The tool role carries the name of the tool that
// produced the result in Message.ToolName.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of the conversation history. The history is append-only
// for the duration of a session; a Message is never mutated once appended.
type Message struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	ToolName string `json:"tool_name,omitempty"`
}

// SystemMessage, UserMessage and AssistantMessage are small constructors used
// by the loop; they exist so call sites read as history operations.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ToolResult is the envelope produced by one tool dispatch. It is always
// appended to the history as a tool-role message, whether or not the
// dispatch succeeded.
type ToolResult struct {
	Kind    string `json:"kind"` // always "tool_result"
	Tool    string `json:"tool"`
	OK      bool   `json:"ok"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewToolResult returns a successful result carrying the tool's response body.
func NewToolResult(tool, content string) ToolResult {
	return ToolResult{Kind: "tool_result", Tool: tool, OK: true, Content: content}
}

// NewToolError returns a failed result. The error text is recoverable context
// for the model, not a reason to abort the session.
func NewToolError(tool, errText string) ToolResult {
	return ToolResult{Kind: "tool_result", Tool: tool, OK: false, Error: errText}
}

// Message renders the result as the tool-role turn appended to the history.
func (r ToolResult) Message() Message {
	b, _ := json.Marshal(r)
	return Message{Role: RoleTool, Content: string(b), ToolName: r.Tool}
}
