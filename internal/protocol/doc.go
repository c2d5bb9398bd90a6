// Package protocol defines the message types exchanged between the
// orchestration loop, the model backend, and the tool host.
//
// Includes:
//   - Message: one conversation turn (system/user/assistant/tool roles).
//   - Intent: the closed set of decoded model turns (ToolCall, FinalAnswer,
//     Clarification, Malformed).
//   - ToolResult: the envelope fed back into the conversation after a dispatch.
//   - CallSchema / FinalSchema: the JSON Schema documents that constrain
//     model output in the tool-call phase and the final-answer phase.
package protocol
