// Package orchestrator runs the conversation state machine between the model
// backend and the tool host.
//
// Invariants:
//   - the history is append-only: never truncated, never reordered.
//   - every dispatched tool call appends exactly one tool-role message before
//     the next model call.
//   - the iteration counter is monotonic and bounded; malformed-reply retries
//     are counted separately and do not consume iteration budget.
//
// Flow:
//
//	user(query) -> assistant(tool_call) -> tool(result) -> assistant(final_answer)
package orchestrator
