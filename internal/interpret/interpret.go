// Package interpret turns raw model output into a validated Intent.
//
// Decoding is deliberately paranoid: the model backend's conformance to the
// schema constraint is best-effort, so every turn is re-validated here, and a
// single repair pass recovers output truncated before its closing braces.
package interpret

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/kotaroba/toolloop/internal/protocol"
)

// Malformed reasons reported on Result.Intent when decoding fails.
const (
	ReasonUnparseable     = "unparseable"
	ReasonSchemaViolation = "schema-violation"
)

// Result carries the decoded intent plus whether the repair heuristic was
// needed. A repaired parse is kept distinguishable because the repair only
// handles trailing truncation, not arbitrary malformation.
type Result struct {
	Intent   protocol.Intent
	Repaired bool
}

// Parse decodes one model turn. It never fails: output that cannot be decoded
// or does not satisfy the call schema comes back as a protocol.Malformed
// intent for the loop to handle.
func Parse(raw string) Result {
	text := StripFence(strings.TrimSpace(raw))

	repaired := false
	if !json.Valid([]byte(text)) {
		fixed, ok := RepairBraces(text)
		if !ok {
			return Result{Intent: protocol.Malformed{Raw: raw, Reason: ReasonUnparseable}}
		}
		text = fixed
		repaired = true
	}

	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return Result{Intent: protocol.Malformed{Raw: raw, Reason: ReasonUnparseable}, Repaired: repaired}
	}
	if err := protocol.CallSchema.Validate(doc); err != nil {
		return Result{Intent: protocol.Malformed{Raw: raw, Reason: ReasonSchemaViolation}, Repaired: repaired}
	}

	intent := decode(text)
	if intent == nil {
		// Schema passed but the document does not fit any known form; treat
		// as a violation rather than guessing.
		return Result{Intent: protocol.Malformed{Raw: raw, Reason: ReasonSchemaViolation}, Repaired: repaired}
	}
	return Result{Intent: intent, Repaired: repaired}
}

// ParseFinal decodes a confirmation turn against the strict final-answer
// schema. Unlike Parse it reports failure via ok=false: the caller falls back
// to the unconfirmed answer rather than retrying.
func ParseFinal(raw string) (protocol.FinalAnswer, bool) {
	text := StripFence(strings.TrimSpace(raw))
	if !json.Valid([]byte(text)) {
		fixed, okRepair := RepairBraces(text)
		if !okRepair {
			return protocol.FinalAnswer{}, false
		}
		text = fixed
	}

	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return protocol.FinalAnswer{}, false
	}
	if err := protocol.FinalSchema.Validate(doc); err != nil {
		return protocol.FinalAnswer{}, false
	}

	var fa protocol.FinalAnswer
	if err := json.Unmarshal([]byte(text), &fa); err != nil {
		return protocol.FinalAnswer{}, false
	}
	return fa, true
}

// decode picks the concrete intent type from the kind discriminator. The
// document has already passed schema validation, so required fields for the
// selected kind are present.
func decode(text string) protocol.Intent {
	switch gjson.Get(text, "kind").String() {
	case protocol.KindToolCall:
		var tc protocol.ToolCall
		if err := json.Unmarshal([]byte(text), &tc); err != nil {
			return nil
		}
		if strings.TrimSpace(tc.Tool) == "" {
			return nil
		}
		tc.Tool = strings.TrimSpace(tc.Tool)
		if tc.Arguments == nil {
			tc.Arguments = map[string]any{}
		}
		return tc
	case protocol.KindFinalAnswer:
		var fa protocol.FinalAnswer
		if err := json.Unmarshal([]byte(text), &fa); err != nil {
			return nil
		}
		if strings.TrimSpace(fa.Content) == "" {
			return nil
		}
		return fa
	case protocol.KindClarify:
		var cl protocol.Clarification
		if err := json.Unmarshal([]byte(text), &cl); err != nil {
			return nil
		}
		if strings.TrimSpace(cl.Question) == "" {
			return nil
		}
		return cl
	}
	return nil
}

// StripFence removes a surrounding Markdown code fence (``` or ```json) if
// present. Models under a loose backend sometimes wrap their JSON this way.
func StripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && strings.HasPrefix(lines[0], "```") {
		lines = lines[1:]
	}
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// RepairBraces appends closing braces for every unmatched opening brace and
// reports whether the result parses. This recovers output truncated at the
// tail; anything else stays broken and is reported as such.
func RepairBraces(text string) (string, bool) {
	open := strings.Count(text, "{")
	closed := strings.Count(text, "}")
	if open > closed {
		text += strings.Repeat("}", open-closed)
	}
	if json.Valid([]byte(text)) {
		return text, true
	}
	return "", false
}
