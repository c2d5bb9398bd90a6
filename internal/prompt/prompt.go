// Package prompt builds the system prompt that teaches the model its
// response contract and the tools it may call. Tool descriptions are derived
// from the registry catalog's input schemas.
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/kotaroba/toolloop/internal/registry"
)

// Style controls how much schema detail each tool entry carries.
type Style string

const (
	StyleDetailed Style = "detailed"
	StyleConcise  Style = "concise"
	StyleMinimal  Style = "minimal"
)

// labels holds the per-language section headers and parameter markers.
type labels struct {
	role        string
	toolsHeader string
	rulesHeader string
	formatHdr   string
	parameters  string
	required    string
	optional    string
	noParams    string
	noTools     string
	rules       []string
}

var languages = map[string]labels{
	"en": {
		role:        "You are a capable AI assistant.",
		toolsHeader: "# Available Tools",
		rulesHeader: "# Important Instructions",
		formatHdr:   "# Response Format",
		parameters:  "Parameters",
		required:    "Required",
		optional:    "Optional",
		noParams:    "(No parameters)",
		noTools:     "(No tools available)",
		rules: []string{
			"Always respond with a single JSON object and nothing else.",
			"When calling a tool, use the exact tool name and parameter names listed above.",
			"After receiving a tool result, use it to produce a final answer.",
			"If the request is missing information a tool requires, ask a clarifying question.",
		},
	},
	"ja": {
		role:        "あなたは有能なAIアシスタントです。",
		toolsHeader: "# 利用可能なツール",
		rulesHeader: "# 重要な指示",
		formatHdr:   "# レスポンス形式",
		parameters:  "パラメータ",
		required:    "必須",
		optional:    "任意",
		noParams:    "(パラメータなし)",
		noTools:     "(利用可能なツールはありません)",
		rules: []string{
			"レスポンスは必ず単一のJSONオブジェクトのみで返してください。",
			"ツールを呼び出す場合は、上記の正確なツール名とパラメータ名を指定してください。",
			"ツールの実行結果を受け取ったら、それを元に最終回答を生成してください。",
			"ツールに必要な情報が不足している場合は、確認質問をしてください。",
		},
	},
}

const responseFormat = `Reply in exactly one of these JSON shapes:

1. Tool call:
{"kind": "tool_call", "tool": "<tool name>", "arguments": {"<param>": <value>}}

2. Final answer:
{"kind": "final_answer", "content": "<your answer>"}

3. Clarification:
{"kind": "clarify", "question": "<what you need to know>"}`

// Builder assembles system prompts from a catalog.
type Builder struct {
	language     string
	style        Style
	instructions string
}

// Option configures a Builder.
type Option func(*Builder)

// WithLanguage selects the prompt language. Unknown codes fall back to en.
func WithLanguage(code string) Option {
	return func(b *Builder) { b.language = code }
}

func WithStyle(s Style) Option {
	return func(b *Builder) { b.style = s }
}

// WithInstructions appends a custom instruction section.
func WithInstructions(text string) Option {
	return func(b *Builder) { b.instructions = text }
}

func NewBuilder(opts ...Option) *Builder {
	b := &Builder{language: "en", style: StyleDetailed}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// System renders the full system prompt for the given catalog.
func (b *Builder) System(catalog *registry.Catalog) string {
	lang, ok := languages[b.language]
	if !ok {
		lang = languages["en"]
	}

	sections := []string{
		lang.role,
		lang.toolsHeader + "\n\n" + b.toolsSection(catalog, lang),
		lang.formatHdr + "\n\n" + responseFormat,
		lang.rulesHeader + "\n\n" + numberedList(lang.rules),
	}
	if s := strings.TrimSpace(b.instructions); s != "" {
		sections = append(sections, "# Additional Instructions\n\n"+s)
	}
	return strings.TrimSpace(strings.Join(sections, "\n\n"))
}

func (b *Builder) toolsSection(catalog *registry.Catalog, lang labels) string {
	if catalog == nil || catalog.Len() == 0 {
		return lang.noTools
	}
	entries := make([]string, 0, catalog.Len())
	for _, tool := range catalog.Tools() {
		entries = append(entries, b.toolEntry(tool, lang))
	}
	return strings.Join(entries, "\n\n")
}

func (b *Builder) toolEntry(tool registry.Descriptor, lang labels) string {
	params := extractParams(tool)

	switch b.style {
	case StyleMinimal:
		return fmt.Sprintf("## %s\n%s", tool.Name, tool.Description)
	case StyleConcise:
		names := lang.noParams
		if len(params) > 0 {
			parts := make([]string, 0, len(params))
			for _, p := range params {
				if p.required {
					parts = append(parts, p.name)
				}
			}
			if len(parts) > 0 {
				names = strings.Join(parts, ", ")
			}
		}
		return fmt.Sprintf("## %s\n%s\n%s: %s", tool.Name, tool.Description, lang.parameters, names)
	default:
		var sb strings.Builder
		fmt.Fprintf(&sb, "## %s\n%s\n\n%s:\n", tool.Name, tool.Description, lang.parameters)
		if len(params) == 0 {
			sb.WriteString("  " + lang.noParams)
			return sb.String()
		}
		for _, p := range params {
			marker := lang.optional
			if p.required {
				marker = lang.required
			}
			fmt.Fprintf(&sb, "  - %s (%s, %s): %s\n", p.name, p.typ, marker, p.description)
		}
		return strings.TrimRight(sb.String(), "\n")
	}
}

type param struct {
	name        string
	typ         string
	description string
	required    bool
}

// extractParams walks the tool's input schema. Required parameters come
// first, each group sorted by name so prompts are stable across runs.
func extractParams(tool registry.Descriptor) []param {
	if len(tool.InputSchema) == 0 {
		return nil
	}
	schema := gjson.ParseBytes(tool.InputSchema)

	requiredSet := map[string]bool{}
	for _, r := range schema.Get("required").Array() {
		requiredSet[r.String()] = true
	}

	var params []param
	schema.Get("properties").ForEach(func(key, value gjson.Result) bool {
		typ := value.Get("type").String()
		if typ == "" {
			typ = "any"
		}
		params = append(params, param{
			name:        key.String(),
			typ:         typ,
			description: value.Get("description").String(),
			required:    requiredSet[key.String()],
		})
		return true
	})

	sort.Slice(params, func(i, j int) bool {
		if params[i].required != params[j].required {
			return params[i].required
		}
		return params[i].name < params[j].name
	})
	return params
}

func numberedList(items []string) string {
	var sb strings.Builder
	for i, item := range items {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, item)
	}
	return strings.TrimRight(sb.String(), "\n")
}
