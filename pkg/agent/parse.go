package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/macaron-dev/macaron/pkg/llm"
	"github.com/macaron-dev/macaron/pkg/models"
)

// Some providers emit tool calls as XML inside the text instead of
// structured tool_calls, and some wrap reasoning in raw marker tokens.
// These patterns lift the former and strip both from final output.
var (
	invokePattern = regexp.MustCompile(`(?s)<invoke name="([^"]+)">(.*?)</invoke>`)
	paramPattern  = regexp.MustCompile(`(?s)<parameter name="([^"]+)">(.*?)</parameter>`)
	thinkPattern  = regexp.MustCompile(`(?s)<think>.*?</think>`)
	// minimaxPattern matches the raw tool-call section tokens some
	// OpenAI-compatible gateways leak into content.
	minimaxPattern = regexp.MustCompile(`(?s)<\|tool_calls_section_begin\|>.*?(<\|tool_calls_section_end\|>|$)`)

	delegatePattern = regexp.MustCompile(`(?m)^\s*\[DELEGATE:([A-Za-z0-9._-]+)\]\s*(.+)$`)
)

// liftXMLToolCalls parses <invoke> blocks out of assistant text and
// returns them as structured tool calls. Parameter values that look
// like JSON are decoded; everything else stays a string.
func liftXMLToolCalls(content string) []llm.ToolCall {
	blocks := invokePattern.FindAllStringSubmatch(content, -1)
	if len(blocks) == 0 {
		return nil
	}
	calls := make([]llm.ToolCall, 0, len(blocks))
	for i, block := range blocks {
		args := make(map[string]any)
		for _, p := range paramPattern.FindAllStringSubmatch(block[2], -1) {
			args[p[1]] = decodeParamValue(p[2])
		}
		raw, err := json.Marshal(args)
		if err != nil {
			raw = []byte("{}")
		}
		calls = append(calls, llm.ToolCall{
			ID:        fmt.Sprintf("xml_%d", i),
			Name:      block[1],
			Arguments: string(raw),
		})
	}
	return calls
}

func decodeParamValue(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return trimmed
}

// StripProviderTokens removes reasoning blocks, XML tool invocations,
// and leaked raw tool-call tokens from assistant text.
func StripProviderTokens(content string) string {
	content = thinkPattern.ReplaceAllString(content, "")
	content = minimaxPattern.ReplaceAllString(content, "")
	content = invokePattern.ReplaceAllString(content, "")
	return strings.TrimSpace(content)
}

// ParseDelegations extracts "[DELEGATE:agent_id] task" lines. The
// content itself is left untouched; callers decide what to do with the
// directives.
func ParseDelegations(content string) []models.Delegation {
	matches := delegatePattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]models.Delegation, 0, len(matches))
	for _, m := range matches {
		out = append(out, models.Delegation{
			ToAgent: m[1],
			Task:    strings.TrimSpace(m[2]),
		})
	}
	return out
}
