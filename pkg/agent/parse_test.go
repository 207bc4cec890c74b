package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macaron-dev/macaron/pkg/models"
)

func TestLiftXMLToolCalls(t *testing.T) {
	content := `Let me check the file first.
<invoke name="code_read">
<parameter name="path">src/main.go</parameter>
</invoke>
Then I'll run the tests.
<invoke name="run_command">
<parameter name="command">go test ./...</parameter>
<parameter name="timeout">120</parameter>
</invoke>`

	calls := liftXMLToolCalls(content)
	require.Len(t, calls, 2)

	assert.Equal(t, "xml_0", calls[0].ID)
	assert.Equal(t, "code_read", calls[0].Name)
	var args0 map[string]any
	require.NoError(t, json.Unmarshal([]byte(calls[0].Arguments), &args0))
	assert.Equal(t, "src/main.go", args0["path"])

	assert.Equal(t, "xml_1", calls[1].ID)
	assert.Equal(t, "run_command", calls[1].Name)
	var args1 map[string]any
	require.NoError(t, json.Unmarshal([]byte(calls[1].Arguments), &args1))
	assert.Equal(t, "go test ./...", args1["command"])
	assert.Equal(t, "120", args1["timeout"])
}

func TestLiftXMLToolCallsDecodesJSONValues(t *testing.T) {
	content := `<invoke name="web_push">
<parameter name="payload">{"event": "done", "count": 3}</parameter>
</invoke>`

	calls := liftXMLToolCalls(content)
	require.Len(t, calls, 1)

	var args map[string]any
	require.NoError(t, json.Unmarshal([]byte(calls[0].Arguments), &args))
	payload, ok := args["payload"].(map[string]any)
	require.True(t, ok, "JSON-looking values decode to structures")
	assert.Equal(t, "done", payload["event"])
	assert.Equal(t, float64(3), payload["count"])
}

func TestLiftXMLToolCallsNoBlocks(t *testing.T) {
	assert.Nil(t, liftXMLToolCalls("plain prose with no tool syntax"))
}

func TestStripProviderTokens(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "think block",
			in:   "<think>I should be concise.</think>The answer is 42.",
			want: "The answer is 42.",
		},
		{
			name: "multiline think block",
			in:   "Before.\n<think>line one\nline two</think>\nAfter.",
			want: "Before.\n\nAfter.",
		},
		{
			name: "leaked tool call section",
			in:   "Result ready.<|tool_calls_section_begin|>raw tokens<|tool_calls_section_end|>",
			want: "Result ready.",
		},
		{
			name: "unterminated tool call section",
			in:   "Partial.<|tool_calls_section_begin|>raw tokens cut off",
			want: "Partial.",
		},
		{
			name: "invoke block removed",
			in:   "Done.\n<invoke name=\"code_read\">\n<parameter name=\"path\">x</parameter>\n</invoke>",
			want: "Done.",
		},
		{
			name: "clean content untouched",
			in:   "  Nothing to strip here.  ",
			want: "Nothing to strip here.",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StripProviderTokens(tc.in))
		})
	}
}

func TestParseDelegations(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []models.Delegation
	}{
		{
			name: "none",
			in:   "No delegation here.",
			want: nil,
		},
		{
			name: "single",
			in:   "Plan:\n[DELEGATE:dev-1] build the login endpoint",
			want: []models.Delegation{{ToAgent: "dev-1", Task: "build the login endpoint"}},
		},
		{
			name: "multiple with indentation",
			in:   "  [DELEGATE:dev-1] backend\n[DELEGATE:qa.lead] verify it\ntrailing prose",
			want: []models.Delegation{
				{ToAgent: "dev-1", Task: "backend"},
				{ToAgent: "qa.lead", Task: "verify it"},
			},
		},
		{
			name: "marker mid-line ignored",
			in:   "see [DELEGATE:dev-1] inline mention",
			want: nil,
		},
		{
			name: "empty task ignored",
			in:   "[DELEGATE:dev-1]",
			want: nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseDelegations(tc.in))
		})
	}
}
