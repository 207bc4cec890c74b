package guard

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macaron-dev/macaron/pkg/config"
	"github.com/macaron-dev/macaron/pkg/llm"
)

// solidOutput is long enough to clear every role floor and trips no family.
var solidOutput = strings.TrimSpace(`
The payment service now validates card expiry before tokenization.
I adjusted the retry policy so declined transactions are not retried,
and the ledger write happens inside the same transaction as the charge
record. Integration points with the notification service are unchanged.
Next step would be wiring the reconciliation report into the nightly job.
`)

func TestValidate_CleanOutputPasses(t *testing.T) {
	rep := Validate(solidOutput, "developer", nil)
	assert.False(t, rep.Rejected())
	assert.Empty(t, rep.Reasons)
}

func TestValidate_EmptyOutputRejected(t *testing.T) {
	rep := Validate("   \n\t ", "developer", nil)
	assert.True(t, rep.Rejected())
	assert.GreaterOrEqual(t, rep.Score, 10)
	require.Len(t, rep.Reasons, 1)
	assert.Equal(t, "Empty output", rep.Reasons[0])
}

func TestValidate_FamilyScoring(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		role      string
		toolsUsed []string
		rejected  bool
		reason    string
	}{
		{
			name:     "two slop families stay below threshold",
			content:  solidOutput + "\nLorem ipsum dolor sit amet. Remaining sections: TBD and XXX.",
			role:     "developer",
			rejected: false, // 2 + 2 = 4
			reason:   "slop: lorem ipsum",
		},
		{
			name:     "mock body plus todo rejects",
			content:  solidOutput + "\ndef charge(card):\n    pass\n# TODO: implement the retry",
			role:     "developer",
			rejected: true, // 3 + 3
			reason:   "mock: unimplemented TODO",
		},
		{
			name:     "deploy claim without evidence scores",
			content:  solidOutput + "\nI successfully deployed the service and all tests passed.\nNotImplementedError",
			role:     "developer",
			rejected: true, // hallucination 3 + mock 3
			reason:   "hallucination: execution claim without tool evidence",
		},
		{
			name:      "deploy claim with run_command evidence passes",
			content:   solidOutput + "\nI successfully deployed the service.",
			role:      "developer",
			toolsUsed: []string{"run_command"},
			rejected:  false,
		},
		{
			name:     "file claim without write tool scores",
			content:  solidOutput + "\nI have created the file payment.go with the handler.\nconsole.log('test')",
			role:     "developer",
			rejected: true, // lie 3 + mock 3
			reason:   "lie: file creation claim without write tool",
		},
		{
			name:      "file claim with code_write passes",
			content:   solidOutput + "\nI have created the file payment.go with the handler.",
			role:      "developer",
			toolsUsed: []string{"code_write"},
			rejected:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := Validate(tt.content, tt.role, tt.toolsUsed)
			assert.Equal(t, tt.rejected, rep.Rejected(), "score=%d reasons=%v", rep.Score, rep.Reasons)
			if tt.reason != "" {
				assert.Contains(t, rep.Reasons, tt.reason)
			}
		})
	}
}

func TestValidate_LengthFloorPerRole(t *testing.T) {
	// Clears the default floor of 80, stays under every specialist floor.
	short := "Done. The checkout flow looks correct to me, the edge cases are covered and the error paths are all handled well."

	tests := []struct {
		role  string
		floor int
	}{
		{"developer", 200},
		{"devops engineer", 150},
		{"qa engineer", 150},
		{"software architect", 200},
		{"product owner", 80},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			rep := Validate(short, tt.role, nil)
			if len(short) < tt.floor {
				assert.Contains(t, rep.Reasons, "length: output below role floor")
			} else {
				assert.NotContains(t, rep.Reasons, "length: output below role floor")
			}
		})
	}

	// Write activity waives the floor.
	rep := Validate(short, "developer", []string{"code_edit"})
	assert.NotContains(t, rep.Reasons, "length: output below role floor")
}

func TestValidate_EchoDetection(t *testing.T) {
	quoted := strings.Repeat("> the previous agent said this line verbatim\n", 8) +
		"My only addition.\n"
	rep := Validate(quoted, "product owner", nil)
	assert.Contains(t, rep.Reasons, "echo: mostly quoted lines")

	mixed := "> one quoted line\n" + solidOutput
	rep = Validate(mixed, "product owner", nil)
	assert.NotContains(t, rep.Reasons, "echo: mostly quoted lines")
}

func TestValidate_RepetitionDetection(t *testing.T) {
	var b strings.Builder
	b.WriteString(solidOutput)
	for i := 0; i < 3; i++ {
		b.WriteString("\nprocessing batch item now")
		b.WriteString("\nawaiting upstream response")
		b.WriteString("\nretrying the failed chunk")
		b.WriteString("\nvalidation loop continues")
	}
	rep := Validate(b.String(), "product owner", nil)
	assert.Contains(t, rep.Reasons, "repetition: same lines repeated")
}

type fakeLLM struct {
	resp *llm.Response
	err  error
	last llm.Request
}

func (f *fakeLLM) Chat(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeLLM) ChatStream(context.Context, llm.Request) (<-chan llm.Chunk, error) {
	return nil, errors.New("not used")
}

func reviewerFor(client llm.Client) *Reviewer {
	return NewReviewer(client, &config.GuardrailsConfig{
		SemanticReview: true,
		ReviewProvider: "openai",
		ReviewModel:    "gpt-4o-mini",
	})
}

func TestReviewer_ParsesVerdict(t *testing.T) {
	fake := &fakeLLM{resp: &llm.Response{
		Content: "Here is my assessment:\n```json\n{\"score\": 8, \"issues\": [\"no code shown\", 42], \"verdict\": \"reject\"}\n```",
	}}
	r := reviewerFor(fake)

	result, err := r.Review(context.Background(), "developer", "implement login", "looks done to me")
	require.NoError(t, err)
	assert.True(t, result.Rejected())
	assert.Equal(t, 8, result.Score)
	assert.Equal(t, "REJECT", result.Verdict)
	assert.Equal(t, []string{"no code shown", "42"}, result.Issues)

	assert.Equal(t, "openai", fake.last.Provider)
	assert.Equal(t, "gpt-4o-mini", fake.last.Model)
	assert.Contains(t, fake.last.Messages[0].Content, "implement login")
}

func TestReviewer_HighScoreRejectsDespiteApprove(t *testing.T) {
	fake := &fakeLLM{resp: &llm.Response{Content: `{"score": 6, "issues": [], "verdict": "APPROVE"}`}}
	result, err := reviewerFor(fake).Review(context.Background(), "qa", "test checkout", "output")
	require.NoError(t, err)
	assert.True(t, result.Rejected())
}

func TestReviewer_UnparseableApproves(t *testing.T) {
	fake := &fakeLLM{resp: &llm.Response{Content: "I think it is fine."}}
	result, err := reviewerFor(fake).Review(context.Background(), "qa", "task", "output")
	require.NoError(t, err)
	assert.False(t, result.Rejected())
	assert.Equal(t, "APPROVE", result.Verdict)
}

func TestReviewer_CallErrorPropagates(t *testing.T) {
	fake := &fakeLLM{err: errors.New("429 rate limited")}
	_, err := reviewerFor(fake).Review(context.Background(), "qa", "task", "output")
	require.Error(t, err)
}

func TestReviewer_NilApprovesEverything(t *testing.T) {
	var r *Reviewer
	result, err := r.Review(context.Background(), "dev", "task", "")
	require.NoError(t, err)
	assert.False(t, result.Rejected())

	assert.Nil(t, NewReviewer(nil, config.DefaultGuardrailsConfig()))
}
