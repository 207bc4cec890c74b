package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/macaron-dev/macaron/pkg/config"
	"github.com/macaron-dev/macaron/pkg/llm"
)

// SemanticRejectScore is the L1 score at which an output is rejected
// even when the verdict field says APPROVE.
const SemanticRejectScore = 6

const reviewContentBudget = 6000

const reviewSystemPrompt = `You are an adversarial quality reviewer. You receive the output one AI agent produced for a task. Judge whether the output genuinely accomplishes the task or merely pretends to (vague filler, fabricated results, restated instructions, placeholder code).

Respond with a single JSON object and nothing else:
{"score": <0-10, 0 = excellent, 10 = worthless>, "issues": ["..."], "verdict": "APPROVE" or "REJECT"}`

// ReviewResult is the parsed L1 verdict.
type ReviewResult struct {
	Score   int      `json:"score"`
	Issues  []string `json:"issues,omitempty"`
	Verdict string   `json:"verdict"`
}

// Rejected reports whether the verdict fails the output.
func (r ReviewResult) Rejected() bool {
	return strings.EqualFold(r.Verdict, "REJECT") || r.Score >= SemanticRejectScore
}

// Reviewer runs the L1 semantic pass on a model different from the
// producer's.
type Reviewer struct {
	client   llm.Client
	provider string
	model    string
}

// NewReviewer returns nil when semantic review is disabled.
func NewReviewer(client llm.Client, cfg *config.GuardrailsConfig) *Reviewer {
	if cfg == nil || !cfg.SemanticReview || client == nil {
		return nil
	}
	return &Reviewer{
		client:   client,
		provider: cfg.ReviewProvider,
		model:    cfg.ReviewModel,
	}
}

// Review evaluates one agent output against its task. A nil receiver
// approves everything. Parse failures approve too; the guard must not
// wedge a mission on reviewer malfunction.
func (r *Reviewer) Review(ctx context.Context, agentRole, task, content string) (*ReviewResult, error) {
	if r == nil {
		return &ReviewResult{Verdict: "APPROVE"}, nil
	}
	if len(content) > reviewContentBudget {
		content = content[:reviewContentBudget]
	}

	user := fmt.Sprintf("Agent role: %s\nTask:\n%s\n\nAgent output:\n%s", agentRole, task, content)
	resp, err := r.client.Chat(ctx, llm.Request{
		Provider:  r.provider,
		Model:     r.model,
		System:    reviewSystemPrompt,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: user}},
		MaxTokens: 500,
	})
	if err != nil {
		return nil, fmt.Errorf("semantic review call failed: %w", err)
	}

	result, err := parseReviewVerdict(resp.Content)
	if err != nil {
		slog.Warn("Unparseable semantic review verdict, approving",
			"model", resp.Model, "error", err)
		return &ReviewResult{Verdict: "APPROVE"}, nil
	}
	return result, nil
}

// parseReviewVerdict extracts the first JSON object from the reviewer's
// reply. Reviewer models wrap JSON in prose or fences often enough that
// strict decoding is not an option.
func parseReviewVerdict(content string) (*ReviewResult, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in verdict")
	}

	var raw struct {
		Score   float64 `json:"score"`
		Issues  []any   `json:"issues"`
		Verdict string  `json:"verdict"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("failed to decode verdict: %w", err)
	}

	result := &ReviewResult{
		Score:   int(raw.Score),
		Verdict: strings.ToUpper(strings.TrimSpace(raw.Verdict)),
	}
	for _, issue := range raw.Issues {
		if s, ok := issue.(string); ok {
			result.Issues = append(result.Issues, s)
		} else {
			result.Issues = append(result.Issues, fmt.Sprintf("%v", issue))
		}
	}
	if result.Verdict != "APPROVE" && result.Verdict != "REJECT" {
		return nil, fmt.Errorf("unexpected verdict %q", result.Verdict)
	}
	return result, nil
}
