package guard

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macaron-dev/macaron/pkg/llm"
	"github.com/macaron-dev/macaron/pkg/models"
)

func TestValidator_NilApprovesEverything(t *testing.T) {
	var v *Validator
	ok, reason := v.Check(context.Background(), models.PatternSequential, "dev", "task", "", nil)
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestValidator_L0RejectionShortCircuits(t *testing.T) {
	fake := &fakeLLM{resp: &llm.Response{Content: `{"score": 0, "issues": [], "verdict": "APPROVE"}`}}
	v := NewValidator(reviewerFor(fake))

	ok, reason := v.Check(context.Background(), models.PatternSequential, "developer", "task", "", nil)
	require.False(t, ok)
	assert.Contains(t, reason, "L0: Empty output")
	// The reviewer must never see an output L0 already rejected.
	assert.Empty(t, fake.last.Messages)
}

func TestValidator_SemanticReviewOnExecutionPatternsOnly(t *testing.T) {
	fake := &fakeLLM{resp: &llm.Response{Content: `{"score": 9, "issues": ["pure filler"], "verdict": "REJECT"}`}}
	v := NewValidator(reviewerFor(fake))

	ok, reason := v.Check(context.Background(), models.PatternLoop, "developer", "implement login", solidOutput, nil)
	require.False(t, ok)
	assert.Contains(t, reason, "L1: verdict REJECT")
	assert.Contains(t, reason, "pure filler")

	// Discussion topologies stop after L0.
	fake.last = llm.Request{}
	ok, reason = v.Check(context.Background(), models.PatternNetwork, "developer", "implement login", solidOutput, nil)
	assert.True(t, ok)
	assert.Empty(t, reason)
	assert.Empty(t, fake.last.Messages)
}

func TestValidator_ReviewerErrorFailsOpen(t *testing.T) {
	fake := &fakeLLM{err: errors.New("upstream 503")}
	v := NewValidator(reviewerFor(fake))

	ok, reason := v.Check(context.Background(), models.PatternSequential, "developer", "task", solidOutput, nil)
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestValidator_NoReviewerRunsL0Only(t *testing.T) {
	v := NewValidator(nil)
	ok, _ := v.Check(context.Background(), models.PatternSequential, "developer", "task", solidOutput, nil)
	assert.True(t, ok)
}
