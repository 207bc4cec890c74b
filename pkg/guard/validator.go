package guard

import (
	"context"
	"strings"

	"github.com/macaron-dev/macaron/pkg/models"
)

// semanticTypes are the pattern types whose outputs get the L1 review.
// Discussion-only topologies (network, router, wave, HITL) skip it; the
// deterministic pass is enough there and the extra LLM call buys nothing.
var semanticTypes = map[models.PatternType]bool{
	models.PatternSequential:   true,
	models.PatternHierarchical: true,
	models.PatternParallel:     true,
	models.PatternLoop:         true,
	models.PatternAggregator:   true,
}

// Validator chains the L0 deterministic pass with the optional L1
// semantic review. A nil *Validator approves everything, so callers can
// wire it unconditionally.
type Validator struct {
	reviewer *Reviewer
}

// NewValidator builds the output validator. reviewer may be nil to run
// L0 only.
func NewValidator(reviewer *Reviewer) *Validator {
	return &Validator{reviewer: reviewer}
}

// Check validates one agent output. toolsUsed names the tools the agent
// actually invoked this turn. The L1 review runs only when L0 passed and
// the pattern type is an execution topology. The returned reason is
// empty when the output is accepted.
func (v *Validator) Check(ctx context.Context, patternType models.PatternType, role, task, content string, toolsUsed []string) (bool, string) {
	if v == nil {
		return true, ""
	}

	rep := Validate(content, role, toolsUsed)
	if rep.Rejected() {
		return false, "L0: " + strings.Join(rep.Reasons, "; ")
	}

	if v.reviewer == nil || !semanticTypes[patternType] {
		return true, ""
	}
	result, err := v.reviewer.Review(ctx, role, task, content)
	if err != nil {
		// Fail open: a flaky reviewer must not stall missions.
		return true, ""
	}
	if result.Rejected() {
		reason := "L1: verdict " + result.Verdict
		if len(result.Issues) > 0 {
			reason += " — " + strings.Join(result.Issues, "; ")
		}
		return false, reason
	}
	return true, ""
}
