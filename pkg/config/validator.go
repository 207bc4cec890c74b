package config

import (
	"fmt"

	"github.com/macaron-dev/macaron/pkg/models"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	// Validate in order: providers → agents → patterns → workflows.
	// This ensures dependencies are validated before dependents.

	if err := v.validateProviders(); err != nil {
		return fmt.Errorf("LLM provider validation failed: %w", err)
	}

	if err := v.validateAgents(); err != nil {
		return fmt.Errorf("agent validation failed: %w", err)
	}

	if err := v.validatePatterns(); err != nil {
		return fmt.Errorf("pattern validation failed: %w", err)
	}

	if err := v.validateWorkflows(); err != nil {
		return fmt.Errorf("workflow validation failed: %w", err)
	}

	if err := v.validateGuardrails(); err != nil {
		return fmt.Errorf("guardrail validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateProviders() error {
	for name, p := range v.cfg.ProviderRegistry.providers {
		if p.Type != ProviderOpenAI && p.Type != ProviderAnthropic {
			return NewValidationError("llm_provider", name, "type", fmt.Errorf("%w: %s", ErrInvalidValue, p.Type))
		}
		if p.Model == "" {
			return NewValidationError("llm_provider", name, "model", ErrMissingRequiredField)
		}
		// Providers without an API key in the environment stay loadable;
		// the client surfaces a clear error at call time instead.
	}
	return nil
}

func (v *ConfigValidator) validateAgents() error {
	seen := make(map[string]bool, len(v.cfg.AgentSeeds))
	for i := range v.cfg.AgentSeeds {
		agent := &v.cfg.AgentSeeds[i]
		if agent.ID == "" {
			return NewValidationError("agent", agent.Name, "id", ErrMissingRequiredField)
		}
		if seen[agent.ID] {
			return NewValidationError("agent", agent.ID, "id", fmt.Errorf("duplicate agent id"))
		}
		seen[agent.ID] = true

		if agent.Name == "" {
			return NewValidationError("agent", agent.ID, "name", ErrMissingRequiredField)
		}
		if agent.HierarchyRank < 0 || agent.HierarchyRank > 100 {
			return NewValidationError("agent", agent.ID, "hierarchy_rank", fmt.Errorf("must be in [0,100], got %d", agent.HierarchyRank))
		}
		if agent.Provider != "" && !v.cfg.ProviderRegistry.Has(agent.Provider) {
			return NewValidationError("agent", agent.ID, "provider", fmt.Errorf("%w: llm provider '%s'", ErrInvalidReference, agent.Provider))
		}
	}
	return nil
}

func (v *ConfigValidator) validatePatterns() error {
	for id, p := range v.cfg.PatternRegistry.GetAll() {
		if !validPatternType(p.Type) {
			return NewValidationError("pattern", id, "type", fmt.Errorf("%w: %s", ErrInvalidValue, p.Type))
		}

		nodeIDs := make(map[string]bool, len(p.Agents))
		for _, ref := range p.Agents {
			if ref.NodeID == "" {
				return NewValidationError("pattern", id, "agents", fmt.Errorf("node_id required"))
			}
			if nodeIDs[ref.NodeID] {
				return NewValidationError("pattern", id, "agents", fmt.Errorf("duplicate node_id '%s'", ref.NodeID))
			}
			nodeIDs[ref.NodeID] = true
			// Empty agent_id is a human slot; only legal in HITL patterns.
			if ref.AgentID == "" && p.Type != models.PatternHumanInLoop {
				return NewValidationError("pattern", id, "agents", fmt.Errorf("node '%s' has no agent_id", ref.NodeID))
			}
		}

		for i, e := range p.Edges {
			if !nodeIDs[e.From] {
				return NewValidationError("pattern", id, fmt.Sprintf("edges[%d].from", i), fmt.Errorf("%w: node '%s'", ErrInvalidReference, e.From))
			}
			if !nodeIDs[e.To] {
				return NewValidationError("pattern", id, fmt.Sprintf("edges[%d].to", i), fmt.Errorf("%w: node '%s'", ErrInvalidReference, e.To))
			}
		}
	}
	return nil
}

func (v *ConfigValidator) validateWorkflows() error {
	agentIDs := make(map[string]bool, len(v.cfg.AgentSeeds))
	for i := range v.cfg.AgentSeeds {
		agentIDs[v.cfg.AgentSeeds[i].ID] = true
	}

	for id, wf := range v.cfg.WorkflowRegistry.GetAll() {
		if len(wf.Phases) == 0 {
			return NewValidationError("workflow", id, "phases", fmt.Errorf("at least one phase required"))
		}

		phaseIDs := make(map[string]bool, len(wf.Phases))
		for i, phase := range wf.Phases {
			if phase.PhaseID == "" {
				return NewValidationError("workflow", id, fmt.Sprintf("phases[%d].phase_id", i), ErrMissingRequiredField)
			}
			if phaseIDs[phase.PhaseID] {
				return NewValidationError("workflow", id, fmt.Sprintf("phases[%d].phase_id", i), fmt.Errorf("duplicate phase_id '%s'", phase.PhaseID))
			}
			phaseIDs[phase.PhaseID] = true

			if !v.cfg.PatternRegistry.Has(phase.PatternID) {
				return NewValidationError("workflow", id, fmt.Sprintf("phases[%d].pattern_id", i), fmt.Errorf("%w: pattern '%s'", ErrInvalidReference, phase.PatternID))
			}
			for _, agentID := range phase.Config.AgentIDs {
				if !agentIDs[agentID] {
					return NewValidationError("workflow", id, fmt.Sprintf("phases[%d].agent_ids", i), fmt.Errorf("%w: agent '%s'", ErrInvalidReference, agentID))
				}
			}
			if g := phase.Config.Gate; g != "" && g != models.GateAlways && g != models.GateNoVeto && g != models.GateAllApproved {
				return NewValidationError("workflow", id, fmt.Sprintf("phases[%d].gate", i), fmt.Errorf("%w: %s", ErrInvalidValue, g))
			}
			if phase.Config.MaxIterations < 0 {
				return NewValidationError("workflow", id, fmt.Sprintf("phases[%d].max_iterations", i), fmt.Errorf("must be >= 0"))
			}
		}
	}
	return nil
}

func (v *ConfigValidator) validateGuardrails() error {
	g := v.cfg.Guardrails
	if g == nil {
		return nil
	}
	if g.MaxHighPerSession < 1 {
		return NewValidationError("guardrails", "guardrails", "max_high_per_session", fmt.Errorf("must be at least 1"))
	}
	for i, rule := range g.ExtraRules {
		if rule.Regex == "" {
			return NewValidationError("guardrails", fmt.Sprintf("extra_rules[%d]", i), "regex", ErrMissingRequiredField)
		}
		switch rule.Severity {
		case "CRITICAL", "HIGH", "MEDIUM":
		default:
			return NewValidationError("guardrails", fmt.Sprintf("extra_rules[%d]", i), "severity", fmt.Errorf("%w: %s", ErrInvalidValue, rule.Severity))
		}
	}
	if g.SemanticReview && g.ReviewProvider != "" && !v.cfg.ProviderRegistry.Has(g.ReviewProvider) {
		return NewValidationError("guardrails", "guardrails", "review_provider", fmt.Errorf("%w: llm provider '%s'", ErrInvalidReference, g.ReviewProvider))
	}
	return nil
}

func validPatternType(t models.PatternType) bool {
	switch t {
	case models.PatternSolo, models.PatternSequential, models.PatternParallel,
		models.PatternLoop, models.PatternHierarchical, models.PatternNetwork,
		models.PatternRouter, models.PatternAggregator, models.PatternWave,
		models.PatternHumanInLoop:
		return true
	}
	return false
}
