package config

import "github.com/macaron-dev/macaron/pkg/models"

// mergeProviders merges built-in and user-defined provider configurations.
// User-defined providers override built-in ones with the same name.
func mergeProviders(builtin map[string]ProviderConfig, user map[string]ProviderConfig) map[string]*ProviderConfig {
	result := make(map[string]*ProviderConfig)

	for name, p := range builtin {
		pCopy := p
		result[name] = &pCopy
	}
	for name, p := range user {
		pCopy := p
		result[name] = &pCopy
	}

	return result
}

// mergePatterns merges built-in type templates and user-defined pattern
// graphs. User-defined patterns override templates with the same id.
func mergePatterns(builtin map[string]models.PatternDef, user map[string]models.PatternDef) map[string]*models.PatternDef {
	result := make(map[string]*models.PatternDef)

	for id, p := range builtin {
		pCopy := p
		result[id] = &pCopy
	}
	for id, p := range user {
		pCopy := p
		if pCopy.ID == "" {
			pCopy.ID = id
		}
		result[id] = &pCopy
	}

	return result
}

// mergeWorkflows keys user workflows by id, filling the ID field from the
// map key when omitted in YAML.
func mergeWorkflows(user map[string]models.WorkflowDef) map[string]*models.WorkflowDef {
	result := make(map[string]*models.WorkflowDef, len(user))
	for id, wf := range user {
		wfCopy := wf
		if wfCopy.ID == "" {
			wfCopy.ID = id
		}
		result[id] = &wfCopy
	}
	return result
}
