package config

import (
	"fmt"
	"sync"

	"github.com/macaron-dev/macaron/pkg/models"
)

// WorkflowRegistry stores workflow templates with thread-safe access.
// Replace swaps the whole map atomically, which is what the hot-reload
// watcher uses.
type WorkflowRegistry struct {
	workflows map[string]*models.WorkflowDef
	mu        sync.RWMutex
}

// NewWorkflowRegistry creates a workflow registry from a config map.
func NewWorkflowRegistry(workflows map[string]*models.WorkflowDef) *WorkflowRegistry {
	copied := make(map[string]*models.WorkflowDef, len(workflows))
	for k, v := range workflows {
		copied[k] = v
	}
	return &WorkflowRegistry{workflows: copied}
}

// Get retrieves a workflow by ID (thread-safe).
func (r *WorkflowRegistry) Get(id string) (*models.WorkflowDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, exists := r.workflows[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return wf, nil
}

// Has checks if a workflow exists (thread-safe).
func (r *WorkflowRegistry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.workflows[id]
	return exists
}

// GetAll returns a copy of all workflows (thread-safe).
func (r *WorkflowRegistry) GetAll() map[string]*models.WorkflowDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*models.WorkflowDef, len(r.workflows))
	for k, v := range r.workflows {
		result[k] = v
	}
	return result
}

// Replace swaps the registry contents (thread-safe).
func (r *WorkflowRegistry) Replace(workflows map[string]*models.WorkflowDef) {
	copied := make(map[string]*models.WorkflowDef, len(workflows))
	for k, v := range workflows {
		copied[k] = v
	}
	r.mu.Lock()
	r.workflows = copied
	r.mu.Unlock()
}

// Len returns the number of workflows (thread-safe).
func (r *WorkflowRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workflows)
}

// PatternRegistry stores reusable pattern graphs with thread-safe access.
type PatternRegistry struct {
	patterns map[string]*models.PatternDef
	mu       sync.RWMutex
}

// NewPatternRegistry creates a pattern registry from a config map.
func NewPatternRegistry(patterns map[string]*models.PatternDef) *PatternRegistry {
	copied := make(map[string]*models.PatternDef, len(patterns))
	for k, v := range patterns {
		copied[k] = v
	}
	return &PatternRegistry{patterns: copied}
}

// Get retrieves a pattern by ID (thread-safe).
func (r *PatternRegistry) Get(id string) (*models.PatternDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.patterns[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPatternNotFound, id)
	}
	return p, nil
}

// Has checks if a pattern exists (thread-safe).
func (r *PatternRegistry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.patterns[id]
	return exists
}

// GetAll returns a copy of all patterns (thread-safe).
func (r *PatternRegistry) GetAll() map[string]*models.PatternDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*models.PatternDef, len(r.patterns))
	for k, v := range r.patterns {
		result[k] = v
	}
	return result
}

// Replace swaps the registry contents (thread-safe).
func (r *PatternRegistry) Replace(patterns map[string]*models.PatternDef) {
	copied := make(map[string]*models.PatternDef, len(patterns))
	for k, v := range patterns {
		copied[k] = v
	}
	r.mu.Lock()
	r.patterns = copied
	r.mu.Unlock()
}

// Len returns the number of patterns (thread-safe).
func (r *PatternRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.patterns)
}
