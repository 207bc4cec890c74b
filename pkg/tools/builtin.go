package tools

import (
	"net/http"

	"github.com/macaron-dev/macaron/pkg/sandbox"
)

// Builtin returns a registry populated with the full built-in catalog.
// The sandbox executor runs the shell and git tools; the platform
// store backs memory, deep search, and introspection.
func Builtin(sb *sandbox.Executor, db Platform) *Registry {
	return builtin(sb, db, nil)
}

func builtin(sb *sandbox.Executor, db Platform, client *http.Client) *Registry {
	r := NewRegistry()
	for _, t := range fileTools() {
		r.Register(t)
	}
	for _, t := range shellTools(sb) {
		r.Register(t)
	}
	for _, t := range knowledgeTools(db) {
		r.Register(t)
	}
	for _, t := range platformTools(db) {
		r.Register(t)
	}
	for _, t := range webTools(client) {
		r.Register(t)
	}
	return r
}
