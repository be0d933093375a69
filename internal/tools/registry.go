// Package tools maintains the registry of tool definitions offered to
// models.
package tools

import (
	"sort"
	"sync"

	"github.com/nimbus-cli/nimbus/pkg/models"
)

// Registry is a name-keyed collection of tool definitions. Safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]models.ToolDefinition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]models.ToolDefinition)}
}

// Register adds a tool. A duplicate name is silently ignored; the first
// registration wins.
func (r *Registry) Register(tool models.ToolDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return
	}
	r.tools[tool.Name] = tool
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (models.ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]models.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		result = append(result, tool)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
