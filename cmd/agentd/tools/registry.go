package tools

import (
	"fmt"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Registry holds two tiers of tools: an immutable built-in catalogue fixed
// at construction, and a mutable runtime catalogue for MCP-registered tools.
// ClearRuntimeTools never touches builtins. A runtime tool may shadow a
// builtin of the same name; clearing runtime tools restores the builtin.
type Registry struct {
	mu           sync.RWMutex
	builtins     map[string]Tool
	builtinOrder []string
	runtime      map[string]Tool
	runtimeOrder []string
	logger       Logger
}

// NewRegistry creates a registry with the given built-in tools.
// Duplicate builtin names keep the first registration.
func NewRegistry(builtins []Tool, logger Logger) *Registry {
	r := &Registry{
		builtins: make(map[string]Tool, len(builtins)),
		runtime:  make(map[string]Tool),
		logger:   logger,
	}
	for _, tool := range builtins {
		if _, ok := r.builtins[tool.Name()]; ok {
			logger.Warn("duplicate builtin tool ignored", "tool", tool.Name())
			continue
		}
		r.builtins[tool.Name()] = tool
		r.builtinOrder = append(r.builtinOrder, tool.Name())
	}
	return r
}

// Register adds or replaces a runtime tool
func (r *Registry) Register(tool Tool) error {
	if tool == nil || tool.Name() == "" {
		return fmt.Errorf("tool must have a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runtime[tool.Name()]; !ok {
		r.runtimeOrder = append(r.runtimeOrder, tool.Name())
	}
	r.runtime[tool.Name()] = tool
	r.logger.Debug("runtime tool registered", "tool", tool.Name())
	return nil
}

// ClearRuntimeTools removes all runtime-registered tools. Idempotent.
func (r *Registry) ClearRuntimeTools() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.runtime) == 0 {
		return
	}
	r.logger.Info("clearing runtime tools", "count", len(r.runtime))
	r.runtime = make(map[string]Tool)
	r.runtimeOrder = nil
}

// GetTool resolves a tool by name, runtime tier first
func (r *Registry) GetTool(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if tool, ok := r.runtime[name]; ok {
		return tool, true
	}
	tool, ok := r.builtins[name]
	return tool, ok
}

// GetToolNames returns the names of all registered tools, builtins in
// registration order followed by runtime tools in registration order.
func (r *Registry) GetToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builtinOrder)+len(r.runtimeOrder))
	names = append(names, r.builtinOrder...)
	for _, name := range r.runtimeOrder {
		if _, shadowed := r.builtins[name]; !shadowed {
			names = append(names, name)
		}
	}
	return names
}

// FilterByAllowlist returns the tools matching the given patterns. Each
// pattern is an exact name or a glob. Result order follows pattern order,
// then registration order within a pattern, with duplicates removed.
// An empty or nil allowlist means every tool.
func (r *Registry) FilterByAllowlist(patterns []string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	allNames := make([]string, 0, len(r.builtinOrder)+len(r.runtimeOrder))
	allNames = append(allNames, r.builtinOrder...)
	for _, name := range r.runtimeOrder {
		if _, shadowed := r.builtins[name]; !shadowed {
			allNames = append(allNames, name)
		}
	}

	resolve := func(name string) Tool {
		if tool, ok := r.runtime[name]; ok {
			return tool
		}
		return r.builtins[name]
	}

	if len(patterns) == 0 {
		out := make([]Tool, 0, len(allNames))
		for _, name := range allNames {
			out = append(out, resolve(name))
		}
		return out
	}

	seen := make(map[string]bool)
	var out []Tool
	for _, pattern := range patterns {
		for _, name := range allNames {
			if seen[name] || !matchPattern(pattern, name) {
				continue
			}
			seen[name] = true
			out = append(out, resolve(name))
		}
	}
	return out
}

func matchPattern(pattern, name string) bool {
	if !strings.ContainsAny(pattern, "*?[") {
		return pattern == name
	}
	ok, err := doublestar.Match(pattern, name)
	if err != nil {
		return false
	}
	return ok
}
