// Package tools defines the tool interface and registry for gitguard.
// A tool is one named operation exposed to callers over MCP or HTTP. Each
// tool declares whether it can modify a repository so transports can
// annotate it and callers can reason about it before calling.
package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/jkaninda/gitguard/internal/security"
)

// Tool is the interface all gitguard tools implement.
type Tool interface {
	// Name returns the tool's unique identifier (e.g. "git_execute").
	Name() string

	// Description returns a human-readable description.
	Description() string

	// InputSchema returns a JSON Schema object describing the tool's parameters.
	InputSchema() map[string]any

	// ReadOnly reports whether the tool never modifies a repository.
	ReadOnly() bool

	// Validate checks that params are well-formed before anything runs.
	Validate(params map[string]any) error

	// Execute runs the tool with the given parameters.
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// Result is the outcome of a tool execution. Data is the structured
// payload; transports serialize it as JSON.
type Result struct {
	Data    any  `json:"data"`
	Success bool `json:"success"`
}

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const callerIDKey contextKey = iota

// ContextWithCallerID returns a new context carrying the caller identity.
// Transports set it from the authenticated API key or MCP session.
func ContextWithCallerID(ctx context.Context, callerID string) context.Context {
	return context.WithValue(ctx, callerIDKey, callerID)
}

// CallerIDFromContext extracts the caller ID from context, or "" if not set.
func CallerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(callerIDKey).(string); ok {
		return v
	}
	return ""
}

// TruncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) (string, bool) {
	if len(s) <= maxBytes {
		return s, false
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes], true
	}
	return s[:maxBytes-len(suffix)] + suffix, true
}

// Registry holds available tools keyed by name.
// Safe for concurrent reads; writes should only happen at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Panics on duplicate names (startup config error, not runtime).
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic("duplicate tool registration: " + t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns the tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns all registered tool names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns all registered tools sorted by name.
func (r *Registry) All() []Tool {
	names := r.List()
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(names))
	for _, name := range names {
		result = append(result, r.tools[name])
	}
	return result
}

// Run validates params and executes the named tool. Unknown tools and
// malformed params fail with security.KindInvalidArgument.
func (r *Registry) Run(ctx context.Context, name string, params map[string]any) (*Result, error) {
	t := r.Get(name)
	if t == nil {
		return nil, security.Errorf(security.KindInvalidArgument, "unknown tool %q", name)
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := t.Validate(params); err != nil {
		return nil, security.Wrap(security.KindInvalidArgument, err, "invalid parameters for "+name)
	}
	return t.Execute(ctx, params)
}
