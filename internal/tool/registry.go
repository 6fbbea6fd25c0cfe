package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Registry manages all registered tools with thread-safe access.
//
// A Registry can be either a "root" registry (parent == nil) that owns its
// tools map, or a "view" registry (parent != nil) created by WithExtra that
// overlays additional tools on top of a parent. Views delegate Get/List to
// the parent, so changes to the parent (Register/Unregister) are immediately
// visible through the view. This matters for MCP reload: a Run holds a view
// (via WithExtra for per-run tools), while reloading the MCP catalog modifies
// the root registry; without delegation, unregistered tools would stay
// visible to in-flight runs.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	parent  *Registry // non-nil → view mode; tools map holds extras only
}

// NewRegistry creates an empty root tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool to the registry and compiles its input schema. If a
// tool with the same name already exists, it is overwritten and a warning is
// logged. A tool whose schema fails to compile is rejected outright — the
// caller should treat this as a configuration error at startup.
func (r *Registry) Register(t Tool) error {
	schema, err := compileSchema(t.Name(), t.InputSchema())
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		log.Printf("[Registry] WARNING: overwriting existing tool %q", t.Name())
	}
	r.tools[t.Name()] = t
	r.schemas[t.Name()] = schema
	return nil
}

// Unregister removes a tool from the registry (for hot-reload).
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
	log.Printf("[Registry] unregistered tool: %s", name)
}

// Get retrieves a tool by name.
// For view registries: checks extras first, then delegates to parent.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if ok {
		return t, true
	}
	if r.parent != nil {
		return r.parent.Get(name)
	}
	return nil, false
}

func (r *Registry) schemaFor(name string) *jsonschema.Schema {
	r.mu.RLock()
	s, ok := r.schemas[name]
	r.mu.RUnlock()
	if ok {
		return s
	}
	if r.parent != nil {
		return r.parent.schemaFor(name)
	}
	return nil
}

// List returns all registered tools sorted by name.
// For view registries: merges parent tools with extras (extras override parent).
func (r *Registry) List() []Tool {
	if r.parent != nil {
		return r.listView()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name() < result[j].Name()
	})
	return result
}

// listView merges parent tools with this view's extras.
// Extras take precedence over parent tools with the same name.
func (r *Registry) listView() []Tool {
	parentTools := r.parent.List()

	r.mu.RLock()
	extras := make(map[string]Tool, len(r.tools))
	for k, v := range r.tools {
		extras[k] = v
	}
	r.mu.RUnlock()

	result := make([]Tool, 0, len(parentTools)+len(extras))
	for _, t := range parentTools {
		if _, overridden := extras[t.Name()]; !overridden {
			result = append(result, t)
		}
	}
	for _, t := range extras {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name() < result[j].Name()
	})
	return result
}

// GenerateToolsPrompt creates a detailed description of all tools, including
// their parameter schemas, for injection into LLM prompts.
func (r *Registry) GenerateToolsPrompt() string {
	tools := r.List()
	if len(tools) == 0 {
		return "(no tools available)"
	}

	var sb strings.Builder
	sb.WriteString("Available tools:\n")
	for _, t := range tools {
		sb.WriteString(fmt.Sprintf("\n### %s\n%s\n", t.Name(), t.Description()))
		schema := t.InputSchema()
		if len(schema) > 0 {
			sb.WriteString(fmt.Sprintf("Parameter schema: %s\n", string(schema)))
		}
	}
	return sb.String()
}

// GenerateToolDefinitions creates function-calling-compatible tool definitions.
func (r *Registry) GenerateToolDefinitions() []Definition {
	tools := r.List()
	defs := make([]Definition, len(tools))
	for i, t := range tools {
		defs[i] = Definition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.InputSchema(),
		}
	}
	return defs
}

// Invoke validates args against the tool's compiled schema before calling
// Execute. On schema violation it returns a *ValidationError enumerating
// every offending field, per the invalid_arguments error kind — the caller
// should surface this back to the Worker rather than retry the tool blindly.
// A panic inside Execute is recovered and reported as a fatal tool failure
// so one broken tool cannot take the engine down.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (result ToolResult, err error) {
	t, ok := r.Get(name)
	if !ok {
		return ToolResult{}, fmt.Errorf("unknown_tool: %q is not registered", name)
	}

	schema := r.schemaFor(name)
	if schema != nil {
		var v any
		if len(args) == 0 {
			v = map[string]any{}
		} else if err := json.Unmarshal(args, &v); err != nil {
			return ToolResult{}, &ValidationError{ToolName: name, Issues: []string{fmt.Sprintf("arguments are not valid JSON: %v", err)}}
		}
		if err := schema.Validate(v); err != nil {
			return ToolResult{}, &ValidationError{ToolName: name, Issues: flattenValidationError(err)}
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[Registry] tool %q panicked: %v", name, rec)
			result = ToolResult{}
			err = fmt.Errorf("tool_failed: tool %q panicked: %v", name, rec)
		}
	}()
	return t.Execute(ctx, args)
}

func flattenValidationError(err error) []string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var issues []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			issues = append(issues, fmt.Sprintf("%s: %s", e.InstanceLocation, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return issues
}

// InitAll initializes all registered tools.
func (r *Registry) InitAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name, t := range r.tools {
		if err := t.Init(ctx); err != nil {
			return fmt.Errorf("init tool %q: %w", name, err)
		}
	}
	log.Printf("[Registry] initialized %d tools", len(r.tools))
	return nil
}

// CloseAll closes all registered tools, logging errors but not failing.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name, t := range r.tools {
		if err := t.Close(); err != nil {
			log.Printf("[Registry] error closing tool %s: %v", name, err)
		}
	}
}

// WithExtra returns a view of this Registry with additional tools overlaid.
// Used for per-run tool injection.
//
// The returned Registry delegates Get/List to the parent, so changes to the
// parent (via Register/Unregister) are immediately visible through the view.
// Extras take precedence over parent tools with the same name.
//
// Can be chained: root.WithExtra(a).WithExtra(b) creates a view chain where
// lookups check b's extras → a's extras → root's tools.
func (r *Registry) WithExtra(extras ...Tool) *Registry {
	extrasMap := make(map[string]Tool, len(extras))
	schemas := make(map[string]*jsonschema.Schema, len(extras))
	for _, t := range extras {
		extrasMap[t.Name()] = t
		schemas[t.Name()], _ = compileSchema(t.Name(), t.InputSchema())
	}
	return &Registry{
		parent:  r,
		tools:   extrasMap,
		schemas: schemas,
	}
}
