// Package tools hosts the native tools offered to the LLM alongside
// MCP-provided ones, with JSON-Schema validation of tool arguments.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/relay-ai/relay/internal/errdefs"
	"github.com/relay-ai/relay/pkg/models"
)

// Tool is one callable capability.
type Tool interface {
	Definition() models.ToolDefinition
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry validates and dispatches tool calls.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		tools:   map[string]Tool{},
		schemas: map[string]*jsonschema.Schema{},
	}
}

// Register adds a tool, compiling its parameter schema. A tool with an
// invalid schema is rejected rather than registered unvalidated.
func (r *Registry) Register(tool Tool) error {
	def := tool.Definition()
	if def.Name == "" {
		return fmt.Errorf("tool has no name")
	}

	var schema *jsonschema.Schema
	if len(def.Parameters) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(def.Name+".json", strings.NewReader(string(def.Parameters))); err != nil {
			return fmt.Errorf("tool %s: add schema: %w", def.Name, err)
		}
		compiled, err := compiler.Compile(def.Name + ".json")
		if err != nil {
			return fmt.Errorf("tool %s: compile schema: %w", def.Name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	r.tools[def.Name] = tool
	r.schemas[def.Name] = schema
	return nil
}

// Definitions returns every tool definition sorted by name.
func (r *Registry) Definitions() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool.Definition())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Has reports whether the named tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Execute validates the arguments against the tool's schema and runs it.
// Unknown tools and invalid arguments fail as tool execution errors the LLM
// can read and correct.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return "", errdefs.New(errdefs.KindToolExecutionFailed, fmt.Sprintf("unknown tool %q", name))
	}

	if schema != nil {
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		var decoded any
		if err := json.Unmarshal(args, &decoded); err != nil {
			return "", errdefs.Wrap(errdefs.KindToolExecutionFailed, "tool arguments are not valid JSON", err)
		}
		if err := schema.Validate(decoded); err != nil {
			return "", errdefs.Wrap(errdefs.KindToolExecutionFailed,
				fmt.Sprintf("invalid arguments for %s", name), err)
		}
	}

	r.logger.Debug("executing tool", "tool", name)
	return tool.Execute(ctx, args)
}
