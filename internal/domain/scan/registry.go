package scan

import (
	"fmt"
	"sync"
)

// Factory builds a scanner from its per-scanner config params.
type Factory func(params map[string]any) (Scanner, error)

// Registry maps scanner names to factories. Config references scanners by
// name; the registry turns an ordered name list into an ordered scanner list.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry pre-populated with the builtin scanners.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("PromptInjection", func(params map[string]any) (Scanner, error) {
		return NewPromptInjection(stringList(params, "patterns"))
	})
	r.Register("Toxicity", func(params map[string]any) (Scanner, error) {
		return NewToxicity(stringList(params, "keywords"), floatParam(params, "threshold")), nil
	})
	r.Register("NoCode", func(map[string]any) (Scanner, error) {
		return NewNoCode(), nil
	})
	r.Register("Secrets", func(map[string]any) (Scanner, error) {
		return NewSecrets(), nil
	})
	r.Register("BanSubstrings", func(params map[string]any) (Scanner, error) {
		return NewBanSubstrings(stringList(params, "substrings"), boolParam(params, "case_sensitive")), nil
	})
	return r
}

// Register adds or replaces a factory. Deployments fronting external ML
// scanners override the builtin heuristics here before building pipelines.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Build constructs a scanner by name with the given params.
func (r *Registry) Build(name string, params map[string]any) (Scanner, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("scan: unknown scanner %q", name)
	}
	return f(params)
}

// Names returns the registered scanner names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	return names
}

// --- param helpers (config params arrive as map[string]any from viper) ---

func stringList(params map[string]any, key string) []string {
	if params == nil {
		return nil
	}
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func floatParam(params map[string]any, key string) float64 {
	if params == nil {
		return 0
	}
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func boolParam(params map[string]any, key string) bool {
	if params == nil {
		return false
	}
	b, _ := params[key].(bool)
	return b
}
