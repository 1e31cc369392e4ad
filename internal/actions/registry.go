package actions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/suPer8Hu/copilot/internal/ai"
)

var (
	// ErrNotFound is returned by actions when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidParams is returned when parameters fail schema validation.
	ErrInvalidParams = errors.New("invalid parameters")
)

type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
)

type Param struct {
	Name         string
	Type         ParamType
	Required     bool
	DefaultValue any
	Description  string
	Validate     func(v any) error
}

type Result struct {
	Success     bool           `json:"success"`
	Message     string         `json:"message,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Error       string         `json:"error,omitempty"`
	Suggestions []string       `json:"suggestions,omitempty"`
}

type Validation struct {
	Valid  bool
	Errors []string
}

type ExecuteFunc func(ctx context.Context, params map[string]any, dc *DomainContext) (*Result, error)

type Action struct {
	Name        string
	Category    string
	Description string
	Examples    []string
	Params      []Param
	Execute     ExecuteFunc
}

// RequiredParams lists required parameter names in schema order.
func (a *Action) RequiredParams() []string {
	var out []string
	for _, p := range a.Params {
		if p.Required {
			out = append(out, p.Name)
		}
	}
	return out
}

// ApplyDefaults fills absent parameters that declare a default. params is modified in place.
func (a *Action) ApplyDefaults(params map[string]any) {
	for _, p := range a.Params {
		if _, ok := params[p.Name]; !ok && p.DefaultValue != nil {
			params[p.Name] = p.DefaultValue
		}
	}
}

// Missing returns required parameters that are absent or blank.
func (a *Action) Missing(params map[string]any) []string {
	var out []string
	for _, p := range a.Params {
		if !p.Required {
			continue
		}
		v, ok := params[p.Name]
		if !ok || v == nil {
			out = append(out, p.Name)
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			out = append(out, p.Name)
		}
	}
	return out
}

// Validate coerces parameter values to their declared types (numbers given as
// strings become float64) and runs per-parameter validators.
func (a *Action) Validate(params map[string]any) Validation {
	var errs []string
	for _, name := range a.Missing(params) {
		errs = append(errs, fmt.Sprintf("%s is required", name))
	}
	for _, p := range a.Params {
		v, ok := params[p.Name]
		if !ok || v == nil {
			continue
		}
		cv, err := coerce(p.Type, v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", p.Name, err))
			continue
		}
		params[p.Name] = cv
		if p.Validate != nil {
			if err := p.Validate(cv); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", p.Name, err))
			}
		}
	}
	return Validation{Valid: len(errs) == 0, Errors: errs}
}

func coerce(t ParamType, v any) (any, error) {
	switch t {
	case TypeNumber:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case string:
			f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(n), ",", ""), 64)
			if err != nil {
				return nil, fmt.Errorf("expected a number, got %q", n)
			}
			return f, nil
		}
		return nil, fmt.Errorf("expected a number")
	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			pb, err := strconv.ParseBool(strings.TrimSpace(b))
			if err != nil {
				return nil, fmt.Errorf("expected true or false, got %q", b)
			}
			return pb, nil
		}
		return nil, fmt.Errorf("expected true or false")
	default:
		switch s := v.(type) {
		case string:
			return strings.TrimSpace(s), nil
		case fmt.Stringer:
			return s.String(), nil
		default:
			return fmt.Sprint(v), nil
		}
	}
}

// Registry holds the action catalog. Registration happens once at startup;
// afterwards it is read-only and safe for concurrent lookups.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]*Action
}

func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]*Action)}
}

func (r *Registry) Register(a *Action) error {
	if a == nil || strings.TrimSpace(a.Name) == "" {
		return errors.New("action name is required")
	}
	if a.Execute == nil {
		return fmt.Errorf("action %s: execute is required", a.Name)
	}
	name := strings.ToLower(strings.TrimSpace(a.Name))
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.actions[name]; dup {
		return fmt.Errorf("action %s already registered", name)
	}
	a.Name = name
	r.actions[name] = a
	return nil
}

func (r *Registry) Get(name string) (*Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[strings.ToLower(strings.TrimSpace(name))]
	return a, ok
}

func (r *Registry) List() []*Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Action, 0, len(r.actions))
	for _, a := range r.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// minOverlap is the token-overlap score a fuzzy match must reach.
const minOverlap = 0.5

// Match finds the action whose name or examples share the most tokens with
// text. Returns false when no candidate reaches minOverlap.
func (r *Registry) Match(text string) (*Action, bool) {
	query := tokens(text)
	if len(query) == 0 {
		return nil, false
	}

	var best *Action
	bestScore := 0.0
	for _, a := range r.List() {
		candidates := append([]string{a.Name}, a.Examples...)
		for _, c := range candidates {
			if s := overlap(query, tokens(c)); s > bestScore {
				best, bestScore = a, s
			}
		}
	}
	if best == nil || bestScore < minOverlap {
		return nil, false
	}
	return best, true
}

// IntentSpecs describes the catalog to the classifier.
func (r *Registry) IntentSpecs() []ai.IntentSpec {
	list := r.List()
	out := make([]ai.IntentSpec, 0, len(list))
	for _, a := range list {
		spec := ai.IntentSpec{Name: a.Name, Description: a.Description, Examples: a.Examples}
		for _, p := range a.Params {
			spec.Params = append(spec.Params, p.Name)
		}
		out = append(out, spec)
	}
	return out
}

func tokens(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		out[f] = struct{}{}
	}
	return out
}

// overlap is the share of query tokens found in candidate.
func overlap(query, candidate map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	hit := 0
	for t := range query {
		if _, ok := candidate[t]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(query))
}
