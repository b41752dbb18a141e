package plan

import (
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/m-mizutani/goerr/v2"

	"github.com/seantiz/labrun/internal/model"
)

// maxNesting bounds how deeply plan-typed parameters may nest.
const maxNesting = 8

// Option configures a Registry.
type Option func(*Registry)

// WithWrapper sets the wrapper plan applied to tasks that do not name one.
func WithWrapper(name string) Option {
	return func(r *Registry) {
		r.wrapper = name
	}
}

// Registry maps plan names to definitions. It is populated at startup and
// read-only afterwards; it is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	defs    map[string]Definition
	wrapper string
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{defs: make(map[string]Definition)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefaultWrapper returns the wrapper applied to tasks that do not name one.
func (r *Registry) DefaultWrapper() string {
	return r.wrapper
}

// Register adds def. The schema is checked and its JSON Schema document is
// compiled so malformed declarations fail at startup.
func (r *Registry) Register(def Definition) error {
	eb := goerr.NewBuilder(goerr.V("plan", def.Name))
	if def.Name == "" {
		return eb.Wrap(ErrInvalidDefinition, "name is required")
	}
	if def.Build == nil {
		return eb.Wrap(ErrInvalidDefinition, "build function is required")
	}
	if err := def.Schema.Validate(); err != nil {
		return eb.Wrap(err, "invalid schema")
	}
	if err := compileSchema(def); err != nil {
		return eb.Wrap(err, "failed to compile JSON schema")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return eb.Wrap(ErrInvalidDefinition, "plan already registered")
	}
	def.Schema = slices.Clone(def.Schema)
	r.defs[def.Name] = def
	return nil
}

// Get returns the definition registered under name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// List returns every definition sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CheckWrapper reports whether name can be used as a wrapper plan.
func (r *Registry) CheckWrapper(name string) error {
	_, err := r.wrapperDefinition(name)
	return err
}

// Resolve binds task to its plan definition. Unknown plans fail with
// ErrTaskNotFound; parameter problems fail with a *ParameterError listing
// every violation. If the task or the registry names a wrapper, the bound
// plan is passed to it. Resolve has no side effects.
func (r *Registry) Resolve(task model.Task) (*BoundPlan, error) {
	bound, err := r.bind(task.Name, task.Params, 0)
	if err != nil {
		return nil, err
	}

	wrapper := task.Wrapper
	if wrapper == "" {
		wrapper = r.wrapper
	}
	if wrapper == "" || wrapper == task.Name {
		return bound, nil
	}
	return r.wrap(wrapper, bound)
}

func (r *Registry) bind(name string, params map[string]any, depth int) (*BoundPlan, error) {
	def, ok := r.Get(name)
	if !ok {
		return nil, goerr.Wrap(ErrTaskNotFound, "unknown plan", goerr.V("plan", name))
	}

	violations := validateParams(def.Schema, params)
	rejected := make(map[string]bool, len(violations))
	for _, v := range violations {
		rejected[v.Field] = true
	}
	args := make(Args, len(def.Schema))
	for _, p := range def.Schema {
		v, ok := params[p.Name]
		if !ok {
			if p.Default != nil {
				args[p.Name] = p.Default
			}
			continue
		}
		args[p.Name] = v

		if p.Type != TypePlan || rejected[p.Name] {
			continue
		}
		nested, ok := v.(map[string]any)
		if !ok {
			continue
		}
		inner, err := r.bindNested(nested, depth)
		if err != nil {
			violations = append(violations, Violation{
				Field:   p.Name,
				Kind:    ViolationConstraint,
				Message: err.Error(),
			})
			continue
		}
		args[p.Name] = inner
	}

	if len(violations) > 0 {
		return nil, &ParameterError{Plan: name, Violations: violations}
	}

	proc, err := def.Build(args)
	if err != nil {
		return nil, &ParameterError{Plan: name, Violations: []Violation{{
			Kind:    ViolationConstraint,
			Message: err.Error(),
		}}}
	}

	return &BoundPlan{
		Name:      name,
		Params:    maps.Clone(params),
		Args:      args,
		Procedure: proc,
	}, nil
}

func (r *Registry) bindNested(v map[string]any, depth int) (*BoundPlan, error) {
	if depth+1 >= maxNesting {
		return nil, goerr.New("plan nesting too deep", goerr.V("max", maxNesting))
	}
	name, _ := v["name"].(string)
	params, _ := v["params"].(map[string]any)
	return r.bind(name, params, depth+1)
}

func (r *Registry) wrapperDefinition(name string) (Definition, error) {
	eb := goerr.NewBuilder(goerr.V("wrapper", name))
	def, ok := r.Get(name)
	if !ok {
		return Definition{}, eb.Wrap(ErrInvalidWrapper, "wrapper plan not registered")
	}
	if len(def.Schema) != 1 || def.Schema[0].Type != TypePlan {
		return Definition{}, eb.Wrap(ErrInvalidWrapper, "wrapper must declare exactly one plan parameter")
	}
	return def, nil
}

func (r *Registry) wrap(name string, inner *BoundPlan) (*BoundPlan, error) {
	def, err := r.wrapperDefinition(name)
	if err != nil {
		return nil, err
	}
	proc, err := def.Build(Args{def.Schema[0].Name: inner})
	if err != nil {
		return nil, goerr.Wrap(ErrInvalidWrapper, "failed to build wrapper",
			goerr.V("wrapper", name), goerr.V("error", err.Error()))
	}
	return &BoundPlan{
		Name:      inner.Name,
		Params:    inner.Params,
		Args:      inner.Args,
		Wrapper:   name,
		Procedure: proc,
	}, nil
}
