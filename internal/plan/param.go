package plan

import (
	"slices"

	"github.com/m-mizutani/goerr/v2"
)

// ParamType is the declared type of a plan parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"

	// TypePlan accepts another plan. Callers supply {"name": ..., "params": ...};
	// wrappers receive the bound inner plan directly.
	TypePlan ParamType = "plan"
)

var knownTypes = []ParamType{
	TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeArray, TypeObject, TypePlan,
}

// Param declares one parameter of a plan.
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool

	// Default is applied to the plan's Args when the parameter is omitted.
	// It is never copied into the recorded task parameters.
	Default any

	// Enum restricts the value to one of the listed values.
	Enum []any

	// Minimum and Maximum bound number and integer parameters.
	Minimum *float64
	Maximum *float64

	// Items describes array elements. Required for TypeArray.
	Items *Param
}

// Schema is the ordered parameter list of a plan.
type Schema []Param

// Lookup returns the parameter called name.
func (s Schema) Lookup(name string) (Param, bool) {
	i := slices.IndexFunc(s, func(p Param) bool { return p.Name == name })
	if i < 0 {
		return Param{}, false
	}
	return s[i], true
}

// Validate checks the schema declaration itself.
func (s Schema) Validate() error {
	seen := make(map[string]bool, len(s))
	for _, p := range s {
		if p.Name == "" {
			return goerr.Wrap(ErrInvalidDefinition, "parameter name is required")
		}
		if seen[p.Name] {
			return goerr.Wrap(ErrInvalidDefinition, "duplicate parameter", goerr.V("param", p.Name))
		}
		seen[p.Name] = true
		if err := p.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (p Param) validate() error {
	eb := goerr.NewBuilder(goerr.V("param", p.Name))

	if !slices.Contains(knownTypes, p.Type) {
		return eb.Wrap(ErrInvalidDefinition, "unknown parameter type", goerr.V("type", string(p.Type)))
	}

	if p.Type == TypeArray {
		if p.Items == nil {
			return eb.Wrap(ErrInvalidDefinition, "items is required for array type")
		}
		if p.Items.Type == TypeArray || p.Items.Type == TypePlan {
			return eb.Wrap(ErrInvalidDefinition, "unsupported array item type", goerr.V("items", string(p.Items.Type)))
		}
		if err := p.Items.validate(); err != nil {
			return eb.Wrap(err, "invalid items")
		}
	}

	if p.Minimum != nil && p.Maximum != nil && *p.Minimum > *p.Maximum {
		return eb.Wrap(ErrInvalidDefinition, "minimum must be less than or equal to maximum")
	}

	if p.Default != nil {
		if vs := checkValue(p.Name, p, p.Default); len(vs) > 0 {
			return eb.Wrap(ErrInvalidDefinition, "default does not satisfy parameter", goerr.V("violation", vs[0].Message))
		}
	}
	return nil
}
