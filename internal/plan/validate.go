package plan

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
	"sort"
)

// validateParams checks params against s and returns every violation found.
// Unknown fields are reported in sorted order after schema-declared fields.
func validateParams(s Schema, params map[string]any) []Violation {
	var out []Violation

	for _, p := range s {
		v, ok := params[p.Name]
		if !ok {
			if p.Required && p.Default == nil {
				out = append(out, Violation{
					Field:   p.Name,
					Kind:    ViolationMissing,
					Message: "missing required parameter",
				})
			}
			continue
		}
		out = append(out, checkValue(p.Name, p, v)...)
	}

	var unknown []string
	for name := range params {
		if _, ok := s.Lookup(name); !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		out = append(out, Violation{
			Field:   name,
			Kind:    ViolationUnknown,
			Message: "unknown parameter",
		})
	}
	return out
}

// checkValue validates one value against its declaration.
func checkValue(field string, p Param, v any) []Violation {
	typeErr := func() []Violation {
		return []Violation{{
			Field:   field,
			Kind:    ViolationType,
			Message: fmt.Sprintf("expected %s, got %s", p.Type, describe(v)),
		}}
	}

	switch p.Type {
	case TypeString:
		if _, ok := v.(string); !ok {
			return typeErr()
		}
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return typeErr()
		}
	case TypeNumber:
		if _, ok := toFloat(v); !ok {
			return typeErr()
		}
	case TypeInteger:
		f, ok := toFloat(v)
		if !ok || f != math.Trunc(f) {
			return typeErr()
		}
	case TypeObject:
		if _, ok := v.(map[string]any); !ok {
			return typeErr()
		}
	case TypePlan:
		switch pv := v.(type) {
		case *BoundPlan:
			if pv == nil {
				return typeErr()
			}
		case map[string]any:
			if name, ok := pv["name"].(string); !ok || name == "" {
				return []Violation{{
					Field:   field,
					Kind:    ViolationType,
					Message: "plan value requires a string name",
				}}
			}
		default:
			return typeErr()
		}
		return nil
	case TypeArray:
		rv := reflect.ValueOf(v)
		if v == nil || rv.Kind() != reflect.Slice {
			return typeErr()
		}
		var out []Violation
		for i := range rv.Len() {
			out = append(out, checkValue(fmt.Sprintf("%s[%d]", field, i), *p.Items, rv.Index(i).Interface())...)
		}
		return out
	}

	return checkConstraints(field, p, v)
}

func checkConstraints(field string, p Param, v any) []Violation {
	var out []Violation
	if len(p.Enum) > 0 && !slices.ContainsFunc(p.Enum, func(e any) bool { return equalValue(e, v) }) {
		out = append(out, Violation{
			Field:   field,
			Kind:    ViolationConstraint,
			Message: fmt.Sprintf("must be one of %v", p.Enum),
		})
	}
	if f, ok := toFloat(v); ok {
		if p.Minimum != nil && f < *p.Minimum {
			out = append(out, Violation{
				Field:   field,
				Kind:    ViolationConstraint,
				Message: fmt.Sprintf("must be >= %v", *p.Minimum),
			})
		}
		if p.Maximum != nil && f > *p.Maximum {
			out = append(out, Violation{
				Field:   field,
				Kind:    ViolationConstraint,
				Message: fmt.Sprintf("must be <= %v", *p.Maximum),
			})
		}
	}
	return out
}

// toFloat converts any Go or JSON numeric representation to float64.
// Booleans and strings are not numbers.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func equalValue(a, b any) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func describe(v any) string {
	if v == nil {
		return "null"
	}
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	}
	if _, ok := toFloat(v); ok {
		return "number"
	}
	if reflect.ValueOf(v).Kind() == reflect.Slice {
		return "array"
	}
	return fmt.Sprintf("%T", v)
}
