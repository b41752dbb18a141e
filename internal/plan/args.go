package plan

import "maps"

// Args are validated plan arguments with defaults applied. Accessors return
// the zero value when a name is absent or holds an unexpected type.
type Args map[string]any

// Has reports whether name has a value.
func (a Args) Has(name string) bool {
	_, ok := a[name]
	return ok
}

func (a Args) Float(name string) float64 {
	f, _ := toFloat(a[name])
	return f
}

func (a Args) Int(name string) int {
	f, _ := toFloat(a[name])
	return int(f)
}

func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

func (a Args) Bool(name string) bool {
	b, _ := a[name].(bool)
	return b
}

// Strings returns a string array argument.
func (a Args) Strings(name string) []string {
	switch v := a[name].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Object returns an object argument.
func (a Args) Object(name string) map[string]any {
	m, _ := a[name].(map[string]any)
	return maps.Clone(m)
}

// Plan returns a plan argument.
func (a Args) Plan(name string) *BoundPlan {
	p, _ := a[name].(*BoundPlan)
	return p
}
