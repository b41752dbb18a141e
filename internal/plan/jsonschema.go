package plan

import (
	"bytes"
	"encoding/json"

	"github.com/m-mizutani/goerr/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaDraft = "https://json-schema.org/draft/2020-12/schema"

// JSONSchema renders the plan's parameters as a JSON Schema document.
func (d Definition) JSONSchema() map[string]any {
	props := make(map[string]any, len(d.Schema))
	required := make([]any, 0)
	for _, p := range d.Schema {
		props[p.Name] = paramSchema(p)
		if p.Required && p.Default == nil {
			required = append(required, p.Name)
		}
	}

	doc := map[string]any{
		"$schema":              schemaDraft,
		"title":                d.Name,
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if d.Description != "" {
		doc["description"] = d.Description
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

func paramSchema(p Param) map[string]any {
	s := map[string]any{}
	switch p.Type {
	case TypePlan:
		s["type"] = "object"
		s["required"] = []any{"name"}
		s["properties"] = map[string]any{
			"name":   map[string]any{"type": "string"},
			"params": map[string]any{"type": "object"},
		}
	case TypeArray:
		s["type"] = "array"
		if p.Items != nil {
			s["items"] = paramSchema(*p.Items)
		}
	default:
		s["type"] = string(p.Type)
	}

	if p.Description != "" {
		s["description"] = p.Description
	}
	if p.Default != nil {
		s["default"] = p.Default
	}
	if len(p.Enum) > 0 {
		s["enum"] = p.Enum
	}
	if p.Minimum != nil {
		s["minimum"] = *p.Minimum
	}
	if p.Maximum != nil {
		s["maximum"] = *p.Maximum
	}
	return s
}

// compileSchema round-trips the generated document through the JSON Schema
// compiler so that unsupported defaults or enum values are caught early.
func compileSchema(d Definition) error {
	raw, err := json.Marshal(d.JSONSchema())
	if err != nil {
		return goerr.Wrap(ErrInvalidDefinition, "failed to marshal schema", goerr.V("error", err.Error()))
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return goerr.Wrap(ErrInvalidDefinition, "failed to decode schema", goerr.V("error", err.Error()))
	}

	url := d.Name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return goerr.Wrap(ErrInvalidDefinition, "failed to add schema resource", goerr.V("error", err.Error()))
	}
	if _, err := c.Compile(url); err != nil {
		return goerr.Wrap(ErrInvalidDefinition, "schema does not compile", goerr.V("error", err.Error()))
	}
	return nil
}
