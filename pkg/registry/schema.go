package registry

import (
	"encoding/json"
	"fmt"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// CloseSchema mutates a raw JSON-schema document in place so every
// declared property becomes required and additionalProperties is
// forced to false, regardless of whether the schema arrived from an
// MCP server's inputSchema or was authored by hand. Optional fields
// are expressed as nullable (`type: [original, "null"]`) rather than
// by omission, since a closed schema has no way to express "optional"
// any other way.
//
// raw is expected to be the decoded JSON object for one schema level;
// nested "properties" objects are closed recursively.
func CloseSchema(raw map[string]any, optional map[string]bool) map[string]any {
	if raw == nil {
		return raw
	}

	props, _ := raw["properties"].(map[string]any)
	if props == nil {
		raw["additionalProperties"] = false
		return raw
	}

	required := make([]string, 0, len(props))
	for name, v := range props {
		required = append(required, name)

		propSchema, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if optional != nil && optional[name] {
			makeNullable(propSchema)
		}
		if nested, ok := propSchema["properties"].(map[string]any); ok && nested != nil {
			CloseSchema(propSchema, nil)
		}
	}

	raw["required"] = required
	raw["additionalProperties"] = false
	return raw
}

func makeNullable(propSchema map[string]any) {
	switch t := propSchema["type"].(type) {
	case string:
		if t != "null" {
			propSchema["type"] = []any{t, "null"}
		}
	case []any:
		for _, existing := range t {
			if existing == "null" {
				return
			}
		}
		propSchema["type"] = append(t, "null")
	}
}

// CompileSchema compiles a raw (already-closed, if desired) JSON
// schema document into a validator.
func CompileSchema(name string, raw map[string]any) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	resourceURL := "mem://" + name
	if err := compiler.AddResource(resourceURL, raw); err != nil {
		return nil, fmt.Errorf("registry: adding schema resource %q: %w", name, err)
	}
	schema, err := compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("registry: compiling schema %q: %w", name, err)
	}
	return schema, nil
}

// GenerateSchema derives a closed JSON schema from a typed Go model
// (an agent's structured-output model declared in Go) and compiles it.
// model should be a pointer to the zero value of the target type, e.g.
// GenerateSchema("plan_result", &PlanResult{}).
func GenerateSchema(name string, model any) (*jsonschema.Schema, error) {
	reflector := &invopop.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	generated := reflector.Reflect(model)

	raw, err := schemaToMap(generated)
	if err != nil {
		return nil, fmt.Errorf("registry: converting generated schema %q: %w", name, err)
	}
	CloseSchema(raw, nil)
	return CompileSchema(name, raw)
}

func schemaToMap(s *invopop.Schema) (map[string]any, error) {
	data, err := s.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
