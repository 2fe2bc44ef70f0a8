package llms

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaFor derives a strict JSON-schema fragment from a Go type, suitable
// for Options.ResponseSchema. Structured agent outputs (perspectives, facts,
// folding directives, outlines) are all requested through this.
func SchemaFor(v any) (map[string]any, error) {
	reflector := jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}

	schema := reflector.Reflect(v)

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// The completions API rejects the $schema meta key.
	delete(out, "$schema")
	delete(out, "$id")

	return out, nil
}

// MustSchemaFor is SchemaFor for package-level schema variables; panics on
// reflection failure, which can only happen for unsupported Go types.
func MustSchemaFor(v any) map[string]any {
	schema, err := SchemaFor(v)
	if err != nil {
		panic(err)
	}
	return schema
}
