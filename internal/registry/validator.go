package registry

import (
	"encoding/json"
	"fmt"
	"strings"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/profiles-v1.json
var profilesSchemaJSON string

type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("profiles-v1.json",
		strings.NewReader(profilesSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("profiles-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

// ValidateDocument checks a decoded profile table. The document goes through
// JSON first so YAML scalars end up as the JSON types the schema expects.
func (v *Validator) ValidateDocument(doc interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal profile table: %w", err)
	}

	return v.ValidateJSON(data)
}

func (v *Validator) ValidateJSON(data []byte) error {
	var table interface{}
	if err := json.Unmarshal(data, &table); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := v.schema.Validate(table); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	return nil
}
