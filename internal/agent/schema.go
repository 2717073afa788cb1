package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

// SchemaValidator checks stage artifacts against JSON Schemas declared on
// graph nodes. Compiled schemas are cached per path. A violation is a
// transient failure: the worker is asked again and may produce a conforming
// artifact.
type SchemaValidator struct {
	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// NewSchemaValidator returns an empty validator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{schemas: make(map[string]*jsonschema.Schema)}
}

// Validate checks an artifact against the schema at schemaPath. An empty path
// validates nothing.
func (v *SchemaValidator) Validate(schemaPath string, artifact json.RawMessage) error {
	if schemaPath == "" {
		return nil
	}
	schema, err := v.load(schemaPath)
	if err != nil {
		return Wrap(ErrPermanent, "", "load artifact schema", err)
	}

	result := schema.ValidateJSON(artifact)
	if result.IsValid() {
		return nil
	}
	return Wrap(ErrTransient, "", "artifact schema", fmt.Errorf("validation failed: %v", result.Errors))
}

func (v *SchemaValidator) load(schemaPath string) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if schema, ok := v.schemas[schemaPath]; ok {
		return schema, nil
	}

	data, err := os.ReadFile(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(data)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.schemas[schemaPath] = schema
	return schema, nil
}
