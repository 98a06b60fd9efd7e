package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/flowkit/engine/flowerr"
)

// SchemaValidator compiles and caches tool parameter schemas, grounded on
// the teacher's tools.SchemaValidator (getSchema cache keyed by raw schema
// text, gojsonschema.Validate, errors joined into one message).
type SchemaValidator struct {
	mu    sync.Mutex
	cache map[string]*gojsonschema.Schema
}

// NewSchemaValidator returns an empty, ready-to-use validator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{cache: make(map[string]*gojsonschema.Schema)}
}

// ValidateArgs validates args (arbitrary Go values, already assembled by the
// invoker) against the tool's raw JSON-schema document.
func (sv *SchemaValidator) ValidateArgs(toolName string, schemaJSON json.RawMessage, args map[string]any) error {
	if len(schemaJSON) == 0 {
		return nil
	}
	schema, err := sv.getSchema(string(schemaJSON))
	if err != nil {
		return flowerr.Wrap(flowerr.SchemaValidationFailed, "compiling schema for tool "+toolName, err)
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return flowerr.Wrap(flowerr.SchemaValidationFailed, "encoding arguments for tool "+toolName, err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(argsJSON))
	if err != nil {
		return flowerr.Wrap(flowerr.SchemaValidationFailed, "validating arguments for tool "+toolName, err)
	}
	if !result.Valid() {
		msgs := make([]string, len(result.Errors()))
		for i, e := range result.Errors() {
			msgs[i] = e.String()
		}
		return flowerr.New(flowerr.SchemaValidationFailed, fmt.Sprintf("tool %s: %v", toolName, msgs))
	}
	return nil
}

func (sv *SchemaValidator) getSchema(schemaJSON string) (*gojsonschema.Schema, error) {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	if s, ok := sv.cache[schemaJSON]; ok {
		return s, nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return nil, err
	}
	sv.cache[schemaJSON] = schema
	return schema, nil
}
