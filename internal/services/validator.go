package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Request body schemas known to the validator.
const (
	SchemaCreditGrant = "credit_grant"
)

var requestSchemas = map[string]string{
	SchemaCreditGrant: `{
		"type": "object",
		"required": ["subject_id", "amount"],
		"additionalProperties": false,
		"properties": {
			"subject_id": {"type": "string", "format": "uuid"},
			"amount": {"type": "integer", "minimum": 1, "maximum": 1000000},
			"kind": {"type": "string", "enum": ["purchase", "refund"]},
			"reason": {"type": "string", "maxLength": 200},
			"idempotency_key": {"type": "string", "minLength": 1, "maxLength": 128}
		}
	}`,
}

type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles every request schema.
func NewValidator() (*Validator, error) {
	schemas := make(map[string]*jsonschema.Schema, len(requestSchemas))
	for name, src := range requestSchemas {
		c := jsonschema.NewCompiler()
		c.AssertFormat = true
		id := "https://rankwatch.dev/schemas/" + name + ".json"
		if err := c.AddResource(id, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("add schema %q: %w", name, err)
		}
		s, err := c.Compile(id)
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", name, err)
		}
		schemas[name] = s
	}
	return &Validator{schemas: schemas}, nil
}

// Validate hard-rejects a request body that does not match the named schema.
func (v *Validator) Validate(ctx context.Context, name string, body json.RawMessage) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// ErrValidation can be used with errors.Is to detect validation failures.
var ErrValidation = errors.New("validation failed")
