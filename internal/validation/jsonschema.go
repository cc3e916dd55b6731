package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/meridian-run/meridian/pkg/model"
)

// SchemaValidator validates pipeline stage values against JSON Schema
// Draft 2020-12 documents. Safe for concurrent use; compiled schemas are
// cached keyed by schema text.
type SchemaValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewSchemaValidator creates an empty SchemaValidator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{cache: make(map[string]*jsonschema.Schema)}
}

// Validate checks value against the raw schema document. A nil or empty
// schema validates everything. Failures are Validation errors carrying the
// violating instance locations.
func (v *SchemaValidator) Validate(schema json.RawMessage, value any) error {
	if len(schema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(schema)
	if err != nil {
		return model.NewError(model.ErrTypeValidation, "invalid schema document").WithCause(err)
	}

	// Round-trip so numbers become json.Number as the library requires.
	doc, err := toJSONValue(value)
	if err != nil {
		return model.NewError(model.ErrTypeValidation, "value is not JSON-serializable").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toValidationError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *SchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each schema gets a unique URL to avoid compiler resource collisions.
	url := fmt.Sprintf("meridian://schema/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding so numbers become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toValidationError converts a jsonschema.ValidationError into a typed
// Validation error listing the leaf violations.
func toValidationError(err error) *model.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return model.NewError(model.ErrTypeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 1 {
		return model.NewError(model.ErrTypeValidation, violations[0])
	}
	return model.NewErrorf(model.ErrTypeValidation,
		"validation failed with %d violations: %s",
		len(violations), strings.Join(violations, "; "))
}

// collectViolations walks a ValidationError tree collecting leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
