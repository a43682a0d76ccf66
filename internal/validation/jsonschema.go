package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/nodeflow/pkg/schema"
)

// JSONSchemaValidator implements the Validator interface using JSON Schema Draft 2020-12.
// Schemas are compiled once; it is safe for concurrent use.
type JSONSchemaValidator struct {
	settingsSchema  *jsonschema.Schema
	interruptSchema *jsonschema.Schema
}

// NewJSONSchemaValidator creates a new JSONSchemaValidator with all schemas pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	resources := map[string]string{
		settingsSchemaURL:  settingsSchemaJSON,
		interruptSchemaURL: interruptSchemaJSON,
	}
	for url, raw := range resources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
	}

	settings, err := c.Compile(settingsSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile settings schema: %w", err)
	}
	interrupt, err := c.Compile(interruptSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile interrupt schema: %w", err)
	}

	return &JSONSchemaValidator{
		settingsSchema:  settings,
		interruptSchema: interrupt,
	}, nil
}

// ValidateSettings validates a decoded settings document.
func (v *JSONSchemaValidator) ValidateSettings(doc map[string]any) error {
	if doc == nil {
		return nil
	}
	value, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize settings").WithCause(err)
	}
	if err := v.settingsSchema.Validate(value); err != nil {
		return toError(err)
	}
	return nil
}

// DecodeInterrupt validates payload against the interrupt schema, decodes it,
// and applies the semantic checks of schema.InterruptPackage.
func (v *JSONSchemaValidator) DecodeInterrupt(payload []byte) (schema.InterruptPackage, error) {
	var pkg schema.InterruptPackage

	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(payload)))
	if err != nil {
		return pkg, schema.NewError(schema.ErrCodeValidation, "interrupt payload is not valid JSON").WithCause(err)
	}
	if err := v.interruptSchema.Validate(value); err != nil {
		return pkg, toError(err)
	}
	if err := json.Unmarshal(payload, &pkg); err != nil {
		return pkg, schema.NewError(schema.ErrCodeValidation, "decode interrupt payload").WithCause(err)
	}
	if err := pkg.Validate(); err != nil {
		return pkg, err
	}
	return pkg, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toError converts a jsonschema.ValidationError into a schema.Error listing
// every leaf violation with its instance location.
func toError(err error) error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	var vs schema.Violations
	collectViolations(verr, &vs)
	if len(vs) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	return vs.Err()
}

// collectViolations walks a ValidationError tree and records its leaves.
func collectViolations(verr *jsonschema.ValidationError, vs *schema.Violations) {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		vs.Add(loc, "%s", verr.Error())
		return
	}
	for _, cause := range verr.Causes {
		collectViolations(cause, vs)
	}
}

var _ Validator = (*JSONSchemaValidator)(nil)
