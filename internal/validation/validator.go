package validation

import "github.com/rendis/nodeflow/pkg/schema"

// Validator checks externally supplied documents before they reach the engine.
// Uses JSON Schema Draft 2020-12.
type Validator interface {
	// ValidateSettings checks a decoded settings file.
	ValidateSettings(doc map[string]any) error
	// DecodeInterrupt validates a raw interrupt payload and decodes it.
	DecodeInterrupt(payload []byte) (schema.InterruptPackage, error)
}
