package validation

import (
	"encoding/json"

	"github.com/tutorwiseapp/cas/pkg/schema"
)

// Validator checks workflow definitions, wire envelopes and task input.
// Uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input json.RawMessage, inputSchema []byte) error
	ValidateEnvelope(raw []byte) error
}
