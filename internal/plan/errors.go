package plan

import (
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

var (
	// ErrTaskNotFound is returned when a task names a plan that is not registered.
	ErrTaskNotFound = goerr.New("plan not found")

	// ErrInvalidParameters is the sentinel every *ParameterError unwraps to.
	ErrInvalidParameters = goerr.New("invalid parameters")

	// ErrInvalidWrapper is returned when the configured wrapper plan cannot wrap.
	ErrInvalidWrapper = goerr.New("invalid wrapper plan")

	// ErrInvalidDefinition is returned by Register for malformed definitions.
	ErrInvalidDefinition = goerr.New("invalid plan definition")
)

// ViolationKind classifies a parameter violation.
type ViolationKind string

// Violation kinds.
const (
	ViolationUnknown    ViolationKind = "unknown"
	ViolationMissing    ViolationKind = "missing"
	ViolationType       ViolationKind = "type"
	ViolationConstraint ViolationKind = "constraint"
)

// Violation is a single problem found while validating task parameters.
type Violation struct {
	Field   string        `json:"field"`
	Kind    ViolationKind `json:"kind"`
	Message string        `json:"message"`
}

func (v Violation) String() string {
	return v.Field + ": " + v.Message
}

// ParameterError reports every violation found for one plan's parameters.
type ParameterError struct {
	Plan       string
	Violations []Violation
}

func (e *ParameterError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("invalid parameters for plan %q: %s", e.Plan, strings.Join(parts, "; "))
}

// Unwrap lets errors.Is match ErrInvalidParameters.
func (e *ParameterError) Unwrap() error {
	return ErrInvalidParameters
}

// Fields returns the names of the offending fields in report order.
func (e *ParameterError) Fields() []string {
	out := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		out[i] = v.Field
	}
	return out
}
