package record

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/deviceingest/internal/assets/schemas"
)

// ErrInvalidRecord indicates a record failed shape validation.
var ErrInvalidRecord = errors.New("invalid record")

// Validator checks a record's field shapes.
type Validator interface {
	Validate(r Record) error
}

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g., "/deviceId").
	Path string

	// Message describes the validation failure.
	Message string
}

// Error implements error interface.
func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors for one record.
type ValidationErrors []ValidationError

// Error implements error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "record validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	parts := make([]string, 0, len(e))
	for _, err := range e {
		parts = append(parts, err.Error())
	}
	return fmt.Sprintf("record validation failed with %d errors: %s", len(e), strings.Join(parts, "; "))
}

// Unwrap returns ErrInvalidRecord so callers can use errors.Is.
func (e ValidationErrors) Unwrap() error {
	return ErrInvalidRecord
}

// SchemaValidator validates records against the embedded event-record schema.
type SchemaValidator struct {
	v *schema.Validator
}

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// NewSchemaValidator returns a validator backed by the embedded schema.
//
// The schema is compiled once per process.
func NewSchemaValidator() (*SchemaValidator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.EventRecordSchema) == 0 {
			validatorErr = errors.New("embedded event-record schema is empty")
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.EventRecordSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile event-record schema: %w", validatorErr)
		}
	})
	if validatorErr != nil {
		return nil, validatorErr
	}
	return &SchemaValidator{v: validator}, nil
}

// Validate implements Validator.
func (s *SchemaValidator) Validate(r Record) error {
	if r == nil {
		return ValidationErrors{{Message: "record is nil"}}
	}
	data, err := r.Payload()
	if err != nil {
		return err
	}

	diags, err := s.v.ValidateJSON(data)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(r Record) error

// Validate implements Validator.
func (f ValidatorFunc) Validate(r Record) error { return f(r) }
