package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyDocument is returned when a source yields no configuration bytes.
var ErrEmptyDocument = errors.New("configuration document is empty")

// ValidationError reports a semantic problem in one configuration section.
type ValidationError struct {
	Section string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s config: %v", e.Section, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// SchemaError reports structural problems found by strict decoding: keys
// that are not part of the document and values of the wrong type.
type SchemaError struct {
	UnknownFields []string
	TypeErrors    []string
}

func (e *SchemaError) Error() string {
	var parts []string
	if len(e.UnknownFields) > 0 {
		parts = append(parts, "unknown fields: "+strings.Join(e.UnknownFields, ", "))
	}
	if len(e.TypeErrors) > 0 {
		parts = append(parts, "type errors: "+strings.Join(e.TypeErrors, "; "))
	}
	return "config schema violation: " + strings.Join(parts, "; ")
}
