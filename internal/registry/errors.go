package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"ossgateway/pkg/platform/sentinel"
)

// ErrorCategory is the normalized failure taxonomy for registry calls.
type ErrorCategory string

const (
	// ErrorValidation: the payload was refused, locally or by the registry
	ErrorValidation ErrorCategory = "validation"

	// ErrorCircuitOpen: the breaker refused the call without touching the network
	ErrorCircuitOpen ErrorCategory = "circuit_open"

	// ErrorExhausted: transient failures used up the retry budget
	ErrorExhausted ErrorCategory = "exhausted"

	// ErrorTimeout: the registry took too long to respond
	ErrorTimeout ErrorCategory = "timeout"

	// ErrorRegistryOutage: network failure or 5xx
	ErrorRegistryOutage ErrorCategory = "registry_outage"

	// ErrorNotFound: the registry has no such submission
	ErrorNotFound ErrorCategory = "not_found"

	// ErrorBadData: the registry answered with something we could not decode
	ErrorBadData ErrorCategory = "bad_data"

	// ErrorBadRequest: a non-validation 4xx
	ErrorBadRequest ErrorCategory = "bad_request"

	ErrorInternal ErrorCategory = "internal"
)

var (
	// ErrCircuitOpen is returned when the breaker refuses a call.
	ErrCircuitOpen = fmt.Errorf("registry circuit open: %w", sentinel.ErrUnavailable)

	// ErrNotFound is returned when the registry answers 404.
	ErrNotFound = fmt.Errorf("registry submission: %w", sentinel.ErrNotFound)
)

// RegistryError wraps a failed status or lookup call.
type RegistryError struct {
	Category   ErrorCategory
	Op         string
	Message    string
	StatusCode int
	Underlying error
	Retryable  bool
}

func (e *RegistryError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("registry %s [%s]: %s: %v", e.Op, e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("registry %s [%s]: %s", e.Op, e.Category, e.Message)
}

func (e *RegistryError) Unwrap() error {
	return e.Underlying
}

// NewRegistryError creates a categorized error. Timeouts and outages are
// retryable.
func NewRegistryError(category ErrorCategory, op, message string, underlying error) *RegistryError {
	return &RegistryError{
		Category:   category,
		Op:         op,
		Message:    message,
		Underlying: underlying,
		Retryable:  category == ErrorTimeout || category == ErrorRegistryOutage,
	}
}

// ValidationError reports a payload the registry (or the pre-flight check)
// refused. StatusCode is zero for pre-flight failures.
type ValidationError struct {
	StatusCode int
	Message    string
	Errors     []string
	Fields     map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "validation failed: " + e.Message
	}
	return "validation failed: " + strings.Join(e.Errors, "; ")
}

// NewFieldValidationError builds a pre-flight failure from field messages.
func NewFieldValidationError(fields map[string]string) *ValidationError {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	messages := make([]string, 0, len(keys))
	for _, k := range keys {
		messages = append(messages, k+": "+fields[k])
	}
	return &ValidationError{
		Message: "payload failed validation",
		Errors:  messages,
		Fields:  fields,
	}
}

// ExhaustedError reports a submit that failed on every attempt.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("registry submit failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// IsRetryable reports whether err is a transient registry failure.
func IsRetryable(err error) bool {
	var re *RegistryError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}

// GetCategory extracts the category of a registry failure.
func GetCategory(err error) ErrorCategory {
	var (
		ve *ValidationError
		xe *ExhaustedError
		re *RegistryError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCircuitOpen):
		return ErrorCircuitOpen
	case errors.Is(err, ErrNotFound):
		return ErrorNotFound
	case errors.As(err, &ve):
		return ErrorValidation
	case errors.As(err, &xe):
		return ErrorExhausted
	case errors.As(err, &re):
		return re.Category
	}
	return ErrorInternal
}
