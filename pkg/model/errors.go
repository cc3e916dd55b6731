package model

import "fmt"

// Canonical error type URIs. Each maps to a default HTTP-style status used
// purely as a classification key, never as a transport protocol.
const (
	ErrTypeConfiguration  = "https://meridian.run/errors/configuration"
	ErrTypeValidation     = "https://meridian.run/errors/validation"
	ErrTypeExpression     = "https://meridian.run/errors/expression"
	ErrTypeAuthentication = "https://meridian.run/errors/authentication"
	ErrTypeAuthorization  = "https://meridian.run/errors/authorization"
	ErrTypeTimeout        = "https://meridian.run/errors/timeout"
	ErrTypeCommunication  = "https://meridian.run/errors/communication"
	ErrTypeRuntime        = "https://meridian.run/errors/runtime"
)

// defaultStatus maps canonical error types to their default status.
var defaultStatus = map[string]int{
	ErrTypeConfiguration:  400,
	ErrTypeValidation:     400,
	ErrTypeExpression:     400,
	ErrTypeAuthentication: 401,
	ErrTypeAuthorization:  403,
	ErrTypeTimeout:        408,
	ErrTypeCommunication:  500,
	ErrTypeRuntime:        500,
}

// DefaultStatus returns the default status for a canonical error type,
// or 500 for custom types without a declared status.
func DefaultStatus(errType string) int {
	if s, ok := defaultStatus[errType]; ok {
		return s
	}
	return 500
}

// Error is the structured error shape shared by the fixed taxonomy and
// user-declared custom error types.
type Error struct {
	Type     string `json:"type"`
	Status   int    `json:"status"`
	Title    string `json:"title,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"` // task path that raised the error
	Cause    error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Instance != "" {
		return fmt.Sprintf("[%s] %s at %s: %s", e.Type, e.Title, e.Instance, e.Detail)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Title, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates an Error of the given type with its default status.
func NewError(errType, detail string) *Error {
	return &Error{
		Type:   errType,
		Status: DefaultStatus(errType),
		Title:  titleFor(errType),
		Detail: detail,
	}
}

// NewErrorf creates an Error with a formatted detail message.
func NewErrorf(errType, format string, args ...any) *Error {
	return NewError(errType, fmt.Sprintf(format, args...))
}

// WithInstance attaches the raising task's path.
func (e *Error) WithInstance(path string) *Error {
	e.Instance = path
	return e
}

// WithStatus overrides the default status.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// WithTitle overrides the default title.
func (e *Error) WithTitle(title string) *Error {
	e.Title = title
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// IsType reports whether the error carries the given type URI.
func (e *Error) IsType(errType string) bool {
	return e.Type == errType
}

// AsMap renders the error as bindable data for expression evaluation
// (the `$error` variable inside catch handlers and `when` predicates).
func (e *Error) AsMap() map[string]any {
	m := map[string]any{
		"type":   e.Type,
		"status": e.Status,
	}
	if e.Title != "" {
		m["title"] = e.Title
	}
	if e.Detail != "" {
		m["detail"] = e.Detail
	}
	if e.Instance != "" {
		m["instance"] = e.Instance
	}
	return m
}

func titleFor(errType string) string {
	switch errType {
	case ErrTypeConfiguration:
		return "Configuration Error"
	case ErrTypeValidation:
		return "Validation Error"
	case ErrTypeExpression:
		return "Expression Error"
	case ErrTypeAuthentication:
		return "Authentication Error"
	case ErrTypeAuthorization:
		return "Authorization Error"
	case ErrTypeTimeout:
		return "Timeout Error"
	case ErrTypeCommunication:
		return "Communication Error"
	case ErrTypeRuntime:
		return "Runtime Error"
	default:
		return "Error"
	}
}
