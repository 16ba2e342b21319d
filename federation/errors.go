package federation

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of a remote loading failure
type ErrorType int

const (
	// ErrorTypeUnknown represents an unknown error
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeRemoteUnreachable represents a network or script-load failure
	// after retries were exhausted
	ErrorTypeRemoteUnreachable
	// ErrorTypeIntegrityMismatch represents fetched bytes that do not match
	// the expected digest
	ErrorTypeIntegrityMismatch
	// ErrorTypeContainerNotFound represents an evaluated bundle that did not
	// expose a conforming container
	ErrorTypeContainerNotFound
	// ErrorTypeModuleNotExposed represents a container rejecting a module id
	ErrorTypeModuleNotExposed
	// ErrorTypeRouteShapeInvalid represents a getRoutes export that is not
	// resolvable to a function returning a list
	ErrorTypeRouteShapeInvalid
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeRemoteUnreachable:
		return "RemoteUnreachable"
	case ErrorTypeIntegrityMismatch:
		return "IntegrityMismatch"
	case ErrorTypeContainerNotFound:
		return "ContainerNotFound"
	case ErrorTypeModuleNotExposed:
		return "ModuleNotExposed"
	case ErrorTypeRouteShapeInvalid:
		return "RouteShapeInvalid"
	default:
		return "Unknown"
	}
}

// Error represents a structured remote loading error with type information
type Error struct {
	Type    ErrorType
	Scope   string
	Message string
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause error
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsType checks if the error is of a specific type
func (e *Error) IsType(errorType ErrorType) bool {
	return e.Type == errorType
}

// NewRemoteUnreachable creates an error for a remote that could not be loaded
func NewRemoteUnreachable(scope, url string, cause error) *Error {
	return &Error{
		Type:    ErrorTypeRemoteUnreachable,
		Scope:   scope,
		Message: fmt.Sprintf("remote %q unreachable at %s", scope, url),
		Cause:   cause,
	}
}

// NewIntegrityMismatch creates an error for a bundle that failed verification
func NewIntegrityMismatch(scope, source string) *Error {
	return &Error{
		Type:    ErrorTypeIntegrityMismatch,
		Scope:   scope,
		Message: fmt.Sprintf("integrity mismatch for remote %q from %s", scope, source),
	}
}

// NewContainerNotFound creates an error for a bundle without a container
func NewContainerNotFound(scope string, cause error) *Error {
	return &Error{
		Type:    ErrorTypeContainerNotFound,
		Scope:   scope,
		Message: fmt.Sprintf("no container found for scope %q", scope),
		Cause:   cause,
	}
}

// NewModuleNotExposed creates the error returned by factories for unexposed ids.
// The message always contains "Module not exposed: <id>".
func NewModuleNotExposed(moduleID string) *Error {
	return &Error{
		Type:    ErrorTypeModuleNotExposed,
		Message: "Module not exposed: " + moduleID,
	}
}

// NewRouteShapeInvalid creates an error for an unusable getRoutes export
func NewRouteShapeInvalid(scope, detail string) *Error {
	return &Error{
		Type:    ErrorTypeRouteShapeInvalid,
		Scope:   scope,
		Message: fmt.Sprintf("invalid routes from remote %q: %s", scope, detail),
	}
}

// TypeOf returns the ErrorType carried by err, or ErrorTypeUnknown
func TypeOf(err error) ErrorType {
	var fedErr *Error
	if errors.As(err, &fedErr) {
		return fedErr.Type
	}
	return ErrorTypeUnknown
}

// IsRemoteUnreachable checks if an error is a RemoteUnreachable error
func IsRemoteUnreachable(err error) bool {
	return TypeOf(err) == ErrorTypeRemoteUnreachable
}

// IsIntegrityMismatch checks if an error is an IntegrityMismatch error
func IsIntegrityMismatch(err error) bool {
	return TypeOf(err) == ErrorTypeIntegrityMismatch
}

// IsContainerNotFound checks if an error is a ContainerNotFound error
func IsContainerNotFound(err error) bool {
	return TypeOf(err) == ErrorTypeContainerNotFound
}

// IsModuleNotExposed checks if an error is a ModuleNotExposed error
func IsModuleNotExposed(err error) bool {
	return TypeOf(err) == ErrorTypeModuleNotExposed
}

// IsRouteShapeInvalid checks if an error is a RouteShapeInvalid error
func IsRouteShapeInvalid(err error) bool {
	return TypeOf(err) == ErrorTypeRouteShapeInvalid
}
