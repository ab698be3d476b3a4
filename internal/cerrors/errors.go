// Package cerrors provides a structured error type shared across the
// deduplication engine, distinguishing the specific failure kinds the
// driver and merger need to branch on from the ambient failure modes a
// CLI tool hits (bad config, dropped connections).
package cerrors

import (
	"fmt"
	"runtime"
	"strings"
)

// ErrorType represents the category of error.
type ErrorType int

const (
	// ErrorTypeProjectMissing - the named project has no registered VCS system.
	ErrorTypeProjectMissing ErrorType = iota
	// ErrorTypeStoreUnavailable - the backing store could not be reached at all.
	ErrorTypeStoreUnavailable
	// ErrorTypeNotFound - a referenced commit or CES record does not exist.
	ErrorTypeNotFound
	// ErrorTypeEquivalenceIndeterminate - CES comparison could not reach a verdict.
	ErrorTypeEquivalenceIndeterminate
	// ErrorTypeConfig - missing or invalid configuration.
	ErrorTypeConfig
	// ErrorTypeValidation - invalid input data.
	ErrorTypeValidation
	// ErrorTypeDatabase - a query or transaction failed against a reachable store.
	ErrorTypeDatabase
	// ErrorTypeNetwork - transport-level connectivity issue.
	ErrorTypeNetwork
	// ErrorTypeInternal - unexpected internal state.
	ErrorTypeInternal
)

// Severity represents how critical an error is.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// Error is a structured error carrying a type, severity, and context map.
type Error struct {
	Type       ErrorType
	Severity   Severity
	Message    string
	Cause      error
	Context    map[string]interface{}
	StackTrace string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// IsFatal reports whether the driver should abort the whole run rather than
// log the commit and continue. ProjectMissing and StoreUnavailable are fatal
// per the error handling design; NotFound and EquivalenceIndeterminate are not.
func (e *Error) IsFatal() bool {
	switch e.Type {
	case ErrorTypeProjectMissing, ErrorTypeStoreUnavailable:
		return true
	default:
		return e.Severity == SeverityCritical
	}
}

func (e *Error) DetailedString() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] [%s] %s\n", severityString(e.Severity), typeString(e.Type), e.Message))
	if e.Cause != nil {
		sb.WriteString(fmt.Sprintf("caused by: %v\n", e.Cause))
	}
	for k, v := range e.Context {
		sb.WriteString(fmt.Sprintf("  %s: %v\n", k, v))
	}
	if e.StackTrace != "" {
		sb.WriteString(e.StackTrace)
	}
	return sb.String()
}

func typeString(t ErrorType) string {
	switch t {
	case ErrorTypeProjectMissing:
		return "PROJECT_MISSING"
	case ErrorTypeStoreUnavailable:
		return "STORE_UNAVAILABLE"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeEquivalenceIndeterminate:
		return "EQUIVALENCE_INDETERMINATE"
	case ErrorTypeConfig:
		return "CONFIG"
	case ErrorTypeValidation:
		return "VALIDATION"
	case ErrorTypeDatabase:
		return "DATABASE"
	case ErrorTypeNetwork:
		return "NETWORK"
	default:
		return "INTERNAL"
	}
}

func severityString(s Severity) string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	default:
		return "CRITICAL"
	}
}

func captureStackTrace(skip int) string {
	var sb strings.Builder
	for i := skip; i < skip+8; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			break
		}
		sb.WriteString(fmt.Sprintf("  %s:%d %s\n", file, line, fn.Name()))
	}
	return sb.String()
}

func New(errType ErrorType, severity Severity, message string) *Error {
	return &Error{Type: errType, Severity: severity, Message: message, StackTrace: captureStackTrace(2)}
}

func Wrap(err error, errType ErrorType, severity Severity, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Type: errType, Severity: severity, Message: message, Cause: err, StackTrace: captureStackTrace(2)}
}

// ProjectMissing reports that --project-name does not resolve to a registered VCS system.
func ProjectMissing(name string) *Error {
	return New(ErrorTypeProjectMissing, SeverityCritical, fmt.Sprintf("project %q is not registered", name)).
		WithContext("project_name", name)
}

// StoreUnavailable wraps a connectivity failure against a backing store.
func StoreUnavailable(err error, store string) *Error {
	return Wrap(err, ErrorTypeStoreUnavailable, SeverityCritical, fmt.Sprintf("%s store unavailable", store)).
		WithContext("store", store)
}

// NotFound reports a missing commit or CES reference.
func NotFound(kind, id string) *Error {
	return New(ErrorTypeNotFound, SeverityMedium, fmt.Sprintf("%s %q not found", kind, id)).
		WithContext("kind", kind).WithContext("id", id)
}

// EquivalenceIndeterminate reports that two CES records could not be compared conclusively.
func EquivalenceIndeterminate(reason string) *Error {
	return New(ErrorTypeEquivalenceIndeterminate, SeverityMedium, reason)
}

func ConfigErrorf(format string, args ...interface{}) *Error {
	return New(ErrorTypeConfig, SeverityCritical, fmt.Sprintf(format, args...))
}

func DatabaseError(err error, message string) *Error {
	return Wrap(err, ErrorTypeDatabase, SeverityCritical, message)
}

func InternalErrorf(format string, args ...interface{}) *Error {
	return New(ErrorTypeInternal, SeverityCritical, fmt.Sprintf(format, args...))
}

// IsFatal reports whether err (if it is an *Error) should stop the run.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := err.(*Error); ok {
		return e.IsFatal()
	}
	return false
}

// TypeOf returns the ErrorType of err, or ErrorTypeInternal if err is not an *Error.
func TypeOf(err error) ErrorType {
	if e, ok := err.(*Error); ok {
		return e.Type
	}
	return ErrorTypeInternal
}
