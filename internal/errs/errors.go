// Package errs implements the kernel's error taxonomy: typed operational
// errors, a centralized context-attaching handler, retry-with-backoff, and
// a per-failure-domain circuit breaker.
//
// Grounded on the original Python implementation's error_handler.py
// (severity levels, recovery strategies) and spec.md §7, which separates
// operational failures (captured as structured results) from programming
// errors (raised to the caller).
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the error taxonomy entries from spec.md §7.
type Kind string

const (
	KindConfiguration     Kind = "configuration_error"
	KindResource          Kind = "resource_error"
	KindContainer         Kind = "container_error"
	KindChannel           Kind = "channel_error"
	KindProtocol          Kind = "protocol_error"
	KindTaskValidation    Kind = "task_validation_error"
	KindWorkspace         Kind = "workspace_error"
	KindCircuitOpen       Kind = "circuit_open"
)

// Severity mirrors error_handler.py's ErrorSeverity: it does not change
// control flow, only what gets logged at what level and surfaced in
// Supervisor status output.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// KernelError is the structured error type attached to operational
// failures. Component/Operation/CorrelationID give every log line the
// context spec.md §7 requires ("component, operation, correlation id,
// timestamp" — timestamp is added by the logger, not stored here).
type KernelError struct {
	Kind          Kind
	Severity      Severity
	Component     string
	Operation     string
	CorrelationID string
	Message       string
	Cause         error
}

func (e *KernelError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Component, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Component, e.Message)
}

func (e *KernelError) Unwrap() error { return e.Cause }

// New constructs a KernelError with default medium severity.
func New(kind Kind, component, operation, message string, cause error) *KernelError {
	return &KernelError{
		Kind:      kind,
		Severity:  SeverityMedium,
		Component: component,
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}

// WithSeverity returns a copy of e with the given severity, for call sites
// that know the failure is critical (e.g. repeated container crashes) or
// merely informational (e.g. a dropped duplicate message).
func (e *KernelError) WithSeverity(s Severity) *KernelError {
	cp := *e
	cp.Severity = s
	return &cp
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *KernelError, and "" otherwise.
func KindOf(err error) Kind {
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}
