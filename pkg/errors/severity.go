// Package errors provides the reconciler's error taxonomy.
//
// Every error raised by the graph model, the state store, the validator and
// the provisioners is one of the typed errors in this package, so callers can
// classify failures with errors.As and map them to exit codes.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Severity indicates error impact level.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Class groups errors by the stage that raised them.
type Class string

const (
	ClassGraph      Class = "graph"
	ClassState      Class = "state"
	ClassValidation Class = "validation"
	ClassProvider   Class = "provider"
	ClassUnknown    Class = "unknown"
)

// Error codes
const (
	ErrCodeCyclicDependency   = "CYCLIC_DEPENDENCY"
	ErrCodeDanglingDependency = "DANGLING_DEPENDENCY"
	ErrCodeStateCorrupt       = "STATE_CORRUPT"
	ErrCodeStateUnavailable   = "STATE_UNAVAILABLE"
	ErrCodeTagPolicy          = "TAG_POLICY"
	ErrCodeRoutingCollision   = "ROUTING_COLLISION"
	ErrCodePriorityExhausted  = "PRIORITY_EXHAUSTED"
	ErrCodeTransientProvider  = "TRANSIENT_PROVIDER"
	ErrCodePermanentProvider  = "PERMANENT_PROVIDER"
)

// Classified is implemented by every error in the taxonomy.
type Classified interface {
	error
	Class() Class
	Code() string
	Severity() Severity
}

// ClassOf returns the class of the first classified error in err's chain.
func ClassOf(err error) Class {
	var c Classified
	if stderrors.As(err, &c) {
		return c.Class()
	}
	return ClassUnknown
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var t *TransientProviderError
	return stderrors.As(err, &t)
}

// Exit codes shared by the command surface.
const (
	ExitSuccess    = 0
	ExitPartial    = 1
	ExitValidation = 2
)

// ExitCode maps an error to the process exit code. Graph and validation
// errors are raised before anything is executed and share ExitValidation.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	switch ClassOf(err) {
	case ClassValidation, ClassGraph:
		return ExitValidation
	default:
		return ExitPartial
	}
}

func describe(code, message, resourceID string) string {
	if resourceID != "" {
		return fmt.Sprintf("%s: %s (resource: %s)", code, message, resourceID)
	}
	return fmt.Sprintf("%s: %s", code, message)
}
