package errors

import (
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// GRAPH ERRORS
// =============================================================================

// CyclicDependencyError is raised when no topological order exists.
type CyclicDependencyError struct {
	ResourceID string
	Cycle      []string
}

func (e *CyclicDependencyError) Error() string {
	return describe(e.Code(), "dependency cycle "+strings.Join(e.Cycle, " -> "), e.ResourceID)
}

func (e *CyclicDependencyError) Class() Class       { return ClassGraph }
func (e *CyclicDependencyError) Code() string       { return ErrCodeCyclicDependency }
func (e *CyclicDependencyError) Severity() Severity { return SeverityFatal }

// DanglingDependencyError is raised when a node depends on a node that is not
// in the graph.
type DanglingDependencyError struct {
	ResourceID string
	Missing    string
}

func (e *DanglingDependencyError) Error() string {
	return describe(e.Code(), "depends on missing resource "+e.Missing, e.ResourceID)
}

func (e *DanglingDependencyError) Class() Class       { return ClassGraph }
func (e *DanglingDependencyError) Code() string       { return ErrCodeDanglingDependency }
func (e *DanglingDependencyError) Severity() Severity { return SeverityFatal }

// =============================================================================
// STATE ERRORS
// =============================================================================

// StateCorruptError is raised when persisted state cannot be decoded. The
// ResourceID is set when a single record is at fault.
type StateCorruptError struct {
	Location   string
	ResourceID string
	Reason     string
	Err        error
}

func (e *StateCorruptError) Error() string {
	msg := fmt.Sprintf("state at %s is corrupt: %s", e.Location, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return describe(e.Code(), msg, e.ResourceID)
}

func (e *StateCorruptError) Unwrap() error      { return e.Err }
func (e *StateCorruptError) Class() Class       { return ClassState }
func (e *StateCorruptError) Code() string       { return ErrCodeStateCorrupt }
func (e *StateCorruptError) Severity() Severity { return SeverityFatal }

// StateUnavailableError is raised when the backing store cannot be reached,
// is locked by another writer, or was modified concurrently.
type StateUnavailableError struct {
	Location   string
	ResourceID string
	Reason     string
	Err        error
}

func (e *StateUnavailableError) Error() string {
	msg := fmt.Sprintf("state at %s is unavailable: %s", e.Location, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return describe(e.Code(), msg, e.ResourceID)
}

func (e *StateUnavailableError) Unwrap() error      { return e.Err }
func (e *StateUnavailableError) Class() Class       { return ClassState }
func (e *StateUnavailableError) Code() string       { return ErrCodeStateUnavailable }
func (e *StateUnavailableError) Severity() Severity { return SeverityFatal }

// =============================================================================
// VALIDATION ERRORS
// =============================================================================

// TagViolation describes one node whose realized tag set breaks the tag policy.
type TagViolation struct {
	ResourceID string            `json:"resource_id"`
	Missing    []string          `json:"missing,omitempty"`
	Incorrect  map[string]string `json:"incorrect,omitempty"` // key -> actual value
	Expected   map[string]string `json:"expected"`
}

func (v TagViolation) String() string {
	parts := make([]string, 0, 2)
	if len(v.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(v.Missing, ","))
	}
	if len(v.Incorrect) > 0 {
		keys := make([]string, 0, len(v.Incorrect))
		for k := range v.Incorrect {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		wrong := make([]string, 0, len(keys))
		for _, k := range keys {
			wrong = append(wrong, fmt.Sprintf("%s=%q want %q", k, v.Incorrect[k], v.Expected[k]))
		}
		parts = append(parts, "incorrect "+strings.Join(wrong, ","))
	}
	return fmt.Sprintf("%s: %s", v.ResourceID, strings.Join(parts, "; "))
}

// TagPolicyError carries every tag violation found.
type TagPolicyError struct {
	Violations []TagViolation
}

func (e *TagPolicyError) Error() string {
	lines := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		lines = append(lines, v.String())
	}
	return fmt.Sprintf("%s: %d node(s) violate the tag policy: %s",
		e.Code(), len(e.Violations), strings.Join(lines, " | "))
}

func (e *TagPolicyError) Class() Class       { return ClassValidation }
func (e *TagPolicyError) Code() string       { return ErrCodeTagPolicy }
func (e *TagPolicyError) Severity() Severity { return SeverityError }

// RoutingCollision names two widgets whose listener rules collide.
type RoutingCollision struct {
	Widgets    [2]string `json:"widgets"`
	ResourceID string    `json:"resource_id"`
	Priority   int       `json:"priority,omitempty"`
	Patterns   []string  `json:"patterns,omitempty"`
}

func (c RoutingCollision) String() string {
	if c.Priority != 0 {
		return fmt.Sprintf("%s and %s share priority %d (%s)", c.Widgets[0], c.Widgets[1], c.Priority, c.ResourceID)
	}
	return fmt.Sprintf("%s and %s overlap on %s (%s)", c.Widgets[0], c.Widgets[1], strings.Join(c.Patterns, " ~ "), c.ResourceID)
}

// RoutingCollisionError carries every routing collision found.
type RoutingCollisionError struct {
	Collisions []RoutingCollision
}

func (e *RoutingCollisionError) Error() string {
	lines := make([]string, 0, len(e.Collisions))
	for _, c := range e.Collisions {
		lines = append(lines, c.String())
	}
	return fmt.Sprintf("%s: %d collision(s): %s", e.Code(), len(e.Collisions), strings.Join(lines, " | "))
}

func (e *RoutingCollisionError) Class() Class       { return ClassValidation }
func (e *RoutingCollisionError) Code() string       { return ErrCodeRoutingCollision }
func (e *RoutingCollisionError) Severity() Severity { return SeverityError }

// PriorityExhaustedError is raised when the reserved priority band has no free
// slot left for a widget.
type PriorityExhaustedError struct {
	WidgetName string
	Ceiling    int
}

func (e *PriorityExhaustedError) Error() string {
	return describe(e.Code(), fmt.Sprintf("no free listener priority at or below %d", e.Ceiling), "widget."+e.WidgetName)
}

func (e *PriorityExhaustedError) Class() Class       { return ClassValidation }
func (e *PriorityExhaustedError) Code() string       { return ErrCodePriorityExhausted }
func (e *PriorityExhaustedError) Severity() Severity { return SeverityError }

// =============================================================================
// PROVIDER ERRORS
// =============================================================================

// TransientProviderError is a retryable provider failure (throttling,
// propagation delay).
type TransientProviderError struct {
	ResourceID string
	Operation  string
	Reason     string
	Err        error
}

func (e *TransientProviderError) Error() string {
	return describe(e.Code(), fmt.Sprintf("%s failed transiently (%s): %v", e.Operation, e.Reason, e.Err), e.ResourceID)
}

func (e *TransientProviderError) Unwrap() error      { return e.Err }
func (e *TransientProviderError) Class() Class       { return ClassProvider }
func (e *TransientProviderError) Code() string       { return ErrCodeTransientProvider }
func (e *TransientProviderError) Severity() Severity { return SeverityWarning }

// PermanentProviderError halts execution. ReasonCode is machine-readable,
// usually the provider's own error code.
type PermanentProviderError struct {
	ResourceID string
	Operation  string
	ReasonCode string
	Err        error
}

func (e *PermanentProviderError) Error() string {
	return describe(e.Code(), fmt.Sprintf("%s failed [%s]: %v", e.Operation, e.ReasonCode, e.Err), e.ResourceID)
}

func (e *PermanentProviderError) Unwrap() error      { return e.Err }
func (e *PermanentProviderError) Class() Class       { return ClassProvider }
func (e *PermanentProviderError) Code() string       { return ErrCodePermanentProvider }
func (e *PermanentProviderError) Severity() Severity { return SeverityFatal }
