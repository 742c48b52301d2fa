// Package policy provides the invariant validator.
// Evaluates tag and routing policies against the desired graph, and against
// recorded or live state in verification mode.
package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"slugger-infra/decision/iac"
	"slugger-infra/decision/routing"
	"slugger-infra/decision/widget"
	rerrors "slugger-infra/pkg/errors"
)

// PolicyType defines the type of policy
type PolicyType string

const (
	PolicyTypeTagConsistency   PolicyType = "tag_consistency"
	PolicyTypeRoutingCollision PolicyType = "routing_collision"
	PolicyTypeAttributeDrift   PolicyType = "attribute_drift"
	PolicyTypeResourcePresence PolicyType = "resource_presence"
)

// Severity defines policy violation severity
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Decision is the policy evaluation outcome
type Decision string

const (
	DecisionPass Decision = "pass"
	DecisionWarn Decision = "warn"
	DecisionDeny Decision = "deny"
)

// Policy defines a governance rule
type Policy struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Type        PolicyType `json:"type"`
	Severity    Severity   `json:"severity"`
	Enabled     bool       `json:"enabled"`
}

// Violation represents a policy violation
type Violation struct {
	PolicyID   string `json:"policy_id"`
	PolicyName string `json:"policy_name"`
	ResourceID string `json:"resource_id"`
	Message    string `json:"message"`
	Severity   string `json:"severity"`
}

// Warning represents a policy warning
type Warning struct {
	PolicyID   string `json:"policy_id"`
	ResourceID string `json:"resource_id"`
	Message    string `json:"message"`
}

// EvaluationRequest contains the input for policy evaluation
type EvaluationRequest struct {
	Graph *iac.Graph
	Specs []widget.Spec
	Table *routing.Table
}

// EvaluationResult contains the policy evaluation outcome
type EvaluationResult struct {
	Decision      Decision                   `json:"decision"`
	Violations    []Violation                `json:"violations"`
	Warnings      []Warning                  `json:"warnings"`
	PoliciesRan   int                        `json:"policies_ran"`
	EvaluatedAt   time.Time                  `json:"evaluated_at"`
	TagViolations []rerrors.TagViolation     `json:"tag_violations,omitempty"`
	Collisions    []rerrors.RoutingCollision `json:"routing_collisions,omitempty"`
}

// Err returns the typed errors behind the result's violations, joined, or nil
// when every enabled policy passed.
func (r *EvaluationResult) Err() error {
	var errs []error
	if len(r.TagViolations) > 0 {
		errs = append(errs, &rerrors.TagPolicyError{Violations: r.TagViolations})
	}
	if len(r.Collisions) > 0 {
		errs = append(errs, &rerrors.RoutingCollisionError{Collisions: r.Collisions})
	}
	return errors.Join(errs...)
}

func newResult() *EvaluationResult {
	return &EvaluationResult{
		Decision:    DecisionPass,
		Violations:  make([]Violation, 0),
		Warnings:    make([]Warning, 0),
		EvaluatedAt: time.Now().UTC(),
	}
}

func (r *EvaluationResult) violate(p Policy, resourceID, message string) {
	if p.Severity != SeverityError {
		r.warn(p, resourceID, message)
		return
	}
	r.Violations = append(r.Violations, Violation{
		PolicyID:   p.ID,
		PolicyName: p.Name,
		ResourceID: resourceID,
		Message:    message,
		Severity:   string(p.Severity),
	})
	r.Decision = DecisionDeny
}

func (r *EvaluationResult) warn(p Policy, resourceID, message string) {
	r.Warnings = append(r.Warnings, Warning{PolicyID: p.ID, ResourceID: resourceID, Message: message})
	if r.Decision == DecisionPass {
		r.Decision = DecisionWarn
	}
}

// Engine evaluates policies
type Engine struct {
	policies []Policy
}

// NewEngine creates a new policy engine
func NewEngine() *Engine {
	return &Engine{policies: defaultPolicies()}
}

// Policies returns the configured policies.
func (e *Engine) Policies() []Policy {
	return append([]Policy(nil), e.policies...)
}

// Disable turns a policy off by ID.
func (e *Engine) Disable(id string) error {
	for i := range e.policies {
		if e.policies[i].ID == id {
			e.policies[i].Enabled = false
			return nil
		}
	}
	return fmt.Errorf("unknown policy %q", id)
}

// Evaluate runs every enabled policy against the desired state. Each policy
// reports all of its findings independently of the others.
func (e *Engine) Evaluate(_ context.Context, req EvaluationRequest) (*EvaluationResult, error) {
	if req.Graph == nil || req.Table == nil {
		return nil, fmt.Errorf("evaluation needs a graph and a routing table")
	}
	result := newResult()
	e.run(result, func(p Policy) {
		switch p.Type {
		case PolicyTypeTagConsistency:
			e.reportTags(result, p, CheckTags(req.Graph, req.Specs))
		case PolicyTypeRoutingCollision:
			e.reportRouting(result, p, CheckRouting(req.Table))
		}
	})
	return result, nil
}

func (e *Engine) run(result *EvaluationResult, eval func(Policy)) {
	for _, p := range e.policies {
		if !p.Enabled {
			continue
		}
		result.PoliciesRan++
		eval(p)
	}
}

func (e *Engine) reportTags(result *EvaluationResult, p Policy, violations []rerrors.TagViolation) {
	for _, v := range violations {
		result.violate(p, v.ResourceID, v.String())
	}
	if p.Severity == SeverityError {
		result.TagViolations = append(result.TagViolations, violations...)
	}
}

func (e *Engine) reportRouting(result *EvaluationResult, p Policy, collisions []rerrors.RoutingCollision) {
	for _, c := range collisions {
		result.violate(p, c.ResourceID, c.String())
	}
	if p.Severity == SeverityError {
		result.Collisions = append(result.Collisions, collisions...)
	}
}

func defaultPolicies() []Policy {
	return []Policy{
		{
			ID:          "tag-consistency",
			Name:        "Mandated Tags",
			Description: "Every taggable resource carries Project, Component, Environment and ManagedBy with widget-scoped values",
			Type:        PolicyTypeTagConsistency,
			Severity:    SeverityError,
			Enabled:     true,
		},
		{
			ID:          "routing-non-collision",
			Name:        "Routing Non-Collision",
			Description: "Listener rule priorities are distinct and path patterns disjoint across widgets",
			Type:        PolicyTypeRoutingCollision,
			Severity:    SeverityError,
			Enabled:     true,
		},
		{
			ID:          "live-presence",
			Name:        "Recorded Resources Exist",
			Description: "Warn when a recorded resource is gone from the provider",
			Type:        PolicyTypeResourcePresence,
			Severity:    SeverityWarning,
			Enabled:     true,
		},
		{
			ID:          "live-drift",
			Name:        "No Attribute Drift",
			Description: "Warn when live attributes differ from the last applied ones",
			Type:        PolicyTypeAttributeDrift,
			Severity:    SeverityWarning,
			Enabled:     true,
		},
	}
}
