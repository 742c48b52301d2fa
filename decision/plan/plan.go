// Package plan compares the desired resource graph against recorded state and
// produces the ordered list of operations that reconciles them.
package plan

import (
	"slugger-infra/db/state"
	"slugger-infra/decision/iac"
)

// OpKind is the kind of change an operation makes.
type OpKind string

const (
	OpCreate        OpKind = "create"
	OpUpdateInPlace OpKind = "update"
	OpReplace       OpKind = "replace"
	OpDestroy       OpKind = "destroy"
	OpNoOp          OpKind = "no-op"
)

// Symbol returns the one-column marker used in rendered plans.
func (k OpKind) Symbol() string {
	switch k {
	case OpCreate:
		return "+"
	case OpUpdateInPlace:
		return "~"
	case OpReplace:
		return "-/+"
	case OpDestroy:
		return "-"
	default:
		return " "
	}
}

// Mutates reports whether the operation calls the provisioner.
func (k OpKind) Mutates() bool {
	return k != OpNoOp
}

// Operation is one planned change.
type Operation struct {
	Kind         OpKind
	ResourceID   string
	ResourceKind iac.ResourceKind
	Widget       string
	// Node is the desired node. Nil for Destroy.
	Node *iac.ResourceNode
	// Prior is the recorded state. Nil for Create.
	Prior *state.Record
	// Desired holds Node's attributes with references resolved as far as the
	// recorded state allows.
	Desired         map[string]any
	Changed         []string
	ReplaceTriggers []string
	// Interim marks a step that frees a listener priority for another rule.
	// The same resource has a later operation that completes its change.
	Interim bool
}

// Dependencies returns the resource IDs this operation is ordered after:
// the node's dependencies, or the recorded ones for a Destroy.
func (op *Operation) Dependencies() []string {
	if op.Node != nil {
		return op.Node.Dependencies()
	}
	if op.Prior != nil {
		return append([]string(nil), op.Prior.DependsOn...)
	}
	return nil
}

// Summary counts operations by kind.
type Summary struct {
	Create  int `json:"create"`
	Update  int `json:"update"`
	Replace int `json:"replace"`
	Destroy int `json:"destroy"`
	NoOp    int `json:"no_op"`
}

// Changes returns the number of mutating operations.
func (s Summary) Changes() int {
	return s.Create + s.Update + s.Replace + s.Destroy
}

// Plan is the ordered operation list.
type Plan struct {
	Operations []*Operation
}

// Summary counts the plan's operations. Interim steps are not counted.
func (p *Plan) Summary() Summary {
	var s Summary
	for _, op := range p.Operations {
		if op.Interim {
			continue
		}
		switch op.Kind {
		case OpCreate:
			s.Create++
		case OpUpdateInPlace:
			s.Update++
		case OpReplace:
			s.Replace++
		case OpDestroy:
			s.Destroy++
		case OpNoOp:
			s.NoOp++
		}
	}
	return s
}

// Changes returns the mutating operations in plan order.
func (p *Plan) Changes() []*Operation {
	out := make([]*Operation, 0, len(p.Operations))
	for _, op := range p.Operations {
		if op.Kind.Mutates() {
			out = append(out, op)
		}
	}
	return out
}

// Empty reports whether the plan makes no changes.
func (p *Plan) Empty() bool {
	return p.Summary().Changes() == 0
}
