package plan

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"slugger-infra/decision/iac"
)

// OperationView is the serializable form of an operation.
type OperationView struct {
	Action          OpKind           `json:"action"`
	ResourceID      string           `json:"resource_id"`
	Kind            iac.ResourceKind `json:"kind"`
	Widget          string           `json:"widget"`
	Name            string           `json:"name,omitempty"`
	PriorIdentity   string           `json:"prior_identity,omitempty"`
	Changed         []string         `json:"changed,omitempty"`
	ReplaceTriggers []string         `json:"replace_triggers,omitempty"`
	DependsOn       []string         `json:"depends_on,omitempty"`
	Interim         bool             `json:"interim,omitempty"`
}

// View is the serializable form of a plan.
type View struct {
	Summary    Summary         `json:"summary"`
	Operations []OperationView `json:"operations"`
}

// View converts the plan for JSON output and the HTTP API.
func (p *Plan) View() View {
	v := View{Summary: p.Summary(), Operations: make([]OperationView, 0, len(p.Operations))}
	for _, op := range p.Operations {
		ov := OperationView{
			Action:          op.Kind,
			ResourceID:      op.ResourceID,
			Kind:            op.ResourceKind,
			Widget:          op.Widget,
			Changed:         op.Changed,
			ReplaceTriggers: op.ReplaceTriggers,
			DependsOn:       op.Dependencies(),
			Interim:         op.Interim,
		}
		if op.Node != nil {
			ov.Name = op.Node.Name
		}
		if op.Prior != nil {
			ov.PriorIdentity = op.Prior.RemoteIdentity
		}
		v.Operations = append(v.Operations, ov)
	}
	return v
}

// WriteJSON writes the plan as indented JSON.
func (p *Plan) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(p.View())
}

// WriteText writes a human-readable plan. NoOps are listed only when verbose.
func (p *Plan) WriteText(w io.Writer, verbose bool) error {
	var b strings.Builder
	for _, op := range p.Operations {
		if op.Kind == OpNoOp && !verbose {
			continue
		}
		fmt.Fprintf(&b, "  %-3s %s", op.Kind.Symbol(), op.ResourceID)
		switch op.Kind {
		case OpCreate:
			if op.Node != nil {
				fmt.Fprintf(&b, " (%s)", op.Node.Name)
			}
		case OpUpdateInPlace:
			fmt.Fprintf(&b, " [%s]", strings.Join(op.Changed, ", "))
			if op.Interim {
				fmt.Fprintf(&b, " (interim %s %v)", iac.AttrPriority, op.Desired[iac.AttrPriority])
			}
		case OpReplace:
			fmt.Fprintf(&b, " [%s] forces replacement", strings.Join(op.ReplaceTriggers, ", "))
		case OpDestroy:
			if op.Prior != nil {
				fmt.Fprintf(&b, " (%s)", op.Prior.RemoteIdentity)
			}
			if op.Interim {
				b.WriteString(" before recreating")
			}
		}
		b.WriteString("\n")
	}

	s := p.Summary()
	if s.Changes() == 0 {
		b.WriteString("No changes. Infrastructure matches the configuration.\n")
	} else {
		fmt.Fprintf(&b, "\nPlan: %d to create, %d to update, %d to replace, %d to destroy, %d unchanged.\n",
			s.Create, s.Update, s.Replace, s.Destroy, s.NoOp)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
