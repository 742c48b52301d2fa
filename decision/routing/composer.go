// Package routing assigns load balancer listener-rule priorities and path
// patterns to widgets.
package routing

import (
	"sort"

	"slugger-infra/decision/widget"
	rerrors "slugger-infra/pkg/errors"
)

// Default priority band: 100, 200, 300, ... up to the ALB maximum.
const (
	DefaultBandStart   = 100
	DefaultBandStep    = 100
	DefaultBandCeiling = 50000
)

// Band is the reserved range automatic priorities are drawn from.
type Band struct {
	Start   int
	Step    int
	Ceiling int
}

// DefaultBand returns the documented band.
func DefaultBand() Band {
	return Band{Start: DefaultBandStart, Step: DefaultBandStep, Ceiling: DefaultBandCeiling}
}

// BandFrom builds a band from configuration, taking defaults for zero fields.
func BandFrom(cfg widget.PriorityBand) Band {
	b := DefaultBand()
	if cfg.Start > 0 {
		b.Start = cfg.Start
	}
	if cfg.Step > 0 {
		b.Step = cfg.Step
	}
	if cfg.Ceiling > 0 {
		b.Ceiling = cfg.Ceiling
	}
	return b
}

// Assignment is the listener rule a widget receives.
type Assignment struct {
	WidgetName   string   `json:"widget_name"`
	Priority     int      `json:"priority"`
	PathPatterns []string `json:"path_patterns"`
	Explicit     bool     `json:"explicit"`
}

// Table is the composed routing table for one listener, in registration order.
type Table struct {
	ListenerARN string       `json:"listener_arn"`
	Assignments []Assignment `json:"assignments"`
}

// Lookup returns the assignment of a widget.
func (t *Table) Lookup(widgetName string) (Assignment, bool) {
	for _, a := range t.Assignments {
		if a.WidgetName == widgetName {
			return a, true
		}
	}
	return Assignment{}, false
}

// ByPriority returns the assignments ordered by priority, ties by widget name.
func (t *Table) ByPriority() []Assignment {
	out := append([]Assignment(nil), t.Assignments...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].WidgetName < out[j].WidgetName
	})
	return out
}

// Compose assigns priorities to the registry. Explicit priorities are honored
// as given; every other widget takes the lowest unused band slot in
// registration order. Collisions between explicit priorities are left for the
// validator to report.
func Compose(registry []widget.Spec, band Band, listenerARN string) (*Table, error) {
	if band.Step <= 0 {
		band.Step = DefaultBandStep
	}
	used := make(map[int]bool, len(registry))
	for _, spec := range registry {
		if spec.Priority != nil {
			used[*spec.Priority] = true
		}
	}

	table := &Table{
		ListenerARN: listenerARN,
		Assignments: make([]Assignment, 0, len(registry)),
	}
	next := band.Start
	for _, spec := range registry {
		a := Assignment{
			WidgetName:   spec.Name,
			PathPatterns: spec.PathPatterns(),
		}
		if spec.Priority != nil {
			a.Priority = *spec.Priority
			a.Explicit = true
		} else {
			for next <= band.Ceiling && used[next] {
				next += band.Step
			}
			if next > band.Ceiling {
				return nil, &rerrors.PriorityExhaustedError{WidgetName: spec.Name, Ceiling: band.Ceiling}
			}
			a.Priority = next
			used[next] = true
		}
		table.Assignments = append(table.Assignments, a)
	}
	return table, nil
}
