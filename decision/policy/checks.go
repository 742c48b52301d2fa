package policy

import (
	"fmt"
	"sort"

	"slugger-infra/decision/iac"
	"slugger-infra/decision/routing"
	"slugger-infra/decision/widget"
	rerrors "slugger-infra/pkg/errors"
)

// =============================================================================
// TAG CONSISTENCY
// =============================================================================

// taggedResource is one taggable resource and its realized tags, taken from
// either the desired graph or recorded state.
type taggedResource struct {
	ResourceID string
	Widget     string
	Tags       map[string]string
}

// CheckTags returns a violation for every taggable node of the graph whose
// tags lack a mandated key or carry a value other than the widget's. Nodes of
// widgets missing from specs are checked against the defaults their name
// implies.
func CheckTags(graph *iac.Graph, specs []widget.Spec) []rerrors.TagViolation {
	resources := make([]taggedResource, 0, graph.Len())
	for _, id := range graph.IDs() {
		n, _ := graph.Node(id)
		if !iac.SchemaFor(n.Kind).Taggable {
			continue
		}
		resources = append(resources, taggedResource{
			ResourceID: n.ID,
			Widget:     n.Widget,
			Tags:       TagsOf(n.Attributes[iac.AttrTags]),
		})
	}
	return checkTagSets(resources, specs)
}

func checkTagSets(resources []taggedResource, specs []widget.Spec) []rerrors.TagViolation {
	index := widget.Index(specs)
	violations := make([]rerrors.TagViolation, 0)
	for _, r := range resources {
		spec, ok := index[r.Widget]
		if !ok {
			spec = widget.Spec{Name: r.Widget}
		}
		expected := spec.MandatedTags()

		v := rerrors.TagViolation{ResourceID: r.ResourceID, Expected: expected}
		for _, key := range widget.MandatedTagKeys {
			actual, present := r.Tags[key]
			switch {
			case !present:
				v.Missing = append(v.Missing, key)
			case actual != expected[key]:
				if v.Incorrect == nil {
					v.Incorrect = make(map[string]string)
				}
				v.Incorrect[key] = actual
			}
		}
		if len(v.Missing) > 0 || len(v.Incorrect) > 0 {
			violations = append(violations, v)
		}
	}
	sort.Slice(violations, func(i, j int) bool { return violations[i].ResourceID < violations[j].ResourceID })
	return violations
}

// TagsOf reads a tag attribute as stored in a node or in decoded state.
func TagsOf(v any) map[string]string {
	switch tags := v.(type) {
	case map[string]string:
		return tags
	case map[string]any:
		out := make(map[string]string, len(tags))
		for k, val := range tags {
			out[k] = fmt.Sprint(val)
		}
		return out
	default:
		return map[string]string{}
	}
}

// =============================================================================
// ROUTING NON-COLLISION
// =============================================================================

// CheckRouting returns every pair of widgets on the table's listener whose
// priorities are equal or whose path patterns can match a common path.
func CheckRouting(table *routing.Table) []rerrors.RoutingCollision {
	assignments := table.ByPriority()
	collisions := make([]rerrors.RoutingCollision, 0)
	for i := 0; i < len(assignments); i++ {
		for j := i + 1; j < len(assignments); j++ {
			a, b := assignments[i], assignments[j]
			pair := [2]string{a.WidgetName, b.WidgetName}
			if pair[1] < pair[0] {
				pair[0], pair[1] = pair[1], pair[0]
			}
			if a.Priority == b.Priority {
				collisions = append(collisions, rerrors.RoutingCollision{
					Widgets:    pair,
					ResourceID: iac.Address(iac.KindListenerRule, b.WidgetName),
					Priority:   a.Priority,
				})
			}
			if overlaps := overlappingPatterns(a.PathPatterns, b.PathPatterns); len(overlaps) > 0 {
				collisions = append(collisions, rerrors.RoutingCollision{
					Widgets:    pair,
					ResourceID: iac.Address(iac.KindListenerRule, b.WidgetName),
					Patterns:   overlaps,
				})
			}
		}
	}
	return collisions
}

func overlappingPatterns(a, b []string) []string {
	var out []string
	for _, pa := range a {
		for _, pb := range b {
			if PatternsOverlap(pa, pb) {
				out = append(out, pa, pb)
			}
		}
	}
	return out
}

// PatternsOverlap reports whether some path matches both listener path
// patterns, where '*' matches any run of characters and '?' exactly one.
func PatternsOverlap(a, b string) bool {
	memo := make(map[[2]int]bool)
	seen := make(map[[2]int]bool)
	var match func(i, j int) bool
	match = func(i, j int) bool {
		key := [2]int{i, j}
		if seen[key] {
			return memo[key]
		}
		seen[key] = true

		var ok bool
		switch {
		case i == len(a) && j == len(b):
			ok = true
		case i < len(a) && a[i] == '*':
			ok = match(i+1, j) || (j < len(b) && match(i, j+1))
		case j < len(b) && b[j] == '*':
			ok = match(i, j+1) || (i < len(a) && match(i+1, j))
		case i < len(a) && j < len(b):
			ok = (a[i] == b[j] || a[i] == '?' || b[j] == '?') && match(i+1, j+1)
		}
		memo[key] = ok
		return ok
	}
	return match(0, 0)
}
