package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"slugger-infra/db/state"
	"slugger-infra/decision/iac"
	"slugger-infra/decision/plan"
	"slugger-infra/decision/routing"
	"slugger-infra/decision/widget"
)

// Describer reads the live attributes of a recorded resource. ok is false
// when the resource no longer exists.
type Describer interface {
	Describe(ctx context.Context, rec *state.Record) (attrs map[string]any, ok bool, err error)
}

// VerifyLive checks the tag and routing policies against what was applied
// rather than what is desired. With a describer, tags and attributes are read
// from the provider, missing resources and drifted attributes are reported as
// warnings. A nil describer checks recorded attributes only.
func (e *Engine) VerifyLive(ctx context.Context, specs []widget.Spec, records state.Records, describer Describer) (*EvaluationResult, error) {
	live := make(map[string]map[string]any, len(records))
	missing := make([]string, 0)
	if describer != nil {
		for _, id := range records.IDs() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			attrs, ok, err := describer.Describe(ctx, records[id])
			if err != nil {
				return nil, fmt.Errorf("describe %s: %w", id, err)
			}
			if !ok {
				missing = append(missing, id)
				continue
			}
			live[id] = attrs
		}
	}

	current := func(id string) map[string]any {
		if attrs, ok := live[id]; ok {
			return attrs
		}
		return records[id].LastKnownAttributes
	}

	result := newResult()
	e.run(result, func(p Policy) {
		switch p.Type {
		case PolicyTypeTagConsistency:
			resources := make([]taggedResource, 0, len(records))
			for _, id := range records.IDs() {
				rec := records[id]
				if !iac.SchemaFor(rec.Kind).Taggable {
					continue
				}
				resources = append(resources, taggedResource{
					ResourceID: id,
					Widget:     rec.Widget,
					Tags:       TagsOf(current(id)[iac.AttrTags]),
				})
			}
			e.reportTags(result, p, checkTagSets(resources, specs))
		case PolicyTypeRoutingCollision:
			e.reportRouting(result, p, CheckRouting(tableFromRecords(records, current)))
		case PolicyTypeResourcePresence:
			for _, id := range missing {
				result.violate(p, id, fmt.Sprintf("%s (%s) is recorded but does not exist", id, records[id].RemoteIdentity))
			}
		case PolicyTypeAttributeDrift:
			for _, id := range records.IDs() {
				attrs, ok := live[id]
				if !ok {
					continue
				}
				for _, key := range drifted(records[id].LastKnownAttributes, attrs) {
					result.violate(p, id, fmt.Sprintf("%s: %s drifted from its applied value", id, key))
				}
			}
		}
	})
	return result, nil
}

// drifted lists the recorded keys whose live value differs. Keys the
// provider does not report are not compared.
func drifted(recorded, live map[string]any) []string {
	var out []string
	for _, key := range widget.SortedKeys(recorded) {
		lv, ok := live[key]
		if !ok {
			continue
		}
		if !plan.Equal(recorded[key], lv) {
			out = append(out, key)
		}
	}
	return out
}

// tableFromRecords rebuilds the routing table from listener rule records, in
// widget order.
func tableFromRecords(records state.Records, attrs func(string) map[string]any) *routing.Table {
	table := &routing.Table{}
	for _, id := range records.IDs() {
		rec := records[id]
		if rec.Kind != iac.KindListenerRule {
			continue
		}
		a := attrs(id)
		if table.ListenerARN == "" {
			table.ListenerARN, _ = a[iac.AttrListenerARN].(string)
		}
		table.Assignments = append(table.Assignments, routing.Assignment{
			WidgetName:   rec.Widget,
			Priority:     intOf(a[iac.AttrPriority]),
			PathPatterns: stringsOf(a[iac.AttrPathPatterns]),
		})
	}
	return table
}

func intOf(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}

func stringsOf(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return nil
	}
}
