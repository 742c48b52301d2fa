package plan

import (
	"encoding/json"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"

	"slugger-infra/db/state"
	"slugger-infra/decision/iac"
)

// Diff classifies every desired node and every orphaned record. Orphan
// destroys come first, dependents before their dependencies; the remaining
// operations follow the graph's topological order, except that a listener
// rule taking another rule's priority waits until that rule has moved.
// Records are read, never modified.
func Diff(graph *iac.Graph, records state.Records) (*Plan, error) {
	seq, err := graph.Topological()
	if err != nil {
		return nil, err
	}

	p := &Plan{Operations: destroyOrphans(graph, records)}

	// Identities that will change during apply cannot be resolved yet.
	pending := mapset.NewThreadUnsafeSet[string]()
	lookup := func(id string) (string, bool) {
		if pending.Contains(id) {
			return "", false
		}
		return records.Identity(id)
	}

	for node := range seq {
		op := classify(node, records[node.ID], lookup)
		if op.Kind == OpCreate || op.Kind == OpReplace {
			pending.Add(node.ID)
		}
		p.Operations = append(p.Operations, op)
	}
	p.Operations = orderPriorityClaims(p.Operations)
	return p, nil
}

func classify(node *iac.ResourceNode, prior *state.Record, lookup func(string) (string, bool)) *Operation {
	op := &Operation{
		ResourceID:   node.ID,
		ResourceKind: node.Kind,
		Widget:       node.Widget,
		Node:         node,
		Prior:        prior,
		Desired:      iac.Resolve(node.Attributes, lookup),
	}
	if prior == nil || prior.RemoteIdentity == "" {
		op.Kind = OpCreate
		return op
	}

	schema := iac.SchemaFor(node.Kind)
	op.Changed = ChangedAttributes(op.Desired, prior.LastKnownAttributes)
	for _, attr := range op.Changed {
		if schema.IsImmutable(attr) {
			op.ReplaceTriggers = append(op.ReplaceTriggers, attr)
		}
	}
	switch {
	case len(op.ReplaceTriggers) > 0:
		op.Kind = OpReplace
	case len(op.Changed) > 0:
		op.Kind = OpUpdateInPlace
	default:
		op.Kind = OpNoOp
	}
	return op
}

// destroyOrphans returns Destroy operations for records with no desired
// node. A record is emitted once no other orphan still depends on it.
func destroyOrphans(graph *iac.Graph, records state.Records) []*Operation {
	orphans := make(map[string]*state.Record)
	for id, rec := range records {
		if _, ok := graph.Node(id); !ok {
			orphans[id] = rec
		}
	}
	if len(orphans) == 0 {
		return nil
	}

	dependents := make(map[string]int, len(orphans))
	for _, rec := range orphans {
		for _, dep := range uniq(rec.DependsOn) {
			if _, ok := orphans[dep]; ok && dep != rec.ResourceID {
				dependents[dep]++
			}
		}
	}

	ready := make([]string, 0)
	for id := range orphans {
		if dependents[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	ops := make([]*Operation, 0, len(orphans))
	emitted := make(map[string]bool, len(orphans))
	for len(ops) < len(orphans) {
		if len(ready) == 0 {
			// Recorded dependencies form a cycle. Break it by ID.
			for _, id := range sortedKeys(orphans) {
				if !emitted[id] {
					ready = append(ready, id)
					break
				}
			}
		}
		id := ready[0]
		ready = ready[1:]
		if emitted[id] {
			continue
		}
		emitted[id] = true
		rec := orphans[id]
		ops = append(ops, &Operation{
			Kind:         OpDestroy,
			ResourceID:   id,
			ResourceKind: rec.Kind,
			Widget:       rec.Widget,
			Prior:        rec,
		})
		for _, dep := range uniq(rec.DependsOn) {
			if _, ok := orphans[dep]; !ok || dep == id || emitted[dep] {
				continue
			}
			dependents[dep]--
			if dependents[dep] == 0 {
				i := sort.SearchStrings(ready, dep)
				ready = append(ready, "")
				copy(ready[i+1:], ready[i:])
				ready[i] = dep
			}
		}
	}
	return ops
}

// ChangedAttributes returns, sorted, the keys whose normalized values differ
// between desired and recorded attributes. A missing key equals an empty
// value.
func ChangedAttributes(desired, recorded map[string]any) []string {
	keys := make(map[string]bool, len(desired)+len(recorded))
	for k := range desired {
		keys[k] = true
	}
	for k := range recorded {
		keys[k] = true
	}
	changed := make([]string, 0)
	for k := range keys {
		if !Equal(desired[k], recorded[k]) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// Equal compares two attribute values after normalization: numbers compare
// by decimal value whatever their Go type, and empty collections equal nil.
// The unknown marker never equals anything.
func Equal(a, b any) bool {
	if iac.ContainsUnknown(a) || iac.ContainsUnknown(b) {
		return false
	}
	return cmp.Equal(Normalize(a), Normalize(b))
}

// Normalize converts an attribute value to a canonical form made of strings,
// bools, decimal numbers, []any and map[string]any.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string, bool:
		return val
	case json.Number:
		return number(decimal.NewFromString(val.String()))
	case decimal.Decimal:
		return numberValue(val)
	case int:
		return numberValue(decimal.NewFromInt(int64(val)))
	case int32:
		return numberValue(decimal.NewFromInt32(val))
	case int64:
		return numberValue(decimal.NewFromInt(val))
	case float32:
		return numberValue(decimal.NewFromFloat32(val))
	case float64:
		return numberValue(decimal.NewFromFloat(val))
	case []string:
		if len(val) == 0 {
			return nil
		}
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case []any:
		if len(val) == 0 {
			return nil
		}
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	case map[string]string:
		if len(val) == 0 {
			return nil
		}
		out := make(map[string]any, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	case map[string]any:
		if len(val) == 0 {
			return nil
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out
	default:
		return fmt.Sprintf("%v", val)
	}
}

// numberValue tags canonical numbers so "512" the string and 512 the number
// stay distinct.
type numberValue decimal.Decimal

func (n numberValue) Equal(o numberValue) bool {
	return decimal.Decimal(n).Equal(decimal.Decimal(o))
}

func number(d decimal.Decimal, err error) any {
	if err != nil {
		return nil
	}
	return numberValue(d)
}

func uniq(ids []string) []string {
	return mapset.NewThreadUnsafeSet(ids...).ToSlice()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
