package plan

import (
	"maps"
	"slices"

	"github.com/shopspring/decimal"

	"slugger-infra/decision/iac"
)

// maxListenerPriority is the highest rule priority a listener accepts.
const maxListenerPriority = 50000

// slot is one priority of one listener. A listener holds at most one rule
// per slot.
type slot struct {
	listener string
	priority int64
}

func ruleSlot(attrs map[string]any) (slot, bool) {
	n, ok := Normalize(attrs[iac.AttrPriority]).(numberValue)
	if !ok {
		return slot{}, false
	}
	listener, ok := attrs[iac.AttrListenerARN].(string)
	if !ok || listener == "" {
		return slot{}, false
	}
	return slot{listener: listener, priority: decimal.Decimal(n).IntPart()}, true
}

// claim returns the slot a listener rule operation takes on the provider.
// Operations that leave the rule where it is claim nothing.
func claim(op *Operation) (slot, bool) {
	if op.ResourceKind != iac.KindListenerRule || op.Node == nil {
		return slot{}, false
	}
	switch op.Kind {
	case OpCreate, OpReplace:
	case OpUpdateInPlace:
		if !slices.Contains(op.Changed, iac.AttrPriority) {
			return slot{}, false
		}
	default:
		return slot{}, false
	}
	return ruleSlot(op.Desired)
}

// orderPriorityClaims moves listener rule operations that take a priority
// behind the operation releasing it. When claims form a cycle, such as two
// rules swapping priorities, one holder is first parked on a free priority.
// Listener rules have no dependents, so moving them later keeps dependency
// order.
func orderPriorityClaims(ops []*Operation) []*Operation {
	var movers []*Operation
	holders := make(map[slot]*Operation)
	for _, op := range ops {
		if _, ok := claim(op); !ok {
			continue
		}
		movers = append(movers, op)
		if op.Prior != nil {
			if s, ok := ruleSlot(op.Prior.LastKnownAttributes); ok {
				holders[s] = op
			}
		}
	}

	released := make(map[*Operation]bool)
	blocker := func(op *Operation) *Operation {
		s, _ := claim(op)
		h := holders[s]
		if h == nil || h == op || released[h] {
			return nil
		}
		return h
	}
	if !slices.ContainsFunc(movers, func(op *Operation) bool { return blocker(op) != nil }) {
		return ops
	}

	used := usedSlots(ops)
	out := make([]*Operation, 0, len(ops)+1)
	for _, op := range ops {
		if !slices.Contains(movers, op) {
			out = append(out, op)
		}
	}

	pending := movers
	for len(pending) > 0 {
		next := slices.IndexFunc(pending, func(op *Operation) bool { return blocker(op) == nil })
		if next >= 0 {
			op := pending[next]
			pending = slices.Delete(pending, next, next+1)
			released[op] = true
			out = append(out, op)
			continue
		}

		// Every remaining claim waits on another rule.
		holder := parkCandidate(pending, blocker)
		interim, ok := park(holder, used)
		if !ok {
			// No free priority on the listener. Keep plan order and let the
			// provider report the conflict.
			return append(out, pending...)
		}
		released[holder] = true
		out = append(out, interim)
	}
	return out
}

// parkCandidate picks the holder to move aside, preferring an in-place update
// over a replacement.
func parkCandidate(pending []*Operation, blocker func(*Operation) *Operation) *Operation {
	var first *Operation
	for _, op := range pending {
		h := blocker(op)
		if h == nil {
			continue
		}
		if h.Kind == OpUpdateInPlace {
			return h
		}
		if first == nil {
			first = h
		}
	}
	return first
}

// park returns the interim operation that releases holder's recorded slot.
// An update moves the rule to a free priority. A replacement is split: the
// old rule is destroyed now and holder becomes a plain create.
func park(holder *Operation, used map[slot]bool) (*Operation, bool) {
	if holder.Kind == OpReplace {
		interim := &Operation{
			Kind:         OpDestroy,
			ResourceID:   holder.ResourceID,
			ResourceKind: holder.ResourceKind,
			Widget:       holder.Widget,
			Prior:        holder.Prior,
			Interim:      true,
		}
		holder.Kind = OpCreate
		holder.Prior = nil
		holder.Changed = nil
		holder.ReplaceTriggers = nil
		return interim, true
	}

	recorded, ok := ruleSlot(holder.Prior.LastKnownAttributes)
	if !ok {
		return nil, false
	}
	free, ok := freeSlot(recorded.listener, used)
	if !ok {
		return nil, false
	}
	used[free] = true

	node := *holder.Node
	node.Attributes = maps.Clone(holder.Node.Attributes)
	node.Attributes[iac.AttrPriority] = int(free.priority)
	node.SharedKeys = iac.SharedKeys(node.Kind, node.Attributes)
	desired := maps.Clone(holder.Desired)
	desired[iac.AttrPriority] = int(free.priority)

	return &Operation{
		Kind:         OpUpdateInPlace,
		ResourceID:   holder.ResourceID,
		ResourceKind: holder.ResourceKind,
		Widget:       holder.Widget,
		Node:         &node,
		Prior:        holder.Prior,
		Desired:      desired,
		Changed:      []string{iac.AttrPriority},
		Interim:      true,
	}, true
}

// usedSlots returns every slot a listener rule holds now or after the plan.
func usedSlots(ops []*Operation) map[slot]bool {
	used := make(map[slot]bool)
	for _, op := range ops {
		if op.ResourceKind != iac.KindListenerRule {
			continue
		}
		if op.Prior != nil {
			if s, ok := ruleSlot(op.Prior.LastKnownAttributes); ok {
				used[s] = true
			}
		}
		if op.Desired != nil {
			if s, ok := ruleSlot(op.Desired); ok {
				used[s] = true
			}
		}
	}
	return used
}

// freeSlot returns the highest priority of the listener nothing uses.
func freeSlot(listener string, used map[slot]bool) (slot, bool) {
	for p := int64(maxListenerPriority); p > 0; p-- {
		s := slot{listener: listener, priority: p}
		if !used[s] {
			return s, true
		}
	}
	return slot{}, false
}
