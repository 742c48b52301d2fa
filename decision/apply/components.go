package apply

import (
	"sort"

	"slugger-infra/decision/iac"
	"slugger-infra/decision/plan"
)

// components partitions mutating operations into groups that share neither a
// dependency edge nor an exclusive external resource. Each group keeps plan
// order; groups are ordered by their first operation.
func components(ops []*plan.Operation) [][]*plan.Operation {
	uf := newUnionFind()
	for _, op := range ops {
		uf.add(op.ResourceID)
		for _, dep := range op.Dependencies() {
			uf.union(op.ResourceID, dep)
		}
		for _, key := range sharedKeys(op) {
			uf.union(op.ResourceID, "shared:"+key)
		}
	}

	byRoot := make(map[string][]*plan.Operation)
	first := make(map[string]int)
	for i, op := range ops {
		root := uf.find(op.ResourceID)
		if _, seen := first[root]; !seen {
			first[root] = i
		}
		byRoot[root] = append(byRoot[root], op)
	}

	roots := make([]string, 0, len(byRoot))
	for root := range byRoot {
		roots = append(roots, root)
	}
	sort.Slice(roots, func(i, j int) bool { return first[roots[i]] < first[roots[j]] })

	out := make([][]*plan.Operation, 0, len(roots))
	for _, root := range roots {
		out = append(out, byRoot[root])
	}
	return out
}

// sharedKeys returns the exclusive resources an operation touches: the
// desired ones and, when replacing or destroying, the recorded ones.
func sharedKeys(op *plan.Operation) []string {
	var keys []string
	if op.Node != nil {
		keys = append(keys, op.Node.SharedKeys...)
	}
	if op.Prior != nil {
		keys = append(keys, iac.SharedKeys(op.Prior.Kind, op.Prior.LastKnownAttributes)...)
	}
	return keys
}

type unionFind struct {
	parent map[string]string
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[string]string)}
}

func (u *unionFind) add(x string) {
	if _, ok := u.parent[x]; !ok {
		u.parent[x] = x
	}
}

func (u *unionFind) find(x string) string {
	u.add(x)
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	// Smaller root wins so the partition does not depend on insertion order.
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
}
