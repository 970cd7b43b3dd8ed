package gates

import (
	"fmt"

	"github.com/gammazero/toposort"

	"github.com/sibylhq/sibyl-core/pkg/types"
)

// OrderGates arranges kinds into an execution order honoring deps, a
// project's declared "must run after" relation between gate kinds
// (e.g. security should only run once test has passed). Gate kinds
// untouched by any declared dependency come first, in their original
// relative order, followed by the dependency-ordered kinds.
//
// A TaskOrchestrator's gate_config (spec §4.5) is ordinarily already a
// flat ordered list; deps lets a project additionally pin a gate behind
// another without having to hand-order the whole list.
func OrderGates(kinds []types.GateKind, deps map[types.GateKind][]types.GateKind) ([]types.GateKind, error) {
	if len(kinds) == 0 {
		return nil, nil
	}

	present := make(map[types.GateKind]bool, len(kinds))
	for _, k := range kinds {
		present[k] = true
	}

	var edges []toposort.Edge
	for gate, after := range deps {
		if !present[gate] {
			continue
		}
		for _, dep := range after {
			if present[dep] {
				edges = append(edges, toposort.Edge{dep, gate})
			}
		}
	}

	if len(edges) == 0 {
		out := make([]types.GateKind, len(kinds))
		copy(out, kinds)
		return out, nil
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("cyclic gate dependency: %w", err)
	}

	inSorted := make(map[types.GateKind]bool, len(sorted))
	out := make([]types.GateKind, 0, len(kinds))
	for _, node := range sorted {
		gate := node.(types.GateKind)
		inSorted[gate] = true
		out = append(out, gate)
	}
	// Prepend kinds untouched by any dependency edge, preserving their
	// original relative order.
	var roots []types.GateKind
	for _, k := range kinds {
		if !inSorted[k] {
			roots = append(roots, k)
		}
	}
	return append(roots, out...), nil
}
