package rules

import (
	"context"
	"fmt"

	"github.com/reworkshop/workflow-engine/storage"
	"github.com/reworkshop/workflow-engine/types"
)

// Transitions resolves the next allowed status from the configured
// prerequisite edges. Edges are tried in ascending priority order (ties broken
// by edge ID) and the first active edge whose guard holds wins.
type Transitions struct {
	storage   storage.Storage
	evaluator Evaluator
}

// NewTransitions creates a Transitions resolver. The evaluator may be nil, in
// which case edges carrying a guard expression are skipped.
func NewTransitions(store storage.Storage, evaluator Evaluator) *Transitions {
	return &Transitions{storage: store, evaluator: evaluator}
}

// NextStatus returns the first matching edge out of currentStatus for the
// entity type. env carries the instance attributes guard expressions may
// reference. The second return value reports whether an edge was found;
// a terminal or unconfigured status yields (zero, false, nil).
func (t *Transitions) NextStatus(ctx context.Context, currentStatus, entityType string, env map[string]interface{}) (types.StatusPrerequisite, bool, error) {
	select {
	case <-ctx.Done():
		return types.StatusPrerequisite{}, false, ctx.Err()
	default:
	}

	edges, err := t.storage.FindEdges(ctx, currentStatus, entityType)
	if err != nil {
		return types.StatusPrerequisite{}, false, fmt.Errorf("failed to look up edges from %s: %w", currentStatus, err)
	}

	for _, edge := range edges {
		if !edge.IsActive {
			continue
		}
		if edge.Condition != "" {
			if t.evaluator == nil {
				continue
			}
			ok, err := t.evaluator.Evaluate(edge.Condition, env)
			if err != nil {
				return types.StatusPrerequisite{}, false, fmt.Errorf("failed to evaluate condition '%s' on edge %d: %w", edge.Condition, edge.ID, err)
			}
			if !ok {
				continue
			}
		}
		return edge, true, nil
	}
	return types.StatusPrerequisite{}, false, nil
}
