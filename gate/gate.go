package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/reworkshop/workflow-engine/storage"
	"github.com/reworkshop/workflow-engine/types"
)

// Decision is the outcome of evaluating the checklist gate for one instance at
// one step. BlockedBy names every mandatory blocking checklist that has no
// approved response.
type Decision struct {
	Allowed   bool
	BlockedBy []string
}

// Gate decides whether mandatory inspection checklists block a workflow
// instance from advancing past its current step.
type Gate struct {
	storage storage.Storage
}

// New creates a checklist gate over the given storage.
func New(store storage.Storage) *Gate {
	return &Gate{storage: store}
}

// Evaluate collects the active, mandatory requirements for (stepKey, component)
// and checks the instance's responses. Requirements that do not block advance
// are informational only and never contribute block reasons.
func (g *Gate) Evaluate(ctx context.Context, stepKey string, component types.Component, instanceID uint64) (Decision, error) {
	select {
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	default:
	}

	reqs, err := g.storage.FindChecklistRequirements(ctx, stepKey, component)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load checklist requirements for %s/%s: %w", stepKey, component, err)
	}

	var blockedBy []string
	for _, req := range reqs {
		if !req.IsActive || !req.IsMandatory || !req.BlocksWorkflowAdvance {
			continue
		}
		resp, err := g.storage.FindChecklistResponse(ctx, instanceID, req.ID)
		if errors.Is(err, storage.ErrResponseNotFound) {
			blockedBy = append(blockedBy, req.Name)
			continue
		} else if err != nil {
			return Decision{}, fmt.Errorf("failed to load checklist response %d/%d: %w", instanceID, req.ID, err)
		}
		if resp.OverallStatus != types.ChecklistApproved {
			blockedBy = append(blockedBy, req.Name)
		}
	}

	return Decision{Allowed: len(blockedBy) == 0, BlockedBy: blockedBy}, nil
}
