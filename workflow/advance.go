package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/reworkshop/workflow-engine/events"
	"github.com/reworkshop/workflow-engine/types"
)

// Outcome classifies the result of an advance attempt. Soft outcomes are
// expected control-flow branches and are returned as values, never as errors.
type Outcome string

const (
	OutcomeAdvanced         Outcome = "advanced"
	OutcomeBlocked          Outcome = "blocked"
	OutcomeNoNextStatus     Outcome = "no_next_status"
	OutcomeApprovalRequired Outcome = "approval_required"
)

// AdvanceResult reports what an advance attempt did. NextStatus is set for
// OutcomeAdvanced and OutcomeApprovalRequired; BlockedBy names the unmet
// checklists for OutcomeBlocked. Sync carries the result of the post-advance
// order synchronization when one ran.
type AdvanceResult struct {
	Outcome    Outcome
	FromStatus string
	NextStatus string
	BlockedBy  []string
	Sync       *SyncResult
}

// CompleteAndAdvance completes the instance's current step and moves it to the
// next configured status. The checklist gate is consulted first; a blocked or
// approval-gated attempt mutates nothing. A successful transition clears the
// stage timestamps, writes one history entry, triggers the technical report
// for the completed step (failures are published and swallowed), and then asks
// the synchronizer whether the order's sibling components should bulk-advance
// from the previous status.
func (e *Engine) CompleteAndAdvance(ctx context.Context, instanceID uint64, actor string) (AdvanceResult, error) {
	result, orderID, pivot, err := e.advanceLocked(ctx, instanceID, actor, false)
	if err != nil || result.Outcome != OutcomeAdvanced {
		return result, err
	}

	sync, err := e.SyncOrder(ctx, orderID, pivot, actor)
	if err != nil {
		// The instance transition already committed; the order sweep is
		// retryable on its own.
		e.publishEvent(ctx, events.TypeErrorOccurred, instanceID, orderID, map[string]interface{}{
			"error":        fmt.Sprintf("order sync after advance failed: %v", err),
			"pivot_status": pivot,
		})
		return result, nil
	}
	result.Sync = &sync
	return result, nil
}

// ManualApprove resolves an approval_required transition for the instance.
// The checklist gate still applies; the history entry records the approver.
func (e *Engine) ManualApprove(ctx context.Context, instanceID uint64, approver string) (AdvanceResult, error) {
	result, orderID, pivot, err := e.advanceLocked(ctx, instanceID, approver, true)
	if err != nil || result.Outcome != OutcomeAdvanced {
		return result, err
	}

	sync, err := e.SyncOrder(ctx, orderID, pivot, approver)
	if err != nil {
		e.publishEvent(ctx, events.TypeErrorOccurred, instanceID, orderID, map[string]interface{}{
			"error":        fmt.Sprintf("order sync after approval failed: %v", err),
			"pivot_status": pivot,
		})
		return result, nil
	}
	result.Sync = &sync
	return result, nil
}

// advanceLocked runs the gate check, edge resolution and transition under the
// instance lock. It returns the order ID and previous status so the caller can
// run the order synchronizer after the lock is released.
func (e *Engine) advanceLocked(ctx context.Context, instanceID uint64, actor string, approving bool) (AdvanceResult, uint64, string, error) {
	select {
	case <-ctx.Done():
		return AdvanceResult{}, 0, "", ctx.Err()
	default:
	}

	unlock := e.instLocks.lock(instanceID)
	defer unlock()

	inst, err := e.storage.GetInstance(ctx, instanceID)
	if err != nil {
		return AdvanceResult{}, 0, "", err
	}
	pivot := inst.Status

	decision, err := e.gate.Evaluate(ctx, inst.Status, inst.Component, inst.ID)
	if err != nil {
		return AdvanceResult{}, 0, "", err
	}
	if !decision.Allowed {
		e.publishEvent(ctx, events.TypeAdvanceBlocked, inst.ID, inst.OrderID, map[string]interface{}{
			"status":     inst.Status,
			"blocked_by": decision.BlockedBy,
		})
		return AdvanceResult{Outcome: OutcomeBlocked, FromStatus: pivot, BlockedBy: decision.BlockedBy}, 0, "", nil
	}

	edge, found, err := e.transitions.NextStatus(ctx, inst.Status, types.EntityTypeComponent, edgeEnv(inst))
	if err != nil {
		return AdvanceResult{}, 0, "", err
	}
	if !found {
		// Terminal or unconfigured status: record the step as done and wait.
		if inst.StartedAt != 0 && inst.CompletedAt == 0 {
			inst.CompletedAt = time.Now().UnixMilli()
			inst.UpdatedAt = inst.CompletedAt
			if err := e.storage.SaveInstance(ctx, inst); err != nil {
				return AdvanceResult{}, 0, "", fmt.Errorf("failed to save instance %d: %w", instanceID, err)
			}
		}
		return AdvanceResult{Outcome: OutcomeNoNextStatus, FromStatus: pivot}, 0, "", nil
	}

	if edge.TransitionType == types.TransitionApprovalRequired && !approving {
		e.publishEvent(ctx, events.TypeApprovalRequired, inst.ID, inst.OrderID, map[string]interface{}{
			"from_status": edge.FromStatus,
			"to_status":   edge.ToStatus,
		})
		return AdvanceResult{Outcome: OutcomeApprovalRequired, FromStatus: pivot, NextStatus: edge.ToStatus}, 0, "", nil
	}
	if approving && edge.TransitionType != types.TransitionApprovalRequired {
		return AdvanceResult{}, 0, "", fmt.Errorf("%w: edge %s -> %s is %s", ErrApprovalNotRequired, edge.FromStatus, edge.ToStatus, edge.TransitionType)
	}

	var reason string
	switch {
	case approving:
		reason = fmt.Sprintf("approved transition to %s by %s", edge.ToStatus, actor)
	case edge.TransitionType == types.TransitionAutomatic:
		reason = fmt.Sprintf("automatic transition to %s", edge.ToStatus)
	default:
		reason = fmt.Sprintf("manual transition to %s", edge.ToStatus)
	}

	updated, err := e.applyStatus(ctx, instanceID, edge.ToStatus, reason, actor)
	if err != nil {
		return AdvanceResult{}, 0, "", err
	}

	// The new stage has not been started yet.
	if updated.StartedAt != 0 || updated.CompletedAt != 0 {
		updated.StartedAt = 0
		updated.CompletedAt = 0
		if err := e.storage.SaveInstance(ctx, updated); err != nil {
			return AdvanceResult{}, 0, "", fmt.Errorf("failed to save instance %d: %w", instanceID, err)
		}
	}

	e.maybeGenerateReport(ctx, updated, pivot)

	return AdvanceResult{Outcome: OutcomeAdvanced, FromStatus: pivot, NextStatus: edge.ToStatus}, updated.OrderID, pivot, nil
}
