package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/reworkshop/workflow-engine/events"
	"github.com/reworkshop/workflow-engine/storage"
	"github.com/reworkshop/workflow-engine/types"
)

// SyncOutcome classifies the result of an order synchronization sweep.
type SyncOutcome string

const (
	// SyncSynced means every sibling at the pivot status was bulk-advanced.
	SyncSynced SyncOutcome = "synced"
	// SyncNotReady means at least one sibling has not completed its step, or
	// no outgoing edge is configured; nothing was changed.
	SyncNotReady SyncOutcome = "not_ready"
	// SyncSplitAllowed means the configuration permits components to advance
	// independently; nothing was changed.
	SyncSplitAllowed SyncOutcome = "split_allowed"
)

// SyncResult reports what an order synchronization did.
type SyncResult struct {
	Outcome     SyncOutcome
	PivotStatus string
	NextStatus  string
	Updated     int
}

// SyncOrder bulk-advances every component of the order sitting at pivotStatus
// once all of them have completed the step, but only when neither the pivot
// status nor the candidate next status allows per-component splitting. The
// double check keeps a forced bulk jump out of stages that themselves permit
// independent staging.
//
// The sweep runs under the order lock; sibling writes are sequential and
// best-effort as a set. A write failure aborts the sweep with the count of
// siblings already moved, for retry against the remaining ones.
func (e *Engine) SyncOrder(ctx context.Context, orderID uint64, pivotStatus, actor string) (SyncResult, error) {
	select {
	case <-ctx.Done():
		return SyncResult{}, ctx.Err()
	default:
	}

	unlock := e.orderLocks.lock(orderID)
	defer unlock()

	siblings, err := e.storage.FindSiblings(ctx, orderID, pivotStatus)
	if err != nil {
		return SyncResult{}, fmt.Errorf("failed to load siblings of order %d: %w", orderID, err)
	}
	if len(siblings) == 0 {
		return SyncResult{Outcome: SyncNotReady, PivotStatus: pivotStatus}, nil
	}
	for _, sibling := range siblings {
		if sibling.CompletedAt == 0 {
			return SyncResult{Outcome: SyncNotReady, PivotStatus: pivotStatus}, nil
		}
	}

	split, err := e.allowsSplit(ctx, pivotStatus)
	if err != nil {
		return SyncResult{}, err
	}
	if split {
		return SyncResult{Outcome: SyncSplitAllowed, PivotStatus: pivotStatus}, nil
	}

	edge, found, err := e.transitions.NextStatus(ctx, pivotStatus, types.EntityTypeComponent, edgeEnv(siblings[0]))
	if err != nil {
		return SyncResult{}, err
	}
	if !found {
		return SyncResult{Outcome: SyncNotReady, PivotStatus: pivotStatus}, nil
	}

	nextSplit, err := e.allowsSplit(ctx, edge.ToStatus)
	if err != nil {
		return SyncResult{}, err
	}
	if nextSplit {
		return SyncResult{Outcome: SyncSplitAllowed, PivotStatus: pivotStatus, NextStatus: edge.ToStatus}, nil
	}

	reason := fmt.Sprintf("order sync: bulk transition from %s to %s", pivotStatus, edge.ToStatus)
	updated := 0
	for _, sibling := range siblings {
		release := e.instLocks.lock(sibling.ID)
		_, err := e.applyStatus(ctx, sibling.ID, edge.ToStatus, reason, actor)
		release()
		if err != nil {
			return SyncResult{Outcome: SyncSynced, PivotStatus: pivotStatus, NextStatus: edge.ToStatus, Updated: updated},
				fmt.Errorf("order %d sync stopped after %d of %d siblings: %w", orderID, updated, len(siblings), err)
		}
		updated++
	}

	e.publishEvent(ctx, events.TypeOrderSynced, 0, orderID, map[string]interface{}{
		"pivot_status": pivotStatus,
		"next_status":  edge.ToStatus,
		"count":        updated,
	})
	return SyncResult{Outcome: SyncSynced, PivotStatus: pivotStatus, NextStatus: edge.ToStatus, Updated: updated}, nil
}

// allowsSplit reads the split configuration for a status. A status with no
// configuration is treated as split-allowed, so an unconfigured stage is never
// bulk-jumped into or out of.
func (e *Engine) allowsSplit(ctx context.Context, statusKey string) (bool, error) {
	cfg, err := e.storage.GetStatusConfig(ctx, statusKey, types.EntityTypeComponent)
	if errors.Is(err, storage.ErrConfigNotFound) {
		return true, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to load status config for %s: %w", statusKey, err)
	}
	return cfg.AllowComponentSplit, nil
}
