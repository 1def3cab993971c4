package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/reworkshop/workflow-engine/events"
	"github.com/reworkshop/workflow-engine/gate"
	"github.com/reworkshop/workflow-engine/rules"
	"github.com/reworkshop/workflow-engine/storage"
	"github.com/reworkshop/workflow-engine/types"
)

// Standard error definitions
var (
	ErrNotStarted          = errors.New("instance has not been started")
	ErrApprovalNotRequired = errors.New("next transition does not require approval")
)

// Engine drives engine components through the production pipeline: it mutates
// workflow instances, enforces the checklist gate, resolves prerequisite
// edges, writes audit history, triggers technical reports, and keeps sibling
// components of an order in step.
//
// Every read-modify-write sequence on an instance runs under a per-instance
// lock, and order-wide synchronization runs under a per-order lock, so two
// concurrent advances of the same instance cannot race past the gate or write
// duplicate history. An order lock is never taken while an instance lock is
// held.
type Engine struct {
	storage     storage.Storage
	gate        *gate.Gate
	transitions *rules.Transitions
	eventBus    *events.Bus
	generate    generator.Generator
	instLocks   keyedMutex
	orderLocks  keyedMutex
}

// NewEngine creates a new Engine with the given ID generator, storage and
// guard evaluator. Storage defaults to in-memory when nil; the evaluator may
// be nil if no edge carries a guard expression.
func NewEngine(generate generator.Generator, store storage.Storage, evaluator rules.Evaluator, busOptions ...events.BusOption) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}

	if store == nil {
		store = storage.NewMemoryStorage()
	}

	return &Engine{
		storage:     store,
		gate:        gate.New(store),
		transitions: rules.NewTransitions(store, evaluator),
		eventBus:    events.NewBus(busOptions...),
		generate:    generate,
	}, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.Handler) {
	e.eventBus.Subscribe(eventType, handler)
}

// SubscribeEventFunc subscribes a function as a handler to a specific event type.
func (e *Engine) SubscribeEventFunc(eventType string, handlerFunc func(ctx context.Context, event events.Event) error) {
	e.eventBus.SubscribeFunc(eventType, handlerFunc)
}

// GenerateID generates a unique ID using the configured generator.
func (e *Engine) GenerateID() (uint64, error) {
	return e.generate.NextID()
}

// publishEvent publishes an event asynchronously to the event bus.
func (e *Engine) publishEvent(ctx context.Context, eventType string, instanceID, orderID uint64, data map[string]interface{}) {
	go e.eventBus.Publish(ctx, events.Event{
		Type:       eventType,
		InstanceID: instanceID,
		OrderID:    orderID,
		Data:       data,
	})
}

// GetInstance retrieves a workflow instance by ID.
func (e *Engine) GetInstance(ctx context.Context, instanceID uint64) (*types.WorkflowInstance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		inst, err := e.storage.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		return &inst, nil
	}
}

// History returns the instance's status history in insertion order.
func (e *Engine) History(ctx context.Context, instanceID uint64) ([]types.StatusHistoryEntry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return e.storage.ListHistory(ctx, instanceID)
	}
}

// Start marks the instance's current stage as started.
func (e *Engine) Start(ctx context.Context, instanceID uint64) error {
	unlock := e.instLocks.lock(instanceID)
	defer unlock()

	inst, err := e.storage.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	inst.StartedAt = time.Now().UnixMilli()
	inst.CompletedAt = 0
	inst.UpdatedAt = inst.StartedAt
	return e.storage.SaveInstance(ctx, inst)
}

// Complete marks the instance's current stage as completed. The stage must
// have been started first.
func (e *Engine) Complete(ctx context.Context, instanceID uint64) error {
	unlock := e.instLocks.lock(instanceID)
	defer unlock()

	inst, err := e.storage.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.StartedAt == 0 {
		return fmt.Errorf("%w: instance=%d", ErrNotStarted, instanceID)
	}
	inst.CompletedAt = time.Now().UnixMilli()
	inst.UpdatedAt = inst.CompletedAt
	return e.storage.SaveInstance(ctx, inst)
}

// Assign sets the operator responsible for the instance's current stage.
func (e *Engine) Assign(ctx context.Context, instanceID uint64, assignee string) error {
	unlock := e.instLocks.lock(instanceID)
	defer unlock()

	inst, err := e.storage.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	inst.AssignedTo = assignee
	inst.UpdatedAt = time.Now().UnixMilli()
	return e.storage.SaveInstance(ctx, inst)
}

// AddNote replaces the instance's free-form notes.
func (e *Engine) AddNote(ctx context.Context, instanceID uint64, note string) error {
	unlock := e.instLocks.lock(instanceID)
	defer unlock()

	inst, err := e.storage.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	inst.Notes = note
	inst.UpdatedAt = time.Now().UnixMilli()
	return e.storage.SaveInstance(ctx, inst)
}

// SetStatus moves the instance to newStatus. Setting the current status again
// only touches UpdatedAt and writes no history. A real change clears both
// stage timestamps, appends exactly one history entry and publishes a
// status_changed event.
func (e *Engine) SetStatus(ctx context.Context, instanceID uint64, newStatus, reason, actor string) error {
	unlock := e.instLocks.lock(instanceID)
	defer unlock()

	_, err := e.applyStatus(ctx, instanceID, newStatus, reason, actor)
	return err
}

// applyStatus performs the status write under an already-held instance lock
// and returns the updated instance.
func (e *Engine) applyStatus(ctx context.Context, instanceID uint64, newStatus, reason, actor string) (types.WorkflowInstance, error) {
	inst, err := e.storage.GetInstance(ctx, instanceID)
	if err != nil {
		return types.WorkflowInstance{}, err
	}

	now := time.Now().UnixMilli()
	if inst.Status == newStatus {
		inst.UpdatedAt = now
		if err := e.storage.SaveInstance(ctx, inst); err != nil {
			return types.WorkflowInstance{}, fmt.Errorf("failed to save instance %d: %w", instanceID, err)
		}
		return inst, nil
	}

	oldStatus := inst.Status
	inst.Status = newStatus
	inst.StartedAt = 0
	inst.CompletedAt = 0
	inst.UpdatedAt = now
	if err := e.storage.SaveInstance(ctx, inst); err != nil {
		return types.WorkflowInstance{}, fmt.Errorf("failed to save instance %d: %w", instanceID, err)
	}

	entryID, err := e.GenerateID()
	if err != nil {
		return types.WorkflowInstance{}, fmt.Errorf("failed to generate history ID: %w", err)
	}
	entry := types.StatusHistoryEntry{
		ID:                 entryID,
		WorkflowInstanceID: instanceID,
		OldStatus:          oldStatus,
		NewStatus:          newStatus,
		ChangedBy:          actor,
		Reason:             reason,
		ChangedAt:          now,
	}
	if err := e.storage.InsertHistory(ctx, entry); err != nil {
		// The status write already landed; surface the gap for reconciliation.
		e.publishEvent(ctx, events.TypeErrorOccurred, instanceID, inst.OrderID, map[string]interface{}{
			"error":      fmt.Sprintf("history write failed after status change %s -> %s: %v", oldStatus, newStatus, err),
			"old_status": oldStatus,
			"new_status": newStatus,
		})
		return types.WorkflowInstance{}, fmt.Errorf("failed to append history for instance %d: %w", instanceID, err)
	}

	e.publishEvent(ctx, events.TypeStatusChanged, instanceID, inst.OrderID, map[string]interface{}{
		"old_status": oldStatus,
		"new_status": newStatus,
		"reason":     reason,
	})
	return inst, nil
}

// edgeEnv builds the attribute environment guard expressions are evaluated
// against.
func edgeEnv(inst types.WorkflowInstance) map[string]interface{} {
	return map[string]interface{}{
		"component":   string(inst.Component),
		"status":      inst.Status,
		"order_id":    inst.OrderID,
		"assigned_to": inst.AssignedTo,
		"notes":       inst.Notes,
		"started":     inst.StartedAt != 0,
		"completed":   inst.CompletedAt != 0,
	}
}

// Stop gracefully stops the engine's event bus.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.eventBus.Stop()
		return nil
	}
}
