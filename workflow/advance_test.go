package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/reworkshop/workflow-engine/events"
	"github.com/reworkshop/workflow-engine/storage"
	"github.com/reworkshop/workflow-engine/types"
)

// TestCompleteAndAdvanceAutomatic covers the happy path: no checklist
// requirements, one active automatic edge.
func TestCompleteAndAdvanceAutomatic(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	seedInstance(t, store, types.WorkflowInstance{
		ID: 1, OrderID: 100, Component: types.ComponentBlock, Status: "entrada", StartedAt: 111,
	})
	seedEdge(t, store, types.StatusPrerequisite{ID: 1, FromStatus: "entrada", ToStatus: "metrologia"})

	result, err := engine.CompleteAndAdvance(ctx, 1, "tester")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Outcome != OutcomeAdvanced {
		t.Fatalf("expected outcome %s, got %s", OutcomeAdvanced, result.Outcome)
	}
	if result.NextStatus != "metrologia" || result.FromStatus != "entrada" {
		t.Errorf("unexpected result statuses: from=%s next=%s", result.FromStatus, result.NextStatus)
	}

	inst, _ := store.GetInstance(ctx, 1)
	if inst.Status != "metrologia" {
		t.Errorf("expected status metrologia, got %s", inst.Status)
	}
	if inst.StartedAt != 0 || inst.CompletedAt != 0 {
		t.Errorf("expected cleared timestamps, got started=%d completed=%d", inst.StartedAt, inst.CompletedAt)
	}

	history, _ := store.ListHistory(ctx, 1)
	if len(history) != 1 {
		t.Fatalf("expected exactly one history row, got %d", len(history))
	}
	if history[0].OldStatus != "entrada" || history[0].NewStatus != "metrologia" {
		t.Errorf("unexpected history row: %s -> %s", history[0].OldStatus, history[0].NewStatus)
	}

	// No sibling is left at the pivot status, so the order sweep is a no-op.
	if result.Sync == nil || result.Sync.Outcome != SyncNotReady {
		t.Errorf("expected not_ready sync result, got %+v", result.Sync)
	}
}

// TestCompleteAndAdvanceBlocked verifies that an unmet mandatory blocking
// checklist stops the advance without any mutation.
func TestCompleteAndAdvanceBlocked(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	seedInstance(t, store, types.WorkflowInstance{
		ID: 1, OrderID: 100, Component: types.ComponentBlock, Status: "entrada", StartedAt: 111,
	})
	seedEdge(t, store, types.StatusPrerequisite{ID: 1, FromStatus: "entrada", ToStatus: "metrologia"})
	if err := store.SaveChecklistRequirement(ctx, types.ChecklistRequirement{
		ID: 10, StepKey: "entrada", Component: types.ComponentBlock,
		Name: "Receiving inspection", IsMandatory: true, IsActive: true, BlocksWorkflowAdvance: true,
	}); err != nil {
		t.Fatalf("failed to seed requirement: %v", err)
	}

	result, err := engine.CompleteAndAdvance(ctx, 1, "tester")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Outcome != OutcomeBlocked {
		t.Fatalf("expected outcome %s, got %s", OutcomeBlocked, result.Outcome)
	}
	if len(result.BlockedBy) != 1 || result.BlockedBy[0] != "Receiving inspection" {
		t.Errorf("unexpected block reasons: %v", result.BlockedBy)
	}

	inst, _ := store.GetInstance(ctx, 1)
	if inst.Status != "entrada" {
		t.Errorf("blocked advance must not change status, got %s", inst.Status)
	}
	if inst.StartedAt != 111 {
		t.Errorf("blocked advance must not touch timestamps, got started=%d", inst.StartedAt)
	}
	history, _ := store.ListHistory(ctx, 1)
	if len(history) != 0 {
		t.Errorf("expected no history rows, got %d", len(history))
	}
}

// TestCompleteAndAdvanceApprovedChecklistPasses completes the blocked scenario
// once the checklist response is approved.
func TestCompleteAndAdvanceApprovedChecklistPasses(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	seedInstance(t, store, types.WorkflowInstance{
		ID: 1, OrderID: 100, Component: types.ComponentBlock, Status: "entrada",
	})
	seedEdge(t, store, types.StatusPrerequisite{ID: 1, FromStatus: "entrada", ToStatus: "metrologia"})
	if err := store.SaveChecklistRequirement(ctx, types.ChecklistRequirement{
		ID: 10, StepKey: "entrada", Component: types.ComponentBlock,
		Name: "Receiving inspection", IsMandatory: true, IsActive: true, BlocksWorkflowAdvance: true,
	}); err != nil {
		t.Fatalf("failed to seed requirement: %v", err)
	}
	if err := store.SaveChecklistResponse(ctx, types.ChecklistResponse{
		WorkflowInstanceID: 1, ChecklistID: 10, OverallStatus: types.ChecklistApproved,
	}); err != nil {
		t.Fatalf("failed to seed response: %v", err)
	}

	result, err := engine.CompleteAndAdvance(ctx, 1, "tester")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Outcome != OutcomeAdvanced {
		t.Fatalf("expected outcome %s, got %s", OutcomeAdvanced, result.Outcome)
	}
}

// TestCompleteAndAdvanceNoNextStatus covers a terminal status: the step is
// recorded as completed and nothing else changes.
func TestCompleteAndAdvanceNoNextStatus(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	seedInstance(t, store, types.WorkflowInstance{
		ID: 1, OrderID: 100, Component: types.ComponentBlock, Status: "finalizado", StartedAt: 111,
	})

	result, err := engine.CompleteAndAdvance(ctx, 1, "tester")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Outcome != OutcomeNoNextStatus {
		t.Fatalf("expected outcome %s, got %s", OutcomeNoNextStatus, result.Outcome)
	}

	inst, _ := store.GetInstance(ctx, 1)
	if inst.Status != "finalizado" {
		t.Errorf("expected status finalizado, got %s", inst.Status)
	}
	if inst.CompletedAt == 0 {
		t.Error("expected the terminal step to be marked completed")
	}
	history, _ := store.ListHistory(ctx, 1)
	if len(history) != 0 {
		t.Errorf("expected no history rows, got %d", len(history))
	}
}

// TestCompleteAndAdvanceApprovalRequired verifies that an approval-gated edge
// is surfaced without mutating state, and that ManualApprove then applies it.
func TestCompleteAndAdvanceApprovalRequired(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	seedInstance(t, store, types.WorkflowInstance{
		ID: 1, OrderID: 100, Component: types.ComponentCrankshaft, Status: "usinagem", StartedAt: 111,
	})
	seedEdge(t, store, types.StatusPrerequisite{
		ID: 1, FromStatus: "usinagem", ToStatus: "montagem", TransitionType: types.TransitionApprovalRequired,
	})

	result, err := engine.CompleteAndAdvance(ctx, 1, "tester")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Outcome != OutcomeApprovalRequired {
		t.Fatalf("expected outcome %s, got %s", OutcomeApprovalRequired, result.Outcome)
	}
	if result.NextStatus != "montagem" {
		t.Errorf("expected candidate next status montagem, got %s", result.NextStatus)
	}

	inst, _ := store.GetInstance(ctx, 1)
	if inst.Status != "usinagem" || inst.StartedAt != 111 {
		t.Errorf("approval-gated advance must not mutate, got status=%s started=%d", inst.Status, inst.StartedAt)
	}
	history, _ := store.ListHistory(ctx, 1)
	if len(history) != 0 {
		t.Errorf("expected no history rows, got %d", len(history))
	}

	// Manual approval resolves the gated edge.
	result, err = engine.ManualApprove(ctx, 1, "supervisor")
	if err != nil {
		t.Fatalf("ManualApprove failed: %v", err)
	}
	if result.Outcome != OutcomeAdvanced || result.NextStatus != "montagem" {
		t.Fatalf("expected advance to montagem, got %+v", result)
	}

	inst, _ = store.GetInstance(ctx, 1)
	if inst.Status != "montagem" {
		t.Errorf("expected status montagem, got %s", inst.Status)
	}
	history, _ = store.ListHistory(ctx, 1)
	if len(history) != 1 {
		t.Fatalf("expected one history row, got %d", len(history))
	}
	if history[0].ChangedBy != "supervisor" {
		t.Errorf("expected approver in history, got %s", history[0].ChangedBy)
	}
}

// TestManualApproveOnAutomaticEdge rejects approval of a transition that does
// not require it.
func TestManualApproveOnAutomaticEdge(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	seedInstance(t, store, types.WorkflowInstance{
		ID: 1, OrderID: 100, Component: types.ComponentBlock, Status: "entrada",
	})
	seedEdge(t, store, types.StatusPrerequisite{ID: 1, FromStatus: "entrada", ToStatus: "metrologia"})

	_, err := engine.ManualApprove(ctx, 1, "supervisor")
	if !errors.Is(err, ErrApprovalNotRequired) {
		t.Fatalf("expected ErrApprovalNotRequired, got %v", err)
	}

	inst, _ := store.GetInstance(ctx, 1)
	if inst.Status != "entrada" {
		t.Errorf("failed approval must not mutate, got %s", inst.Status)
	}
}

// TestManualApproveStillGated verifies the checklist gate also applies to the
// manual approval path.
func TestManualApproveStillGated(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	seedInstance(t, store, types.WorkflowInstance{
		ID: 1, OrderID: 100, Component: types.ComponentBlock, Status: "usinagem",
	})
	seedEdge(t, store, types.StatusPrerequisite{
		ID: 1, FromStatus: "usinagem", ToStatus: "montagem", TransitionType: types.TransitionApprovalRequired,
	})
	if err := store.SaveChecklistRequirement(ctx, types.ChecklistRequirement{
		ID: 10, StepKey: "usinagem", Component: types.ComponentBlock,
		Name: "Bore measurement", IsMandatory: true, IsActive: true, BlocksWorkflowAdvance: true,
	}); err != nil {
		t.Fatalf("failed to seed requirement: %v", err)
	}

	result, err := engine.ManualApprove(ctx, 1, "supervisor")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Outcome != OutcomeBlocked {
		t.Fatalf("expected outcome %s, got %s", OutcomeBlocked, result.Outcome)
	}
}

// TestAdvanceGeneratesTechnicalReport verifies the report trigger for a step
// whose definition requires one.
func TestAdvanceGeneratesTechnicalReport(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	seedInstance(t, store, types.WorkflowInstance{
		ID: 1, OrderID: 100, Component: types.ComponentBlock, Status: "metrologia",
	})
	seedEdge(t, store, types.StatusPrerequisite{ID: 1, FromStatus: "metrologia", ToStatus: "usinagem"})
	if err := store.SaveOrder(ctx, types.Order{ID: 100, OrgID: 7}); err != nil {
		t.Fatalf("failed to seed order: %v", err)
	}
	if err := store.SaveStatusDefinition(ctx, types.StatusDefinition{
		StepKey: "metrologia", Component: types.ComponentBlock,
		Label: "Metrology", TechnicalReportRequired: true,
	}); err != nil {
		t.Fatalf("failed to seed definition: %v", err)
	}
	if err := store.SaveChecklistResponse(ctx, types.ChecklistResponse{
		WorkflowInstanceID: 1, ChecklistID: 10, OverallStatus: types.ChecklistApproved, RespondedAt: 5,
	}); err != nil {
		t.Fatalf("failed to seed response: %v", err)
	}

	generated := make(chan events.Event, 1)
	engine.SubscribeEventFunc(events.TypeReportGenerated, func(ctx context.Context, event events.Event) error {
		generated <- event
		return nil
	})

	result, err := engine.CompleteAndAdvance(ctx, 1, "tester")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Outcome != OutcomeAdvanced {
		t.Fatalf("expected outcome %s, got %s", OutcomeAdvanced, result.Outcome)
	}

	select {
	case event := <-generated:
		if event.Data["report_type"] != "metrologia" {
			t.Errorf("unexpected report type: %v", event.Data["report_type"])
		}
		if event.Data["conformity_status"] != types.ConformityConforming {
			t.Errorf("expected conforming report, got %v", event.Data["conformity_status"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for report_generated event")
	}

	// The report row is in place; a replayed insert must be rejected.
	err = store.InsertTechnicalReport(ctx, types.TechnicalReport{
		ID: 999, WorkflowInstanceID: 1, ReportType: "metrologia",
	})
	if !errors.Is(err, storage.ErrReportExists) {
		t.Errorf("expected ErrReportExists for replay, got %v", err)
	}
}

// TestAdvanceSkipsReportWithoutDefinition verifies no report is emitted when
// the step has no definition or does not require one.
func TestAdvanceSkipsReportWithoutDefinition(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	seedInstance(t, store, types.WorkflowInstance{
		ID: 1, OrderID: 100, Component: types.ComponentBlock, Status: "entrada",
	})
	seedEdge(t, store, types.StatusPrerequisite{ID: 1, FromStatus: "entrada", ToStatus: "metrologia"})

	result, err := engine.CompleteAndAdvance(ctx, 1, "tester")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Outcome != OutcomeAdvanced {
		t.Fatalf("expected outcome %s, got %s", OutcomeAdvanced, result.Outcome)
	}

	// No report was written, so an insert for the step succeeds.
	err = store.InsertTechnicalReport(ctx, types.TechnicalReport{
		ID: 999, WorkflowInstanceID: 1, ReportType: "entrada",
	})
	if err != nil {
		t.Errorf("expected no report to exist, got %v", err)
	}
}

// TestConcurrentAdvanceSerialized verifies that two concurrent advances of the
// same instance cannot both consume the same edge.
func TestConcurrentAdvanceSerialized(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	seedInstance(t, store, types.WorkflowInstance{
		ID: 1, OrderID: 100, Component: types.ComponentBlock, Status: "entrada",
	})
	seedEdge(t, store, types.StatusPrerequisite{ID: 1, FromStatus: "entrada", ToStatus: "metrologia"})

	var wg sync.WaitGroup
	outcomes := make(chan Outcome, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := engine.CompleteAndAdvance(ctx, 1, "tester")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			outcomes <- result.Outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	advanced := 0
	for outcome := range outcomes {
		if outcome == OutcomeAdvanced {
			advanced++
		}
	}
	if advanced != 1 {
		t.Errorf("expected exactly one advance, got %d", advanced)
	}

	history, _ := store.ListHistory(ctx, 1)
	if len(history) != 1 {
		t.Errorf("expected exactly one history row, got %d", len(history))
	}
}
