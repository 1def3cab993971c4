package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reworkshop/workflow-engine/events"
	"github.com/reworkshop/workflow-engine/storage"
	"github.com/reworkshop/workflow-engine/types"
)

// maybeGenerateReport emits a technical report for the step the instance just
// completed, when its definition requires one. Generation failures never roll
// back the committed transition; they are published as error events and
// swallowed.
func (e *Engine) maybeGenerateReport(ctx context.Context, inst types.WorkflowInstance, stepKey string) {
	def, err := e.storage.GetStatusDefinition(ctx, stepKey, inst.Component)
	if errors.Is(err, storage.ErrDefinitionNotFound) {
		return
	} else if err != nil {
		e.reportFailure(ctx, inst, stepKey, fmt.Errorf("failed to load status definition: %w", err))
		return
	}
	if !def.TechnicalReportRequired {
		return
	}

	// Best effort: the conformity status follows the latest checklist response
	// when one exists.
	conformity := types.ConformityPending
	reportData := map[string]interface{}{
		"step_label": def.Label,
	}
	resp, err := e.storage.LatestChecklistResponse(ctx, inst.ID)
	if err == nil {
		if resp.OverallStatus == types.ChecklistApproved {
			conformity = types.ConformityConforming
		}
		reportData["checklist_id"] = resp.ChecklistID
		reportData["checklist_status"] = resp.OverallStatus
	} else if !errors.Is(err, storage.ErrResponseNotFound) {
		e.reportFailure(ctx, inst, stepKey, fmt.Errorf("failed to load latest checklist response: %w", err))
		return
	}

	order, err := e.storage.GetOrder(ctx, inst.OrderID)
	if err != nil {
		e.reportFailure(ctx, inst, stepKey, fmt.Errorf("failed to resolve order tenant: %w", err))
		return
	}

	reportID, err := e.GenerateID()
	if err != nil {
		e.reportFailure(ctx, inst, stepKey, fmt.Errorf("failed to generate report ID: %w", err))
		return
	}

	report := types.TechnicalReport{
		ID:                     reportID,
		OrderID:                inst.OrderID,
		WorkflowInstanceID:     inst.ID,
		Component:              inst.Component,
		ReportType:             stepKey,
		ReportData:             reportData,
		ConformityStatus:       conformity,
		GeneratedAutomatically: true,
		OrgID:                  order.OrgID,
		GeneratedAt:            time.Now().UnixMilli(),
	}
	if err := e.storage.InsertTechnicalReport(ctx, report); err != nil {
		// A replayed trigger is not a failure; the report is already there.
		if !errors.Is(err, storage.ErrReportExists) {
			e.reportFailure(ctx, inst, stepKey, fmt.Errorf("failed to insert report: %w", err))
		}
		return
	}

	e.publishEvent(ctx, events.TypeReportGenerated, inst.ID, inst.OrderID, map[string]interface{}{
		"report_type":       stepKey,
		"conformity_status": conformity,
	})
}

func (e *Engine) reportFailure(ctx context.Context, inst types.WorkflowInstance, stepKey string, err error) {
	e.publishEvent(ctx, events.TypeErrorOccurred, inst.ID, inst.OrderID, map[string]interface{}{
		"error":       fmt.Sprintf("technical report for step %s not generated: %v", stepKey, err),
		"report_type": stepKey,
	})
}
