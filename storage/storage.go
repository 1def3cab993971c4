package storage

import (
	"context"
	"errors"

	"github.com/reworkshop/workflow-engine/types"
)

// Sentinel errors shared by all backends.
var (
	ErrInstanceNotFound   = errors.New("workflow instance not found")
	ErrOrderNotFound      = errors.New("order not found")
	ErrDefinitionNotFound = errors.New("status definition not found")
	ErrConfigNotFound     = errors.New("status config not found")
	ErrResponseNotFound   = errors.New("checklist response not found")
	ErrReportExists       = errors.New("technical report already exists")
)

// Storage is the narrow repository interface the workflow engine depends on.
// Backends are plain CRUD; serialization of read-modify-write sequences is the
// engine's responsibility.
type Storage interface {
	// GetInstance retrieves a workflow instance by ID.
	GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error)

	// SaveInstance persists a workflow instance.
	SaveInstance(ctx context.Context, inst types.WorkflowInstance) error

	// FindSiblings returns all instances of an order currently at the given
	// status.
	FindSiblings(ctx context.Context, orderID uint64, status string) ([]types.WorkflowInstance, error)

	// FindEdges returns the active and inactive prerequisite edges leaving
	// fromStatus for the entity type, ordered by ascending priority.
	FindEdges(ctx context.Context, fromStatus, entityType string) ([]types.StatusPrerequisite, error)

	// GetStatusDefinition retrieves the step definition for a component.
	GetStatusDefinition(ctx context.Context, stepKey string, component types.Component) (types.StatusDefinition, error)

	// GetStatusConfig retrieves the split configuration for a status.
	GetStatusConfig(ctx context.Context, statusKey, entityType string) (types.StatusConfig, error)

	// FindChecklistRequirements returns all requirements bound to a
	// (step, component) pair.
	FindChecklistRequirements(ctx context.Context, stepKey string, component types.Component) ([]types.ChecklistRequirement, error)

	// FindChecklistResponse retrieves the response one instance gave to one
	// checklist.
	FindChecklistResponse(ctx context.Context, instanceID, checklistID uint64) (types.ChecklistResponse, error)

	// LatestChecklistResponse retrieves the most recent response recorded for
	// an instance, regardless of checklist.
	LatestChecklistResponse(ctx context.Context, instanceID uint64) (types.ChecklistResponse, error)

	// InsertHistory appends one status history entry.
	InsertHistory(ctx context.Context, entry types.StatusHistoryEntry) error

	// ListHistory returns an instance's history entries in insertion order.
	ListHistory(ctx context.Context, instanceID uint64) ([]types.StatusHistoryEntry, error)

	// InsertTechnicalReport inserts a report row. Returns ErrReportExists if a
	// report for the same (instance, report type) was already inserted.
	InsertTechnicalReport(ctx context.Context, report types.TechnicalReport) error

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id uint64) (types.Order, error)

	// SaveOrder persists an order.
	SaveOrder(ctx context.Context, order types.Order) error

	// Configuration writes, used by seeding and the authoring surfaces.
	SaveStatusDefinition(ctx context.Context, def types.StatusDefinition) error
	SaveEdge(ctx context.Context, edge types.StatusPrerequisite) error
	SaveStatusConfig(ctx context.Context, cfg types.StatusConfig) error
	SaveChecklistRequirement(ctx context.Context, req types.ChecklistRequirement) error
	SaveChecklistResponse(ctx context.Context, resp types.ChecklistResponse) error
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only
// return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
