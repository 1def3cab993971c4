package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/reworkshop/workflow-engine/types"
)

// PostgresStorage is a PostgreSQL implementation of the Storage interface,
// backed by a pgx connection pool. This is the production backend; the hosted
// data store the surrounding ERP runs on is Postgres.
type PostgresStorage struct {
	db *pgxpool.Pool
}

// NewPostgresStorage creates a new PostgresStorage on an existing pool.
func NewPostgresStorage(db *pgxpool.Pool) *PostgresStorage {
	return &PostgresStorage{db: db}
}

// Schema holds the DDL for all tables the engine reads and writes. The unique
// index on technical_reports (workflow_instance_id, report_type) is what makes
// report generation idempotent under trigger replay.
const Schema = `
CREATE TABLE IF NOT EXISTS orders (
	id BIGINT PRIMARY KEY,
	org_id BIGINT NOT NULL,
	reference TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS workflow_instances (
	id BIGINT PRIMARY KEY,
	order_id BIGINT NOT NULL,
	component TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at BIGINT NOT NULL DEFAULT 0,
	completed_at BIGINT NOT NULL DEFAULT 0,
	assigned_to TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	updated_at BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_workflow_instances_order_status
	ON workflow_instances (order_id, status);
CREATE TABLE IF NOT EXISTS status_definitions (
	step_key TEXT NOT NULL,
	component TEXT NOT NULL,
	label TEXT NOT NULL DEFAULT '',
	technical_report_required BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (step_key, component)
);
CREATE TABLE IF NOT EXISTS status_prerequisites (
	id BIGINT PRIMARY KEY,
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	transition_type TEXT NOT NULL,
	condition TEXT NOT NULL DEFAULT '',
	priority INT NOT NULL DEFAULT 0,
	is_active BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE INDEX IF NOT EXISTS idx_status_prerequisites_from
	ON status_prerequisites (entity_type, from_status, priority);
CREATE TABLE IF NOT EXISTS status_configs (
	status_key TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	allow_component_split BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (status_key, entity_type)
);
CREATE TABLE IF NOT EXISTS checklist_requirements (
	id BIGINT PRIMARY KEY,
	step_key TEXT NOT NULL,
	component TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	is_mandatory BOOLEAN NOT NULL DEFAULT FALSE,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	blocks_workflow_advance BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_checklist_requirements_step
	ON checklist_requirements (component, step_key);
CREATE TABLE IF NOT EXISTS checklist_responses (
	workflow_instance_id BIGINT NOT NULL,
	checklist_id BIGINT NOT NULL,
	overall_status TEXT NOT NULL,
	responded_at BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (workflow_instance_id, checklist_id)
);
CREATE TABLE IF NOT EXISTS status_history (
	id BIGINT PRIMARY KEY,
	workflow_instance_id BIGINT NOT NULL,
	old_status TEXT NOT NULL,
	new_status TEXT NOT NULL,
	changed_by TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	changed_at BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_status_history_instance
	ON status_history (workflow_instance_id, id);
CREATE TABLE IF NOT EXISTS technical_reports (
	id BIGINT PRIMARY KEY,
	order_id BIGINT NOT NULL,
	workflow_instance_id BIGINT NOT NULL,
	component TEXT NOT NULL,
	report_type TEXT NOT NULL,
	report_data JSONB,
	conformity_status TEXT NOT NULL,
	generated_automatically BOOLEAN NOT NULL DEFAULT FALSE,
	org_id BIGINT NOT NULL,
	generated_at BIGINT NOT NULL DEFAULT 0,
	UNIQUE (workflow_instance_id, report_type)
);
`

// Migrate applies the schema.
func (s *PostgresStorage) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	if err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// GetInstance retrieves a workflow instance by ID.
func (s *PostgresStorage) GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	var inst types.WorkflowInstance
	err := s.db.QueryRow(ctx,
		`SELECT id, order_id, component, status, started_at, completed_at, assigned_to, notes, updated_at
		 FROM workflow_instances WHERE id = $1`, int64(id)).
		Scan(&inst.ID, &inst.OrderID, &inst.Component, &inst.Status, &inst.StartedAt,
			&inst.CompletedAt, &inst.AssignedTo, &inst.Notes, &inst.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.WorkflowInstance{}, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, id)
	} else if err != nil {
		return types.WorkflowInstance{}, err
	}
	return inst, nil
}

// SaveInstance upserts a workflow instance.
func (s *PostgresStorage) SaveInstance(ctx context.Context, inst types.WorkflowInstance) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO workflow_instances (id, order_id, component, status, started_at, completed_at, assigned_to, notes, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
			order_id = EXCLUDED.order_id,
			component = EXCLUDED.component,
			status = EXCLUDED.status,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			assigned_to = EXCLUDED.assigned_to,
			notes = EXCLUDED.notes,
			updated_at = EXCLUDED.updated_at`,
		int64(inst.ID), int64(inst.OrderID), inst.Component, inst.Status, inst.StartedAt,
		inst.CompletedAt, inst.AssignedTo, inst.Notes, inst.UpdatedAt)
	return err
}

// FindSiblings returns all instances of an order at the given status.
func (s *PostgresStorage) FindSiblings(ctx context.Context, orderID uint64, status string) ([]types.WorkflowInstance, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, order_id, component, status, started_at, completed_at, assigned_to, notes, updated_at
		 FROM workflow_instances WHERE order_id = $1 AND status = $2 ORDER BY id`,
		int64(orderID), status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var siblings []types.WorkflowInstance
	for rows.Next() {
		var inst types.WorkflowInstance
		if err := rows.Scan(&inst.ID, &inst.OrderID, &inst.Component, &inst.Status, &inst.StartedAt,
			&inst.CompletedAt, &inst.AssignedTo, &inst.Notes, &inst.UpdatedAt); err != nil {
			return nil, err
		}
		siblings = append(siblings, inst)
	}
	return siblings, rows.Err()
}

// FindEdges returns edges leaving fromStatus ordered by priority then ID.
func (s *PostgresStorage) FindEdges(ctx context.Context, fromStatus, entityType string) ([]types.StatusPrerequisite, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, from_status, to_status, entity_type, transition_type, condition, priority, is_active
		 FROM status_prerequisites WHERE entity_type = $1 AND from_status = $2
		 ORDER BY priority, id`, entityType, fromStatus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []types.StatusPrerequisite
	for rows.Next() {
		var edge types.StatusPrerequisite
		if err := rows.Scan(&edge.ID, &edge.FromStatus, &edge.ToStatus, &edge.EntityType,
			&edge.TransitionType, &edge.Condition, &edge.Priority, &edge.IsActive); err != nil {
			return nil, err
		}
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}

// GetStatusDefinition retrieves the step definition for a component.
func (s *PostgresStorage) GetStatusDefinition(ctx context.Context, stepKey string, component types.Component) (types.StatusDefinition, error) {
	var def types.StatusDefinition
	err := s.db.QueryRow(ctx,
		`SELECT step_key, component, label, technical_report_required
		 FROM status_definitions WHERE step_key = $1 AND component = $2`, stepKey, component).
		Scan(&def.StepKey, &def.Component, &def.Label, &def.TechnicalReportRequired)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.StatusDefinition{}, fmt.Errorf("%w: step=%s component=%s", ErrDefinitionNotFound, stepKey, component)
	} else if err != nil {
		return types.StatusDefinition{}, err
	}
	return def, nil
}

// GetStatusConfig retrieves the split configuration for a status.
func (s *PostgresStorage) GetStatusConfig(ctx context.Context, statusKey, entityType string) (types.StatusConfig, error) {
	var cfg types.StatusConfig
	err := s.db.QueryRow(ctx,
		`SELECT status_key, entity_type, allow_component_split
		 FROM status_configs WHERE status_key = $1 AND entity_type = $2`, statusKey, entityType).
		Scan(&cfg.StatusKey, &cfg.EntityType, &cfg.AllowComponentSplit)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.StatusConfig{}, fmt.Errorf("%w: status=%s", ErrConfigNotFound, statusKey)
	} else if err != nil {
		return types.StatusConfig{}, err
	}
	return cfg, nil
}

// FindChecklistRequirements returns all requirements for a (step, component).
func (s *PostgresStorage) FindChecklistRequirements(ctx context.Context, stepKey string, component types.Component) ([]types.ChecklistRequirement, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, step_key, component, name, is_mandatory, is_active, blocks_workflow_advance
		 FROM checklist_requirements WHERE component = $1 AND step_key = $2 ORDER BY id`,
		component, stepKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []types.ChecklistRequirement
	for rows.Next() {
		var req types.ChecklistRequirement
		if err := rows.Scan(&req.ID, &req.StepKey, &req.Component, &req.Name,
			&req.IsMandatory, &req.IsActive, &req.BlocksWorkflowAdvance); err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// FindChecklistResponse retrieves one instance's response to one checklist.
func (s *PostgresStorage) FindChecklistResponse(ctx context.Context, instanceID, checklistID uint64) (types.ChecklistResponse, error) {
	var resp types.ChecklistResponse
	err := s.db.QueryRow(ctx,
		`SELECT workflow_instance_id, checklist_id, overall_status, responded_at
		 FROM checklist_responses WHERE workflow_instance_id = $1 AND checklist_id = $2`,
		int64(instanceID), int64(checklistID)).
		Scan(&resp.WorkflowInstanceID, &resp.ChecklistID, &resp.OverallStatus, &resp.RespondedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.ChecklistResponse{}, fmt.Errorf("%w: instance=%d checklist=%d", ErrResponseNotFound, instanceID, checklistID)
	} else if err != nil {
		return types.ChecklistResponse{}, err
	}
	return resp, nil
}

// LatestChecklistResponse retrieves the most recent response for an instance.
func (s *PostgresStorage) LatestChecklistResponse(ctx context.Context, instanceID uint64) (types.ChecklistResponse, error) {
	var resp types.ChecklistResponse
	err := s.db.QueryRow(ctx,
		`SELECT workflow_instance_id, checklist_id, overall_status, responded_at
		 FROM checklist_responses WHERE workflow_instance_id = $1
		 ORDER BY responded_at DESC, checklist_id DESC LIMIT 1`, int64(instanceID)).
		Scan(&resp.WorkflowInstanceID, &resp.ChecklistID, &resp.OverallStatus, &resp.RespondedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.ChecklistResponse{}, fmt.Errorf("%w: instance=%d", ErrResponseNotFound, instanceID)
	} else if err != nil {
		return types.ChecklistResponse{}, err
	}
	return resp, nil
}

// InsertHistory appends one status history entry.
func (s *PostgresStorage) InsertHistory(ctx context.Context, entry types.StatusHistoryEntry) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO status_history (id, workflow_instance_id, old_status, new_status, changed_by, reason, changed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		int64(entry.ID), int64(entry.WorkflowInstanceID), entry.OldStatus, entry.NewStatus,
		entry.ChangedBy, entry.Reason, entry.ChangedAt)
	return err
}

// ListHistory returns an instance's history entries in insertion order.
func (s *PostgresStorage) ListHistory(ctx context.Context, instanceID uint64) ([]types.StatusHistoryEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, workflow_instance_id, old_status, new_status, changed_by, reason, changed_at
		 FROM status_history WHERE workflow_instance_id = $1 ORDER BY id`, int64(instanceID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []types.StatusHistoryEntry
	for rows.Next() {
		var entry types.StatusHistoryEntry
		if err := rows.Scan(&entry.ID, &entry.WorkflowInstanceID, &entry.OldStatus, &entry.NewStatus,
			&entry.ChangedBy, &entry.Reason, &entry.ChangedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// InsertTechnicalReport inserts a report row. The unique index on
// (workflow_instance_id, report_type) turns a replay into ErrReportExists.
func (s *PostgresStorage) InsertTechnicalReport(ctx context.Context, report types.TechnicalReport) error {
	var data []byte
	if report.ReportData != nil {
		var err error
		data, err = json.Marshal(report.ReportData)
		if err != nil {
			return fmt.Errorf("failed to marshal report data: %w", err)
		}
	}
	tag, err := s.db.Exec(ctx,
		`INSERT INTO technical_reports (id, order_id, workflow_instance_id, component, report_type,
			report_data, conformity_status, generated_automatically, org_id, generated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (workflow_instance_id, report_type) DO NOTHING`,
		int64(report.ID), int64(report.OrderID), int64(report.WorkflowInstanceID), report.Component,
		report.ReportType, data, report.ConformityStatus, report.GeneratedAutomatically,
		int64(report.OrgID), report.GeneratedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: instance=%d type=%s", ErrReportExists, report.WorkflowInstanceID, report.ReportType)
	}
	return nil
}

// GetOrder retrieves an order by ID.
func (s *PostgresStorage) GetOrder(ctx context.Context, id uint64) (types.Order, error) {
	var order types.Order
	err := s.db.QueryRow(ctx,
		`SELECT id, org_id, reference FROM orders WHERE id = $1`, int64(id)).
		Scan(&order.ID, &order.OrgID, &order.Reference)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Order{}, fmt.Errorf("%w: id=%d", ErrOrderNotFound, id)
	} else if err != nil {
		return types.Order{}, err
	}
	return order, nil
}

// SaveOrder upserts an order.
func (s *PostgresStorage) SaveOrder(ctx context.Context, order types.Order) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO orders (id, org_id, reference) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET org_id = EXCLUDED.org_id, reference = EXCLUDED.reference`,
		int64(order.ID), int64(order.OrgID), order.Reference)
	return err
}

// SaveStatusDefinition upserts a step definition.
func (s *PostgresStorage) SaveStatusDefinition(ctx context.Context, def types.StatusDefinition) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO status_definitions (step_key, component, label, technical_report_required)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (step_key, component) DO UPDATE SET
			label = EXCLUDED.label,
			technical_report_required = EXCLUDED.technical_report_required`,
		def.StepKey, def.Component, def.Label, def.TechnicalReportRequired)
	return err
}

// SaveEdge upserts a prerequisite edge.
func (s *PostgresStorage) SaveEdge(ctx context.Context, edge types.StatusPrerequisite) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO status_prerequisites (id, from_status, to_status, entity_type, transition_type, condition, priority, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
			from_status = EXCLUDED.from_status,
			to_status = EXCLUDED.to_status,
			entity_type = EXCLUDED.entity_type,
			transition_type = EXCLUDED.transition_type,
			condition = EXCLUDED.condition,
			priority = EXCLUDED.priority,
			is_active = EXCLUDED.is_active`,
		int64(edge.ID), edge.FromStatus, edge.ToStatus, edge.EntityType,
		edge.TransitionType, edge.Condition, edge.Priority, edge.IsActive)
	return err
}

// SaveStatusConfig upserts a status split configuration.
func (s *PostgresStorage) SaveStatusConfig(ctx context.Context, cfg types.StatusConfig) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO status_configs (status_key, entity_type, allow_component_split)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (status_key, entity_type) DO UPDATE SET
			allow_component_split = EXCLUDED.allow_component_split`,
		cfg.StatusKey, cfg.EntityType, cfg.AllowComponentSplit)
	return err
}

// SaveChecklistRequirement upserts a checklist requirement.
func (s *PostgresStorage) SaveChecklistRequirement(ctx context.Context, req types.ChecklistRequirement) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO checklist_requirements (id, step_key, component, name, is_mandatory, is_active, blocks_workflow_advance)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
			step_key = EXCLUDED.step_key,
			component = EXCLUDED.component,
			name = EXCLUDED.name,
			is_mandatory = EXCLUDED.is_mandatory,
			is_active = EXCLUDED.is_active,
			blocks_workflow_advance = EXCLUDED.blocks_workflow_advance`,
		int64(req.ID), req.StepKey, req.Component, req.Name, req.IsMandatory, req.IsActive, req.BlocksWorkflowAdvance)
	return err
}

// SaveChecklistResponse upserts a response.
func (s *PostgresStorage) SaveChecklistResponse(ctx context.Context, resp types.ChecklistResponse) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO checklist_responses (workflow_instance_id, checklist_id, overall_status, responded_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (workflow_instance_id, checklist_id) DO UPDATE SET
			overall_status = EXCLUDED.overall_status,
			responded_at = EXCLUDED.responded_at`,
		int64(resp.WorkflowInstanceID), int64(resp.ChecklistID), resp.OverallStatus, resp.RespondedAt)
	return err
}
