package types

// Component identifies the physical engine part type a workflow instance
// tracks through the production pipeline.
type Component string

const (
	ComponentBlock      Component = "block"
	ComponentCrankshaft Component = "crankshaft"
	ComponentRod        Component = "rod"
	ComponentCamshaft   Component = "camshaft"
	ComponentHead       Component = "head"
)

// EntityTypeComponent is the entity-type key under which prerequisite edges
// and status configs for engine components are registered.
const EntityTypeComponent = "engine_component"

// Transition types for prerequisite edges.
const (
	TransitionAutomatic        = "automatic"
	TransitionManual           = "manual"
	TransitionApprovalRequired = "approval_required"
)

// Checklist response overall statuses.
const (
	ChecklistPending  = "pending"
	ChecklistApproved = "approved"
	ChecklistRejected = "rejected"
)

// Conformity statuses for technical reports.
const (
	ConformityConforming = "conforming"
	ConformityPending    = "pending"
)

// WorkflowInstance records one component's progress within one service order.
// StartedAt and CompletedAt are Unix milliseconds; zero means unset. A status
// change clears both (the new stage has not been started yet), so CompletedAt
// is only ever set while StartedAt is set and the status is unchanged since.
type WorkflowInstance struct {
	ID          uint64    `json:"id"`
	OrderID     uint64    `json:"order_id"`
	Component   Component `json:"component"`
	Status      string    `json:"status"`
	StartedAt   int64     `json:"started_at,omitempty"`
	CompletedAt int64     `json:"completed_at,omitempty"`
	AssignedTo  string    `json:"assigned_to,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	UpdatedAt   int64     `json:"updated_at"`
}

// Order is the minimal slice of the order subsystem the engine needs:
// resolution of an order to its owning organization for report attribution.
type Order struct {
	ID        uint64 `json:"id"`
	OrgID     uint64 `json:"org_id"`
	Reference string `json:"reference,omitempty"`
}

// StatusDefinition describes one production step for one component type.
type StatusDefinition struct {
	StepKey                 string    `json:"step_key"`
	Component               Component `json:"component"`
	Label                   string    `json:"label"`
	TechnicalReportRequired bool      `json:"technical_report_required"`
}

// StatusPrerequisite is a directed edge in the status graph. Edges are
// selected by ascending Priority; Condition, when non-empty, is an expression
// that must evaluate to true against the instance attributes for the edge to
// apply.
type StatusPrerequisite struct {
	ID             uint64 `json:"id"`
	FromStatus     string `json:"from_status"`
	ToStatus       string `json:"to_status"`
	EntityType     string `json:"entity_type"`
	TransitionType string `json:"transition_type"`
	Condition      string `json:"condition,omitempty"`
	Priority       int    `json:"priority"`
	IsActive       bool   `json:"is_active"`
}

// StatusConfig controls whether components of one order may sit at different
// statuses simultaneously while in this stage.
type StatusConfig struct {
	StatusKey           string `json:"status_key"`
	EntityType          string `json:"entity_type"`
	AllowComponentSplit bool   `json:"allow_component_split"`
}

// ChecklistRequirement binds an inspection checklist to a (step, component)
// pair. Only mandatory, active requirements with BlocksWorkflowAdvance set can
// hold a transition back.
type ChecklistRequirement struct {
	ID                    uint64    `json:"id"`
	StepKey               string    `json:"step_key"`
	Component             Component `json:"component"`
	Name                  string    `json:"name"`
	IsMandatory           bool      `json:"is_mandatory"`
	IsActive              bool      `json:"is_active"`
	BlocksWorkflowAdvance bool      `json:"blocks_workflow_advance"`
}

// ChecklistResponse is the filled-in result of one checklist for one workflow
// instance. At most one response exists per (instance, checklist).
type ChecklistResponse struct {
	WorkflowInstanceID uint64 `json:"workflow_instance_id"`
	ChecklistID        uint64 `json:"checklist_id"`
	OverallStatus      string `json:"overall_status"`
	RespondedAt        int64  `json:"responded_at"`
}

// StatusHistoryEntry is one append-only audit record of a real status change.
type StatusHistoryEntry struct {
	ID                 uint64 `json:"id"`
	WorkflowInstanceID uint64 `json:"workflow_instance_id"`
	OldStatus          string `json:"old_status"`
	NewStatus          string `json:"new_status"`
	ChangedBy          string `json:"changed_by"`
	Reason             string `json:"reason"`
	ChangedAt          int64  `json:"changed_at"`
}

// TechnicalReport is the documentation record generated when a completed step
// requires one. ReportType carries the step key.
type TechnicalReport struct {
	ID                     uint64                 `json:"id"`
	OrderID                uint64                 `json:"order_id"`
	WorkflowInstanceID     uint64                 `json:"workflow_instance_id"`
	Component              Component              `json:"component"`
	ReportType             string                 `json:"report_type"`
	ReportData             map[string]interface{} `json:"report_data,omitempty"`
	ConformityStatus       string                 `json:"conformity_status"`
	GeneratedAutomatically bool                   `json:"generated_automatically"`
	OrgID                  uint64                 `json:"org_id"`
	GeneratedAt            int64                  `json:"generated_at"`
}
