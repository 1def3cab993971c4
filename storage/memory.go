package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/reworkshop/workflow-engine/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface,
// suitable for tests and local development.
type MemoryStorage struct {
	instances map[uint64]types.WorkflowInstance
	orders    map[uint64]types.Order
	defs      map[string]types.StatusDefinition
	configs   map[string]types.StatusConfig
	edges     map[string][]types.StatusPrerequisite
	reqs      map[string][]types.ChecklistRequirement
	responses map[uint64][]types.ChecklistResponse
	history   map[uint64][]types.StatusHistoryEntry
	reports   map[string]types.TechnicalReport
	mu        sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		instances: make(map[uint64]types.WorkflowInstance),
		orders:    make(map[uint64]types.Order),
		defs:      make(map[string]types.StatusDefinition),
		configs:   make(map[string]types.StatusConfig),
		edges:     make(map[string][]types.StatusPrerequisite),
		reqs:      make(map[string][]types.ChecklistRequirement),
		responses: make(map[uint64][]types.ChecklistResponse),
		history:   make(map[uint64][]types.StatusHistoryEntry),
		reports:   make(map[string]types.TechnicalReport),
	}
}

func defKey(stepKey string, component types.Component) string {
	return string(component) + "|" + stepKey
}

func configKey(statusKey, entityType string) string {
	return entityType + "|" + statusKey
}

func edgeKey(fromStatus, entityType string) string {
	return entityType + "|" + fromStatus
}

func reportKey(instanceID uint64, reportType string) string {
	return fmt.Sprintf("%d|%s", instanceID, reportType)
}

// GetInstance retrieves a workflow instance from memory.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	return withContext(ctx, func() (types.WorkflowInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		inst, ok := s.instances[id]
		if !ok {
			return types.WorkflowInstance{}, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, id)
		}
		return inst, nil
	})
}

// SaveInstance saves a workflow instance to memory.
func (s *MemoryStorage) SaveInstance(ctx context.Context, inst types.WorkflowInstance) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.instances[inst.ID] = inst
		return nil
	})
}

// FindSiblings returns all instances of an order at the given status.
func (s *MemoryStorage) FindSiblings(ctx context.Context, orderID uint64, status string) ([]types.WorkflowInstance, error) {
	return withContext(ctx, func() ([]types.WorkflowInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var siblings []types.WorkflowInstance
		for _, inst := range s.instances {
			if inst.OrderID == orderID && inst.Status == status {
				siblings = append(siblings, inst)
			}
		}
		sort.Slice(siblings, func(i, j int) bool { return siblings[i].ID < siblings[j].ID })
		return siblings, nil
	})
}

// FindEdges returns edges leaving fromStatus ordered by ascending priority.
func (s *MemoryStorage) FindEdges(ctx context.Context, fromStatus, entityType string) ([]types.StatusPrerequisite, error) {
	return withContext(ctx, func() ([]types.StatusPrerequisite, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		stored := s.edges[edgeKey(fromStatus, entityType)]
		edges := make([]types.StatusPrerequisite, len(stored))
		copy(edges, stored)
		sort.Slice(edges, func(i, j int) bool {
			if edges[i].Priority != edges[j].Priority {
				return edges[i].Priority < edges[j].Priority
			}
			return edges[i].ID < edges[j].ID
		})
		return edges, nil
	})
}

// GetStatusDefinition retrieves a step definition.
func (s *MemoryStorage) GetStatusDefinition(ctx context.Context, stepKey string, component types.Component) (types.StatusDefinition, error) {
	return withContext(ctx, func() (types.StatusDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		def, ok := s.defs[defKey(stepKey, component)]
		if !ok {
			return types.StatusDefinition{}, fmt.Errorf("%w: step=%s component=%s", ErrDefinitionNotFound, stepKey, component)
		}
		return def, nil
	})
}

// GetStatusConfig retrieves a status split configuration.
func (s *MemoryStorage) GetStatusConfig(ctx context.Context, statusKey, entityType string) (types.StatusConfig, error) {
	return withContext(ctx, func() (types.StatusConfig, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		cfg, ok := s.configs[configKey(statusKey, entityType)]
		if !ok {
			return types.StatusConfig{}, fmt.Errorf("%w: status=%s", ErrConfigNotFound, statusKey)
		}
		return cfg, nil
	})
}

// FindChecklistRequirements returns requirements for a (step, component) pair.
func (s *MemoryStorage) FindChecklistRequirements(ctx context.Context, stepKey string, component types.Component) ([]types.ChecklistRequirement, error) {
	return withContext(ctx, func() ([]types.ChecklistRequirement, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		stored := s.reqs[defKey(stepKey, component)]
		reqs := make([]types.ChecklistRequirement, len(stored))
		copy(reqs, stored)
		return reqs, nil
	})
}

// FindChecklistResponse retrieves the response one instance gave to one
// checklist.
func (s *MemoryStorage) FindChecklistResponse(ctx context.Context, instanceID, checklistID uint64) (types.ChecklistResponse, error) {
	return withContext(ctx, func() (types.ChecklistResponse, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, resp := range s.responses[instanceID] {
			if resp.ChecklistID == checklistID {
				return resp, nil
			}
		}
		return types.ChecklistResponse{}, fmt.Errorf("%w: instance=%d checklist=%d", ErrResponseNotFound, instanceID, checklistID)
	})
}

// LatestChecklistResponse retrieves the most recently saved response for an
// instance.
func (s *MemoryStorage) LatestChecklistResponse(ctx context.Context, instanceID uint64) (types.ChecklistResponse, error) {
	return withContext(ctx, func() (types.ChecklistResponse, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		responses := s.responses[instanceID]
		if len(responses) == 0 {
			return types.ChecklistResponse{}, fmt.Errorf("%w: instance=%d", ErrResponseNotFound, instanceID)
		}
		return responses[len(responses)-1], nil
	})
}

// InsertHistory appends a status history entry.
func (s *MemoryStorage) InsertHistory(ctx context.Context, entry types.StatusHistoryEntry) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.history[entry.WorkflowInstanceID] = append(s.history[entry.WorkflowInstanceID], entry)
		return nil
	})
}

// ListHistory returns an instance's history in insertion order.
func (s *MemoryStorage) ListHistory(ctx context.Context, instanceID uint64) ([]types.StatusHistoryEntry, error) {
	return withContext(ctx, func() ([]types.StatusHistoryEntry, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		stored := s.history[instanceID]
		entries := make([]types.StatusHistoryEntry, len(stored))
		copy(entries, stored)
		return entries, nil
	})
}

// InsertTechnicalReport inserts a report, rejecting duplicates per
// (instance, report type).
func (s *MemoryStorage) InsertTechnicalReport(ctx context.Context, report types.TechnicalReport) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		key := reportKey(report.WorkflowInstanceID, report.ReportType)
		if _, ok := s.reports[key]; ok {
			return fmt.Errorf("%w: instance=%d type=%s", ErrReportExists, report.WorkflowInstanceID, report.ReportType)
		}
		s.reports[key] = report
		return nil
	})
}

// GetOrder retrieves an order from memory.
func (s *MemoryStorage) GetOrder(ctx context.Context, id uint64) (types.Order, error) {
	return withContext(ctx, func() (types.Order, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		order, ok := s.orders[id]
		if !ok {
			return types.Order{}, fmt.Errorf("%w: id=%d", ErrOrderNotFound, id)
		}
		return order, nil
	})
}

// SaveOrder persists an order.
func (s *MemoryStorage) SaveOrder(ctx context.Context, order types.Order) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.orders[order.ID] = order
		return nil
	})
}

// SaveStatusDefinition persists a step definition.
func (s *MemoryStorage) SaveStatusDefinition(ctx context.Context, def types.StatusDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.defs[defKey(def.StepKey, def.Component)] = def
		return nil
	})
}

// SaveEdge persists a prerequisite edge, replacing an existing edge with the
// same ID.
func (s *MemoryStorage) SaveEdge(ctx context.Context, edge types.StatusPrerequisite) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		key := edgeKey(edge.FromStatus, edge.EntityType)
		for i, existing := range s.edges[key] {
			if existing.ID == edge.ID {
				s.edges[key][i] = edge
				return nil
			}
		}
		s.edges[key] = append(s.edges[key], edge)
		return nil
	})
}

// SaveStatusConfig persists a status split configuration.
func (s *MemoryStorage) SaveStatusConfig(ctx context.Context, cfg types.StatusConfig) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.configs[configKey(cfg.StatusKey, cfg.EntityType)] = cfg
		return nil
	})
}

// SaveChecklistRequirement persists a checklist requirement, replacing an
// existing requirement with the same ID.
func (s *MemoryStorage) SaveChecklistRequirement(ctx context.Context, req types.ChecklistRequirement) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		key := defKey(req.StepKey, req.Component)
		for i, existing := range s.reqs[key] {
			if existing.ID == req.ID {
				s.reqs[key][i] = req
				return nil
			}
		}
		s.reqs[key] = append(s.reqs[key], req)
		return nil
	})
}

// SaveChecklistResponse persists a response, replacing an earlier response by
// the same instance to the same checklist.
func (s *MemoryStorage) SaveChecklistResponse(ctx context.Context, resp types.ChecklistResponse) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		responses := s.responses[resp.WorkflowInstanceID]
		for i, existing := range responses {
			if existing.ChecklistID == resp.ChecklistID {
				// Keep latest-response ordering by moving the entry to the end.
				responses = append(responses[:i], responses[i+1:]...)
				break
			}
		}
		s.responses[resp.WorkflowInstanceID] = append(responses, resp)
		return nil
	})
}
