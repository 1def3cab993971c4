package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/reworkshop/workflow-engine/types"
)

const (
	instancePrefix  = "wfinstance:"
	orderPrefix     = "wforder:"
	orderIndexKey   = "wforder:%d:instances"
	defPrefix       = "wfstatusdef:"
	configPrefix    = "wfstatusconfig:"
	edgePrefix      = "wfedges:"
	reqPrefix       = "wfchecklistreq:"
	responsePrefix  = "wfchecklistresp:"
	latestRespField = "latest"
	historyPrefix   = "wfhistory:"
	reportPrefix    = "wfreport:"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStorage{client: client}, nil
}

// setJSON marshals a value and stores it under key.
func (s *RedisStorage) setJSON(ctx context.Context, key string, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %v", key, err)
		}
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %v", key, err)
		}
		return nil
	})
}

// getJSON retrieves and unmarshals a value stored under key. notFound is
// returned wrapped when the key is absent.
func getJSON[T any](ctx context.Context, client *redis.Client, key string, notFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", notFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// hashValues retrieves and unmarshals every field of a Redis hash.
func hashValues[T any](ctx context.Context, client *redis.Client, key string) ([]T, error) {
	return withContext(ctx, func() ([]T, error) {
		fields, err := client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read hash %s from Redis: %v", key, err)
		}
		values := make([]T, 0, len(fields))
		for field, data := range fields {
			var value T
			if err := json.Unmarshal([]byte(data), &value); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s[%s]: %v", key, field, err)
			}
			values = append(values, value)
		}
		return values, nil
	})
}

func (s *RedisStorage) setHashField(ctx context.Context, key string, field uint64, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s[%d]: %v", key, field, err)
		}
		if err := s.client.HSet(ctx, key, strconv.FormatUint(field, 10), data).Err(); err != nil {
			return fmt.Errorf("failed to set %s[%d] in Redis: %v", key, field, err)
		}
		return nil
	})
}

func instanceKey(id uint64) string { return fmt.Sprintf("%s%d", instancePrefix, id) }

// GetInstance retrieves a workflow instance from Redis.
func (s *RedisStorage) GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	return getJSON[types.WorkflowInstance](ctx, s.client, instanceKey(id), ErrInstanceNotFound)
}

// SaveInstance saves a workflow instance and indexes it under its order.
func (s *RedisStorage) SaveInstance(ctx context.Context, inst types.WorkflowInstance) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("failed to marshal instance %d: %v", inst.ID, err)
		}
		pipe := s.client.Pipeline()
		pipe.Set(ctx, instanceKey(inst.ID), data, 0)
		pipe.SAdd(ctx, fmt.Sprintf(orderIndexKey, inst.OrderID), inst.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to save instance %d: %v", inst.ID, err)
		}
		return nil
	})
}

// FindSiblings returns all instances of an order at the given status.
func (s *RedisStorage) FindSiblings(ctx context.Context, orderID uint64, status string) ([]types.WorkflowInstance, error) {
	return withContext(ctx, func() ([]types.WorkflowInstance, error) {
		ids, err := s.client.SMembers(ctx, fmt.Sprintf(orderIndexKey, orderID)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read order %d index: %v", orderID, err)
		}
		var siblings []types.WorkflowInstance
		for _, raw := range ids {
			id, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("corrupt order %d index entry %q: %v", orderID, raw, err)
			}
			inst, err := s.GetInstance(ctx, id)
			if errors.Is(err, ErrInstanceNotFound) {
				continue
			} else if err != nil {
				return nil, err
			}
			if inst.Status == status {
				siblings = append(siblings, inst)
			}
		}
		sort.Slice(siblings, func(i, j int) bool { return siblings[i].ID < siblings[j].ID })
		return siblings, nil
	})
}

// FindEdges returns edges leaving fromStatus ordered by ascending priority,
// ties broken by edge ID.
func (s *RedisStorage) FindEdges(ctx context.Context, fromStatus, entityType string) ([]types.StatusPrerequisite, error) {
	key := fmt.Sprintf("%s%s:%s", edgePrefix, entityType, fromStatus)
	edges, err := hashValues[types.StatusPrerequisite](ctx, s.client, key)
	if err != nil {
		return nil, err
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Priority != edges[j].Priority {
			return edges[i].Priority < edges[j].Priority
		}
		return edges[i].ID < edges[j].ID
	})
	return edges, nil
}

// GetStatusDefinition retrieves a step definition from Redis.
func (s *RedisStorage) GetStatusDefinition(ctx context.Context, stepKey string, component types.Component) (types.StatusDefinition, error) {
	key := fmt.Sprintf("%s%s:%s", defPrefix, component, stepKey)
	return getJSON[types.StatusDefinition](ctx, s.client, key, ErrDefinitionNotFound)
}

// GetStatusConfig retrieves a status split configuration from Redis.
func (s *RedisStorage) GetStatusConfig(ctx context.Context, statusKey, entityType string) (types.StatusConfig, error) {
	key := fmt.Sprintf("%s%s:%s", configPrefix, entityType, statusKey)
	return getJSON[types.StatusConfig](ctx, s.client, key, ErrConfigNotFound)
}

// FindChecklistRequirements returns requirements for a (step, component) pair.
func (s *RedisStorage) FindChecklistRequirements(ctx context.Context, stepKey string, component types.Component) ([]types.ChecklistRequirement, error) {
	key := fmt.Sprintf("%s%s:%s", reqPrefix, component, stepKey)
	reqs, err := hashValues[types.ChecklistRequirement](ctx, s.client, key)
	if err != nil {
		return nil, err
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].ID < reqs[j].ID })
	return reqs, nil
}

// FindChecklistResponse retrieves the response one instance gave to one
// checklist.
func (s *RedisStorage) FindChecklistResponse(ctx context.Context, instanceID, checklistID uint64) (types.ChecklistResponse, error) {
	key := fmt.Sprintf("%s%d:%d", responsePrefix, instanceID, checklistID)
	return getJSON[types.ChecklistResponse](ctx, s.client, key, ErrResponseNotFound)
}

// LatestChecklistResponse retrieves the most recently saved response for an
// instance.
func (s *RedisStorage) LatestChecklistResponse(ctx context.Context, instanceID uint64) (types.ChecklistResponse, error) {
	key := fmt.Sprintf("%s%d:%s", responsePrefix, instanceID, latestRespField)
	return getJSON[types.ChecklistResponse](ctx, s.client, key, ErrResponseNotFound)
}

// InsertHistory appends a status history entry to the instance's history list.
func (s *RedisStorage) InsertHistory(ctx context.Context, entry types.StatusHistoryEntry) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal history entry %d: %v", entry.ID, err)
		}
		key := fmt.Sprintf("%s%d", historyPrefix, entry.WorkflowInstanceID)
		if err := s.client.RPush(ctx, key, data).Err(); err != nil {
			return fmt.Errorf("failed to append history for instance %d: %v", entry.WorkflowInstanceID, err)
		}
		return nil
	})
}

// ListHistory returns an instance's history in insertion order.
func (s *RedisStorage) ListHistory(ctx context.Context, instanceID uint64) ([]types.StatusHistoryEntry, error) {
	return withContext(ctx, func() ([]types.StatusHistoryEntry, error) {
		key := fmt.Sprintf("%s%d", historyPrefix, instanceID)
		raw, err := s.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read history for instance %d: %v", instanceID, err)
		}
		entries := make([]types.StatusHistoryEntry, 0, len(raw))
		for _, data := range raw {
			var entry types.StatusHistoryEntry
			if err := json.Unmarshal([]byte(data), &entry); err != nil {
				return nil, fmt.Errorf("failed to unmarshal history entry for instance %d: %v", instanceID, err)
			}
			entries = append(entries, entry)
		}
		return entries, nil
	})
}

// InsertTechnicalReport inserts a report using SETNX so a replayed trigger for
// the same (instance, report type) is rejected with ErrReportExists.
func (s *RedisStorage) InsertTechnicalReport(ctx context.Context, report types.TechnicalReport) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("failed to marshal report %d: %v", report.ID, err)
		}
		key := fmt.Sprintf("%s%d:%s", reportPrefix, report.WorkflowInstanceID, report.ReportType)
		inserted, err := s.client.SetNX(ctx, key, data, 0).Result()
		if err != nil {
			return fmt.Errorf("failed to insert report %s: %v", key, err)
		}
		if !inserted {
			return fmt.Errorf("%w: instance=%d type=%s", ErrReportExists, report.WorkflowInstanceID, report.ReportType)
		}
		return nil
	})
}

// GetOrder retrieves an order from Redis.
func (s *RedisStorage) GetOrder(ctx context.Context, id uint64) (types.Order, error) {
	return getJSON[types.Order](ctx, s.client, fmt.Sprintf("%s%d", orderPrefix, id), ErrOrderNotFound)
}

// SaveOrder persists an order.
func (s *RedisStorage) SaveOrder(ctx context.Context, order types.Order) error {
	return s.setJSON(ctx, fmt.Sprintf("%s%d", orderPrefix, order.ID), order)
}

// SaveStatusDefinition persists a step definition.
func (s *RedisStorage) SaveStatusDefinition(ctx context.Context, def types.StatusDefinition) error {
	key := fmt.Sprintf("%s%s:%s", defPrefix, def.Component, def.StepKey)
	return s.setJSON(ctx, key, def)
}

// SaveEdge persists a prerequisite edge keyed by its ID.
func (s *RedisStorage) SaveEdge(ctx context.Context, edge types.StatusPrerequisite) error {
	key := fmt.Sprintf("%s%s:%s", edgePrefix, edge.EntityType, edge.FromStatus)
	return s.setHashField(ctx, key, edge.ID, edge)
}

// SaveStatusConfig persists a status split configuration.
func (s *RedisStorage) SaveStatusConfig(ctx context.Context, cfg types.StatusConfig) error {
	key := fmt.Sprintf("%s%s:%s", configPrefix, cfg.EntityType, cfg.StatusKey)
	return s.setJSON(ctx, key, cfg)
}

// SaveChecklistRequirement persists a checklist requirement keyed by its ID.
func (s *RedisStorage) SaveChecklistRequirement(ctx context.Context, req types.ChecklistRequirement) error {
	key := fmt.Sprintf("%s%s:%s", reqPrefix, req.Component, req.StepKey)
	return s.setHashField(ctx, key, req.ID, req)
}

// SaveChecklistResponse persists a response and refreshes the instance's
// latest-response key.
func (s *RedisStorage) SaveChecklistResponse(ctx context.Context, resp types.ChecklistResponse) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("failed to marshal response %d/%d: %v", resp.WorkflowInstanceID, resp.ChecklistID, err)
		}
		pipe := s.client.Pipeline()
		pipe.Set(ctx, fmt.Sprintf("%s%d:%d", responsePrefix, resp.WorkflowInstanceID, resp.ChecklistID), data, 0)
		pipe.Set(ctx, fmt.Sprintf("%s%d:%s", responsePrefix, resp.WorkflowInstanceID, latestRespField), data, 0)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to save response %d/%d: %v", resp.WorkflowInstanceID, resp.ChecklistID, err)
		}
		return nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
