package gate

import (
	"context"
	"testing"

	"github.com/reworkshop/workflow-engine/storage"
	"github.com/reworkshop/workflow-engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStoreWithRequirement(t *testing.T, req types.ChecklistRequirement) *storage.MemoryStorage {
	t.Helper()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.SaveChecklistRequirement(context.Background(), req))
	return store
}

func TestGateEvaluate(t *testing.T) {
	ctx := context.Background()

	blocking := types.ChecklistRequirement{
		ID:                    10,
		StepKey:               "metrologia",
		Component:             types.ComponentBlock,
		Name:                  "Dimensional inspection",
		IsMandatory:           true,
		IsActive:              true,
		BlocksWorkflowAdvance: true,
	}

	t.Run("NoRequirementsAllows", func(t *testing.T) {
		g := New(storage.NewMemoryStorage())
		decision, err := g.Evaluate(ctx, "metrologia", types.ComponentBlock, 1)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.Empty(t, decision.BlockedBy)
	})

	t.Run("MissingResponseBlocks", func(t *testing.T) {
		g := New(newStoreWithRequirement(t, blocking))
		decision, err := g.Evaluate(ctx, "metrologia", types.ComponentBlock, 1)
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
		assert.Equal(t, []string{"Dimensional inspection"}, decision.BlockedBy)
	})

	t.Run("PendingResponseBlocks", func(t *testing.T) {
		store := newStoreWithRequirement(t, blocking)
		require.NoError(t, store.SaveChecklistResponse(ctx, types.ChecklistResponse{
			WorkflowInstanceID: 1,
			ChecklistID:        10,
			OverallStatus:      types.ChecklistPending,
		}))

		decision, err := New(store).Evaluate(ctx, "metrologia", types.ComponentBlock, 1)
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
		assert.Equal(t, []string{"Dimensional inspection"}, decision.BlockedBy)
	})

	t.Run("RejectedResponseBlocks", func(t *testing.T) {
		store := newStoreWithRequirement(t, blocking)
		require.NoError(t, store.SaveChecklistResponse(ctx, types.ChecklistResponse{
			WorkflowInstanceID: 1,
			ChecklistID:        10,
			OverallStatus:      types.ChecklistRejected,
		}))

		decision, err := New(store).Evaluate(ctx, "metrologia", types.ComponentBlock, 1)
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
	})

	t.Run("ApprovedResponseAllows", func(t *testing.T) {
		store := newStoreWithRequirement(t, blocking)
		require.NoError(t, store.SaveChecklistResponse(ctx, types.ChecklistResponse{
			WorkflowInstanceID: 1,
			ChecklistID:        10,
			OverallStatus:      types.ChecklistApproved,
		}))

		decision, err := New(store).Evaluate(ctx, "metrologia", types.ComponentBlock, 1)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	})

	t.Run("InactiveRequirementIgnored", func(t *testing.T) {
		inactive := blocking
		inactive.IsActive = false
		g := New(newStoreWithRequirement(t, inactive))

		decision, err := g.Evaluate(ctx, "metrologia", types.ComponentBlock, 1)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	})

	t.Run("NonBlockingRequirementIsInformational", func(t *testing.T) {
		informational := blocking
		informational.BlocksWorkflowAdvance = false
		g := New(newStoreWithRequirement(t, informational))

		decision, err := g.Evaluate(ctx, "metrologia", types.ComponentBlock, 1)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	})

	t.Run("OptionalRequirementIgnored", func(t *testing.T) {
		optional := blocking
		optional.IsMandatory = false
		g := New(newStoreWithRequirement(t, optional))

		decision, err := g.Evaluate(ctx, "metrologia", types.ComponentBlock, 1)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	})

	t.Run("ResponseOfOtherInstanceDoesNotCount", func(t *testing.T) {
		store := newStoreWithRequirement(t, blocking)
		require.NoError(t, store.SaveChecklistResponse(ctx, types.ChecklistResponse{
			WorkflowInstanceID: 2,
			ChecklistID:        10,
			OverallStatus:      types.ChecklistApproved,
		}))

		decision, err := New(store).Evaluate(ctx, "metrologia", types.ComponentBlock, 1)
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
	})

	t.Run("MultipleBlockingChecklists", func(t *testing.T) {
		store := newStoreWithRequirement(t, blocking)
		second := blocking
		second.ID = 11
		second.Name = "Crack detection"
		require.NoError(t, store.SaveChecklistRequirement(ctx, second))

		decision, err := New(store).Evaluate(ctx, "metrologia", types.ComponentBlock, 1)
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
		assert.Equal(t, []string{"Dimensional inspection", "Crack detection"}, decision.BlockedBy)
	})
}
