package rules

import (
	"context"
	"testing"

	"github.com/reworkshop/workflow-engine/storage"
	"github.com/reworkshop/workflow-engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedEdges(t *testing.T, store storage.Storage, edges ...types.StatusPrerequisite) {
	t.Helper()
	ctx := context.Background()
	for _, edge := range edges {
		require.NoError(t, store.SaveEdge(ctx, edge))
	}
}

func TestTransitionsNextStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("NoEdges", func(t *testing.T) {
		store := storage.NewMemoryStorage()
		transitions := NewTransitions(store, nil)

		_, found, err := transitions.NextStatus(ctx, "entrada", types.EntityTypeComponent, nil)
		assert.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("FirstActiveByPriority", func(t *testing.T) {
		store := storage.NewMemoryStorage()
		seedEdges(t, store,
			types.StatusPrerequisite{ID: 2, FromStatus: "entrada", ToStatus: "desmontagem", EntityType: types.EntityTypeComponent, TransitionType: types.TransitionAutomatic, Priority: 20, IsActive: true},
			types.StatusPrerequisite{ID: 1, FromStatus: "entrada", ToStatus: "metrologia", EntityType: types.EntityTypeComponent, TransitionType: types.TransitionAutomatic, Priority: 10, IsActive: true},
		)
		transitions := NewTransitions(store, nil)

		edge, found, err := transitions.NextStatus(ctx, "entrada", types.EntityTypeComponent, nil)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "metrologia", edge.ToStatus)
	})

	t.Run("InactiveEdgeSkipped", func(t *testing.T) {
		store := storage.NewMemoryStorage()
		seedEdges(t, store,
			types.StatusPrerequisite{ID: 1, FromStatus: "entrada", ToStatus: "metrologia", EntityType: types.EntityTypeComponent, TransitionType: types.TransitionAutomatic, Priority: 10, IsActive: false},
			types.StatusPrerequisite{ID: 2, FromStatus: "entrada", ToStatus: "desmontagem", EntityType: types.EntityTypeComponent, TransitionType: types.TransitionAutomatic, Priority: 20, IsActive: true},
		)
		transitions := NewTransitions(store, nil)

		edge, found, err := transitions.NextStatus(ctx, "entrada", types.EntityTypeComponent, nil)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "desmontagem", edge.ToStatus)
	})

	t.Run("TieBrokenByEdgeID", func(t *testing.T) {
		store := storage.NewMemoryStorage()
		seedEdges(t, store,
			types.StatusPrerequisite{ID: 7, FromStatus: "entrada", ToStatus: "desmontagem", EntityType: types.EntityTypeComponent, TransitionType: types.TransitionAutomatic, Priority: 10, IsActive: true},
			types.StatusPrerequisite{ID: 3, FromStatus: "entrada", ToStatus: "metrologia", EntityType: types.EntityTypeComponent, TransitionType: types.TransitionAutomatic, Priority: 10, IsActive: true},
		)
		transitions := NewTransitions(store, nil)

		edge, found, err := transitions.NextStatus(ctx, "entrada", types.EntityTypeComponent, nil)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "metrologia", edge.ToStatus)
	})

	t.Run("GuardConditionFiltersEdge", func(t *testing.T) {
		store := storage.NewMemoryStorage()
		seedEdges(t, store,
			types.StatusPrerequisite{ID: 1, FromStatus: "metrologia", ToStatus: "usinagem", EntityType: types.EntityTypeComponent, TransitionType: types.TransitionAutomatic, Condition: `component == "block"`, Priority: 10, IsActive: true},
			types.StatusPrerequisite{ID: 2, FromStatus: "metrologia", ToStatus: "balanceamento", EntityType: types.EntityTypeComponent, TransitionType: types.TransitionAutomatic, Priority: 20, IsActive: true},
		)
		transitions := NewTransitions(store, NewExprEvaluator())

		edge, found, err := transitions.NextStatus(ctx, "metrologia", types.EntityTypeComponent,
			map[string]interface{}{"component": "block"})
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "usinagem", edge.ToStatus)

		edge, found, err = transitions.NextStatus(ctx, "metrologia", types.EntityTypeComponent,
			map[string]interface{}{"component": "crankshaft"})
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "balanceamento", edge.ToStatus)
	})

	t.Run("GuardedEdgeSkippedWithoutEvaluator", func(t *testing.T) {
		store := storage.NewMemoryStorage()
		seedEdges(t, store,
			types.StatusPrerequisite{ID: 1, FromStatus: "metrologia", ToStatus: "usinagem", EntityType: types.EntityTypeComponent, TransitionType: types.TransitionAutomatic, Condition: `component == "block"`, Priority: 10, IsActive: true},
		)
		transitions := NewTransitions(store, nil)

		_, found, err := transitions.NextStatus(ctx, "metrologia", types.EntityTypeComponent,
			map[string]interface{}{"component": "block"})
		assert.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		store := storage.NewMemoryStorage()
		transitions := NewTransitions(store, nil)

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, _, err := transitions.NextStatus(cancelled, "entrada", types.EntityTypeComponent, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
