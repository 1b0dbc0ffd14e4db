package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ReportHarvester/internal/domain"
	"ReportHarvester/internal/errors"
)

func TestMemoryStoreOneOpenTaskPerTuple(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	task := domain.ManualFallbackTask{ID: "t1", OrgID: "acme", Type: domain.TypePressRelease, Year: 2025, State: domain.TaskOpen, CreatedAt: when}
	require.NoError(t, store.PutManualTask(ctx, task))

	second := task
	second.ID = "t2"
	err := store.PutManualTask(ctx, second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDuplicate))

	other := second
	other.Year = 2024
	require.NoError(t, store.PutManualTask(ctx, other), "a different tuple is independent")

	require.NoError(t, store.ResolveManualTask(ctx, "t1", "analyst", when))
	require.NoError(t, store.PutManualTask(ctx, second), "a resolved task frees the tuple")

	open, err := store.OpenManualTask(ctx, task.Tuple())
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, "t2", open.ID)
	assert.Len(t, store.ManualTasks(), 3)
}
