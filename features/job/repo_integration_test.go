package job_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"quantforge/backend/features/job"
	"quantforge/backend/internal/testutils"
)

func TestJobRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	repo := job.NewPostgresRepo(s.DB)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	j1 := job.New("owner-1", "first", job.MethodInt8, job.FormatONNX, job.FormatONNX, "uploads/a.onnx", 1_000_000_000, 1, 1, base)
	require.NoError(t, repo.Create(ctx, j1))
	j2 := job.New("owner-1", "second", job.MethodGPTQ, job.FormatPyTorch, job.FormatPyTorch, "uploads/b.bin", 10, 2, 2, base.Add(time.Second))
	require.NoError(t, repo.Create(ctx, j2))

	dup := *j2
	dup.ID = "00000000-0000-0000-0000-000000000001"
	assert.ErrorIs(t, repo.Create(ctx, &dup), job.ErrDuplicateToken)

	// Newest first.
	jobs, err := repo.List(ctx, "owner-1", job.ListFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, j2.ID, jobs[0].ID)

	queued, err := repo.ListQueued(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, j1.ID, queued[0].ID)

	// CAS through the full lifecycle, including a stale writer.
	next, err := repo.Get(ctx, j1.ID)
	require.NoError(t, err)
	require.NoError(t, next.Start(base.Add(2*time.Second)))
	require.NoError(t, repo.CompareAndSwap(ctx, job.StatusQueued, next))
	assert.ErrorIs(t, repo.CompareAndSwap(ctx, job.StatusQueued, next), job.ErrStatusConflict)

	require.NoError(t, next.Complete(base.Add(time.Minute), "results/x/a.onnx", 250_000_000))
	require.NoError(t, repo.CompareAndSwap(ctx, job.StatusProcessing, next))

	got, err := repo.Get(ctx, j1.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 75.0, *got.ReductionPercent)
	assert.Equal(t, j1.DownloadToken, got.DownloadToken)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[job.StatusCompleted])
	assert.Equal(t, 1, counts[job.StatusQueued])

	n, err := repo.DeleteTerminalBefore(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.Get(ctx, j1.ID)
	assert.ErrorIs(t, err, job.ErrNotFound)
}
