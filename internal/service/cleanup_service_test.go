package service

import (
	"context"
	"testing"
	"time"

	"spotfleet/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCleanup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	agentID := env.register(t, "i-old", 0.05)
	svc := NewCleanupService(env.repo)

	entry, err := svc.RecordCleanup(ctx, &model.CleanupReport{
		AgentID:   agentID,
		Timestamp: testStart,
		Classes: map[string]*model.ResourceCleanup{
			"snapshots": {Deleted: []string{"snap-1", "snap-2"}, Failed: []string{"snap-3"}, CutoffDate: "2026-02-23"},
			"images":    {Deleted: []string{"ami-9"}, Failed: []string{}, CutoffDate: "2026-02-23"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, entry.Deleted)
	assert.Equal(t, 1, entry.Failed)
	assert.Equal(t, "2026-03-02T10:00:00Z", entry.ReportedAt)
	require.Contains(t, entry.Classes, "snapshots")
	assert.Equal(t, []string{"snap-1", "snap-2"}, entry.Classes["snapshots"].Deleted)

	_, err = svc.RecordCleanup(ctx, &model.CleanupReport{
		AgentID:   agentID,
		Timestamp: testStart.Add(time.Hour),
		Classes: map[string]*model.ResourceCleanup{
			"images": {Deleted: []string{"ami-10"}, Failed: []string{}},
		},
	})
	require.NoError(t, err)

	entries, err := svc.ListCleanups(ctx, agentID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "2026-03-02T11:00:00Z", entries[0].ReportedAt, "newest first")
	assert.Equal(t, []string{"ami-10"}, entries[0].Classes["images"].Deleted)
}

func TestRecordCleanup_Rejects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	agentID := env.register(t, "i-old", 0.05)
	svc := NewCleanupService(env.repo)

	_, err := svc.RecordCleanup(ctx, &model.CleanupReport{AgentID: agentID, Timestamp: testStart})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = svc.RecordCleanup(ctx, &model.CleanupReport{
		AgentID:   "missing",
		Timestamp: testStart,
		Classes:   map[string]*model.ResourceCleanup{"images": {}},
	})
	assert.ErrorIs(t, err, model.ErrNotFound)
}
