package backup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"suitebackup/internal/model"
	"suitebackup/internal/store"
)

func nightly(retain int) ScheduleRequest {
	return ScheduleRequest{
		TargetID:       targetID,
		Type:           model.TypeFull,
		CronExpression: "0 3 * * *",
		RetentionCount: retain,
		IncludeUploads: true,
		Compression:    model.CompressionZip,
		IsEnabled:      true,
	}
}

func TestCreateSchedule(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	sc, err := h.svc.CreateSchedule(ctx, "alice", nightly(2))
	require.NoError(t, err)
	require.NotNil(t, sc.NextRunAt)
	assert.Equal(t, time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC), *sc.NextRunAt)
	assert.Nil(t, sc.LastRunAt)

	stored, err := h.st.GetSchedule(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, sc, stored)
}

func TestCreateSchedule_Invalid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	tests := []struct {
		name    string
		owner   string
		mutate  func(*ScheduleRequest)
		wantErr error
	}{
		{"bad cron", "alice", func(r *ScheduleRequest) { r.CronExpression = "every night" }, ErrInvalidRequest},
		{"six fields", "alice", func(r *ScheduleRequest) { r.CronExpression = "0 0 3 * * *" }, ErrInvalidRequest},
		{"unknown type", "alice", func(r *ScheduleRequest) { r.Type = "logs" }, ErrInvalidRequest},
		{"unknown compression", "alice", func(r *ScheduleRequest) { r.Compression = "rar" }, ErrInvalidRequest},
		{"negative retention", "alice", func(r *ScheduleRequest) { r.RetentionDays = -1 }, ErrInvalidRequest},
		{"missing target", "alice", func(r *ScheduleRequest) { r.TargetID = "nope" }, store.ErrNotFound},
		{"foreign target", "bob", func(r *ScheduleRequest) {}, ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := nightly(0)
			tt.mutate(&req)
			_, err := h.svc.CreateSchedule(ctx, tt.owner, req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestUpdateSchedule_RecomputesNextRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	sc, err := h.svc.CreateSchedule(ctx, "alice", nightly(0))
	require.NoError(t, err)
	first := *sc.NextRunAt

	req := nightly(5)
	updated, err := h.svc.UpdateSchedule(ctx, "alice", sc.ID, req)
	require.NoError(t, err)
	assert.Equal(t, first, *updated.NextRunAt, "unchanged expression keeps the next run")
	assert.Equal(t, 5, updated.RetentionCount)

	req.CronExpression = "30 1 * * 0"
	updated, err = h.svc.UpdateSchedule(ctx, "alice", sc.ID, req)
	require.NoError(t, err)
	// 2026-03-01 is a Sunday.
	assert.Equal(t, time.Date(2026, 3, 1, 1, 30, 0, 0, time.UTC), *updated.NextRunAt)

	_, err = h.svc.UpdateSchedule(ctx, "bob", sc.ID, req)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestDeleteSchedule(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	sc, err := h.svc.CreateSchedule(ctx, "alice", nightly(0))
	require.NoError(t, err)

	assert.ErrorIs(t, h.svc.DeleteSchedule(ctx, "bob", sc.ID), ErrForbidden)
	require.NoError(t, h.svc.DeleteSchedule(ctx, "alice", sc.ID))
	_, err = h.st.GetSchedule(ctx, sc.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunDue_AdvancesAndAppliesRetention(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	sc, err := h.svc.CreateSchedule(ctx, "alice", nightly(2))
	require.NoError(t, err)

	// Nothing is due before the first run.
	results, err := h.svc.RunDue(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, results)

	var archives []string
	for day := range 3 {
		now := time.Date(2026, 3, 1+day, 3, 0, 0, 0, time.UTC)
		h.clock.Set(now)

		results, err := h.svc.RunDue(ctx, now)
		require.NoError(t, err)
		require.Len(t, results, 1)
		res := results[0]
		require.NoError(t, res.Err)
		assert.Equal(t, sc.ID, res.ScheduleID)
		require.NotNil(t, res.Backup.ScheduleID)
		assert.Equal(t, sc.ID, *res.Backup.ScheduleID)
		archives = append(archives, *res.Backup.FilePath)

		stored, err := h.st.GetSchedule(ctx, sc.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.LastRunAt)
		assert.Equal(t, now, *stored.LastRunAt)
		assert.Equal(t, now.Add(24*time.Hour), *stored.NextRunAt)

		if day == 2 {
			assert.Equal(t, 1, res.Pruned)
		} else {
			assert.Zero(t, res.Pruned)
		}
	}

	backups, err := h.st.ListScheduleBackups(ctx, sc.ID)
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.NoFileExists(t, archives[0])
	assert.FileExists(t, archives[1])
	assert.FileExists(t, archives[2])
}

func TestRunDue_FailureDoesNotStopOthers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.targets.targets["target-2"] = &model.StorageTarget{ID: "target-2", Owner: "alice", Name: "gone", Kind: "local", IsEnabled: true}

	good, err := h.svc.CreateSchedule(ctx, "alice", nightly(0))
	require.NoError(t, err)
	req := nightly(0)
	req.TargetID = "target-2"
	broken, err := h.svc.CreateSchedule(ctx, "alice", req)
	require.NoError(t, err)
	h.targets.remove("target-2")

	now := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	h.clock.Set(now)
	results, err := h.svc.RunDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byID := map[string]DueResult{}
	for _, r := range results {
		byID[r.ScheduleID] = r
	}
	assert.NoError(t, byID[good.ID].Err)
	assert.ErrorIs(t, byID[broken.ID].Err, store.ErrNotFound)
	assert.Nil(t, byID[broken.ID].Backup)

	// Both schedules advance so the broken one is not retried every tick.
	for _, id := range []string{good.ID, broken.ID} {
		sc, err := h.st.GetSchedule(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, now.Add(24*time.Hour), *sc.NextRunAt)
	}
}

func TestRunDue_SkipsDisabled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	req := nightly(0)
	req.IsEnabled = false
	_, err := h.svc.CreateSchedule(ctx, "alice", req)
	require.NoError(t, err)

	results, err := h.svc.RunDue(ctx, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestApplyRetention_UnlimitedKeepsEverything(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	sc, err := h.svc.CreateSchedule(ctx, "alice", nightly(0))
	require.NoError(t, err)
	for range 3 {
		_, err := h.svc.RunBackup(ctx, "alice", BackupRequest{Compression: model.CompressionZip, ScheduleID: sc.ID})
		require.NoError(t, err)
	}

	n, err := h.svc.ApplyRetention(ctx, sc)
	require.NoError(t, err)
	assert.Zero(t, n)
	backups, err := h.st.ListScheduleBackups(ctx, sc.ID)
	require.NoError(t, err)
	assert.Len(t, backups, 3)
}
