// Package jobstore_test tests job persistence.
package jobstore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/jobstore"
)

func newStore(t *testing.T) *jobstore.Store {
	t.Helper()

	store, err := jobstore.New(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func sampleJob(status core.JobStatus, updatedAt time.Time) *core.SynthesisJob {
	return &core.SynthesisJob{
		ID: uuid.NewString(),
		Script: core.Script{
			Text:         "Hello from the job store.",
			VoiceRefPath: "/voices/narrator.wav",
			Language:     language.English,
		},
		SourcePath: "/media/speaker.mp4",
		OutputPath: "/out/result.mp4",
		TargetFPS:  25,
		Status:     status,
		Warnings:   []string{"restoration skipped on frame 4"},
		CreatedAt:  updatedAt.Add(-time.Minute),
		UpdatedAt:  updatedAt,
	}
}

func TestUpsertAndGetJob_RoundTrip(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	job := sampleJob(core.StatusQueued, time.Now().UTC())

	require.NoError(t, store.UpsertJob(context.Background(), job))

	loaded, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)

	assert.Equal(t, job.ID, loaded.ID)
	assert.Equal(t, job.Script.Text, loaded.Script.Text)
	assert.Equal(t, job.Script.VoiceRefPath, loaded.Script.VoiceRefPath)
	assert.Equal(t, language.English, loaded.Script.Language)
	assert.Equal(t, job.SourcePath, loaded.SourcePath)
	assert.Equal(t, job.Status, loaded.Status)
	assert.Equal(t, job.Warnings, loaded.Warnings)
	assert.InDelta(t, job.TargetFPS, loaded.TargetFPS, 1e-9)
}

func TestUpsertJob_UpdatesMutableFields(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	job := sampleJob(core.StatusQueued, time.Now().UTC())

	require.NoError(t, store.UpsertJob(context.Background(), job))

	job.Status = core.StatusFailed
	job.Error = "no face detected in any frame"
	job.ErrorKind = core.KindNoFaceDetected
	job.UpdatedAt = time.Now().UTC()

	require.NoError(t, store.UpsertJob(context.Background(), job))

	loaded, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, loaded.Status)
	assert.Equal(t, core.KindNoFaceDetected, loaded.ErrorKind)
	assert.Equal(t, job.Error, loaded.Error)
}

func TestGetJob_MissingJobFails(t *testing.T) {
	t.Parallel()

	store := newStore(t)

	_, err := store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, jobstore.ErrNotFound)
}

func TestLoadJobs_OrdersBySubmission(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	base := time.Now().UTC()

	second := sampleJob(core.StatusQueued, base.Add(time.Hour))
	first := sampleJob(core.StatusQueued, base)

	require.NoError(t, store.UpsertJob(context.Background(), second))
	require.NoError(t, store.UpsertJob(context.Background(), first))

	jobs, err := store.LoadJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, first.ID, jobs[0].ID)
	assert.Equal(t, second.ID, jobs[1].ID)
}

func TestDeleteTerminalBefore_KeepsActiveAndRecentJobs(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	now := time.Now().UTC()

	oldDone := sampleJob(core.StatusDone, now.Add(-48*time.Hour))
	oldRunning := sampleJob(core.StatusSynthesizing, now.Add(-48*time.Hour))
	recentFailed := sampleJob(core.StatusFailed, now)

	for _, job := range []*core.SynthesisJob{oldDone, oldRunning, recentFailed} {
		require.NoError(t, store.UpsertJob(context.Background(), job))
	}

	deleted, err := store.DeleteTerminalBefore(
		context.Background(), now.Add(-24*time.Hour),
	)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	jobs, err := store.LoadJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	_, err = store.GetJob(context.Background(), oldDone.ID)
	require.ErrorIs(t, err, jobstore.ErrNotFound)
}

func TestUpsertJob_RejectsNil(t *testing.T) {
	t.Parallel()

	store := newStore(t)

	require.ErrorIs(
		t, store.UpsertJob(context.Background(), nil), jobstore.ErrNilJob,
	)
}
