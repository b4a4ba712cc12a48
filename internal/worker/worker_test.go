// Package worker_test tests the NATS worker for the synthesis service.
package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"

	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/worker"
)

var (
	errMockDownload = errors.New("mock download error")
	errMockUpload   = errors.New("mock upload error")
	errMockPipeline = errors.New("mock pipeline error")
)

// mockObjectStore is a mock implementation of the ObjectStore interface.
type mockObjectStore struct {
	mu                 sync.Mutex
	downloadShouldFail bool
	uploadShouldFail   bool
	downloadedKeys     []string
	deletedKeys        []string
	uploadedKey        string
	uploadedData       []byte
}

func (m *mockObjectStore) Download(_ context.Context, key string) ([]byte, error) {
	if m.downloadShouldFail {
		return nil, errMockDownload
	}

	m.mu.Lock()
	m.downloadedKeys = append(m.downloadedKeys, key)
	m.mu.Unlock()

	return []byte("sample media"), nil
}

func (m *mockObjectStore) Upload(_ context.Context, key string, data []byte) error {
	if m.uploadShouldFail {
		return errMockUpload
	}

	m.mu.Lock()
	m.uploadedKey = key
	m.uploadedData = data
	m.mu.Unlock()

	return nil
}

func (m *mockObjectStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	m.deletedKeys = append(m.deletedKeys, key)
	m.mu.Unlock()

	return nil
}

// mockRunner is a mock implementation of the JobRunner interface. It writes a
// fake clip at the job's output path, the way the real pipeline would.
type mockRunner struct {
	mu        sync.Mutex
	runFailed bool
	lastJob   *core.SynthesisJob
}

func (m *mockRunner) Run(
	_ context.Context, job *core.SynthesisJob,
) (core.Report, error) {
	m.mu.Lock()
	m.lastJob = job
	m.mu.Unlock()

	if m.runFailed {
		job.Status = core.StatusFailed

		return core.Report{}, core.NewPipelineError(
			core.KindSynthesis, "speech", errMockPipeline,
		)
	}

	err := os.WriteFile(job.OutputPath, []byte("finished clip"), 0o600)
	if err != nil {
		return core.Report{}, err
	}

	job.Status = core.StatusDone

	return core.Report{
		JobID:    job.ID,
		Status:   core.StatusDone,
		Warnings: []string{"frame 4 kept without restoration"},
	}, nil
}

func createTestNatsClient(t *testing.T) (*nats.Conn, func()) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	opts.JetStream = true
	server := test.RunServer(&opts)

	natsConnection, err := nats.Connect(server.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	cleanup := func() {
		server.Shutdown()
		natsConnection.Close()
	}

	return natsConnection, cleanup
}

func setupTest(t *testing.T) (
	*worker.NatsWorker,
	*mockObjectStore,
	*mockRunner,
	context.Context,
	context.CancelFunc,
	*nats.Conn,
) {
	t.Helper()

	mockStore := &mockObjectStore{}
	runner := &mockRunner{}

	natsConnection, natsCleanup := createTestNatsClient(t)
	t.Cleanup(natsCleanup)

	testLogger, err := logger.New(t.TempDir(), "test-log.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testLogger.Close() })

	workerInstance, err := worker.NewNatsWorker(
		natsConnection, "test_subject", t.TempDir(), mockStore, runner, testLogger,
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	return workerInstance, mockStore, runner, ctx, cancel, natsConnection
}

func testEvent() *core.SynthesisRequestedEvent {
	return &core.SynthesisRequestedEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: uuid.NewString(),
			EventID:    uuid.NewString(),
			UserID:     "",
			TenantID:   "",
		},
		Text:      "Hello from the synthesis worker.",
		VoiceKey:  "voices/narrator.wav",
		SourceKey: "sources/speaker.mp4",
		OutputKey: "renders/clip.mp4",
		TargetFPS: 25,
	}
}

func TestMessageHandler_Success(t *testing.T) {
	t.Parallel()

	workerInstance, mockStore, runner, ctx, cancel, natsConnection := setupTest(t)
	defer cancel()

	errChan := make(chan error, 1)

	go func() {
		errChan <- workerInstance.Run(ctx)
	}()

	event := testEvent()
	eventData, err := json.Marshal(event)
	require.NoError(t, err)

	replyMsg, err := natsConnection.Request("test_subject", eventData, 5*time.Second)
	require.NoError(t, err, "Request should succeed and receive a reply")

	var reply core.SynthesisCompletedEvent

	err = json.Unmarshal(replyMsg.Data, &reply)
	require.NoError(t, err)

	assert.Equal(t, core.StatusDone, reply.Status)
	assert.Equal(t, event.OutputKey, reply.OutputKey)
	assert.Equal(t, event.Header.WorkflowID, reply.Header.WorkflowID)
	assert.Equal(t, []string{"frame 4 kept without restoration"}, reply.Warnings)

	assert.Contains(t, mockStore.downloadedKeys, event.SourceKey)
	assert.Contains(t, mockStore.downloadedKeys, event.VoiceKey)
	assert.Equal(t, event.OutputKey, mockStore.uploadedKey)
	assert.Equal(t, []byte("finished clip"), mockStore.uploadedData)

	// A rerun replaces the previous clip, so the output key is cleared
	// before the upload.
	assert.Equal(t, []string{event.OutputKey}, mockStore.deletedKeys)

	// The staged media made it into the job handed to the pipeline.
	require.NotNil(t, runner.lastJob)
	assert.Equal(t, event.Text, runner.lastJob.Script.Text)
	assert.NotEmpty(t, runner.lastJob.SourcePath)
	assert.NotEmpty(t, runner.lastJob.Script.VoiceRefPath)
	assert.InDelta(t, 25.0, runner.lastJob.TargetFPS, 1e-9)

	cancel()

	shutdownErr := <-errChan
	assert.NoError(t, shutdownErr, "worker.Run should not error on graceful shutdown")
}

func TestMessageHandler_PipelineFailureRepliesWithError(t *testing.T) {
	t.Parallel()

	workerInstance, _, runner, ctx, cancel, natsConnection := setupTest(t)
	defer cancel()

	runner.runFailed = true

	go func() { _ = workerInstance.Run(ctx) }()

	eventData, err := json.Marshal(testEvent())
	require.NoError(t, err)

	replyMsg, err := natsConnection.Request("test_subject", eventData, 5*time.Second)
	require.NoError(t, err)

	var reply core.SynthesisCompletedEvent

	err = json.Unmarshal(replyMsg.Data, &reply)
	require.NoError(t, err)

	assert.Equal(t, core.StatusFailed, reply.Status)
	assert.Equal(t, core.KindSynthesis, reply.ErrorKind)
	assert.Contains(t, reply.Error, "mock pipeline error")
	assert.Empty(t, reply.OutputKey)
}

func TestMessageHandler_DefaultsFrameRate(t *testing.T) {
	t.Parallel()

	workerInstance, _, runner, ctx, cancel, natsConnection := setupTest(t)
	defer cancel()

	go func() { _ = workerInstance.Run(ctx) }()

	event := testEvent()
	event.TargetFPS = 0

	eventData, err := json.Marshal(event)
	require.NoError(t, err)

	_, err = natsConnection.Request("test_subject", eventData, 5*time.Second)
	require.NoError(t, err)

	require.NotNil(t, runner.lastJob)
	assert.InDelta(t, worker.DefaultTargetFPS, runner.lastJob.TargetFPS, 1e-9)
}

func TestProgressPublisher_EmitsStatusEvents(t *testing.T) {
	t.Parallel()

	natsConnection, natsCleanup := createTestNatsClient(t)
	t.Cleanup(natsCleanup)

	received := make(chan *nats.Msg, 1)

	sub, err := natsConnection.Subscribe("progress_subject", func(msg *nats.Msg) {
		received <- msg
	})
	require.NoError(t, err)

	defer func() { _ = sub.Unsubscribe() }()

	publisher := worker.NewNatsProgressPublisher(natsConnection, "progress_subject")

	job := &core.SynthesisJob{
		ID:     uuid.NewString(),
		Status: core.StatusSynthesizing,
	}

	err = publisher.PublishProgress(context.Background(), job, "motion")
	require.NoError(t, err)

	select {
	case msg := <-received:
		var event core.JobProgressEvent

		require.NoError(t, json.Unmarshal(msg.Data, &event))
		assert.Equal(t, job.ID, event.JobID)
		assert.Equal(t, core.StatusSynthesizing, event.Status)
		assert.Equal(t, "motion", event.Stage)
	case <-time.After(2 * time.Second):
		t.Fatal("progress event never arrived")
	}
}
