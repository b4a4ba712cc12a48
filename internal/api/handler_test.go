// Package api_test tests the HTTP job API.
package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/lipsync-service/internal/api"
	"github.com/book-expert/lipsync-service/internal/core"
)

// fakeQueue is an in-memory JobQueue for handler tests.
type fakeQueue struct {
	jobs map[string]*core.SynthesisJob
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: make(map[string]*core.SynthesisJob)}
}

func (q *fakeQueue) Enqueue(
	script core.Script, sourcePath, outputPath string, targetFPS float64,
) *core.SynthesisJob {
	now := time.Now().UTC()
	job := &core.SynthesisJob{
		ID:         uuid.NewString(),
		Script:     script,
		SourcePath: sourcePath,
		OutputPath: outputPath,
		TargetFPS:  targetFPS,
		Status:     core.StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	q.jobs[job.ID] = job

	return job
}

func (q *fakeQueue) Get(jobID string) (*core.SynthesisJob, bool) {
	job, ok := q.jobs[jobID]

	return job, ok
}

func (q *fakeQueue) List() []*core.SynthesisJob {
	jobs := make([]*core.SynthesisJob, 0, len(q.jobs))
	for _, job := range q.jobs {
		jobs = append(jobs, job)
	}

	return jobs
}

func setupRouter(t *testing.T) (*gin.Engine, *fakeQueue) {
	t.Helper()

	gin.SetMode(gin.TestMode)

	testLogger, err := logger.New(t.TempDir(), "api-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testLogger.Close() })

	queue := newFakeQueue()
	server := api.NewServer(queue, testLogger)

	router := gin.New()
	server.RegisterRoutes(router)

	return router, queue
}

func TestSubmitJob_Created(t *testing.T) {
	t.Parallel()

	router, queue := setupRouter(t)

	body := `{
		"text": "Hello there.",
		"voice_ref_path": "/voices/narrator.wav",
		"source_path": "/media/speaker.mp4",
		"output_path": "/media/out.mp4",
		"target_fps": 30
	}`

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(
		http.MethodPost, "/api/jobs", strings.NewReader(body),
	)
	request.Header.Set("Content-Type", "application/json")

	router.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusCreated, recorder.Code)

	var response map[string]any

	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.NotEmpty(t, response["id"])
	assert.Equal(t, "Hello there.", response["text"])
	assert.Equal(t, string(core.StatusQueued), response["status"])
	assert.InDelta(t, 30.0, response["target_fps"], 1e-9)

	assert.Len(t, queue.jobs, 1)
}

func TestSubmitJob_DefaultsFrameRate(t *testing.T) {
	t.Parallel()

	router, queue := setupRouter(t)

	body := `{
		"text": "Hello.",
		"source_path": "/media/speaker.png",
		"output_path": "/media/out.mp4"
	}`

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(
		http.MethodPost, "/api/jobs", strings.NewReader(body),
	)
	request.Header.Set("Content-Type", "application/json")

	router.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusCreated, recorder.Code)

	for _, job := range queue.jobs {
		assert.InDelta(t, 25.0, job.TargetFPS, 1e-9)
	}
}

func TestSubmitJob_RejectsMissingFields(t *testing.T) {
	t.Parallel()

	router, _ := setupRouter(t)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(
		http.MethodPost, "/api/jobs", strings.NewReader(`{"text": "hi"}`),
	)
	request.Header.Set("Content-Type", "application/json")

	router.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestSubmitJob_RejectsNegativeFrameRate(t *testing.T) {
	t.Parallel()

	router, _ := setupRouter(t)

	body := `{
		"text": "Hello.",
		"source_path": "/media/speaker.png",
		"output_path": "/media/out.mp4",
		"target_fps": -1
	}`

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(
		http.MethodPost, "/api/jobs", strings.NewReader(body),
	)
	request.Header.Set("Content-Type", "application/json")

	router.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestGetJob_NotFound(t *testing.T) {
	t.Parallel()

	router, _ := setupRouter(t)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/api/jobs/unknown", nil)

	router.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestGetJob_ReturnsFailureDetails(t *testing.T) {
	t.Parallel()

	router, queue := setupRouter(t)

	job := queue.Enqueue(
		core.Script{Text: "Hi"}, "/media/in.mp4", "/media/out.mp4", 25,
	)
	job.Status = core.StatusFailed
	job.Error = "no face detected in source media"
	job.ErrorKind = core.KindNoFaceDetected

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID, nil)

	router.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)

	var response map[string]any

	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, string(core.StatusFailed), response["status"])
	assert.Equal(t, "no face detected in source media", response["error"])
	assert.Equal(t, string(core.KindNoFaceDetected), response["error_kind"])
}

func TestGetJobReport(t *testing.T) {
	t.Parallel()

	router, queue := setupRouter(t)

	job := queue.Enqueue(
		core.Script{Text: "Hi"}, "/media/in.mp4", "/media/out.mp4", 25,
	)
	job.Status = core.StatusDone
	job.Warnings = []string{"frame 4 kept without restoration"}

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(
		http.MethodGet, "/api/jobs/"+job.ID+"/report", nil,
	)

	router.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)

	body := recorder.Body.String()
	assert.Contains(t, body, "job "+job.ID+": done")
	assert.Contains(t, body, "output: /media/out.mp4")
	assert.Contains(t, body, "warning: frame 4 kept without restoration")
}

func TestListJobs(t *testing.T) {
	t.Parallel()

	router, queue := setupRouter(t)

	queue.Enqueue(core.Script{Text: "One"}, "/a.mp4", "/a-out.mp4", 25)
	queue.Enqueue(core.Script{Text: "Two"}, "/b.png", "/b-out.mp4", 30)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)

	router.ServeHTTP(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)

	var responses []map[string]any

	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &responses))
	assert.Len(t, responses, 2)
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	router, _ := setupRouter(t)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)

	router.ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusOK, recorder.Code)
}
