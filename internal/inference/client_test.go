// Package inference_test tests the inference backend HTTP client.
package inference_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/inference"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func newBackendStub(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc("/v1/models/load", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ModelID string `json:"model_id"`
		}

		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if req.ModelID == "missing-model" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"detail":     "model not found",
				"error_code": "MODEL_NOT_FOUND",
			})

			return
		}

		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/v1/models/unload", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/v1/infer", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ModelID string `json:"model_id"`
			Input   []byte `json:"input"`
		}

		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		switch req.ModelID {
		case "busy-model":
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"detail": "all inference slots busy",
			})

			return
		case "oom-model":
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"detail":     "CUDA out of memory",
				"error_code": "OUT_OF_MEMORY",
			})

			return
		}

		_ = json.NewEncoder(w).Encode(map[string][]byte{
			"output": append([]byte("echo:"), req.Input...),
		})
	})

	mux.HandleFunc("/v1/memory", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]int64{
			"available_bytes": 8 << 30,
		})
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server
}

func TestClient_LoadUnload(t *testing.T) {
	t.Parallel()

	server := newBackendStub(t)
	client := inference.NewClient(server.URL, testTimeout)

	require.NoError(t, client.Load(context.Background(), "wav2motion-base"))
	require.NoError(t, client.Unload(context.Background(), "wav2motion-base"))
}

func TestClient_LoadRejectsEmptyModelID(t *testing.T) {
	t.Parallel()

	client := inference.NewClient("http://localhost:1", testTimeout)

	require.ErrorIs(t, client.Load(context.Background(), ""), inference.ErrModelIDEmpty)
}

func TestClient_LoadReportsBackendError(t *testing.T) {
	t.Parallel()

	server := newBackendStub(t)
	client := inference.NewClient(server.URL, testTimeout)

	err := client.Load(context.Background(), "missing-model")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
	assert.Contains(t, err.Error(), "MODEL_NOT_FOUND")
}

func TestClient_OverloadedBackendIsRetryable(t *testing.T) {
	t.Parallel()

	server := newBackendStub(t)
	client := inference.NewClient(server.URL, testTimeout)

	_, err := client.Infer(context.Background(), "busy-model", []byte("payload"))
	require.Error(t, err)
	assert.Equal(t, core.KindResourceExhausted, core.KindOf(err))
	assert.Equal(t, core.PolicyRetry, core.PolicyFor(core.KindOf(err)))
}

func TestClient_OutOfMemoryCodeIsRetryable(t *testing.T) {
	t.Parallel()

	server := newBackendStub(t)
	client := inference.NewClient(server.URL, testTimeout)

	_, err := client.Infer(context.Background(), "oom-model", []byte("payload"))
	require.Error(t, err)
	assert.Equal(t, core.KindResourceExhausted, core.KindOf(err))
	assert.Contains(t, err.Error(), "CUDA out of memory")
}

func TestClient_NotFoundStaysFatal(t *testing.T) {
	t.Parallel()

	server := newBackendStub(t)
	client := inference.NewClient(server.URL, testTimeout)

	err := client.Load(context.Background(), "missing-model")
	require.Error(t, err)
	assert.Equal(t, core.KindInternal, core.KindOf(err))
}

func TestClient_InferRoundTrip(t *testing.T) {
	t.Parallel()

	server := newBackendStub(t)
	client := inference.NewClient(server.URL, testTimeout)

	output, err := client.Infer(
		context.Background(), "wav2motion-base", []byte("payload"),
	)
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:payload"), output)
}

func TestClient_AvailableMemory(t *testing.T) {
	t.Parallel()

	server := newBackendStub(t)
	client := inference.NewClient(server.URL, testTimeout)

	available, err := client.AvailableMemory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(8<<30), available)
}

func TestClient_HealthCheck(t *testing.T) {
	t.Parallel()

	server := newBackendStub(t)
	client := inference.NewClient(server.URL, testTimeout)

	require.NoError(t, client.HealthCheck(context.Background()))
}
