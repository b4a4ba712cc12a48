// Package inference provides the HTTP client for the model-inference backend.
// The backend hosts every pipeline model behind a uniform contract: models are
// loaded and unloaded by ID, inference takes an opaque payload, and available
// accelerator memory is queryable. The client implements core.InferenceBackend.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/book-expert/lipsync-service/internal/core"
)

const stageName = "inference"

// API endpoints.
const (
	apiLoad   = "/v1/models/load"
	apiUnload = "/v1/models/unload"
	apiInfer  = "/v1/infer"
	apiMemory = "/v1/memory"
	apiHealth = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
)

// Static errors.
var (
	ErrModelIDEmpty = errors.New("model id cannot be empty")
	ErrEmptyOutput  = errors.New("backend returned empty inference output")
)

// Client talks to the standalone inference service over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// modelRequest addresses a model for load/unload operations.
type modelRequest struct {
	ModelID string `json:"model_id"`
}

// inferRequest is the JSON envelope for one inference call. Input bytes are
// stage-specific encoded payloads and travel base64-encoded.
type inferRequest struct {
	ModelID string `json:"model_id"`
	Input   []byte `json:"input"`
}

// inferResponse carries the opaque inference output.
type inferResponse struct {
	Output []byte `json:"output"`
}

// memoryResponse reports the backend's free accelerator memory.
type memoryResponse struct {
	AvailableBytes int64 `json:"available_bytes"`
}

// errorResponse is the backend's structured error body.
type errorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// NewClient creates an inference client for the service at baseURL. The
// timeout applies to every HTTP request made by this client; per-call
// deadlines are layered on top via context.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Load instructs the backend to load the model into accelerator memory.
func (c *Client) Load(ctx context.Context, modelID string) error {
	if modelID == "" {
		return ErrModelIDEmpty
	}

	return c.post(ctx, apiLoad, modelRequest{ModelID: modelID}, nil)
}

// Unload releases the model's accelerator memory on the backend.
func (c *Client) Unload(ctx context.Context, modelID string) error {
	if modelID == "" {
		return ErrModelIDEmpty
	}

	return c.post(ctx, apiUnload, modelRequest{ModelID: modelID}, nil)
}

// Infer runs one inference call against a loaded model and returns the opaque
// output payload.
func (c *Client) Infer(ctx context.Context, modelID string, input []byte) ([]byte, error) {
	if modelID == "" {
		return nil, ErrModelIDEmpty
	}

	var resp inferResponse

	err := c.post(ctx, apiInfer, inferRequest{ModelID: modelID, Input: input}, &resp)
	if err != nil {
		return nil, err
	}

	if len(resp.Output) == 0 {
		return nil, ErrEmptyOutput
	}

	return resp.Output, nil
}

// AvailableMemory returns the backend's free accelerator memory in bytes.
func (c *Client) AvailableMemory(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.baseURL+apiMemory, http.NoBody,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create memory request: %w", err)
	}

	req.Header.Set(headerAccept, contentTypeJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to query backend memory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, c.parseErrorResponse(resp)
	}

	var memory memoryResponse

	err = json.NewDecoder(resp.Body).Decode(&memory)
	if err != nil {
		return 0, fmt.Errorf("failed to decode memory response: %w", err)
	}

	return memory.AvailableBytes, nil
}

// HealthCheck verifies that the inference service is reachable and healthy.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody,
	)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf(
			"health check failed for backend at %s: %w", c.baseURL, err,
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

// post sends a JSON request and optionally decodes a JSON response into out.
func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body),
	)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set(headerContentType, contentTypeJSON)
	req.Header.Set(headerAccept, contentTypeJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf(
			"failed to send request to backend at %s: %w", c.baseURL, err,
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	if out == nil {
		return nil
	}

	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil {
		return fmt.Errorf("failed to decode backend response: %w", err)
	}

	return nil
}

// parseErrorResponse decodes a structured backend error, falling back to the
// raw body so diagnostics are never lost. Overload responses are classified as
// resource exhaustion so the orchestrator retries them instead of failing the
// job.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var backendErr errorResponse

	decodeErr := json.NewDecoder(resp.Body).Decode(&backendErr)

	var err error

	if decodeErr == nil && backendErr.Detail != "" {
		err = fmt.Errorf("backend error (%s): %s (code: %s)",
			resp.Status, backendErr.Detail, backendErr.ErrorCode)
	} else {
		body, _ := io.ReadAll(resp.Body)

		err = fmt.Errorf(
			"backend returned non-OK status: %s, body: %s",
			resp.Status, string(body),
		)
	}

	if isTransientStatus(resp.StatusCode) || isExhaustedCode(backendErr.ErrorCode) {
		return core.NewPipelineError(core.KindResourceExhausted, stageName, err)
	}

	return err
}

// isTransientStatus reports whether the HTTP status signals a momentarily
// overloaded backend rather than a broken request.
func isTransientStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusServiceUnavailable,
		http.StatusInsufficientStorage:
		return true
	default:
		return false
	}
}

// isExhaustedCode reports whether the backend's structured error code names an
// accelerator capacity problem.
func isExhaustedCode(code string) bool {
	switch code {
	case "RESOURCE_EXHAUSTED", "OUT_OF_MEMORY", "OVERLOADED":
		return true
	default:
		return false
	}
}
