package core

import "context"

// ObjectStore is a key-value blob store for job inputs and output artifacts.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// InferenceBackend is the opaque model-inference service every pipeline stage
// talks to. Models are addressed by ID; inputs and outputs are stage-specific
// encoded payloads.
type InferenceBackend interface {
	Load(ctx context.Context, modelID string) error
	Unload(ctx context.Context, modelID string) error
	Infer(ctx context.Context, modelID string, input []byte) ([]byte, error)
	AvailableMemory(ctx context.Context) (int64, error)
}

// ModelPool grants stages access to a loaded model within the accelerator
// memory budget. Acquire blocks until the model fits, loading it on first use
// and evicting idle models as needed; the returned release function must be
// called when the stage is done with the model.
type ModelPool interface {
	Acquire(ctx context.Context, modelID string) (release func(), err error)
}
