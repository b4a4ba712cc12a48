// Package restore implements the face restorer: generated frames go through an
// enhancement model that sharpens facial detail lost during lip-sync
// generation. Restoration is best effort; callers fall back to the unrestored
// frame when a restoration call fails.
package restore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"

	"github.com/book-expert/logger"
	xdraw "golang.org/x/image/draw"

	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/media"
)

const stageName = "restore"

// Static errors.
var (
	ErrNilFrame   = errors.New("frame has no image")
	ErrEmptyImage = errors.New("restoration model returned an empty image")
)

// Config controls the face restorer.
type Config struct {
	// ModelID is the restoration model served by the backend.
	ModelID string
	// Strength is the enhancement strength passed to the model, in [0, 1].
	Strength float64
}

// Restorer enhances generated frames through the inference backend.
type Restorer struct {
	cfg     Config
	backend core.InferenceBackend
	pool    core.ModelPool
	log     *logger.Logger
}

// restoreRequest is the JSON payload for one restoration call.
type restoreRequest struct {
	FramePNG []byte  `json:"frame_png"`
	Strength float64 `json:"strength"`
}

// New creates a face restorer.
func New(
	cfg Config,
	backend core.InferenceBackend,
	pool core.ModelPool,
	log *logger.Logger,
) *Restorer {
	return &Restorer{cfg: cfg, backend: backend, pool: pool, log: log}
}

// Restore enhances one frame and returns a new frame with Restored set. The
// input frame is never mutated. Restoration models often emit upscaled
// output; the result is scaled back to the input geometry so downstream
// composition sees a consistent crop size. Failures carry the restoration
// error kind so the caller can degrade instead of failing the job.
func (r *Restorer) Restore(
	ctx context.Context, frame core.SynthesizedFrame,
) (core.SynthesizedFrame, error) {
	if frame.Image == nil {
		return core.SynthesizedFrame{}, core.NewPipelineError(
			core.KindInvalidInput, stageName, ErrNilFrame,
		)
	}

	release, err := r.pool.Acquire(ctx, r.cfg.ModelID)
	if err != nil {
		return core.SynthesizedFrame{}, fmt.Errorf(
			"failed to acquire restoration model: %w", err,
		)
	}
	defer release()

	restored, err := r.enhance(ctx, frame.Image)
	if err != nil {
		return core.SynthesizedFrame{}, core.NewPipelineError(
			core.KindRestoration, stageName,
			fmt.Errorf("frame %d: %w", frame.Index, err),
		)
	}

	out := frame
	out.Image = restored
	out.Restored = true

	return out, nil
}

// enhance runs one restoration inference call and normalizes the output
// geometry back to the input's.
func (r *Restorer) enhance(
	ctx context.Context, img *image.RGBA,
) (*image.RGBA, error) {
	framePNG, err := media.EncodePNG(img)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	payload, err := json.Marshal(restoreRequest{
		FramePNG: framePNG,
		Strength: r.cfg.Strength,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal restore request: %w", err)
	}

	output, err := r.backend.Infer(ctx, r.cfg.ModelID, payload)
	if err != nil {
		return nil, fmt.Errorf("restoration inference failed: %w", err)
	}

	restored, err := media.DecodePNG(output)
	if err != nil {
		return nil, fmt.Errorf("failed to decode restored frame: %w", err)
	}

	bounds := restored.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, ErrEmptyImage
	}

	if bounds.Eq(img.Bounds()) {
		return restored, nil
	}

	scaled := image.NewRGBA(img.Bounds())
	xdraw.CatmullRom.Scale(scaled, scaled.Bounds(), restored, bounds, xdraw.Src, nil)

	return scaled, nil
}
