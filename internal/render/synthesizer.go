// Package render implements the frame synthesizer: the lip-sync model turns
// one aligned face crop plus one motion vector into one generated mouth frame.
package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/book-expert/logger"
	"golang.org/x/sync/errgroup"

	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/media"
)

const stageName = "render"

// Static errors.
var (
	ErrNoMotion  = errors.New("motion sequence resamples to zero frames")
	ErrNoFaces   = errors.New("face track has no frames")
	ErrNoWorkers = errors.New("worker count must be positive")
)

// Config controls the frame synthesizer.
type Config struct {
	// ModelID is the lip-sync generation model served by the backend.
	ModelID string
	// Workers is the number of frames generated concurrently.
	Workers int
}

// Synthesizer generates lip-synced face frames.
type Synthesizer struct {
	cfg     Config
	backend core.InferenceBackend
	pool    core.ModelPool
	log     *logger.Logger
}

// renderRequest is the JSON payload for one frame generation call.
type renderRequest struct {
	FacePNG []byte    `json:"face_png"`
	Motion  []float64 `json:"motion"`
}

// New creates a frame synthesizer.
func New(
	cfg Config,
	backend core.InferenceBackend,
	pool core.ModelPool,
	log *logger.Logger,
) (*Synthesizer, error) {
	if cfg.Workers <= 0 {
		return nil, ErrNoWorkers
	}

	return &Synthesizer{cfg: cfg, backend: backend, pool: pool, log: log}, nil
}

// Render generates one frame per resampled motion vector. The audio duration
// alone fixes the output frame count; when the face track is shorter, source
// frames loop in a ping-pong pattern so the clip never jump-cuts back to its
// first frame. Frames are generated concurrently but returned in strictly
// ascending index order regardless of completion order.
func (s *Synthesizer) Render(
	ctx context.Context,
	face core.FaceTrack,
	sequence core.MotionSequence,
	fps float64,
) ([]core.SynthesizedFrame, error) {
	if len(face.Frames) == 0 {
		return nil, core.NewPipelineError(
			core.KindInvalidInput, stageName, ErrNoFaces,
		)
	}

	vectors := sequence.Resample(fps)
	if len(vectors) == 0 {
		return nil, core.NewPipelineError(
			core.KindInvalidInput, stageName, ErrNoMotion,
		)
	}

	release, err := s.pool.Acquire(ctx, s.cfg.ModelID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire render model: %w", err)
	}
	defer release()

	s.log.Info("Rendering %d frame(s) from %d source face(s)",
		len(vectors), len(face.Frames))

	frames := make([]core.SynthesizedFrame, len(vectors))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.Workers)

	sourceRate := face.FrameRate
	if sourceRate <= 0 {
		sourceRate = fps
	}

	for i, vector := range vectors {
		group.Go(func() error {
			// The source frame is picked by output timestamp, so a
			// source clip at a different frame rate plays at its own
			// speed instead of drifting.
			pos := int(math.Floor(float64(i) / fps * sourceRate))
			src := sourceIndex(pos, len(face.Frames), face.Still)

			img, renderErr := s.renderFrame(groupCtx, face.Frames[src], vector)
			if renderErr != nil {
				return fmt.Errorf("frame %d: %w", i, renderErr)
			}

			frames[i] = core.SynthesizedFrame{
				Index:       i,
				SourceIndex: src,
				Image:       img,
				Motion:      vector,
			}

			return nil
		})
	}

	err = group.Wait()
	if err != nil {
		return nil, core.WrapStage(core.KindSynthesis, stageName, err)
	}

	return frames, nil
}

// renderFrame runs one generation inference call.
func (s *Synthesizer) renderFrame(
	ctx context.Context, face core.FaceFrame, vector []float64,
) (*image.RGBA, error) {
	facePNG, err := media.EncodePNG(face.Image)
	if err != nil {
		return nil, fmt.Errorf("failed to encode face crop: %w", err)
	}

	payload, err := json.Marshal(renderRequest{FacePNG: facePNG, Motion: vector})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal render request: %w", err)
	}

	output, err := s.backend.Infer(ctx, s.cfg.ModelID, payload)
	if err != nil {
		return nil, fmt.Errorf("render inference failed: %w", err)
	}

	img, err := media.DecodePNG(output)
	if err != nil {
		return nil, fmt.Errorf("failed to decode rendered frame: %w", err)
	}

	return img, nil
}

// sourceIndex maps a source frame position onto the face loop. Videos shorter
// than the audio play forward then backward with period 2n-2, so motion at the
// loop seam stays continuous. Stills always map to frame zero.
func sourceIndex(pos, n int, still bool) int {
	if still || n == 1 {
		return 0
	}

	period := 2*n - 2

	pos %= period
	if pos < n {
		return pos
	}

	return period - pos
}
