// Package facetrack implements the face track extractor: it locates the
// speaker's face in every source frame, crops it to a canonical square, and
// records the affine transform that maps each crop back into its frame.
package facetrack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"

	"github.com/book-expert/logger"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/media"
)

const stageName = "facetrack"

// DefaultConfidenceThreshold is the detection confidence below which a frame's
// box is discarded and the previous good box is held.
const DefaultConfidenceThreshold = 0.5

// Static errors.
var (
	ErrNoFace     = errors.New("no face detected in any frame")
	ErrNoWorkers  = errors.New("worker count must be positive")
	ErrNoCropSize = errors.New("crop size must be positive")
)

// Config controls the extractor.
type Config struct {
	// ModelID is the face detection model served by the backend.
	ModelID string
	// ConfidenceThreshold gates per-frame detections.
	ConfidenceThreshold float64
	// CropSize is the side length of the canonical square face crop.
	CropSize int
	// Workers is the number of frames detected concurrently.
	Workers int
}

// Extractor builds face tracks from source media.
type Extractor struct {
	cfg     Config
	backend core.InferenceBackend
	pool    core.ModelPool
	log     *logger.Logger
}

// detection is one raw detector result before thresholding.
type detection struct {
	Box        image.Rectangle
	Confidence float64
}

// detectResponse mirrors the detector model's JSON output.
type detectResponse struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"w"`
	Height     int     `json:"h"`
	Confidence float64 `json:"confidence"`
}

// New creates a face track extractor.
func New(
	cfg Config,
	backend core.InferenceBackend,
	pool core.ModelPool,
	log *logger.Logger,
) (*Extractor, error) {
	if cfg.Workers <= 0 {
		return nil, ErrNoWorkers
	}

	if cfg.CropSize <= 0 {
		return nil, ErrNoCropSize
	}

	return &Extractor{cfg: cfg, backend: backend, pool: pool, log: log}, nil
}

// Extract builds the face track for a source file. Still images produce a
// length-one track with Still set; videos produce one aligned frame per source
// frame. Frames whose detection confidence falls below the threshold reuse the
// last good box and are marked Held; leading low-confidence frames borrow the
// first good box. Extraction fails when no frame clears the threshold.
func (e *Extractor) Extract(ctx context.Context, sourcePath string) (core.FaceTrack, error) {
	release, err := e.pool.Acquire(ctx, e.cfg.ModelID)
	if err != nil {
		return core.FaceTrack{}, fmt.Errorf(
			"failed to acquire detection model: %w", err,
		)
	}
	defer release()

	if media.IsImagePath(sourcePath) {
		return e.extractStill(ctx, sourcePath)
	}

	return e.extractVideo(ctx, sourcePath)
}

// extractStill detects the face in a single still image.
func (e *Extractor) extractStill(
	ctx context.Context, sourcePath string,
) (core.FaceTrack, error) {
	frame, err := media.DecodeImage(sourcePath)
	if err != nil {
		return core.FaceTrack{}, core.NewPipelineError(
			core.KindInvalidInput, stageName, err,
		)
	}

	found, err := e.detect(ctx, frame)
	if err != nil {
		return core.FaceTrack{}, err
	}

	if found.Confidence < e.cfg.ConfidenceThreshold {
		return core.FaceTrack{}, core.NewPipelineError(
			core.KindNoFaceDetected, stageName, ErrNoFace,
		)
	}

	bounds := frame.Bounds()

	return core.FaceTrack{
		Frames: []core.FaceFrame{e.alignFrame(0, frame, found, false)},
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Still:  true,
	}, nil
}

// extractVideo detects faces across all frames of a video source.
func (e *Extractor) extractVideo(
	ctx context.Context, sourcePath string,
) (core.FaceTrack, error) {
	info, err := media.Probe(sourcePath)
	if err != nil {
		return core.FaceTrack{}, core.NewPipelineError(
			core.KindInvalidInput, stageName, err,
		)
	}

	frames, err := media.DecodeFrames(sourcePath, info.Width, info.Height)
	if err != nil {
		return core.FaceTrack{}, core.NewPipelineError(
			core.KindInvalidInput, stageName, err,
		)
	}

	detections := make([]detection, len(frames))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.cfg.Workers)

	for i, frame := range frames {
		group.Go(func() error {
			found, detectErr := e.detect(groupCtx, frame)
			if detectErr != nil {
				return fmt.Errorf("frame %d: %w", i, detectErr)
			}

			detections[i] = found

			return nil
		})
	}

	err = group.Wait()
	if err != nil {
		return core.FaceTrack{}, core.NewPipelineError(
			core.KindInternal, stageName, err,
		)
	}

	aligned, err := e.alignTrack(frames, detections)
	if err != nil {
		return core.FaceTrack{}, err
	}

	return core.FaceTrack{
		Frames:    aligned,
		FrameRate: info.FrameRate,
		Width:     info.Width,
		Height:    info.Height,
	}, nil
}

// alignTrack thresholds raw detections and fills the gaps. Low-confidence
// frames hold the most recent good box; a low-confidence prefix borrows the
// first good box.
func (e *Extractor) alignTrack(
	frames []*image.RGBA, detections []detection,
) ([]core.FaceFrame, error) {
	firstGood := -1

	for i, found := range detections {
		if found.Confidence >= e.cfg.ConfidenceThreshold {
			firstGood = i

			break
		}
	}

	if firstGood < 0 {
		return nil, core.NewPipelineError(
			core.KindNoFaceDetected, stageName, ErrNoFace,
		)
	}

	aligned := make([]core.FaceFrame, len(frames))
	lastGood := detections[firstGood]
	held := 0

	for i, frame := range frames {
		found := detections[i]

		hold := found.Confidence < e.cfg.ConfidenceThreshold
		if hold {
			found = lastGood
			held++
		} else {
			lastGood = found
		}

		aligned[i] = e.alignFrame(i, frame, found, hold)
	}

	if held > 0 {
		e.log.Warn("Held previous face box on %d of %d frame(s)",
			held, len(frames))
	}

	return aligned, nil
}

// alignFrame crops the detected region to the canonical square and records the
// crop-to-frame transform.
func (e *Extractor) alignFrame(
	index int, frame *image.RGBA, found detection, held bool,
) core.FaceFrame {
	crop := image.NewRGBA(image.Rect(0, 0, e.cfg.CropSize, e.cfg.CropSize))
	xdraw.CatmullRom.Scale(crop, crop.Bounds(), frame, found.Box, xdraw.Src, nil)

	size := float64(e.cfg.CropSize)

	return core.FaceFrame{
		Index:  index,
		Image:  crop,
		Source: frame,
		Transform: core.AlignTransform{
			A:  float64(found.Box.Dx()) / size,
			D:  float64(found.Box.Dy()) / size,
			Tx: float64(found.Box.Min.X),
			Ty: float64(found.Box.Min.Y),
		},
		Box:        found.Box,
		Confidence: found.Confidence,
		Held:       held,
	}
}

// detect runs the face detector on one frame.
func (e *Extractor) detect(
	ctx context.Context, frame *image.RGBA,
) (detection, error) {
	payload, err := media.EncodePNG(frame)
	if err != nil {
		return detection{}, fmt.Errorf("failed to encode detector input: %w", err)
	}

	output, err := e.backend.Infer(ctx, e.cfg.ModelID, payload)
	if err != nil {
		return detection{}, fmt.Errorf("face detection failed: %w", err)
	}

	var resp detectResponse

	err = json.Unmarshal(output, &resp)
	if err != nil {
		return detection{}, fmt.Errorf("failed to parse detector output: %w", err)
	}

	box := image.Rect(resp.X, resp.Y, resp.X+resp.Width, resp.Y+resp.Height)

	return detection{Box: box, Confidence: resp.Confidence}, nil
}
