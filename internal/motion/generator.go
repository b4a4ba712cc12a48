// Package motion implements the motion generator: it reduces the synthesized
// audio to per-window acoustic features and has the motion model translate
// them into facial conditioning vectors.
package motion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/book-expert/logger"

	"github.com/book-expert/lipsync-service/internal/core"
)

const stageName = "motion"

// goertzelBands are the band centers, in Hz, whose energies feed the model.
// They bracket the formant range that drives mouth articulation.
var goertzelBands = []float64{250, 500, 1000, 2000, 4000}

// Static errors.
var (
	ErrEmptyAudio  = errors.New("audio track is empty")
	ErrInvalidHop  = errors.New("hop must be positive")
	ErrNoVectors   = errors.New("model returned no motion vectors")
	ErrEmptyVector = errors.New("model returned an empty motion vector")
)

// Config controls the motion generator.
type Config struct {
	// ModelID is the audio-to-motion model served by the backend.
	ModelID string
	// HopSeconds is the analysis window hop.
	HopSeconds float64
}

// Generator derives motion sequences from audio tracks.
type Generator struct {
	cfg     Config
	backend core.InferenceBackend
	pool    core.ModelPool
	log     *logger.Logger
}

// motionRequest is the single batched inference payload for one track.
type motionRequest struct {
	HopSeconds float64     `json:"hop_seconds"`
	SampleRate int         `json:"sample_rate"`
	Features   [][]float64 `json:"features"`
}

// motionResponse carries one conditioning vector per analysis window.
type motionResponse struct {
	Vectors [][]float64 `json:"vectors"`
}

// New creates a motion generator.
func New(
	cfg Config,
	backend core.InferenceBackend,
	pool core.ModelPool,
	log *logger.Logger,
) (*Generator, error) {
	if cfg.HopSeconds <= 0 {
		return nil, ErrInvalidHop
	}

	return &Generator{cfg: cfg, backend: backend, pool: pool, log: log}, nil
}

// Generate derives the motion sequence for a track. The track is cut into
// ceil(duration/hop) windows, each reduced to an acoustic feature vector, and
// the whole batch goes to the model in one inference call. The result spans
// the full audio duration; a short model response is padded by repeating the
// last vector so every window stays covered.
func (g *Generator) Generate(
	ctx context.Context, track core.AudioTrack,
) (core.MotionSequence, error) {
	if track.Empty() || track.SampleRate <= 0 {
		return core.MotionSequence{}, core.NewPipelineError(
			core.KindInvalidInput, stageName, ErrEmptyAudio,
		)
	}

	features := windowFeatures(track, g.cfg.HopSeconds)

	release, err := g.pool.Acquire(ctx, g.cfg.ModelID)
	if err != nil {
		return core.MotionSequence{}, fmt.Errorf(
			"failed to acquire motion model: %w", err,
		)
	}
	defer release()

	vectors, err := g.infer(ctx, track.SampleRate, features)
	if err != nil {
		return core.MotionSequence{}, core.WrapStage(
			core.KindSynthesis, stageName, err,
		)
	}

	vectors = padVectors(vectors, len(features))
	if len(vectors) > len(features) {
		vectors = vectors[:len(features)]
	}

	sequence := core.MotionSequence{
		Hop:      g.cfg.HopSeconds,
		Duration: track.Seconds(),
		Vectors:  make([]core.MotionVector, len(vectors)),
	}

	for i, values := range vectors {
		sequence.Vectors[i] = core.MotionVector{
			Offset: float64(i) * g.cfg.HopSeconds,
			Values: values,
		}
	}

	return sequence, nil
}

// infer runs the batched motion inference call.
func (g *Generator) infer(
	ctx context.Context, sampleRate int, features [][]float64,
) ([][]float64, error) {
	payload, err := json.Marshal(motionRequest{
		HopSeconds: g.cfg.HopSeconds,
		SampleRate: sampleRate,
		Features:   features,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal motion request: %w", err)
	}

	output, err := g.backend.Infer(ctx, g.cfg.ModelID, payload)
	if err != nil {
		return nil, fmt.Errorf("motion inference failed: %w", err)
	}

	var resp motionResponse

	err = json.Unmarshal(output, &resp)
	if err != nil {
		return nil, fmt.Errorf("failed to parse motion output: %w", err)
	}

	if len(resp.Vectors) == 0 {
		return nil, ErrNoVectors
	}

	for i, vector := range resp.Vectors {
		if len(vector) == 0 {
			return nil, fmt.Errorf("%w: window %d", ErrEmptyVector, i)
		}
	}

	return resp.Vectors, nil
}

// padVectors repeats the last vector until count windows are covered.
func padVectors(vectors [][]float64, count int) [][]float64 {
	for len(vectors) < count {
		last := vectors[len(vectors)-1]
		vectors = append(vectors, append([]float64(nil), last...))
	}

	return vectors
}

// windowFeatures reduces the track to one feature vector per analysis window:
// RMS energy, zero-crossing rate, and the Goertzel band energies.
func windowFeatures(track core.AudioTrack, hop float64) [][]float64 {
	windowSize := int(hop * float64(track.SampleRate))
	if windowSize <= 0 {
		windowSize = 1
	}

	count := int(math.Ceil(float64(len(track.Samples)) / float64(windowSize)))
	features := make([][]float64, count)

	for i := range count {
		start := i * windowSize

		end := start + windowSize
		if end > len(track.Samples) {
			end = len(track.Samples)
		}

		features[i] = featureVector(track.Samples[start:end], track.SampleRate)
	}

	return features
}

// featureVector computes the acoustic features for one window.
func featureVector(window []float64, sampleRate int) []float64 {
	features := make([]float64, 0, 2+len(goertzelBands))
	features = append(features, rms(window), zeroCrossingRate(window))

	for _, band := range goertzelBands {
		features = append(features, goertzelPower(window, band, sampleRate))
	}

	return features
}

// rms is the root-mean-square energy of the window.
func rms(window []float64) float64 {
	if len(window) == 0 {
		return 0
	}

	var sum float64
	for _, sample := range window {
		sum += sample * sample
	}

	return math.Sqrt(sum / float64(len(window)))
}

// zeroCrossingRate is the fraction of adjacent sample pairs changing sign.
func zeroCrossingRate(window []float64) float64 {
	if len(window) < 2 {
		return 0
	}

	crossings := 0

	for i := 1; i < len(window); i++ {
		if (window[i-1] >= 0) != (window[i] >= 0) {
			crossings++
		}
	}

	return float64(crossings) / float64(len(window)-1)
}

// goertzelPower is the normalized Goertzel energy of the window at the target
// frequency.
func goertzelPower(window []float64, freq float64, sampleRate int) float64 {
	if len(window) == 0 {
		return 0
	}

	omega := 2 * math.Pi * freq / float64(sampleRate)
	coeff := 2 * math.Cos(omega)

	var sPrev, sPrev2 float64

	for _, sample := range window {
		s := sample + coeff*sPrev - sPrev2
		sPrev2 = sPrev
		sPrev = s
	}

	power := sPrev*sPrev + sPrev2*sPrev2 - coeff*sPrev*sPrev2

	return power / float64(len(window))
}
