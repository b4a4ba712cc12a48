// Package motion_test tests audio feature windowing and motion generation.
package motion_test

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/motion"
)

// echoBackend returns one fixed-size vector per feature window, optionally
// short by a few windows.
type echoBackend struct {
	short int
}

func (e *echoBackend) Load(_ context.Context, _ string) error   { return nil }
func (e *echoBackend) Unload(_ context.Context, _ string) error { return nil }

func (e *echoBackend) AvailableMemory(_ context.Context) (int64, error) {
	return 1 << 30, nil
}

func (e *echoBackend) Infer(
	_ context.Context, _ string, input []byte,
) ([]byte, error) {
	var req struct {
		Features [][]float64 `json:"features"`
	}

	err := json.Unmarshal(input, &req)
	if err != nil {
		return nil, err
	}

	count := len(req.Features) - e.short

	vectors := make([][]float64, count)
	for i := range count {
		vectors[i] = []float64{float64(i), req.Features[i][0]}
	}

	return json.Marshal(map[string][][]float64{"vectors": vectors})
}

type noopPool struct{}

func (noopPool) Acquire(_ context.Context, _ string) (func(), error) {
	return func() {}, nil
}

func newGenerator(t *testing.T, backend core.InferenceBackend) *motion.Generator {
	t.Helper()

	log, err := logger.New(t.TempDir(), "motion-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	generator, err := motion.New(motion.Config{
		ModelID:    "wav2motion",
		HopSeconds: 0.02,
	}, backend, noopPool{}, log)
	require.NoError(t, err)

	return generator
}

func speechLikeTrack(seconds float64) core.AudioTrack {
	const rate = 22050

	count := int(rate * seconds)
	samples := make([]float64, count)

	for i := range count {
		samples[i] = 0.3 * math.Sin(2*math.Pi*180*float64(i)/rate)
	}

	return core.AudioTrack{SampleRate: rate, Samples: samples}
}

func TestGenerate_OneVectorPerWindow(t *testing.T) {
	t.Parallel()

	generator := newGenerator(t, &echoBackend{})

	// 1.0 s at a 20 ms hop yields exactly 50 windows.
	sequence, err := generator.Generate(context.Background(), speechLikeTrack(1.0))
	require.NoError(t, err)

	require.Len(t, sequence.Vectors, 50)
	assert.InDelta(t, 0.02, sequence.Hop, 1e-12)
	assert.InDelta(t, 1.0, sequence.Duration, 1e-6)

	// Offsets advance by one hop per window.
	assert.InDelta(t, 0.0, sequence.Vectors[0].Offset, 1e-12)
	assert.InDelta(t, 0.02*49, sequence.Vectors[49].Offset, 1e-9)
}

func TestGenerate_PadsShortModelResponse(t *testing.T) {
	t.Parallel()

	generator := newGenerator(t, &echoBackend{short: 3})

	sequence, err := generator.Generate(context.Background(), speechLikeTrack(1.0))
	require.NoError(t, err)
	require.Len(t, sequence.Vectors, 50)

	// The padded tail repeats the last real vector.
	last := sequence.Vectors[46].Values
	for i := 47; i < 50; i++ {
		assert.Equal(t, last, sequence.Vectors[i].Values)
	}
}

func TestGenerate_EmptyTrackIsInvalidInput(t *testing.T) {
	t.Parallel()

	generator := newGenerator(t, &echoBackend{})

	_, err := generator.Generate(context.Background(), core.AudioTrack{})
	require.Error(t, err)
	assert.Equal(t, core.KindInvalidInput, core.KindOf(err))
}

func TestNew_RejectsNonPositiveHop(t *testing.T) {
	t.Parallel()

	log, err := logger.New(t.TempDir(), "motion-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	_, err = motion.New(motion.Config{}, &echoBackend{}, noopPool{}, log)
	require.ErrorIs(t, err, motion.ErrInvalidHop)
}
