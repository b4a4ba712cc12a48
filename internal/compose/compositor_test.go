// Package compose_test tests sync checking and seam blending.
package compose_test

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/lipsync-service/internal/compose"
	"github.com/book-expert/lipsync-service/internal/core"
)

func trackOfSeconds(seconds float64) core.AudioTrack {
	const rate = 22050

	return core.AudioTrack{
		SampleRate: rate,
		Samples:    make([]float64, int(seconds*rate)),
	}
}

func TestCheckSync_WithinOneFrameIntervalPasses(t *testing.T) {
	t.Parallel()

	// 30 frames at 25 fps is 1.2 s of video; 1.17 s of audio drifts by
	// less than one 40 ms frame interval.
	require.NoError(t, compose.CheckSync(30, 25, trackOfSeconds(1.17)))
	require.NoError(t, compose.CheckSync(30, 25, trackOfSeconds(1.2)))
}

func TestCheckSync_BeyondOneFrameIntervalIsMuxError(t *testing.T) {
	t.Parallel()

	err := compose.CheckSync(30, 25, trackOfSeconds(1.1))
	require.Error(t, err)
	assert.Equal(t, core.KindMux, core.KindOf(err))
	assert.ErrorIs(t, err, compose.ErrDurationDrift)
}

func TestCheckSync_RejectsNonPositiveFPS(t *testing.T) {
	t.Parallel()

	err := compose.CheckSync(30, 0, trackOfSeconds(1.2))
	require.Error(t, err)
	assert.Equal(t, core.KindInvalidInput, core.KindOf(err))
}

func solid(rect image.Rectangle, fill color.RGBA) *image.RGBA {
	img := image.NewRGBA(rect)
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			img.SetRGBA(x, y, fill)
		}
	}

	return img
}

func TestPasteBack_CenterIsCropEdgeIsSource(t *testing.T) {
	t.Parallel()

	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	black := color.RGBA{A: 255}

	source := core.FaceFrame{
		Source: solid(image.Rect(0, 0, 100, 100), black),
		Box:    image.Rect(20, 20, 80, 80),
	}
	crop := solid(image.Rect(0, 0, 32, 32), white)

	out := compose.PasteBack(source, crop, 8)

	// Outside the box the source shows through untouched.
	assert.Equal(t, black, out.RGBAAt(5, 5))
	assert.Equal(t, black, out.RGBAAt(95, 95))

	// Deep inside the box the crop fully replaces the source.
	assert.Equal(t, white, out.RGBAAt(50, 50))

	// On the seam the blend sits strictly between the two.
	seam := out.RGBAAt(21, 50)
	assert.Greater(t, seam.R, uint8(0))
	assert.Less(t, seam.R, uint8(255))
}

func TestPasteBack_DoesNotMutateSourceFrame(t *testing.T) {
	t.Parallel()

	black := color.RGBA{A: 255}
	source := core.FaceFrame{
		Source: solid(image.Rect(0, 0, 50, 50), black),
		Box:    image.Rect(10, 10, 40, 40),
	}
	crop := solid(image.Rect(0, 0, 16, 16), color.RGBA{R: 255, A: 255})

	_ = compose.PasteBack(source, crop, 4)

	assert.Equal(t, black, source.Source.RGBAAt(25, 25))
}

func TestPasteBack_BoxOutsideFrameLeavesSourceIntact(t *testing.T) {
	t.Parallel()

	black := color.RGBA{A: 255}
	source := core.FaceFrame{
		Source: solid(image.Rect(0, 0, 40, 40), black),
		Box:    image.Rect(100, 100, 140, 140),
	}
	crop := solid(image.Rect(0, 0, 16, 16), color.RGBA{G: 255, A: 255})

	out := compose.PasteBack(source, crop, 4)

	for y := range 40 {
		for x := range 40 {
			require.Equal(t, black, out.RGBAAt(x, y))
		}
	}
}
