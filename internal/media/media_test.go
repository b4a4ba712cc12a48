// Package media_test tests the codec-independent media helpers.
package media_test

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/lipsync-service/internal/media"
)

func solidFrame(width, height int, fill color.RGBA) *image.RGBA {
	frame := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			frame.SetRGBA(x, y, fill)
		}
	}

	return frame
}

func TestIsImagePath(t *testing.T) {
	t.Parallel()

	assert.True(t, media.IsImagePath("/tmp/face.PNG"))
	assert.True(t, media.IsImagePath("portrait.jpeg"))
	assert.False(t, media.IsImagePath("clip.mp4"))
	assert.False(t, media.IsImagePath("soundtrack.wav"))
}

func TestPNG_RoundTrip(t *testing.T) {
	t.Parallel()

	frame := solidFrame(8, 6, color.RGBA{R: 200, G: 10, B: 30, A: 255})

	data, err := media.EncodePNG(frame)
	require.NoError(t, err)

	decoded, err := media.DecodePNG(data)
	require.NoError(t, err)

	require.Equal(t, frame.Bounds(), decoded.Bounds())
	assert.Equal(t, frame.Pix, decoded.Pix)
}

func TestDecodePNG_RejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := media.DecodePNG([]byte("not a png"))
	require.Error(t, err)
}

func TestToRGBA_ReusesRGBAInput(t *testing.T) {
	t.Parallel()

	frame := solidFrame(4, 4, color.RGBA{R: 1, G: 2, B: 3, A: 255})

	assert.Same(t, frame, media.ToRGBA(frame))
}

func TestToRGBA_ConvertsOtherFormats(t *testing.T) {
	t.Parallel()

	gray := image.NewGray(image.Rect(2, 2, 6, 6))

	converted := media.ToRGBA(gray)
	require.NotNil(t, converted)

	// Output is normalized to a zero origin.
	assert.Equal(t, image.Rect(0, 0, 4, 4), converted.Bounds())
}

func TestWriteFrameSequence(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	frames := []*image.RGBA{
		solidFrame(4, 4, color.RGBA{R: 255, A: 255}),
		solidFrame(4, 4, color.RGBA{G: 255, A: 255}),
		solidFrame(4, 4, color.RGBA{B: 255, A: 255}),
	}

	pattern, err := media.WriteFrameSequence(dir, frames)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "frame_%06d.png"), pattern)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, len(frames))
}

func TestWriteFrameSequence_RejectsEmptyInput(t *testing.T) {
	t.Parallel()

	_, err := media.WriteFrameSequence(t.TempDir(), nil)
	require.ErrorIs(t, err, media.ErrNoFrames)
}
