// Package compose implements the compositor and muxer: generated face crops
// are pasted back into their source frames with a feathered seam, the frame
// sequence is encoded, and the audio track is muxed in.
package compose

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"

	"github.com/book-expert/logger"
	xdraw "golang.org/x/image/draw"

	"github.com/book-expert/lipsync-service/internal/audio"
	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/media"
)

const stageName = "compose"

// DefaultFeatherPixels is the seam width over which pasted crops blend into
// the source frame.
const DefaultFeatherPixels = 8

// Static errors.
var (
	ErrNoFrames       = errors.New("no frames to compose")
	ErrDurationDrift  = errors.New("video and audio durations drift apart")
	ErrBadSourceIndex = errors.New("frame references a source index outside the track")
	ErrInvalidFPS     = errors.New("frame rate must be positive")
)

// Config controls the compositor.
type Config struct {
	// FeatherPixels is the blend seam width in pixels.
	FeatherPixels int
	// WorkDir is where intermediate frame sequences and audio files live.
	WorkDir string
}

// Compositor pastes generated frames back and muxes the final clip.
type Compositor struct {
	cfg Config
	log *logger.Logger
}

// New creates a compositor.
func New(cfg Config, log *logger.Logger) *Compositor {
	if cfg.FeatherPixels <= 0 {
		cfg.FeatherPixels = DefaultFeatherPixels
	}

	return &Compositor{cfg: cfg, log: log}
}

// CheckSync verifies that the frame count and audio duration describe the
// same clip. Drift up to one frame interval is inherent to ceil-based frame
// counting; anything beyond it means the pipeline miscounted and the mux must
// not proceed.
func CheckSync(frameCount int, fps float64, track core.AudioTrack) error {
	if fps <= 0 {
		return core.NewPipelineError(core.KindInvalidInput, stageName, ErrInvalidFPS)
	}

	videoSeconds := float64(frameCount) / fps

	drift := math.Abs(videoSeconds - track.Seconds())
	if drift > 1/fps {
		return core.NewPipelineError(
			core.KindMux, stageName,
			fmt.Errorf("%w: video %.4fs, audio %.4fs",
				ErrDurationDrift, videoSeconds, track.Seconds()),
		)
	}

	return nil
}

// Compose pastes every generated frame back into its source frame, encodes the
// sequence with the audio track, and moves the result to outputPath. The
// output file appears atomically: encoding happens in the work directory and
// the finished file is renamed into place, so a failed compose never leaves a
// partial artifact at outputPath.
func (c *Compositor) Compose(
	ctx context.Context,
	face core.FaceTrack,
	frames []core.SynthesizedFrame,
	track core.AudioTrack,
	fps float64,
	outputPath string,
) error {
	if len(frames) == 0 {
		return core.NewPipelineError(core.KindInvalidInput, stageName, ErrNoFrames)
	}

	err := CheckSync(len(frames), fps, track)
	if err != nil {
		return err
	}

	workDir, err := os.MkdirTemp(c.cfg.WorkDir, "compose-*")
	if err != nil {
		return fmt.Errorf("failed to create compose work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	composited := make([]*image.RGBA, len(frames))

	for i, frame := range frames {
		if ctx.Err() != nil {
			return fmt.Errorf("compose cancelled: %w", ctx.Err())
		}

		if frame.SourceIndex < 0 || frame.SourceIndex >= len(face.Frames) {
			return core.NewPipelineError(
				core.KindInternal, stageName,
				fmt.Errorf("%w: frame %d wants source %d of %d",
					ErrBadSourceIndex, i, frame.SourceIndex,
					len(face.Frames)),
			)
		}

		source := face.Frames[frame.SourceIndex]
		composited[i] = PasteBack(source, frame.Image, c.cfg.FeatherPixels)
	}

	pattern, err := media.WriteFrameSequence(workDir, composited)
	if err != nil {
		return core.NewPipelineError(core.KindMux, stageName, err)
	}

	audioPath := filepath.Join(workDir, "audio.wav")

	wav, err := audio.EncodeWAV(track)
	if err != nil {
		return core.NewPipelineError(core.KindMux, stageName, err)
	}

	err = os.WriteFile(audioPath, wav, 0o644)
	if err != nil {
		return core.NewPipelineError(
			core.KindMux, stageName,
			fmt.Errorf("failed to write audio track: %w", err),
		)
	}

	stagedPath := filepath.Join(workDir, "output"+filepath.Ext(outputPath))

	err = media.EncodeVideo(pattern, audioPath, stagedPath, fps)
	if err != nil {
		return core.NewPipelineError(core.KindMux, stageName, err)
	}

	err = os.Rename(stagedPath, outputPath)
	if err != nil {
		return core.NewPipelineError(
			core.KindMux, stageName,
			fmt.Errorf("failed to move output into place: %w", err),
		)
	}

	c.log.Info("Composed %d frame(s) at %.2f fps into %s",
		len(frames), fps, outputPath)

	return nil
}

// PasteBack returns a copy of the source frame with the generated crop scaled
// into the detected face box. The crop's edges blend linearly into the source
// over feather pixels so the seam never shows as a hard rectangle.
func PasteBack(source core.FaceFrame, crop *image.RGBA, feather int) *image.RGBA {
	background := source.Source

	out := image.NewRGBA(background.Bounds())
	copy(out.Pix, background.Pix)

	box := source.Box.Intersect(background.Bounds())
	if box.Empty() {
		return out
	}

	scaled := image.NewRGBA(image.Rect(0, 0, box.Dx(), box.Dy()))
	xdraw.CatmullRom.Scale(scaled, scaled.Bounds(), crop, crop.Bounds(), xdraw.Src, nil)

	for y := 0; y < box.Dy(); y++ {
		for x := 0; x < box.Dx(); x++ {
			alpha := featherAlpha(x, y, box.Dx(), box.Dy(), feather)
			blendPixel(out, box.Min.X+x, box.Min.Y+y, scaled, x, y, alpha)
		}
	}

	return out
}

// featherAlpha is the blend weight of the pasted crop at (x, y), rising from 0
// at the box edge to 1 at feather pixels inside it.
func featherAlpha(x, y, width, height, feather int) float64 {
	edge := min(min(x, width-1-x), min(y, height-1-y))
	if edge >= feather {
		return 1
	}

	return float64(edge+1) / float64(feather+1)
}

// blendPixel mixes the crop pixel into the output with the given weight.
func blendPixel(dst *image.RGBA, dx, dy int, src *image.RGBA, sx, sy int, alpha float64) {
	d := dst.RGBAAt(dx, dy)
	s := src.RGBAAt(sx, sy)

	d.R = uint8(float64(d.R)*(1-alpha) + float64(s.R)*alpha)
	d.G = uint8(float64(d.G)*(1-alpha) + float64(s.G)*alpha)
	d.B = uint8(float64(d.B)*(1-alpha) + float64(s.B)*alpha)
	d.A = 255

	dst.SetRGBA(dx, dy, d)
}
