// Package media wraps ffmpeg for source probing, frame extraction, and final
// video encoding. Frames cross the package boundary as RGBA images; everything
// container- and codec-specific stays behind these functions.
package media

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg" // register JPEG decoding for DecodeImage
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// Static errors.
var (
	ErrNoVideoStream   = errors.New("media has no video stream")
	ErrBadFrameRate    = errors.New("cannot parse frame rate")
	ErrFrameSizeChange = errors.New("decoded data is not a whole number of frames")
	ErrNoFrames        = errors.New("no frames to write")
)

const (
	rgbaBytesPerPixel = 4
	framePattern      = "frame_%06d.png"
	frameFileMode     = 0o644
)

// Info describes the video stream of a probed media file.
type Info struct {
	Width     int
	Height    int
	FrameRate float64
	Duration  float64
}

// probeResult mirrors the ffprobe JSON fields we consume.
type probeResult struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// imageExtensions are source files treated as a single still frame.
var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

// IsImagePath reports whether the path names a still image by extension.
func IsImagePath(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}

// Probe inspects a media file and returns its video stream geometry, frame
// rate, and duration.
func Probe(path string) (Info, error) {
	raw, err := ffmpeg.Probe(path)
	if err != nil {
		return Info{}, fmt.Errorf("failed to probe %s: %w", path, err)
	}

	var result probeResult

	err = json.Unmarshal([]byte(raw), &result)
	if err != nil {
		return Info{}, fmt.Errorf("failed to parse probe output: %w", err)
	}

	for _, stream := range result.Streams {
		if stream.CodecType != "video" {
			continue
		}

		rate, rateErr := parseFrameRate(stream.RFrameRate, stream.AvgFrameRate)
		if rateErr != nil {
			return Info{}, rateErr
		}

		duration, _ := strconv.ParseFloat(result.Format.Duration, 64)

		return Info{
			Width:     stream.Width,
			Height:    stream.Height,
			FrameRate: rate,
			Duration:  duration,
		}, nil
	}

	return Info{}, fmt.Errorf("%w: %s", ErrNoVideoStream, path)
}

// parseFrameRate converts an ffprobe rational like "25/1" to a float,
// preferring r_frame_rate and falling back to avg_frame_rate.
func parseFrameRate(rates ...string) (float64, error) {
	for _, rate := range rates {
		num, den, found := strings.Cut(rate, "/")
		if !found {
			continue
		}

		numerator, numErr := strconv.ParseFloat(num, 64)
		denominator, denErr := strconv.ParseFloat(den, 64)

		if numErr != nil || denErr != nil || denominator == 0 || numerator <= 0 {
			continue
		}

		return numerator / denominator, nil
	}

	return 0, fmt.Errorf("%w: %q", ErrBadFrameRate, rates)
}

// DecodeFrames extracts every video frame as RGBA at the stream's native
// geometry, in presentation order.
func DecodeFrames(path string, width, height int) ([]*image.RGBA, error) {
	buf := &bytes.Buffer{}

	err := ffmpeg.Input(path).
		Output("pipe:", ffmpeg.KwArgs{
			"format":  "rawvideo",
			"pix_fmt": "rgba",
		}).
		WithOutput(buf).
		Silent(true).
		Run()
	if err != nil {
		return nil, fmt.Errorf("failed to decode frames from %s: %w", path, err)
	}

	frameSize := width * height * rgbaBytesPerPixel

	data := buf.Bytes()
	if frameSize == 0 || len(data)%frameSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes for %dx%d frames",
			ErrFrameSizeChange, len(data), width, height)
	}

	frames := make([]*image.RGBA, len(data)/frameSize)
	for i := range frames {
		frame := image.NewRGBA(image.Rect(0, 0, width, height))
		copy(frame.Pix, data[i*frameSize:(i+1)*frameSize])
		frames[i] = frame
	}

	return frames, nil
}

// DecodeImage loads a PNG or JPEG still as RGBA.
func DecodeImage(path string) (*image.RGBA, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}
	defer file.Close()

	decoded, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", path, err)
	}

	return ToRGBA(decoded), nil
}

// ToRGBA converts any image to RGBA, reusing the backing array when the input
// already is one.
func ToRGBA(src image.Image) *image.RGBA {
	if rgba, ok := src.(*image.RGBA); ok {
		return rgba
	}

	bounds := src.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(rgba, rgba.Bounds(), src, bounds.Min, draw.Src)

	return rgba
}

// EncodePNG serializes one frame as PNG bytes.
func EncodePNG(frame image.Image) ([]byte, error) {
	buf := &bytes.Buffer{}

	err := png.Encode(buf, frame)
	if err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodePNG parses PNG bytes into an RGBA frame.
func DecodePNG(data []byte) (*image.RGBA, error) {
	decoded, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode png: %w", err)
	}

	return ToRGBA(decoded), nil
}

// WriteFrameSequence writes frames as numbered PNGs into dir and returns the
// ffmpeg input pattern for the sequence.
func WriteFrameSequence(dir string, frames []*image.RGBA) (string, error) {
	if len(frames) == 0 {
		return "", ErrNoFrames
	}

	for i, frame := range frames {
		data, err := EncodePNG(frame)
		if err != nil {
			return "", fmt.Errorf("frame %d: %w", i, err)
		}

		name := filepath.Join(dir, fmt.Sprintf(framePattern, i))

		err = os.WriteFile(name, data, frameFileMode)
		if err != nil {
			return "", fmt.Errorf("failed to write frame %d: %w", i, err)
		}
	}

	return filepath.Join(dir, framePattern), nil
}

// EncodeVideo muxes a numbered PNG sequence and a WAV track into an H.264 MP4
// at the given frame rate.
func EncodeVideo(framesPattern, audioPath, outputPath string, fps float64) error {
	video := ffmpeg.Input(framesPattern, ffmpeg.KwArgs{
		"framerate": fps,
	})
	sound := ffmpeg.Input(audioPath)

	err := ffmpeg.Output([]*ffmpeg.Stream{video, sound}, outputPath, ffmpeg.KwArgs{
		"c:v":     "libx264",
		"pix_fmt": "yuv420p",
		"c:a":     "aac",
		"r":       fps,
	}).OverWriteOutput().Silent(true).Run()
	if err != nil {
		return fmt.Errorf("failed to encode video %s: %w", outputPath, err)
	}

	return nil
}

// ExtractAudioWAV demuxes the audio track of a media file to mono PCM WAV at
// the given sample rate.
func ExtractAudioWAV(path, outputPath string, sampleRate int) error {
	err := ffmpeg.Input(path).
		Output(outputPath, ffmpeg.KwArgs{
			"vn":  "",
			"ac":  1,
			"ar":  sampleRate,
			"c:a": "pcm_s16le",
		}).OverWriteOutput().Silent(true).Run()
	if err != nil {
		return fmt.Errorf("failed to extract audio from %s: %w", path, err)
	}

	return nil
}
