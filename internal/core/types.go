// Package core defines the data model, interfaces, and error taxonomy shared by
// every stage of the lip-sync synthesis pipeline.
package core

import (
	"errors"
	"fmt"
	"image"
	"math"
	"time"

	"golang.org/x/text/language"
)

// ErrDegenerateTransform indicates that an alignment transform cannot be inverted.
var ErrDegenerateTransform = errors.New("alignment transform is not invertible")

// minTransformDeterminant is the smallest determinant accepted when inverting
// an alignment transform.
const minTransformDeterminant = 1e-9

// JobStatus describes where a synthesis job is in its lifecycle.
type JobStatus string

// Job lifecycle states. A job moves strictly forward through these; Done and
// Failed are terminal.
const (
	StatusQueued        JobStatus = "queued"
	StatusPreprocessing JobStatus = "preprocessing"
	StatusSynthesizing  JobStatus = "synthesizing"
	StatusRestoring     JobStatus = "restoring"
	StatusComposing     JobStatus = "composing"
	StatusDone          JobStatus = "done"
	StatusFailed        JobStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Script is the text to speak plus an optional reference voice sample.
// It is immutable once submitted to a job.
type Script struct {
	Text         string
	VoiceRefPath string
	Language     language.Tag
}

// AudioTrack holds mono PCM samples in the range [-1, 1].
type AudioTrack struct {
	SampleRate int
	Samples    []float64
}

// Duration returns the playback duration of the track.
func (t AudioTrack) Duration() time.Duration {
	if t.SampleRate <= 0 {
		return 0
	}

	seconds := float64(len(t.Samples)) / float64(t.SampleRate)

	return time.Duration(seconds * float64(time.Second))
}

// Seconds returns the playback duration in seconds.
func (t AudioTrack) Seconds() float64 {
	if t.SampleRate <= 0 {
		return 0
	}

	return float64(len(t.Samples)) / float64(t.SampleRate)
}

// Empty reports whether the track carries no samples.
func (t AudioTrack) Empty() bool {
	return len(t.Samples) == 0
}

// AlignTransform is a 2x3 affine transform mapping canonical face-crop
// coordinates into source-frame coordinates:
//
//	X = A*x + B*y + Tx
//	Y = C*x + D*y + Ty
type AlignTransform struct {
	A, B, C, D float64
	Tx, Ty     float64
}

// Apply maps a point from crop space into source-frame space.
func (t AlignTransform) Apply(x, y float64) (float64, float64) {
	return t.A*x + t.B*y + t.Tx, t.C*x + t.D*y + t.Ty
}

// Invert returns the inverse transform, or ErrDegenerateTransform when the
// linear part is singular.
func (t AlignTransform) Invert() (AlignTransform, error) {
	det := t.A*t.D - t.B*t.C
	if math.Abs(det) < minTransformDeterminant {
		return AlignTransform{}, fmt.Errorf(
			"%w: determinant %g", ErrDegenerateTransform, det,
		)
	}

	inv := AlignTransform{
		A: t.D / det,
		B: -t.B / det,
		C: -t.C / det,
		D: t.A / det,
	}
	inv.Tx = -(inv.A*t.Tx + inv.B*t.Ty)
	inv.Ty = -(inv.C*t.Tx + inv.D*t.Ty)

	return inv, nil
}

// FaceFrame is one aligned face observation in the source media.
type FaceFrame struct {
	Index int
	// Image is the canonical square face crop fed to the generator.
	Image *image.RGBA
	// Source is the full source frame the crop was taken from; composition
	// pastes generated crops back onto it.
	Source     *image.RGBA
	Transform  AlignTransform
	Box        image.Rectangle
	Confidence float64
	// Held marks frames where detection confidence was below threshold and
	// the previous good transform was reused.
	Held bool
}

// FaceTrack is the ordered face observations for the whole source clip.
// Frame indices are contiguous and ascending. A still image produces a
// length-one track with Still set; downstream stages repeat the single frame
// by reference rather than copying it.
type FaceTrack struct {
	Frames    []FaceFrame
	FrameRate float64
	Width     int
	Height    int
	Still     bool
}

// Duration returns the covered source duration. Still tracks have no intrinsic
// duration.
func (ft FaceTrack) Duration() time.Duration {
	if ft.Still || ft.FrameRate <= 0 {
		return 0
	}

	seconds := float64(len(ft.Frames)) / ft.FrameRate

	return time.Duration(seconds * float64(time.Second))
}

// MotionVector is one audio-derived conditioning vector tagged with its audio
// time offset in seconds.
type MotionVector struct {
	Offset float64
	Values []float64
}

// MotionSequence is the ordered conditioning vectors covering one AudioTrack.
// Offsets are monotonically non-decreasing and span the audio duration within
// one analysis hop; the vector count is independent of the video frame count.
type MotionSequence struct {
	// Hop is the analysis hop size in seconds.
	Hop float64
	// Duration is the covered audio duration in seconds.
	Duration float64
	Vectors  []MotionVector
}

// FrameCount returns the number of output video frames a resample at the given
// frame rate produces.
func (ms MotionSequence) FrameCount(fps float64) int {
	if fps <= 0 || ms.Duration <= 0 {
		return 0
	}

	return int(math.Ceil(ms.Duration * fps))
}

// Resample interpolates the sequence to one conditioning vector per video
// frame at the given frame rate. Interpolation is linear between neighbouring
// vectors, which makes the result deterministic: resampling the same sequence
// at the same rate always yields identical output. The result has exactly
// ceil(Duration*fps) vectors.
func (ms MotionSequence) Resample(fps float64) [][]float64 {
	count := ms.FrameCount(fps)
	if count == 0 || len(ms.Vectors) == 0 {
		return nil
	}

	out := make([][]float64, count)

	for i := range count {
		t := float64(i) / fps
		out[i] = ms.vectorAt(t)
	}

	return out
}

// vectorAt linearly interpolates the conditioning vector at audio time t.
func (ms MotionSequence) vectorAt(t float64) []float64 {
	if ms.Hop <= 0 || len(ms.Vectors) == 1 {
		return append([]float64(nil), ms.Vectors[0].Values...)
	}

	pos := t / ms.Hop

	lower := int(math.Floor(pos))
	if lower < 0 {
		lower = 0
	}

	if lower >= len(ms.Vectors)-1 {
		last := ms.Vectors[len(ms.Vectors)-1].Values

		return append([]float64(nil), last...)
	}

	frac := pos - float64(lower)
	a := ms.Vectors[lower].Values
	b := ms.Vectors[lower+1].Values

	mixed := make([]float64, len(a))
	for i := range a {
		mixed[i] = a[i]*(1-frac) + b[i]*frac
	}

	return mixed
}

// SynthesizedFrame is one generated face image with its provenance. Frames are
// never mutated after creation; restoration returns a new frame.
type SynthesizedFrame struct {
	Index       int
	SourceIndex int
	Image       *image.RGBA
	Motion      []float64
	Restored    bool
}

// SynthesisJob aggregates one script, source media, and output target. It is
// created on submission and mutated only by the orchestrator.
type SynthesisJob struct {
	ID         string
	Script     Script
	SourcePath string
	OutputPath string
	TargetFPS  float64
	Status     JobStatus
	Warnings   []string
	Error      string
	ErrorKind  ErrorKind
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Report summarizes a finished job for the caller.
type Report struct {
	JobID         string
	Status        JobStatus
	Warnings      []string
	Timings       map[string]time.Duration
	FrameCount    int
	AudioDuration time.Duration
}
