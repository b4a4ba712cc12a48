package audio

import (
	"errors"
	"fmt"
	"math"

	"github.com/book-expert/lipsync-service/internal/core"
)

// Static errors.
var (
	ErrInvalidSampleRate = errors.New("sample rate must be positive")
	ErrSampleRateMixed   = errors.New("tracks have differing sample rates")
	ErrNothingToConcat   = errors.New("no tracks to concatenate")
	ErrNonFiniteSamples  = errors.New("track contains non-finite samples")
)

// Processing defaults.
const (
	// DefaultSilenceThreshold is the absolute amplitude below which a
	// sample counts as silence for trimming.
	DefaultSilenceThreshold = 0.002

	// DefaultPeakTarget is the normalization target peak amplitude.
	DefaultPeakTarget = 0.95
)

// Resample converts a track to the target sample rate using linear
// interpolation. Returns the input unchanged when the rates already match.
func Resample(track core.AudioTrack, rate int) (core.AudioTrack, error) {
	if rate <= 0 {
		return core.AudioTrack{}, ErrInvalidSampleRate
	}

	if track.SampleRate == rate || track.Empty() {
		return core.AudioTrack{SampleRate: rate, Samples: track.Samples}, nil
	}

	ratio := float64(track.SampleRate) / float64(rate)
	outLen := int(math.Ceil(float64(len(track.Samples)) / ratio))
	out := make([]float64, outLen)

	for i := range outLen {
		pos := float64(i) * ratio

		lower := int(math.Floor(pos))
		if lower >= len(track.Samples)-1 {
			out[i] = track.Samples[len(track.Samples)-1]

			continue
		}

		frac := pos - float64(lower)
		out[i] = track.Samples[lower]*(1-frac) + track.Samples[lower+1]*frac
	}

	return core.AudioTrack{SampleRate: rate, Samples: out}, nil
}

// TrimSilence removes leading and trailing samples whose absolute amplitude
// stays below the threshold. A fully silent track trims to empty.
func TrimSilence(track core.AudioTrack, threshold float64) core.AudioTrack {
	start := 0
	for start < len(track.Samples) && math.Abs(track.Samples[start]) < threshold {
		start++
	}

	end := len(track.Samples)
	for end > start && math.Abs(track.Samples[end-1]) < threshold {
		end--
	}

	return core.AudioTrack{
		SampleRate: track.SampleRate,
		Samples:    track.Samples[start:end],
	}
}

// NormalizePeak scales the track so its peak amplitude equals target. Silent
// tracks are returned unchanged.
func NormalizePeak(track core.AudioTrack, target float64) core.AudioTrack {
	peak := Peak(track)
	if peak == 0 {
		return track
	}

	gain := target / peak
	out := make([]float64, len(track.Samples))

	for i, sample := range track.Samples {
		out[i] = sample * gain
	}

	return core.AudioTrack{SampleRate: track.SampleRate, Samples: out}
}

// Peak returns the maximum absolute amplitude in the track.
func Peak(track core.AudioTrack) float64 {
	var peak float64

	for _, sample := range track.Samples {
		if abs := math.Abs(sample); abs > peak {
			peak = abs
		}
	}

	return peak
}

// Validate rejects tracks carrying NaN or infinite samples.
func Validate(track core.AudioTrack) error {
	for i, sample := range track.Samples {
		if math.IsNaN(sample) || math.IsInf(sample, 0) {
			return fmt.Errorf("%w: sample %d", ErrNonFiniteSamples, i)
		}
	}

	return nil
}

// CrossfadeConcat joins tracks in order with an equal-power crossfade of
// overlap samples at every boundary. The output length equals the sum of the
// input lengths minus overlap per boundary. Tracks shorter than the overlap
// are joined without fading.
func CrossfadeConcat(tracks []core.AudioTrack, overlap int) (core.AudioTrack, error) {
	if len(tracks) == 0 {
		return core.AudioTrack{}, ErrNothingToConcat
	}

	rate := tracks[0].SampleRate
	for _, track := range tracks[1:] {
		if track.SampleRate != rate {
			return core.AudioTrack{}, fmt.Errorf(
				"%w: %d vs %d", ErrSampleRateMixed, rate, track.SampleRate,
			)
		}
	}

	out := append([]float64(nil), tracks[0].Samples...)

	for _, track := range tracks[1:] {
		out = crossfadeAppend(out, track.Samples, overlap)
	}

	return core.AudioTrack{SampleRate: rate, Samples: out}, nil
}

// crossfadeAppend fades next into the tail of head over fade samples.
func crossfadeAppend(head, next []float64, fade int) []float64 {
	if fade > len(head) {
		fade = len(head)
	}

	if fade > len(next) {
		fade = len(next)
	}

	joined := make([]float64, 0, len(head)+len(next)-fade)
	joined = append(joined, head[:len(head)-fade]...)

	for i := range fade {
		// Equal-power fade keeps perceived loudness flat at the seam.
		theta := float64(i) / float64(fade) * math.Pi / 2
		outGain := math.Cos(theta)
		inGain := math.Sin(theta)
		joined = append(joined, head[len(head)-fade+i]*outGain+next[i]*inGain)
	}

	return append(joined, next[fade:]...)
}
