// Package audio implements the audio preprocessor: a small PCM WAV codec plus
// the resampling, trimming, loudness, and crossfade operations every
// audio-consuming stage shares. All tracks are mono float64 samples in [-1, 1].
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/book-expert/lipsync-service/internal/core"
)

// Static errors.
var (
	ErrNotRIFF             = errors.New("data is not a RIFF/WAVE stream")
	ErrTruncated           = errors.New("wav data truncated")
	ErrMissingFormatChunk  = errors.New("wav fmt chunk missing")
	ErrMissingDataChunk    = errors.New("wav data chunk missing")
	ErrUnsupportedEncoding = errors.New("unsupported wav encoding")
	ErrNoSamples           = errors.New("track has no samples")
)

// WAV layout constants.
const (
	riffHeaderSize  = 12
	chunkHeaderSize = 8
	fmtChunkMinSize = 16
	pcmFormatTag    = 1

	bitsPerSample8  = 8
	bitsPerSample16 = 16

	int16Max   = 32767
	int16Min   = -32768
	uint8Zero  = 128
	uint8Scale = 127
)

// DecodeWAV parses a PCM WAV stream into a mono AudioTrack. 8-bit and 16-bit
// encodings are accepted; multi-channel streams are downmixed by averaging.
func DecodeWAV(data []byte) (core.AudioTrack, error) {
	if len(data) < riffHeaderSize ||
		string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return core.AudioTrack{}, ErrNotRIFF
	}

	var (
		sampleRate int
		channels   int
		bitDepth   int
		haveFormat bool
		pcm        []byte
	)

	offset := riffHeaderSize
	for offset+chunkHeaderSize <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + chunkHeaderSize

		if body+chunkSize > len(data) {
			return core.AudioTrack{}, ErrTruncated
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < fmtChunkMinSize {
				return core.AudioTrack{}, ErrMissingFormatChunk
			}

			formatTag := int(binary.LittleEndian.Uint16(data[body : body+2]))
			if formatTag != pcmFormatTag {
				return core.AudioTrack{}, fmt.Errorf(
					"%w: format tag %d", ErrUnsupportedEncoding, formatTag,
				)
			}

			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bitDepth = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFormat = true
		case "data":
			pcm = data[body : body+chunkSize]
		}

		// Chunks are word-aligned.
		offset = body + chunkSize + chunkSize%2
	}

	if !haveFormat || sampleRate <= 0 || channels <= 0 {
		return core.AudioTrack{}, ErrMissingFormatChunk
	}

	if pcm == nil {
		return core.AudioTrack{}, ErrMissingDataChunk
	}

	samples, err := decodePCM(pcm, channels, bitDepth)
	if err != nil {
		return core.AudioTrack{}, err
	}

	return core.AudioTrack{SampleRate: sampleRate, Samples: samples}, nil
}

// decodePCM converts interleaved PCM bytes to mono float64 samples.
func decodePCM(pcm []byte, channels, bitDepth int) ([]float64, error) {
	switch bitDepth {
	case bitsPerSample16:
		return decodePCM16(pcm, channels), nil
	case bitsPerSample8:
		return decodePCM8(pcm, channels), nil
	default:
		return nil, fmt.Errorf("%w: %d-bit", ErrUnsupportedEncoding, bitDepth)
	}
}

func decodePCM16(pcm []byte, channels int) []float64 {
	bytesPerFrame := 2 * channels
	frameCount := len(pcm) / bytesPerFrame
	samples := make([]float64, frameCount)

	for frame := range frameCount {
		var sum float64

		for ch := range channels {
			idx := frame*bytesPerFrame + ch*2
			value := int16(binary.LittleEndian.Uint16(pcm[idx : idx+2]))
			sum += float64(value) / float64(int16Max+1)
		}

		samples[frame] = sum / float64(channels)
	}

	return samples
}

func decodePCM8(pcm []byte, channels int) []float64 {
	frameCount := len(pcm) / channels
	samples := make([]float64, frameCount)

	for frame := range frameCount {
		var sum float64

		for ch := range channels {
			value := int(pcm[frame*channels+ch]) - uint8Zero
			sum += float64(value) / float64(uint8Scale+1)
		}

		samples[frame] = sum / float64(channels)
	}

	return samples
}

// EncodeWAV serializes a track as mono 16-bit PCM WAV.
func EncodeWAV(track core.AudioTrack) ([]byte, error) {
	if track.Empty() {
		return nil, ErrNoSamples
	}

	dataSize := len(track.Samples) * 2
	buf := make([]byte, riffHeaderSize+chunkHeaderSize+fmtChunkMinSize+chunkHeaderSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(buf)-chunkHeaderSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], fmtChunkMinSize)
	binary.LittleEndian.PutUint16(buf[20:22], pcmFormatTag)
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(track.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(track.SampleRate*2)) // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], 2)                          // block align
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample16)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	for i, sample := range track.Samples {
		scaled := math.Round(sample * float64(int16Max+1))
		if scaled > int16Max {
			scaled = int16Max
		}

		if scaled < int16Min {
			scaled = int16Min
		}

		binary.LittleEndian.PutUint16(buf[44+i*2:46+i*2], uint16(int16(scaled)))
	}

	return buf, nil
}
