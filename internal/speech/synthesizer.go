package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/abadojack/whatlanggo"
	"github.com/book-expert/logger"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"

	"github.com/book-expert/lipsync-service/internal/audio"
	"github.com/book-expert/lipsync-service/internal/core"
)

// Synthesis constants.
const (
	// crossfadeSamples is the boundary overlap used when joining chunk
	// audio, about 10 ms at 22050 Hz. Long enough to hide the seam, short
	// enough not to swallow plosives.
	crossfadeSamples = 220

	// minChunkPeak rejects degenerate chunk output. A rendered utterance
	// whose peak amplitude stays below this is silence, not speech.
	minChunkPeak = 1e-4

	// chunkRetryLimit is the number of attempts per chunk before the whole
	// synthesis fails.
	chunkRetryLimit = 2

	stageName = "speech"
)

// Static errors.
var (
	ErrEmptyScript    = errors.New("script text is empty")
	ErrDegenerateWave = errors.New("synthesized chunk is silent")
	ErrNoWorkers      = errors.New("worker count must be positive")
)

// Config controls the speech synthesizer.
type Config struct {
	// ModelID is the TTS model served by the inference backend.
	ModelID string
	// MaxUtteranceChars bounds the chunk size handed to the model.
	MaxUtteranceChars int
	// ChunkTimeout bounds one chunk synthesis attempt.
	ChunkTimeout time.Duration
	// Workers is the number of chunks rendered concurrently.
	Workers int
	// SampleRate is the output track's sample rate.
	SampleRate int
	// Temperature is the model sampling temperature.
	Temperature float64
}

// Synthesizer renders scripts to audio through the inference backend.
type Synthesizer struct {
	cfg     Config
	backend core.InferenceBackend
	pool    core.ModelPool
	log     *logger.Logger
}

// chunkRequest is the JSON payload for one TTS inference call.
type chunkRequest struct {
	Text           string  `json:"text"`
	Language       string  `json:"language"`
	SpeakerRefPath string  `json:"speaker_ref_path,omitempty"`
	Temperature    float64 `json:"temperature"`
	SampleRate     int     `json:"sample_rate"`
}

// New creates a speech synthesizer.
func New(
	cfg Config,
	backend core.InferenceBackend,
	pool core.ModelPool,
	log *logger.Logger,
) (*Synthesizer, error) {
	if cfg.Workers <= 0 {
		return nil, ErrNoWorkers
	}

	return &Synthesizer{cfg: cfg, backend: backend, pool: pool, log: log}, nil
}

// Synthesize renders the script to one continuous mono audio track. Chunks are
// rendered concurrently and rejoined in script order with an equal-power
// crossfade, so chunk boundaries never click. The same script always yields a
// track of the same length.
func (s *Synthesizer) Synthesize(
	ctx context.Context, script core.Script,
) (core.AudioTrack, error) {
	chunks := ChunkScript(script.Text, s.cfg.MaxUtteranceChars)
	if len(chunks) == 0 {
		return core.AudioTrack{}, core.NewPipelineError(
			core.KindInvalidInput, stageName, ErrEmptyScript,
		)
	}

	lang := s.resolveLanguage(script)

	release, err := s.pool.Acquire(ctx, s.cfg.ModelID)
	if err != nil {
		return core.AudioTrack{}, fmt.Errorf("failed to acquire TTS model: %w", err)
	}
	defer release()

	s.log.Info("Synthesizing %d chunk(s), language %s", len(chunks), lang)

	tracks := make([]core.AudioTrack, len(chunks))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.Workers)

	for i, chunk := range chunks {
		group.Go(func() error {
			track, chunkErr := s.synthesizeChunk(groupCtx, chunk, lang, script)
			if chunkErr != nil {
				return fmt.Errorf("chunk %d: %w", i, chunkErr)
			}

			tracks[i] = track

			return nil
		})
	}

	err = group.Wait()
	if err != nil {
		return core.AudioTrack{}, core.WrapStage(core.KindSynthesis, stageName, err)
	}

	joined, err := audio.CrossfadeConcat(tracks, crossfadeSamples)
	if err != nil {
		return core.AudioTrack{}, core.WrapStage(core.KindSynthesis, stageName, err)
	}

	joined = audio.NormalizePeak(
		audio.TrimSilence(joined, audio.DefaultSilenceThreshold),
		audio.DefaultPeakTarget,
	)

	return joined, nil
}

// synthesizeChunk renders one chunk with a per-attempt timeout. Transient
// backend failures get one retry; degenerate audio does not, because a silent
// result is deterministic for a given model and input.
func (s *Synthesizer) synthesizeChunk(
	ctx context.Context, text, lang string, script core.Script,
) (core.AudioTrack, error) {
	var lastErr error

	for attempt := 1; attempt <= chunkRetryLimit; attempt++ {
		track, err := s.renderChunk(ctx, text, lang, script)
		if err == nil {
			return track, nil
		}

		lastErr = err

		if errors.Is(err, ErrDegenerateWave) || ctx.Err() != nil {
			break
		}

		s.log.Warn("Chunk synthesis attempt %d failed: %v", attempt, err)
	}

	return core.AudioTrack{}, lastErr
}

// renderChunk performs one inference round-trip for a chunk.
func (s *Synthesizer) renderChunk(
	ctx context.Context, text, lang string, script core.Script,
) (core.AudioTrack, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.ChunkTimeout)
	defer cancel()

	payload, err := json.Marshal(chunkRequest{
		Text:           text,
		Language:       lang,
		SpeakerRefPath: script.VoiceRefPath,
		Temperature:    s.cfg.Temperature,
		SampleRate:     s.cfg.SampleRate,
	})
	if err != nil {
		return core.AudioTrack{}, fmt.Errorf("failed to marshal TTS request: %w", err)
	}

	wav, err := s.backend.Infer(attemptCtx, s.cfg.ModelID, payload)
	if err != nil {
		return core.AudioTrack{}, fmt.Errorf("TTS inference failed: %w", err)
	}

	track, err := audio.DecodeWAV(wav)
	if err != nil {
		return core.AudioTrack{}, fmt.Errorf("failed to decode TTS output: %w", err)
	}

	track, err = audio.Resample(track, s.cfg.SampleRate)
	if err != nil {
		return core.AudioTrack{}, fmt.Errorf("failed to resample TTS output: %w", err)
	}

	err = audio.Validate(track)
	if err != nil {
		return core.AudioTrack{}, fmt.Errorf("invalid TTS output: %w", err)
	}

	if audio.Peak(track) < minChunkPeak {
		return core.AudioTrack{}, ErrDegenerateWave
	}

	return track, nil
}

// resolveLanguage returns the script's language tag, detecting it from the
// text when the caller left it undefined.
func (s *Synthesizer) resolveLanguage(script core.Script) string {
	if script.Language != language.Und {
		return script.Language.String()
	}

	info := whatlanggo.Detect(script.Text)

	tag, err := language.Parse(whatlanggo.LangToString(info.Lang))
	if err != nil {
		s.log.Warn("Language detection inconclusive, defaulting to English")

		return language.English.String()
	}

	return tag.String()
}
