// Package pipeline orchestrates a synthesis job end to end: speech synthesis
// and face extraction run in parallel, motion and frame generation follow, and
// restoration and composition finish the clip. The orchestrator owns job
// status transitions and applies the per-error-kind retry and degrade policy.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/book-expert/logger"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/book-expert/lipsync-service/internal/core"
)

// Stage names used in status updates, timings, and error wrapping.
const (
	stageSpeech    = "speech"
	stageFacetrack = "facetrack"
	stageMotion    = "motion"
	stageRender    = "render"
	stageRestore   = "restore"
	stageCompose   = "compose"
)

// Static errors.
var (
	ErrNoScript     = errors.New("job has no script text")
	ErrNoSource     = errors.New("job has no source media path")
	ErrNoOutput     = errors.New("job has no output path")
	ErrBadFrameRate = errors.New("job frame rate must be positive")
)

// SpeechSynthesizer renders a script to one continuous audio track.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, script core.Script) (core.AudioTrack, error)
}

// FaceExtractor builds the aligned face track for the source media.
type FaceExtractor interface {
	Extract(ctx context.Context, sourcePath string) (core.FaceTrack, error)
}

// MotionDeriver turns the audio track into facial conditioning vectors.
type MotionDeriver interface {
	Generate(ctx context.Context, track core.AudioTrack) (core.MotionSequence, error)
}

// FrameRenderer generates lip-synced frames from faces and motion.
type FrameRenderer interface {
	Render(
		ctx context.Context,
		face core.FaceTrack,
		sequence core.MotionSequence,
		fps float64,
	) ([]core.SynthesizedFrame, error)
}

// FrameRestorer enhances one generated frame.
type FrameRestorer interface {
	Restore(
		ctx context.Context, frame core.SynthesizedFrame,
	) (core.SynthesizedFrame, error)
}

// Composer pastes frames back and muxes the final clip.
type Composer interface {
	Compose(
		ctx context.Context,
		face core.FaceTrack,
		frames []core.SynthesizedFrame,
		track core.AudioTrack,
		fps float64,
		outputPath string,
	) error
}

// Store persists job state transitions.
type Store interface {
	UpsertJob(ctx context.Context, job *core.SynthesisJob) error
}

// Publisher announces job progress to interested listeners.
type Publisher interface {
	PublishProgress(ctx context.Context, job *core.SynthesisJob, stage string) error
}

// Config controls the orchestrator.
type Config struct {
	// MaxConcurrentJobs bounds how many jobs run the pipeline at once.
	MaxConcurrentJobs int64
	// RestoreWorkers is the number of frames restored concurrently.
	RestoreWorkers int
	// StageRetries is the number of extra attempts for retryable stages.
	StageRetries int
	// RetryBackoff is the initial backoff between attempts; it doubles
	// per retry.
	RetryBackoff time.Duration
	// SkipRestore disables the restoration stage entirely.
	SkipRestore bool
}

// Orchestrator runs synthesis jobs through the stage pipeline.
type Orchestrator struct {
	cfg       Config
	speech    SpeechSynthesizer
	faces     FaceExtractor
	motion    MotionDeriver
	renderer  FrameRenderer
	restorer  FrameRestorer
	composer  Composer
	store     Store
	publisher Publisher
	admission *semaphore.Weighted
	log       *logger.Logger
}

// New creates an orchestrator. Store and publisher may be nil when persistence
// or progress events are not wanted.
func New(
	cfg Config,
	speech SpeechSynthesizer,
	faces FaceExtractor,
	motionDeriver MotionDeriver,
	renderer FrameRenderer,
	restorer FrameRestorer,
	composer Composer,
	store Store,
	publisher Publisher,
	log *logger.Logger,
) *Orchestrator {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 1
	}

	if cfg.RestoreWorkers <= 0 {
		cfg.RestoreWorkers = 1
	}

	return &Orchestrator{
		cfg:       cfg,
		speech:    speech,
		faces:     faces,
		motion:    motionDeriver,
		renderer:  renderer,
		restorer:  restorer,
		composer:  composer,
		store:     store,
		publisher: publisher,
		admission: semaphore.NewWeighted(cfg.MaxConcurrentJobs),
		log:       log,
	}
}

// Run executes one job to completion and returns its report. The job is
// mutated in place: statuses advance through the lifecycle, warnings
// accumulate, and failures record the error and its kind. A failed run never
// leaves a partial output artifact behind.
func (o *Orchestrator) Run(
	ctx context.Context, job *core.SynthesisJob,
) (core.Report, error) {
	err := o.admission.Acquire(ctx, 1)
	if err != nil {
		return core.Report{}, fmt.Errorf("failed to enter pipeline: %w", err)
	}
	defer o.admission.Release(1)

	timings := make(map[string]time.Duration)

	result, err := o.execute(ctx, job, timings)
	if err != nil {
		o.fail(ctx, job, err)

		return o.report(job, timings, result), err
	}

	job.Warnings = result.warnings
	job.Error = ""
	job.ErrorKind = ""
	o.setStatus(ctx, job, core.StatusDone, "")

	return o.report(job, timings, result), nil
}

// runResult carries the intermediate products needed for the report.
type runResult struct {
	warnings   []string
	frameCount int
	audio      core.AudioTrack
}

// execute advances the job through every stage.
func (o *Orchestrator) execute(
	ctx context.Context, job *core.SynthesisJob, timings map[string]time.Duration,
) (runResult, error) {
	err := validateJob(job)
	if err != nil {
		return runResult{}, core.NewPipelineError(
			core.KindInvalidInput, "validate", err,
		)
	}

	o.setStatus(ctx, job, core.StatusPreprocessing, stageSpeech)

	// The two goroutines each time themselves into their own variable; the
	// shared timings map is only written after the join.
	var (
		track      core.AudioTrack
		face       core.FaceTrack
		speechTime time.Duration
		faceTime   time.Duration
	)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		start := time.Now()
		defer func() { speechTime = time.Since(start) }()

		var stageErr error

		track, stageErr = retryStage(groupCtx, o.cfg, func(
			attemptCtx context.Context,
		) (core.AudioTrack, error) {
			return o.speech.Synthesize(attemptCtx, job.Script)
		})

		return stageErr
	})

	group.Go(func() error {
		start := time.Now()
		defer func() { faceTime = time.Since(start) }()

		var stageErr error

		face, stageErr = retryStage(groupCtx, o.cfg, func(
			attemptCtx context.Context,
		) (core.FaceTrack, error) {
			return o.faces.Extract(attemptCtx, job.SourcePath)
		})

		return stageErr
	})

	err = group.Wait()
	timings[stageSpeech] = speechTime
	timings[stageFacetrack] = faceTime

	if err != nil {
		return runResult{}, err
	}

	o.setStatus(ctx, job, core.StatusSynthesizing, stageMotion)

	var sequence core.MotionSequence

	err = o.timed(timings, stageMotion, func() error {
		var stageErr error

		sequence, stageErr = retryStage(ctx, o.cfg, func(
			attemptCtx context.Context,
		) (core.MotionSequence, error) {
			return o.motion.Generate(attemptCtx, track)
		})

		return stageErr
	})
	if err != nil {
		return runResult{}, err
	}

	var frames []core.SynthesizedFrame

	err = o.timed(timings, stageRender, func() error {
		var stageErr error

		frames, stageErr = retryStage(ctx, o.cfg, func(
			attemptCtx context.Context,
		) ([]core.SynthesizedFrame, error) {
			return o.renderer.Render(attemptCtx, face, sequence, job.TargetFPS)
		})

		return stageErr
	})
	if err != nil {
		return runResult{}, err
	}

	result := runResult{audio: track, frameCount: len(frames)}

	if !o.cfg.SkipRestore {
		o.setStatus(ctx, job, core.StatusRestoring, stageRestore)

		err = o.timed(timings, stageRestore, func() error {
			var stageErr error

			frames, result.warnings, stageErr = o.restoreAll(ctx, frames)

			return stageErr
		})
		if err != nil {
			return result, err
		}
	}

	o.setStatus(ctx, job, core.StatusComposing, stageCompose)

	err = o.timed(timings, stageCompose, func() error {
		_, stageErr := retryStage(ctx, o.cfg, func(
			attemptCtx context.Context,
		) (struct{}, error) {
			return struct{}{}, o.composer.Compose(
				attemptCtx, face, frames, track,
				job.TargetFPS, job.OutputPath,
			)
		})

		return stageErr
	})
	if err != nil {
		return result, err
	}

	return result, nil
}

// restoreAll restores frames concurrently. A frame whose restoration fails
// with a degradable error keeps its unrestored image and adds a warning; any
// other failure aborts the job.
func (o *Orchestrator) restoreAll(
	ctx context.Context, frames []core.SynthesizedFrame,
) ([]core.SynthesizedFrame, []string, error) {
	out := make([]core.SynthesizedFrame, len(frames))
	degraded := make([]bool, len(frames))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(o.cfg.RestoreWorkers)

	for i, frame := range frames {
		group.Go(func() error {
			restored, err := o.restorer.Restore(groupCtx, frame)
			if err == nil {
				out[i] = restored

				return nil
			}

			if core.PolicyFor(core.KindOf(err)) == core.PolicyDegrade {
				o.log.Warn("Restoration degraded on frame %d: %v", i, err)

				out[i] = frame
				degraded[i] = true

				return nil
			}

			return err
		})
	}

	err := group.Wait()
	if err != nil {
		return nil, nil, err
	}

	var warnings []string

	for i, wasDegraded := range degraded {
		if wasDegraded {
			warnings = append(warnings, fmt.Sprintf(
				"frame %d kept without restoration", i,
			))
		}
	}

	return out, warnings, nil
}

// retryStage runs one stage attempt, retrying with exponential backoff when
// the error kind's policy allows it.
func retryStage[T any](
	ctx context.Context,
	cfg Config,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	var (
		result  T
		lastErr error
	)

	backoff := cfg.RetryBackoff

	for attempt := 0; ; attempt++ {
		result, lastErr = fn(ctx)
		if lastErr == nil {
			return result, nil
		}

		retryable := core.PolicyFor(core.KindOf(lastErr)) == core.PolicyRetry
		if !retryable || attempt >= cfg.StageRetries {
			return result, lastErr
		}

		select {
		case <-ctx.Done():
			return result, fmt.Errorf("%w: %w", ctx.Err(), lastErr)
		case <-time.After(backoff):
		}

		backoff *= 2
	}
}

// timed measures one stage run into the timings map.
func (o *Orchestrator) timed(
	timings map[string]time.Duration, stage string, fn func() error,
) error {
	start := time.Now()
	err := fn()
	timings[stage] = time.Since(start)

	return err
}

// setStatus advances the job, persists it, and publishes progress. Persistence
// and publish failures are logged, not fatal: the pipeline result matters more
// than a dropped status update.
func (o *Orchestrator) setStatus(
	ctx context.Context, job *core.SynthesisJob, status core.JobStatus, stage string,
) {
	job.Status = status
	job.UpdatedAt = time.Now().UTC()

	if o.store != nil {
		err := o.store.UpsertJob(ctx, job)
		if err != nil {
			o.log.Error("Failed to persist job %s status %s: %v",
				job.ID, status, err)
		}
	}

	if o.publisher != nil {
		err := o.publisher.PublishProgress(ctx, job, stage)
		if err != nil {
			o.log.Error("Failed to publish progress for job %s: %v",
				job.ID, err)
		}
	}
}

// fail records the failure on the job and removes any partial output.
func (o *Orchestrator) fail(ctx context.Context, job *core.SynthesisJob, err error) {
	job.Error = err.Error()
	job.ErrorKind = core.KindOf(err)

	removeErr := os.Remove(job.OutputPath)
	if removeErr == nil {
		o.log.Warn("Removed partial output %s after failure", job.OutputPath)
	}

	o.setStatus(ctx, job, core.StatusFailed, core.StageOf(err))

	o.log.Error("Job %s failed in stage %s: %v",
		job.ID, core.StageOf(err), err)
}

// report assembles the job report.
func (o *Orchestrator) report(
	job *core.SynthesisJob, timings map[string]time.Duration, result runResult,
) core.Report {
	return core.Report{
		JobID:         job.ID,
		Status:        job.Status,
		Warnings:      job.Warnings,
		Timings:       timings,
		FrameCount:    result.frameCount,
		AudioDuration: result.audio.Duration(),
	}
}

func validateJob(job *core.SynthesisJob) error {
	switch {
	case job.Script.Text == "":
		return ErrNoScript
	case job.SourcePath == "":
		return ErrNoSource
	case job.OutputPath == "":
		return ErrNoOutput
	case job.TargetFPS <= 0:
		return ErrBadFrameRate
	default:
		return nil
	}
}
