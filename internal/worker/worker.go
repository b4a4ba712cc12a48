// Package worker provides a NATS worker that processes video synthesis jobs.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/lipsync-service/internal/core"
)

const (
	// handleMessageTimeout bounds one whole synthesis job, model loads
	// included.
	handleMessageTimeout = 15 * time.Minute

	// DefaultTargetFPS is used when a request leaves the frame rate unset.
	DefaultTargetFPS = 25.0
)

var (
	// ErrTextEmpty indicates that the request carries no script text.
	ErrTextEmpty = errors.New("text cannot be empty")
	// ErrSourceKeyEmpty indicates that the request carries no source media key.
	ErrSourceKeyEmpty = errors.New("source key cannot be empty")
	// ErrOutputKeyEmpty indicates that the request carries no output key.
	ErrOutputKeyEmpty = errors.New("output key cannot be empty")
	// ErrNegativeFPS indicates a negative frame rate in the request.
	ErrNegativeFPS = errors.New("target fps cannot be negative")
)

// JobRunner executes one synthesis job. The pipeline orchestrator satisfies
// this; tests substitute their own.
type JobRunner interface {
	Run(ctx context.Context, job *core.SynthesisJob) (core.Report, error)
}

// NatsWorker listens for synthesis requests on a NATS subject and processes
// them through the pipeline.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	workDir        string
	store          core.ObjectStore
	runner         JobRunner
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker. Job media is staged
// under workDir while the pipeline runs.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	workDir string,
	store core.ObjectStore,
	runner JobRunner,
	log *logger.Logger,
) (*NatsWorker, error) {
	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		workDir:        workDir,
		store:          store,
		runner:         runner,
		log:            log,
	}, nil
}

// Run starts the worker and begins listening for messages.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	event, err := w.parseAndValidateEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse and validate event: %v", err)

		return
	}

	job, report, processErr := w.processSynthesisJob(ctx, event)

	reply := &core.SynthesisCompletedEvent{
		Header: event.Header,
		JobID:  job.ID,
		Status: job.Status,
	}

	if processErr != nil {
		w.log.Error("Failed to process synthesis job for workflow %s: %v",
			event.Header.WorkflowID, processErr)

		reply.Status = core.StatusFailed
		reply.Error = processErr.Error()
		reply.ErrorKind = core.KindOf(processErr)
	} else {
		reply.OutputKey = event.OutputKey
		reply.Warnings = report.Warnings
	}

	err = w.publishReplyEvent(msg, reply)
	if err != nil {
		w.log.Error("Failed to publish reply event for workflow %s: %v",
			event.Header.WorkflowID, err)
	}
}

// processSynthesisJob stages the job media locally, runs the pipeline, and
// uploads the finished clip.
func (w *NatsWorker) processSynthesisJob(
	ctx context.Context, event *core.SynthesisRequestedEvent,
) (*core.SynthesisJob, core.Report, error) {
	job := &core.SynthesisJob{
		ID:        uuid.NewString(),
		Script:    core.Script{Text: event.Text},
		TargetFPS: event.TargetFPS,
		Status:    core.StatusQueued,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	if job.TargetFPS == 0 {
		job.TargetFPS = DefaultTargetFPS
	}

	stageDir, err := os.MkdirTemp(w.workDir, "job-*")
	if err != nil {
		return job, core.Report{}, fmt.Errorf(
			"failed to create job staging dir: %w", err,
		)
	}
	defer os.RemoveAll(stageDir)

	job.SourcePath, err = w.stageObject(ctx, stageDir, "source", event.SourceKey)
	if err != nil {
		return job, core.Report{}, err
	}

	if event.VoiceKey != "" {
		job.Script.VoiceRefPath, err = w.stageObject(
			ctx, stageDir, "voice", event.VoiceKey,
		)
		if err != nil {
			return job, core.Report{}, err
		}
	}

	job.OutputPath = filepath.Join(stageDir, "output"+filepath.Ext(event.OutputKey))

	report, err := w.runner.Run(ctx, job)
	if err != nil {
		return job, report, fmt.Errorf("pipeline run failed: %w", err)
	}

	output, err := os.ReadFile(job.OutputPath)
	if err != nil {
		return job, report, fmt.Errorf("failed to read finished clip: %w", err)
	}

	// A rerun of the same workflow replaces the previous clip; the stale
	// object is removed first so a failed upload never leaves it behind.
	err = w.store.Delete(ctx, event.OutputKey)
	if err != nil {
		w.log.Warn("Failed to delete stale output for key '%s': %v",
			event.OutputKey, err)
	}

	err = w.store.Upload(ctx, event.OutputKey, output)
	if err != nil {
		return job, report, fmt.Errorf(
			"failed to upload output for key '%s': %w", event.OutputKey, err,
		)
	}

	return job, report, nil
}

// stageObject downloads one object-store key into the staging directory,
// keeping the key's extension so ffmpeg can sniff the container.
func (w *NatsWorker) stageObject(
	ctx context.Context, stageDir, name, key string,
) (string, error) {
	data, err := w.store.Download(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to download key '%s': %w", key, err)
	}

	path := filepath.Join(stageDir, name+filepath.Ext(key))

	err = os.WriteFile(path, data, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to stage key '%s': %w", key, err)
	}

	return path, nil
}

// publishReplyEvent marshals and responds with the SynthesisCompletedEvent.
func (w *NatsWorker) publishReplyEvent(
	msg *nats.Msg, replyEvent *core.SynthesisCompletedEvent,
) error {
	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

func (w *NatsWorker) parseAndValidateEvent(
	msg *nats.Msg,
) (*core.SynthesisRequestedEvent, error) {
	var event core.SynthesisRequestedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	switch {
	case event.Text == "":
		return nil, ErrTextEmpty
	case event.SourceKey == "":
		return nil, ErrSourceKeyEmpty
	case event.OutputKey == "":
		return nil, ErrOutputKeyEmpty
	case event.TargetFPS < 0:
		return nil, ErrNegativeFPS
	}

	return &event, nil
}
