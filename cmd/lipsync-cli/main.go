// main package for the lipsync command-line client. It runs one synthesis job,
// either locally against the inference backend or remotely over NATS.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/lipsync-service/internal/compose"
	"github.com/book-expert/lipsync-service/internal/config"
	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/facetrack"
	"github.com/book-expert/lipsync-service/internal/inference"
	"github.com/book-expert/lipsync-service/internal/motion"
	"github.com/book-expert/lipsync-service/internal/objectstore"
	"github.com/book-expert/lipsync-service/internal/pipeline"
	"github.com/book-expert/lipsync-service/internal/render"
	"github.com/book-expert/lipsync-service/internal/resource"
	"github.com/book-expert/lipsync-service/internal/restore"
	"github.com/book-expert/lipsync-service/internal/speech"
	"github.com/book-expert/lipsync-service/internal/worker"
)

// Flag descriptions.
const (
	flagTextDesc   = "Script text to speak"
	flagSourceDesc = "Source video or still image of the speaker"
	flagVoiceDesc  = "Reference voice sample (.wav), optional"
	flagOutputDesc = "Output video path (.mp4)"
	flagFPSDesc    = "Output frame rate"
	flagHealthDesc = "Check inference backend health and exit"
	flagRemoteDesc = "Submit the job over NATS instead of running locally"
)

const remoteReplyTimeout = 20 * time.Minute

var (
	errMissingArguments = errors.New("--text, --source, and --output are required")
	errRemoteJobFailed  = errors.New("remote synthesis failed")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	text   string
	source string
	voice  string
	output string
	fps    float64
	health bool
	remote bool
}

func main() {
	err := run()
	if err != nil {
		// The logger might not be initialized yet, so use the standard
		// log package.
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	flags := parseFlags()

	_ = godotenv.Load()

	logDir, err := os.MkdirTemp("", "lipsync-cli-*")
	if err != nil {
		return fmt.Errorf("failed to create log dir: %w", err)
	}

	cliLog, err := logger.New(logDir, "lipsync-cli.log")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	defer func() { _ = cliLog.Close() }()

	cfg, err := config.Load(cliLog)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	backend := inference.NewClient(
		cfg.Inference.BaseURL, cfg.Inference.InferenceTimeout(),
	)

	if flags.health {
		return handleHealthCheck(ctx, backend)
	}

	if flags.text == "" || flags.source == "" || flags.output == "" {
		flag.Usage()

		return errMissingArguments
	}

	if flags.remote {
		return submitRemote(ctx, cfg, flags)
	}

	return runJob(ctx, cfg, backend, cliLog, flags)
}

// submitRemote uploads the job media to the object store, sends the synthesis
// request over NATS, waits for the reply, and downloads the finished clip.
func submitRemote(ctx context.Context, cfg *config.Config, flags appFlags) error {
	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to get JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, cfg.NATS.MediaObjectStoreBucket)
	if err != nil {
		return fmt.Errorf("failed to open media object store: %w", err)
	}

	jobKey := uuid.NewString()

	event := &core.SynthesisRequestedEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now().UTC(),
			WorkflowID: jobKey,
			EventID:    uuid.NewString(),
		},
		Text:      flags.text,
		SourceKey: jobKey + "/source" + filepath.Ext(flags.source),
		OutputKey: jobKey + "/output" + filepath.Ext(flags.output),
		TargetFPS: flags.fps,
	}

	err = uploadFile(ctx, store, event.SourceKey, flags.source)
	if err != nil {
		return err
	}

	if flags.voice != "" {
		event.VoiceKey = jobKey + "/voice" + filepath.Ext(flags.voice)

		err = uploadFile(ctx, store, event.VoiceKey, flags.voice)
		if err != nil {
			return err
		}
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal synthesis request: %w", err)
	}

	fmt.Printf("Submitted job %s, waiting for the service...\n", jobKey)

	requestCtx, cancel := context.WithTimeout(ctx, remoteReplyTimeout)
	defer cancel()

	replyMsg, err := natsConnection.RequestWithContext(
		requestCtx, cfg.NATS.SynthesisRequestSubject, payload,
	)
	if err != nil {
		return fmt.Errorf("synthesis request failed: %w", err)
	}

	var reply core.SynthesisCompletedEvent

	err = json.Unmarshal(replyMsg.Data, &reply)
	if err != nil {
		return fmt.Errorf("failed to parse synthesis reply: %w", err)
	}

	if reply.Status == core.StatusFailed {
		return fmt.Errorf("%w: (%s) %s", errRemoteJobFailed, reply.ErrorKind,
			reply.Error)
	}

	clip, err := store.Download(ctx, reply.OutputKey)
	if err != nil {
		return fmt.Errorf("failed to download finished clip: %w", err)
	}

	err = os.WriteFile(flags.output, clip, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	for _, warning := range reply.Warnings {
		fmt.Printf("warning: %s\n", warning)
	}

	fmt.Printf("Generated: %s\n", flags.output)

	return nil
}

func uploadFile(
	ctx context.Context, store *objectstore.NatsObjectStore, key, path string,
) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	err = store.Upload(ctx, key, data)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", path, err)
	}

	return nil
}

func parseFlags() appFlags {
	var flags appFlags

	flag.StringVar(&flags.text, "text", "", flagTextDesc)
	flag.StringVar(&flags.source, "source", "", flagSourceDesc)
	flag.StringVar(&flags.voice, "voice", "", flagVoiceDesc)
	flag.StringVar(&flags.output, "output", "", flagOutputDesc)
	flag.Float64Var(&flags.fps, "fps", worker.DefaultTargetFPS, flagFPSDesc)
	flag.BoolVar(&flags.health, "health", false, flagHealthDesc)
	flag.BoolVar(&flags.remote, "remote", false, flagRemoteDesc)
	flag.Parse()

	return flags
}

func handleHealthCheck(ctx context.Context, backend *inference.Client) error {
	healthCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := backend.HealthCheck(healthCtx)
	if err != nil {
		fmt.Printf("Inference backend is not healthy: %v\n", err)

		return err
	}

	fmt.Println("Inference backend is healthy")

	return nil
}

// runJob builds the pipeline locally and runs a single job to completion.
func runJob(
	ctx context.Context,
	cfg *config.Config,
	backend *inference.Client,
	cliLog *logger.Logger,
	flags appFlags,
) error {
	budget := cfg.Resource.MemoryBudgetBytes
	if budget <= 0 {
		available, err := backend.AvailableMemory(ctx)
		if err != nil {
			return fmt.Errorf("failed to query accelerator memory: %w", err)
		}

		budget = available
	}

	pool, err := resource.NewManager(
		budget, cfg.Resource.ModelCostsBytes, backend, cliLog,
	)
	if err != nil {
		return fmt.Errorf("failed to create model pool: %w", err)
	}

	defer func() {
		closeErr := pool.Close(context.Background())
		if closeErr != nil {
			cliLog.Error("Failed to unload models: %v", closeErr)
		}
	}()

	orchestrator, err := buildPipeline(cfg, backend, pool, cliLog)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	job := &core.SynthesisJob{
		ID: "cli",
		Script: core.Script{
			Text:         flags.text,
			VoiceRefPath: flags.voice,
		},
		SourcePath: flags.source,
		OutputPath: flags.output,
		TargetFPS:  flags.fps,
		Status:     core.StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	report, err := orchestrator.Run(ctx, job)
	if err != nil {
		return fmt.Errorf("synthesis failed: %w", err)
	}

	fmt.Print(pipeline.FormatReport(report))
	fmt.Printf("Generated: %s\n", flags.output)

	return nil
}

func buildPipeline(
	cfg *config.Config,
	backend core.InferenceBackend,
	pool core.ModelPool,
	cliLog *logger.Logger,
) (*pipeline.Orchestrator, error) {
	speechStage, err := speech.New(speech.Config{
		ModelID:           cfg.Speech.ModelID,
		MaxUtteranceChars: cfg.Speech.MaxUtteranceChars,
		ChunkTimeout:      cfg.Speech.ChunkTimeout(),
		Workers:           cfg.Speech.Workers,
		SampleRate:        cfg.Speech.SampleRate,
		Temperature:       cfg.Speech.Temperature,
	}, backend, pool, cliLog)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech stage: %w", err)
	}

	faceStage, err := facetrack.New(facetrack.Config{
		ModelID:             cfg.FaceTrack.ModelID,
		ConfidenceThreshold: cfg.FaceTrack.ConfidenceThreshold,
		CropSize:            cfg.FaceTrack.CropSize,
		Workers:             cfg.FaceTrack.Workers,
	}, backend, pool, cliLog)
	if err != nil {
		return nil, fmt.Errorf("failed to create face track stage: %w", err)
	}

	motionStage, err := motion.New(motion.Config{
		ModelID:    cfg.Motion.ModelID,
		HopSeconds: cfg.Motion.HopSeconds,
	}, backend, pool, cliLog)
	if err != nil {
		return nil, fmt.Errorf("failed to create motion stage: %w", err)
	}

	renderStage, err := render.New(render.Config{
		ModelID: cfg.Render.ModelID,
		Workers: cfg.Render.Workers,
	}, backend, pool, cliLog)
	if err != nil {
		return nil, fmt.Errorf("failed to create render stage: %w", err)
	}

	restoreStage := restore.New(restore.Config{
		ModelID:  cfg.Restore.ModelID,
		Strength: cfg.Restore.Strength,
	}, backend, pool, cliLog)

	composeStage := compose.New(compose.Config{
		FeatherPixels: cfg.Compose.FeatherPixels,
		WorkDir:       cfg.Paths.WorkDir,
	}, cliLog)

	return pipeline.New(pipeline.Config{
		MaxConcurrentJobs: 1,
		RestoreWorkers:    cfg.Pipeline.RestoreWorkers,
		StageRetries:      cfg.Pipeline.StageRetries,
		RetryBackoff:      cfg.Pipeline.RetryBackoff(),
		SkipRestore:       cfg.Restore.Skip,
	},
		speechStage,
		faceStage,
		motionStage,
		renderStage,
		restoreStage,
		composeStage,
		nil,
		nil,
		cliLog,
	), nil
}
