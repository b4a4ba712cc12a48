// main package for the lipsync-service
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"

	"github.com/book-expert/lipsync-service/internal/api"
	"github.com/book-expert/lipsync-service/internal/compose"
	"github.com/book-expert/lipsync-service/internal/config"
	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/facetrack"
	"github.com/book-expert/lipsync-service/internal/inference"
	"github.com/book-expert/lipsync-service/internal/jobstore"
	"github.com/book-expert/lipsync-service/internal/motion"
	"github.com/book-expert/lipsync-service/internal/objectstore"
	"github.com/book-expert/lipsync-service/internal/pipeline"
	"github.com/book-expert/lipsync-service/internal/render"
	"github.com/book-expert/lipsync-service/internal/resource"
	"github.com/book-expert/lipsync-service/internal/restore"
	"github.com/book-expert/lipsync-service/internal/speech"
	"github.com/book-expert/lipsync-service/internal/worker"
)

const (
	httpShutdownTimeout   = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
)

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "lipsync-service.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	// Optional .env for local development; the configurator reads the rest.
	_ = godotenv.Load()

	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	return runService(ctx, cfg, finalLog)
}

// runService wires the pipeline together and serves until ctx is cancelled.
func runService(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	err := os.MkdirAll(cfg.Paths.WorkDir, 0o750)
	if err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to get JetStream context: %w", err)
	}

	mediaStore, err := objectstore.New(
		jetstreamContext, cfg.NATS.MediaObjectStoreBucket,
	)
	if err != nil {
		return fmt.Errorf("failed to create media object store: %w", err)
	}

	store, err := jobstore.New(cfg.Paths.JobDBPath)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}

	defer func() {
		closeErr := store.Close()
		if closeErr != nil {
			log.Error("Failed to close job store: %v", closeErr)
		}
	}()

	backend := inference.NewClient(
		cfg.Inference.BaseURL, cfg.Inference.InferenceTimeout(),
	)

	budget := cfg.Resource.MemoryBudgetBytes
	if budget <= 0 {
		budget, err = backend.AvailableMemory(ctx)
		if err != nil {
			return fmt.Errorf("failed to query accelerator memory: %w", err)
		}

		log.Info("Using reported accelerator memory budget of %d bytes", budget)
	}

	pool, err := resource.NewManager(
		budget, cfg.Resource.ModelCostsBytes, backend, log,
	)
	if err != nil {
		return fmt.Errorf("failed to create model pool: %w", err)
	}

	defer func() {
		closeErr := pool.Close(context.Background())
		if closeErr != nil {
			log.Error("Failed to unload models: %v", closeErr)
		}
	}()

	orchestrator, err := buildOrchestrator(
		cfg, backend, pool, store, natsConnection, log,
	)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	queue := pipeline.NewQueue(cfg.Pipeline.QueueWorkers, store, log)
	queue.Start(func(ctx context.Context, job *core.SynthesisJob) error {
		_, runErr := orchestrator.Run(ctx, job)

		return runErr
	})
	defer queue.Stop()

	cleanup := startCleanup(cfg, store, log)
	if cleanup != nil {
		defer cleanup.Stop()
	}

	natsWorker, err := worker.NewNatsWorker(
		natsConnection,
		cfg.NATS.SynthesisRequestSubject,
		cfg.Paths.WorkDir,
		mediaStore,
		orchestrator,
		log,
	)
	if err != nil {
		return fmt.Errorf("failed to create NATS worker: %w", err)
	}

	httpErrors := startHTTPServer(ctx, cfg, queue, log)

	log.System(
		"Lipsync service initialized. Listening on subject %s and address %s",
		cfg.NATS.SynthesisRequestSubject, cfg.HTTP.ListenAddress,
	)

	workerErr := natsWorker.Run(ctx)

	httpErr := <-httpErrors

	return errors.Join(workerErr, httpErr)
}

// buildOrchestrator assembles all pipeline stages from the configuration.
func buildOrchestrator(
	cfg *config.Config,
	backend core.InferenceBackend,
	pool core.ModelPool,
	store pipeline.Store,
	natsConnection *nats.Conn,
	log *logger.Logger,
) (*pipeline.Orchestrator, error) {
	speechStage, err := speech.New(speech.Config{
		ModelID:           cfg.Speech.ModelID,
		MaxUtteranceChars: cfg.Speech.MaxUtteranceChars,
		ChunkTimeout:      cfg.Speech.ChunkTimeout(),
		Workers:           cfg.Speech.Workers,
		SampleRate:        cfg.Speech.SampleRate,
		Temperature:       cfg.Speech.Temperature,
	}, backend, pool, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech stage: %w", err)
	}

	faceStage, err := facetrack.New(facetrack.Config{
		ModelID:             cfg.FaceTrack.ModelID,
		ConfidenceThreshold: cfg.FaceTrack.ConfidenceThreshold,
		CropSize:            cfg.FaceTrack.CropSize,
		Workers:             cfg.FaceTrack.Workers,
	}, backend, pool, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create face track stage: %w", err)
	}

	motionStage, err := motion.New(motion.Config{
		ModelID:    cfg.Motion.ModelID,
		HopSeconds: cfg.Motion.HopSeconds,
	}, backend, pool, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create motion stage: %w", err)
	}

	renderStage, err := render.New(render.Config{
		ModelID: cfg.Render.ModelID,
		Workers: cfg.Render.Workers,
	}, backend, pool, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create render stage: %w", err)
	}

	restoreStage := restore.New(restore.Config{
		ModelID:  cfg.Restore.ModelID,
		Strength: cfg.Restore.Strength,
	}, backend, pool, log)

	composeStage := compose.New(compose.Config{
		FeatherPixels: cfg.Compose.FeatherPixels,
		WorkDir:       cfg.Paths.WorkDir,
	}, log)

	publisher := worker.NewNatsProgressPublisher(
		natsConnection, cfg.NATS.SynthesisProgressSubject,
	)

	return pipeline.New(pipeline.Config{
		MaxConcurrentJobs: int64(cfg.Pipeline.MaxConcurrentJobs),
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
		store,
		publisher,
		log,
	), nil
}

// startCleanup schedules periodic deletion of old terminal jobs. Returns nil
// when no schedule is configured.
func startCleanup(
	cfg *config.Config, store *jobstore.Store, log *logger.Logger,
) *cron.Cron {
	if cfg.Cleanup.Schedule == "" || cfg.Cleanup.MaxAgeHours <= 0 {
		return nil
	}

	scheduler := cron.New()

	_, err := scheduler.AddFunc(cfg.Cleanup.Schedule, func() {
		cutoff := time.Now().UTC().Add(-cfg.Cleanup.MaxAge())

		deleted, deleteErr := store.DeleteTerminalBefore(
			context.Background(), cutoff,
		)
		if deleteErr != nil {
			log.Error("Failed to clean up finished jobs: %v", deleteErr)

			return
		}

		if deleted > 0 {
			log.Info("Cleaned up %d finished jobs older than %s",
				deleted, cfg.Cleanup.MaxAge())
		}
	})
	if err != nil {
		log.Error("Failed to schedule job cleanup: %v", err)

		return nil
	}

	scheduler.Start()

	return scheduler
}

// startHTTPServer serves the job API until ctx is cancelled. The returned
// channel yields the server's terminal error.
func startHTTPServer(
	ctx context.Context, cfg *config.Config, queue *pipeline.Queue,
	log *logger.Logger,
) <-chan error {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	api.NewServer(queue, log).RegisterRoutes(router)

	server := &http.Server{
		Addr:              cfg.HTTP.ListenAddress,
		Handler:           router,
		ReadHeaderTimeout: httpReadHeaderTimeout,
	}

	errCh := make(chan error, 1)

	go func() {
		serveErr := server.ListenAndServe()
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server failed: %w", serveErr)

			return
		}

		errCh <- nil
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), httpShutdownTimeout,
		)
		defer cancel()

		shutdownErr := server.Shutdown(shutdownCtx)
		if shutdownErr != nil {
			log.Error("Failed to shut down HTTP server: %v", shutdownErr)
		}
	}()

	return errCh
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
