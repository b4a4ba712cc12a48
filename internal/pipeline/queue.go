package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"

	"github.com/book-expert/lipsync-service/internal/core"
)

// Executor runs one claimed job. The queue passes a private snapshot; the
// executor mutates it freely and the queue folds the result back in.
type Executor func(ctx context.Context, job *core.SynthesisJob) error

// QueueStore is the persistence surface the queue needs.
type QueueStore interface {
	UpsertJob(ctx context.Context, job *core.SynthesisJob) error
	LoadJobs(ctx context.Context) ([]*core.SynthesisJob, error)
	DeleteJob(ctx context.Context, jobID string) error
}

const (
	defaultMaxJobs     = 1000
	pendingChannelSize = 1024
)

// Queue schedules synthesis jobs across a fixed worker pool. Jobs persist
// through the store; on startup, jobs interrupted mid-run hydrate back to
// Queued and run again.
type Queue struct {
	workerCount int
	maxJobs     int
	store       QueueStore
	log         *logger.Logger

	mu         sync.RWMutex
	jobs       map[string]*core.SynthesisJob
	started    bool
	pendingIDs chan string
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	fallbackWg sync.WaitGroup
}

// NewQueue creates a queue backed by store. The store may be nil for purely
// in-memory operation.
func NewQueue(workerCount int, store QueueStore, log *logger.Logger) *Queue {
	if workerCount <= 0 {
		workerCount = 1
	}

	queue := &Queue{
		workerCount: workerCount,
		maxJobs:     defaultMaxJobs,
		store:       store,
		log:         log,
		jobs:        make(map[string]*core.SynthesisJob),
		pendingIDs:  make(chan string, pendingChannelSize),
		stopCh:      make(chan struct{}),
	}
	queue.hydrateFromStore(context.Background())

	return queue
}

// Enqueue registers a new job and schedules it. The job's ID is assigned here;
// the returned snapshot is safe to hand to callers.
func (q *Queue) Enqueue(
	script core.Script, sourcePath, outputPath string, targetFPS float64,
) *core.SynthesisJob {
	now := time.Now().UTC()
	job := &core.SynthesisJob{
		ID:         uuid.NewString(),
		Script:     script,
		SourcePath: sourcePath,
		OutputPath: outputPath,
		TargetFPS:  targetFPS,
		Status:     core.StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	started := q.started
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)

	if started {
		q.enqueuePendingID(job.ID)
	}

	return snapshot
}

// Get returns a snapshot of one job.
func (q *Queue) Get(jobID string) (*core.SynthesisJob, bool) {
	q.mu.RLock()
	job, ok := q.jobs[jobID]
	q.mu.RUnlock()

	if !ok {
		return nil, false
	}

	return cloneJob(job), true
}

// List returns snapshots of every tracked job.
func (q *Queue) List() []*core.SynthesisJob {
	q.mu.RLock()
	defer q.mu.RUnlock()

	jobs := make([]*core.SynthesisJob, 0, len(q.jobs))
	for _, job := range q.jobs {
		jobs = append(jobs, cloneJob(job))
	}

	return jobs
}

// Start launches the worker pool. Jobs already queued, including hydrated
// ones, are dispatched immediately.
func (q *Queue) Start(exec Executor) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()

		return
	}

	q.started = true

	pending := make([]string, 0)

	for id, job := range q.jobs {
		if job.Status == core.StatusQueued {
			pending = append(pending, id)
		}
	}
	q.mu.Unlock()

	for _, id := range pending {
		q.enqueuePendingID(id)
	}

	for range q.workerCount {
		q.wg.Add(1)

		go q.worker(exec)
	}
}

// Stop drains the worker pool. Jobs mid-run finish; queued jobs stay queued
// and run after the next hydration.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
		q.wg.Wait()
		q.fallbackWg.Wait()
	})
}

func (q *Queue) worker(exec Executor) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopCh:
			return
		case id := <-q.pendingIDs:
			snapshot, ok := q.claim(id)
			if !ok {
				continue
			}

			err := exec(context.Background(), snapshot)
			q.complete(snapshot, err)
		}
	}
}

// claim hands a queued job to a worker. The executor owns status transitions
// from here on.
func (q *Queue) claim(jobID string) (*core.SynthesisJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok || job.Status != core.StatusQueued {
		return nil, false
	}

	job.Status = core.StatusPreprocessing
	job.UpdatedAt = time.Now().UTC()

	return cloneJob(job), true
}

// complete folds the executor's final job state back into the queue.
func (q *Queue) complete(snapshot *core.SynthesisJob, err error) {
	if err != nil && !snapshot.Status.Terminal() {
		snapshot.Status = core.StatusFailed
		snapshot.Error = err.Error()
		snapshot.ErrorKind = core.KindOf(err)
		snapshot.UpdatedAt = time.Now().UTC()
	}

	q.mu.Lock()
	q.jobs[snapshot.ID] = cloneJob(snapshot)
	pruned := q.pruneTerminalJobsLocked()
	q.mu.Unlock()

	q.persistJob(snapshot)
	q.deleteJobsFromStore(pruned)
}

// enqueuePendingID schedules a job without ever blocking the caller. When the
// channel is full the hand-off moves to a goroutine that gives up once the
// queue stops; the job stays Queued and re-enters on the next hydration.
func (q *Queue) enqueuePendingID(jobID string) {
	select {
	case q.pendingIDs <- jobID:
	default:
		q.fallbackWg.Add(1)

		go func() {
			defer q.fallbackWg.Done()

			select {
			case q.pendingIDs <- jobID:
			case <-q.stopCh:
			}
		}()
	}
}

// pruneTerminalJobsLocked drops the oldest terminal jobs once the map outgrows
// maxJobs. Active jobs are never pruned.
func (q *Queue) pruneTerminalJobsLocked() []string {
	if q.maxJobs <= 0 || len(q.jobs) <= q.maxJobs {
		return nil
	}

	type candidate struct {
		updatedAt time.Time
		id        string
	}

	terminal := make([]candidate, 0, len(q.jobs))

	for id, job := range q.jobs {
		if !job.Status.Terminal() {
			continue
		}

		terminal = append(terminal, candidate{id: id, updatedAt: job.UpdatedAt})
	}

	if len(terminal) == 0 {
		return nil
	}

	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].updatedAt.Before(terminal[j].updatedAt)
	})

	toRemove := len(q.jobs) - q.maxJobs
	if toRemove > len(terminal) {
		toRemove = len(terminal)
	}

	pruned := make([]string, 0, toRemove)

	for i := range toRemove {
		delete(q.jobs, terminal[i].id)
		pruned = append(pruned, terminal[i].id)
	}

	return pruned
}

func (q *Queue) hydrateFromStore(ctx context.Context) {
	if q.store == nil {
		return
	}

	loaded, err := q.store.LoadJobs(ctx)
	if err != nil {
		q.log.Error("Failed to load jobs from store: %v", err)

		return
	}

	now := time.Now().UTC()
	toPersist := make([]*core.SynthesisJob, 0)

	q.mu.Lock()
	for _, raw := range loaded {
		if raw == nil || raw.ID == "" {
			continue
		}

		job := cloneJob(raw)

		// A job caught mid-run by a restart re-enters the queue from
		// the start; stages are deterministic enough to redo.
		if !job.Status.Terminal() && job.Status != core.StatusQueued {
			job.Status = core.StatusQueued
			job.Error = ""
			job.ErrorKind = ""
			job.UpdatedAt = now
			toPersist = append(toPersist, cloneJob(job))
		}

		q.jobs[job.ID] = job
	}
	q.mu.Unlock()

	for _, job := range toPersist {
		q.persistJob(job)
	}
}

func (q *Queue) persistJob(job *core.SynthesisJob) {
	if q.store == nil {
		return
	}

	err := q.store.UpsertJob(context.Background(), job)
	if err != nil {
		q.log.Error("Failed to persist job %s: %v", job.ID, err)
	}
}

func (q *Queue) deleteJobsFromStore(jobIDs []string) {
	if q.store == nil {
		return
	}

	for _, id := range jobIDs {
		err := q.store.DeleteJob(context.Background(), id)
		if err != nil {
			q.log.Error("Failed to delete pruned job %s: %v", id, err)
		}
	}
}

func cloneJob(job *core.SynthesisJob) *core.SynthesisJob {
	clone := *job
	clone.Warnings = append([]string(nil), job.Warnings...)

	return &clone
}
