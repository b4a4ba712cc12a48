// Package resource manages model residency against a fixed accelerator memory
// budget. Stages borrow models through Acquire; the manager loads on first
// use, evicts idle models least-recently-used when memory runs short, and
// blocks callers until their model fits.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/lipsync-service/internal/core"
)

const stageName = "resource"

// Static errors.
var (
	ErrUnknownModel    = errors.New("model has no configured memory cost")
	ErrBudgetExceeded  = errors.New("model cost exceeds total memory budget")
	ErrInvalidBudget   = errors.New("memory budget must be positive")
	ErrManagerClosed   = errors.New("resource manager is closed")
	ErrModelsStillHeld = errors.New("models still referenced at close")
)

// modelEntry tracks one resident model.
type modelEntry struct {
	lastUsed time.Time
	cost     int64
	refs     int
}

// Manager implements core.ModelPool over an inference backend.
type Manager struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries map[string]*modelEntry
	costs   map[string]int64
	used    int64
	budget  int64
	closed  bool
	backend core.InferenceBackend
	log     *logger.Logger
}

// NewManager creates a pool with the given memory budget in bytes and a map
// of per-model memory costs.
func NewManager(
	budget int64,
	costs map[string]int64,
	backend core.InferenceBackend,
	log *logger.Logger,
) (*Manager, error) {
	if budget <= 0 {
		return nil, ErrInvalidBudget
	}

	manager := &Manager{
		entries: make(map[string]*modelEntry),
		costs:   costs,
		budget:  budget,
		backend: backend,
		log:     log,
	}
	manager.cond = sync.NewCond(&manager.mu)

	return manager, nil
}

// Acquire blocks until the model is resident and returns a release function.
// The model is loaded on first use; idle models are evicted least-recently-used
// to make room. Models held by other callers are never evicted. Acquire fails
// immediately when the model can never fit the budget, and unblocks with the
// context's error when the context is cancelled while waiting.
func (m *Manager) Acquire(ctx context.Context, modelID string) (func(), error) {
	cost, ok := m.costs[modelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}

	if cost > m.budget {
		return nil, core.NewPipelineError(
			core.KindResourceExhausted, stageName,
			fmt.Errorf("%w: %s needs %d of %d bytes",
				ErrBudgetExceeded, modelID, cost, m.budget),
		)
	}

	// Wake the wait loop when the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		if m.closed {
			return nil, ErrManagerClosed
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("acquire %s: %w", modelID, ctx.Err())
		}

		entry, resident := m.entries[modelID]
		if resident {
			entry.refs++
			entry.lastUsed = time.Now()

			return m.releaseFunc(modelID), nil
		}

		if m.used+cost > m.budget {
			m.evictIdle(ctx, m.used+cost-m.budget)
		}

		if m.used+cost <= m.budget {
			return m.loadLocked(ctx, modelID, cost)
		}

		// Everything resident is in use. Wait for a release.
		m.cond.Wait()
	}
}

// loadLocked loads the model while holding the lock, serializing backend load
// decisions so concurrent acquires never overcommit the budget.
func (m *Manager) loadLocked(
	ctx context.Context, modelID string, cost int64,
) (func(), error) {
	err := m.backend.Load(ctx, modelID)
	if err != nil {
		m.cond.Broadcast()

		return nil, fmt.Errorf("failed to load model %s: %w", modelID, err)
	}

	m.entries[modelID] = &modelEntry{cost: cost, refs: 1, lastUsed: time.Now()}
	m.used += cost

	m.log.Info("Loaded model %s (%d bytes, %d/%d used)",
		modelID, cost, m.used, m.budget)

	return m.releaseFunc(modelID), nil
}

// evictIdle unloads idle models in least-recently-used order until at least
// needed bytes are freed or no idle models remain.
func (m *Manager) evictIdle(ctx context.Context, needed int64) {
	for needed > 0 {
		victim := m.idleLRULocked()
		if victim == "" {
			return
		}

		entry := m.entries[victim]

		err := m.backend.Unload(ctx, victim)
		if err != nil {
			// The entry stays resident so accounting matches reality.
			m.log.Error("Failed to evict model %s: %v", victim, err)

			return
		}

		delete(m.entries, victim)
		m.used -= entry.cost
		needed -= entry.cost

		m.log.Info("Evicted idle model %s (%d bytes freed)", victim, entry.cost)
	}
}

// idleLRULocked returns the least-recently-used model with no holders.
func (m *Manager) idleLRULocked() string {
	var (
		victim string
		oldest time.Time
	)

	for id, entry := range m.entries {
		if entry.refs > 0 {
			continue
		}

		if victim == "" || entry.lastUsed.Before(oldest) {
			victim = id
			oldest = entry.lastUsed
		}
	}

	return victim
}

// releaseFunc returns the idempotent release closure for one acquisition.
func (m *Manager) releaseFunc(modelID string) func() {
	var once sync.Once

	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()

			entry, ok := m.entries[modelID]
			if !ok {
				return
			}

			entry.refs--
			entry.lastUsed = time.Now()
			m.cond.Broadcast()
		})
	}
}

// LoadedModels returns the IDs of resident models in sorted order.
func (m *Manager) LoadedModels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// UsedBytes returns the memory currently accounted against the budget.
func (m *Manager) UsedBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.used
}

// Close unloads every resident model and rejects further acquisitions. It
// fails when any model is still referenced.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, entry := range m.entries {
		if entry.refs > 0 {
			return fmt.Errorf("%w: %s has %d holder(s)",
				ErrModelsStillHeld, id, entry.refs)
		}
	}

	var errs []error

	for id, entry := range m.entries {
		err := m.backend.Unload(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to unload %s: %w", id, err))

			continue
		}

		delete(m.entries, id)
		m.used -= entry.cost
	}

	m.closed = true
	m.cond.Broadcast()

	return errors.Join(errs...)
}
