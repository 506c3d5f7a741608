package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fateforger/timeboxd/pkg/calendar"
	"github.com/fateforger/timeboxd/pkg/config"
	"github.com/fateforger/timeboxd/pkg/constraint"
	"github.com/fateforger/timeboxd/pkg/retriever"
	"github.com/fateforger/timeboxd/pkg/timemodel"
)

// PrefetchCoordinator runs background prefetch/extraction tasks without
// blocking the critical path, deduplicating per
// (session_key, stage) and bounding global concurrency with three
// semaphores.
type PrefetchCoordinator struct {
	cap      calendar.Capability
	store    constraint.Store
	retr     *retriever.Retriever
	timeouts config.TimeoutsConfig

	durablePrefetch *semaphore.Weighted
	durableUpsert   *semaphore.Weighted
	extraction      *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[string]bool // key: sessionKey + "|" + stage, dedup guard

	calMu    sync.Mutex
	calCache map[string][]calendar.Event // keyed by planned date (YYYY-MM-DD)
}

// NewPrefetchCoordinator builds a coordinator with the semaphore sizes
// from ConcurrencyConfig.
func NewPrefetchCoordinator(cap calendar.Capability, store constraint.Store, retr *retriever.Retriever, concurrency config.ConcurrencyConfig, timeouts config.TimeoutsConfig) *PrefetchCoordinator {
	return &PrefetchCoordinator{
		cap:             cap,
		store:           store,
		retr:            retr,
		timeouts:        timeouts,
		durablePrefetch: semaphore.NewWeighted(int64(maxOne(concurrency.DurablePrefetch))),
		durableUpsert:   semaphore.NewWeighted(int64(maxOne(concurrency.DurableUpsert))),
		extraction:      semaphore.NewWeighted(int64(maxOne(concurrency.ConstraintExtraction))),
		inFlight:        make(map[string]bool),
		calCache:        make(map[string][]calendar.Event),
	}
}

func maxOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func taskKey(sessionKey Key, stage Stage) string {
	return sessionKey.String() + "|" + string(stage)
}

// claim marks (sessionKey, stage) in flight; returns false if it already
// was, per the Deduplication rule ("queuing while one is in flight is a
// no-op").
func (c *PrefetchCoordinator) claim(sessionKey Key, stage Stage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := taskKey(sessionKey, stage)
	if c.inFlight[k] {
		return false
	}
	c.inFlight[k] = true
	return true
}

func (c *PrefetchCoordinator) release(sessionKey Key, stage Stage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, taskKey(sessionKey, stage))
}

// PrefetchCalendar fires a non-blocking remote-calendar list for
// plannedDate, per TurnInit's "(a) a non-blocking remote-calendar
// prefetch for planned_date if not cached".
func (c *PrefetchCoordinator) PrefetchCalendar(calendarID string, day timemodel.LocalDate, timezone string) {
	key := day.String()
	c.calMu.Lock()
	_, cached := c.calCache[key]
	c.calMu.Unlock()
	if cached {
		return
	}
	go func() {
		result, err := c.cap.ListDayEvents(context.Background(), calendarID, day, timezone)
		if err != nil {
			slog.Warn("prefetch: calendar list failed", "planned_date", key, "error", err)
			return
		}
		c.calMu.Lock()
		c.calCache[key] = result.Events
		c.calMu.Unlock()
	}()
}

// Store exposes the coordinator's durable constraint store so background
// turn-pipeline tasks (constraint upsert, pending-task lookups) can reach
// it without the Controller holding a second reference to the same backend.
func (c *PrefetchCoordinator) Store() constraint.Store {
	return c.store
}

// CachedCalendar returns the prefetched event list for plannedDate, if any.
func (c *PrefetchCoordinator) CachedCalendar(plannedDate string) ([]calendar.Event, bool) {
	c.calMu.Lock()
	defer c.calMu.Unlock()
	events, ok := c.calCache[plannedDate]
	return events, ok
}

// PrefetchDurable loads durable constraints for stage into the session's
// DurableConstraintsByStage cache, bounded by the durable-prefetch
// semaphore and deduplicated per (session, stage).
func (c *PrefetchCoordinator) PrefetchDurable(ctx context.Context, s *Session, stage Stage, plannedDate time.Time, rctx retriever.Context) {
	if !c.claim(s.Key, stage) {
		return
	}
	go func() {
		defer c.release(s.Key, stage)
		if err := c.durablePrefetch.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer c.durablePrefetch.Release(1)

		tctx, cancel := context.WithTimeout(context.Background(), c.timeouts.DurableQuery)
		defer cancel()

		_, records, err := c.retr.Retrieve(tctx, c.store, retriever.Stage(stage), plannedDate, rctx)
		if err != nil {
			slog.Warn("prefetch: durable constraint retrieval failed", "stage", stage, "error", err)
			return
		}

		s.mu.Lock()
		s.DurableConstraintsByStage[stage] = records
		s.DurableConstraintsLoaded[stage] = true
		s.mu.Unlock()
	}()
}

// EnsureStage waits (with fail_on_timeout=false) for stage's durable
// constraints to be loaded, per "Ensure on stage entry". If the wait
// expires the stage proceeds with whatever was already cached.
func (c *PrefetchCoordinator) EnsureStage(ctx context.Context, s *Session, stage Stage) {
	deadline := time.Now().Add(c.timeouts.PrefetchEnsure)
	for time.Now().Before(deadline) {
		s.mu.RLock()
		loaded := s.DurableConstraintsLoaded[stage]
		s.mu.RUnlock()
		if loaded {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// QueueExtraction runs a background constraint-extraction task, bounded
// by the extraction semaphore. fn does the actual interpret+extract+
// upsert work; errors are logged, never surfaced to the turn.
func (c *PrefetchCoordinator) QueueExtraction(fn func(ctx context.Context)) {
	go func() {
		if err := c.extraction.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer c.extraction.Release(1)
		fn(context.Background())
	}()
}

// RunUpsert runs fn (an upsert_constraint call) bounded by the
// durable-upsert semaphore (default weight 1, i.e. serialized).
func (c *PrefetchCoordinator) RunUpsert(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := c.durableUpsert.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.durableUpsert.Release(1)
	return fn(ctx)
}
