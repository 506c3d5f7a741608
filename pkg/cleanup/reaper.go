// Package cleanup provides the background reaper: in-memory session
// garbage collection and durable-constraint TTL expiry. Neither is one
// of the core conversational components, but both follow from
// invariants those components declare — the session lifecycle note
// ("destroyed on explicit completion/cancel or host shutdown") and the
// constraint record's ttl_days field — so this package gives a home
// to that cross-cutting upkeep rather than scattering it into session
// and constraint.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/fateforger/timeboxd/pkg/config"
	"github.com/fateforger/timeboxd/pkg/constraint"
	"github.com/fateforger/timeboxd/pkg/session"
)

// Service periodically enforces retention policies:
//   - Deletes completed/canceled sessions, and sessions idle past
//     config.RetentionConfig.SessionIdleTTL, from the in-memory Manager.
//   - Archives durable constraint records whose ttl_days has elapsed
//     since start_date (or created_at, for records with no start_date).
//
// Both sweeps are idempotent: re-running over the same state is a no-op.
type Service struct {
	cfg     config.RetentionConfig
	manager *session.Manager
	store   constraint.Store
	now     func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService builds a reaper over manager and store, using cfg's TTL and
// interval tunables.
func NewService(cfg config.RetentionConfig, manager *session.Manager, store constraint.Store) *Service {
	return &Service{cfg: cfg, manager: manager, store: store, now: time.Now}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("cleanup: reaper started",
		"session_idle_ttl", s.cfg.SessionIdleTTL,
		"sweep_interval", s.cfg.SweepInterval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("cleanup: reaper stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.reapSessions(ctx)
	s.sweepExpiredConstraints(ctx)
}

// reapSessions removes every session that is completed/canceled, or whose
// LastActivity is older than SessionIdleTTL, the Lifecycle note.
func (s *Service) reapSessions(_ context.Context) {
	if s.manager == nil {
		return
	}
	cutoff := s.now().Add(-s.cfg.SessionIdleTTL)
	count := 0
	for _, key := range s.manager.List() {
		sess, err := s.manager.Get(key)
		if err != nil {
			continue
		}
		if sess.IsCompleted() || sess.LastActivity().Before(cutoff) {
			s.manager.Delete(key)
			count++
		}
	}
	if count > 0 {
		slog.Info("cleanup: reaped sessions", "count", count)
	}
}

// sweepExpiredConstraints archives every active constraint whose ttl_days
// has elapsed since start_date (falling back to created_at when
// start_date is unset), per the Constraint Record's ttl_days field.
func (s *Service) sweepExpiredConstraints(ctx context.Context) {
	if s.store == nil {
		return
	}
	now := s.now()
	records, err := s.store.QueryConstraints(ctx, constraint.Filters{
		AsOf:          now,
		RequireActive: false,
	}, constraint.QueryOptions{Limit: 0})
	if err != nil {
		slog.Error("cleanup: query constraints for TTL sweep failed", "error", err)
		return
	}

	count := 0
	for _, r := range records {
		if r.Status == constraint.StatusDeclined || r.TTLDays == nil {
			continue
		}
		anchor := r.CreatedAt
		if r.StartDate != nil {
			anchor = *r.StartDate
		}
		if now.After(anchor.AddDate(0, 0, *r.TTLDays)) {
			if err := s.store.ArchiveConstraint(ctx, r.UID, "ttl_expired"); err != nil {
				slog.Error("cleanup: archive expired constraint failed", "uid", r.UID, "error", err)
				continue
			}
			count++
		}
	}
	if count > 0 {
		slog.Info("cleanup: archived expired constraints", "count", count)
	}
}
