package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fateforger/timeboxd/pkg/config"
	"github.com/fateforger/timeboxd/pkg/constraint"
	"github.com/fateforger/timeboxd/pkg/session"
)

func testRetention() config.RetentionConfig {
	return config.RetentionConfig{SessionIdleTTL: time.Hour, SweepInterval: time.Minute}
}

func TestReapSessionsRemovesCompletedAndIdleSessions(t *testing.T) {
	manager := session.NewManager()

	completed := manager.GetOrCreate(session.Key{Channel: "c", ThreadID: "completed"}, "u1")
	completed.SetCompleted(session.ThreadCompleted)

	fresh := manager.GetOrCreate(session.Key{Channel: "c", ThreadID: "fresh"}, "u1")

	stale := manager.GetOrCreate(session.Key{Channel: "c", ThreadID: "stale"}, "u1")

	now := stale.LastActivity().Add(2 * time.Hour)
	fresh.UpdatedAt = now // touched right before the sweep

	svc := NewService(testRetention(), manager, constraint.NewMemStore(nil))
	svc.now = func() time.Time { return now }

	svc.reapSessions(context.Background())

	_, err := manager.Get(completed.Key)
	assert.Error(t, err, "completed session should be reaped")
	_, err = manager.Get(stale.Key)
	assert.Error(t, err, "idle session past SessionIdleTTL should be reaped")
	_, err = manager.Get(fresh.Key)
	assert.NoError(t, err, "freshly-touched session should survive")
}

func TestSweepExpiredConstraintsArchivesPastTTL(t *testing.T) {
	store := constraint.NewMemStore(nil)
	ctx := context.Background()

	ttl := 7
	old := time.Now().Add(-30 * 24 * time.Hour)
	expired, err := store.UpsertConstraint(ctx, constraint.Record{
		UID:        "expired-1",
		Name:       "temporary rule",
		Status:     constraint.StatusProposed,
		Necessity:  constraint.NecessityShould,
		Scope:      constraint.ScopeSession,
		RuleKind:   "avoid_window",
		StartDate:  &old,
		TTLDays:    &ttl,
	})
	require.NoError(t, err)

	recent := time.Now()
	kept, err := store.UpsertConstraint(ctx, constraint.Record{
		UID:       "kept-1",
		Name:      "still valid",
		Status:    constraint.StatusProposed,
		Necessity: constraint.NecessityShould,
		Scope:     constraint.ScopeSession,
		RuleKind:  "avoid_window",
		StartDate: &recent,
		TTLDays:   &ttl,
	})
	require.NoError(t, err)

	svc := NewService(testRetention(), session.NewManager(), store)
	svc.sweepExpiredConstraints(ctx)

	got, err := store.GetConstraint(ctx, expired.UID)
	require.NoError(t, err)
	assert.Equal(t, constraint.StatusDeclined, got.Status, "past-ttl record should be archived")

	got, err = store.GetConstraint(ctx, kept.UID)
	require.NoError(t, err)
	assert.Equal(t, constraint.StatusProposed, got.Status, "within-ttl record should be untouched")
}
