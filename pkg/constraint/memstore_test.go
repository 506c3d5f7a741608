package constraint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestUpsertConstraintIsIdempotentOnUID(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore(fixedNow(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)))

	r := Record{
		Name:      "No meetings after 5pm",
		RuleKind:  "avoid_window",
		Necessity: NecessityMust,
		Status:    StatusProposed,
		Scope:     ScopeProfile,
		Windows:   []Window{{Kind: WindowAvoid, Start: "17:00", End: "23:59"}},
	}
	first, err := s.UpsertConstraint(ctx, r)
	require.NoError(t, err)
	require.NotEmpty(t, first.UID)

	r2 := r
	r2.UID = first.UID
	r2.Description = "rewritten wording, same identity"
	second, err := s.UpsertConstraint(ctx, r2)
	require.NoError(t, err)
	assert.Equal(t, first.UID, second.UID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	got, err := s.GetConstraint(ctx, first.UID)
	require.NoError(t, err)
	assert.Equal(t, "rewritten wording, same identity", got.Description)
}

func TestFindEquivalentConstraintIgnoresWordingAndUID(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore(nil)

	original := Record{
		Name:      "no meetings after 5",
		RuleKind:  "avoid_window",
		Necessity: NecessityShould,
		Status:    StatusProposed,
		Scope:     ScopeProfile,
		Windows:   []Window{{Kind: WindowAvoid, Start: "17:00", End: "23:59"}},
	}
	stored, err := s.UpsertConstraint(ctx, original)
	require.NoError(t, err)

	candidate := Record{
		Name:      "No Meetings After 5",
		RuleKind:  "avoid_window",
		Necessity: NecessityMust,
		Status:    StatusProposed,
		Scope:     ScopeProfile,
		Windows:   []Window{{Kind: WindowAvoid, Start: "17:00", End: "23:59"}},
	}
	found, ok, err := s.FindEquivalentConstraint(ctx, candidate)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stored.UID, found.UID)
}

func TestSupersedeConstraintArchivesOld(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore(nil)

	old, err := s.UpsertConstraint(ctx, Record{
		Name: "gym at 6am", RuleKind: "fixed_window", Scope: ScopeProfile,
		Necessity: NecessityShould, Status: StatusLocked,
	})
	require.NoError(t, err)

	newer, err := s.SupersedeConstraint(ctx, old.UID, Record{
		Name: "gym at 7am", RuleKind: "fixed_window", Scope: ScopeProfile,
		Necessity: NecessityShould, Status: StatusLocked,
	})
	require.NoError(t, err)
	assert.Contains(t, newer.SupersedesUIDs, old.UID)

	archived, err := s.GetConstraint(ctx, old.UID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeclined, archived.Status)
}

func TestUpdateConstraintRejectsUnknownEnum(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore(nil)
	r, err := s.UpsertConstraint(ctx, Record{Name: "x", RuleKind: "flag", Necessity: NecessityMust, Status: StatusProposed})
	require.NoError(t, err)

	bogus := Status("archived")
	_, err = s.UpdateConstraint(ctx, r.UID, Partial{Status: &bogus})
	require.Error(t, err)
	var enumErr *EnumError
	require.ErrorAs(t, err, &enumErr)
}

func TestUpdateConstraintMissingRecord(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore(nil)
	_, err := s.UpdateConstraint(ctx, "c-does-not-exist", Partial{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDedupeConstraintsKeepsLockedOverProposed(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore(nil)

	base := Record{Name: "no meetings after 5", RuleKind: "avoid_window", Scope: ScopeProfile,
		Windows: []Window{{Kind: WindowAvoid, Start: "17:00", End: "23:59"}}}

	proposed := base
	proposed.Status = StatusProposed
	proposed.Necessity = NecessityShould
	_, err := s.UpsertConstraint(ctx, proposed)
	require.NoError(t, err)

	locked := base
	locked.UID = "c-locked-duplicate-override"
	locked.Status = StatusLocked
	locked.Necessity = NecessityMust
	s.mu.Lock()
	locked.CreatedAt = time.Now()
	locked.UpdatedAt = time.Now()
	s.records[locked.UID] = locked
	s.mu.Unlock()

	result, err := s.DedupeConstraints(ctx, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Archived)
	assert.Equal(t, 1, result.Kept)

	survivor, err := s.GetConstraint(ctx, locked.UID)
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, survivor.Status)
}

func TestQueryConstraintsFiltersByActiveAndStage(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore(nil)

	asOf := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	past := asOf.AddDate(0, -1, 0)
	future := asOf.AddDate(0, 1, 0)

	_, err := s.UpsertConstraint(ctx, Record{
		Name: "expired", RuleKind: "flag", Scope: ScopeDatespan,
		AppliesStages: []string{"skeleton"}, EndDate: &past,
	})
	require.NoError(t, err)
	active, err := s.UpsertConstraint(ctx, Record{
		Name: "current", RuleKind: "flag", Scope: ScopeDatespan,
		AppliesStages: []string{"skeleton"}, EndDate: &future,
	})
	require.NoError(t, err)

	got, err := s.QueryConstraints(ctx, Filters{AsOf: asOf, Stage: "skeleton", RequireActive: true}, QueryOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, active.UID, got[0].UID)
}

func TestAddReflectionNeverErrors(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore(nil)
	err := s.AddReflection(ctx, ReflectionPayload{SessionKey: "s1", Stage: "refine", Text: "note"})
	require.NoError(t, err)
}
