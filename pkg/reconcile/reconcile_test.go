package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fateforger/timeboxd/pkg/calendar"
	"github.com/fateforger/timeboxd/pkg/timemodel"
)

func dur(t *testing.T, s string) timemodel.Duration {
	t.Helper()
	d, err := timemodel.ParseISO8601Duration(s)
	require.NoError(t, err)
	return timemodel.Duration(d)
}

func TestReconcileCreateOnly(t *testing.T) {
	desired := timemodel.Plan{
		Date:     timemodel.NewLocalDate(2026, 2, 13),
		Timezone: "Europe/Amsterdam",
		Events: []timemodel.PlanEvent{
			{Name: "Focus", EventType: timemodel.EventDeepWork, Timing: timemodel.FixedStart{
				Start: timemodel.NewLocalTime(9, 0), Duration: dur(t, "PT1H"),
			}},
		},
	}

	out, err := Reconcile(desired, nil, nil, nil, "tb0", 10)
	require.NoError(t, err)
	require.Len(t, out.Creates, 1)
	assert.Empty(t, out.Updates)
	assert.Empty(t, out.Deletes)
	assert.Equal(t, "Focus", out.Creates[0].Desired.Name)
}

func TestReconcileOwnedVsForeignLunch(t *testing.T) {
	desired := timemodel.Plan{
		Date:     timemodel.NewLocalDate(2026, 2, 13),
		Timezone: "Europe/Amsterdam",
		Events: []timemodel.PlanEvent{
			{Name: "Lunch", EventType: timemodel.EventBuffer, Timing: timemodel.FixedWindow{
				Start: timemodel.NewLocalTime(12, 10), End: timemodel.NewLocalTime(13, 10),
			}},
		},
	}
	remote := []calendar.Event{
		{ID: "tb0abc123", Summary: "Lunch", Start: timemodel.NewLocalTime(12, 0), End: timemodel.NewLocalTime(13, 0)},
		{ID: "foreignXYZ", Summary: "Lunch", Start: timemodel.NewLocalTime(12, 0), End: timemodel.NewLocalTime(13, 0)},
	}

	out, err := Reconcile(desired, remote, nil, nil, "tb0", 10)
	require.NoError(t, err)
	assert.Empty(t, out.Creates)
	require.Len(t, out.Updates, 1)
	assert.Equal(t, "tb0abc123", out.Updates[0].Remote.ID)

	// The foreign remote event is matched as a no-op, never mutated, and
	// never produces a create.
	foreignClassified := false
	for _, n := range out.Noops {
		if n.Remote != nil && n.Remote.ID == "foreignXYZ" {
			foreignClassified = true
		}
	}
	for _, s := range out.Skips {
		if s.Remote != nil && s.Remote.ID == "foreignXYZ" {
			foreignClassified = true
		}
	}
	assert.True(t, foreignClassified, "foreign remote event must be classified as noop or skip")
}

func TestReconcileIDHintPreferredOverCanonical(t *testing.T) {
	desired := timemodel.Plan{
		Date:     timemodel.NewLocalDate(2026, 2, 13),
		Timezone: "Europe/Amsterdam",
		Events: []timemodel.PlanEvent{
			{Name: "Standup", EventType: timemodel.EventMeeting, Timing: timemodel.FixedStart{
				Start: timemodel.NewLocalTime(9, 0), Duration: dur(t, "PT15M"),
			}},
		},
	}
	remote := []calendar.Event{
		{ID: "tb0hinted", Summary: "Standup", Start: timemodel.NewLocalTime(9, 0), End: timemodel.NewLocalTime(9, 15)},
	}
	hints := EventIDHint{HintKey("Standup", timemodel.NewLocalTime(9, 0)): "tb0hinted"}

	out, err := Reconcile(desired, remote, hints, nil, "tb0", 10)
	require.NoError(t, err)
	require.Len(t, out.Matches, 1)
	assert.Equal(t, "id", out.Matches[0].Pass)
}

func TestReconcileFuzzyRejectsBeyondTolerance(t *testing.T) {
	desired := timemodel.Plan{
		Date:     timemodel.NewLocalDate(2026, 2, 13),
		Timezone: "Europe/Amsterdam",
		Events: []timemodel.PlanEvent{
			{Name: "Review", EventType: timemodel.EventPlanReview, Timing: timemodel.FixedStart{
				Start: timemodel.NewLocalTime(16, 0), Duration: dur(t, "PT30M"),
			}},
		},
	}
	remote := []calendar.Event{
		{ID: "tb0far", Summary: "Review", Start: timemodel.NewLocalTime(18, 0), End: timemodel.NewLocalTime(18, 30)},
	}

	out, err := Reconcile(desired, remote, nil, nil, "tb0", 10)
	require.NoError(t, err)
	assert.Empty(t, out.Matches)
	require.Len(t, out.Creates, 1)
	require.Len(t, out.Deletes, 1)
}

func TestReconcilePlanSyncIdenticalYieldsNoChanges(t *testing.T) {
	desired := timemodel.Plan{
		Date:     timemodel.NewLocalDate(2026, 2, 13),
		Timezone: "Europe/Amsterdam",
		Events: []timemodel.PlanEvent{
			{Name: "Deep Work", EventType: timemodel.EventDeepWork, Timing: timemodel.FixedStart{
				Start: timemodel.NewLocalTime(9, 0), Duration: dur(t, "PT2H"),
			}},
		},
	}
	remote := []calendar.Event{
		{ID: "tb0same", Summary: "Deep Work", Start: timemodel.NewLocalTime(9, 0), End: timemodel.NewLocalTime(11, 0)},
	}

	out, err := Reconcile(desired, remote, nil, nil, "tb0", 10)
	require.NoError(t, err)
	assert.Empty(t, out.Creates)
	assert.Empty(t, out.Deletes)
	// The matched pair still appears as an "update" candidate (no structural
	// diff decision happens here — that's the sync engine's job).
	require.Len(t, out.Updates, 1)
}
