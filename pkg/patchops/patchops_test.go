package patchops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fateforger/timeboxd/pkg/timemodel"
)

func dur(t *testing.T, s string) timemodel.Duration {
	t.Helper()
	d, err := timemodel.ParseISO8601Duration(s)
	require.NoError(t, err)
	return timemodel.Duration(d)
}

func samplePlan(t *testing.T) timemodel.Plan {
	return timemodel.Plan{
		Date:     timemodel.NewLocalDate(2026, 2, 13),
		Timezone: "Europe/Amsterdam",
		Events: []timemodel.PlanEvent{
			{Name: "Meeting", EventType: timemodel.EventMeeting, Timing: timemodel.FixedStart{
				Start: timemodel.NewLocalTime(10, 0), Duration: dur(t, "PT1H"),
			}},
		},
	}
}

func TestApplyAddEventsBeforeMeeting(t *testing.T) {
	plan := samplePlan(t)
	before := -1
	patch := Patch{Ops: []Op{
		AddEvents{
			Events: []timemodel.PlanEvent{{
				Name: "Prep", EventType: timemodel.EventShallow,
				Timing: timemodel.BeforeNext{Duration: dur(t, "PT30M")},
			}},
			InsertAfter: &before, // insert before index 0
		},
	}}

	out, err := Apply(plan, patch)
	require.NoError(t, err)
	require.Len(t, out.Events, 2)
	assert.Equal(t, "Prep", out.Events[0].Name)
	assert.Equal(t, "Meeting", out.Events[1].Name)
}

func TestApplyOverlapPropagatesValidationError(t *testing.T) {
	plan := samplePlan(t)
	patch := Patch{Ops: []Op{
		AddEvents{Events: []timemodel.PlanEvent{{
			Name: "Clashing", EventType: timemodel.EventMeeting,
			Timing: timemodel.FixedWindow{Start: timemodel.NewLocalTime(10, 30), End: timemodel.NewLocalTime(11, 30)},
		}}},
	}}
	_, err := Apply(plan, patch)
	require.Error(t, err)
	require.ErrorIs(t, err, timemodel.ErrOverlap)
}

func TestApplyRemoveOutOfRange(t *testing.T) {
	plan := samplePlan(t)
	_, err := Apply(plan, Patch{Ops: []Op{RemoveAt{Index: 5}}})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestApplyUpdateAtMergesOnlySetFields(t *testing.T) {
	plan := samplePlan(t)
	newName := "Standup"
	out, err := Apply(plan, Patch{Ops: []Op{UpdateAt{Index: 0, Name: &newName}}})
	require.NoError(t, err)
	assert.Equal(t, "Standup", out.Events[0].Name)
	assert.Equal(t, timemodel.EventMeeting, out.Events[0].EventType)
}

func TestApplyMoveClampsTarget(t *testing.T) {
	plan := samplePlan(t)
	plan.Events = append(plan.Events, timemodel.PlanEvent{
		Name: "Wrap-up", EventType: timemodel.EventPlanReview,
		Timing: timemodel.AfterPrev{Duration: dur(t, "PT15M")},
	})
	out, err := Apply(plan, Patch{Ops: []Op{MoveEvent{From: 1, To: 99}}})
	require.NoError(t, err)
	assert.Equal(t, "Wrap-up", out.Events[len(out.Events)-1].Name)
}

func TestPatchJSONRoundTrip(t *testing.T) {
	idx := 0
	patch := Patch{Ops: []Op{
		RemoveAt{Index: idx},
		MoveEvent{From: 0, To: 1},
	}}
	data, err := patch.MarshalJSON()
	require.NoError(t, err)
	var out Patch
	require.NoError(t, out.UnmarshalJSON(data))
	require.Len(t, out.Ops, 2)
	assert.Equal(t, OpRemoveAt, out.Ops[0].Kind())
	assert.Equal(t, OpMove, out.Ops[1].Kind())
}
