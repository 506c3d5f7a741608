package timemodel

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDur(t *testing.T, s string) Duration {
	t.Helper()
	d, err := ParseISO8601Duration(s)
	require.NoError(t, err)
	return Duration(d)
}

func basePlan(events ...PlanEvent) Plan {
	return Plan{
		Events:   events,
		Date:     NewLocalDate(2026, 2, 13),
		Timezone: "Europe/Amsterdam",
	}
}

func TestResolveTimesFixedStartAndAfterPrev(t *testing.T) {
	plan := basePlan(
		PlanEvent{Name: "Focus", EventType: EventDeepWork, Timing: FixedStart{Start: NewLocalTime(9, 0), Duration: mustDur(t, "PT1H")}},
		PlanEvent{Name: "Break", EventType: EventBuffer, Timing: AfterPrev{Duration: mustDur(t, "PT15M")}},
	)
	rp, err := ResolveTimes(plan, true)
	require.NoError(t, err)
	require.Len(t, rp.Events, 2)
	assert.Equal(t, 10, rp.Events[1].Start.Hour())
	assert.Equal(t, 0, rp.Events[1].Start.Minute())
	assert.Equal(t, 15*time.Minute, rp.Events[1].Duration)
}

func TestResolveTimesBeforeNext(t *testing.T) {
	plan := basePlan(
		PlanEvent{Name: "Prep", EventType: EventShallow, Timing: BeforeNext{Duration: mustDur(t, "PT30M")}},
		PlanEvent{Name: "Meeting", EventType: EventMeeting, Timing: FixedStart{Start: NewLocalTime(10, 0), Duration: mustDur(t, "PT1H")}},
	)
	rp, err := ResolveTimes(plan, true)
	require.NoError(t, err)
	assert.Equal(t, 9, rp.Events[0].Start.Hour())
	assert.Equal(t, 30, rp.Events[0].Start.Minute())
	assert.Equal(t, 10, rp.Events[0].End.Hour())
}

func TestResolveTimesBrokenChainNoSuccessor(t *testing.T) {
	plan := basePlan(
		PlanEvent{Name: "Dangling", EventType: EventShallow, Timing: BeforeNext{Duration: mustDur(t, "PT30M")}},
	)
	_, err := ResolveTimes(plan, true)
	require.Error(t, err)
	var bce *BrokenChainError
	require.True(t, errors.As(err, &bce))
}

func TestResolveTimesBrokenChainAfterPrevWithoutAnchor(t *testing.T) {
	plan := basePlan(
		PlanEvent{Name: "Dangling", EventType: EventShallow, Timing: AfterPrev{Duration: mustDur(t, "PT30M")}},
	)
	_, err := ResolveTimes(plan, true)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrBrokenChain)
}

func TestResolveTimesOverlapDetected(t *testing.T) {
	plan := basePlan(
		PlanEvent{Name: "A", EventType: EventMeeting, Timing: FixedWindow{Start: NewLocalTime(9, 0), End: NewLocalTime(10, 30)}},
		PlanEvent{Name: "B", EventType: EventMeeting, Timing: FixedWindow{Start: NewLocalTime(10, 0), End: NewLocalTime(11, 0)}},
	)
	_, err := ResolveTimes(plan, true)
	require.Error(t, err)
	var oe *OverlapError
	require.True(t, errors.As(err, &oe))
}

func TestResolveTimesBackgroundExemptFromOverlap(t *testing.T) {
	plan := basePlan(
		PlanEvent{Name: "Focus", EventType: EventDeepWork, Timing: FixedWindow{Start: NewLocalTime(9, 0), End: NewLocalTime(12, 0)}},
		PlanEvent{Name: "Ambient", EventType: EventBackground, Timing: FixedWindow{Start: NewLocalTime(9, 0), End: NewLocalTime(17, 0)}},
	)
	_, err := ResolveTimes(plan, true)
	require.NoError(t, err)
}

func TestResolveTimesRequiresAnchor(t *testing.T) {
	plan := basePlan(
		PlanEvent{Name: "Ambient", EventType: EventBackground, Timing: FixedWindow{Start: NewLocalTime(9, 0), End: NewLocalTime(17, 0)}},
		PlanEvent{Name: "A", EventType: EventShallow, Timing: AfterPrev{Duration: mustDur(t, "PT30M")}},
	)
	_, err := ResolveTimes(plan, true)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrNoAnchor)
}

func TestPlanEventBackgroundMustBeFixed(t *testing.T) {
	ev := PlanEvent{Name: "Ambient", EventType: EventBackground, Timing: AfterPrev{Duration: mustDur(t, "PT30M")}}
	err := ev.Validate(0)
	require.Error(t, err)
}

func TestRemoteSnapshotSkipsOverlapCheck(t *testing.T) {
	plan := basePlan(
		PlanEvent{Name: "A", EventType: EventMeeting, Timing: FixedWindow{Start: NewLocalTime(9, 0), End: NewLocalTime(10, 30)}},
		PlanEvent{Name: "B", EventType: EventMeeting, Timing: FixedWindow{Start: NewLocalTime(10, 0), End: NewLocalTime(11, 0)}},
	)
	_, err := ResolveTimes(plan, false)
	require.NoError(t, err)
}

func TestISO8601DurationRoundTrip(t *testing.T) {
	cases := []string{"PT30M", "PT1H", "PT1H30M", "PT0S"}
	for _, c := range cases {
		d, err := ParseISO8601Duration(c)
		require.NoError(t, err)
		assert.Equal(t, c, FormatISO8601Duration(d))
	}
}

func TestPlanEventJSONRoundTrip(t *testing.T) {
	ev := PlanEvent{Name: "Focus", EventType: EventDeepWork, Timing: FixedStart{Start: NewLocalTime(9, 0), Duration: mustDur(t, "PT1H")}}
	data, err := ev.MarshalJSON()
	require.NoError(t, err)
	var out PlanEvent
	require.NoError(t, out.UnmarshalJSON(data))
	assert.Equal(t, ev, out)
}
