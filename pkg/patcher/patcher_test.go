package patcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fateforger/timeboxd/pkg/extract"
	"github.com/fateforger/timeboxd/pkg/patchops"
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
			{Name: "Standup", EventType: timemodel.EventMeeting, Timing: timemodel.FixedStart{
				Start: timemodel.NewLocalTime(9, 0), Duration: dur(t, "PT15M"),
			}},
		},
	}
}

// fakeCompleter returns a scripted sequence of raw responses, one per call.
type fakeCompleter struct {
	responses []string
	calls     int
}

func (f *fakeCompleter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if f.calls >= len(f.responses) {
		return "", errors.New("fakeCompleter: out of scripted responses")
	}
	r := f.responses[f.calls]
	f.calls++
	return r, nil
}

func TestApplyPatchSucceedsFirstAttempt(t *testing.T) {
	c := &fakeCompleter{responses: []string{`[{"op":"re","index":0}]`}}
	p := New(extract.New(c), 5)

	patched, patch, err := p.ApplyPatch(context.Background(), samplePlan(t), "remove the standup", nil, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, patched.Events)
	require.Len(t, patch.Ops, 1)
}

func TestApplyPatchRetriesOnParseFailureThenSucceeds(t *testing.T) {
	c := &fakeCompleter{responses: []string{
		"not json at all",
		`[{"op":"re","index":0}]`,
	}}
	p := New(extract.New(c), 5)

	patched, _, err := p.ApplyPatch(context.Background(), samplePlan(t), "remove the standup", nil, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, patched.Events)
	assert.Equal(t, 2, c.calls)
}

func TestApplyPatchRetriesOnApplyFailure(t *testing.T) {
	// index 5 is out of bounds on a 1-event plan, so the first attempt
	// fails at patchops.Apply and retry feedback should carry the index
	// error back into the second attempt's prompt.
	c := &fakeCompleter{responses: []string{
		`[{"op":"re","index":5}]`,
		`[{"op":"re","index":0}]`,
	}}
	p := New(extract.New(c), 5)

	patched, _, err := p.ApplyPatch(context.Background(), samplePlan(t), "remove the standup", nil, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, patched.Events)
}

func TestApplyPatchValidatorFailureTriggersRetry(t *testing.T) {
	c := &fakeCompleter{responses: []string{
		`[{"op":"re","index":0}]`,
		`[{"op":"ra","events":[{"name":"Standup","event_type":"M","timing":{"a":"fs","start":"09:00","duration":"PT15M"}}]}]`,
	}}
	p := New(extract.New(c), 5)

	attempts := 0
	validate := func(plan timemodel.Plan) error {
		attempts++
		if len(plan.Events) == 0 {
			return errors.New("plan must not be empty")
		}
		return nil
	}

	patched, _, err := p.ApplyPatch(context.Background(), samplePlan(t), "remove then restore", nil, nil, validate)
	require.NoError(t, err)
	require.Len(t, patched.Events, 1)
	assert.Equal(t, 2, attempts)
}

func TestApplyPatchExhaustsAttempts(t *testing.T) {
	c := &fakeCompleter{responses: []string{"nope", "nope", "nope"}}
	p := New(extract.New(c), 3)

	_, _, err := p.ApplyPatch(context.Background(), samplePlan(t), "do something", nil, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPatchExhausted)
	assert.Equal(t, 3, c.calls)
}

func TestBuildRetryFeedbackDecomposesStructuredErrors(t *testing.T) {
	overlap := &timemodel.OverlapError{AIndex: 0, BIndex: 1, AName: "Standup", BName: "Prep"}
	fb := buildRetryFeedback(overlap)
	assert.Contains(t, fb, "Violations:")
	assert.Contains(t, fb, "events[0]")
	assert.Contains(t, fb, "events[1]")
	assert.Contains(t, fb, "Standup")

	idx := &patchops.IndexError{Op: patchops.OpRemoveAt, Index: 5, Len: 1}
	fb = buildRetryFeedback(idx)
	assert.Contains(t, fb, "index_out_of_range")
	assert.Contains(t, fb, "index 5")

	// Unstructured errors fall through as plain text, no violation list.
	fb = buildRetryFeedback(errors.New("some transport hiccup"))
	assert.Equal(t, "some transport hiccup", fb)
	assert.NotContains(t, fb, "Violations:")
}

func TestApplyPatchDefaultsMaxAttempts(t *testing.T) {
	p := New(extract.New(&fakeCompleter{}), 0)
	assert.Equal(t, DefaultMaxAttempts, p.maxAttempts)
}
