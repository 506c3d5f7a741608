package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fateforger/timeboxd/pkg/calendar"
	"github.com/fateforger/timeboxd/pkg/reconcile"
	"github.com/fateforger/timeboxd/pkg/timemodel"
)

// fakeCapability is an in-memory calendar.Capability test double.
type fakeCapability struct {
	created     []calendar.EventPayload
	updated     map[string]calendar.EventPayload
	deleted     map[string]bool
	failOn      string
	createCalls int
}

func newFakeCapability() *fakeCapability {
	return &fakeCapability{updated: map[string]calendar.EventPayload{}, deleted: map[string]bool{}}
}

func (f *fakeCapability) ListDayEvents(ctx context.Context, calendarID string, day timemodel.LocalDate, timezone string) (calendar.ListDayResult, error) {
	return calendar.ListDayResult{}, nil
}

func (f *fakeCapability) GetEvent(ctx context.Context, calendarID, eventID string) (calendar.Event, bool, error) {
	return calendar.Event{}, false, nil
}

func (f *fakeCapability) CreateEvent(ctx context.Context, calendarID string, payload calendar.EventPayload) (string, error) {
	f.createCalls++
	if f.failOn == "create" {
		return "", errors.New("boom")
	}
	f.created = append(f.created, payload)
	return payload.EventID, nil
}

func (f *fakeCapability) UpdateEvent(ctx context.Context, calendarID, eventID string, payload calendar.EventPayload) error {
	if f.failOn == "update" {
		return errors.New("boom")
	}
	f.updated[eventID] = payload
	return nil
}

func (f *fakeCapability) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if f.failOn == "delete" {
		return errors.New("boom")
	}
	f.deleted[eventID] = true
	return nil
}

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
			{Name: "Focus", EventType: timemodel.EventDeepWork, Timing: timemodel.FixedStart{
				Start: timemodel.NewLocalTime(9, 0), Duration: dur(t, "PT1H"),
			}},
		},
	}
}

func TestPlanSyncCreateOnly(t *testing.T) {
	plan := samplePlan(t)
	rec := reconcile.Plan{Creates: []reconcile.Change{{Kind: reconcile.ChangeCreate, DesiredIndex: 0, Desired: &plan.Events[0]}}}

	ops, err := PlanSync(rec, plan, "primary", "tb0")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, OpCreate, ops[0].Kind)
	assert.True(t, len(ops[0].EventID) > 3 && ops[0].EventID[:3] == "tb0")
	assert.Equal(t, "2026-02-13T09:00:00", ops[0].After.Start)
	assert.Equal(t, "2026-02-13T10:00:00", ops[0].After.End)
	assert.Equal(t, "Europe/Amsterdam", ops[0].After.TimeZone)
}

func TestPlanSyncIdenticalYieldsNoOps(t *testing.T) {
	plan := samplePlan(t)
	remoteEv := calendar.Event{
		ID: "tb0same", Summary: "Focus",
		Start: timemodel.NewLocalTime(9, 0), End: timemodel.NewLocalTime(10, 0),
		Day: plan.Date,
	}
	rec := reconcile.Plan{Updates: []reconcile.Change{{Kind: reconcile.ChangeUpdate, DesiredIndex: 0, Desired: &plan.Events[0], Remote: &remoteEv}}}

	ops, err := PlanSync(rec, plan, "primary", "tb0")
	require.NoError(t, err)
	assert.Empty(t, ops, "identical desired/remote plans should yield no ops")
}

func TestExecuteSyncHaltsOnFirstError(t *testing.T) {
	cap := newFakeCapability()
	cap.failOn = "update"

	ops := []Op{
		{Kind: OpCreate, EventID: "tb0a", After: &calendar.EventPayload{EventID: "tb0a", Summary: "A"}},
		{Kind: OpUpdate, EventID: "tb0b", After: &calendar.EventPayload{Summary: "B"}},
		{Kind: OpDelete, EventID: "tb0c"},
	}

	txn, err := ExecuteSync(context.Background(), cap, "primary", ops, true)
	require.Error(t, err)
	assert.Equal(t, StatusPartialHalted, txn.Status)
	require.Len(t, txn.Results, 2, "ops after the failure must be absent from results")
	assert.True(t, txn.Results[0].OK)
	assert.False(t, txn.Results[1].OK)
}

func TestUndoReversesCreateUpdateDelete(t *testing.T) {
	cap := newFakeCapability()

	before := calendar.EventPayload{EventID: "tb0b", Summary: "B-before"}
	beforeDelete := calendar.EventPayload{EventID: "tb0c", Summary: "C"}
	ops := []Op{
		{Kind: OpCreate, EventID: "tb0a", After: &calendar.EventPayload{EventID: "tb0a", Summary: "A"}},
		{Kind: OpUpdate, EventID: "tb0b", After: &calendar.EventPayload{Summary: "B-after"}, Before: &before},
		{Kind: OpDelete, EventID: "tb0c", Before: &beforeDelete},
	}

	txn, err := ExecuteSync(context.Background(), cap, "primary", ops, true)
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, txn.Status)

	undoTxn, err := Undo(context.Background(), cap, txn)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, undoTxn.Status)

	// create -> delete(a), update -> update(before), delete -> create(before).
	assert.True(t, cap.deleted["tb0a"])
	assert.Equal(t, "B-before", cap.updated["tb0b"].Summary)
	assert.Equal(t, 2, cap.createCalls, "one create in the original txn plus one recreate for the undone delete")
	require.Len(t, cap.created, 2)
	assert.Equal(t, "C", cap.created[1].Summary)
}

func TestUndoRejectsIncompleteResults(t *testing.T) {
	txn := &Transaction{Ops: []Op{{Kind: OpCreate}}, Results: nil}
	_, err := Undo(context.Background(), newFakeCapability(), txn)
	require.ErrorIs(t, err, ErrIncompleteResults)
}
