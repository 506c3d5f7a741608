package session

import (
	"context"

	"github.com/fateforger/timeboxd/pkg/calendar"
	"github.com/fateforger/timeboxd/pkg/constraint"
	"github.com/fateforger/timeboxd/pkg/timemodel"
)

// fakeStore is a minimal constraint.Store double; only QueryConstraints is
// exercised by the prefetch coordinator's tests.
type fakeStore struct {
	constraint.Store
	broadRows []constraint.Record
}

func (f *fakeStore) QueryTypes(ctx context.Context, stage string, eventTypes []string) ([]constraint.TypeSummary, error) {
	return nil, nil
}

func (f *fakeStore) QueryConstraints(ctx context.Context, filters constraint.Filters, opts constraint.QueryOptions) ([]constraint.Record, error) {
	return f.broadRows, nil
}

// fakeCapability is a minimal calendar.Capability double for the
// controller's submit/undo path tests.
type fakeCapability struct {
	listResult calendar.ListDayResult
	listErr    error

	created []calendar.EventPayload
	updated []calendar.EventPayload
	deleted []string

	createErr error
}

func (f *fakeCapability) ListDayEvents(ctx context.Context, calendarID string, day timemodel.LocalDate, timezone string) (calendar.ListDayResult, error) {
	return f.listResult, f.listErr
}

func (f *fakeCapability) GetEvent(ctx context.Context, calendarID, eventID string) (calendar.Event, bool, error) {
	return calendar.Event{}, false, nil
}

func (f *fakeCapability) CreateEvent(ctx context.Context, calendarID string, payload calendar.EventPayload) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, payload)
	return "evt-" + payload.Summary, nil
}

func (f *fakeCapability) UpdateEvent(ctx context.Context, calendarID, eventID string, payload calendar.EventPayload) error {
	f.updated = append(f.updated, payload)
	return nil
}

func (f *fakeCapability) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	f.deleted = append(f.deleted, eventID)
	return nil
}
