// Package sync implements the Sync Engine: it turns a reconciliation
// outcome into an ordered transaction of remote calendar mutations, executes
// it through the Calendar Capability halting on first error, and provides a
// compensating undo.
package sync

import (
	"context"
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/fateforger/timeboxd/pkg/calendar"
	"github.com/fateforger/timeboxd/pkg/reconcile"
	"github.com/fateforger/timeboxd/pkg/timemodel"
)

// OpKind is the kind of remote mutation one Op performs.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Status is the lifecycle state of a Transaction.
type Status string

const (
	StatusPending        Status = "pending"
	StatusCommitted      Status = "committed"
	StatusPartial        Status = "partial"
	StatusPartialHalted  Status = "partial_halted"
	StatusUndone         Status = "undone"
	StatusUndoPartial    Status = "undo_partial"
)

// Op is one ordered remote mutation, carrying both the forward ("after") and
// reverse ("before") payload needed to build a compensating undo.
type Op struct {
	Kind      OpKind
	ToolName  string
	EventID   string // target event id; for create, filled in after execution
	After     *calendar.EventPayload
	Before    *calendar.EventPayload
	DesiredIx int // index into the desired plan, -1 for deletes
}

// Result is the outcome of executing one Op. Parallel to the Ops slice on
// the owning Transaction.
type Result struct {
	OK      bool
	EventID string
	Content string
	Error   string
}

// Transaction is an ordered sequence of remote mutations plus their results.
// Undo requires a complete Results slice — a transaction that crashed
// before recording any result is intentionally not undoable.
type Transaction struct {
	ID         string
	CalendarID string
	Ops        []Op
	Results    []Result
	Status     Status
}

// ErrIncompleteResults is returned by Undo when the source transaction's
// Results slice doesn't have one entry per Op — undo must never guess which
// ops applied.
var ErrIncompleteResults = errors.New("sync: transaction has incomplete results, cannot undo")

// synthesizeOwnedID derives a deterministic owned event id from
// (date|name|start_time|index): a short lowercase alphanumeric
// (base32hex) prefix marks ownership, and the synthesis is idempotent
// so a retried create after a transient transport error produces the
// same id.
func synthesizeOwnedID(ownedPrefix string, date timemodel.LocalDate, name string, start timemodel.LocalTime, index int) string {
	seed := fmt.Sprintf("%s|%s|%s|%d", date.String(), strings.ToLower(strings.TrimSpace(name)), start.String(), index)
	sum := sha256.Sum256([]byte(seed))
	enc := base32.HexEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:])
	return ownedPrefix + strings.ToLower(enc[:20])
}

// changedFields reports whether any field in the structural-diff subset
// (summary, start, end, description, color) differs between before/after.
// A remote snapshot without color info never counts as a color change.
func changedFields(before, after calendar.EventPayload) bool {
	return before.Summary != after.Summary ||
		before.Start != after.Start ||
		before.End != after.End ||
		before.Description != after.Description ||
		(before.ColorID != "" && before.ColorID != after.ColorID)
}

// PlanSync derives the ordered op sequence (creates, then updates, then
// deletes) for a reconciliation outcome. desired supplies the local
// wall-clock payload fields; ownedPrefix names the reserved external-id
// marker.
func PlanSync(rec reconcile.Plan, desired timemodel.Plan, calendarID, ownedPrefix string) ([]Op, error) {
	var ops []Op

	for _, c := range rec.Creates {
		id := synthesizeOwnedID(ownedPrefix, desired.Date, c.Desired.Name, eventStart(desired, c.DesiredIndex), c.DesiredIndex)
		after := toPayload(desired, c.DesiredIndex, *c.Desired, desired.Timezone)
		after.EventID = id
		ops = append(ops, Op{Kind: OpCreate, ToolName: "create_event", EventID: id, After: &after, DesiredIx: c.DesiredIndex})
	}

	for _, u := range rec.Updates {
		after := toPayload(desired, u.DesiredIndex, *u.Desired, desired.Timezone)
		before := remoteToPayload(*u.Remote, desired.Timezone)
		after.EventID = u.Remote.ID
		if !changedFields(before, after) {
			continue
		}
		ops = append(ops, Op{Kind: OpUpdate, ToolName: "update_event", EventID: u.Remote.ID, After: &after, Before: &before, DesiredIx: u.DesiredIndex})
	}

	for _, d := range rec.Deletes {
		before := remoteToPayload(*d.Remote, desired.Timezone)
		ops = append(ops, Op{Kind: OpDelete, ToolName: "delete_event", EventID: d.Remote.ID, Before: &before, DesiredIx: -1})
	}

	return ops, nil
}

func eventStart(plan timemodel.Plan, index int) timemodel.LocalTime {
	resolved, err := timemodel.ResolveTimes(plan, true)
	if err != nil || index >= len(resolved.Events) {
		return timemodel.LocalTime{}
	}
	t := resolved.Events[index].Start
	return timemodel.NewLocalTime(t.Hour(), t.Minute())
}

func toPayload(plan timemodel.Plan, index int, ev timemodel.PlanEvent, tz string) calendar.EventPayload {
	resolved, err := timemodel.ResolveTimes(plan, true)
	start, end := timemodel.LocalTime{}, timemodel.LocalTime{}
	if err == nil && index < len(resolved.Events) {
		s, e := resolved.Events[index].Start, resolved.Events[index].End
		start = timemodel.NewLocalTime(s.Hour(), s.Minute())
		end = timemodel.NewLocalTime(e.Hour(), e.Minute())
	}
	return calendar.EventPayload{
		Summary:     ev.Name,
		Description: ev.Description,
		Start:       plan.Date.String() + "T" + start.String() + ":00",
		End:         plan.Date.String() + "T" + end.String() + ":00",
		TimeZone:    tz,
		ColorID:     ev.EventType.ColorID(),
	}
}

func remoteToPayload(e calendar.Event, tz string) calendar.EventPayload {
	return calendar.EventPayload{
		EventID:     e.ID,
		Summary:     e.Summary,
		Description: e.Description,
		Start:       e.Day.String() + "T" + e.Start.String() + ":00",
		End:         e.Day.String() + "T" + e.End.String() + ":00",
		TimeZone:    tz,
		ColorID:     e.ColorID,
	}
}

// ExecuteSync runs ops through cap in order, recording a Result per op. On
// the first failure, if haltOnError, it stops and marks the transaction
// partial_halted; ops after the failure are absent from Results.
func ExecuteSync(ctx context.Context, cap calendar.Capability, calendarID string, ops []Op, haltOnError bool) (*Transaction, error) {
	txn := &Transaction{ID: "tx" + uuid.NewString(), CalendarID: calendarID, Ops: ops, Status: StatusPending}

	var failures *multierror.Error
	halted := false

	for _, op := range ops {
		if halted {
			break
		}
		result := executeOne(ctx, cap, calendarID, op)
		txn.Results = append(txn.Results, result)
		if !result.OK {
			failures = multierror.Append(failures, fmt.Errorf("%s %s: %s", op.Kind, op.EventID, result.Error))
			if haltOnError {
				halted = true
			}
		}
	}

	switch {
	case failures == nil:
		txn.Status = StatusCommitted
	case halted:
		txn.Status = StatusPartialHalted
	default:
		txn.Status = StatusPartial
	}

	if failures != nil {
		return txn, failures.ErrorOrNil()
	}
	return txn, nil
}

func executeOne(ctx context.Context, cap calendar.Capability, calendarID string, op Op) Result {
	switch op.Kind {
	case OpCreate:
		id, err := cap.CreateEvent(ctx, calendarID, *op.After)
		if err != nil {
			return Result{OK: false, Error: err.Error()}
		}
		return Result{OK: true, EventID: id}
	case OpUpdate:
		if err := cap.UpdateEvent(ctx, calendarID, op.EventID, *op.After); err != nil {
			return Result{OK: false, Error: err.Error()}
		}
		return Result{OK: true, EventID: op.EventID}
	case OpDelete:
		if err := cap.DeleteEvent(ctx, calendarID, op.EventID); err != nil {
			return Result{OK: false, Error: err.Error()}
		}
		return Result{OK: true, EventID: op.EventID}
	default:
		return Result{OK: false, Error: fmt.Sprintf("sync: unknown op kind %q", op.Kind)}
	}
}

// Undo builds and executes the compensating transaction for txn: create ->
// delete(id), update -> update(before), delete -> create(before), run over
// the reverse of the successfully-executed ops only. Per the Open
// Question, a transaction lacking a complete Results array is rejected
// outright rather than guessed at.
func Undo(ctx context.Context, cap calendar.Capability, txn *Transaction) (*Transaction, error) {
	if len(txn.Results) != len(txn.Ops) {
		return nil, ErrIncompleteResults
	}

	var compensating []Op
	for i := len(txn.Ops) - 1; i >= 0; i-- {
		op, res := txn.Ops[i], txn.Results[i]
		if !res.OK {
			continue
		}
		switch op.Kind {
		case OpCreate:
			compensating = append(compensating, Op{Kind: OpDelete, ToolName: "delete_event", EventID: res.EventID})
		case OpUpdate:
			compensating = append(compensating, Op{Kind: OpUpdate, ToolName: "update_event", EventID: op.EventID, After: op.Before})
		case OpDelete:
			compensating = append(compensating, Op{Kind: OpCreate, ToolName: "create_event", After: op.Before})
		}
	}

	undone, err := ExecuteSync(ctx, cap, txn.CalendarID, compensating, true)
	if undone != nil {
		switch undone.Status {
		case StatusCommitted:
			txn.Status = StatusUndone
		default:
			txn.Status = StatusUndoPartial
		}
	}
	return undone, err
}
