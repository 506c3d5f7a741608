// Package patchops implements the five typed domain operations over a Plan
// and the deterministic Apply function the Patcher drives.
package patchops

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fateforger/timeboxd/pkg/timemodel"
)

// OpKind is the "op" discriminator of the Patch tagged union.
type OpKind string

const (
	OpReplaceAll OpKind = "ra"
	OpAddEvents  OpKind = "ae"
	OpRemoveAt   OpKind = "re"
	OpUpdateAt   OpKind = "ue"
	OpMove       OpKind = "me"
)

// Op is one typed patch operation.
type Op interface {
	Kind() OpKind
	isOp()
}

// ReplaceAll discards the current event list and substitutes a new one.
type ReplaceAll struct {
	Events []timemodel.PlanEvent
}

func (ReplaceAll) Kind() OpKind { return OpReplaceAll }
func (ReplaceAll) isOp()        {}

// AddEvents inserts new events, optionally right after InsertAfter (0-based
// index into the pre-op event list). Nil InsertAfter appends at the end.
type AddEvents struct {
	Events      []timemodel.PlanEvent
	InsertAfter *int
}

func (AddEvents) Kind() OpKind { return OpAddEvents }
func (AddEvents) isOp()        {}

// RemoveAt deletes the event at Index.
type RemoveAt struct {
	Index int
}

func (RemoveAt) Kind() OpKind { return OpRemoveAt }
func (RemoveAt) isOp()        {}

// UpdateAt merges only the explicitly-set fields into the event at Index.
// Pointer fields left nil are untouched.
type UpdateAt struct {
	Index       int
	Name        *string
	Description *string
	EventType   *timemodel.EventType
	Timing      timemodel.Timing // nil means "leave unchanged"
}

func (UpdateAt) Kind() OpKind { return OpUpdateAt }
func (UpdateAt) isOp()        {}

// MoveEvent relocates the event at From to To, clamped to valid bounds.
type MoveEvent struct {
	From, To int
}

func (MoveEvent) Kind() OpKind { return OpMove }
func (MoveEvent) isOp()        {}

// Patch is an ordered sequence of operations applied atomically in order.
type Patch struct {
	Ops []Op
}

// IndexError is raised when an op references an index outside the current
// event list's bounds.
type IndexError struct {
	Op    OpKind
	Index int
	Len   int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("patchops: %s: index %d out of range for %d events", e.Op, e.Index, e.Len)
}

var ErrIndexOutOfRange = errors.New("patchops: index out of range")

func (e *IndexError) Unwrap() error { return ErrIndexOutOfRange }

// clampIndex clamps i into [0, n] (inclusive upper bound, for insertion points).
func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}

// Apply deterministically applies patch to plan, returning a new, validated
// Plan. Validator errors (from timemodel.Validate) are propagated unchanged
// so the Patcher can turn them into retry feedback. The input plan is never
// mutated.
func Apply(plan timemodel.Plan, patch Patch) (timemodel.Plan, error) {
	working := plan.Clone()

	for _, op := range patch.Ops {
		var err error
		working, err = applyOne(working, op)
		if err != nil {
			return timemodel.Plan{}, err
		}
	}

	if err := timemodel.Validate(working); err != nil {
		return timemodel.Plan{}, err
	}
	return working, nil
}

func applyOne(plan timemodel.Plan, op Op) (timemodel.Plan, error) {
	switch v := op.(type) {
	case ReplaceAll:
		events := make([]timemodel.PlanEvent, len(v.Events))
		copy(events, v.Events)
		plan.Events = events
		return plan, nil

	case AddEvents:
		n := len(plan.Events)
		insertAt := n
		if v.InsertAfter != nil {
			insertAt = clampIndex(*v.InsertAfter+1, n)
		}
		out := make([]timemodel.PlanEvent, 0, n+len(v.Events))
		out = append(out, plan.Events[:insertAt]...)
		out = append(out, v.Events...)
		out = append(out, plan.Events[insertAt:]...)
		plan.Events = out
		return plan, nil

	case RemoveAt:
		if v.Index < 0 || v.Index >= len(plan.Events) {
			return plan, &IndexError{Op: OpRemoveAt, Index: v.Index, Len: len(plan.Events)}
		}
		out := make([]timemodel.PlanEvent, 0, len(plan.Events)-1)
		out = append(out, plan.Events[:v.Index]...)
		out = append(out, plan.Events[v.Index+1:]...)
		plan.Events = out
		return plan, nil

	case UpdateAt:
		if v.Index < 0 || v.Index >= len(plan.Events) {
			return plan, &IndexError{Op: OpUpdateAt, Index: v.Index, Len: len(plan.Events)}
		}
		events := append([]timemodel.PlanEvent(nil), plan.Events...)
		ev := events[v.Index]
		if v.Name != nil {
			ev.Name = *v.Name
		}
		if v.Description != nil {
			ev.Description = *v.Description
		}
		if v.EventType != nil {
			ev.EventType = *v.EventType
		}
		if v.Timing != nil {
			ev.Timing = v.Timing
		}
		events[v.Index] = ev
		plan.Events = events
		return plan, nil

	case MoveEvent:
		n := len(plan.Events)
		if v.From < 0 || v.From >= n {
			return plan, &IndexError{Op: OpMove, Index: v.From, Len: n}
		}
		to := clampIndex(v.To, n-1)
		events := append([]timemodel.PlanEvent(nil), plan.Events...)
		moved := events[v.From]
		events = append(events[:v.From], events[v.From+1:]...)
		out := make([]timemodel.PlanEvent, 0, n)
		out = append(out, events[:to]...)
		out = append(out, moved)
		out = append(out, events[to:]...)
		plan.Events = out
		return plan, nil

	default:
		return plan, fmt.Errorf("patchops: unknown op kind %T", op)
	}
}

// MarshalJSON / UnmarshalJSON for Patch, supporting the tagged-union wire
// format the patch extractor (EXT) produces.

type opWire struct {
	Op          OpKind                   `json:"op"`
	Events      []timemodel.PlanEvent    `json:"events,omitempty"`
	InsertAfter *int                     `json:"insert_after,omitempty"`
	Index       *int                     `json:"index,omitempty"`
	From        *int                     `json:"from,omitempty"`
	To          *int                     `json:"to,omitempty"`
	Name        *string                  `json:"name,omitempty"`
	Description *string                  `json:"description,omitempty"`
	EventType   *timemodel.EventType     `json:"event_type,omitempty"`
	Timing      json.RawMessage          `json:"timing,omitempty"`
}

func (p Patch) MarshalJSON() ([]byte, error) {
	wires := make([]opWire, 0, len(p.Ops))
	for _, op := range p.Ops {
		w, err := toWire(op)
		if err != nil {
			return nil, err
		}
		wires = append(wires, w)
	}
	return json.Marshal(wires)
}

func toWire(op Op) (opWire, error) {
	switch v := op.(type) {
	case ReplaceAll:
		return opWire{Op: OpReplaceAll, Events: v.Events}, nil
	case AddEvents:
		return opWire{Op: OpAddEvents, Events: v.Events, InsertAfter: v.InsertAfter}, nil
	case RemoveAt:
		idx := v.Index
		return opWire{Op: OpRemoveAt, Index: &idx}, nil
	case UpdateAt:
		idx := v.Index
		w := opWire{Op: OpUpdateAt, Index: &idx, Name: v.Name, Description: v.Description, EventType: v.EventType}
		if v.Timing != nil {
			tj, err := timemodel.MarshalTiming(v.Timing)
			if err != nil {
				return opWire{}, err
			}
			w.Timing = tj
		}
		return w, nil
	case MoveEvent:
		from, to := v.From, v.To
		return opWire{Op: OpMove, From: &from, To: &to}, nil
	default:
		return opWire{}, fmt.Errorf("patchops: unknown op kind %T", op)
	}
}

func (p *Patch) UnmarshalJSON(data []byte) error {
	var wires []opWire
	if err := json.Unmarshal(data, &wires); err != nil {
		return err
	}
	ops := make([]Op, 0, len(wires))
	for _, w := range wires {
		op, err := fromWire(w)
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}
	p.Ops = ops
	return nil
}

func fromWire(w opWire) (Op, error) {
	switch w.Op {
	case OpReplaceAll:
		return ReplaceAll{Events: w.Events}, nil
	case OpAddEvents:
		return AddEvents{Events: w.Events, InsertAfter: w.InsertAfter}, nil
	case OpRemoveAt:
		if w.Index == nil {
			return nil, fmt.Errorf("patchops: %s missing index", w.Op)
		}
		return RemoveAt{Index: *w.Index}, nil
	case OpUpdateAt:
		if w.Index == nil {
			return nil, fmt.Errorf("patchops: %s missing index", w.Op)
		}
		u := UpdateAt{Index: *w.Index, Name: w.Name, Description: w.Description, EventType: w.EventType}
		if len(w.Timing) > 0 {
			t, err := timemodel.UnmarshalTiming(w.Timing)
			if err != nil {
				return nil, err
			}
			u.Timing = t
		}
		return u, nil
	case OpMove:
		if w.From == nil || w.To == nil {
			return nil, fmt.Errorf("patchops: %s missing from/to", w.Op)
		}
		return MoveEvent{From: *w.From, To: *w.To}, nil
	default:
		return nil, fmt.Errorf("patchops: unknown op %q", w.Op)
	}
}
