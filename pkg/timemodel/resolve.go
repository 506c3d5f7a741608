package timemodel

import (
	"fmt"
	"time"
)

// ResolvedEvent is one event with its concrete local start/end computed by
// ResolveTimes.
type ResolvedEvent struct {
	Index    int
	Event    PlanEvent
	Start    time.Time
	End      time.Time
	Duration time.Duration
}

// ResolvedPlan is the output of ResolveTimes.
type ResolvedPlan struct {
	Events []ResolvedEvent
}

// ResolveTimes runs the forward/backward resolution pass and,
// when validateNonOverlap is true, checks non-BG events for overlap.
// Desired plans (session.tb_plan) validate overlap; remote snapshots from
// the Calendar Capability do not (foreign/owned events may legitimately
// overlap before reconciliation decides what to do about it).
func ResolveTimes(plan Plan, validateNonOverlap bool) (ResolvedPlan, error) {
	loc, err := plan.Location()
	if err != nil {
		return ResolvedPlan{}, err
	}

	n := len(plan.Events)
	starts := make([]time.Time, n)
	ends := make([]time.Time, n)
	resolved := make([]bool, n)
	pendingBN := make([]bool, n)

	// Forward pass.
	var cursor *time.Time
	for i, ev := range plan.Events {
		if err := ev.Validate(i); err != nil {
			return ResolvedPlan{}, err
		}
		switch t := ev.Timing.(type) {
		case FixedStart:
			start := t.Start.OnDate(plan.Date, loc)
			end := start.Add(t.Duration.AsDuration())
			starts[i], ends[i] = start, end
			resolved[i] = true
			cursor = &ends[i]
		case FixedWindow:
			start := t.Start.OnDate(plan.Date, loc)
			end := t.End.OnDate(plan.Date, loc)
			starts[i], ends[i] = start, end
			resolved[i] = true
			cursor = &ends[i]
		case AfterPrev:
			if cursor == nil {
				return ResolvedPlan{}, &BrokenChainError{Index: i, Name: ev.Name}
			}
			start := *cursor
			end := start.Add(t.Duration.AsDuration())
			starts[i], ends[i] = start, end
			resolved[i] = true
			cursor = &ends[i]
		case BeforeNext:
			pendingBN[i] = true
			cursor = nil
		}
	}

	// Backward pass.
	var nextStart *time.Time
	for i := n - 1; i >= 0; i-- {
		if pendingBN[i] {
			if nextStart == nil {
				return ResolvedPlan{}, &BrokenChainError{Index: i, Name: plan.Events[i].Name}
			}
			t := plan.Events[i].Timing.(BeforeNext)
			end := *nextStart
			start := end.Add(-t.Duration.AsDuration())
			starts[i], ends[i] = start, end
			resolved[i] = true
			nextStart = &starts[i]
			continue
		}
		if resolved[i] {
			nextStart = &starts[i]
		}
	}

	out := ResolvedPlan{Events: make([]ResolvedEvent, n)}
	for i, ev := range plan.Events {
		out.Events[i] = ResolvedEvent{
			Index:    i,
			Event:    ev,
			Start:    starts[i],
			End:      ends[i],
			Duration: ends[i].Sub(starts[i]),
		}
	}

	if err := validateResolved(out, validateNonOverlap); err != nil {
		return ResolvedPlan{}, err
	}

	return out, nil
}

// validateResolved checks the plan-level invariants: at least one
// anchored non-BG event, strictly positive durations, and (optionally)
// non-overlap across non-BG events in plan order.
func validateResolved(rp ResolvedPlan, validateNonOverlap bool) error {
	hasAnchor := false
	var nonBG []ResolvedEvent

	for _, re := range rp.Events {
		if re.Duration <= 0 {
			return fmt.Errorf("%w: event %d (%s)", ErrNonPositiveDuration, re.Index, re.Event.Name)
		}
		if re.Event.EventType != EventBackground {
			nonBG = append(nonBG, re)
			switch re.Event.Timing.Kind() {
			case TimingFixedStart, TimingFixedWindow:
				hasAnchor = true
			}
		}
	}

	if !hasAnchor && len(nonBG) > 0 {
		return ErrNoAnchor
	}

	if validateNonOverlap {
		for i := 1; i < len(nonBG); i++ {
			a, b := nonBG[i-1], nonBG[i]
			if a.End.After(b.Start) {
				return &OverlapError{AIndex: a.Index, BIndex: b.Index, AName: a.Event.Name, BName: b.Event.Name}
			}
		}
	}

	return nil
}

// Validate resolves the plan with overlap checking enabled and discards the
// result, returning only the error (or nil). Convenience wrapper for callers
// that only need a yes/no verdict (e.g. the Patcher's validator hook).
func Validate(plan Plan) error {
	_, err := ResolveTimes(plan, true)
	return err
}
