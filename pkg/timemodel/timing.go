package timemodel

import (
	"encoding/json"
	"fmt"
)

// TimingKind is the "a" discriminator of the Timing tagged union.
type TimingKind string

const (
	TimingAfterPrev   TimingKind = "ap"
	TimingBeforeNext  TimingKind = "bn"
	TimingFixedStart  TimingKind = "fs"
	TimingFixedWindow TimingKind = "fw"
)

// Timing is the tagged-union interface implemented by the four concrete
// timing variants. Represented as an interface (rather than one struct with
// optional fields) so each variant only carries the fields it needs.
type Timing interface {
	Kind() TimingKind
	isTiming()
}

// AfterPrev: start = previous event's resolved end.
type AfterPrev struct {
	Duration Duration `json:"duration"`
}

func (AfterPrev) Kind() TimingKind { return TimingAfterPrev }
func (AfterPrev) isTiming()        {}

// BeforeNext: end = next event's resolved start (filled by the backward pass).
type BeforeNext struct {
	Duration Duration `json:"duration"`
}

func (BeforeNext) Kind() TimingKind { return TimingBeforeNext }
func (BeforeNext) isTiming()        {}

// FixedStart: an absolute local time-of-day plus a duration.
type FixedStart struct {
	Start    LocalTime `json:"start"`
	Duration Duration  `json:"duration"`
}

func (FixedStart) Kind() TimingKind { return TimingFixedStart }
func (FixedStart) isTiming()        {}

// FixedWindow: an absolute local start and end time-of-day.
type FixedWindow struct {
	Start LocalTime `json:"start"`
	End   LocalTime `json:"end"`
}

func (FixedWindow) Kind() TimingKind { return TimingFixedWindow }
func (FixedWindow) isTiming()        {}

// timingWire is the on-the-wire shape: the discriminator plus every possible
// field, used only for marshal/unmarshal plumbing.
type timingWire struct {
	A        TimingKind `json:"a"`
	Duration *Duration  `json:"duration,omitempty"`
	Start    *LocalTime `json:"start,omitempty"`
	End      *LocalTime `json:"end,omitempty"`
}

// MarshalTiming encodes a Timing value to its tagged-union JSON shape.
func MarshalTiming(t Timing) ([]byte, error) {
	switch v := t.(type) {
	case AfterPrev:
		return json.Marshal(timingWire{A: TimingAfterPrev, Duration: &v.Duration})
	case BeforeNext:
		return json.Marshal(timingWire{A: TimingBeforeNext, Duration: &v.Duration})
	case FixedStart:
		return json.Marshal(timingWire{A: TimingFixedStart, Start: &v.Start, Duration: &v.Duration})
	case FixedWindow:
		return json.Marshal(timingWire{A: TimingFixedWindow, Start: &v.Start, End: &v.End})
	default:
		return nil, fmt.Errorf("timemodel: unknown Timing implementation %T", t)
	}
}

// UnmarshalTiming decodes a tagged-union Timing value from JSON.
func UnmarshalTiming(data []byte) (Timing, error) {
	var w timingWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	switch w.A {
	case TimingAfterPrev:
		if w.Duration == nil {
			return nil, fmt.Errorf("timing %q: missing duration", w.A)
		}
		return AfterPrev{Duration: *w.Duration}, nil
	case TimingBeforeNext:
		if w.Duration == nil {
			return nil, fmt.Errorf("timing %q: missing duration", w.A)
		}
		return BeforeNext{Duration: *w.Duration}, nil
	case TimingFixedStart:
		if w.Start == nil || w.Duration == nil {
			return nil, fmt.Errorf("timing %q: missing start or duration", w.A)
		}
		return FixedStart{Start: *w.Start, Duration: *w.Duration}, nil
	case TimingFixedWindow:
		if w.Start == nil || w.End == nil {
			return nil, fmt.Errorf("timing %q: missing start or end", w.A)
		}
		return FixedWindow{Start: *w.Start, End: *w.End}, nil
	default:
		return nil, &UnknownEnumError{Field: "timing.a", Value: string(w.A)}
	}
}

// The PlanEvent.Timing field is a Timing interface; to make that work with
// encoding/json directly we need PlanEvent to implement custom (un)marshal
// hooks, since interfaces have no natural JSON representation.

type planEventWire struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	EventType   EventType       `json:"event_type"`
	Timing      json.RawMessage `json:"timing"`
}

func (e PlanEvent) MarshalJSON() ([]byte, error) {
	timingJSON, err := MarshalTiming(e.Timing)
	if err != nil {
		return nil, err
	}
	return json.Marshal(planEventWire{
		Name:        e.Name,
		Description: e.Description,
		EventType:   e.EventType,
		Timing:      timingJSON,
	})
}

func (e *PlanEvent) UnmarshalJSON(data []byte) error {
	var w planEventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	timing, err := UnmarshalTiming(w.Timing)
	if err != nil {
		return err
	}
	e.Name = w.Name
	e.Description = w.Description
	e.EventType = w.EventType
	e.Timing = timing
	return nil
}
