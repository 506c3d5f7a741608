package timemodel

import (
	"fmt"
	"time"
)

// EventType enumerates the plan event categories. Each maps to an
// external calendar color identifier so the sync engine can carry a
// consistent color across create/update.
type EventType string

const (
	EventMeeting    EventType = "M"
	EventCommute    EventType = "C"
	EventDeepWork   EventType = "DW"
	EventShallow    EventType = "SW"
	EventPlanReview EventType = "PR"
	EventHabit      EventType = "H"
	EventRegen      EventType = "R"
	EventBuffer     EventType = "BU"
	EventBackground EventType = "BG"
)

// allEventTypes is used for validation and iteration.
var allEventTypes = map[EventType]bool{
	EventMeeting: true, EventCommute: true, EventDeepWork: true,
	EventShallow: true, EventPlanReview: true, EventHabit: true,
	EventRegen: true, EventBuffer: true, EventBackground: true,
}

func (t EventType) Valid() bool { return allEventTypes[t] }

// ColorID returns the external calendar color identifier for the event
// type. Values follow the Google Calendar colorId palette, since that is
// the concrete calendar surface the Calendar Capability wraps.
func (t EventType) ColorID() string {
	switch t {
	case EventMeeting:
		return "9" // blueberry
	case EventCommute:
		return "8" // graphite
	case EventDeepWork:
		return "11" // tomato
	case EventShallow:
		return "5" // banana
	case EventPlanReview:
		return "3" // grape
	case EventHabit:
		return "10" // basil
	case EventRegen:
		return "7" // peacock
	case EventBuffer:
		return "2" // sage
	case EventBackground:
		return "1" // lavender
	default:
		return ""
	}
}

// LocalTime is a wall-clock time-of-day with minute resolution, independent
// of any date. It marshals as "HH:MM".
type LocalTime struct {
	Hour, Minute int
}

func NewLocalTime(hour, minute int) LocalTime { return LocalTime{Hour: hour, Minute: minute} }

func ParseLocalTime(s string) (LocalTime, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return LocalTime{}, fmt.Errorf("invalid local time %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return LocalTime{}, fmt.Errorf("invalid local time %q: out of range", s)
	}
	return LocalTime{Hour: h, Minute: m}, nil
}

func (t LocalTime) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// Before reports whether t is earlier in the day than other.
func (t LocalTime) Before(other LocalTime) bool {
	return t.Hour*60+t.Minute < other.Hour*60+other.Minute
}

func (t LocalTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

func (t *LocalTime) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := ParseLocalTime(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// OnDate combines the time-of-day with a calendar date in loc, producing a
// concrete instant.
func (t LocalTime) OnDate(date LocalDate, loc *time.Location) time.Time {
	return time.Date(date.Year, time.Month(date.Month), date.Day, t.Hour, t.Minute, 0, 0, loc)
}

// LocalDate is a plain calendar date, independent of time-of-day or zone.
type LocalDate struct {
	Year, Month, Day int
}

func NewLocalDate(year, month, day int) LocalDate {
	return LocalDate{Year: year, Month: month, Day: day}
}

func ParseLocalDate(s string) (LocalDate, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return LocalDate{}, fmt.Errorf("invalid local date %q: %w", s, err)
	}
	return LocalDate{Year: t.Year(), Month: int(t.Month()), Day: t.Day()}, nil
}

func (d LocalDate) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

func (d LocalDate) MarshalJSON() ([]byte, error) { return []byte(`"` + d.String() + `"`), nil }

func (d *LocalDate) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := ParseLocalDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// PlanEvent is a single named interval: {name, description, event_type, timing}.
type PlanEvent struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	EventType   EventType `json:"event_type"`
	Timing      Timing    `json:"timing"`
}

// Validate checks the per-event invariant: BG events must carry fixed timing.
func (e PlanEvent) Validate(index int) error {
	if !e.EventType.Valid() {
		return &UnknownEnumError{Field: "event_type", Value: string(e.EventType)}
	}
	switch e.Timing.Kind() {
	case TimingAfterPrev, TimingBeforeNext, TimingFixedStart, TimingFixedWindow:
	default:
		return &UnknownEnumError{Field: "timing.a", Value: string(e.Timing.Kind())}
	}
	if e.EventType == EventBackground {
		k := e.Timing.Kind()
		if k != TimingFixedStart && k != TimingFixedWindow {
			return fmt.Errorf("event %d (%s): background events must use fixed-start or fixed-window timing, got %s", index, e.Name, k)
		}
	}
	return nil
}

// Plan is an ordered sequence of events for one local date and timezone.
type Plan struct {
	Events   []PlanEvent `json:"events"`
	Date     LocalDate   `json:"date"`
	Timezone string      `json:"timezone"`
}

// Location loads the IANA timezone, wrapping failures as ErrInvalidTimezone.
func (p Plan) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidTimezone, p.Timezone, err)
	}
	return loc, nil
}

// Clone returns a deep copy, used by the session controller to snapshot a
// plan before an edit (session.base_snapshot).
func (p Plan) Clone() Plan {
	events := make([]PlanEvent, len(p.Events))
	copy(events, p.Events)
	return Plan{Events: events, Date: p.Date, Timezone: p.Timezone}
}
