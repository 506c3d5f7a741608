// Package timemodel implements the typed plan data model, timing variants,
// and the resolve/validate algorithm that turns a Plan's relative timings
// into concrete local start/end times.
package timemodel

import (
	"errors"
	"fmt"
)

// Sentinel error kinds from the taxonomy. Callers use errors.Is/As to
// distinguish them; the Patcher relies on this to build retry feedback.
var (
	// ErrBrokenChain is raised when a bn event has no resolvable successor,
	// or an ap event has no resolved predecessor end.
	ErrBrokenChain = errors.New("broken timing chain")

	// ErrOverlap is raised when two non-BG events overlap after resolution.
	ErrOverlap = errors.New("overlapping events")

	// ErrUnknownEnum is raised for an unrecognized EventType or TimingKind.
	ErrUnknownEnum = errors.New("unknown enum value")

	// ErrNoAnchor is raised when a plan has no fixed-start/fixed-window
	// non-BG event to anchor the schedule.
	ErrNoAnchor = errors.New("plan has no anchored event")

	// ErrNonPositiveDuration is raised when a resolved event has zero or
	// negative duration.
	ErrNonPositiveDuration = errors.New("event has non-positive duration")

	// ErrInvalidTimezone is raised when Plan.Timezone isn't a loadable IANA name.
	ErrInvalidTimezone = errors.New("invalid timezone")
)

// BrokenChainError carries the offending event index.
type BrokenChainError struct {
	Index int
	Name  string
}

func (e *BrokenChainError) Error() string {
	return fmt.Sprintf("%v: event %d (%s)", ErrBrokenChain, e.Index, e.Name)
}

func (e *BrokenChainError) Unwrap() error { return ErrBrokenChain }

// OverlapError carries the two offending indices, in plan order.
type OverlapError struct {
	AIndex, BIndex int
	AName, BName   string
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("%v: event %d (%s) ends after event %d (%s) starts",
		ErrOverlap, e.AIndex, e.AName, e.BIndex, e.BName)
}

func (e *OverlapError) Unwrap() error { return ErrOverlap }

// UnknownEnumError names the field and the rejected value.
type UnknownEnumError struct {
	Field string
	Value string
}

func (e *UnknownEnumError) Error() string {
	return fmt.Sprintf("%v: field %s has value %q", ErrUnknownEnum, e.Field, e.Value)
}

func (e *UnknownEnumError) Unwrap() error { return ErrUnknownEnum }
