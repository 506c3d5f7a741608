// Package reconcile implements Reconciliation: given a desired Plan,
// a remote snapshot, and event-identity hints, derive creates, updates,
// deletes, no-ops, and skips by three-pass identity matching.
package reconcile

import (
	"strings"

	"github.com/fateforger/timeboxd/pkg/calendar"
	"github.com/fateforger/timeboxd/pkg/timemodel"
)

// ChangeKind classifies one side of a reconciliation outcome.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
	ChangeNoop   ChangeKind = "noop"
	ChangeSkip   ChangeKind = "skip"
)

// Match pairs a desired event with the remote event it was matched against.
type Match struct {
	DesiredIndex int
	Remote       calendar.Event
	Pass         string // "id", "canonical", or "fuzzy" — which pass produced the match
}

// Change is one classified outcome: a create/update carries the desired
// event; a delete/skip carries the remote event; a noop/update carries both.
type Change struct {
	Kind         ChangeKind
	DesiredIndex int // -1 when not applicable (delete, foreign skip)
	Desired      *timemodel.PlanEvent
	Remote       *calendar.Event
	Reason       string
}

// Plan is the output of Reconcile: every desired event and every remote
// event lands in exactly one bucket.
type Plan struct {
	Matches []Match
	Creates []Change
	Updates []Change
	Deletes []Change
	Noops   []Change
	Skips   []Change
}

// EventIDHint maps a "name|start_time" key to a previously-synced external
// event id.
type EventIDHint map[string]string

// HintKey builds the canonical "name|start_time" key used both to look up
// and to record event-id hints, so the session's map and the id pass can
// never disagree on normalization.
func HintKey(name string, start timemodel.LocalTime) string {
	return normalizeName(name) + "|" + start.String()
}

func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(name))), " ")
}

type resolvedDesired struct {
	index int
	event timemodel.PlanEvent
	start timemodel.LocalTime
	end   timemodel.LocalTime
}

// Reconcile classifies desired vs. remote events by three-pass matching
// (id hint, canonical tuple, fuzzy). ownedPrefix names the reserved
// external-id prefix;
// remote events whose id doesn't start with it are foreign and may only be
// matched as no-ops or skipped. fuzzyToleranceMinutes bounds the fuzzy pass.
func Reconcile(
	desired timemodel.Plan,
	remote []calendar.Event,
	hints EventIDHint,
	remoteIDsByIndex map[int]string,
	ownedPrefix string,
	fuzzyToleranceMinutes int,
) (Plan, error) {
	resolved, err := timemodel.ResolveTimes(desired, true)
	if err != nil {
		return Plan{}, err
	}

	desiredEvents := make([]resolvedDesired, 0, len(resolved.Events))
	for _, re := range resolved.Events {
		desiredEvents = append(desiredEvents, resolvedDesired{
			index: re.Index,
			event: re.Event,
			start: timemodel.NewLocalTime(re.Start.Hour(), re.Start.Minute()),
			end:   timemodel.NewLocalTime(re.End.Hour(), re.End.Minute()),
		})
	}

	matchedDesired := make(map[int]bool, len(desiredEvents))
	matchedRemote := make(map[int]bool, len(remote))
	var matches []Match

	isOwned := func(id string) bool {
		return ownedPrefix != "" && strings.HasPrefix(id, ownedPrefix)
	}

	// Pass 1: ID pass. Pair a desired event carrying a hinted external id —
	// by (name, start) or, failing that, by its positional index in the
	// last sync — with the lowest-index unmatched remote event sharing
	// that id.
	for _, d := range desiredEvents {
		if matchedDesired[d.index] {
			continue
		}
		hintedID, ok := hints[HintKey(d.event.Name, d.start)]
		if !ok || hintedID == "" {
			hintedID, ok = remoteIDsByIndex[d.index]
		}
		if !ok || hintedID == "" {
			continue
		}
		for ri, r := range remote {
			if matchedRemote[ri] || r.ID != hintedID {
				continue
			}
			matchedDesired[d.index] = true
			matchedRemote[ri] = true
			matches = append(matches, Match{DesiredIndex: d.index, Remote: r, Pass: "id"})
			break
		}
	}

	// Pass 2: canonical pass. Pair by (name, start, end), lowest-index first.
	for _, d := range desiredEvents {
		if matchedDesired[d.index] {
			continue
		}
		for ri, r := range remote {
			if matchedRemote[ri] {
				continue
			}
			if normalizeName(r.Summary) == normalizeName(d.event.Name) && r.Start == d.start && r.End == d.end {
				matchedDesired[d.index] = true
				matchedRemote[ri] = true
				matches = append(matches, Match{DesiredIndex: d.index, Remote: r, Pass: "canonical"})
				break
			}
		}
	}

	// Pass 3: fuzzy pass. Require normalized name equality; score by
	// (overlap_minutes, -start_delta_minutes, -duration_delta_minutes).
	for _, d := range desiredEvents {
		if matchedDesired[d.index] {
			continue
		}
		bestRi := -1
		var bestScore [3]int
		for ri, r := range remote {
			if matchedRemote[ri] {
				continue
			}
			if normalizeName(r.Summary) != normalizeName(d.event.Name) {
				continue
			}
			overlap := overlapMinutes(d.start, d.end, r.Start, r.End)
			startDelta := absMinutes(d.start, r.Start)
			durDelta := absInt(minutesBetween(d.start, d.end) - minutesBetween(r.Start, r.End))
			if overlap <= 0 && startDelta > fuzzyToleranceMinutes {
				continue
			}
			score := [3]int{overlap, -startDelta, -durDelta}
			if bestRi == -1 || scoreLess(bestScore, score) {
				bestRi, bestScore = ri, score
			}
		}
		if bestRi >= 0 {
			matchedDesired[d.index] = true
			matchedRemote[bestRi] = true
			matches = append(matches, Match{DesiredIndex: d.index, Remote: remote[bestRi], Pass: "fuzzy"})
		}
	}

	out := Plan{Matches: matches}

	matchByDesired := make(map[int]calendar.Event, len(matches))
	for _, m := range matches {
		matchByDesired[m.DesiredIndex] = m.Remote
	}

	for _, d := range desiredEvents {
		ev := d.event
		remoteEv, ok := matchByDesired[d.index]
		if !ok {
			idx := d.index
			out.Creates = append(out.Creates, Change{Kind: ChangeCreate, DesiredIndex: idx, Desired: &ev})
			continue
		}
		idx := d.index
		r := remoteEv
		if isOwned(remoteEv.ID) {
			out.Updates = append(out.Updates, Change{Kind: ChangeUpdate, DesiredIndex: idx, Desired: &ev, Remote: &r})
		} else {
			out.Noops = append(out.Noops, Change{Kind: ChangeNoop, DesiredIndex: idx, Desired: &ev, Remote: &r, Reason: "matched foreign event, never mutated"})
		}
	}

	for ri, r := range remote {
		if matchedRemote[ri] {
			continue
		}
		rc := r
		if isOwned(r.ID) {
			out.Deletes = append(out.Deletes, Change{Kind: ChangeDelete, DesiredIndex: -1, Remote: &rc})
		} else {
			out.Skips = append(out.Skips, Change{Kind: ChangeSkip, DesiredIndex: -1, Remote: &rc, Reason: "unmatched foreign event"})
		}
	}

	return out, nil
}

func minutesBetween(a, b timemodel.LocalTime) int {
	return (b.Hour*60 + b.Minute) - (a.Hour*60 + a.Minute)
}

func absMinutes(a, b timemodel.LocalTime) int {
	return absInt((a.Hour*60 + a.Minute) - (b.Hour*60 + b.Minute))
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func overlapMinutes(aStart, aEnd, bStart, bEnd timemodel.LocalTime) int {
	toMin := func(t timemodel.LocalTime) int { return t.Hour*60 + t.Minute }
	start := toMin(aStart)
	if bs := toMin(bStart); bs > start {
		start = bs
	}
	end := toMin(aEnd)
	if be := toMin(bEnd); be < end {
		end = be
	}
	if end <= start {
		return 0
	}
	return end - start
}

// scoreLess reports whether candidate beats current under lexicographic
// (overlap desc, start-delta desc [i.e. smaller abs delta], duration-delta desc).
func scoreLess(current, candidate [3]int) bool {
	for i := range current {
		if candidate[i] != current[i] {
			return candidate[i] > current[i]
		}
	}
	return false
}
