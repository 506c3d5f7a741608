// Package retriever implements the Constraint Retriever: a
// deterministic, gap-driven query-plan builder over the Durable Constraint
// Store. It is not NLU — it never interprets free-form user text, it only
// derives event-type routing and type_id selection from the current
// planning context.
package retriever

import (
	"context"
	"time"

	"github.com/fateforger/timeboxd/pkg/constraint"
)

// StartupPrefetchTag is the well-known tag the Collect-stage special case
// filters on, recovered from the original's constraint_retriever.py.
const StartupPrefetchTag = "startup_prefetch"

// Stage mirrors the five-stage enum as far as the retriever needs
// to reason about it.
type Stage string

const (
	StageCollectConstraints Stage = "collect_constraints"
	StageCaptureInputs      Stage = "capture_inputs"
	StageSkeleton           Stage = "skeleton"
	StageRefine             Stage = "refine"
	StageReviewCommit       Stage = "review_commit"
)

// Context carries the planning-session facts the event-type routing rules
// inspect. Zero values mean "absent" (no immovables, no sleep
// target, etc.).
type Context struct {
	WorkWindowPresent bool
	SleepTargetSet    bool
	HasImmovables     bool
	HasCommutes       bool
	HasHabits         bool
	DeepBlocks        int
	ShallowBlocks     int
}

func (c Context) hasBlocks() bool { return c.DeepBlocks > 0 || c.ShallowBlocks > 0 }
func (c Context) hasGaps() bool   { return c.WorkWindowPresent && (c.HasImmovables || c.hasBlocks()) }

// QueryPlan is the deterministic query plan derived for one stage.
type QueryPlan struct {
	Stage         Stage
	PlannedDate   time.Time
	EventTypesAny []string
	TypeIDs       []string
	Limit         int
}

// Retriever derives a query plan from planning context and fetches durable
// constraints through a constraint.Store.
type Retriever struct {
	MaxTypeIDs int
	QueryLimit int
}

// New constructs a Retriever with the size limits from config.RetrieverConfig.
func New(maxTypeIDs, queryLimit int) *Retriever {
	return &Retriever{MaxTypeIDs: maxTypeIDs, QueryLimit: queryLimit}
}

// BuildPlan derives the event-type routing for stage + context and
// returns a QueryPlan with TypeIDs left empty — Retrieve fills those in
// after calling QueryTypes.
func (r *Retriever) BuildPlan(stage Stage, plannedDate time.Time, ctx Context) QueryPlan {
	return QueryPlan{
		Stage:         stage,
		PlannedDate:   plannedDate,
		EventTypesAny: deriveEventTypes(stage, ctx),
		Limit:         r.QueryLimit,
	}
}

// deriveEventTypes maps the stage and gap context to the event types
// whose constraints are worth fetching.
func deriveEventTypes(stage Stage, ctx Context) []string {
	set := map[string]bool{}

	switch stage {
	case StageCaptureInputs, StageSkeleton, StageRefine, StageReviewCommit:
		set["DW"] = true
		set["SW"] = true
	}

	switch stage {
	case StageCollectConstraints, StageSkeleton, StageRefine, StageReviewCommit:
		if ctx.HasImmovables {
			set["M"] = true
		}
		if ctx.HasCommutes {
			set["C"] = true
		}
		if ctx.SleepTargetSet {
			set["R"] = true
		}
		if ctx.HasHabits {
			set["H"] = true
		}
	}

	switch stage {
	case StageSkeleton, StageRefine, StageReviewCommit:
		if ctx.hasGaps() {
			set["BU"] = true
			set["BG"] = true
		}
		set["PR"] = true
	}

	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sortStrings(out)
	return out
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// Retrieve runs the full plan-then-fetch flow: event-type routing is
// suppressed for CollectConstraints (too restrictive for startup defaults);
// that stage instead tries a startup-prefetch-tagged query first and falls
// back to the broad query if it comes back empty.
func (r *Retriever) Retrieve(ctx context.Context, store constraint.Store, stage Stage, plannedDate time.Time, pctx Context) (QueryPlan, []constraint.Record, error) {
	plan := r.BuildPlan(stage, plannedDate, pctx)

	queryEventTypes := plan.EventTypesAny
	var typeIDs []string
	if stage == StageCollectConstraints {
		queryEventTypes = nil
	} else {
		var err error
		typeIDs, err = r.selectTypeIDs(ctx, store, stage, queryEventTypes)
		if err != nil {
			return plan, nil, err
		}
	}
	plan.EventTypesAny = queryEventTypes
	plan.TypeIDs = typeIDs

	filters := constraint.Filters{
		AsOf:          plannedDate,
		Stage:         string(stage),
		EventTypesAny: queryEventTypes,
		StatusesAny:   []constraint.Status{constraint.StatusLocked, constraint.StatusProposed},
		RequireActive: true,
	}

	if stage == StageCollectConstraints {
		startupFilters := filters
		startupFilters.ScopesAny = []constraint.Scope{constraint.ScopeProfile, constraint.ScopeDatespan}
		startup, err := store.QueryConstraints(ctx, startupFilters, constraint.QueryOptions{
			TypeIDs: plan.TypeIDs,
			Tags:    []string{StartupPrefetchTag},
			Sort:    []constraint.SortField{{Field: "Status", Descending: true}},
			Limit:   plan.Limit,
		})
		if err != nil {
			return plan, nil, err
		}
		if len(startup) > 0 {
			return plan, dedupeByUID(startup), nil
		}
	}

	records, err := store.QueryConstraints(ctx, filters, constraint.QueryOptions{
		TypeIDs: plan.TypeIDs,
		Sort:    []constraint.SortField{{Field: "Status", Descending: true}},
		Limit:   plan.Limit,
	})
	if err != nil {
		return plan, nil, err
	}
	return plan, records, nil
}

func (r *Retriever) selectTypeIDs(ctx context.Context, store constraint.Store, stage Stage, eventTypes []string) ([]string, error) {
	types, err := store.QueryTypes(ctx, string(stage), eventTypes)
	if err != nil {
		return nil, err
	}
	max := r.MaxTypeIDs
	if max < 0 {
		max = 0
	}
	out := make([]string, 0, max)
	for _, t := range types {
		if t.TypeID == "" {
			continue
		}
		if len(out) >= max {
			break
		}
		out = append(out, t.TypeID)
	}
	return out, nil
}

// dedupeByUID preserves first-seen order while dropping repeated uids.
func dedupeByUID(rows []constraint.Record) []constraint.Record {
	seen := make(map[string]bool, len(rows))
	out := make([]constraint.Record, 0, len(rows))
	for _, r := range rows {
		if r.UID != "" {
			if seen[r.UID] {
				continue
			}
			seen[r.UID] = true
		}
		out = append(out, r)
	}
	return out
}
