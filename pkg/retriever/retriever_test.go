package retriever

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fateforger/timeboxd/pkg/constraint"
)

// fakeStore is a minimal constraint.Store double recording the filters it
// was called with.
type fakeStore struct {
	constraint.Store
	types       []constraint.TypeSummary
	startupRows []constraint.Record
	broadRows   []constraint.Record
	lastFilters []constraint.Filters
	lastTags    [][]string
}

func (f *fakeStore) QueryTypes(ctx context.Context, stage string, eventTypes []string) ([]constraint.TypeSummary, error) {
	return f.types, nil
}

func (f *fakeStore) QueryConstraints(ctx context.Context, filters constraint.Filters, opts constraint.QueryOptions) ([]constraint.Record, error) {
	f.lastFilters = append(f.lastFilters, filters)
	f.lastTags = append(f.lastTags, opts.Tags)
	if len(opts.Tags) > 0 && opts.Tags[0] == StartupPrefetchTag {
		return f.startupRows, nil
	}
	return f.broadRows, nil
}

func TestDeriveEventTypesCollectStageIncludesGapDriven(t *testing.T) {
	ctx := Context{HasImmovables: true, HasCommutes: true, SleepTargetSet: true, HasHabits: true}
	types := deriveEventTypes(StageCollectConstraints, ctx)
	assert.ElementsMatch(t, []string{"M", "C", "R", "H"}, types)
}

func TestDeriveEventTypesScheduleStageAlwaysIncludesPlanReview(t *testing.T) {
	types := deriveEventTypes(StageRefine, Context{})
	assert.Contains(t, types, "PR")
	assert.Contains(t, types, "DW")
	assert.Contains(t, types, "SW")
}

func TestDeriveEventTypesGapsAddBufferAndBackground(t *testing.T) {
	ctx := Context{WorkWindowPresent: true, HasImmovables: true}
	types := deriveEventTypes(StageSkeleton, ctx)
	assert.Contains(t, types, "BU")
	assert.Contains(t, types, "BG")
}

func TestRetrieveCollectStageFallsBackWhenStartupEmpty(t *testing.T) {
	store := &fakeStore{broadRows: []constraint.Record{{UID: "c1"}}}
	r := New(3, 10)

	_, records, err := r.Retrieve(context.Background(), store, StageCollectConstraints, time.Now(), Context{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "c1", records[0].UID)
}

func TestRetrieveCollectStagePrefersStartupTagged(t *testing.T) {
	store := &fakeStore{
		startupRows: []constraint.Record{{UID: "startup1"}, {UID: "startup1"}, {UID: "startup2"}},
		broadRows:   []constraint.Record{{UID: "broad1"}},
	}
	r := New(3, 10)

	_, records, err := r.Retrieve(context.Background(), store, StageCollectConstraints, time.Now(), Context{})
	require.NoError(t, err)
	require.Len(t, records, 2, "startup rows win and duplicates are deduped by uid")
	assert.Equal(t, "startup1", records[0].UID)
	assert.Equal(t, "startup2", records[1].UID)
}

func TestRetrieveNonCollectStageDoesNotUseStartupTag(t *testing.T) {
	store := &fakeStore{
		types:     []constraint.TypeSummary{{TypeID: "t1"}},
		broadRows: []constraint.Record{{UID: "r1"}},
	}
	r := New(3, 10)

	_, _, err := r.Retrieve(context.Background(), store, StageRefine, time.Now(), Context{})
	require.NoError(t, err)
	for _, tags := range store.lastTags {
		assert.NotContains(t, tags, StartupPrefetchTag)
	}
}

func TestSelectTypeIDsRespectsMax(t *testing.T) {
	store := &fakeStore{types: []constraint.TypeSummary{
		{TypeID: "a"}, {TypeID: "b"}, {TypeID: "c"}, {TypeID: "d"},
	}}
	r := New(2, 10)
	ids, err := r.selectTypeIDs(context.Background(), store, StageRefine, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}
