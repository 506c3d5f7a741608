package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fateforger/timeboxd/pkg/timemodel"
)

func TestStageNextAdvancesLinearly(t *testing.T) {
	assert.Equal(t, StageCaptureInputs, StageCollectConstraints.Next())
	assert.Equal(t, StageSkeleton, StageCaptureInputs.Next())
	assert.Equal(t, StageRefine, StageSkeleton.Next())
	assert.Equal(t, StageReviewCommit, StageRefine.Next())
	assert.Equal(t, StageReviewCommit, StageReviewCommit.Next(), "last stage has no successor")
}

func TestStagePreviousWalksBackLinearly(t *testing.T) {
	assert.Equal(t, StageCollectConstraints, StageCollectConstraints.Previous(), "first stage has no predecessor")
	assert.Equal(t, StageCollectConstraints, StageCaptureInputs.Previous())
	assert.Equal(t, StageRefine, StageReviewCommit.Previous())
}

func TestNewSessionStartsAtCollectConstraints(t *testing.T) {
	s := NewSession(Key{Channel: "c1", ThreadID: "t1"}, "u1")
	assert.Equal(t, StageCollectConstraints, s.CurrentStage())
	assert.Equal(t, ThreadActive, s.ThreadState)
	assert.False(t, s.IsCompleted())
}

func TestAdvanceStageClearsGateFields(t *testing.T) {
	s := NewSession(Key{Channel: "c1", ThreadID: "t1"}, "u1")
	s.SetGateOutput(StageCollectConstraints, true, []string{"x"}, "question?", nil)
	s.AdvanceStage(StageCaptureInputs)

	assert.Equal(t, StageCaptureInputs, s.CurrentStage())
	assert.False(t, s.StageReady)
	assert.Empty(t, s.StageMissing)
	assert.Empty(t, s.StageQuestion)
}

func TestSetCompletedStopsCancelFunc(t *testing.T) {
	s := NewSession(Key{Channel: "c1", ThreadID: "t1"}, "u1")
	called := false
	s.SetCancelFunc(func() { called = true })
	s.SetCompleted(ThreadCanceled)

	assert.True(t, s.IsCompleted())
	assert.Equal(t, ThreadCanceled, s.ThreadState)
	assert.True(t, called)
}

func TestSuppressDurableMarksUID(t *testing.T) {
	s := NewSession(Key{Channel: "c1", ThreadID: "t1"}, "u1")
	assert.False(t, s.IsDurableSuppressed("abc"))
	s.SuppressDurable("abc")
	assert.True(t, s.IsDurableSuppressed("abc"))
}

func TestConsumeSkeletonPreGenRequiresMatchingFingerprint(t *testing.T) {
	s := NewSession(Key{Channel: "c1", ThreadID: "t1"}, "u1")
	plan := timemodel.Plan{Date: timemodel.NewLocalDate(2026, 8, 3), Timezone: "Europe/Amsterdam"}

	_, ok := s.ConsumeSkeletonPreGen("fp1")
	assert.False(t, ok, "nothing queued yet")

	s.SetSkeletonPreGen("fp1", plan)
	_, ok = s.ConsumeSkeletonPreGen("fp2")
	assert.False(t, ok, "stale fingerprint must not be consumed")

	got, ok := s.ConsumeSkeletonPreGen("fp1")
	require.True(t, ok)
	assert.Equal(t, plan.Date, got.Date)

	_, ok = s.ConsumeSkeletonPreGen("fp1")
	assert.False(t, ok, "consuming clears the cached pre-generation")
}

func TestSetSkeletonPreGenClearsPendingPrefetchFlag(t *testing.T) {
	s := NewSession(Key{Channel: "c1", ThreadID: "t1"}, "u1")
	s.PendingPrefetchStages[StageSkeleton] = true

	s.SetSkeletonPreGen("fp1", timemodel.Plan{})
	assert.False(t, s.PendingPrefetchStages[StageSkeleton])
}

func TestManagerGetOrCreateReusesSession(t *testing.T) {
	m := NewManager()
	key := Key{Channel: "c1", ThreadID: "t1"}

	s1 := m.GetOrCreate(key, "u1")
	s2 := m.GetOrCreate(key, "u1")
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, m.Count())
}

func TestManagerGetMissingReturnsError(t *testing.T) {
	m := NewManager()
	_, err := m.Get(Key{Channel: "nope", ThreadID: "nope"})
	require.Error(t, err)
}

func TestManagerDeleteRemovesSession(t *testing.T) {
	m := NewManager()
	key := Key{Channel: "c1", ThreadID: "t1"}
	m.GetOrCreate(key, "u1")
	m.Delete(key)
	assert.Equal(t, 0, m.Count())
}
