package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fateforger/timeboxd/pkg/config"
	"github.com/fateforger/timeboxd/pkg/constraint"
	"github.com/fateforger/timeboxd/pkg/retriever"
)

func testConcurrency() config.ConcurrencyConfig {
	return config.ConcurrencyConfig{ConstraintExtraction: 2, DurablePrefetch: 3, DurableUpsert: 1}
}

func testTimeouts() config.TimeoutsConfig {
	return config.TimeoutsConfig{
		DurableQuery:   50 * time.Millisecond,
		PrefetchEnsure: 50 * time.Millisecond,
	}
}

func TestPrefetchClaimDedupesPerSessionStage(t *testing.T) {
	c := NewPrefetchCoordinator(&fakeCapability{}, &fakeStore{}, retriever.New(5, 10), testConcurrency(), testTimeouts())
	key := Key{Channel: "c1", ThreadID: "t1"}

	assert.True(t, c.claim(key, StageCollectConstraints))
	assert.False(t, c.claim(key, StageCollectConstraints), "second claim for the same (session, stage) is a no-op")

	c.release(key, StageCollectConstraints)
	assert.True(t, c.claim(key, StageCollectConstraints), "claim succeeds again after release")
}

func TestPrefetchDurableLoadsIntoSessionCache(t *testing.T) {
	store := &fakeStore{broadRows: []constraint.Record{{UID: "r1"}}}
	c := NewPrefetchCoordinator(&fakeCapability{}, store, retriever.New(5, 10), testConcurrency(), testTimeouts())
	s := NewSession(Key{Channel: "c1", ThreadID: "t1"}, "u1")

	c.PrefetchDurable(context.Background(), s, StageCollectConstraints, time.Now(), retriever.Context{})
	c.EnsureStage(context.Background(), s, StageCollectConstraints)

	s.mu.RLock()
	defer s.mu.RUnlock()
	require.True(t, s.DurableConstraintsLoaded[StageCollectConstraints])
	require.Len(t, s.DurableConstraintsByStage[StageCollectConstraints], 1)
}

func TestEnsureStageReturnsWithoutWaitingForeverWhenNeverLoaded(t *testing.T) {
	c := NewPrefetchCoordinator(&fakeCapability{}, &fakeStore{}, retriever.New(5, 10), testConcurrency(), testTimeouts())
	s := NewSession(Key{Channel: "c1", ThreadID: "t1"}, "u1")

	start := time.Now()
	c.EnsureStage(context.Background(), s, StageCaptureInputs)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestQueueExtractionRunsUnderSemaphore(t *testing.T) {
	cfg := config.ConcurrencyConfig{ConstraintExtraction: 1, DurablePrefetch: 1, DurableUpsert: 1}
	c := NewPrefetchCoordinator(&fakeCapability{}, &fakeStore{}, retriever.New(5, 10), cfg, testTimeouts())

	var ran int32
	done := make(chan struct{})
	c.QueueExtraction(func(ctx context.Context) {
		atomic.AddInt32(&ran, 1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("background extraction never ran")
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&ran))
}

func TestRunUpsertPropagatesError(t *testing.T) {
	c := NewPrefetchCoordinator(&fakeCapability{}, &fakeStore{}, retriever.New(5, 10), testConcurrency(), testTimeouts())
	err := c.RunUpsert(context.Background(), func(ctx context.Context) error {
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
}
