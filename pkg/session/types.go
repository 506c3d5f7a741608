// Package session implements the session controller and stage graph:
// per-thread session state, the prefetch coordinator, and the turn
// pipeline that drives the five linear stages.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/fateforger/timeboxd/pkg/constraint"
	txsync "github.com/fateforger/timeboxd/pkg/sync"
	"github.com/fateforger/timeboxd/pkg/timemodel"
)

// Stage is one of the 5 linear stages.
type Stage string

const (
	StageCollectConstraints Stage = "collect_constraints"
	StageCaptureInputs      Stage = "capture_inputs"
	StageSkeleton           Stage = "skeleton"
	StageRefine             Stage = "refine"
	StageReviewCommit       Stage = "review_commit"
)

// stageOrder is the linear sequence advance_stage walks.
var stageOrder = []Stage{
	StageCollectConstraints,
	StageCaptureInputs,
	StageSkeleton,
	StageRefine,
	StageReviewCommit,
}

// Next returns the stage after s, or s itself if s is the last stage.
func (s Stage) Next() Stage {
	for i, st := range stageOrder {
		if st == s && i+1 < len(stageOrder) {
			return stageOrder[i+1]
		}
	}
	return s
}

// Previous returns the stage before s, or s itself if s is the first stage.
func (s Stage) Previous() Stage {
	for i, st := range stageOrder {
		if st == s && i > 0 {
			return stageOrder[i-1]
		}
	}
	return s
}

// ThreadState is the session's coarse lifecycle state.
type ThreadState string

const (
	ThreadActive    ThreadState = "active"
	ThreadCanceled  ThreadState = "canceled"
	ThreadCompleted ThreadState = "completed"
)

// FrameFacts caches the CollectConstraints stage's accumulated facts.
type FrameFacts struct {
	Date        string   `json:"date,omitempty"`
	Timezone    string   `json:"timezone,omitempty"`
	WorkWindow  string   `json:"work_window,omitempty"`
	SleepTarget string   `json:"sleep_target,omitempty"`
	Immovables  []string `json:"immovables,omitempty"`
	Commutes    []string `json:"commutes,omitempty"`
	Habits      []string `json:"habits,omitempty"`
}

// InputFacts caches the CaptureInputs stage's accumulated facts.
type InputFacts struct {
	DailyOneThing string   `json:"daily_one_thing,omitempty"`
	Tasks         []string `json:"tasks,omitempty"`
	BlockPlan     string   `json:"block_plan,omitempty"`
}

// StageGateCache holds the last structured gate result for one stage node,
// keyed by Stage in Session.LastGateOutput.
type StageGateCache struct {
	Ready    bool
	Missing  []string
	Question string
	Facts    map[string]any
}

// Key identifies a session by channel + thread.
type Key struct {
	Channel  string
	ThreadID string
}

// String renders the session key for logging and registry lookups.
func (k Key) String() string {
	return k.Channel + "/" + k.ThreadID
}

// Session is one thread's full timeboxing state. All mutation goes
// through its methods, which hold mu for the duration of the change.
type Session struct {
	mu sync.RWMutex

	Key    Key
	UserID string

	// Commitment
	PlannedDate string
	Timezone    string
	Stage       Stage
	Committed   bool
	Completed   bool
	ThreadState ThreadState

	// Fact caches
	Frame           FrameFacts
	Input           InputFacts
	LastUserMessage string
	BackgroundNotes []string

	// Plan artifacts
	Plan                  timemodel.Plan
	BaseSnapshot          timemodel.Plan
	EventIDMap            map[string]string // "summary|start_time" -> external event id
	RemoteEventIDsByIndex map[int]string
	LastSyncTransaction   *txsync.Transaction
	UndoEventIDMap        map[string]string // EventIDMap as it was before the last sync, restored on undo

	// Stage output
	StageReady             bool
	StageMissing           []string
	StageQuestion          string
	LastGateOutput         map[Stage]StageGateCache
	ForceStageRerun        bool
	PendingPresenterBlocks []string
	LastResponseOverride   string

	// Durable context
	DurableConstraintsByStage map[Stage][]constraint.Record
	DurableConstraintsLoaded  map[Stage]bool
	SuppressedDurableUIDs     map[string]bool
	PendingPrefetchStages     map[Stage]bool

	// Skeleton pre-generation, queued from CaptureInputs and consumed on
	// entering Skeleton if the fingerprint still matches.
	SkeletonPreGen            *timemodel.Plan
	SkeletonPreGenFingerprint string

	// Submission
	PendingSubmit bool

	CreatedAt time.Time
	UpdatedAt time.Time

	turnMu     sync.Mutex
	cancelFunc context.CancelFunc
}

// NewSession builds a fresh session at the first stage. Sessions are
// created on the first Start or the first thread reply.
func NewSession(key Key, userID string) *Session {
	now := time.Now()
	return &Session{
		Key:                       key,
		UserID:                    userID,
		Stage:                     StageCollectConstraints,
		ThreadState:               ThreadActive,
		EventIDMap:                make(map[string]string),
		RemoteEventIDsByIndex:     make(map[int]string),
		LastGateOutput:            make(map[Stage]StageGateCache),
		DurableConstraintsByStage: make(map[Stage][]constraint.Record),
		DurableConstraintsLoaded:  make(map[Stage]bool),
		SuppressedDurableUIDs:     make(map[string]bool),
		PendingPrefetchStages:     make(map[Stage]bool),
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}
}

// touch updates UpdatedAt. Callers must already hold mu for write.
func (s *Session) touch() { s.UpdatedAt = time.Now() }

// AdvanceStage moves the session to target and clears per-stage gate
// fields so the new stage starts from a clean slate.
func (s *Session) AdvanceStage(target Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stage = target
	s.StageReady = false
	s.StageMissing = nil
	s.StageQuestion = ""
	s.touch()
}

// SetCompleted marks the session completed with the given thread state
// (canceled or completed), per Transition's `cancel` handling.
func (s *Session) SetCompleted(state ThreadState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Completed = true
	s.ThreadState = state
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	s.touch()
}

// IsCompleted reports whether the session has finished (thread-safe read).
func (s *Session) IsCompleted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Completed
}

// LastActivity returns the session's UpdatedAt timestamp (thread-safe
// read), used by the reaper to find sessions idle past the retention
// window.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.UpdatedAt
}

// GateSnapshot returns the current stage's ready flag and missing list
// (thread-safe read), used by the External Interface Layer to render
// stage_missing on a rejected proceed.
func (s *Session) GateSnapshot() (ready bool, missing []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.StageReady, append([]string(nil), s.StageMissing...)
}

// CurrentStage returns the session's current stage (thread-safe read).
func (s *Session) CurrentStage() Stage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Stage
}

// SetCancelFunc stores the cancel function for the in-flight turn, if any.
func (s *Session) SetCancelFunc(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelFunc = cancel
}

// SetPlannedDate records the interpreted or explicitly-committed planned
// date and timezone.
func (s *Session) SetPlannedDate(plannedDate, timezone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PlannedDate = plannedDate
	s.Timezone = timezone
	s.touch()
}

// Commit marks the session committed.
func (s *Session) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Committed = true
	s.touch()
}

// IsCommitted reports whether CommitDate has run for this session.
func (s *Session) IsCommitted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Committed
}

// SetLastUserMessage latches the newest user text (TurnInit's first step).
func (s *Session) SetLastUserMessage(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastUserMessage = text
	s.touch()
}

// SetGateOutput records a stage's latest gate result, both in the
// legacy StageReady/Missing/Question fields (read by the current turn)
// and the per-stage cache (read across turns and by the presenter).
func (s *Session) SetGateOutput(stage Stage, ready bool, missing []string, question string, facts map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StageReady = ready
	s.StageMissing = missing
	s.StageQuestion = question
	s.LastGateOutput[stage] = StageGateCache{Ready: ready, Missing: missing, Question: question, Facts: facts}
	s.touch()
}

// SnapshotPlan deep-copies the current plan into BaseSnapshot so a later
// undo can diff or restore against the pre-edit state.
func (s *Session) SnapshotPlan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BaseSnapshot = clonePlan(s.Plan)
	s.touch()
}

// SetPlan replaces the working plan.
func (s *Session) SetPlan(plan timemodel.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Plan = plan
	s.touch()
}

// RestoreFromSnapshot resets Plan to BaseSnapshot and rewinds the stage
// to Refine, the undo path.
func (s *Session) RestoreFromSnapshot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Plan = clonePlan(s.BaseSnapshot)
	s.Stage = StageRefine
	s.touch()
}

func clonePlan(p timemodel.Plan) timemodel.Plan {
	events := make([]timemodel.PlanEvent, len(p.Events))
	copy(events, p.Events)
	return timemodel.Plan{Date: p.Date, Timezone: p.Timezone, Events: events}
}

// RecordSyncOutcome stores an executed sync transaction and folds the ids
// of its successful ops into the session's event-id hints, keyed the same
// way the reconciler's id pass reads them. The pre-sync hint map is kept
// in UndoEventIDMap so an undo can roll the hints back alongside the
// calendar, and pending_submit is cleared on every path.
func (s *Session) RecordSyncOutcome(txn *txsync.Transaction, hints map[string]string, idsByIndex map[int]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := make(map[string]string, len(s.EventIDMap))
	for k, v := range s.EventIDMap {
		prev[k] = v
	}
	s.UndoEventIDMap = prev

	for k, v := range hints {
		s.EventIDMap[k] = v
	}
	s.RemoteEventIDsByIndex = idsByIndex
	s.LastSyncTransaction = txn
	s.PendingSubmit = false
	s.touch()
}

// RestoreSyncOutcome rewinds the event-id hints to their pre-sync state
// after a successful undo, and records the compensating transaction.
func (s *Session) RestoreSyncOutcome(undone *txsync.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UndoEventIDMap != nil {
		s.EventIDMap = s.UndoEventIDMap
		s.UndoEventIDMap = nil
	}
	s.RemoteEventIDsByIndex = make(map[int]string)
	s.LastSyncTransaction = undone
	s.touch()
}

// PlanSnapshot returns a deep copy of the current working plan
// (thread-safe read), used by the observer publisher.
func (s *Session) PlanSnapshot() timemodel.Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clonePlan(s.Plan)
}

// SuppressDurable records that a session override has superseded a
// durable default; later passes treat the session value as authoritative.
func (s *Session) SuppressDurable(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SuppressedDurableUIDs[uid] = true
	s.touch()
}

// IsDurableSuppressed reports whether uid has been overridden this
// session.
func (s *Session) IsDurableSuppressed(uid string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.SuppressedDurableUIDs[uid]
}

// SetSkeletonPreGen records a background-generated seed plan under
// fingerprint, and clears the Skeleton stage's pending-prefetch flag that
// was set when the pre-generation was queued.
func (s *Session) SetSkeletonPreGen(fingerprint string, plan timemodel.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := clonePlan(plan)
	s.SkeletonPreGen = &cp
	s.SkeletonPreGenFingerprint = fingerprint
	delete(s.PendingPrefetchStages, StageSkeleton)
	s.touch()
}

// ClearSkeletonPreGen drops a queued pre-generation, e.g. because it
// failed in the background.
func (s *Session) ClearSkeletonPreGen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.PendingPrefetchStages, StageSkeleton)
}

// ConsumeSkeletonPreGen returns and clears the pre-generated plan if one
// is cached under the given fingerprint. A mismatched or absent
// fingerprint means the inputs changed since the pre-generation was
// queued, so the caller must fall back to a live generation.
func (s *Session) ConsumeSkeletonPreGen(fingerprint string) (timemodel.Plan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SkeletonPreGen == nil || s.SkeletonPreGenFingerprint != fingerprint {
		return timemodel.Plan{}, false
	}
	plan := clonePlan(*s.SkeletonPreGen)
	s.SkeletonPreGen = nil
	s.SkeletonPreGenFingerprint = ""
	return plan, true
}
