package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/fateforger/timeboxd/pkg/calendar"
	"github.com/fateforger/timeboxd/pkg/config"
	"github.com/fateforger/timeboxd/pkg/constraint"
	"github.com/fateforger/timeboxd/pkg/extract"
	"github.com/fateforger/timeboxd/pkg/patcher"
	"github.com/fateforger/timeboxd/pkg/reconcile"
	"github.com/fateforger/timeboxd/pkg/retriever"
	txsync "github.com/fateforger/timeboxd/pkg/sync"
	"github.com/fateforger/timeboxd/pkg/timemodel"
)

// Controller wires a Session's turn pipeline to the extractor, patcher,
// calendar capability, and prefetch coordinator.
type Controller struct {
	extractor *extract.Extractor
	patcher   *patcher.Patcher
	cap       calendar.Capability
	prefetch  *PrefetchCoordinator
	cfg       *config.Config
}

// NewController builds a turn-pipeline driver over the given collaborators.
func NewController(extractor *extract.Extractor, p *patcher.Patcher, cap calendar.Capability, prefetch *PrefetchCoordinator, cfg *config.Config) *Controller {
	return &Controller{extractor: extractor, patcher: p, cap: cap, prefetch: prefetch, cfg: cfg}
}

// TurnResult is the Presenter's rendered output for one turn.
type TurnResult struct {
	Message       string
	PendingSubmit bool
	Completed     bool
	ThreadState   ThreadState
	Stage         Stage
	TimedOut      bool
}

// RunTurn executes TurnInit → Decision → Transition → stage node →
// Presenter for one user message, serialized per session via turnMu
// ("a session processes at most one graph turn at a time").
func (c *Controller) RunTurn(ctx context.Context, s *Session, userText string) TurnResult {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	turnCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeouts.GraphTurn)
	s.SetCancelFunc(cancel)
	defer cancel()

	done := make(chan TurnResult, 1)
	go func() {
		done <- c.runTurnInner(turnCtx, s, userText)
	}()

	select {
	case res := <-done:
		return res
	case <-turnCtx.Done():
		return TurnResult{
			Message:  "Sorry, that took too long to process — please try again.",
			Stage:    s.CurrentStage(),
			TimedOut: true,
		}
	}
}

func (c *Controller) runTurnInner(ctx context.Context, s *Session, userText string) TurnResult {
	// TurnInit
	s.SetLastUserMessage(userText)
	c.turnInit(s)

	// Decision
	decision := c.decide(ctx, s, userText)

	// Transition
	stageMessage := c.transition(s, decision, userText)

	if s.IsCompleted() {
		return TurnResult{
			Message:     "This session is closed.",
			Completed:   true,
			ThreadState: s.ThreadState,
			Stage:       s.CurrentStage(),
		}
	}

	if decision.Action == extract.ActionAssist {
		return TurnResult{Message: c.assist(ctx, s, userText), Stage: s.CurrentStage()}
	}

	// Stage node
	c.runStageNode(ctx, s, stageMessage)

	// Presenter
	return c.present(s)
}

func (c *Controller) turnInit(s *Session) {
	if s.PlannedDate != "" {
		day, err := timemodel.ParseLocalDate(s.PlannedDate)
		if err == nil {
			c.prefetch.PrefetchCalendar(c.cfg.Calendar.CalendarID, day, s.Timezone)
		}
	}
	if looksNonTrivial(s.LastUserMessage) {
		c.queueConstraintExtraction(s)
	}
}

func looksNonTrivial(text string) bool {
	return len(text) > 8
}

func (c *Controller) queueConstraintExtraction(s *Session) {
	text := s.LastUserMessage
	stage := s.CurrentStage()
	c.prefetch.QueueExtraction(func(ctx context.Context) {
		interp := c.extractor.InterpretConstraint(ctx, interpretSystemPrompt(), text)
		if !interp.ShouldExtract {
			return
		}
		rec, err := c.extractor.ExtractConstraint(ctx, extractSystemPrompt(stage), text)
		if err != nil {
			slog.Warn("background constraint extraction failed", "error", err)
			return
		}
		record := toDurableRecord(rec)
		if err := c.prefetch.RunUpsert(ctx, func(ctx context.Context) error {
			_, err := c.prefetch.Store().UpsertConstraint(ctx, record)
			return err
		}); err != nil {
			slog.Warn("background constraint upsert failed", "error", err)
		}
	})
}

// toDurableRecord converts the NLU half's output into the shape
// UpsertConstraint expects, computing the content-addressed uid from the
// same identity tuple the store itself uses for dedupe.
func toDurableRecord(rec extract.ExtractedConstraintRecord) constraint.Record {
	out := constraint.Record{
		Name:              rec.Name,
		Description:       rec.Description,
		Necessity:         constraint.Necessity(rec.Necessity),
		Status:            constraint.StatusProposed,
		SourceKind:        constraint.SourceUser,
		Confidence:        rec.Confidence,
		Scope:             constraint.Scope(rec.Scope),
		DaysOfWeek:        rec.DaysOfWeek,
		AppliesStages:     rec.AppliesStages,
		AppliesEventTypes: rec.AppliesEventTypes,
		Topics:            rec.Topics,
		RuleKind:          rec.RuleKind,
		ScalarParams:      rec.ScalarParams,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}
	if rec.StartDate != nil {
		if d, err := timemodel.ParseLocalDate(*rec.StartDate); err == nil {
			t := time.Date(d.Year, time.Month(d.Month), d.Day, 0, 0, 0, 0, time.UTC)
			out.StartDate = &t
		}
	}
	if rec.EndDate != nil {
		if d, err := timemodel.ParseLocalDate(*rec.EndDate); err == nil {
			t := time.Date(d.Year, time.Month(d.Month), d.Day, 0, 0, 0, 0, time.UTC)
			out.EndDate = &t
		}
	}
	out.UID = constraint.ComputeUID(out)
	return out
}

func (c *Controller) decide(ctx context.Context, s *Session, userText string) extract.StageDecision {
	if s.ForceStageRerun {
		s.mu.Lock()
		s.ForceStageRerun = false
		s.mu.Unlock()
		return extract.StageDecision{Action: extract.ActionRedo}
	}

	stage := s.CurrentStage()
	s.mu.RLock()
	ready := s.StageReady
	s.mu.RUnlock()

	if !ready && userText != "" {
		return extract.StageDecision{Action: extract.ActionProvideInfo}
	}

	return c.extractor.Decide(ctx, decisionSystemPrompt(stage), userText)
}

// transition applies the decision to session.stage and derives the
// stage_user_message handed to the stage node.
func (c *Controller) transition(s *Session, decision extract.StageDecision, userText string) string {
	switch decision.Action {
	case extract.ActionCancel:
		s.SetCompleted(ThreadCanceled)
		return ""
	case extract.ActionBack:
		s.AdvanceStage(s.CurrentStage().Previous())
		return ""
	case extract.ActionProceed:
		next := s.CurrentStage().Next()
		s.AdvanceStage(next)
		return ""
	case extract.ActionProvideInfo, extract.ActionRedo:
		if s.CurrentStage() == StageReviewCommit && decision.Action == extract.ActionProvideInfo {
			s.AdvanceStage(StageRefine)
		}
		return userText
	default:
		return userText
	}
}

// ErrStageNotReady is returned by ApplyStageAction when a "proceed"
// request arrives before the current stage gate reports ready; the caller
// renders its Missing list back to the user.
type ErrStageNotReady struct {
	Missing []string
}

func (e *ErrStageNotReady) Error() string {
	return fmt.Sprintf("session: stage not ready, missing: %v", e.Missing)
}

// ApplyStageAction implements the deterministic StageAction control
// surface (proceed/back/redo/cancel), bypassing the Decision node's LLM
// call entirely since the action is already known.
func (c *Controller) ApplyStageAction(s *Session, action string, userText string) (TurnResult, error) {
	decisionAction := extract.DecisionAction(action)
	switch decisionAction {
	case extract.ActionProceed:
		s.mu.RLock()
		ready := s.StageReady
		missing := append([]string(nil), s.StageMissing...)
		s.mu.RUnlock()
		if !ready {
			return TurnResult{}, &ErrStageNotReady{Missing: missing}
		}
	case extract.ActionBack, extract.ActionRedo, extract.ActionCancel:
		// always permitted
	default:
		return TurnResult{}, fmt.Errorf("session: unsupported stage action %q", action)
	}

	c.transition(s, extract.StageDecision{Action: decisionAction}, userText)
	if s.IsCompleted() {
		return TurnResult{Completed: true, ThreadState: s.ThreadState, Stage: s.CurrentStage()}, nil
	}
	if decisionAction == extract.ActionRedo {
		c.runStageNode(context.Background(), s, userText)
	}
	return c.present(s), nil
}

// PrimePrefetch kicks off the background work a commit unlocks: the
// calendar day listing and the first stage's durable defaults.
func (c *Controller) PrimePrefetch(ctx context.Context, s *Session) {
	day, err := timemodel.ParseLocalDate(s.PlannedDate)
	if err != nil {
		return
	}
	c.prefetch.PrefetchCalendar(c.cfg.Calendar.CalendarID, day, s.Timezone)
	plannedTime := time.Date(day.Year, time.Month(day.Month), day.Day, 0, 0, 0, 0, time.UTC)
	c.prefetch.PrefetchDurable(ctx, s, StageCollectConstraints, plannedTime, retriever.Context{})
}

// assist answers an aside without disturbing the stage graph: a
// pending-task lookup against the durable store, filtered to rule_kind
// "task".
func (c *Controller) assist(ctx context.Context, s *Session, userText string) string {
	tasks, err := c.queryPendingTasks(ctx)
	if err != nil {
		slog.Warn("assist: pending-task lookup failed", "error", err)
		return "I couldn't look up your pending tasks right now — ask me anything else in the meantime."
	}
	if len(tasks) == 0 {
		return "You don't have any pending tasks on record — ask me anything else in the meantime."
	}
	names := make([]string, len(tasks))
	for i, t := range tasks {
		names[i] = t.Name
	}
	return "Here's what I have on record as pending tasks: " + strings.Join(names, ", ")
}

// queryPendingTasks fetches active durable constraints and narrows them to
// rule_kind "task", the shape the original's task-tracking records use.
func (c *Controller) queryPendingTasks(ctx context.Context) ([]constraint.Record, error) {
	records, err := c.prefetch.Store().QueryConstraints(ctx, constraint.Filters{
		AsOf:          time.Now(),
		StatusesAny:   []constraint.Status{constraint.StatusLocked, constraint.StatusProposed},
		RequireActive: true,
	}, constraint.QueryOptions{Limit: 20})
	if err != nil {
		return nil, err
	}
	out := make([]constraint.Record, 0, len(records))
	for _, r := range records {
		if r.RuleKind == "task" {
			out = append(out, r)
		}
	}
	return out, nil
}

// runStageNode dispatches to the per-stage contract for the session's
// current stage. Errors are folded into the stage's own
// missing/question fields rather than propagated, since a stage node
// never crashes the turn.
func (c *Controller) runStageNode(ctx context.Context, s *Session, stageUserMessage string) {
	stage := s.CurrentStage()
	c.prefetch.EnsureStage(ctx, s, stage)

	switch stage {
	case StageCollectConstraints:
		c.runCollectConstraints(ctx, s, stageUserMessage)
	case StageCaptureInputs:
		c.runCaptureInputs(ctx, s, stageUserMessage)
	case StageSkeleton:
		c.runSkeleton(ctx, s, stageUserMessage)
	case StageRefine:
		c.runRefine(ctx, s, stageUserMessage)
	case StageReviewCommit:
		c.runReviewCommit(ctx, s, stageUserMessage)
	}
}

// present renders the Presenter's reply from the stage's cached gate
// output.
func (c *Controller) present(s *Session) TurnResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg := s.LastResponseOverride
	if msg == "" {
		if s.StageQuestion != "" {
			msg = s.StageQuestion
		} else if s.StageReady {
			msg = fmt.Sprintf("%s is ready. Reply to continue, or say \"next\" to proceed.", s.Stage)
		} else {
			msg = "Tell me more so I can continue."
		}
	}

	return TurnResult{
		Message:       msg,
		PendingSubmit: s.PendingSubmit,
		Completed:     s.Completed,
		ThreadState:   s.ThreadState,
		Stage:         s.Stage,
	}
}

func interpretSystemPrompt() string {
	return "Decide whether the user's message states a schedulable rule worth remembering. Respond with the ConstraintInterpretation JSON schema only."
}

func extractSystemPrompt(stage Stage) string {
	return fmt.Sprintf("Extract a full durable constraint record from the user's message for stage %s. Respond with the ExtractedConstraintRecord JSON schema only.", stage)
}

func decisionSystemPrompt(stage Stage) string {
	return fmt.Sprintf("You are routing a user's reply during the %s stage of a timeboxing session. Respond with the StageDecision JSON schema only.", stage)
}

// --- Per-stage node contracts ---

func (c *Controller) runCollectConstraints(ctx context.Context, s *Session, userText string) {
	facts := s.Frame
	s.mu.RLock()
	all := s.DurableConstraintsByStage[StageCollectConstraints]
	constraints := make([]constraint.Record, 0, len(all))
	for _, rec := range all {
		if !s.SuppressedDurableUIDs[rec.UID] {
			constraints = append(constraints, rec)
		}
	}
	s.mu.RUnlock()

	systemPrompt := fmt.Sprintf("Gather the day frame (date, timezone, work window, sleep target, immovables, commutes, habits). Current facts: %+v. Durable defaults: %d records.", facts, len(constraints))
	gate := c.extractor.RunStageGate(ctx, systemPrompt, userText, string(StageCollectConstraints))

	detectDurableOverrides(s, &gate, constraints)
	normalizeWithDurableDefaults(s, &gate, constraints)

	s.SetGateOutput(StageCollectConstraints, gate.Ready, gate.Missing, derefQuestion(gate.Question), gate.Facts)
}

// detectDurableOverrides records, via Session.SuppressDurable, any durable
// default whose topic the gate's own facts diverge from — evidence the
// user stated their own value rather than accepting the default. Must run
// before normalizeWithDurableDefaults folds the defaults into gate.Facts,
// or every default would appear to "match" its own echo.
func detectDurableOverrides(s *Session, gate *extract.StageGateOutput, durable []constraint.Record) {
	if gate.Facts == nil {
		return
	}
	for _, rec := range durable {
		keys := append([]string{rec.RuleKind}, rec.Topics...)
		for _, key := range keys {
			value, ok := gate.Facts[key]
			if !ok {
				continue
			}
			if !reflect.DeepEqual(value, any(rec.ScalarParams)) {
				s.SuppressDurable(rec.UID)
			}
			break
		}
	}
}

// normalizeWithDurableDefaults applies the collect-stage normalization
// rule: if every missing item is covered by a durable
// default (notably sleep target), mark the gate ready, move the defaults
// into facts, and reword the question to offer an override.
func normalizeWithDurableDefaults(s *Session, gate *extract.StageGateOutput, durable []constraint.Record) {
	if gate.Ready || len(gate.Missing) == 0 || len(durable) == 0 {
		return
	}
	covered := defaultsCovering(gate.Missing, durable)
	if len(covered) != len(gate.Missing) {
		return
	}
	gate.Ready = true
	gate.Missing = nil
	if gate.Facts == nil {
		gate.Facts = map[string]any{}
	}
	for _, rec := range covered {
		gate.Facts[rec.RuleKind] = rec.ScalarParams
	}
	question := "Using your saved defaults… reply to override or proceed."
	gate.Question = &question
}

func defaultsCovering(missing []string, durable []constraint.Record) []constraint.Record {
	byTopic := make(map[string]constraint.Record, len(durable))
	for _, rec := range durable {
		for _, topic := range rec.Topics {
			byTopic[topic] = rec
		}
	}
	out := make([]constraint.Record, 0, len(missing))
	for _, m := range missing {
		if rec, ok := byTopic[m]; ok {
			out = append(out, rec)
		}
	}
	return out
}

func (c *Controller) runCaptureInputs(ctx context.Context, s *Session, userText string) {
	systemPrompt := "Capture the daily one-thing, tasks, and block plan for this session."
	if len(s.Input.Tasks) == 0 {
		if pending, err := c.queryPendingTasks(ctx); err != nil {
			slog.Warn("capture_inputs: pending-task prefetch failed", "error", err)
		} else if len(pending) > 0 {
			names := make([]string, len(pending))
			for i, r := range pending {
				names[i] = r.Name
			}
			systemPrompt += fmt.Sprintf(" The user has no tasks of their own yet; offer these prefetched pending tasks: %s.", strings.Join(names, "; "))
		}
	}

	gate := c.extractor.RunStageGate(ctx, systemPrompt, userText, string(StageCaptureInputs))
	s.SetGateOutput(StageCaptureInputs, gate.Ready, gate.Missing, derefQuestion(gate.Question), gate.Facts)

	if gate.Ready {
		c.queueSkeletonPreGen(s)
	}
}

// skeletonFingerprint keys a pre-generation job by the inputs its seed
// plan depends on: if any of these change between CaptureInputs and
// Skeleton, the cached pre-generation is stale and must be discarded.
func skeletonFingerprint(plannedDate, timezone string, immovables []string, blockPlan string) string {
	seed := plannedDate + "|" + timezone + "|" + strings.Join(immovables, ";") + "|" + blockPlan
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])[:16]
}

// queueSkeletonPreGen fires the skeleton pre-generation job in the
// background: a full seed-plan build run ahead of the user actually
// reaching Skeleton, so that stage can present instantly on a
// fingerprint hit.
func (c *Controller) queueSkeletonPreGen(s *Session) {
	day, err := timemodel.ParseLocalDate(s.PlannedDate)
	if err != nil {
		return
	}
	fingerprint := skeletonFingerprint(s.PlannedDate, s.Timezone, s.Frame.Immovables, s.Input.BlockPlan)

	s.mu.Lock()
	if s.PendingPrefetchStages[StageSkeleton] {
		s.mu.Unlock()
		return
	}
	s.PendingPrefetchStages[StageSkeleton] = true
	constraints := s.DurableConstraintsByStage[StageSkeleton]
	s.mu.Unlock()

	instruction := c.skeletonSeedInstruction(s)

	c.prefetch.QueueExtraction(func(ctx context.Context) {
		seed := timemodel.Plan{Date: day, Timezone: s.Timezone}
		plan, _, err := c.patcher.ApplyPatch(ctx, seed, instruction, constraints, nil, func(p timemodel.Plan) error {
			return timemodel.Validate(p)
		})
		if err != nil {
			slog.Warn("skeleton pre-generation failed", "error", err)
			s.ClearSkeletonPreGen()
			return
		}
		s.SetSkeletonPreGen(fingerprint, plan)
	})
}

// skeletonSeedInstruction renders the day frame and captured inputs, plus
// any prefetched remote-calendar events, into the instruction the patcher
// uses to build a from-scratch seed plan via its "ra" (replace all) op.
func (c *Controller) skeletonSeedInstruction(s *Session) string {
	var b strings.Builder
	if events, ok := c.prefetch.CachedCalendar(s.PlannedDate); ok && len(events) > 0 {
		b.WriteString("Already on the calendar for this day: ")
		for i, e := range events {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s %s-%s", e.Summary, e.Start.String(), e.End.String())
		}
		b.WriteString(".\n")
	}

	b.WriteString("Build a full seed schedule for the day from scratch with \"ra\" (replace all) — there are no existing plan events yet.\n")
	fmt.Fprintf(&b, "Work window: %s. Sleep target: %s.\n", s.Frame.WorkWindow, s.Frame.SleepTarget)
	if len(s.Frame.Immovables) > 0 {
		fmt.Fprintf(&b, "Immovable events: %s.\n", strings.Join(s.Frame.Immovables, "; "))
	}
	if len(s.Frame.Commutes) > 0 {
		fmt.Fprintf(&b, "Commutes: %s.\n", strings.Join(s.Frame.Commutes, "; "))
	}
	if len(s.Frame.Habits) > 0 {
		fmt.Fprintf(&b, "Habits: %s.\n", strings.Join(s.Frame.Habits, "; "))
	}
	if s.Input.DailyOneThing != "" {
		fmt.Fprintf(&b, "Daily one-thing: %s.\n", s.Input.DailyOneThing)
	}
	if len(s.Input.Tasks) > 0 {
		fmt.Fprintf(&b, "Tasks to block time for: %s.\n", strings.Join(s.Input.Tasks, "; "))
	}
	if s.Input.BlockPlan != "" {
		fmt.Fprintf(&b, "Requested block plan: %s.\n", s.Input.BlockPlan)
	}
	return b.String()
}

func (c *Controller) runSkeleton(ctx context.Context, s *Session, userText string) {
	systemPrompt := "Render a Markdown overview of the day and propose a seed plan."
	gate := c.extractor.RunStageGate(ctx, systemPrompt, userText, string(StageSkeleton))
	s.SetGateOutput(StageSkeleton, gate.Ready, gate.Missing, derefQuestion(gate.Question), gate.Facts)
	if !gate.Ready {
		return
	}

	day, err := timemodel.ParseLocalDate(s.PlannedDate)
	if err != nil {
		s.SetGateOutput(StageSkeleton, false, []string{"planned date is missing or invalid"}, "I need a valid planned date before I can build a seed plan.", gate.Facts)
		return
	}

	fingerprint := skeletonFingerprint(s.PlannedDate, s.Timezone, s.Frame.Immovables, s.Input.BlockPlan)
	if plan, ok := s.ConsumeSkeletonPreGen(fingerprint); ok {
		s.SetPlan(plan)
		s.SnapshotPlan()
		return
	}

	s.mu.RLock()
	constraints := s.DurableConstraintsByStage[StageSkeleton]
	s.mu.RUnlock()

	seed := timemodel.Plan{Date: day, Timezone: s.Timezone}
	plan, _, err := c.patcher.ApplyPatch(ctx, seed, c.skeletonSeedInstruction(s), constraints, nil, func(p timemodel.Plan) error {
		return timemodel.Validate(p)
	})
	if err != nil {
		s.SetGateOutput(StageSkeleton, false, []string{"the seed plan could not be generated"}, err.Error(), gate.Facts)
		return
	}
	s.SetPlan(plan)
	s.SnapshotPlan()
}

func (c *Controller) runRefine(ctx context.Context, s *Session, userText string) {
	current := s.Plan
	instruction := userText
	if instruction == "" {
		// Entering Refine with no user request (a bare proceed from
		// Skeleton) still runs the patch loop, so a broken seed plan is
		// repaired before the user ever asks for a change.
		instruction = "Prepare the editable plan from the current draft. Repair only what is needed for plan validity; change nothing else."
	}
	if err := timemodel.Validate(current); err != nil {
		instruction = fmt.Sprintf("repair first, then apply user refinement; validation issues are: %v\n%s", err, instruction)
	}

	s.mu.RLock()
	constraints := s.DurableConstraintsByStage[StageRefine]
	s.mu.RUnlock()

	patched, _, err := c.patcher.ApplyPatch(ctx, current, instruction, constraints, nil, func(p timemodel.Plan) error {
		return timemodel.Validate(p)
	})
	if err != nil {
		s.SetGateOutput(StageRefine, false, []string{"the requested change could not be applied"}, err.Error(), nil)
		return
	}
	s.SetPlan(patched)
	s.SetGateOutput(StageRefine, true, nil, "", nil)
}

func (c *Controller) runReviewCommit(ctx context.Context, s *Session, userText string) {
	systemPrompt := "Summarize the final plan for review."
	gate := c.extractor.RunStageGate(ctx, systemPrompt, userText, string(StageReviewCommit))
	s.SetGateOutput(StageReviewCommit, gate.Ready, gate.Missing, derefQuestion(gate.Question), gate.Facts)
	s.mu.Lock()
	s.PendingSubmit = true
	s.mu.Unlock()
}

// ConfirmSubmit implements the explicit confirm-submit path: refresh the
// remote baseline, reconcile, and execute.
func (c *Controller) ConfirmSubmit(ctx context.Context, s *Session) (*txsync.Transaction, error) {
	day, err := timemodel.ParseLocalDate(s.PlannedDate)
	if err != nil {
		return nil, fmt.Errorf("session: invalid planned date %q: %w", s.PlannedDate, err)
	}

	result, err := c.cap.ListDayEvents(ctx, c.cfg.Calendar.CalendarID, day, s.Timezone)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	hints := reconcile.EventIDHint{}
	for k, v := range s.EventIDMap {
		hints[k] = v
	}
	remoteIDs := make(map[int]string, len(s.RemoteEventIDsByIndex))
	for k, v := range s.RemoteEventIDsByIndex {
		remoteIDs[k] = v
	}
	plan := s.Plan
	s.mu.RUnlock()

	rec, err := reconcile.Reconcile(plan, result.Events, hints, remoteIDs, c.cfg.Calendar.OwnedIDPrefix, c.cfg.Reconcile.FuzzyToleranceMinutes)
	if err != nil {
		return nil, err
	}

	ops, err := txsync.PlanSync(rec, plan, c.cfg.Calendar.CalendarID, c.cfg.Calendar.OwnedIDPrefix)
	if err != nil {
		return nil, err
	}

	txn, err := txsync.ExecuteSync(ctx, c.cap, c.cfg.Calendar.CalendarID, ops, true)

	newHints, idsByIndex := syncedEventIDs(txn, plan)
	s.RecordSyncOutcome(txn, newHints, idsByIndex)

	return txn, err
}

// syncedEventIDs extracts, from a (possibly partial) executed transaction,
// the external event id of every successful create/update keyed both by
// the reconciler's "name|start" hint key and by desired-plan index. These
// feed the id pass of the next submit's reconciliation, so a renamed or
// shifted event still pairs with the remote event this sync wrote.
func syncedEventIDs(txn *txsync.Transaction, plan timemodel.Plan) (map[string]string, map[int]string) {
	hints := make(map[string]string)
	byIndex := make(map[int]string)
	if txn == nil {
		return hints, byIndex
	}
	resolved, err := timemodel.ResolveTimes(plan, true)
	if err != nil {
		return hints, byIndex
	}
	for i, op := range txn.Ops {
		if i >= len(txn.Results) || !txn.Results[i].OK {
			continue
		}
		if op.Kind == txsync.OpDelete || op.DesiredIx < 0 || op.DesiredIx >= len(resolved.Events) {
			continue
		}
		id := txn.Results[i].EventID
		if id == "" {
			id = op.EventID
		}
		re := resolved.Events[op.DesiredIx]
		start := timemodel.NewLocalTime(re.Start.Hour(), re.Start.Minute())
		hints[reconcile.HintKey(re.Event.Name, start)] = id
		byIndex[op.DesiredIx] = id
	}
	return hints, byIndex
}

// CancelSubmit clears pending_submit without executing anything.
func (c *Controller) CancelSubmit(s *Session) {
	s.mu.Lock()
	s.PendingSubmit = false
	s.mu.Unlock()
}

// UndoSubmit rejects completed sessions, otherwise undoes the last
// transaction and rewinds the session to Refine.
func (c *Controller) UndoSubmit(ctx context.Context, s *Session) (*txsync.Transaction, error) {
	if s.IsCompleted() {
		return nil, fmt.Errorf("session: cannot undo a completed session")
	}
	s.mu.RLock()
	txn := s.LastSyncTransaction
	s.mu.RUnlock()
	if txn == nil {
		return nil, fmt.Errorf("session: no transaction to undo")
	}

	undone, err := txsync.Undo(ctx, c.cap, txn)
	if err != nil {
		return nil, err
	}

	s.RestoreFromSnapshot()
	s.RestoreSyncOutcome(undone)

	return undone, nil
}

func derefQuestion(q *string) string {
	if q == nil {
		return ""
	}
	return *q
}
