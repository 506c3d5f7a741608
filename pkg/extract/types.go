package extract

import "github.com/fateforger/timeboxd/pkg/patchops"

// PlannedDateResult is the planned-date extractor's output. Must not
// invent dates; uncertain cases return a nil PlannedDate with low confidence.
type PlannedDateResult struct {
	PlannedDate *string  `json:"planned_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Confidence  *float64 `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
	Timezone    *string  `json:"timezone,omitempty"`
	Language    *string  `json:"language,omitempty"`
	Explanation *string  `json:"explanation,omitempty"`
}

// ConstraintScope mirrors constraint.Scope's wire values for the interpreter
// (kept as a distinct string type so this package does not pull in the
// constraint store's governance fields it doesn't need).
type ConstraintScope string

const (
	ScopeSession  ConstraintScope = "session"
	ScopeProfile  ConstraintScope = "profile"
	ScopeDatespan ConstraintScope = "datespan"
)

// ConstraintBase is the minimal shape the constraint interpreter extracts
// per utterance, before the full constraint extractor enriches it.
type ConstraintBase struct {
	Name        string   `json:"name" validate:"required"`
	Description string   `json:"description"`
	RuleKind    string   `json:"rule_kind" validate:"required"`
	DaysOfWeek  []string `json:"days_of_week,omitempty"`
}

// ConstraintInterpretation is the constraint-interpreter extractor's
// output. should_extract must be true only when the message explicitly
// states a scheduling rule.
type ConstraintInterpretation struct {
	ShouldExtract bool             `json:"should_extract"`
	Scope         ConstraintScope  `json:"scope" validate:"required,oneof=session profile datespan"`
	StartDate     *string          `json:"start_date,omitempty"`
	EndDate       *string          `json:"end_date,omitempty"`
	Constraints   []ConstraintBase `json:"constraints"`
}

// StageGateOutput is one stage node's structured gate result.
type StageGateOutput struct {
	StageID         string         `json:"stage_id" validate:"required"`
	Ready           bool           `json:"ready"`
	Summary         []string       `json:"summary"`
	Missing         []string       `json:"missing"`
	Question        *string        `json:"question,omitempty"`
	Facts           map[string]any `json:"facts"`
	ResponseMessage map[string]any `json:"response_message,omitempty"`
}

// DecisionAction is the StageDecision's action enum.
type DecisionAction string

const (
	ActionProvideInfo DecisionAction = "provide_info"
	ActionProceed     DecisionAction = "proceed"
	ActionBack        DecisionAction = "back"
	ActionRedo        DecisionAction = "redo"
	ActionCancel      DecisionAction = "cancel"
	ActionAssist      DecisionAction = "assist"
)

// StageDecision is the decision router's structured output.
type StageDecision struct {
	Action      DecisionAction `json:"action" validate:"required,oneof=provide_info proceed back redo cancel assist"`
	TargetStage *string        `json:"target_stage,omitempty"`
	Note        *string        `json:"note,omitempty"`
}

// ExtractedConstraintRecord is the full constraint extractor's output:
// everything upsert_constraint needs, derived from one utterance
// plus handoff context.
type ExtractedConstraintRecord struct {
	Name              string         `json:"name" validate:"required"`
	Description       string         `json:"description"`
	Necessity         string         `json:"necessity" validate:"required,oneof=must should"`
	Scope             string         `json:"scope" validate:"required,oneof=session profile datespan"`
	Confidence        float64        `json:"confidence" validate:"gte=0,lte=1"`
	StartDate         *string        `json:"start_date,omitempty"`
	EndDate           *string        `json:"end_date,omitempty"`
	DaysOfWeek        []string       `json:"days_of_week,omitempty"`
	AppliesStages     []string       `json:"applies_stages,omitempty"`
	AppliesEventTypes []string       `json:"applies_event_types,omitempty"`
	Topics            []string       `json:"topics,omitempty"`
	RuleKind          string         `json:"rule_kind" validate:"required"`
	ScalarParams      map[string]any `json:"scalar_params,omitempty"`
}

// QueuedAck is the immediate acknowledgment returned when the constraint
// extractor is invoked as a fire-and-forget tool call.
type QueuedAck struct {
	Queued bool `json:"queued"`
}

// PatchResult wraps the patch generator's output: a patchops.Patch decoded
// from the LLM's tagged-union JSON.
type PatchResult struct {
	Patch patchops.Patch
}
