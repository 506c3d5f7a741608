package extract

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/fateforger/timeboxd/pkg/patchops"
)

var validate = validator.New()

// Extractor ties one Completer to the recovery-and-validation pipeline
// shared by every structured-output call.
type Extractor struct {
	completer Completer
}

// New builds an Extractor over the given backend.
func New(completer Completer) *Extractor {
	return &Extractor{completer: completer}
}

// runStructured sends the prompt pair, recovers JSON from the raw
// response, unmarshals into dst, and validates it. dst must be a pointer.
func runStructured(ctx context.Context, c Completer, systemPrompt, userPrompt string, dst any) error {
	raw, err := c.Complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		return err
	}
	body, err := recoverJSON(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return &ParseError{Raw: raw}
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrParseError, err)
	}
	return nil
}

// ExtractPlannedDate runs the planned-date extractor. On any
// failure it returns a low-confidence empty result rather than erroring,
// since a missing planned date only leaves the session uncommitted, and the
// date is asked for again on the next start or reply.
func (e *Extractor) ExtractPlannedDate(ctx context.Context, systemPrompt, userMessage string) PlannedDateResult {
	var out PlannedDateResult
	if err := runStructured(ctx, e.completer, systemPrompt, userMessage, &out); err != nil {
		zero := 0.0
		return PlannedDateResult{Confidence: &zero}
	}
	return out
}

// InterpretConstraint runs the constraint-interpreter extractor: a
// cheap gate deciding whether an utterance states a schedulable rule at
// all, before the full constraint extractor is invoked. Failure is treated
// as "nothing to extract" rather than surfaced to the user.
func (e *Extractor) InterpretConstraint(ctx context.Context, systemPrompt, userMessage string) ConstraintInterpretation {
	var out ConstraintInterpretation
	if err := runStructured(ctx, e.completer, systemPrompt, userMessage, &out); err != nil {
		return ConstraintInterpretation{ShouldExtract: false}
	}
	return out
}

// RunStageGate runs one stage node's structured gate check.
// On failure it returns the documented safe fallback: not ready, with the
// failure surfaced as both a missing item and a diagnostic fact, so the
// graph can re-prompt instead of silently advancing on broken output.
func (e *Extractor) RunStageGate(ctx context.Context, systemPrompt, userPrompt, stageID string) StageGateOutput {
	var out StageGateOutput
	if err := runStructured(ctx, e.completer, systemPrompt, userPrompt, &out); err != nil {
		return StageGateOutput{
			StageID: stageID,
			Ready:   false,
			Missing: []string{"stage gate timeout"},
			Facts:   map[string]any{"_stage_gate_error": fmt.Sprintf("%T", err)},
		}
	}
	if out.StageID == "" {
		out.StageID = stageID
	}
	return out
}

// Decide runs the decision router. On timeout or parse failure it
// falls back to provide_info, which keeps the session on its current
// stage rather than risking an unintended transition.
func (e *Extractor) Decide(ctx context.Context, systemPrompt, userPrompt string) StageDecision {
	var out StageDecision
	if err := runStructured(ctx, e.completer, systemPrompt, userPrompt, &out); err != nil {
		note := "stage_decision_timeout"
		return StageDecision{Action: ActionProvideInfo, Note: &note}
	}
	return out
}

// ExtractConstraint runs the full constraint extractor and returns
// the record ready for constraint.Store upsert. Unlike the other
// extractors this one surfaces its error: a caller invoking it has
// already decided (via InterpretConstraint) that a constraint is present,
// so a failure here is a real extraction problem worth logging rather
// than silently discarding.
func (e *Extractor) ExtractConstraint(ctx context.Context, systemPrompt, userPrompt string) (ExtractedConstraintRecord, error) {
	var out ExtractedConstraintRecord
	if err := runStructured(ctx, e.completer, systemPrompt, userPrompt, &out); err != nil {
		return ExtractedConstraintRecord{}, err
	}
	return out, nil
}

// GeneratePatch runs the patch-generator extractor: asks
// the model for a patchops.Patch describing the edits to apply to the
// current plan.
func (e *Extractor) GeneratePatch(ctx context.Context, systemPrompt, userPrompt string) (patchops.Patch, error) {
	var out patchops.Patch
	raw, err := e.completer.Complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		return patchops.Patch{}, err
	}
	body, err := recoverJSON(raw)
	if err != nil {
		return patchops.Patch{}, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return patchops.Patch{}, &ParseError{Raw: raw}
	}
	return out, nil
}
