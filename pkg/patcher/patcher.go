// Package patcher implements the plan-edit loop: render a
// prompt from the current plan and a user instruction, ask the patch
// extractor for a Patch, apply it, validate it, and retry on failure with
// structured feedback until the attempt budget is exhausted.
package patcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fateforger/timeboxd/pkg/constraint"
	"github.com/fateforger/timeboxd/pkg/extract"
	"github.com/fateforger/timeboxd/pkg/patchops"
	"github.com/fateforger/timeboxd/pkg/timemodel"
)

// DefaultMaxAttempts is the default patch-attempt budget.
const DefaultMaxAttempts = 5

// feedbackByteBudget bounds the retry-feedback text fed back into the next
// attempt's prompt.
const feedbackByteBudget = 1200

// Validator checks an applied plan beyond what PO's own Apply already
// enforces (e.g. session-specific business rules). A non-nil error is fed
// back into the next attempt as retry guidance.
type Validator func(timemodel.Plan) error

// Action is one entry in the recent-actions log rendered into the prompt.
type Action struct {
	Kind    string
	Summary string
	From    string
	To      string
	Reason  string
}

// Patcher drives the retry loop over an extract.Extractor.
type Patcher struct {
	extractor   *extract.Extractor
	maxAttempts int
}

// New builds a Patcher with the given attempt budget; maxAttempts <= 0
// falls back to DefaultMaxAttempts.
func New(extractor *extract.Extractor, maxAttempts int) *Patcher {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Patcher{extractor: extractor, maxAttempts: maxAttempts}
}

// ErrPatchExhausted wraps the last underlying error when every attempt in
// the budget fails.
var ErrPatchExhausted = errors.New("patcher: exhausted attempts")

// ApplyPatch runs the plan-edit loop: render, extract, parse,
// apply, optionally validate; on any failure build retry feedback and try
// again, up to p.maxAttempts times. Each attempt starts from the same
// current plan (atomic apply) — no partially-patched state ever leaks
// into the next attempt's prompt.
func (p *Patcher) ApplyPatch(
	ctx context.Context,
	current timemodel.Plan,
	userMessage string,
	constraints []constraint.Record,
	actions []Action,
	validate Validator,
) (timemodel.Plan, patchops.Patch, error) {
	var retryFeedback string
	var lastErr error

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		systemPrompt := patcherSystemPrompt()
		userPrompt := buildContext(current, userMessage, constraints, actions, retryFeedback)

		patch, err := p.extractor.GeneratePatch(ctx, systemPrompt, userPrompt)
		if err != nil {
			lastErr = err
			retryFeedback = buildRetryFeedback(err)
			continue
		}

		patched, err := patchops.Apply(current, patch)
		if err != nil {
			lastErr = err
			retryFeedback = buildRetryFeedback(err)
			continue
		}

		if validate != nil {
			if err := validate(patched); err != nil {
				lastErr = err
				retryFeedback = buildRetryFeedback(err)
				continue
			}
		}

		return patched, patch, nil
	}

	return timemodel.Plan{}, patchops.Patch{}, fmt.Errorf("%w after %d attempts: %v", ErrPatchExhausted, p.maxAttempts, lastErr)
}

// buildRetryFeedback decomposes err into explicit (location, type, message)
// violations when it carries structured fields, so the next attempt's
// prompt names the exact events and indices to fix instead of a flattened
// error string. Unstructured errors fall back to their plain text.
func buildRetryFeedback(err error) string {
	var lines []string

	var overlap *timemodel.OverlapError
	var broken *timemodel.BrokenChainError
	var unknown *timemodel.UnknownEnumError
	var index *patchops.IndexError
	switch {
	case errors.As(err, &overlap):
		lines = append(lines, fmt.Sprintf("- overlap at events[%d]..events[%d]: %q ends after %q starts",
			overlap.AIndex, overlap.BIndex, overlap.AName, overlap.BName))
	case errors.As(err, &broken):
		lines = append(lines, fmt.Sprintf("- broken_chain at events[%d]: %q has no neighbor to anchor its relative timing",
			broken.Index, broken.Name))
	case errors.As(err, &unknown):
		lines = append(lines, fmt.Sprintf("- unknown_enum at %s: unrecognized value %q",
			unknown.Field, unknown.Value))
	case errors.As(err, &index):
		lines = append(lines, fmt.Sprintf("- index_out_of_range at op %q: index %d with only %d events",
			index.Op, index.Index, index.Len))
	case errors.Is(err, timemodel.ErrNoAnchor):
		lines = append(lines, "- no_anchor at plan: at least one non-background event needs a fixed start or fixed window")
	}

	if len(lines) == 0 {
		return truncate(err.Error(), feedbackByteBudget)
	}
	return truncate("Violations:\n"+strings.Join(lines, "\n"), feedbackByteBudget)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + fmt.Sprintf(" …(truncated,%d)", len(s))
}

func buildContext(plan timemodel.Plan, userMessage string, constraints []constraint.Record, actions []Action, retryFeedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current plan for %s (%s):\n", plan.Date.String(), plan.Timezone)
	for i, ev := range plan.Events {
		fmt.Fprintf(&b, "  [%d] %s (%s) %s\n", i, ev.Name, ev.EventType, describeTiming(ev.Timing))
	}
	fmt.Fprintf(&b, "\nUser request: %s\n", userMessage)

	if len(constraints) > 0 {
		b.WriteString("\nActive constraints:\n")
		for _, c := range constraints {
			fmt.Fprintf(&b, "  - %s (%s/%s): %s\n", c.Name, c.Necessity, c.Scope, c.Description)
		}
	}

	b.WriteString("\nRecent actions:\n")
	if len(actions) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, a := range actions {
		fmt.Fprintf(&b, "  - %s %s", a.Kind, a.Summary)
		if a.From != "" {
			fmt.Fprintf(&b, " from %s", a.From)
		}
		if a.To != "" {
			fmt.Fprintf(&b, " to %s", a.To)
		}
		if a.Reason != "" {
			fmt.Fprintf(&b, " | reason: %s", a.Reason)
		}
		b.WriteString("\n")
	}

	b.WriteString("\nProduce the patch JSON with the minimal set of ops to fulfill the request.")

	if retryFeedback != "" {
		fmt.Fprintf(&b, "\n\nPrevious patch attempt failed.\nValidation/apply error: %s\nReturn a corrected patch that resolves this error while preserving user intent.", retryFeedback)
	}

	return b.String()
}

func describeTiming(t timemodel.Timing) string {
	if t == nil {
		return ""
	}
	return string(t.Kind())
}

func patcherSystemPrompt() string {
	return `You are a timebox refinement assistant. You receive the current schedule
plus a user instruction and optional constraints.

Produce a single patch JSON array with the minimal set of typed domain
operations that fulfills the user's request.

Available operations (field "op" discriminator):
- "ae" (add events): add one or more events; set insert_after to place them.
- "re" (remove at): remove the event at the given index.
- "ue" (update at): merge partial changes onto the event at the given index.
- "me" (move): reorder an event from one index to another.
- "ra" (replace all): replace the entire event list (only for full rebuilds).

Rules:
- Prefer fine-grained ops (ue, re, ae) over ra.
- Keep immovable events (meetings, fixed windows) unchanged unless explicitly asked.
- Maintain time chain validity: at least one fixed anchor must exist.
- Background ("BG") events must use fixed-start ("fs") or fixed-window ("fw") timing.
- If validation feedback lists rule violations, satisfy those first with
  minimal edits, then apply the requested refinement while preserving intent.

Return ONLY the patch JSON array — no markdown fences, no commentary.`
}
