// Package api is the External Interface Layer: inbound HTTP handlers
// that translate transport-specific requests into Session Controller
// calls, and an outbound observer publisher for final update records.
package api

// SessionRef carries the (channel, thread, user) routing key every
// inbound message requires.
type SessionRef struct {
	ChannelID string `json:"channel_id" binding:"required"`
	ThreadTS  string `json:"thread_ts" binding:"required"`
	UserID    string `json:"user_id" binding:"required"`
}

// StartRequest is Start(user_input, intent_summary?, context?).
type StartRequest struct {
	SessionRef
	UserInput     string `json:"user_input" binding:"required"`
	IntentSummary string `json:"intent_summary,omitempty"`
	Context       string `json:"context,omitempty"`
}

// CommitDateRequest is CommitDate(planned_date, timezone).
type CommitDateRequest struct {
	SessionRef
	PlannedDate string `json:"planned_date" binding:"required"`
	Timezone    string `json:"timezone" binding:"required"`
}

// UserReplyRequest is UserReply(text).
type UserReplyRequest struct {
	SessionRef
	Text string `json:"text" binding:"required"`
}

// StageActionRequest is StageAction(action), action in {proceed, back,
// redo, cancel}.
type StageActionRequest struct {
	SessionRef
	Action string `json:"action" binding:"required,oneof=proceed back redo cancel"`
}

// SubmitControlRequest backs ConfirmSubmit/CancelSubmit/UndoSubmit, which
// carry no payload beyond the routing key.
type SubmitControlRequest struct {
	SessionRef
}

// TurnResponse is the outbound "single reply per turn": either plain
// text, or plain text plus a structured block list when UI controls are
// required (e.g. stage_missing on a rejected proceed).
type TurnResponse struct {
	Message       string   `json:"message"`
	Stage         string   `json:"stage,omitempty"`
	StageReady    bool     `json:"stage_ready,omitempty"`
	StageMissing  []string `json:"stage_missing,omitempty"`
	PendingSubmit bool     `json:"pending_submit,omitempty"`
	Completed     bool     `json:"completed,omitempty"`
	ThreadState   string   `json:"thread_state,omitempty"`
	TimedOut      bool     `json:"timed_out,omitempty"`
}

// ErrorResponse is the JSON body for any 4xx/5xx response.
type ErrorResponse struct {
	Error        string   `json:"error"`
	StageMissing []string `json:"stage_missing,omitempty"`
}

// FinalUpdateRecord is the observer payload published at the end of a
// turn or submit.
type FinalUpdateRecord struct {
	ThreadTS     string   `json:"thread_ts"`
	ChannelID    string   `json:"channel_id"`
	UserID       string   `json:"user_id"`
	UserMessage  string   `json:"user_message"`
	Constraints  []string `json:"constraints"`
	Plan         any      `json:"plan,omitempty"`
	Actions      []string `json:"actions"`
	PatchHistory []string `json:"patch_history"`
}
