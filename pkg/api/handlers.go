package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fateforger/timeboxd/pkg/extract"
	"github.com/fateforger/timeboxd/pkg/session"
)

// Server is the External Interface Layer's HTTP surface: one handler
// per inbound message kind, each translating an HTTP request into a
// Session Controller call and the result back into the HTTP response.
type Server struct {
	manager    *session.Manager
	controller *session.Controller
	extractor  *extract.Extractor
	observer   *Observer
}

// NewServer wires the External Interface Layer to its collaborators.
func NewServer(manager *session.Manager, controller *session.Controller, extractor *extract.Extractor, observer *Observer) *Server {
	return &Server{manager: manager, controller: controller, extractor: extractor, observer: observer}
}

// Routes registers every inbound route on engine.
func (s *Server) Routes(engine *gin.Engine) {
	g := engine.Group("/sessions")
	g.POST("/start", s.Start)
	g.POST("/commit-date", s.CommitDate)
	g.POST("/reply", s.UserReply)
	g.POST("/stage-action", s.StageAction)
	g.POST("/confirm-submit", s.ConfirmSubmit)
	g.POST("/cancel-submit", s.CancelSubmit)
	g.POST("/undo-submit", s.UndoSubmit)
	engine.GET("/health", s.Health)
}

func (r SessionRef) key() session.Key {
	return session.Key{Channel: r.ChannelID, ThreadID: r.ThreadTS}
}

// Start opens a session, replacing any pre-existing one for the same key,
// interprets a planned date from user_input, and renders a commit prompt.
func (s *Server) Start(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	sess := s.manager.Replace(req.key(), req.UserID)

	result := s.extractor.ExtractPlannedDate(c.Request.Context(), plannedDateSystemPrompt(), req.UserInput)
	message := "What day are we planning, and in which timezone?"
	if result.PlannedDate != nil {
		sess.SetPlannedDate(*result.PlannedDate, derefOr(result.Timezone, ""))
		message = fmt.Sprintf("Planning for %s — reply to confirm, or tell me the right date.", *result.PlannedDate)
	}

	c.JSON(http.StatusOK, TurnResponse{Message: message, Stage: string(sess.CurrentStage())})
}

// CommitDate marks the session committed and kicks off prime-prefetch.
func (s *Server) CommitDate(c *gin.Context) {
	var req CommitDateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	sess, err := s.manager.Get(req.key())
	if err != nil {
		sess = s.manager.GetOrCreate(req.key(), req.UserID)
	}
	sess.SetPlannedDate(req.PlannedDate, req.Timezone)
	sess.Commit()
	go s.controller.PrimePrefetch(context.Background(), sess)

	c.JSON(http.StatusOK, TurnResponse{Message: "Got it — let's collect your constraints.", Stage: string(sess.CurrentStage())})
}

// UserReply runs one graph turn. If the session is missing or uncommitted,
// a planned date is interpreted from the reply and implicitly committed
// first.
func (s *Server) UserReply(c *gin.Context) {
	var req UserReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	sess, err := s.manager.Get(req.key())
	if err != nil {
		sess = s.manager.GetOrCreate(req.key(), req.UserID)
	}
	if !sess.IsCommitted() {
		s.implicitCommit(c.Request.Context(), sess, req.Text)
	}

	result := s.controller.RunTurn(c.Request.Context(), sess, req.Text)
	s.publishFinalUpdate(c.Request.Context(), req.SessionRef, req.Text, sess)
	c.JSON(http.StatusOK, toTurnResponse(result))
}

func (s *Server) implicitCommit(ctx context.Context, sess *session.Session, text string) {
	result := s.extractor.ExtractPlannedDate(ctx, plannedDateSystemPrompt(), text)
	if result.PlannedDate == nil {
		return
	}
	sess.SetPlannedDate(*result.PlannedDate, derefOr(result.Timezone, ""))
	sess.Commit()
	go s.controller.PrimePrefetch(context.Background(), sess)
}

// StageAction applies a deterministic control action (proceed/back/redo/
// cancel); proceed is rejected with stage_missing when the gate isn't
// ready.
func (s *Server) StageAction(c *gin.Context) {
	var req StageActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	sess, err := s.manager.Get(req.key())
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "session not found"})
		return
	}

	result, err := s.controller.ApplyStageAction(sess, req.Action, "")
	if err != nil {
		var notReady *session.ErrStageNotReady
		if errors.As(err, &notReady) {
			c.JSON(http.StatusConflict, ErrorResponse{Error: "stage not ready", StageMissing: notReady.Missing})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, toTurnResponse(result))
}

// ConfirmSubmit refreshes the remote baseline, reconciles, and executes
// the sync transaction.
func (s *Server) ConfirmSubmit(c *gin.Context) {
	var req SubmitControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	sess, err := s.manager.Get(req.key())
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "session not found"})
		return
	}

	txn, err := s.controller.ConfirmSubmit(c.Request.Context(), sess)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error()})
		return
	}
	s.publishFinalUpdate(c.Request.Context(), req.SessionRef, "", sess)
	c.JSON(http.StatusOK, gin.H{"status": txn.Status, "ops": len(txn.Ops)})
}

// CancelSubmit clears pending_submit without executing.
func (s *Server) CancelSubmit(c *gin.Context) {
	var req SubmitControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	sess, err := s.manager.Get(req.key())
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "session not found"})
		return
	}
	s.controller.CancelSubmit(sess)
	c.JSON(http.StatusOK, gin.H{"status": "canceled"})
}

// UndoSubmit reverts the last sync transaction and rewinds to Refine.
func (s *Server) UndoSubmit(c *gin.Context) {
	var req SubmitControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	sess, err := s.manager.Get(req.key())
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "session not found"})
		return
	}
	txn, err := s.controller.UndoSubmit(c.Request.Context(), sess)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": txn.Status, "stage": sess.CurrentStage()})
}

// Health is a liveness probe.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) publishFinalUpdate(ctx context.Context, ref SessionRef, userMessage string, sess *session.Session) {
	if s.observer == nil {
		return
	}
	record := FinalUpdateRecord{
		ThreadTS:    ref.ThreadTS,
		ChannelID:   ref.ChannelID,
		UserID:      ref.UserID,
		UserMessage: userMessage,
	}
	if plan := sess.PlanSnapshot(); len(plan.Events) > 0 {
		record.Plan = plan
	}
	s.observer.Publish(ctx, record)
}

func toTurnResponse(r session.TurnResult) TurnResponse {
	return TurnResponse{
		Message:       r.Message,
		Stage:         string(r.Stage),
		PendingSubmit: r.PendingSubmit,
		Completed:     r.Completed,
		ThreadState:   string(r.ThreadState),
		TimedOut:      r.TimedOut,
	}
}

func plannedDateSystemPrompt() string {
	return "Interpret the planned date and timezone the user means. Respond with the PlannedDateResult JSON schema only."
}

func derefOr(v *string, fallback string) string {
	if v == nil {
		return fallback
	}
	return *v
}
