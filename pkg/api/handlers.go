package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openfroyo/pathrunner/pkg/engine"
	"github.com/openfroyo/pathrunner/pkg/ledger"
	"github.com/openfroyo/pathrunner/pkg/stores"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Code  string `json:"code,omitempty"`
}

func abortWith(c *gin.Context, status int, err error) {
	body := errorBody{Error: err.Error()}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		body.Kind = string(ee.Kind)
		body.Code = ee.Code
	}
	c.AbortWithStatusJSON(status, body)
}

// statusFor maps an Execute error to an HTTP status.
func statusFor(err error) int {
	switch engine.KindOf(err) {
	case engine.FailureRejected:
		var ee *engine.EngineError
		if errors.As(err, &ee) && ee.Code == engine.ErrCodeValidation {
			return http.StatusBadRequest
		}
		return http.StatusForbidden
	case engine.FailureCancelled:
		return http.StatusRequestTimeout
	case engine.FailureConfig:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) healthz(c *gin.Context) {
	if s.app.Store != nil {
		if err := s.app.Store.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": s.version})
}

// executeAction runs the posted action. Escalated executions are a normal
// outcome and return 200 with the escalation in the body.
func (s *Server) executeAction(c *gin.Context) {
	var action engine.Action
	if err := c.ShouldBindJSON(&action); err != nil {
		abortWith(c, http.StatusBadRequest, err)
		return
	}
	if id := c.GetHeader("X-Correlation-ID"); id != "" && action.CorrelationID == "" {
		action.CorrelationID = id
	}

	result, err := s.app.Execute(c.Request.Context(), action)
	if err != nil {
		if result != nil {
			c.JSON(statusFor(err), result)
			return
		}
		abortWith(c, statusFor(err), err)
		return
	}
	c.Header("X-Correlation-ID", result.CorrelationID)
	c.JSON(http.StatusOK, result)
}

func (s *Server) getAttempts(c *gin.Context) {
	id := c.Param("correlation_id")
	records, err := s.app.Ledger.Query(c.Request.Context(), id)
	if err != nil {
		abortWith(c, http.StatusInternalServerError, err)
		return
	}
	// Executions from before a restart are only in the store.
	if len(records) == 0 && s.app.Store != nil {
		records, err = s.app.Store.ListAttempts(c.Request.Context(), stores.AttemptQuery{CorrelationID: id})
		if err != nil {
			abortWith(c, http.StatusInternalServerError, err)
			return
		}
	}
	if len(records) == 0 {
		abortWith(c, http.StatusNotFound, errors.New("no attempts for correlation id "+id))
		return
	}
	c.JSON(http.StatusOK, gin.H{"correlation_id": id, "attempts": records})
}

// streamAttempts sends attempts as server-sent events until the client leaves.
func (s *Server) streamAttempts(c *gin.Context) {
	filter := ledger.Filter{
		CorrelationID: c.Query("correlation_id"),
		PathName:      c.Query("path"),
	}
	ctx := c.Request.Context()
	ch, cancel := s.app.Ledger.Subscribe(ctx, filter, 0)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case record, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("attempt", record)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

type pathView struct {
	engine.PathDescriptor
	Health engine.HealthState `json:"health"`
}

func (s *Server) listPaths(c *gin.Context) {
	tracker := s.app.Orchestrator.HealthTracker()
	paths := s.app.Orchestrator.Paths()
	views := make([]pathView, len(paths))
	for i, p := range paths {
		views[i] = pathView{PathDescriptor: p, Health: tracker.State(p.Name)}
	}
	c.JSON(http.StatusOK, gin.H{"paths": views})
}

func (s *Server) pathAttempts(c *gin.Context) {
	limit, err := intQuery(c, "limit", 50)
	if err != nil {
		abortWith(c, http.StatusBadRequest, err)
		return
	}
	name := c.Param("name")
	records, err := s.app.Ledger.ByPath(c.Request.Context(), name, limit)
	if err != nil {
		abortWith(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": name, "attempts": records})
}

func (s *Server) requireStore(c *gin.Context) bool {
	if s.app.Store == nil {
		abortWith(c, http.StatusNotImplemented, errors.New("no store configured"))
		return false
	}
	return true
}

func (s *Server) listEscalations(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	limit, err := intQuery(c, "limit", 50)
	if err != nil {
		abortWith(c, http.StatusBadRequest, err)
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		abortWith(c, http.StatusBadRequest, err)
		return
	}

	escalations, err := s.app.Store.ListEscalations(c.Request.Context(), stores.EscalationQuery{
		PendingOnly: c.Query("pending") == "true",
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		abortWith(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escalations": escalations})
}

func (s *Server) getEscalation(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	esc, err := s.app.Store.GetEscalation(c.Request.Context(), c.Param("id"))
	if errors.Is(err, stores.ErrNotFound) {
		abortWith(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		abortWith(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, esc)
}

type ackRequest struct {
	Actor string `json:"actor" binding:"required"`
}

func (s *Server) acknowledgeEscalation(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	var req ackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, http.StatusBadRequest, err)
		return
	}

	id := c.Param("id")
	ctx := c.Request.Context()
	err := s.app.Store.AcknowledgeEscalation(ctx, id, req.Actor, time.Now().UTC())
	switch {
	case errors.Is(err, stores.ErrNotFound):
		abortWith(c, http.StatusNotFound, err)
		return
	case err != nil:
		abortWith(c, http.StatusConflict, err)
		return
	}

	if err := s.app.Store.CreateAuditEntry(ctx, &stores.AuditEntry{
		Action:    "escalation.acknowledged",
		Actor:     req.Actor,
		TargetID:  &id,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		s.logger.Warn().Err(err).Str("escalation_id", id).Msg("Failed to write audit entry")
	}

	esc, err := s.app.Store.GetEscalation(ctx, id)
	if err != nil {
		abortWith(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, esc)
}
