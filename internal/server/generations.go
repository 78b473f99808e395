package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/aixgo-dev/genorch/internal/engine"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SessionIDHeader names the session of a generation response.
const SessionIDHeader = "X-Session-ID"

// createGeneration starts a session. By default the events are streamed
// as server-sent events named by kind; with ?stream=false the handler
// waits and returns the outcome. Closing the connection cancels the
// session.
func (s *Server) createGeneration(c *gin.Context) {
	var req engine.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	stream, err := strconv.ParseBool(c.DefaultQuery("stream", "true"))
	if err != nil {
		respondError(c, http.StatusBadRequest, ErrCodeBadRequest, "stream must be a boolean")
		return
	}

	run, err := s.deps.Engine.Start(c.Request.Context(), req)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.Header(SessionIDHeader, run.SessionID)

	if !stream {
		out := run.Wait()
		c.JSON(outcomeStatus(out), out)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	clientGone := c.Stream(func(w io.Writer) bool {
		ev, ok := <-run.Events()
		if !ok {
			return false
		}
		c.SSEvent(string(ev.Kind), ev)
		return true
	})
	out := run.Wait()
	if clientGone {
		s.deps.Logger.Info("generation client disconnected",
			zap.String("session_id", run.SessionID),
			zap.String("state", string(out.State)))
	}
}

// outcomeStatus maps admission failures onto HTTP statuses. Sessions that
// ran report their result in the body with 200.
func outcomeStatus(out engine.Outcome) int {
	switch out.Kind {
	case engine.KindInsufficientCredits:
		return http.StatusPaymentRequired
	case engine.KindFeatureNotAvailable:
		return http.StatusForbidden
	case engine.KindRateLimited, engine.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case engine.KindLedgerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusOK
	}
}

func (s *Server) listGenerations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"active": s.deps.Engine.Active()})
}

func (s *Server) cancelGeneration(c *gin.Context) {
	id := c.Param("id")
	if !s.deps.Engine.Cancel(id) {
		respondError(c, http.StatusNotFound, ErrCodeNotFound, "no active session "+id)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": id, "cancelled": true})
}
