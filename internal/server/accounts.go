package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/aixgo-dev/genorch/pkg/credits"
	"github.com/gin-gonic/gin"
)

const defaultUsageLimit = 50

func (s *Server) getBalance(c *gin.Context) {
	userID := c.Param("id")
	balance, err := s.deps.Ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "balance": balance})
}

func (s *Server) getUsage(c *gin.Context) {
	userID := c.Param("id")
	limit := defaultUsageLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(c, http.StatusBadRequest, ErrCodeBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, ErrCodeBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}
	entries, err := s.deps.Ledger.Usage(c.Request.Context(), userID, limit)
	if err != nil {
		respondErr(c, err)
		return
	}
	if entries == nil {
		entries = []credits.UsageEntry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id": userID,
		"entries": entries,
		"totals":  credits.SummarizeUsage(entries, since),
	})
}

type setPlanRequest struct {
	Plan string `json:"plan" binding:"required"`
}

func (s *Server) setPlan(c *gin.Context) {
	var req setPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	plan, err := credits.ParsePlan(req.Plan)
	if err != nil {
		respondError(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	userID := c.Param("id")
	if err := s.deps.Ledger.SetPlan(c.Request.Context(), userID, plan); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "plan": plan})
}

func (s *Server) replenish(c *gin.Context) {
	userID := c.Param("id")
	balance, err := s.deps.Ledger.Replenish(c.Request.Context(), userID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "balance": balance})
}
