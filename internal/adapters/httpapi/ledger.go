package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"execledger/internal/analytics"
	"execledger/internal/domain"
	"execledger/internal/ports"
)

func (s *Server) ledgerPositions(c *gin.Context) {
	filter := ports.PositionFilter{Symbol: strings.ToUpper(c.Query("symbol"))}
	switch strings.ToLower(c.Query("status")) {
	case "", "all":
	case "open":
		filter.OpenOnly = true
	case "closed":
		filter.Closed = true
	default:
		s.badRequest(c, "listPositions", "status must be open, closed or all")
		return
	}
	positions, err := s.ledger.Positions(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) ledgerPosition(c *gin.Context) {
	pos, err := s.ledger.Position(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (s *Server) ledgerActions(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := s.ledger.Book(ctx, c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	actions, err := s.ledger.History(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if actions == nil {
		actions = []domain.ExecutionAction{}
	}
	c.JSON(http.StatusOK, actions)
}

func (s *Server) ledgerActionLog(c *gin.Context) {
	const op = "listActions"
	filter := ports.ActionFilter{Symbol: strings.ToUpper(c.Query("symbol"))}
	if v := c.Query("since"); v != "" {
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.badRequest(c, op, "since must be RFC3339")
			return
		}
		filter.Since = at
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.badRequest(c, op, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	actions, err := s.ledger.Actions(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	if actions == nil {
		actions = []domain.ExecutionAction{}
	}
	c.JSON(http.StatusOK, actions)
}

type verifyResponse struct {
	PositionID string   `json:"position_id"`
	OK         bool     `json:"ok"`
	Diffs      []string `json:"diffs"`
}

func (s *Server) ledgerVerify(c *gin.Context) {
	id := c.Param("id")
	diffs, err := s.ledger.Verify(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if diffs == nil {
		diffs = []string{}
	}
	c.JSON(http.StatusOK, verifyResponse{PositionID: id, OK: len(diffs) == 0, Diffs: diffs})
}

func (s *Server) ledgerVerifyAll(c *gin.Context) {
	mismatches, err := s.ledger.VerifyAll(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": len(mismatches) == 0, "mismatches": mismatches})
}

func (s *Server) ledgerReport(c *gin.Context) {
	positions, err := s.ledger.Positions(c.Request.Context(), ports.PositionFilter{Closed: true})
	if err != nil {
		s.fail(c, err)
		return
	}
	metrics := analytics.AnalyzePerformance(positions, s.ledger.InitialCash())
	c.JSON(http.StatusOK, gin.H{
		"metrics": metrics,
		"monthly": metrics.GetMonthlyReturns(),
	})
}
