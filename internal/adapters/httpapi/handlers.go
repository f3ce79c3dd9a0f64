package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"execledger/internal/domain"
)

func (s *Server) submitOrder(c *gin.Context) {
	var req domain.OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "submitOrder", "invalid order body: %v", err)
		return
	}
	order, err := s.adapter.SubmitOrder(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) listOrders(c *gin.Context) {
	filter := domain.OrderFilter{Status: strings.ToLower(c.DefaultQuery("status", "open"))}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.badRequest(c, "getOrders", "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if v := c.Query("after"); v != "" {
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.badRequest(c, "getOrders", "after must be RFC3339")
			return
		}
		filter.After = at
	}
	if v := c.Query("symbols"); v != "" {
		for _, sym := range strings.Split(v, ",") {
			if sym = strings.ToUpper(strings.TrimSpace(sym)); sym != "" {
				filter.Symbols = append(filter.Symbols, sym)
			}
		}
	}
	orders, err := s.adapter.GetOrders(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	if orders == nil {
		orders = []*domain.Order{}
	}
	c.JSON(http.StatusOK, orders)
}

func (s *Server) getOrder(c *gin.Context) {
	order, err := s.adapter.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) replaceOrder(c *gin.Context) {
	var req domain.ReplaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "replaceOrder", "invalid replace body: %v", err)
		return
	}
	order, err := s.adapter.ReplaceOrder(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) cancelOrder(c *gin.Context) {
	if err := s.adapter.CancelOrder(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func decimalQuery(c *gin.Context, key string) (decimal.Decimal, bool) {
	v := c.Query(key)
	if v == "" {
		return decimal.Zero, true
	}
	d, err := decimal.NewFromString(v)
	return d, err == nil
}

// timeQuery accepts RFC 3339 or unix milliseconds.
func timeQuery(c *gin.Context, key string) (time.Time, bool) {
	v := c.Query(key)
	if v == "" {
		return time.Time{}, true
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), true
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	return t, err == nil
}

func (s *Server) closePosition(c *gin.Context) {
	const op = "closePosition"
	var req domain.CloseRequest
	var ok bool
	if req.Percentage, ok = decimalQuery(c, "percentage"); !ok {
		s.badRequest(c, op, "percentage must be a number")
		return
	}
	if req.Qty, ok = decimalQuery(c, "qty"); !ok {
		s.badRequest(c, op, "qty must be a number")
		return
	}
	if req.Price, ok = decimalQuery(c, "price"); !ok {
		s.badRequest(c, op, "price must be a number")
		return
	}
	// A retried close carrying the same at maps to the same ledger action.
	if req.At, ok = timeQuery(c, "at"); !ok {
		s.badRequest(c, op, "at must be RFC 3339 or unix milliseconds")
		return
	}
	req.Reason = domain.Reason(strings.ToUpper(c.Query("reason")))
	if req.Reason == "" {
		req.Reason = domain.ReasonManual
	}
	res, err := s.adapter.ClosePosition(c.Request.Context(), c.Param("symbol"), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) listPositions(c *gin.Context) {
	positions, err := s.adapter.GetPositions(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if positions == nil {
		positions = []domain.PositionSnapshot{}
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) getPosition(c *gin.Context) {
	pos, err := s.adapter.GetPosition(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (s *Server) getAccount(c *gin.Context) {
	acct, err := s.adapter.GetAccount(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

// postIntents accepts one intent or an array of them.
func (s *Server) postIntents(c *gin.Context) {
	const op = "postIntents"
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.badRequest(c, op, "unreadable body: %v", err)
		return
	}
	var intents []domain.Intent
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &intents)
	} else {
		var one domain.Intent
		err = json.Unmarshal(trimmed, &one)
		intents = append(intents, one)
	}
	if err != nil {
		s.badRequest(c, op, "invalid intent body: %v", err)
		return
	}
	queued, err := s.intents.Push(intents...)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": queued})
}

type pricePrint struct {
	Symbol string          `json:"symbol" binding:"required"`
	Price  decimal.Decimal `json:"price"`
	At     time.Time       `json:"at"`
}

func (s *Server) postPrices(c *gin.Context) {
	const op = "postPrices"
	var prints []pricePrint
	if err := c.ShouldBindJSON(&prints); err != nil {
		s.badRequest(c, op, "invalid price body: %v", err)
		return
	}
	for _, p := range prints {
		if !p.Price.IsPositive() {
			s.badRequest(c, op, "price of %s must be positive", p.Symbol)
			return
		}
	}
	for _, p := range prints {
		s.lifecycle.UpdatePrice(p.Symbol, p.Price, p.At)
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listTrades(c *gin.Context) {
	c.JSON(http.StatusOK, s.lifecycle.Trades())
}
