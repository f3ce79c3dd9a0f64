// Package app is the trade lifecycle orchestrator. It turns signal intents into
// execution adapter calls and tracks each trade from NEW to its terminal status.
package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"execledger/internal/domain"
	"execledger/internal/ports"
	"execledger/internal/risk"
)

// PositionReader reads ledger snapshots. *ledger.Ledger satisfies it.
type PositionReader interface {
	Position(ctx context.Context, id string) (*domain.Position, error)
}

// Config holds the dependencies of the orchestrator.
type Config struct {
	Adapter            ports.ExecutionAdapter
	Intents            ports.IntentSource // Optional; an IntentQueue by default
	Prices             *PriceBook         // Optional
	Positions          PositionReader     // Optional; picks up fills that completed asynchronously
	Risk               *risk.RiskManager  // Optional; sizes and protects bare entries
	Logger             ports.Logger
	TrimPercent        decimal.Decimal // Share closed when the take-profit is hit, default 50
	BreakevenAfterTrim bool
	Parallelism        int // Tickers processed concurrently per tick, default 8
	Now                func() time.Time
}

// TradeLifecycle orchestrates trades over an execution adapter.
type TradeLifecycle struct {
	adapter     ports.ExecutionAdapter
	intents     ports.IntentSource
	prices      *PriceBook
	positions   PositionReader
	risk        *risk.RiskManager
	logger      ports.Logger
	trimPercent decimal.Decimal
	breakeven   bool
	parallelism int
	now         func() time.Time

	mu     sync.Mutex
	trades map[string]*Trade
}

// TickReport summarizes one batch tick.
type TickReport struct {
	Intents   int `json:"intents"`
	Tickers   int `json:"tickers"`
	Triggered int `json:"triggered"` // Bracket legs fired locally
	Failed    int `json:"failed"`
}

// NewTradeLifecycle creates the orchestrator.
func NewTradeLifecycle(cfg Config) (*TradeLifecycle, error) {
	if cfg.Adapter == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("trade lifecycle requires an execution adapter and a logger: %w", ports.ErrConfiguration)
	}
	s := &TradeLifecycle{
		adapter:     cfg.Adapter,
		intents:     cfg.Intents,
		prices:      cfg.Prices,
		positions:   cfg.Positions,
		risk:        cfg.Risk,
		logger:      cfg.Logger,
		trimPercent: cfg.TrimPercent,
		breakeven:   cfg.BreakevenAfterTrim,
		parallelism: cfg.Parallelism,
		now:         cfg.Now,
		trades:      make(map[string]*Trade),
	}
	if s.intents == nil {
		s.intents = NewIntentQueue()
	}
	if s.prices == nil {
		s.prices = NewPriceBook()
	}
	if !s.trimPercent.IsPositive() || s.trimPercent.GreaterThan(decimal.NewFromInt(100)) {
		s.trimPercent = decimal.NewFromInt(50)
	}
	if s.parallelism <= 0 {
		s.parallelism = 8
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Prices returns the price book fed by UpdatePrice.
func (s *TradeLifecycle) Prices() *PriceBook { return s.prices }

// UpdatePrice records a price print and forwards it to backends that mark
// positions locally.
func (s *TradeLifecycle) UpdatePrice(ticker string, price decimal.Decimal, at time.Time) {
	if at.IsZero() {
		at = s.now()
	}
	s.prices.Update(ticker, price, at)
	if pu, ok := s.adapter.(ports.PriceUpdater); ok {
		pu.UpdatePrice(normTicker(ticker), price)
	}
}

// Trade returns a copy of one trade.
func (s *TradeLifecycle) Trade(id string) (Trade, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[id]
	if !ok {
		return Trade{}, false
	}
	return *t, true
}

// Trades returns copies of all trades, oldest update first.
func (s *TradeLifecycle) Trades() []Trade {
	s.mu.Lock()
	out := make([]Trade, 0, len(s.trades))
	for _, t := range s.trades {
		out = append(out, *t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out
}

// update runs fn on the trade under the lock and returns a copy.
func (s *TradeLifecycle) update(id string, fn func(t *Trade)) Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[id]
	if !ok {
		t = &Trade{ID: id, Status: TradeNew}
		s.trades[id] = t
	}
	fn(t)
	return *t
}

// live finds the trade that owns the open position on ticker.
func (s *TradeLifecycle) live(ticker, positionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.trades {
		if t.Status.IsTerminal() || t.Ticker != ticker {
			continue
		}
		if positionID == "" || t.PositionID == positionID || id == positionID {
			return id, true
		}
	}
	return "", false
}

// Handle executes one intent and returns the trade it touched.
func (s *TradeLifecycle) Handle(ctx context.Context, in domain.Intent) (Trade, error) {
	in.Ticker = normTicker(in.Ticker)
	if in.At.IsZero() {
		in.At = s.now()
	}
	in.At = domain.LogicalTime(in.At)
	if !in.Price.IsPositive() {
		in.Price = s.prices.Last(in.Ticker)
	}
	if in.Ticker == "" {
		return Trade{}, domain.Validationf("handleIntent", "ticker is required")
	}

	switch in.Kind {
	case domain.IntentEnter:
		return s.enter(ctx, in)
	case domain.IntentTrim, domain.IntentExit:
		t, _, err := s.close(ctx, in)
		return t, err
	case domain.IntentTightenStop:
		return s.tighten(ctx, in)
	}
	return Trade{}, domain.Validationf("handleIntent", "unknown intent kind %q", in.Kind)
}

func (s *TradeLifecycle) enter(ctx context.Context, in domain.Intent) (Trade, error) {
	op := "enterTrade"
	if in.TradeID == "" {
		in.TradeID = uuid.New().String()
	}
	dir := domain.Direction(strings.ToUpper(string(in.Direction)))
	if dir == "" {
		dir = domain.Long
	}

	if t, ok := s.Trade(in.TradeID); ok && t.Status.IsTerminal() {
		s.logger.Debug(ctx, op+": Trade already finished, ignoring entry", map[string]interface{}{
			"tradeID": t.ID,
			"status":  t.Status,
		})
		return t, nil
	}
	s.update(in.TradeID, func(t *Trade) {
		t.Ticker = in.Ticker
		t.Direction = dir
		if t.UpdatedAt.IsZero() {
			t.UpdatedAt = in.At
		}
	})

	req, err := s.entryRequest(ctx, in, dir)
	if err != nil {
		return s.failEntry(ctx, op, in.TradeID, err), err
	}

	s.logger.Info(ctx, op+": Submitting entry", map[string]interface{}{
		"tradeID": in.TradeID,
		"symbol":  in.Ticker,
		"qty":     req.Qty.String(),
		"class":   req.Class,
	})
	order, err := s.adapter.SubmitOrder(ctx, req)
	if err != nil {
		return s.failEntry(ctx, op, in.TradeID, err), err
	}

	posID := order.PositionID
	if posID == "" {
		posID = req.PositionID
	}
	t := s.update(in.TradeID, func(t *Trade) {
		t.PositionID = posID
		t.UpdatedAt = in.At
		if order.IsFilled() && t.Status == TradeNew {
			t.Status = TradeOpen
			t.OpenQty = order.FilledQty
		}
	})
	if order.IsFilled() {
		t = s.refreshTrade(ctx, t.ID)
	}
	s.logger.Info(ctx, op+": Entry submitted", map[string]interface{}{
		"tradeID":    t.ID,
		"positionID": t.PositionID,
		"orderID":    order.ID,
		"status":     order.Status,
	})
	return t, nil
}

// entryRequest builds the order for an ENTER intent. Missing size and levels
// come from the risk manager when one is configured.
func (s *TradeLifecycle) entryRequest(ctx context.Context, in domain.Intent, dir domain.Direction) (domain.OrderRequest, error) {
	qty := in.Qty
	if !qty.IsPositive() && s.risk != nil && in.Price.IsPositive() {
		acct, err := s.adapter.GetAccount(ctx)
		if err != nil {
			return domain.OrderRequest{}, err
		}
		qty = s.risk.GetPositionSize(ctx, acct.PortfolioValue, in.Price)
	}
	stop, target := in.StopLoss, in.TakeProfit
	if s.risk != nil && in.Price.IsPositive() {
		if !stop.IsPositive() {
			stop = s.risk.GetStopLoss(ctx, in.Price, dir)
		}
		if !target.IsPositive() {
			target = s.risk.GetTakeProfit(ctx, in.Price, dir)
		}
	}

	// The first entry of a trade is keyed by the trade id; adds to an open
	// trade are keyed by their intent time.
	clientID := in.TradeID
	if t, ok := s.Trade(in.TradeID); ok && t.Status == TradeOpen {
		clientID = fmt.Sprintf("%s-ADD-%d", in.TradeID, domain.LogicalTime(in.At).UnixMilli())
	}
	req := domain.OrderRequest{
		PositionID:     in.TradeID,
		ClientOrderID:  clientID,
		Symbol:         in.Ticker,
		Qty:            qty,
		Side:           dir.EntrySide(),
		Type:           domain.OrderTypeMarket,
		TimeInForce:    domain.TIFDay,
		Class:          domain.ClassSimple,
		ReferencePrice: in.Price,
		SubmittedAt:    in.At,
	}
	if target.IsPositive() {
		req.TakeProfit = &domain.TakeProfitLeg{LimitPrice: target}
	}
	if stop.IsPositive() {
		req.StopLoss = &domain.StopLossLeg{StopPrice: stop}
	}
	switch {
	case req.TakeProfit != nil && req.StopLoss != nil:
		req.Class = domain.ClassBracket
	case req.TakeProfit != nil || req.StopLoss != nil:
		req.Class = domain.ClassOTO
	}
	return req, nil
}

// failEntry marks the trade REJECTED for validation and broker rejections.
// Anything else leaves it NEW so the intent can be retried.
func (s *TradeLifecycle) failEntry(ctx context.Context, op, id string, err error) Trade {
	switch domain.Kind(err) {
	case domain.ErrValidation, domain.ErrRejected:
		return s.reject(ctx, op, id, err)
	}
	s.logger.Error(ctx, err, op+": Entry failed, trade stays NEW", map[string]interface{}{"tradeID": id})
	t, _ := s.Trade(id)
	return t
}

func (s *TradeLifecycle) reject(ctx context.Context, op, id string, err error) Trade {
	reason := domain.ReasonOf(err)
	t := s.update(id, func(t *Trade) {
		t.Status = TradeRejected
		t.Reason = reason
		t.UpdatedAt = s.now()
	})
	s.logger.Warn(ctx, op+": Trade rejected", map[string]interface{}{
		"tradeID": id,
		"symbol":  t.Ticker,
		"reason":  reason,
	})
	return t
}

func (s *TradeLifecycle) close(ctx context.Context, in domain.Intent) (Trade, *domain.CloseResult, error) {
	op := "closeTrade"
	req := domain.CloseRequest{Price: in.Price, At: in.At, Reason: in.Reason}
	if in.Kind == domain.IntentExit {
		req.Percentage = decimal.NewFromInt(100)
		if req.Reason == "" {
			req.Reason = domain.ReasonSignalExit
		}
	} else {
		req.Percentage, req.Qty = in.Percentage, in.Qty
		if !req.Percentage.IsPositive() && !req.Qty.IsPositive() {
			req.Percentage = s.trimPercent
		}
		if req.Reason == "" {
			req.Reason = domain.ReasonTPTrim
		}
	}

	res, err := s.adapter.ClosePosition(ctx, in.Ticker, req)
	if err != nil {
		s.logger.Warn(ctx, op+": Close failed", map[string]interface{}{
			"symbol": in.Ticker,
			"kind":   in.Kind,
			"reason": domain.ReasonOf(err),
		})
		t, _ := s.Trade(in.TradeID)
		return t, nil, err
	}

	id := in.TradeID
	var posID string
	if res.Position != nil {
		posID = res.Position.ID
	}
	if id == "" {
		if found, ok := s.live(in.Ticker, posID); ok {
			id = found
		} else if posID != "" {
			id = posID
		} else {
			return Trade{Ticker: in.Ticker}, res, nil
		}
	}
	t := s.update(id, func(t *Trade) {
		t.Ticker = in.Ticker
		if res.Position != nil {
			if t.Direction == "" {
				t.Direction = res.Position.Direction
			}
			t.observe(res.Position, in.At)
		}
	})
	fields := map[string]interface{}{
		"tradeID": t.ID,
		"symbol":  t.Ticker,
		"status":  t.Status,
	}
	if res.Action != nil {
		fields["actionID"] = res.Action.ID
		fields["pnl"] = res.Action.RealizedPnL.String()
	}
	s.logger.Info(ctx, op+": Close executed", fields)
	return t, res, nil
}

func (s *TradeLifecycle) tighten(ctx context.Context, in domain.Intent) (Trade, error) {
	op := "tightenStop"
	ref := ""
	if t, ok := s.Trade(in.TradeID); ok {
		ref = t.PositionID
	}
	if ref == "" {
		snap, err := s.adapter.GetPosition(ctx, in.Ticker)
		if err != nil {
			return Trade{}, err
		}
		ref = snap.PositionID
	}
	if ref == "" {
		return Trade{}, domain.NotFoundf(op, "no managed position for %s", in.Ticker)
	}
	reason := in.Reason
	if reason == "" {
		reason = domain.ReasonSLTighten
	}

	_, err := s.adapter.ReplaceOrder(ctx, ref, domain.ReplaceRequest{
		Symbol:         in.Ticker,
		StopPrice:      in.StopLoss,
		LimitPrice:     in.TakeProfit,
		ReferencePrice: in.Price,
		At:             in.At,
		Reason:         reason,
	})
	if err != nil {
		s.logger.Warn(ctx, op+": Stop adjustment failed", map[string]interface{}{
			"symbol": in.Ticker,
			"reason": domain.ReasonOf(err),
		})
		t, _ := s.Trade(in.TradeID)
		return t, err
	}

	id := in.TradeID
	if id == "" {
		if found, ok := s.live(in.Ticker, ref); ok {
			id = found
		} else {
			id = ref
		}
	}
	s.update(id, func(t *Trade) {
		t.Ticker = in.Ticker
		if t.PositionID == "" {
			t.PositionID = ref
		}
		t.UpdatedAt = in.At
	})
	s.logger.Info(ctx, op+": Stop adjusted", map[string]interface{}{
		"tradeID":    id,
		"positionID": ref,
		"stop":       in.StopLoss.String(),
		"reason":     reason,
	})
	return s.refreshTrade(ctx, id), nil
}

// refreshTrade re-reads the trade's position from the ledger.
func (s *TradeLifecycle) refreshTrade(ctx context.Context, id string) Trade {
	t, ok := s.Trade(id)
	if !ok || s.positions == nil || t.PositionID == "" || t.Status.IsTerminal() {
		return t
	}
	pos, err := s.positions.Position(ctx, t.PositionID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn(ctx, "refreshTrade: Failed to read position", map[string]interface{}{
				"tradeID":    id,
				"positionID": t.PositionID,
				"error":      err.Error(),
			})
		}
		return t
	}
	if pos == nil {
		return t
	}
	at := pos.LastActionAt
	return s.update(id, func(t *Trade) {
		if t.Direction == "" {
			t.Direction = pos.Direction
		}
		t.observe(pos, at)
	})
}

// RunTick processes one batch: it records pending fills, drains intents,
// and runs each ticker's intents in arrival order with tickers in parallel.
// Backends without native brackets get their stop and take-profit levels
// evaluated against the prices seen since the previous tick. A failing
// ticker never stops the others.
func (s *TradeLifecycle) RunTick(ctx context.Context) (TickReport, error) {
	var report TickReport
	if ps, ok := s.adapter.(ports.PendingSyncer); ok {
		if err := ps.SyncPending(ctx); err != nil {
			s.logger.Warn(ctx, "runTick: Pending fill sync incomplete", map[string]interface{}{"error": err.Error()})
		}
	}

	intents, err := s.intents.Drain(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to drain intents: %w", err)
	}
	report.Intents = len(intents)

	groups := make(map[string][]domain.Intent)
	var tickers []string
	for _, in := range intents {
		tk := normTicker(in.Ticker)
		if _, ok := groups[tk]; !ok {
			tickers = append(tickers, tk)
		}
		groups[tk] = append(groups[tk], in)
	}

	evaluate := true
	if bo, ok := s.adapter.(ports.BracketOwner); ok && bo.NativeBrackets() {
		evaluate = false
	}
	if evaluate {
		open, err := s.adapter.GetPositions(ctx)
		if err != nil {
			s.logger.Warn(ctx, "runTick: Failed to list positions for bracket checks", map[string]interface{}{"error": err.Error()})
		}
		for _, p := range open {
			if _, ok := groups[p.Symbol]; !ok {
				groups[p.Symbol] = nil
				tickers = append(tickers, p.Symbol)
			}
		}
	}
	report.Tickers = len(tickers)

	var (
		mu        sync.Mutex
		errs      []error
		triggered int
	)
	var g errgroup.Group
	g.SetLimit(s.parallelism)
	for _, tk := range tickers {
		tk, batch := tk, groups[tk]
		g.Go(func() error {
			fired, err := s.runTicker(ctx, tk, batch, evaluate)
			mu.Lock()
			defer mu.Unlock()
			if fired {
				triggered++
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", tk, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	s.refreshAll(ctx)
	report.Triggered = triggered
	report.Failed = len(errs)
	if report.Intents > 0 || triggered > 0 || len(errs) > 0 {
		s.logger.Info(ctx, "runTick: Tick completed", map[string]interface{}{
			"intents":   report.Intents,
			"tickers":   report.Tickers,
			"triggered": report.Triggered,
			"failed":    report.Failed,
		})
	}
	return report, errors.Join(errs...)
}

func (s *TradeLifecycle) runTicker(ctx context.Context, ticker string, batch []domain.Intent, evaluate bool) (bool, error) {
	var errs []error
	for _, in := range batch {
		if _, err := s.Handle(ctx, in); err != nil {
			errs = append(errs, err)
		}
	}
	if !evaluate {
		return false, errors.Join(errs...)
	}
	fired, err := s.evaluateBracket(ctx, ticker)
	if err != nil {
		errs = append(errs, err)
	}
	return fired, errors.Join(errs...)
}

// evaluateBracket fires the stop or take-profit of the open position on
// ticker. The stop wins when one range satisfies both. The take-profit trims
// TrimPercent once and may move the stop to breakeven; after that the rest
// rides on the stop or an EXIT intent.
func (s *TradeLifecycle) evaluateBracket(ctx context.Context, ticker string) (bool, error) {
	op := "evaluateBracket"
	low, high, ok := s.prices.Range(ticker)
	if !ok {
		return false, nil
	}
	snap, err := s.adapter.GetPosition(ctx, ticker)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if snap == nil || snap.PositionID == "" {
		return false, nil
	}
	pos := &domain.Position{
		ID:            snap.PositionID,
		Symbol:        snap.Symbol,
		Direction:     directionOf(snap.Side),
		Status:        snap.Status,
		AvgEntryPrice: snap.AvgEntryPrice,
		StopPrice:     snap.StopPrice,
	}
	if pos.Status == domain.StatusOpen {
		pos.TakeProfit = snap.TakeProfit
	}
	s.prices.Reset(ticker)
	hit, ok := domain.EvaluateBracket(pos, low, high)
	if !ok {
		return false, nil
	}

	tradeID, _ := s.live(ticker, pos.ID)
	at := domain.LogicalTime(s.now())
	s.logger.Info(ctx, op+": Bracket level crossed", map[string]interface{}{
		"positionID": pos.ID,
		"symbol":     ticker,
		"reason":     hit.Reason,
		"price":      hit.Price.String(),
		"low":        low.String(),
		"high":       high.String(),
	})

	in := domain.Intent{TradeID: tradeID, Ticker: ticker, Price: hit.Price, At: at}
	if hit.Reason == domain.ReasonStopLoss {
		in.Kind, in.Reason = domain.IntentExit, domain.ReasonStopLoss
	} else {
		in.Kind, in.Reason, in.Percentage = domain.IntentTrim, domain.ReasonTPTrim, s.trimPercent
	}
	_, res, err := s.close(ctx, in)
	if err != nil {
		return true, err
	}
	if in.Kind != domain.IntentTrim || !s.breakeven || res == nil || res.Position == nil || !res.Position.IsOpen() {
		return true, nil
	}

	_, err = s.tighten(ctx, domain.Intent{
		Kind:     domain.IntentTightenStop,
		TradeID:  tradeID,
		Ticker:   ticker,
		StopLoss: res.Position.AvgEntryPrice,
		Price:    hit.Price,
		Reason:   domain.ReasonSLBreakeven,
		At:       at.Add(time.Millisecond),
	})
	if err != nil {
		// The trim stands; the stop stays where it was.
		s.logger.Warn(ctx, op+": Breakeven stop not applied", map[string]interface{}{
			"positionID": pos.ID,
			"reason":     domain.ReasonOf(err),
		})
	}
	return true, nil
}

func (s *TradeLifecycle) refreshAll(ctx context.Context) {
	if s.positions == nil {
		return
	}
	s.mu.Lock()
	ids := make([]string, 0, len(s.trades))
	for id, t := range s.trades {
		if !t.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.refreshTrade(ctx, id)
	}
}

func directionOf(side string) domain.Direction {
	if strings.EqualFold(side, "short") {
		return domain.Short
	}
	return domain.Long
}
