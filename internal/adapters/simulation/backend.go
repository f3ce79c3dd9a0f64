// Package simulation is the instant-fill execution backend. Every order fills
// synchronously at the caller's reference price and is written straight to the
// ledger.
package simulation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"execledger/internal/domain"
	"execledger/internal/ledger"
	"execledger/internal/ports"
	"execledger/internal/risk"
)

// Name is the backend name reported by Name().
const Name = "simulation"

// Config holds the dependencies of the simulation backend.
type Config struct {
	Ledger *ledger.Ledger
	Risk   *risk.RiskManager // Optional; buying power is always checked
	Logger ports.Logger
	Now    func() time.Time // Optional clock, defaults to time.Now
}

// Backend implements ports.ExecutionAdapter without a broker.
type Backend struct {
	ledger *ledger.Ledger
	risk   *risk.RiskManager
	logger ports.Logger
	now    func() time.Time

	mu     sync.RWMutex
	orders map[string]*domain.Order
	marks  map[string]decimal.Decimal
}

// New creates a simulation backend.
func New(cfg Config) (*Backend, error) {
	if cfg.Ledger == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("simulation backend requires a ledger and a logger: %w", ports.ErrConfiguration)
	}
	b := &Backend{
		ledger: cfg.Ledger,
		risk:   cfg.Risk,
		logger: cfg.Logger,
		now:    cfg.Now,
		orders: make(map[string]*domain.Order),
		marks:  make(map[string]decimal.Decimal),
	}
	if b.risk == nil {
		b.risk = risk.NewRiskManager(risk.RiskConfig{})
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b, nil
}

func (b *Backend) Name() string { return Name }

// UpdatePrice sets the mark used for fills without a reference price and for
// position valuation.
func (b *Backend) UpdatePrice(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	b.mu.Lock()
	b.marks[strings.ToUpper(symbol)] = price
	b.mu.Unlock()
}

func (b *Backend) mark(symbol string) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.marks[symbol]
}

func (b *Backend) markSnapshot() map[string]decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(b.marks))
	for k, v := range b.marks {
		out[k] = v
	}
	return out
}

func (b *Backend) at(ts time.Time) time.Time {
	if ts.IsZero() {
		ts = b.now()
	}
	return domain.LogicalTime(ts)
}

// SubmitOrder fills an entry at the reference price.
func (b *Backend) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	op := "submitOrder"
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	// A caller key names one entry regardless of when it is resubmitted.
	if existing, err := b.ledger.EntryByClientOrderID(ctx, req.ClientOrderID); err != nil {
		return nil, err
	} else if existing != nil {
		b.logger.Info(ctx, op+": Client order already filled, returning existing order", map[string]interface{}{
			"clientOrderID": req.ClientOrderID,
			"actionID":      existing.ID,
		})
		return b.entryOrder(ctx, req, *existing)
	}
	price := req.EntryPrice()
	if !price.IsPositive() {
		price = b.mark(req.Symbol)
	}
	if !price.IsPositive() {
		return nil, domain.Validationf(op, "no reference price for %s", req.Symbol)
	}
	dir := domain.DirectionFor(req.Side)
	ts := b.at(req.SubmittedAt)

	book, open, err := b.ledger.OpenBook(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	posID := req.PositionID
	if open {
		posID = book.Position.ID
	}
	if posID == "" {
		posID = uuid.New().String()
	}

	actionID := domain.ActionID(posID, domain.ActionEntry, ts)
	if existing, err := b.ledger.Action(ctx, actionID); err != nil {
		return nil, err
	} else if existing != nil {
		b.logger.Info(ctx, op+": Entry already recorded, returning existing order", map[string]interface{}{
			"actionID": actionID,
		})
		return b.entryOrder(ctx, req, *existing)
	}

	if open && book.Position.Direction != dir {
		return nil, domain.Validationf(op, "%s has an open %s position; close it before entering %s",
			req.Symbol, book.Position.Direction, dir)
	}
	if !open {
		if prev, err := b.ledger.Book(ctx, posID); err == nil {
			if !prev.Position.IsOpen() {
				return nil, domain.Validationf(op, "position %s is closed and cannot be reopened", posID)
			}
			return nil, domain.Validationf(op, "position id %s is in use by %s", posID, prev.Position.Symbol)
		}
	}

	acct, err := b.ledger.Account(ctx, b.markSnapshot())
	if err != nil {
		return nil, err
	}
	check := risk.EntryCheck{Symbol: req.Symbol, Direction: dir, Qty: req.Qty, Price: price}
	if open {
		check.Existing = &book.Position
	}
	if err := b.risk.CheckEntry(ctx, check, *acct); err != nil {
		b.logger.Warn(ctx, op+": Entry rejected", map[string]interface{}{
			"symbol": req.Symbol,
			"qty":    req.Qty.String(),
			"reason": domain.ReasonOf(err),
		})
		return nil, err
	}

	tr, err := book.Enter(domain.EntryParams{
		PositionID:    posID,
		Symbol:        req.Symbol,
		Direction:     dir,
		Qty:           req.Qty,
		Price:         price,
		StopPrice:     req.StopLevel(),
		TakeProfit:    req.TargetLevel(),
		At:            ts,
		ClientOrderID: req.ClientOrderID,
	})
	if err != nil {
		return nil, err
	}
	setLegIDs(&tr.After.Position)

	rec, err := b.ledger.Record(ctx, tr)
	if err != nil {
		return nil, err
	}
	b.risk.RecordAction(ctx, rec.Action)
	b.logger.Info(ctx, op+": Entry filled", map[string]interface{}{
		"positionID": posID,
		"symbol":     req.Symbol,
		"qty":        req.Qty.String(),
		"price":      price.String(),
	})
	return b.entryOrder(ctx, req, rec.Action)
}

func setLegIDs(p *domain.Position) {
	if p.StopPrice.IsPositive() && p.StopOrderID == "" {
		p.StopOrderID = p.ID + "-SL"
	}
	if p.TakeProfit.IsPositive() && p.TakeProfitOrderID == "" {
		p.TakeProfitOrderID = p.ID + "-TP"
	}
}

// entryOrder builds the filled entry order and its held legs, and caches them.
func (b *Backend) entryOrder(ctx context.Context, req domain.OrderRequest, a domain.ExecutionAction) (*domain.Order, error) {
	o := orderFromAction(a)
	o.Type = req.Type
	o.TimeInForce = req.TimeInForce
	o.Class = req.Class
	o.LimitPrice = req.LimitPrice
	o.StopPrice = req.StopPrice
	if req.ClientOrderID != "" {
		o.ClientOrderID = req.ClientOrderID
	}

	pos, err := b.ledger.Position(ctx, a.PositionID)
	if err != nil {
		return nil, err
	}
	if req.Class != domain.ClassSimple {
		o.Legs = legOrders(pos)
	}

	b.mu.Lock()
	b.orders[o.ID] = o
	b.mu.Unlock()
	b.refreshLegs(pos)
	return o, nil
}

// legOrders derives the held bracket legs of an open position.
func legOrders(p *domain.Position) []domain.Order {
	if !p.IsOpen() {
		return nil
	}
	exit := p.Direction.EntrySide().Opposite()
	var legs []domain.Order
	if p.TakeProfitOrderID != "" {
		legs = append(legs, domain.Order{
			ID:            p.TakeProfitOrderID,
			ClientOrderID: p.TakeProfitOrderID,
			PositionID:    p.ID,
			Symbol:        p.Symbol,
			Side:          exit,
			Type:          domain.OrderTypeLimit,
			TimeInForce:   domain.TIFGTC,
			Class:         domain.ClassBracket,
			Status:        domain.OrderHeld,
			Qty:           p.OpenQty,
			FilledQty:     decimal.Zero,
			LimitPrice:    p.TakeProfit,
			SubmittedAt:   p.EntryAt,
		})
	}
	if p.StopOrderID != "" {
		legs = append(legs, domain.Order{
			ID:            p.StopOrderID,
			ClientOrderID: p.StopOrderID,
			PositionID:    p.ID,
			Symbol:        p.Symbol,
			Side:          exit,
			Type:          domain.OrderTypeStop,
			TimeInForce:   domain.TIFGTC,
			Class:         domain.ClassBracket,
			Status:        domain.OrderHeld,
			Qty:           p.OpenQty,
			FilledQty:     decimal.Zero,
			StopPrice:     p.StopPrice,
			SubmittedAt:   p.EntryAt,
		})
	}
	return legs
}

// orderFromAction renders a filled market order for a ledger action.
func orderFromAction(a domain.ExecutionAction) *domain.Order {
	side := a.Direction.EntrySide()
	if a.IsClose() {
		side = side.Opposite()
	}
	filledAt := a.Timestamp
	clientID := a.ClientOrderID
	if clientID == "" {
		clientID = a.ID
	}
	return &domain.Order{
		ID:             a.ID,
		ClientOrderID:  clientID,
		PositionID:     a.PositionID,
		Symbol:         a.Symbol,
		Side:           side,
		Type:           domain.OrderTypeMarket,
		TimeInForce:    domain.TIFDay,
		Class:          domain.ClassSimple,
		Status:         domain.OrderFilled,
		Qty:            a.Qty,
		FilledQty:      a.Qty,
		FilledAvgPrice: a.Price,
		SubmittedAt:    a.Timestamp,
		FilledAt:       &filledAt,
	}
}

// GetOrder returns a cached order, or rebuilds it from the ledger.
func (b *Backend) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	b.mu.RLock()
	o, ok := b.orders[id]
	b.mu.RUnlock()
	if ok {
		cp := *o
		return &cp, nil
	}
	a, err := b.ledger.Action(ctx, id)
	if err != nil {
		return nil, err
	}
	if a != nil && a.Type != domain.ActionSLTighten {
		return orderFromAction(*a), nil
	}
	if pos, err := b.ledger.FindByOrderRef(ctx, id); err == nil && pos != nil {
		for _, leg := range legOrders(pos) {
			if leg.ID == id {
				return &leg, nil
			}
		}
	}
	return nil, domain.NotFoundf("getOrder", "order %s not found", id)
}

// GetOrders lists cached orders, newest first.
func (b *Backend) GetOrders(ctx context.Context, filter domain.OrderFilter) ([]*domain.Order, error) {
	b.mu.RLock()
	out := make([]*domain.Order, 0, len(b.orders))
	for _, o := range b.orders {
		if filter.Matches(o) {
			cp := *o
			out = append(out, &cp)
		}
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ReplaceOrder moves the stop and/or target of the position id refers to.
func (b *Backend) ReplaceOrder(ctx context.Context, id string, req domain.ReplaceRequest) (*domain.Order, error) {
	op := "replaceOrder"
	pos, err := b.ledger.FindByOrderRef(ctx, id)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, domain.NotFoundf(op, "order %s not found", id)
	}
	if !pos.IsOpen() {
		return nil, domain.NotFoundf(op, "position %s is closed", pos.ID)
	}
	if req.Qty.IsPositive() && !req.Qty.Equal(pos.OpenQty) {
		return nil, domain.Validationf(op, "leg quantity follows the position; use closePosition to change size")
	}
	ts := b.at(req.At)
	actionID := domain.ActionID(pos.ID, domain.ActionSLTighten, ts)
	if existing, err := b.ledger.Action(ctx, actionID); err != nil {
		return nil, err
	} else if existing != nil {
		return b.legResult(ctx, pos.ID, req)
	}

	book, err := b.ledger.Book(ctx, pos.ID)
	if err != nil {
		return nil, err
	}
	ref := req.ReferencePrice
	if !ref.IsPositive() {
		ref = b.mark(pos.Symbol)
	}
	tr, err := book.AdjustStop(domain.StopParams{
		StopPrice:  req.StopPrice,
		TakeProfit: req.LimitPrice,
		Reference:  ref,
		At:         ts,
		Reason:     req.Reason,
	})
	if err != nil {
		return nil, err
	}
	setLegIDs(&tr.After.Position)
	rec, err := b.ledger.Record(ctx, tr)
	if err != nil {
		return nil, err
	}
	b.logger.Info(ctx, op+": Protective levels updated", map[string]interface{}{
		"positionID": pos.ID,
		"stop":       rec.Position.StopPrice.String(),
		"takeProfit": rec.Position.TakeProfit.String(),
		"reason":     rec.Action.Reason,
	})
	return b.legResult(ctx, pos.ID, req)
}

func (b *Backend) legResult(ctx context.Context, positionID string, req domain.ReplaceRequest) (*domain.Order, error) {
	pos, err := b.ledger.Position(ctx, positionID)
	if err != nil {
		return nil, err
	}
	b.refreshLegs(pos)
	want := pos.StopOrderID
	if !req.StopPrice.IsPositive() {
		want = pos.TakeProfitOrderID
	}
	for _, leg := range legOrders(pos) {
		if leg.ID == want {
			return &leg, nil
		}
	}
	return nil, domain.NotFoundf("replaceOrder", "no leg on position %s", positionID)
}

// refreshLegs updates cached legs after the position changed.
func (b *Backend) refreshLegs(pos *domain.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range []string{pos.StopOrderID, pos.TakeProfitOrderID} {
		if id == "" {
			continue
		}
		if _, cached := b.orders[id]; cached && !pos.IsOpen() {
			b.orders[id].Status = domain.OrderCanceled
		}
	}
	for _, leg := range legOrders(pos) {
		leg := leg
		if prev, ok := b.orders[leg.ID]; ok && prev.Status == domain.OrderCanceled {
			continue
		}
		b.orders[leg.ID] = &leg
	}
}

// CancelOrder cancels a held bracket leg. Filled orders are a no-op.
func (b *Backend) CancelOrder(ctx context.Context, id string) error {
	b.mu.Lock()
	o, ok := b.orders[id]
	if ok {
		if !o.Status.IsTerminal() {
			o.Status = domain.OrderCanceled
		}
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	a, err := b.ledger.Action(ctx, id)
	if err != nil {
		return err
	}
	if a != nil {
		return nil
	}
	return domain.NotFoundf("cancelOrder", "order %s not found", id)
}

// ClosePosition trims or exits the open position of symbol at the request
// price, else the current mark.
func (b *Backend) ClosePosition(ctx context.Context, symbol string, req domain.CloseRequest) (*domain.CloseResult, error) {
	op := "closePosition"
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	ts := b.at(req.At)

	book, open, err := b.ledger.OpenBook(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !open {
		if res, ok := b.recordedClose(ctx, symbol, ts); ok {
			return res, nil
		}
		return nil, domain.NotFoundf(op, "no open position for %s", symbol)
	}
	pos := book.Position
	for _, typ := range []domain.ActionType{domain.ActionTrim, domain.ActionExit} {
		existing, err := b.ledger.Action(ctx, domain.ActionID(pos.ID, typ, ts))
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return b.closeResult(ctx, *existing)
		}
	}

	qty, err := req.Size(pos.OpenQty)
	if err != nil {
		return nil, err
	}
	price := req.Price
	if !price.IsPositive() {
		price = b.mark(symbol)
	}
	if !price.IsPositive() {
		return nil, domain.Validationf(op, "no exit price for %s", symbol)
	}

	tr, err := book.Close(domain.CloseParams{Qty: qty, Price: price, At: ts, Reason: req.Reason})
	if err != nil {
		return nil, err
	}
	rec, err := b.ledger.Record(ctx, tr)
	if err != nil {
		return nil, err
	}
	b.risk.RecordAction(ctx, rec.Action)
	b.logger.Info(ctx, op+": Position reduced", map[string]interface{}{
		"positionID":  pos.ID,
		"symbol":      symbol,
		"type":        rec.Action.Type,
		"qty":         qty.String(),
		"price":       price.String(),
		"realizedPnL": rec.Action.RealizedPnL.String(),
		"status":      rec.Position.Status,
	})
	return b.closeResult(ctx, rec.Action)
}

// recordedClose finds an EXIT already recorded at ts for symbol, so a retried
// full close is answered instead of reported missing.
func (b *Backend) recordedClose(ctx context.Context, symbol string, ts time.Time) (*domain.CloseResult, bool) {
	closed, err := b.ledger.Positions(ctx, ports.PositionFilter{Symbol: symbol, Closed: true})
	if err != nil {
		return nil, false
	}
	for _, p := range closed {
		a, err := b.ledger.Action(ctx, domain.ActionID(p.ID, domain.ActionExit, ts))
		if err != nil || a == nil {
			continue
		}
		res, err := b.closeResult(ctx, *a)
		return res, err == nil
	}
	return nil, false
}

func (b *Backend) closeResult(ctx context.Context, a domain.ExecutionAction) (*domain.CloseResult, error) {
	pos, err := b.ledger.Position(ctx, a.PositionID)
	if err != nil {
		return nil, err
	}
	o := orderFromAction(a)
	b.mu.Lock()
	b.orders[o.ID] = o
	b.mu.Unlock()
	b.refreshLegs(pos)
	action := a
	return &domain.CloseResult{Order: o, Action: &action, Position: pos}, nil
}

// GetPositions returns snapshots of all open positions.
func (b *Backend) GetPositions(ctx context.Context) ([]domain.PositionSnapshot, error) {
	open, err := b.ledger.OpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PositionSnapshot, 0, len(open))
	for i := range open {
		out = append(out, open[i].Snapshot(b.mark(open[i].Symbol)))
	}
	return out, nil
}

// GetPosition returns the open position of symbol.
func (b *Backend) GetPosition(ctx context.Context, symbol string) (*domain.PositionSnapshot, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	book, open, err := b.ledger.OpenBook(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !open {
		return nil, domain.NotFoundf("getPosition", "no open position for %s", symbol)
	}
	snap := book.Position.Snapshot(b.mark(symbol))
	return &snap, nil
}

// GetAccount derives the account from the ledger at current marks.
func (b *Backend) GetAccount(ctx context.Context) (*domain.Account, error) {
	return b.ledger.Account(ctx, b.markSnapshot())
}

var (
	_ ports.ExecutionAdapter = (*Backend)(nil)
	_ ports.PriceUpdater     = (*Backend)(nil)
)
