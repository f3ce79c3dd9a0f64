package alpaca

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"execledger/internal/domain"
	"execledger/internal/ledger"
	"execledger/internal/ports"
)

// Config holds the dependencies of the brokered backend.
type Config struct {
	Client *Client
	Ledger *ledger.Ledger
	Logger ports.Logger
	Name   string           // Reported by Name(), e.g. paper or live
	Now    func() time.Time // Optional clock, defaults to time.Now
}

type fillKind int

const (
	fillEntry fillKind = iota
	fillClose
)

// pendingFill is what the ledger needs once a broker order fills.
type pendingFill struct {
	kind          fillKind
	orderID       string
	clientOrderID string
	positionID    string
	symbol        string
	direction     domain.Direction
	at            time.Time // Logical timestamp of the action id
	stop          decimal.Decimal
	target        decimal.Decimal
	reason        domain.Reason
}

// Backend implements ports.ExecutionAdapter against a broker. The broker is
// the system of record; the ledger follows its fills.
type Backend struct {
	client *Client
	ledger *ledger.Ledger
	logger ports.Logger
	name   string
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]pendingFill // by broker order id
}

// New creates a brokered backend.
func New(cfg Config) (*Backend, error) {
	if cfg.Client == nil || cfg.Ledger == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("broker backend requires a client, a ledger and a logger: %w", ports.ErrConfiguration)
	}
	b := &Backend{
		client:  cfg.Client,
		ledger:  cfg.Ledger,
		logger:  cfg.Logger,
		name:    cfg.Name,
		now:     cfg.Now,
		pending: make(map[string]pendingFill),
	}
	if b.name == "" {
		b.name = "paper"
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b, nil
}

func (b *Backend) Name() string { return b.name }

// NativeBrackets is true: the broker triggers bracket legs itself.
func (b *Backend) NativeBrackets() bool { return true }

func (b *Backend) at(ts time.Time) time.Time {
	if ts.IsZero() {
		ts = b.now()
	}
	return domain.LogicalTime(ts)
}

// PendingCount returns the number of orders awaiting a fill.
func (b *Backend) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Backend) track(f pendingFill) {
	b.mu.Lock()
	b.pending[f.orderID] = f
	b.mu.Unlock()
}

func (b *Backend) untrack(orderID string) {
	b.mu.Lock()
	delete(b.pending, orderID)
	b.mu.Unlock()
}

func (b *Backend) pendingByClientID(clientOrderID string) (pendingFill, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range b.pending {
		if f.kind == fillEntry && f.clientOrderID == clientOrderID {
			return f, true
		}
	}
	return pendingFill{}, false
}

func (b *Backend) pendingSymbols() map[string]bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]bool, len(b.pending))
	for _, f := range b.pending {
		out[f.symbol] = true
	}
	return out
}

// SubmitOrder places an entry at the broker. The caller's client order id,
// or else the ENTRY action id, is sent as the broker client_order_id, so a
// retried submit finds the original order.
func (b *Backend) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	op := "submitOrder"
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.ClientOrderID != "" {
		if order, err := b.resubmitted(ctx, req.ClientOrderID); err != nil || order != nil {
			return order, err
		}
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
	brokerKey := actionID
	if req.ClientOrderID != "" {
		brokerKey = req.ClientOrderID
	}

	if existing, err := b.ledger.Action(ctx, actionID); err != nil {
		return nil, err
	} else if existing != nil {
		key := existing.ClientOrderID
		if key == "" {
			key = actionID
		}
		if dto, err := b.client.GetOrderByClientID(ctx, key); err == nil {
			return dto.toOrder(posID), nil
		}
		return recordedOrder(*existing), nil
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

	dto, err := b.client.CreateOrder(ctx, newOrderPayload(req, brokerKey))
	if err != nil {
		if !isDuplicateClientID(err) {
			b.logger.Warn(ctx, op+": Broker declined order", map[string]interface{}{
				"symbol":   req.Symbol,
				"actionID": actionID,
				"reason":   domain.ReasonOf(err),
			})
			return nil, err
		}
		b.logger.Info(ctx, op+": Order already placed, loading it", map[string]interface{}{
			"actionID":      actionID,
			"clientOrderID": brokerKey,
		})
		if dto, err = b.client.GetOrderByClientID(ctx, brokerKey); err != nil {
			return nil, err
		}
	}

	order, _, err := b.settle(ctx, dto, pendingFill{
		kind:          fillEntry,
		orderID:       dto.ID,
		clientOrderID: brokerKey,
		positionID:    posID,
		symbol:        req.Symbol,
		direction:     dir,
		at:            ts,
		stop:          req.StopLevel(),
		target:        req.TargetLevel(),
		reason:        domain.ReasonEntry,
	})
	return order, err
}

// resubmitted answers a submit whose client order id was already used, from
// the ledger when it filled or from the broker while it is pending. It
// returns nil when the key is new.
func (b *Backend) resubmitted(ctx context.Context, clientOrderID string) (*domain.Order, error) {
	existing, err := b.ledger.EntryByClientOrderID(ctx, clientOrderID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		b.logger.Info(ctx, "submitOrder: Client order already filled, returning existing order", map[string]interface{}{
			"clientOrderID": clientOrderID,
			"actionID":      existing.ID,
		})
		if dto, err := b.client.GetOrderByClientID(ctx, clientOrderID); err == nil {
			return dto.toOrder(existing.PositionID), nil
		}
		return recordedOrder(*existing), nil
	}
	f, ok := b.pendingByClientID(clientOrderID)
	if !ok {
		return nil, nil
	}
	dto, err := b.client.GetOrderByClientID(ctx, clientOrderID)
	if err != nil {
		return nil, err
	}
	order, _, err := b.settle(ctx, dto, f)
	return order, err
}

// settle records a terminal broker order in the ledger, or tracks it until it
// is terminal.
func (b *Backend) settle(ctx context.Context, dto *OrderDTO, f pendingFill) (*domain.Order, *ledger.Recorded, error) {
	order := dto.toOrder(f.positionID)
	if !dto.terminal() {
		b.track(f)
		b.logger.Info(ctx, "settleOrder: Order accepted, awaiting fill", map[string]interface{}{
			"orderID":    dto.ID,
			"positionID": f.positionID,
			"status":     dto.Status,
		})
		return order, nil, nil
	}
	b.untrack(dto.ID)
	if !dto.FilledQty.IsPositive() || !dto.FilledAvgPrice.IsPositive() {
		b.logger.Warn(ctx, "settleOrder: Order ended without a fill", map[string]interface{}{
			"orderID":    dto.ID,
			"positionID": f.positionID,
			"status":     dto.Status,
		})
		return order, nil, nil
	}
	rec, err := b.recordFill(ctx, dto, f)
	if err != nil {
		return nil, nil, err
	}
	return order, rec, nil
}

// recorded returns the ledger action already written for f, if any.
func (b *Backend) recorded(ctx context.Context, f pendingFill) (*domain.ExecutionAction, error) {
	if f.kind == fillEntry && f.clientOrderID != "" {
		if a, err := b.ledger.EntryByClientOrderID(ctx, f.clientOrderID); err != nil || a != nil {
			return a, err
		}
	}
	types := []domain.ActionType{domain.ActionEntry}
	if f.kind == fillClose {
		types = []domain.ActionType{domain.ActionTrim, domain.ActionExit}
	}
	for _, typ := range types {
		a, err := b.ledger.Action(ctx, domain.ActionID(f.positionID, typ, f.at))
		if err != nil || a != nil {
			return a, err
		}
	}
	return nil, nil
}

// recordFill writes the broker's fill quantity and price to the ledger.
func (b *Backend) recordFill(ctx context.Context, dto *OrderDTO, f pendingFill) (*ledger.Recorded, error) {
	op := "recordFill"
	if a, err := b.recorded(ctx, f); err != nil {
		return nil, err
	} else if a != nil {
		pos, err := b.ledger.Position(ctx, a.PositionID)
		if err != nil {
			return nil, err
		}
		return &ledger.Recorded{Action: *a, Position: *pos, Duplicate: true}, nil
	}

	book, err := b.ledger.Book(ctx, f.positionID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	var tr domain.Transition
	switch f.kind {
	case fillEntry:
		params := domain.EntryParams{
			PositionID:    f.positionID,
			Symbol:        f.symbol,
			Direction:     f.direction,
			Qty:           dto.FilledQty,
			Price:         dto.FilledAvgPrice,
			StopPrice:     f.stop,
			TakeProfit:    f.target,
			At:            f.at,
			ClientOrderID: f.clientOrderID,
		}
		tr, err = book.Enter(params)
		if errors.Is(err, domain.ErrValidation) && (f.stop.IsPositive() || f.target.IsPositive()) {
			// Filled beyond a protective level. The fill still happened.
			b.logger.Warn(ctx, op+": Fill price is outside the bracket, recording without levels", map[string]interface{}{
				"positionID": f.positionID,
				"price":      dto.FilledAvgPrice.String(),
				"stop":       f.stop.String(),
				"takeProfit": f.target.String(),
			})
			params.StopPrice, params.TakeProfit = decimal.Zero, decimal.Zero
			tr, err = book.Enter(params)
		}
		if err != nil {
			return nil, err
		}
		if leg := dto.stopLeg(); leg != nil {
			tr.After.Position.StopOrderID = leg.ID
		}
		if leg := dto.takeProfitLeg(); leg != nil {
			tr.After.Position.TakeProfitOrderID = leg.ID
		}

	case fillClose:
		if !book.Exists() || !book.Position.IsOpen() {
			return nil, domain.NotFoundf(op, "position %s is not open", f.positionID)
		}
		qty := dto.FilledQty
		if qty.GreaterThan(book.Position.OpenQty) {
			b.logger.Warn(ctx, op+": Broker closed more than the ledger holds", map[string]interface{}{
				"positionID": f.positionID,
				"filled":     qty.String(),
				"open":       book.Position.OpenQty.String(),
			})
			qty = book.Position.OpenQty
		}
		tr, err = book.Close(domain.CloseParams{
			Qty:           qty,
			Price:         dto.FilledAvgPrice,
			At:            f.at,
			Reason:        f.reason,
			ClientOrderID: dto.ID,
		})
		if err != nil {
			return nil, err
		}
	}

	rec, err := b.ledger.Record(ctx, tr)
	if err != nil {
		return nil, err
	}
	b.logger.Info(ctx, op+": Broker fill recorded", map[string]interface{}{
		"orderID":    dto.ID,
		"positionID": f.positionID,
		"actionID":   rec.Action.ID,
		"qty":        rec.Action.Qty.String(),
		"price":      rec.Action.Price.String(),
	})
	return rec, nil
}

// recordedOrder renders a ledger action as a filled order when the broker
// order cannot be loaded.
func recordedOrder(a domain.ExecutionAction) *domain.Order {
	side := a.Direction.EntrySide()
	if a.IsClose() {
		side = side.Opposite()
	}
	filledAt := a.Timestamp
	return &domain.Order{
		ID:             a.ID,
		ClientOrderID:  a.ClientOrderID,
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

// positionFor resolves the ledger position id an order belongs to.
func (b *Backend) positionFor(ctx context.Context, dto *OrderDTO) string {
	b.mu.Lock()
	f, ok := b.pending[dto.ID]
	b.mu.Unlock()
	if ok {
		return f.positionID
	}
	for _, ref := range []string{dto.ID, dto.ClientOrderID} {
		if ref == "" {
			continue
		}
		if pos, err := b.ledger.FindByOrderRef(ctx, ref); err == nil && pos != nil {
			return pos.ID
		}
	}
	return ""
}

// GetOrder loads an order by broker id, falling back to client_order_id so
// ledger action ids resolve too.
func (b *Backend) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	dto, err := b.client.GetOrder(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		dto, err = b.client.GetOrderByClientID(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	return dto.toOrder(b.positionFor(ctx, dto)), nil
}

// GetOrders lists broker orders.
func (b *Backend) GetOrders(ctx context.Context, filter domain.OrderFilter) ([]*domain.Order, error) {
	status := filter.Status
	if status == "" {
		status = "all"
	}
	dtos, err := b.client.ListOrders(ctx, ListOrdersParams{
		Status:  status,
		Limit:   filter.Limit,
		After:   filter.After,
		Symbols: filter.Symbols,
		Nested:  true,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Order, 0, len(dtos))
	for i := range dtos {
		out = append(out, dtos[i].toOrder(b.positionFor(ctx, &dtos[i])))
	}
	return out, nil
}

// ReplaceOrder patches the broker's bracket legs and records SL_TIGHTEN.
func (b *Backend) ReplaceOrder(ctx context.Context, id string, req domain.ReplaceRequest) (*domain.Order, error) {
	op := "replaceOrder"
	pos, err := b.ledger.FindByOrderRef(ctx, id)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		dto, err := b.client.GetOrder(ctx, id)
		if err != nil {
			return nil, err
		}
		book, open, err := b.ledger.OpenBook(ctx, FromBroker(dto.Symbol))
		if err != nil {
			return nil, err
		}
		if !open {
			return nil, domain.NotFoundf(op, "no open position for order %s", id)
		}
		pos = &book.Position
	}
	if !pos.IsOpen() {
		return nil, domain.NotFoundf(op, "position %s is closed", pos.ID)
	}
	if req.Qty.IsPositive() && !req.Qty.Equal(pos.OpenQty) {
		return nil, domain.Validationf(op, "leg quantity follows the position; use closePosition to change size")
	}

	ts := b.at(req.At)
	if existing, err := b.ledger.Action(ctx, domain.ActionID(pos.ID, domain.ActionSLTighten, ts)); err != nil {
		return nil, err
	} else if existing != nil {
		if !splitReplace(*existing, req) {
			return b.currentLeg(ctx, pos.ID, req)
		}
		// Only the stop half landed last time. The take-profit half is
		// recorded one millisecond later.
		req.StopPrice = decimal.Zero
		ts = ts.Add(time.Millisecond)
		if done, err := b.ledger.Action(ctx, domain.ActionID(pos.ID, domain.ActionSLTighten, ts)); err != nil {
			return nil, err
		} else if done != nil {
			return b.currentLeg(ctx, pos.ID, req)
		}
		if pos, err = b.ledger.Position(ctx, pos.ID); err != nil {
			return nil, err
		}
	}

	book, err := b.ledger.Book(ctx, pos.ID)
	if err != nil {
		return nil, err
	}
	tr, err := book.AdjustStop(domain.StopParams{
		StopPrice:  req.StopPrice,
		TakeProfit: req.LimitPrice,
		Reference:  req.ReferencePrice,
		At:         ts,
		Reason:     req.Reason,
	})
	if err != nil {
		return nil, err
	}

	var result *OrderDTO
	if req.StopPrice.IsPositive() {
		if pos.StopOrderID == "" {
			return nil, domain.Validationf(op, "position %s has no stop leg at the broker", pos.ID)
		}
		dto, err := b.replaceLeg(ctx, pos.StopOrderID, ReplacePayload{StopPrice: req.StopPrice.String()})
		if err != nil {
			return nil, err
		}
		tr.After.Position.StopOrderID = dto.ID
		result = dto
	}
	if req.LimitPrice.IsPositive() {
		if pos.TakeProfitOrderID == "" {
			return nil, domain.Validationf(op, "position %s has no take-profit leg at the broker", pos.ID)
		}
		dto, err := b.replaceLeg(ctx, pos.TakeProfitOrderID, ReplacePayload{LimitPrice: req.LimitPrice.String()})
		if err != nil {
			if result != nil {
				b.recordStopHalf(ctx, book, req, ts, result.ID)
			}
			return nil, err
		}
		tr.After.Position.TakeProfitOrderID = dto.ID
		if result == nil {
			result = dto
		}
	}

	rec, err := b.ledger.Record(ctx, tr)
	if err != nil {
		return nil, err
	}
	b.logger.Info(ctx, op+": Broker legs replaced", map[string]interface{}{
		"positionID": pos.ID,
		"stop":       rec.Position.StopPrice.String(),
		"takeProfit": rec.Position.TakeProfit.String(),
		"orderID":    result.ID,
	})
	return result.toOrder(pos.ID), nil
}

// splitReplace reports whether a stop and take-profit replace was recorded
// with its stop half only.
func splitReplace(a domain.ExecutionAction, req domain.ReplaceRequest) bool {
	return req.StopPrice.IsPositive() && req.LimitPrice.IsPositive() && !a.TakeProfit.IsPositive()
}

// recordStopHalf books a stop the broker accepted when the take-profit patch
// of the same replace failed, so the ledger keeps the live stop leg.
func (b *Backend) recordStopHalf(ctx context.Context, book domain.Book, req domain.ReplaceRequest, ts time.Time, stopOrderID string) {
	tr, err := book.AdjustStop(domain.StopParams{
		StopPrice: req.StopPrice,
		Reference: req.ReferencePrice,
		At:        ts,
		Reason:    req.Reason,
	})
	if err == nil {
		tr.After.Position.StopOrderID = stopOrderID
		_, err = b.ledger.Record(ctx, tr)
	}
	if err != nil {
		b.logger.Error(ctx, err, "replaceOrder: Failed to record the replaced stop leg", map[string]interface{}{
			"positionID":  book.Position.ID,
			"stopOrderID": stopOrderID,
		})
		return
	}
	b.logger.Warn(ctx, "replaceOrder: Take-profit leg not replaced, stop recorded alone", map[string]interface{}{
		"positionID":  book.Position.ID,
		"stopOrderID": stopOrderID,
	})
}

// replaceLeg patches a bracket leg. A leg that was already replaced, as after
// a lost response, is followed to the order that replaced it.
func (b *Backend) replaceLeg(ctx context.Context, id string, p ReplacePayload) (*OrderDTO, error) {
	const maxHops = 3
	for hop := 0; ; hop++ {
		dto, err := b.client.ReplaceOrder(ctx, id, p)
		if err == nil || hop == maxHops || !errors.Is(err, domain.ErrRejected) {
			return dto, err
		}
		old, gerr := b.client.GetOrder(ctx, id)
		if gerr != nil || old.Status != "replaced" || old.ReplacedBy == "" {
			return nil, err
		}
		next, gerr := b.client.GetOrder(ctx, old.ReplacedBy)
		if gerr != nil {
			return nil, err
		}
		b.logger.Info(ctx, "replaceOrder: Leg was already replaced, following it", map[string]interface{}{
			"orderID":    id,
			"replacedBy": next.ID,
		})
		if next.carries(p) {
			return next, nil
		}
		id = next.ID
	}
}

func (b *Backend) currentLeg(ctx context.Context, positionID string, req domain.ReplaceRequest) (*domain.Order, error) {
	pos, err := b.ledger.Position(ctx, positionID)
	if err != nil {
		return nil, err
	}
	id := pos.StopOrderID
	if !req.StopPrice.IsPositive() {
		id = pos.TakeProfitOrderID
	}
	if id == "" {
		return nil, domain.NotFoundf("replaceOrder", "no leg on position %s", positionID)
	}
	dto, err := b.client.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	return dto.toOrder(positionID), nil
}

// CancelOrder cancels an open broker order.
func (b *Backend) CancelOrder(ctx context.Context, id string) error {
	if err := b.client.CancelOrder(ctx, id); err != nil {
		return err
	}
	b.mu.Lock()
	f, ok := b.pending[id]
	b.mu.Unlock()
	if ok {
		b.logger.Info(ctx, "cancelOrder: Pending order canceled", map[string]interface{}{
			"orderID":    id,
			"positionID": f.positionID,
		})
	}
	// The order stays tracked so a fill that raced the cancel is still recorded.
	return nil
}

// ClosePosition liquidates part or all of the symbol's position at the broker.
// The size is checked against the ledger before anything is sent.
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
	f := pendingFill{
		kind:       fillClose,
		positionID: pos.ID,
		symbol:     symbol,
		direction:  pos.Direction,
		at:         ts,
		reason:     req.Reason,
	}
	if a, err := b.recorded(ctx, f); err != nil {
		return nil, err
	} else if a != nil {
		return b.closeResult(ctx, recordedOrder(*a), a)
	}

	qty, err := req.Size(pos.OpenQty)
	if err != nil {
		return nil, err
	}
	pct := decimal.Zero
	if qty.Equal(pos.OpenQty) {
		pct = decimal.NewFromInt(100)
	}
	dto, err := b.client.ClosePosition(ctx, symbol, pct, qty)
	if err != nil {
		b.logger.Warn(ctx, op+": Broker declined close", map[string]interface{}{
			"positionID": pos.ID,
			"symbol":     symbol,
			"qty":        qty.String(),
			"reason":     domain.ReasonOf(err),
		})
		return nil, err
	}
	f.orderID = dto.ID
	f.clientOrderID = dto.ClientOrderID

	order, rec, err := b.settle(ctx, dto, f)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &domain.CloseResult{Order: order}, nil
	}
	return b.closeResult(ctx, order, &rec.Action)
}

func (b *Backend) closeResult(ctx context.Context, order *domain.Order, a *domain.ExecutionAction) (*domain.CloseResult, error) {
	pos, err := b.ledger.Position(ctx, a.PositionID)
	if err != nil {
		return nil, err
	}
	action := *a
	return &domain.CloseResult{Order: order, Action: &action, Position: pos}, nil
}

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
		res, err := b.closeResult(ctx, recordedOrder(*a), a)
		return res, err == nil
	}
	return nil, false
}

// SyncPending polls tracked orders and records the ones that reached a
// terminal state.
func (b *Backend) SyncPending(ctx context.Context) error {
	b.mu.Lock()
	fills := make([]pendingFill, 0, len(b.pending))
	for _, f := range b.pending {
		fills = append(fills, f)
	}
	b.mu.Unlock()

	var errs []error
	for _, f := range fills {
		dto, err := b.client.GetOrder(ctx, f.orderID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				b.untrack(f.orderID)
			}
			errs = append(errs, err)
			continue
		}
		if _, _, err := b.settle(ctx, dto, f); err != nil {
			if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrNotFound) {
				// Cannot be applied to the ledger any more; reconciliation takes over.
				b.untrack(f.orderID)
			}
			b.logger.Error(ctx, err, "syncPending: Failed to record broker fill", map[string]interface{}{
				"orderID":    f.orderID,
				"positionID": f.positionID,
			})
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetPositions returns broker positions annotated with ledger state.
func (b *Backend) GetPositions(ctx context.Context) ([]domain.PositionSnapshot, error) {
	dtos, err := b.client.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PositionSnapshot, 0, len(dtos))
	for i := range dtos {
		out = append(out, b.annotate(ctx, dtos[i].toSnapshot()))
	}
	return out, nil
}

// GetPosition returns the broker position of symbol.
func (b *Backend) GetPosition(ctx context.Context, symbol string) (*domain.PositionSnapshot, error) {
	dto, err := b.client.GetPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	snap := b.annotate(ctx, dto.toSnapshot())
	return &snap, nil
}

func (b *Backend) annotate(ctx context.Context, snap domain.PositionSnapshot) domain.PositionSnapshot {
	book, open, err := b.ledger.OpenBook(ctx, snap.Symbol)
	if err != nil || !open {
		return snap
	}
	snap.PositionID = book.Position.ID
	snap.StopPrice = book.Position.StopPrice
	snap.TakeProfit = book.Position.TakeProfit
	snap.Status = book.Position.Status
	return snap
}

// GetAccount returns the broker account; realized PnL comes from the ledger.
func (b *Backend) GetAccount(ctx context.Context) (*domain.Account, error) {
	dto, err := b.client.GetAccount(ctx)
	if err != nil {
		return nil, err
	}
	positions, err := b.client.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	acct := &domain.Account{
		Cash:             dto.Cash,
		BuyingPower:      dto.BuyingPower,
		PortfolioValue:   dto.PortfolioValue,
		LongMarketValue:  dto.LongMarketValue,
		ShortMarketValue: dto.ShortMarketValue,
		RealizedPnL:      decimal.Zero,
		PositionsCount:   len(positions),
	}
	if local, err := b.ledger.Account(ctx, nil); err == nil {
		acct.RealizedPnL = local.RealizedPnL
	}
	return acct, nil
}

var (
	_ ports.ExecutionAdapter = (*Backend)(nil)
	_ ports.BracketOwner     = (*Backend)(nil)
	_ ports.PendingSyncer    = (*Backend)(nil)
	_ ports.Reconciler       = (*Backend)(nil)
)
