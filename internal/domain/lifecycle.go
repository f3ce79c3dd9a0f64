package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Book is the replayable state of a single position: its snapshot plus lots.
type Book struct {
	Position Position
	Lots     []Lot
}

// Exists reports whether the book holds a position.
func (b Book) Exists() bool {
	return b.Position.ID != ""
}

// Transition is an action together with the state it produces.
type Transition struct {
	Action ExecutionAction
	Before Book
	After  Book
}

// Apply folds one action into the book. It is the only place position state
// changes, so live mutations and replays agree.
func (b Book) Apply(a ExecutionAction) (Book, error) {
	const op = "applyAction"
	if b.Exists() {
		if a.PositionID != b.Position.ID {
			return b, Validationf(op, "action %s belongs to position %s, not %s", a.ID, a.PositionID, b.Position.ID)
		}
		if a.Timestamp.Before(b.Position.LastActionAt) {
			return b, Validationf(op, "action %s is older than the last action on %s", a.ID, b.Position.ID)
		}
	}

	next := Book{Position: b.Position, Lots: append([]Lot(nil), b.Lots...)}
	pos := &next.Position

	switch a.Type {
	case ActionEntry:
		if !a.Qty.IsPositive() || !a.Price.IsPositive() {
			return b, Validationf(op, "entry requires positive quantity and price")
		}
		if !b.Exists() {
			*pos = Position{
				ID:          a.PositionID,
				Symbol:      a.Symbol,
				Direction:   a.Direction,
				OriginalQty: decimal.Zero,
				RealizedPnL: decimal.Zero,
				Status:      StatusOpen,
				EntryAt:     a.Timestamp,
			}
		} else {
			if !pos.IsOpen() {
				return b, Validationf(op, "position %s is closed", pos.ID)
			}
			if pos.Direction != a.Direction {
				return b, Validationf(op, "cannot add %s exposure to %s position %s", a.Direction, pos.Direction, pos.ID)
			}
		}
		n := len(next.Lots)
		next.Lots = append(next.Lots, Lot{
			ID:          LotID(pos.ID, n),
			PositionID:  pos.ID,
			Seq:         n,
			OriginalQty: a.Qty,
			Qty:         a.Qty,
			EntryPrice:  a.Price,
			EntryAt:     a.Timestamp,
			Status:      LotOpen,
		})
		pos.OriginalQty = pos.OriginalQty.Add(a.Qty)
		pos.OpenQty = OpenQty(next.Lots)
		pos.AvgEntryPrice = WeightedAverage(next.Lots)
		if a.StopPrice.IsPositive() {
			pos.StopPrice = a.StopPrice
		}
		if a.TakeProfit.IsPositive() {
			pos.TakeProfit = a.TakeProfit
		}

	case ActionTrim, ActionExit:
		if !b.Exists() || !pos.IsOpen() {
			return b, NotFoundf(op, "no open position for action %s", a.ID)
		}
		if !a.Qty.IsPositive() || !a.Price.IsPositive() {
			return b, Validationf(op, "close requires positive quantity and price")
		}
		lots, _, realized, err := ConsumeFIFO(next.Lots, pos.Direction, a.Qty, a.Price)
		if err != nil {
			return b, err
		}
		if !realized.Equal(a.RealizedPnL) {
			return b, Validationf(op, "action %s records pnl %s but lots realize %s", a.ID, a.RealizedPnL, realized)
		}
		for i := range lots {
			if lots[i].Status == LotClosed && next.Lots[i].Status == LotOpen {
				lots[i].ClosedAt = a.Timestamp
			}
		}
		next.Lots = lots
		pos.OpenQty = OpenQty(lots)
		pos.RealizedPnL = pos.RealizedPnL.Add(realized)

		closesAll := pos.OpenQty.IsZero()
		if a.Type == ActionExit && !closesAll {
			return b, Validationf(op, "exit %s leaves %s open", a.ID, pos.OpenQty)
		}
		if a.Type == ActionTrim && closesAll {
			return b, Validationf(op, "trim %s closes the whole position; record an exit", a.ID)
		}
		if closesAll {
			pos.Status = StatusClosed
			pos.ExitAt = a.Timestamp
			pos.ExitReason = a.Reason
			pos.Outcome = OutcomeLoss
			if pos.RealizedPnL.IsPositive() {
				pos.Outcome = OutcomeWin
			}
		} else {
			pos.Status = StatusTrimmed
			pos.AvgEntryPrice = WeightedAverage(lots)
		}

	case ActionSLTighten:
		if !b.Exists() || !pos.IsOpen() {
			return b, NotFoundf(op, "no open position for action %s", a.ID)
		}
		if !a.StopPrice.IsPositive() && !a.TakeProfit.IsPositive() {
			return b, Validationf(op, "stop change %s carries no level", a.ID)
		}
		if a.StopPrice.IsPositive() {
			pos.StopPrice = a.StopPrice
		}
		if a.TakeProfit.IsPositive() {
			pos.TakeProfit = a.TakeProfit
		}

	default:
		return b, Validationf(op, "unknown action type %q", a.Type)
	}

	pos.Version++
	pos.LastActionAt = a.Timestamp
	return next, nil
}

// EntryParams describes an entry fill.
type EntryParams struct {
	PositionID    string
	Symbol        string
	Direction     Direction
	Qty           decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	TakeProfit    decimal.Decimal
	At            time.Time
	ClientOrderID string
}

// Enter opens the position, or adds a lot to it when it is already open.
func (b Book) Enter(p EntryParams) (Transition, error) {
	const op = "enter"
	posID := p.PositionID
	if b.Exists() {
		posID = b.Position.ID
	}
	if posID == "" {
		return Transition{}, Validationf(op, "position id is required")
	}
	if err := checkLevels(op, p.Direction, p.Price, p.StopPrice, p.TakeProfit); err != nil {
		return Transition{}, err
	}
	ts := LogicalTime(p.At)
	a := ExecutionAction{
		ID:            ActionID(posID, ActionEntry, ts),
		PositionID:    posID,
		Symbol:        p.Symbol,
		Direction:     p.Direction,
		Type:          ActionEntry,
		Timestamp:     ts,
		Qty:           p.Qty,
		Price:         p.Price,
		Notional:      p.Qty.Mul(p.Price),
		RealizedPnL:   decimal.Zero,
		Reason:        ReasonEntry,
		StopPrice:     p.StopPrice,
		TakeProfit:    p.TakeProfit,
		ClientOrderID: p.ClientOrderID,
	}
	return b.transition(a)
}

// CloseParams describes a close fill of Qty at Price.
type CloseParams struct {
	Qty           decimal.Decimal
	Price         decimal.Decimal
	At            time.Time
	Reason        Reason
	ClientOrderID string
}

// Close builds a TRIM, or an EXIT when the quantity covers the whole position.
func (b Book) Close(p CloseParams) (Transition, error) {
	const op = "close"
	if !b.Exists() || !b.Position.IsOpen() {
		return Transition{}, NotFoundf(op, "no open position")
	}
	pos := b.Position
	if !p.Qty.IsPositive() {
		return Transition{}, Validationf(op, "close quantity must be positive")
	}
	if p.Qty.GreaterThan(pos.OpenQty) {
		return Transition{}, Validationf(op, "close quantity %s exceeds open quantity %s", p.Qty, pos.OpenQty)
	}
	if !p.Price.IsPositive() {
		return Transition{}, Validationf(op, "exit price must be positive")
	}

	typ := ActionTrim
	reason := p.Reason
	if p.Qty.Equal(pos.OpenQty) {
		typ = ActionExit
		if reason == ReasonTPTrim {
			reason = ReasonTPFull
		}
		if reason == "" {
			reason = ReasonManual
		}
	} else if reason == "" {
		reason = ReasonTPTrim
	}

	_, _, realized, err := ConsumeFIFO(b.Lots, pos.Direction, p.Qty, p.Price)
	if err != nil {
		return Transition{}, err
	}
	ts := LogicalTime(p.At)
	a := ExecutionAction{
		ID:            ActionID(pos.ID, typ, ts),
		PositionID:    pos.ID,
		Symbol:        pos.Symbol,
		Direction:     pos.Direction,
		Type:          typ,
		Timestamp:     ts,
		Qty:           p.Qty,
		Price:         p.Price,
		Notional:      p.Qty.Mul(p.Price),
		RealizedPnL:   realized,
		Reason:        reason,
		StopPrice:     decimal.Zero,
		TakeProfit:    decimal.Zero,
		ClientOrderID: p.ClientOrderID,
	}
	return b.transition(a)
}

// StopParams describes a change of protective levels.
type StopParams struct {
	StopPrice  decimal.Decimal
	TakeProfit decimal.Decimal
	Reference  decimal.Decimal // Current price; zero skips the side check
	At         time.Time
	Reason     Reason
}

// AdjustStop builds an SL_TIGHTEN action. Quantity and PnL are unchanged.
func (b Book) AdjustStop(p StopParams) (Transition, error) {
	const op = "adjustStop"
	if !b.Exists() || !b.Position.IsOpen() {
		return Transition{}, NotFoundf(op, "no open position")
	}
	if !p.StopPrice.IsPositive() && !p.TakeProfit.IsPositive() {
		return Transition{}, Validationf(op, "a stop price or take-profit level is required")
	}
	pos := b.Position
	if p.Reference.IsPositive() {
		if err := checkLevels(op, pos.Direction, p.Reference, p.StopPrice, p.TakeProfit); err != nil {
			return Transition{}, err
		}
	}
	reason := p.Reason
	if reason == "" {
		reason = ReasonSLTighten
		if !p.StopPrice.IsPositive() {
			reason = ReasonTPAdjust
		}
	}
	ts := LogicalTime(p.At)
	a := ExecutionAction{
		ID:          ActionID(pos.ID, ActionSLTighten, ts),
		PositionID:  pos.ID,
		Symbol:      pos.Symbol,
		Direction:   pos.Direction,
		Type:        ActionSLTighten,
		Timestamp:   ts,
		Qty:         decimal.Zero,
		Price:       p.Reference,
		Notional:    decimal.Zero,
		RealizedPnL: decimal.Zero,
		Reason:      reason,
		StopPrice:   p.StopPrice,
		TakeProfit:  p.TakeProfit,
	}
	return b.transition(a)
}

func (b Book) transition(a ExecutionAction) (Transition, error) {
	after, err := b.Apply(a)
	if err != nil {
		return Transition{}, err
	}
	return Transition{Action: a, Before: b, After: after}, nil
}

// checkLevels verifies a stop sits on the losing side of price and a target
// on the winning side.
func checkLevels(op string, dir Direction, price, stop, target decimal.Decimal) error {
	if stop.IsPositive() {
		if dir == Long && !stop.LessThan(price) {
			return Validationf(op, "stop %s must be below %s for a long", stop, price)
		}
		if dir == Short && !stop.GreaterThan(price) {
			return Validationf(op, "stop %s must be above %s for a short", stop, price)
		}
	}
	if target.IsPositive() {
		if dir == Long && !target.GreaterThan(price) {
			return Validationf(op, "take profit %s must be above %s for a long", target, price)
		}
		if dir == Short && !target.LessThan(price) {
			return Validationf(op, "take profit %s must be below %s for a short", target, price)
		}
	}
	return nil
}

// Replay rebuilds a position from its actions in timestamp order.
func Replay(actions []ExecutionAction) (Book, error) {
	ordered := append([]ExecutionAction(nil), actions...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})
	var b Book
	for _, a := range ordered {
		next, err := b.Apply(a)
		if err != nil {
			return b, err
		}
		b = next
	}
	b.Position.History = ordered
	return b, nil
}

// Diff lists the ledger-derived fields where two snapshots disagree.
func Diff(live, replayed Position) []string {
	var diffs []string
	check := func(name string, a, b decimal.Decimal) {
		if !a.Equal(b) {
			diffs = append(diffs, name+": "+a.String()+" != "+b.String())
		}
	}
	check("open_qty", live.OpenQty, replayed.OpenQty)
	check("original_qty", live.OriginalQty, replayed.OriginalQty)
	check("avg_entry_price", live.AvgEntryPrice, replayed.AvgEntryPrice)
	check("realized_pnl", live.RealizedPnL, replayed.RealizedPnL)
	check("stop_price", live.StopPrice, replayed.StopPrice)
	check("take_profit", live.TakeProfit, replayed.TakeProfit)
	if live.Status != replayed.Status {
		diffs = append(diffs, "status: "+string(live.Status)+" != "+string(replayed.Status))
	}
	if live.Outcome != replayed.Outcome {
		diffs = append(diffs, "outcome: "+string(live.Outcome)+" != "+string(replayed.Outcome))
	}
	if live.Version != replayed.Version {
		diffs = append(diffs, "version mismatch")
	}
	return diffs
}
