package alpaca

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"execledger/internal/domain"
)

// Reconcile moves the ledger towards the broker's positions by appending
// RECONCILE actions. The broker wins; existing ledger rows are never touched.
// Symbols with orders still in flight are skipped. It returns the number of
// actions appended.
func (b *Backend) Reconcile(ctx context.Context) (int, error) {
	op := "reconcile"
	dtos, err := b.client.ListPositions(ctx)
	if err != nil {
		return 0, err
	}
	broker := make(map[string]PositionDTO, len(dtos))
	for _, p := range dtos {
		broker[FromBroker(p.Symbol)] = p
	}
	open, err := b.ledger.OpenPositions(ctx)
	if err != nil {
		return 0, err
	}
	inFlight := b.pendingSymbols()
	ts := b.at(time.Time{})

	var errs []error
	count := 0
	seen := make(map[string]bool, len(open))
	for _, pos := range open {
		seen[pos.Symbol] = true
		if inFlight[pos.Symbol] {
			continue
		}
		bp, held := broker[pos.Symbol]
		n, err := b.reconcilePosition(ctx, pos, bp, held, ts)
		count += n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", pos.Symbol, err))
		}
	}
	for symbol, bp := range broker {
		if seen[symbol] || inFlight[symbol] {
			continue
		}
		if err := b.adoptPosition(ctx, symbol, bp, ts); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", symbol, err))
			continue
		}
		count++
	}

	if count > 0 || len(errs) > 0 {
		b.logger.Info(ctx, op+": Ledger reconciled with broker", map[string]interface{}{
			"actions": count,
			"errors":  len(errs),
		})
	}
	return count, errors.Join(errs...)
}

func (b *Backend) reconcilePosition(ctx context.Context, pos domain.Position, bp PositionDTO, held bool, ts time.Time) (int, error) {
	book, err := b.ledger.Book(ctx, pos.ID)
	if err != nil {
		return 0, err
	}
	ts = notBefore(ts, pos.LastActionAt)

	if !held || bp.direction() != pos.Direction {
		price, err := b.exitPrice(ctx, pos)
		if err != nil {
			return 0, err
		}
		if err := b.recordClose(ctx, book, book.Position.OpenQty, price, ts); err != nil {
			return 0, err
		}
		if !held {
			return 1, nil
		}
		if err := b.adoptPosition(ctx, pos.Symbol, bp, ts.Add(time.Millisecond)); err != nil {
			return 1, err
		}
		return 2, nil
	}

	brokerQty := bp.Qty.Abs()
	switch {
	case brokerQty.LessThan(pos.OpenQty):
		return 1, b.recordClose(ctx, book, pos.OpenQty.Sub(brokerQty), markOf(bp, pos), ts)
	case brokerQty.GreaterThan(pos.OpenQty):
		tr, err := book.Enter(domain.EntryParams{
			Symbol:    pos.Symbol,
			Direction: pos.Direction,
			Qty:       brokerQty.Sub(pos.OpenQty),
			Price:     markOf(bp, pos),
			At:        ts,
		})
		if err != nil {
			return 0, err
		}
		tr.Action.Reason = domain.ReasonReconcile
		if _, err := b.ledger.Record(ctx, tr); err != nil {
			return 0, err
		}
		b.logDrift(ctx, pos.ID, pos.OpenQty, brokerQty)
		return 1, nil
	}
	return 0, nil
}

func (b *Backend) recordClose(ctx context.Context, book domain.Book, qty, price decimal.Decimal, ts time.Time) error {
	tr, err := book.Close(domain.CloseParams{Qty: qty, Price: price, At: ts, Reason: domain.ReasonReconcile})
	if err != nil {
		return err
	}
	if _, err := b.ledger.Record(ctx, tr); err != nil {
		return err
	}
	b.logDrift(ctx, book.Position.ID, book.Position.OpenQty, book.Position.OpenQty.Sub(qty))
	return nil
}

// adoptPosition opens a ledger position for a broker position the ledger has
// never seen.
func (b *Backend) adoptPosition(ctx context.Context, symbol string, bp PositionDTO, ts time.Time) error {
	price := bp.AvgEntryPrice
	if !price.IsPositive() {
		price = bp.CurrentPrice
	}
	posID := fmt.Sprintf("%s-RECON-%d", symbol, ts.UnixMilli())
	tr, err := domain.Book{}.Enter(domain.EntryParams{
		PositionID: posID,
		Symbol:     symbol,
		Direction:  bp.direction(),
		Qty:        bp.Qty.Abs(),
		Price:      price,
		At:         ts,
	})
	if err != nil {
		return err
	}
	tr.Action.Reason = domain.ReasonReconcile
	if _, err := b.ledger.Record(ctx, tr); err != nil {
		return err
	}
	b.logger.Warn(ctx, "reconcile: Adopted broker position unknown to the ledger", map[string]interface{}{
		"positionID": posID,
		"symbol":     symbol,
		"qty":        bp.Qty.String(),
	})
	return nil
}

func (b *Backend) logDrift(ctx context.Context, positionID string, ledgerQty, brokerQty decimal.Decimal) {
	b.logger.Warn(ctx, "reconcile: Ledger quantity corrected to broker", map[string]interface{}{
		"positionID": positionID,
		"ledgerQty":  ledgerQty.String(),
		"brokerQty":  brokerQty.String(),
	})
}

// exitPrice finds the fill price of the broker order that flattened pos,
// falling back to the average entry.
func (b *Backend) exitPrice(ctx context.Context, pos domain.Position) (decimal.Decimal, error) {
	orders, err := b.client.ListOrders(ctx, ListOrdersParams{
		Status:  "closed",
		Limit:   20,
		After:   pos.EntryAt,
		Symbols: []string{pos.Symbol},
		Nested:  true,
	})
	if err != nil {
		return decimal.Zero, err
	}
	exit := string(pos.Direction.EntrySide().Opposite())
	for _, o := range orders {
		for _, candidate := range append([]OrderDTO{o}, o.Legs...) {
			if candidate.Status == string(domain.OrderFilled) && candidate.Side == exit && candidate.FilledAvgPrice.IsPositive() {
				return candidate.FilledAvgPrice, nil
			}
		}
	}
	return pos.AvgEntryPrice, nil
}

func markOf(bp PositionDTO, pos domain.Position) decimal.Decimal {
	if bp.CurrentPrice.IsPositive() {
		return bp.CurrentPrice
	}
	return pos.AvgEntryPrice
}

func notBefore(ts, floor time.Time) time.Time {
	if ts.Before(floor) {
		return floor
	}
	return ts
}
