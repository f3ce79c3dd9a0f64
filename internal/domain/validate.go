package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Normalize fills defaults on an order request.
func (r *OrderRequest) Normalize() {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	r.Side = OrderSide(strings.ToLower(string(r.Side)))
	if r.Type == "" {
		r.Type = OrderTypeMarket
	}
	if r.TimeInForce == "" {
		r.TimeInForce = TIFDay
	}
	if r.Class == "" {
		r.Class = ClassSimple
	}
	if r.PositionID == "" {
		r.PositionID = r.ClientOrderID
	}
}

// EntryPrice is the price an entry is expected to fill at: the reference
// price, else the limit price.
func (r *OrderRequest) EntryPrice() decimal.Decimal {
	if r.ReferencePrice.IsPositive() {
		return r.ReferencePrice
	}
	return r.LimitPrice
}

// Validate checks the request against the adapter contract.
func (r *OrderRequest) Validate() error {
	const op = "submitOrder"
	if r.Symbol == "" {
		return Validationf(op, "symbol is required")
	}
	if !r.Qty.IsPositive() {
		return Validationf(op, "qty must be greater than zero")
	}
	if r.Side != Buy && r.Side != Sell {
		return Validationf(op, "side must be buy or sell, got %q", r.Side)
	}

	switch r.Type {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if !r.LimitPrice.IsPositive() {
			return Validationf(op, "limit orders require limit_price")
		}
	case OrderTypeStop:
		if !r.StopPrice.IsPositive() {
			return Validationf(op, "stop orders require stop_price")
		}
	case OrderTypeStopLimit:
		if !r.StopPrice.IsPositive() || !r.LimitPrice.IsPositive() {
			return Validationf(op, "stop_limit orders require stop_price and limit_price")
		}
	case OrderTypeTrailingStop:
		if !r.TrailPrice.IsPositive() && !r.TrailPercent.IsPositive() {
			return Validationf(op, "trailing_stop orders require trail_price or trail_percent")
		}
	default:
		return Validationf(op, "unsupported order type %q", r.Type)
	}

	switch r.TimeInForce {
	case TIFDay, TIFGTC, TIFOPG, TIFCLS, TIFIOC, TIFFOK:
	default:
		return Validationf(op, "unsupported time_in_force %q", r.TimeInForce)
	}

	dir := DirectionFor(r.Side)
	price := r.EntryPrice()
	switch r.Class {
	case ClassSimple:
	case ClassBracket:
		if r.TakeProfit == nil || !r.TakeProfit.LimitPrice.IsPositive() {
			return Validationf(op, "bracket orders require take_profit.limit_price")
		}
		if r.StopLoss == nil || !r.StopLoss.StopPrice.IsPositive() {
			return Validationf(op, "bracket orders require stop_loss.stop_price")
		}
		if !price.IsPositive() {
			return Validationf(op, "bracket orders require a reference or limit price to check leg sides")
		}
		if err := checkLevels(op, dir, price, r.StopLoss.StopPrice, r.TakeProfit.LimitPrice); err != nil {
			return err
		}
	case ClassOTO:
		if r.TakeProfit == nil && r.StopLoss == nil {
			return Validationf(op, "oto orders require a take_profit or stop_loss leg")
		}
		if price.IsPositive() {
			if err := checkLevels(op, dir, price, r.StopLevel(), r.TargetLevel()); err != nil {
				return err
			}
		}
	case ClassOCO:
		return Validationf(op, "oco orders only close existing positions; use closePosition")
	default:
		return Validationf(op, "unsupported order_class %q", r.Class)
	}
	return nil
}

// StopLevel returns the stop-loss leg price, or zero.
func (r *OrderRequest) StopLevel() decimal.Decimal {
	if r.StopLoss == nil {
		return decimal.Zero
	}
	return r.StopLoss.StopPrice
}

// TargetLevel returns the take-profit leg price, or zero.
func (r *OrderRequest) TargetLevel() decimal.Decimal {
	if r.TakeProfit == nil {
		return decimal.Zero
	}
	return r.TakeProfit.LimitPrice
}

// Size resolves a close request against the open quantity. It never returns
// more than openQty.
func (r *CloseRequest) Size(openQty decimal.Decimal) (decimal.Decimal, error) {
	const op = "closePosition"
	hasPct := !r.Percentage.IsZero()
	hasQty := !r.Qty.IsZero()
	switch {
	case hasPct && hasQty:
		return decimal.Zero, Validationf(op, "percentage and qty are mutually exclusive")
	case !hasPct && !hasQty:
		// A bare close liquidates the whole position.
		return openQty, nil
	case hasPct:
		if !r.Percentage.IsPositive() || r.Percentage.GreaterThan(hundred) {
			return decimal.Zero, Validationf(op, "percentage must be in (0, 100], got %s", r.Percentage)
		}
		if r.Percentage.Equal(hundred) {
			return openQty, nil
		}
		return PercentOf(openQty, r.Percentage), nil
	default:
		if !r.Qty.IsPositive() {
			return decimal.Zero, Validationf(op, "qty must be greater than zero")
		}
		if r.Qty.GreaterThan(openQty) {
			return decimal.Zero, Validationf(op, "qty %s exceeds open quantity %s", r.Qty, openQty)
		}
		return r.Qty, nil
	}
}
