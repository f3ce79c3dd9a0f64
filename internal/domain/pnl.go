package domain

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// RealizedPnL is the profit of closing qty at exit against entry:
// (exit - entry) * qty for longs, (entry - exit) * qty for shorts.
func RealizedPnL(dir Direction, entry, exit, qty decimal.Decimal) decimal.Decimal {
	return exit.Sub(entry).Mul(qty).Mul(dir.Sign())
}

// UnrealizedPnL marks open quantity at the current price.
func UnrealizedPnL(dir Direction, avgEntry, current, openQty decimal.Decimal) decimal.Decimal {
	return RealizedPnL(dir, avgEntry, current, openQty)
}

// WeightedAverage is sum(qty*price)/sum(qty) over the open lots.
func WeightedAverage(lots []Lot) decimal.Decimal {
	totalQty := decimal.Zero
	totalCost := decimal.Zero
	for _, l := range lots {
		if l.Status != LotOpen || !l.Qty.IsPositive() {
			continue
		}
		totalQty = totalQty.Add(l.Qty)
		totalCost = totalCost.Add(l.Qty.Mul(l.EntryPrice))
	}
	if totalQty.IsZero() {
		return decimal.Zero
	}
	return totalCost.Div(totalQty)
}

// OpenQty sums the quantity of open lots.
func OpenQty(lots []Lot) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lots {
		if l.Status == LotOpen {
			total = total.Add(l.Qty)
		}
	}
	return total
}

// LotSlice is the part of a lot consumed by a close.
type LotSlice struct {
	LotID      string
	Qty        decimal.Decimal
	EntryPrice decimal.Decimal
}

// ConsumeFIFO closes qty from the oldest open lots first. It returns the
// updated lots, the consumed slices and the realized PnL of the slices at
// price. The input slice is not modified.
func ConsumeFIFO(lots []Lot, dir Direction, qty, price decimal.Decimal) ([]Lot, []LotSlice, decimal.Decimal, error) {
	if qty.GreaterThan(OpenQty(lots)) {
		return nil, nil, decimal.Zero, Validationf("consumeLots", "close quantity %s exceeds open quantity %s", qty, OpenQty(lots))
	}
	out := make([]Lot, len(lots))
	copy(out, lots)

	remaining := qty
	realized := decimal.Zero
	var slices []LotSlice
	for i := range out {
		if !remaining.IsPositive() {
			break
		}
		if out[i].Status != LotOpen || !out[i].Qty.IsPositive() {
			continue
		}
		take := decimal.Min(out[i].Qty, remaining)
		slices = append(slices, LotSlice{LotID: out[i].ID, Qty: take, EntryPrice: out[i].EntryPrice})
		realized = realized.Add(RealizedPnL(dir, out[i].EntryPrice, price, take))
		out[i].Qty = out[i].Qty.Sub(take)
		remaining = remaining.Sub(take)
		if out[i].Qty.IsZero() {
			out[i].Status = LotClosed
		}
	}
	return out, slices, realized, nil
}

// PercentOf returns pct percent of qty.
func PercentOf(qty, pct decimal.Decimal) decimal.Decimal {
	return qty.Mul(pct).Div(hundred)
}
