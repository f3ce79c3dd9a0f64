package domain

import "github.com/shopspring/decimal"

// BracketHit describes a triggered bracket leg.
type BracketHit struct {
	Reason Reason // STOP_LOSS or TAKE_PROFIT
	Price  decimal.Decimal
}

// EvaluateBracket checks the stop and take-profit levels of p against the
// price range [low, high] seen since the last evaluation. When a gap satisfies
// both legs the stop-loss wins. A leg that was gapped through fills at the
// nearest traded price instead of its level.
func EvaluateBracket(p *Position, low, high decimal.Decimal) (BracketHit, bool) {
	if !p.IsOpen() {
		return BracketHit{}, false
	}
	if high.LessThan(low) {
		low, high = high, low
	}
	stop, target := p.StopPrice, p.TakeProfit

	if p.Direction == Short {
		if stop.IsPositive() && !high.LessThan(stop) {
			fill := stop
			if low.GreaterThan(stop) {
				fill = low
			}
			return BracketHit{Reason: ReasonStopLoss, Price: fill}, true
		}
		if target.IsPositive() && !low.GreaterThan(target) {
			fill := target
			if high.LessThan(target) {
				fill = high
			}
			return BracketHit{Reason: ReasonTakeProfit, Price: fill}, true
		}
		return BracketHit{}, false
	}

	if stop.IsPositive() && !low.GreaterThan(stop) {
		fill := stop
		if high.LessThan(stop) {
			fill = high
		}
		return BracketHit{Reason: ReasonStopLoss, Price: fill}, true
	}
	if target.IsPositive() && !high.LessThan(target) {
		fill := target
		if low.GreaterThan(target) {
			fill = low
		}
		return BracketHit{Reason: ReasonTakeProfit, Price: fill}, true
	}
	return BracketHit{}, false
}
