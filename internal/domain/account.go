package domain

import "github.com/shopspring/decimal"

// Account is derived from the cash ledger and open positions. It is never
// mutated directly.
type Account struct {
	Cash             decimal.Decimal `json:"cash"`
	BuyingPower      decimal.Decimal `json:"buying_power"`
	PortfolioValue   decimal.Decimal `json:"portfolio_value"`
	LongMarketValue  decimal.Decimal `json:"long_market_value"`
	ShortMarketValue decimal.Decimal `json:"short_market_value"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	PositionsCount   int             `json:"positions_count"`
}

// DeriveAccount values open positions at marks (falling back to the average
// entry) on top of cash. Buying power excludes short-sale proceeds.
func DeriveAccount(cash decimal.Decimal, open []Position, marks map[string]decimal.Decimal, realized decimal.Decimal) Account {
	acct := Account{
		Cash:             cash,
		LongMarketValue:  decimal.Zero,
		ShortMarketValue: decimal.Zero,
		RealizedPnL:      realized,
	}
	for i := range open {
		p := &open[i]
		if !p.IsOpen() {
			continue
		}
		snap := p.Snapshot(marks[p.Symbol])
		if p.Direction == Short {
			acct.ShortMarketValue = acct.ShortMarketValue.Add(snap.MarketValue)
		} else {
			acct.LongMarketValue = acct.LongMarketValue.Add(snap.MarketValue)
		}
		acct.PositionsCount++
	}
	acct.PortfolioValue = cash.Add(acct.LongMarketValue).Add(acct.ShortMarketValue)
	acct.BuyingPower = cash.Add(acct.ShortMarketValue)
	if acct.BuyingPower.IsNegative() {
		acct.BuyingPower = decimal.Zero
	}
	return acct
}
