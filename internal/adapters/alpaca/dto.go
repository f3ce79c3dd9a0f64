package alpaca

import (
	"time"

	"github.com/shopspring/decimal"

	"execledger/internal/domain"
)

// OrderPayload is the body of POST /v2/orders. Numbers travel as strings.
type OrderPayload struct {
	Symbol        string             `json:"symbol"`
	Qty           string             `json:"qty"`
	Side          string             `json:"side"`
	Type          string             `json:"type"`
	TimeInForce   string             `json:"time_in_force"`
	LimitPrice    string             `json:"limit_price,omitempty"`
	StopPrice     string             `json:"stop_price,omitempty"`
	TrailPrice    string             `json:"trail_price,omitempty"`
	TrailPercent  string             `json:"trail_percent,omitempty"`
	ClientOrderID string             `json:"client_order_id,omitempty"`
	OrderClass    string             `json:"order_class,omitempty"`
	TakeProfit    *TakeProfitPayload `json:"take_profit,omitempty"`
	StopLoss      *StopLossPayload   `json:"stop_loss,omitempty"`
}

type TakeProfitPayload struct {
	LimitPrice string `json:"limit_price"`
}

type StopLossPayload struct {
	StopPrice  string `json:"stop_price"`
	LimitPrice string `json:"limit_price,omitempty"`
}

// ReplacePayload is the body of PATCH /v2/orders/{id}.
type ReplacePayload struct {
	Qty        string `json:"qty,omitempty"`
	LimitPrice string `json:"limit_price,omitempty"`
	StopPrice  string `json:"stop_price,omitempty"`
	Trail      string `json:"trail,omitempty"`
}

// OrderDTO is a broker order.
type OrderDTO struct {
	ID             string          `json:"id"`
	ClientOrderID  string          `json:"client_order_id"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Type           string          `json:"type"`
	TimeInForce    string          `json:"time_in_force"`
	OrderClass     string          `json:"order_class"`
	Status         string          `json:"status"`
	Qty            decimal.Decimal `json:"qty"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	FilledAvgPrice decimal.Decimal `json:"filled_avg_price"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	StopPrice      decimal.Decimal `json:"stop_price"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	FilledAt       *time.Time      `json:"filled_at"`
	ReplacedBy     string          `json:"replaced_by,omitempty"`
	Legs           []OrderDTO      `json:"legs"`
}

// carries reports whether the order already holds the levels of p.
func (o *OrderDTO) carries(p ReplacePayload) bool {
	same := func(want string, got decimal.Decimal) bool {
		if want == "" {
			return true
		}
		v, err := decimal.NewFromString(want)
		return err == nil && v.Equal(got)
	}
	return same(p.StopPrice, o.StopPrice) && same(p.LimitPrice, o.LimitPrice)
}

// PositionDTO is a broker position. Qty is negative for shorts.
type PositionDTO struct {
	Symbol         string          `json:"symbol"`
	Qty            decimal.Decimal `json:"qty"`
	Side           string          `json:"side"`
	AvgEntryPrice  decimal.Decimal `json:"avg_entry_price"`
	CurrentPrice   decimal.Decimal `json:"current_price"`
	MarketValue    decimal.Decimal `json:"market_value"`
	CostBasis      decimal.Decimal `json:"cost_basis"`
	UnrealizedPL   decimal.Decimal `json:"unrealized_pl"`
	UnrealizedPLPC decimal.Decimal `json:"unrealized_plpc"`
}

// AccountDTO is the brokerage account.
type AccountDTO struct {
	Cash             decimal.Decimal `json:"cash"`
	BuyingPower      decimal.Decimal `json:"buying_power"`
	PortfolioValue   decimal.Decimal `json:"portfolio_value"`
	LongMarketValue  decimal.Decimal `json:"long_market_value"`
	ShortMarketValue decimal.Decimal `json:"short_market_value"`
	Status           string          `json:"status"`
}

func decString(d decimal.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

// newOrderPayload translates an entry request. The action id is the
// client_order_id.
func newOrderPayload(req domain.OrderRequest, clientOrderID string) OrderPayload {
	p := OrderPayload{
		Symbol:        ToBroker(req.Symbol),
		Qty:           req.Qty.String(),
		Side:          string(req.Side),
		Type:          string(req.Type),
		TimeInForce:   string(req.TimeInForce),
		LimitPrice:    decString(req.LimitPrice),
		StopPrice:     decString(req.StopPrice),
		TrailPrice:    decString(req.TrailPrice),
		TrailPercent:  decString(req.TrailPercent),
		ClientOrderID: clientOrderID,
	}
	if req.Class != domain.ClassSimple {
		p.OrderClass = string(req.Class)
		if req.TakeProfit != nil {
			p.TakeProfit = &TakeProfitPayload{LimitPrice: req.TakeProfit.LimitPrice.String()}
		}
		if req.StopLoss != nil {
			p.StopLoss = &StopLossPayload{
				StopPrice:  req.StopLoss.StopPrice.String(),
				LimitPrice: decString(req.StopLoss.LimitPrice),
			}
		}
	}
	return p
}

func (o *OrderDTO) terminal() bool {
	return domain.OrderStatus(o.Status).IsTerminal()
}

// stopLeg and takeProfitLeg find bracket legs by order type.
func (o *OrderDTO) stopLeg() *OrderDTO {
	for i := range o.Legs {
		switch o.Legs[i].Type {
		case string(domain.OrderTypeStop), string(domain.OrderTypeStopLimit), string(domain.OrderTypeTrailingStop):
			return &o.Legs[i]
		}
	}
	return nil
}

func (o *OrderDTO) takeProfitLeg() *OrderDTO {
	for i := range o.Legs {
		if o.Legs[i].Type == string(domain.OrderTypeLimit) {
			return &o.Legs[i]
		}
	}
	return nil
}

// toOrder maps a broker order onto the adapter's order shape.
func (o *OrderDTO) toOrder(positionID string) *domain.Order {
	out := &domain.Order{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		PositionID:     positionID,
		Symbol:         FromBroker(o.Symbol),
		Side:           domain.OrderSide(o.Side),
		Type:           domain.OrderType(o.Type),
		TimeInForce:    domain.TimeInForce(o.TimeInForce),
		Class:          domain.OrderClass(o.OrderClass),
		Status:         domain.OrderStatus(o.Status),
		Qty:            o.Qty,
		FilledQty:      o.FilledQty,
		FilledAvgPrice: o.FilledAvgPrice,
		LimitPrice:     o.LimitPrice,
		StopPrice:      o.StopPrice,
		SubmittedAt:    o.SubmittedAt,
		FilledAt:       o.FilledAt,
	}
	if out.Class == "" {
		out.Class = domain.ClassSimple
	}
	for i := range o.Legs {
		out.Legs = append(out.Legs, *o.Legs[i].toOrder(positionID))
	}
	return out
}

// toSnapshot maps a broker position onto the adapter's snapshot shape.
func (p *PositionDTO) toSnapshot() domain.PositionSnapshot {
	side := p.Side
	if side == "" {
		side = domain.Long.WireSide()
		if p.Qty.IsNegative() {
			side = domain.Short.WireSide()
		}
	}
	qty := p.Qty.Abs()
	if side == domain.Short.WireSide() {
		qty = qty.Neg()
	}
	return domain.PositionSnapshot{
		Symbol:         FromBroker(p.Symbol),
		Qty:            qty,
		Side:           side,
		AvgEntryPrice:  p.AvgEntryPrice,
		CurrentPrice:   p.CurrentPrice,
		MarketValue:    p.MarketValue,
		CostBasis:      p.CostBasis,
		UnrealizedPL:   p.UnrealizedPL,
		UnrealizedPLPC: p.UnrealizedPLPC,
	}
}

func (p *PositionDTO) direction() domain.Direction {
	if p.Side == domain.Short.WireSide() || p.Qty.IsNegative() {
		return domain.Short
	}
	return domain.Long
}
