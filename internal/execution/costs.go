package execution

import (
	"math"

	"github.com/betbot/arena/internal/domain"
)

// CostBreakdown 一次执行的预估成本（美元）。Fees 为负表示 maker 返佣。
type CostBreakdown struct {
	Spread      float64 `json:"spread_cost"`
	Fees        float64 `json:"fees"`
	Gas         float64 `json:"gas_cost"`
	Slippage    float64 `json:"slippage"`
	Opportunity float64 `json:"opportunity_cost"`
	Total       float64 `json:"total_cost"`
	Pct         float64 `json:"cost_pct"`
	EstSeconds  float64 `json:"estimated_seconds"`
}

// OrderPrice 按下单风格定价（买入该侧 token）
func OrderPrice(style domain.OrderStyle, bid, ask float64) float64 {
	switch style {
	case domain.StyleMarket:
		return ask
	case domain.StyleLimit:
		mid := (bid + ask) / 2
		return math.Max(0.01, mid-0.1*(ask-bid))
	default:
		return math.Max(0.01, bid-0.001)
	}
}

// estimatedSeconds 预估成交耗时
func estimatedSeconds(style domain.OrderStyle, plan Plan, notional float64) float64 {
	var t float64
	switch plan {
	case PlanTWAP:
		t = 120
	case PlanIceberg:
		t = 180
	default:
		switch style {
		case domain.StyleMarket:
			t = 15
		case domain.StyleLimit:
			t = 45
		default:
			t = 30
		}
	}
	switch {
	case notional > 1000:
		t *= 2
	case notional > 500:
		t *= 1.5
	}
	return t
}

// EstimateCosts 预估总成本，orders 为计划下单笔数（决定 gas）
func (e *Engine) EstimateCosts(style domain.OrderStyle, plan Plan, price, bid, ask, notional float64, orders int) CostBreakdown {
	var c CostBreakdown
	if notional <= 0 || price <= 0 {
		return c
	}
	shares := notional / price
	mid := (bid + ask) / 2

	c.Spread = math.Abs(price-mid) * shares
	if style != domain.StyleMarket {
		c.Spread *= 0.1
	}
	if style.IsMaker() {
		c.Fees = -e.cfg.MakerRebateRate * notional
	} else {
		c.Fees = e.cfg.TakerFeeRate * notional
	}
	c.Gas = e.cfg.GasCostPerOrder * float64(orders)
	if notional > 100 {
		c.Slippage = math.Min(0.02, notional/1000*0.01) * notional
	}
	c.EstSeconds = estimatedSeconds(style, plan, notional)
	if c.EstSeconds > 60 {
		c.Opportunity = notional * 0.0001 * c.EstSeconds / 86400
	}
	c.Total = c.Spread + c.Fees + c.Gas + c.Slippage + c.Opportunity
	c.Pct = c.Total / notional
	return c
}
