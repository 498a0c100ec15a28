package strategy

import (
	"fmt"
	"math"

	"github.com/betbot/arena/internal/domain"
)

// orderflow 盘口失衡 + 成交流向推出隐含概率，与市场价差超过 min_edge 才下注
type orderflow struct {
	params map[string]float64
}

func (s *orderflow) Kind() Kind                 { return KindOrderflow }
func (s *orderflow) Params() map[string]float64 { return domain.CloneParams(s.params) }

func (s *orderflow) Analyze(m domain.Market, snap domain.SignalSnapshot) Signal {
	of := snap.OrderFlow
	if of == nil {
		return hold("no_orderflow")
	}
	price := m.Price
	if price <= 0 || price >= 1 {
		return hold("invalid_price")
	}
	p := price + of.Imbalance*s.params["imbalance_weight"] + (of.TradeFlow-0.5)*s.params["flow_weight"]
	p = math.Max(0.01, math.Min(0.99, p))

	minEdge := s.params["min_edge"]
	edge := math.Abs(p - price)
	conf := math.Min(0.95, 0.5+edge*2)
	switch {
	case p > price+minEdge:
		return buy(domain.SideYes, conf, fmt.Sprintf("flow implies %.3f > %.3f (imb %.2f, flow %.2f)", p, price, of.Imbalance, of.TradeFlow))
	case p < price-minEdge:
		return buy(domain.SideNo, conf, fmt.Sprintf("flow implies %.3f < %.3f (imb %.2f, flow %.2f)", p, price, of.Imbalance, of.TradeFlow))
	default:
		return hold(fmt.Sprintf("edge %.3f below %.3f", edge, minEdge))
	}
}
