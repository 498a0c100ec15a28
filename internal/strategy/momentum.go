package strategy

import (
	"fmt"
	"math"

	"github.com/betbot/arena/internal/domain"
)

// momentum 顺势：lookback 窗口涨跌幅超过阈值则跟随
type momentum struct {
	params map[string]float64
}

func (s *momentum) Kind() Kind                 { return KindMomentum }
func (s *momentum) Params() map[string]float64 { return domain.CloneParams(s.params) }

func (s *momentum) Analyze(_ domain.Market, snap domain.SignalSnapshot) Signal {
	lookback := int(s.params["lookback"])
	thr := s.params["threshold"]
	prices := snap.Prices
	if len(prices) < lookback+1 {
		return hold("insufficient_history")
	}
	from := prices[len(prices)-1-lookback]
	to := prices[len(prices)-1]
	pct := pctChange(from, to)
	if math.Abs(pct) < thr {
		return hold(fmt.Sprintf("move %.4f below threshold %.4f", pct, thr))
	}
	conf := math.Min(0.95, 0.5+math.Abs(pct)/math.Max(thr, 1e-4)*0.1)
	if conf < s.params["min_confidence"] {
		return hold(fmt.Sprintf("confidence %.3f below minimum", conf))
	}
	side := domain.SideYes
	if pct < 0 {
		side = domain.SideNo
	}
	return buy(side, conf, fmt.Sprintf("momentum %.2f%% over %d ticks", pct*100, lookback))
}
