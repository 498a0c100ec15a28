package strategy

import (
	"fmt"
	"math"

	"github.com/betbot/arena/internal/domain"
)

// meanReversion 最新价偏离均值超过 z 阈值时反向
type meanReversion struct {
	params map[string]float64
}

func (s *meanReversion) Kind() Kind                 { return KindMeanReversion }
func (s *meanReversion) Params() map[string]float64 { return domain.CloneParams(s.params) }

func (s *meanReversion) Analyze(_ domain.Market, snap domain.SignalSnapshot) Signal {
	lookback := int(s.params["lookback"])
	thr := s.params["z_threshold"]
	if len(snap.Prices) < lookback {
		return hold("insufficient_history")
	}
	window := snap.Prices[len(snap.Prices)-lookback:]
	mean, std := meanStd(window)
	if std <= 1e-9 {
		return hold("flat_window")
	}
	latest := window[len(window)-1]
	z := (latest - mean) / std
	if math.Abs(z) < thr {
		return hold(fmt.Sprintf("z=%.2f inside band", z))
	}
	conf := math.Min(0.95, 0.55+(math.Abs(z)-thr)*0.15)
	if conf < s.params["min_confidence"] {
		return hold(fmt.Sprintf("confidence %.3f below minimum", conf))
	}
	// 偏高买 no，偏低买 yes
	side := domain.SideYes
	if z > 0 {
		side = domain.SideNo
	}
	return buy(side, conf, fmt.Sprintf("z=%.2f vs mean %.4f", z, mean))
}
