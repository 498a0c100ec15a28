package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/betbot/arena/internal/domain"
)

// upDown 短周期涨跌盘：只看 IsUpDown 或一小时内结算的市场
type upDown struct {
	params map[string]float64
}

func (s *upDown) Kind() Kind                 { return KindUpDown }
func (s *upDown) Params() map[string]float64 { return domain.CloneParams(s.params) }

func (s *upDown) applies(m *domain.Market) bool {
	if m.IsUpDown() {
		return true
	}
	ttr := m.TimeToResolution(nowFunc())
	return ttr > 0 && ttr < time.Hour
}

func (s *upDown) Analyze(m domain.Market, snap domain.SignalSnapshot) Signal {
	if !s.applies(&m) {
		return hold("not_updown_market")
	}
	lookback := int(s.params["lookback_candles"])
	prices := snap.Prices
	if len(prices) < lookback+1 {
		return hold("insufficient_history")
	}

	window := prices[len(prices)-lookback-1:]
	oldest := window[0]
	newest := window[len(window)-1]
	pct := pctChange(oldest, newest)

	// 连续同向的步数占比
	dir := math.Copysign(1, pct)
	streak := 0
	for i := len(window) - 1; i > 0; i-- {
		step := window[i] - window[i-1]
		if step == 0 || math.Copysign(1, step) != dir {
			break
		}
		streak++
	}
	trend := float64(streak) / float64(len(window)-1)

	volSignal := 0.5
	if vols := snap.Volumes; len(vols) >= 2*lookback {
		recent, prev := 0.0, 0.0
		for _, v := range vols[len(vols)-lookback:] {
			recent += v
		}
		for _, v := range vols[len(vols)-2*lookback : len(vols)-lookback] {
			prev += v
		}
		if prev > 0 {
			volSignal = math.Min(1, recent/prev*0.5)
		}
	}

	thr := s.params["momentum_threshold"]
	if math.Abs(pct) < thr {
		return hold(fmt.Sprintf("move %.4f below threshold", pct))
	}
	momConf := math.Min(1, math.Abs(pct)/math.Max(thr, 1e-4)*0.5+trend*0.5)
	conf := math.Min(0.95, momConf*s.params["momentum_weight"]+volSignal*s.params["volume_confirm_weight"])
	minConf := s.params["min_confidence"]
	maxPrice := s.params["max_market_price"]
	price := m.Price

	if pct > 0 {
		if price > maxPrice {
			return hold(fmt.Sprintf("yes price %.3f above %.2f", price, maxPrice))
		}
		if conf < minConf {
			return hold(fmt.Sprintf("confidence %.3f below minimum", conf))
		}
		edge := maxPrice - price
		return buy(domain.SideYes, conf+edge*0.3, fmt.Sprintf("up %.2f%% trend %.2f vol %.2f", pct*100, trend, volSignal))
	}

	no := 1 - price
	if no > maxPrice || price < s.params["min_market_price"] {
		return hold(fmt.Sprintf("no price %.3f out of range", no))
	}
	if conf < minConf {
		return hold(fmt.Sprintf("confidence %.3f below minimum", conf))
	}
	edge := maxPrice - no
	return buy(domain.SideNo, conf+edge*0.3, fmt.Sprintf("down %.2f%% trend %.2f vol %.2f", pct*100, trend, volSignal))
}
