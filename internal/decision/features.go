package decision

import (
	"math"
	"time"

	"github.com/betbot/arena/internal/domain"
	"github.com/betbot/arena/internal/strategy"
)

const (
	momScale     = 35.0
	momCap       = 0.20
	volWindow    = 16
	minVolPrices = 6
	minVolRets   = 5
	ofDeltaCap   = 0.25
	tteCapSec    = 900.0
	tteScaleSec  = 300.0
)

// ExtractFeatures 从信号快照构造固定 schema 的特征向量。缺失的信号记 0。
func ExtractFeatures(m domain.Market, snap domain.SignalSnapshot, sig strategy.Signal, now time.Time) domain.FeatureVector {
	var x domain.FeatureVector
	x.Mom = momentumFeature(snap)
	x.Vol = volatilityFeature(snap.Prices)
	x.Strat = sig.Strength()

	if snap.Sentiment != nil {
		x.Sent = snap.Sentiment.Score - 0.5
	}

	volume := m.Volume24h
	ttr := m.TimeToResolution(now).Seconds()
	if of := snap.OrderFlow; of != nil {
		if of.CurrentProbability > 0 {
			x.OFDelta = clamp(of.CurrentProbability-m.Price, -ofDeltaCap, ofDeltaCap)
		}
		if of.Volume24h > 0 {
			volume = of.Volume24h
		}
		if of.TimeToResolution > 0 {
			ttr = of.TimeToResolution
		}
	}
	if volume > 0 {
		x.OFVol = math.Log1p(volume) / 10
	}
	x.TTE = clamp(ttr, 0, tteCapSec) / tteScaleSec

	if snap.Stale {
		x.Stale = 1
	}
	return x
}

func momentumFeature(snap domain.SignalSnapshot) float64 {
	p := snap.Prices
	var prev, last float64
	switch {
	case len(p) >= 2:
		prev, last = p[len(p)-2], p[len(p)-1]
	case len(p) == 1 && snap.Latest > 0:
		prev, last = p[0], snap.Latest
	default:
		return 0
	}
	if prev <= 0 {
		return 0
	}
	return clamp(momScale*(last-prev)/prev, -momCap, momCap)
}

// volatilityFeature 最近最多 16 个收益率的样本标准差
func volatilityFeature(prices []float64) float64 {
	if len(prices) < minVolPrices {
		return 0
	}
	rets := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 {
			continue
		}
		rets = append(rets, (prices[i]-prices[i-1])/prices[i-1])
	}
	if len(rets) < minVolRets {
		return 0
	}
	if len(rets) > volWindow {
		rets = rets[len(rets)-volWindow:]
	}
	mean := 0.0
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	ss := 0.0
	for _, r := range rets {
		ss += (r - mean) * (r - mean)
	}
	return math.Sqrt(ss / float64(len(rets)-1))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
