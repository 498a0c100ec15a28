package strategy

import (
	"fmt"
	"math"
	"strings"

	"github.com/betbot/arena/internal/domain"
)

// hybrid 组合 momentum 与 mean_reversion 子信号的加权投票
type hybrid struct {
	params  map[string]float64
	mom     Strategy
	meanRev Strategy
}

func newHybrid(p map[string]float64) Strategy {
	return &hybrid{
		params:  p,
		mom:     &momentum{params: Defaults(KindMomentum)},
		meanRev: &meanReversion{params: Defaults(KindMeanReversion)},
	}
}

func (s *hybrid) Kind() Kind                 { return KindHybrid }
func (s *hybrid) Params() map[string]float64 { return domain.CloneParams(s.params) }

func (s *hybrid) Analyze(m domain.Market, snap domain.SignalSnapshot) Signal {
	subs := []struct {
		name   string
		weight float64
		sig    Signal
	}{
		{"momentum", s.params["momentum_weight"], s.mom.Analyze(m, snap)},
		{"mean_reversion", s.params["mean_rev_weight"], s.meanRev.Analyze(m, snap)},
	}

	score := 0.0
	var yes, no int
	var parts []string
	for _, sub := range subs {
		if sub.sig.Action != ActionBuy {
			continue
		}
		score += sub.sig.Strength() * sub.weight
		if sub.sig.Side == domain.SideYes {
			yes++
		} else {
			no++
		}
		parts = append(parts, fmt.Sprintf("%s:%s@%.2f", sub.name, sub.sig.Side, sub.sig.Confidence))
	}
	if len(parts) == 0 {
		return hold("no_sub_signal")
	}

	conf := math.Abs(score)
	if yes >= 2 || no >= 2 {
		conf += s.params["agreement_bonus"]
	}
	conf = math.Min(0.95, conf)
	if conf < s.params["confidence_threshold"] {
		return hold(fmt.Sprintf("combined %.3f below threshold (%s)", conf, strings.Join(parts, ",")))
	}
	side := domain.SideYes
	if score < 0 {
		side = domain.SideNo
	}
	return buy(side, conf, "hybrid "+strings.Join(parts, ","))
}
