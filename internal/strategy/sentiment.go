package strategy

import (
	"fmt"
	"math"

	"github.com/betbot/arena/internal/domain"
)

type sentiment struct {
	params map[string]float64
}

func (s *sentiment) Kind() Kind                 { return KindSentiment }
func (s *sentiment) Params() map[string]float64 { return domain.CloneParams(s.params) }

func (s *sentiment) Analyze(_ domain.Market, snap domain.SignalSnapshot) Signal {
	if snap.Sentiment == nil {
		return hold("no_sentiment")
	}
	dist := snap.Sentiment.Score - 0.5
	if math.Abs(dist) < s.params["threshold"] {
		return hold(fmt.Sprintf("sentiment %.2f near neutral", snap.Sentiment.Score))
	}
	conf := math.Min(0.95, 0.5+math.Abs(dist)*snap.Sentiment.Confidence)
	if conf < s.params["min_confidence"] {
		return hold(fmt.Sprintf("confidence %.3f below minimum", conf))
	}
	side := domain.SideYes
	if dist < 0 {
		side = domain.SideNo
	}
	return buy(side, conf, fmt.Sprintf("sentiment %.2f (conf %.2f)", snap.Sentiment.Score, snap.Sentiment.Confidence))
}
