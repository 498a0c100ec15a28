package strategy

import (
	"math"
	"math/rand"
	"testing"
	"testing/quick"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/betbot/arena/internal/domain"
)

func withNow(t *testing.T, now time.Time) {
	t.Helper()
	prev := nowFunc
	nowFunc = func() time.Time { return now }
	t.Cleanup(func() { nowFunc = prev })
}

func rising(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func TestEveryKindBuilds(t *testing.T) {
	for _, k := range Kinds() {
		s, err := New(k, nil)
		require.NoError(t, err, k)
		require.Equal(t, k, s.Kind())
		require.Equal(t, Defaults(k), s.Params())
	}
	h, err := New(KindHybrid, nil)
	require.NoError(t, err)
	hy := h.(*hybrid)
	require.Equal(t, Defaults(KindMomentum), hy.mom.Params())
	require.Equal(t, Defaults(KindMeanReversion), hy.meanRev.Params())
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds() {
		got, err := ParseKind(string(k))
		require.NoError(t, err)
		require.Equal(t, k, got)
	}
	_, err := ParseKind("arbitrage")
	require.Error(t, err)
	_, err = New("arbitrage", nil)
	require.Error(t, err)
}

func TestNewMergesDefaultsAndClamps(t *testing.T) {
	s, err := New(KindUpDown, map[string]float64{
		"lookback_candles":  7.6,
		"max_market_price":  0.99,
		"position_size_pct": math.NaN(),
	})
	require.NoError(t, err)
	p := s.Params()
	if p["lookback_candles"] != 8 {
		t.Fatalf("lookback got=%v want=8", p["lookback_candles"])
	}
	if p["max_market_price"] != 0.85 {
		t.Fatalf("max_market_price got=%v want=0.85", p["max_market_price"])
	}
	require.Equal(t, 0.06, p["position_size_pct"])
	require.Equal(t, 0.28, p["min_market_price"])

	// 返回副本
	p["lookback_candles"] = 100
	require.Equal(t, 8.0, s.Params()["lookback_candles"])
}

func TestMutableKeysSorted(t *testing.T) {
	for _, k := range Kinds() {
		keys := MutableKeys(k)
		require.NotEmpty(t, keys, k)
		for i := 1; i < len(keys); i++ {
			require.Less(t, keys[i-1], keys[i])
		}
		defs := Defaults(k)
		for _, key := range keys {
			_, ok := defs[key]
			require.True(t, ok, "%s missing default for %s", k, key)
		}
	}
}

func TestNormalizeStaysInBounds(t *testing.T) {
	f := func(seed int64) bool {
		r := rand.New(rand.NewSource(seed))
		for _, k := range Kinds() {
			in := map[string]float64{}
			for _, key := range MutableKeys(k) {
				in[key] = (r.Float64() - 0.5) * 200
			}
			out := Normalize(k, in)
			for key, b := range ParamBounds(k) {
				if out[key] < b.Min || out[key] > b.Max {
					return false
				}
				if b.Integer && out[key] != math.Round(out[key]) {
					return false
				}
			}
		}
		return true
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatal(err)
	}
}

func TestStrengthSign(t *testing.T) {
	require.Equal(t, 0.7, buy(domain.SideYes, 0.7, "").Strength())
	require.Equal(t, -0.7, buy(domain.SideNo, 0.7, "").Strength())
	require.Equal(t, 0.0, hold("x").Strength())
	require.Equal(t, 0.95, buy(domain.SideYes, 1.4, "").Confidence)
}

func TestMomentum(t *testing.T) {
	s, _ := New(KindMomentum, nil)
	m := domain.Market{ID: "m", Price: 0.5}

	sig := s.Analyze(m, domain.SignalSnapshot{Prices: rising(5, 0.5, 0.01)})
	require.Equal(t, ActionHold, sig.Action)

	sig = s.Analyze(m, domain.SignalSnapshot{Prices: rising(12, 0.50, 0.002)})
	require.Equal(t, ActionBuy, sig.Action)
	require.Equal(t, domain.SideYes, sig.Side)

	sig = s.Analyze(m, domain.SignalSnapshot{Prices: rising(12, 0.60, -0.002)})
	require.Equal(t, domain.SideNo, sig.Side)

	flat := rising(12, 0.5, 0)
	require.Equal(t, ActionHold, s.Analyze(m, domain.SignalSnapshot{Prices: flat}).Action)
}

func TestMeanReversion(t *testing.T) {
	s, _ := New(KindMeanReversion, nil)
	m := domain.Market{ID: "m", Price: 0.5}

	prices := make([]float64, 20)
	for i := range prices {
		prices[i] = 0.50 + 0.005*float64(i%2)
	}
	prices[19] = 0.56
	sig := s.Analyze(m, domain.SignalSnapshot{Prices: prices})
	require.Equal(t, ActionBuy, sig.Action)
	require.Equal(t, domain.SideNo, sig.Side)

	prices[19] = 0.44
	sig = s.Analyze(m, domain.SignalSnapshot{Prices: prices})
	require.Equal(t, domain.SideYes, sig.Side)

	require.Equal(t, "flat_window", s.Analyze(m, domain.SignalSnapshot{Prices: rising(20, 0.5, 0)}).Reason)
}

func TestSentiment(t *testing.T) {
	s, _ := New(KindSentiment, nil)
	m := domain.Market{ID: "m", Price: 0.5}

	require.Equal(t, ActionHold, s.Analyze(m, domain.SignalSnapshot{}).Action)
	require.Equal(t, ActionHold, s.Analyze(m, domain.SignalSnapshot{Sentiment: &domain.SentimentScore{Score: 0.6, Confidence: 1}}).Action)

	sig := s.Analyze(m, domain.SignalSnapshot{Sentiment: &domain.SentimentScore{Score: 0.2, Confidence: 0.8}})
	require.Equal(t, ActionBuy, sig.Action)
	require.Equal(t, domain.SideNo, sig.Side)
	require.InDelta(t, 0.74, sig.Confidence, 1e-9)
}

func TestOrderflow(t *testing.T) {
	s, _ := New(KindOrderflow, nil)
	m := domain.Market{ID: "m", Price: 0.5}

	require.Equal(t, "no_orderflow", s.Analyze(m, domain.SignalSnapshot{}).Reason)

	// p = 0.5 + 0.2*0.42 + 0.1*0.31 = 0.615
	sig := s.Analyze(m, domain.SignalSnapshot{OrderFlow: &domain.OrderFlow{Imbalance: 0.2, TradeFlow: 0.6}})
	require.Equal(t, ActionBuy, sig.Action)
	require.Equal(t, domain.SideYes, sig.Side)
	require.InDelta(t, 0.73, sig.Confidence, 1e-9)

	sig = s.Analyze(m, domain.SignalSnapshot{OrderFlow: &domain.OrderFlow{Imbalance: -0.2, TradeFlow: 0.4}})
	require.Equal(t, domain.SideNo, sig.Side)

	sig = s.Analyze(m, domain.SignalSnapshot{OrderFlow: &domain.OrderFlow{Imbalance: 0.02, TradeFlow: 0.5}})
	require.Equal(t, ActionHold, sig.Action)
}

func TestUpDownOnlyShortMarkets(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	withNow(t, now)
	s, _ := New(KindUpDown, nil)
	snap := domain.SignalSnapshot{Prices: rising(8, 0.50, 0.01)}

	long := domain.Market{ID: "m", Question: "Will X happen?", Price: 0.5, EndDate: now.Add(48 * time.Hour)}
	require.Equal(t, "not_updown_market", s.Analyze(long, snap).Reason)

	short := long
	short.EndDate = now.Add(30 * time.Minute)
	sig := s.Analyze(short, snap)
	require.Equal(t, ActionBuy, sig.Action)
	require.Equal(t, domain.SideYes, sig.Side)

	named := long
	named.Question = "Bitcoin Up or Down - 3PM ET"
	require.Equal(t, ActionBuy, s.Analyze(named, snap).Action)
}

func TestUpDownPriceFilters(t *testing.T) {
	s, _ := New(KindUpDown, nil)
	up := domain.SignalSnapshot{Prices: rising(8, 0.50, 0.01)}
	down := domain.SignalSnapshot{Prices: rising(8, 0.60, -0.01)}
	m := domain.Market{ID: "m", Question: "ETH Up or Down", Price: 0.80}

	require.Equal(t, ActionHold, s.Analyze(m, up).Action)

	m.Price = 0.50
	sig := s.Analyze(m, down)
	require.Equal(t, ActionBuy, sig.Action)
	require.Equal(t, domain.SideNo, sig.Side)

	// no 价格 0.80 超过上限
	m.Price = 0.20
	require.Equal(t, ActionHold, s.Analyze(m, down).Action)
}

func TestHybridAgreementAndThreshold(t *testing.T) {
	s, _ := New(KindHybrid, nil)
	m := domain.Market{ID: "m", Price: 0.5}

	require.Equal(t, "no_sub_signal", s.Analyze(m, domain.SignalSnapshot{Prices: rising(25, 0.5, 0)}).Reason)

	// 只有 momentum 出信号：0.95*0.5 低于默认 0.6 门槛
	solo := append(rising(9, 0.60, 0), rising(11, 0.40, 0.004)...)
	require.Equal(t, ActionHold, s.Analyze(m, domain.SignalSnapshot{Prices: solo}).Action)

	low, _ := New(KindHybrid, map[string]float64{"confidence_threshold": 0.4})
	sig := low.Analyze(m, domain.SignalSnapshot{Prices: solo})
	require.Equal(t, ActionBuy, sig.Action)
	require.Equal(t, domain.SideYes, sig.Side)
	require.InDelta(t, 0.475, sig.Confidence, 1e-9)

	// 两个子信号同向，加 agreement bonus
	agree := append(rising(9, 0.9, 0), 0.3)
	agree = append(agree, rising(9, 0.9, 0)...)
	agree = append(agree, 0.5)
	sig = s.Analyze(m, domain.SignalSnapshot{Prices: agree})
	require.Equal(t, ActionBuy, sig.Action)
	require.Equal(t, domain.SideYes, sig.Side)
	require.Equal(t, 0.95, sig.Confidence)
}
