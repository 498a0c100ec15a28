package decision

import (
	"context"
	"errors"
	"math"
	"testing"
	"testing/quick"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/betbot/arena/internal/domain"
	"github.com/betbot/arena/internal/ports"
	"github.com/betbot/arena/internal/strategy"
	"github.com/betbot/arena/pkg/config"
)

type fixedModel struct {
	p   float64
	err error
	got domain.FeatureVector
}

func (f *fixedModel) Predict(_ context.Context, _ string, _ float64, x domain.FeatureVector) (float64, error) {
	f.got = x
	return f.p, f.err
}

type stubProvider struct {
	sig domain.ProviderSignal
	err error
}

func (s stubProvider) Name() string { return "stub" }
func (s stubProvider) Analyze(context.Context, domain.Market, domain.SignalSnapshot) (domain.ProviderSignal, error) {
	return s.sig, s.err
}

func paperConfig() Config {
	return ConfigFor(domain.ModePaper, config.Default().Decision)
}

func newEngine(t *testing.T, p float64, providers ...stubProvider) (*Engine, *fixedModel) {
	t.Helper()
	strat, err := strategy.New(strategy.KindMomentum, nil)
	require.NoError(t, err)
	model := &fixedModel{p: p}
	provs := make([]ports.SignalProvider, 0, len(providers))
	for _, pr := range providers {
		provs = append(provs, pr)
	}
	e := New(domain.BotConfig{BotID: "bot-1", StrategyKind: "momentum"}, strat, model, paperConfig(), provs...)
	return e, model
}

func TestDecideScenarioHalfPriceModelSixtyTwo(t *testing.T) {
	e, _ := newEngine(t, 0.62)
	d, err := e.Decide(context.Background(), domain.Market{ID: "m1", Price: 0.50}, domain.SignalSnapshot{}, Sizing{})
	require.NoError(t, err)
	require.False(t, d.IsSkip())

	in := d.Intent
	require.Equal(t, domain.SideYes, in.Side)
	if math.Abs(in.ExpectedValue-0.2157) > 1e-4 {
		t.Fatalf("ev got=%v want=0.2157", in.ExpectedValue)
	}
	if math.Abs(in.Features.Kelly-0.1123) > 1e-3 {
		t.Fatalf("kelly got=%v want≈0.1123", in.Features.Kelly)
	}
	require.InDelta(t, 50*in.Features.Kelly, in.SuggestedAmount, 1e-9)
	require.InDelta(t, 0.30, in.Confidence, 1e-9)
	require.InDelta(t, 0.51, in.Features.PEntryYes, 1e-12)
	require.InDelta(t, 0.51, in.Features.PEntryNo, 1e-12)
}

func TestDecideChoosesNoSide(t *testing.T) {
	e, _ := newEngine(t, 0.30)
	d, err := e.Decide(context.Background(), domain.Market{ID: "m1", Price: 0.50}, domain.SignalSnapshot{}, Sizing{})
	require.NoError(t, err)
	require.False(t, d.IsSkip())
	require.Equal(t, domain.SideNo, d.Intent.Side)
	require.Greater(t, d.Intent.Features.EVNo, d.Intent.Features.EVYes)
}

func TestDecideSkipCarriesFeatures(t *testing.T) {
	e, _ := newEngine(t, 0.52)
	d, err := e.Decide(context.Background(), domain.Market{ID: "m1", Price: 0.50}, domain.SignalSnapshot{}, Sizing{})
	require.NoError(t, err)
	require.True(t, d.IsSkip())
	require.Equal(t, domain.ReasonNoEdge, d.Skip.Reason)
	require.Equal(t, 0.50, d.Skip.Features.MarketPrice)
	require.Equal(t, 0.52, d.Skip.Features.PYes)
	require.InDelta(t, 0.51, d.Skip.Features.PEntryYes, 1e-12)
}

func TestDecideInvalidPrice(t *testing.T) {
	e, _ := newEngine(t, 0.9)
	for _, price := range []float64{0, 1, -0.2, math.NaN()} {
		d, err := e.Decide(context.Background(), domain.Market{ID: "m1", Price: price}, domain.SignalSnapshot{}, Sizing{})
		require.NoError(t, err)
		require.True(t, d.IsSkip())
		require.Equal(t, domain.ReasonNoMarketData, d.Skip.Reason)
	}
}

func TestDecideModelError(t *testing.T) {
	e, m := newEngine(t, 0.6)
	m.err = errors.New("db down")
	_, err := e.Decide(context.Background(), domain.Market{ID: "m1", Price: 0.5}, domain.SignalSnapshot{}, Sizing{})
	require.Error(t, err)
}

func TestSizingCapsAmount(t *testing.T) {
	e, _ := newEngine(t, 0.62)
	d, err := e.Decide(context.Background(), domain.Market{ID: "m1", Price: 0.50}, domain.SignalSnapshot{}, Sizing{MaxTradeSize: 20, KellyFraction: 0.25})
	require.NoError(t, err)
	k := KellyFraction(0.62, 0.51) * 0.25
	require.InDelta(t, 20*k, d.Intent.SuggestedAmount, 1e-9)
}

func TestKellyBounded(t *testing.T) {
	f := func(a, b uint16) bool {
		p := float64(a%1000) / 1000
		entry := 0.01 + float64(b%980)/1000
		k := KellyFraction(p, entry) * 0.5
		amount := 50 * k
		return k >= 0 && k <= 0.25*0.5 && amount >= 0 && amount <= 0.25*0.5*50
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatal(err)
	}
}

func TestBlend(t *testing.T) {
	// 无信号不动
	require.Equal(t, 0.4, Blend(0.4, nil, 0.2))
	require.Equal(t, 0.4, Blend(0.4, []domain.ProviderSignal{{Provider: "x"}}, 0.2))

	// yes@0.8 → t=0.9，p += 0.2*(0.9-0.5)
	got := Blend(0.5, []domain.ProviderSignal{{Direction: domain.SideYes, Confidence: 0.8}}, 0.2)
	require.InDelta(t, 0.58, got, 1e-12)

	// 两个对冲信号置信度相同 → t 均值 0.5
	got = Blend(0.5, []domain.ProviderSignal{
		{Direction: domain.SideYes, Confidence: 0.6},
		{Direction: domain.SideNo, Confidence: 0.6},
	}, 0.2)
	require.InDelta(t, 0.5, got, 1e-12)
}

func TestProvidersFeedBlend(t *testing.T) {
	e, _ := newEngine(t, 0.55,
		stubProvider{sig: domain.ProviderSignal{Direction: domain.SideYes, Confidence: 1}},
		stubProvider{err: errors.New("timeout")},
	)
	d, err := e.Decide(context.Background(), domain.Market{ID: "m1", Price: 0.50}, domain.SignalSnapshot{}, Sizing{})
	require.NoError(t, err)
	require.False(t, d.IsSkip())
	require.InDelta(t, 0.64, d.Intent.Features.PYes, 1e-12)
	require.Equal(t, 0.55, d.Intent.Features.PYesModel)
	require.Len(t, d.Intent.Features.Providers, 1)
	require.Equal(t, "stub", d.Intent.Features.Providers[0].Provider)
}

func TestExtractFeatures(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := domain.Market{ID: "m", Price: 0.5, Volume24h: 1000, EndDate: now.Add(10 * time.Minute)}
	snap := domain.SignalSnapshot{
		Prices:    []float64{0.50, 0.51, 0.50, 0.52, 0.51, 0.50, 0.55},
		Stale:     true,
		Sentiment: &domain.SentimentScore{Score: 0.7, Confidence: 0.9},
		OrderFlow: &domain.OrderFlow{CurrentProbability: 0.9},
	}
	sig := strategy.Signal{Action: strategy.ActionBuy, Side: domain.SideNo, Confidence: 0.6}
	x := ExtractFeatures(m, snap, sig, now)

	require.Equal(t, 0.20, x.Mom) // 35*0.1 截断
	require.Greater(t, x.Vol, 0.0)
	require.InDelta(t, -0.6, x.Strat, 1e-12)
	require.InDelta(t, 0.2, x.Sent, 1e-12)
	require.Equal(t, 0.25, x.OFDelta)
	require.InDelta(t, math.Log1p(1000)/10, x.OFVol, 1e-12)
	require.InDelta(t, 2.0, x.TTE, 1e-9)
	require.Equal(t, 1.0, x.Stale)

	// 价格不足时 vol 为 0，单价格时用 latest 计算动量
	x = ExtractFeatures(m, domain.SignalSnapshot{Prices: []float64{0.5}, Latest: 0.501}, strategy.Signal{}, now)
	require.Equal(t, 0.0, x.Vol)
	require.InDelta(t, 35*0.001/0.5, x.Mom, 1e-9)
	require.Equal(t, 0.0, x.Strat)
}
