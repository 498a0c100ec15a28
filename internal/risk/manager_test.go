package risk

import (
	"context"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"testing"
	"testing/quick"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/betbot/arena/internal/domain"
	"github.com/betbot/arena/internal/events"
	"github.com/betbot/arena/internal/ledger"
	"github.com/betbot/arena/pkg/config"
)

type fakeStore struct {
	mu         sync.Mutex
	open       map[string]float64
	dailyLoss  map[string]float64
	globalLoss float64
	recent     map[string]int
	losses     map[string]int
	state      map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		open:      map[string]float64{},
		dailyLoss: map[string]float64{},
		recent:    map[string]int{},
		losses:    map[string]int{},
		state:     map[string]string{},
	}
}

func (s *fakeStore) OpenPosition(_ context.Context, botID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open[botID], nil
}

func (s *fakeStore) GlobalOpenPosition(context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := 0.0
	for _, v := range s.open {
		sum += v
	}
	return sum, nil
}

func (s *fakeStore) DailyLoss(_ context.Context, botID string, _ time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dailyLoss[botID], nil
}

func (s *fakeStore) GlobalDailyLoss(context.Context, time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globalLoss, nil
}

func (s *fakeStore) TradesSince(_ context.Context, botID string, _ time.Time) (int, error) {
	return s.recent[botID], nil
}

func (s *fakeStore) ConsecutiveLosses(_ context.Context, botID string) (int, error) {
	return s.losses[botID], nil
}

func (s *fakeStore) GetState(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state[key]
	return v, ok, nil
}

func (s *fakeStore) SetState(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[key] = value
	return nil
}

func (s *fakeStore) DeleteState(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state, key)
	return nil
}

func (s *fakeStore) StatesWithPrefix(_ context.Context, prefix string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]string{}
	for k, v := range s.state {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (s *fakeStore) GetTime(ctx context.Context, key string) (time.Time, error) {
	v, ok, _ := s.GetState(ctx, key)
	if !ok {
		return time.Time{}, nil
	}
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t, nil
}

func (s *fakeStore) SetTime(ctx context.Context, key string, t time.Time) error {
	return s.SetState(ctx, key, t.UTC().Format(time.RFC3339Nano))
}

func (s *fakeStore) GetFloat(ctx context.Context, key string) (float64, bool, error) {
	v, ok, _ := s.GetState(ctx, key)
	if !ok {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	return f, err == nil, nil
}

func (s *fakeStore) SetFloat(ctx context.Context, key string, v float64) error {
	return s.SetState(ctx, key, strconv.FormatFloat(v, 'f', -1, 64))
}

type fixedBankroll struct {
	mu sync.Mutex
	v  float64
}

func (b *fixedBankroll) Current(context.Context) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.v, nil
}

func (b *fixedBankroll) set(v float64) {
	b.mu.Lock()
	b.v = v
	b.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Notify(_ context.Context, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	m        *Manager
	store    *fakeStore
	bankroll *fixedBankroll
	notes    *recorder
	now      time.Time
}

func newHarness(t *testing.T, bankroll float64, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		store:    newFakeStore(),
		bankroll: &fixedBankroll{v: bankroll},
		notes:    &recorder{},
		now:      time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC),
	}
	cfg := ConfigFrom(config.Default().Risk, 0.5)
	for _, fn := range mutate {
		fn(&cfg)
	}
	h.m = New(h.store, h.bankroll, h.notes, cfg, WithClock(func() time.Time { return h.now }))
	return h
}

func intent(bot string, amount float64) domain.TradeIntent {
	return domain.TradeIntent{BotID: bot, MarketID: "m1", Side: domain.SideYes, SuggestedAmount: amount}
}

func TestDailyLossPerBotPausesBot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 20)
	h.store.dailyLoss["bot-a"] = 3.10

	adm, err := h.m.Check(ctx, intent("bot-a", 1), domain.Market{})
	require.NoError(t, err)
	require.False(t, adm.Admitted)
	if adm.Reason != domain.ReasonDailyLossPerBot {
		t.Fatalf("reason got=%v want=%v", adm.Reason, domain.ReasonDailyLossPerBot)
	}
	require.Equal(t, 2.5, adm.Limits.MaxDailyLossPerBot)

	p, paused := h.m.Paused("bot-a")
	require.True(t, paused)
	require.Equal(t, domain.ReasonDailyLossPerBot, p.Reason)
	require.Contains(t, h.store.state, ledger.PausedPrefix+"bot-a")
	require.Equal(t, []events.Type{events.BotPaused}, h.notes.types())

	// 损失清零后仍然暂停，直到显式恢复
	h.store.dailyLoss["bot-a"] = 0
	adm, err = h.m.Check(ctx, intent("bot-a", 1), domain.Market{})
	require.NoError(t, err)
	require.Equal(t, domain.ReasonDailyLossPerBot, adm.Reason)

	require.NoError(t, h.m.Unpause(ctx, "bot-a"))
	adm, err = h.m.Check(ctx, intent("bot-a", 1), domain.Market{})
	require.NoError(t, err)
	require.True(t, adm.Admitted)
	require.NotContains(t, h.store.state, ledger.PausedPrefix+"bot-a")
}

func TestCheckOrder(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name   string
		setup  func(h *harness)
		amount float64
		market domain.Market
		want   domain.Reason
	}{
		{"min amount wins over loss", func(h *harness) { h.store.dailyLoss["b"] = 100 }, 0.001, domain.Market{}, domain.ReasonAmountBelowMinimum},
		{"bot loss before global loss", func(h *harness) { h.store.dailyLoss["b"] = 100; h.store.globalLoss = 1000 }, 1, domain.Market{}, domain.ReasonDailyLossPerBot},
		{"global loss", func(h *harness) { h.store.globalLoss = 200 }, 1, domain.Market{}, domain.ReasonDailyLossGlobal},
		{"bot position", func(h *harness) { h.store.open["b"] = 95 }, 10, domain.Market{}, domain.ReasonMaxPositionPerBot},
		{"global position", func(h *harness) { h.store.open["x"] = 495 }, 10, domain.Market{}, domain.ReasonMaxGlobalPosition},
		{"high spread", nil, 10, domain.Market{YesAsk: 0.60, NoAsk: 0.50}, domain.ReasonHighSpread},
		{"admitted", nil, 10, domain.Market{YesAsk: 0.51, NoAsk: 0.50}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// 999 → Conservative: bot 99.9, global 499.5, loss 99.9/199.8
			h := newHarness(t, 999)
			if tc.setup != nil {
				tc.setup(h)
			}
			adm, err := h.m.Check(ctx, intent("b", tc.amount), tc.market)
			require.NoError(t, err)
			require.Equal(t, tc.want, adm.Reason)
			require.Equal(t, tc.want == "", adm.Admitted)
		})
	}
}

func TestComputeLimitsTiers(t *testing.T) {
	cfg := ConfigFrom(config.Default().Risk, 0.5)
	now := time.Now()

	l := ComputeLimits(50, 50, cfg, now)
	require.Equal(t, domain.ProfileUltraSafe, l.Profile)
	require.Equal(t, 2.5, l.MaxTradeSize)
	require.Equal(t, 7.5, l.MaxPositionPerBot)
	require.Equal(t, 30.0, l.MaxGlobalPosition)
	require.Equal(t, 6.25, l.MaxDailyLossPerBot)
	require.Equal(t, 15.0, l.MaxDailyLossGlobal)

	l = ComputeLimits(500, 500, cfg, now)
	require.Equal(t, domain.ProfileConservative, l.Profile)
	require.Equal(t, 10.0, l.MaxTradeSize)

	l = ComputeLimits(5000, 5000, cfg, now)
	require.Equal(t, domain.ProfileBalanced, l.Profile)
	require.Equal(t, 150.0, l.MaxTradeSize)
	require.Equal(t, 400.0, l.MaxDailyLossPerBot)
	require.False(t, l.DrawdownProtection)

	// 800/1000 低于 85%：trade ×0.65，global ×0.70
	l = ComputeLimits(800, 1000, cfg, now)
	require.True(t, l.DrawdownProtection)
	require.Equal(t, 10.4, l.MaxTradeSize)
	require.Equal(t, 280.0, l.MaxGlobalPosition)
	require.Equal(t, 80.0, l.MaxPositionPerBot)
	require.InDelta(t, 0.2, l.Drawdown, 1e-12)

	// 负资金按 0 处理
	l = ComputeLimits(-5, 100, cfg, now)
	require.Equal(t, 0.0, l.MaxTradeSize)
}

func TestLimitsTightenWithDrawdown(t *testing.T) {
	cfg := ConfigFrom(config.Default().Risk, 0.5)
	f := func(a, b uint16) bool {
		peak := 1000 + float64(a%9000)
		hi := peak * (1 - float64(b%100)/1000)
		lo := hi * 0.9
		if tierFor(hi).profile != tierFor(lo).profile {
			return true
		}
		x := ComputeLimits(hi, peak, cfg, time.Time{})
		y := ComputeLimits(lo, peak, cfg, time.Time{})
		return y.MaxTradeSize <= x.MaxTradeSize && y.MaxGlobalPosition <= x.MaxGlobalPosition &&
			y.MaxPositionPerBot <= x.MaxPositionPerBot && y.MaxTradeSize >= 0
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatal(err)
	}
}

func TestKellyScale(t *testing.T) {
	require.Equal(t, 0.5, KellyScale(0.5, 0, 0.15))
	require.InDelta(t, 0.05, KellyScale(0.5, 0.15, 0.15), 1e-12)
	require.InDelta(t, 0.05, KellyScale(0.5, 0.40, 0.15), 1e-12)
	require.InDelta(t, 0.275, KellyScale(0.5, 0.075, 0.15), 1e-12)

	h := newHarness(t, 850)
	h.store.state[ledger.KeyBankrollPeak] = "1000"
	require.NoError(t, h.m.Load(context.Background()))
	kf, err := h.m.KellyFraction(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 0.5*0.1, kf, 1e-12)
}

func TestAdmissionKeepsExposureWithinLimits(t *testing.T) {
	f := func(seed int64) bool {
		ctx := context.Background()
		h := newHarness(t, 1000, func(c *Config) { c.TradesPerHour = 0 })
		r := rand.New(rand.NewSource(seed))
		bots := []string{"a", "b", "c", "d", "e", "f"}
		for i := 0; i < 60; i++ {
			bot := bots[r.Intn(len(bots))]
			adm, err := h.m.Check(ctx, intent(bot, 0.01+r.Float64()*80), domain.Market{})
			if err != nil {
				return false
			}
			if adm.Admitted {
				h.store.open[bot] += adm.Amount
				h.m.Complete(adm, true)
			}
			total, _ := h.store.GlobalOpenPosition(ctx)
			if h.store.open[bot] > 120+1e-9 || total > 600+1e-9 {
				return false
			}
		}
		return true
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 30}); err != nil {
		t.Fatal(err)
	}
}

func TestPendingAdmissionsCountTowardsPosition(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1000)
	first, err := h.m.Check(ctx, intent("a", 100), domain.Market{})
	require.NoError(t, err)
	require.True(t, first.Admitted)

	// 还没入账也要占额度
	second, err := h.m.Check(ctx, intent("a", 30), domain.Market{})
	require.NoError(t, err)
	require.Equal(t, domain.ReasonMaxPositionPerBot, second.Reason)

	h.m.Complete(first, false)
	second, err = h.m.Check(ctx, intent("a", 30), domain.Market{})
	require.NoError(t, err)
	require.True(t, second.Admitted)
}

func TestTradeRateLimit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100000)
	for i := 0; i < 20; i++ {
		adm, err := h.m.Check(ctx, intent("a", 1), domain.Market{})
		require.NoError(t, err)
		require.True(t, adm.Admitted, "trade %d", i)
		h.m.Complete(adm, true)
	}
	adm, err := h.m.Check(ctx, intent("a", 1), domain.Market{})
	require.NoError(t, err)
	require.Equal(t, domain.ReasonTradeRateLimit, adm.Reason)

	// 其他 bot 不受影响
	other, err := h.m.Check(ctx, intent("b", 1), domain.Market{})
	require.NoError(t, err)
	require.True(t, other.Admitted)

	// 未成交归还令牌
	h.m.Complete(other, false)
	for i := 0; i < 20; i++ {
		adm, err := h.m.Check(ctx, intent("b", 1), domain.Market{})
		require.NoError(t, err)
		require.True(t, adm.Admitted)
		h.m.Complete(adm, true)
	}

	// 每三分钟回补一个
	h.now = h.now.Add(4 * time.Minute)
	adm, err = h.m.Check(ctx, intent("a", 1), domain.Market{})
	require.NoError(t, err)
	require.True(t, adm.Admitted)
}

func TestWarmupSeedsLimiterAndBreaker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100000)
	h.store.recent["a"] = 19
	h.store.losses["a"] = 2
	require.NoError(t, h.m.Warmup(ctx, "a"))

	adm, err := h.m.Check(ctx, intent("a", 1), domain.Market{})
	require.NoError(t, err)
	require.True(t, adm.Admitted)
	h.m.Complete(adm, true)
	adm, err = h.m.Check(ctx, intent("a", 1), domain.Market{})
	require.NoError(t, err)
	require.Equal(t, domain.ReasonTradeRateLimit, adm.Reason)

	// 已有两连亏，再亏一笔即熔断
	h.m.RecordOutcome(ctx, "a", domain.OutcomeLoss, -1)
	p, ok := h.m.Paused("a")
	require.True(t, ok)
	require.Equal(t, domain.ReasonConsecutiveLosses, p.Reason)
}

func TestConsecutiveLossPauseExpires(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1000)

	h.m.RecordOutcome(ctx, "a", domain.OutcomeLoss, -2)
	h.m.RecordOutcome(ctx, "a", domain.OutcomeWin, 3)
	h.m.RecordOutcome(ctx, "a", domain.OutcomeLoss, -2)
	h.m.RecordOutcome(ctx, "a", domain.OutcomeExpired, 0)
	h.m.RecordOutcome(ctx, "a", domain.OutcomeLoss, -2)
	_, ok := h.m.Paused("a")
	require.False(t, ok)

	h.m.RecordOutcome(ctx, "a", domain.OutcomeLoss, -2)
	p, ok := h.m.Paused("a")
	require.True(t, ok)
	require.Equal(t, domain.ReasonConsecutiveLosses, p.Reason)
	require.True(t, p.Until.Equal(h.now.Add(time.Hour)), "until=%v", p.Until)

	adm, err := h.m.Check(ctx, intent("a", 1), domain.Market{})
	require.NoError(t, err)
	require.Equal(t, domain.ReasonConsecutiveLosses, adm.Reason)

	h.now = h.now.Add(61 * time.Minute)
	adm, err = h.m.Check(ctx, intent("a", 1), domain.Market{})
	require.NoError(t, err)
	require.True(t, adm.Admitted)
	require.Equal(t, []events.Type{events.BotPaused, events.BotResumed}, h.notes.types())
}

func TestHaltedBreakerRejectsWithoutPauseEntry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1000)
	for i := 0; i < 3; i++ {
		h.m.RecordOutcome(ctx, "a", domain.OutcomeLoss, -2)
	}
	h.m.mu.Lock()
	delete(h.m.paused, "a")
	h.m.mu.Unlock()

	adm, err := h.m.Check(ctx, intent("a", 1), domain.Market{})
	require.NoError(t, err)
	require.False(t, adm.Admitted)
	require.Equal(t, domain.ReasonConsecutiveLosses, adm.Reason)
	require.Equal(t, ErrLossStreak.Error(), adm.Detail)

	// 人工恢复同时清掉断路器
	h.m.RecordOutcome(ctx, "a", domain.OutcomeLoss, -2)
	h.m.RecordOutcome(ctx, "a", domain.OutcomeLoss, -2)
	h.m.RecordOutcome(ctx, "a", domain.OutcomeLoss, -2)
	require.NoError(t, h.m.Unpause(ctx, "a"))
	adm, err = h.m.Check(ctx, intent("a", 1), domain.Market{})
	require.NoError(t, err)
	require.True(t, adm.Admitted)
}

func TestResetDailyAndReload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 20)
	h.store.dailyLoss["a"] = 5
	h.store.dailyLoss["b"] = 5
	for _, bot := range []string{"a", "b"} {
		adm, err := h.m.Check(ctx, intent(bot, 1), domain.Market{})
		require.NoError(t, err)
		require.False(t, adm.Admitted)
	}
	require.Len(t, h.m.PausedBots(), 2)

	// 重启后暂停仍在
	restarted := New(h.store, h.bankroll, h.notes, ConfigFrom(config.Default().Risk, 0.5), WithClock(func() time.Time { return h.now }))
	require.NoError(t, restarted.Load(ctx))
	require.Len(t, restarted.PausedBots(), 2)

	h.now = h.now.Add(time.Hour)
	require.NoError(t, restarted.ResetDaily(ctx))
	require.Empty(t, restarted.PausedBots())
	cutoff, err := restarted.DailyCutoff(ctx)
	require.NoError(t, err)
	require.True(t, cutoff.Equal(h.now), "cutoff=%v now=%v", cutoff, h.now)
	for k := range h.store.state {
		require.False(t, strings.HasPrefix(k, ledger.PausedPrefix), k)
	}
	require.Contains(t, h.notes.types(), events.DailyReset)
}

func TestDailyCutoffDefaultsToMidnight(t *testing.T) {
	h := newHarness(t, 100)
	cutoff, err := h.m.DailyCutoff(context.Background())
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC), cutoff)
}

func TestLimitsCachedAndPeakPersisted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1000)
	l, err := h.m.Limits(ctx)
	require.NoError(t, err)
	require.Equal(t, 1000.0, l.Bankroll)
	require.Equal(t, "1000", h.store.state[ledger.KeyBankrollPeak])

	h.bankroll.set(2000)
	l, _ = h.m.Limits(ctx)
	require.Equal(t, 1000.0, l.Bankroll)

	h.now = h.now.Add(31 * time.Second)
	l, _ = h.m.Limits(ctx)
	require.Equal(t, 2000.0, l.Bankroll)
	require.Equal(t, "2000", h.store.state[ledger.KeyBankrollPeak])

	h.bankroll.set(1500)
	h.now = h.now.Add(31 * time.Second)
	l, _ = h.m.Limits(ctx)
	require.Equal(t, 2000.0, l.PeakBankroll)
	require.True(t, l.DrawdownProtection)
}
