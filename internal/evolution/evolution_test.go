package evolution

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/quick"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/betbot/arena/internal/domain"
	"github.com/betbot/arena/internal/events"
	"github.com/betbot/arena/internal/ledger"
	"github.com/betbot/arena/internal/strategy"
)

type fakeStore struct {
	mu       sync.Mutex
	bots     map[string]domain.BotConfig
	trades   map[string][]domain.TradeRecord
	state    map[string]string
	events   []domain.EvolutionEvent
	replaced int

	gate      chan struct{}
	active    int32
	maxActive int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bots:   map[string]domain.BotConfig{},
		trades: map[string][]domain.TradeRecord{},
		state:  map[string]string{},
	}
}

func (s *fakeStore) addBot(id string, kind strategy.Kind) domain.BotConfig {
	b := domain.BotConfig{
		BotID:        id,
		StrategyKind: string(kind),
		LineageID:    id,
		Params:       strategy.Defaults(kind),
		Active:       true,
	}
	s.mu.Lock()
	s.bots[id] = b
	s.mu.Unlock()
	return b
}

func (s *fakeStore) addTrade(botID string, at time.Time, pnl float64) {
	outcome := domain.OutcomeWin
	if pnl < 0 {
		outcome = domain.OutcomeLoss
	}
	s.mu.Lock()
	s.trades[botID] = append(s.trades[botID], domain.TradeRecord{
		BotID:     botID,
		Amount:    1,
		Outcome:   outcome,
		PnL:       pnl,
		CreatedAt: at,
	})
	s.mu.Unlock()
}

func (s *fakeStore) ActiveBots(context.Context) ([]domain.BotConfig, error) {
	n := atomic.AddInt32(&s.active, 1)
	defer atomic.AddInt32(&s.active, -1)
	for {
		cur := atomic.LoadInt32(&s.maxActive)
		if n <= cur || atomic.CompareAndSwapInt32(&s.maxActive, cur, n) {
			break
		}
	}
	if s.gate != nil {
		<-s.gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.BotConfig, 0, len(s.bots))
	for _, b := range s.bots {
		if b.Active {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BotID < out[j].BotID })
	return out, nil
}

func (s *fakeStore) ResolvedTrades(_ context.Context, botID string, since time.Time) ([]domain.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TradeRecord
	for _, t := range s.trades[botID] {
		if t.Resolved() && !t.CreatedAt.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) ReplacePopulation(_ context.Context, ch ledger.PopulationChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ch.Retire {
		b := s.bots[id]
		b.Active = false
		s.bots[id] = b
	}
	for _, b := range ch.Add {
		s.bots[b.BotID] = b
	}
	if ch.Event != nil {
		s.events = append(s.events, *ch.Event)
	}
	for k, v := range ch.State {
		s.state[k] = v
	}
	s.replaced++
	return nil
}

func (s *fakeStore) GetTime(_ context.Context, key string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state[key]
	if !ok {
		return time.Time{}, nil
	}
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t, nil
}

func (s *fakeStore) SetTime(_ context.Context, key string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[key] = t.UTC().Format(time.RFC3339Nano)
	return nil
}

func (s *fakeStore) GetInt(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := strconv.ParseInt(s.state[key], 10, 64)
	return n, nil
}

func (s *fakeStore) SetInt(_ context.Context, key string, v int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[key] = strconv.FormatInt(v, 10)
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Notify(_ context.Context, ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
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

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() Config {
	return Config{
		Enabled:           true,
		TriggerTrades:     450,
		Cooldown:          5 * time.Hour,
		SafetyNet:         8 * time.Hour,
		Survivors:         3,
		Population:        6,
		MutationRate:      0.10,
		Window:            30 * 24 * time.Hour,
		MinResolvedTrades: 10,
		Tick:              time.Minute,
		RetryBackoff:      30 * time.Minute,
	}
}

type harness struct {
	store *fakeStore
	rec   *recorder
	clk   *clock
	mgr   *Manager
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store: newFakeStore(),
		rec:   &recorder{},
		clk:   &clock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)},
	}
	h.mgr = New(h.store, h.rec, cfg, WithClock(h.clk.Now), WithRand(rand.New(rand.NewSource(7))))
	require.NoError(t, h.mgr.Load(context.Background()))
	return h
}

// seedPopulation a..e 各 10 笔交易，胜场依次 9..5；f 样本不足
func (h *harness) seedPopulation() {
	base := h.clk.Now().Add(-48 * time.Hour)
	kinds := strategy.Kinds()
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		h.store.addBot(id, kinds[i%len(kinds)])
		wins := 9 - i
		for k := 0; k < 10; k++ {
			pnl := 1.0
			if k >= wins {
				pnl = -1
			}
			h.store.addTrade(id, base.Add(time.Duration(k)*time.Hour), pnl)
		}
	}
	h.store.addBot("f", strategy.KindUpDown)
	for k := 0; k < 3; k++ {
		h.store.addTrade("f", base, 1)
	}
}

func TestLoadInitialisesLastEvolution(t *testing.T) {
	h := newHarness(t, testConfig())
	got, _ := h.store.GetTime(context.Background(), ledger.KeyLastEvolutionAt)
	if !got.Equal(h.clk.Now()) {
		t.Fatalf("got=%v want=%v", got, h.clk.Now())
	}
	st := h.mgr.Status()
	require.True(t, st.CooldownActive)
	require.Equal(t, 5*time.Hour, st.RemainingCooldown)
	require.Equal(t, domain.PhaseIdle, st.Phase)
}

func TestWalkForwardTriggersAt450(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	for i := 0; i < 449; i++ {
		h.mgr.RecordResolvedTrade(ctx)
	}
	if _, _, ok := h.mgr.checkTriggers(ctx); ok {
		t.Fatalf("449 resolved trades must not trigger")
	}

	h.mgr.RecordResolvedTrade(ctx)
	trig, _, ok := h.mgr.checkTriggers(ctx)
	require.True(t, ok)
	require.Equal(t, domain.TriggerWalkForward, trig)

	n, _ := h.store.GetInt(ctx, ledger.KeyEvolutionCounter)
	if n != 450 {
		t.Fatalf("persisted counter got=%d want=450", n)
	}
}

func TestSafetyNetRespectsCooldown(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t, testConfig())
	h.clk.Advance(8*time.Hour - time.Minute)
	_, _, ok := h.mgr.checkTriggers(ctx)
	require.False(t, ok)
	h.clk.Advance(time.Minute)
	trig, _, ok := h.mgr.checkTriggers(ctx)
	require.True(t, ok)
	require.Equal(t, domain.TriggerSafetyNet, trig)

	cfg := testConfig()
	cfg.Cooldown = 9 * time.Hour
	h = newHarness(t, cfg)
	h.clk.Advance(8*time.Hour + 30*time.Minute)
	_, _, ok = h.mgr.checkTriggers(ctx)
	require.False(t, ok, "cooldown longer than the safety net holds it back")
}

func TestSharpeKillSwitchOverridesCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.SharpeKillSwitch = 0.75
	cfg.Cooldown = 10 * 24 * time.Hour
	cfg.SafetyNet = 20 * 24 * time.Hour
	h := newHarness(t, cfg)
	ctx := context.Background()

	// 6 个自然日，每天两笔亏损
	h.store.addBot("loser", strategy.KindMomentum)
	start := h.clk.Now()
	for d := 0; d < 6; d++ {
		day := start.Add(time.Duration(d) * 24 * time.Hour)
		loss := -1.0
		if d%2 == 1 {
			loss = -2
		}
		h.store.addTrade("loser", day, loss)
		h.store.addTrade("loser", day.Add(time.Minute), loss)
	}
	h.clk.Advance(6 * 24 * time.Hour)
	require.True(t, h.mgr.Status().CooldownActive)

	trig, detail, ok := h.mgr.checkTriggers(ctx)
	require.True(t, ok)
	require.Equal(t, domain.TriggerSharpeKill, trig)
	require.Contains(t, detail, "loser")

	// 只统计上次进化之后的交易
	h.mgr.mu.Lock()
	h.mgr.lastEvolutionAt = h.clk.Now().Add(-time.Hour)
	h.mgr.mu.Unlock()
	_, _, ok = h.mgr.checkTriggers(ctx)
	require.False(t, ok)
}

func TestCycleReplacesNonSurvivors(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedPopulation()
	ctx := context.Background()

	var hooked CycleResult
	h.mgr.OnCycle(func(r CycleResult) { hooked = r })

	for i := 0; i < 12; i++ {
		h.mgr.RecordResolvedTrade(ctx)
	}
	res, err := h.mgr.RunCycle(ctx, domain.TriggerManual)
	require.NoError(t, err)

	require.Equal(t, []string{"a", "b", "c"}, res.Survivors)
	require.ElementsMatch(t, []string{"d", "e", "f"}, res.Replaced)
	require.Len(t, res.Offspring, 3)
	require.Len(t, res.Rankings, 5)
	for _, o := range res.Offspring {
		require.Equal(t, "a", o.ParentID)
		require.Equal(t, "a", o.Child.LineageID)
		require.Equal(t, 1, o.Child.Generation)
		require.Equal(t, h.store.bots["a"].StrategyKind, o.Child.StrategyKind)
		require.True(t, strings.HasPrefix(o.Child.BotID, o.Child.StrategyKind+"-g1-"), o.Child.BotID)
	}

	active, _ := h.store.ActiveBots(ctx)
	require.Len(t, active, 6)
	require.Equal(t, 1, h.store.replaced)
	require.Len(t, h.store.events, 1)
	require.Equal(t, string(domain.TriggerManual), h.store.events[0].TriggerReason)
	require.Equal(t, res.CycleID, h.store.events[0].CycleID)

	st := h.mgr.Status()
	require.Equal(t, int64(0), st.GlobalTradeCount)
	require.False(t, st.InProgress)
	require.True(t, st.LastEvolutionAt.Equal(h.clk.Now()))
	require.Equal(t, "0", h.store.state[ledger.KeyEvolutionCounter])
	require.Equal(t, res.CycleID, hooked.CycleID)
	require.Equal(t, []events.Type{events.EvolutionStarted, events.EvolutionCompleted}, h.rec.types())
}

func TestSurvivorCountEqualsConfigured(t *testing.T) {
	for survivors := 1; survivors <= 5; survivors++ {
		cfg := testConfig()
		cfg.Survivors = survivors
		h := newHarness(t, cfg)
		h.seedPopulation()
		res, err := h.mgr.RunCycle(context.Background(), domain.TriggerManual)
		require.NoError(t, err)
		if len(res.Survivors) != survivors {
			t.Fatalf("survivors got=%d want=%d", len(res.Survivors), survivors)
		}
		require.Equal(t, cfg.Population, len(res.Survivors)+len(res.Offspring))
	}
}

func TestInsufficientSampleAborts(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	h.store.addBot("a", strategy.KindMomentum)
	h.store.addBot("b", strategy.KindSentiment)
	for k := 0; k < 10; k++ {
		h.store.addTrade("a", h.clk.Now().Add(-time.Hour), 1)
	}
	for k := 0; k < 5; k++ {
		h.store.addTrade("b", h.clk.Now().Add(-time.Hour), 1)
	}

	_, err := h.mgr.RunCycle(ctx, domain.TriggerManual)
	require.True(t, errors.Is(err, ErrInsufficientSample), "err=%v", err)
	require.Equal(t, 0, h.store.replaced)
	require.Contains(t, h.mgr.Status().LastError, "insufficient_sample")
	require.Equal(t, []events.Type{events.EvolutionStarted, events.EvolutionAborted}, h.rec.types())

	// 自动触发中止后退避
	h.clk.Advance(8 * time.Hour)
	require.NoError(t, h.mgr.Start(ctx, domain.TriggerSafetyNet))
	h.mgr.Wait()
	_, _, ok := h.mgr.checkTriggers(ctx)
	require.False(t, ok)
	h.clk.Advance(31 * time.Minute)
	_, _, ok = h.mgr.checkTriggers(ctx)
	require.True(t, ok)
}

func TestCyclesNeverOverlap(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedPopulation()
	ctx := context.Background()

	gate := make(chan struct{})
	h.store.gate = gate

	for i := 0; i < 5; i++ {
		h.mgr.RecordResolvedTrade(ctx)
	}
	require.NoError(t, h.mgr.Start(ctx, domain.TriggerManual))
	require.True(t, h.mgr.Status().InProgress)

	err := h.mgr.Start(ctx, domain.TriggerWalkForward)
	require.True(t, errors.Is(err, ErrCycleInProgress))
	_, err = h.mgr.RunCycle(ctx, domain.TriggerManual)
	require.True(t, errors.Is(err, ErrCycleInProgress))
	_, _, ok := h.mgr.checkTriggers(ctx)
	require.False(t, ok)

	// 周期期间结算的交易保留到下一轮
	for i := 0; i < 3; i++ {
		h.mgr.RecordResolvedTrade(ctx)
	}
	close(gate)
	h.mgr.Wait()

	st := h.mgr.Status()
	require.False(t, st.InProgress)
	if st.GlobalTradeCount != 3 {
		t.Fatalf("counter got=%d want=3", st.GlobalTradeCount)
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&h.store.maxActive))
}

func TestConcurrentStartsRunOneAtATime(t *testing.T) {
	h := newHarness(t, testConfig())
	h.seedPopulation()
	ctx := context.Background()

	var wg sync.WaitGroup
	var ok, busy int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.mgr.RunCycle(ctx, domain.TriggerManual)
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, ErrCycleInProgress):
				atomic.AddInt32(&busy, 1)
			default:
				t.Errorf("unexpected err: %v", err)
			}
		}()
	}
	wg.Wait()
	require.GreaterOrEqual(t, ok, int32(1))
	require.Equal(t, int32(16), ok+busy)
	require.Equal(t, int32(1), atomic.LoadInt32(&h.store.maxActive))
}

func TestComputeMetricsValues(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var trades []domain.TradeRecord
	for i, pnl := range []float64{2, -1, 3, -2} {
		trades = append(trades, domain.TradeRecord{Outcome: domain.OutcomeWin, PnL: pnl, CreatedAt: base.Add(time.Duration(i) * 24 * time.Hour)})
	}
	trades = append(trades, domain.TradeRecord{Outcome: domain.OutcomePending, PnL: 100, CreatedAt: base})

	m, sharpeDefined, ok := ComputeMetrics("x", trades, 4)
	require.True(t, ok)
	require.False(t, sharpeDefined)
	require.Equal(t, 4, m.ResolvedTrades)
	require.InDelta(t, 2.0, m.TotalPnL, 1e-9)
	require.InDelta(t, 0.5, m.WinRate, 1e-9)
	require.InDelta(t, 5.0/3.0, m.ProfitFactor, 1e-9)
	require.InDelta(t, 2.5, m.AvgWin, 1e-9)
	require.InDelta(t, -1.5, m.AvgLoss, 1e-9)
	require.InDelta(t, 2.0, m.MaxDrawdown, 1e-9)
	require.InDelta(t, 1.0, m.Calmar, 1e-9)
	require.InDelta(t, 0.3+0.2*(5.0/6.0), m.Fitness, 1e-9)

	_, _, ok = ComputeMetrics("x", trades, 5)
	require.False(t, ok)
}

func TestComputeMetricsSharpeNeedsSixDays(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var trades []domain.TradeRecord
	for i := 0; i < 6; i++ {
		pnl := 1.0
		if i%2 == 1 {
			pnl = 2
		}
		trades = append(trades, domain.TradeRecord{Outcome: domain.OutcomeWin, PnL: pnl, CreatedAt: base.Add(time.Duration(i) * 24 * time.Hour)})
	}
	m, sharpeDefined, ok := ComputeMetrics("x", trades, 6)
	require.True(t, ok)
	require.True(t, sharpeDefined)
	want := 1.5 / (math.Sqrt(0.3) + 1e-6) * math.Sqrt(252)
	require.InDelta(t, want, m.Sharpe, 1e-6)
	require.Equal(t, profitFactorCap, m.ProfitFactor)
}

func TestRankDiversityPenalty(t *testing.T) {
	got := Rank([]domain.BotPerformanceMetrics{
		{BotID: "c", Fitness: 0.5},
		{BotID: "a", Fitness: 1.0},
		{BotID: "b", Fitness: 0.95},
	})
	require.Equal(t, "a", got[0].BotID)
	require.Equal(t, "b", got[1].BotID)
	require.Equal(t, "c", got[2].BotID)
	require.InDelta(t, 0.05, got[0].DiversityPenalty, 1e-9)
	require.InDelta(t, 0.95, got[0].FinalFitness, 1e-9)
	require.InDelta(t, 0.9025, got[1].FinalFitness, 1e-9)
	require.InDelta(t, 0, got[2].DiversityPenalty, 1e-9)

	same := make([]domain.BotPerformanceMetrics, 8)
	for i := range same {
		same[i] = domain.BotPerformanceMetrics{BotID: string(rune('a' + i)), Fitness: 1}
	}
	for _, r := range Rank(same) {
		require.InDelta(t, diversityCap, r.DiversityPenalty, 1e-9)
	}
}

func TestRankPenaltyLowersNegativeFitness(t *testing.T) {
	got := Rank([]domain.BotPerformanceMetrics{
		{BotID: "lone", Fitness: -0.88},
		{BotID: "c1", Fitness: -1.00},
		{BotID: "c2", Fitness: -1.02},
		{BotID: "c3", Fitness: -1.04},
		{BotID: "c4", Fitness: -1.06},
	})
	require.Equal(t, "lone", got[0].BotID)
	require.InDelta(t, -0.88, got[0].FinalFitness, 1e-9)
	require.Equal(t, "c1", got[1].BotID)
	require.InDelta(t, 0.15, got[1].DiversityPenalty, 1e-9)
	require.InDelta(t, -1.15, got[1].FinalFitness, 1e-9)
	for _, r := range got {
		require.LessOrEqual(t, r.FinalFitness, r.BaseFitness, r.BotID)
	}
}

func TestMutationIntensity(t *testing.T) {
	cases := []struct {
		sharpe float64
		want   float64
	}{
		{-1, 0.8}, {0.49, 0.8}, {0.5, 0.5}, {0.99, 0.5}, {1.0, 0.2}, {3, 0.2},
	}
	for _, c := range cases {
		if got := MutationIntensity(c.sharpe); got != c.want {
			t.Fatalf("sharpe=%v got=%v want=%v", c.sharpe, got, c.want)
		}
	}
}

func TestMutateStaysInBounds(t *testing.T) {
	kinds := strategy.Kinds()
	f := func(seed int64, k uint8, rate float64) bool {
		kind := kinds[int(k)%len(kinds)]
		rng := rand.New(rand.NewSource(seed))
		r := math.Abs(math.Mod(rate, 1))
		if math.IsNaN(r) {
			r = 0.1
		}
		parent := strategy.Defaults(kind)
		out := Mutate(kind, parent, r*4, 0.8, rng)
		bounds := strategy.ParamBounds(kind)
		changed := 0
		for key, v := range out {
			b, ok := bounds[key]
			if !ok {
				if v != parent[key] {
					return false
				}
				continue
			}
			if v < b.Min || v > b.Max {
				return false
			}
			if b.Integer && v != math.Round(v) {
				return false
			}
			if v != parent[key] {
				changed++
			}
		}
		return changed <= maxMutatedParams
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatal(err)
	}
}

func TestOffspringKeepsLineage(t *testing.T) {
	parent := domain.BotConfig{
		BotID:        "momentum-g2-abcdef12",
		StrategyKind: string(strategy.KindMomentum),
		Generation:   2,
		LineageID:    "momentum-g0-00000000",
		Params:       strategy.Defaults(strategy.KindMomentum),
		Active:       true,
	}
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	child, intensity := Offspring(parent, 0.7, 0.1, rand.New(rand.NewSource(1)), now)
	require.Equal(t, 0.5, intensity)
	require.Equal(t, 3, child.Generation)
	require.Equal(t, parent.LineageID, child.LineageID)
	require.Equal(t, parent.BotID, child.ParentID)
	require.True(t, child.Active)
	require.True(t, strings.HasPrefix(child.BotID, "momentum-g3-"))
	require.Len(t, child.BotID, len("momentum-g3-")+8)
	require.Equal(t, now, child.CreatedAt)
}
