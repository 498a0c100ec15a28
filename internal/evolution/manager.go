// Package evolution 种群进化：触发判断、绩效评估、排名选择与变异替换。
package evolution

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/arena/internal/domain"
	"github.com/betbot/arena/internal/events"
	"github.com/betbot/arena/internal/ledger"
	"github.com/betbot/arena/internal/metrics"
	"github.com/betbot/arena/internal/ports"
	"github.com/betbot/arena/pkg/config"
	"github.com/betbot/arena/pkg/sigchan"
)

var log = logrus.WithField("component", "evolution")

var (
	ErrCycleInProgress    = errors.New(string(domain.ReasonCycleAlreadyInProgress))
	ErrInsufficientSample = errors.New(string(domain.ReasonInsufficientSample))
)

// Store 进化需要的账本读写
type Store interface {
	ActiveBots(ctx context.Context) ([]domain.BotConfig, error)
	ResolvedTrades(ctx context.Context, botID string, since time.Time) ([]domain.TradeRecord, error)
	ReplacePopulation(ctx context.Context, ch ledger.PopulationChange) error
	GetTime(ctx context.Context, key string) (time.Time, error)
	SetTime(ctx context.Context, key string, t time.Time) error
	GetInt(ctx context.Context, key string) (int64, error)
	SetInt(ctx context.Context, key string, v int64) error
}

// Config 进化参数
type Config struct {
	Enabled           bool
	TriggerTrades     int64
	Cooldown          time.Duration
	SafetyNet         time.Duration
	SharpeKillSwitch  float64
	Survivors         int
	Population        int
	MutationRate      float64
	Window            time.Duration
	MinResolvedTrades int
	Tick              time.Duration
	// RetryBackoff 自动触发的周期中止后，在这段时间内不再自动触发
	RetryBackoff time.Duration
	CycleTimeout time.Duration
}

func ConfigFrom(c config.EvolutionConfig, population int) Config {
	return Config{
		Enabled:           c.Enabled,
		TriggerTrades:     int64(c.TriggerTrades),
		Cooldown:          time.Duration(c.CooldownHours * float64(time.Hour)),
		SafetyNet:         time.Duration(c.SafetyNetHours * float64(time.Hour)),
		SharpeKillSwitch:  c.SharpeKillSwitch,
		Survivors:         c.Survivors,
		Population:        population,
		MutationRate:      c.MutationRate,
		Window:            time.Duration(c.WindowDays) * 24 * time.Hour,
		MinResolvedTrades: c.MinResolvedTrades,
		Tick:              time.Duration(c.TickSec) * time.Second,
		RetryBackoff:      30 * time.Minute,
		CycleTimeout:      2 * time.Minute,
	}
}

// CycleResult 一次成功周期的结果
type CycleResult struct {
	CycleID   string                  `json:"cycle_id"`
	Trigger   domain.EvolutionTrigger `json:"trigger"`
	Rankings  []domain.Ranking        `json:"rankings"`
	Survivors []string                `json:"survivors"`
	Replaced  []string                `json:"replaced"`
	Offspring []domain.Offspring      `json:"offspring"`
	At        time.Time               `json:"at"`
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRand 固定随机源（测试复现变异与 id）
func WithRand(r *rand.Rand) Option {
	return func(m *Manager) { m.rng = r }
}

// Manager 进化管理器。状态只通过自身方法修改。
type Manager struct {
	store    Store
	notifier ports.NotificationSink
	cfg      Config
	now      func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	mu              sync.Mutex
	counter         int64
	lastEvolutionAt time.Time
	lastAbortAt     time.Time
	inProgress      bool
	phase           domain.EvolutionPhase
	lastTrigger     domain.EvolutionTrigger
	lastErr         string
	hooks           []func(CycleResult)

	wg   sync.WaitGroup
	wake *sigchan.Chan
}

func New(store Store, notifier ports.NotificationSink, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
		phase:    domain.PhaseIdle,
		wake:     sigchan.New(1),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewSource(m.now().UnixNano()))
	}
	if m.cfg.Survivors <= 0 {
		m.cfg.Survivors = 3
	}
	if m.cfg.Tick <= 0 {
		m.cfg.Tick = 5 * time.Minute
	}
	if m.cfg.CycleTimeout <= 0 {
		m.cfg.CycleTimeout = 2 * time.Minute
	}
	return m
}

// OnCycle 注册周期成功后的回调（在提交之后调用）
func (m *Manager) OnCycle(fn func(CycleResult)) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// Load 恢复计数器与上次进化时间；首次启动以当前时间作为起点
func (m *Manager) Load(ctx context.Context) error {
	counter, err := m.store.GetInt(ctx, ledger.KeyEvolutionCounter)
	if err != nil {
		return errors.Wrap(err, "load evolution counter")
	}
	last, err := m.store.GetTime(ctx, ledger.KeyLastEvolutionAt)
	if err != nil {
		return errors.Wrap(err, "load last evolution time")
	}
	if last.IsZero() {
		last = m.now()
		if err := m.store.SetTime(ctx, ledger.KeyLastEvolutionAt, last); err != nil {
			return errors.Wrap(err, "init last evolution time")
		}
	}
	m.mu.Lock()
	m.counter = counter
	m.lastEvolutionAt = last
	m.mu.Unlock()
	log.Infof("进化状态已恢复: counter=%d last=%s", counter, last.UTC().Format(time.RFC3339))
	return nil
}

// RecordResolvedTrade 结算一笔交易：计数 +1 并唤醒触发检查
func (m *Manager) RecordResolvedTrade(ctx context.Context) {
	m.mu.Lock()
	m.counter++
	n := m.counter
	m.mu.Unlock()

	if err := m.store.SetInt(ctx, ledger.KeyEvolutionCounter, n); err != nil {
		log.Warnf("保存进化计数失败: %v", err)
	}
	m.wake.Emit()
}

// Run 后台循环：结算唤醒 + 周期 tick，ctx 取消后返回（进行中的周期用 Wait 等待）
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake.C():
			m.Evaluate(ctx)
		case <-ticker.C:
			m.Evaluate(ctx)
		}
	}
}

// Evaluate 检查自动触发条件，满足则异步启动一个周期
func (m *Manager) Evaluate(ctx context.Context) (domain.EvolutionTrigger, bool) {
	if !m.cfg.Enabled {
		return "", false
	}
	trigger, detail, ok := m.checkTriggers(ctx)
	if !ok {
		return "", false
	}
	if err := m.Start(ctx, trigger); err != nil {
		if !errors.Is(err, ErrCycleInProgress) {
			log.Warnf("启动进化失败: %v", err)
		}
		return trigger, false
	}
	log.Infof("触发进化: %s %s", trigger, detail)
	return trigger, true
}

// checkTriggers 顺序：Sharpe 熔断 → walk-forward → 安全网
func (m *Manager) checkTriggers(ctx context.Context) (domain.EvolutionTrigger, string, bool) {
	now := m.now()
	m.mu.Lock()
	inProgress := m.inProgress
	counter := m.counter
	last := m.lastEvolutionAt
	abortAt := m.lastAbortAt
	m.mu.Unlock()

	if inProgress {
		return "", "", false
	}
	if !abortAt.IsZero() && now.Sub(abortAt) < m.cfg.RetryBackoff {
		return "", "", false
	}

	if botID, sharpe, ok := m.killSwitch(ctx, last, now); ok {
		return domain.TriggerSharpeKill, botID + " sharpe=" + strconv.FormatFloat(sharpe, 'f', 3, 64), true
	}
	if m.cfg.TriggerTrades > 0 && counter >= m.cfg.TriggerTrades {
		return domain.TriggerWalkForward, "resolved=" + strconv.FormatInt(counter, 10), true
	}
	if !last.IsZero() && m.cfg.SafetyNet > 0 {
		since := now.Sub(last)
		if since >= m.cfg.SafetyNet && since >= m.cfg.Cooldown {
			return domain.TriggerSafetyNet, "since_last=" + since.Round(time.Minute).String(), true
		}
	}
	return "", "", false
}

// killSwitch 只看上次进化之后的交易；样本不足或 Sharpe 未定义的 bot 不参与
func (m *Manager) killSwitch(ctx context.Context, last, now time.Time) (string, float64, bool) {
	if m.cfg.SharpeKillSwitch == 0 {
		return "", 0, false
	}
	since := now.Add(-m.cfg.Window)
	if last.After(since) {
		since = last
	}
	bots, err := m.store.ActiveBots(ctx)
	if err != nil {
		log.Warnf("kill switch 读取 bot 失败: %v", err)
		return "", 0, false
	}
	for _, b := range bots {
		trades, err := m.store.ResolvedTrades(ctx, b.BotID, since)
		if err != nil {
			log.Warnf("kill switch 读取交易失败 bot=%s: %v", b.BotID, err)
			continue
		}
		pm, sharpeDefined, ok := ComputeMetrics(b.BotID, trades, m.cfg.MinResolvedTrades)
		if ok && sharpeDefined && pm.Sharpe < m.cfg.SharpeKillSwitch {
			return b.BotID, pm.Sharpe, true
		}
	}
	return "", 0, false
}

type cycle struct {
	id           string
	trigger      domain.EvolutionTrigger
	startCounter int64
	startedAt    time.Time
}

func (m *Manager) begin(trigger domain.EvolutionTrigger) (cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inProgress {
		return cycle{}, ErrCycleInProgress
	}
	m.inProgress = true
	m.phase = domain.PhaseEvaluating
	m.lastTrigger = trigger
	return cycle{
		id:           m.newCycleID(),
		trigger:      trigger,
		startCounter: m.counter,
		startedAt:    m.now(),
	}, nil
}

func (m *Manager) newCycleID() string {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	id, err := uuid.NewRandomFromReader(m.rng)
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Start 异步启动一个周期；已有周期运行时返回 ErrCycleInProgress
func (m *Manager) Start(ctx context.Context, trigger domain.EvolutionTrigger) error {
	c, err := m.begin(trigger)
	if err != nil {
		return err
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		// 周期一旦开始就跑完，进程退出时由 Wait 等待
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CycleTimeout)
		defer cancel()
		_, _ = m.execute(cctx, c)
	}()
	return nil
}

// RunCycle 同步执行一个周期（手动触发），不受冷却限制
func (m *Manager) RunCycle(ctx context.Context, trigger domain.EvolutionTrigger) (CycleResult, error) {
	c, err := m.begin(trigger)
	if err != nil {
		return CycleResult{}, err
	}
	return m.execute(ctx, c)
}

// Wait 等待所有异步周期结束
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) setPhase(p domain.EvolutionPhase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
}

func (m *Manager) execute(ctx context.Context, c cycle) (CycleResult, error) {
	m.notify(ctx, events.New(events.EvolutionStarted, "", "evolution cycle started").
		With("cycle_id", c.id).With("trigger", string(c.trigger)))

	res, err := m.runCycle(ctx, c)
	m.finish(ctx, c, res, err)
	if err != nil {
		return CycleResult{}, err
	}
	return res, nil
}

func (m *Manager) runCycle(ctx context.Context, c cycle) (CycleResult, error) {
	now := m.now()
	res := CycleResult{CycleID: c.id, Trigger: c.trigger, At: now}

	// 1. 评估
	bots, err := m.store.ActiveBots(ctx)
	if err != nil {
		return res, errors.Wrap(err, "load active bots")
	}
	byID := make(map[string]domain.BotConfig, len(bots))
	perf := make([]domain.BotPerformanceMetrics, 0, len(bots))
	since := now.Add(-m.cfg.Window)
	for _, b := range bots {
		byID[b.BotID] = b
		trades, err := m.store.ResolvedTrades(ctx, b.BotID, since)
		if err != nil {
			return res, errors.Wrapf(err, "load trades bot=%s", b.BotID)
		}
		if pm, _, ok := ComputeMetrics(b.BotID, trades, m.cfg.MinResolvedTrades); ok {
			perf = append(perf, pm)
		}
	}
	if len(perf) < 2 {
		return res, errors.Wrapf(ErrInsufficientSample, "%d of %d bots have metrics", len(perf), len(bots))
	}

	// 2. 排名与选择
	m.setPhase(domain.PhaseSelecting)
	res.Rankings = Rank(perf)
	n := m.cfg.Survivors
	if n > len(res.Rankings) {
		n = len(res.Rankings)
	}
	survivors := make(map[string]bool, n)
	for _, r := range res.Rankings[:n] {
		res.Survivors = append(res.Survivors, r.BotID)
		survivors[r.BotID] = true
	}
	best := res.Rankings[0]
	parent := byID[best.BotID]

	// 3. 替换：所有非幸存 bot 由最优幸存者的变异后代取代，不足种群数量时补齐
	m.setPhase(domain.PhaseReplacing)
	m.rngMu.Lock()
	for _, b := range bots {
		if survivors[b.BotID] {
			continue
		}
		child, intensity := Offspring(parent, best.Metrics.Sharpe, m.cfg.MutationRate, m.rng, now)
		res.Replaced = append(res.Replaced, b.BotID)
		res.Offspring = append(res.Offspring, domain.Offspring{Child: child, ParentID: parent.BotID, Replaced: b.BotID, Intensity: intensity})
	}
	for len(res.Survivors)+len(res.Offspring) < m.cfg.Population {
		child, intensity := Offspring(parent, best.Metrics.Sharpe, m.cfg.MutationRate, m.rng, now)
		res.Offspring = append(res.Offspring, domain.Offspring{Child: child, ParentID: parent.BotID, Intensity: intensity})
	}
	m.rngMu.Unlock()

	children := make([]domain.BotConfig, 0, len(res.Offspring))
	newIDs := make([]string, 0, len(res.Offspring))
	for _, o := range res.Offspring {
		children = append(children, o.Child)
		newIDs = append(newIDs, o.Child.BotID)
	}

	m.mu.Lock()
	remaining := m.counter - c.startCounter
	m.mu.Unlock()
	if remaining < 0 {
		remaining = 0
	}

	err = m.store.ReplacePopulation(ctx, ledger.PopulationChange{
		Retire: res.Replaced,
		Add:    children,
		Event: &domain.EvolutionEvent{
			CycleID:       c.id,
			TriggerReason: string(c.trigger),
			Survivors:     res.Survivors,
			Replaced:      res.Replaced,
			NewBots:       newIDs,
			Rankings:      res.Rankings,
			CreatedAt:     now,
		},
		State: map[string]string{
			ledger.KeyEvolutionCounter: strconv.FormatInt(remaining, 10),
			ledger.KeyLastEvolutionAt:  ledger.FormatTime(now),
		},
		At: now,
	})
	if err != nil {
		return res, errors.Wrap(err, "replace population")
	}
	return res, nil
}

func (m *Manager) finish(ctx context.Context, c cycle, res CycleResult, err error) {
	m.mu.Lock()
	m.inProgress = false
	m.phase = domain.PhaseIdle
	var hooks []func(CycleResult)
	var counter int64
	if err == nil {
		m.lastErr = ""
		m.lastAbortAt = time.Time{}
		m.lastEvolutionAt = res.At
		// 周期期间新结算的交易保留到下一轮
		m.counter -= c.startCounter
		if m.counter < 0 {
			m.counter = 0
		}
		counter = m.counter
		hooks = append(hooks, m.hooks...)
	} else {
		m.lastErr = err.Error()
		if c.trigger != domain.TriggerManual {
			m.lastAbortAt = m.now()
		}
	}
	m.mu.Unlock()

	if err != nil {
		metrics.EvolutionCycles.WithLabelValues(string(c.trigger), "aborted").Inc()
		log.Warnf("进化中止 cycle=%s trigger=%s: %v", c.id, c.trigger, err)
		m.notify(ctx, events.New(events.EvolutionAborted, "", err.Error()).
			With("cycle_id", c.id).With("trigger", string(c.trigger)))
		return
	}

	if serr := m.store.SetInt(ctx, ledger.KeyEvolutionCounter, counter); serr != nil {
		log.Warnf("保存进化计数失败: %v", serr)
	}
	metrics.EvolutionCycles.WithLabelValues(string(c.trigger), "completed").Inc()
	log.Infof("进化完成 cycle=%s trigger=%s survivors=%v replaced=%d took=%s",
		c.id, c.trigger, res.Survivors, len(res.Replaced), m.now().Sub(c.startedAt).Round(time.Millisecond))
	newIDs := make([]string, 0, len(res.Offspring))
	for _, o := range res.Offspring {
		newIDs = append(newIDs, o.Child.BotID)
	}
	m.notify(ctx, events.New(events.EvolutionCompleted, "", "evolution cycle completed").
		With("cycle_id", c.id).
		With("trigger", string(c.trigger)).
		With("survivors", res.Survivors).
		With("new_bots", newIDs))

	for _, fn := range hooks {
		fn(res)
	}
}

// Status 当前进化状态快照
func (m *Manager) Status() domain.EvolutionState {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	st := domain.EvolutionState{
		GlobalTradeCount: m.counter,
		LastEvolutionAt:  m.lastEvolutionAt,
		InProgress:       m.inProgress,
		Phase:            m.phase,
		LastTrigger:      string(m.lastTrigger),
		LastError:        m.lastErr,
	}
	if !m.lastEvolutionAt.IsZero() {
		if left := m.cfg.Cooldown - now.Sub(m.lastEvolutionAt); left > 0 {
			st.CooldownActive = true
			st.RemainingCooldown = left
		}
	}
	return st
}

func (m *Manager) notify(ctx context.Context, ev events.Event) {
	if m.notifier == nil {
		return
	}
	ev.Timestamp = m.now()
	m.notifier.Notify(ctx, ev)
}
