// Package risk 交易准入：按资金分档的额度、回撤收紧、日亏损暂停、连亏熔断与限频。
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/betbot/arena/internal/domain"
	"github.com/betbot/arena/internal/events"
	"github.com/betbot/arena/internal/ledger"
	"github.com/betbot/arena/internal/ports"
	"github.com/betbot/arena/pkg/config"
)

var log = logrus.WithField("component", "risk")

// Store 风控需要的账本读写
type Store interface {
	OpenPosition(ctx context.Context, botID string) (float64, error)
	GlobalOpenPosition(ctx context.Context) (float64, error)
	DailyLoss(ctx context.Context, botID string, since time.Time) (float64, error)
	GlobalDailyLoss(ctx context.Context, since time.Time) (float64, error)
	TradesSince(ctx context.Context, botID string, since time.Time) (int, error)
	ConsecutiveLosses(ctx context.Context, botID string) (int, error)

	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
	DeleteState(ctx context.Context, key string) error
	StatesWithPrefix(ctx context.Context, prefix string) (map[string]string, error)
	GetTime(ctx context.Context, key string) (time.Time, error)
	SetTime(ctx context.Context, key string, t time.Time) error
	GetFloat(ctx context.Context, key string) (float64, bool, error)
	SetFloat(ctx context.Context, key string, v float64) error
}

// Config 风控参数
type Config struct {
	MinTradeAmount       float64
	MaxSpreadSum         float64
	TradesPerHour        int
	MaxConsecutiveLosses int
	LossPause            time.Duration
	DrawdownTrigger      float64
	MaxDrawdown          float64
	LimitsTTL            time.Duration
	DrawdownTradeScale   float64
	DrawdownGlobalScale  float64
	BaseKelly            float64
}

// ConfigFrom 从应用配置构造
func ConfigFrom(c config.RiskConfig, baseKelly float64) Config {
	return Config{
		MinTradeAmount:       c.MinTradeAmount,
		MaxSpreadSum:         c.MaxSpreadSum,
		TradesPerHour:        c.TradesPerHour,
		MaxConsecutiveLosses: c.MaxConsecutiveLosses,
		LossPause:            time.Duration(c.LossPauseSec) * time.Second,
		DrawdownTrigger:      c.DrawdownTrigger,
		MaxDrawdown:          c.MaxDrawdown,
		LimitsTTL:            time.Duration(c.LimitsTTLSec) * time.Second,
		DrawdownTradeScale:   c.DrawdownTradeScale,
		DrawdownGlobalScale:  c.DrawdownGlobalScale,
		BaseKelly:            baseKelly,
	}
}

// Pause 暂停状态。Until 为零表示需要 ResetDaily/Unpause 才恢复。
type Pause struct {
	Reason domain.Reason `json:"reason"`
	At     time.Time     `json:"at"`
	Until  time.Time     `json:"until,omitempty"`
}

func (p Pause) expired(now time.Time) bool {
	return !p.Until.IsZero() && !now.Before(p.Until)
}

// Admission 准入结果。Admitted 时必须在下单结束后调用 Manager.Complete。
type Admission struct {
	Admitted bool              `json:"admitted"`
	Reason   domain.Reason     `json:"reason,omitempty"`
	Detail   string            `json:"detail,omitempty"`
	Amount   float64           `json:"amount"`
	Limits   domain.RiskLimits `json:"limits"`

	botID       string
	reservation *rate.Reservation
}

type Option func(*Manager)

// WithClock 测试用时钟
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager 风控管理器，所有 bot 共用一个实例
type Manager struct {
	store    Store
	bankroll ports.BankrollSource
	notifier ports.NotificationSink
	cfg      Config
	now      func() time.Time

	limitsMu sync.Mutex
	limits   domain.RiskLimits
	limitsAt time.Time
	peak     float64

	// checkMu 串行化 检查+占用额度，避免并发 bot 同时穿透仓位上限
	checkMu    sync.Mutex
	pendingBot map[string]float64
	pendingAll float64

	mu       sync.RWMutex
	paused   map[string]Pause
	limiters map[string]*rate.Limiter
	breakers map[string]*CircuitBreaker
}

func New(store Store, bankroll ports.BankrollSource, notifier ports.NotificationSink, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		bankroll:   bankroll,
		notifier:   notifier,
		cfg:        cfg,
		now:        time.Now,
		pendingBot: make(map[string]float64),
		paused:     make(map[string]Pause),
		limiters:   make(map[string]*rate.Limiter),
		breakers:   make(map[string]*CircuitBreaker),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load 从 arena_state 恢复峰值和暂停状态
func (m *Manager) Load(ctx context.Context) error {
	peak, ok, err := m.store.GetFloat(ctx, ledger.KeyBankrollPeak)
	if err != nil {
		return errors.Wrap(err, "load bankroll peak")
	}
	if ok {
		m.limitsMu.Lock()
		m.peak = peak
		m.limitsMu.Unlock()
	}

	rows, err := m.store.StatesWithPrefix(ctx, ledger.PausedPrefix)
	if err != nil {
		return errors.Wrap(err, "load pauses")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, raw := range rows {
		botID := strings.TrimPrefix(key, ledger.PausedPrefix)
		var p Pause
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			// 兼容只存了原因字符串的旧值
			p = Pause{Reason: domain.Reason(raw)}
		}
		m.paused[botID] = p
	}
	if len(rows) > 0 {
		log.Infof("恢复 %d 个暂停中的 bot", len(rows))
	}
	return nil
}

// Warmup 用账本预热某个 bot 的限频器与连亏计数（重启后调用）
func (m *Manager) Warmup(ctx context.Context, botID string) error {
	now := m.now()
	n, err := m.store.TradesSince(ctx, botID, now.Add(-time.Hour))
	if err != nil {
		return errors.Wrap(err, "warmup limiter")
	}
	losses, err := m.store.ConsecutiveLosses(ctx, botID)
	if err != nil {
		return errors.Wrap(err, "warmup breaker")
	}

	lim := m.limiter(botID)
	if n > 0 && m.cfg.TradesPerHour > 0 {
		if n > m.cfg.TradesPerHour {
			n = m.cfg.TradesPerHour
		}
		lim.ReserveN(now, n)
	}
	m.breaker(botID).Seed(losses)
	return nil
}

// Limits 当前额度，超过 TTL 后重新按资金计算
func (m *Manager) Limits(ctx context.Context) (domain.RiskLimits, error) {
	m.limitsMu.Lock()
	defer m.limitsMu.Unlock()

	now := m.now()
	if !m.limitsAt.IsZero() && now.Sub(m.limitsAt) < m.cfg.LimitsTTL {
		return m.limits, nil
	}

	bankroll, err := m.bankroll.Current(ctx)
	if err != nil {
		if !m.limitsAt.IsZero() {
			log.Warnf("读取资金失败，沿用上次额度: %v", err)
			return m.limits, nil
		}
		return domain.RiskLimits{}, errors.Wrap(err, "bankroll")
	}

	if bankroll > m.peak {
		m.peak = bankroll
		if err := m.store.SetFloat(ctx, ledger.KeyBankrollPeak, bankroll); err != nil {
			log.Warnf("保存资金峰值失败: %v", err)
		}
	}
	m.limits = ComputeLimits(bankroll, m.peak, m.cfg, now)
	m.limitsAt = now
	if m.limits.DrawdownProtection {
		log.Debugf("回撤保护生效: bankroll=%.2f peak=%.2f dd=%.3f", bankroll, m.peak, m.limits.Drawdown)
	}
	return m.limits, nil
}

// KellyFraction 按当前回撤缩放后的 Kelly 系数
func (m *Manager) KellyFraction(ctx context.Context) (float64, error) {
	l, err := m.Limits(ctx)
	if err != nil {
		return 0, err
	}
	return KellyScale(m.cfg.BaseKelly, l.Drawdown, m.cfg.MaxDrawdown), nil
}

// DailyCutoff 日亏损统计起点：max(UTC 零点, 上次 ResetDaily)
func (m *Manager) DailyCutoff(ctx context.Context) (time.Time, error) {
	now := m.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	resetAt, err := m.store.GetTime(ctx, ledger.KeyDailyLossResetAt)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "daily reset time")
	}
	if resetAt.After(midnight) {
		return resetAt, nil
	}
	return midnight, nil
}

func reject(reason domain.Reason, detail string, amount float64, limits domain.RiskLimits) Admission {
	return Admission{Reason: reason, Detail: detail, Amount: amount, Limits: limits}
}

// Check 按固定顺序检查，第一个失败即返回。通过后占用额度直到 Complete。
func (m *Manager) Check(ctx context.Context, intent domain.TradeIntent, market domain.Market) (Admission, error) {
	botID := intent.BotID
	amount := cents(intent.SuggestedAmount)

	// 连亏断路器走原子快路径，暂停表兜底（含重启后恢复的暂停）
	if err := m.breaker(botID).Allow(m.now()); err != nil {
		return reject(domain.ReasonConsecutiveLosses, err.Error(), amount, domain.RiskLimits{}), nil
	}
	if p, ok := m.activePause(ctx, botID); ok {
		return reject(p.Reason, "bot paused", amount, domain.RiskLimits{}), nil
	}

	limits, err := m.Limits(ctx)
	if err != nil {
		return Admission{}, err
	}

	if amount < m.cfg.MinTradeAmount {
		return reject(domain.ReasonAmountBelowMinimum,
			fmt.Sprintf("amount %.2f < %.2f", amount, m.cfg.MinTradeAmount), amount, limits), nil
	}

	since, err := m.DailyCutoff(ctx)
	if err != nil {
		return Admission{}, err
	}
	botLoss, err := m.store.DailyLoss(ctx, botID, since)
	if err != nil {
		return Admission{}, errors.Wrap(err, "bot daily loss")
	}
	if botLoss >= limits.MaxDailyLossPerBot {
		detail := fmt.Sprintf("daily loss %.2f >= %.2f", botLoss, limits.MaxDailyLossPerBot)
		m.pause(ctx, botID, domain.ReasonDailyLossPerBot, time.Time{}, detail)
		return reject(domain.ReasonDailyLossPerBot, detail, amount, limits), nil
	}
	globalLoss, err := m.store.GlobalDailyLoss(ctx, since)
	if err != nil {
		return Admission{}, errors.Wrap(err, "global daily loss")
	}
	if globalLoss >= limits.MaxDailyLossGlobal {
		return reject(domain.ReasonDailyLossGlobal,
			fmt.Sprintf("arena daily loss %.2f >= %.2f", globalLoss, limits.MaxDailyLossGlobal), amount, limits), nil
	}

	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	botOpen, err := m.store.OpenPosition(ctx, botID)
	if err != nil {
		return Admission{}, errors.Wrap(err, "bot open position")
	}
	botOpen += m.pendingBot[botID]
	if botOpen+amount > limits.MaxPositionPerBot {
		return reject(domain.ReasonMaxPositionPerBot,
			fmt.Sprintf("open %.2f + %.2f > %.2f", botOpen, amount, limits.MaxPositionPerBot), amount, limits), nil
	}
	globalOpen, err := m.store.GlobalOpenPosition(ctx)
	if err != nil {
		return Admission{}, errors.Wrap(err, "global open position")
	}
	globalOpen += m.pendingAll
	if globalOpen+amount > limits.MaxGlobalPosition {
		return reject(domain.ReasonMaxGlobalPosition,
			fmt.Sprintf("arena open %.2f + %.2f > %.2f", globalOpen, amount, limits.MaxGlobalPosition), amount, limits), nil
	}

	if market.YesAsk > 0 && market.NoAsk > 0 && market.YesAsk+market.NoAsk > m.cfg.MaxSpreadSum {
		return reject(domain.ReasonHighSpread,
			fmt.Sprintf("yes_ask+no_ask %.3f > %.3f", market.YesAsk+market.NoAsk, m.cfg.MaxSpreadSum), amount, limits), nil
	}

	var res *rate.Reservation
	if m.cfg.TradesPerHour > 0 {
		now := m.now()
		res = m.limiter(botID).ReserveN(now, 1)
		if !res.OK() || res.DelayFrom(now) > 0 {
			res.CancelAt(now)
			return reject(domain.ReasonTradeRateLimit,
				fmt.Sprintf("more than %d trades/hour", m.cfg.TradesPerHour), amount, limits), nil
		}
	}

	m.pendingBot[botID] += amount
	m.pendingAll += amount
	return Admission{Admitted: true, Amount: amount, Limits: limits, botID: botID, reservation: res}, nil
}

// Complete 下单结束后释放占用的额度。未成交时把限频令牌还回去。
func (m *Manager) Complete(adm Admission, filled bool) {
	if !adm.Admitted {
		return
	}
	m.checkMu.Lock()
	m.pendingBot[adm.botID] -= adm.Amount
	if m.pendingBot[adm.botID] <= 1e-9 {
		delete(m.pendingBot, adm.botID)
	}
	m.pendingAll -= adm.Amount
	if m.pendingAll < 1e-9 {
		m.pendingAll = 0
	}
	m.checkMu.Unlock()

	if !filled && adm.reservation != nil {
		adm.reservation.CancelAt(m.now())
	}
}

// RecordOutcome 结算回调：驱动连亏断路器
func (m *Manager) RecordOutcome(ctx context.Context, botID string, outcome domain.Outcome, pnl float64) {
	cb := m.breaker(botID)
	switch outcome {
	case domain.OutcomeWin:
		cb.OnWin()
	case domain.OutcomeLoss:
		now := m.now()
		if cb.OnLoss(now) {
			m.pause(ctx, botID, domain.ReasonConsecutiveLosses, cb.HaltedUntil(),
				fmt.Sprintf("%d consecutive losses, last pnl %.2f", m.cfg.MaxConsecutiveLosses, pnl))
		}
	}
}

// Pause 手动暂停
func (m *Manager) Pause(ctx context.Context, botID string, until time.Time) {
	m.pause(ctx, botID, domain.ReasonManualPause, until, "manual")
}

func (m *Manager) pause(ctx context.Context, botID string, reason domain.Reason, until time.Time, detail string) {
	p := Pause{Reason: reason, At: m.now(), Until: until}
	m.mu.Lock()
	_, already := m.paused[botID]
	m.paused[botID] = p
	m.mu.Unlock()

	raw, _ := json.Marshal(p)
	if err := m.store.SetState(ctx, ledger.PausedPrefix+botID, string(raw)); err != nil {
		log.Errorf("保存暂停状态失败 bot=%s: %v", botID, err)
	}
	if already {
		return
	}
	log.Warnf("⏸️ bot 已暂停: bot=%s reason=%s %s", botID, reason, detail)
	m.notify(ctx, events.New(events.BotPaused, botID, detail).With("reason", string(reason)))
}

// activePause 返回仍有效的暂停；定时暂停到期会自动解除
func (m *Manager) activePause(ctx context.Context, botID string) (Pause, bool) {
	m.mu.RLock()
	p, ok := m.paused[botID]
	m.mu.RUnlock()
	if !ok {
		return Pause{}, false
	}
	if p.expired(m.now()) {
		if err := m.resume(ctx, botID, "pause expired"); err != nil {
			log.Warnf("解除到期暂停失败 bot=%s: %v", botID, err)
		}
		return Pause{}, false
	}
	return p, true
}

// Unpause 手动恢复单个 bot
func (m *Manager) Unpause(ctx context.Context, botID string) error {
	m.mu.RLock()
	_, ok := m.paused[botID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return m.resume(ctx, botID, "manual unpause")
}

func (m *Manager) resume(ctx context.Context, botID, detail string) error {
	m.mu.Lock()
	delete(m.paused, botID)
	cb := m.breakers[botID]
	m.mu.Unlock()
	cb.Resume()

	if err := m.store.DeleteState(ctx, ledger.PausedPrefix+botID); err != nil {
		return errors.Wrapf(err, "clear pause %s", botID)
	}
	log.Infof("▶️ bot 已恢复: bot=%s (%s)", botID, detail)
	m.notify(ctx, events.New(events.BotResumed, botID, detail))
	return nil
}

// ResetDaily 重置日亏损统计起点并解除所有暂停
func (m *Manager) ResetDaily(ctx context.Context) error {
	now := m.now()
	if err := m.store.SetTime(ctx, ledger.KeyDailyLossResetAt, now); err != nil {
		return errors.Wrap(err, "write reset time")
	}

	m.mu.Lock()
	bots := make([]string, 0, len(m.paused))
	for id := range m.paused {
		bots = append(bots, id)
	}
	m.paused = make(map[string]Pause)
	for _, cb := range m.breakers {
		cb.Resume()
	}
	m.mu.Unlock()

	// 内存里没有但库里残留的也一起清理
	rows, err := m.store.StatesWithPrefix(ctx, ledger.PausedPrefix)
	if err != nil {
		return errors.Wrap(err, "scan pauses")
	}
	for key := range rows {
		if err := m.store.DeleteState(ctx, key); err != nil {
			return errors.Wrapf(err, "clear %s", key)
		}
	}

	log.Infof("🔄 日亏损已重置，解除暂停 %d 个 bot", len(bots))
	m.notify(ctx, events.New(events.DailyReset, "", "daily loss reset").With("unpaused", bots))
	return nil
}

// Paused 查询 bot 是否暂停
func (m *Manager) Paused(botID string) (Pause, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.paused[botID]
	if ok && p.expired(m.now()) {
		return Pause{}, false
	}
	return p, ok
}

// PausedBots 所有暂停中的 bot（副本）
func (m *Manager) PausedBots() map[string]Pause {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	out := make(map[string]Pause, len(m.paused))
	for id, p := range m.paused {
		if !p.expired(now) {
			out[id] = p
		}
	}
	return out
}

// Forget 淘汰的 bot 不再需要限频器和断路器
func (m *Manager) Forget(botID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.limiters, botID)
	delete(m.breakers, botID)
}

func (m *Manager) limiter(botID string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	lim, ok := m.limiters[botID]
	if !ok {
		perHour := m.cfg.TradesPerHour
		if perHour <= 0 {
			perHour = 1
		}
		lim = rate.NewLimiter(rate.Every(time.Hour/time.Duration(perHour)), perHour)
		m.limiters[botID] = lim
	}
	return lim
}

func (m *Manager) breaker(botID string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.breakers[botID]
	if !ok {
		cb = NewCircuitBreaker(BreakerConfig{
			MaxConsecutiveLosses: int64(m.cfg.MaxConsecutiveLosses),
			Cooldown:             m.cfg.LossPause,
		})
		m.breakers[botID] = cb
	}
	return cb
}

func (m *Manager) notify(ctx context.Context, ev events.Event) {
	if m.notifier == nil {
		return
	}
	ev.Timestamp = m.now()
	m.notifier.Notify(ctx, ev)
}
