// Package arena 竞技场运行时：每个 bot 一个 runner（决策 → 风控 → 执行 → 记账），
// 结算轮询，以及进化后的种群重载。
package arena

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/arena/internal/decision"
	"github.com/betbot/arena/internal/domain"
	"github.com/betbot/arena/internal/events"
	"github.com/betbot/arena/internal/execution"
	"github.com/betbot/arena/internal/metrics"
	"github.com/betbot/arena/internal/ports"
	"github.com/betbot/arena/internal/risk"
)

var log = logrus.WithField("component", "arena")

// Decider 单个 bot 的决策引擎
type Decider interface {
	Bot() domain.BotConfig
	Decide(ctx context.Context, m domain.Market, snap domain.SignalSnapshot, sizing decision.Sizing) (domain.Decision, error)
}

// Admitter 风控准入
type Admitter interface {
	Limits(ctx context.Context) (domain.RiskLimits, error)
	KellyFraction(ctx context.Context) (float64, error)
	Check(ctx context.Context, intent domain.TradeIntent, market domain.Market) (risk.Admission, error)
	Complete(adm risk.Admission, filled bool)
}

// Executor 执行引擎
type Executor interface {
	Execute(ctx context.Context, intent domain.TradeIntent, amount float64, m domain.Market) execution.Result
}

// TradeLedger runner 需要的账本操作
type TradeLedger interface {
	HasOpenPosition(ctx context.Context, botID, marketID string) (bool, error)
	InsertTrade(ctx context.Context, t *domain.TradeRecord) (int64, error)
}

// Deps 所有 runner 共用的协作方
type Deps struct {
	Markets  ports.MarketSource
	Signals  ports.SignalSource
	Books    Books // 可选
	Ledger   TradeLedger
	Risk     Admitter
	Exec     Executor
	Notifier ports.NotificationSink
	Mode     domain.Mode
	Venue    string
}

type RunnerConfig struct {
	Tick       time.Duration
	MaxMarkets int
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.Tick <= 0 {
		c.Tick = 45 * time.Second
	}
	if c.MaxMarkets <= 0 {
		c.MaxMarkets = 25
	}
	return c
}

// TickResult 一轮的统计
type TickResult struct {
	Evaluated int
	Intents   int
	Rejected  int
	Filled    *domain.TradeRecord
}

// Runner 单个 bot 的交易循环
type Runner struct {
	deps   Deps
	engine Decider
	cfg    RunnerConfig
	now    func() time.Time
	log    *logrus.Entry
}

func NewRunner(engine Decider, deps Deps, cfg RunnerConfig) *Runner {
	if deps.Venue == "" {
		deps.Venue = "polymarket"
	}
	return &Runner{
		deps:   deps,
		engine: engine,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		log:    log.WithField("bot", engine.Bot().BotID),
	}
}

func (r *Runner) BotID() string { return r.engine.Bot().BotID }

// Run 立即跑一轮，之后每个 Tick 一轮，直到 ctx 取消
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Tick)
	defer ticker.Stop()
	r.log.Infof("runner 启动 strategy=%s gen=%d", r.engine.Bot().StrategyKind, r.engine.Bot().Generation)
	for {
		if _, err := r.Tick(ctx); err != nil && ctx.Err() == nil {
			metrics.RunnerErrors.Add(1)
			r.log.Errorf("本轮失败: %v", err)
		}
		select {
		case <-ctx.Done():
			r.log.Infof("runner 退出")
			return
		case <-ticker.C:
		}
	}
}

// Tick 一轮：最多评估 MaxMarkets 个没有持仓的市场，成交一笔即结束本轮
func (r *Runner) Tick(ctx context.Context) (TickResult, error) {
	metrics.RunnerTicks.Add(1)
	var out TickResult
	bot := r.engine.Bot()

	markets, err := r.deps.Markets.Candidates(ctx)
	if err != nil {
		return out, errors.Wrap(err, "candidates")
	}
	if len(markets) == 0 {
		return out, nil
	}
	if r.deps.Books != nil {
		r.deps.Books.Track(markets...)
	}

	limits, err := r.deps.Risk.Limits(ctx)
	if err != nil {
		return out, errors.Wrap(err, "risk limits")
	}
	kelly, err := r.deps.Risk.KellyFraction(ctx)
	if err != nil {
		return out, errors.Wrap(err, "kelly fraction")
	}
	sizing := decision.Sizing{MaxTradeSize: limits.MaxTradeSize, KellyFraction: kelly}

	for _, m := range markets {
		if ctx.Err() != nil {
			return out, nil
		}
		if out.Evaluated >= r.cfg.MaxMarkets {
			break
		}
		open, err := r.deps.Ledger.HasOpenPosition(ctx, bot.BotID, m.ID)
		if err != nil {
			return out, errors.Wrapf(err, "open position %s", m.ID)
		}
		if open {
			continue
		}
		out.Evaluated++

		rec, err := r.evaluate(ctx, m, sizing, &out)
		if err != nil {
			return out, err
		}
		if rec != nil {
			out.Filled = rec
			return out, nil
		}
	}
	return out, nil
}

// evaluate 单个市场。返回非 nil 记录表示成交并已入账。
func (r *Runner) evaluate(ctx context.Context, m domain.Market, sizing decision.Sizing, out *TickResult) (*domain.TradeRecord, error) {
	bot := r.engine.Bot()
	if r.deps.Books != nil {
		r.deps.Books.Quote(&m)
	}
	snap, err := r.deps.Signals.Snapshot(ctx, m)
	if err != nil {
		r.log.Debugf("信号获取失败 market=%s: %v", m.ID, err)
		snap = domain.SignalSnapshot{Stale: true, Latest: m.Price}
	}

	dec, err := r.engine.Decide(ctx, m, snap, sizing)
	if err != nil {
		metrics.Decisions.WithLabelValues(bot.BotID, "error").Inc()
		return nil, errors.Wrapf(err, "decide %s", m.ID)
	}
	if dec.IsSkip() {
		metrics.Decisions.WithLabelValues(bot.BotID, string(dec.Skip.Reason)).Inc()
		r.log.Debugf("跳过 market=%s reason=%s %s", m.ID, dec.Skip.Reason, dec.Skip.Reasoning)
		return nil, nil
	}
	metrics.Decisions.WithLabelValues(bot.BotID, "intent").Inc()
	out.Intents++
	intent := *dec.Intent

	adm, err := r.deps.Risk.Check(ctx, intent, m)
	if err != nil {
		return nil, errors.Wrapf(err, "risk check %s", m.ID)
	}
	if !adm.Admitted {
		metrics.Admissions.WithLabelValues(string(adm.Reason)).Inc()
		out.Rejected++
		r.log.Infof("风控拒绝 market=%s reason=%s %s", m.ID, adm.Reason, adm.Detail)
		r.notify(ctx, rejectedEvent(intent, "risk", adm.Reason, adm.Detail))
		return nil, nil
	}
	metrics.Admissions.WithLabelValues("admitted").Inc()

	res := r.deps.Exec.Execute(ctx, intent, adm.Amount, m)
	metrics.Executions.WithLabelValues(string(res.Plan), string(res.Status)).Inc()
	if !res.Executed() {
		r.deps.Risk.Complete(adm, false)
		out.Rejected++
		r.notify(ctx, rejectedEvent(intent, "execution", res.Reason, res.Detail))
		return nil, nil
	}
	metrics.ExecutionCost.Observe(res.Cost.Pct)

	rec := r.record(intent, m, res)
	_, err = r.deps.Ledger.InsertTrade(ctx, rec)
	// 额度在入账（或失败）之后才释放，避免并发 bot 看到空档
	r.deps.Risk.Complete(adm, true)
	if err != nil {
		return nil, errors.Wrapf(err, "record trade bot=%s market=%s order=%s", bot.BotID, m.ID, rec.ExternalOrderID)
	}
	r.log.Infof("✅ 成交入账 id=%d market=%s side=%s amount=%.2f price=%.4f", rec.ID, m.ID, rec.Side, rec.Amount, rec.Price)

	ev := events.New(events.TradeExecuted, bot.BotID, m.Question).
		With("side", rec.Side).With("amount", rec.Amount).With("price", rec.Price).With("trade_id", rec.ID)
	ev.MarketID = m.ID
	r.notify(ctx, ev)
	return rec, nil
}

func (r *Runner) record(intent domain.TradeIntent, m domain.Market, res execution.Result) *domain.TradeRecord {
	return &domain.TradeRecord{
		BotID:           intent.BotID,
		MarketID:        m.ID,
		MarketQuestion:  m.Question,
		Side:            intent.Side,
		Amount:          res.FilledAmount,
		Price:           res.AvgPrice,
		Confidence:      intent.Confidence,
		ExpectedValue:   intent.ExpectedValue,
		Reasoning:       intent.Reasoning,
		Features:        intent.Features,
		Venue:           r.deps.Venue,
		Mode:            r.deps.Mode,
		Strategy:        string(res.Plan),
		ExternalOrderID: res.ExternalID(),
		SharesFilled:    res.Shares,
		Fees:            res.Cost.Fees,
		Slippage:        res.Cost.Slippage,
		GasCost:         res.Cost.Gas,
		Outcome:         domain.OutcomePending,
		CreatedAt:       r.now(),
	}
}

// rejectedEvent 被拒交易：message 为 reason，字段带上决策时的特征快照
func rejectedEvent(intent domain.TradeIntent, stage string, reason domain.Reason, detail string) events.Event {
	ev := events.New(events.TradeRejected, intent.BotID, string(reason)).
		With("stage", stage).
		With("reason", string(reason)).
		With("detail", detail).
		With("side", intent.Side).
		With("amount", intent.SuggestedAmount).
		With("expected_value", intent.ExpectedValue).
		With("features", intent.Features)
	ev.MarketID = intent.MarketID
	return ev
}

func (r *Runner) notify(ctx context.Context, ev events.Event) {
	if r.deps.Notifier == nil {
		return
	}
	ev.Timestamp = r.now()
	r.deps.Notifier.Notify(ctx, ev)
}
