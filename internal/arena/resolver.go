package arena

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/arena/internal/domain"
	"github.com/betbot/arena/internal/events"
	"github.com/betbot/arena/internal/ledger"
	"github.com/betbot/arena/internal/metrics"
	"github.com/betbot/arena/internal/ports"
)

// ResolverLedger 待结算交易
type ResolverLedger interface {
	PendingTrades(ctx context.Context, limit int) ([]domain.TradeRecord, error)
	ResolveTrade(ctx context.Context, id int64, outcome domain.Outcome, pnl float64, at time.Time) error
}

// Learner 在线模型
type Learner interface {
	Update(ctx context.Context, botID string, marketPrice float64, x domain.FeatureVector, outcome float64) (float64, error)
}

// OutcomeRecorder 风控连亏计数
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, botID string, outcome domain.Outcome, pnl float64)
}

// TradeCounter 进化触发计数
type TradeCounter interface {
	RecordResolvedTrade(ctx context.Context)
}

type ResolverConfig struct {
	Poll      time.Duration
	BatchSize int
}

// Resolver 轮询待结算交易，落账后驱动模型、风控和进化
type Resolver struct {
	ledger      ResolverLedger
	resolutions ports.ResolutionSource
	model       Learner
	risk        OutcomeRecorder
	evolution   TradeCounter
	notifier    ports.NotificationSink
	cfg         ResolverConfig
	now         func() time.Time
}

func NewResolver(store ResolverLedger, resolutions ports.ResolutionSource, model Learner, rm OutcomeRecorder,
	evo TradeCounter, notifier ports.NotificationSink, cfg ResolverConfig) *Resolver {
	if cfg.Poll <= 0 {
		cfg.Poll = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Resolver{
		ledger:      store,
		resolutions: resolutions,
		model:       model,
		risk:        rm,
		evolution:   evo,
		notifier:    notifier,
		cfg:         cfg,
		now:         time.Now,
	}
}

func (r *Resolver) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Poll)
	defer ticker.Stop()
	for {
		if _, err := r.ResolveOnce(ctx); err != nil && ctx.Err() == nil {
			metrics.ResolverErrors.Add(1)
			log.Errorf("结算轮询失败: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Outcome 按市场结算结果判定单笔交易
func Outcome(t domain.TradeRecord, res domain.Resolution) domain.Outcome {
	if res.Voided {
		return domain.OutcomeExpired
	}
	if res.Winner == t.Side {
		return domain.OutcomeWin
	}
	return domain.OutcomeLoss
}

// ResolveOnce 一次轮询，返回本次结算的笔数。单笔失败只记日志，不中断其他交易。
func (r *Resolver) ResolveOnce(ctx context.Context) (int, error) {
	metrics.ResolverRuns.Add(1)
	pending, err := r.ledger.PendingTrades(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "pending trades")
	}
	if len(pending) == 0 {
		return 0, nil
	}

	// 同一市场只查一次
	byMarket := make(map[string]*domain.Resolution)
	resolved := 0
	for _, t := range pending {
		if ctx.Err() != nil {
			return resolved, nil
		}
		res, ok := byMarket[t.MarketID]
		if !ok {
			got, err := r.resolutions.Resolution(ctx, t.MarketID)
			if err != nil {
				metrics.ResolverErrors.Add(1)
				log.Warnf("查询结算失败 market=%s: %v", t.MarketID, err)
				byMarket[t.MarketID] = nil
				continue
			}
			res = &got
			byMarket[t.MarketID] = res
		}
		if res == nil || !res.Resolved {
			continue
		}
		if err := r.settle(ctx, t, *res); err != nil {
			if errors.Is(err, ledger.ErrAlreadyResolved) {
				continue
			}
			metrics.ResolverErrors.Add(1)
			log.Errorf("结算失败 trade=%d: %v", t.ID, err)
			continue
		}
		resolved++
	}
	return resolved, nil
}

func (r *Resolver) settle(ctx context.Context, t domain.TradeRecord, res domain.Resolution) error {
	outcome := Outcome(t, res)
	pnl := domain.SettlementPnL(t.Amount, t.SharesFilled, outcome)
	at := res.At
	if at.IsZero() {
		at = r.now()
	}
	if err := r.ledger.ResolveTrade(ctx, t.ID, outcome, pnl, at); err != nil {
		return errors.Wrapf(err, "resolve trade %d", t.ID)
	}
	metrics.Resolutions.WithLabelValues(string(outcome)).Inc()
	metrics.ObservePnL(pnl)

	// 作废的市场没有标签，不参与学习
	if outcome != domain.OutcomeExpired && r.model != nil {
		y := 0.0
		if res.Winner == domain.SideYes {
			y = 1
		}
		if _, err := r.model.Update(ctx, t.BotID, entryMarketPrice(t), t.Features.X, y); err != nil {
			log.Warnf("模型更新失败 bot=%s trade=%d: %v", t.BotID, t.ID, err)
		}
	}
	if r.risk != nil {
		r.risk.RecordOutcome(ctx, t.BotID, outcome, pnl)
	}
	if r.evolution != nil {
		r.evolution.RecordResolvedTrade(ctx)
	}

	log.Infof("📊 结算 trade=%d bot=%s market=%s outcome=%s pnl=%.2f", t.ID, t.BotID, t.MarketID, outcome, pnl)
	if r.notifier != nil {
		ev := events.New(events.TradeResolved, t.BotID, string(outcome)).
			With("trade_id", t.ID).With("pnl", pnl)
		ev.MarketID = t.MarketID
		ev.Timestamp = r.now()
		r.notifier.Notify(ctx, ev)
	}
	return nil
}

// entryMarketPrice 下单时的 YES 价格；老记录没有特征时按成交价反推
func entryMarketPrice(t domain.TradeRecord) float64 {
	if p := t.Features.MarketPrice; p > 0 && p < 1 {
		return p
	}
	if t.Side == domain.SideNo {
		return 1 - t.Price
	}
	return t.Price
}
