// Package decision 把策略子信号、在线模型和辅助信号合成为一次交易意图或跳过。
package decision

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/arena/internal/domain"
	"github.com/betbot/arena/internal/ports"
	"github.com/betbot/arena/internal/strategy"
	"github.com/betbot/arena/pkg/config"
)

var log = logrus.WithField("component", "decision")

const (
	maxKelly      = 0.25
	maxConfidence = 0.95
	priceFloor    = 0.01
	priceCeil     = 0.99
)

// Predictor 在线概率模型
type Predictor interface {
	Predict(ctx context.Context, botID string, price float64, x domain.FeatureVector) (float64, error)
}

// Config 决策参数（已按 paper/live 选好 buffer、fee 与仓位上限）
type Config struct {
	MinExpectedValue float64
	KellyFraction    float64
	EntryBuffer      float64
	FeeRate          float64
	BlendWeight      float64
	MaxPosition      float64
}

// ConfigFor 按交易模式取决策参数
func ConfigFor(mode domain.Mode, c config.DecisionConfig) Config {
	out := Config{
		MinExpectedValue: c.MinExpectedValue,
		KellyFraction:    c.KellyFraction,
		BlendWeight:      c.BlendWeight,
		EntryBuffer:      c.PaperBuffer,
		FeeRate:          c.PaperFee,
		MaxPosition:      c.PaperMaxPosition,
	}
	if mode == domain.ModeLive {
		out.EntryBuffer = c.LiveBuffer
		out.FeeRate = c.LiveFee
		out.MaxPosition = c.LiveMaxPosition
	}
	return out
}

// Sizing 风控给出的本次额度；零值表示沿用 Config
type Sizing struct {
	MaxTradeSize  float64
	KellyFraction float64
}

// Engine 单个 bot 的决策引擎，无副作用
type Engine struct {
	bot       domain.BotConfig
	strat     strategy.Strategy
	model     Predictor
	providers []ports.SignalProvider
	cfg       Config
	now       func() time.Time
}

func New(bot domain.BotConfig, strat strategy.Strategy, model Predictor, cfg Config, providers ...ports.SignalProvider) *Engine {
	return &Engine{
		bot:       bot,
		strat:     strat,
		model:     model,
		providers: providers,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Bot 当前 bot 配置
func (e *Engine) Bot() domain.BotConfig { return e.bot }

// Decide 评估一个市场。只有模型读取失败会返回 error，其余都是 Intent 或 Skip。
func (e *Engine) Decide(ctx context.Context, m domain.Market, snap domain.SignalSnapshot, sizing Sizing) (domain.Decision, error) {
	price := m.Price
	if price <= 0 || price >= 1 || math.IsNaN(price) {
		return e.skip(m, domain.SideYes, 0, domain.ReasonNoMarketData, "invalid market price", domain.FeatureSnapshot{MarketPrice: price}), nil
	}

	sig := e.strat.Analyze(m, snap)
	x := ExtractFeatures(m, snap, sig, e.now())

	pModel, err := e.model.Predict(ctx, e.bot.BotID, price, x)
	if err != nil {
		return domain.Decision{}, errors.Wrapf(err, "predict bot=%s market=%s", e.bot.BotID, m.ID)
	}
	provSignals := e.collectProviders(ctx, m, snap)
	pYes := Blend(pModel, provSignals, e.cfg.BlendWeight)

	entryYes, entryNo := EntryPrices(price, e.cfg.EntryBuffer, e.cfg.FeeRate)
	evYes, evNo := ExpectedValues(pYes, entryYes, entryNo)

	feats := domain.FeatureSnapshot{
		X:           x,
		MarketPrice: price,
		PYesModel:   pModel,
		PYes:        pYes,
		PEntryYes:   entryYes,
		PEntryNo:    entryNo,
		EVYes:       evYes,
		EVNo:        evNo,
		Strategy:    string(e.strat.Kind()),
		StratReason: sig.Reason,
		Providers:   provSignals,
	}

	side, pSide, entry, ev := domain.SideYes, pYes, entryYes, evYes
	if evNo > evYes {
		side, pSide, entry, ev = domain.SideNo, 1-pYes, entryNo, evNo
	}
	confidence := math.Min(maxConfidence, math.Abs(pYes-price)*2.5)

	if ev < e.cfg.MinExpectedValue {
		return e.skip(m, side, confidence, domain.ReasonNoEdge,
			fmt.Sprintf("best ev %.4f below %.4f", ev, e.cfg.MinExpectedValue), feats), nil
	}

	kf := e.cfg.KellyFraction
	if sizing.KellyFraction > 0 {
		kf = sizing.KellyFraction
	}
	k := KellyFraction(pSide, entry) * kf
	feats.Kelly = k

	maxPos := e.cfg.MaxPosition
	if sizing.MaxTradeSize > 0 && sizing.MaxTradeSize < maxPos {
		maxPos = sizing.MaxTradeSize
	}
	amount := maxPos * k

	reasoning := fmt.Sprintf("%s p_yes=%.3f price=%.3f ev=%.3f k=%.4f | %s", side, pYes, price, ev, k, sig.Reason)
	return domain.Decision{Intent: &domain.TradeIntent{
		BotID:           e.bot.BotID,
		MarketID:        m.ID,
		Side:            side,
		Confidence:      confidence,
		ExpectedValue:   ev,
		SuggestedAmount: amount,
		Reasoning:       reasoning,
		Features:        feats,
	}}, nil
}

func (e *Engine) skip(m domain.Market, side domain.Side, conf float64, reason domain.Reason, detail string, feats domain.FeatureSnapshot) domain.Decision {
	return domain.Decision{Skip: &domain.Skip{
		BotID:      e.bot.BotID,
		MarketID:   m.ID,
		Side:       side,
		Confidence: conf,
		Reason:     reason,
		Reasoning:  detail,
		Features:   feats,
	}}
}

// collectProviders 辅助信号源出错或无观点时直接忽略
func (e *Engine) collectProviders(ctx context.Context, m domain.Market, snap domain.SignalSnapshot) []domain.ProviderSignal {
	if len(e.providers) == 0 {
		return nil
	}
	out := make([]domain.ProviderSignal, 0, len(e.providers))
	for _, p := range e.providers {
		s, err := p.Analyze(ctx, m, snap)
		if err != nil {
			log.Debugf("provider %s 失败 market=%s: %v", p.Name(), m.ID, err)
			continue
		}
		if s.Provider == "" {
			s.Provider = p.Name()
		}
		out = append(out, s)
	}
	return out
}

// Blend 用辅助信号把模型概率往各自目标拉：t = 0.5 ± conf/2，按置信度加权
func Blend(p float64, signals []domain.ProviderSignal, weight float64) float64 {
	if weight <= 0 {
		return p
	}
	var num, den float64
	for _, s := range signals {
		if !s.Direction.Valid() || s.Confidence <= 0 {
			continue
		}
		conf := math.Min(1, s.Confidence)
		t := 0.5 + s.Direction.Sign()*conf/2
		num += conf * (t - p)
		den += conf
	}
	if den == 0 {
		return p
	}
	return clamp(p+weight*num/den, priceFloor, priceCeil)
}

// EntryPrices 计入 buffer 和手续费后的有效买入价
func EntryPrices(price, buffer, fee float64) (yes, no float64) {
	yes = clamp(clamp(price+buffer, priceFloor, priceCeil)*(1+fee), priceFloor, priceCeil)
	no = clamp(clamp(1-price+buffer, priceFloor, priceCeil)*(1+fee), priceFloor, priceCeil)
	return yes, no
}

// ExpectedValues 单位成本的期望收益
func ExpectedValues(pYes, entryYes, entryNo float64) (evYes, evNo float64) {
	return (pYes - entryYes) / entryYes, ((1 - pYes) - entryNo) / entryNo
}

// KellyFraction 未乘 fraction 的 Kelly 比例，截断到 [0, 0.25]
func KellyFraction(p, entry float64) float64 {
	return clamp((p-entry)/math.Max(1e-6, 1-entry), 0, maxKelly)
}
