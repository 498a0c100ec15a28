// Package execution 把准入后的交易意图变成一笔或多笔网关订单：定价、成本预估、拆单。
package execution

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/arena/internal/domain"
	"github.com/betbot/arena/internal/ports"
	"github.com/betbot/arena/pkg/config"
)

var log = logrus.WithField("component", "execution")

// Plan 拆单方式
type Plan string

const (
	PlanSingle  Plan = "single"
	PlanTWAP    Plan = "twap"
	PlanIceberg Plan = "iceberg"
)

// Status 执行结果状态
type Status string

const (
	StatusFilled   Status = "filled"
	StatusPartial  Status = "partial"
	StatusRejected Status = "rejected" // 下单前被拒
	StatusFailed   Status = "failed"   // 网关失败且没有任何成交
)

const UrgencyPatient = "patient"

// Config 执行参数
type Config struct {
	Style                  domain.OrderStyle
	Urgency                string
	MaxOrderSize           float64
	MinOrderSize           float64
	TakerFeeRate           float64
	MakerRebateRate        float64
	GasCostPerOrder        float64
	MinEVAfterCosts        float64
	TWAPSlices             int
	TWAPInterval           time.Duration
	IcebergVisibleFraction float64
	IcebergInterval        time.Duration
	IcebergMaxAttempts     int
	Source                 string
}

// ConfigFrom 从应用配置构造
func ConfigFrom(c config.ExecutionConfig) Config {
	return Config{
		Style:                  domain.OrderStyle(strings.ToUpper(c.DefaultStyle)),
		Urgency:                c.Urgency,
		MaxOrderSize:           c.MaxOrderSize,
		MinOrderSize:           c.MinOrderSize,
		TakerFeeRate:           c.TakerFeeRate,
		MakerRebateRate:        c.MakerRebateRate,
		GasCostPerOrder:        c.GasCostPerOrder,
		MinEVAfterCosts:        c.MinEVAfterCosts,
		TWAPSlices:             c.TWAPSlices,
		TWAPInterval:           time.Duration(c.TWAPIntervalSec) * time.Second,
		IcebergVisibleFraction: c.IcebergVisibleFraction,
		IcebergInterval:        time.Duration(c.IcebergIntervalSec) * time.Second,
		IcebergMaxAttempts:     c.IcebergMaxAttempts,
		Source:                 "bot_arena",
	}
}

// Result 执行结果（值，不是 error）
type Result struct {
	Status       Status            `json:"status"`
	Reason       domain.Reason     `json:"reason,omitempty"`
	Detail       string            `json:"detail,omitempty"`
	Plan         Plan              `json:"plan"`
	Style        domain.OrderStyle `json:"style"`
	Price        float64           `json:"price"`
	FilledAmount float64           `json:"filled_amount"`
	AvgPrice     float64           `json:"avg_price"`
	Shares       float64           `json:"shares"`
	Orders       int               `json:"orders"`
	ExternalIDs  []string          `json:"external_ids,omitempty"`
	Cost         CostBreakdown     `json:"cost"`
	NetEV        float64           `json:"net_ev"`
}

// Executed 是否有任何成交
func (r Result) Executed() bool {
	return r.FilledAmount > 0
}

// ExternalID 多笔时用逗号拼接
func (r Result) ExternalID() string {
	return strings.Join(r.ExternalIDs, ",")
}

// StatusCoder 网关错误携带 HTTP 状态码
type StatusCoder interface {
	StatusCode() int
}

// ReasonFromError 网关错误映射为 api_error_<code>，没有状态码时记为 0
func ReasonFromError(err error) domain.Reason {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return domain.APIErrorReason(sc.StatusCode())
	}
	return domain.APIErrorReason(0)
}

type Option func(*Engine)

// WithSleep 替换 TWAP/冰山之间的等待（测试用）
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// WithDeduper 共享的 in-flight 去重器
func WithDeduper(d *InFlightDeduper) Option {
	return func(e *Engine) { e.inFlight = d }
}

// Engine 执行引擎，所有 bot 共用
type Engine struct {
	gateway  ports.OrderGateway
	cfg      Config
	inFlight *InFlightDeduper
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(gateway ports.OrderGateway, cfg Config, opts ...Option) *Engine {
	if cfg.Style == "" {
		cfg.Style = domain.StylePostOnly
	}
	if cfg.TWAPSlices <= 0 {
		cfg.TWAPSlices = 4
	}
	if cfg.IcebergMaxAttempts <= 0 {
		cfg.IcebergMaxAttempts = 20
	}
	e := &Engine{
		gateway:  gateway,
		cfg:      cfg,
		inFlight: NewInFlightDeduper(15*time.Minute, 64),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ChoosePlan 超过单笔上限时拆单：patient 走 TWAP，否则冰山
func (e *Engine) ChoosePlan(amount float64) Plan {
	if amount <= e.cfg.MaxOrderSize {
		return PlanSingle
	}
	if e.cfg.Urgency == UrgencyPatient {
		return PlanTWAP
	}
	return PlanIceberg
}

func (e *Engine) plannedOrders(plan Plan) int {
	switch plan {
	case PlanTWAP:
		return e.cfg.TWAPSlices
	case PlanIceberg:
		if e.cfg.IcebergVisibleFraction <= 0 {
			return 1
		}
		return int(math.Ceil(1 / e.cfg.IcebergVisibleFraction))
	default:
		return 1
	}
}

func rejected(reason domain.Reason, detail string) Result {
	return Result{Status: StatusRejected, Reason: reason, Detail: detail}
}

// Execute 执行一笔已准入的交易。amount 为风控确认后的金额。
func (e *Engine) Execute(ctx context.Context, intent domain.TradeIntent, amount float64, m domain.Market) Result {
	key := InFlightKey(intent.BotID, intent.MarketID)
	if err := e.inFlight.TryAcquire(key); err != nil {
		return rejected(domain.ReasonDuplicateInFlight, err.Error())
	}
	defer e.inFlight.Release(key)

	token := m.TokenID(intent.Side)
	if token == "" {
		return rejected(domain.ReasonMissingTokenID, fmt.Sprintf("market %s has no %s token", m.ID, intent.Side))
	}
	if !m.HasBook(intent.Side) {
		return rejected(domain.ReasonNoMarketData, fmt.Sprintf("no book for %s/%s", m.ID, intent.Side))
	}
	bid, ask := m.Quote(intent.Side)

	style := e.cfg.Style
	price := OrderPrice(style, bid, ask)
	plan := e.ChoosePlan(amount)
	cost := e.EstimateCosts(style, plan, price, bid, ask, amount, e.plannedOrders(plan))
	netEV := intent.ExpectedValue - cost.Pct

	if netEV < e.cfg.MinEVAfterCosts || cost.Pct > 0.5*intent.ExpectedValue {
		res := rejected(domain.ReasonEVBelowMinAfterCosts,
			fmt.Sprintf("ev %.4f cost %.4f net %.4f", intent.ExpectedValue, cost.Pct, netEV))
		res.Cost, res.NetEV, res.Plan, res.Style, res.Price = cost, netEV, plan, style, price
		return res
	}

	base := domain.OrderSpec{
		BotID:    intent.BotID,
		MarketID: m.ID,
		TokenID:  token,
		Side:     intent.Side,
		Price:    price,
		Style:    style,
		Source:   e.cfg.Source,
		Note:     intent.Reasoning,
	}

	var res Result
	switch plan {
	case PlanTWAP:
		res = e.twap(ctx, base, amount)
	case PlanIceberg:
		res = e.iceberg(ctx, base, amount)
	default:
		res = e.single(ctx, base, amount)
	}
	res.Plan, res.Style, res.Price, res.NetEV = plan, style, price, netEV

	// 按实际成交重新计算成本
	if res.FilledAmount > 0 {
		res.Cost = e.EstimateCosts(style, plan, res.AvgPrice, bid, ask, res.FilledAmount, res.Orders)
	} else {
		res.Cost = cost
	}
	log.Infof("执行 %s bot=%s market=%s side=%s plan=%s amount=%.2f filled=%.2f avg=%.4f cost=%.4f",
		res.Status, intent.BotID, m.ID, intent.Side, plan, amount, res.FilledAmount, res.AvgPrice, res.Cost.Total)
	return res
}

// place 单笔下单。已发出的订单不因 ctx 取消而中断，只有网关自身超时。
func (e *Engine) place(ctx context.Context, spec domain.OrderSpec) (domain.Fill, error) {
	return e.gateway.Place(context.WithoutCancel(ctx), spec)
}

type fillAgg struct {
	amount float64
	shares float64
	orders int
	ids    []string
}

func (a *fillAgg) add(f domain.Fill, price float64) {
	a.orders++
	a.amount += f.FilledAmount
	shares := f.Shares
	if shares <= 0 {
		p := f.AvgPrice
		if p <= 0 {
			p = price
		}
		shares = f.FilledAmount / p
	}
	a.shares += shares
	if f.ExternalID != "" {
		a.ids = append(a.ids, f.ExternalID)
	}
}

func (a *fillAgg) result(target float64, failure error) Result {
	r := Result{
		FilledAmount: a.amount,
		Shares:       a.shares,
		Orders:       a.orders,
		ExternalIDs:  a.ids,
	}
	if a.shares > 0 {
		r.AvgPrice = a.amount / a.shares
	}
	switch {
	case a.amount <= 0:
		r.Status = StatusFailed
	case a.amount+1e-9 < target:
		r.Status = StatusPartial
	default:
		r.Status = StatusFilled
	}
	if failure != nil {
		r.Reason = ReasonFromError(failure)
		r.Detail = failure.Error()
	}
	return r
}

func (e *Engine) single(ctx context.Context, base domain.OrderSpec, amount float64) Result {
	var agg fillAgg
	spec := base
	spec.Amount = amount
	f, err := e.place(ctx, spec)
	if err != nil {
		agg.orders++
		return agg.result(amount, err)
	}
	agg.add(f, base.Price)
	return agg.result(amount, nil)
}

// twap 等额切片顺序下单，任一片失败则放弃剩余
func (e *Engine) twap(ctx context.Context, base domain.OrderSpec, amount float64) Result {
	var agg fillAgg
	n := e.cfg.TWAPSlices
	slice := amount / float64(n)
	for i := 0; i < n; i++ {
		if i > 0 {
			if err := e.sleep(ctx, e.cfg.TWAPInterval); err != nil {
				log.Warnf("TWAP 中断 bot=%s market=%s: 已完成 %d/%d", base.BotID, base.MarketID, i, n)
				return agg.result(amount, nil)
			}
		}
		spec := base
		spec.Amount = slice
		f, err := e.place(ctx, spec)
		if err != nil {
			agg.orders++
			log.Warnf("TWAP 第 %d/%d 片失败，放弃剩余: %v", i+1, n, err)
			return agg.result(amount, err)
		}
		agg.add(f, base.Price)
	}
	return agg.result(amount, nil)
}

// iceberg 每次只露出一小部分；失败时把可见量减半，低于最小单量或次数耗尽即停止
func (e *Engine) iceberg(ctx context.Context, base domain.OrderSpec, amount float64) Result {
	var agg fillAgg
	visible := amount * e.cfg.IcebergVisibleFraction
	remaining := amount
	var lastErr error

	for attempt := 0; attempt < e.cfg.IcebergMaxAttempts && remaining > 1e-9; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, e.cfg.IcebergInterval); err != nil {
				break
			}
		}
		size := math.Min(visible, remaining)
		if size < e.cfg.MinOrderSize && size < remaining {
			break
		}
		spec := base
		spec.Amount = size
		f, err := e.place(ctx, spec)
		if err != nil {
			agg.orders++
			lastErr = err
			visible /= 2
			if visible < e.cfg.MinOrderSize {
				break
			}
			continue
		}
		lastErr = nil
		agg.add(f, base.Price)
		remaining -= f.FilledAmount
	}
	return agg.result(amount, lastErr)
}
