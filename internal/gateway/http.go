// Package gateway 外部协作方的 HTTP / 纸交易实现：下单、资金、候选市场、结算与信号。
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/betbot/arena/internal/domain"
	"github.com/betbot/arena/pkg/config"
	"github.com/betbot/arena/pkg/ratelimit"
	sdkhttp "github.com/betbot/arena/pkg/sdk/http"
)

var log = logrus.WithField("component", "gateway")

// KeySource bot 的 API key（secretstore 实现）
type KeySource interface {
	BotKey(botID string) (string, bool, error)
}

type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RetryCount        int
	RequestsPerSecond float64
	Burst             int
	BreakerFailures   uint32
	BreakerTimeout    time.Duration
}

func ConfigFrom(c config.GatewayConfig) Config {
	return Config{
		BaseURL:           c.BaseURL,
		Timeout:           time.Duration(c.TimeoutSec) * time.Second,
		RetryCount:        c.RetryCount,
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
		BreakerFailures:   uint32(c.BreakerFailures),
		BreakerTimeout:    time.Duration(c.BreakerTimeoutSec) * time.Second,
	}
}

// NewClient 共享的 resty 客户端
func NewClient(cfg Config) *sdkhttp.Client {
	return sdkhttp.NewClient(cfg.BaseURL, sdkhttp.Options{Timeout: cfg.Timeout, RetryCount: cfg.RetryCount})
}

type orderRequest struct {
	MarketID  string  `json:"market_id"`
	TokenID   string  `json:"token_id"`
	Side      string  `json:"side"`
	Amount    float64 `json:"amount"`
	Price     float64 `json:"price"`
	OrderType string  `json:"order_type"`
	Source    string  `json:"source"`
	Note      string  `json:"note,omitempty"`
}

type orderResponse struct {
	OrderID      string  `json:"order_id"`
	Status       string  `json:"status"`
	FilledAmount float64 `json:"filled_amount"`
	AvgPrice     float64 `json:"avg_price"`
	Shares       float64 `json:"shares"`
}

// HTTPGateway 实盘下单：限速 → 熔断 → POST /api/orders
type HTTPGateway struct {
	client  *sdkhttp.Client
	keys    KeySource
	limiter *ratelimit.KeyedLimiter
	breaker *gobreaker.CircuitBreaker
}

func NewHTTPGateway(client *sdkhttp.Client, keys KeySource, cfg Config) *HTTPGateway {
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 3
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = time.Minute
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	failures := cfg.BreakerFailures
	return &HTTPGateway{
		client:  client,
		keys:    keys,
		limiter: ratelimit.NewKeyedLimiter(burst, rps),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "order-gateway",
			Timeout: cfg.BreakerTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= failures
			},
			IsSuccessful: func(err error) bool { return !breakerFailure(err) },
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warnf("熔断状态变化 %s: %s -> %s", name, from, to)
			},
		}),
	}
}

// BreakerState 当前熔断状态
func (g *HTTPGateway) BreakerState() gobreaker.State {
	return g.breaker.State()
}

func (g *HTTPGateway) Place(ctx context.Context, spec domain.OrderSpec) (domain.Fill, error) {
	if err := g.limiter.Wait(ctx, spec.BotID); err != nil {
		return domain.Fill{}, errors.Wrap(err, "rate limit wait")
	}
	headers := map[string]string{}
	if g.keys != nil {
		key, ok, err := g.keys.BotKey(spec.BotID)
		if err != nil {
			return domain.Fill{}, errors.Wrapf(err, "load api key bot=%s", spec.BotID)
		}
		if !ok {
			return domain.Fill{}, &Error{Code: http.StatusUnauthorized, Message: "no api key for bot " + spec.BotID}
		}
		headers["Authorization"] = "Bearer " + key
	}

	req := orderRequest{
		MarketID:  spec.MarketID,
		TokenID:   spec.TokenID,
		Side:      string(spec.Side),
		Amount:    spec.Amount,
		Price:     spec.Price,
		OrderType: string(spec.Style),
		Source:    spec.Source,
		Note:      spec.Note,
	}
	out, err := g.breaker.Execute(func() (interface{}, error) {
		var resp orderResponse
		_, err := g.client.DoRequest(ctx, http.MethodPost, "/api/orders", &sdkhttp.RequestOptions{Headers: headers, Data: req}, &resp)
		return resp, err
	})
	if err != nil {
		return domain.Fill{}, asError(err)
	}
	return toFill(out.(orderResponse), spec), nil
}

// toFill 未回报成交量时按下单量/限价补齐
func toFill(r orderResponse, spec domain.OrderSpec) domain.Fill {
	f := domain.Fill{
		FilledAmount: r.FilledAmount,
		AvgPrice:     r.AvgPrice,
		Shares:       r.Shares,
		ExternalID:   r.OrderID,
	}
	if f.FilledAmount <= 0 {
		f.FilledAmount = spec.Amount
	}
	if f.AvgPrice <= 0 {
		f.AvgPrice = spec.Price
	}
	if f.Shares <= 0 && f.AvgPrice > 0 {
		f.Shares = f.FilledAmount / f.AvgPrice
	}
	return f
}
