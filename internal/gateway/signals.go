package gateway

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/arena/internal/domain"
	sdkhttp "github.com/betbot/arena/pkg/sdk/http"
)

const (
	maxHistory     = 64
	sampleInterval = 30 * time.Second
)

// OrderFlowSource 订单流（feed.State 实现）
type OrderFlowSource interface {
	OrderFlow(m domain.Market) *domain.OrderFlow
}

type pricePoint struct {
	price  float64
	volume float64
	at     time.Time
}

// SignalSource 组装决策用的 SignalSnapshot：
// 远端 /api/markets/{id}/signals（可选）+ 本地价格采样 + websocket 订单流。
type SignalSource struct {
	client *sdkhttp.Client
	flow   OrderFlowSource
	now    func() time.Time

	mu      sync.Mutex
	history map[string][]pricePoint
}

func NewSignalSource(client *sdkhttp.Client, flow OrderFlowSource) *SignalSource {
	return &SignalSource{
		client:  client,
		flow:    flow,
		now:     time.Now,
		history: make(map[string][]pricePoint),
	}
}

// record 同一市场 30s 内的多次观察合并成一个采样点
func (s *SignalSource) record(m domain.Market) ([]float64, []float64) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history[m.ID]
	if m.Price > 0 && m.Price < 1 {
		p := pricePoint{price: m.Price, volume: m.Volume24h, at: now}
		if n := len(h); n > 0 && now.Sub(h[n-1].at) < sampleInterval {
			p.at = h[n-1].at
			h[n-1] = p
		} else {
			h = append(h, p)
		}
		if len(h) > maxHistory {
			h = h[len(h)-maxHistory:]
		}
		s.history[m.ID] = h
	}
	prices := make([]float64, 0, len(h))
	volumes := make([]float64, 0, len(h))
	for _, p := range h {
		prices = append(prices, p.price)
		volumes = append(volumes, p.volume)
	}
	return prices, volumes
}

func (s *SignalSource) Snapshot(ctx context.Context, m domain.Market) (domain.SignalSnapshot, error) {
	prices, volumes := s.record(m)

	var snap domain.SignalSnapshot
	if s.client != nil {
		_, err := s.client.DoRequest(ctx, http.MethodGet, "/api/markets/"+url.PathEscape(m.ID)+"/signals", nil, &snap)
		if err != nil {
			log.Debugf("信号接口失败 market=%s: %v，使用本地采样", m.ID, err)
			snap = domain.SignalSnapshot{Stale: true}
		}
	}
	if len(snap.Prices) == 0 {
		snap.Prices = prices
		snap.Volumes = volumes
	}
	if snap.Latest <= 0 {
		snap.Latest = m.Price
	}
	if snap.OrderFlow == nil && s.flow != nil {
		snap.OrderFlow = s.flow.OrderFlow(m)
	}
	if of := snap.OrderFlow; of != nil {
		if of.Volume24h <= 0 {
			of.Volume24h = m.Volume24h
		}
		if of.TimeToResolution <= 0 {
			of.TimeToResolution = m.TimeToResolution(s.now()).Seconds()
		}
	}
	return snap, nil
}

// HTTPProvider 辅助信号源 GET /api/signals/{name}?market_id=
type HTTPProvider struct {
	name   string
	client *sdkhttp.Client
}

func NewHTTPProvider(name string, client *sdkhttp.Client) *HTTPProvider {
	return &HTTPProvider{name: name, client: client}
}

func (p *HTTPProvider) Name() string { return p.name }

func (p *HTTPProvider) Analyze(ctx context.Context, m domain.Market, _ domain.SignalSnapshot) (domain.ProviderSignal, error) {
	var out domain.ProviderSignal
	_, err := p.client.DoRequest(ctx, http.MethodGet, "/api/signals/"+url.PathEscape(p.name), &sdkhttp.RequestOptions{
		Params: map[string]any{"market_id": m.ID},
	}, &out)
	if err != nil {
		var gw *Error
		if errors.As(asError(err), &gw) && gw.Code == http.StatusNotFound {
			return domain.ProviderSignal{Provider: p.name}, nil
		}
		return domain.ProviderSignal{}, errors.Wrapf(asError(err), "provider %s", p.name)
	}
	out.Provider = p.name
	return out, nil
}
