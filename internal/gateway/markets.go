package gateway

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/arena/internal/domain"
	sdkhttp "github.com/betbot/arena/pkg/sdk/http"
)

// HTTPMarketSource GET /api/markets，过滤掉没有 token 或已过期的市场
type HTTPMarketSource struct {
	client *sdkhttp.Client
	now    func() time.Time
}

func NewHTTPMarketSource(client *sdkhttp.Client) *HTTPMarketSource {
	return &HTTPMarketSource{client: client, now: time.Now}
}

func (s *HTTPMarketSource) Candidates(ctx context.Context) ([]domain.Market, error) {
	var raw []domain.Market
	if _, err := s.client.DoRequest(ctx, http.MethodGet, "/api/markets", &sdkhttp.RequestOptions{
		Params: map[string]any{"active": "true"},
	}, &raw); err != nil {
		return nil, errors.Wrap(asError(err), "list markets")
	}
	now := s.now()
	out := raw[:0]
	for _, m := range raw {
		if m.ID == "" || m.YesTokenID == "" || m.NoTokenID == "" {
			continue
		}
		if !m.EndDate.IsZero() && !m.EndDate.After(now) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// HTTPResolutionSource GET /api/markets/{id}/resolution
type HTTPResolutionSource struct {
	client *sdkhttp.Client
}

func NewHTTPResolutionSource(client *sdkhttp.Client) *HTTPResolutionSource {
	return &HTTPResolutionSource{client: client}
}

func (s *HTTPResolutionSource) Resolution(ctx context.Context, marketID string) (domain.Resolution, error) {
	var out domain.Resolution
	_, err := s.client.DoRequest(ctx, http.MethodGet, "/api/markets/"+url.PathEscape(marketID)+"/resolution", nil, &out)
	if err != nil {
		var gw *Error
		if errors.As(asError(err), &gw) && gw.Code == http.StatusNotFound {
			return domain.Resolution{MarketID: marketID}, nil
		}
		return domain.Resolution{}, errors.Wrapf(asError(err), "resolution %s", marketID)
	}
	if out.MarketID == "" {
		out.MarketID = marketID
	}
	return out, nil
}
