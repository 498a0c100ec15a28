package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"github.com/betbot/arena/internal/domain"
)

type staticKeys map[string]string

func (k staticKeys) BotKey(botID string) (string, bool, error) {
	v, ok := k[botID]
	return v, ok, nil
}

func jsonReply(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func spec() domain.OrderSpec {
	return domain.OrderSpec{
		BotID:    "bot-1",
		MarketID: "m1",
		TokenID:  "yes-1",
		Side:     domain.SideYes,
		Amount:   10,
		Price:    0.5,
		Style:    domain.StylePostOnly,
		Source:   "bot_arena",
	}
}

func newGateway(t *testing.T, h http.HandlerFunc) *HTTPGateway {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := Config{BaseURL: srv.URL, Timeout: time.Second, RequestsPerSecond: 1000, Burst: 1000}
	return NewHTTPGateway(NewClient(cfg), staticKeys{"bot-1": "secret"}, cfg)
}

func TestHTTPGatewayPlacesOrder(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/orders", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "m1", body["market_id"])
		require.Equal(t, "yes-1", body["token_id"])
		require.Equal(t, "yes", body["side"])
		require.Equal(t, 10.0, body["amount"])
		require.Equal(t, "POST_ONLY", body["order_type"])
		require.Equal(t, "bot_arena", body["source"])
		jsonReply(w, http.StatusOK, `{"order_id":"ext-1","status":"matched","filled_amount":10,"avg_price":0.48}`)
	})

	fill, err := g.Place(context.Background(), spec())
	require.NoError(t, err)
	require.Equal(t, "ext-1", fill.ExternalID)
	require.Equal(t, 10.0, fill.FilledAmount)
	require.Equal(t, 0.48, fill.AvgPrice)
	require.InDelta(t, 10/0.48, fill.Shares, 1e-9)
}

func TestHTTPGatewayMissingKey(t *testing.T) {
	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("request must not be sent")
	})
	s := spec()
	s.BotID = "stranger"
	_, err := g.Place(context.Background(), s)
	var gw *Error
	require.True(t, errors.As(err, &gw))
	require.Equal(t, http.StatusUnauthorized, gw.StatusCode())
}

func TestHTTPGatewayBreakerTripsOnServerErrors(t *testing.T) {
	var hits int32
	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		jsonReply(w, http.StatusServiceUnavailable, `{"error":"down"}`)
	})

	for i := 0; i < 3; i++ {
		_, err := g.Place(context.Background(), spec())
		var gw *Error
		require.True(t, errors.As(err, &gw))
		require.Equal(t, 503, gw.Code)
	}
	require.Equal(t, gobreaker.StateOpen, g.BreakerState())

	_, err := g.Place(context.Background(), spec())
	var gw *Error
	require.True(t, errors.As(err, &gw))
	require.Equal(t, 503, gw.Code)
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("got=%d want=3 requests", got)
	}
}

func TestHTTPGatewayClientErrorsDoNotTrip(t *testing.T) {
	var hits int32
	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		jsonReply(w, http.StatusUnprocessableEntity, `{"error":"bad price"}`)
	})
	for i := 0; i < 5; i++ {
		_, err := g.Place(context.Background(), spec())
		var gw *Error
		require.True(t, errors.As(err, &gw))
		require.Equal(t, 422, gw.Code)
	}
	require.Equal(t, int32(5), atomic.LoadInt32(&hits))
	require.Equal(t, gobreaker.StateClosed, g.BreakerState())
}

func TestPaperGatewayFillsAtLimit(t *testing.T) {
	g := NewPaperGateway()
	fill, err := g.Place(context.Background(), spec())
	require.NoError(t, err)
	require.Equal(t, 10.0, fill.FilledAmount)
	require.Equal(t, 0.5, fill.AvgPrice)
	require.Equal(t, 20.0, fill.Shares)
	require.True(t, strings.HasPrefix(fill.ExternalID, "paper-"))
	require.Len(t, g.Orders(), 1)

	bad := spec()
	bad.Price = 1
	_, err = g.Place(context.Background(), bad)
	var gw *Error
	require.True(t, errors.As(err, &gw))
	require.Equal(t, http.StatusBadRequest, gw.Code)
}

type pnl float64

func (p pnl) RealizedPnL(context.Context) (float64, error) { return float64(p), nil }

func TestBankrollSources(t *testing.T) {
	b, err := NewLedgerBankroll(pnl(-125.5), 2000).Current(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1874.5, b)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/balance", r.URL.Path)
		jsonReply(w, http.StatusOK, `{"usdc": 321.25}`)
	}))
	defer srv.Close()
	b, err = NewHTTPBankroll(NewClient(Config{BaseURL: srv.URL, Timeout: time.Second})).Current(context.Background())
	require.NoError(t, err)
	require.Equal(t, 321.25, b)
}

func TestMarketSourceFiltersCandidates(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "true", r.URL.Query().Get("active"))
		jsonReply(w, http.StatusOK, `[
			{"id":"ok","yes_token_id":"y","no_token_id":"n","current_price":0.4,"end_date":"2026-03-02T00:00:00Z"},
			{"id":"expired","yes_token_id":"y","no_token_id":"n","current_price":0.4,"end_date":"2026-03-01T00:00:00Z"},
			{"id":"notoken","current_price":0.4}
		]`)
	}))
	defer srv.Close()

	src := NewHTTPMarketSource(NewClient(Config{BaseURL: srv.URL, Timeout: time.Second}))
	src.now = func() time.Time { return now }
	got, err := src.Candidates(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "ok", got[0].ID)
	require.Equal(t, 0.4, got[0].Price)
}

func TestResolutionSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/markets/m1/resolution":
			jsonReply(w, http.StatusOK, `{"resolved":true,"winner":"no"}`)
		case "/api/markets/m2/resolution":
			jsonReply(w, http.StatusNotFound, `{"error":"unknown"}`)
		default:
			jsonReply(w, http.StatusInternalServerError, `{}`)
		}
	}))
	defer srv.Close()
	src := NewHTTPResolutionSource(NewClient(Config{BaseURL: srv.URL, Timeout: time.Second}))

	res, err := src.Resolution(context.Background(), "m1")
	require.NoError(t, err)
	require.True(t, res.Resolved)
	require.Equal(t, domain.SideNo, res.Winner)
	require.Equal(t, "m1", res.MarketID)

	res, err = src.Resolution(context.Background(), "m2")
	require.NoError(t, err)
	require.False(t, res.Resolved)

	_, err = src.Resolution(context.Background(), "m3")
	require.Error(t, err)
}

type fixedFlow struct{ of domain.OrderFlow }

func (f fixedFlow) OrderFlow(domain.Market) *domain.OrderFlow {
	of := f.of
	return &of
}

func TestSignalSourceSamplesLocally(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := NewSignalSource(nil, fixedFlow{domain.OrderFlow{CurrentProbability: 0.6, Imbalance: 0.2, TradeFlow: 0.7}})
	src.now = func() time.Time { return now }

	m := domain.Market{ID: "m1", Price: 0.40, Volume24h: 5000, EndDate: now.Add(10 * time.Minute)}
	for i, p := range []float64{0.40, 0.41, 0.42} {
		m.Price = p
		snap, err := src.Snapshot(context.Background(), m)
		require.NoError(t, err)
		require.Len(t, snap.Prices, i+1)
		// 同一采样周期内的重复观察被合并
		m.Price = p + 0.001
		snap, _ = src.Snapshot(context.Background(), m)
		require.Len(t, snap.Prices, i+1)
		require.Equal(t, p+0.001, snap.Latest)
		now = now.Add(time.Minute)
	}

	snap, _ := src.Snapshot(context.Background(), m)
	require.False(t, snap.Stale)
	require.NotNil(t, snap.OrderFlow)
	require.Equal(t, 5000.0, snap.OrderFlow.Volume24h)
	require.Equal(t, 0.6, snap.OrderFlow.CurrentProbability)
	require.InDelta(t, 7*60, snap.OrderFlow.TimeToResolution, 1e-9)
}

func TestSignalSourceRemoteFailureMarksStale(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/markets/good/signals" {
			jsonReply(w, http.StatusOK, `{"prices":[0.3,0.31,0.32],"latest":0.33,"sentiment":{"score":0.7,"confidence":0.8}}`)
			return
		}
		jsonReply(w, http.StatusInternalServerError, `{}`)
	}))
	defer srv.Close()
	src := NewSignalSource(NewClient(Config{BaseURL: srv.URL, Timeout: time.Second}), nil)

	snap, err := src.Snapshot(context.Background(), domain.Market{ID: "good", Price: 0.33})
	require.NoError(t, err)
	require.Equal(t, []float64{0.3, 0.31, 0.32}, snap.Prices)
	require.NotNil(t, snap.Sentiment)
	require.Equal(t, 0.7, snap.Sentiment.Score)

	snap, err = src.Snapshot(context.Background(), domain.Market{ID: "bad", Price: 0.5})
	require.NoError(t, err)
	require.True(t, snap.Stale)
	require.Equal(t, []float64{0.5}, snap.Prices)
}

func TestHTTPProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/signals/whale":
			require.Equal(t, "m1", r.URL.Query().Get("market_id"))
			jsonReply(w, http.StatusOK, `{"direction":"yes","confidence":0.7,"rationale":"accumulation"}`)
		default:
			jsonReply(w, http.StatusNotFound, `{}`)
		}
	}))
	defer srv.Close()
	client := NewClient(Config{BaseURL: srv.URL, Timeout: time.Second})

	sig, err := NewHTTPProvider("whale", client).Analyze(context.Background(), domain.Market{ID: "m1"}, domain.SignalSnapshot{})
	require.NoError(t, err)
	require.Equal(t, "whale", sig.Provider)
	require.Equal(t, domain.SideYes, sig.Direction)
	require.Equal(t, 0.7, sig.Confidence)

	sig, err = NewHTTPProvider("bayes", client).Analyze(context.Background(), domain.Market{ID: "m1"}, domain.SignalSnapshot{})
	require.NoError(t, err)
	require.Equal(t, domain.Side(""), sig.Direction)
}
