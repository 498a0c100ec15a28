package edgemodel

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"testing/quick"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/betbot/arena/internal/domain"
	"github.com/betbot/arena/internal/ledger"
	"github.com/betbot/arena/pkg/cache"
)

type memStore struct {
	mu      sync.Mutex
	rows    map[string]ledger.StoredModel
	saved   map[string]domain.ModelParameters
	failErr error
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]ledger.StoredModel{}, saved: map[string]domain.ModelParameters{}}
}

func (s *memStore) LoadModel(_ context.Context, botID string) (ledger.StoredModel, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.saved[botID]; ok {
		return ledger.StoredModel{BotID: botID, Bias: p.Bias, Weights: mustWeights(p.Weights), Updates: p.Updates}, true, nil
	}
	r, ok := s.rows[botID]
	return r, ok, nil
}

func (s *memStore) SaveModel(_ context.Context, p domain.ModelParameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.saved[p.BotID] = p
	return nil
}

func mustWeights(w domain.FeatureVector) string {
	b, _ := json.Marshal(w)
	return string(b)
}

func withClock(now *time.Time) cache.Option {
	return cache.WithClock(func() time.Time { return *now })
}

func TestPredictNeutralAtZeroFeatures(t *testing.T) {
	m := New(newMemStore(), Config{})
	defer m.Close()

	p, err := m.Predict(context.Background(), "b1", 0.5, domain.FeatureVector{})
	require.NoError(t, err)
	require.InDelta(t, 0.5, p, 1e-12)
}

func TestPredictClampsToRange(t *testing.T) {
	params := domain.DefaultModel("b")
	hi := Probability(params, 0.9999, domain.FeatureVector{Mom: 10, Strat: 10})
	lo := Probability(params, 0.0001, domain.FeatureVector{Stale: 10, Vol: 10})
	if hi != maxProb {
		t.Fatalf("upper clamp got=%v want=%v", hi, maxProb)
	}
	if lo != minProb {
		t.Fatalf("lower clamp got=%v want=%v", lo, minProb)
	}
}

func TestMalformedWeightsFallBackToDefaults(t *testing.T) {
	cases := map[string]string{
		"bad json": `{"mom":`,
		"empty":    `{}`,
		"not obj":  `[1,2]`,
	}
	x := domain.FeatureVector{Mom: 0.1, Strat: 0.5}
	want := Probability(domain.DefaultModel("b"), 0.4, x)
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			s := newMemStore()
			s.rows["b"] = ledger.StoredModel{BotID: "b", Bias: 0, Weights: raw}
			m := New(s, Config{})
			defer m.Close()
			got, err := m.Predict(context.Background(), "b", 0.4, x)
			require.NoError(t, err)
			require.InDelta(t, want, got, 1e-12)
		})
	}

	p := Decode(ledger.StoredModel{BotID: "b", Bias: math.NaN(), Weights: `{"mom":1}`})
	require.Equal(t, 0.0, p.Bias)
	require.Equal(t, 1.0, p.Weights.Mom)
	require.Equal(t, 0.0, p.Weights.Vol)
}

func TestUpdatePersistsAndMovesTowardOutcome(t *testing.T) {
	s := newMemStore()
	m := New(s, Config{LearningRate: 0.05, L2: 1e-4})
	defer m.Close()
	ctx := context.Background()
	x := domain.FeatureVector{Mom: 0.1, Strat: 0.6, TTE: 1}

	before, err := m.Predict(ctx, "b1", 0.5, x)
	require.NoError(t, err)
	res, err := m.Update(ctx, "b1", 0.5, x, 1)
	require.NoError(t, err)
	require.InDelta(t, 1-before, res, 1e-12)

	after, err := m.Predict(ctx, "b1", 0.5, x)
	require.NoError(t, err)
	require.Greater(t, after, before)
	require.Equal(t, int64(1), s.saved["b1"].Updates)
}

func TestUpdateFailureKeepsLastGoodParams(t *testing.T) {
	s := newMemStore()
	m := New(s, Config{})
	defer m.Close()
	ctx := context.Background()
	x := domain.FeatureVector{Strat: 1}

	before, err := m.Predict(ctx, "b1", 0.5, x)
	require.NoError(t, err)

	s.failErr = errors.New("disk full")
	_, err = m.Update(ctx, "b1", 0.5, x, 1)
	require.Error(t, err)

	after, err := m.Predict(ctx, "b1", 0.5, x)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := newMemStore()
	m := New(s, Config{CacheTTL: 30 * time.Second}, withClock(&now))
	defer m.Close()
	ctx := context.Background()

	_, err := m.Predict(ctx, "b1", 0.5, domain.FeatureVector{})
	require.NoError(t, err)

	// 外部直接改账本，缓存期内看不到
	s.saved["b1"] = domain.ModelParameters{BotID: "b1", Bias: 2, Weights: domain.DefaultWeights()}
	p, err := m.Predict(ctx, "b1", 0.5, domain.FeatureVector{})
	require.NoError(t, err)
	require.InDelta(t, 0.5, p, 1e-12)

	now = now.Add(31 * time.Second)
	p, err = m.Predict(ctx, "b1", 0.5, domain.FeatureVector{})
	require.NoError(t, err)
	require.Greater(t, p, 0.85)
}

// featureInput testing/quick 生成 [-1,1] 的特征与 (0,1) 的价格
type featureInput struct {
	Price float64
	X     domain.FeatureVector
	Y     float64
}

func (featureInput) Generate(r *rand.Rand, _ int) reflect.Value {
	u := func() float64 { return r.Float64()*2 - 1 }
	in := featureInput{
		Price: 0.02 + r.Float64()*0.96,
		X:     domain.FeatureVector{Mom: u() * 0.2, Vol: r.Float64() * 0.1, TTE: r.Float64() * 3, Strat: u(), Sent: u() * 0.5, OFDelta: u() * 0.25, OFVol: r.Float64(), Stale: float64(r.Intn(2))},
	}
	if r.Intn(2) == 1 {
		in.Y = 1
	}
	return reflect.ValueOf(in)
}

func TestStepIsMonotonicTowardOutcome(t *testing.T) {
	f := func(in featureInput) bool {
		p := domain.DefaultModel("b")
		before := Probability(p, in.Price, in.X)
		next, _ := Step(p, in.Price, in.X, in.Y, 0.05, 1e-4)
		after := Probability(next, in.Price, in.X)
		if in.Y == 1 {
			return after >= before
		}
		return after <= before
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 500}); err != nil {
		t.Fatal(err)
	}
}
