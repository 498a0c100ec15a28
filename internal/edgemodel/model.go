// Package edgemodel 每个 bot 一个在线 logistic 模型：以市场价的 logit 为基准，学习特征带来的偏移。
package edgemodel

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/arena/internal/domain"
	"github.com/betbot/arena/internal/ledger"
	"github.com/betbot/arena/internal/metrics"
	"github.com/betbot/arena/pkg/cache"
)

var log = logrus.WithField("component", "edgemodel")

const (
	priceEps = 1e-3
	minProb  = 0.01
	maxProb  = 0.99
)

// Store 模型参数的持久化
type Store interface {
	LoadModel(ctx context.Context, botID string) (ledger.StoredModel, bool, error)
	SaveModel(ctx context.Context, p domain.ModelParameters) error
}

type Config struct {
	LearningRate float64
	L2           float64
	CacheTTL     time.Duration
}

func (c Config) withDefaults() Config {
	if c.LearningRate <= 0 {
		c.LearningRate = 0.05
	}
	if c.L2 < 0 {
		c.L2 = 0
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 30 * time.Second
	}
	return c
}

type Model struct {
	store Store
	cfg   Config
	cache *cache.InMemoryCache[string, domain.ModelParameters]
	now   func() time.Time

	// 同一 bot 的 read-modify-write 串行化
	mu sync.Mutex
}

func New(store Store, cfg Config, opts ...cache.Option) *Model {
	cfg = cfg.withDefaults()
	return &Model{
		store: store,
		cfg:   cfg,
		cache: cache.NewInMemoryCache[string, domain.ModelParameters](cfg.CacheTTL, opts...),
		now:   time.Now,
	}
}

func (m *Model) Close() { m.cache.Close() }

// Params 当前参数：缓存 -> 账本 -> 默认值（首次读取时写入默认值）
func (m *Model) Params(ctx context.Context, botID string) (domain.ModelParameters, error) {
	if p, ok := m.cache.Get(botID); ok {
		return p, nil
	}
	row, found, err := m.store.LoadModel(ctx, botID)
	if err != nil {
		return domain.ModelParameters{}, errors.Wrapf(err, "load model %s", botID)
	}
	var p domain.ModelParameters
	if !found {
		p = domain.DefaultModel(botID)
		p.UpdatedAt = m.now()
		if err := m.store.SaveModel(ctx, p); err != nil {
			log.Warnf("初始化模型参数失败 bot=%s: %v", botID, err)
		}
	} else {
		p = Decode(row)
	}
	m.cache.Set(botID, p, 0)
	return p, nil
}

// Decode 解析账本里的参数；坏数据回退默认权重
func Decode(row ledger.StoredModel) domain.ModelParameters {
	p := domain.ModelParameters{
		BotID:     row.BotID,
		Bias:      row.Bias,
		Updates:   row.Updates,
		UpdatedAt: row.UpdatedTime(),
	}
	var raw map[string]float64
	if err := json.Unmarshal([]byte(row.Weights), &raw); err != nil || len(raw) == 0 {
		log.Warnf("模型权重无法解析，使用默认值 bot=%s", row.BotID)
		p.Weights = domain.DefaultWeights()
	} else if err := json.Unmarshal([]byte(row.Weights), &p.Weights); err != nil || !p.Weights.Finite() {
		p.Weights = domain.DefaultWeights()
	}
	if math.IsNaN(p.Bias) || math.IsInf(p.Bias, 0) {
		p.Bias = 0
	}
	return p
}

// Predict p(yes)，范围 [0.01, 0.99]
func (m *Model) Predict(ctx context.Context, botID string, marketPrice float64, x domain.FeatureVector) (float64, error) {
	p, err := m.Params(ctx, botID)
	if err != nil {
		return 0, err
	}
	return Probability(p, marketPrice, x), nil
}

// Update 用结算结果做一次 SGD；outcome=1 表示 YES 赢。返回残差 y-p。
// 持久化失败时保留旧参数（缓存不变）。
func (m *Model) Update(ctx context.Context, botID string, marketPrice float64, x domain.FeatureVector, outcome float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.Params(ctx, botID)
	if err != nil {
		return 0, err
	}
	next, residual := Step(p, marketPrice, x, outcome, m.cfg.LearningRate, m.cfg.L2)
	metrics.ModelResidual.Observe(math.Abs(residual))
	next.UpdatedAt = m.now()
	if err := m.store.SaveModel(ctx, next); err != nil {
		log.Errorf("模型更新落库失败 bot=%s: %v", botID, err)
		return residual, errors.Wrapf(err, "save model %s", botID)
	}
	m.cache.Set(botID, next, 0)
	return residual, nil
}

// Probability sigmoid(logit(price) + b + w·x)，截断到 [0.01, 0.99]
func Probability(p domain.ModelParameters, marketPrice float64, x domain.FeatureVector) float64 {
	z := logit(clamp(marketPrice, priceEps, 1-priceEps)) + p.Bias + p.Weights.Dot(x)
	return clamp(sigmoid(z), minProb, maxProb)
}

// Step 纯函数的一次更新
func Step(p domain.ModelParameters, marketPrice float64, x domain.FeatureVector, y, lr, l2 float64) (domain.ModelParameters, float64) {
	if y >= 0.5 {
		y = 1
	} else {
		y = 0
	}
	pred := Probability(p, marketPrice, x)
	residual := y - pred

	next := p
	next.Bias = p.Bias + lr*residual
	next.Weights = p.Weights.Step(x, lr, residual, l2)
	next.Updates = p.Updates + 1
	return next, residual
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		ez := math.Exp(-z)
		return 1 / (1 + ez)
	}
	ez := math.Exp(z)
	return ez / (1 + ez)
}

func logit(p float64) float64 {
	return math.Log(p / (1 - p))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
