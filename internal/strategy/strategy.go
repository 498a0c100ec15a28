// Package strategy 封闭的策略集合。每个 bot 的策略只产生方向性子信号，概率由 edgemodel 负责。
package strategy

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/betbot/arena/internal/domain"
)

// Kind 策略类型
type Kind string

const (
	KindMomentum      Kind = "momentum"
	KindMeanReversion Kind = "mean_reversion"
	KindSentiment     Kind = "sentiment"
	KindHybrid        Kind = "hybrid"
	KindOrderflow     Kind = "orderflow"
	KindUpDown        Kind = "updown"
)

// Kinds 全部策略（种子种群按此顺序轮转）
func Kinds() []Kind {
	return []Kind{KindMomentum, KindMeanReversion, KindSentiment, KindHybrid, KindOrderflow, KindUpDown}
}

func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown strategy kind: %q", s)
}

type Action string

const (
	ActionBuy  Action = "buy"
	ActionHold Action = "hold"
)

// Signal 策略子信号
type Signal struct {
	Action     Action      `json:"action"`
	Side       domain.Side `json:"side"`
	Confidence float64     `json:"confidence"`
	Reason     string      `json:"reasoning"`
}

// Strength 带方向的强度：yes 为正，no 为负，hold 为 0
func (s Signal) Strength() float64 {
	if s.Action != ActionBuy {
		return 0
	}
	return s.Side.Sign() * s.Confidence
}

func hold(reason string) Signal {
	return Signal{Action: ActionHold, Side: domain.SideYes, Reason: reason}
}

func buy(side domain.Side, conf float64, reason string) Signal {
	return Signal{Action: ActionBuy, Side: side, Confidence: math.Min(0.95, conf), Reason: reason}
}

type Strategy interface {
	Kind() Kind
	Params() map[string]float64
	Analyze(m domain.Market, s domain.SignalSnapshot) Signal
}

// nowFunc 测试替换
var nowFunc = time.Now

// New 按类型构造策略；缺失参数取默认值，越界参数截断到 Bounds
func New(kind Kind, params map[string]float64) (Strategy, error) {
	spec, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("unknown strategy kind: %q", kind)
	}
	p := Normalize(kind, params)
	return spec.build(p), nil
}

// Normalize 合并默认值并截断
func Normalize(kind Kind, params map[string]float64) map[string]float64 {
	spec, ok := registry[kind]
	if !ok {
		return domain.CloneParams(params)
	}
	out := domain.CloneParams(spec.defaults)
	for k, v := range params {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out[k] = v
	}
	for k, b := range spec.bounds {
		if v, ok := out[k]; ok {
			out[k] = b.Clamp(v)
		}
	}
	return out
}

// Defaults 默认参数（副本）
func Defaults(kind Kind) map[string]float64 {
	spec, ok := registry[kind]
	if !ok {
		return map[string]float64{}
	}
	return domain.CloneParams(spec.defaults)
}

// Bound 单个参数的变异范围
type Bound struct {
	Min     float64
	Max     float64
	Integer bool
}

func (b Bound) Clamp(v float64) float64 {
	if b.Integer {
		v = math.Round(v)
	}
	return math.Max(b.Min, math.Min(b.Max, v))
}

// ParamBounds 可变异参数的范围
func ParamBounds(kind Kind) map[string]Bound {
	spec, ok := registry[kind]
	if !ok {
		return nil
	}
	out := make(map[string]Bound, len(spec.bounds))
	for k, b := range spec.bounds {
		out[k] = b
	}
	return out
}

// MutableKeys 可变异参数名（排序后，保证同一随机源结果可复现）
func MutableKeys(kind Kind) []string {
	b := ParamBounds(kind)
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// hybrid 的子策略读取 registry 里的默认值，build 只能在 init 中挂上
func init() {
	h := registry[KindHybrid]
	h.build = newHybrid
	registry[KindHybrid] = h
}

type kindSpec struct {
	defaults map[string]float64
	bounds   map[string]Bound
	build    func(p map[string]float64) Strategy
}

var registry = map[Kind]kindSpec{
	KindMomentum: {
		defaults: map[string]float64{
			"lookback":          10,
			"threshold":         0.002,
			"min_confidence":    0.55,
			"position_size_pct": 0.05,
		},
		bounds: map[string]Bound{
			"lookback":          {Min: 3, Max: 30, Integer: true},
			"threshold":         {Min: 0.0005, Max: 0.01},
			"min_confidence":    {Min: 0.5, Max: 0.8},
			"position_size_pct": {Min: 0.02, Max: 0.15},
		},
		build: func(p map[string]float64) Strategy { return &momentum{params: p} },
	},
	KindMeanReversion: {
		defaults: map[string]float64{
			"lookback":          20,
			"z_threshold":       1.5,
			"min_confidence":    0.55,
			"position_size_pct": 0.05,
		},
		bounds: map[string]Bound{
			"lookback":          {Min: 8, Max: 60, Integer: true},
			"z_threshold":       {Min: 0.8, Max: 3.0},
			"min_confidence":    {Min: 0.5, Max: 0.8},
			"position_size_pct": {Min: 0.02, Max: 0.15},
		},
		build: func(p map[string]float64) Strategy { return &meanReversion{params: p} },
	},
	KindSentiment: {
		defaults: map[string]float64{
			"threshold":         0.15,
			"min_confidence":    0.55,
			"position_size_pct": 0.04,
		},
		bounds: map[string]Bound{
			"threshold":         {Min: 0.05, Max: 0.35},
			"min_confidence":    {Min: 0.5, Max: 0.8},
			"position_size_pct": {Min: 0.02, Max: 0.12},
		},
		build: func(p map[string]float64) Strategy { return &sentiment{params: p} },
	},
	KindHybrid: {
		defaults: map[string]float64{
			"momentum_weight":      0.50,
			"mean_rev_weight":      0.50,
			"confidence_threshold": 0.60,
			"agreement_bonus":      0.15,
			"position_size_pct":    0.05,
		},
		bounds: map[string]Bound{
			"momentum_weight":      {Min: 0.1, Max: 0.9},
			"mean_rev_weight":      {Min: 0.1, Max: 0.9},
			"confidence_threshold": {Min: 0.4, Max: 0.8},
			"agreement_bonus":      {Min: 0.0, Max: 0.3},
			"position_size_pct":    {Min: 0.02, Max: 0.15},
		},
	},
	KindOrderflow: {
		defaults: map[string]float64{
			"imbalance_weight":  0.42,
			"flow_weight":       0.31,
			"min_edge":          0.028,
			"position_size_pct": 0.05,
		},
		bounds: map[string]Bound{
			"imbalance_weight":  {Min: 0.2, Max: 0.6},
			"flow_weight":       {Min: 0.15, Max: 0.45},
			"min_edge":          {Min: 0.01, Max: 0.06},
			"position_size_pct": {Min: 0.02, Max: 0.10},
		},
		build: func(p map[string]float64) Strategy { return &orderflow{params: p} },
	},
	KindUpDown: {
		defaults: map[string]float64{
			"lookback_candles":      5,
			"momentum_threshold":    0.0015,
			"max_market_price":      0.72,
			"min_market_price":      0.28,
			"position_size_pct":     0.06,
			"min_confidence":        0.52,
			"volume_confirm_weight": 0.2,
			"momentum_weight":       0.8,
		},
		bounds: map[string]Bound{
			"lookback_candles":   {Min: 3, Max: 15, Integer: true},
			"momentum_threshold": {Min: 0.0005, Max: 0.005},
			"max_market_price":   {Min: 0.55, Max: 0.85},
			"position_size_pct":  {Min: 0.02, Max: 0.15},
			"min_confidence":     {Min: 0.50, Max: 0.75},
		},
		build: func(p map[string]float64) Strategy { return &upDown{params: p} },
	},
}

// 常用小工具

func pctChange(from, to float64) float64 {
	if from == 0 {
		return 0
	}
	return (to - from) / from
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	ss := 0.0
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / float64(len(xs)-1))
}
