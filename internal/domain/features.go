package domain

import "math"

// FeatureVector 固定 schema 的特征向量（同时用作权重向量）。
// 新增特征需要同时修改 DefaultWeights 和持久化的 json tag。
type FeatureVector struct {
	Mom     float64 `json:"mom"`
	Vol     float64 `json:"vol"`
	TTE     float64 `json:"tte"`
	Strat   float64 `json:"strat"`
	Sent    float64 `json:"sent"`
	OFDelta float64 `json:"of_delta"`
	OFVol   float64 `json:"of_vol"`
	Stale   float64 `json:"stale"`
}

// DefaultWeights 每个新 bot 的初始权重
func DefaultWeights() FeatureVector {
	return FeatureVector{
		Mom:     0.40,
		Vol:     -0.25,
		TTE:     0.10,
		Strat:   0.35,
		Sent:    0.10,
		OFDelta: 0.20,
		OFVol:   0.05,
		Stale:   -0.30,
	}
}

func (v FeatureVector) slots() [8]float64 {
	return [8]float64{v.Mom, v.Vol, v.TTE, v.Strat, v.Sent, v.OFDelta, v.OFVol, v.Stale}
}

func fromSlots(s [8]float64) FeatureVector {
	return FeatureVector{
		Mom: s[0], Vol: s[1], TTE: s[2], Strat: s[3],
		Sent: s[4], OFDelta: s[5], OFVol: s[6], Stale: s[7],
	}
}

// Dot 内积
func (v FeatureVector) Dot(o FeatureVector) float64 {
	a, b := v.slots(), o.slots()
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Step 返回 v + lr*(err*x - l2*v)，即一次带 L2 衰减的梯度步
func (v FeatureVector) Step(x FeatureVector, lr, err, l2 float64) FeatureVector {
	w, xs := v.slots(), x.slots()
	for i := range w {
		w[i] += lr * (err*xs[i] - l2*w[i])
	}
	return fromSlots(w)
}

// Finite 所有槽位均为有限值
func (v FeatureVector) Finite() bool {
	for _, x := range v.slots() {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// AsMap 便于日志/诊断输出
func (v FeatureVector) AsMap() map[string]float64 {
	return map[string]float64{
		"mom": v.Mom, "vol": v.Vol, "tte": v.TTE, "strat": v.Strat,
		"sent": v.Sent, "of_delta": v.OFDelta, "of_vol": v.OFVol, "stale": v.Stale,
	}
}

// FeatureSnapshot 决策时的完整诊断信息，随 intent/skip 一起落库
type FeatureSnapshot struct {
	X           FeatureVector    `json:"x"`
	MarketPrice float64          `json:"market_price"`
	PYesModel   float64          `json:"p_yes_model"`
	PYes        float64          `json:"p_yes"`
	PEntryYes   float64          `json:"p_entry_yes"`
	PEntryNo    float64          `json:"p_entry_no"`
	EVYes       float64          `json:"ev_yes"`
	EVNo        float64          `json:"ev_no"`
	Kelly       float64          `json:"kelly,omitempty"`
	Strategy    string           `json:"strategy,omitempty"`
	StratReason string           `json:"strategy_reason,omitempty"`
	Providers   []ProviderSignal `json:"providers,omitempty"`
}
