package domain

import "time"

// BotConfig 一个 bot 的配置。参数在创建后不可变，只有淘汰时会被标记为 inactive。
type BotConfig struct {
	BotID        string             `json:"bot_id"`
	StrategyKind string             `json:"strategy_kind"`
	Generation   int                `json:"generation"`
	LineageID    string             `json:"lineage_id"`
	ParentID     string             `json:"parent_id,omitempty"`
	Params       map[string]float64 `json:"parameters"`
	Active       bool               `json:"active"`
	CreatedAt    time.Time          `json:"created_at"`
	RetiredAt    *time.Time         `json:"retired_at,omitempty"`
}

// Param 读取参数，缺失时返回默认值
func (b *BotConfig) Param(key string, def float64) float64 {
	if b == nil || b.Params == nil {
		return def
	}
	if v, ok := b.Params[key]; ok {
		return v
	}
	return def
}

// CloneParams 深拷贝参数
func CloneParams(p map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ModelParameters 每个 bot 一行的在线模型参数
type ModelParameters struct {
	BotID     string        `json:"bot_id"`
	Bias      float64       `json:"bias"`
	Weights   FeatureVector `json:"weights"`
	Updates   int64         `json:"updates"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// DefaultModel 新 bot 的初始模型
func DefaultModel(botID string) ModelParameters {
	return ModelParameters{BotID: botID, Weights: DefaultWeights()}
}
