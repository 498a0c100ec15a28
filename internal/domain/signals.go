package domain

// SentimentScore 情绪分 0~1，0.5 为中性
type SentimentScore struct {
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// OrderFlow 订单流快照（来自行情 websocket）
type OrderFlow struct {
	CurrentProbability float64 `json:"current_probability"`
	Volume24h          float64 `json:"volume_24h"`
	TimeToResolution   float64 `json:"time_to_resolution"` // 秒
	Imbalance          float64 `json:"imbalance"`          // (bid-ask)/(bid+ask)，top 8 档
	TradeFlow          float64 `json:"trade_flow"`         // 买量占比，0.5 为中性
}

// SignalSnapshot 单次决策使用的外部信号
type SignalSnapshot struct {
	Prices    []float64       `json:"prices"`
	Volumes   []float64       `json:"volumes"`
	Latest    float64         `json:"latest"`
	Stale     bool            `json:"stale"`
	Sentiment *SentimentScore `json:"sentiment,omitempty"`
	OrderFlow *OrderFlow      `json:"orderflow,omitempty"`
}

// ProviderSignal 辅助信号源的输出。Direction 为空表示无方向观点。
type ProviderSignal struct {
	Provider   string  `json:"provider"`
	Direction  Side    `json:"direction,omitempty"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}
