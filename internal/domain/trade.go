package domain

import "time"

// Outcome 交易结算结果
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeWin     Outcome = "win"
	OutcomeLoss    Outcome = "loss"
	OutcomeExpired Outcome = "expired"
)

// Mode 交易模式
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// TradeIntent 决策引擎产出的交易意图（不可变，只被风控消费一次）
type TradeIntent struct {
	BotID           string          `json:"bot_id"`
	MarketID        string          `json:"market_id"`
	Side            Side            `json:"side"`
	Confidence      float64         `json:"confidence"`
	ExpectedValue   float64         `json:"expected_value"`
	SuggestedAmount float64         `json:"suggested_amount"`
	Reasoning       string          `json:"reasoning"`
	Features        FeatureSnapshot `json:"features"`
}

// Skip 不交易的决策，附带诊断特征
type Skip struct {
	BotID      string          `json:"bot_id"`
	MarketID   string          `json:"market_id"`
	Side       Side            `json:"side"`
	Confidence float64         `json:"confidence"`
	Reason     Reason          `json:"reason"`
	Reasoning  string          `json:"reasoning"`
	Features   FeatureSnapshot `json:"features"`
}

// Decision 二选一：Intent 或 Skip
type Decision struct {
	Intent *TradeIntent
	Skip   *Skip
}

func (d Decision) IsSkip() bool {
	return d.Intent == nil
}

// TradeRecord 账本中的一笔成交（append-only，结算时只更新一次）
type TradeRecord struct {
	ID              int64           `json:"id"`
	BotID           string          `json:"bot_id"`
	MarketID        string          `json:"market_id"`
	MarketQuestion  string          `json:"market_question"`
	Side            Side            `json:"side"`
	Amount          float64         `json:"amount"`
	Price           float64         `json:"price"`
	Confidence      float64         `json:"confidence"`
	ExpectedValue   float64         `json:"expected_value"`
	Reasoning       string          `json:"reasoning"`
	Features        FeatureSnapshot `json:"features"`
	Venue           string          `json:"venue"`
	Mode            Mode            `json:"mode"`
	Strategy        string          `json:"execution_strategy"`
	ExternalOrderID string          `json:"external_order_id"`
	SharesFilled    float64         `json:"shares_filled"`
	Fees            float64         `json:"fees"`
	Slippage        float64         `json:"slippage"`
	GasCost         float64         `json:"gas_cost"`
	Outcome         Outcome         `json:"outcome"`
	PnL             float64         `json:"pnl"`
	CreatedAt       time.Time       `json:"created_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
}

// Resolved 是否已结算
func (t *TradeRecord) Resolved() bool {
	return t.Outcome != "" && t.Outcome != OutcomePending
}

// SettlementPnL 按结算结果计算盈亏：赢得 shares*1 - 成本，输掉全部成本，作废返还。
func SettlementPnL(amount, shares float64, outcome Outcome) float64 {
	switch outcome {
	case OutcomeWin:
		return shares - amount
	case OutcomeLoss:
		return -amount
	default:
		return 0
	}
}
