package events

import (
	"time"
)

// Type 通知事件类型
type Type string

const (
	BotPaused          Type = "bot_paused"
	BotResumed         Type = "bot_resumed"
	TradeExecuted      Type = "trade_executed"
	TradeResolved      Type = "trade_resolved"
	TradeRejected      Type = "trade_rejected"
	DailyReset         Type = "daily_reset"
	EvolutionStarted   Type = "evolution_started"
	EvolutionCompleted Type = "evolution_completed"
	EvolutionAborted   Type = "evolution_aborted"
	FeedDisconnected   Type = "feed_disconnected"
)

// Event 发往通知 sink 的事件（fire-and-forget）
type Event struct {
	Type      Type           `json:"type"`
	BotID     string         `json:"bot_id,omitempty"`
	MarketID  string         `json:"market_id,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New 创建事件，时间戳取当前时间
func New(t Type, botID, message string) Event {
	return Event{Type: t, BotID: botID, Message: message, Timestamp: time.Now()}
}

// With 追加字段（返回副本）
func (e Event) With(key string, value any) Event {
	fields := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields[key] = value
	e.Fields = fields
	return e
}
