package domain

import (
	"fmt"
	"strings"
	"time"
)

// Side 二元市场的方向
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Opposite 返回另一侧
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Sign yes=+1, no=-1
func (s Side) Sign() float64 {
	if s == SideNo {
		return -1
	}
	return 1
}

func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// ParseSide 解析方向（大小写不敏感，兼容 up/down）
func ParseSide(raw string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yes", "up":
		return SideYes, nil
	case "no", "down":
		return SideNo, nil
	default:
		return "", fmt.Errorf("invalid side: %q", raw)
	}
}

// Market 候选市场快照（由外部发现服务提供）
//
// Price 为 YES 的当前价格（0~1）。Bid/Ask 为各自 token 的盘口，0 表示未知。
type Market struct {
	ID         string    `json:"id"`
	Question   string    `json:"question"`
	YesTokenID string    `json:"yes_token_id"`
	NoTokenID  string    `json:"no_token_id"`
	Price      float64   `json:"current_price"`
	YesBid     float64   `json:"yes_bid"`
	YesAsk     float64   `json:"yes_ask"`
	NoBid      float64   `json:"no_bid"`
	NoAsk      float64   `json:"no_ask"`
	Volume24h  float64   `json:"volume_24h"`
	EndDate    time.Time `json:"end_date"`
}

// TokenID 根据方向获取 token ID
func (m *Market) TokenID(side Side) string {
	if side == SideYes {
		return m.YesTokenID
	}
	return m.NoTokenID
}

// Quote 根据方向获取 (bid, ask)
func (m *Market) Quote(side Side) (bid float64, ask float64) {
	if side == SideYes {
		return m.YesBid, m.YesAsk
	}
	return m.NoBid, m.NoAsk
}

// HasBook 该方向是否有有效盘口
func (m *Market) HasBook(side Side) bool {
	bid, ask := m.Quote(side)
	return bid > 0 && ask > 0 && ask >= bid
}

// TimeToResolution 距离结算的剩余时间，未知时返回 0
func (m *Market) TimeToResolution(now time.Time) time.Duration {
	if m.EndDate.IsZero() {
		return 0
	}
	d := m.EndDate.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// IsUpDown 是否为短周期 "Up or Down" 市场
func (m *Market) IsUpDown() bool {
	return strings.Contains(strings.ToLower(m.Question), "up or down")
}

// Resolution 市场结算结果
type Resolution struct {
	MarketID string    `json:"market_id"`
	Resolved bool      `json:"resolved"`
	Winner   Side      `json:"winner"`
	Voided   bool      `json:"voided"`
	At       time.Time `json:"resolved_at"`
}
