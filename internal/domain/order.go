package domain

// OrderStyle 下单价格风格
type OrderStyle string

const (
	// StylePostOnly 挂在买一之下，只做 maker
	StylePostOnly OrderStyle = "POST_ONLY"
	// StyleLimit 中间价附近的限价单
	StyleLimit OrderStyle = "LIMIT"
	// StyleMarket 直接吃卖一
	StyleMarket OrderStyle = "MARKET"
)

func (s OrderStyle) IsMaker() bool {
	return s == StylePostOnly
}

// OrderSpec 发往网关的单笔订单（买入 Side 对应的 token，Amount 为 USDC 名义金额）
type OrderSpec struct {
	BotID    string     `json:"bot_id"`
	MarketID string     `json:"market_id"`
	TokenID  string     `json:"token_id"`
	Side     Side       `json:"side"`
	Amount   float64    `json:"amount"`
	Price    float64    `json:"price"`
	Style    OrderStyle `json:"order_type"`
	Source   string     `json:"source"`
	Note     string     `json:"reasoning,omitempty"`
}

// Shares 按限价换算的份额
func (o OrderSpec) Shares() float64 {
	if o.Price <= 0 {
		return 0
	}
	return o.Amount / o.Price
}

// Fill 网关成交回报
type Fill struct {
	FilledAmount float64 `json:"filled_amount"`
	AvgPrice     float64 `json:"avg_price"`
	Shares       float64 `json:"shares"`
	ExternalID   string  `json:"external_id"`
}
