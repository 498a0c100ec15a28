package domain

import "fmt"

// Reason 机器可读的拒绝/失败原因
type Reason string

// 风控
const (
	ReasonAmountBelowMinimum Reason = "amount_below_minimum"
	ReasonDailyLossPerBot    Reason = "daily_loss_per_bot"
	ReasonDailyLossGlobal    Reason = "daily_loss_global"
	ReasonMaxPositionPerBot  Reason = "max_position_per_bot"
	ReasonMaxGlobalPosition  Reason = "max_global_position"
	ReasonHighSpread         Reason = "high_spread"
	ReasonTradeRateLimit     Reason = "trade_rate_limit"
	ReasonConsecutiveLosses  Reason = "consecutive_losses"
	ReasonManualPause        Reason = "manual_pause"
)

// 执行
const (
	ReasonEVBelowMinAfterCosts Reason = "ev_below_min_after_costs"
	ReasonMissingTokenID       Reason = "missing_token_id"
	ReasonNoMarketData         Reason = "no_market_data"
	ReasonDuplicateInFlight    Reason = "duplicate_in_flight"
)

// 决策
const (
	ReasonNoEdge Reason = "no_edge_after_costs"
)

// 进化
const (
	ReasonInsufficientSample     Reason = "insufficient_sample"
	ReasonCycleAlreadyInProgress Reason = "cycle_already_in_progress"
)

// APIErrorReason 网关错误码映射，如 api_error_503
func APIErrorReason(code int) Reason {
	return Reason(fmt.Sprintf("api_error_%d", code))
}
